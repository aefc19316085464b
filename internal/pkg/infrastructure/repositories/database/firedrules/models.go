package firedrules

import "time"

// FiredRule is the firing state of one rule within one evaluation scope.
type FiredRule struct {
	RuleID             int64      `gorm:"primaryKey;autoIncrement:false" json:"ruleId"`
	Scope              string     `gorm:"primaryKey" json:"scope"`
	Fired              bool       `json:"fired"`
	LastFiredTimestamp *time.Time `json:"lastFiredTimestamp"`
	UpdatedAt          time.Time  `json:"-"`
}
