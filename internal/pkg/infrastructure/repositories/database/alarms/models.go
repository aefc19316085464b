package alarms

import (
	"time"

	"gorm.io/gorm"
)

// Alarm groups alarm events, each backed by one rule of the owning project.
type Alarm struct {
	ID        int64          `gorm:"primarykey" json:"id"`
	CreatedAt time.Time      `json:"-"`
	UpdatedAt time.Time      `json:"-"`
	DeletedAt gorm.DeletedAt `gorm:"index" json:"-"`

	ProjectID   int64        `gorm:"index" json:"projectId"`
	Name        string       `json:"name"`
	Description string       `json:"description"`
	Events      []AlarmEvent `gorm:"constraint:OnDelete:CASCADE" json:"events"`
}

type AlarmEvent struct {
	ID          int64  `gorm:"primarykey" json:"id"`
	AlarmID     int64  `gorm:"index" json:"alarmId"`
	RuleID      int64  `gorm:"index" json:"ruleId"`
	Name        string `json:"name"`
	Description string `json:"description"`
	Severity    int    `json:"severity"`
}
