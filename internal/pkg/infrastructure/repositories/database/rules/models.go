package rules

import (
	"time"

	"gorm.io/gorm"
)

// Rule is the stored form of a rule definition together with its compiled predicate.
// Condition holds the json encoded condition tree and Actions the json list of encoded
// action payloads.
type Rule struct {
	ID        int64          `gorm:"primarykey" json:"id"`
	CreatedAt time.Time      `json:"-"`
	UpdatedAt time.Time      `json:"-"`
	DeletedAt gorm.DeletedAt `gorm:"index" json:"-"`

	ProjectID   int64  `gorm:"index" json:"projectId"`
	Name        string `json:"name"`
	Description string `json:"description"`
	Type        string `json:"type"`
	Condition   string `json:"condition"`
	PacketIDs   string `json:"packetIds"`
	Actions     string `json:"actions"`
	Predicate   string `json:"predicate"`
	Definition  string `json:"definition"`
	Checksum    string `json:"checksum"`
	Active      bool   `json:"active"`
}
