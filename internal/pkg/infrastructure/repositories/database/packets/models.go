package packets

import "time"

// PacketField describes one field of a device packet. Field ids are assigned by the
// packet owner and are unique within the packet.
type PacketField struct {
	PacketID  int64     `gorm:"primaryKey;autoIncrement:false" json:"packetId"`
	FieldID   int64     `gorm:"primaryKey;autoIncrement:false" json:"fieldId"`
	ProjectID int64     `gorm:"index" json:"projectId"`
	Name      string    `json:"name"`
	Type      string    `json:"type"`
	UpdatedAt time.Time `json:"-"`
}
