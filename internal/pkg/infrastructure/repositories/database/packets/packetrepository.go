package packets

import (
	"context"
	"fmt"

	"gorm.io/gorm"

	. "github.com/diwise/iot-rule-engine/internal/pkg/infrastructure/repositories/database"
)

var ErrPacketNotFound = fmt.Errorf("packet not found")

type PacketRepository interface {
	GetFields(ctx context.Context, packetID int64) ([]PacketField, error)
	SetFields(ctx context.Context, packetID int64, fields []PacketField) error
}

type packetRepository struct {
	db *gorm.DB
}

func NewPacketRepository(connect ConnectorFunc) (PacketRepository, error) {
	impl, err := connect()
	if err != nil {
		return nil, err
	}

	err = impl.AutoMigrate(&PacketField{})
	if err != nil {
		return nil, err
	}

	return &packetRepository{
		db: impl,
	}, nil
}

func (r *packetRepository) GetFields(ctx context.Context, packetID int64) ([]PacketField, error) {
	var fields []PacketField

	err := r.db.WithContext(ctx).
		Where("packet_id = ?", packetID).
		Order("field_id").
		Find(&fields).
		Error

	if err != nil {
		return nil, err
	}

	if len(fields) == 0 {
		return nil, ErrPacketNotFound
	}

	return fields, nil
}

// SetFields replaces the complete field set of a packet.
func (r *packetRepository) SetFields(ctx context.Context, packetID int64, fields []PacketField) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("packet_id = ?", packetID).Delete(&PacketField{}).Error; err != nil {
			return err
		}

		if len(fields) == 0 {
			return nil
		}

		for i := range fields {
			fields[i].PacketID = packetID
		}

		return tx.Create(&fields).Error
	})
}
