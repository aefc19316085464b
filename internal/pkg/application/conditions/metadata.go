package conditions

import (
	"context"
	"fmt"

	"github.com/diwise/iot-rule-engine/internal/pkg/infrastructure/repositories/database/packets"
	"github.com/diwise/iot-rule-engine/pkg/types"
)

// MetadataProvider returns the fields declared by a packet.
type MetadataProvider interface {
	Fields(ctx context.Context, packetID int64) ([]types.Field, error)
}

// StaticMetadata is a fixed packet id to fields mapping.
type StaticMetadata map[int64][]types.Field

func (m StaticMetadata) Fields(_ context.Context, packetID int64) ([]types.Field, error) {
	fields, ok := m[packetID]
	if !ok {
		return nil, fmt.Errorf("packet %d: %w", packetID, packets.ErrPacketNotFound)
	}
	return fields, nil
}

type repositoryMetadata struct {
	repo packets.PacketRepository
}

func NewRepositoryMetadata(repo packets.PacketRepository) MetadataProvider {
	return &repositoryMetadata{repo: repo}
}

func (m *repositoryMetadata) Fields(ctx context.Context, packetID int64) ([]types.Field, error) {
	stored, err := m.repo.GetFields(ctx, packetID)
	if err != nil {
		return nil, err
	}

	fields := make([]types.Field, 0, len(stored))
	for _, pf := range stored {
		ft, ok := types.ParseFieldType(pf.Type)
		if !ok {
			return nil, fmt.Errorf("packet %d field %d has unknown type %q", packetID, pf.FieldID, pf.Type)
		}
		fields = append(fields, types.Field{ID: pf.FieldID, Name: pf.Name, Type: ft})
	}

	return fields, nil
}
