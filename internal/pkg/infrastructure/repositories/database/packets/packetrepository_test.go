package packets

import (
	"context"
	"errors"
	"testing"

	. "github.com/diwise/iot-rule-engine/internal/pkg/infrastructure/repositories/database"
	"github.com/matryer/is"
)

func TestSetAndGetFields(t *testing.T) {
	is, ctx, r := testSetupPacketRepository(t)

	err := r.SetFields(ctx, 123, []PacketField{
		{FieldID: 2, Name: "humidity", Type: "DOUBLE"},
		{FieldID: 1, Name: "temperature", Type: "DOUBLE"},
	})
	is.NoErr(err)

	fields, err := r.GetFields(ctx, 123)
	is.NoErr(err)
	is.Equal(len(fields), 2)
	is.Equal(fields[0].Name, "temperature")
	is.Equal(fields[1].PacketID, int64(123))
}

func TestSetFieldsReplacesPreviousDefinition(t *testing.T) {
	is, ctx, r := testSetupPacketRepository(t)

	is.NoErr(r.SetFields(ctx, 1, []PacketField{{FieldID: 1, Name: "a", Type: "TEXT"}, {FieldID: 2, Name: "b", Type: "TEXT"}}))
	is.NoErr(r.SetFields(ctx, 1, []PacketField{{FieldID: 3, Name: "c", Type: "INTEGER"}}))

	fields, err := r.GetFields(ctx, 1)
	is.NoErr(err)
	is.Equal(len(fields), 1)
	is.Equal(fields[0].Name, "c")
}

func TestUnknownPacket(t *testing.T) {
	is, ctx, r := testSetupPacketRepository(t)

	_, err := r.GetFields(ctx, 42)
	is.True(errors.Is(err, ErrPacketNotFound))
}

func TestPacketZeroDoesNotMatchOtherPackets(t *testing.T) {
	is, ctx, r := testSetupPacketRepository(t)

	is.NoErr(r.SetFields(ctx, 7, []PacketField{{FieldID: 1, Name: "temperature", Type: "DOUBLE"}}))

	_, err := r.GetFields(ctx, 0)
	is.True(errors.Is(err, ErrPacketNotFound))
}

func testSetupPacketRepository(t *testing.T) (*is.I, context.Context, PacketRepository) {
	is := is.New(t)
	ctx := context.Background()

	r, err := NewPacketRepository(NewSQLiteConnector(ctx))
	is.NoErr(err)

	return is, ctx, r
}
