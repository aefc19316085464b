package engine

import (
	"context"
	"encoding/json"

	"github.com/diwise/service-chassis/pkg/infrastructure/o11y/logging"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"

	"github.com/diwise/iot-rule-engine/pkg/types"
)

const PacketReceivedTopic string = "packets.received"

// NewPacketReceivedHandler feeds packets published on the message bus into the engine.
func NewPacketReceivedHandler(e *Engine) func(context.Context, amqp.Delivery, zerolog.Logger) {
	return func(ctx context.Context, msg amqp.Delivery, logger zerolog.Logger) {
		p := types.Packet{}

		if err := json.Unmarshal(msg.Body, &p); err != nil {
			logger.Error().Err(err).Msg("failed to unmarshal packet")
			return
		}

		ctx = logging.NewContextWithLogger(ctx, logger)

		if err := e.Handle(ctx, p); err != nil {
			logger.Error().Err(err).Int64("packet_id", p.ID).Msg("failed to handle packet")
		}
	}
}
