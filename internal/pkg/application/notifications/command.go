package notifications

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"

	"github.com/diwise/service-chassis/pkg/infrastructure/o11y/logging"
	"github.com/diwise/service-chassis/pkg/infrastructure/o11y/tracing"

	"github.com/diwise/iot-rule-engine/internal/pkg/application/actions"
	"github.com/diwise/iot-rule-engine/internal/pkg/application/dispatcher"
	"github.com/diwise/iot-rule-engine/pkg/types"
)

// NewCommandHandler publishes the message of a send command action on its device topic.
func NewCommandHandler(publisher Publisher) dispatcher.Handler {
	return dispatcher.HandlerFunc(func(ctx context.Context, a actions.Action) (err error) {
		ctx, span := tracer.Start(ctx, "send-command")
		defer func() { tracing.RecordAnyErrorAndEndSpan(err, span) }()

		cmd, ok := a.(*actions.SendCommandAction)
		if !ok {
			return fmt.Errorf("command handler cannot handle %s", a.Type())
		}

		msg, err := ComposeCommand(cmd)
		if err != nil {
			return err
		}

		logger := logging.GetFromContext(ctx)
		logger.Debug().Str("topic", msg.Topic).Int64("packetID", cmd.PacketID).Msg("sending command")

		return publisher.PublishOnTopic(ctx, &msg)
	})
}

func ComposeCommand(cmd *actions.SendCommandAction) (types.CommandRequested, error) {
	if cmd.Topic == "" {
		return types.CommandRequested{}, fmt.Errorf("command of rule %d has no topic", cmd.RuleID)
	}

	msg := types.CommandRequested{
		Topic:  cmd.Topic,
		Format: cmd.Format(),
	}

	switch msg.Format {
	case actions.CommandFormatJSON:
		compacted := &bytes.Buffer{}
		if err := json.Compact(compacted, []byte(cmd.Message)); err != nil {
			return types.CommandRequested{}, fmt.Errorf("command of rule %d is not valid json: %w", cmd.RuleID, err)
		}
		msg.Payload = compacted.Bytes()
	case actions.CommandFormatText:
		msg.Payload = []byte(cmd.Message)
	default:
		return types.CommandRequested{}, fmt.Errorf("command of rule %d has unsupported format %q", cmd.RuleID, cmd.PacketFormat)
	}

	return msg, nil
}
