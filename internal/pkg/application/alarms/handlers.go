package alarms

import (
	"context"
	"errors"
	"fmt"

	"github.com/diwise/service-chassis/pkg/infrastructure/o11y/tracing"
	"go.opentelemetry.io/otel"

	"github.com/diwise/iot-rule-engine/internal/pkg/application/actions"
	"github.com/diwise/iot-rule-engine/internal/pkg/application/dispatcher"
	"github.com/diwise/iot-rule-engine/pkg/types"
)

var tracer = otel.Tracer("iot-rule-engine/alarms")

var ErrUnsupportedAction = errors.New("unsupported action")

// NewAlarmActionHandler raises or clears the alarm event of an alarm action and then
// lets the transition manager decide if the alarm itself went up or down.
func NewAlarmActionHandler(notifier Notifier, transitions *Transitions) dispatcher.Handler {
	return dispatcher.HandlerFunc(func(ctx context.Context, a actions.Action) (err error) {
		ctx, span := tracer.Start(ctx, "alarm-action")
		defer func() { tracing.RecordAnyErrorAndEndSpan(err, span) }()

		var alarm *actions.AlarmAction

		switch v := a.(type) {
		case *actions.AlarmAction:
			alarm = v
		case *actions.AlarmSendMailAction:
			alarm = &v.AlarmAction
		default:
			return fmt.Errorf("%w: %s", ErrUnsupportedAction, a.Type())
		}

		exec := alarm.Execution
		if exec == nil {
			return fmt.Errorf("alarm action for rule %d has no execution context", alarm.RuleID)
		}

		deviceName := alarm.DeviceName
		if deviceName == "" && exec.Packet != nil {
			deviceName = exec.Packet.DeviceID
		}

		err = notifier.EventFired(ctx, types.AlarmEventFired{
			AlarmID:    alarm.AlarmID,
			AlarmName:  alarm.AlarmName,
			EventID:    alarm.EventID,
			RuleID:     exec.RuleID,
			ProjectID:  exec.ProjectID,
			DeviceName: deviceName,
			Severity:   alarm.Severity,
			Fired:      exec.Fired,
			Timestamp:  exec.Timestamp.UTC(),
		})
		if err != nil {
			return fmt.Errorf("failed to publish alarm event: %w", err)
		}

		return transitions.Update(ctx, alarm.AlarmID, exec.Timestamp)
	})
}
