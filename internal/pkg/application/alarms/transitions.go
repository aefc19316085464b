package alarms

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/diwise/service-chassis/pkg/infrastructure/o11y/logging"
	"github.com/samber/lo"

	"github.com/diwise/iot-rule-engine/pkg/types"
)

// Transitions keeps track of which alarms are up. An alarm is up while at least one of
// its events is fired.
type Transitions struct {
	svc      AlarmService
	notifier Notifier

	mu sync.Mutex
	up map[int64]bool
}

func NewTransitions(svc AlarmService, notifier Notifier) *Transitions {
	return &Transitions{
		svc:      svc,
		notifier: notifier,
		up:       map[int64]bool{},
	}
}

// Restore reads the current state of the given alarms without announcing anything.
func (t *Transitions) Restore(ctx context.Context, alarmIDs []int64) error {
	statuses, err := t.svc.GetStatus(ctx, alarmIDs)
	if err != nil {
		return err
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	for _, s := range statuses {
		t.up[s.AlarmID] = isUp(s)
	}

	return nil
}

// Update re-reads the state of an alarm and announces it if the alarm went up or down.
func (t *Transitions) Update(ctx context.Context, alarmID int64, at time.Time) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	statuses, err := t.svc.GetStatus(ctx, []int64{alarmID})
	if err != nil {
		return err
	}

	if len(statuses) == 0 {
		return fmt.Errorf("%w: %d", ErrAlarmNotFound, alarmID)
	}

	status := statuses[0]
	up := isUp(status)

	if t.up[alarmID] == up {
		return nil
	}

	t.up[alarmID] = up

	change := types.AlarmStateChanged{
		AlarmID:   alarmID,
		AlarmName: status.AlarmName,
		ProjectID: status.ProjectID,
		State:     lo.Ternary(up, types.AlarmStateUp, types.AlarmStateDown),
		Timestamp: at.UTC(),
	}

	logger := logging.GetFromContext(ctx)
	logger.Info().Int64("alarm_id", alarmID).Str("state", change.State).Msg("alarm changed state")

	return t.notifier.StateChanged(ctx, change)
}

func (t *Transitions) IsUp(alarmID int64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.up[alarmID]
}

func isUp(s types.AlarmStatus) bool {
	return lo.SomeBy(s.AlarmEvents, func(e types.AlarmEventStatus) bool {
		return e.Fired
	})
}
