// Package alarms joins alarm definitions with rule firing state and reacts to alarm actions.
package alarms

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/diwise/service-chassis/pkg/infrastructure/o11y/logging"
	"github.com/samber/lo"

	"github.com/diwise/iot-rule-engine/internal/pkg/application/firing"
	alarmsdb "github.com/diwise/iot-rule-engine/internal/pkg/infrastructure/repositories/database/alarms"
	rulesdb "github.com/diwise/iot-rule-engine/internal/pkg/infrastructure/repositories/database/rules"
	"github.com/diwise/iot-rule-engine/pkg/types"
)

type Alarm = alarmsdb.Alarm
type AlarmEvent = alarmsdb.AlarmEvent

var (
	ErrAlarmNotFound = alarmsdb.ErrAlarmNotFound
	ErrInvalidAlarm  = fmt.Errorf("invalid alarm")
)

type AlarmService interface {
	Add(ctx context.Context, alarm Alarm) (Alarm, error)
	GetByID(ctx context.Context, alarmID int64) (Alarm, error)
	Delete(ctx context.Context, alarmID int64) error
	GetStatus(ctx context.Context, alarmIDs []int64) ([]types.AlarmStatus, error)
	GetProjectStatus(ctx context.Context, projectID int64) ([]types.AlarmStatus, error)
}

// FactLookup gives access to the current firing state of a rule.
type FactLookup interface {
	Lookup(ctx context.Context, key firing.Key) (firing.FiredRule, bool, error)
}

type RuleReader interface {
	GetByID(ctx context.Context, ruleID int64) (rulesdb.Rule, error)
}

type alarmSvc struct {
	storage alarmsdb.AlarmRepository
	facts   FactLookup
	rules   RuleReader
}

func New(storage alarmsdb.AlarmRepository, facts FactLookup, rules RuleReader) AlarmService {
	return &alarmSvc{
		storage: storage,
		facts:   facts,
		rules:   rules,
	}
}

func (svc *alarmSvc) Add(ctx context.Context, alarm Alarm) (Alarm, error) {
	if alarm.Name == "" {
		return Alarm{}, fmt.Errorf("%w: name is required", ErrInvalidAlarm)
	}

	if alarm.ProjectID <= 0 {
		return Alarm{}, fmt.Errorf("%w: project id must be positive", ErrInvalidAlarm)
	}

	if len(alarm.Events) == 0 {
		return Alarm{}, fmt.Errorf("%w: at least one alarm event is required", ErrInvalidAlarm)
	}

	for _, e := range alarm.Events {
		if e.RuleID <= 0 {
			return Alarm{}, fmt.Errorf("%w: event %q has no rule", ErrInvalidAlarm, e.Name)
		}

		if e.Severity < types.AlarmSeverityUnknown || e.Severity > types.AlarmSeverityHigh {
			return Alarm{}, fmt.Errorf("%w: severity %d of event %q is out of range", ErrInvalidAlarm, e.Severity, e.Name)
		}

		rule, err := svc.rules.GetByID(ctx, e.RuleID)
		if err != nil {
			if errors.Is(err, rulesdb.ErrRuleNotFound) {
				return Alarm{}, fmt.Errorf("%w: rule %d does not exist", ErrInvalidAlarm, e.RuleID)
			}
			return Alarm{}, err
		}

		if rule.ProjectID != alarm.ProjectID {
			return Alarm{}, fmt.Errorf("%w: rule %d belongs to another project", ErrInvalidAlarm, e.RuleID)
		}
	}

	return svc.storage.Add(ctx, alarm)
}

func (svc *alarmSvc) GetByID(ctx context.Context, alarmID int64) (Alarm, error) {
	return svc.storage.GetByID(ctx, alarmID)
}

func (svc *alarmSvc) Delete(ctx context.Context, alarmID int64) error {
	return svc.storage.Delete(ctx, alarmID)
}

func (svc *alarmSvc) GetStatus(ctx context.Context, alarmIDs []int64) ([]types.AlarmStatus, error) {
	alarms, err := svc.storage.GetByIDs(ctx, lo.Uniq(alarmIDs)...)
	if err != nil {
		return nil, err
	}

	return svc.status(ctx, alarms), nil
}

func (svc *alarmSvc) GetProjectStatus(ctx context.Context, projectID int64) ([]types.AlarmStatus, error) {
	alarms, err := svc.storage.GetByProjectID(ctx, projectID)
	if err != nil {
		return nil, err
	}

	return svc.status(ctx, alarms), nil
}

// status never fails, missing or unreadable facts and rules degrade to defaults.
func (svc *alarmSvc) status(ctx context.Context, alarms []Alarm) []types.AlarmStatus {
	logger := logging.GetFromContext(ctx)

	sort.Slice(alarms, func(i, j int) bool { return alarms[i].ID < alarms[j].ID })

	definitions := map[int64]string{}
	definition := func(ruleID int64) string {
		if d, ok := definitions[ruleID]; ok {
			return d
		}

		rule, err := svc.rules.GetByID(ctx, ruleID)
		if err != nil {
			logger.Warn().Err(err).Int64("rule_id", ruleID).Msg("failed to read rule definition")
		}

		definitions[ruleID] = rule.Definition
		return rule.Definition
	}

	result := make([]types.AlarmStatus, 0, len(alarms))

	for _, a := range alarms {
		scope := firing.ProjectScope(a.ProjectID)

		events := append([]AlarmEvent{}, a.Events...)
		sort.Slice(events, func(i, j int) bool { return events[i].ID < events[j].ID })

		status := types.AlarmStatus{
			AlarmID:     a.ID,
			AlarmName:   a.Name,
			ProjectID:   a.ProjectID,
			AlarmEvents: make([]types.AlarmEventStatus, 0, len(events)),
		}

		for _, e := range events {
			es := types.AlarmEventStatus{
				AlarmEventID:   e.ID,
				Name:           e.Name,
				Severity:       e.Severity,
				Description:    e.Description,
				RuleDefinition: definition(e.RuleID),
			}

			fact, found, err := svc.facts.Lookup(ctx, firing.Key{RuleID: e.RuleID, Scope: scope})
			if err != nil {
				logger.Warn().Err(err).Int64("rule_id", e.RuleID).Msg("failed to look up fired rule, reporting as not fired")
			} else if found {
				es.Fired = fact.Fired
				es.LastFiredTimestamp = fact.LastFiredTimestamp
			}

			status.AlarmEvents = append(status.AlarmEvents, es)
		}

		result = append(result, status)
	}

	return result
}
