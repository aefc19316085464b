// Package rules compiles, stores and activates rules.
package rules

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/diwise/service-chassis/pkg/infrastructure/o11y/logging"
	"github.com/samber/lo"

	"github.com/diwise/iot-rule-engine/internal/pkg/application/actions"
	"github.com/diwise/iot-rule-engine/internal/pkg/application/conditions"
	"github.com/diwise/iot-rule-engine/internal/pkg/application/engine"
	rulesdb "github.com/diwise/iot-rule-engine/internal/pkg/infrastructure/repositories/database/rules"
	"github.com/diwise/iot-rule-engine/pkg/types"
)

var (
	ErrRuleNotFound = rulesdb.ErrRuleNotFound
	ErrInvalidRule  = fmt.Errorf("invalid rule")
)

type Rule struct {
	ID          int64
	ProjectID   int64
	Name        string
	Description string
	Type        types.RuleType
	Condition   conditions.Node
	PacketIDs   []int64
	Actions     []actions.Action
	Active      bool
	Predicate   conditions.CompiledPredicate
}

type RuleService interface {
	Save(ctx context.Context, rule Rule) (Rule, error)
	Get(ctx context.Context, ruleID int64) (Rule, error)
	GetByProjectID(ctx context.Context, projectID int64) ([]Rule, error)
	Delete(ctx context.Context, ruleID int64) error
	// Load activates all stored active rules and returns how many were activated.
	Load(ctx context.Context) (int, error)
}

type Activator interface {
	Activate(ctx context.Context, r engine.Rule) error
	Deactivate(ctx context.Context, ruleID int64) error
}

type ruleSvc struct {
	storage  rulesdb.RuleRepository
	compiler *conditions.Compiler
	codec    *actions.Codec
	engine   Activator
}

func New(storage rulesdb.RuleRepository, compiler *conditions.Compiler, codec *actions.Codec, engine Activator) RuleService {
	return &ruleSvc{
		storage:  storage,
		compiler: compiler,
		codec:    codec,
		engine:   engine,
	}
}

// Save compiles the rule and, only if it compiles, stores it and (de)activates it. A rule
// without an id is created.
func (svc *ruleSvc) Save(ctx context.Context, rule Rule) (Rule, error) {
	if rule.Name == "" {
		return Rule{}, fmt.Errorf("%w: name is required", ErrInvalidRule)
	}

	switch rule.Type {
	case types.RuleTypeNormal, types.RuleTypeEvent, types.RuleTypeAlarmEvent:
	case "":
		rule.Type = types.RuleTypeEvent
	default:
		return Rule{}, fmt.Errorf("%w: unknown rule type %q", ErrInvalidRule, rule.Type)
	}

	if rule.ID < 0 || rule.ProjectID <= 0 {
		return Rule{}, fmt.Errorf("%w: rule and project ids must be positive", ErrInvalidRule)
	}

	if len(rule.PacketIDs) == 0 {
		return Rule{}, fmt.Errorf("%w: at least one packet is required", ErrInvalidRule)
	}

	if lo.SomeBy(rule.PacketIDs, func(id int64) bool { return id <= 0 }) {
		return Rule{}, fmt.Errorf("%w: packet ids must be positive", ErrInvalidRule)
	}
	rule.PacketIDs = lo.Uniq(rule.PacketIDs)

	predicate, err := svc.compiler.Compile(ctx, rule.Condition, rule.PacketIDs)
	if err != nil {
		return Rule{}, err
	}
	rule.Predicate = predicate

	m, err := svc.toModel(rule)
	if err != nil {
		return Rule{}, err
	}

	var stored rulesdb.Rule

	// a created rule must not outlive a failure to complete it
	discard := func(err error) (Rule, error) {
		return Rule{}, err
	}

	if rule.ID == 0 {
		// actions carry the rule id, which is only known once the rule is stored
		m.Actions = "[]"
		m.Active = false

		stored, err = svc.storage.Save(ctx, m)
		if err != nil {
			return Rule{}, err
		}

		rule.ID = stored.ID

		discard = func(err error) (Rule, error) {
			if delErr := svc.storage.Delete(context.WithoutCancel(ctx), stored.ID); delErr != nil {
				logger := logging.GetFromContext(ctx)
				logger.Error().Err(delErr).Int64("rule_id", stored.ID).Msg("failed to remove incomplete rule")
			}
			return Rule{}, err
		}

		m, err = svc.toModel(rule)
		if err != nil {
			return discard(err)
		}
	} else {
		stored, err = svc.storage.GetByID(ctx, rule.ID)
		if err != nil {
			return Rule{}, err
		}
	}

	m.CreatedAt = stored.CreatedAt

	m, err = svc.storage.Save(ctx, m)
	if err != nil {
		return discard(err)
	}

	logger := logging.GetFromContext(ctx).With().Int64("rule_id", rule.ID).Int64("project_id", rule.ProjectID).Logger()
	ctx = logging.NewContextWithLogger(ctx, logger)

	if rule.Active {
		er, err := svc.toEngineRule(m)
		if err != nil {
			return discard(err)
		}
		if err = svc.engine.Activate(ctx, er); err != nil {
			return discard(fmt.Errorf("failed to activate rule: %w", err))
		}
	} else if err = svc.engine.Deactivate(ctx, rule.ID); err != nil && !errors.Is(err, engine.ErrRuleNotActive) {
		return Rule{}, err
	}

	logger.Info().Str("checksum", predicate.Checksum).Bool("active", rule.Active).Msg("rule saved")

	return svc.fromModel(m)
}

func (svc *ruleSvc) Get(ctx context.Context, ruleID int64) (Rule, error) {
	m, err := svc.storage.GetByID(ctx, ruleID)
	if err != nil {
		return Rule{}, err
	}

	return svc.fromModel(m)
}

func (svc *ruleSvc) GetByProjectID(ctx context.Context, projectID int64) ([]Rule, error) {
	models, err := svc.storage.GetByProjectID(ctx, projectID)
	if err != nil {
		return nil, err
	}

	result := make([]Rule, 0, len(models))
	for _, m := range models {
		r, err := svc.fromModel(m)
		if err != nil {
			return nil, err
		}
		result = append(result, r)
	}

	return result, nil
}

// Delete removes the rule and its firing state. Actions that are already queued still run.
func (svc *ruleSvc) Delete(ctx context.Context, ruleID int64) error {
	if err := svc.storage.Delete(ctx, ruleID); err != nil {
		return err
	}

	if err := svc.engine.Deactivate(ctx, ruleID); err != nil && !errors.Is(err, engine.ErrRuleNotActive) {
		return err
	}

	return nil
}

func (svc *ruleSvc) Load(ctx context.Context) (int, error) {
	logger := logging.GetFromContext(ctx)

	models, err := svc.storage.GetAll(ctx, true)
	if err != nil {
		return 0, err
	}

	activated := 0

	for _, m := range models {
		er, err := svc.toEngineRule(m)
		if err == nil {
			err = svc.engine.Activate(ctx, er)
		}
		if err != nil {
			logger.Error().Err(err).Int64("rule_id", m.ID).Msg("failed to activate stored rule")
			continue
		}
		activated++
	}

	return activated, nil
}

func (svc *ruleSvc) toModel(rule Rule) (rulesdb.Rule, error) {
	condition, err := conditions.MarshalNode(rule.Condition)
	if err != nil {
		return rulesdb.Rule{}, err
	}

	payloads := []string{}
	for _, a := range rule.Actions {
		base := a.Common()
		base.RuleID = rule.ID
		base.RuleName = rule.Name
		base.PacketIDs = rule.PacketIDs

		p, err := svc.codec.Encode(a)
		if err != nil {
			return rulesdb.Rule{}, err
		}
		payloads = append(payloads, p)
	}

	packetIDs, _ := json.Marshal(rule.PacketIDs)
	actionPayloads, _ := json.Marshal(payloads)

	return rulesdb.Rule{
		ID:          rule.ID,
		ProjectID:   rule.ProjectID,
		Name:        rule.Name,
		Description: rule.Description,
		Type:        string(rule.Type),
		Condition:   string(condition),
		PacketIDs:   string(packetIDs),
		Actions:     string(actionPayloads),
		Predicate:   rule.Predicate.Expression,
		Definition:  rule.Predicate.Definition,
		Checksum:    rule.Predicate.Checksum,
		Active:      rule.Active,
	}, nil
}

func (svc *ruleSvc) fromModel(m rulesdb.Rule) (Rule, error) {
	condition, err := conditions.UnmarshalNode([]byte(m.Condition))
	if err != nil {
		return Rule{}, fmt.Errorf("stored condition of rule %d is corrupt: %w", m.ID, err)
	}

	packetIDs, payloads, err := decodeLists(m)
	if err != nil {
		return Rule{}, err
	}

	acts := make([]actions.Action, 0, len(payloads))
	for _, p := range payloads {
		a, err := svc.codec.Decode(p)
		if err != nil {
			return Rule{}, fmt.Errorf("stored action of rule %d: %w", m.ID, err)
		}
		acts = append(acts, a)
	}

	return Rule{
		ID:          m.ID,
		ProjectID:   m.ProjectID,
		Name:        m.Name,
		Description: m.Description,
		Type:        types.RuleType(m.Type),
		Condition:   condition,
		PacketIDs:   packetIDs,
		Actions:     acts,
		Active:      m.Active,
		Predicate: conditions.CompiledPredicate{
			Expression: m.Predicate,
			Definition: m.Definition,
			Checksum:   m.Checksum,
		},
	}, nil
}

// toEngineRule uses the stored predicate, so rules keep working if field metadata changes later.
func (svc *ruleSvc) toEngineRule(m rulesdb.Rule) (engine.Rule, error) {
	packetIDs, payloads, err := decodeLists(m)
	if err != nil {
		return engine.Rule{}, err
	}

	everyMatch := lo.SomeBy(payloads, func(p string) bool {
		a, err := svc.codec.Decode(p)
		return err == nil && a.FireOnEveryMatch()
	})

	return engine.Rule{
		ID:          m.ID,
		ProjectID:   m.ProjectID,
		Name:        m.Name,
		Description: m.Description,
		Definition:  m.Definition,
		Type:        types.RuleType(m.Type),
		PacketIDs:   packetIDs,
		Expression:  m.Predicate,
		Actions:     payloads,
		EveryMatch:  everyMatch,
	}, nil
}

func decodeLists(m rulesdb.Rule) ([]int64, []string, error) {
	packetIDs := []int64{}
	if err := json.Unmarshal([]byte(m.PacketIDs), &packetIDs); err != nil {
		return nil, nil, fmt.Errorf("stored packet ids of rule %d are corrupt: %w", m.ID, err)
	}

	payloads := []string{}
	if err := json.Unmarshal([]byte(m.Actions), &payloads); err != nil {
		return nil, nil, fmt.Errorf("stored actions of rule %d are corrupt: %w", m.ID, err)
	}

	return packetIDs, payloads, nil
}
