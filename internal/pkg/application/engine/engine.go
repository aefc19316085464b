// Package engine evaluates the compiled rules of each project against incoming packets.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/diwise/service-chassis/pkg/infrastructure/o11y/logging"
	"github.com/diwise/service-chassis/pkg/infrastructure/o11y/tracing"
	"github.com/google/cel-go/cel"
	"github.com/samber/lo"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/diwise/iot-rule-engine/internal/pkg/application/conditions"
	"github.com/diwise/iot-rule-engine/internal/pkg/application/dispatcher"
	"github.com/diwise/iot-rule-engine/internal/pkg/application/fieldfunctions"
	"github.com/diwise/iot-rule-engine/internal/pkg/application/firing"
	"github.com/diwise/iot-rule-engine/pkg/types"
)

var tracer = otel.Tracer("iot-rule-engine/engine")

const DefaultTickInterval = 5 * time.Second

var ErrRuleNotActive = fmt.Errorf("rule is not active")

// Rule is an activated rule as the engine sees it.
type Rule struct {
	ID          int64
	ProjectID   int64
	Name        string
	Description string
	Definition  string
	Type        types.RuleType
	PacketIDs   []int64
	Expression  string
	Actions     []string
	// EveryMatch is set when at least one action fires on every match.
	EveryMatch bool
}

type Dispatcher interface {
	Dispatch(ctx context.Context, m dispatcher.Match) int
}

type Option func(*Engine)

func WithTickInterval(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.tickInterval = d
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		e.now = now
	}
}

type Engine struct {
	env        *cel.Env
	machine    *firing.Machine
	dispatcher Dispatcher
	metadata   conditions.MetadataProvider

	tickInterval time.Duration
	now          func() time.Time

	mu       sync.Mutex
	projects map[int64]*projectContext
	done     chan struct{}
	stopOnce sync.Once
}

// projectContext holds the active rules of a project and the latest packet of each packet id.
// Packets for a project are evaluated one at a time.
type projectContext struct {
	mu         sync.Mutex
	projectID  int64
	scope      string
	rules      map[int64]*activeRule
	packets    map[string]map[string]any
	received   map[string]int64
	receivedAt map[int64]time.Time
	latest     map[int64]*types.Packet
}

type activeRule struct {
	Rule
	program       cel.Program
	timeDependent bool
}

func New(functions *fieldfunctions.Registry, machine *firing.Machine, d Dispatcher, metadata conditions.MetadataProvider, opts ...Option) (*Engine, error) {
	env, err := conditions.NewEnvironment(functions)
	if err != nil {
		return nil, fmt.Errorf("failed to create evaluation environment: %w", err)
	}

	e := &Engine{
		env:          env,
		machine:      machine,
		dispatcher:   d,
		metadata:     metadata,
		tickInterval: DefaultTickInterval,
		now:          time.Now,
		projects:     map[int64]*projectContext{},
		done:         make(chan struct{}),
	}

	for _, opt := range opts {
		opt(e)
	}

	return e, nil
}

func (e *Engine) project(projectID int64) *projectContext {
	e.mu.Lock()
	defer e.mu.Unlock()

	pc, ok := e.projects[projectID]
	if !ok {
		pc = &projectContext{
			projectID:  projectID,
			scope:      firing.ProjectScope(projectID),
			rules:      map[int64]*activeRule{},
			packets:    map[string]map[string]any{},
			received:   map[string]int64{},
			receivedAt: map[int64]time.Time{},
			latest:     map[int64]*types.Packet{},
		}
		e.projects[projectID] = pc
	}

	return pc
}

func (e *Engine) contexts() []*projectContext {
	e.mu.Lock()
	defer e.mu.Unlock()

	pcs := lo.Values(e.projects)
	sort.Slice(pcs, func(i, j int) bool { return pcs[i].projectID < pcs[j].projectID })

	return pcs
}

// Activate makes a rule take part in evaluation, replacing an earlier version of it.
func (e *Engine) Activate(ctx context.Context, r Rule) error {
	ast, iss := e.env.Compile(r.Expression)
	if iss != nil && iss.Err() != nil {
		return fmt.Errorf("rule %d: %w", r.ID, iss.Err())
	}

	prg, err := e.env.Program(ast)
	if err != nil {
		return fmt.Errorf("rule %d: %w", r.ID, err)
	}

	// a rule that moved to another project must not stay in the old one
	for _, pc := range e.contexts() {
		if pc.projectID != r.ProjectID {
			pc.mu.Lock()
			delete(pc.rules, r.ID)
			pc.mu.Unlock()
		}
	}

	pc := e.project(r.ProjectID)

	pc.mu.Lock()
	pc.rules[r.ID] = &activeRule{
		Rule:          r,
		program:       prg,
		timeDependent: conditions.IsTimeDependent(r.Expression),
	}
	pc.mu.Unlock()

	logger := logging.GetFromContext(ctx)
	logger.Debug().Int64("rule_id", r.ID).Int64("project_id", r.ProjectID).Msg("rule activated")

	return nil
}

// Deactivate stops evaluating a rule and forgets its firing state. Actions already queued still run.
func (e *Engine) Deactivate(ctx context.Context, ruleID int64) error {
	found := false

	for _, pc := range e.contexts() {
		pc.mu.Lock()
		if _, ok := pc.rules[ruleID]; ok {
			delete(pc.rules, ruleID)
			found = true
		}
		pc.mu.Unlock()
	}

	if err := e.machine.Delete(ctx, ruleID); err != nil {
		return fmt.Errorf("failed to delete firing state of rule %d: %w", ruleID, err)
	}

	if !found {
		return fmt.Errorf("%w: %d", ErrRuleNotActive, ruleID)
	}

	return nil
}

func (e *Engine) IsActive(ruleID int64) bool {
	for _, pc := range e.contexts() {
		pc.mu.Lock()
		_, ok := pc.rules[ruleID]
		pc.mu.Unlock()

		if ok {
			return true
		}
	}
	return false
}

// Handle stores a packet as the latest of its id and evaluates every rule of the project
// that depends on it. Packets older than the latest received one are ignored.
func (e *Engine) Handle(ctx context.Context, p types.Packet) (err error) {
	ctx, span := tracer.Start(ctx, "handle-packet", trace.WithAttributes(
		attribute.Int64("packet_id", p.ID),
		attribute.Int64("project_id", p.ProjectID),
	))
	defer func() { tracing.RecordAnyErrorAndEndSpan(err, span) }()

	logger := logging.GetFromContext(ctx).With().Int64("packet_id", p.ID).Int64("project_id", p.ProjectID).Logger()
	ctx = logging.NewContextWithLogger(ctx, logger)

	now := e.now()
	if p.Timestamp.IsZero() {
		p.Timestamp = now
	}

	fields, err := e.metadata.Fields(ctx, p.ID)
	if err != nil {
		logger.Warn().Err(err).Msg("no field metadata for packet, using values as received")
		fields = nil
	}

	values, err := normalize(p.Fields, fields)
	if err != nil {
		return err
	}

	pc := e.project(p.ProjectID)

	pc.mu.Lock()
	defer pc.mu.Unlock()

	if last, ok := pc.receivedAt[p.ID]; ok && p.Timestamp.Before(last) {
		logger.Debug().Msg("ignoring stale packet")
		return nil
	}

	key := strconv.FormatInt(p.ID, 10)
	pc.packets[key] = values
	pc.received[key] = p.Timestamp.UnixMilli()
	pc.receivedAt[p.ID] = p.Timestamp

	packet := p
	packet.Fields = values
	pc.latest[p.ID] = &packet

	for _, r := range pc.sortedRules() {
		if lo.Contains(r.PacketIDs, p.ID) {
			e.evaluate(ctx, pc, r, now, &packet)
		}
	}

	return nil
}

// Tick re-evaluates the rules whose outcome depends on the passing of time and retries
// firing state that could not be persisted earlier.
func (e *Engine) Tick(ctx context.Context) {
	now := e.now()

	for _, pc := range e.contexts() {
		pc.mu.Lock()
		for _, r := range pc.sortedRules() {
			if r.timeDependent {
				e.evaluate(ctx, pc, r, now, pc.latestOf(r.PacketIDs))
			}
		}
		pc.mu.Unlock()
	}

	if err := e.machine.Flush(ctx); err != nil {
		logger := logging.GetFromContext(ctx)
		logger.Error().Err(err).Msg("fired rules are still not persisted")
	}
}

// evaluate must be called with pc.mu held.
func (e *Engine) evaluate(ctx context.Context, pc *projectContext, r *activeRule, now time.Time, packet *types.Packet) {
	logger := logging.GetFromContext(ctx).With().Int64("rule_id", r.ID).Int64("project_id", r.ProjectID).Logger()
	ctx = logging.NewContextWithLogger(ctx, logger)

	matched := false

	out, _, err := r.program.Eval(map[string]any{
		conditions.PacketsVariable:  pc.packets,
		conditions.ReceivedVariable: pc.received,
		conditions.NowVariable:      now.UnixMilli(),
	})
	if err != nil {
		logger.Debug().Err(err).Msg("rule could not be evaluated, treating as not matched")
	} else if b, ok := out.Value().(bool); ok {
		matched = b
	}

	t, err := e.machine.Advance(ctx, firing.Key{RuleID: r.ID, Scope: pc.scope}, matched, r.EveryMatch, now)
	if errors.Is(err, firing.ErrRuleDeleted) {
		return
	} else if err != nil {
		logger.Error().Err(err).Msg("failed to advance firing state")
		return
	}

	if t.RisingEdge || t.FallingEdge {
		logger.Info().Bool("fired", t.NewFired).Msg("rule changed state")
	}

	e.dispatcher.Dispatch(ctx, dispatcher.Match{
		RuleID:          r.ID,
		ProjectID:       r.ProjectID,
		RuleName:        r.Name,
		RuleDescription: r.Description,
		RuleDefinition:  r.Definition,
		RuleType:        r.Type,
		Scope:           pc.scope,
		Actions:         r.Actions,
		Transition:      t,
		At:              now,
		Packet:          packet,
		Values:          pc.snapshot(r.PacketIDs),
	})
}

func (pc *projectContext) sortedRules() []*activeRule {
	rules := lo.Values(pc.rules)
	sort.Slice(rules, func(i, j int) bool { return rules[i].ID < rules[j].ID })
	return rules
}

// latestOf returns the most recently received packet among packetIDs.
func (pc *projectContext) latestOf(packetIDs []int64) *types.Packet {
	var latest *types.Packet
	for _, id := range packetIDs {
		if p, ok := pc.latest[id]; ok && (latest == nil || p.Timestamp.After(latest.Timestamp)) {
			latest = p
		}
	}
	return latest
}

func (pc *projectContext) snapshot(packetIDs []int64) map[string]map[string]any {
	values := map[string]map[string]any{}
	for _, id := range packetIDs {
		key := strconv.FormatInt(id, 10)
		if v, ok := pc.packets[key]; ok {
			values[key] = lo.Assign(v)
		}
	}
	return values
}

func (e *Engine) Start(ctx context.Context) {
	go e.backgroundWorker(ctx, e.done)
}

// Stop ends the background ticker. It is safe to call more than once.
func (e *Engine) Stop() {
	e.stopOnce.Do(func() {
		close(e.done)
	})
}

func (e *Engine) backgroundWorker(ctx context.Context, done <-chan struct{}) {
	ticker := time.NewTicker(e.tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.Tick(ctx)
		}
	}
}
