// Package dispatcher decides which actions of a matched rule run and runs them on a worker pool.
package dispatcher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/diwise/service-chassis/pkg/infrastructure/o11y/logging"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/diwise/iot-rule-engine/internal/pkg/application/actions"
	"github.com/diwise/iot-rule-engine/internal/pkg/application/firing"
	"github.com/diwise/iot-rule-engine/internal/pkg/infrastructure/workerpool"
	"github.com/diwise/iot-rule-engine/pkg/types"
)

// Match is the outcome of one evaluation of a rule, after its firing state has been advanced.
type Match struct {
	RuleID          int64
	ProjectID       int64
	RuleName        string
	RuleDescription string
	RuleDefinition  string
	RuleType        types.RuleType
	Scope           string
	Actions         []string
	Transition      firing.Transition
	At              time.Time
	Packet          *types.Packet
	Values          map[string]map[string]any
}

type job struct {
	action  actions.Action
	handler Handler
	logger  zerolog.Logger
}

type Dispatcher struct {
	codec    *actions.Codec
	handlers *HandlerRegistry
	pool     *workerpool.Pool[job]
}

type config struct {
	workers    int
	queueSize  int
	registerer prometheus.Registerer
}

type Option func(*config)

func WithWorkers(workers int) Option {
	return func(c *config) {
		c.workers = workers
	}
}

func WithQueueSize(size int) Option {
	return func(c *config) {
		c.queueSize = size
	}
}

func WithMetrics(registerer prometheus.Registerer) Option {
	return func(c *config) {
		c.registerer = registerer
	}
}

func New(codec *actions.Codec, handlers *HandlerRegistry, opts ...Option) (*Dispatcher, error) {
	cfg := &config{}
	for _, opt := range opts {
		opt(cfg)
	}

	var poolOpts []workerpool.Option[job]
	if cfg.registerer != nil {
		poolOpts = append(poolOpts, workerpool.WithMetrics[job](cfg.registerer, "rule_actions"))
	}

	pool, err := workerpool.New(cfg.workers, cfg.queueSize, execute, poolOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create action worker pool: %w", err)
	}

	return &Dispatcher{
		codec:    codec,
		handlers: handlers,
		pool:     pool,
	}, nil
}

func (d *Dispatcher) Start(ctx context.Context) error {
	return d.pool.Start(ctx)
}

func (d *Dispatcher) Stop(timeout time.Duration) error {
	return d.pool.Stop(timeout)
}

func (d *Dispatcher) Stats() workerpool.Stats {
	return d.pool.Stats()
}

// ShouldFire reports whether an action runs for the given transition.
func ShouldFire(a actions.Action, ruleType types.RuleType, t firing.Transition) bool {
	if t.RisingEdge {
		return true
	}
	if t.NewFired && a.FireOnEveryMatch() {
		return true
	}
	return t.FallingEdge && a.ExecuteOnUnmetCondition() && ruleType.UsesFiredState()
}

// Dispatch queues the actions of a match that should run and returns how many were queued.
// It never blocks on handlers, and a payload that cannot be decoded only skips that action.
func (d *Dispatcher) Dispatch(ctx context.Context, m Match) int {
	logger := logging.GetFromContext(ctx).With().Int64("rule_id", m.RuleID).Int64("project_id", m.ProjectID).Logger()
	ctx = logging.NewContextWithLogger(ctx, logger)

	if !m.Transition.RisingEdge && !m.Transition.NewFired && !m.Transition.FallingEdge {
		return 0
	}

	queued := 0

	for i, payload := range m.Actions {
		a, err := d.codec.Decode(payload)
		if err != nil {
			logger.Warn().Err(err).Int("index", i).Msg("skipping undecodable action")
			continue
		}

		if !a.Common().Active || !ShouldFire(a, m.RuleType, m.Transition) {
			continue
		}

		handler, ok := d.handlers.Lookup(a.Type())
		if !ok {
			logger.Warn().Str("action", a.Type()).Msg("no handler registered for action")
			continue
		}

		at := m.At
		a.Common().FireTimestamp = &at
		if len(m.Values) > 0 {
			if b, err := json.Marshal(m.Values); err == nil {
				a.Common().FirePayload = string(b)
			}
		}
		a.Common().Execution = &actions.Execution{
			ID:              uuid.NewString(),
			RuleID:          m.RuleID,
			ProjectID:       m.ProjectID,
			RuleName:        m.RuleName,
			RuleDescription: m.RuleDescription,
			RuleDefinition:  m.RuleDefinition,
			Scope:           m.Scope,
			Fired:           m.Transition.NewFired,
			Timestamp:       m.At,
			Packet:          m.Packet,
			Values:          m.Values,
		}

		jobLogger := logger.With().Str("action", a.Type()).Str("execution_id", a.Common().Execution.ID).Logger()

		if err := d.pool.Submit(job{action: a, handler: handler, logger: jobLogger}); err != nil {
			if errors.Is(err, workerpool.ErrQueueFull) {
				jobLogger.Error().Msg("action queue full, dropping action")
			} else {
				jobLogger.Error().Err(err).Msg("failed to queue action")
			}
			continue
		}

		queued++
	}

	return queued
}

func execute(ctx context.Context, j job) error {
	ctx = logging.NewContextWithLogger(ctx, j.logger)

	if err := j.handler.Execute(ctx, j.action); err != nil {
		j.logger.Error().Err(err).Msg("action failed")
		return err
	}

	j.logger.Debug().Msg("action executed")
	return nil
}
