// Package firing tracks whether each rule is currently fired within an evaluation scope.
package firing

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/diwise/service-chassis/pkg/infrastructure/o11y/logging"

	"github.com/diwise/iot-rule-engine/internal/pkg/infrastructure/repositories/database/firedrules"
)

type FiredRule = firedrules.FiredRule

var ErrRuleDeleted = fmt.Errorf("rule has been deleted")

type Store interface {
	Get(ctx context.Context, ruleID int64, scope string) (FiredRule, error)
	Save(ctx context.Context, fr FiredRule) error
	DeleteByRuleID(ctx context.Context, ruleID int64) error
}

type Key struct {
	RuleID int64
	Scope  string
}

func ProjectScope(projectID int64) string {
	return fmt.Sprintf("project:%d", projectID)
}

type Transition struct {
	PreviousFired      bool
	NewFired           bool
	RisingEdge         bool
	FallingEdge        bool
	LastFiredTimestamp *time.Time
}

type Option func(*Machine)

// WithRefreshOnEveryMatch controls whether a rule that keeps matching while fired gets its
// last fired timestamp moved forward when it has actions that fire on every match.
func WithRefreshOnEveryMatch(refresh bool) Option {
	return func(m *Machine) {
		m.refreshOnEveryMatch = refresh
	}
}

type Machine struct {
	store               Store
	refreshOnEveryMatch bool

	mu      sync.Mutex
	entries map[Key]*entry
	pending map[Key]struct{}
}

type entry struct {
	mu      sync.Mutex
	loaded  bool
	exists  bool
	deleted bool
	fact    FiredRule
}

func New(store Store, opts ...Option) *Machine {
	m := &Machine{
		store:               store,
		refreshOnEveryMatch: true,
		entries:             map[Key]*entry{},
		pending:             map[Key]struct{}{},
	}

	for _, opt := range opts {
		opt(m)
	}

	return m
}

func (m *Machine) entry(key Key) *entry {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entries[key]
	if !ok {
		e = &entry{fact: FiredRule{RuleID: key.RuleID, Scope: key.Scope}}
		m.entries[key] = e
	}

	return e
}

// load must be called with e.mu held.
func (m *Machine) load(ctx context.Context, key Key, e *entry) {
	if e.loaded {
		return
	}

	fr, err := m.store.Get(ctx, key.RuleID, key.Scope)
	if err != nil {
		if !errors.Is(err, firedrules.ErrFiredRuleNotFound) {
			logger := logging.GetFromContext(ctx)
			logger.Error().Err(err).Int64("rule_id", key.RuleID).Str("scope", key.Scope).Msg("failed to load fired rule, assuming not fired")
		}
		e.loaded = true
		return
	}

	e.fact = fr
	e.exists = true
	e.loaded = true
}

// Advance applies the outcome of one evaluation of a rule to its firing state. The returned
// transition is authoritative even if the new state could not be persisted, in which case
// the state is kept in memory and written by a later call to Flush.
func (m *Machine) Advance(ctx context.Context, key Key, matched, everyMatch bool, at time.Time) (Transition, error) {
	e := m.entry(key)

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.deleted {
		return Transition{}, ErrRuleDeleted
	}

	m.load(ctx, key, e)

	t := Transition{PreviousFired: e.fact.Fired}
	changed := false

	switch {
	case !t.PreviousFired && matched:
		e.fact.Fired = true
		e.fact.LastFiredTimestamp = timestamp(at)
		t.RisingEdge = true
		changed = true
	case t.PreviousFired && matched:
		if everyMatch && m.refreshOnEveryMatch {
			e.fact.LastFiredTimestamp = timestamp(at)
			changed = true
		}
	case t.PreviousFired && !matched:
		e.fact.Fired = false
		t.FallingEdge = true
		changed = true
	}

	t.NewFired = e.fact.Fired
	t.LastFiredTimestamp = e.fact.LastFiredTimestamp

	if !changed {
		return t, nil
	}

	e.exists = true

	if err := m.store.Save(ctx, e.fact); err != nil {
		logger := logging.GetFromContext(ctx)
		logger.Error().Err(err).Int64("rule_id", key.RuleID).Str("scope", key.Scope).Msg("failed to persist fired rule, will retry")

		m.mu.Lock()
		m.pending[key] = struct{}{}
		m.mu.Unlock()
	}

	return t, nil
}

// Lookup returns the current state for key and whether the rule has ever fired in that scope.
func (m *Machine) Lookup(ctx context.Context, key Key) (FiredRule, bool, error) {
	m.mu.Lock()
	e, ok := m.entries[key]
	m.mu.Unlock()

	if ok {
		e.mu.Lock()
		defer e.mu.Unlock()

		if e.loaded {
			return e.fact, e.exists, nil
		}
	}

	fr, err := m.store.Get(ctx, key.RuleID, key.Scope)
	if err != nil {
		if errors.Is(err, firedrules.ErrFiredRuleNotFound) {
			return FiredRule{RuleID: key.RuleID, Scope: key.Scope}, false, nil
		}
		return FiredRule{}, false, err
	}

	return fr, true, nil
}

// Delete forgets all state of a rule, in every scope. Writes already in progress for the
// rule complete before the stored facts are removed.
func (m *Machine) Delete(ctx context.Context, ruleID int64) error {
	removed := []*entry{}

	m.mu.Lock()
	for key, e := range m.entries {
		if key.RuleID == ruleID {
			removed = append(removed, e)
			delete(m.entries, key)
			delete(m.pending, key)
		}
	}
	m.mu.Unlock()

	for _, e := range removed {
		e.mu.Lock()
		e.deleted = true
		e.mu.Unlock()
	}

	return m.store.DeleteByRuleID(ctx, ruleID)
}

// Flush retries writing states that previously failed to persist.
func (m *Machine) Flush(ctx context.Context) error {
	m.mu.Lock()
	keys := make([]Key, 0, len(m.pending))
	for key := range m.pending {
		keys = append(keys, key)
	}
	m.mu.Unlock()

	var errs []error

	for _, key := range keys {
		m.mu.Lock()
		e, ok := m.entries[key]
		m.mu.Unlock()

		if !ok {
			continue
		}

		e.mu.Lock()
		if e.deleted {
			e.mu.Unlock()
			continue
		}
		err := m.store.Save(ctx, e.fact)
		e.mu.Unlock()

		if err != nil {
			errs = append(errs, err)
			continue
		}

		m.mu.Lock()
		delete(m.pending, key)
		m.mu.Unlock()
	}

	if len(errs) > 0 {
		return fmt.Errorf("failed to flush %d fired rules: %w", len(errs), errors.Join(errs...))
	}

	return nil
}

func (m *Machine) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	return len(m.pending)
}

func timestamp(at time.Time) *time.Time {
	t := at.UTC()
	return &t
}
