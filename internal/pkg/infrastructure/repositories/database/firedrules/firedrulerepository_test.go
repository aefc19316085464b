package firedrules

import (
	"context"
	"errors"
	"testing"
	"time"

	. "github.com/diwise/iot-rule-engine/internal/pkg/infrastructure/repositories/database"
	"github.com/matryer/is"
)

func TestGetUnknownFactReturnsNotFound(t *testing.T) {
	is, ctx, r := testSetupFiredRuleRepository(t)

	_, err := r.Get(ctx, 1, "project:1")
	is.True(errors.Is(err, ErrFiredRuleNotFound))
}

func TestSaveReplacesExistingFact(t *testing.T) {
	is, ctx, r := testSetupFiredRuleRepository(t)
	firedAt := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

	is.NoErr(r.Save(ctx, FiredRule{RuleID: 1, Scope: "project:1", Fired: true, LastFiredTimestamp: &firedAt}))
	is.NoErr(r.Save(ctx, FiredRule{RuleID: 1, Scope: "project:1", Fired: false, LastFiredTimestamp: &firedAt}))

	fr, err := r.Get(ctx, 1, "project:1")
	is.NoErr(err)
	is.Equal(fr.Fired, false)
	is.True(fr.LastFiredTimestamp.Equal(firedAt))
}

func TestFactsAreScoped(t *testing.T) {
	is, ctx, r := testSetupFiredRuleRepository(t)

	is.NoErr(r.Save(ctx, FiredRule{RuleID: 1, Scope: "project:1", Fired: true}))
	is.NoErr(r.Save(ctx, FiredRule{RuleID: 1, Scope: "project:2", Fired: false}))
	is.NoErr(r.Save(ctx, FiredRule{RuleID: 2, Scope: "project:1", Fired: true}))

	facts, err := r.GetByRuleIDs(ctx, "project:1", 1, 2, 3)
	is.NoErr(err)
	is.Equal(len(facts), 2)
	is.Equal(facts[0].RuleID, int64(1))
	is.Equal(facts[1].RuleID, int64(2))
}

func TestDeleteRemovesAllScopesOfRule(t *testing.T) {
	is, ctx, r := testSetupFiredRuleRepository(t)

	is.NoErr(r.Save(ctx, FiredRule{RuleID: 7, Scope: "project:1", Fired: true}))
	is.NoErr(r.Save(ctx, FiredRule{RuleID: 7, Scope: "project:2", Fired: true}))

	is.NoErr(r.DeleteByRuleID(ctx, 7))

	_, err := r.Get(ctx, 7, "project:1")
	is.True(errors.Is(err, ErrFiredRuleNotFound))
	_, err = r.Get(ctx, 7, "project:2")
	is.True(errors.Is(err, ErrFiredRuleNotFound))
}

func testSetupFiredRuleRepository(t *testing.T) (*is.I, context.Context, FiredRuleRepository) {
	is := is.New(t)
	ctx := context.Background()

	r, err := NewFiredRuleRepository(NewSQLiteConnector(ctx))
	is.NoErr(err)

	return is, ctx, r
}
