package rules

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/matryer/is"

	"github.com/diwise/iot-rule-engine/internal/pkg/application/actions"
	"github.com/diwise/iot-rule-engine/internal/pkg/application/conditions"
	"github.com/diwise/iot-rule-engine/internal/pkg/application/engine"
	"github.com/diwise/iot-rule-engine/internal/pkg/application/fieldfunctions"
	"github.com/diwise/iot-rule-engine/internal/pkg/infrastructure/repositories/database"
	rulesdb "github.com/diwise/iot-rule-engine/internal/pkg/infrastructure/repositories/database/rules"
	"github.com/diwise/iot-rule-engine/pkg/types"
)

func TestSaveCompilesStoresAndActivates(t *testing.T) {
	is, ctx, svc, act, _ := testSetup(t)

	rule, err := svc.Save(ctx, hotRule(
		&actions.AlarmAction{RuleAction: actions.RuleAction{Active: true}, AlarmID: 1, Severity: 3},
		&actions.AddTagAction{RuleAction: actions.RuleAction{Active: true}, TagIDs: []int64{2}},
	))
	is.NoErr(err)
	is.True(rule.ID != 0)
	is.Equal(rule.Predicate.Expression, `(packets["1"]["temperature"] > double(30))`)
	is.Equal(rule.Predicate.Definition, `"1.temperature" > 30`)

	activated, ok := act.active[rule.ID]
	is.True(ok)
	is.Equal(activated.Expression, rule.Predicate.Expression)
	is.Equal(activated.Type, types.RuleTypeAlarmEvent)
	is.True(activated.EveryMatch)
	is.Equal(len(activated.Actions), 2)

	a, err := actions.NewCodec().Decode(activated.Actions[0])
	is.NoErr(err)
	is.Equal(a.Common().RuleID, rule.ID)
	is.Equal(a.Common().RuleName, "hot")
	is.Equal(a.Common().PacketIDs, []int64{1})
}

func TestGetReturnsStoredRule(t *testing.T) {
	is, ctx, svc, _, _ := testSetup(t)

	saved, err := svc.Save(ctx, hotRule(&actions.SendMailAction{
		RuleAction:   actions.RuleAction{Active: true},
		MailTemplate: actions.NewMailTemplate([]string{"ops@example.com"}, nil, "hot", "{{.RULE_NAME}}"),
	}))
	is.NoErr(err)

	rule, err := svc.Get(ctx, saved.ID)
	is.NoErr(err)
	is.Equal(rule.Condition, conditions.Binary(conditions.OpGreater, conditions.Field(1, 1), conditions.Int(30)))
	is.Equal(len(rule.Actions), 1)
	is.Equal(rule.Actions[0].Type(), actions.TypeSendMail)
	is.Equal(rule.Predicate, saved.Predicate)

	byProject, err := svc.GetByProjectID(ctx, 1)
	is.NoErr(err)
	is.Equal(len(byProject), 1)
}

func TestRuleThatDoesNotCompileIsNeverStored(t *testing.T) {
	is, ctx, svc, act, repo := testSetup(t)

	rule := hotRule()
	rule.Condition = conditions.Binary(conditions.OpGreater, conditions.Field(1, 99), conditions.Int(30))

	_, err := svc.Save(ctx, rule)
	is.True(errors.Is(err, conditions.ErrUnresolvedField))

	var cerr *conditions.CompileError
	is.True(errors.As(err, &cerr))

	stored, err := repo.GetAll(ctx, false)
	is.NoErr(err)
	is.Equal(len(stored), 0)
	is.Equal(len(act.active), 0)
}

func TestSaveRejectsInvalidRules(t *testing.T) {
	is, ctx, svc, _, _ := testSetup(t)

	rule := hotRule()
	rule.Name = ""
	_, err := svc.Save(ctx, rule)
	is.True(errors.Is(err, ErrInvalidRule))

	rule = hotRule()
	rule.Type = "SOMETIMES"
	_, err = svc.Save(ctx, rule)
	is.True(errors.Is(err, ErrInvalidRule))

	rule = hotRule()
	rule.ID = 42
	_, err = svc.Save(ctx, rule)
	is.True(errors.Is(err, ErrRuleNotFound))

	rule = hotRule()
	rule.ProjectID = 0
	_, err = svc.Save(ctx, rule)
	is.True(errors.Is(err, ErrInvalidRule))

	rule = hotRule()
	rule.PacketIDs = []int64{1, 0}
	_, err = svc.Save(ctx, rule)
	is.True(errors.Is(err, ErrInvalidRule))
}

func TestDeactivatingAndDeletingRules(t *testing.T) {
	is, ctx, svc, act, _ := testSetup(t)

	rule, err := svc.Save(ctx, hotRule())
	is.NoErr(err)
	is.Equal(len(act.active), 1)

	rule.Active = false
	_, err = svc.Save(ctx, rule)
	is.NoErr(err)
	is.Equal(len(act.active), 0)

	is.NoErr(svc.Delete(ctx, rule.ID))

	_, err = svc.Get(ctx, rule.ID)
	is.True(errors.Is(err, ErrRuleNotFound))
	is.True(errors.Is(svc.Delete(ctx, rule.ID), ErrRuleNotFound))
}

func TestLoadActivatesStoredActiveRules(t *testing.T) {
	is, ctx, svc, act, _ := testSetup(t)

	_, err := svc.Save(ctx, hotRule())
	is.NoErr(err)

	inactive := hotRule()
	inactive.Name = "inactive"
	inactive.Active = false
	_, err = svc.Save(ctx, inactive)
	is.NoErr(err)

	act.reset()

	n, err := svc.Load(ctx)
	is.NoErr(err)
	is.Equal(n, 1)
	is.Equal(len(act.active), 1)
}

func hotRule(acts ...actions.Action) Rule {
	return Rule{
		ProjectID: 1,
		Name:      "hot",
		Type:      types.RuleTypeAlarmEvent,
		Condition: conditions.Binary(conditions.OpGreater, conditions.Field(1, 1), conditions.Int(30)),
		PacketIDs: []int64{1},
		Actions:   acts,
		Active:    true,
	}
}

func TestFailedCreateLeavesNoRule(t *testing.T) {
	is, ctx, _, act, repo := testSetup(t)

	compiler, err := conditions.NewCompiler(fieldfunctions.NewDefaultRegistry(), conditions.StaticMetadata{
		1: {{ID: 1, Name: "temperature", Type: types.FieldTypeDouble}},
	})
	is.NoErr(err)

	failing := &failOnUpdate{RuleRepository: repo}
	svc := New(failing, compiler, actions.NewCodec(), act)

	_, err = svc.Save(ctx, hotRule(&actions.AddTagAction{RuleAction: actions.RuleAction{Active: true}, TagIDs: []int64{2}}))
	is.True(errors.Is(err, errStorageUnavailable))

	stored, err := repo.GetByProjectID(ctx, 1)
	is.NoErr(err)
	is.Equal(len(stored), 0) // the half written rule should be removed
	is.Equal(len(act.active), 0)

	act.fail = true
	svc = New(repo, compiler, actions.NewCodec(), act)

	_, err = svc.Save(ctx, hotRule())
	is.True(err != nil)

	stored, err = repo.GetByProjectID(ctx, 1)
	is.NoErr(err)
	is.Equal(len(stored), 0) // a rule that could not be activated is not kept either
}

var errStorageUnavailable = errors.New("storage unavailable")

// failOnUpdate stores new rules but fails to update them.
type failOnUpdate struct {
	rulesdb.RuleRepository
}

func (f *failOnUpdate) Save(ctx context.Context, rule rulesdb.Rule) (rulesdb.Rule, error) {
	if rule.ID != 0 {
		return rulesdb.Rule{}, errStorageUnavailable
	}
	return f.RuleRepository.Save(ctx, rule)
}

type activator struct {
	mu     sync.Mutex
	active map[int64]engine.Rule
	fail   bool
}

func (a *activator) Activate(ctx context.Context, r engine.Rule) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.fail {
		return errors.New("engine unavailable")
	}

	a.active[r.ID] = r
	return nil
}

func (a *activator) Deactivate(ctx context.Context, ruleID int64) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if _, ok := a.active[ruleID]; !ok {
		return engine.ErrRuleNotActive
	}
	delete(a.active, ruleID)
	return nil
}

func (a *activator) reset() {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.active = map[int64]engine.Rule{}
}

func testSetup(t *testing.T) (*is.I, context.Context, RuleService, *activator, rulesdb.RuleRepository) {
	is := is.New(t)
	ctx := context.Background()

	repo, err := rulesdb.NewRuleRepository(database.NewSQLiteConnector(ctx))
	is.NoErr(err)

	compiler, err := conditions.NewCompiler(fieldfunctions.NewDefaultRegistry(), conditions.StaticMetadata{
		1: {{ID: 1, Name: "temperature", Type: types.FieldTypeDouble}},
	})
	is.NoErr(err)

	act := &activator{active: map[int64]engine.Rule{}}

	return is, ctx, New(repo, compiler, actions.NewCodec(), act), act, repo
}
