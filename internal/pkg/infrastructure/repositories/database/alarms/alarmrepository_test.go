package alarms

import (
	"context"
	"errors"
	"testing"

	. "github.com/diwise/iot-rule-engine/internal/pkg/infrastructure/repositories/database"
	"github.com/diwise/iot-rule-engine/pkg/types"
	"github.com/matryer/is"
)

func TestAddAlarmWithEvents(t *testing.T) {
	is, ctx, r := testSetupAlarmRepository(t)

	a, err := r.Add(ctx, newAlarm(1, "pump", 10, 11))
	is.NoErr(err)
	is.True(a.ID > 0)
	is.Equal(len(a.Events), 2)

	fromDb, err := r.GetByID(ctx, a.ID)
	is.NoErr(err)
	is.Equal(fromDb.Name, "pump")
	is.Equal(len(fromDb.Events), 2)
	is.Equal(fromDb.Events[0].RuleID, int64(10))
}

func TestGetUnknownAlarm(t *testing.T) {
	is, ctx, r := testSetupAlarmRepository(t)

	_, err := r.GetByID(ctx, 99)
	is.True(errors.Is(err, ErrAlarmNotFound))
}

func TestGetAlarmsByRule(t *testing.T) {
	is, ctx, r := testSetupAlarmRepository(t)

	_, err := r.Add(ctx, newAlarm(1, "a", 10))
	is.NoErr(err)
	_, err = r.Add(ctx, newAlarm(1, "b", 11, 10))
	is.NoErr(err)
	_, err = r.Add(ctx, newAlarm(2, "c", 12))
	is.NoErr(err)

	alarms, err := r.GetByRuleID(ctx, 10)
	is.NoErr(err)
	is.Equal(len(alarms), 2)

	alarms, err = r.GetByProjectID(ctx, 1)
	is.NoErr(err)
	is.Equal(len(alarms), 2)
}

func TestGetByIDsSkipsUnknown(t *testing.T) {
	is, ctx, r := testSetupAlarmRepository(t)

	a, _ := r.Add(ctx, newAlarm(1, "a", 10))

	alarms, err := r.GetByIDs(ctx, a.ID, 4711)
	is.NoErr(err)
	is.Equal(len(alarms), 1)
}

func TestDeleteAlarm(t *testing.T) {
	is, ctx, r := testSetupAlarmRepository(t)

	a, _ := r.Add(ctx, newAlarm(1, "a", 10))
	is.NoErr(r.Delete(ctx, a.ID))

	_, err := r.GetByID(ctx, a.ID)
	is.True(errors.Is(err, ErrAlarmNotFound))
}

func newAlarm(projectID int64, name string, ruleIDs ...int64) Alarm {
	a := Alarm{ProjectID: projectID, Name: name}
	for _, id := range ruleIDs {
		a.Events = append(a.Events, AlarmEvent{RuleID: id, Name: name, Severity: types.AlarmSeverityHigh})
	}
	return a
}

func testSetupAlarmRepository(t *testing.T) (*is.I, context.Context, AlarmRepository) {
	is := is.New(t)
	ctx := context.Background()

	r, err := NewAlarmRepository(NewSQLiteConnector(ctx))
	is.NoErr(err)

	return is, ctx, r
}
