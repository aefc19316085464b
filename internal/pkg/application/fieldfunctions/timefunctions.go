package fieldfunctions

import (
	"strings"
	"time"

	"github.com/google/cel-go/cel"
	celtypes "github.com/google/cel-go/common/types"
	"github.com/google/cel-go/common/types/ref"

	"github.com/diwise/iot-rule-engine/pkg/types"
)

// timeExtraction reads a calendar component from a timestamp field holding
// milliseconds since the epoch. A nil location means the local time zone at
// evaluation time.
type timeExtraction struct {
	name     string
	location *time.Location
	extract  func(time.Time) int64
}

func NewTimeExtraction(name string, location *time.Location, extract func(time.Time) int64) Function {
	return &timeExtraction{
		name:     name,
		location: location,
		extract:  extract,
	}
}

func (f *timeExtraction) Name() string {
	return f.name
}

func (f *timeExtraction) Arity() int {
	return 1
}

func (f *timeExtraction) ApplicableTypes() []types.FieldType {
	return []types.FieldType{types.FieldTypeTimestamp}
}

func (f *timeExtraction) ResultType() types.FieldType {
	return types.FieldTypeInteger
}

func (f *timeExtraction) Render(operands []string) string {
	return f.name + "(" + strings.Join(operands, ", ") + ")"
}

func (f *timeExtraction) Declaration() cel.EnvOption {
	return cel.Function(f.name,
		cel.Overload(strings.ToLower(f.name)+"_int", []*cel.Type{cel.IntType}, cel.IntType,
			cel.UnaryBinding(f.apply),
		),
	)
}

func (f *timeExtraction) apply(v ref.Val) ref.Val {
	var ms int64

	switch n := v.(type) {
	case celtypes.Int:
		ms = int64(n)
	case celtypes.Double:
		ms = int64(n)
	case celtypes.Uint:
		ms = int64(n)
	default:
		return celtypes.MaybeNoSuchOverloadErr(v)
	}

	loc := f.location
	if loc == nil {
		loc = time.Local
	}

	return celtypes.Int(f.extract(time.UnixMilli(ms).In(loc)))
}

func Builtins() []Function {
	year := func(t time.Time) int64 { return int64(t.Year()) }
	month := func(t time.Time) int64 { return int64(t.Month()) }
	day := func(t time.Time) int64 { return int64(t.Day()) }
	hour := func(t time.Time) int64 { return int64(t.Hour()) }
	minute := func(t time.Time) int64 { return int64(t.Minute()) }
	weekday := func(t time.Time) int64 { return int64(t.Weekday()) }

	return []Function{
		NewTimeExtraction("year", nil, year),
		NewTimeExtraction("month", nil, month),
		NewTimeExtraction("day", nil, day),
		NewTimeExtraction("hour", nil, hour),
		NewTimeExtraction("minute", nil, minute),
		NewTimeExtraction("dayOfWeek", nil, weekday),
		NewTimeExtraction("utcYear", time.UTC, year),
		NewTimeExtraction("utcMonth", time.UTC, month),
		NewTimeExtraction("utcDay", time.UTC, day),
		NewTimeExtraction("utcHour", time.UTC, hour),
	}
}
