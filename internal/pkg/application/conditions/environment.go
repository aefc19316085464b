package conditions

import (
	"strings"

	"github.com/google/cel-go/cel"

	"github.com/diwise/iot-rule-engine/internal/pkg/application/fieldfunctions"
)

// Variables available to compiled predicates. packets maps a packet id to the field
// values of the latest packet, received maps a packet id to the epoch millis it was
// last received and now is the evaluation time in epoch millis.
const (
	PacketsVariable  = "packets"
	ReceivedVariable = "received"
	NowVariable      = "now"
)

func NewEnvironment(functions *fieldfunctions.Registry) (*cel.Env, error) {
	opts := []cel.EnvOption{
		cel.Variable(PacketsVariable, cel.MapType(cel.StringType, cel.MapType(cel.StringType, cel.DynType))),
		cel.Variable(ReceivedVariable, cel.MapType(cel.StringType, cel.IntType)),
		cel.Variable(NowVariable, cel.IntType),
		cel.CrossTypeNumericComparisons(true),
	}

	return cel.NewEnv(append(opts, functions.EnvOptions()...)...)
}

// IsTimeDependent reports whether a compiled expression reads the evaluation time, so that
// its outcome may change without any new packet arriving.
func IsTimeDependent(expression string) bool {
	return strings.Contains(expression, "("+NowVariable+" - ")
}
