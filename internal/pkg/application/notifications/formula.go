package notifications

import (
	"encoding/json"
	"fmt"
	"math"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/google/cel-go/cel"
	"github.com/samber/lo"
)

var (
	identifier     = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)
	numericLiteral = regexp.MustCompile(`\.?\b\d+(\.\d+)?([eE][-+]?\d+)?\b`)
)

// formulas compiles computed field formulas against the numeric fields of a packet.
// Programs are cached per formula and set of field names.
type formulas struct {
	mu       sync.Mutex
	programs map[string]cel.Program
}

func newFormulas() *formulas {
	return &formulas{programs: map[string]cel.Program{}}
}

func (f *formulas) Evaluate(formula string, fields map[string]any) (float64, error) {
	values := numericFields(fields)

	names := lo.Keys(values)
	sort.Strings(names)

	prg, err := f.program(formula, names)
	if err != nil {
		return 0, err
	}

	out, _, err := prg.Eval(lo.MapValues(values, func(v float64, _ string) any { return v }))
	if err != nil {
		return 0, fmt.Errorf("failed to evaluate formula %q: %w", formula, err)
	}

	result, ok := out.Value().(float64)
	if !ok || math.IsNaN(result) || math.IsInf(result, 0) {
		return 0, fmt.Errorf("formula %q did not produce a finite number", formula)
	}

	return result, nil
}

func (f *formulas) program(formula string, names []string) (cel.Program, error) {
	key := formula + "|" + strings.Join(names, ",")

	f.mu.Lock()
	defer f.mu.Unlock()

	if prg, ok := f.programs[key]; ok {
		return prg, nil
	}

	env, err := cel.NewEnv(lo.Map(names, func(name string, _ int) cel.EnvOption {
		return cel.Variable(name, cel.DoubleType)
	})...)
	if err != nil {
		return nil, err
	}

	ast, iss := env.Compile(asDoubleArithmetic(formula))
	if iss.Err() != nil {
		return nil, fmt.Errorf("invalid formula %q: %w", formula, iss.Err())
	}

	if !ast.OutputType().IsExactType(cel.DoubleType) {
		return nil, fmt.Errorf("formula %q does not compute a number", formula)
	}

	prg, err := env.Program(ast)
	if err != nil {
		return nil, err
	}

	f.programs[key] = prg

	return prg, nil
}

// asDoubleArithmetic rewrites integer literals as doubles, since cel never mixes int
// and double operands.
func asDoubleArithmetic(formula string) string {
	return numericLiteral.ReplaceAllStringFunc(formula, func(lit string) string {
		if strings.ContainsAny(lit, ".eE") {
			return lit
		}
		return lit + ".0"
	})
}

// numericFields keeps the fields a formula may refer to. Missing and empty values count as zero.
func numericFields(fields map[string]any) map[string]float64 {
	values := map[string]float64{}

	for name, value := range fields {
		if !identifier.MatchString(name) {
			continue
		}

		switch v := value.(type) {
		case nil:
			values[name] = 0
		case float64:
			values[name] = v
		case float32:
			values[name] = float64(v)
		case int:
			values[name] = float64(v)
		case int32:
			values[name] = float64(v)
		case int64:
			values[name] = float64(v)
		case json.Number:
			if f, err := v.Float64(); err == nil {
				values[name] = f
			}
		case string:
			if v == "" {
				values[name] = 0
			} else if f, err := strconv.ParseFloat(v, 64); err == nil {
				values[name] = f
			}
		}
	}

	return values
}
