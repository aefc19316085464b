package conditions

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"math"
	"strconv"
	"strings"

	"github.com/google/cel-go/cel"

	"github.com/diwise/iot-rule-engine/internal/pkg/application/fieldfunctions"
	"github.com/diwise/iot-rule-engine/pkg/types"
)

// CompiledPredicate is the evaluation runtime form of a condition tree. Expression is a
// CEL expression over the variables declared by NewEnvironment and Definition a human
// readable rendering of the same tree.
type CompiledPredicate struct {
	Expression string `json:"expression"`
	Definition string `json:"definition"`
	Checksum   string `json:"checksum"`
}

type Compiler struct {
	functions *fieldfunctions.Registry
	metadata  MetadataProvider
	env       *cel.Env
}

func NewCompiler(functions *fieldfunctions.Registry, metadata MetadataProvider) (*Compiler, error) {
	env, err := NewEnvironment(functions)
	if err != nil {
		return nil, err
	}

	return &Compiler{
		functions: functions,
		metadata:  metadata,
		env:       env,
	}, nil
}

// Compile validates tree against the fields of the declared packets and the registered
// functions and renders it. The output only depends on the tree and the metadata.
func (c *Compiler) Compile(ctx context.Context, tree Node, packetIDs []int64) (CompiledPredicate, error) {
	s := &compilation{
		ctx:      ctx,
		compiler: c,
		packets:  map[int64]struct{}{},
		fields:   map[int64][]types.Field{},
	}
	for _, id := range packetIDs {
		s.packets[id] = struct{}{}
	}

	out, err := s.compile(tree)
	if err != nil {
		return CompiledPredicate{}, err
	}

	if out.typ != types.FieldTypeBoolean {
		return CompiledPredicate{}, compileError(ErrTypeMismatch, "condition evaluates to %s, not BOOLEAN", out.typ)
	}

	if _, iss := c.env.Compile(out.expr); iss != nil && iss.Err() != nil {
		return CompiledPredicate{}, &CompileError{Kind: ErrTypeMismatch, Message: "predicate rejected by runtime", Err: iss.Err()}
	}

	sum := sha256.Sum256([]byte(out.expr))

	definition := out.text
	if _, ok := tree.(BinaryOp); ok {
		definition = strings.TrimSuffix(strings.TrimPrefix(definition, "("), ")")
	}

	return CompiledPredicate{
		Expression: out.expr,
		Definition: definition,
		Checksum:   hex.EncodeToString(sum[:]),
	}, nil
}

type compilation struct {
	ctx      context.Context
	compiler *Compiler
	packets  map[int64]struct{}
	fields   map[int64][]types.Field
}

type typed struct {
	expr string
	text string
	typ  types.FieldType
}

func (s *compilation) compile(n Node) (typed, error) {
	switch v := n.(type) {
	case Constant:
		return constant(v)
	case FieldReference:
		return s.fieldReference(v)
	case BinaryOp:
		return s.binary(v)
	case FunctionCall:
		return s.call(v)
	case Not:
		return s.not(v)
	case Periodicity:
		return s.periodicity(v)
	case nil:
		return typed{}, compileError(ErrTypeMismatch, "missing condition")
	}

	return typed{}, compileError(ErrTypeMismatch, "unsupported condition node %T", n)
}

func constant(c Constant) (typed, error) {
	switch v := c.Value.(type) {
	case bool:
		s := strconv.FormatBool(v)
		return typed{expr: s, text: s, typ: types.FieldTypeBoolean}, nil
	case int:
		s := strconv.Itoa(v)
		return typed{expr: s, text: s, typ: types.FieldTypeInteger}, nil
	case int64:
		s := strconv.FormatInt(v, 10)
		return typed{expr: s, text: s, typ: types.FieldTypeInteger}, nil
	case float64:
		if math.IsInf(v, 0) || math.IsNaN(v) {
			return typed{}, compileError(ErrTypeMismatch, "constant %v is not a finite number", v)
		}
		s := strconv.FormatFloat(v, 'g', -1, 64)
		if !strings.ContainsAny(s, ".e") {
			s += ".0"
		}
		return typed{expr: s, text: s, typ: types.FieldTypeDouble}, nil
	case string:
		s := strconv.Quote(v)
		return typed{expr: s, text: s, typ: types.FieldTypeText}, nil
	}

	return typed{}, compileError(ErrTypeMismatch, "unsupported constant of type %T", c.Value)
}

func (s *compilation) packetFields(packetID int64) ([]types.Field, error) {
	if _, ok := s.packets[packetID]; !ok {
		return nil, compileError(ErrUnresolvedField, "packet %d is not one of the rule packets", packetID)
	}

	if fields, ok := s.fields[packetID]; ok {
		return fields, nil
	}

	fields, err := s.compiler.metadata.Fields(s.ctx, packetID)
	if err != nil {
		return nil, &CompileError{Kind: ErrUnresolvedField, Message: "no metadata for packet " + strconv.FormatInt(packetID, 10), Err: err}
	}

	s.fields[packetID] = fields
	return fields, nil
}

func (s *compilation) fieldReference(ref FieldReference) (typed, error) {
	fields, err := s.packetFields(ref.PacketID)
	if err != nil {
		return typed{}, err
	}

	for _, f := range fields {
		if f.ID == ref.FieldID {
			pid := strconv.FormatInt(ref.PacketID, 10)
			return typed{
				expr: PacketsVariable + "[" + strconv.Quote(pid) + "][" + strconv.Quote(f.Name) + "]",
				text: strconv.Quote(pid + "." + f.Name),
				typ:  f.Type,
			}, nil
		}
	}

	return typed{}, compileError(ErrUnresolvedField, "packet %d has no field %d", ref.PacketID, ref.FieldID)
}

func (s *compilation) periodicity(p Periodicity) (typed, error) {
	if _, err := s.packetFields(p.PacketID); err != nil {
		return typed{}, err
	}
	if p.MaxMilliseconds <= 0 {
		return typed{}, compileError(ErrTypeMismatch, "periodicity of packet %d must be positive", p.PacketID)
	}

	pid := strconv.Quote(strconv.FormatInt(p.PacketID, 10))
	ms := strconv.FormatInt(p.MaxMilliseconds, 10)

	return typed{
		expr: "((" + NowVariable + " - " + ReceivedVariable + "[" + pid + "]) >= " + ms + ")",
		text: pid + " @@ " + ms,
		typ:  types.FieldTypeBoolean,
	}, nil
}

func (s *compilation) not(n Not) (typed, error) {
	operand, err := s.compile(n.Operand)
	if err != nil {
		return typed{}, err
	}

	if operand.typ != types.FieldTypeBoolean {
		return typed{}, compileError(ErrTypeMismatch, "NOT requires a BOOLEAN operand, got %s", operand.typ)
	}

	return typed{
		expr: "!(" + operand.expr + ")",
		text: "NOT (" + operand.text + ")",
		typ:  types.FieldTypeBoolean,
	}, nil
}

func (s *compilation) call(fc FunctionCall) (typed, error) {
	fn, ok := s.compiler.functions.Lookup(fc.Name)
	if !ok {
		return typed{}, compileError(ErrUnknownFunction, "%q is not a registered function", fc.Name)
	}

	if len(fc.Operands) != fn.Arity() {
		return typed{}, compileError(ErrArityMismatch, "%s expects %d operands, got %d", fn.Name(), fn.Arity(), len(fc.Operands))
	}

	exprs := make([]string, 0, len(fc.Operands))
	texts := make([]string, 0, len(fc.Operands))

	for i, o := range fc.Operands {
		operand, err := s.compile(o)
		if err != nil {
			return typed{}, err
		}

		if !fieldfunctions.AppliesTo(fn, operand.typ) {
			return typed{}, compileError(ErrTypeMismatch, "operand %d of %s has type %s, expected one of %v", i+1, fn.Name(), operand.typ, fn.ApplicableTypes())
		}

		exprs = append(exprs, operand.expr)
		texts = append(texts, operand.text)
	}

	return typed{
		expr: fn.Render(exprs),
		text: fn.Name() + "(" + strings.Join(texts, ", ") + ")",
		typ:  fn.ResultType(),
	}, nil
}

func (s *compilation) binary(b BinaryOp) (typed, error) {
	left, err := s.compile(b.Left)
	if err != nil {
		return typed{}, err
	}

	right, err := s.compile(b.Right)
	if err != nil {
		return typed{}, err
	}

	mismatch := func() error {
		return compileError(ErrTypeMismatch, "operator %s can not be applied to %s and %s", b.Op, left.typ, right.typ)
	}

	result := func(expr string, typ types.FieldType) typed {
		return typed{
			expr: "(" + expr + ")",
			text: "(" + left.text + " " + strings.ToUpper(string(b.Op)) + " " + right.text + ")",
			typ:  typ,
		}
	}

	switch {
	case b.Op.isLogical():
		if left.typ != types.FieldTypeBoolean || right.typ != types.FieldTypeBoolean {
			return typed{}, mismatch()
		}
		op := "&&"
		if b.Op == OpOr {
			op = "||"
		}
		return result(left.expr+" "+op+" "+right.expr, types.FieldTypeBoolean), nil

	case b.Op.isEquality() || b.Op.isOrdering():
		if left.typ.IsNumeric() && right.typ.IsNumeric() {
			l, r := numericOperands(left, right)
			return result(l+" "+string(b.Op)+" "+r, types.FieldTypeBoolean), nil
		}
		comparable := left.typ == right.typ &&
			(left.typ == types.FieldTypeText || (left.typ == types.FieldTypeBoolean && b.Op.isEquality()))
		if !comparable {
			return typed{}, mismatch()
		}
		return result(left.expr+" "+string(b.Op)+" "+right.expr, types.FieldTypeBoolean), nil

	case b.Op.isArithmetic():
		if !left.typ.IsNumeric() || !right.typ.IsNumeric() {
			return typed{}, mismatch()
		}
		typ := types.FieldTypeInteger
		if left.typ.IsFloating() || right.typ.IsFloating() {
			typ = types.FieldTypeDouble
		}
		l, r := numericOperands(left, right)
		return result(l+" "+string(b.Op)+" "+r, typ), nil

	case b.Op == OpLike:
		if left.typ != types.FieldTypeText || right.typ != types.FieldTypeText {
			return typed{}, mismatch()
		}
		if _, ok := b.Right.(Constant); !ok {
			return typed{}, compileError(ErrTypeMismatch, "LIKE requires a constant pattern")
		}
		return result(left.expr+".matches("+right.expr+")", types.FieldTypeBoolean), nil
	}

	return typed{}, compileError(ErrTypeMismatch, "unknown operator %q", b.Op)
}

// numericOperands promotes integer operands to double when the other side is floating.
func numericOperands(left, right typed) (string, string) {
	if left.typ.IsFloating() == right.typ.IsFloating() {
		return left.expr, right.expr
	}

	promote := func(t typed) string {
		if t.typ.IsFloating() {
			return t.expr
		}
		return "double(" + t.expr + ")"
	}

	return promote(left), promote(right)
}
