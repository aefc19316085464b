// Package conditions contains the condition tree of a rule and its compiler.
package conditions

import (
	"bytes"
	"encoding/json"
	"fmt"
)

type Operator string

const (
	OpAnd          Operator = "and"
	OpOr           Operator = "or"
	OpEqual        Operator = "=="
	OpNotEqual     Operator = "!="
	OpLess         Operator = "<"
	OpLessEqual    Operator = "<="
	OpGreater      Operator = ">"
	OpGreaterEqual Operator = ">="
	OpAdd          Operator = "+"
	OpSubtract     Operator = "-"
	OpMultiply     Operator = "*"
	OpDivide       Operator = "/"
	OpLike         Operator = "like"
)

func (op Operator) isLogical() bool {
	return op == OpAnd || op == OpOr
}

func (op Operator) isEquality() bool {
	return op == OpEqual || op == OpNotEqual
}

func (op Operator) isOrdering() bool {
	return op == OpLess || op == OpLessEqual || op == OpGreater || op == OpGreaterEqual
}

func (op Operator) isArithmetic() bool {
	return op == OpAdd || op == OpSubtract || op == OpMultiply || op == OpDivide
}

const (
	KindConstant    = "constant"
	KindField       = "field"
	KindBinary      = "binary"
	KindFunction    = "function"
	KindNot         = "not"
	KindPeriodicity = "periodicity"
)

type Node interface {
	Kind() string
}

// Constant holds a bool, int64, float64 or string literal.
type Constant struct {
	Value any
}

type FieldReference struct {
	PacketID int64
	FieldID  int64
}

type BinaryOp struct {
	Op    Operator
	Left  Node
	Right Node
}

type FunctionCall struct {
	Name     string
	Operands []Node
}

type Not struct {
	Operand Node
}

// Periodicity holds when at least MaxMilliseconds have passed since the packet was last received.
type Periodicity struct {
	PacketID        int64
	MaxMilliseconds int64
}

func (Constant) Kind() string       { return KindConstant }
func (FieldReference) Kind() string { return KindField }
func (BinaryOp) Kind() string       { return KindBinary }
func (FunctionCall) Kind() string   { return KindFunction }
func (Not) Kind() string            { return KindNot }
func (Periodicity) Kind() string    { return KindPeriodicity }

func Field(packetID, fieldID int64) FieldReference {
	return FieldReference{PacketID: packetID, FieldID: fieldID}
}

func Binary(op Operator, left, right Node) BinaryOp {
	return BinaryOp{Op: op, Left: left, Right: right}
}

func Call(name string, operands ...Node) FunctionCall {
	return FunctionCall{Name: name, Operands: operands}
}

func Int(v int64) Constant      { return Constant{Value: v} }
func Double(v float64) Constant { return Constant{Value: v} }
func Text(v string) Constant    { return Constant{Value: v} }
func Bool(v bool) Constant      { return Constant{Value: v} }
func And(l, r Node) BinaryOp    { return Binary(OpAnd, l, r) }
func Or(l, r Node) BinaryOp     { return Binary(OpOr, l, r) }
func Negate(operand Node) Not   { return Not{Operand: operand} }

type envelope struct {
	Kind            string            `json:"kind"`
	Value           json.RawMessage   `json:"value,omitempty"`
	PacketID        int64             `json:"packetId,omitempty"`
	FieldID         int64             `json:"fieldId,omitempty"`
	Op              Operator          `json:"op,omitempty"`
	Left            json.RawMessage   `json:"left,omitempty"`
	Right           json.RawMessage   `json:"right,omitempty"`
	Name            string            `json:"name,omitempty"`
	Operands        []json.RawMessage `json:"operands,omitempty"`
	Operand         json.RawMessage   `json:"operand,omitempty"`
	MaxMilliseconds int64             `json:"maxMilliseconds,omitempty"`
}

// MarshalNode encodes a tree to its kind tagged json form.
func MarshalNode(n Node) ([]byte, error) {
	env, err := toEnvelope(n)
	if err != nil {
		return nil, err
	}
	return json.Marshal(env)
}

func toEnvelope(n Node) (*envelope, error) {
	if n == nil {
		return nil, fmt.Errorf("nil condition node")
	}

	marshal := func(child Node) (json.RawMessage, error) {
		return MarshalNode(child)
	}

	env := &envelope{Kind: n.Kind()}
	var err error

	switch v := n.(type) {
	case Constant:
		env.Value, err = json.Marshal(v.Value)
	case FieldReference:
		env.PacketID, env.FieldID = v.PacketID, v.FieldID
	case BinaryOp:
		env.Op = v.Op
		if env.Left, err = marshal(v.Left); err != nil {
			return nil, err
		}
		env.Right, err = marshal(v.Right)
	case FunctionCall:
		env.Name = v.Name
		env.Operands = make([]json.RawMessage, 0, len(v.Operands))
		for _, o := range v.Operands {
			b, err := marshal(o)
			if err != nil {
				return nil, err
			}
			env.Operands = append(env.Operands, b)
		}
	case Not:
		env.Operand, err = marshal(v.Operand)
	case Periodicity:
		env.PacketID, env.MaxMilliseconds = v.PacketID, v.MaxMilliseconds
	default:
		return nil, fmt.Errorf("unsupported condition node %T", n)
	}

	return env, err
}

// UnmarshalNode decodes a tree from its kind tagged json form. Integral numeric
// constants decode as int64, all others as float64.
func UnmarshalNode(data []byte) (Node, error) {
	env := envelope{}
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("malformed condition: %w", err)
	}

	switch env.Kind {
	case KindConstant:
		v, err := decodeConstant(env.Value)
		if err != nil {
			return nil, err
		}
		return Constant{Value: v}, nil
	case KindField:
		return FieldReference{PacketID: env.PacketID, FieldID: env.FieldID}, nil
	case KindBinary:
		left, err := UnmarshalNode(env.Left)
		if err != nil {
			return nil, err
		}
		right, err := UnmarshalNode(env.Right)
		if err != nil {
			return nil, err
		}
		return BinaryOp{Op: env.Op, Left: left, Right: right}, nil
	case KindFunction:
		operands := make([]Node, 0, len(env.Operands))
		for _, raw := range env.Operands {
			o, err := UnmarshalNode(raw)
			if err != nil {
				return nil, err
			}
			operands = append(operands, o)
		}
		return FunctionCall{Name: env.Name, Operands: operands}, nil
	case KindNot:
		operand, err := UnmarshalNode(env.Operand)
		if err != nil {
			return nil, err
		}
		return Not{Operand: operand}, nil
	case KindPeriodicity:
		return Periodicity{PacketID: env.PacketID, MaxMilliseconds: env.MaxMilliseconds}, nil
	}

	return nil, fmt.Errorf("unknown condition node kind %q", env.Kind)
}

func decodeConstant(raw json.RawMessage) (any, error) {
	var v any

	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&v); err != nil {
		return nil, fmt.Errorf("malformed constant: %w", err)
	}

	switch c := v.(type) {
	case json.Number:
		if i, err := c.Int64(); err == nil {
			return i, nil
		}
		return c.Float64()
	case bool, string:
		return c, nil
	}

	return nil, fmt.Errorf("unsupported constant %s", string(raw))
}
