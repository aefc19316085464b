package conditions

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/cel-go/cel"
	"github.com/matryer/is"

	"github.com/diwise/iot-rule-engine/internal/pkg/application/fieldfunctions"
	"github.com/diwise/iot-rule-engine/internal/pkg/infrastructure/repositories/database"
	"github.com/diwise/iot-rule-engine/internal/pkg/infrastructure/repositories/database/packets"
	"github.com/diwise/iot-rule-engine/pkg/types"
)

const (
	weatherPacket int64 = 123
	pumpPacket    int64 = 139
)

var testMetadata = StaticMetadata{
	weatherPacket: {
		{ID: 1, Name: "temperature", Type: types.FieldTypeDouble},
		{ID: 2, Name: "timestamp", Type: types.FieldTypeTimestamp},
		{ID: 3, Name: "station", Type: types.FieldTypeText},
		{ID: 4, Name: "raining", Type: types.FieldTypeBoolean},
	},
	pumpPacket: {
		{ID: 25, Name: "pressure", Type: types.FieldTypeInteger},
	},
}

func TestCompileSimpleComparison(t *testing.T) {
	is, ctx, c := testSetup(t)

	p, err := c.Compile(ctx, Binary(OpGreater, Field(weatherPacket, 1), Int(30)), []int64{weatherPacket})
	is.NoErr(err)
	is.Equal(p.Expression, `(packets["123"]["temperature"] > double(30))`)
	is.Equal(p.Definition, `"123.temperature" > 30`)
	is.Equal(len(p.Checksum), 64)
}

func TestCompileIsDeterministic(t *testing.T) {
	is, ctx, c := testSetup(t)

	tree := And(
		Binary(OpEqual, Call("year", Field(weatherPacket, 2)), Int(2024)),
		Or(
			Binary(OpLess, Binary(OpAdd, Field(pumpPacket, 25), Int(2)), Field(weatherPacket, 1)),
			Negate(Field(weatherPacket, 4)),
		),
	)

	first, err := c.Compile(ctx, tree, []int64{weatherPacket, pumpPacket})
	is.NoErr(err)

	b, err := MarshalNode(tree)
	is.NoErr(err)
	decoded, err := UnmarshalNode(b)
	is.NoErr(err)

	second, err := c.Compile(ctx, decoded, []int64{pumpPacket, weatherPacket})
	is.NoErr(err)

	is.Equal(first, second)
	is.Equal(first.Expression,
		`((year(packets["123"]["timestamp"]) == 2024) && ((double((packets["139"]["pressure"] + 2)) < packets["123"]["temperature"]) || !(packets["123"]["raining"])))`)
}

func TestCompileErrors(t *testing.T) {
	_, ctx, c := testSetup(t)

	testCases := []struct {
		name      string
		tree      Node
		packetIDs []int64
		kind      error
	}{
		{"undeclared packet", Binary(OpGreater, Field(pumpPacket, 25), Int(1)), []int64{weatherPacket}, ErrUnresolvedField},
		{"unknown field", Binary(OpGreater, Field(weatherPacket, 99), Int(1)), []int64{weatherPacket}, ErrUnresolvedField},
		{"packet without metadata", Binary(OpGreater, Field(4711, 1), Int(1)), []int64{4711}, ErrUnresolvedField},
		{"unknown function", Binary(OpEqual, Call("century", Field(weatherPacket, 2)), Int(21)), []int64{weatherPacket}, ErrUnknownFunction},
		{"wrong arity", Binary(OpEqual, Call("year", Field(weatherPacket, 2), Field(weatherPacket, 2)), Int(1)), []int64{weatherPacket}, ErrArityMismatch},
		{"no operands", Binary(OpEqual, Call("YEAR"), Int(1)), []int64{weatherPacket}, ErrArityMismatch},
		{"function on wrong field type", Binary(OpEqual, Call("year", Field(weatherPacket, 1)), Int(2024)), []int64{weatherPacket}, ErrTypeMismatch},
		{"text compared to number", Binary(OpGreater, Field(weatherPacket, 3), Int(1)), []int64{weatherPacket}, ErrTypeMismatch},
		{"and on numbers", And(Field(weatherPacket, 1), Bool(true)), []int64{weatherPacket}, ErrTypeMismatch},
		{"non boolean condition", Binary(OpAdd, Field(weatherPacket, 1), Int(1)), []int64{weatherPacket}, ErrTypeMismatch},
		{"like with field pattern", Binary(OpLike, Field(weatherPacket, 3), Field(weatherPacket, 3)), []int64{weatherPacket}, ErrTypeMismatch},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			is := is.New(t)

			_, err := c.Compile(ctx, tc.tree, tc.packetIDs)
			is.True(errors.Is(err, tc.kind))

			var ce *CompileError
			is.True(errors.As(err, &ce))
		})
	}
}

func TestCompiledPredicatesEvaluate(t *testing.T) {
	is, ctx, c := testSetup(t)

	ts := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC).UnixMilli()

	testCases := []struct {
		tree     Node
		expected bool
	}{
		{Binary(OpGreater, Field(weatherPacket, 1), Int(30)), true},
		{Binary(OpLessEqual, Field(weatherPacket, 1), Double(30.5)), false},
		{Binary(OpEqual, Call("utcYear", Field(weatherPacket, 2)), Int(2024)), true},
		{Binary(OpLike, Field(weatherPacket, 3), Text("^north-.*")), true},
		{And(Field(weatherPacket, 4), Binary(OpNotEqual, Field(weatherPacket, 3), Text("south"))), true},
		{Negate(Field(weatherPacket, 4)), false},
		{Periodicity{PacketID: weatherPacket, MaxMilliseconds: 5000}, true},
		{Periodicity{PacketID: weatherPacket, MaxMilliseconds: 60000}, false},
	}

	vars := map[string]any{
		PacketsVariable: map[string]any{
			"123": map[string]any{"temperature": 35.5, "timestamp": ts, "station": "north-1", "raining": true},
		},
		ReceivedVariable: map[string]any{"123": ts},
		NowVariable:      ts + 10000,
	}

	env, err := NewEnvironment(fieldfunctions.NewDefaultRegistry())
	is.NoErr(err)

	for _, tc := range testCases {
		p, err := c.Compile(ctx, tc.tree, []int64{weatherPacket})
		is.NoErr(err)

		is.Equal(evaluate(is, env, p.Expression, vars), tc.expected)
	}
}

func TestFieldsOfUnknownPacketDoNotResolve(t *testing.T) {
	is := is.New(t)
	ctx := context.Background()

	repo, err := packets.NewPacketRepository(database.NewSQLiteConnector(ctx))
	is.NoErr(err)
	is.NoErr(repo.SetFields(ctx, 7, []packets.PacketField{{FieldID: 1, Name: "temperature", Type: "DOUBLE"}}))

	c, err := NewCompiler(fieldfunctions.NewDefaultRegistry(), NewRepositoryMetadata(repo))
	is.NoErr(err)

	_, err = c.Compile(ctx, Binary(OpGreater, Field(0, 1), Double(30)), []int64{0})
	is.True(errors.Is(err, ErrUnresolvedField))

	predicate, err := c.Compile(ctx, Binary(OpGreater, Field(7, 1), Double(30)), []int64{7})
	is.NoErr(err)
	is.Equal(predicate.Definition, `"7.temperature" > 30.0`)
}

func TestUnmarshalNode(t *testing.T) {
	is := is.New(t)

	n, err := UnmarshalNode([]byte(`{
		"kind": "binary", "op": ">",
		"left": {"kind": "field", "packetId": 123, "fieldId": 1},
		"right": {"kind": "constant", "value": 30}
	}`))
	is.NoErr(err)
	is.Equal(n, Binary(OpGreater, Field(123, 1), Int(30)))

	n, err = UnmarshalNode([]byte(`{"kind": "constant", "value": 30.5}`))
	is.NoErr(err)
	is.Equal(n, Double(30.5))

	_, err = UnmarshalNode([]byte(`{"kind": "bogus"}`))
	is.True(err != nil)
}

func evaluate(is *is.I, env *cel.Env, expr string, vars map[string]any) bool {
	ast, iss := env.Compile(expr)
	is.NoErr(iss.Err())

	prg, err := env.Program(ast)
	is.NoErr(err)

	out, _, err := prg.Eval(vars)
	is.NoErr(err)

	return out.Value().(bool)
}

func testSetup(t *testing.T) (*is.I, context.Context, *Compiler) {
	is := is.New(t)

	c, err := NewCompiler(fieldfunctions.NewDefaultRegistry(), testMetadata)
	is.NoErr(err)

	return is, context.Background(), c
}
