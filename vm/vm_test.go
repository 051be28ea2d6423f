// Copyright (C) 2022 Sneller, Inc.
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <http://www.gnu.org/licenses/>.

package vm

import (
	"bytes"
	"log"
	"reflect"
	"strings"
	"testing"

	"github.com/SnellerInc/scanfuse/expr"
	"github.com/SnellerInc/scanfuse/ir"
)

// skeleton returns a function with an
// empty record loop and the given readers.
func skeleton(paths ...string) (*ir.MainFunction, ir.BlockID, []*ir.Identifier) {
	fn := ir.NewMainFunction("test")
	a := fn.Arena
	recs := a.New(fn.Body, ir.TagRecords)
	a.AppendHead(fn.Body, &ir.While{Cond: ir.Method(fn.Cursor, ir.HasNext), Body: recs})
	a.AppendTail(fn.Body, ir.Method(fn.Sink, ir.Flush))
	var readers []*ir.Identifier
	for _, p := range paths {
		readers = append(readers, fn.AddReader(expr.ParsePath(p)))
	}
	return fn, recs, readers
}

func records(t *testing.T, lst ...map[string]any) []any {
	t.Helper()
	out := make([]any, len(lst))
	for i := range lst {
		out[i] = Normalize(lst[i])
	}
	return out
}

func run(t *testing.T, fn *ir.MainFunction, recs []any) [][]any {
	t.Helper()
	fn.Freeze()
	out, err := Run(fn, recs)
	if err != nil {
		t.Fatal(err)
	}
	if !out.Flushed {
		t.Fatal("sink not flushed")
	}
	return out.Rows
}

func TestUnnestColumns(t *testing.T) {
	fn, recs, r := skeleton("items[*]", "items[*].price")
	a := fn.Arena
	a.AppendHead(recs, ir.Method(r[0], ir.Next))
	body := a.New(recs, ir.TagUnnest)
	a.AppendHead(recs, &ir.While{
		Cond: ir.Negate(ir.Method(r[0], ir.IsEndOfArray)),
		Body: body,
	})
	a.AppendHead(body, ir.Method(r[1], ir.Next))
	a.AppendHead(body, ir.Method(fn.Sink, ir.Append,
		ir.Method(fn.Cursor, ir.Meta, ir.Long(1)),
		ir.Method(r[1], ir.GetValue)))
	a.AppendTail(body, ir.Method(r[0], ir.Next))

	rows := run(t, fn, records(t,
		map[string]any{"items": []any{map[string]any{"price": 1}, map[string]any{"price": 2.5}}},
		map[string]any{"items": []any{}},
		map[string]any{"items": []any{map[string]any{"price": 3}, map[string]any{}}},
		map[string]any{"other": "x"},
	))
	want := [][]any{
		{int64(0), int64(1)},
		{int64(0), 2.5},
		{int64(2), int64(3)},
		{int64(2), expr.Missing},
	}
	if !reflect.DeepEqual(rows, want) {
		t.Fatalf("got %v, want %v", rows, want)
	}
}

func TestNestedArrays(t *testing.T) {
	// count the elements of a[*].b[*] per record
	fn, recs, r := skeleton("a[*]", "a[*].b[*]")
	a := fn.Arena
	n := a.Declare(recs, ir.Long(0))
	a.AppendHead(recs, ir.Method(r[0], ir.Next))
	outer := a.New(recs, ir.TagUnnest)
	a.AppendHead(recs, &ir.While{Cond: ir.Negate(ir.Method(r[0], ir.IsEndOfArray)), Body: outer})
	a.AppendTail(outer, ir.Method(r[0], ir.Next))
	a.AppendHead(outer, ir.Method(r[1], ir.Next))
	inner := a.New(outer, ir.TagUnnest)
	a.AppendHead(outer, &ir.While{Cond: ir.Negate(ir.Method(r[1], ir.IsEndOfArray)), Body: inner})
	a.AppendHead(inner, ir.Set(n, ir.Binary(ir.Add, n, ir.Long(1))))
	a.AppendTail(inner, ir.Method(r[1], ir.Next))
	a.AppendHead(recs, ir.Method(fn.Sink, ir.Append, n))

	el := func(b ...any) map[string]any { return map[string]any{"b": b} }
	rows := run(t, fn, records(t,
		map[string]any{"a": []any{el(1, 2), el(), el(3)}},
		map[string]any{"a": []any{el(4)}},
		map[string]any{},
	))
	want := [][]any{{int64(3)}, {int64(1)}, {int64(0)}}
	if !reflect.DeepEqual(rows, want) {
		t.Fatalf("got %v, want %v", rows, want)
	}
}

func TestMaterialize(t *testing.T) {
	fn, recs, r := skeleton("tags[*]")
	a := fn.Arena
	arr := a.DeclareHere(recs, ir.Method(r[0], ir.Materialize))
	idx := a.DeclareHere(recs, ir.Long(0))
	body := a.New(recs, ir.TagUnnest)
	a.AppendHead(recs, &ir.While{
		Cond: ir.Binary(ir.Lt, idx, ir.Call(ir.Length, arr)),
		Body: body,
	})
	a.AppendHead(body, ir.Method(fn.Sink, ir.Append, idx, &ir.ArrayGetValue{Array: arr, Index: idx}))
	a.AppendTail(body, ir.Set(idx, ir.Binary(ir.Add, idx, ir.Long(1))))

	rows := run(t, fn, records(t,
		map[string]any{"tags": []any{"x", "y"}},
		map[string]any{"tags": "not a list"},
	))
	want := [][]any{{int64(0), "x"}, {int64(1), "y"}}
	if !reflect.DeepEqual(rows, want) {
		t.Fatalf("got %v, want %v", rows, want)
	}
}

func TestReadBeforeAdvance(t *testing.T) {
	fn, recs, r := skeleton("name")
	fn.Arena.AppendHead(recs, ir.Method(fn.Sink, ir.Append, ir.Method(r[0], ir.GetValue)))
	fn.Freeze()
	_, err := Run(fn, records(t, map[string]any{"name": "a"}))
	if err == nil || !strings.Contains(err.Error(), "read before advance") {
		t.Fatalf("unexpected error %v", err)
	}

	var buf bytes.Buffer
	Logger = log.New(&buf, "", 0)
	defer func() { Logger = nil }()
	if _, err := Run(fn, records(t, map[string]any{})); err == nil {
		t.Fatal("expected an error")
	}
	if got := buf.String(); !strings.HasPrefix(got, "error: vm: test: ") || strings.Count(got, "\n") != 1 {
		t.Fatalf("logged %q", got)
	}
}

func TestNotFrozen(t *testing.T) {
	fn, _, _ := skeleton()
	if _, err := Run(fn, nil); err == nil {
		t.Fatal("expected an error")
	}
}

func TestCombinators(t *testing.T) {
	miss := expr.Missing
	tcs := []struct {
		op   ir.BinaryKind
		a, b any
		want any
	}{
		// plain arithmetic propagates unknowns
		{ir.Add, nil, int64(3), miss},
		{ir.Sub, int64(3), nil, miss},
		{ir.Add, miss, int64(3), miss},
		{ir.Add, int64(1), 2.5, 3.5},
		{ir.Div, int64(7), int64(2), int64(3)},
		{ir.Div, int64(7), int64(0), nil},
		// accumulators absorb them
		{ir.AddAggregate, nil, int64(3), int64(3)},
		{ir.AddAggregate, int64(3), miss, int64(3)},
		{ir.AddAggregate, nil, nil, nil},
		{ir.AddAggregate, int64(0), nil, int64(0)},
		{ir.Max, nil, int64(2), int64(2)},
		{ir.Max, int64(5), int64(2), int64(5)},
		{ir.Min, int64(5), int64(2), int64(2)},
		{ir.Min, "b", "a", "a"},
		// comparisons with unknowns are unknown
		{ir.Lt, nil, int64(1), nil},
		{ir.Eq, "a", "a", true},
		{ir.Eq, "a", int64(1), false},
		{ir.Ge, 2.0, int64(2), true},
		{ir.Lt, "a", int64(1), nil},
		// three-valued logic
		{ir.And, false, nil, false},
		{ir.And, true, nil, nil},
		{ir.Or, true, nil, true},
		{ir.Or, false, miss, nil},
		{ir.Or, false, false, false},
	}
	for i := range tcs {
		got := binaryOp(tcs[i].op, tcs[i].a, tcs[i].b)
		if !reflect.DeepEqual(got, tcs[i].want) {
			t.Errorf("%v %s %v = %v, want %v", tcs[i].a, tcs[i].op, tcs[i].b, got, tcs[i].want)
		}
	}
}

func TestScalarBuiltins(t *testing.T) {
	tcs := []struct {
		fn   ir.Builtin
		args []any
		want any
	}{
		{"lowercase", []any{"AbC"}, "abc"},
		{"string-length", []any{"héllo"}, int64(5)},
		{"contains", []any{"haystack", "st"}, true},
		{"starts-with", []any{"haystack", "st"}, false},
		{"abs", []any{int64(-3)}, int64(3)},
		{"numeric-unary-minus", []any{2.5}, -2.5},
		{"is-null", []any{nil}, true},
		{"is-missing", []any{nil}, false},
		{"uppercase", []any{nil}, nil},
		{"uppercase", []any{expr.Missing}, expr.Missing},
		{"field-access-by-name", []any{map[string]any{"a": int64(1)}, "a"}, int64(1)},
		{"field-access-by-name", []any{"str", "a"}, expr.Missing},
		{ir.IsUnknown, []any{expr.Missing}, true},
		{ir.OneOrZero, []any{nil}, int64(0)},
		{ir.OneOrZero, []any{"x"}, int64(1)},
		{ir.Length, []any{[]any{1, 2}}, int64(2)},
		{ir.MakeKey, []any{"a", int64(1)}, Key{"a", int64(1)}},
	}
	for i := range tcs {
		got, err := builtin(tcs[i].fn, tcs[i].args)
		if err != nil {
			t.Errorf("%s: %s", tcs[i].fn, err)
			continue
		}
		if !reflect.DeepEqual(got, tcs[i].want) {
			t.Errorf("%s%v = %v, want %v", tcs[i].fn, tcs[i].args, got, tcs[i].want)
		}
	}
	if _, err := builtin("listify", []any{int64(1)}); err == nil {
		t.Error("aggregate evaluated as a scalar")
	}
	if _, err := builtin("no-such-function", nil); err == nil {
		t.Error("unknown function evaluated")
	}
}

func TestFormat(t *testing.T) {
	v := Normalize(map[string]any{
		"b": []any{1, 2.5, "x", nil},
		"a": true,
		"c": map[string]any{"z": expr.Missing},
	})
	want := `{a: true, b: [1, 2.5, "x", null], c: {z: missing}}`
	if got := Format(v); got != want {
		t.Fatalf("got %s, want %s", got, want)
	}
}
