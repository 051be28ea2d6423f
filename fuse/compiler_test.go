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

package fuse

import (
	"bytes"
	"errors"
	"log"
	"reflect"
	"strings"
	"testing"

	"github.com/SnellerInc/scanfuse/expr"
	"github.com/SnellerInc/scanfuse/ir"
	"github.com/SnellerInc/scanfuse/plan"
	"github.com/SnellerInc/scanfuse/vm"
)

const adults = `
datasets:
  - name: people
plan:
  op: distribute-result
  input:
    op: project
    vars: [name]
    input:
      op: select
      cond: {fn: ge, args: [{path: rec.age}, {int: 21}]}
      input:
        op: assign
        bind:
          - var: name
            expr: {path: rec.name}
        input:
          op: data-scan
          dataset: people
          vars: [rec]
`

func decode(t *testing.T, src string) *plan.Document {
	t.Helper()
	doc, err := plan.Decode([]byte(src))
	if err != nil {
		t.Fatal(err)
	}
	return doc
}

func compile(t *testing.T, src string, opts ...Option) (*plan.Document, *Result) {
	t.Helper()
	doc := decode(t, src)
	res, err := Compile(doc.Root, doc.Context, doc.Metadata, nil, opts...)
	if err != nil {
		t.Fatal(err)
	}
	return doc, res
}

func describe(t *testing.T, op plan.Op) string {
	t.Helper()
	var buf bytes.Buffer
	if err := plan.Describe(&buf, op); err != nil {
		t.Fatal(err)
	}
	return buf.String()
}

func lines(lst ...string) string {
	return strings.Join(lst, "\n") + "\n"
}

// execute runs sf over the given records.
func execute(t *testing.T, sf *ScanFunction, recs []map[string]any) [][]any {
	t.Helper()
	in := make([]any, len(recs))
	for i := range recs {
		in[i] = vm.Normalize(recs[i])
	}
	out, err := vm.Run(sf.Func, in)
	if err != nil {
		t.Fatal(err)
	}
	if !out.Flushed {
		t.Fatal("sink was not flushed")
	}
	return out.Rows
}

func TestCompileAdults(t *testing.T) {
	doc, res := compile(t, adults)
	if len(res.Functions) != 1 {
		t.Fatalf("%d functions", len(res.Functions))
	}
	sf := res.Functions[0]
	want := lines(
		"func scan_people_0(cursor, sink, reader_0, reader_1) {",
		"\twhile cursor.hasNext() {",
		"\t\treader_0.next()",
		"\t\tif (reader_0.getValue() >= 21) {",
		"\t\t\treader_1.next()",
		"\t\t\tsink.append(reader_1.getValue())",
		"\t\t}",
		"\t}",
		"\tsink.flush()",
		"}",
	)
	if got := ir.Format(sf.Func); got != want {
		t.Fatalf("got:\n%s\nwant:\n%s", got, want)
	}
	schemas := sf.Func.Schemas()
	if len(schemas) != 2 || schemas[0].String() != "age" || schemas[1].String() != "name" {
		t.Fatalf("reader schemas %v", schemas)
	}
	text := lines(
		"distribute-result",
		"  data-scan people [$$rec] -> scan_people_0 [$$name]",
	)
	if got := describe(t, doc.Root); got != text {
		t.Fatalf("plan:\n%s\nwant:\n%s", got, text)
	}
	if sf.Scan.Function != sf.Func.Name || len(sf.Outputs) != 1 || sf.Outputs[0] != doc.Vars["name"] {
		t.Fatalf("scan marked %s %v", sf.Scan.Function, sf.Outputs)
	}
	if !sf.Scan.TypeEnv().Has(doc.Vars["name"]) {
		t.Fatal("type environment of the scan was not recomputed")
	}
	if _, ok := sf.CallInfo["age"]; !ok {
		t.Fatalf("call info %v", sf.CallInfo)
	}
	rows := execute(t, sf, []map[string]any{
		{"name": "ann", "age": 30},
		{"name": "bob", "age": 12},
		{"name": "cy"},
		{"name": "dee", "age": 21},
	})
	want2 := [][]any{{"ann"}, {"dee"}}
	if !reflect.DeepEqual(rows, want2) {
		t.Fatalf("got %v, want %v", rows, want2)
	}
}

func TestFingerprintStable(t *testing.T) {
	_, a := compile(t, adults)
	_, b := compile(t, adults)
	if a.Functions[0].Fingerprint != b.Functions[0].Fingerprint {
		t.Fatal("fingerprints of identical plans differ")
	}
	if a.ID == b.ID {
		t.Fatal("compilations share an id")
	}
	_, c := compile(t, adults, WithNamePrefix("q"))
	if c.Functions[0].Func.Name != "q_people_0" {
		t.Fatalf("name %s", c.Functions[0].Func.Name)
	}
}

func TestReaderAdvancedOnce(t *testing.T) {
	src := strings.Replace(adults,
		"cond: {fn: ge, args: [{path: rec.age}, {int: 21}]}",
		"cond: {fn: and, args: [{fn: ge, args: [{path: rec.age}, {int: 21}]}, {fn: lt, args: [{path: rec.age}, {int: 65}]}]}", 1)
	_, res := compile(t, src)
	text := ir.Format(res.Functions[0].Func)
	if n := strings.Count(text, "reader_0.next()"); n != 1 {
		t.Fatalf("reader_0 advanced %d times:\n%s", n, text)
	}
	if !strings.Contains(text, "if ((reader_0.getValue() >= 21) && (reader_0.getValue() < 65)) {") {
		t.Fatalf("unexpected condition:\n%s", text)
	}
	rows := execute(t, res.Functions[0], []map[string]any{
		{"name": "a", "age": 70},
		{"name": "b", "age": 40},
	})
	if !reflect.DeepEqual(rows, [][]any{{"b"}}) {
		t.Fatalf("rows %v", rows)
	}
}

// fusionCase is a plan whose operators
// above the scan are fused entirely.
type fusionCase struct {
	name string
	plan string
	// fn is the expected dump of the function
	fn      string
	outputs []string
	input   []map[string]any
	rows    [][]any
}

func (fc *fusionCase) run(t *testing.T) {
	doc, res := compile(t, fc.plan)
	if len(res.Functions) != 1 {
		t.Fatalf("%d functions", len(res.Functions))
	}
	sf := res.Functions[0]
	if got := ir.Format(sf.Func); got != fc.fn {
		t.Fatalf("got:\n%s\nwant:\n%s", got, fc.fn)
	}
	var outs []string
	for _, v := range sf.Outputs {
		outs = append(outs, v.Name)
	}
	if !reflect.DeepEqual(outs, fc.outputs) {
		t.Fatalf("outputs %v, want %v", outs, fc.outputs)
	}
	for _, name := range fc.outputs {
		if !sf.Scan.TypeEnv().Has(doc.Vars[name]) {
			t.Fatalf("%s missing from the scan type environment", name)
		}
	}
	rows := execute(t, sf, fc.input)
	if !reflect.DeepEqual(rows, fc.rows) {
		t.Fatalf("rows %v, want %v", rows, fc.rows)
	}
}

func TestAggregateSeeds(t *testing.T) {
	count := `
datasets: [{name: ds}]
plan:
  op: distribute-result
  input:
    op: aggregate
    global: true
    bind: [{var: t, expr: {fn: sql-sum, args: [{var: all}]}}]
    input:
      op: exchange
      input:
        op: aggregate
        bind:
          - {var: all, expr: {fn: count}}
          - {var: some, expr: {fn: count, args: [{path: rec.x}]}}
        input: {op: data-scan, dataset: ds, vars: [rec]}
`
	countFn := lines(
		"func scan_ds_0(cursor, sink, reader_0) {",
		"\tvar v1 = 0",
		"\tvar v0 = 0",
		"\twhile cursor.hasNext() {",
		"\t\tv0 = (v0 + 1)",
		"\t\treader_0.next()",
		"\t\tv1 = (v1 + one-or-zero(reader_0.getValue()))",
		"\t}",
		"\tsink.append(v0, v1)",
		"\tsink.flush()",
		"}",
	)
	sums := `
datasets: [{name: ds}]
plan:
  op: distribute-result
  input:
    op: aggregate
    bind:
      - {var: s, expr: {fn: sql-sum, args: [{path: rec.v}]}}
      - {var: l, expr: {fn: local-sum, args: [{path: rec.v}]}}
    input: {op: data-scan, dataset: ds, vars: [rec]}
`
	sumsFn := lines(
		"func scan_ds_0(cursor, sink, reader_0) {",
		"\tvar v1 = 0",
		"\tvar v0 = null",
		"\twhile cursor.hasNext() {",
		"\t\treader_0.next()",
		"\t\tv0 = agg-add(v0, reader_0.getValue())",
		"\t\tv1 = agg-add(v1, reader_0.getValue())",
		"\t}",
		"\tsink.append(v0, v1)",
		"\tsink.flush()",
		"}",
	)
	tcs := []fusionCase{
		{
			name:    "count",
			plan:    count,
			fn:      countFn,
			outputs: []string{"all", "some"},
			input:   []map[string]any{{"x": 3}, {"y": 1}, {"x": nil}},
			rows:    [][]any{{int64(3), int64(1)}},
		},
		{
			name:    "count-empty",
			plan:    count,
			fn:      countFn,
			outputs: []string{"all", "some"},
			rows:    [][]any{{int64(0), int64(0)}},
		},
		{
			name:    "sum-empty",
			plan:    sums,
			fn:      sumsFn,
			outputs: []string{"s", "l"},
			rows:    [][]any{{nil, int64(0)}},
		},
		{
			name:    "sum-null",
			plan:    sums,
			fn:      sumsFn,
			outputs: []string{"s", "l"},
			input:   []map[string]any{{"v": nil}, {}},
			rows:    [][]any{{nil, int64(0)}},
		},
		{
			name:    "sum",
			plan:    sums,
			fn:      sumsFn,
			outputs: []string{"s", "l"},
			input:   []map[string]any{{"v": 2}, {"v": nil}, {"v": 5}},
			rows:    [][]any{{int64(7), int64(7)}},
		},
	}
	for i := range tcs {
		t.Run(tcs[i].name, tcs[i].run)
	}
}

func TestAggregatePlan(t *testing.T) {
	doc, res := compile(t, `
datasets: [{name: ds}]
plan:
  op: distribute-result
  input:
    op: aggregate
    global: true
    bind: [{var: t, expr: {fn: sql-sum, args: [{var: n}]}}]
    input:
      op: exchange
      input:
        op: aggregate
        bind: [{var: n, expr: {fn: count}}]
        input: {op: data-scan, dataset: ds, vars: [rec]}
`)
	if len(res.Functions) != 1 {
		t.Fatalf("%d functions", len(res.Functions))
	}
	text := lines(
		"distribute-result",
		"  aggregate [$$t <- sql-sum($$n)] global",
		"    exchange",
		"      data-scan ds [$$rec] -> scan_ds_0 [$$n]",
	)
	if got := describe(t, doc.Root); got != text {
		t.Fatalf("plan:\n%s\nwant:\n%s", got, text)
	}
}

func TestSwitchCase(t *testing.T) {
	fc := fusionCase{
		plan: `
datasets: [{name: ds}]
plan:
  op: distribute-result
  input:
    op: project
    vars: [c]
    input:
      op: assign
      bind:
        - var: c
          expr:
            fn: switch-case
            args:
              - {fn: eq, args: [{path: rec.a}, {int: 1}]}
              - {string: one}
              - {fn: eq, args: [{path: rec.a}, {int: 2}]}
              - {string: two}
              - {string: many}
      input: {op: data-scan, dataset: ds, vars: [rec]}
`,
		fn: lines(
			"func scan_ds_0(cursor, sink, reader_0) {",
			"\twhile cursor.hasNext() {",
			"\t\tvar v0 = null",
			"\t\treader_0.next()",
			"\t\tif (reader_0.getValue() == 1) {",
			"\t\t\tv0 = u\"one\"",
			"\t\t} else {",
			"\t\t\tif (reader_0.getValue() == 2) {",
			"\t\t\t\tv0 = u\"two\"",
			"\t\t\t} else {",
			"\t\t\t\tv0 = u\"many\"",
			"\t\t\t}",
			"\t\t}",
			"\t\tsink.append(v0)",
			"\t}",
			"\tsink.flush()",
			"}",
		),
		outputs: []string{"c"},
		input:   []map[string]any{{"a": 1}, {"a": 2}, {"a": 5}, {}},
		rows:    [][]any{{"one"}, {"two"}, {"many"}, {"many"}},
	}
	fc.run(t)
}

func TestSwitchCaseAdvancesOnce(t *testing.T) {
	src := `
datasets: [{name: ds}]
plan:
  op: distribute-result
  input:
    op: project
    vars: [x, y]
    input:
      op: assign
      bind:
        - var: x
          expr: {fn: switch-case, args: [{fn: eq, args: [{path: rec.a}, {int: 1}]}, {path: rec.b}, {int: 0}]}
        - var: y
          expr: {fn: numeric-add, args: [{path: rec.b}, {int: 1}]}
      input: {op: data-scan, dataset: ds, vars: [rec]}
`
	_, res := compile(t, src)
	sf := res.Functions[0]
	text := ir.Format(sf.Func)
	for _, r := range []string{"reader_0", "reader_1"} {
		if n := strings.Count(text, r+".next()"); n != 1 {
			t.Fatalf("%s advanced %d times:\n%s", r, n, text)
		}
	}
	if strings.Index(text, "reader_1.next()") > strings.Index(text, "if (") {
		t.Fatalf("reader_1 advanced inside a branch:\n%s", text)
	}
	rows := execute(t, sf, []map[string]any{
		{"a": 1, "b": 5},
		{"a": 2, "b": 7},
	})
	want := [][]any{{int64(5), int64(6)}, {int64(0), int64(8)}}
	if !reflect.DeepEqual(rows, want) {
		t.Fatalf("rows %v, want %v", rows, want)
	}
}

func TestUnnest(t *testing.T) {
	tcs := []fusionCase{
		{
			name: "plain",
			plan: `
datasets: [{name: ds}]
plan:
  op: distribute-result
  input:
    op: project
    vars: [p]
    input:
      op: assign
      bind: [{var: p, expr: {path: item.price}}]
      input:
        op: unnest
        var: item
        expr: {fn: scan-collection, args: [{path: rec.items}]}
        input: {op: data-scan, dataset: ds, vars: [rec]}
`,
			fn: lines(
				"func scan_ds_0(cursor, sink, reader_0, reader_1) {",
				"\twhile cursor.hasNext() {",
				"\t\treader_0.next()",
				"\t\twhile !reader_0.isEndOfArray() {",
				"\t\t\treader_1.next()",
				"\t\t\tsink.append(reader_1.getValue())",
				"\t\t\treader_0.next()",
				"\t\t}",
				"\t}",
				"\tsink.flush()",
				"}",
			),
			outputs: []string{"p"},
			input: []map[string]any{
				{"items": []any{map[string]any{"price": 1}, map[string]any{"price": 2}}},
				{"items": []any{}},
				{},
				{"items": []any{map[string]any{"price": 3}}},
			},
			rows: [][]any{{int64(1)}, {int64(2)}, {int64(3)}},
		},
		{
			name: "positional",
			plan: `
datasets: [{name: ds}]
plan:
  op: distribute-result
  input:
    op: project
    vars: [pos, tag]
    input:
      op: unnest
      var: tag
      pos: pos
      expr: {path: rec.tags}
      input: {op: data-scan, dataset: ds, vars: [rec]}
`,
			fn: lines(
				"func scan_ds_0(cursor, sink, reader_0) {",
				"\twhile cursor.hasNext() {",
				"\t\tvar v0 = reader_0.materialize()",
				"\t\tvar v1 = 0",
				"\t\twhile (v1 < array-length(v0)) {",
				"\t\t\tsink.append(v1, v0[v1])",
				"\t\t\tv1 = (v1 + 1)",
				"\t\t}",
				"\t}",
				"\tsink.flush()",
				"}",
			),
			outputs: []string{"pos", "tag"},
			input: []map[string]any{
				{"tags": []any{"a", "b"}},
				{"tags": []any{"c"}},
			},
			rows: [][]any{{int64(0), "a"}, {int64(1), "b"}, {int64(0), "c"}},
		},
	}
	for i := range tcs {
		t.Run(tcs[i].name, tcs[i].run)
	}
}

// tagged is a plan with a subplan over the
// tags of each record; the nested aggregate
// and the selection above it are substituted.
const tagged = `
datasets: [{name: ds}]
plan:
  op: distribute-result
  input:
    op: project
    vars: [name]
    input:
      op: select
      cond: SELECT
      input:
        op: subplan
        nested:
          op: aggregate
          bind: [{var: out, expr: AGGREGATE}]
          input:
            op: select
            cond: {fn: eq, args: [{var: tag}, {string: x}]}
            input:
              op: unnest
              var: tag
              expr: {fn: scan-collection, args: [{path: rec.tags}]}
              input: {op: nested-tuple-source}
        input:
          op: assign
          bind: [{var: name, expr: {path: rec.name}}]
          input: {op: data-scan, dataset: ds, vars: [rec]}
`

func taggedPlan(sel, agg string) string {
	return strings.NewReplacer("SELECT", sel, "AGGREGATE", agg).Replace(tagged)
}

var taggedInput = []map[string]any{
	{"name": "a", "tags": []any{"x", "y", "x"}},
	{"name": "b", "tags": []any{"y"}},
	{"name": "c"},
	{"name": "d", "tags": []any{"y", "x"}},
}

func TestSubplan(t *testing.T) {
	tcs := []fusionCase{
		{
			name: "exists",
			plan: taggedPlan("{fn: neq, args: [{var: out}, {int: 0}]}", "{fn: count, args: [{int: 1}]}"),
			fn: lines(
				"func scan_ds_0(cursor, sink, reader_0, reader_1) {",
				"\twhile cursor.hasNext() {",
				"\t\tvar v0 = false",
				"\t\treader_0.next()",
				"\t\twhile !reader_0.isEndOfArray() {",
				"\t\t\tvar v1 = reader_0.getValue()",
				"\t\t\tif (v1 == u\"x\") {",
				"\t\t\t\tv0 = true",
				"\t\t\t}",
				"\t\t\treader_0.next()",
				"\t\t}",
				"\t\tif v0 {",
				"\t\t\treader_1.next()",
				"\t\t\tsink.append(reader_1.getValue())",
				"\t\t}",
				"\t}",
				"\tsink.flush()",
				"}",
			),
			outputs: []string{"name"},
			input:   taggedInput,
			rows:    [][]any{{"a"}, {"d"}},
		},
		{
			name: "zero-first",
			plan: taggedPlan("{fn: neq, args: [{int: 0}, {var: out}]}", "{fn: sql-count}"),
			fn: lines(
				"func scan_ds_0(cursor, sink, reader_0, reader_1) {",
				"\twhile cursor.hasNext() {",
				"\t\tvar v0 = false",
				"\t\treader_0.next()",
				"\t\twhile !reader_0.isEndOfArray() {",
				"\t\t\tvar v1 = reader_0.getValue()",
				"\t\t\tif (v1 == u\"x\") {",
				"\t\t\t\tv0 = true",
				"\t\t\t}",
				"\t\t\treader_0.next()",
				"\t\t}",
				"\t\tif v0 {",
				"\t\t\treader_1.next()",
				"\t\t\tsink.append(reader_1.getValue())",
				"\t\t}",
				"\t}",
				"\tsink.flush()",
				"}",
			),
			outputs: []string{"name"},
			input:   taggedInput,
			rows:    [][]any{{"a"}, {"d"}},
		},
		{
			name: "quantified",
			plan: taggedPlan("{var: out}", "{fn: non-empty-stream}"),
			fn: lines(
				"func scan_ds_0(cursor, sink, reader_0, reader_1) {",
				"\twhile cursor.hasNext() {",
				"\t\tvar v0 = false",
				"\t\treader_0.next()",
				"\t\twhile !reader_0.isEndOfArray() {",
				"\t\t\tvar v1 = reader_0.getValue()",
				"\t\t\tif (v1 == u\"x\") {",
				"\t\t\t\tv0 = true",
				"\t\t\t\tbreak",
				"\t\t\t}",
				"\t\t\treader_0.next()",
				"\t\t}",
				"\t\tif v0 {",
				"\t\t\treader_1.next()",
				"\t\t\tsink.append(reader_1.getValue())",
				"\t\t}",
				"\t}",
				"\tsink.flush()",
				"}",
			),
			outputs: []string{"name"},
			input:   taggedInput,
			rows:    [][]any{{"a"}, {"d"}},
		},
	}
	for i := range tcs {
		t.Run(tcs[i].name, tcs[i].run)
	}
}

// A count that is read other than by a
// comparison with zero is not an EXISTS test.
func TestSubplanCountNotFused(t *testing.T) {
	doc, res := compile(t, taggedPlan("{fn: gt, args: [{var: out}, {int: 1}]}", "{fn: count}"))
	if len(res.Functions) != 1 {
		t.Fatalf("%d functions", len(res.Functions))
	}
	// only the assign below the subplan is fused
	want := lines(
		"func scan_ds_0(cursor, sink, reader_0) {",
		"\twhile cursor.hasNext() {",
		"\t\treader_0.next()",
		"\t\tsink.append(cursor.record(), reader_0.getValue())",
		"\t}",
		"\tsink.flush()",
		"}",
	)
	if got := ir.Format(res.Functions[0].Func); got != want {
		t.Fatalf("got:\n%s\nwant:\n%s", got, want)
	}
	after := describe(t, doc.Root)
	if !strings.Contains(after, "subplan\n") || !strings.Contains(after, "data-scan ds [$$rec] -> scan_ds_0 [$$rec, $$name]\n") {
		t.Fatalf("plan:\n%s", after)
	}
}

func TestListify(t *testing.T) {
	tcs := []fusionCase{
		{
			name: "first",
			plan: `
datasets: [{name: ds}]
plan:
  op: distribute-result
  input:
    op: project
    vars: [cheapest]
    input:
      op: assign
      bind: [{var: cheapest, expr: {fn: get-item, args: [{var: lst}, {int: 0}]}}]
      input:
        op: subplan
        nested:
          op: aggregate
          bind: [{var: lst, expr: {fn: listify, args: [{path: item.name}]}}]
          input:
            op: limit
            n: 1
            input:
              op: order
              order: [{expr: {path: item.price}}]
              input:
                op: unnest
                var: item
                expr: {fn: scan-collection, args: [{path: rec.items}]}
                input: {op: nested-tuple-source}
        input: {op: data-scan, dataset: ds, vars: [rec]}
`,
			fn: lines(
				"func scan_ds_0(cursor, sink, reader_0, reader_1, reader_2) {",
				"\twhile cursor.hasNext() {",
				"\t\tvar v1 = missing",
				"\t\tvar v0 = null",
				"\t\treader_0.next()",
				"\t\twhile !reader_0.isEndOfArray() {",
				"\t\t\treader_1.next()",
				"\t\t\tvar v2 = reader_1.getValue()",
				"\t\t\treader_2.next()",
				"\t\t\tvar v3 = reader_2.getValue()",
				"\t\t\tif (is-unknown(v0) || (v2 < v0)) {",
				"\t\t\t\tv0 = v2",
				"\t\t\t\tv1 = v3",
				"\t\t\t}",
				"\t\t\treader_0.next()",
				"\t\t}",
				"\t\tsink.append(v1)",
				"\t}",
				"\tsink.flush()",
				"}",
			),
			outputs: []string{"cheapest"},
			input: []map[string]any{
				{"items": []any{
					map[string]any{"name": "a", "price": 5},
					map[string]any{"name": "b", "price": 2},
					map[string]any{"name": "c", "price": 9},
				}},
				{"items": []any{}},
			},
			rows: [][]any{{"b"}, {expr.Missing}},
		},
		{
			name: "aggregate",
			plan: `
datasets: [{name: ds}]
plan:
  op: distribute-result
  input:
    op: project
    vars: [total]
    input:
      op: assign
      bind: [{var: total, expr: {fn: get-item, args: [{var: lst}, {int: 0}]}}]
      input:
        op: subplan
        nested:
          op: aggregate
          bind: [{var: lst, expr: {fn: listify, args: [{var: s}]}}]
          input:
            op: aggregate
            bind: [{var: s, expr: {fn: sql-sum, args: [{path: item.price}]}}]
            input:
              op: unnest
              var: item
              expr: {fn: scan-collection, args: [{path: rec.items}]}
              input: {op: nested-tuple-source}
        input: {op: data-scan, dataset: ds, vars: [rec]}
`,
			fn: lines(
				"func scan_ds_0(cursor, sink, reader_0, reader_1) {",
				"\twhile cursor.hasNext() {",
				"\t\tvar v0 = null",
				"\t\treader_0.next()",
				"\t\twhile !reader_0.isEndOfArray() {",
				"\t\t\treader_1.next()",
				"\t\t\tv0 = agg-add(v0, reader_1.getValue())",
				"\t\t\treader_0.next()",
				"\t\t}",
				"\t\tsink.append(v0)",
				"\t}",
				"\tsink.flush()",
				"}",
			),
			outputs: []string{"total"},
			input: []map[string]any{
				{"items": []any{map[string]any{"price": 1}, map[string]any{"price": 2}}},
				{"items": []any{}},
			},
			rows: [][]any{{int64(3)}, {nil}},
		},
	}
	for i := range tcs {
		t.Run(tcs[i].name, tcs[i].run)
	}
}

func TestGroupBy(t *testing.T) {
	tcs := []fusionCase{
		{
			name: "hash",
			plan: `
datasets: [{name: ds}]
physical: {framesForGroupBy: 2, frameSize: 1024}
plan:
  op: distribute-result
  input:
    op: group-by
    global: true
    keys: [{var: ga, expr: {var: a}}, {var: gb, expr: {var: b}}]
    nested:
      op: aggregate
      bind: [{var: t, expr: {fn: sum, args: [{var: n}]}}]
      input: {op: nested-tuple-source}
    input:
      op: exchange
      redistribute: true
      input:
        op: group-by
        keys: [{var: a, expr: {path: rec.a}}, {var: b, expr: {path: rec.b}}]
        nested:
          op: aggregate
          bind: [{var: n, expr: {fn: count}}]
          input: {op: nested-tuple-source}
        input: {op: data-scan, dataset: ds, vars: [rec]}
`,
			fn: lines(
				"func scan_ds_0(cursor, sink, reader_0, reader_1) {",
				"\tvar v0 = new-hash-aggregator(\"COUNT\", 2048)",
				"\twhile cursor.hasNext() {",
				"\t\treader_0.next()",
				"\t\treader_1.next()",
				"\t\tv0.add(make-key(reader_0.getValue(), reader_1.getValue()), 1)",
				"\t}",
				"\tv0.emit(sink)",
				"\tsink.flush()",
				"}",
			),
			outputs: []string{"a", "b", "n"},
			input: []map[string]any{
				{"a": 1, "b": "x"},
				{"a": 1, "b": "x"},
				{"a": 2, "b": "x"},
				{"a": 1.0, "b": "x"},
			},
			rows: [][]any{{int64(1), "x", int64(3)}, {int64(2), "x", int64(1)}},
		},
		{
			name: "top-k",
			plan: `
datasets: [{name: ds}]
plan:
  op: distribute-result
  input:
    op: order
    order: [{expr: {var: best}, desc: true}]
    topk: 2
    input:
      op: group-by
      global: true
      keys: [{var: user, expr: {var: u}}]
      nested:
        op: aggregate
        bind: [{var: best, expr: {fn: global-max, args: [{var: m}]}}]
        input: {op: nested-tuple-source}
      input:
        op: exchange
        redistribute: true
        input:
          op: group-by
          keys: [{var: u, expr: {path: rec.user}}]
          nested:
            op: aggregate
            bind: [{var: m, expr: {fn: local-max, args: [{path: rec.score}]}}]
            input: {op: nested-tuple-source}
          input: {op: data-scan, dataset: ds, vars: [rec]}
`,
			fn: lines(
				"func scan_ds_0(cursor, sink, reader_0, reader_1) {",
				"\tvar v0 = new-topk-aggregator(2, false)",
				"\twhile cursor.hasNext() {",
				"\t\treader_0.next()",
				"\t\treader_1.next()",
				"\t\tv0.add(reader_0.getValue(), reader_1.getValue())",
				"\t}",
				"\tv0.emit(sink)",
				"\tsink.flush()",
				"}",
			),
			outputs: []string{"u", "m"},
			input: []map[string]any{
				{"user": "a", "score": 3},
				{"user": "b", "score": 9},
				{"user": "a", "score": 7},
				{"user": "c", "score": 1},
			},
			rows: [][]any{{"b", int64(9)}, {"a", int64(7)}},
		},
		{
			name: "per-record",
			plan: `
datasets: [{name: ds}]
plan:
  op: distribute-result
  input:
    op: group-by
    keys: [{var: id, expr: {path: rec.id}}]
    nested:
      op: aggregate
      bind: [{var: n, expr: {fn: count}}]
      input: {op: nested-tuple-source}
    input:
      op: unnest
      var: item
      expr: {fn: scan-collection, args: [{path: rec.items}]}
      input: {op: data-scan, dataset: ds, vars: [rec]}
`,
			fn: lines(
				"func scan_ds_0(cursor, sink, reader_0, reader_1) {",
				"\twhile cursor.hasNext() {",
				"\t\tvar v1 = 0",
				"\t\tvar v0 = false",
				"\t\treader_0.next()",
				"\t\twhile !reader_0.isEndOfArray() {",
				"\t\t\tv1 = (v1 + 1)",
				"\t\t\tv0 = true",
				"\t\t\treader_0.next()",
				"\t\t}",
				"\t\tif v0 {",
				"\t\t\treader_1.next()",
				"\t\t\tsink.append(reader_1.getValue(), v1)",
				"\t\t}",
				"\t}",
				"\tsink.flush()",
				"}",
			),
			outputs: []string{"id", "n"},
			input: []map[string]any{
				{"id": 1, "items": []any{"a", "b"}},
				{"id": 2, "items": []any{}},
				{"id": 3, "items": []any{"c"}},
			},
			rows: [][]any{{int64(1), int64(2)}, {int64(3), int64(1)}},
		},
	}
	for i := range tcs {
		t.Run(tcs[i].name, tcs[i].run)
	}
}

func TestSortGroupBy(t *testing.T) {
	doc, res := compile(t, `
datasets: [{name: ds}]
plan:
  op: distribute-result
  input:
    op: group-by
    keys: [{var: a, expr: {path: rec.a}}]
    nested:
      op: aggregate
      bind: [{var: n, expr: {fn: count}}]
      input: {op: nested-tuple-source}
    input:
      op: order
      order: [{expr: {path: rec.a}}]
      input: {op: data-scan, dataset: ds, vars: [rec]}
`)
	if len(res.Functions) != 1 {
		t.Fatalf("%d functions", len(res.Functions))
	}
	text := lines(
		"distribute-result",
		"  data-scan ds [$$rec] -> scan_ds_0 [$$a, $$n]",
	)
	if got := describe(t, doc.Root); got != text {
		t.Fatalf("plan:\n%s\nwant:\n%s", got, text)
	}
}

func TestTopKCandidate(t *testing.T) {
	v := func(name string) *expr.Var { return &expr.Var{Name: name} }
	key, m, best, other := v("k"), v("m"), v("best"), v("other")
	scan := plan.Scan("ds", v("rec"))
	group := func(global bool, fn expr.Func, keys int) *plan.GroupBy {
		gb := plan.NewGroupBy(global, scan)
		for i := 0; i < keys; i++ {
			gb.Keys = append(gb.Keys, plan.Binding{Var: key, Expr: key})
		}
		nts := &plan.NestedTupleSource{Outer: gb}
		gb.Nested = plan.NewAggregate(false, nts, []*expr.Var{best}, expr.Apply(fn, m))
		return gb
	}
	order := func(on *expr.Var, desc bool, k int) *plan.Order {
		return plan.NewOrder(nil, k, plan.OrderKey{Expr: on, Desc: desc})
	}
	tcs := []struct {
		name   string
		gb     *plan.GroupBy
		parent plan.Op
		k      int
		min    bool
	}{
		{"max", group(true, expr.GlobalMax, 1), order(best, true, 5), 5, false},
		{"min", group(true, expr.GlobalMin, 1), order(best, false, 3), 3, true},
		{"local", group(false, expr.GlobalMax, 1), order(best, true, 5), -1, false},
		{"two-keys", group(true, expr.GlobalMax, 2), order(best, true, 5), -1, false},
		{"no-keys", group(true, expr.GlobalMax, 0), order(best, true, 5), -1, false},
		{"sum", group(true, expr.Sum, 1), order(best, true, 5), -1, false},
		{"local-max", group(true, expr.LocalMax, 1), order(best, true, 5), -1, false},
		{"unbounded", group(true, expr.GlobalMax, 1), order(best, true, -1), -1, false},
		{"foreign-key", group(true, expr.GlobalMax, 1), order(other, true, 5), -1, false},
		{"limit", group(true, expr.GlobalMax, 1), plan.NewLimit(5, nil), -1, false},
		{"root", group(true, expr.GlobalMax, 1), nil, -1, false},
	}
	for i := range tcs {
		tc := &tcs[i]
		t.Run(tc.name, func(t *testing.T) {
			k, min := getTopK(tc.gb, tc.parent)
			if k != tc.k || (k >= 0 && min != tc.min) {
				t.Fatalf("got (%d, %v), want (%d, %v)", k, min, tc.k, tc.min)
			}
		})
	}
}

func TestNotFused(t *testing.T) {
	join := `
datasets: [{name: a}, {name: b}]
plan:
  op: distribute-result
  input:
    op: inner-join
    cond: {fn: eq, args: [{path: x.k}, {path: y.k}]}
    inputs:
      - op: select
        cond: {fn: gt, args: [{path: x.v}, {int: 0}]}
        input: {op: data-scan, dataset: a, vars: [x]}
      - op: select
        cond: {fn: gt, args: [{path: y.v}, {int: 0}]}
        input: {op: data-scan, dataset: b, vars: [y]}
`
	tcs := []struct {
		name, plan string
	}{
		{"external", strings.Replace(adults, "  - name: people", "  - {name: people, kind: external}", 1)},
		{"row-format", strings.Replace(adults, "  - name: people", "  - {name: people, format: row}", 1)},
		{"unknown-dataset", strings.Replace(adults, "  - name: people", "  - name: others", 1)},
		{"join", join},
		{"global-only", `
datasets: [{name: ds}]
plan:
  op: distribute-result
  input:
    op: aggregate
    global: true
    bind: [{var: n, expr: {fn: count}}]
    input: {op: data-scan, dataset: ds, vars: [rec]}
`},
	}
	for i := range tcs {
		tc := &tcs[i]
		t.Run(tc.name, func(t *testing.T) {
			doc := decode(t, tc.plan)
			before := describe(t, doc.Root)
			res, err := Compile(doc.Root, doc.Context, doc.Metadata, nil)
			if err != nil {
				t.Fatal(err)
			}
			if len(res.Functions) != 0 {
				t.Fatalf("fused %s", res.Functions[0].Func.Name)
			}
			if after := describe(t, doc.Root); after != before {
				t.Fatalf("plan changed:\n%s\nwas:\n%s", after, before)
			}
		})
	}
}

func TestMaxReaders(t *testing.T) {
	src := strings.Replace(adults, "  - name: people\n", "  - name: people\nphysical: {maxReaders: 1}\n", 1)
	doc, res := compile(t, src)
	if len(res.Functions) != 1 {
		t.Fatalf("%d functions", len(res.Functions))
	}
	sf := res.Functions[0]
	if n := len(sf.Func.Readers()); n != 1 {
		t.Fatalf("%d readers", n)
	}
	want := lines(
		"func scan_people_0(cursor, sink, reader_0) {",
		"\twhile cursor.hasNext() {",
		"\t\treader_0.next()",
		"\t\tsink.append(cursor.record(), reader_0.getValue())",
		"\t}",
		"\tsink.flush()",
		"}",
	)
	if got := ir.Format(sf.Func); got != want {
		t.Fatalf("got:\n%s\nwant:\n%s", got, want)
	}
	text := lines(
		"distribute-result",
		"  project [$$name]",
		`    select (ge(field-access-by-name($$rec, "age"), 21))`,
		"      data-scan people [$$rec] -> scan_people_0 [$$rec, $$name]",
	)
	if got := describe(t, doc.Root); got != text {
		t.Fatalf("plan:\n%s\nwant:\n%s", got, text)
	}
}

func TestProjectOfScanVariables(t *testing.T) {
	const bare = `
datasets: [{name: people}]
plan:
  op: distribute-result
  input:
    op: assign
    bind: [{var: name, expr: {path: rec.name}}]
    input:
      op: project
      vars: [rec]
      input:
        op: data-scan
        dataset: people
        vars: [rec]
`
	doc := decode(t, bare)
	before := describe(t, doc.Root)
	res, err := Compile(doc.Root, doc.Context, doc.Metadata, nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Functions) != 0 {
		t.Fatalf("%d functions", len(res.Functions))
	}
	if got := describe(t, doc.Root); got != before {
		t.Fatalf("plan:\n%s\nwant:\n%s", got, before)
	}

	filtered := strings.Replace(bare, `
        op: data-scan`, `
        op: select
        cond: {fn: ge, args: [{path: rec.age}, {int: 21}]}
        input:
          op: data-scan`, 1)
	filtered = strings.Replace(filtered, `
        dataset: people
        vars: [rec]`, `
          dataset: people
          vars: [rec]`, 1)
	doc, res = compile(t, filtered)
	if len(res.Functions) != 1 {
		t.Fatalf("%d functions", len(res.Functions))
	}
	sf := res.Functions[0]
	want := lines(
		"func scan_people_0(cursor, sink, reader_0) {",
		"\twhile cursor.hasNext() {",
		"\t\treader_0.next()",
		"\t\tif (reader_0.getValue() >= 21) {",
		"\t\t\tsink.append(cursor.record())",
		"\t\t}",
		"\t}",
		"\tsink.flush()",
		"}",
	)
	if got := ir.Format(sf.Func); got != want {
		t.Fatalf("got:\n%s\nwant:\n%s", got, want)
	}
	text := lines(
		"distribute-result",
		`  assign [$$name <- field-access-by-name($$rec, "name")]`,
		"    project [$$rec]",
		"      data-scan people [$$rec] -> scan_people_0 [$$rec]",
	)
	if got := describe(t, doc.Root); got != text {
		t.Fatalf("plan:\n%s\nwant:\n%s", got, text)
	}
	rows := execute(t, sf, []map[string]any{
		{"name": "ann", "age": 30},
		{"name": "bob", "age": 12},
	})
	want2 := [][]any{{map[string]any{"name": "ann", "age": int64(30)}}}
	if !reflect.DeepEqual(rows, want2) {
		t.Fatalf("got %v, want %v", rows, want2)
	}
}

func TestCompileErrorRestoresPlan(t *testing.T) {
	src := strings.Replace(adults,
		"cond: {fn: ge, args: [{path: rec.age}, {int: 21}]}",
		`cond: {fn: eq, args: [{fn: get-item, args: [{path: rec.tags}, {int: 0}], loc: "4:9"}, {string: x}]}`, 1)
	doc := decode(t, src)
	before := describe(t, doc.Root)
	scan := plan.Input(plan.Input(plan.Input(plan.Input(doc.Root)))).(*plan.DataSourceScan)
	res, err := Compile(doc.Root, doc.Context, doc.Metadata, nil)
	if err == nil {
		t.Fatalf("compiled %d functions", len(res.Functions))
	}
	var ferr *Error
	if !errors.As(err, &ferr) {
		t.Fatalf("error %T %v", err, err)
	}
	if ferr.Code != ErrUnknownFunction || ferr.Func != "get-item" || ferr.Loc.Line != 4 || ferr.Loc.Column != 9 {
		t.Fatalf("error %+v", ferr)
	}
	if after := describe(t, doc.Root); after != before {
		t.Fatalf("plan changed:\n%s\nwas:\n%s", after, before)
	}
	if scan.Function != "" || scan.FusedOutputs != nil {
		t.Fatalf("scan marked %s", scan.Function)
	}
	if !plan.Input(plan.Input(plan.Input(doc.Root))).TypeEnv().Has(doc.Vars["name"]) {
		t.Fatal("type environments were not restored")
	}
}

// rootlessContext cannot type the plan root once
// it has typed a fused scan.
type rootlessContext struct {
	plan.Context
	fused bool
}

var errNoRootType = errors.New("no type for distribute-result")

func (r *rootlessContext) ComputeTypeEnv(op plan.Op) error {
	if s, ok := op.(*plan.DataSourceScan); ok && s.Function != "" {
		r.fused = true
	}
	if r.fused && op.Kind() == plan.KindDistributeResult {
		return errNoRootType
	}
	return r.Context.ComputeTypeEnv(op)
}

func TestRecomputeErrorRestoresPlan(t *testing.T) {
	doc := decode(t, adults)
	before := describe(t, doc.Root)
	scan := plan.Input(plan.Input(plan.Input(plan.Input(doc.Root)))).(*plan.DataSourceScan)
	var buf bytes.Buffer
	octx := &rootlessContext{Context: doc.Context}
	res, err := Compile(doc.Root, octx, doc.Metadata, nil, WithLogger(log.New(&buf, "", 0)))
	if !errors.Is(err, errNoRootType) {
		t.Fatalf("got %v", err)
	}
	if res != nil {
		t.Fatalf("compiled %d functions", len(res.Functions))
	}
	if after := describe(t, doc.Root); after != before {
		t.Fatalf("plan changed:\n%s\nwas:\n%s", after, before)
	}
	if scan.Function != "" || scan.FusedOutputs != nil {
		t.Fatalf("scan marked %s", scan.Function)
	}
	out := buf.String()
	for _, want := range []string{
		"aborted: " + errNoRootType.Error(),
		"restoring plan: " + errNoRootType.Error(),
	} {
		if !strings.Contains(out, want) {
			t.Errorf("log %q lacks %q", out, want)
		}
	}
}

func TestErrorWriteTo(t *testing.T) {
	tcs := []struct {
		err  Error
		want string
	}{
		{
			err:  Error{Code: ErrIllegalRemoval, Msg: "join has 2 inputs"},
			want: "fuse: illegal removal: join has 2 inputs\n",
		},
		{
			err: Error{
				Code: ErrNonScalar,
				Func: "count",
				Loc:  expr.Location{Line: 1, Column: 8},
				In:   expr.Apply(expr.Count),
				Msg:  "aggregate reached the scalar translator",
			},
			want: "in expression:\n\tcount()\nfuse: non-scalar expression count at 1:8: aggregate reached the scalar translator\n",
		},
	}
	for i := range tcs {
		var buf bytes.Buffer
		n, err := tcs[i].err.WriteTo(&buf)
		if err != nil {
			t.Fatal(err)
		}
		if buf.String() != tcs[i].want || int(n) != buf.Len() {
			t.Fatalf("case %d: got %q (%d bytes)", i, buf.String(), n)
		}
	}
	if s := Code(99).String(); s != "Code(99)" {
		t.Fatalf("code name %q", s)
	}
}

func TestLogger(t *testing.T) {
	var buf bytes.Buffer
	_, res := compile(t, adults, WithLogger(log.New(&buf, "", 0)))
	out := buf.String()
	for _, want := range []string{
		"fuse " + res.ID.String() + ": people: scope opened (2 paths",
		"people: scan_people_0 fused 3 operators, closed at distribute-result",
		"1 scan functions",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("log does not contain %q:\n%s", want, out)
		}
	}
}
