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

package plan

import (
	"bytes"
	"strings"
	"testing"

	"github.com/SnellerInc/scanfuse/expr"
)

const adultsDoc = `
datasets:
  - name: people
    kind: internal
    format: column
physical:
  framesForGroupBy: 8
plan:
  op: distribute-result
  input:
    op: project
    vars: [name]
    input:
      op: select
      cond: {fn: ge, args: [{path: rec.age}, {int: 21}], loc: "3:7"}
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

func TestDecode(t *testing.T) {
	doc, err := Decode([]byte(adultsDoc))
	if err != nil {
		t.Fatal(err)
	}
	want := []OpKind{KindDistributeResult, KindProject, KindSelect, KindAssign, KindDataSourceScan}
	if got := chain(doc.Root); !equalKinds(got, want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	if got := doc.Context.PhysicalConfig().FramesForGroupBy; got != 8 {
		t.Fatalf("framesForGroupBy = %d", got)
	}
	if got := doc.Context.PhysicalConfig().FrameSize; got != DefaultFrameSize {
		t.Fatalf("frameSize = %d", got)
	}
	ds, err := doc.Metadata.Dataset("people")
	if err != nil || !ds.Columnar() {
		t.Fatalf("dataset people: %+v %v", ds, err)
	}
	sel := Input(Input(doc.Root)).(*Select)
	if loc := sel.Cond.(*expr.Call).Loc; loc.Line != 3 || loc.Column != 7 {
		t.Fatalf("location %s", loc)
	}
	var buf bytes.Buffer
	if err := Describe(&buf, doc.Root); err != nil {
		t.Fatal(err)
	}
	text := strings.Join([]string{
		"distribute-result",
		"  project [$$name]",
		`    select (ge(field-access-by-name($$rec, "age"), 21))`,
		`      assign [$$name <- field-access-by-name($$rec, "name")]`,
		"        data-scan people [$$rec]",
		"",
	}, "\n")
	if buf.String() != text {
		t.Fatalf("describe:\n%s\nwant:\n%s", buf.String(), text)
	}
}

func TestDecodeBareScalars(t *testing.T) {
	src := `
datasets: [{name: off}]
plan:
  op: limit
  n: 1
  input:
    op: assign
    bind:
      - var: n
        expr: {path: rec.y}
      - var: y
        expr: {string: no}
    input: {op: data-scan, dataset: off, vars: [rec]}
`
	doc, err := Decode([]byte(src))
	if err != nil {
		t.Fatal(err)
	}
	lim, ok := doc.Root.(*Limit)
	if !ok || lim.N != 1 {
		t.Fatalf("root %v", doc.Root)
	}
	for _, name := range []string{"rec", "n", "y"} {
		if doc.Vars[name] == nil {
			t.Fatalf("variable %s not decoded: %v", name, doc.Vars)
		}
	}
	if _, ok := doc.Vars["false"]; ok {
		t.Fatal("variable name decoded as a boolean")
	}
	as := Input(doc.Root).(*Assign)
	if _, fields, ok := expr.FieldChain(as.Exprs[0]); !ok || len(fields) != 1 || fields[0] != "y" {
		t.Fatalf("path of n: %v", expr.ToString(as.Exprs[0]))
	}
	if c, ok := as.Exprs[1].(*expr.Constant); !ok || c.Value != "no" {
		t.Fatalf("value of y: %v", expr.ToString(as.Exprs[1]))
	}
	if _, err := doc.Metadata.Dataset("off"); err != nil {
		t.Fatal(err)
	}
	if _, err := Decode([]byte("plan: {op: limit, n: yes, input: {op: empty-tuple-source}}")); err == nil {
		t.Fatal("non-numeric limit accepted")
	}
}

func TestDecodeNested(t *testing.T) {
	src := `
plan:
  op: distribute-result
  input:
    op: subplan
    nested:
      op: aggregate
      bind:
        - var: any
          expr: {fn: non-empty-stream, args: []}
      input:
        op: select
        cond: {fn: eq, args: [{var: tag}, {string: "x"}]}
        input:
          op: unnest
          var: tag
          expr: {fn: scan-collection, args: [{path: rec.tags}]}
          input:
            op: nested-tuple-source
    input:
      op: data-scan
      dataset: ds
      vars: [rec]
`
	doc, err := Decode([]byte(src))
	if err != nil {
		t.Fatal(err)
	}
	sp := Input(doc.Root).(*Subplan)
	nts := Input(Input(Input(sp.Nested))).(*NestedTupleSource)
	if nts.Outer != sp {
		t.Fatal("nested-tuple-source does not point at its subplan")
	}
	if !sp.TypeEnv().Has(doc.Vars["any"]) || !sp.TypeEnv().Has(doc.Vars["rec"]) {
		t.Fatalf("subplan env: %v", sp.TypeEnv().Vars())
	}
}

func TestDecodeErrors(t *testing.T) {
	tcs := []struct {
		src, msg string
	}{
		{"plan: {op: frobnicate}", `plan: unknown operator "frobnicate"`},
		{"plan: {op: select, cond: {bool: true}}", "plan: select: missing input"},
		{"plan: {op: select, cond: {fn: nope}, input: {op: empty-tuple-source}}", `plan: cond: unknown function "nope"`},
		{"plan: {op: project, input: {op: nested-tuple-source}}", "plan.input: nested-tuple-source outside of a nested plan"},
		{"plan: {op: group-by, input: {op: data-scan, dataset: d, vars: [r]}, nested: {op: select, cond: {bool: true}, input: {op: nested-tuple-source}}}",
			"plan.nested: nested plan must be rooted at an aggregate"},
		{"plan: {op: aggregate, bind: [{var: x, expr: {int: 1}}], input: {op: empty-tuple-source}}", "is not an aggregate"},
		{"datasets: [{name: d, kind: remote}]\nplan: {op: empty-tuple-source}", `datasets[0]: unknown dataset kind "remote"`},
		{"plan: {op: empty-tuple-source, bogus: 1}", "bogus"},
		{"datasets: []", "missing plan"},
		{"plan: {op: select, cond: {fn: eq, args: [{int: 1}, {int: 1}], loc: x}, input: {op: empty-tuple-source}}", "bad location"},
	}
	for i := range tcs {
		_, err := Decode([]byte(tcs[i].src))
		if err == nil {
			t.Fatalf("case %d: expected an error", i)
		}
		if !strings.Contains(err.Error(), tcs[i].msg) {
			t.Fatalf("case %d: error %q does not contain %q", i, err, tcs[i].msg)
		}
	}
}
