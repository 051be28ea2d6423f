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
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/SnellerInc/scanfuse/expr"

	"gopkg.in/yaml.v3"
)

// Document is a decoded plan file.
type Document struct {
	// Root is the root operator of the plan.
	Root Op
	// Context allocated the variables of
	// the plan and carries its physical config.
	Context Context
	// Metadata describes the datasets
	// listed in the document.
	Metadata StaticMetadata
	// Vars maps variable names to variables.
	Vars map[string]*expr.Var
}

type docSpec struct {
	Datasets []datasetSpec   `json:"datasets"`
	Physical json.RawMessage `json:"physical,omitempty"`
	Plan     *opSpec         `json:"plan"`
}

type datasetSpec struct {
	Name   string `json:"name"`
	Kind   string `json:"kind"`
	Format string `json:"format"`
}

type bindSpec struct {
	Var  string    `json:"var"`
	Expr *exprSpec `json:"expr"`
}

type orderSpec struct {
	Expr *exprSpec `json:"expr"`
	Desc bool      `json:"desc"`
}

type opSpec struct {
	Op           string      `json:"op"`
	Input        *opSpec     `json:"input,omitempty"`
	Inputs       []*opSpec   `json:"inputs,omitempty"`
	Dataset      string      `json:"dataset,omitempty"`
	Vars         []string    `json:"vars,omitempty"`
	Cond         *exprSpec   `json:"cond,omitempty"`
	Bind         []bindSpec  `json:"bind,omitempty"`
	Var          string      `json:"var,omitempty"`
	Pos          string      `json:"pos,omitempty"`
	Expr         *exprSpec   `json:"expr,omitempty"`
	Global       bool        `json:"global,omitempty"`
	Keys         []bindSpec  `json:"keys,omitempty"`
	Order        []orderSpec `json:"order,omitempty"`
	TopK         *int        `json:"topk,omitempty"`
	N            int64       `json:"n,omitempty"`
	Redistribute bool        `json:"redistribute,omitempty"`
	Nested       *opSpec     `json:"nested,omitempty"`
}

type exprSpec struct {
	Var     *string     `json:"var,omitempty"`
	Path    string      `json:"path,omitempty"`
	Int     *int64      `json:"int,omitempty"`
	Float   *float64    `json:"float,omitempty"`
	String  *string     `json:"string,omitempty"`
	Bool    *bool       `json:"bool,omitempty"`
	Null    bool        `json:"null,omitempty"`
	Missing bool        `json:"missing,omitempty"`
	Fn      string      `json:"fn,omitempty"`
	Args    []*exprSpec `json:"args,omitempty"`
	Loc     string      `json:"loc,omitempty"`
}

// Decode decodes a plan document from YAML
// (or JSON). Errors name the location of the
// offending operator within the document,
// for example "plan.input.nested".
func Decode(buf []byte) (*Document, error) {
	var spec docSpec
	if err := unmarshalStrict(buf, &spec); err != nil {
		return nil, fmt.Errorf("plan: %w", err)
	}
	cfg := DefaultPhysicalConfig()
	if len(spec.Physical) > 0 {
		c, err := LoadPhysicalConfig(spec.Physical)
		if err != nil {
			return nil, err
		}
		cfg = *c
	}
	d := &decoder{
		doc: &Document{
			Context:  NewContext(&cfg),
			Metadata: make(StaticMetadata),
			Vars:     make(map[string]*expr.Var),
		},
	}
	for i := range spec.Datasets {
		ds, err := decodeDataset(&spec.Datasets[i])
		if err != nil {
			return nil, fmt.Errorf("plan: datasets[%d]: %w", i, err)
		}
		d.doc.Metadata[ds.Name] = ds
	}
	if spec.Plan == nil {
		return nil, fmt.Errorf("plan: missing plan")
	}
	root, err := d.op(spec.Plan, "plan")
	if err != nil {
		return nil, fmt.Errorf("plan: %w", err)
	}
	if err := d.doc.Context.ComputeTypeEnv(root); err != nil {
		return nil, fmt.Errorf("plan: %w", err)
	}
	d.doc.Root = root
	return d.doc, nil
}

func decodeDataset(s *datasetSpec) (*Dataset, error) {
	if s.Name == "" {
		return nil, fmt.Errorf("missing name")
	}
	ds := &Dataset{Name: s.Name}
	switch s.Kind {
	case "", "internal":
		ds.Kind = Internal
	case "external":
		ds.Kind = External
	default:
		return nil, fmt.Errorf("unknown dataset kind %q", s.Kind)
	}
	switch s.Format {
	case "", "column":
		ds.Format = ColumnFormat
	case "row":
		ds.Format = RowFormat
	default:
		return nil, fmt.Errorf("unknown dataset format %q", s.Format)
	}
	return ds, nil
}

type decoder struct {
	doc *Document
	// outer is the operator whose nested
	// plan is being decoded, if any
	outer Op
}

func (d *decoder) variable(name string) *expr.Var {
	if v, ok := d.doc.Vars[name]; ok {
		return v
	}
	v := d.doc.Context.NewVar(name, expr.AnyType)
	d.doc.Vars[name] = v
	return v
}

func (d *decoder) variables(names []string) []*expr.Var {
	out := make([]*expr.Var, len(names))
	for i := range names {
		out[i] = d.variable(names[i])
	}
	return out
}

func (d *decoder) binds(b []bindSpec, where string) ([]Binding, error) {
	out := make([]Binding, len(b))
	for i := range b {
		if b[i].Var == "" {
			return nil, fmt.Errorf("%s[%d]: missing var", where, i)
		}
		e, err := d.expr(b[i].Expr)
		if err != nil {
			return nil, fmt.Errorf("%s[%d]: %w", where, i, err)
		}
		out[i] = Binding{Var: d.variable(b[i].Var), Expr: e}
	}
	return out, nil
}

func (d *decoder) aggregate(s *opSpec, where string) (*Aggregate, error) {
	op, err := d.op(s, where)
	if err != nil {
		return nil, err
	}
	agg, ok := op.(*Aggregate)
	if !ok {
		return nil, fmt.Errorf("%s: nested plan must be rooted at an aggregate, not %s", where, op.Kind())
	}
	return agg, nil
}

func (d *decoder) nested(owner Op, s *opSpec, where string) (*Aggregate, error) {
	if s == nil {
		return nil, fmt.Errorf("%s: missing nested plan", where)
	}
	saved := d.outer
	d.outer = owner
	agg, err := d.aggregate(s, where)
	d.outer = saved
	return agg, err
}

func (d *decoder) input(s *opSpec, where string) (Op, error) {
	if s.Input == nil {
		return nil, fmt.Errorf("%s: %s: missing input", where, s.Op)
	}
	return d.op(s.Input, where+".input")
}

func (d *decoder) op(s *opSpec, where string) (Op, error) {
	kind, ok := KindByName(s.Op)
	if !ok {
		return nil, fmt.Errorf("%s: unknown operator %q", where, s.Op)
	}
	switch kind {
	case KindDataSourceScan:
		if s.Dataset == "" {
			return nil, fmt.Errorf("%s: data-scan: missing dataset", where)
		}
		if len(s.Vars) == 0 {
			return nil, fmt.Errorf("%s: data-scan: missing record variable", where)
		}
		return Scan(s.Dataset, d.variables(s.Vars)...), nil
	case KindEmptyTupleSource:
		return &EmptyTupleSource{}, nil
	case KindNestedTupleSource:
		if d.outer == nil {
			return nil, fmt.Errorf("%s: nested-tuple-source outside of a nested plan", where)
		}
		return &NestedTupleSource{Outer: d.outer}, nil
	case KindInnerJoin, KindLeftOuterJoin:
		if len(s.Inputs) != 2 {
			return nil, fmt.Errorf("%s: %s: need 2 inputs, have %d", where, s.Op, len(s.Inputs))
		}
		left, err := d.op(s.Inputs[0], where+".inputs[0]")
		if err != nil {
			return nil, err
		}
		right, err := d.op(s.Inputs[1], where+".inputs[1]")
		if err != nil {
			return nil, err
		}
		cond, err := d.expr(s.Cond)
		if err != nil {
			return nil, fmt.Errorf("%s: cond: %w", where, err)
		}
		j := NewJoin(cond, left, right)
		j.Outer = kind == KindLeftOuterJoin
		return j, nil
	}
	if !unaryKind(kind) {
		var in []Op
		if s.Input != nil {
			s.Inputs = append([]*opSpec{s.Input}, s.Inputs...)
		}
		for i := range s.Inputs {
			op, err := d.op(s.Inputs[i], where+".inputs["+strconv.Itoa(i)+"]")
			if err != nil {
				return nil, err
			}
			in = append(in, op)
		}
		return NewBoundary(kind, d.variables(s.Vars), in...), nil
	}
	in, err := d.input(s, where)
	if err != nil {
		return nil, err
	}
	switch kind {
	case KindSelect:
		cond, err := d.expr(s.Cond)
		if err != nil {
			return nil, fmt.Errorf("%s: cond: %w", where, err)
		}
		return NewSelect(cond, in), nil
	case KindProject:
		return NewProject(d.variables(s.Vars), in), nil
	case KindAssign:
		b, err := d.binds(s.Bind, where+".bind")
		if err != nil {
			return nil, err
		}
		return NewAssign(in, b...), nil
	case KindUnnest:
		if s.Var == "" {
			return nil, fmt.Errorf("%s: unnest: missing var", where)
		}
		e, err := d.expr(s.Expr)
		if err != nil {
			return nil, fmt.Errorf("%s: expr: %w", where, err)
		}
		u := NewUnnest(d.variable(s.Var), e, in)
		if s.Pos != "" {
			u.Pos = d.variable(s.Pos)
		}
		return u, nil
	case KindAggregate:
		b, err := d.binds(s.Bind, where+".bind")
		if err != nil {
			return nil, err
		}
		agg := &Aggregate{base: unary(in), Global: s.Global}
		for i := range b {
			c, ok := b[i].Expr.(*expr.Call)
			if !ok || c.Kind() != expr.Aggregate {
				return nil, fmt.Errorf("%s: bind[%d]: %s is not an aggregate", where, i, expr.ToString(b[i].Expr))
			}
			agg.Vars = append(agg.Vars, b[i].Var)
			agg.Exprs = append(agg.Exprs, c)
		}
		return agg, nil
	case KindGroupBy:
		keys, err := d.binds(s.Keys, where+".keys")
		if err != nil {
			return nil, err
		}
		g := NewGroupBy(s.Global, in, keys...)
		if g.Nested, err = d.nested(g, s.Nested, where+".nested"); err != nil {
			return nil, err
		}
		return g, nil
	case KindSubplan:
		sp := &Subplan{base: unary(in)}
		if sp.Nested, err = d.nested(sp, s.Nested, where+".nested"); err != nil {
			return nil, err
		}
		return sp, nil
	case KindOrder:
		o := NewOrder(in, -1)
		if s.TopK != nil {
			o.TopK = *s.TopK
		}
		for i := range s.Order {
			e, err := d.expr(s.Order[i].Expr)
			if err != nil {
				return nil, fmt.Errorf("%s: order[%d]: %w", where, i, err)
			}
			o.Keys = append(o.Keys, OrderKey{Expr: e, Desc: s.Order[i].Desc})
		}
		return o, nil
	case KindLimit:
		return NewLimit(s.N, in), nil
	case KindExchange:
		return &Exchange{base: unary(in), Redistribute: s.Redistribute}, nil
	}
	return nil, fmt.Errorf("%s: cannot decode %s", where, kind)
}

func unaryKind(k OpKind) bool {
	switch k {
	case KindSelect, KindProject, KindAssign, KindUnnest, KindAggregate,
		KindGroupBy, KindSubplan, KindOrder, KindLimit, KindExchange:
		return true
	}
	return false
}

func (d *decoder) expr(s *exprSpec) (expr.Node, error) {
	if s == nil {
		return nil, fmt.Errorf("missing expression")
	}
	switch {
	case s.Var != nil:
		return d.variable(*s.Var), nil
	case s.Path != "":
		parts := strings.Split(s.Path, ".")
		var e expr.Node = d.variable(parts[0])
		for _, f := range parts[1:] {
			e = expr.Field(e, f)
		}
		return e, nil
	case s.Int != nil:
		return expr.Int(*s.Int), nil
	case s.Float != nil:
		return expr.Float(*s.Float), nil
	case s.String != nil:
		return expr.String(*s.String), nil
	case s.Bool != nil:
		return expr.Bool(*s.Bool), nil
	case s.Null:
		return expr.Null(), nil
	case s.Missing:
		return &expr.Constant{Value: expr.Missing}, nil
	case s.Fn != "":
		fn, ok := expr.Lookup(s.Fn)
		if !ok {
			return nil, fmt.Errorf("unknown function %q", s.Fn)
		}
		c := &expr.Call{Fn: fn}
		for i := range s.Args {
			arg, err := d.expr(s.Args[i])
			if err != nil {
				return nil, fmt.Errorf("%s: argument %d: %w", s.Fn, i, err)
			}
			c.Args = append(c.Args, arg)
		}
		if s.Loc != "" {
			loc, err := parseLocation(s.Loc)
			if err != nil {
				return nil, err
			}
			c.Loc = loc
		}
		return c, nil
	}
	return nil, fmt.Errorf("empty expression")
}

func parseLocation(s string) (expr.Location, error) {
	line, col, ok := strings.Cut(s, ":")
	if !ok {
		return expr.Location{}, fmt.Errorf("bad location %q (want line:column)", s)
	}
	l, err := strconv.Atoi(line)
	if err != nil {
		return expr.Location{}, fmt.Errorf("bad location %q: %w", s, err)
	}
	c, err := strconv.Atoi(col)
	if err != nil {
		return expr.Location{}, fmt.Errorf("bad location %q: %w", s, err)
	}
	return expr.Location{Line: l, Column: c}, nil
}

// unmarshalStrict decodes a YAML 1.2 (or JSON)
// document into v through its json tags and
// rejects unknown fields. Under YAML 1.2 only
// true and false are booleans, so names like
// n, y, no or off stay strings.
func unmarshalStrict(buf []byte, v any) error {
	var doc any
	if err := yaml.Unmarshal(buf, &doc); err != nil {
		return err
	}
	js, err := json.Marshal(doc)
	if err != nil {
		return err
	}
	dec := json.NewDecoder(bytes.NewReader(js))
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}
