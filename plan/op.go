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
	"strconv"

	"github.com/SnellerInc/scanfuse/expr"
)

// OpKind identifies the kind of an Op.
type OpKind uint8

const (
	KindDataSourceScan OpKind = iota
	KindEmptyTupleSource
	KindNestedTupleSource
	KindSelect
	KindProject
	KindAssign
	KindUnnest
	KindAggregate
	KindGroupBy
	KindSubplan
	KindOrder
	KindLimit
	KindExchange
	KindInnerJoin
	KindLeftOuterJoin
	KindDistinct
	KindReplicate
	KindSplit
	KindMaterialize
	KindUnionAll
	KindIntersect
	KindTokenize
	KindForward
	KindWindow
	KindScript
	KindWrite
	KindInsertDeleteUpsert
	KindUnnestMap
	KindDistributeResult

	maxKind
)

var kindNames = [maxKind]string{
	KindDataSourceScan:     "data-scan",
	KindEmptyTupleSource:   "empty-tuple-source",
	KindNestedTupleSource:  "nested-tuple-source",
	KindSelect:             "select",
	KindProject:            "project",
	KindAssign:             "assign",
	KindUnnest:             "unnest",
	KindAggregate:          "aggregate",
	KindGroupBy:            "group-by",
	KindSubplan:            "subplan",
	KindOrder:              "order",
	KindLimit:              "limit",
	KindExchange:           "exchange",
	KindInnerJoin:          "inner-join",
	KindLeftOuterJoin:      "left-outer-join",
	KindDistinct:           "distinct",
	KindReplicate:          "replicate",
	KindSplit:              "split",
	KindMaterialize:        "materialize",
	KindUnionAll:           "union-all",
	KindIntersect:          "intersect",
	KindTokenize:           "tokenize",
	KindForward:            "forward",
	KindWindow:             "window",
	KindScript:             "script",
	KindWrite:              "write",
	KindInsertDeleteUpsert: "insert-delete-upsert",
	KindUnnestMap:          "unnest-map",
	KindDistributeResult:   "distribute-result",
}

func (k OpKind) String() string {
	if k < maxKind {
		return kindNames[k]
	}
	return "OpKind(" + strconv.Itoa(int(k)) + ")"
}

// KindByName returns the kind with the given name.
func KindByName(name string) (OpKind, bool) {
	for i := range kindNames {
		if kindNames[i] == name {
			return OpKind(i), true
		}
	}
	return 0, false
}

// Op is one logical operator.
type Op interface {
	Kind() OpKind
	// Inputs returns the operators
	// that produce the input of Op.
	// The returned slice must not be modified;
	// use SetInput instead.
	Inputs() []Op
	// SetInput replaces the i-th input.
	SetInput(i int, in Op)
	// TypeEnv returns the type environment
	// last computed for the output of Op,
	// or nil if none has been computed.
	TypeEnv() TypeEnv

	setEnv(TypeEnv)
	// produce computes the output environment
	// of the operator from the environments
	// of its inputs
	produce(in []TypeEnv) (TypeEnv, error)
}

type base struct {
	in  []Op
	env TypeEnv
}

func (b *base) Inputs() []Op          { return b.in }
func (b *base) SetInput(i int, in Op) { b.in[i] = in }
func (b *base) TypeEnv() TypeEnv      { return b.env }
func (b *base) setEnv(env TypeEnv)    { b.env = env }

func unary(in Op) base { return base{in: []Op{in}} }

// Input returns the single input of a
// unary operator, or nil otherwise.
func Input(op Op) Op {
	if in := op.Inputs(); len(in) == 1 {
		return in[0]
	}
	return nil
}

// Binding associates a variable
// with the expression that computes it.
type Binding struct {
	Var  *expr.Var
	Expr expr.Node
}

// DataSourceScan scans a dataset.
// Vars[0] is the record variable; any
// other variables are scan metadata.
type DataSourceScan struct {
	base
	Dataset string
	Vars    []*expr.Var

	// Function is the name of the scan function
	// that replaced the operators above the scan,
	// and FusedOutputs its output variables.
	// Both are empty until the scan is fused.
	Function     string
	FusedOutputs []*expr.Var
}

func (s *DataSourceScan) Kind() OpKind { return KindDataSourceScan }

// Record returns the record variable of the scan.
func (s *DataSourceScan) Record() *expr.Var {
	if len(s.Vars) == 0 {
		return nil
	}
	return s.Vars[0]
}

// Scan returns a scan of the given dataset.
func Scan(dataset string, vars ...*expr.Var) *DataSourceScan {
	return &DataSourceScan{Dataset: dataset, Vars: vars}
}

// EmptyTupleSource produces a single empty tuple.
type EmptyTupleSource struct{ base }

func (*EmptyTupleSource) Kind() OpKind { return KindEmptyTupleSource }

// NestedTupleSource is the leaf of a nested plan;
// it produces the current tuple of Outer's input.
type NestedTupleSource struct {
	base
	Outer Op
}

func (*NestedTupleSource) Kind() OpKind { return KindNestedTupleSource }

// Select filters its input by Cond.
type Select struct {
	base
	Cond expr.Node
}

func (*Select) Kind() OpKind { return KindSelect }

// NewSelect returns a Select over in.
func NewSelect(cond expr.Node, in Op) *Select {
	return &Select{base: unary(in), Cond: cond}
}

// Project restricts its input to Vars.
type Project struct {
	base
	Vars []*expr.Var
}

func (*Project) Kind() OpKind { return KindProject }

// NewProject returns a Project over in.
func NewProject(vars []*expr.Var, in Op) *Project {
	return &Project{base: unary(in), Vars: vars}
}

// Assign extends each input tuple
// with Vars[i] := Exprs[i].
type Assign struct {
	base
	Vars  []*expr.Var
	Exprs []expr.Node
}

func (*Assign) Kind() OpKind { return KindAssign }

// NewAssign returns an Assign over in.
func NewAssign(in Op, binds ...Binding) *Assign {
	a := &Assign{base: unary(in)}
	for i := range binds {
		a.Vars = append(a.Vars, binds[i].Var)
		a.Exprs = append(a.Exprs, binds[i].Expr)
	}
	return a
}

// Unnest produces one tuple per element
// of the collection computed by Expr.
// Pos, if non-nil, is bound to the
// position of the element.
type Unnest struct {
	base
	Var  *expr.Var
	Pos  *expr.Var
	Expr expr.Node
}

func (*Unnest) Kind() OpKind { return KindUnnest }

// NewUnnest returns an Unnest over in.
func NewUnnest(v *expr.Var, e expr.Node, in Op) *Unnest {
	return &Unnest{base: unary(in), Var: v, Expr: e}
}

// Aggregate reduces its input to one tuple
// with Vars[i] := Exprs[i] for aggregate calls.
// Global is set on the final (merging) phase
// of a split aggregation.
type Aggregate struct {
	base
	Vars   []*expr.Var
	Exprs  []*expr.Call
	Global bool
}

func (*Aggregate) Kind() OpKind { return KindAggregate }

// NewAggregate returns an Aggregate over in.
func NewAggregate(global bool, in Op, vars []*expr.Var, exprs ...*expr.Call) *Aggregate {
	return &Aggregate{base: unary(in), Vars: vars, Exprs: exprs, Global: global}
}

// GroupBy groups its input by Keys and
// evaluates the nested plan rooted at
// Nested once per group.
type GroupBy struct {
	base
	Keys   []Binding
	Nested *Aggregate
	Global bool
}

func (*GroupBy) Kind() OpKind { return KindGroupBy }

// NewGroupBy returns a group-by of in by keys.
// The caller sets Nested.
func NewGroupBy(global bool, in Op, keys ...Binding) *GroupBy {
	return &GroupBy{base: unary(in), Keys: keys, Global: global}
}

// Subplan evaluates the nested plan
// rooted at Nested once per input tuple.
type Subplan struct {
	base
	Nested *Aggregate
}

func (*Subplan) Kind() OpKind { return KindSubplan }

// OrderKey is one sort key.
type OrderKey struct {
	Expr expr.Node
	Desc bool
}

// Order sorts its input. TopK, when
// non-negative, is the number of leading
// tuples actually consumed by the parent.
type Order struct {
	base
	Keys []OrderKey
	TopK int
}

func (*Order) Kind() OpKind { return KindOrder }

// NewOrder returns an ordering of in by keys.
func NewOrder(in Op, topK int, keys ...OrderKey) *Order {
	return &Order{base: unary(in), Keys: keys, TopK: topK}
}

// Limit passes at most N tuples.
type Limit struct {
	base
	N int64
}

func (*Limit) Kind() OpKind { return KindLimit }

// NewLimit returns a limit of in to n tuples.
func NewLimit(n int64, in Op) *Limit {
	return &Limit{base: unary(in), N: n}
}

// Exchange moves tuples between partitions.
// An exchange without redistribution is a
// one-to-one connector.
type Exchange struct {
	base
	Redistribute bool
}

func (*Exchange) Kind() OpKind { return KindExchange }

// Join joins its two inputs on Cond.
type Join struct {
	base
	Cond  expr.Node
	Outer bool
}

func (j *Join) Kind() OpKind {
	if j.Outer {
		return KindLeftOuterJoin
	}
	return KindInnerJoin
}

// NewJoin returns a join of left and right.
func NewJoin(cond expr.Node, left, right Op) *Join {
	return &Join{base: base{in: []Op{left, right}}, Cond: cond}
}

// Boundary is any other operator kind:
// distinct, replicate, union, window, write,
// distribute-result and the like. Vars are
// the variables the operator adds, if any.
type Boundary struct {
	base
	Tag  OpKind
	Vars []*expr.Var
}

func (b *Boundary) Kind() OpKind { return b.Tag }

// NewBoundary returns a Boundary of the given kind.
func NewBoundary(kind OpKind, vars []*expr.Var, in ...Op) *Boundary {
	return &Boundary{base: base{in: in}, Tag: kind, Vars: vars}
}

// Walk calls fn for op and each operator
// reachable from it through inputs and
// nested plans, visiting each operator once,
// inputs before the operators that consume them.
func Walk(op Op, fn func(Op)) {
	seen := make(map[Op]bool)
	var walk func(Op)
	walk = func(op Op) {
		if op == nil || seen[op] {
			return
		}
		seen[op] = true
		for _, in := range op.Inputs() {
			walk(in)
		}
		if nested := NestedRoot(op); nested != nil {
			walk(nested)
		}
		fn(op)
	}
	walk(op)
}

// NestedRoot returns the root of the nested
// plan of a GroupBy or Subplan, or nil.
func NestedRoot(op Op) *Aggregate {
	switch op := op.(type) {
	case *GroupBy:
		return op.Nested
	case *Subplan:
		return op.Nested
	}
	return nil
}
