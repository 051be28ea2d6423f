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
	"fmt"

	"github.com/SnellerInc/scanfuse/expr"
	"github.com/SnellerInc/scanfuse/ir"
	"github.com/SnellerInc/scanfuse/plan"

	"golang.org/x/exp/slices"
)

// getTopK returns the bound K of a global group-by
// that only feeds an ordering by its MIN or MAX
// results, and whether the smallest values win.
// It returns -1 if gb is not such a group-by.
func getTopK(gb *plan.GroupBy, parent plan.Op) (int, bool) {
	if !gb.Global || len(gb.Keys) != 1 || gb.Nested == nil {
		return -1, false
	}
	o, ok := parent.(*plan.Order)
	if !ok || o.TopK < 0 || len(o.Keys) == 0 {
		return -1, false
	}
	nested := gb.Nested
	if len(nested.Exprs) == 0 {
		return -1, false
	}
	for _, call := range nested.Exprs {
		if call.Fn != expr.GlobalMax && call.Fn != expr.GlobalMin {
			return -1, false
		}
	}
	for i := range o.Keys {
		v, ok := o.Keys[i].Expr.(*expr.Var)
		if !ok || !slices.Contains(nested.Vars, v) {
			return -1, false
		}
	}
	return o.TopK, !o.Keys[0].Desc
}

// localGroupBy returns whether gb can be
// considered for fusion at all: its nested plan
// must aggregate its input tuples directly and
// its keys must be scalar.
func localGroupBy(gb *plan.GroupBy) bool {
	if gb.Nested == nil {
		return false
	}
	if _, ok := plan.Input(gb.Nested).(*plan.NestedTupleSource); !ok {
		return false
	}
	for i := range gb.Keys {
		if !scalarOnly(gb.Keys[i].Expr) {
			return false
		}
	}
	for _, call := range gb.Nested.Exprs {
		for _, arg := range call.Args {
			if !scalarOnly(arg) {
				return false
			}
		}
	}
	return true
}

func (c *compiler) fuseGroupBy(op *plan.GroupBy, parent plan.Op) {
	if !localGroupBy(op) {
		c.closeScope("group-by")
		return
	}
	var how string
	switch {
	case c.unnestGroupBy(op):
		how = "per-record"
	case c.topKGroupBy(op):
		how = fmt.Sprintf("top-%d", c.topK.k)
	case c.generalGroupBy(op):
		how = "hash"
	default:
		c.closeScope("group-by")
		return
	}
	c.logf("%s: %s group-by on %d keys", c.ctx.scan.Dataset, how, len(op.Keys))
	if o, ok := plan.Input(op).(*plan.Order); ok && c.sortGroup[o] {
		c.removeOp(o, op)
	}
	c.removeOp(op, parent)
	c.closeScope("group-by output")
}

// unnestGroupBy fuses a group-by of the elements
// of an unnested array by keys that are constant
// across the array: every record forms its own
// group, aggregated by the unnest loop and
// emitted after it if the array had elements.
func (c *compiler) unnestGroupBy(op *plan.GroupBy) bool {
	x := c.ctx
	a := x.arena()
	loop := a.Enclosing(x.cur, func(t ir.Tag) bool { return t == ir.TagUnnest })
	if loop == ir.NoBlock {
		return false
	}
	nested := op.Nested
	if len(nested.Exprs) != 1 || !aggregatable(nested.Exprs[0]) {
		return false
	}
	for i := range op.Keys {
		if x.inLoop(op.Keys[i].Expr, loop) {
			return false
		}
	}
	outer := a.Block(loop).Parent
	flag := a.Declare(outer, ir.Bool(false))
	acc := x.accumulate(nested.Exprs[0], outer)
	x.emit(ir.Set(flag, ir.Bool(true)))

	then := a.New(outer, ir.TagGroupBy)
	a.AppendHead(outer, &ir.If{Cond: flag, Then: then, Else: ir.Empty})
	x.cur = then
	x.clearOutput()
	for i := range op.Keys {
		x.assign(op.Keys[i].Var, op.Keys[i].Expr)
	}
	x.bind(nested.Vars[0], acc, nil)
	x.putOutput(nested.Vars[0])
	return true
}

// topKGroupBy fuses a local group-by whose
// global phase only feeds the K best groups.
func (c *compiler) topKGroupBy(op *plan.GroupBy) bool {
	x := c.ctx
	k := c.topK
	if k.k < 0 || len(op.Keys) != 1 || len(op.Nested.Exprs) != 1 {
		return false
	}
	call := op.Nested.Exprs[0]
	if len(call.Args) != 1 || !(call.Fn.IsMin() && k.min || call.Fn.IsMax() && !k.min) {
		return false
	}
	fn := x.fn
	agg := x.arena().Declare(fn.Body, ir.Call(ir.NewTopKAggregator, ir.Long(int64(k.k)), ir.Bool(k.min)))
	key := x.translate(op.Keys[0].Expr)
	val := x.translate(call.Args[0])
	x.emit(ir.Method(agg, ir.Accumulate, key, val))
	x.emitters = append(x.emitters, agg)
	x.clearOutput()
	x.putOutput(op.Keys[0].Var)
	x.putOutput(op.Nested.Vars[0])
	return true
}

// generalGroupBy fuses a local group-by into
// a hash aggregator that emits one row per
// group after the record loop.
func (c *compiler) generalGroupBy(op *plan.GroupBy) bool {
	x := c.ctx
	if len(op.Nested.Exprs) != 1 || len(op.Keys) == 0 {
		return false
	}
	call := op.Nested.Exprs[0]
	kind, ok := aggregatorKind(call)
	if !ok {
		return false
	}
	budget := c.octx.PhysicalConfig().GroupByMemory()
	fn := x.fn
	agg := x.arena().Declare(fn.Body, ir.Call(ir.NewHashAggregator, ir.String(kind), ir.Long(budget)))
	var key ir.Node
	if len(op.Keys) == 1 {
		key = x.translate(op.Keys[0].Expr)
	} else {
		keys := make([]ir.Node, len(op.Keys))
		for i := range op.Keys {
			keys[i] = x.translate(op.Keys[i].Expr)
		}
		key = ir.Call(ir.MakeKey, keys...)
	}
	x.emit(ir.Method(agg, ir.Accumulate, key, x.aggregatorValue(call)))
	x.emitters = append(x.emitters, agg)
	x.clearOutput()
	for i := range op.Keys {
		x.putOutput(op.Keys[i].Var)
	}
	x.putOutput(op.Nested.Vars[0])
	return true
}
