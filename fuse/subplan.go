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
	"github.com/SnellerInc/scanfuse/expr"
	"github.com/SnellerInc/scanfuse/ir"
	"github.com/SnellerInc/scanfuse/plan"
)

// nestedChain returns the operators between top
// and the nested-tuple-source of sp, innermost
// first, if they can all be compiled inline.
func (c *compiler) nestedChain(top plan.Op, sp *plan.Subplan) ([]plan.Op, bool) {
	x := c.ctx
	var chain []plan.Op
	seen := make(map[string]bool)
	for op := top; op != nil; op = plan.Input(op) {
		switch op := op.(type) {
		case *plan.NestedTupleSource:
			if op.Outer != sp {
				return nil, false
			}
			for i, j := 0, len(chain)-1; i < j; i, j = i+1, j-1 {
				chain[i], chain[j] = chain[j], chain[i]
			}
			return chain, true
		case *plan.Select:
			if !scalarOnly(op.Cond) {
				return nil, false
			}
		case *plan.Assign:
			for _, e := range op.Exprs {
				if !scalarOnly(e) {
					return nil, false
				}
			}
		case *plan.Unnest:
			elem, ok := x.unnestElem(op.Expr)
			if !ok || seen[elem.String()] {
				return nil, false
			}
			seen[elem.String()] = true
		case *plan.Project:
		default:
			return nil, false
		}
		chain = append(chain, op)
	}
	return nil, false
}

// compileChain compiles the operators of a
// nested plan into the current block.
func (c *compiler) compileChain(chain []plan.Op) {
	x := c.ctx
	for _, op := range chain {
		switch op := op.(type) {
		case *plan.Select:
			x.selectOn(op.Cond)
		case *plan.Assign:
			for i := range op.Vars {
				x.assign(op.Vars[i], op.Exprs[i])
			}
		case *plan.Unnest:
			if !c.fuseUnnest(op) {
				fail(ErrUnboundPath, op.Expr, "cannot iterate %s in nested plan", expr.ToString(op.Expr))
			}
		}
	}
}

// nested compiles chain inside a nested scope
// and calls fn in the innermost block; the
// current block is restored afterwards.
func (c *compiler) nested(chain []plan.Op, fn func()) {
	x := c.ctx
	outer := x.cur
	token := x.enterNestedScope()
	c.compileChain(chain)
	fn()
	x.exitNestedScope(token)
	x.cur = outer
}

// fuseSubplan compiles the nested plan of sp
// into the current block if it matches one of
// the supported shapes.
func (c *compiler) fuseSubplan(sp *plan.Subplan, parent plan.Op) bool {
	nested := sp.Nested
	if nested == nil || len(nested.Exprs) != 1 || len(nested.Vars) != 1 {
		return false
	}
	call, out := nested.Exprs[0], nested.Vars[0]
	top := plan.Input(nested)
	switch {
	case call.Fn == expr.NonEmptyStream:
		chain, ok := c.nestedChain(top, sp)
		if !ok {
			return false
		}
		flag := c.exists(chain, true)
		c.ctx.bind(out, flag, nil)
		c.ctx.putOutput(out)
		return true
	case call.Fn.IsCount() && countStar(call) && c.existsTest(out, parent):
		chain, ok := c.nestedChain(top, sp)
		if !ok {
			return false
		}
		c.ctx.live.exists[out] = c.exists(chain, false)
		return true
	case call.Fn == expr.Listify && len(call.Args) == 1 && !c.unindexed[out]:
		return c.listify(sp, call, out)
	}
	return false
}

// existsTest returns whether the only use of
// v is a selection on v != 0 by parent.
func (c *compiler) existsTest(v *expr.Var, parent plan.Op) bool {
	sel, ok := parent.(*plan.Select)
	if !ok || c.uses[v] != 1 {
		return false
	}
	cond, ok := sel.Cond.(*expr.Call)
	if !ok || cond.Fn != expr.Neq || len(cond.Args) != 2 {
		return false
	}
	zero := func(e expr.Node) bool {
		k, ok := e.(*expr.Constant)
		return ok && k.Tag() == expr.TagInt && k.Value.(int64) == 0
	}
	a, b := cond.Args[0], cond.Args[1]
	return a == expr.Node(v) && zero(b) || b == expr.Node(v) && zero(a)
}

// exists returns a flag that is set
// if chain produces any tuple. If brk is
// set, the innermost loop of chain is left
// as soon as the flag is set.
func (c *compiler) exists(chain []plan.Op, brk bool) *ir.Identifier {
	x := c.ctx
	a := x.arena()
	outer := x.cur
	flag := a.Declare(outer, ir.Bool(false))
	c.nested(chain, func() {
		x.emit(ir.Set(flag, ir.Bool(true)))
		if !brk {
			return
		}
		loop := a.Enclosing(x.cur, ir.Tag.Loop)
		if loop != a.Enclosing(outer, ir.Tag.Loop) {
			x.emit(&ir.Break{})
		}
	})
	return flag
}

// listify fuses a listify whose output is
// only ever indexed at constant positions,
// either over the first tuple of an ordering
// limited to one tuple or over an aggregate.
func (c *compiler) listify(sp *plan.Subplan, call *expr.Call, out *expr.Var) bool {
	x := c.ctx
	switch in := plan.Input(sp.Nested).(type) {
	case *plan.Limit:
		o, ok := plan.Input(in).(*plan.Order)
		if !ok || in.N != 1 || len(o.Keys) != 1 || !scalarOnly(o.Keys[0].Expr) || !scalarOnly(call.Args[0]) {
			return false
		}
		chain, ok := c.nestedChain(plan.Input(o), sp)
		if !ok {
			return false
		}
		x.live.listify[out] = c.first(chain, o.Keys[0], call.Args[0])
		return true
	case *plan.Aggregate:
		if len(in.Exprs) != 1 || !aggregatable(in.Exprs[0]) {
			return false
		}
		if v, ok := call.Args[0].(*expr.Var); !ok || v != in.Vars[0] {
			return false
		}
		chain, ok := c.nestedChain(plan.Input(in), sp)
		if !ok {
			return false
		}
		outer := x.cur
		var acc *ir.Identifier
		c.nested(chain, func() {
			acc = x.accumulate(in.Exprs[0], outer)
		})
		x.live.listify[out] = acc
		return true
	}
	return false
}

// first returns the value of item for the
// tuple of chain that sorts first by key.
func (c *compiler) first(chain []plan.Op, key plan.OrderKey, item expr.Node) *ir.Identifier {
	x := c.ctx
	a := x.arena()
	outer := x.cur
	best := a.Declare(outer, ir.Null())
	payload := a.Declare(outer, ir.MissingValue())
	c.nested(chain, func() {
		k := x.temp(x.translate(key.Expr))
		p := x.temp(x.translate(item))
		cmp := ir.Lt
		if key.Desc {
			cmp = ir.Gt
		}
		then := a.New(x.cur, ir.TagSubplan)
		x.emit(&ir.If{
			Cond: ir.Binary(ir.Or, ir.Call(ir.IsUnknown, best), ir.Binary(cmp, k, best)),
			Then: then,
			Else: ir.Empty,
		})
		a.AppendHead(then, ir.Set(best, k))
		a.AppendHead(then, ir.Set(payload, p))
	})
	return payload
}
