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

// collection strips scan-collection
// from the argument of an unnest.
func collection(e expr.Node) expr.Node {
	if c, ok := e.(*expr.Call); ok && c.Fn == expr.ScanCollection && len(c.Args) == 1 {
		return c.Args[0]
	}
	return e
}

// unnestElem returns the element path of an
// array that can be iterated from the current
// block: the array must be a pushed-down path
// that is not already being iterated here.
func (x *codeContext) unnestElem(e expr.Node) (expr.Path, bool) {
	p, ok := x.schema.PathOf(collection(e))
	if !ok {
		return nil, false
	}
	elem := p.Elem()
	if !x.schema.Has(elem) {
		return nil, false
	}
	if r := x.existingReader(elem); r != nil && x.arena().IsBound(x.cur, r.Name) {
		return nil, false
	}
	if x.overridden(elem) {
		return nil, false
	}
	return elem, true
}

// fuseUnnest opens a loop over the elements of
// the unnested array and makes it the current
// block. It returns false if the array cannot
// be iterated here.
func (c *compiler) fuseUnnest(op *plan.Unnest) bool {
	x := c.ctx
	elem, ok := x.unnestElem(op.Expr)
	if !ok {
		return false
	}
	if op.Pos != nil {
		x.positionalLoop(op, elem)
	} else {
		x.loop(op, elem)
	}
	return true
}

// loop iterates elem by advancing its reader:
//
//	r.next()
//	while !r.isEndOfArray() { ...; r.next() }
func (x *codeContext) loop(op *plan.Unnest, elem expr.Path) {
	a := x.arena()
	r := x.reader(elem)
	x.use(r.Name)
	x.emit(ir.Method(r, ir.Next))
	a.Bind(x.cur, r.Name)
	body := a.New(x.cur, ir.TagUnnest)
	x.emit(&ir.While{
		Cond: ir.Negate(ir.Method(r, ir.IsEndOfArray)),
		Body: body,
	})
	a.AppendTail(body, ir.Method(r, ir.Next))
	a.Bind(body, r.Name)
	x.enterLoop(op.Var, body, elem)
}

// positionalLoop iterates a materialized
// copy of elem by index, binding the index
// (starting at 0) to the position variable.
func (x *codeContext) positionalLoop(op *plan.Unnest, elem expr.Path) {
	a := x.arena()
	r := x.reader(elem)
	x.use(r.Name)
	arr := a.DeclareHere(x.cur, ir.Method(r, ir.Materialize))
	idx := a.DeclareHere(x.cur, ir.Long(0))
	body := a.New(x.cur, ir.TagUnnest)
	x.emit(&ir.While{
		Cond: ir.Binary(ir.Lt, idx, ir.Call(ir.Length, arr)),
		Body: body,
	})
	a.AppendTail(body, ir.Set(idx, ir.Binary(ir.Add, idx, ir.Long(1))))
	a.SetOverride(body, r.Name, ir.Override{Array: arr, Index: idx})
	a.Bind(body, r.Name)
	x.enterLoop(op.Var, body, elem)
	x.bind(op.Pos, idx, []string{r.Name})
	x.putOutput(op.Pos)
}

func (x *codeContext) enterLoop(v *expr.Var, body ir.BlockID, elem expr.Path) {
	x.loops[body] = elem
	x.live.values[v] = binding{path: elem}
	delete(x.live.memos, v)
	x.putOutput(v)
	x.cur = body
}
