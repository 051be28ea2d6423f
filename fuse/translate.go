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
)

var binaryOps = map[expr.Func]ir.BinaryKind{
	expr.Eq:              ir.Eq,
	expr.Neq:             ir.Ne,
	expr.Lt:              ir.Lt,
	expr.Le:              ir.Le,
	expr.Gt:              ir.Gt,
	expr.Ge:              ir.Ge,
	expr.NumericAdd:      ir.Add,
	expr.NumericSubtract: ir.Sub,
	expr.NumericMultiply: ir.Mul,
	expr.NumericDivide:   ir.Div,
	expr.NumericMod:      ir.Mod,
}

// scalarOnly returns whether every function
// applied within e is a scalar function.
func scalarOnly(e expr.Node) bool {
	c, ok := e.(*expr.Call)
	if !ok {
		return true
	}
	if c.Kind() != expr.Scalar {
		return false
	}
	for _, arg := range c.Args {
		if !scalarOnly(arg) {
			return false
		}
	}
	return true
}

// constant returns the literal for c.
func constant(c *expr.Constant) ir.Node {
	switch c.Tag() {
	case expr.TagBool:
		return ir.Bool(c.Value.(bool))
	case expr.TagInt:
		return ir.Long(c.Value.(int64))
	case expr.TagDouble:
		return ir.Double(c.Value.(float64))
	case expr.TagString:
		return ir.RuntimeString(c.Value.(string))
	case expr.TagNull:
		return ir.Null()
	case expr.TagMissing:
		return ir.MissingValue()
	}
	fail(ErrUnsupportedConstant, c, "constant %s (%T) has no literal form", expr.ToString(c), c.Value)
	return nil
}

// translate lowers a scalar expression
// to an IR expression evaluated in the
// current block.
func (x *codeContext) translate(e expr.Node) ir.Node {
	switch e := e.(type) {
	case *expr.Var:
		return x.getValue(e)
	case *expr.Constant:
		return constant(e)
	case *expr.Call:
		return x.call(e)
	}
	fail(ErrNonScalar, e, "unexpected expression %s", expr.ToString(e))
	return nil
}

func (x *codeContext) args(c *expr.Call) []ir.Node {
	out := make([]ir.Node, len(c.Args))
	for i := range c.Args {
		out[i] = x.translate(c.Args[i])
	}
	return out
}

func arity(c *expr.Call, n int) {
	if len(c.Args) != n {
		fail(ErrUnknownFunction, c, "%d arguments; expected %d", len(c.Args), n)
	}
}

func (x *codeContext) call(c *expr.Call) ir.Node {
	if c.Kind() != expr.Scalar {
		fail(ErrNonScalar, c, "%s function %s reached the scalar translator", c.Kind(), c.Fn)
	}
	if op, ok := binaryOps[c.Fn]; ok {
		arity(c, 2)
		if c.Fn == expr.Eq || c.Fn == expr.Neq {
			if flag := x.existsTest(c); flag != nil {
				if c.Fn == expr.Eq {
					return ir.Negate(flag)
				}
				return flag
			}
		}
		return ir.Binary(op, x.translate(c.Args[0]), x.translate(c.Args[1]))
	}
	switch c.Fn {
	case expr.Not:
		arity(c, 1)
		return ir.Negate(x.translate(c.Args[0]))
	case expr.And, expr.Or:
		return x.fold(c)
	case expr.SwitchCase:
		return x.switchCase(c)
	case expr.GetItem:
		return x.getItem(c)
	case expr.FieldAccessByName:
		if p, ok := x.schema.PathOf(c); ok {
			if !x.schema.Has(p) {
				fail(ErrUnboundPath, c, "path %s was not pushed down", p)
			}
			return x.getValueForPath(p)
		}
	}
	return ir.Call(ir.Builtin(c.Fn.String()), x.args(c)...)
}

// existsTest returns the flag of a fused EXISTS
// subplan if c compares its COUNT output with 0.
func (x *codeContext) existsTest(c *expr.Call) *ir.Identifier {
	for i := 0; i < 2; i++ {
		v, ok := c.Args[i].(*expr.Var)
		if !ok {
			continue
		}
		flag, ok := x.live.exists[v]
		if !ok {
			continue
		}
		if k, ok := c.Args[1-i].(*expr.Constant); ok && k.Tag() == expr.TagInt && k.Value.(int64) == 0 {
			x.consumed[v]++
			return flag
		}
	}
	return nil
}

// fold lowers a variadic and/or into
// left-nested binary operations.
func (x *codeContext) fold(c *expr.Call) ir.Node {
	if len(c.Args) == 0 {
		fail(ErrUnknownFunction, c, "no arguments")
	}
	op := ir.And
	if c.Fn == expr.Or {
		op = ir.Or
	}
	out := x.translate(c.Args[0])
	for _, arg := range c.Args[1:] {
		out = ir.Binary(op, out, x.translate(arg))
	}
	return out
}

// switchCase lowers switch-case(c1, v1, ..., cn, vn, default)
// into a chain of if/else statements assigning one
// fresh variable, and returns that variable.
func (x *codeContext) switchCase(c *expr.Call) ir.Node {
	if len(c.Args)%2 == 0 {
		fail(ErrUnknownFunction, c, "%d arguments; expected (condition, value) pairs and a default", len(c.Args))
	}
	a := x.arena()
	result := a.DeclareHere(x.cur, ir.Null())
	// readers read by any branch are advanced
	// here, once, whichever branch is taken
	for _, arg := range c.Args {
		x.advanceAll(arg)
	}
	saved := x.cur
	for i := 0; i+1 < len(c.Args); i += 2 {
		cond := x.translate(c.Args[i])
		then := a.New(x.cur, ir.TagCase)
		otherwise := a.New(x.cur, ir.TagCase)
		x.emit(&ir.If{Cond: cond, Then: then, Else: otherwise})
		x.cur = then
		x.emit(ir.Set(result, x.translate(c.Args[i+1])))
		x.cur = otherwise
	}
	x.emit(ir.Set(result, x.translate(c.Args[len(c.Args)-1])))
	x.cur = saved
	return result
}

// getItem lowers get-item over the output of a
// removed listify, which holds at most one item.
func (x *codeContext) getItem(c *expr.Call) ir.Node {
	arity(c, 2)
	v, ok := c.Args[0].(*expr.Var)
	if !ok {
		fail(ErrUnknownFunction, c, "indexing into %s is not supported", expr.ToString(c.Args[0]))
	}
	item, ok := x.live.listify[v]
	if !ok {
		fail(ErrUnknownFunction, c, "indexing into %s is not supported", v)
	}
	k, ok := c.Args[1].(*expr.Constant)
	if !ok || k.Tag() != expr.TagInt {
		fail(ErrUnknownFunction, c, "index %s into %s is not a constant integer", expr.ToString(c.Args[1]), v)
	}
	x.consumed[v]++
	if k.Value.(int64) == 0 {
		return item
	}
	return ir.MissingValue()
}
