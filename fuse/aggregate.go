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

// aggregatable returns whether c has
// an accumulator template.
func aggregatable(c *expr.Call) bool {
	f := c.Fn
	return f.IsCount() || f.IsSum() || f.IsMin() || f.IsMax()
}

// countStar returns whether c counts rows
// rather than non-unknown values.
func countStar(c *expr.Call) bool {
	return len(c.Args) == 0 || expr.IsConstant(c.Args[0])
}

// increment returns the amount c adds to
// its count for the current row.
func (x *codeContext) increment(c *expr.Call) ir.Node {
	if countStar(c) {
		return ir.Long(1)
	}
	return ir.Call(ir.OneOrZero, x.translate(c.Args[0]))
}

// seed returns the initial accumulator
// value of an aggregate: 0 for counts and
// for local sums, NULL for everything else.
func seed(f expr.Func) ir.Node {
	if f.ZeroSeeded() {
		return ir.Long(0)
	}
	return ir.Null()
}

func combinator(f expr.Func) ir.BinaryKind {
	switch {
	case f.IsSum():
		return ir.AddAggregate
	case f.IsMin():
		return ir.Min
	default:
		return ir.Max
	}
}

// accumulate declares an accumulator for c in
// home and updates it in the current block.
// It returns the accumulator.
func (x *codeContext) accumulate(c *expr.Call, home ir.BlockID) *ir.Identifier {
	if !aggregatable(c) {
		fail(ErrNonScalar, c, "aggregate %s has no accumulator", c.Fn)
	}
	acc := x.arena().Declare(home, seed(c.Fn))
	if c.Fn.IsCount() {
		x.emit(ir.Set(acc, ir.Binary(ir.Add, acc, x.increment(c))))
		return acc
	}
	arity(c, 1)
	x.emit(ir.Set(acc, ir.Binary(combinator(c.Fn), acc, x.translate(c.Args[0]))))
	return acc
}

// aggregatorKind returns the type tag of the
// generic aggregator that can compute c.
func aggregatorKind(c *expr.Call) (string, bool) {
	switch {
	case c.Fn.IsCount():
		return "COUNT", true
	case c.Fn.IsSum() && len(c.Args) == 1:
		if c.Fn.ZeroSeeded() {
			return "LOCAL_SUM", true
		}
		return "SUM", true
	}
	return "", false
}

// aggregatorValue returns the value
// c contributes for the current row
// to a generic aggregator.
func (x *codeContext) aggregatorValue(c *expr.Call) ir.Node {
	if c.Fn.IsCount() {
		return x.increment(c)
	}
	return x.translate(c.Args[0])
}
