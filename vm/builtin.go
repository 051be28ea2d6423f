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
	"fmt"
	"strings"

	"github.com/SnellerInc/scanfuse/expr"
	"github.com/SnellerInc/scanfuse/ir"
)

// combine applies an accumulator combinator:
// an unknown operand yields the other one.
func combine(op byte, a, b any) any {
	if unknown(b) {
		return a
	}
	if unknown(a) {
		return b
	}
	switch op {
	case '+':
		return arith('+', a, b)
	case '<', '>':
		c, ok := compare(a, b)
		if !ok || (op == '<') == (c <= 0) {
			return a
		}
		return b
	}
	return a
}

func compareOp(op ir.BinaryKind, a, b any) any {
	if unknown(a) || unknown(b) {
		return nil
	}
	switch op {
	case ir.Eq:
		return equal(a, b)
	case ir.Ne:
		return !equal(a, b)
	}
	c, ok := compare(a, b)
	if !ok {
		return nil
	}
	switch op {
	case ir.Lt:
		return c < 0
	case ir.Le:
		return c <= 0
	case ir.Gt:
		return c > 0
	}
	return c >= 0
}

// logic implements three-valued AND and OR.
func logic(and bool, a, b any) any {
	x, xok := a.(bool)
	y, yok := b.(bool)
	if and {
		if xok && !x || yok && !y {
			return false
		}
	} else if xok && x || yok && y {
		return true
	}
	if xok && yok {
		return and
	}
	return nil
}

func binaryOp(op ir.BinaryKind, a, b any) any {
	switch op {
	case ir.Add:
		return arith('+', a, b)
	case ir.Sub:
		return arith('-', a, b)
	case ir.Mul:
		return arith('*', a, b)
	case ir.Div:
		return arith('/', a, b)
	case ir.Mod:
		return arith('%', a, b)
	case ir.And:
		return logic(true, a, b)
	case ir.Or:
		return logic(false, a, b)
	case ir.AddAggregate:
		return combine('+', a, b)
	case ir.Max:
		return combine('>', a, b)
	case ir.Min:
		return combine('<', a, b)
	}
	return compareOp(op, a, b)
}

func argc(name string, args []any, n int) error {
	if len(args) != n {
		return fmt.Errorf("%s: %d arguments; expected %d", name, len(args), n)
	}
	return nil
}

// builtin evaluates a runtime function.
func builtin(fn ir.Builtin, args []any) (any, error) {
	name := string(fn)
	switch fn {
	case ir.IsUnknown:
		if err := argc(name, args, 1); err != nil {
			return nil, err
		}
		return unknown(args[0]), nil
	case ir.OneOrZero:
		if err := argc(name, args, 1); err != nil {
			return nil, err
		}
		if unknown(args[0]) {
			return int64(0), nil
		}
		return int64(1), nil
	case ir.Length:
		if err := argc(name, args, 1); err != nil {
			return nil, err
		}
		lst, ok := args[0].([]any)
		if !ok {
			return expr.Missing, nil
		}
		return int64(len(lst)), nil
	case ir.MakeKey:
		return Key(append([]any(nil), args...)), nil
	case ir.NewHashAggregator:
		if err := argc(name, args, 2); err != nil {
			return nil, err
		}
		kind, _ := args[0].(string)
		budget, _ := args[1].(int64)
		return newHashAggregator(kind, budget)
	case ir.NewTopKAggregator:
		if err := argc(name, args, 2); err != nil {
			return nil, err
		}
		k, _ := args[0].(int64)
		min, _ := args[1].(bool)
		return newTopKAggregator(k, min), nil
	}
	return scalar(name, args)
}

// scalar evaluates a scalar query
// function by its name.
func scalar(name string, args []any) (any, error) {
	f, ok := expr.Lookup(name)
	if !ok || f.Kind() != expr.Scalar {
		return nil, fmt.Errorf("unknown function %q", name)
	}
	str := func(i int) (string, bool) {
		s, ok := args[i].(string)
		return s, ok
	}
	n := 1
	switch f {
	case expr.Contains, expr.StartsWith, expr.FieldAccessByName:
		n = 2
	}
	if err := argc(name, args, n); err != nil {
		return nil, err
	}
	switch f {
	case expr.IsMissing:
		return isMissing(args[0]), nil
	case expr.IsNull:
		return args[0] == nil, nil
	case expr.IsUnknown:
		return unknown(args[0]), nil
	}
	if isMissing(args[0]) {
		return expr.Missing, nil
	}
	switch f {
	case expr.FieldAccessByName:
		field, ok := str(1)
		if !ok {
			return expr.Missing, nil
		}
		return navigate(args[0], expr.FieldPath(field)), nil
	case expr.ArrayLength:
		return builtin(ir.Length, args)
	}
	if args[0] == nil {
		return nil, nil
	}
	switch f {
	case expr.Lowercase, expr.Uppercase, expr.StringLength:
		s, ok := str(0)
		if !ok {
			return expr.Missing, nil
		}
		switch f {
		case expr.Lowercase:
			return strings.ToLower(s), nil
		case expr.Uppercase:
			return strings.ToUpper(s), nil
		}
		return int64(len([]rune(s))), nil
	case expr.Contains, expr.StartsWith:
		s, ok := str(0)
		t, ok2 := str(1)
		if !ok || !ok2 {
			return expr.Missing, nil
		}
		if f == expr.Contains {
			return strings.Contains(s, t), nil
		}
		return strings.HasPrefix(s, t), nil
	case expr.Abs:
		switch v := args[0].(type) {
		case int64:
			if v < 0 {
				return -v, nil
			}
			return v, nil
		case float64:
			if v < 0 {
				return -v, nil
			}
			return v, nil
		}
		return expr.Missing, nil
	case expr.NumericUnaryMinus:
		return arith('-', int64(0), args[0]), nil
	}
	return nil, fmt.Errorf("function %q cannot be evaluated", name)
}
