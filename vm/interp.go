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
	"errors"
	"fmt"

	"github.com/SnellerInc/scanfuse/expr"
	"github.com/SnellerInc/scanfuse/ir"
)

// Output is the result of running a function.
type Output struct {
	// Rows are the rows written to the sink.
	Rows [][]any
	// Flushed is set if the
	// function flushed the sink.
	Flushed bool
}

type cursor struct{ m *machine }

type sink struct {
	out *Output
}

func (s *sink) append(row []any) {
	s.out.Rows = append(s.out.Rows, row)
}

type machine struct {
	fn      *ir.MainFunction
	records []any
	pos     int

	// rec is the ordinal of the
	// current record plus one
	rec    int
	record any
	clock  int

	env     map[string]any
	drivers map[string]*column
	out     Output
}

// control is the outcome of running
// a statement list.
type control uint8

const (
	proceed control = iota
	breakLoop
	returnFn
)

// Run executes fn over records and returns
// the rows it wrote. The function must be
// frozen; each of its reader parameters is
// bound to a column reading the path the
// function declared for it.
func Run(fn *ir.MainFunction, records []any) (*Output, error) {
	if !fn.Frozen() {
		return nil, fmt.Errorf("vm.Run: function %s is not frozen", fn.Name)
	}
	m := &machine{
		fn:      fn,
		records: records,
		env:     make(map[string]any),
		drivers: make(map[string]*column),
	}
	m.env[fn.Cursor.Name] = &cursor{m: m}
	m.env[fn.Sink.Name] = &sink{out: &m.out}
	schemas := fn.Schemas()
	for i, r := range fn.Readers() {
		c := newColumn(m, r.Name, schemas[i])
		m.env[r.Name] = c
		if c.driver() {
			m.drivers[c.prefix.String()] = c
		}
	}
	if _, err := m.block(fn.Body); err != nil {
		errorf("vm: %s: %s", fn.Name, err)
		return nil, fmt.Errorf("vm.Run: %s: %w", fn.Name, err)
	}
	tracef("vm: %s: %d records, %d rows", fn.Name, m.pos, len(m.out.Rows))
	return &m.out, nil
}

func (m *machine) block(id ir.BlockID) (control, error) {
	if id == ir.Empty {
		return proceed, nil
	}
	b := m.fn.Block(id)
	if ctl, err := m.stmts(b.Head); ctl != proceed || err != nil {
		return ctl, err
	}
	return m.stmts(b.Tail)
}

func (m *machine) stmts(lst []ir.Node) (control, error) {
	for _, n := range lst {
		ctl, err := m.stmt(n)
		if ctl != proceed || err != nil {
			return ctl, err
		}
	}
	return proceed, nil
}

func (m *machine) stmt(n ir.Node) (control, error) {
	switch n := n.(type) {
	case *ir.Assign:
		v, err := m.eval(n.Value)
		if err != nil {
			return proceed, err
		}
		if !n.Decl {
			if _, ok := m.env[n.Target.Name]; !ok {
				return proceed, fmt.Errorf("assignment to undeclared %s", n.Target.Name)
			}
		}
		m.env[n.Target.Name] = v
	case *ir.If:
		c, err := m.eval(n.Cond)
		if err != nil {
			return proceed, err
		}
		if truth(c) {
			return m.block(n.Then)
		}
		return m.block(n.Else)
	case *ir.While:
		for {
			c, err := m.eval(n.Cond)
			if err != nil {
				return proceed, err
			}
			if !truth(c) {
				break
			}
			ctl, err := m.block(n.Body)
			if err != nil || ctl == returnFn {
				return ctl, err
			}
			if ctl == breakLoop {
				break
			}
		}
	case *ir.Break:
		return breakLoop, nil
	case *ir.Return:
		return returnFn, nil
	default:
		_, err := m.eval(n)
		return proceed, err
	}
	return proceed, nil
}

func (m *machine) eval(n ir.Node) (any, error) {
	switch n := n.(type) {
	case *ir.Literal:
		switch n.Kind {
		case ir.NullLiteral:
			return nil, nil
		case ir.MissingLiteral:
			return expr.Missing, nil
		}
		return n.Value, nil
	case *ir.Identifier:
		v, ok := m.env[n.Name]
		if !ok {
			return nil, fmt.Errorf("%s is undefined", n.Name)
		}
		return v, nil
	case *ir.UnaryOp:
		v, err := m.eval(n.Operand)
		if err != nil {
			return nil, err
		}
		if b, ok := v.(bool); ok {
			return !b, nil
		}
		return nil, nil
	case *ir.BinaryOp:
		a, err := m.eval(n.Left)
		if err != nil {
			return nil, err
		}
		b, err := m.eval(n.Right)
		if err != nil {
			return nil, err
		}
		return binaryOp(n.Op, a, b), nil
	case *ir.BuiltinCall:
		args, err := m.evalArgs(n.Args)
		if err != nil {
			return nil, err
		}
		return builtin(n.Fn, args)
	case *ir.ArrayGetValue:
		a, err := m.eval(n.Array)
		if err != nil {
			return nil, err
		}
		i, err := m.eval(n.Index)
		if err != nil {
			return nil, err
		}
		lst, _ := a.([]any)
		idx, ok := i.(int64)
		if !ok || idx < 0 || idx >= int64(len(lst)) {
			return expr.Missing, nil
		}
		return lst[idx], nil
	case *ir.MemberAccess:
		obj, err := m.eval(n.Object)
		if err != nil {
			return nil, err
		}
		args, err := m.evalArgs(n.Args)
		if err != nil {
			return nil, err
		}
		return m.invoke(obj, n.Member, args)
	}
	return nil, fmt.Errorf("cannot evaluate %T", n)
}

func (m *machine) evalArgs(lst []ir.Node) ([]any, error) {
	out := make([]any, len(lst))
	for i := range lst {
		v, err := m.eval(lst[i])
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

var errNoRecord = errors.New("no current record")

func (m *machine) invoke(obj any, member string, args []any) (any, error) {
	switch obj := obj.(type) {
	case *cursor:
		switch member {
		case ir.HasNext:
			if m.pos >= len(m.records) {
				m.record = nil
				return false, nil
			}
			m.record = m.records[m.pos]
			m.pos++
			m.rec = m.pos
			return true, nil
		case ir.Record:
			if m.rec == 0 {
				return nil, errNoRecord
			}
			return m.record, nil
		case ir.Meta:
			if m.rec == 0 {
				return nil, errNoRecord
			}
			return int64(m.rec - 1), nil
		}
	case *sink:
		switch member {
		case ir.Append:
			obj.append(args)
			return nil, nil
		case ir.Flush:
			m.out.Flushed = true
			return nil, nil
		}
	case *column:
		switch member {
		case ir.Next:
			return nil, obj.next()
		case ir.GetValue:
			return obj.getValue()
		case ir.IsEndOfArray:
			return obj.isEndOfArray()
		case ir.Materialize:
			return obj.materialize()
		}
	case aggregator:
		switch member {
		case ir.Accumulate:
			if err := argc(member, args, 2); err != nil {
				return nil, err
			}
			return nil, obj.add(args[0], args[1])
		case ir.Emit:
			if err := argc(member, args, 1); err != nil {
				return nil, err
			}
			s, ok := args[0].(*sink)
			if !ok {
				return nil, fmt.Errorf("emit: %T is not a sink", args[0])
			}
			return nil, obj.emit(s)
		}
	}
	return nil, fmt.Errorf("%T has no member %s", obj, member)
}
