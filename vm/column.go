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

	"github.com/SnellerInc/scanfuse/expr"
)

// column is the state of one reader parameter.
type column struct {
	m    *machine
	name string
	path expr.Path
	// prefix is the longest prefix of path
	// ending in an array element, and rest
	// the field steps that follow it
	prefix, rest expr.Path

	// driver state: the array being
	// iterated, the position within it
	// and the context it was loaded in
	arr []any
	idx int
	ctx context

	// gen changes whenever the
	// column is advanced
	gen int
	// at is the position of the driver
	// (or record) the column was last
	// advanced to
	at  context
	set bool
}

// context identifies the element of the
// enclosing array (or the record) that
// a column is positioned within.
type context struct {
	rec int
	gen int
}

func newColumn(m *machine, name string, p expr.Path) *column {
	c := &column{m: m, name: name, path: p, prefix: p.ArrayPrefix()}
	c.rest = p[len(c.prefix):]
	return c
}

func (c *column) driver() bool { return c.prefix != nil && len(c.rest) == 0 }

// outer returns the array prefix
// enclosing the array c iterates.
func outer(prefix expr.Path) expr.Path {
	if prefix == nil {
		return nil
	}
	return prefix[:len(prefix)-1].ArrayPrefix()
}

// positionOf returns the context of
// the element at the array prefix p.
func (m *machine) positionOf(p expr.Path) (context, error) {
	if p == nil {
		return context{rec: m.rec}, nil
	}
	d, err := m.driverOf(p)
	if err != nil {
		return context{}, err
	}
	return context{rec: m.rec, gen: d.gen}, nil
}

// driverOf returns the column iterating
// the array at prefix p.
func (m *machine) driverOf(p expr.Path) (*column, error) {
	d := m.drivers[p.String()]
	if d == nil {
		return nil, fmt.Errorf("no reader iterates %s", p)
	}
	return d, nil
}

// elementAt returns the current
// element of the array prefix p.
func (m *machine) elementAt(p expr.Path) (any, error) {
	if p == nil {
		return m.record, nil
	}
	d, err := m.driverOf(p)
	if err != nil {
		return nil, err
	}
	return d.current()
}

// arrayAt returns the array the array prefix p
// iterates within the current enclosing element.
func (m *machine) arrayAt(p expr.Path) ([]any, error) {
	o := outer(p)
	base, err := m.elementAt(o)
	if err != nil {
		return nil, err
	}
	lst, _ := navigate(base, p[len(o):len(p)-1]).([]any)
	return lst, nil
}

// navigate follows the field steps
// of p; any other step yields MISSING.
func navigate(v any, p expr.Path) any {
	for i := range p {
		m, ok := v.(map[string]any)
		if !ok || p[i].Elem {
			return expr.Missing
		}
		if v, ok = m[p[i].Field]; !ok {
			return expr.Missing
		}
	}
	return v
}

// next advances the column.
func (c *column) next() error {
	m := c.m
	m.clock++
	c.gen = m.clock
	if c.driver() {
		ctx, err := m.positionOf(outer(c.prefix))
		if err != nil {
			return fmt.Errorf("%s.next: %w", c.name, err)
		}
		if !c.set || ctx != c.ctx {
			arr, err := m.arrayAt(c.prefix)
			if err != nil {
				return fmt.Errorf("%s.next: %w", c.name, err)
			}
			c.ctx, c.arr, c.idx, c.set = ctx, arr, 0, true
		} else {
			c.idx++
		}
		return nil
	}
	at, err := m.positionOf(c.prefix)
	if err != nil {
		return fmt.Errorf("%s.next: %w", c.name, err)
	}
	c.at, c.set = at, true
	return nil
}

// advanced returns an error unless c has been
// advanced within the current context.
func (c *column) advanced() error {
	var want context
	var err error
	if c.driver() {
		want, err = c.m.positionOf(outer(c.prefix))
		if err == nil && (!c.set || c.ctx != want) {
			err = fmt.Errorf("%s read before advance", c.name)
		}
		return err
	}
	want, err = c.m.positionOf(c.prefix)
	if err == nil && (!c.set || c.at != want) {
		err = fmt.Errorf("%s read before advance", c.name)
	}
	return err
}

// current returns the element a
// driver column is positioned on.
func (c *column) current() (any, error) {
	if err := c.advanced(); err != nil {
		return nil, err
	}
	if c.idx >= len(c.arr) {
		return expr.Missing, nil
	}
	return c.arr[c.idx], nil
}

func (c *column) getValue() (any, error) {
	if c.driver() {
		return c.current()
	}
	if err := c.advanced(); err != nil {
		return nil, err
	}
	base, err := c.m.elementAt(c.prefix)
	if err != nil {
		return nil, err
	}
	return navigate(base, c.rest), nil
}

func (c *column) isEndOfArray() (bool, error) {
	if !c.driver() {
		return false, fmt.Errorf("%s: %s is not an array element", c.name, c.path)
	}
	if err := c.advanced(); err != nil {
		return false, err
	}
	return c.idx >= len(c.arr), nil
}

// materialize returns the value of the column
// for every element of its array within the
// current enclosing element.
func (c *column) materialize() (any, error) {
	if c.prefix == nil {
		return nil, fmt.Errorf("%s: %s is not within an array", c.name, c.path)
	}
	arr, err := c.m.arrayAt(c.prefix)
	if err != nil {
		return nil, err
	}
	out := make([]any, len(arr))
	for i := range arr {
		out[i] = navigate(arr[i], c.rest)
	}
	return out, nil
}
