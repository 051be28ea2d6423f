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

package expr

import (
	"fmt"
	"strconv"
	"strings"
)

// Node is a logical expression.
type Node interface {
	// Equals returns whether two expressions
	// are structurally identical.
	Equals(Node) bool

	text(dst *strings.Builder)
}

// ToString returns the textual
// representation of an expression.
func ToString(n Node) string {
	if n == nil {
		return "<nil>"
	}
	var out strings.Builder
	n.text(&out)
	return out.String()
}

// Equal returns whether a and b are both nil
// or structurally identical.
func Equal(a, b Node) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return a.Equals(b)
}

// Type is the static type of a variable
// as recorded in a type environment.
type Type uint8

const (
	AnyType Type = iota
	BoolType
	IntType
	DoubleType
	StringType
	ListType
	RecordType
)

var typeNames = [...]string{
	AnyType:    "any",
	BoolType:   "boolean",
	IntType:    "bigint",
	DoubleType: "double",
	StringType: "string",
	ListType:   "list",
	RecordType: "record",
}

func (t Type) String() string {
	if int(t) < len(typeNames) {
		return typeNames[t]
	}
	return "Type(" + strconv.Itoa(int(t)) + ")"
}

// Var is a logical variable.
//
// Variables are compared by identity
// (two *Var are the same variable iff
// they are the same pointer); ID is used
// for printing and for ordering.
type Var struct {
	ID   int
	Name string
	Type Type
}

func (v *Var) Equals(n Node) bool {
	v2, ok := n.(*Var)
	return ok && v == v2
}

func (v *Var) text(dst *strings.Builder) {
	dst.WriteString(v.String())
}

func (v *Var) String() string {
	if v.Name != "" {
		return "$$" + v.Name
	}
	return "$$" + strconv.Itoa(v.ID)
}

// Tag is the runtime type tag of a constant.
type Tag uint8

const (
	TagOther Tag = iota
	TagMissing
	TagNull
	TagBool
	TagInt
	TagDouble
	TagString
)

// missing is the type of Missing
type missing struct{}

// Missing is the constant value MISSING.
var Missing = missing{}

func (missing) String() string { return "missing" }

// Constant is a literal value.
//
// Value is one of nil (NULL), Missing,
// bool, int64, float64, string, or any
// other Go value (which has TagOther).
type Constant struct {
	Value any
}

// Tag returns the runtime tag of the constant.
func (c *Constant) Tag() Tag {
	switch c.Value.(type) {
	case nil:
		return TagNull
	case missing:
		return TagMissing
	case bool:
		return TagBool
	case int64:
		return TagInt
	case float64:
		return TagDouble
	case string:
		return TagString
	default:
		return TagOther
	}
}

func (c *Constant) Equals(n Node) bool {
	c2, ok := n.(*Constant)
	if !ok || c.Tag() != c2.Tag() {
		return false
	}
	if c.Tag() == TagOther {
		return fmt.Sprint(c.Value) == fmt.Sprint(c2.Value)
	}
	return c.Value == c2.Value
}

func (c *Constant) text(dst *strings.Builder) {
	switch v := c.Value.(type) {
	case nil:
		dst.WriteString("null")
	case string:
		dst.WriteString(strconv.Quote(v))
	case float64:
		dst.WriteString(strconv.FormatFloat(v, 'g', -1, 64))
	default:
		fmt.Fprint(dst, v)
	}
}

// Int returns an integer constant.
func Int(i int64) *Constant { return &Constant{Value: i} }

// Float returns a double constant.
func Float(f float64) *Constant { return &Constant{Value: f} }

// String returns a string constant.
func String(s string) *Constant { return &Constant{Value: s} }

// Bool returns a boolean constant.
func Bool(b bool) *Constant { return &Constant{Value: b} }

// Null returns the NULL constant.
func Null() *Constant { return &Constant{Value: nil} }

// IsConstant returns whether e is a constant.
func IsConstant(e Node) bool {
	_, ok := e.(*Constant)
	return ok
}

// Location is the position in the query
// text from which an expression originates.
type Location struct {
	Line, Column int
}

func (l Location) String() string {
	return fmt.Sprintf("%d:%d", l.Line, l.Column)
}

// Call is a function application.
type Call struct {
	Fn   Func
	Args []Node
	Loc  Location
}

// Kind returns the kind of the function being applied.
func (c *Call) Kind() Kind { return c.Fn.Kind() }

func (c *Call) Equals(n Node) bool {
	c2, ok := n.(*Call)
	if !ok || c.Fn != c2.Fn || len(c.Args) != len(c2.Args) {
		return false
	}
	for i := range c.Args {
		if !Equal(c.Args[i], c2.Args[i]) {
			return false
		}
	}
	return true
}

func (c *Call) text(dst *strings.Builder) {
	dst.WriteString(c.Fn.String())
	dst.WriteByte('(')
	for i := range c.Args {
		if i != 0 {
			dst.WriteString(", ")
		}
		c.Args[i].text(dst)
	}
	dst.WriteByte(')')
}

// Apply constructs a call to fn.
func Apply(fn Func, args ...Node) *Call {
	return &Call{Fn: fn, Args: args}
}

// Field constructs a field-access-by-name
// call on the given expression.
func Field(e Node, name string) *Call {
	return Apply(FieldAccessByName, e, String(name))
}

// Vars returns the set of variables
// referenced by e, in the order they
// first appear.
func Vars(e Node) []*Var {
	var out []*Var
	var walk func(Node)
	walk = func(e Node) {
		switch e := e.(type) {
		case *Var:
			for _, v := range out {
				if v == e {
					return
				}
			}
			out = append(out, e)
		case *Call:
			for _, a := range e.Args {
				walk(a)
			}
		}
	}
	walk(e)
	return out
}
