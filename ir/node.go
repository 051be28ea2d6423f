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

// Package ir defines the intermediate representation
// emitted by the scan-function compiler.
//
// A program is one MainFunction whose body is a tree
// of Blocks held in an Arena. Every other Node is an
// immutable value; only Blocks (append-only) and the
// frozen path schemas of a MainFunction change after
// construction.
package ir

import (
	"strconv"
)

// Node is one IR node.
//
// The set of node types is closed;
// consumers are expected to switch
// exhaustively over the concrete types
// declared in this package.
type Node interface {
	node()
}

// LiteralKind is the runtime tag of a Literal.
type LiteralKind uint8

const (
	NullLiteral LiteralKind = iota
	MissingLiteral
	BoolLiteral
	LongLiteral
	DoubleLiteral
	StringLiteral
	// RuntimeStringLiteral is a string
	// in the representation used for
	// comparisons against column values.
	RuntimeStringLiteral
)

// Literal is a constant.
type Literal struct {
	Kind  LiteralKind
	Value any
}

// Identifier names a function parameter
// or a declared variable.
type Identifier struct {
	Name string
}

// UnaryKind is the operator of a UnaryOp.
type UnaryKind uint8

const (
	Not UnaryKind = iota
)

// UnaryOp is a unary operation.
type UnaryOp struct {
	Op      UnaryKind
	Operand Node
}

// BinaryKind is the operator of a BinaryOp.
type BinaryKind uint8

const (
	Add BinaryKind = iota
	Sub
	Mul
	Div
	Mod
	And
	Or
	Eq
	Ne
	Lt
	Le
	Gt
	Ge
	// AddAggregate, Max and Min are accumulator
	// combinators: a NULL or MISSING operand
	// yields the other operand instead of
	// propagating an unknown result.
	AddAggregate
	Max
	Min
)

var binaryText = [...]string{
	Add:          "+",
	Sub:          "-",
	Mul:          "*",
	Div:          "/",
	Mod:          "%",
	And:          "&&",
	Or:           "||",
	Eq:           "==",
	Ne:           "!=",
	Lt:           "<",
	Le:           "<=",
	Gt:           ">",
	Ge:           ">=",
	AddAggregate: "agg-add",
	Max:          "agg-max",
	Min:          "agg-min",
}

func (b BinaryKind) String() string {
	if int(b) < len(binaryText) {
		return binaryText[b]
	}
	return "BinaryKind(" + strconv.Itoa(int(b)) + ")"
}

// Combinator returns whether b is an
// accumulator combinator rather than
// a plain operator.
func (b BinaryKind) Combinator() bool {
	return b >= AddAggregate
}

// BinaryOp is a binary operation.
type BinaryOp struct {
	Op          BinaryKind
	Left, Right Node
}

// Builtin identifies a runtime function.
type Builtin string

// Builtins emitted by the compiler itself;
// scalar functions of the query are dispatched
// by their own names.
const (
	IsUnknown         Builtin = "is-unknown"
	OneOrZero         Builtin = "one-or-zero"
	Length            Builtin = "array-length"
	MakeKey           Builtin = "make-key"
	NewHashAggregator Builtin = "new-hash-aggregator"
	NewTopKAggregator Builtin = "new-topk-aggregator"
)

// BuiltinCall calls a runtime function.
type BuiltinCall struct {
	Fn   Builtin
	Args []Node
}

// Members invoked on readers, the cursor,
// the sink, and aggregators.
const (
	HasNext      = "hasNext"
	Next         = "next"
	GetValue     = "getValue"
	IsEndOfArray = "isEndOfArray"
	Materialize  = "materialize"
	Append       = "append"
	Flush        = "flush"
	Accumulate   = "add"
	Emit         = "emit"
	Record       = "record"
	Meta         = "meta"
)

// MemberAccess invokes Member on Object.
type MemberAccess struct {
	Object Node
	Member string
	Args   []Node
}

// ArrayGetValue reads Array[Index].
type ArrayGetValue struct {
	Array, Index Node
}

// Assign stores Value into Target.
// Decl is set on the statement that
// declares Target.
type Assign struct {
	Target *Identifier
	Value  Node
	Decl   bool
}

// If is a conditional; Else may be Empty.
type If struct {
	Cond       Node
	Then, Else BlockID
}

// While loops over Body while Cond holds.
type While struct {
	Cond Node
	Body BlockID
}

// Break leaves the innermost While.
type Break struct{}

// Return leaves the function;
// Value may be nil.
type Return struct {
	Value Node
}

func (*Literal) node()       {}
func (*Identifier) node()    {}
func (*UnaryOp) node()       {}
func (*BinaryOp) node()      {}
func (*BuiltinCall) node()   {}
func (*MemberAccess) node()  {}
func (*ArrayGetValue) node() {}
func (*Assign) node()        {}
func (*If) node()            {}
func (*While) node()         {}
func (*Break) node()         {}
func (*Return) node()        {}

// Null returns the NULL literal.
func Null() *Literal { return &Literal{Kind: NullLiteral} }

// MissingValue returns the MISSING literal.
func MissingValue() *Literal { return &Literal{Kind: MissingLiteral} }

// Bool returns a boolean literal.
func Bool(b bool) *Literal { return &Literal{Kind: BoolLiteral, Value: b} }

// Long returns an integer literal.
func Long(i int64) *Literal { return &Literal{Kind: LongLiteral, Value: i} }

// Double returns a floating-point literal.
func Double(f float64) *Literal { return &Literal{Kind: DoubleLiteral, Value: f} }

// String returns a plain string literal.
func String(s string) *Literal { return &Literal{Kind: StringLiteral, Value: s} }

// RuntimeString returns a string literal in
// the representation of column values.
func RuntimeString(s string) *Literal {
	return &Literal{Kind: RuntimeStringLiteral, Value: s}
}

// Negate returns !n.
func Negate(n Node) *UnaryOp { return &UnaryOp{Op: Not, Operand: n} }

// Binary returns (left op right).
func Binary(op BinaryKind, left, right Node) *BinaryOp {
	return &BinaryOp{Op: op, Left: left, Right: right}
}

// Call returns fn(args...).
func Call(fn Builtin, args ...Node) *BuiltinCall {
	return &BuiltinCall{Fn: fn, Args: args}
}

// Method returns obj.member(args...).
func Method(obj Node, member string, args ...Node) *MemberAccess {
	return &MemberAccess{Object: obj, Member: member, Args: args}
}

// Set returns the statement target = value.
func Set(target *Identifier, value Node) *Assign {
	return &Assign{Target: target, Value: value}
}
