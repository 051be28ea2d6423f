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
	"io"

	"github.com/SnellerInc/scanfuse/expr"
)

// Code classifies an Error.
type Code uint8

const (
	// ErrUnknownFunction is reported for a
	// function that has no lowering, such as
	// indexing into an array that is not the
	// result of a removed listify.
	ErrUnknownFunction Code = iota + 1
	// ErrIllegalRemoval is reported when an
	// operator that is not unary would have to
	// be spliced out of the plan.
	ErrIllegalRemoval
	// ErrNonScalar is reported when an aggregate,
	// stateful or unnesting function reaches
	// the scalar translator.
	ErrNonScalar
	// ErrUnboundPath is reported when a value is
	// read through a path or variable that has
	// no reader or binding in the current scope.
	ErrUnboundPath
	// ErrUnsupportedConstant is reported for a
	// constant with no literal representation.
	ErrUnsupportedConstant
)

var codeNames = [...]string{
	ErrUnknownFunction:     "unknown function",
	ErrIllegalRemoval:      "illegal removal",
	ErrNonScalar:           "non-scalar expression",
	ErrUnboundPath:         "unbound path",
	ErrUnsupportedConstant: "unsupported constant",
}

func (c Code) String() string {
	if int(c) < len(codeNames) && codeNames[c] != "" {
		return codeNames[c]
	}
	return fmt.Sprintf("Code(%d)", c)
}

// Error is a hard compilation error.
// When Compile returns an Error, the plan
// has been left exactly as it was passed in.
type Error struct {
	Code Code
	// Func and Loc identify the function
	// call the error is associated with, if any.
	Func string
	Loc  expr.Location
	// In is the expression being compiled, if any.
	In  expr.Node
	Msg string
}

// Error implements error
func (e *Error) Error() string {
	if e.Func != "" {
		return fmt.Sprintf("fuse: %s %s at %s: %s", e.Code, e.Func, e.Loc, e.Msg)
	}
	return fmt.Sprintf("fuse: %s: %s", e.Code, e.Msg)
}

// WriteTo implements io.WriterTo
//
// WriteTo writes a plaintext representation
// of the error to dst, including the expression
// associated with the error.
func (e *Error) WriteTo(dst io.Writer) (int64, error) {
	var n int
	var err error
	if e.In == nil {
		n, err = fmt.Fprintf(dst, "%s\n", e.Error())
	} else {
		n, err = fmt.Fprintf(dst, "in expression:\n\t%s\n%s\n", expr.ToString(e.In), e.Error())
	}
	return int64(n), err
}

// fail aborts compilation; the panic is
// recovered by Compile
func fail(code Code, in expr.Node, f string, args ...any) {
	e := &Error{
		Code: code,
		In:   in,
		Msg:  fmt.Sprintf(f, args...),
	}
	if c, ok := in.(*expr.Call); ok {
		e.Func = c.Fn.String()
		e.Loc = c.Loc
	}
	panic(e)
}
