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

package ir

import (
	"fmt"
	"io"
	"strconv"
	"strings"
)

// Format returns a textual dump of fn.
// The output is deterministic and is meant
// for diagnostics and tests.
func Format(fn *MainFunction) string {
	var out strings.Builder
	Fprint(&out, fn)
	return out.String()
}

// Fprint writes the dump of fn to w.
func Fprint(w io.Writer, fn *MainFunction) {
	p := printer{w: w, a: fn.Arena}
	params := fn.Params()
	names := make([]string, len(params))
	for i := range params {
		names[i] = params[i].Name
	}
	fmt.Fprintf(w, "func %s(%s) {\n", fn.Name, strings.Join(names, ", "))
	p.block(fn.Body, 1)
	io.WriteString(w, "}\n")
}

type printer struct {
	w io.Writer
	a *Arena
}

func (p *printer) line(depth int, s string) {
	io.WriteString(p.w, strings.Repeat("\t", depth))
	io.WriteString(p.w, s)
	io.WriteString(p.w, "\n")
}

func (p *printer) block(id BlockID, depth int) {
	for _, n := range p.a.Block(id).Statements() {
		p.stmt(n, depth)
	}
}

func (p *printer) stmt(n Node, depth int) {
	switch n := n.(type) {
	case *If:
		p.line(depth, "if "+Expr(n.Cond)+" {")
		p.block(n.Then, depth+1)
		if n.Else != Empty && len(p.a.Block(n.Else).Statements()) > 0 {
			p.line(depth, "} else {")
			p.block(n.Else, depth+1)
		}
		p.line(depth, "}")
	case *While:
		p.line(depth, "while "+Expr(n.Cond)+" {")
		p.block(n.Body, depth+1)
		p.line(depth, "}")
	case *Assign:
		prefix := ""
		if n.Decl {
			prefix = "var "
		}
		p.line(depth, prefix+n.Target.Name+" = "+Expr(n.Value))
	case *Break:
		p.line(depth, "break")
	case *Return:
		if n.Value == nil {
			p.line(depth, "return")
		} else {
			p.line(depth, "return "+Expr(n.Value))
		}
	default:
		p.line(depth, Expr(n))
	}
}

// Expr formats an expression node.
func Expr(n Node) string {
	var out strings.Builder
	writeExpr(&out, n)
	return out.String()
}

func args(dst *strings.Builder, lst []Node) {
	dst.WriteByte('(')
	for i := range lst {
		if i != 0 {
			dst.WriteString(", ")
		}
		writeExpr(dst, lst[i])
	}
	dst.WriteByte(')')
}

func writeExpr(dst *strings.Builder, n Node) {
	switch n := n.(type) {
	case nil:
		dst.WriteString("<nil>")
	case *Literal:
		literal(dst, n)
	case *Identifier:
		dst.WriteString(n.Name)
	case *UnaryOp:
		dst.WriteByte('!')
		writeExpr(dst, n.Operand)
	case *BinaryOp:
		if n.Op.Combinator() {
			dst.WriteString(n.Op.String())
			args(dst, []Node{n.Left, n.Right})
			return
		}
		dst.WriteByte('(')
		writeExpr(dst, n.Left)
		dst.WriteString(" " + n.Op.String() + " ")
		writeExpr(dst, n.Right)
		dst.WriteByte(')')
	case *BuiltinCall:
		dst.WriteString(string(n.Fn))
		args(dst, n.Args)
	case *MemberAccess:
		writeExpr(dst, n.Object)
		dst.WriteByte('.')
		dst.WriteString(n.Member)
		args(dst, n.Args)
	case *ArrayGetValue:
		writeExpr(dst, n.Array)
		dst.WriteByte('[')
		writeExpr(dst, n.Index)
		dst.WriteByte(']')
	case *Assign:
		dst.WriteString(n.Target.Name + " = ")
		writeExpr(dst, n.Value)
	case *Break:
		dst.WriteString("break")
	default:
		fmt.Fprintf(dst, "<%T>", n)
	}
}

func literal(dst *strings.Builder, l *Literal) {
	switch l.Kind {
	case NullLiteral:
		dst.WriteString("null")
	case MissingLiteral:
		dst.WriteString("missing")
	case BoolLiteral:
		dst.WriteString(strconv.FormatBool(l.Value.(bool)))
	case LongLiteral:
		dst.WriteString(strconv.FormatInt(l.Value.(int64), 10))
	case DoubleLiteral:
		dst.WriteString(strconv.FormatFloat(l.Value.(float64), 'g', -1, 64))
	case StringLiteral:
		dst.WriteString(strconv.Quote(l.Value.(string)))
	case RuntimeStringLiteral:
		dst.WriteString("u" + strconv.Quote(l.Value.(string)))
	}
}
