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

package plan

import (
	"bufio"
	"fmt"
	"io"
	"strings"

	"github.com/SnellerInc/scanfuse/expr"
)

// Describe writes a textual representation
// of the plan rooted at op to w, one
// operator per line, inputs indented
// below the operators that consume them.
func Describe(w io.Writer, op Op) error {
	bw := bufio.NewWriter(w)
	describe(bw, op, 0)
	return bw.Flush()
}

func varlist(vars []*expr.Var) string {
	var sb strings.Builder
	sb.WriteByte('[')
	for i, v := range vars {
		if i != 0 {
			sb.WriteString(", ")
		}
		sb.WriteString(v.String())
	}
	sb.WriteByte(']')
	return sb.String()
}

func bindlist(vars []*expr.Var, exprs func(i int) expr.Node) string {
	var sb strings.Builder
	sb.WriteByte('[')
	for i, v := range vars {
		if i != 0 {
			sb.WriteString(", ")
		}
		sb.WriteString(v.String())
		sb.WriteString(" <- ")
		sb.WriteString(expr.ToString(exprs(i)))
	}
	sb.WriteByte(']')
	return sb.String()
}

// Text returns a one-line description of op
// that does not include its inputs.
func Text(op Op) string {
	switch op := op.(type) {
	case *DataSourceScan:
		s := fmt.Sprintf("%s %s %s", op.Kind(), op.Dataset, varlist(op.Vars))
		if op.Function != "" {
			s += fmt.Sprintf(" -> %s %s", op.Function, varlist(op.FusedOutputs))
		}
		return s
	case *Select:
		return fmt.Sprintf("%s (%s)", op.Kind(), expr.ToString(op.Cond))
	case *Project:
		return fmt.Sprintf("%s %s", op.Kind(), varlist(op.Vars))
	case *Assign:
		return fmt.Sprintf("%s %s", op.Kind(), bindlist(op.Vars, func(i int) expr.Node { return op.Exprs[i] }))
	case *Unnest:
		s := fmt.Sprintf("%s %s", op.Kind(), op.Var)
		if op.Pos != nil {
			s += " at " + op.Pos.String()
		}
		return s + " <- " + expr.ToString(op.Expr)
	case *Aggregate:
		s := fmt.Sprintf("%s %s", op.Kind(), bindlist(op.Vars, func(i int) expr.Node { return op.Exprs[i] }))
		if op.Global {
			s += " global"
		}
		return s
	case *GroupBy:
		vars := make([]*expr.Var, len(op.Keys))
		for i := range op.Keys {
			vars[i] = op.Keys[i].Var
		}
		s := fmt.Sprintf("%s %s", op.Kind(), bindlist(vars, func(i int) expr.Node { return op.Keys[i].Expr }))
		if op.Global {
			s += " global"
		}
		return s
	case *Order:
		var sb strings.Builder
		sb.WriteString(op.Kind().String())
		for i := range op.Keys {
			sb.WriteByte(' ')
			sb.WriteString(expr.ToString(op.Keys[i].Expr))
			if op.Keys[i].Desc {
				sb.WriteString(" desc")
			} else {
				sb.WriteString(" asc")
			}
		}
		if op.TopK >= 0 {
			fmt.Fprintf(&sb, " topk %d", op.TopK)
		}
		return sb.String()
	case *Limit:
		return fmt.Sprintf("%s %d", op.Kind(), op.N)
	case *Exchange:
		if op.Redistribute {
			return op.Kind().String() + " redistribute"
		}
		return op.Kind().String()
	case *Join:
		return fmt.Sprintf("%s (%s)", op.Kind(), expr.ToString(op.Cond))
	case *Boundary:
		if len(op.Vars) > 0 {
			return fmt.Sprintf("%s %s", op.Kind(), varlist(op.Vars))
		}
	}
	return op.Kind().String()
}

func describe(w *bufio.Writer, op Op, depth int) {
	indent := strings.Repeat("  ", depth)
	w.WriteString(indent)
	w.WriteString(Text(op))
	w.WriteByte('\n')
	if nested := NestedRoot(op); nested != nil {
		w.WriteString(indent)
		w.WriteString("  {\n")
		describe(w, nested, depth+2)
		w.WriteString(indent)
		w.WriteString("  }\n")
	}
	for _, in := range op.Inputs() {
		describe(w, in, depth+1)
	}
}
