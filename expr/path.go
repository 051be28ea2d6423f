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
	"strings"

	"golang.org/x/exp/slices"
)

// Step is one element of a Path.
// A Step with an empty Field and
// Elem set selects every array element.
type Step struct {
	Field string
	Elem  bool
}

// Path is a normalized field-access
// path into a scanned record.
type Path []Step

// FieldPath returns a path made only of field steps.
func FieldPath(fields ...string) Path {
	p := make(Path, len(fields))
	for i := range fields {
		p[i] = Step{Field: fields[i]}
	}
	return p
}

// Elem returns p with an array-element
// step appended.
func (p Path) Elem() Path {
	out := slices.Clone(p)
	return append(out, Step{Elem: true})
}

// Child returns p with a field step appended.
func (p Path) Child(field string) Path {
	out := slices.Clone(p)
	return append(out, Step{Field: field})
}

func (p Path) String() string {
	var out strings.Builder
	for i := range p {
		if p[i].Elem {
			out.WriteString("[*]")
			continue
		}
		if i != 0 {
			out.WriteByte('.')
		}
		out.WriteString(p[i].Field)
	}
	return out.String()
}

// Equal returns whether p and q are the same path.
func (p Path) Equal(q Path) bool {
	return slices.Equal(p, q)
}

// ArrayPrefix returns the longest prefix of p
// that ends in an array-element step, or nil
// if p does not traverse an array.
func (p Path) ArrayPrefix() Path {
	for i := len(p) - 1; i >= 0; i-- {
		if p[i].Elem {
			return p[:i+1]
		}
	}
	return nil
}

// HasPrefix returns whether q is a prefix of p.
func (p Path) HasPrefix(q Path) bool {
	return len(q) <= len(p) && slices.Equal(p[:len(q)], q)
}

// ParsePath parses the output of Path.String.
func ParsePath(s string) Path {
	var p Path
	for _, part := range strings.Split(s, ".") {
		name := part
		elems := 0
		for strings.HasSuffix(name, "[*]") {
			name = strings.TrimSuffix(name, "[*]")
			elems++
		}
		if name != "" {
			p = append(p, Step{Field: name})
		}
		for ; elems > 0; elems-- {
			p = append(p, Step{Elem: true})
		}
	}
	return p
}

// FieldChain returns the root variable and
// the field names of a chain of field accesses
// like $$rec.a.b, or ok=false if e is not such a chain.
func FieldChain(e Node) (root *Var, fields []string, ok bool) {
	for {
		switch n := e.(type) {
		case *Var:
			for i, j := 0, len(fields)-1; i < j; i, j = i+1, j-1 {
				fields[i], fields[j] = fields[j], fields[i]
			}
			return n, fields, len(fields) > 0
		case *Call:
			if n.Fn != FieldAccessByName || len(n.Args) != 2 {
				return nil, nil, false
			}
			c, isConst := n.Args[1].(*Constant)
			if !isConst || c.Tag() != TagString {
				return nil, nil, false
			}
			fields = append(fields, c.Value.(string))
			e = n.Args[0]
		default:
			return nil, nil, false
		}
	}
}
