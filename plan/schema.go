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
	"encoding/binary"

	"github.com/SnellerInc/scanfuse/expr"

	"github.com/dchest/siphash"
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
)

// CallInfo identifies the expression
// that first referenced a schema path.
type CallInfo struct {
	Fn  string
	Loc expr.Location
}

// ExpectedSchema is the set of field paths
// read from the records of one scan.
type ExpectedSchema struct {
	record *expr.Var
	paths  []expr.Path
	index  map[string]int
	vars   map[*expr.Var]expr.Path
	info   map[string]CallInfo
}

// NewExpectedSchema returns an empty
// schema for records bound to record.
func NewExpectedSchema(record *expr.Var) *ExpectedSchema {
	return &ExpectedSchema{
		record: record,
		index:  make(map[string]int),
		vars:   make(map[*expr.Var]expr.Path),
		info:   make(map[string]CallInfo),
	}
}

// Record returns the record variable of the scan.
func (s *ExpectedSchema) Record() *expr.Var { return s.record }

// Add registers path p, recording info
// if p was not already registered.
func (s *ExpectedSchema) Add(p expr.Path, info CallInfo) {
	key := p.String()
	if _, ok := s.index[key]; ok {
		return
	}
	s.index[key] = len(s.paths)
	s.paths = append(s.paths, slices.Clone(p))
	s.info[key] = info
}

// Has returns whether p was registered.
func (s *ExpectedSchema) Has(p expr.Path) bool {
	_, ok := s.index[p.String()]
	return ok
}

// Paths returns the registered paths
// in the order they were registered.
func (s *ExpectedSchema) Paths() []expr.Path { return s.paths }

// CallInfo returns the call information
// of every path, keyed by Path.String.
func (s *ExpectedSchema) CallInfo() map[string]CallInfo {
	return maps.Clone(s.info)
}

// BindVar records that v holds the value at p.
func (s *ExpectedSchema) BindVar(v *expr.Var, p expr.Path) {
	s.vars[v] = p
}

// VarPath returns the path bound to v.
func (s *ExpectedSchema) VarPath(v *expr.Var) (expr.Path, bool) {
	p, ok := s.vars[v]
	return p, ok
}

// PathOf resolves e to a path: e must be a
// variable bound to a path, or a chain of
// field accesses rooted at the record
// variable or at such a variable.
func (s *ExpectedSchema) PathOf(e expr.Node) (expr.Path, bool) {
	if v, ok := e.(*expr.Var); ok {
		return s.VarPath(v)
	}
	root, fields, ok := expr.FieldChain(e)
	if !ok {
		return nil, false
	}
	var base expr.Path
	if root != s.record {
		if base, ok = s.vars[root]; !ok {
			return nil, false
		}
	}
	out := slices.Clone(base)
	for _, f := range fields {
		out = append(out, expr.Step{Field: f})
	}
	return out, true
}

// PathsOf returns every path that evaluating e
// reads, in the order they appear.
func (s *ExpectedSchema) PathsOf(e expr.Node) []expr.Path {
	var out []expr.Path
	s.visit(e, func(p expr.Path, _ *expr.Call) {
		for i := range out {
			if out[i].Equal(p) {
				return
			}
		}
		out = append(out, p)
	})
	return out
}

func (s *ExpectedSchema) visit(e expr.Node, fn func(expr.Path, *expr.Call)) {
	switch e := e.(type) {
	case *expr.Var:
		if p, ok := s.vars[e]; ok {
			fn(p, nil)
		}
	case *expr.Call:
		if e.Fn == expr.FieldAccessByName {
			if p, ok := s.PathOf(e); ok {
				fn(p, e)
				return
			}
		}
		for _, arg := range e.Args {
			s.visit(arg, fn)
		}
	}
}

// Digest returns a hash of the set of
// registered paths that does not depend
// on the order of registration.
func (s *ExpectedSchema) Digest() uint64 {
	keys := maps.Keys(s.index)
	slices.Sort(keys)
	h := siphash.New(digestKey[:])
	var sep [8]byte
	for i := range keys {
		h.Write([]byte(keys[i]))
		binary.LittleEndian.PutUint64(sep[:], uint64(len(keys[i])))
		h.Write(sep[:])
	}
	return h.Sum64()
}

var digestKey = [16]byte{'s', 'c', 'a', 'n', 'f', 'u', 's', 'e', 'p', 'a', 't', 'h', 's', 'e', 't', 0}

// SchemaProvider supplies the expected
// schema of each scan in a plan.
type SchemaProvider interface {
	// Schema returns the expected schema
	// of scan, or nil if its columns
	// cannot be pushed down.
	Schema(scan *DataSourceScan) *ExpectedSchema
}

// Schemas is a SchemaProvider
// keyed by scan operator.
type Schemas map[*DataSourceScan]*ExpectedSchema

// Schema implements SchemaProvider.Schema
func (m Schemas) Schema(scan *DataSourceScan) *ExpectedSchema { return m[scan] }

// BuildExpectedSchemas computes the expected
// schema of every scan reachable from root
// by following variables from each scan to
// the expressions that read them.
func BuildExpectedSchemas(root Op) Schemas {
	b := &pushdown{
		out:   make(Schemas),
		owner: make(map[*expr.Var]*ExpectedSchema),
	}
	Walk(root, b.visit)
	return b.out
}

type pushdown struct {
	out   Schemas
	owner map[*expr.Var]*ExpectedSchema
}

// schemaOf returns the schema that
// e reads from, if any.
func (b *pushdown) schemaOf(e expr.Node) *ExpectedSchema {
	for _, v := range expr.Vars(e) {
		if s := b.owner[v]; s != nil {
			return s
		}
	}
	return nil
}

func (b *pushdown) use(e expr.Node) {
	if e == nil {
		return
	}
	for _, v := range expr.Vars(e) {
		s := b.owner[v]
		if s == nil {
			continue
		}
		s.visit(e, func(p expr.Path, c *expr.Call) {
			info := CallInfo{Fn: expr.FieldAccessByName.String()}
			if c != nil {
				info.Loc = c.Loc
			}
			s.Add(p, info)
		})
	}
}

func (b *pushdown) bind(v *expr.Var, e expr.Node) {
	s := b.schemaOf(e)
	if s == nil {
		return
	}
	if p, ok := s.PathOf(e); ok {
		s.BindVar(v, p)
		b.owner[v] = s
	}
}

func (b *pushdown) visit(op Op) {
	switch op := op.(type) {
	case *DataSourceScan:
		rec := op.Record()
		if rec == nil {
			return
		}
		s := NewExpectedSchema(rec)
		b.out[op] = s
		b.owner[rec] = s
	case *Assign:
		for i := range op.Exprs {
			b.use(op.Exprs[i])
			b.bind(op.Vars[i], op.Exprs[i])
		}
	case *Unnest:
		inner := op.Expr
		if c, ok := inner.(*expr.Call); ok && c.Fn == expr.ScanCollection && len(c.Args) == 1 {
			inner = c.Args[0]
		}
		s := b.schemaOf(inner)
		if s == nil {
			return
		}
		if p, ok := s.PathOf(inner); ok {
			elem := p.Elem()
			s.Add(elem, CallInfo{Fn: expr.ScanCollection.String()})
			s.BindVar(op.Var, elem)
			b.owner[op.Var] = s
		}
	case *Select:
		b.use(op.Cond)
	case *Project:
		for _, v := range op.Vars {
			b.use(v)
		}
	case *Aggregate:
		for _, c := range op.Exprs {
			b.use(c)
		}
	case *GroupBy:
		for i := range op.Keys {
			b.use(op.Keys[i].Expr)
		}
	case *Order:
		for i := range op.Keys {
			b.use(op.Keys[i].Expr)
		}
	case *Join:
		b.use(op.Cond)
	}
}
