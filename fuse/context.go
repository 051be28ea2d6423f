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
	"github.com/SnellerInc/scanfuse/expr"
	"github.com/SnellerInc/scanfuse/ir"
	"github.com/SnellerInc/scanfuse/plan"

	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
)

// binding is the value of a logical
// variable within a scope
type binding struct {
	// node is the expression or declared
	// identifier holding the value; nil
	// for a path binding
	node ir.Node
	// path is set for variables whose value
	// is read through a reader on first use
	path expr.Path
	// readers the value depends on
	deps []string
}

func (b *binding) lazy() bool { return b.node == nil }

// memo is the declared copy of a
// path binding and the block declaring it
type memo struct {
	ident *ir.Identifier
	block ir.BlockID
}

// frame holds the variable state
// that nested scopes must not leak
type frame struct {
	values map[*expr.Var]binding
	memos  map[*expr.Var]memo
	// exists maps the COUNT output of a
	// fused EXISTS subplan to its flag
	exists map[*expr.Var]*ir.Identifier
	// listify maps the output of a removed
	// listify to the value of its single item
	listify map[*expr.Var]ir.Node
}

func newFrame() frame {
	return frame{
		values:  make(map[*expr.Var]binding),
		memos:   make(map[*expr.Var]memo),
		exists:  make(map[*expr.Var]*ir.Identifier),
		listify: make(map[*expr.Var]ir.Node),
	}
}

func (f *frame) clone() frame {
	return frame{
		values:  maps.Clone(f.values),
		memos:   maps.Clone(f.memos),
		exists:  maps.Clone(f.exists),
		listify: maps.Clone(f.listify),
	}
}

// codeContext is the symbol table of one
// fused scope: it tracks which readers have
// been advanced where, what each variable
// evaluates to, and which variables the
// generated function outputs.
type codeContext struct {
	scan   *plan.DataSourceScan
	schema *plan.ExpectedSchema
	fn     *ir.MainFunction

	// cur is the block new statements go to
	cur ir.BlockID
	// records is the body of the record loop
	records ir.BlockID

	readers     map[string]*ir.Identifier
	readerPaths map[string]expr.Path
	// loops maps each unnest loop body
	// to the array path it iterates
	loops map[ir.BlockID]expr.Path

	live  frame
	saved []frame

	outputs []*expr.Var
	// emitters are aggregators that write
	// the output rows after the record loop
	emitters []*ir.Identifier

	// used collects the readers touched
	// by the current translation
	used map[string]struct{}

	// consumed counts the translated reads of
	// each exists flag and listify item
	consumed map[*expr.Var]int

	// fused counts the operators
	// replaced by this scope
	fused int
}

func newCodeContext(scan *plan.DataSourceScan, schema *plan.ExpectedSchema) *codeContext {
	fn := ir.NewMainFunction("")
	x := &codeContext{
		scan:        scan,
		schema:      schema,
		fn:          fn,
		readers:     make(map[string]*ir.Identifier),
		readerPaths: make(map[string]expr.Path),
		loops:       make(map[ir.BlockID]expr.Path),
		live:        newFrame(),
		consumed:    make(map[*expr.Var]int),
	}
	x.records = fn.Arena.New(fn.Body, ir.TagRecords)
	fn.Arena.AppendHead(fn.Body, &ir.While{
		Cond: ir.Method(fn.Cursor, ir.HasNext),
		Body: x.records,
	})
	x.cur = x.records
	for i, v := range scan.Vars {
		var n ir.Node
		if i == 0 {
			n = ir.Method(fn.Cursor, ir.Record)
		} else {
			n = ir.Method(fn.Cursor, ir.Meta, ir.Long(int64(i)))
		}
		x.live.values[v] = binding{node: n}
		x.outputs = append(x.outputs, v)
	}
	return x
}

func (x *codeContext) arena() *ir.Arena { return x.fn.Arena }

// emit appends n to the current block.
func (x *codeContext) emit(n ir.Node) {
	x.arena().AppendHead(x.cur, n)
}

// temp returns n as an identifier,
// declaring it in the current block
// if it is not one already.
func (x *codeContext) temp(n ir.Node) *ir.Identifier {
	if id, ok := n.(*ir.Identifier); ok {
		return id
	}
	return x.arena().DeclareHere(x.cur, n)
}

func (x *codeContext) use(reader string) {
	if x.used != nil {
		x.used[reader] = struct{}{}
	}
}

// reader returns the reader bound to p,
// adding a reader parameter on first use.
func (x *codeContext) reader(p expr.Path) *ir.Identifier {
	key := p.String()
	if r, ok := x.readers[key]; ok {
		return r
	}
	if !x.schema.Has(p) {
		fail(ErrUnboundPath, nil, "no reader for path %s of %s", key, x.scan.Dataset)
	}
	r := x.fn.AddReader(p)
	x.readers[key] = r
	x.readerPaths[r.Name] = p
	return r
}

// existingReader returns the reader of p
// if one has been added already.
func (x *codeContext) existingReader(p expr.Path) *ir.Identifier {
	return x.readers[p.String()]
}

// overriddenPrefix returns the closest override
// of an array prefix of p (p excluded) visible
// from the current block.
func (x *codeContext) overriddenPrefix(p expr.Path) (ir.Override, ir.BlockID, bool) {
	for i := len(p) - 2; i >= 0; i-- {
		if !p[i].Elem {
			continue
		}
		r := x.existingReader(p[:i+1])
		if r == nil {
			continue
		}
		if ov, at, ok := x.arena().LookupOverride(x.cur, r.Name); ok {
			return ov, at, true
		}
	}
	return ir.Override{}, ir.NoBlock, false
}

// overridden returns whether reads of p in the
// current block go through a materialized array.
func (x *codeContext) overridden(p expr.Path) bool {
	if r := x.existingReader(p); r != nil {
		if _, _, ok := x.arena().LookupOverride(x.cur, r.Name); ok {
			return true
		}
	}
	_, _, ok := x.overriddenPrefix(p)
	return ok
}

// getValueForPath returns the expression that reads
// p in the current block. The reader of p is advanced
// at most once per block chain: the first read in a
// block that does not see an earlier advance emits it.
func (x *codeContext) getValueForPath(p expr.Path) ir.Node {
	a := x.arena()
	r := x.reader(p)
	x.use(r.Name)
	if ov, _, ok := a.LookupOverride(x.cur, r.Name); ok {
		return &ir.ArrayGetValue{Array: ov.Array, Index: ov.Index}
	}
	if ov, at, ok := x.overriddenPrefix(p); ok {
		// materialize the column of p once per
		// array, next to the materialized array
		// it is nested in, and read it by index
		arr := a.Declare(a.Block(at).Parent, ir.Method(r, ir.Materialize))
		a.SetOverride(at, r.Name, ir.Override{Array: arr, Index: ov.Index})
		return &ir.ArrayGetValue{Array: arr, Index: ov.Index}
	}
	x.advance(r)
	return ir.Method(r, ir.GetValue)
}

// advance emits r.next() in the current block
// unless r was advanced in it or an ancestor.
func (x *codeContext) advance(r *ir.Identifier) {
	a := x.arena()
	if !a.IsBound(x.cur, r.Name) {
		x.emit(ir.Method(r, ir.Next))
		a.Bind(x.cur, r.Name)
	}
}

// advanceAll advances, in the current block,
// every reader that evaluating e would advance.
// Overridden paths are read by index and
// are not advanced.
func (x *codeContext) advanceAll(e expr.Node) {
	switch e := e.(type) {
	case *expr.Var:
		if b, ok := x.live.values[e]; ok && b.lazy() && !x.overridden(b.path) {
			x.advance(x.reader(b.path))
		}
	case *expr.Call:
		if e.Fn == expr.FieldAccessByName {
			if p, ok := x.schema.PathOf(e); ok && x.schema.Has(p) {
				if !x.overridden(p) {
					x.advance(x.reader(p))
				}
				return
			}
		}
		for _, arg := range e.Args {
			x.advanceAll(arg)
		}
	}
}

// getValue returns the expression that evaluates v
// in the current block. Inline values are returned
// as they are; path bindings are read through their
// reader (or the array overriding it) and declared
// once per block chain.
func (x *codeContext) getValue(v *expr.Var) ir.Node {
	if flag, ok := x.live.exists[v]; ok {
		return flag
	}
	if _, ok := x.live.listify[v]; ok {
		fail(ErrNonScalar, v, "list %s is never materialized; only its first item can be read", v)
	}
	b, ok := x.live.values[v]
	if !ok {
		fail(ErrUnboundPath, v, "variable %s is not bound in this scope", v)
	}
	if !b.lazy() {
		for _, r := range b.deps {
			x.use(r)
		}
		return b.node
	}
	if x.overridden(b.path) {
		return x.getValueForPath(b.path)
	}
	if m, ok := x.live.memos[v]; ok && x.arena().IsAncestor(m.block, x.cur) {
		x.use(x.existingReader(b.path).Name)
		return m.ident
	}
	id := x.arena().DeclareHere(x.cur, x.getValueForPath(b.path))
	x.live.memos[v] = memo{ident: id, block: x.cur}
	return id
}

// inline is getValue without declaring
// path bindings.
func (x *codeContext) inline(v *expr.Var) ir.Node {
	if b, ok := x.live.values[v]; ok && b.lazy() {
		if m, ok := x.live.memos[v]; ok && x.arena().IsAncestor(m.block, x.cur) {
			return m.ident
		}
		return x.getValueForPath(b.path)
	}
	return x.getValue(v)
}

// track runs fn and returns the readers
// that fn's translation depended on.
func (x *codeContext) track(fn func()) []string {
	saved := x.used
	x.used = make(map[string]struct{})
	fn()
	deps := maps.Keys(x.used)
	slices.Sort(deps)
	if saved != nil {
		for _, r := range deps {
			saved[r] = struct{}{}
		}
	}
	x.used = saved
	return deps
}

// bind makes n the value of v.
func (x *codeContext) bind(v *expr.Var, n ir.Node, deps []string) {
	x.live.values[v] = binding{node: n, deps: deps}
	delete(x.live.memos, v)
}

// assign binds v to the value of e. Expressions
// that only read a schema path are bound lazily;
// anything else is translated in the current
// block and declared unless it is an identifier.
func (x *codeContext) assign(v *expr.Var, e expr.Node) {
	if p, ok := x.schema.PathOf(e); ok && x.schema.Has(p) {
		x.live.values[v] = binding{path: p}
		delete(x.live.memos, v)
		x.putOutput(v)
		return
	}
	var n ir.Node
	deps := x.track(func() {
		n = x.temp(x.translate(e))
	})
	x.bind(v, n, deps)
	x.putOutput(v)
}

// enterNestedScope saves the variable state;
// the returned token must be passed to the
// matching exitNestedScope.
func (x *codeContext) enterNestedScope() int {
	x.saved = append(x.saved, x.live.clone())
	return len(x.saved)
}

// exitNestedScope discards every binding made
// since the matching enterNestedScope.
func (x *codeContext) exitNestedScope(token int) {
	if token != len(x.saved) || token == 0 {
		panic("fuse: unbalanced nested scope")
	}
	x.live = x.saved[token-1]
	x.saved = x.saved[:token-1]
}

func (x *codeContext) isNestedScope() bool { return len(x.saved) > 0 }

func (x *codeContext) putOutput(v *expr.Var) {
	if x.isNestedScope() || slices.Contains(x.outputs, v) {
		return
	}
	x.outputs = append(x.outputs, v)
}

func (x *codeContext) clearOutput() {
	if x.isNestedScope() {
		return
	}
	x.outputs = x.outputs[:0]
}

// projectOutput restricts the outputs to vars.
func (x *codeContext) projectOutput(vars []*expr.Var) {
	if x.isNestedScope() {
		return
	}
	out := make([]*expr.Var, 0, len(vars))
	for _, v := range vars {
		if !slices.Contains(out, v) {
			out = append(out, v)
		}
	}
	x.outputs = out
}

// shouldProject returns false if any of vars
// is an output of the scan itself.
func (x *codeContext) shouldProject(vars []*expr.Var) bool {
	for _, v := range vars {
		if slices.Contains(x.scan.Vars, v) {
			return false
		}
	}
	return true
}

// depends returns the readers v depends on.
func (x *codeContext) depends(v *expr.Var) []string {
	b, ok := x.live.values[v]
	if !ok {
		return nil
	}
	if b.lazy() {
		if r := x.existingReader(b.path); r != nil {
			return []string{r.Name}
		}
		return nil
	}
	return b.deps
}

// isReaderBoundedToBlock returns whether a reader
// v depends on was advanced within block.
func (x *codeContext) isReaderBoundedToBlock(v *expr.Var, block ir.BlockID) bool {
	for _, r := range x.depends(v) {
		if x.arena().BoundIn(block, r) {
			return true
		}
	}
	return false
}

// inLoop returns whether evaluating e in the
// current block reads an element of the array
// iterated by the unnest loop whose body is loop.
func (x *codeContext) inLoop(e expr.Node, loop ir.BlockID) bool {
	arr := x.loops[loop]
	for _, p := range x.schema.PathsOf(e) {
		if p.HasPrefix(arr) {
			return true
		}
	}
	for _, v := range expr.Vars(e) {
		if x.isReaderBoundedToBlock(v, loop) {
			return true
		}
		if b, ok := x.live.values[v]; ok && b.lazy() && b.path.HasPrefix(arr) {
			return true
		}
		for _, r := range x.depends(v) {
			if x.readerPaths[r].HasPrefix(arr) {
				return true
			}
		}
	}
	return false
}

// pendingReaders returns the number of readers
// the function would have after reading every
// path of exprs and every lazy output.
func (x *codeContext) pendingReaders(exprs []expr.Node) int {
	seen := make(map[string]bool)
	n := len(x.readers)
	add := func(p expr.Path) {
		key := p.String()
		if x.readers[key] != nil || seen[key] {
			return
		}
		seen[key] = true
		n++
	}
	for _, e := range exprs {
		for _, p := range x.schema.PathsOf(e) {
			add(p)
		}
	}
	for _, v := range x.outputs {
		if b, ok := x.live.values[v]; ok && b.lazy() {
			add(b.path)
		}
	}
	return n
}
