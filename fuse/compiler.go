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

// Package fuse compiles chains of logical operators
// rooted at a columnar scan into scan functions.
//
// Compile walks a plan once, inputs first. Every
// scan of an internal columnar dataset opens a scope;
// the operators above it that can be expressed as
// per-record code are translated into the scope's
// ir.MainFunction and spliced out of the plan, until
// an operator that cannot be fused closes the scope.
// The scan is then marked with the name and outputs
// of the generated function.
//
// Fusion never changes the results of a plan: an
// operator that cannot be fused is left in place and
// consumes the output of the generated function.
package fuse

import (
	"fmt"

	"github.com/SnellerInc/scanfuse/expr"
	"github.com/SnellerInc/scanfuse/ir"
	"github.com/SnellerInc/scanfuse/plan"

	"github.com/google/uuid"
	"golang.org/x/exp/slices"
)

// ScanFunction is one generated function
// and the scan it replaces the operators above.
type ScanFunction struct {
	Scan *plan.DataSourceScan
	Func *ir.MainFunction
	// CallInfo describes the expression
	// that first read each path, keyed by
	// path; it is carried for diagnostics.
	CallInfo map[string]plan.CallInfo
	// Outputs are the variables of each row
	// written to the sink, in order.
	Outputs []*expr.Var
	// Fingerprint identifies the program
	// and its reader schemas.
	Fingerprint [32]byte
}

// Result is the outcome of Compile.
type Result struct {
	// ID identifies the compilation
	// in diagnostic output.
	ID        uuid.UUID
	Functions []*ScanFunction
}

// topK is a candidate bounded top-K
// aggregation; k is negative if there is none.
type topK struct {
	k   int
	min bool
}

type compiler struct {
	octx    plan.Context
	md      plan.Metadata
	schemas plan.SchemaProvider
	rw      *plan.Rewriter
	opts    options
	id      uuid.UUID

	visited map[plan.Op]bool
	ctx     *codeContext
	out     []*ScanFunction
	seq     int

	topK topK
	// orders consumed by a sort-based
	// local group-by
	sortGroup map[plan.Op]bool
	// uses counts the references to
	// each variable across the plan
	uses map[*expr.Var]int
	// unindexed holds the variables referenced
	// other than by constant indexing
	unindexed map[*expr.Var]bool
}

// Compile fuses the operators of the plan rooted at root
// into scan functions. Schemas supplies the paths pushed
// down into each scan; if it is nil, the schemas are
// computed with plan.BuildExpectedSchemas.
//
// Compile modifies the plan in place. If it returns an
// error, the plan is left exactly as it was.
func Compile(root plan.Op, octx plan.Context, md plan.Metadata, schemas plan.SchemaProvider, opts ...Option) (res *Result, err error) {
	if schemas == nil {
		schemas = plan.BuildExpectedSchemas(root)
	}
	c := &compiler{
		octx:      octx,
		md:        md,
		schemas:   schemas,
		rw:        plan.NewRewriter(octx),
		id:        uuid.New(),
		visited:   make(map[plan.Op]bool),
		topK:      topK{k: -1},
		sortGroup: make(map[plan.Op]bool),
	}
	c.opts.prefix = DefaultNamePrefix
	for i := range opts {
		opts[i](&c.opts)
	}
	c.countUses(root)
	defer func() {
		if r := recover(); r != nil {
			e, ok := r.(*Error)
			if !ok {
				panic(r)
			}
			c.logf("aborted: %s", e)
			if uerr := c.rw.Undo(root); uerr != nil {
				c.logf("restoring plan: %s", uerr)
			}
			res, err = nil, e
		}
	}()
	c.visit(root, nil)
	c.closeScope("end of plan")
	if err := c.rw.Recompute(root); err != nil {
		c.logf("aborted: %s", err)
		if uerr := c.rw.Undo(root); uerr != nil {
			c.logf("restoring plan: %s", uerr)
		}
		return nil, err
	}
	c.rw.Commit()
	c.logf("%d scan functions", len(c.out))
	return &Result{ID: c.id, Functions: c.out}, nil
}

func (c *compiler) logf(f string, args ...any) {
	if c.opts.logger != nil {
		c.opts.logger.Printf("fuse %s: %s", c.id, fmt.Sprintf(f, args...))
	}
}

// exprs returns the expressions op evaluates.
func exprs(op plan.Op) []expr.Node {
	var out []expr.Node
	switch op := op.(type) {
	case *plan.Select:
		out = append(out, op.Cond)
	case *plan.Project:
		for _, v := range op.Vars {
			out = append(out, v)
		}
	case *plan.Assign:
		out = append(out, op.Exprs...)
	case *plan.Unnest:
		out = append(out, op.Expr)
	case *plan.Aggregate:
		for _, c := range op.Exprs {
			out = append(out, c)
		}
	case *plan.GroupBy:
		for i := range op.Keys {
			out = append(out, op.Keys[i].Expr)
		}
	case *plan.Order:
		for i := range op.Keys {
			out = append(out, op.Keys[i].Expr)
		}
	case *plan.Join:
		out = append(out, op.Cond)
	}
	return out
}

// nestedExprs returns the expressions
// evaluated by op and its nested plan.
func nestedExprs(op plan.Op) []expr.Node {
	out := exprs(op)
	if nested := plan.NestedRoot(op); nested != nil {
		plan.Walk(nested, func(op plan.Op) {
			out = append(out, exprs(op)...)
		})
	}
	return out
}

// countUses records how the variables
// of the plan are referenced.
func (c *compiler) countUses(root plan.Op) {
	c.uses = make(map[*expr.Var]int)
	c.unindexed = make(map[*expr.Var]bool)
	var walk func(e expr.Node)
	walk = func(e expr.Node) {
		switch e := e.(type) {
		case *expr.Var:
			c.uses[e]++
			c.unindexed[e] = true
		case *expr.Call:
			if e.Fn == expr.GetItem && len(e.Args) == 2 && expr.IsConstant(e.Args[1]) {
				if v, ok := e.Args[0].(*expr.Var); ok {
					c.uses[v]++
					return
				}
			}
			for _, arg := range e.Args {
				walk(arg)
			}
		}
	}
	plan.Walk(root, func(op plan.Op) {
		for _, e := range exprs(op) {
			walk(e)
		}
	})
}

// visit compiles op after its inputs.
// Each operator is visited once.
func (c *compiler) visit(op, parent plan.Op) {
	if c.visited[op] {
		// an operator with several consumers
		// ends whatever scope reached it
		c.closeScope("shared " + op.Kind().String())
		return
	}
	c.visited[op] = true

	saved := c.topK
	switch op := op.(type) {
	case *plan.GroupBy:
		if op.Global {
			c.topK.k, c.topK.min = getTopK(op, parent)
			if c.topK.k >= 0 {
				c.logf("top-%d candidate (min=%v) below %s", c.topK.k, c.topK.min, op.Kind())
			}
		} else if o, ok := plan.Input(op).(*plan.Order); ok {
			c.sortGroup[o] = true
		}
	}
	multi := len(op.Inputs()) > 1
	for i := 0; i < len(op.Inputs()); i++ {
		c.visit(op.Inputs()[i], op)
		if multi {
			c.closeScope(op.Kind().String() + " input")
		}
	}
	c.topK = saved
	c.process(op, parent)
}

// canRemove returns whether op can be spliced
// out from under parent.
func canRemove(op, parent plan.Op) bool {
	return parent != nil && len(parent.Inputs()) == 1 && len(op.Inputs()) == 1
}

func (c *compiler) removeOp(op, parent plan.Op) {
	if err := c.rw.Remove(op, parent); err != nil {
		fail(ErrIllegalRemoval, nil, "%s", err)
	}
	c.ctx.fused++
}

// fits returns whether the readers needed by
// exprs stay within the configured maximum.
func (c *compiler) fits(exprs []expr.Node) bool {
	max := c.octx.PhysicalConfig().MaxReaders
	return max <= 0 || c.ctx.pendingReaders(exprs) <= max
}

func (c *compiler) process(op, parent plan.Op) {
	if scan, ok := op.(*plan.DataSourceScan); ok {
		c.openScope(scan)
		return
	}
	if c.ctx == nil {
		return
	}
	switch op := op.(type) {
	case *plan.Order:
		if c.sortGroup[op] {
			return
		}
	case *plan.Exchange:
		if !op.Redistribute {
			return
		}
	}
	if !fusible(op) {
		c.closeScope(op.Kind().String())
		return
	}
	if !canRemove(op, parent) {
		c.closeScope(op.Kind().String() + " cannot be spliced")
		return
	}
	if !c.fits(nestedExprs(op)) && !c.readsFlag(op) {
		c.closeScope(fmt.Sprintf("reader limit %d reached at %s", c.octx.PhysicalConfig().MaxReaders, op.Kind()))
		return
	}
	switch op := op.(type) {
	case *plan.Select:
		c.fuseSelect(op, parent)
	case *plan.Project:
		c.fuseProject(op, parent)
	case *plan.Assign:
		c.fuseAssign(op, parent)
	case *plan.Unnest:
		if !c.fuseUnnest(op) {
			c.closeScope("unnest of " + expr.ToString(op.Expr))
			return
		}
		c.removeOp(op, parent)
	case *plan.Aggregate:
		c.fuseAggregate(op, parent)
	case *plan.GroupBy:
		c.fuseGroupBy(op, parent)
	case *plan.Subplan:
		if !c.fuseSubplan(op, parent) {
			c.closeScope("subplan")
			return
		}
		c.removeOp(op, parent)
	}
}

// readsFlag returns whether op is a selection
// on the flag of a fused EXISTS subplan, which
// must be fused for the plan to stay valid.
func (c *compiler) readsFlag(op plan.Op) bool {
	sel, ok := op.(*plan.Select)
	if !ok {
		return false
	}
	for _, v := range expr.Vars(sel.Cond) {
		if _, ok := c.ctx.live.exists[v]; ok {
			return true
		}
	}
	return false
}

// checkEscapes fails if an operator left in
// the plan reads the output of a fused EXISTS
// or listify subplan; those outputs only exist
// as values inside the generated function.
func (c *compiler) checkEscapes(x *codeContext) {
	check := func(v *expr.Var) {
		if x.consumed[v] < c.uses[v] {
			fail(ErrNonScalar, v, "%s is read outside of %s", v, x.scan.Dataset)
		}
	}
	for v := range x.live.exists {
		check(v)
	}
	for v := range x.live.listify {
		check(v)
	}
}

// fusible returns whether op is a kind
// of operator that can be fused at all.
func fusible(op plan.Op) bool {
	switch op := op.(type) {
	case *plan.Select, *plan.Project, *plan.Assign, *plan.Unnest, *plan.Subplan:
		return true
	case *plan.Aggregate:
		return !op.Global
	case *plan.GroupBy:
		return !op.Global
	}
	return false
}

func (c *compiler) openScope(scan *plan.DataSourceScan) {
	c.closeScope("new scan")
	if scan.Function != "" || scan.Record() == nil {
		return
	}
	ds, err := c.md.Dataset(scan.Dataset)
	if err != nil {
		c.logf("%s: %s", scan.Dataset, err)
		return
	}
	if !ds.Columnar() {
		c.logf("%s: not an internal columnar dataset", scan.Dataset)
		return
	}
	schema := c.schemas.Schema(scan)
	if schema == nil {
		c.logf("%s: no expected schema", scan.Dataset)
		return
	}
	c.ctx = newCodeContext(scan, schema)
	c.logf("%s: scope opened (%d paths, digest %016x)", scan.Dataset, len(schema.Paths()), schema.Digest())
}

// closeScope ends the current scope, emitting
// its function if any operator was fused.
func (c *compiler) closeScope(why string) {
	x := c.ctx
	if x == nil {
		return
	}
	c.ctx = nil
	if x.isNestedScope() {
		panic("fuse: scope closed while nested")
	}
	c.checkEscapes(x)
	if x.fused == 0 {
		c.logf("%s: nothing fused before %s", x.scan.Dataset, why)
		return
	}
	c.finalize(x)
	c.logf("%s: %s fused %d operators, closed at %s", x.scan.Dataset, x.fn.Name, x.fused, why)
}

// finalize writes the output epilogue of x,
// freezes its function and marks the scan.
func (c *compiler) finalize(x *codeContext) {
	fn := x.fn
	a := fn.Arena
	if len(x.emitters) > 0 {
		for _, agg := range x.emitters {
			a.AppendHead(fn.Body, ir.Method(agg, ir.Emit, fn.Sink))
		}
	} else {
		vals := make([]ir.Node, len(x.outputs))
		for i, v := range x.outputs {
			vals[i] = x.inline(v)
		}
		x.emit(ir.Method(fn.Sink, ir.Append, vals...))
	}
	a.AppendTail(fn.Body, ir.Method(fn.Sink, ir.Flush))
	fn.Name = fmt.Sprintf("%s_%s_%d", c.opts.prefix, x.scan.Dataset, c.seq)
	c.seq++
	fn.Freeze()

	scan := x.scan
	oldFn, oldOut := scan.Function, scan.FusedOutputs
	c.rw.OnUndo(func() {
		scan.Function, scan.FusedOutputs = oldFn, oldOut
	})
	scan.Function = fn.Name
	scan.FusedOutputs = slices.Clone(x.outputs)
	if err := c.octx.ComputeTypeEnv(scan); err != nil {
		fail(ErrIllegalRemoval, nil, "scan %s: %s", scan.Dataset, err)
	}
	c.out = append(c.out, &ScanFunction{
		Scan:        scan,
		Func:        fn,
		CallInfo:    x.schema.CallInfo(),
		Outputs:     scan.FusedOutputs,
		Fingerprint: ir.Fingerprint(fn),
	})
}

func (c *compiler) fuseSelect(op *plan.Select, parent plan.Op) {
	x := c.ctx
	if !scalarOnly(op.Cond) {
		c.closeScope("select on " + expr.ToString(op.Cond))
		return
	}
	x.selectOn(op.Cond)
	c.removeOp(op, parent)
}

// selectOn guards the rest of the current
// block with cond.
func (x *codeContext) selectOn(cond expr.Node) {
	n := x.translate(cond)
	then := x.arena().New(x.cur, ir.TagSelect)
	x.emit(&ir.If{Cond: n, Then: then, Else: ir.Empty})
	x.cur = then
}

func (c *compiler) fuseProject(op *plan.Project, parent plan.Op) {
	x := c.ctx
	if !x.shouldProject(op.Vars) {
		// the project stays in the plan and hides
		// anything fused above it
		c.closeScope("project of scan variables")
		return
	}
	x.projectOutput(op.Vars)
	c.removeOp(op, parent)
}

func (c *compiler) fuseAssign(op *plan.Assign, parent plan.Op) {
	x := c.ctx
	// bindings may read earlier ones, so only
	// the leading scalar bindings are fused
	n := 0
	for n < len(op.Vars) && scalarOnly(op.Exprs[n]) {
		x.assign(op.Vars[n], op.Exprs[n])
		n++
	}
	for i := n - 1; i >= 0; i-- {
		c.rw.RemoveAssign(op, i)
	}
	kept := len(op.Vars)
	if kept == 0 {
		c.removeOp(op, parent)
		return
	}
	if n > 0 {
		// the fused bindings are outputs of
		// the function the assign now reads
		x.fused++
	}
	c.closeScope(fmt.Sprintf("assign with %d unfused bindings", kept))
}

func (c *compiler) fuseAggregate(op *plan.Aggregate, parent plan.Op) {
	x := c.ctx
	for _, call := range op.Exprs {
		if !aggregatable(call) {
			c.closeScope("aggregate " + call.Fn.String())
			return
		}
	}
	x.clearOutput()
	for i, call := range op.Exprs {
		x.bind(op.Vars[i], x.accumulate(call, x.fn.Body), nil)
		x.putOutput(op.Vars[i])
	}
	// the aggregated values are
	// complete after the record loop
	x.cur = x.fn.Body
	c.removeOp(op, parent)
}
