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
	"fmt"

	"github.com/SnellerInc/scanfuse/expr"

	"golang.org/x/exp/slices"
)

// Rewriter splices operators out of a plan
// and remembers how to put them back.
type Rewriter struct {
	ctx  Context
	undo []func()
}

// NewRewriter returns a Rewriter that
// recomputes type environments through ctx.
func NewRewriter(ctx Context) *Rewriter {
	return &Rewriter{ctx: ctx}
}

// Remove splices op out of the plan by
// connecting its input to parent in its place.
// Both op and parent must have exactly one input,
// and op must be the input of parent.
func (r *Rewriter) Remove(op, parent Op) error {
	if parent == nil {
		return fmt.Errorf("cannot remove %s: no parent", op.Kind())
	}
	if len(op.Inputs()) != 1 || len(parent.Inputs()) != 1 {
		return fmt.Errorf("cannot remove %s (%d inputs) from %s (%d inputs): both must be unary",
			op.Kind(), len(op.Inputs()), parent.Kind(), len(parent.Inputs()))
	}
	if parent.Inputs()[0] != op {
		return fmt.Errorf("cannot remove %s: not the input of %s", op.Kind(), parent.Kind())
	}
	in := op.Inputs()[0]
	parent.SetInput(0, in)
	r.OnUndo(func() { parent.SetInput(0, op) })
	if err := r.ctx.ComputeTypeEnv(in); err != nil {
		return err
	}
	return r.ctx.ComputeTypeEnv(parent)
}

// RemoveAssign removes the i-th binding of a.
func (r *Rewriter) RemoveAssign(a *Assign, i int) {
	v, e := a.Vars[i], a.Exprs[i]
	a.Vars = slices.Delete(a.Vars, i, i+1)
	a.Exprs = slices.Delete(a.Exprs, i, i+1)
	r.OnUndo(func() {
		a.Vars = slices.Insert(a.Vars, i, v)
		a.Exprs = slices.Insert(a.Exprs, i, expr.Node(e))
	})
}

// OnUndo records fn to be called by Undo.
func (r *Rewriter) OnUndo(fn func()) {
	r.undo = append(r.undo, fn)
}

// Len returns the number of recorded changes.
func (r *Rewriter) Len() int { return len(r.undo) }

// Undo reverts every change recorded so far,
// most recent first, and recomputes the type
// environments of every operator under root.
func (r *Rewriter) Undo(root Op) error {
	for i := len(r.undo) - 1; i >= 0; i-- {
		r.undo[i]()
	}
	r.undo = r.undo[:0]
	if root == nil {
		return nil
	}
	return r.Recompute(root)
}

// Commit forgets the recorded changes.
func (r *Rewriter) Commit() {
	r.undo = r.undo[:0]
}

// Recompute recomputes the type environment
// of every operator reachable from root.
func (r *Rewriter) Recompute(root Op) error {
	var err error
	Walk(root, func(op Op) {
		if err == nil {
			err = r.ctx.ComputeTypeEnv(op)
		}
	})
	return err
}
