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

	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
)

// TypeEnv maps the variables live at the
// output of an operator to their types.
type TypeEnv map[*expr.Var]expr.Type

// Vars returns the variables of the
// environment ordered by ID.
func (e TypeEnv) Vars() []*expr.Var {
	out := maps.Keys(e)
	slices.SortFunc(out, func(a, b *expr.Var) bool {
		return a.ID < b.ID
	})
	return out
}

// Has returns whether v is live in e.
func (e TypeEnv) Has(v *expr.Var) bool {
	_, ok := e[v]
	return ok
}

func (e TypeEnv) typeOf(v *expr.Var) expr.Type {
	if t, ok := e[v]; ok {
		return t
	}
	return v.Type
}

func (e TypeEnv) with(vars ...*expr.Var) TypeEnv {
	out := make(TypeEnv, len(e)+len(vars))
	maps.Copy(out, e)
	for _, v := range vars {
		if v != nil {
			out[v] = v.Type
		}
	}
	return out
}

func only(in TypeEnv, vars []*expr.Var) TypeEnv {
	out := make(TypeEnv, len(vars))
	for _, v := range vars {
		out[v] = in.typeOf(v)
	}
	return out
}

func arity(op Op, in []TypeEnv, n int) error {
	if len(in) != n {
		return fmt.Errorf("%s: %d inputs; expected %d", op.Kind(), len(in), n)
	}
	return nil
}

// ComputeTypeEnv computes and stores the type
// environment of op from the environments of
// its inputs, computing those first if necessary.
func ComputeTypeEnv(op Op) error {
	inputs := op.Inputs()
	envs := make([]TypeEnv, len(inputs))
	for i, in := range inputs {
		if in.TypeEnv() == nil {
			if err := ComputeTypeEnv(in); err != nil {
				return err
			}
		}
		envs[i] = in.TypeEnv()
	}
	// the nested plan observes the input
	// of op through its nested-tuple-source
	if nested := NestedRoot(op); nested != nil && nested.TypeEnv() == nil {
		if err := ComputeTypeEnv(nested); err != nil {
			return err
		}
	}
	env, err := op.produce(envs)
	if err != nil {
		return err
	}
	op.setEnv(env)
	return nil
}

func (s *DataSourceScan) produce(in []TypeEnv) (TypeEnv, error) {
	if s.Function != "" {
		return TypeEnv{}.with(s.FusedOutputs...), nil
	}
	return TypeEnv{}.with(s.Vars...), nil
}

func (e *EmptyTupleSource) produce(in []TypeEnv) (TypeEnv, error) {
	return TypeEnv{}, arity(e, in, 0)
}

func (n *NestedTupleSource) produce(in []TypeEnv) (TypeEnv, error) {
	if err := arity(n, in, 0); err != nil {
		return nil, err
	}
	if n.Outer == nil {
		return TypeEnv{}, nil
	}
	outer := Input(n.Outer)
	if outer == nil || outer.TypeEnv() == nil {
		return TypeEnv{}, nil
	}
	return outer.TypeEnv().with(), nil
}

func (s *Select) produce(in []TypeEnv) (TypeEnv, error) {
	if err := arity(s, in, 1); err != nil {
		return nil, err
	}
	return in[0].with(), nil
}

func (p *Project) produce(in []TypeEnv) (TypeEnv, error) {
	if err := arity(p, in, 1); err != nil {
		return nil, err
	}
	return only(in[0], p.Vars), nil
}

func (a *Assign) produce(in []TypeEnv) (TypeEnv, error) {
	if err := arity(a, in, 1); err != nil {
		return nil, err
	}
	if len(a.Vars) != len(a.Exprs) {
		return nil, fmt.Errorf("assign: %d variables but %d expressions", len(a.Vars), len(a.Exprs))
	}
	return in[0].with(a.Vars...), nil
}

func (u *Unnest) produce(in []TypeEnv) (TypeEnv, error) {
	if err := arity(u, in, 1); err != nil {
		return nil, err
	}
	return in[0].with(u.Var, u.Pos), nil
}

func (a *Aggregate) produce(in []TypeEnv) (TypeEnv, error) {
	if err := arity(a, in, 1); err != nil {
		return nil, err
	}
	return TypeEnv{}.with(a.Vars...), nil
}

func (g *GroupBy) produce(in []TypeEnv) (TypeEnv, error) {
	if err := arity(g, in, 1); err != nil {
		return nil, err
	}
	out := TypeEnv{}
	for i := range g.Keys {
		out[g.Keys[i].Var] = g.Keys[i].Var.Type
	}
	if g.Nested != nil {
		out = out.with(g.Nested.Vars...)
	}
	return out, nil
}

func (s *Subplan) produce(in []TypeEnv) (TypeEnv, error) {
	if err := arity(s, in, 1); err != nil {
		return nil, err
	}
	if s.Nested == nil {
		return in[0].with(), nil
	}
	return in[0].with(s.Nested.Vars...), nil
}

func (o *Order) produce(in []TypeEnv) (TypeEnv, error) {
	if err := arity(o, in, 1); err != nil {
		return nil, err
	}
	return in[0].with(), nil
}

func (l *Limit) produce(in []TypeEnv) (TypeEnv, error) {
	if err := arity(l, in, 1); err != nil {
		return nil, err
	}
	return in[0].with(), nil
}

func (x *Exchange) produce(in []TypeEnv) (TypeEnv, error) {
	if err := arity(x, in, 1); err != nil {
		return nil, err
	}
	return in[0].with(), nil
}

func (j *Join) produce(in []TypeEnv) (TypeEnv, error) {
	if err := arity(j, in, 2); err != nil {
		return nil, err
	}
	out := in[0].with()
	maps.Copy(out, in[1])
	return out, nil
}

func (b *Boundary) produce(in []TypeEnv) (TypeEnv, error) {
	out := TypeEnv{}
	for i := range in {
		maps.Copy(out, in[i])
	}
	return out.with(b.Vars...), nil
}
