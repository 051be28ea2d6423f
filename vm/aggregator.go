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

package vm

import (
	"bytes"
	"fmt"

	"github.com/SnellerInc/scanfuse/heap"

	"github.com/dchest/siphash"
)

// aggregator accumulates values by key
// and writes one row per key to a sink.
type aggregator interface {
	add(key, val any) error
	emit(s *sink) error
}

// hashKey is the fixed siphash key
// used to bucket group keys.
var hashKey = []byte("scanfuse-groups!")

type group struct {
	key any
	enc []byte
	val any
}

// hashAggregator computes COUNT or SUM by key.
// Groups are emitted in the order in which
// their keys were first seen.
type hashAggregator struct {
	kind    string
	budget  int64
	used    int64
	buckets map[uint64][]*group
	groups  []*group
}

func newHashAggregator(kind string, budget int64) (*hashAggregator, error) {
	switch kind {
	case "COUNT", "SUM", "LOCAL_SUM":
	default:
		return nil, fmt.Errorf("new-hash-aggregator: unknown aggregate %q", kind)
	}
	return &hashAggregator{
		kind:    kind,
		budget:  budget,
		buckets: make(map[uint64][]*group),
	}, nil
}

func (h *hashAggregator) seed() any {
	if h.kind == "SUM" {
		return nil
	}
	return int64(0)
}

// lookup returns the group of key,
// creating it if necessary.
func lookup(buckets map[uint64][]*group, key any) (*group, bool) {
	enc := encode(nil, key)
	hh := siphash.New(hashKey)
	hh.Write(enc)
	sum := hh.Sum64()
	for _, g := range buckets[sum] {
		if bytes.Equal(g.enc, enc) {
			return g, false
		}
	}
	g := &group{key: key, enc: enc}
	buckets[sum] = append(buckets[sum], g)
	return g, true
}

func (h *hashAggregator) add(key, val any) error {
	g, created := lookup(h.buckets, key)
	if created {
		h.used += int64(len(g.enc)) + 32
		if h.budget > 0 && h.used > h.budget {
			return fmt.Errorf("hash aggregator: %d groups exceed the memory budget of %d bytes", len(h.groups)+1, h.budget)
		}
		g.val = h.seed()
		h.groups = append(h.groups, g)
	}
	if h.kind == "COUNT" {
		g.val = arith('+', g.val, val)
		return nil
	}
	g.val = combine('+', g.val, val)
	return nil
}

func (h *hashAggregator) emit(s *sink) error {
	for _, g := range h.groups {
		s.append(row(g.key, g.val))
	}
	return nil
}

func row(key, val any) []any {
	if k, ok := key.(Key); ok {
		out := make([]any, 0, len(k)+1)
		out = append(out, k...)
		return append(out, val)
	}
	return []any{key, val}
}

// topKAggregator keeps the MIN or MAX of each
// key and emits the k keys with the best values,
// best first.
type topKAggregator struct {
	k       int
	min     bool
	buckets map[uint64][]*group
	groups  []*group
}

func newTopKAggregator(k int64, min bool) *topKAggregator {
	return &topKAggregator{
		k:       int(k),
		min:     min,
		buckets: make(map[uint64][]*group),
	}
}

func (t *topKAggregator) add(key, val any) error {
	g, created := lookup(t.buckets, key)
	if created {
		t.groups = append(t.groups, g)
	}
	op := byte('>')
	if t.min {
		op = '<'
	}
	g.val = combine(op, g.val, val)
	return nil
}

// worse returns whether a ranks below b;
// unknown values rank below everything.
func (t *topKAggregator) worse(a, b *group) bool {
	c, ok := compare(a.val, b.val)
	if !ok {
		return unknown(a.val) && !unknown(b.val)
	}
	if t.min {
		return c > 0
	}
	return c < 0
}

func (t *topKAggregator) emit(s *sink) error {
	best := heap.NewBounded(t.k, t.worse)
	for _, g := range t.groups {
		best.Push(g)
	}
	for _, g := range best.Drain() {
		s.append(row(g.key, g.val))
	}
	return nil
}
