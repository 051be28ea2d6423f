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

// Package heap implements a min-heap
// bounded to the K greatest items.
package heap

// Bounded retains the k greatest items
// pushed into it, as ordered by less.
// The zero Bounded retains nothing.
type Bounded[T any] struct {
	k     int
	less  func(x, y T) bool
	items []T
}

// NewBounded returns an empty Bounded
// retaining at most k items.
func NewBounded[T any](k int, less func(x, y T) bool) *Bounded[T] {
	return &Bounded[T]{k: k, less: less}
}

// Len returns the number of retained items.
func (b *Bounded[T]) Len() int { return len(b.items) }

// Min returns the smallest retained item.
// It panics if b is empty.
func (b *Bounded[T]) Min() T { return b.items[0] }

// Push offers item to b. It returns false
// if b is full and item is not greater than
// the smallest retained item.
func (b *Bounded[T]) Push(item T) bool {
	if b.k <= 0 {
		return false
	}
	if len(b.items) < b.k {
		b.items = append(b.items, item)
		b.up(len(b.items) - 1)
		return true
	}
	if !b.less(b.items[0], item) {
		return false
	}
	b.items[0] = item
	b.down(0)
	return true
}

// Drain removes every retained item
// and returns them greatest first.
func (b *Bounded[T]) Drain() []T {
	out := make([]T, len(b.items))
	for i := len(out) - 1; i >= 0; i-- {
		out[i] = b.pop()
	}
	return out
}

func (b *Bounded[T]) pop() T {
	h := b.items
	min := h[0]
	last := len(h) - 1
	h[0] = h[last]
	b.items = h[:last]
	if last > 0 {
		b.down(0)
	}
	return min
}

// up moves items[i] toward the root
// until its parent is not greater.
func (b *Bounded[T]) up(i int) {
	h := b.items
	for i > 0 {
		parent := (i - 1) / 2
		if !b.less(h[i], h[parent]) {
			return
		}
		h[i], h[parent] = h[parent], h[i]
		i = parent
	}
}

// down moves items[i] toward the leaves
// until neither child is smaller.
func (b *Bounded[T]) down(i int) {
	h := b.items
	for {
		min := i
		for _, c := range [2]int{2*i + 1, 2*i + 2} {
			if c < len(h) && b.less(h[c], h[min]) {
				min = c
			}
		}
		if min == i {
			return
		}
		h[i], h[min] = h[min], h[i]
		i = min
	}
}
