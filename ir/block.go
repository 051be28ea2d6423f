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
	"strconv"
)

// BlockID addresses a Block within an Arena.
type BlockID int

const (
	// Empty is the shared no-op block
	// used for absent then/else branches.
	// It never holds statements.
	Empty BlockID = 0
	// NoBlock is the parent of a root block.
	NoBlock BlockID = -1
)

// Tag records the kind of logical
// operator a Block was opened for.
type Tag uint8

const (
	TagNone Tag = iota
	TagFunction
	TagRecords
	TagSelect
	TagUnnest
	TagSubplan
	TagGroupBy
	TagCase
)

var tagNames = [...]string{
	TagNone:     "none",
	TagFunction: "function",
	TagRecords:  "records",
	TagSelect:   "select",
	TagUnnest:   "unnest",
	TagSubplan:  "subplan",
	TagGroupBy:  "group-by",
	TagCase:     "case",
}

func (t Tag) String() string {
	if int(t) < len(tagNames) {
		return tagNames[t]
	}
	return "Tag(" + strconv.Itoa(int(t)) + ")"
}

// Loop returns whether blocks with this
// tag are the body of a While.
func (t Tag) Loop() bool {
	return t == TagRecords || t == TagUnnest
}

// Override redirects reads of a reader
// to per-iteration array element access.
type Override struct {
	Array, Index *Identifier
}

// Block is an ordered list of statements.
//
// Head statements run in order; Tail
// statements run after all of Head
// (for example a loop increment).
type Block struct {
	ID     BlockID
	Parent BlockID
	Tag    Tag
	Head   []Node
	Tail   []Node

	// Vars maps each variable declared
	// in this block to its initializer.
	Vars map[string]Node

	bound     map[string]bool
	overrides map[string]Override
}

// Statements returns Head followed by Tail.
func (b *Block) Statements() []Node {
	if len(b.Tail) == 0 {
		return b.Head
	}
	out := make([]Node, 0, len(b.Head)+len(b.Tail))
	out = append(out, b.Head...)
	return append(out, b.Tail...)
}

// Arena owns the blocks of one function
// and allocates its variable names.
type Arena struct {
	blocks []*Block
	names  int
}

// NewArena returns an Arena holding
// only the Empty block.
func NewArena() *Arena {
	a := &Arena{}
	a.blocks = append(a.blocks, &Block{ID: Empty, Parent: NoBlock})
	return a
}

// New allocates a block.
func (a *Arena) New(parent BlockID, tag Tag) BlockID {
	id := BlockID(len(a.blocks))
	a.blocks = append(a.blocks, &Block{
		ID:     id,
		Parent: parent,
		Tag:    tag,
	})
	return id
}

// Block returns the block with the given id.
func (a *Arena) Block(id BlockID) *Block {
	return a.blocks[id]
}

// Len returns the number of blocks,
// including Empty.
func (a *Arena) Len() int { return len(a.blocks) }

func (a *Arena) mutable(id BlockID) *Block {
	if id == Empty {
		panic("ir: cannot modify the empty block")
	}
	return a.blocks[id]
}

// AppendHead appends n to the head of block id.
func (a *Arena) AppendHead(id BlockID, n Node) {
	b := a.mutable(id)
	b.Head = append(b.Head, n)
}

// AppendTail appends n to the tail of block id.
func (a *Arena) AppendTail(id BlockID, n Node) {
	b := a.mutable(id)
	b.Tail = append(b.Tail, n)
}

// PrependHead inserts n as the first statement of block id.
func (a *Arena) PrependHead(id BlockID, n Node) {
	b := a.mutable(id)
	b.Head = append(b.Head, nil)
	copy(b.Head[1:], b.Head)
	b.Head[0] = n
}

// NewName allocates a fresh variable name.
func (a *Arena) NewName() string {
	name := "v" + strconv.Itoa(a.names)
	a.names++
	return name
}

func (a *Arena) declare(id BlockID, init Node, first bool) *Identifier {
	b := a.mutable(id)
	ident := &Identifier{Name: a.NewName()}
	if b.Vars == nil {
		b.Vars = make(map[string]Node)
	}
	b.Vars[ident.Name] = init
	stmt := &Assign{Target: ident, Value: init, Decl: true}
	if first {
		a.PrependHead(id, stmt)
	} else {
		a.AppendHead(id, stmt)
	}
	return ident
}

// Declare declares a variable initialized
// to init as the first statement of block id,
// so that it is visible before anything else
// the block does.
func (a *Arena) Declare(id BlockID, init Node) *Identifier {
	return a.declare(id, init, true)
}

// DeclareHere declares a variable initialized
// to init at the current end of the head of block id.
func (a *Arena) DeclareHere(id BlockID, init Node) *Identifier {
	return a.declare(id, init, false)
}

// Declaring returns the block that declares
// name, searching id and its ancestors.
func (a *Arena) Declaring(id BlockID, name string) (BlockID, bool) {
	for ; id != NoBlock; id = a.blocks[id].Parent {
		if _, ok := a.blocks[id].Vars[name]; ok {
			return id, true
		}
	}
	return NoBlock, false
}

// IsAncestor returns whether anc is id
// or one of its ancestors.
func (a *Arena) IsAncestor(anc, id BlockID) bool {
	for ; id != NoBlock; id = a.blocks[id].Parent {
		if id == anc {
			return true
		}
	}
	return false
}

// Bind records that reader has been advanced
// within block id. A reader may be bound to
// a given block at most once.
func (a *Arena) Bind(id BlockID, reader string) {
	b := a.mutable(id)
	if b.bound[reader] {
		panic(fmt.Sprintf("ir: reader %s bound twice in block %d", reader, id))
	}
	if b.bound == nil {
		b.bound = make(map[string]bool)
	}
	b.bound[reader] = true
}

// BoundIn returns whether reader was
// advanced in block id itself.
func (a *Arena) BoundIn(id BlockID, reader string) bool {
	return a.blocks[id].bound[reader]
}

// IsBound returns whether reader was advanced
// in block id or any of its ancestors.
func (a *Arena) IsBound(id BlockID, reader string) bool {
	for ; id != NoBlock; id = a.blocks[id].Parent {
		if a.blocks[id].bound[reader] {
			return true
		}
	}
	return false
}

// SetOverride redirects reads of reader
// in block id and its descendants.
func (a *Arena) SetOverride(id BlockID, reader string, ov Override) {
	b := a.mutable(id)
	if b.overrides == nil {
		b.overrides = make(map[string]Override)
	}
	b.overrides[reader] = ov
}

// OverrideIn returns whether block id
// itself overrides reader.
func (a *Arena) OverrideIn(id BlockID, reader string) bool {
	_, ok := a.blocks[id].overrides[reader]
	return ok
}

// LookupOverride returns the closest override
// of reader visible from block id.
func (a *Arena) LookupOverride(id BlockID, reader string) (Override, BlockID, bool) {
	for ; id != NoBlock; id = a.blocks[id].Parent {
		if ov, ok := a.blocks[id].overrides[reader]; ok {
			return ov, id, true
		}
	}
	return Override{}, NoBlock, false
}

// Enclosing returns the closest block at or
// above id whose tag satisfies fn, or NoBlock.
func (a *Arena) Enclosing(id BlockID, fn func(Tag) bool) BlockID {
	for ; id != NoBlock; id = a.blocks[id].Parent {
		if fn(a.blocks[id].Tag) {
			return id
		}
	}
	return NoBlock
}
