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

	"github.com/SnellerInc/scanfuse/expr"

	"golang.org/x/exp/slices"
)

// MainFunction is the scan function
// generated for one fused scope.
//
// Its formal parameters are the record
// cursor, the result sink, and one reader
// per schema path, in the order the readers
// were first bound.
type MainFunction struct {
	Name   string
	Arena  *Arena
	Body   BlockID
	Cursor *Identifier
	Sink   *Identifier

	readers []*Identifier
	paths   []expr.Path
	schemas []expr.Path
	frozen  bool
}

// NewMainFunction returns an empty function
// whose body is a fresh root block.
func NewMainFunction(name string) *MainFunction {
	a := NewArena()
	return &MainFunction{
		Name:   name,
		Arena:  a,
		Body:   a.New(NoBlock, TagFunction),
		Cursor: &Identifier{Name: "cursor"},
		Sink:   &Identifier{Name: "sink"},
	}
}

// AddReader adds a reader parameter
// consuming the given path.
func (f *MainFunction) AddReader(path expr.Path) *Identifier {
	if f.frozen {
		panic("ir: AddReader on frozen function " + f.Name)
	}
	id := &Identifier{Name: "reader_" + strconv.Itoa(len(f.readers))}
	f.readers = append(f.readers, id)
	f.paths = append(f.paths, path)
	return id
}

// Readers returns the reader parameters.
func (f *MainFunction) Readers() []*Identifier { return f.readers }

// Params returns every formal parameter.
func (f *MainFunction) Params() []*Identifier {
	out := make([]*Identifier, 0, len(f.readers)+2)
	out = append(out, f.Cursor, f.Sink)
	return append(out, f.readers...)
}

// Freeze records the path schemas of the
// function's readers. It may be called once.
func (f *MainFunction) Freeze() {
	if f.frozen {
		panic("ir: function " + f.Name + " frozen twice")
	}
	if len(f.paths) != len(f.readers) {
		panic(fmt.Sprintf("ir: %d readers but %d paths", len(f.readers), len(f.paths)))
	}
	f.schemas = slices.Clone(f.paths)
	f.frozen = true
}

// Frozen returns whether Freeze has been called.
func (f *MainFunction) Frozen() bool { return f.frozen }

// Schemas returns the path consumed by each
// reader parameter, or nil before Freeze.
func (f *MainFunction) Schemas() []expr.Path { return f.schemas }

// Block returns the block with the given id.
func (f *MainFunction) Block(id BlockID) *Block { return f.Arena.Block(id) }
