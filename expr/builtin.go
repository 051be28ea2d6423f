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
	"strconv"
)

// Kind classifies a function by how
// it consumes its input.
type Kind uint8

const (
	// Scalar functions map one row
	// to one value.
	Scalar Kind = iota
	// Aggregate functions reduce a
	// stream of rows to one value.
	Aggregate
	// Stateful functions keep state
	// across rows.
	Stateful
	// Unnesting functions produce zero
	// or more rows from one row.
	Unnesting
)

var kindNames = [...]string{
	Scalar:    "scalar",
	Aggregate: "aggregate",
	Stateful:  "stateful",
	Unnesting: "unnesting",
}

func (k Kind) String() string {
	if int(k) < len(kindNames) {
		return kindNames[k]
	}
	return "Kind(" + strconv.Itoa(int(k)) + ")"
}

// Func is the identity of a function.
type Func int

const (
	Not Func = iota
	And
	Or
	Eq
	Neq
	Lt
	Le
	Gt
	Ge
	NumericAdd
	NumericSubtract
	NumericMultiply
	NumericDivide
	NumericMod
	NumericUnaryMinus
	SwitchCase
	GetItem
	FieldAccessByName
	IsMissing
	IsNull
	IsUnknown
	Lowercase
	Uppercase
	StringLength
	Contains
	StartsWith
	Abs
	ArrayLength

	// aggregates
	Count
	SQLCount
	LocalCount
	Sum
	SQLSum
	LocalSum
	SerialLocalSum
	Min
	Max
	SQLMin
	SQLMax
	LocalMin
	LocalMax
	GlobalMin
	GlobalMax
	NonEmptyStream
	Listify

	// unnesting
	ScanCollection

	// stateful
	CreateQueryUID

	maxFunc
)

type finfo struct {
	name string
	kind Kind
}

var funcs = [maxFunc]finfo{
	Not:               {name: "not"},
	And:               {name: "and"},
	Or:                {name: "or"},
	Eq:                {name: "eq"},
	Neq:               {name: "neq"},
	Lt:                {name: "lt"},
	Le:                {name: "le"},
	Gt:                {name: "gt"},
	Ge:                {name: "ge"},
	NumericAdd:        {name: "numeric-add"},
	NumericSubtract:   {name: "numeric-subtract"},
	NumericMultiply:   {name: "numeric-multiply"},
	NumericDivide:     {name: "numeric-divide"},
	NumericMod:        {name: "numeric-mod"},
	NumericUnaryMinus: {name: "numeric-unary-minus"},
	SwitchCase:        {name: "switch-case"},
	GetItem:           {name: "get-item"},
	FieldAccessByName: {name: "field-access-by-name"},
	IsMissing:         {name: "is-missing"},
	IsNull:            {name: "is-null"},
	IsUnknown:         {name: "is-unknown"},
	Lowercase:         {name: "lowercase"},
	Uppercase:         {name: "uppercase"},
	StringLength:      {name: "string-length"},
	Contains:          {name: "contains"},
	StartsWith:        {name: "starts-with"},
	Abs:               {name: "abs"},
	ArrayLength:       {name: "array-length"},

	Count:          {name: "count", kind: Aggregate},
	SQLCount:       {name: "sql-count", kind: Aggregate},
	LocalCount:     {name: "local-count", kind: Aggregate},
	Sum:            {name: "sum", kind: Aggregate},
	SQLSum:         {name: "sql-sum", kind: Aggregate},
	LocalSum:       {name: "local-sum", kind: Aggregate},
	SerialLocalSum: {name: "serial-local-sum", kind: Aggregate},
	Min:            {name: "min", kind: Aggregate},
	Max:            {name: "max", kind: Aggregate},
	SQLMin:         {name: "sql-min", kind: Aggregate},
	SQLMax:         {name: "sql-max", kind: Aggregate},
	LocalMin:       {name: "local-min", kind: Aggregate},
	LocalMax:       {name: "local-max", kind: Aggregate},
	GlobalMin:      {name: "global-min", kind: Aggregate},
	GlobalMax:      {name: "global-max", kind: Aggregate},
	NonEmptyStream: {name: "non-empty-stream", kind: Aggregate},
	Listify:        {name: "listify", kind: Aggregate},

	ScanCollection: {name: "scan-collection", kind: Unnesting},

	CreateQueryUID: {name: "create-query-uid", kind: Stateful},
}

func (f Func) valid() bool { return f >= 0 && f < maxFunc }

func (f Func) String() string {
	if f.valid() {
		return funcs[f].name
	}
	return "Func(" + strconv.Itoa(int(f)) + ")"
}

// Kind returns the kind of the function.
func (f Func) Kind() Kind {
	if f.valid() {
		return funcs[f].kind
	}
	return Scalar
}

// Lookup returns the function with the given name.
func Lookup(name string) (Func, bool) {
	for i := range funcs {
		if funcs[i].name == name {
			return Func(i), true
		}
	}
	return 0, false
}

// IsCount returns whether f counts its input.
func (f Func) IsCount() bool {
	return f == Count || f == SQLCount || f == LocalCount
}

// IsSum returns whether f sums its input.
func (f Func) IsSum() bool {
	switch f {
	case Sum, SQLSum, LocalSum, SerialLocalSum:
		return true
	}
	return false
}

// IsMin returns whether f is any MIN variant.
func (f Func) IsMin() bool {
	switch f {
	case Min, SQLMin, LocalMin, GlobalMin:
		return true
	}
	return false
}

// IsMax returns whether f is any MAX variant.
func (f Func) IsMax() bool {
	switch f {
	case Max, SQLMax, LocalMax, GlobalMax:
		return true
	}
	return false
}

// ZeroSeeded returns whether the aggregate
// produces 0 rather than NULL over zero rows.
func (f Func) ZeroSeeded() bool {
	return f.IsCount() || f == LocalSum || f == SerialLocalSum
}
