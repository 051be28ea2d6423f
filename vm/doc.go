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

// Package vm interprets the scan functions
// produced by package fuse over in-memory records.
//
// Values are represented as plain Go values:
// nil is NULL, expr.Missing is MISSING, and
// otherwise bool, int64, float64, string,
// []any and map[string]any. Use Normalize to
// convert decoded JSON or YAML into this form.
//
// Each reader parameter of a function is bound
// to a column that navigates its path in the
// current record. A column whose path ends in
// an array element is the driver of that array:
// its next() moves to the following element,
// and restarts at the first element whenever
// the enclosing record or element has changed.
// Columns below an array element follow the
// position of the driver of that array.
package vm
