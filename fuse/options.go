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
	"log"
)

// DefaultNamePrefix is the prefix of the
// names of generated scan functions.
const DefaultNamePrefix = "scan"

type options struct {
	logger *log.Logger
	prefix string
}

// Option is an option that can be passed to Compile.
type Option func(o *options)

// WithLogger is an option that
// can be passed to Compile to
// have it log its fusion decisions.
// If no logger is set, Compile will
// not write out any diagnostics.
func WithLogger(l *log.Logger) Option {
	return func(o *options) {
		o.logger = l
	}
}

// WithNamePrefix sets the prefix of the
// names of generated scan functions.
func WithNamePrefix(p string) Option {
	return func(o *options) {
		o.prefix = p
	}
}
