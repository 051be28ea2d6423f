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
	"golang.org/x/crypto/blake2b"
)

// Fingerprint returns a digest identifying
// a frozen function: two functions with the
// same fingerprint execute identically over
// the same reader schemas.
func Fingerprint(fn *MainFunction) [32]byte {
	if !fn.Frozen() {
		panic("ir: Fingerprint of unfrozen function " + fn.Name)
	}
	h, _ := blake2b.New256(nil)
	h.Write([]byte(Format(fn)))
	for _, p := range fn.Schemas() {
		h.Write([]byte{0})
		h.Write([]byte(p.String()))
	}
	var out [32]byte
	h.Sum(out[:0])
	return out
}
