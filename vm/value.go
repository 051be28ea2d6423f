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
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/SnellerInc/scanfuse/expr"

	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
)

// Key is a composite group key
// built by make-key.
type Key []any

// Normalize converts a decoded JSON or YAML
// value into the value representation of
// the vm: integers become int64 and other
// numbers float64.
func Normalize(v any) any {
	switch v := v.(type) {
	case json.Number:
		if i, err := v.Int64(); err == nil {
			return i
		}
		f, _ := v.Float64()
		return f
	case int:
		return int64(v)
	case int32:
		return int64(v)
	case float32:
		return float64(v)
	case float64:
		if v == math.Trunc(v) && math.Abs(v) < 1<<53 {
			return int64(v)
		}
		return v
	case []any:
		out := make([]any, len(v))
		for i := range v {
			out[i] = Normalize(v[i])
		}
		return out
	case map[string]any:
		out := make(map[string]any, len(v))
		for k, x := range v {
			out[k] = Normalize(x)
		}
		return out
	}
	return v
}

// Format returns a textual representation
// of v; structure fields are sorted by name.
func Format(v any) string {
	var b strings.Builder
	format(&b, v)
	return b.String()
}

func format(b *strings.Builder, v any) {
	switch v := v.(type) {
	case nil:
		b.WriteString("null")
	case bool:
		b.WriteString(strconv.FormatBool(v))
	case int64:
		b.WriteString(strconv.FormatInt(v, 10))
	case float64:
		b.WriteString(strconv.FormatFloat(v, 'g', -1, 64))
	case string:
		b.WriteString(strconv.Quote(v))
	case []any:
		b.WriteByte('[')
		for i := range v {
			if i > 0 {
				b.WriteString(", ")
			}
			format(b, v[i])
		}
		b.WriteByte(']')
	case Key:
		format(b, []any(v))
	case map[string]any:
		keys := maps.Keys(v)
		slices.Sort(keys)
		b.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				b.WriteString(", ")
			}
			b.WriteString(k)
			b.WriteString(": ")
			format(b, v[k])
		}
		b.WriteByte('}')
	default:
		if v == expr.Missing {
			b.WriteString("missing")
			return
		}
		fmt.Fprintf(b, "<%T>", v)
	}
}

func isMissing(v any) bool { return v == expr.Missing }

// unknown returns whether v is NULL or MISSING.
func unknown(v any) bool { return v == nil || isMissing(v) }

// truth evaluates v as a condition;
// anything but true is false.
func truth(v any) bool {
	b, ok := v.(bool)
	return ok && b
}

func number(v any) (float64, bool) {
	switch v := v.(type) {
	case int64:
		return float64(v), true
	case float64:
		return v, true
	}
	return 0, false
}

// compare orders a and b; ok is false if
// the values are unknown or of types that
// have no relative order.
func compare(a, b any) (c int, ok bool) {
	if unknown(a) || unknown(b) {
		return 0, false
	}
	if x, ok := a.(int64); ok {
		if y, ok := b.(int64); ok {
			switch {
			case x < y:
				return -1, true
			case x > y:
				return 1, true
			}
			return 0, true
		}
	}
	if x, ok := number(a); ok {
		y, ok := number(b)
		if !ok {
			return 0, false
		}
		switch {
		case x < y:
			return -1, true
		case x > y:
			return 1, true
		}
		return 0, true
	}
	switch x := a.(type) {
	case string:
		y, ok := b.(string)
		if !ok {
			return 0, false
		}
		return strings.Compare(x, y), true
	case bool:
		y, ok := b.(bool)
		if !ok {
			return 0, false
		}
		switch {
		case x == y:
			return 0, true
		case !x:
			return -1, true
		}
		return 1, true
	}
	return 0, false
}

// equal compares any two known values,
// including lists and structures.
func equal(a, b any) bool {
	if c, ok := compare(a, b); ok {
		return c == 0
	}
	return slices.Equal(encode(nil, a), encode(nil, b))
}

// arith applies a numeric operator.
// NULL or MISSING operands yield MISSING.
func arith(op byte, a, b any) any {
	if unknown(a) || unknown(b) {
		return expr.Missing
	}
	if x, ok := a.(int64); ok {
		if y, ok := b.(int64); ok {
			switch op {
			case '+':
				return x + y
			case '-':
				return x - y
			case '*':
				return x * y
			case '/':
				if y == 0 {
					return nil
				}
				return x / y
			case '%':
				if y == 0 {
					return nil
				}
				return x % y
			}
		}
	}
	x, ok := number(a)
	y, ok2 := number(b)
	if !ok || !ok2 {
		return expr.Missing
	}
	switch op {
	case '+':
		return x + y
	case '-':
		return x - y
	case '*':
		return x * y
	case '/':
		if y == 0 {
			return nil
		}
		return x / y
	case '%':
		if y == 0 {
			return nil
		}
		return math.Mod(x, y)
	}
	return expr.Missing
}

func appendUint64(dst []byte, u uint64) []byte {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], u)
	return append(dst, buf[:]...)
}

func appendUvarint(dst []byte, u uint64) []byte {
	var buf [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(buf[:], u)
	return append(dst, buf[:n]...)
}

// encode appends a self-delimiting
// encoding of v to dst; equal values
// have equal encodings.
func encode(dst []byte, v any) []byte {
	switch v := v.(type) {
	case nil:
		return append(dst, 'n')
	case bool:
		if v {
			return append(dst, 't')
		}
		return append(dst, 'f')
	case int64:
		dst = append(dst, 'i')
		return appendUint64(dst, uint64(v))
	case float64:
		if v == math.Trunc(v) && math.Abs(v) < 1<<63 {
			return encode(dst, int64(v))
		}
		dst = append(dst, 'd')
		return appendUint64(dst, math.Float64bits(v))
	case string:
		dst = append(dst, 's')
		dst = appendUvarint(dst, uint64(len(v)))
		return append(dst, v...)
	case []any:
		dst = append(dst, 'l')
		dst = appendUvarint(dst, uint64(len(v)))
		for i := range v {
			dst = encode(dst, v[i])
		}
		return dst
	case Key:
		dst = append(dst, 'k')
		dst = appendUvarint(dst, uint64(len(v)))
		for i := range v {
			dst = encode(dst, v[i])
		}
		return dst
	case map[string]any:
		keys := maps.Keys(v)
		slices.Sort(keys)
		dst = append(dst, 'm')
		dst = appendUvarint(dst, uint64(len(keys)))
		for _, k := range keys {
			dst = encode(dst, k)
			dst = encode(dst, v[k])
		}
		return dst
	}
	if isMissing(v) {
		return append(dst, 'x')
	}
	return append(dst, fmt.Sprintf("?%T", v)...)
}
