// Copyright 2025 CloudWeGo Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//    http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package redux implements the elementwise reduction operators the
// collective engine applies during an allreduce, plus the adapter for a
// caller-supplied reduction function.
package redux

import (
	"encoding/binary"
	"math"
)

// Op identifies a built-in reduction operator.
type Op int

const (
	OpMin Op = iota
	OpMax
	OpSum
)

// Type identifies the element type a reduction is applied over.
type Type int

const (
	TypeInt32 Type = iota
	TypeUint32
	TypeFloat32
	TypeInt64
	TypeUint64
	TypeFloat64

	numTypes = TypeFloat64 + 1
)

// ElemSize returns the on-wire byte width of one element of t.
func ElemSize(t Type) int {
	switch t {
	case TypeInt32, TypeUint32, TypeFloat32:
		return 4
	case TypeInt64, TypeUint64, TypeFloat64:
		return 8
	default:
		panic("redux: unknown type")
	}
}

// Func combines a and b elementwise into out; all three buffers hold
// count contiguous elements of Type t, little-endian encoded.
type Func func(t Type, out, a, b []byte, count int)

var table [3 * int(numTypes)]Func

func index(op Op, t Type) int { return int(op)*int(numTypes) + int(t) }

func init() {
	table[index(OpMin, TypeInt32)] = apply(elemFunc32(minI32))
	table[index(OpMin, TypeUint32)] = apply(elemFunc32(minU32))
	table[index(OpMin, TypeFloat32)] = apply(elemFunc32(minF32))
	table[index(OpMin, TypeInt64)] = apply(elemFunc64(minI64))
	table[index(OpMin, TypeUint64)] = apply(elemFunc64(minU64))
	table[index(OpMin, TypeFloat64)] = apply(elemFunc64(minF64))

	table[index(OpMax, TypeInt32)] = apply(elemFunc32(maxI32))
	table[index(OpMax, TypeUint32)] = apply(elemFunc32(maxU32))
	table[index(OpMax, TypeFloat32)] = apply(elemFunc32(maxF32))
	table[index(OpMax, TypeInt64)] = apply(elemFunc64(maxI64))
	table[index(OpMax, TypeUint64)] = apply(elemFunc64(maxU64))
	table[index(OpMax, TypeFloat64)] = apply(elemFunc64(maxF64))

	table[index(OpSum, TypeInt32)] = apply(elemFunc32(sumI32))
	table[index(OpSum, TypeUint32)] = apply(elemFunc32(sumU32))
	table[index(OpSum, TypeFloat32)] = apply(elemFunc32(sumF32))
	table[index(OpSum, TypeInt64)] = apply(elemFunc64(sumI64))
	table[index(OpSum, TypeUint64)] = apply(elemFunc64(sumU64))
	table[index(OpSum, TypeFloat64)] = apply(elemFunc64(sumF64))
}

// Lookup returns the built-in Func for (op, t).
func Lookup(op Op, t Type) Func {
	return table[index(op, t)]
}

// elemFunc32/64 operate on one already-decoded pair and return the result.
type elemFunc32 func(a, b uint32) uint32
type elemFunc64 func(a, b uint64) uint64

func apply(f interface{}) Func {
	switch fn := f.(type) {
	case elemFunc32:
		return func(t Type, out, a, b []byte, count int) {
			for i := 0; i < count; i++ {
				off := i * 4
				av := binary.LittleEndian.Uint32(a[off:])
				bv := binary.LittleEndian.Uint32(b[off:])
				binary.LittleEndian.PutUint32(out[off:], fn(av, bv))
			}
		}
	case elemFunc64:
		return func(t Type, out, a, b []byte, count int) {
			for i := 0; i < count; i++ {
				off := i * 8
				av := binary.LittleEndian.Uint64(a[off:])
				bv := binary.LittleEndian.Uint64(b[off:])
				binary.LittleEndian.PutUint64(out[off:], fn(av, bv))
			}
		}
	default:
		panic("redux: unsupported elem func kind")
	}
}

func minI32(a, b uint32) uint32 {
	if int32(a) < int32(b) {
		return a
	}
	return b
}
func maxI32(a, b uint32) uint32 {
	if int32(a) > int32(b) {
		return a
	}
	return b
}
func sumI32(a, b uint32) uint32 { return uint32(int32(a) + int32(b)) }

func minU32(a, b uint32) uint32 {
	if a < b {
		return a
	}
	return b
}
func maxU32(a, b uint32) uint32 {
	if a > b {
		return a
	}
	return b
}
func sumU32(a, b uint32) uint32 { return a + b }

func minF32(a, b uint32) uint32 {
	if math.Float32frombits(a) < math.Float32frombits(b) {
		return a
	}
	return b
}
func maxF32(a, b uint32) uint32 {
	if math.Float32frombits(a) > math.Float32frombits(b) {
		return a
	}
	return b
}
func sumF32(a, b uint32) uint32 {
	return math.Float32bits(math.Float32frombits(a) + math.Float32frombits(b))
}

func minI64(a, b uint64) uint64 {
	if int64(a) < int64(b) {
		return a
	}
	return b
}
func maxI64(a, b uint64) uint64 {
	if int64(a) > int64(b) {
		return a
	}
	return b
}
func sumI64(a, b uint64) uint64 { return uint64(int64(a) + int64(b)) }

func minU64(a, b uint64) uint64 {
	if a < b {
		return a
	}
	return b
}
func maxU64(a, b uint64) uint64 {
	if a > b {
		return a
	}
	return b
}
func sumU64(a, b uint64) uint64 { return a + b }

func minF64(a, b uint64) uint64 {
	if math.Float64frombits(a) < math.Float64frombits(b) {
		return a
	}
	return b
}
func maxF64(a, b uint64) uint64 {
	if math.Float64frombits(a) > math.Float64frombits(b) {
		return a
	}
	return b
}
func sumF64(a, b uint64) uint64 {
	return math.Float64bits(math.Float64frombits(a) + math.Float64frombits(b))
}
