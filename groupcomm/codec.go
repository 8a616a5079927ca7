package groupcomm

import (
	"encoding/binary"
	"fmt"
	"math"
	"reflect"
)

// Elem is the set of element types a GroupCommunicator can
// move across the wire.
type Elem interface {
	~int | ~int32 | ~int64 | ~uint32 | ~uint64 | ~float32 | ~float64
}

// IntElem is the integer subset of Elem, for bitwise
// reduction operators.
type IntElem interface {
	~int | ~int32 | ~int64 | ~uint32 | ~uint64
}

// A Codec translates between element values and the byte
// representation used by the transport. Every element type
// has a fixed little-endian width on the wire.
type Codec[T Elem] struct {
	// Size is the number of bytes one element occupies.
	Size int
	// Put writes one element at the start of b.
	Put func(b []byte, v T)
	// Get reads one element from the start of b.
	Get func(b []byte) T
}

// CodecFor returns the wire codec for T. 32-bit types take
// four bytes; int, the 64-bit types, and float64 take
// eight.
func CodecFor[T Elem]() Codec[T] {
	var zero T
	switch reflect.TypeOf(zero).Kind() {
	case reflect.Int32, reflect.Uint32:
		return Codec[T]{
			Size: 4,
			Put:  func(b []byte, v T) { binary.LittleEndian.PutUint32(b, uint32(v)) },
			Get:  func(b []byte) T { return T(binary.LittleEndian.Uint32(b)) },
		}
	case reflect.Float32:
		return Codec[T]{
			Size: 4,
			Put: func(b []byte, v T) {
				binary.LittleEndian.PutUint32(b, math.Float32bits(float32(v)))
			},
			Get: func(b []byte) T {
				return T(math.Float32frombits(binary.LittleEndian.Uint32(b)))
			},
		}
	case reflect.Float64:
		return Codec[T]{
			Size: 8,
			Put: func(b []byte, v T) {
				binary.LittleEndian.PutUint64(b, math.Float64bits(float64(v)))
			},
			Get: func(b []byte) T {
				return T(math.Float64frombits(binary.LittleEndian.Uint64(b)))
			},
		}
	case reflect.Int, reflect.Int64, reflect.Uint64:
		return Codec[T]{
			Size: 8,
			Put:  func(b []byte, v T) { binary.LittleEndian.PutUint64(b, uint64(v)) },
			Get:  func(b []byte) T { return T(binary.LittleEndian.Uint64(b)) },
		}
	}
	panic(fmt.Sprintf("groupcomm: no codec for %T", zero))
}

// EncodeSlice encodes src into a fresh byte slice.
func (c Codec[T]) EncodeSlice(src []T) []byte {
	out := make([]byte, len(src)*c.Size)
	for i, v := range src {
		c.Put(out[i*c.Size:], v)
	}
	return out
}

// DecodeSlice decodes wire into dst. The lengths must
// agree exactly.
func (c Codec[T]) DecodeSlice(dst []T, wire []byte) {
	if len(wire) != len(dst)*c.Size {
		panic(fmt.Sprintf("groupcomm: decoding %d bytes into %d elements of width %d",
			len(wire), len(dst), c.Size))
	}
	for i := range dst {
		dst[i] = c.Get(wire[i*c.Size:])
	}
}
