// Package dtypes defines the element layouts used when moving flat data
// across the plugin boundary.
//
// A DType records the logical element type of a byte region: its size and
// alignment. The boundary transports plain bytes, so converting between a
// byte region and a typed slice is where alignment bugs live. The
// converters in this package never reinterpret a byte allocation in
// place as a wider element type; they always allocate a correctly-aligned
// destination and copy the bytes in. The extra copy is the price of
// eliminating misaligned access altogether.
package dtypes

//go:generate go tool enumer -type=DType dtypes.go

import (
	"math"
	"unsafe"

	"github.com/pkg/errors"
	"github.com/x448/float16"
	"golang.org/x/exp/constraints"
)

// DType is the logical element type of a flat buffer.
type DType int32

const (
	InvalidDType DType = iota
	Bool
	Int8
	Int16
	Int32
	Int64
	Uint8
	Uint16
	Uint32
	Uint64
	Float16
	Float32
	Float64
	BFloat16
)

// Supported are the Go types that map to a DType.
//
// BFloat16 has no distinct Go type; its data travels as uint16 bit
// patterns and is converted with BFloat16ToFloat32s / Float32sToBFloat16.
type Supported interface {
	bool | int8 | int16 | int32 | int64 |
		uint8 | uint16 | uint32 | uint64 |
		float16.Float16 | float32 | float64
}

var dtypeSizes = [...]int{
	InvalidDType: 0,
	Bool:         1,
	Int8:         1,
	Int16:        2,
	Int32:        4,
	Int64:        8,
	Uint8:        1,
	Uint16:       2,
	Uint32:       4,
	Uint64:       8,
	Float16:      2,
	Float32:      4,
	Float64:      8,
	BFloat16:     2,
}

// Size returns the size in bytes of one element, or 0 for InvalidDType.
func (dt DType) Size() int {
	if dt <= InvalidDType || int(dt) >= len(dtypeSizes) {
		return 0
	}
	return dtypeSizes[dt]
}

// Alignment returns the required alignment in bytes of one element.
// For all supported types this coincides with the element size.
func (dt DType) Alignment() int {
	return dt.Size()
}

// FromGoType returns the DType corresponding to the Go type T.
func FromGoType[T Supported]() DType {
	var zero T
	switch any(zero).(type) {
	case bool:
		return Bool
	case int8:
		return Int8
	case int16:
		return Int16
	case int32:
		return Int32
	case int64:
		return Int64
	case uint8:
		return Uint8
	case uint16:
		return Uint16
	case uint32:
		return Uint32
	case uint64:
		return Uint64
	case float16.Float16:
		return Float16
	case float32:
		return Float32
	case float64:
		return Float64
	}
	return InvalidDType
}

// NumElements returns the product of dims: the element count of a buffer
// with those dimensions. Empty dims means a scalar, count 1.
func NumElements[T constraints.Integer](dims []T) T {
	count := T(1)
	for _, dim := range dims {
		count *= dim
	}
	return count
}

// ByteStrides returns the row-major byte strides for a buffer of the
// given dimensions and element size.
func ByteStrides[T constraints.Integer](dims []T, elemSize int) []int64 {
	strides := make([]int64, len(dims))
	stride := int64(elemSize)
	for i := len(dims) - 1; i >= 0; i-- {
		strides[i] = stride
		stride *= int64(dims[i])
	}
	return strides
}

// FlatToBytes copies a typed slice into a fresh byte slice suitable for
// handing across the boundary. The source slice is not retained.
func FlatToBytes[T Supported](values []T) []byte {
	dt := FromGoType[T]()
	if len(values) == 0 {
		return nil
	}
	out := make([]byte, len(values)*dt.Size())
	src := unsafe.Slice((*byte)(unsafe.Pointer(&values[0])), len(out))
	copy(out, src)
	return out
}

// BytesToFlat converts a byte region into a freshly allocated typed
// slice. It fails if the byte length is not a multiple of the element
// size. The bytes are copied into the new allocation rather than
// reinterpreted in place: the source may carry only byte alignment.
func BytesToFlat[T Supported](b []byte) ([]T, error) {
	dt := FromGoType[T]()
	if dt == InvalidDType {
		return nil, errors.Errorf("BytesToFlat: unsupported Go type")
	}
	if len(b)%dt.Size() != 0 {
		return nil, errors.Errorf("BytesToFlat: %d bytes is not a multiple of %s element size %d",
			len(b), dt, dt.Size())
	}
	n := len(b) / dt.Size()
	out := make([]T, n)
	if n > 0 {
		dst := unsafe.Slice((*byte)(unsafe.Pointer(&out[0])), len(b))
		copy(dst, b)
	}
	return out, nil
}

// Float16ToFloat32s widens IEEE 754 half-precision values.
func Float16ToFloat32s(values []float16.Float16) []float32 {
	out := make([]float32, len(values))
	for i, v := range values {
		out[i] = v.Float32()
	}
	return out
}

// Float32sToFloat16 narrows to half-precision with IEEE rounding.
func Float32sToFloat16(values []float32) []float16.Float16 {
	out := make([]float16.Float16, len(values))
	for i, v := range values {
		out[i] = float16.Fromfloat32(v)
	}
	return out
}

// BFloat16ToFloat32s widens bfloat16 bit patterns: bfloat16 is the upper
// 16 bits of a float32.
func BFloat16ToFloat32s(bits []uint16) []float32 {
	out := make([]float32, len(bits))
	for i, b := range bits {
		out[i] = math.Float32frombits(uint32(b) << 16)
	}
	return out
}

// Float32sToBFloat16 narrows to bfloat16 bit patterns by truncation.
func Float32sToBFloat16(values []float32) []uint16 {
	out := make([]uint16, len(values))
	for i, v := range values {
		out[i] = uint16(math.Float32bits(v) >> 16)
	}
	return out
}
