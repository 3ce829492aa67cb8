package dtypes

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/x448/float16"
)

func TestSizes(t *testing.T) {
	require.Equal(t, 1, Bool.Size())
	require.Equal(t, 2, Float16.Size())
	require.Equal(t, 2, BFloat16.Size())
	require.Equal(t, 4, Float32.Size())
	require.Equal(t, 8, Int64.Size())
	require.Equal(t, 0, InvalidDType.Size())
	require.Equal(t, 0, DType(1000).Size())
	for _, dt := range DTypeValues()[1:] {
		assert.Equal(t, dt.Size(), dt.Alignment(), dt.String())
	}
}

func TestFromGoType(t *testing.T) {
	require.Equal(t, Float32, FromGoType[float32]())
	require.Equal(t, Float16, FromGoType[float16.Float16]())
	require.Equal(t, Uint8, FromGoType[uint8]())
	require.Equal(t, Int64, FromGoType[int64]())
	require.Equal(t, Bool, FromGoType[bool]())
}

func TestFlatRoundTrip(t *testing.T) {
	values := []float64{1.5, -2.25, 3.125}
	b := FlatToBytes(values)
	require.Len(t, b, 24)

	back, err := BytesToFlat[float64](b)
	require.NoError(t, err)
	require.Equal(t, values, back)

	// The conversion must have copied: mutating the bytes must not
	// change the typed slice.
	b[0] ^= 0xFF
	require.Equal(t, values, back)
}

func TestBytesToFlatErrors(t *testing.T) {
	_, err := BytesToFlat[int32]([]byte{1, 2, 3})
	require.Error(t, err)

	empty, err := BytesToFlat[int32](nil)
	require.NoError(t, err)
	require.Empty(t, empty)
}

func TestByteStrides(t *testing.T) {
	require.Equal(t, []int64{24, 8}, ByteStrides([]int{2, 3}, 4))
	require.Empty(t, ByteStrides([]int{}, 4))
	require.Equal(t, 6, NumElements([]int{2, 3}))
	require.Equal(t, 1, NumElements([]int{}))
}

func TestHalfPrecisionConversions(t *testing.T) {
	f32 := []float32{0, 1, -2, 0.5}
	h := Float32sToFloat16(f32)
	require.Equal(t, f32, Float16ToFloat32s(h))

	bf := Float32sToBFloat16(f32)
	require.Equal(t, f32, BFloat16ToFloat32s(bf))
}

func TestDTypeStrings(t *testing.T) {
	require.Equal(t, "Float32", Float32.String())
	dt, err := DTypeString("bfloat16")
	require.NoError(t, err)
	require.Equal(t, BFloat16, dt)
	_, err = DTypeString("no-such-type")
	require.Error(t, err)
	require.True(t, Float16.IsADType())
	require.False(t, DType(99).IsADType())
}
