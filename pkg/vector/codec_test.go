package vector

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	v := []float32{0.1, -2.5, 3.75, 0}
	got, err := Decode(Encode(v))
	require.NoError(t, err)
	assert.Equal(t, v, got)
}

func TestEncodeNil(t *testing.T) {
	assert.Nil(t, Encode(nil))
}

func TestDecodeRejectsGarbage(t *testing.T) {
	_, err := Decode(nil)
	assert.ErrorIs(t, err, ErrInvalidVector)

	_, err = Decode([]byte{1, 2})
	assert.ErrorIs(t, err, ErrInvalidVector)

	// Header claims more elements than the blob carries.
	_, err = Decode([]byte{0xff, 0, 0, 0, 1, 2, 3, 4})
	assert.ErrorIs(t, err, ErrInvalidVector)
}

func TestQuantizeRoundTrip(t *testing.T) {
	v := []float32{0.5, -1.0, 0.25, 1.0}
	got, err := Dequantize(Quantize(v))
	require.NoError(t, err)
	require.Len(t, got, len(v))
	for i := range v {
		assert.InDelta(t, float64(v[i]), float64(got[i]), 0.02)
	}
}

func TestQuantizeZeroVector(t *testing.T) {
	got, err := Dequantize(Quantize([]float32{0, 0, 0}))
	require.NoError(t, err)
	assert.Equal(t, []float32{0, 0, 0}, got)
}

func TestQuantizeEmpty(t *testing.T) {
	assert.Nil(t, Quantize(nil))
	_, err := Dequantize([]byte{1})
	assert.ErrorIs(t, err, ErrInvalidVector)
}
