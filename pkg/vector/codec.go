package vector

import (
	"encoding/binary"
	"errors"
	"math"
)

// ErrInvalidVector indicates a malformed or empty encoded vector blob.
var ErrInvalidVector = errors.New("invalid vector encoding")

// Encode converts a float32 slice to its wire form: a little-endian int32
// length header followed by IEEE-754 32-bit little-endian values. A nil
// slice encodes to nil.
func Encode(v []float32) []byte {
	if v == nil {
		return nil
	}
	out := make([]byte, 4+4*len(v))
	binary.LittleEndian.PutUint32(out, uint32(len(v)))
	for i, x := range v {
		binary.LittleEndian.PutUint32(out[4+4*i:], math.Float32bits(x))
	}
	return out
}

// Decode converts a blob produced by Encode back to a float32 slice.
func Decode(data []byte) ([]float32, error) {
	if len(data) < 4 {
		return nil, ErrInvalidVector
	}
	n := int(int32(binary.LittleEndian.Uint32(data)))
	if n < 0 || len(data) < 4+4*n {
		return nil, ErrInvalidVector
	}
	v := make([]float32, n)
	for i := range v {
		v[i] = math.Float32frombits(binary.LittleEndian.Uint32(data[4+4*i:]))
	}
	return v, nil
}

// Quantize produces the compressed form of a vector: int8 symmetric
// quantisation with a single float32 scale header. Lossy; used only for the
// optional compressed_vec column, never for scoring.
func Quantize(v []float32) []byte {
	if len(v) == 0 {
		return nil
	}
	var maxAbs float32
	for _, x := range v {
		if a := float32(math.Abs(float64(x))); a > maxAbs {
			maxAbs = a
		}
	}
	scale := maxAbs / 127
	if scale == 0 {
		scale = 1
	}
	out := make([]byte, 4+len(v))
	binary.LittleEndian.PutUint32(out, math.Float32bits(scale))
	for i, x := range v {
		out[4+i] = byte(int8(math.Round(float64(x / scale))))
	}
	return out
}

// Dequantize reverses Quantize.
func Dequantize(data []byte) ([]float32, error) {
	if len(data) < 4 {
		return nil, ErrInvalidVector
	}
	scale := math.Float32frombits(binary.LittleEndian.Uint32(data))
	v := make([]float32, len(data)-4)
	for i := range v {
		v[i] = float32(int8(data[4+i])) * scale
	}
	return v, nil
}
