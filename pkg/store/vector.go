package store

import (
	"encoding/binary"
	"fmt"
	"math"
)

// EncodeVector packs an embedding into the storage blob format: a 4-byte
// little-endian dimension header followed by the components as
// little-endian float32 bits.
func EncodeVector(vec []float32) ([]byte, error) {
	if len(vec) == 0 {
		return nil, fmt.Errorf("encode vector: empty embedding")
	}
	buf := make([]byte, 4+4*len(vec))
	binary.LittleEndian.PutUint32(buf[:4], uint32(len(vec)))
	for i, v := range vec {
		binary.LittleEndian.PutUint32(buf[4+4*i:], math.Float32bits(v))
	}
	return buf, nil
}

// DecodeVector unpacks a blob written by EncodeVector.
func DecodeVector(blob []byte) ([]float32, error) {
	if len(blob) < 4 {
		return nil, fmt.Errorf("decode vector: blob too short (%d bytes)", len(blob))
	}
	dim := int(binary.LittleEndian.Uint32(blob[:4]))
	if want := 4 + 4*dim; len(blob) != want {
		return nil, fmt.Errorf("decode vector: dimension %d wants %d bytes, got %d", dim, want, len(blob))
	}
	vec := make([]float32, dim)
	for i := range vec {
		vec[i] = math.Float32frombits(binary.LittleEndian.Uint32(blob[4+4*i:]))
	}
	return vec, nil
}
