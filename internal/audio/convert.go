// convert.go: PCM byte stream conversion between the external processes and the sample buffers
package audio

import (
	"encoding/binary"
	"math"
)

// PCMToSamples converts little-endian signed 16-bit PCM bytes to normalized
// float32 samples in [-1, 1). A trailing odd byte is ignored. Returns the
// number of samples written to dst.
func PCMToSamples(pcm []byte, dst []float32) int {
	n := len(pcm) / 2
	if n > len(dst) {
		n = len(dst)
	}
	for i := 0; i < n; i++ {
		s := int16(binary.LittleEndian.Uint16(pcm[i*2 : i*2+2]))
		dst[i] = float32(s) / 32768.0
	}
	return n
}

// SamplesToPCM converts normalized float32 samples to little-endian signed
// 16-bit PCM bytes, clamping out-of-range values. Returns the number of bytes
// written to dst.
func SamplesToPCM(samples []float32, dst []byte) int {
	n := len(samples)
	if n*2 > len(dst) {
		n = len(dst) / 2
	}
	for i := 0; i < n; i++ {
		v := samples[i]
		if v > 1.0 {
			v = 1.0
		} else if v < -1.0 {
			v = -1.0
		}
		s := int16(v * 32767.0)
		binary.LittleEndian.PutUint16(dst[i*2:i*2+2], uint16(s))
	}
	return n * 2
}

// floatBits and floatFromBits let a float64 live in an atomic.Uint64.
func floatBits(f float64) uint64     { return math.Float64bits(f) }
func floatFromBits(b uint64) float64 { return math.Float64frombits(b) }
