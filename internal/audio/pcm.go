package audio

import (
	"encoding/binary"
	"math"
)

// FloatToInt16 converts normalized float samples to signed 16-bit PCM,
// clamping to [-1, 1] first.
func FloatToInt16(samples []float32) []int16 {
	out := make([]int16, len(samples))
	for i, sample := range samples {
		s := math.Max(-1, math.Min(1, float64(sample)))
		if s < 0 {
			out[i] = int16(s * 0x8000)
		} else {
			out[i] = int16(s * 0x7FFF)
		}
	}
	return out
}

// Int16Bytes serializes PCM samples little-endian.
func Int16Bytes(samples []int16) []byte {
	out := make([]byte, len(samples)*2)
	for i, sample := range samples {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(sample))
	}
	return out
}

// DecodeFloat32LE parses little-endian float32 samples. Trailing bytes that
// do not form a full sample are ignored.
func DecodeFloat32LE(raw []byte) []float32 {
	out := make([]float32, len(raw)/4)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(raw[i*4:]))
	}
	return out
}

// EncodeFloatFramesWAV joins float frames in order and wraps them as PCM16 WAV.
func EncodeFloatFramesWAV(frames [][]float32, sampleRate int) ([]byte, error) {
	total := 0
	for _, frame := range frames {
		total += len(frame)
	}
	joined := make([]float32, 0, total)
	for _, frame := range frames {
		joined = append(joined, frame...)
	}
	return EncodeWAV(FloatToInt16(joined), sampleRate)
}
