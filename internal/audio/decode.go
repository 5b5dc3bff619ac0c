package audio

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/hajimehoshi/go-mp3"
)

// Format identifies an encoded audio payload.
type Format string

const (
	FormatUnknown Format = "unknown"
	FormatWAV     Format = "wav"
	FormatMP3     Format = "mp3"
)

// ErrUnsupportedFormat is returned for payloads that are neither WAV nor MP3.
var ErrUnsupportedFormat = errors.New("unsupported audio format")

// DetectFormat sniffs the container of an encoded payload.
func DetectFormat(data []byte) Format {
	switch {
	case len(data) >= 12 && string(data[0:4]) == "RIFF" && string(data[8:12]) == "WAVE":
		return FormatWAV
	case len(data) >= 3 && string(data[0:3]) == "ID3":
		return FormatMP3
	case len(data) >= 2 && data[0] == 0xFF && data[1]&0xE0 == 0xE0:
		return FormatMP3
	default:
		return FormatUnknown
	}
}

// ToWAV normalizes a synthesized speech payload into WAV. WAV input passes
// through untouched; MP3 is decoded and down-mixed to mono PCM16.
func ToWAV(data []byte) ([]byte, error) {
	switch DetectFormat(data) {
	case FormatWAV:
		return data, nil
	case FormatMP3:
		return mp3ToWAV(data)
	default:
		return nil, ErrUnsupportedFormat
	}
}

func mp3ToWAV(data []byte) ([]byte, error) {
	dec, err := mp3.NewDecoder(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("failed to open mp3 stream: %w", err)
	}
	raw, err := io.ReadAll(dec)
	if err != nil {
		return nil, fmt.Errorf("failed to decode mp3 stream: %w", err)
	}

	// go-mp3 always yields interleaved stereo 16-bit little-endian.
	frames := len(raw) / 4
	mono := make([]int16, frames)
	for i := 0; i < frames; i++ {
		left := int(int16(binary.LittleEndian.Uint16(raw[i*4:])))
		right := int(int16(binary.LittleEndian.Uint16(raw[i*4+2:])))
		mono[i] = int16((left + right) / 2)
	}
	return EncodeWAV(mono, dec.SampleRate())
}
