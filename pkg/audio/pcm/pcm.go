// Package pcm converts audio between the wire representation used by the
// live model channel (base64-encoded little-endian 16-bit PCM) and the planar
// float32 samples used by the local audio devices.
//
// All functions are pure and safe for concurrent use.
package pcm

import (
	"encoding/base64"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/MrWong99/advisorlive/pkg/audio"
)

var (
	// ErrMalformedInput is returned by [DecodeBase64] for text that is not
	// valid standard base64.
	ErrMalformedInput = errors.New("pcm: malformed base64 input")

	// ErrInvalidFrameLength is returned by [PCM16ToBuffer] when the sample
	// count does not divide evenly into the requested channel count.
	ErrInvalidFrameLength = errors.New("pcm: invalid frame length")
)

// scale maps between int16 and float32 sample ranges.
const scale = 32768.0

// Common wire formats.
var (
	// Input16K is the capture format sent to the live model.
	Input16K = audio.Format{SampleRate: 16000, Channels: 1}

	// Output24K is the format of audio returned by the live model.
	Output24K = audio.Format{SampleRate: 24000, Channels: 1}
)

// MIMEType returns the MIME type announcing raw PCM16 at the format's rate,
// e.g. "audio/pcm;rate=16000".
func MIMEType(f audio.Format) string {
	return fmt.Sprintf("audio/pcm;rate=%d", f.SampleRate)
}

// Duration returns the playback length of n bytes of PCM16 in format f.
func Duration(f audio.Format, n int) time.Duration {
	if f.Channels <= 0 {
		return 0
	}
	return f.Duration(n / 2 / f.Channels)
}

// EncodeBase64 returns the standard base64 encoding of data.
func EncodeBase64(data []byte) string {
	return base64.StdEncoding.EncodeToString(data)
}

// DecodeBase64 decodes standard base64 text. Invalid input yields an error
// wrapping [ErrMalformedInput].
func DecodeBase64(text string) ([]byte, error) {
	data, err := base64.StdEncoding.DecodeString(text)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedInput, err)
	}
	return data, nil
}

// FloatToPCM16 converts float samples to little-endian signed 16-bit PCM by
// multiplying by 32768 and truncating toward zero.
//
// Samples outside [-1, 1] are clamped to the int16 range instead of wrapping
// around; NaN becomes silence.
func FloatToPCM16(samples []float32) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(floatToInt16(s)))
	}
	return out
}

func floatToInt16(s float32) int16 {
	v := float64(s) * scale
	switch {
	case math.IsNaN(v):
		return 0
	case v >= math.MaxInt16:
		return math.MaxInt16
	case v <= math.MinInt16:
		return math.MinInt16
	}
	return int16(v)
}

// PCM16ToBuffer de-interleaves little-endian 16-bit PCM into a planar
// [audio.Buffer] with the given sample rate and channel count. Each sample is
// divided by 32768.
//
// An error wrapping [ErrInvalidFrameLength] is returned when data has an odd
// byte length, channels is not positive, or the number of samples is not a
// multiple of channels.
func PCM16ToBuffer(data []byte, sampleRate, channels int) (*audio.Buffer, error) {
	if channels <= 0 {
		return nil, fmt.Errorf("%w: channel count %d", ErrInvalidFrameLength, channels)
	}
	if len(data)%2 != 0 {
		return nil, fmt.Errorf("%w: odd byte count %d", ErrInvalidFrameLength, len(data))
	}
	samples := len(data) / 2
	if samples%channels != 0 {
		return nil, fmt.Errorf("%w: %d samples do not divide into %d channels", ErrInvalidFrameLength, samples, channels)
	}

	frames := samples / channels
	buf := &audio.Buffer{
		SampleRate: sampleRate,
		Channels:   make([][]float32, channels),
	}
	for ch := range channels {
		plane := make([]float32, frames)
		for i := range frames {
			off := (i*channels + ch) * 2
			plane[i] = float32(int16(binary.LittleEndian.Uint16(data[off:]))) / scale
		}
		buf.Channels[ch] = plane
	}
	return buf, nil
}
