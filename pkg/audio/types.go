package audio

import (
	"fmt"
	"time"
)

// Format describes the sample rate and channel count of an audio stream.
type Format struct {
	SampleRate int
	Channels   int
}

// Frames returns the number of sample frames spanning d in this format,
// rounded to the nearest frame so Frames(Duration(n)) == n.
func (f Format) Frames(d time.Duration) int {
	return int((int64(f.SampleRate)*int64(d) + int64(time.Second)/2) / int64(time.Second))
}

// Duration returns the playback length of n sample frames.
func (f Format) Duration(frames int) time.Duration {
	if f.SampleRate <= 0 {
		return 0
	}
	return time.Duration(int64(frames) * int64(time.Second) / int64(f.SampleRate))
}

// String returns a human-readable representation, e.g. "24000Hz mono".
func (f Format) String() string {
	ch := "mono"
	if f.Channels == 2 {
		ch = "stereo"
	} else if f.Channels > 2 {
		ch = fmt.Sprintf("%dch", f.Channels)
	}
	return fmt.Sprintf("%dHz %s", f.SampleRate, ch)
}

// Buffer is a planar, time-domain block of float32 samples ready for
// playback. Samples are nominally in [-1, 1].
type Buffer struct {
	// SampleRate in Hz.
	SampleRate int

	// Channels holds one slice per channel; all slices have the same length.
	Channels [][]float32
}

// Format returns the buffer's sample rate and channel count.
func (b *Buffer) Format() Format {
	return Format{SampleRate: b.SampleRate, Channels: len(b.Channels)}
}

// Frames returns the number of sample frames per channel.
func (b *Buffer) Frames() int {
	if len(b.Channels) == 0 {
		return 0
	}
	return len(b.Channels[0])
}

// Duration returns the playback length of the buffer.
func (b *Buffer) Duration() time.Duration {
	return b.Format().Duration(b.Frames())
}

// Mono returns the buffer folded down to a single channel by averaging.
// A mono buffer returns its only channel without copying.
func (b *Buffer) Mono() []float32 {
	switch len(b.Channels) {
	case 0:
		return nil
	case 1:
		return b.Channels[0]
	}
	n := b.Frames()
	out := make([]float32, n)
	scale := 1 / float32(len(b.Channels))
	for _, ch := range b.Channels {
		for i := range n {
			out[i] += ch[i] * scale
		}
	}
	return out
}
