package pcm_test

import (
	"bytes"
	"encoding/binary"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/MrWong99/advisorlive/pkg/audio"
	"github.com/MrWong99/advisorlive/pkg/audio/pcm"
)

// samplesToBytes converts int16 samples to their little-endian byte form.
func samplesToBytes(samples []int16) []byte {
	buf := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(buf[i*2:], uint16(s))
	}
	return buf
}

// bytesToSamples converts little-endian bytes back to int16 samples.
func bytesToSamples(b []byte) []int16 {
	samples := make([]int16, len(b)/2)
	for i := range samples {
		samples[i] = int16(binary.LittleEndian.Uint16(b[i*2:]))
	}
	return samples
}

func TestBase64RoundTrip(t *testing.T) {
	t.Parallel()

	inputs := [][]byte{
		{},
		{0x00},
		{0xff, 0xfe},
		[]byte("balance sheet"),
		bytes.Repeat([]byte{0x01, 0x80, 0x7f}, 1000),
	}
	for _, in := range inputs {
		got, err := pcm.DecodeBase64(pcm.EncodeBase64(in))
		if err != nil {
			t.Fatalf("DecodeBase64(EncodeBase64(%d bytes)): %v", len(in), err)
		}
		if !bytes.Equal(got, in) {
			t.Errorf("round trip of %d bytes changed the data", len(in))
		}
	}
}

func TestDecodeBase64_Malformed(t *testing.T) {
	t.Parallel()

	for _, text := range []string{"!!!", "abc", "a===", "Zm9v\x00"} {
		_, err := pcm.DecodeBase64(text)
		if !errors.Is(err, pcm.ErrMalformedInput) {
			t.Errorf("DecodeBase64(%q) error = %v, want ErrMalformedInput", text, err)
		}
	}
}

func TestFloatToPCM16(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		in   float32
		want int16
	}{
		{"silence", 0, 0},
		{"half", 0.5, 16384},
		{"negative half", -0.5, -16384},
		{"truncates toward zero", 0.00005, 1},
		{"minus one", -1, -32768},
		{"plus one clamps", 1, 32767},
		{"above range clamps", 1.7, 32767},
		{"below range clamps", -3, -32768},
		{"nan is silence", float32(math.NaN()), 0},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got := bytesToSamples(pcm.FloatToPCM16([]float32{tc.in}))
			if len(got) != 1 {
				t.Fatalf("got %d samples, want 1", len(got))
			}
			if got[0] != tc.want {
				t.Errorf("FloatToPCM16(%v) = %d, want %d", tc.in, got[0], tc.want)
			}
		})
	}
}

func TestPCM16ToBuffer_Mono(t *testing.T) {
	t.Parallel()

	buf, err := pcm.PCM16ToBuffer(samplesToBytes([]int16{0, 16384, -32768}), 24000, 1)
	if err != nil {
		t.Fatalf("PCM16ToBuffer: %v", err)
	}
	if buf.SampleRate != 24000 {
		t.Errorf("SampleRate = %d, want 24000", buf.SampleRate)
	}
	want := []float32{0, 0.5, -1}
	got := buf.Channels[0]
	if len(got) != len(want) {
		t.Fatalf("frames = %d, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("sample %d = %v, want %v", i, got[i], want[i])
		}
	}
}

func TestPCM16ToBuffer_Stereo(t *testing.T) {
	t.Parallel()

	// Two interleaved frames: L=16384,R=-16384 and L=0,R=8192.
	buf, err := pcm.PCM16ToBuffer(samplesToBytes([]int16{16384, -16384, 0, 8192}), 48000, 2)
	if err != nil {
		t.Fatalf("PCM16ToBuffer: %v", err)
	}
	if len(buf.Channels) != 2 || buf.Frames() != 2 {
		t.Fatalf("got %d channels x %d frames, want 2x2", len(buf.Channels), buf.Frames())
	}
	if buf.Channels[0][0] != 0.5 || buf.Channels[1][0] != -0.5 {
		t.Errorf("frame 0 = (%v, %v), want (0.5, -0.5)", buf.Channels[0][0], buf.Channels[1][0])
	}
	if buf.Channels[0][1] != 0 || buf.Channels[1][1] != 0.25 {
		t.Errorf("frame 1 = (%v, %v), want (0, 0.25)", buf.Channels[0][1], buf.Channels[1][1])
	}
}

func TestPCM16ToBuffer_InvalidFrameLength(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		data     []byte
		channels int
	}{
		{"three samples two channels", samplesToBytes([]int16{1, 2, 3}), 2},
		{"five samples four channels", samplesToBytes([]int16{1, 2, 3, 4, 5}), 4},
		{"odd byte count", []byte{1, 2, 3}, 1},
		{"zero channels", samplesToBytes([]int16{1, 2}), 0},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := pcm.PCM16ToBuffer(tc.data, 24000, tc.channels)
			if !errors.Is(err, pcm.ErrInvalidFrameLength) {
				t.Errorf("error = %v, want ErrInvalidFrameLength", err)
			}
		})
	}
}

func TestPCM16ToBuffer_OddSampleCountMono(t *testing.T) {
	t.Parallel()

	// Three samples in one channel is a valid frame layout.
	buf, err := pcm.PCM16ToBuffer(samplesToBytes([]int16{1, 2, 3}), 24000, 1)
	if err != nil {
		t.Fatalf("PCM16ToBuffer: %v", err)
	}
	if buf.Frames() != 3 {
		t.Errorf("frames = %d, want 3", buf.Frames())
	}
}

func TestFloatRoundTripWithinOneStep(t *testing.T) {
	t.Parallel()

	samples := make([]float32, 2001)
	for i := range samples {
		samples[i] = float32(i-1000) / 1000 // -1 .. 1 inclusive
	}
	encoded := pcm.EncodeBase64(pcm.FloatToPCM16(samples))
	decoded, err := pcm.DecodeBase64(encoded)
	if err != nil {
		t.Fatalf("DecodeBase64: %v", err)
	}
	buf, err := pcm.PCM16ToBuffer(decoded, 16000, 1)
	if err != nil {
		t.Fatalf("PCM16ToBuffer: %v", err)
	}

	const step = 1.0 / 32768
	for i, want := range samples {
		got := buf.Channels[0][i]
		if diff := math.Abs(float64(got - want)); diff > step+1e-9 {
			t.Errorf("sample %d: got %v, want %v (diff %g > %g)", i, got, want, diff, step)
		}
	}
}

func TestMIMEType(t *testing.T) {
	t.Parallel()
	if got, want := pcm.MIMEType(pcm.Input16K), "audio/pcm;rate=16000"; got != want {
		t.Errorf("MIMEType = %q, want %q", got, want)
	}
}

func TestDuration(t *testing.T) {
	t.Parallel()
	// 24000 samples of mono PCM16 is one second.
	if got := pcm.Duration(pcm.Output24K, 48000); got != time.Second {
		t.Errorf("Duration = %v, want 1s", got)
	}
}

func TestResampleMono16_Upsample(t *testing.T) {
	t.Parallel()

	// 2 samples at 16kHz -> 3 samples at 24kHz.
	out := pcm.ResampleMono16(samplesToBytes([]int16{1000, 2000}), 16000, 24000)
	got := bytesToSamples(out)
	if len(got) != 3 {
		t.Fatalf("expected 3 samples, got %d", len(got))
	}
	if got[0] != 1000 {
		t.Errorf("first sample: got %d, want 1000", got[0])
	}
	if last := got[len(got)-1]; last < 1500 || last > 2000 {
		t.Errorf("last sample: got %d, want between 1500 and 2000", last)
	}
}

func TestResampleMono16_Unchanged(t *testing.T) {
	t.Parallel()

	in := samplesToBytes([]int16{100, 200})
	for _, rates := range [][2]int{{16000, 16000}, {0, 24000}, {24000, 0}, {-1, 24000}} {
		if out := pcm.ResampleMono16(in, rates[0], rates[1]); len(out) != len(in) {
			t.Errorf("ResampleMono16(%d->%d): len %d, want %d", rates[0], rates[1], len(out), len(in))
		}
	}
}

func TestWriteWAV(t *testing.T) {
	t.Parallel()
	data := samplesToBytes([]int16{1, -1, 300, -300})

	var buf bytes.Buffer
	if err := pcm.WriteWAV(&buf, data, pcm.Output24K); err != nil {
		t.Fatalf("WriteWAV: %v", err)
	}
	out := buf.Bytes()
	if len(out) != pcm.WAVHeaderSize+len(data) {
		t.Fatalf("len = %d, want %d", len(out), pcm.WAVHeaderSize+len(data))
	}
	if string(out[0:4]) != "RIFF" || string(out[8:12]) != "WAVE" || string(out[36:40]) != "data" {
		t.Errorf("bad chunk ids: %q", out[:40])
	}
	if got := binary.LittleEndian.Uint32(out[24:28]); got != 24000 {
		t.Errorf("sample rate = %d, want 24000", got)
	}
	if got := binary.LittleEndian.Uint32(out[28:32]); got != 48000 {
		t.Errorf("byte rate = %d, want 48000", got)
	}
	if got := binary.LittleEndian.Uint32(out[40:44]); got != uint32(len(data)) {
		t.Errorf("data size = %d, want %d", got, len(data))
	}
	if !bytes.Equal(out[pcm.WAVHeaderSize:], data) {
		t.Error("payload not copied verbatim")
	}
}

func TestWriteWAV_Invalid(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	if err := pcm.WriteWAV(&buf, []byte{1, 2, 3}, pcm.Output24K); !errors.Is(err, pcm.ErrInvalidFrameLength) {
		t.Errorf("odd length: err = %v, want ErrInvalidFrameLength", err)
	}
	if err := pcm.WriteWAV(&buf, nil, audio.Format{}); err == nil {
		t.Error("zero format: err = nil")
	}
}
