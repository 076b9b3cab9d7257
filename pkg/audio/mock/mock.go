// Package mock provides in-memory implementations of the [audio.CaptureDevice]
// and [audio.OutputDevice] interfaces for use in unit tests.
//
// All mocks are safe for concurrent use. They record every call so that tests
// can assert on call counts and arguments, and they expose exported fields
// that the test can set to control return values.
//
// Typical usage:
//
//	mic := &mock.CaptureDevice{}
//	spk := &mock.OutputDevice{}
//	ctrl := voice.New(provider, mic, spk, cfg)
//	_ = ctrl.Start(ctx)
//	mic.Stream().Feed(make([]float32, 4096))
//	spk.Stream().SetTime(2 * time.Second)
package mock

import (
	"context"
	"sync"
	"time"

	"github.com/MrWong99/advisorlive/pkg/audio"
)

// ─── Capture ──────────────────────────────────────────────────────────────────

// CaptureOpenCall records the arguments of a single [CaptureDevice.Open].
type CaptureOpenCall struct {
	Format    audio.Format
	FrameSize int
}

// CaptureDevice is a mock implementation of [audio.CaptureDevice].
type CaptureDevice struct {
	mu sync.Mutex

	// OpenErr, when non-nil, is returned by Open and no stream is created.
	OpenErr error

	// OpenCalls records every Open invocation in order.
	OpenCalls []CaptureOpenCall

	streams []*CaptureStream
}

// Open implements [audio.CaptureDevice].
func (d *CaptureDevice) Open(_ context.Context, format audio.Format, frameSize int, fn audio.CaptureFunc) (audio.CaptureStream, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.OpenCalls = append(d.OpenCalls, CaptureOpenCall{Format: format, FrameSize: frameSize})
	if d.OpenErr != nil {
		return nil, d.OpenErr
	}
	s := &CaptureStream{fn: fn, frameSize: frameSize}
	d.streams = append(d.streams, s)
	return s, nil
}

// Stream returns the most recently opened stream, or nil.
func (d *CaptureDevice) Stream() *CaptureStream {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.streams) == 0 {
		return nil
	}
	return d.streams[len(d.streams)-1]
}

// OpenStreams returns how many opened streams have not been closed.
func (d *CaptureDevice) OpenStreams() int {
	d.mu.Lock()
	streams := append([]*CaptureStream(nil), d.streams...)
	d.mu.Unlock()
	n := 0
	for _, s := range streams {
		if !s.Closed() {
			n++
		}
	}
	return n
}

// CaptureStream is the stream returned by [CaptureDevice.Open]. Tests push
// sample windows through it with [CaptureStream.Feed].
type CaptureStream struct {
	mu        sync.Mutex
	fn        audio.CaptureFunc
	frameSize int
	closed    bool

	// CallCountClose records how many times Close was called.
	CallCountClose int
}

// Feed delivers samples to the capture callback as if the microphone had
// produced them. Feeding a closed stream is a no-op.
func (s *CaptureStream) Feed(samples []float32) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	fn := s.fn
	s.mu.Unlock()
	fn(samples)
}

// FrameSize returns the window size requested at Open.
func (s *CaptureStream) FrameSize() int { return s.frameSize }

// Closed reports whether Close has been called.
func (s *CaptureStream) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Close implements [audio.CaptureStream].
func (s *CaptureStream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CallCountClose++
	s.closed = true
	return nil
}

// ─── Output ───────────────────────────────────────────────────────────────────

// OutputDevice is a mock implementation of [audio.OutputDevice].
type OutputDevice struct {
	mu sync.Mutex

	// OpenErr, when non-nil, is returned by Open and no stream is created.
	OpenErr error

	// OpenFormats records the format passed to every Open call.
	OpenFormats []audio.Format

	streams []*OutputStream
}

// Open implements [audio.OutputDevice].
func (d *OutputDevice) Open(_ context.Context, format audio.Format) (audio.OutputStream, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.OpenFormats = append(d.OpenFormats, format)
	if d.OpenErr != nil {
		return nil, d.OpenErr
	}
	s := &OutputStream{format: format}
	d.streams = append(d.streams, s)
	return s, nil
}

// Stream returns the most recently opened stream, or nil.
func (d *OutputDevice) Stream() *OutputStream {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.streams) == 0 {
		return nil
	}
	return d.streams[len(d.streams)-1]
}

// OpenStreams returns how many opened streams have not been closed.
func (d *OutputDevice) OpenStreams() int {
	d.mu.Lock()
	streams := append([]*OutputStream(nil), d.streams...)
	d.mu.Unlock()
	n := 0
	for _, s := range streams {
		if !s.Closed() {
			n++
		}
	}
	return n
}

// Scheduled is one recorded [OutputStream.Schedule] call.
type Scheduled struct {
	Buffer *audio.Buffer
	At     time.Duration

	stream  *OutputStream
	onEnded func(audio.Source)
	stopped bool
	ended   bool
}

// Stop implements [audio.Source].
func (s *Scheduled) Stop() {
	s.stream.mu.Lock()
	defer s.stream.mu.Unlock()
	if s.stopped || s.ended {
		return
	}
	s.stopped = true
	s.stream.CallCountStop++
}

// Stopped reports whether Stop silenced the source before it ended.
func (s *Scheduled) Stopped() bool {
	s.stream.mu.Lock()
	defer s.stream.mu.Unlock()
	return s.stopped
}

// OutputStream is the stream returned by [OutputDevice.Open]. Its clock only
// moves when the test calls [OutputStream.SetTime].
type OutputStream struct {
	mu     sync.Mutex
	format audio.Format
	now    time.Duration
	closed bool

	// ScheduleErr, when non-nil, is returned by Schedule.
	ScheduleErr error

	// Scheduled records every successful Schedule call in order.
	Scheduled []*Scheduled

	// CallCountStop counts sources stopped before they ended.
	CallCountStop int

	// CallCountClose records how many times Close was called.
	CallCountClose int
}

// Format returns the format the stream was opened with.
func (s *OutputStream) Format() audio.Format { return s.format }

// SetTime moves the device clock to t.
func (s *OutputStream) SetTime(t time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = t
}

// CurrentTime implements [audio.OutputStream].
func (s *OutputStream) CurrentTime() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.now
}

// Schedule implements [audio.OutputStream].
func (s *OutputStream) Schedule(buf *audio.Buffer, at time.Duration, onEnded func(audio.Source)) (audio.Source, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, audio.ErrPlaybackClosed
	}
	if s.ScheduleErr != nil {
		return nil, s.ScheduleErr
	}
	sc := &Scheduled{Buffer: buf, At: at, stream: s, onEnded: onEnded}
	s.Scheduled = append(s.Scheduled, sc)
	return sc, nil
}

// Calls returns a snapshot of the recorded Schedule calls.
func (s *OutputStream) Calls() []*Scheduled {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*Scheduled(nil), s.Scheduled...)
}

// Live returns the sources that have neither ended nor been stopped.
func (s *OutputStream) Live() []*Scheduled {
	s.mu.Lock()
	defer s.mu.Unlock()
	var live []*Scheduled
	for _, sc := range s.Scheduled {
		if !sc.stopped && !sc.ended {
			live = append(live, sc)
		}
	}
	return live
}

// End marks sc as played to completion and fires its ended callback, the
// way a device would. Ending a stopped or already ended source is a no-op.
func (s *OutputStream) End(sc *Scheduled) {
	s.mu.Lock()
	if sc.stopped || sc.ended {
		s.mu.Unlock()
		return
	}
	sc.ended = true
	fn := sc.onEnded
	s.mu.Unlock()
	if fn != nil {
		fn(sc)
	}
}

// EndAll ends every live source in scheduling order.
func (s *OutputStream) EndAll() {
	for _, sc := range s.Live() {
		s.End(sc)
	}
}

// Closed reports whether Close has been called.
func (s *OutputStream) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Close implements [audio.OutputStream].
func (s *OutputStream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CallCountClose++
	s.closed = true
	return nil
}

var (
	_ audio.CaptureDevice = (*CaptureDevice)(nil)
	_ audio.CaptureStream = (*CaptureStream)(nil)
	_ audio.OutputDevice  = (*OutputDevice)(nil)
	_ audio.OutputStream  = (*OutputStream)(nil)
	_ audio.Source        = (*Scheduled)(nil)
)
