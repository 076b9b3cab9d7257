// Package portaudio implements [audio.CaptureDevice] and [audio.OutputDevice]
// on the system default devices through PortAudio.
//
// Capture windows are copied out of the PortAudio callback and delivered on a
// separate goroutine, so a slow consumer never stalls the audio thread; when
// the consumer falls behind, the oldest undelivered windows are dropped.
// Output is rendered by a [playback.Scheduler] whose clock advances with every
// block PortAudio pulls.
//
// Requires the PortAudio C library (pkg-config portaudio-2.0).
package portaudio

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	pa "github.com/gordonklaus/portaudio"

	"github.com/MrWong99/advisorlive/pkg/audio"
	"github.com/MrWong99/advisorlive/pkg/audio/playback"
)

// captureQueue is the number of capture windows buffered between the audio
// thread and the consumer.
const captureQueue = 8

// outputBlock is the number of frames PortAudio renders per output callback.
const outputBlock = 480

var (
	_ audio.CaptureDevice = (*Capture)(nil)
	_ audio.OutputDevice  = (*Output)(nil)
)

// deviceErr maps PortAudio failures that mean "the microphone is not
// available to us" onto [audio.ErrPermissionDenied].
func deviceErr(op string, err error) error {
	var host pa.UnanticipatedHostError
	switch {
	case errors.Is(err, pa.NoDefaultInputDevice),
		errors.Is(err, pa.DeviceUnavailable),
		errors.Is(err, pa.InvalidDevice),
		errors.As(err, &host):
		return fmt.Errorf("portaudio: %s: %w: %v", op, audio.ErrPermissionDenied, err)
	}
	return fmt.Errorf("portaudio: %s: %w", op, err)
}

// ─── Capture ──────────────────────────────────────────────────────────────────

// Capture opens the default input device.
type Capture struct{}

// NewCapture returns a capture device backed by the default input.
func NewCapture() *Capture { return &Capture{} }

// Open implements [audio.CaptureDevice].
func (c *Capture) Open(_ context.Context, format audio.Format, frameSize int, fn audio.CaptureFunc) (audio.CaptureStream, error) {
	if err := pa.Initialize(); err != nil {
		return nil, fmt.Errorf("portaudio: initialize: %w", err)
	}

	s := &captureStream{
		windows: make(chan []float32, captureQueue),
		done:    make(chan struct{}),
	}
	stream, err := pa.OpenDefaultStream(format.Channels, 0, float64(format.SampleRate), frameSize, s.process)
	if err != nil {
		_ = pa.Terminate()
		return nil, deviceErr("open input", err)
	}
	s.stream = stream
	if err := stream.Start(); err != nil {
		_ = stream.Close()
		_ = pa.Terminate()
		return nil, deviceErr("start input", err)
	}

	s.wg.Add(1)
	go s.deliver(fn)
	slog.Debug("portaudio: capture started", "format", format, "frame_size", frameSize)
	return s, nil
}

type captureStream struct {
	stream  *pa.Stream
	windows chan []float32
	done    chan struct{}
	wg      sync.WaitGroup

	closeOnce sync.Once
	closeErr  error
}

// process runs on the PortAudio thread.
func (s *captureStream) process(in []float32) {
	window := make([]float32, len(in))
	copy(window, in)
	select {
	case s.windows <- window:
	default:
		// Consumer is behind: drop the oldest window to make room.
		select {
		case <-s.windows:
		default:
		}
		select {
		case s.windows <- window:
		default:
		}
	}
}

func (s *captureStream) deliver(fn audio.CaptureFunc) {
	defer s.wg.Done()
	for {
		select {
		case <-s.done:
			return
		case w := <-s.windows:
			fn(w)
		}
	}
}

// Close implements [audio.CaptureStream].
func (s *captureStream) Close() error {
	s.closeOnce.Do(func() {
		err := s.stream.Abort()
		if cerr := s.stream.Close(); err == nil {
			err = cerr
		}
		close(s.done)
		s.wg.Wait()
		if terr := pa.Terminate(); err == nil {
			err = terr
		}
		if err != nil {
			s.closeErr = fmt.Errorf("portaudio: close input: %w", err)
		}
	})
	return s.closeErr
}

// ─── Output ───────────────────────────────────────────────────────────────────

// Output opens the default output device.
type Output struct{}

// NewOutput returns an output device backed by the default output.
func NewOutput() *Output { return &Output{} }

// Open implements [audio.OutputDevice].
func (o *Output) Open(_ context.Context, format audio.Format) (audio.OutputStream, error) {
	if err := pa.Initialize(); err != nil {
		return nil, fmt.Errorf("portaudio: initialize: %w", err)
	}

	s := &outputStream{Scheduler: playback.New(format)}
	stream, err := pa.OpenDefaultStream(0, s.Format().Channels, float64(format.SampleRate), outputBlock, s.Render)
	if err != nil {
		_ = pa.Terminate()
		return nil, fmt.Errorf("portaudio: open output: %w", err)
	}
	s.stream = stream
	if err := stream.Start(); err != nil {
		_ = stream.Close()
		_ = pa.Terminate()
		return nil, fmt.Errorf("portaudio: start output: %w", err)
	}
	slog.Debug("portaudio: output started", "format", format)
	return s, nil
}

// outputStream is a scheduler whose Render is driven by PortAudio.
type outputStream struct {
	*playback.Scheduler
	stream *pa.Stream

	closeOnce sync.Once
	closeErr  error
}

// Close implements [audio.OutputStream].
func (s *outputStream) Close() error {
	s.closeOnce.Do(func() {
		_ = s.Scheduler.Close()
		err := s.stream.Abort()
		if cerr := s.stream.Close(); err == nil {
			err = cerr
		}
		if terr := pa.Terminate(); err == nil {
			err = terr
		}
		if err != nil {
			s.closeErr = fmt.Errorf("portaudio: close output: %w", err)
		}
	})
	return s.closeErr
}
