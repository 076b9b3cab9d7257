// Package audio defines the local audio device abstractions used by the
// realtime voice session.
//
// The two primary abstractions are:
//
//   - [CaptureDevice] opens the microphone and delivers fixed-size windows
//     of float32 samples to a callback.
//   - [OutputDevice] opens the speaker and returns an [OutputStream] that
//     accepts [Buffer] values scheduled at explicit start times on the
//     device clock.
//
// Implementations are provided by adapter packages (audio/portaudio for real
// hardware, audio/mock for tests). The interfaces are intentionally narrow so
// the session controller stays decoupled from device details.
package audio

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrPermissionDenied is returned by [CaptureDevice.Open] when the user or
	// the operating system refuses microphone access.
	ErrPermissionDenied = errors.New("audio: microphone permission denied")

	// ErrPlaybackClosed is returned by [OutputStream.Schedule] after the
	// stream has been closed.
	ErrPlaybackClosed = errors.New("audio: playback stream closed")

	// ErrFormatMismatch is returned by [OutputStream.Schedule] when a buffer's
	// sample rate does not match the stream.
	ErrFormatMismatch = errors.New("audio: buffer format does not match output")
)

// CaptureFunc receives one window of captured samples. The slice is only
// valid for the duration of the call; implementations reuse it.
// Calls are strictly sequential.
type CaptureFunc func(samples []float32)

// CaptureStream is an open microphone stream.
type CaptureStream interface {
	// Close stops capture and releases the microphone. Calling Close more
	// than once is safe and returns nil.
	Close() error
}

// CaptureDevice opens microphone streams.
//
// Implementations must be safe for concurrent use.
type CaptureDevice interface {
	// Open starts capturing in the given format and invokes fn once per
	// window of frameSize sample frames until the stream is closed.
	// Returns an error wrapping [ErrPermissionDenied] when access is refused.
	Open(ctx context.Context, format Format, frameSize int, fn CaptureFunc) (CaptureStream, error)
}

// Source is a single buffer scheduled on an [OutputStream].
type Source interface {
	// Stop silences the source immediately. The ended callback passed to
	// [OutputStream.Schedule] is not invoked for stopped sources. Stopping a
	// finished or already-stopped source is a no-op.
	Stop()
}

// OutputStream is an open speaker stream with a monotonic device clock.
//
// Implementations must be safe for concurrent use.
type OutputStream interface {
	// CurrentTime returns the device clock: the amount of audio the device
	// has consumed since the stream was opened.
	CurrentTime() time.Duration

	// Schedule queues buf to begin at device time at. A start time in the
	// past begins immediately. onEnded (may be nil) is called once, from a
	// device goroutine and without any stream lock held, after the source
	// has played to completion.
	Schedule(buf *Buffer, at time.Duration, onEnded func(Source)) (Source, error)

	// Close stops all sources and releases the device. Calling Close more
	// than once is safe and returns nil.
	Close() error
}

// OutputDevice opens speaker streams.
//
// Implementations must be safe for concurrent use.
type OutputDevice interface {
	// Open starts an output stream in the given format.
	Open(ctx context.Context, format Format) (OutputStream, error)
}
