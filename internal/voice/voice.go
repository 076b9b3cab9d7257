// Package voice implements the realtime audio session controller.
//
// A [Controller] owns at most one bidirectional voice session at a time. It
// captures microphone windows, streams them to a speech-to-speech provider
// as base64 PCM16, decodes the audio the model streams back and schedules it
// for gapless playback on the output device. When the provider reports that
// the user interrupted the model, every queued chunk is silenced and the
// playback cursor jumps back to the device clock.
//
// Capture, receive and playback-ended callbacks arrive on different
// goroutines. The Controller serialises them behind one mutex and tags every
// callback with the generation of the session that registered it, so events
// from a session that has already been torn down are ignored.
package voice

import (
	"errors"
	"log/slog"

	"github.com/MrWong99/advisorlive/internal/observe"
)

var (
	// ErrPermissionDenied is returned by [Controller.Start] when microphone
	// access is refused.
	ErrPermissionDenied = errors.New("voice: microphone permission denied")

	// ErrChannelOpenFailed is returned by [Controller.Start] when the remote
	// channel cannot be opened or closes before it confirms readiness.
	ErrChannelOpenFailed = errors.New("voice: channel open failed")

	// ErrSessionActive is returned by [Controller.Start] while another
	// session is connecting, open, or still being torn down.
	ErrSessionActive = errors.New("voice: session already active")

	// ErrStartCancelled is returned by [Controller.Start] when [Controller.Stop]
	// or context cancellation aborts the attempt before the channel opened.
	ErrStartCancelled = errors.New("voice: start cancelled")
)

// AlertMessage is the user-facing text shown when a session fails to start.
const AlertMessage = "Microphone access denied or session failed."

const (
	// DefaultFrameSize is the number of sample frames per capture window.
	DefaultFrameSize = 4096

	// DefaultMaxPendingSources bounds the number of scheduled, unfinished
	// playback chunks.
	DefaultMaxPendingSources = 256
)

// Status is the lifecycle state of the controller's session.
type Status int

const (
	// StatusIdle means no session exists.
	StatusIdle Status = iota

	// StatusConnecting means Start is opening devices or waiting for the
	// remote channel to confirm readiness.
	StatusConnecting

	// StatusOpen means audio is flowing in both directions.
	StatusOpen

	// StatusClosed is transient: resources are being released and the
	// controller returns to StatusIdle once they are.
	StatusClosed
)

// String implements fmt.Stringer.
func (s Status) String() string {
	switch s {
	case StatusIdle:
		return "idle"
	case StatusConnecting:
		return "connecting"
	case StatusOpen:
		return "open"
	case StatusClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Config holds the per-session settings of a [Controller].
type Config struct {
	// Voice is the provider's prebuilt voice. Empty selects the provider
	// default.
	Voice string

	// Instructions is the system instruction sent when the session opens.
	Instructions string

	// Transcribe asks the provider for text transcripts of both sides.
	Transcribe bool

	// FrameSize is the capture window in sample frames. Zero means
	// [DefaultFrameSize].
	FrameSize int

	// MaxPendingSources bounds queued playback chunks. When the bound is
	// reached new chunks are dropped. Zero means [DefaultMaxPendingSources].
	MaxPendingSources int
}

func (cfg Config) withDefaults() Config {
	if cfg.FrameSize <= 0 {
		cfg.FrameSize = DefaultFrameSize
	}
	if cfg.MaxPendingSources <= 0 {
		cfg.MaxPendingSources = DefaultMaxPendingSources
	}
	return cfg
}

// Speaker identifies who produced a [Transcript].
type Speaker string

const (
	SpeakerUser  Speaker = "user"
	SpeakerModel Speaker = "model"
)

// Transcript is one piece of recognised text from the live channel.
type Transcript struct {
	Speaker Speaker
	Text    string
}

// Option configures a [Controller].
type Option func(*Controller)

// WithTranscriptHandler registers fn to receive transcripts. fn runs on the
// provider's receive goroutine and must not call back into the Controller.
func WithTranscriptHandler(fn func(Transcript)) Option {
	return func(c *Controller) { c.onTranscript = fn }
}

// WithAlert registers fn to be told about failed starts. The error wraps one
// of the package sentinels. Cancelled starts are not reported.
func WithAlert(fn func(error)) Option {
	return func(c *Controller) { c.onAlert = fn }
}

// WithMetrics overrides the metrics sink. Defaults to [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(c *Controller) { c.metrics = m }
}

// WithLogger overrides the logger. Defaults to [slog.Default].
func WithLogger(l *slog.Logger) Option {
	return func(c *Controller) { c.log = l }
}
