// Package s2s defines the Provider interface for speech-to-speech (S2S)
// backends.
//
// An S2S provider wraps a realtime voice model that accepts raw microphone
// audio and streams synthesised speech back over one stateful, bidirectional
// channel. Examples include the Gemini Live API and the OpenAI Realtime API.
//
// Sessions are event driven: the caller passes [Callbacks] to
// [Provider.Connect] and receives open, message, error and close events on a
// single provider goroutine, in order. Outbound audio is sent through the
// returned [SessionHandle] as base64-encoded PCM16.
//
// All implementations must be safe for concurrent use.
package s2s

import (
	"context"
	"errors"

	"github.com/MrWong99/advisorlive/pkg/audio"
)

// ErrSessionClosed is returned by [SessionHandle.SendAudio] once the session
// has been closed locally or by the remote side.
var ErrSessionClosed = errors.New("s2s: session closed")

// Modality names the kind of output requested from the model.
type Modality string

// ModalityAudio requests spoken responses.
const ModalityAudio Modality = "AUDIO"

// SessionConfig is the initial configuration for a new S2S session.
type SessionConfig struct {
	// Modality is the requested response modality. Empty means [ModalityAudio].
	Modality Modality

	// Voice is the provider's prebuilt voice name, e.g. "Kore". Empty selects
	// the provider default.
	Voice string

	// Instructions is the system instruction for the session.
	Instructions string

	// Transcribe asks the provider to also report text transcripts of the
	// user's speech and of the model's spoken output, when supported.
	Transcribe bool
}

// ResponseModality returns cfg.Modality, defaulting to [ModalityAudio].
func (cfg SessionConfig) ResponseModality() Modality {
	if cfg.Modality == "" {
		return ModalityAudio
	}
	return cfg.Modality
}

// Message is one inbound event from the remote channel. Any subset of the
// fields may be set.
type Message struct {
	// AudioData is base64-encoded little-endian PCM16 in the provider's
	// output format. Empty when the message carries no audio.
	AudioData string

	// Interrupted reports that the user barged in and every queued response
	// audio chunk should be discarded.
	Interrupted bool

	// TurnComplete marks the end of a model turn.
	TurnComplete bool

	// Closed reports that the remote side ended the session.
	Closed bool

	// InputTranscript is recognised user speech, when transcription is on.
	InputTranscript string

	// OutputTranscript is the text of the model's spoken output, when
	// transcription is on.
	OutputTranscript string
}

// Callbacks receive session events. Nil fields are skipped.
//
// Callbacks run sequentially on the provider's receive goroutine. OnOpen may
// fire before [Provider.Connect] returns. OnClose fires at most once and is
// always the last callback of a session.
type Callbacks struct {
	// OnOpen is called when the remote side confirms the session is ready.
	OnOpen func()

	// OnMessage is called for every inbound message.
	OnMessage func(Message)

	// OnError is called for errors reported by the remote side or the
	// transport. Fatal transport errors are followed by OnClose.
	OnError func(error)

	// OnClose is called when the channel ends. err is nil for a normal
	// closure, including one initiated by [SessionHandle.Close].
	OnClose func(err error)
}

// Capabilities describes static properties of an S2S provider.
type Capabilities struct {
	// Voices lists the prebuilt voice names the provider accepts.
	Voices []string

	// InputFormat is the audio format [SessionHandle.SendAudio] expects.
	InputFormat audio.Format

	// OutputFormat is the audio format of [Message.AudioData].
	OutputFormat audio.Format
}

// SessionHandle is an open S2S session.
//
// All methods must be safe for concurrent use and must not be called while
// holding locks that callbacks also take.
type SessionHandle interface {
	// SendAudio streams one base64-encoded PCM16 chunk captured at 16 kHz
	// mono. Providers with a different input rate convert internally.
	// Returns [ErrSessionClosed] after the session has ended.
	SendAudio(data string) error

	// Close ends the session. OnClose is delivered with a nil error if it has
	// not fired yet. Calling Close more than once is safe and returns nil.
	Close() error
}

// Provider is the abstraction over any S2S backend.
type Provider interface {
	// Connect dials the provider and sends the session setup. It returns once
	// the setup is on the wire; readiness is signalled through cb.OnOpen.
	// On error no callback fires and nothing needs closing.
	Connect(ctx context.Context, cfg SessionConfig, cb Callbacks) (SessionHandle, error)

	// Capabilities returns static metadata about the provider.
	Capabilities() Capabilities
}

// EmitOpen calls cb.OnOpen if set.
func (cb Callbacks) EmitOpen() {
	if cb.OnOpen != nil {
		cb.OnOpen()
	}
}

// EmitMessage calls cb.OnMessage if set.
func (cb Callbacks) EmitMessage(m Message) {
	if cb.OnMessage != nil {
		cb.OnMessage(m)
	}
}

// EmitError calls cb.OnError if set.
func (cb Callbacks) EmitError(err error) {
	if cb.OnError != nil {
		cb.OnError(err)
	}
}

// EmitClose calls cb.OnClose if set.
func (cb Callbacks) EmitClose(err error) {
	if cb.OnClose != nil {
		cb.OnClose(err)
	}
}
