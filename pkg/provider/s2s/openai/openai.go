// Package openai implements the s2s.Provider interface for OpenAI's Realtime API.
//
// It establishes a bidirectional WebSocket connection to the OpenAI Realtime
// endpoint and exchanges JSON events according to the Realtime API protocol.
// The Realtime API expects 24 kHz PCM16 in both directions, so captured 16 kHz
// audio is resampled before it is appended to the input buffer.
package openai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"

	"github.com/coder/websocket"

	"github.com/MrWong99/advisorlive/pkg/audio/pcm"
	"github.com/MrWong99/advisorlive/pkg/provider/s2s"
)

// Compile-time assertions that Provider and session satisfy the s2s interfaces.
var _ s2s.Provider = (*Provider)(nil)
var _ s2s.SessionHandle = (*session)(nil)

const (
	defaultModel   = "gpt-4o-realtime-preview"
	defaultBaseURL = "wss://api.openai.com/v1/realtime"
	defaultVoice   = "alloy"

	// DefaultTranscriptionModel transcribes user audio when
	// SessionConfig.Transcribe is set.
	DefaultTranscriptionModel = "whisper-1"
)

// ── Options ────────────────────────────────────────────────────────────────────

// Option is a functional option for configuring a Provider.
type Option func(*Provider)

// WithModel sets the OpenAI model used for sessions.
func WithModel(model string) Option {
	return func(p *Provider) { p.model = model }
}

// WithBaseURL overrides the base WebSocket URL. Primarily used in tests to
// point at a local mock server.
func WithBaseURL(url string) Option {
	return func(p *Provider) { p.baseURL = url }
}

// WithTranscriptionModel sets the model that transcribes user audio.
func WithTranscriptionModel(model string) Option {
	return func(p *Provider) { p.transcriptionModel = model }
}

// ── Provider ───────────────────────────────────────────────────────────────────

// Provider implements s2s.Provider for OpenAI's Realtime API.
type Provider struct {
	apiKey             string
	model              string
	baseURL            string
	transcriptionModel string
}

// New creates a new OpenAI Realtime Provider with the given API key and options.
func New(apiKey string, opts ...Option) *Provider {
	p := &Provider{
		apiKey:             apiKey,
		model:              defaultModel,
		baseURL:            defaultBaseURL,
		transcriptionModel: DefaultTranscriptionModel,
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Capabilities returns static metadata about the OpenAI Realtime provider.
// InputFormat is what SendAudio accepts; the wire format is 24 kHz.
func (p *Provider) Capabilities() s2s.Capabilities {
	return s2s.Capabilities{
		Voices:       []string{"alloy", "ash", "ballad", "coral", "echo", "sage", "shimmer", "verse"},
		InputFormat:  pcm.Input16K,
		OutputFormat: pcm.Output24K,
	}
}

// Connect establishes a new OpenAI Realtime session and sends session.update.
// cb.OnOpen fires once the server acknowledges with session.updated.
func (p *Provider) Connect(ctx context.Context, cfg s2s.SessionConfig, cb s2s.Callbacks) (s2s.SessionHandle, error) {
	wsURL := fmt.Sprintf("%s?model=%s", p.baseURL, url.QueryEscape(p.model))

	conn, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		HTTPHeader: http.Header{
			"Authorization": []string{"Bearer " + p.apiKey},
			"OpenAI-Beta":   []string{"realtime=v1"},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("openai: dial: %w", err)
	}
	conn.SetReadLimit(16 << 20)

	sessCtx, sessCancel := context.WithCancel(context.Background())
	sess := &session{
		conn:   conn,
		cb:     cb,
		ctx:    sessCtx,
		cancel: sessCancel,
	}

	if err := sess.writeJSON(ctx, sessionUpdateFor(cfg, p.transcriptionModel)); err != nil {
		sessCancel()
		conn.Close(websocket.StatusInternalError, "session update failed")
		return nil, fmt.Errorf("openai: session update: %w", err)
	}

	go sess.receiveLoop()

	return sess, nil
}

// ── Protocol message types (outgoing) ─────────────────────────────────────────

type sessionUpdateMessage struct {
	Type    string        `json:"type"`
	Session sessionParams `json:"session"`
}

type sessionParams struct {
	Modalities              []string            `json:"modalities"`
	Voice                   string              `json:"voice,omitempty"`
	Instructions            string              `json:"instructions,omitempty"`
	InputAudioFormat        string              `json:"input_audio_format"`
	OutputAudioFormat       string              `json:"output_audio_format"`
	InputAudioTranscription *transcriptionParam `json:"input_audio_transcription,omitempty"`
	TurnDetection           turnDetection       `json:"turn_detection"`
}

type transcriptionParam struct {
	Model string `json:"model"`
}

type turnDetection struct {
	Type string `json:"type"`
}

type appendAudioMessage struct {
	Type  string `json:"type"`
	Audio string `json:"audio"` // base64-encoded PCM16
}

// serverErrorDetail represents the nested error object in an OpenAI Realtime
// error event: {"type":"error","error":{"type":"...","code":"...","message":"..."}}.
type serverErrorDetail struct {
	Type    string `json:"type"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}

// ── Protocol message types (incoming) ─────────────────────────────────────────

type serverEvent struct {
	Type string `json:"type"`

	// response.audio.delta
	Delta string `json:"delta,omitempty"`

	// conversation.item.input_audio_transcription.completed and
	// response.audio_transcript.done
	Transcript string `json:"transcript,omitempty"`

	// error event
	Error *serverErrorDetail `json:"error,omitempty"`
}

// sessionUpdateFor builds the session.update event for cfg.
func sessionUpdateFor(cfg s2s.SessionConfig, transcriptionModel string) sessionUpdateMessage {
	voice := cfg.Voice
	if voice == "" {
		voice = defaultVoice
	}
	modalities := []string{"text"}
	if cfg.ResponseModality() == s2s.ModalityAudio {
		modalities = []string{"audio", "text"}
	}
	params := sessionParams{
		Modalities:        modalities,
		Voice:             voice,
		Instructions:      cfg.Instructions,
		InputAudioFormat:  "pcm16",
		OutputAudioFormat: "pcm16",
		TurnDetection:     turnDetection{Type: "server_vad"},
	}
	if cfg.Transcribe {
		params.InputAudioTranscription = &transcriptionParam{Model: transcriptionModel}
	}
	return sessionUpdateMessage{Type: "session.update", Session: params}
}

// ── session ────────────────────────────────────────────────────────────────────

type session struct {
	conn *websocket.Conn
	cb   s2s.Callbacks

	mu     sync.Mutex
	closed bool
	opened bool // receive goroutine only

	ctx    context.Context
	cancel context.CancelFunc
}

// writeJSON marshals v and writes it as a text WebSocket message.
func (s *session) writeJSON(ctx context.Context, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("openai: marshal: %w", err)
	}
	return s.conn.Write(ctx, websocket.MessageText, data)
}

// receiveLoop reads events from the WebSocket and dispatches them. It is the
// only goroutine that invokes callbacks, and it delivers OnClose last.
func (s *session) receiveLoop() {
	var closeErr error
	defer func() {
		s.markClosed()
		s.cancel()
		s.cb.EmitClose(closeErr)
	}()

	for {
		_, data, err := s.conn.Read(s.ctx)
		if err != nil {
			switch websocket.CloseStatus(err) {
			case websocket.StatusNormalClosure, websocket.StatusGoingAway:
				if s.ctx.Err() == nil {
					s.cb.EmitMessage(s2s.Message{Closed: true})
				}
			default:
				if s.ctx.Err() == nil {
					closeErr = fmt.Errorf("openai: read: %w", err)
					s.cb.EmitError(closeErr)
				}
			}
			return
		}

		var evt serverEvent
		if err := json.Unmarshal(data, &evt); err != nil {
			slog.Debug("openai: skipping malformed event", "err", err)
			continue
		}
		s.handleServerEvent(&evt)
	}
}

func (s *session) handleServerEvent(evt *serverEvent) {
	switch evt.Type {
	case "session.updated":
		if !s.opened {
			s.opened = true
			s.cb.EmitOpen()
		}

	case "response.audio.delta":
		if evt.Delta != "" {
			s.cb.EmitMessage(s2s.Message{AudioData: evt.Delta})
		}

	case "input_audio_buffer.speech_started":
		s.cb.EmitMessage(s2s.Message{Interrupted: true})

	case "response.done":
		s.cb.EmitMessage(s2s.Message{TurnComplete: true})

	case "response.audio_transcript.done":
		if evt.Transcript != "" {
			s.cb.EmitMessage(s2s.Message{OutputTranscript: evt.Transcript})
		}

	case "conversation.item.input_audio_transcription.completed":
		if evt.Transcript != "" {
			s.cb.EmitMessage(s2s.Message{InputTranscript: evt.Transcript})
		}

	case "error":
		msg := "unknown error"
		if evt.Error != nil && evt.Error.Message != "" {
			msg = evt.Error.Message
		}
		s.cb.EmitError(fmt.Errorf("openai: %s", msg))
	}
}

func (s *session) markClosed() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
}

// ── SessionHandle methods ──────────────────────────────────────────────────────

// SendAudio resamples a base64 16 kHz PCM16 chunk to 24 kHz and appends it to
// the input audio buffer.
func (s *session) SendAudio(data string) error {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return s2s.ErrSessionClosed
	}

	raw, err := pcm.DecodeBase64(data)
	if err != nil {
		return fmt.Errorf("openai: send audio: %w", err)
	}
	resampled := pcm.ResampleMono16(raw, pcm.Input16K.SampleRate, pcm.Output24K.SampleRate)
	err = s.writeJSON(s.ctx, appendAudioMessage{
		Type:  "input_audio_buffer.append",
		Audio: pcm.EncodeBase64(resampled),
	})
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return s2s.ErrSessionClosed
		}
		return fmt.Errorf("openai: send audio: %w", err)
	}
	return nil
}

// Close terminates the session and releases all resources. Idempotent.
func (s *session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	s.cancel()
	s.conn.Close(websocket.StatusNormalClosure, "session closed")
	return nil
}
