// Package gemini implements the s2s.Provider interface for Google's Gemini Live API.
//
// It establishes a bidirectional WebSocket connection to the Gemini Live endpoint
// and exchanges JSON messages according to the BidiGenerateContent protocol.
// Audio is transmitted as base64-encoded PCM chunks in both directions: 16 kHz
// mono from the client, 24 kHz mono from the model.
package gemini

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/MrWong99/advisorlive/pkg/audio/pcm"
	"github.com/MrWong99/advisorlive/pkg/provider/s2s"
)

// Compile-time assertions that Provider and session satisfy the s2s interfaces.
var _ s2s.Provider = (*Provider)(nil)
var _ s2s.SessionHandle = (*session)(nil)

const (
	defaultModel   = "gemini-2.5-flash-native-audio-preview-12-2025"
	defaultBaseURL = "wss://generativelanguage.googleapis.com/ws"
	defaultVoice   = "Kore"

	// DefaultAPIVersion is the API version segment of the service path.
	DefaultAPIVersion = "v1beta"

	defaultKeepalive = 20 * time.Second
	keepaliveTimeout = 5 * time.Second

	// readLimit bounds a single inbound frame. Audio turns can be large.
	readLimit = 16 << 20
)

// ── Options ────────────────────────────────────────────────────────────────────

// Option is a functional option for configuring a Provider.
type Option func(*Provider)

// WithModel sets the Gemini model used for sessions.
func WithModel(model string) Option {
	return func(p *Provider) { p.model = model }
}

// WithBaseURL overrides the base WebSocket URL. Primarily used in tests to
// point at a local mock server.
func WithBaseURL(url string) Option {
	return func(p *Provider) { p.baseURL = url }
}

// WithAPIVersion selects the API version ("v1beta", "v1alpha").
func WithAPIVersion(version string) Option {
	return func(p *Provider) { p.apiVersion = version }
}

// WithKeepalive sets the WebSocket ping interval. Zero or negative disables
// pings.
func WithKeepalive(d time.Duration) Option {
	return func(p *Provider) { p.keepalive = d }
}

// ── Provider ───────────────────────────────────────────────────────────────────

// Provider implements s2s.Provider for Google's Gemini Live API.
type Provider struct {
	apiKey     string
	model      string
	baseURL    string
	apiVersion string
	keepalive  time.Duration
}

// New creates a new Gemini Live Provider with the given API key and options.
func New(apiKey string, opts ...Option) *Provider {
	p := &Provider{
		apiKey:     apiKey,
		model:      defaultModel,
		baseURL:    defaultBaseURL,
		apiVersion: DefaultAPIVersion,
		keepalive:  defaultKeepalive,
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Capabilities returns static metadata about the Gemini Live provider.
func (p *Provider) Capabilities() s2s.Capabilities {
	return s2s.Capabilities{
		Voices:       []string{"Aoede", "Charon", "Fenrir", "Kore", "Puck", "Zephyr"},
		InputFormat:  pcm.Input16K,
		OutputFormat: pcm.Output24K,
	}
}

// Connect dials the Gemini Live endpoint and sends the setup message. The
// session becomes usable when the server answers with setupComplete, which is
// reported through cb.OnOpen.
func (p *Provider) Connect(ctx context.Context, cfg s2s.SessionConfig, cb s2s.Callbacks) (s2s.SessionHandle, error) {
	wsURL := fmt.Sprintf(
		"%s/google.ai.generativelanguage.%s.GenerativeService.BidiGenerateContent?key=%s",
		p.baseURL, p.apiVersion, url.QueryEscape(p.apiKey),
	)

	conn, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		HTTPHeader: http.Header{
			"Content-Type": []string{"application/json"},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("gemini: dial: %w", err)
	}
	conn.SetReadLimit(readLimit)

	sessCtx, sessCancel := context.WithCancel(context.Background())
	sess := &session{
		conn:   conn,
		cb:     cb,
		done:   make(chan struct{}),
		ctx:    sessCtx,
		cancel: sessCancel,
	}

	if err := sess.writeJSON(ctx, setupFor(p.model, cfg)); err != nil {
		sessCancel()
		conn.Close(websocket.StatusInternalError, "setup failed")
		return nil, fmt.Errorf("gemini: setup: %w", err)
	}

	go sess.receiveLoop()
	if p.keepalive > 0 {
		go sess.keepaliveLoop(p.keepalive)
	}

	return sess, nil
}

// ── Protocol message types (outgoing) ─────────────────────────────────────────

type setupMessage struct {
	Setup setupConfig `json:"setup"`
}

type setupConfig struct {
	Model                    string             `json:"model"`
	GenerationConfig         generationConfig   `json:"generationConfig"`
	SystemInstruction        *systemInstruction `json:"systemInstruction,omitempty"`
	InputAudioTranscription  *struct{}          `json:"inputAudioTranscription,omitempty"`
	OutputAudioTranscription *struct{}          `json:"outputAudioTranscription,omitempty"`
}

type generationConfig struct {
	ResponseModalities []string      `json:"responseModalities"`
	SpeechConfig       *speechConfig `json:"speechConfig,omitempty"`
}

type speechConfig struct {
	VoiceConfig voiceConfig `json:"voiceConfig"`
}

type voiceConfig struct {
	PrebuiltVoiceConfig prebuiltVoiceConfig `json:"prebuiltVoiceConfig"`
}

type prebuiltVoiceConfig struct {
	VoiceName string `json:"voiceName"`
}

type systemInstruction struct {
	Parts []part `json:"parts"`
}

type part struct {
	Text       string      `json:"text,omitempty"`
	InlineData *inlineData `json:"inlineData,omitempty"`
}

type inlineData struct {
	MIMEType string `json:"mimeType"`
	Data     string `json:"data"` // base64-encoded
}

type realtimeInputMessage struct {
	RealtimeInput realtimeInput `json:"realtimeInput"`
}

type realtimeInput struct {
	MediaChunks []inlineData `json:"mediaChunks"`
}

// ── Protocol message types (incoming) ─────────────────────────────────────────

type serverMessage struct {
	SetupComplete *json.RawMessage `json:"setupComplete,omitempty"`
	ServerContent *serverContent   `json:"serverContent,omitempty"`
	GoAway        *goAway          `json:"goAway,omitempty"`
	Error         *geminiError     `json:"error,omitempty"`
}

type geminiError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Status  string `json:"status,omitempty"`
}

type goAway struct {
	TimeLeft string `json:"timeLeft,omitempty"`
}

type serverContent struct {
	ModelTurn           *modelTurn     `json:"modelTurn,omitempty"`
	TurnComplete        bool           `json:"turnComplete,omitempty"`
	Interrupted         bool           `json:"interrupted,omitempty"`
	InputTranscription  *transcription `json:"inputTranscription,omitempty"`
	OutputTranscription *transcription `json:"outputTranscription,omitempty"`
}

type modelTurn struct {
	Parts []part `json:"parts"`
}

type transcription struct {
	Text string `json:"text"`
}

// setupFor builds the BidiGenerateContent setup message for cfg.
func setupFor(model string, cfg s2s.SessionConfig) setupMessage {
	voice := cfg.Voice
	if voice == "" {
		voice = defaultVoice
	}
	msg := setupMessage{
		Setup: setupConfig{
			Model: fmt.Sprintf("models/%s", model),
			GenerationConfig: generationConfig{
				ResponseModalities: []string{string(cfg.ResponseModality())},
				SpeechConfig: &speechConfig{
					VoiceConfig: voiceConfig{
						PrebuiltVoiceConfig: prebuiltVoiceConfig{VoiceName: voice},
					},
				},
			},
		},
	}
	if cfg.Instructions != "" {
		msg.Setup.SystemInstruction = &systemInstruction{
			Parts: []part{{Text: cfg.Instructions}},
		}
	}
	if cfg.Transcribe {
		msg.Setup.InputAudioTranscription = &struct{}{}
		msg.Setup.OutputAudioTranscription = &struct{}{}
	}
	return msg
}

// ── session ────────────────────────────────────────────────────────────────────

type session struct {
	conn *websocket.Conn
	cb   s2s.Callbacks

	mu     sync.Mutex
	closed bool
	done   chan struct{}

	ctx    context.Context
	cancel context.CancelFunc
}

// writeJSON marshals v and writes it as a text WebSocket message.
func (s *session) writeJSON(ctx context.Context, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("gemini: marshal: %w", err)
	}
	return s.conn.Write(ctx, websocket.MessageText, data)
}

// receiveLoop reads messages from the WebSocket and dispatches them. It is
// the only goroutine that invokes callbacks, and it delivers OnClose last.
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
			switch {
			case s.ctx.Err() != nil:
				// Closed locally.
			case isNormalClose(err):
				s.cb.EmitMessage(s2s.Message{Closed: true})
			default:
				closeErr = fmt.Errorf("gemini: read: %w", err)
				s.cb.EmitError(closeErr)
			}
			return
		}

		var msg serverMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			slog.Debug("gemini: skipping malformed frame", "err", err)
			continue
		}
		s.handleServerMessage(&msg)
	}
}

func isNormalClose(err error) bool {
	switch websocket.CloseStatus(err) {
	case websocket.StatusNormalClosure, websocket.StatusGoingAway:
		return true
	}
	return false
}

func (s *session) handleServerMessage(msg *serverMessage) {
	if msg.SetupComplete != nil {
		s.cb.EmitOpen()
	}
	if msg.Error != nil {
		text := msg.Error.Message
		if text == "" {
			text = "unknown error"
		}
		s.cb.EmitError(fmt.Errorf("gemini: %s", text))
	}
	if msg.ServerContent != nil {
		for _, m := range contentMessages(msg.ServerContent) {
			s.cb.EmitMessage(m)
		}
	}
	if msg.GoAway != nil {
		slog.Info("gemini: server will close the session", "time_left", msg.GoAway.TimeLeft)
	}
}

// contentMessages splits one serverContent frame into messages: one per
// inline audio part, with the turn flags and transcripts carried on the last.
// Audio therefore always reaches the caller before an interruption in the
// same frame.
func contentMessages(sc *serverContent) []s2s.Message {
	var msgs []s2s.Message
	if sc.ModelTurn != nil {
		for _, p := range sc.ModelTurn.Parts {
			if p.InlineData != nil && p.InlineData.Data != "" {
				msgs = append(msgs, s2s.Message{AudioData: p.InlineData.Data})
			}
		}
	}

	var tail s2s.Message
	tail.Interrupted = sc.Interrupted
	tail.TurnComplete = sc.TurnComplete
	if sc.InputTranscription != nil {
		tail.InputTranscript = sc.InputTranscription.Text
	}
	if sc.OutputTranscription != nil {
		tail.OutputTranscript = sc.OutputTranscription.Text
	}
	if tail == (s2s.Message{}) {
		return msgs
	}
	if len(msgs) == 0 {
		return []s2s.Message{tail}
	}
	last := &msgs[len(msgs)-1]
	tail.AudioData = last.AudioData
	*last = tail
	return msgs
}

// keepaliveLoop sends WebSocket pings to keep the Gemini Live connection alive.
func (s *session) keepaliveLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(s.ctx, keepaliveTimeout)
			_ = s.conn.Ping(pingCtx)
			cancel()
		}
	}
}

// markClosed flags the session as ended and stops the keepalive loop.
func (s *session) markClosed() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	close(s.done)
}

// ── SessionHandle methods ──────────────────────────────────────────────────────

// SendAudio delivers a base64 PCM chunk (16 kHz, s16le, mono) to the model.
func (s *session) SendAudio(data string) error {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return s2s.ErrSessionClosed
	}

	msg := realtimeInputMessage{
		RealtimeInput: realtimeInput{
			MediaChunks: []inlineData{
				{MIMEType: pcm.MIMEType(pcm.Input16K), Data: data},
			},
		},
	}
	if err := s.writeJSON(s.ctx, msg); err != nil {
		if errors.Is(err, context.Canceled) {
			return s2s.ErrSessionClosed
		}
		return fmt.Errorf("gemini: send audio: %w", err)
	}
	return nil
}

// Close terminates the session and releases all resources. Idempotent.
func (s *session) Close() error {
	s.markClosed()
	s.cancel() // unblocks receiveLoop, which delivers OnClose
	s.conn.Close(websocket.StatusNormalClosure, "session closed")
	return nil
}
