package gemini_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/MrWong99/advisorlive/pkg/provider/s2s"
	"github.com/MrWong99/advisorlive/pkg/provider/s2s/gemini"
)

// ── Helpers ───────────────────────────────────────────────────────────────────

// wsURL converts an httptest server HTTP URL to a WebSocket URL.
func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

// startGeminiServer launches a test WebSocket server. The handler function
// receives the accepted *websocket.Conn. The server is automatically closed
// when the test finishes.
func startGeminiServer(t *testing.T, handler func(conn *websocket.Conn, r *http.Request)) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
			InsecureSkipVerify: true,
		})
		if err != nil {
			return
		}
		defer conn.Close(websocket.StatusNormalClosure, "done")
		handler(conn, r)
	}))
	t.Cleanup(srv.Close)
	return srv
}

// readJSON reads one WebSocket text frame and decodes it into v.
func readJSON(t *testing.T, conn *websocket.Conn, v any) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Errorf("readJSON: %v", err)
		return
	}
	if err := json.Unmarshal(data, v); err != nil {
		t.Errorf("readJSON unmarshal: %v", err)
	}
}

// writeJSON marshals v and sends it as a text frame.
func writeJSON(t *testing.T, conn *websocket.Conn, v any) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	data, _ := json.Marshal(v)
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		t.Logf("writeJSON: %v (may be expected on close)", err)
	}
}

// sendSetupComplete sends the server-side setupComplete ack.
func sendSetupComplete(t *testing.T, conn *websocket.Conn) {
	t.Helper()
	writeJSON(t, conn, map[string]any{"setupComplete": map[string]any{}})
}

// handshake consumes the client's setup message and acknowledges it.
func handshake(t *testing.T, conn *websocket.Conn) {
	t.Helper()
	var raw map[string]any
	readJSON(t, conn, &raw)
	sendSetupComplete(t, conn)
}

// newProvider creates a Provider pointing at the given test server.
func newProvider(srv *httptest.Server) *gemini.Provider {
	return gemini.New("test-api-key", gemini.WithBaseURL(wsURL(srv)))
}

// events collects session callbacks on channels.
type events struct {
	open     chan struct{}
	messages chan s2s.Message
	errs     chan error
	closed   chan error
}

func newEvents() *events {
	return &events{
		open:     make(chan struct{}, 1),
		messages: make(chan s2s.Message, 32),
		errs:     make(chan error, 8),
		closed:   make(chan error, 2),
	}
}

func (e *events) callbacks() s2s.Callbacks {
	return s2s.Callbacks{
		OnOpen:    func() { e.open <- struct{}{} },
		OnMessage: func(m s2s.Message) { e.messages <- m },
		OnError:   func(err error) { e.errs <- err },
		OnClose:   func(err error) { e.closed <- err },
	}
}

func (e *events) waitOpen(t *testing.T) {
	t.Helper()
	select {
	case <-e.open:
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for OnOpen")
	}
}

func (e *events) nextMessage(t *testing.T) s2s.Message {
	t.Helper()
	select {
	case m := <-e.messages:
		return m
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for OnMessage")
		return s2s.Message{}
	}
}

func (e *events) waitClose(t *testing.T) error {
	t.Helper()
	select {
	case err := <-e.closed:
		return err
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for OnClose")
		return nil
	}
}

// ── Option constructor tests ───────────────────────────────────────────────────

func TestWithModel_SetsModel(t *testing.T) {
	t.Parallel()

	modelCh := make(chan string, 1)
	srv := startGeminiServer(t, func(conn *websocket.Conn, _ *http.Request) {
		var msg struct {
			Setup struct {
				Model string `json:"model"`
			} `json:"setup"`
		}
		readJSON(t, conn, &msg)
		modelCh <- msg.Setup.Model
		<-conn.CloseRead(context.Background()).Done()
	})

	p := gemini.New("key", gemini.WithModel("custom-model"), gemini.WithBaseURL(wsURL(srv)))
	handle, err := p.Connect(context.Background(), s2s.SessionConfig{}, s2s.Callbacks{})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer handle.Close()

	select {
	case model := <-modelCh:
		if want := "models/custom-model"; model != want {
			t.Errorf("model = %q; want %q", model, want)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for model in setup message")
	}
}

func TestCapabilities(t *testing.T) {
	t.Parallel()
	caps := gemini.New("key").Capabilities()
	if len(caps.Voices) == 0 {
		t.Error("Voices should be non-empty")
	}
	if caps.InputFormat.SampleRate != 16000 {
		t.Errorf("InputFormat = %v, want 16 kHz", caps.InputFormat)
	}
	if caps.OutputFormat.SampleRate != 24000 {
		t.Errorf("OutputFormat = %v, want 24 kHz", caps.OutputFormat)
	}
}

// ── Connect ────────────────────────────────────────────────────────────────────

type setupMsg struct {
	Setup struct {
		Model            string `json:"model"`
		GenerationConfig struct {
			ResponseModalities []string `json:"responseModalities"`
			SpeechConfig       struct {
				VoiceConfig struct {
					PrebuiltVoiceConfig struct {
						VoiceName string `json:"voiceName"`
					} `json:"prebuiltVoiceConfig"`
				} `json:"voiceConfig"`
			} `json:"speechConfig"`
		} `json:"generationConfig"`
		SystemInstruction *struct {
			Parts []struct {
				Text string `json:"text"`
			} `json:"parts"`
		} `json:"systemInstruction"`
		InputAudioTranscription  *struct{} `json:"inputAudioTranscription"`
		OutputAudioTranscription *struct{} `json:"outputAudioTranscription"`
	} `json:"setup"`
}

func TestConnect_SendsSetup(t *testing.T) {
	t.Parallel()

	received := make(chan setupMsg, 1)
	srv := startGeminiServer(t, func(conn *websocket.Conn, _ *http.Request) {
		var msg setupMsg
		readJSON(t, conn, &msg)
		received <- msg
		<-conn.CloseRead(context.Background()).Done()
	})

	cfg := s2s.SessionConfig{
		Voice:        "Puck",
		Instructions: "You are a senior chartered accountant.",
		Transcribe:   true,
	}
	handle, err := newProvider(srv).Connect(context.Background(), cfg, s2s.Callbacks{})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer handle.Close()

	var msg setupMsg
	select {
	case msg = <-received:
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for setup message")
	}

	gc := msg.Setup.GenerationConfig
	if len(gc.ResponseModalities) != 1 || gc.ResponseModalities[0] != "AUDIO" {
		t.Errorf("responseModalities = %v, want [AUDIO]", gc.ResponseModalities)
	}
	if got := gc.SpeechConfig.VoiceConfig.PrebuiltVoiceConfig.VoiceName; got != "Puck" {
		t.Errorf("voiceName = %q, want Puck", got)
	}
	si := msg.Setup.SystemInstruction
	if si == nil || len(si.Parts) != 1 || si.Parts[0].Text != cfg.Instructions {
		t.Errorf("systemInstruction = %+v, want one part with the instructions", si)
	}
	if msg.Setup.InputAudioTranscription == nil || msg.Setup.OutputAudioTranscription == nil {
		t.Error("transcription config missing with Transcribe set")
	}
}

func TestConnect_DefaultVoice(t *testing.T) {
	t.Parallel()

	received := make(chan setupMsg, 1)
	srv := startGeminiServer(t, func(conn *websocket.Conn, _ *http.Request) {
		var msg setupMsg
		readJSON(t, conn, &msg)
		received <- msg
		<-conn.CloseRead(context.Background()).Done()
	})

	handle, err := newProvider(srv).Connect(context.Background(), s2s.SessionConfig{}, s2s.Callbacks{})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer handle.Close()

	select {
	case msg := <-received:
		if got := msg.Setup.GenerationConfig.SpeechConfig.VoiceConfig.PrebuiltVoiceConfig.VoiceName; got != "Kore" {
			t.Errorf("voiceName = %q, want Kore", got)
		}
		if msg.Setup.SystemInstruction != nil {
			t.Error("systemInstruction should be omitted when empty")
		}
		if msg.Setup.InputAudioTranscription != nil {
			t.Error("inputAudioTranscription should be omitted without Transcribe")
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for setup message")
	}
}

func TestConnect_APIKeyInQuery(t *testing.T) {
	t.Parallel()

	keyCh := make(chan string, 1)
	srv := startGeminiServer(t, func(conn *websocket.Conn, r *http.Request) {
		keyCh <- r.URL.Query().Get("key")
		<-conn.CloseRead(context.Background()).Done()
	})

	handle, err := gemini.New("k&y=1", gemini.WithBaseURL(wsURL(srv))).
		Connect(context.Background(), s2s.SessionConfig{}, s2s.Callbacks{})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer handle.Close()

	select {
	case key := <-keyCh:
		if key != "k&y=1" {
			t.Errorf("key = %q, want %q", key, "k&y=1")
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for request")
	}
}

func TestConnect_APIVersionInPath(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		opts []gemini.Option
		want string
	}{
		{name: "default", want: "google.ai.generativelanguage.v1beta.GenerativeService.BidiGenerateContent"},
		{name: "v1alpha", opts: []gemini.Option{gemini.WithAPIVersion("v1alpha")}, want: "google.ai.generativelanguage.v1alpha.GenerativeService.BidiGenerateContent"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			paths := make(chan string, 1)
			srv := startGeminiServer(t, func(conn *websocket.Conn, r *http.Request) {
				paths <- r.URL.Path
				<-conn.CloseRead(context.Background()).Done()
			})

			opts := append([]gemini.Option{gemini.WithBaseURL(wsURL(srv)), gemini.WithKeepalive(0)}, tt.opts...)
			handle, err := gemini.New("key", opts...).Connect(context.Background(), s2s.SessionConfig{}, s2s.Callbacks{})
			if err != nil {
				t.Fatalf("Connect: %v", err)
			}
			defer handle.Close()

			select {
			case path := <-paths:
				if !strings.HasSuffix(path, "/"+tt.want) {
					t.Errorf("path = %q, want suffix %q", path, tt.want)
				}
			case <-time.After(3 * time.Second):
				t.Fatal("timeout waiting for request")
			}
		})
	}
}

func TestConnect_DialError(t *testing.T) {
	t.Parallel()

	ev := newEvents()
	p := gemini.New("key", gemini.WithBaseURL("ws://127.0.0.1:1"))
	_, err := p.Connect(context.Background(), s2s.SessionConfig{}, ev.callbacks())
	if err == nil {
		t.Fatal("expected dial error")
	}
	select {
	case <-ev.open:
		t.Error("OnOpen fired after failed Connect")
	case <-ev.closed:
		t.Error("OnClose fired after failed Connect")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestConnect_OnOpenAfterSetupComplete(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	srv := startGeminiServer(t, func(conn *websocket.Conn, _ *http.Request) {
		var raw map[string]any
		readJSON(t, conn, &raw)
		<-release
		sendSetupComplete(t, conn)
		<-conn.CloseRead(context.Background()).Done()
	})

	ev := newEvents()
	handle, err := newProvider(srv).Connect(context.Background(), s2s.SessionConfig{}, ev.callbacks())
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer handle.Close()

	select {
	case <-ev.open:
		t.Fatal("OnOpen fired before setupComplete")
	case <-time.After(50 * time.Millisecond):
	}
	close(release)
	ev.waitOpen(t)
}

// ── Messages ───────────────────────────────────────────────────────────────────

func TestSendAudio_ForwardsBase64Unchanged(t *testing.T) {
	t.Parallel()

	type rtMsg struct {
		RealtimeInput struct {
			MediaChunks []struct {
				MIMEType string `json:"mimeType"`
				Data     string `json:"data"`
			} `json:"mediaChunks"`
		} `json:"realtimeInput"`
	}
	received := make(chan rtMsg, 1)
	srv := startGeminiServer(t, func(conn *websocket.Conn, _ *http.Request) {
		handshake(t, conn)
		var msg rtMsg
		readJSON(t, conn, &msg)
		received <- msg
		<-conn.CloseRead(context.Background()).Done()
	})

	ev := newEvents()
	handle, err := newProvider(srv).Connect(context.Background(), s2s.SessionConfig{}, ev.callbacks())
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer handle.Close()
	ev.waitOpen(t)

	if err := handle.SendAudio("AAABAAIA"); err != nil {
		t.Fatalf("SendAudio: %v", err)
	}

	select {
	case msg := <-received:
		chunks := msg.RealtimeInput.MediaChunks
		if len(chunks) != 1 {
			t.Fatalf("got %d media chunks, want 1", len(chunks))
		}
		if chunks[0].MIMEType != "audio/pcm;rate=16000" {
			t.Errorf("mimeType = %q", chunks[0].MIMEType)
		}
		if chunks[0].Data != "AAABAAIA" {
			t.Errorf("data = %q, want AAABAAIA", chunks[0].Data)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for realtimeInput")
	}
}

func TestServerContent_AudioThenInterrupted(t *testing.T) {
	t.Parallel()

	srv := startGeminiServer(t, func(conn *websocket.Conn, _ *http.Request) {
		handshake(t, conn)
		writeJSON(t, conn, map[string]any{
			"serverContent": map[string]any{
				"modelTurn": map[string]any{
					"parts": []any{
						map[string]any{"inlineData": map[string]any{"mimeType": "audio/pcm;rate=24000", "data": "AAA="}},
						map[string]any{"text": "thinking"},
						map[string]any{"inlineData": map[string]any{"mimeType": "audio/pcm;rate=24000", "data": "BBB="}},
					},
				},
				"interrupted": true,
			},
		})
		<-conn.CloseRead(context.Background()).Done()
	})

	ev := newEvents()
	handle, err := newProvider(srv).Connect(context.Background(), s2s.SessionConfig{}, ev.callbacks())
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer handle.Close()
	ev.waitOpen(t)

	first := ev.nextMessage(t)
	if first.AudioData != "AAA=" || first.Interrupted {
		t.Errorf("first = %+v, want audio AAA= without interruption", first)
	}
	second := ev.nextMessage(t)
	if second.AudioData != "BBB=" || !second.Interrupted {
		t.Errorf("second = %+v, want audio BBB= with interruption", second)
	}
}

func TestServerContent_TranscriptsAndTurnComplete(t *testing.T) {
	t.Parallel()

	srv := startGeminiServer(t, func(conn *websocket.Conn, _ *http.Request) {
		handshake(t, conn)
		writeJSON(t, conn, map[string]any{
			"serverContent": map[string]any{
				"inputTranscription":  map[string]any{"text": "what is GST?"},
				"outputTranscription": map[string]any{"text": "GST is"},
				"turnComplete":        true,
			},
		})
		<-conn.CloseRead(context.Background()).Done()
	})

	ev := newEvents()
	handle, err := newProvider(srv).Connect(context.Background(), s2s.SessionConfig{Transcribe: true}, ev.callbacks())
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer handle.Close()
	ev.waitOpen(t)

	m := ev.nextMessage(t)
	want := s2s.Message{TurnComplete: true, InputTranscript: "what is GST?", OutputTranscript: "GST is"}
	if m != want {
		t.Errorf("message = %+v, want %+v", m, want)
	}
}

func TestServerError_ReportedViaOnError(t *testing.T) {
	t.Parallel()

	srv := startGeminiServer(t, func(conn *websocket.Conn, _ *http.Request) {
		handshake(t, conn)
		writeJSON(t, conn, map[string]any{"error": map[string]any{"code": 400, "message": "quota exceeded"}})
		<-conn.CloseRead(context.Background()).Done()
	})

	ev := newEvents()
	handle, err := newProvider(srv).Connect(context.Background(), s2s.SessionConfig{}, ev.callbacks())
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer handle.Close()

	select {
	case err := <-ev.errs:
		if !strings.Contains(err.Error(), "quota exceeded") {
			t.Errorf("error = %v, want it to mention the server message", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for OnError")
	}
}

func TestMalformedFrameSkipped(t *testing.T) {
	t.Parallel()

	srv := startGeminiServer(t, func(conn *websocket.Conn, _ *http.Request) {
		handshake(t, conn)
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = conn.Write(ctx, websocket.MessageText, []byte("{not json"))
		writeJSON(t, conn, map[string]any{"serverContent": map[string]any{"turnComplete": true}})
		<-conn.CloseRead(context.Background()).Done()
	})

	ev := newEvents()
	handle, err := newProvider(srv).Connect(context.Background(), s2s.SessionConfig{}, ev.callbacks())
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer handle.Close()

	if m := ev.nextMessage(t); !m.TurnComplete {
		t.Errorf("message = %+v, want TurnComplete", m)
	}
}

// ── Close ──────────────────────────────────────────────────────────────────────

func TestRemoteClose_EmitsClosedThenOnClose(t *testing.T) {
	t.Parallel()

	srv := startGeminiServer(t, func(conn *websocket.Conn, _ *http.Request) {
		handshake(t, conn)
		conn.Close(websocket.StatusNormalClosure, "bye")
	})

	ev := newEvents()
	handle, err := newProvider(srv).Connect(context.Background(), s2s.SessionConfig{}, ev.callbacks())
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer handle.Close()

	if m := ev.nextMessage(t); !m.Closed {
		t.Errorf("message = %+v, want Closed", m)
	}
	if err := ev.waitClose(t); err != nil {
		t.Errorf("OnClose error = %v, want nil for normal closure", err)
	}
	if err := handle.SendAudio("AAA="); !errors.Is(err, s2s.ErrSessionClosed) {
		t.Errorf("SendAudio after remote close = %v, want ErrSessionClosed", err)
	}
}

func TestRemoteAbnormalClose_ReportsError(t *testing.T) {
	t.Parallel()

	srv := startGeminiServer(t, func(conn *websocket.Conn, _ *http.Request) {
		handshake(t, conn)
		conn.Close(websocket.StatusPolicyViolation, "api key invalid")
	})

	ev := newEvents()
	handle, err := newProvider(srv).Connect(context.Background(), s2s.SessionConfig{}, ev.callbacks())
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer handle.Close()

	if err := ev.waitClose(t); err == nil {
		t.Error("OnClose error = nil, want the close reason")
	}
}

func TestClose_Idempotent(t *testing.T) {
	t.Parallel()

	srv := startGeminiServer(t, func(conn *websocket.Conn, _ *http.Request) {
		handshake(t, conn)
		<-conn.CloseRead(context.Background()).Done()
	})

	ev := newEvents()
	handle, err := newProvider(srv).Connect(context.Background(), s2s.SessionConfig{}, ev.callbacks())
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	ev.waitOpen(t)

	if err := handle.Close(); err != nil {
		t.Errorf("first Close: %v", err)
	}
	if err := handle.Close(); err != nil {
		t.Errorf("second Close: %v", err)
	}
	if err := ev.waitClose(t); err != nil {
		t.Errorf("OnClose error = %v, want nil after local Close", err)
	}
	select {
	case <-ev.closed:
		t.Error("OnClose fired twice")
	case <-time.After(50 * time.Millisecond):
	}
	if err := handle.SendAudio("AAA="); !errors.Is(err, s2s.ErrSessionClosed) {
		t.Errorf("SendAudio after Close = %v, want ErrSessionClosed", err)
	}
}
