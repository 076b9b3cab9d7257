// Package advisor is the request/response side of the financial advisor:
// grounded text chat, media analysis, image generation and editing, video
// generation and speech synthesis, all served by Gemini models through
// google.golang.org/genai.
//
// Every call runs through a per-operation [resilience.FallbackGroup] of
// model names, so a failing preview model trips its own circuit breaker and
// the next configured model takes over. Each call is traced and recorded in
// the advisor request metrics.
package advisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"google.golang.org/genai"

	"github.com/MrWong99/advisorlive/internal/observe"
	"github.com/MrWong99/advisorlive/internal/resilience"
)

var (
	// ErrNoImage is returned when the model response carries no image part.
	ErrNoImage = errors.New("advisor: response contains no image")

	// ErrNoVideo is returned when a finished video operation has no video.
	ErrNoVideo = errors.New("advisor: operation produced no video")

	// ErrNoAudio is returned when a speech response carries no audio part.
	ErrNoAudio = errors.New("advisor: response contains no audio")

	// ErrInvalidAspectRatio is returned for aspect ratios the model rejects.
	ErrInvalidAspectRatio = errors.New("advisor: invalid aspect ratio")

	// ErrInvalidImageSize is returned for image sizes other than 1K, 2K, 4K.
	ErrInvalidImageSize = errors.New("advisor: invalid image size")

	// ErrEmptyInput is returned when a required prompt or media payload is empty.
	ErrEmptyInput = errors.New("advisor: empty input")
)

// Operation names used for metrics, spans and breaker groups.
const (
	OpChat     = "chat"
	OpThinking = "thinking"
	OpAnalyze  = "analyze"
	OpImage    = "image"
	OpEdit     = "edit_image"
	OpVideo    = "video"
	OpSpeech   = "speech"
)

// Defaults mirror the models the product was built against.
const (
	DefaultChatModel     = "gemini-3-flash-preview"
	DefaultThinkingModel = "gemini-3-pro-preview"
	DefaultAnalyzeModel  = "gemini-3-pro-preview"
	DefaultImageModel    = "gemini-3-pro-image-preview"
	DefaultEditModel     = "gemini-2.5-flash-image"
	DefaultVideoModel    = "veo-3.1-fast-generate-preview"
	DefaultSpeechModel   = "gemini-2.5-flash-preview-tts"
	DefaultSpeechVoice   = "Kore"

	DefaultVideoPollInterval = 10 * time.Second

	// ThinkingBudget is the token budget granted to the thinking model.
	ThinkingBudget int32 = 32768
)

// ContentGenerator is the subset of [genai.Models] used for content calls.
type ContentGenerator interface {
	GenerateContent(ctx context.Context, model string, contents []*genai.Content, config *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error)
}

// VideoGenerator starts long-running video generation.
type VideoGenerator interface {
	GenerateVideos(ctx context.Context, model, prompt string, image *genai.Image, config *genai.GenerateVideosConfig) (*genai.GenerateVideosOperation, error)
}

// OperationPoller refreshes a long-running video operation.
type OperationPoller interface {
	GetVideosOperation(ctx context.Context, op *genai.GenerateVideosOperation, config *genai.GetOperationConfig) (*genai.GenerateVideosOperation, error)
}

// FileDownloader fetches generated media.
type FileDownloader interface {
	Download(ctx context.Context, uri genai.DownloadURI, config *genai.DownloadFileConfig) ([]byte, error)
}

// Backend bundles the genai services the advisor talks to. [NewBackend]
// fills it from a real client; tests substitute fakes.
type Backend struct {
	Content    ContentGenerator
	Videos     VideoGenerator
	Operations OperationPoller
	Files      FileDownloader
}

// NewBackend creates a Gemini API client and wraps its services. Outgoing
// HTTP requests are traced with otelhttp.
func NewBackend(ctx context.Context, apiKey, baseURL string) (Backend, error) {
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:      apiKey,
		Backend:     genai.BackendGeminiAPI,
		HTTPOptions: genai.HTTPOptions{BaseURL: baseURL},
		HTTPClient: &http.Client{
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
	})
	if err != nil {
		return Backend{}, fmt.Errorf("advisor: create client: %w", err)
	}
	return Backend{
		Content:    client.Models,
		Videos:     client.Models,
		Operations: client.Operations,
		Files:      client.Files,
	}, nil
}

// Config selects models and tuning for an [Advisor]. Empty fields take the
// package defaults.
type Config struct {
	// Instructions is the system instruction for chat and analysis.
	Instructions string

	ChatModel     string
	ThinkingModel string
	AnalyzeModel  string
	ImageModel    string
	EditModel     string
	VideoModel    string
	SpeechModel   string
	SpeechVoice   string

	// ChatFallbacks are tried in order when the chat model fails. The
	// thinking model always falls back to ChatModel.
	ChatFallbacks []string

	// VideoPollInterval is the delay between video operation polls.
	VideoPollInterval time.Duration

	// Breaker configures the breaker placed in front of every model.
	Breaker resilience.CircuitBreakerConfig
}

func (cfg Config) withDefaults() Config {
	def := func(v *string, d string) {
		if *v == "" {
			*v = d
		}
	}
	def(&cfg.ChatModel, DefaultChatModel)
	def(&cfg.ThinkingModel, DefaultThinkingModel)
	def(&cfg.AnalyzeModel, DefaultAnalyzeModel)
	def(&cfg.ImageModel, DefaultImageModel)
	def(&cfg.EditModel, DefaultEditModel)
	def(&cfg.VideoModel, DefaultVideoModel)
	def(&cfg.SpeechModel, DefaultSpeechModel)
	def(&cfg.SpeechVoice, DefaultSpeechVoice)
	if cfg.VideoPollInterval <= 0 {
		cfg.VideoPollInterval = DefaultVideoPollInterval
	}
	return cfg
}

// Advisor issues advisor requests. It is safe for concurrent use.
type Advisor struct {
	backend Backend
	cfg     Config
	metrics *observe.Metrics
	groups  map[string]*resilience.FallbackGroup[string]
}

// Option configures an [Advisor].
type Option func(*Advisor)

// WithMetrics overrides the metrics sink. Defaults to [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(a *Advisor) { a.metrics = m }
}

// New creates an Advisor on top of backend.
func New(backend Backend, cfg Config, opts ...Option) *Advisor {
	cfg = cfg.withDefaults()
	a := &Advisor{backend: backend, cfg: cfg}
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}

	breaker := cfg.Breaker
	if breaker.IsFailure == nil {
		breaker.IsFailure = isFailure
	}
	fb := resilience.FallbackConfig{CircuitBreaker: breaker}
	group := func(op, primary string, fallbacks ...string) *resilience.FallbackGroup[string] {
		g := resilience.NewFallbackGroup(op+"/"+primary, primary, fb)
		for _, m := range fallbacks {
			if m != primary {
				g.AddFallback(op+"/"+m, m)
			}
		}
		return g
	}
	a.groups = map[string]*resilience.FallbackGroup[string]{
		OpChat:     group(OpChat, cfg.ChatModel, cfg.ChatFallbacks...),
		OpThinking: group(OpThinking, cfg.ThinkingModel, cfg.ChatModel),
		OpAnalyze:  group(OpAnalyze, cfg.AnalyzeModel),
		OpImage:    group(OpImage, cfg.ImageModel),
		OpEdit:     group(OpEdit, cfg.EditModel),
		OpVideo:    group(OpVideo, cfg.VideoModel),
		OpSpeech:   group(OpSpeech, cfg.SpeechModel),
	}
	return a
}

// breakers reports the state of every model breaker keyed by
// "operation/model".
func (a *Advisor) breakers() map[string]resilience.State {
	out := make(map[string]resilience.State)
	for _, g := range a.groups {
		for name, st := range g.States() {
			out[name] = st
		}
	}
	return out
}

// Ready returns an error when every model behind the chat operation has an
// open breaker.
func (a *Advisor) Ready(context.Context) error {
	for name, st := range a.groups[OpChat].States() {
		if st != resilience.StateOpen {
			return nil
		}
		slog.Debug("advisor: chat target unavailable", "target", name)
	}
	return errors.New("advisor: all chat models unavailable")
}

// isFailure keeps cancellation and empty-content answers from tripping
// model breakers.
func isFailure(err error) bool {
	switch {
	case errors.Is(err, context.Canceled),
		errors.Is(err, ErrNoImage),
		errors.Is(err, ErrNoVideo),
		errors.Is(err, ErrNoAudio):
		return false
	}
	return true
}

// run executes fn through the operation's fallback group with tracing and
// metrics.
func run[R any](ctx context.Context, a *Advisor, op string, fn func(ctx context.Context, model string) (R, error)) (R, error) {
	ctx, span := observe.StartSpan(ctx, "advisor."+op)
	defer span.End()

	start := time.Now()
	res, err := resilience.DoValue(ctx, a.groups[op], fn)
	status := "ok"
	switch {
	case err == nil:
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		status = "cancelled"
	case errors.Is(err, resilience.ErrCircuitOpen):
		status = "circuit_open"
	default:
		status = "error"
	}
	a.metrics.RecordAdvisorRequest(ctx, op, status, time.Since(start))
	if err != nil {
		observe.FailSpan(span, err)
		observe.Logger(ctx).Warn("advisor: request failed", "operation", op, "err", err)
		var zero R
		return zero, fmt.Errorf("advisor: %s: %w", op, err)
	}
	return res, nil
}

// inlineData returns the first inline-data part of the first candidate.
func inlineData(resp *genai.GenerateContentResponse) *genai.Blob {
	if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return nil
	}
	for _, p := range resp.Candidates[0].Content.Parts {
		if p != nil && p.InlineData != nil && len(p.InlineData.Data) > 0 {
			return p.InlineData
		}
	}
	return nil
}

func systemInstruction(text string) *genai.Content {
	if text == "" {
		return nil
	}
	return genai.NewContentFromText(text, genai.RoleUser)
}
