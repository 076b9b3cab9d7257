// Package config provides the configuration schema, loader, provider registry
// and file watcher for advisorlive.
package config

import (
	"time"

	"github.com/MrWong99/advisorlive/internal/advisor"
	"github.com/MrWong99/advisorlive/internal/resilience"
	"github.com/MrWong99/advisorlive/internal/voice"
)

// APIKeyEnv is the environment variable consulted when a provider entry has
// no api_key.
const APIKeyEnv = "ADVISORLIVE_API_KEY"

// DefaultInstructions is the advisor persona used when advisor.instructions
// is not configured.
const DefaultInstructions = `You are "Senior CA & Financial Tech Expert" with 20+ years of experience.
Expertise: Tally Prime, Zoho Books, Advanced Excel (VBA), Python for Finance, GST, ITR, Audit.
Language: Bengali (conversational).
Technical Terms: Keep in English (e.g., Input Tax Credit, Pivot Table).
Structure: Use Tables for comparisons. Bullet points for steps.
Approach: Easy steps for basics, advanced logic/code for pro questions.
Always explain the "Why". If risky, add "Caution".`

// DefaultVoiceInstructions is the live voice persona used when
// voice.instructions is not configured. Spoken answers stay short.
const DefaultVoiceInstructions = "You are a Senior CA advisor speaking in Bengali. Be helpful and expert."

// LogLevel controls log verbosity.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// LogFormat selects the slog handler.
type LogFormat string

const (
	LogFormatText LogFormat = "text"
	LogFormatJSON LogFormat = "json"
)

// IsValid reports whether f is a recognised log format.
func (f LogFormat) IsValid() bool {
	return f == LogFormatText || f == LogFormatJSON
}

// Config is the root configuration structure.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Providers ProvidersConfig `yaml:"providers"`
	Voice     VoiceConfig     `yaml:"voice"`
	Advisor   AdvisorConfig   `yaml:"advisor"`
}

// ServerConfig holds network and logging settings.
type ServerConfig struct {
	// ListenAddr is the TCP address the serve command listens on (e.g., ":8080").
	ListenAddr string `yaml:"listen_addr"`

	LogLevel  LogLevel  `yaml:"log_level"`
	LogFormat LogFormat `yaml:"log_format"`
}

// ProvidersConfig selects the live channel and the generative REST backend.
// Each entry's Name is looked up in the [Registry].
type ProvidersConfig struct {
	S2S   ProviderEntry `yaml:"s2s"`
	GenAI ProviderEntry `yaml:"genai"`
}

// ProviderEntry is the common configuration block shared by all provider types.
type ProviderEntry struct {
	// Name selects the registered provider implementation (e.g., "gemini-live").
	Name string `yaml:"name"`

	// APIKey authenticates against the provider. When empty the loader
	// falls back to the ADVISORLIVE_API_KEY environment variable.
	APIKey string `yaml:"api_key"`

	// BaseURL overrides the provider's default endpoint.
	BaseURL string `yaml:"base_url"`

	// Model selects a specific model within the provider.
	Model string `yaml:"model"`

	// Options holds provider-specific values not covered by the fields above.
	Options map[string]any `yaml:"options"`
}

// VoiceConfig tunes live voice sessions.
type VoiceConfig struct {
	// Voice is the prebuilt voice of the live model (e.g., "Kore").
	Voice string `yaml:"voice"`

	// Instructions is the session system instruction.
	Instructions string `yaml:"instructions"`

	// Transcribe requests input and output transcripts.
	Transcribe bool `yaml:"transcribe"`

	// FrameSize is the capture window in sample frames.
	FrameSize int `yaml:"frame_size"`

	// MaxPendingSources bounds queued playback chunks.
	MaxPendingSources int `yaml:"max_pending_sources"`

	// ConnectTimeout bounds Start. Zero means no timeout.
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
}

// AdvisorConfig selects models for the request/response advisor.
type AdvisorConfig struct {
	Instructions  string   `yaml:"instructions"`
	ChatModel     string   `yaml:"chat_model"`
	ThinkingModel string   `yaml:"thinking_model"`
	AnalyzeModel  string   `yaml:"analyze_model"`
	ImageModel    string   `yaml:"image_model"`
	EditModel     string   `yaml:"edit_model"`
	VideoModel    string   `yaml:"video_model"`
	SpeechModel   string   `yaml:"speech_model"`
	SpeechVoice   string   `yaml:"speech_voice"`
	ChatFallbacks []string `yaml:"chat_fallbacks"`

	VideoPollInterval time.Duration `yaml:"video_poll_interval"`

	Breaker BreakerConfig `yaml:"breaker"`
}

// BreakerConfig configures the circuit breaker in front of each model.
type BreakerConfig struct {
	MaxFailures  int           `yaml:"max_failures"`
	ResetTimeout time.Duration `yaml:"reset_timeout"`
}

// Session converts the voice section into a controller config.
func (v VoiceConfig) Session() voice.Config {
	return voice.Config{
		Voice:             v.Voice,
		Instructions:      v.Instructions,
		Transcribe:        v.Transcribe,
		FrameSize:         v.FrameSize,
		MaxPendingSources: v.MaxPendingSources,
	}
}

// Models converts the advisor section into an advisor config. Unset fields
// keep the advisor package defaults.
func (a AdvisorConfig) Models() advisor.Config {
	return advisor.Config{
		Instructions:      a.Instructions,
		ChatModel:         a.ChatModel,
		ThinkingModel:     a.ThinkingModel,
		AnalyzeModel:      a.AnalyzeModel,
		ImageModel:        a.ImageModel,
		EditModel:         a.EditModel,
		VideoModel:        a.VideoModel,
		SpeechModel:       a.SpeechModel,
		SpeechVoice:       a.SpeechVoice,
		ChatFallbacks:     a.ChatFallbacks,
		VideoPollInterval: a.VideoPollInterval,
		Breaker: resilience.CircuitBreakerConfig{
			MaxFailures:  a.Breaker.MaxFailures,
			ResetTimeout: a.Breaker.ResetTimeout,
		},
	}
}
