package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"

	"gopkg.in/yaml.v3"
)

// ValidProviderNames lists known provider names per provider kind.
// Used by [Validate] to warn about unrecognised provider names.
var ValidProviderNames = map[string][]string{
	"s2s":   {"gemini-live", "openai-realtime"},
	"genai": {"gemini"},
}

// Default values filled in by [ApplyDefaults].
const (
	DefaultListenAddr = ":8080"
	DefaultS2S        = "gemini-live"
	DefaultGenAI      = "gemini"
)

// Load reads the YAML configuration file at path and returns a validated [Config].
// It is a convenience wrapper around [LoadFromReader].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, applies defaults and validates
// the result. Unknown keys are rejected. An empty document yields the
// defaults.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns the configuration used when no file is present.
func Default() *Config {
	cfg := &Config{}
	ApplyDefaults(cfg)
	return cfg
}

// ApplyDefaults fills unset fields in place. Provider API keys fall back to
// the ADVISORLIVE_API_KEY environment variable, which is read here and
// nowhere else.
func ApplyDefaults(cfg *Config) {
	if cfg.Server.ListenAddr == "" {
		cfg.Server.ListenAddr = DefaultListenAddr
	}
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = LogInfo
	}
	if cfg.Server.LogFormat == "" {
		cfg.Server.LogFormat = LogFormatText
	}
	if cfg.Providers.S2S.Name == "" {
		cfg.Providers.S2S.Name = DefaultS2S
	}
	if cfg.Providers.GenAI.Name == "" {
		cfg.Providers.GenAI.Name = DefaultGenAI
	}
	if key := os.Getenv(APIKeyEnv); key != "" {
		if cfg.Providers.S2S.APIKey == "" {
			cfg.Providers.S2S.APIKey = key
		}
		if cfg.Providers.GenAI.APIKey == "" {
			cfg.Providers.GenAI.APIKey = key
		}
	}
	if cfg.Voice.Instructions == "" {
		cfg.Voice.Instructions = DefaultVoiceInstructions
	}
	if cfg.Advisor.Instructions == "" {
		cfg.Advisor.Instructions = DefaultInstructions
	}
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if cfg.Server.LogFormat != "" && !cfg.Server.LogFormat.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_format %q is invalid; valid values: text, json", cfg.Server.LogFormat))
	}

	// Providers
	validateProviderName("s2s", cfg.Providers.S2S.Name)
	validateProviderName("genai", cfg.Providers.GenAI.Name)
	if cfg.Providers.S2S.APIKey == "" {
		slog.Warn("providers.s2s.api_key is empty and " + APIKeyEnv + " is unset; live voice sessions will fail")
	}

	// Voice
	v := cfg.Voice
	if v.FrameSize < 0 {
		errs = append(errs, fmt.Errorf("voice.frame_size %d must not be negative", v.FrameSize))
	} else if v.FrameSize > 0 && v.FrameSize&(v.FrameSize-1) != 0 {
		errs = append(errs, fmt.Errorf("voice.frame_size %d must be a power of two", v.FrameSize))
	}
	if v.MaxPendingSources < 0 {
		errs = append(errs, fmt.Errorf("voice.max_pending_sources %d must not be negative", v.MaxPendingSources))
	}
	if v.ConnectTimeout < 0 {
		errs = append(errs, fmt.Errorf("voice.connect_timeout %s must not be negative", v.ConnectTimeout))
	}

	// Advisor
	a := cfg.Advisor
	if a.VideoPollInterval < 0 {
		errs = append(errs, fmt.Errorf("advisor.video_poll_interval %s must not be negative", a.VideoPollInterval))
	}
	if a.Breaker.MaxFailures < 0 {
		errs = append(errs, fmt.Errorf("advisor.breaker.max_failures %d must not be negative", a.Breaker.MaxFailures))
	}
	if a.Breaker.ResetTimeout < 0 {
		errs = append(errs, fmt.Errorf("advisor.breaker.reset_timeout %s must not be negative", a.Breaker.ResetTimeout))
	}
	for i, m := range a.ChatFallbacks {
		if m == "" {
			errs = append(errs, fmt.Errorf("advisor.chat_fallbacks[%d] is empty", i))
		}
	}

	return errors.Join(errs...)
}

// validateProviderName logs a warning if name is non-empty and not found in
// the [ValidProviderNames] list for the given kind.
func validateProviderName(kind, name string) {
	if name == "" {
		return
	}
	known, ok := ValidProviderNames[kind]
	if !ok || slices.Contains(known, name) {
		return
	}
	slog.Warn("unknown provider name, may be a typo or third-party provider",
		"kind", kind,
		"name", name,
		"known", known,
	)
}
