// Command advisorlive is a bilingual financial advisor with a live
// push-to-talk voice mode and one-shot chat, media analysis, image, video and
// speech commands.
//
// Usage:
//
//	advisorlive [--config advisorlive.yaml] <command> [flags]
//
// Commands:
//
//	voice       live voice session on the default microphone and speaker
//	chat        ask a question (optionally with thinking, search or maps)
//	analyze     ask about an image, video or document
//	image       generate an image
//	edit-image  edit an existing image
//	video       generate a short video
//	speak       synthesise speech
//	serve       health, readiness and metrics endpoints
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"slices"
	"sync/atomic"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/MrWong99/advisorlive/internal/advisor"
	"github.com/MrWong99/advisorlive/internal/config"
	"github.com/MrWong99/advisorlive/pkg/provider/s2s"
	geminilive "github.com/MrWong99/advisorlive/pkg/provider/s2s/gemini"
	oais2s "github.com/MrWong99/advisorlive/pkg/provider/s2s/openai"
)

const defaultConfigPath = "advisorlive.yaml"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd(os.Stdout, os.Stderr).ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "advisorlive:", err)
		stop()
		os.Exit(1)
	}
}

// cli holds state shared by all subcommands.
type cli struct {
	configPath string
	cfg        atomic.Pointer[config.Config]
	reg        *config.Registry
	level      *slog.LevelVar
	stdout     io.Writer
	stderr     io.Writer
}

func newRootCmd(stdout, stderr io.Writer) *cobra.Command {
	c := &cli{
		reg:    config.NewRegistry(),
		level:  new(slog.LevelVar),
		stdout: stdout,
		stderr: stderr,
	}
	registerBuiltinProviders(c.reg)

	root := &cobra.Command{
		Use:           "advisorlive",
		Short:         "Senior CA and financial tech advisor with live voice",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return c.load(cmd)
		},
	}
	root.SetOut(stdout)
	root.SetErr(stderr)
	root.PersistentFlags().StringVarP(&c.configPath, "config", "c", defaultConfigPath, "path to the YAML configuration file")

	root.AddCommand(
		c.voiceCmd(),
		c.chatCmd(),
		c.analyzeCmd(),
		c.imageCmd(),
		c.editImageCmd(),
		c.videoCmd(),
		c.speakCmd(),
		c.serveCmd(),
	)
	return root
}

// load reads the configuration and installs the logger. A missing default
// config file is not an error; an explicitly named one is.
func (c *cli) load(cmd *cobra.Command) error {
	cfg, err := config.Load(c.configPath)
	switch {
	case err == nil:
	case errors.Is(err, os.ErrNotExist) && !cmd.Flags().Changed("config"):
		cfg = config.Default()
	default:
		return err
	}
	c.cfg.Store(cfg)

	setLevel(c.level, cfg.Server.LogLevel)
	slog.SetDefault(newLogger(c.stderr, cfg.Server.LogFormat, c.level))
	slog.Debug("configuration loaded", "path", c.configPath, "s2s", cfg.Providers.S2S.Name, "genai", cfg.Providers.GenAI.Name)
	return nil
}

// config returns the current configuration.
func (c *cli) config() *config.Config { return c.cfg.Load() }

// newAdvisor builds the advisor from the configured genai backend.
func (c *cli) newAdvisor(ctx context.Context) (*advisor.Advisor, error) {
	backend, err := c.reg.CreateGenAI(ctx, c.config().Providers.GenAI)
	if err != nil {
		return nil, fmt.Errorf("create genai provider %q: %w", c.config().Providers.GenAI.Name, err)
	}
	return advisor.New(backend, c.config().Advisor.Models()), nil
}

func (c *cli) newS2S() (s2s.Provider, error) {
	p, err := c.reg.CreateS2S(c.config().Providers.S2S)
	if err != nil {
		return nil, fmt.Errorf("create s2s provider %q: %w", c.config().Providers.S2S.Name, err)
	}
	knownVoice(p, c.config().Voice.Voice)
	return p, nil
}

// knownVoice reports whether p offers voice and warns when it does not. An
// empty voice or a provider without a voice list always passes.
func knownVoice(p s2s.Provider, voice string) bool {
	voices := p.Capabilities().Voices
	if voice == "" || len(voices) == 0 || slices.Contains(voices, voice) {
		return true
	}
	slog.Warn("voice.voice is not offered by the live provider; sessions may be rejected",
		"voice", voice, "available", voices)
	return false
}

// ── Provider wiring ───────────────────────────────────────────────────────────

// registerBuiltinProviders wires the provider implementations that ship with
// advisorlive into reg.
func registerBuiltinProviders(reg *config.Registry) {
	reg.RegisterS2S("gemini-live", func(entry config.ProviderEntry) (s2s.Provider, error) {
		if entry.APIKey == "" {
			return nil, fmt.Errorf("%w: set providers.s2s.api_key or %s", config.ErrMissingAPIKey, config.APIKeyEnv)
		}
		var opts []geminilive.Option
		if entry.Model != "" {
			opts = append(opts, geminilive.WithModel(entry.Model))
		}
		if entry.BaseURL != "" {
			opts = append(opts, geminilive.WithBaseURL(entry.BaseURL))
		}
		if v := config.OptString(entry.Options, "api_version"); v != "" {
			opts = append(opts, geminilive.WithAPIVersion(v))
		}
		d, ok, err := config.OptDuration(entry.Options, "keepalive_interval")
		if err != nil {
			return nil, err
		}
		if ok {
			opts = append(opts, geminilive.WithKeepalive(d))
		}
		return geminilive.New(entry.APIKey, opts...), nil
	})

	reg.RegisterS2S("openai-realtime", func(entry config.ProviderEntry) (s2s.Provider, error) {
		if entry.APIKey == "" {
			return nil, fmt.Errorf("%w: set providers.s2s.api_key or %s", config.ErrMissingAPIKey, config.APIKeyEnv)
		}
		var opts []oais2s.Option
		if entry.Model != "" {
			opts = append(opts, oais2s.WithModel(entry.Model))
		}
		if entry.BaseURL != "" {
			opts = append(opts, oais2s.WithBaseURL(entry.BaseURL))
		}
		if m := config.OptString(entry.Options, "transcription_model"); m != "" {
			opts = append(opts, oais2s.WithTranscriptionModel(m))
		}
		return oais2s.New(entry.APIKey, opts...), nil
	})

	reg.RegisterGenAI("gemini", func(ctx context.Context, entry config.ProviderEntry) (advisor.Backend, error) {
		if entry.APIKey == "" {
			return advisor.Backend{}, fmt.Errorf("%w: set providers.genai.api_key or %s", config.ErrMissingAPIKey, config.APIKeyEnv)
		}
		return advisor.NewBackend(ctx, entry.APIKey, entry.BaseURL)
	})
}

// ── Logger ─────────────────────────────────────────────────────────────────────

func setLevel(lv *slog.LevelVar, level config.LogLevel) {
	switch level {
	case config.LogDebug:
		lv.Set(slog.LevelDebug)
	case config.LogWarn:
		lv.Set(slog.LevelWarn)
	case config.LogError:
		lv.Set(slog.LevelError)
	default:
		lv.Set(slog.LevelInfo)
	}
}

func newLogger(w io.Writer, format config.LogFormat, level slog.Leveler) *slog.Logger {
	opts := &slog.HandlerOptions{Level: level}
	if format == config.LogFormatJSON {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}
