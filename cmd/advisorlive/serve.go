package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"sync/atomic"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/advisorlive/internal/advisor"
	"github.com/MrWong99/advisorlive/internal/config"
	"github.com/MrWong99/advisorlive/internal/health"
	"github.com/MrWong99/advisorlive/internal/observe"
	"github.com/MrWong99/advisorlive/internal/voice"
	"github.com/MrWong99/advisorlive/pkg/audio/portaudio"
)

const shutdownTimeout = 15 * time.Second

func (c *cli) serveCmd() *cobra.Command {
	var withVoice bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve health, readiness and metrics endpoints",
		Long: `Serve /healthz, /readyz and /metrics on server.listen_addr and watch the
config file. Voice settings changed in the file apply to the next session,
advisor model changes rebuild the advisor, log level changes apply at once.

With --voice the push-to-talk loop runs on stdin alongside the server.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.serve(cmd.Context(), withVoice)
		},
	}
	cmd.Flags().BoolVar(&withVoice, "voice", false, "also run the push-to-talk voice loop on stdin")
	return cmd
}

func (c *cli) serve(ctx context.Context, withVoice bool) error {
	tel, err := observe.InitProvider(ctx, observe.ProviderConfig{ServiceName: "advisorlive"})
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := tel.Shutdown(sctx); err != nil {
			slog.Warn("telemetry shutdown", "err", err)
		}
	}()

	var adv atomic.Pointer[advisor.Advisor]
	a, err := c.newAdvisor(ctx)
	if err != nil {
		return err
	}
	adv.Store(a)

	var ctrl *voice.Controller
	if withVoice {
		provider, err := c.newS2S()
		if err != nil {
			return err
		}
		ctrl = voice.New(provider, portaudio.NewCapture(), portaudio.NewOutput(), c.config().Voice.Session(),
			voice.WithAlert(func(error) { fmt.Fprintln(c.stderr, voice.AlertMessage) }),
		)
		defer ctrl.Close()
	}

	checks := []health.Checker{{
		Name:  "advisor",
		Check: func(ctx context.Context) error { return adv.Load().Ready(ctx) },
	}}
	hh := health.New(checks...)

	mux := http.NewServeMux()
	hh.Register(mux)
	mux.Handle("GET /metrics", tel.MetricsHandler())

	srv := &http.Server{
		Addr:              c.config().Server.ListenAddr,
		Handler:           observe.Middleware(observe.DefaultMetrics())(mux),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		slog.Info("http server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(sctx)
	})

	if _, err := os.Stat(c.configPath); err == nil {
		w, err := config.NewWatcher(c.configPath, func(old, next *config.Config) {
			c.applyReload(gctx, old, next, &adv, ctrl)
		})
		if err != nil {
			return err
		}
		g.Go(func() error { return w.Run(gctx) })
	} else {
		slog.Info("config file not found, hot reload disabled", "path", c.configPath)
	}

	if ctrl != nil {
		g.Go(func() error {
			err := c.pushToTalk(gctx, ctrl, os.Stdin)
			slog.Info("voice loop ended, session released; server keeps running")
			return err
		})
	}

	err = g.Wait()
	slog.Info("server stopped")
	return err
}

// applyReload applies the parts of a config change that can be applied live.
func (c *cli) applyReload(ctx context.Context, old, next *config.Config, adv *atomic.Pointer[advisor.Advisor], ctrl *voice.Controller) {
	d := config.Diff(old, next)
	if d.Empty() {
		return
	}
	c.cfg.Store(next)
	if d.LogLevelChanged {
		setLevel(c.level, d.NewLogLevel)
		slog.Info("log level changed", "level", d.NewLogLevel)
	}
	if d.VoiceChanged && ctrl != nil {
		ctrl.Reconfigure(next.Voice.Session())
		slog.Info("voice settings updated, applying to next session")
	}
	if d.AdvisorChanged {
		a, err := c.newAdvisor(ctx)
		if err != nil {
			slog.Error("rebuild advisor, keeping previous one", "err", err)
		} else {
			adv.Store(a)
			slog.Info("advisor rebuilt")
		}
	}
	if d.RestartRequired {
		slog.Warn("provider, listen address or log format changed; restart to apply")
	}
}
