package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"

	"github.com/spf13/cobra"

	"github.com/MrWong99/advisorlive/internal/voice"
	"github.com/MrWong99/advisorlive/pkg/audio/portaudio"
)

func (c *cli) voiceCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "voice",
		Short: "Live voice session on the default microphone and speaker",
		Long: `Start a live voice conversation with the advisor.

Press Enter to start talking and Enter again to stop. Type q and Enter to quit.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			provider, err := c.newS2S()
			if err != nil {
				return err
			}
			ctrl := voice.New(provider, portaudio.NewCapture(), portaudio.NewOutput(), c.config().Voice.Session(),
				voice.WithAlert(func(error) {
					fmt.Fprintln(c.stderr, voice.AlertMessage)
				}),
				voice.WithTranscriptHandler(func(tr voice.Transcript) {
					fmt.Fprintf(c.stdout, "%s: %s\n", tr.Speaker, tr.Text)
				}),
			)
			defer ctrl.Close()
			return c.pushToTalk(cmd.Context(), ctrl, cmd.InOrStdin())
		},
	}
}

// pushToTalk toggles ctrl on every empty line read from in until "q", EOF or
// ctx is done. On return no session is live or connecting.
func (c *cli) pushToTalk(ctx context.Context, ctrl *voice.Controller, in io.Reader) error {
	ctx, cancel := context.WithCancel(ctx)
	var starts sync.WaitGroup
	defer func() {
		cancel()
		starts.Wait()
		ctrl.Stop()
	}()

	lines := make(chan string)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(in)
		for sc.Scan() {
			select {
			case lines <- strings.TrimSpace(sc.Text()):
			case <-ctx.Done():
				return
			}
		}
	}()

	fmt.Fprintln(c.stdout, "Press Enter to talk, Enter again to stop, q to quit.")
	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok || strings.EqualFold(line, "q") {
				return nil
			}
			c.toggle(ctx, ctrl, &starts)
		}
	}
}

// toggle starts a session when idle and stops any other.
func (c *cli) toggle(ctx context.Context, ctrl *voice.Controller, starts *sync.WaitGroup) {
	if ctrl.Status() != voice.StatusIdle {
		ctrl.Stop()
		fmt.Fprintln(c.stdout, "stopped")
		return
	}
	fmt.Fprintln(c.stdout, "connecting…")
	starts.Go(func() {
		sctx := ctx
		if d := c.config().Voice.ConnectTimeout; d > 0 {
			var cancel context.CancelFunc
			sctx, cancel = context.WithTimeout(ctx, d)
			defer cancel()
		}
		switch err := ctrl.Start(sctx); {
		case err == nil:
			fmt.Fprintln(c.stdout, "live, go ahead")
		case errors.Is(err, voice.ErrStartCancelled), errors.Is(err, voice.ErrSessionActive):
			slog.Debug("voice: start abandoned", "err", err)
		default:
			slog.Error("voice: start failed", "err", err)
		}
	})
}
