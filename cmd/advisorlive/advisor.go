package main

import (
	"bytes"
	"context"
	"fmt"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/MrWong99/advisorlive/internal/advisor"
	"github.com/MrWong99/advisorlive/pkg/audio"
	"github.com/MrWong99/advisorlive/pkg/audio/pcm"
	"github.com/MrWong99/advisorlive/pkg/audio/portaudio"
)

func (c *cli) chatCmd() *cobra.Command {
	var (
		opts     advisor.ChatOptions
		lat, lng float64
	)
	cmd := &cobra.Command{
		Use:   "chat <question>",
		Short: "Ask the advisor a question",
		Example: `  advisorlive chat "GSTR-2B ar GSTR-3B er difference ki?"
  advisorlive chat --thinking "Deferred tax liability calculation explain koro"
  advisorlive chat --maps --lat 22.57 --lng 88.36 "Nearest GST Seva Kendra"`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			loc, note := mapsLocation(opts.Maps, cmd.Flags().Changed("lat"), lat, lng)
			if note != "" {
				fmt.Fprintln(c.stderr, note)
			}
			opts.Location = loc
			a, err := c.newAdvisor(cmd.Context())
			if err != nil {
				return err
			}
			reply, err := a.Chat(cmd.Context(), strings.Join(args, " "), opts)
			if err != nil {
				return err
			}
			fmt.Fprintln(c.stdout, reply.Text)
			if len(reply.Sources) > 0 {
				fmt.Fprintln(c.stdout, "\nSources:")
				for _, s := range reply.Sources {
					title := s.Title
					if title == "" {
						title = s.URI
					}
					fmt.Fprintf(c.stdout, "  - [%s] %s <%s>\n", s.Kind, title, s.URI)
				}
			}
			return nil
		},
	}
	f := cmd.Flags()
	f.BoolVar(&opts.Thinking, "thinking", false, "use the reasoning model with an extended thinking budget")
	f.BoolVar(&opts.Search, "search", false, "ground the answer with Google Search")
	f.BoolVar(&opts.Maps, "maps", false, "ground the answer with Google Maps (needs --lat and --lng)")
	f.Float64Var(&lat, "lat", 0, "latitude for map grounding")
	f.Float64Var(&lng, "lng", 0, "longitude for map grounding")
	cmd.MarkFlagsRequiredTogether("lat", "lng")
	return cmd
}

// mapsLocation returns the map grounding location for the chat flags and a
// note for the user when the flags do not combine. haveLoc means --lat and
// --lng were both given.
func mapsLocation(maps, haveLoc bool, lat, lng float64) (*advisor.Location, string) {
	switch {
	case maps && haveLoc:
		return &advisor.Location{Lat: lat, Lng: lng}, ""
	case maps:
		return nil, "note: --maps ignored, it needs --lat and --lng"
	case haveLoc:
		return nil, "note: --lat/--lng ignored without --maps"
	}
	return nil, ""
}

func (c *cli) analyzeCmd() *cobra.Command {
	var file, mimeType string
	cmd := &cobra.Command{
		Use:     "analyze --file <path> <question>",
		Short:   "Ask about an image, video or document",
		Example: `  advisorlive analyze --file invoice.jpg "Ei invoice e ITC claim kora jabe?"`,
		Args:    cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, detected, err := readMedia(file)
			if err != nil {
				return err
			}
			if mimeType == "" {
				mimeType = detected
			}
			a, err := c.newAdvisor(cmd.Context())
			if err != nil {
				return err
			}
			answer, err := a.Analyze(cmd.Context(), data, mimeType, strings.Join(args, " "))
			if err != nil {
				return err
			}
			fmt.Fprintln(c.stdout, answer)
			return nil
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", "media file to analyse")
	cmd.Flags().StringVar(&mimeType, "mime", "", "override the detected MIME type")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func (c *cli) imageCmd() *cobra.Command {
	var aspect, size, out string
	cmd := &cobra.Command{
		Use:     "image <prompt>",
		Short:   "Generate an image",
		Example: `  advisorlive image --aspect 16:9 --size 2K -o flow.png "GST input tax credit flow infographic"`,
		Args:    cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := c.newAdvisor(cmd.Context())
			if err != nil {
				return err
			}
			img, err := a.GenerateImage(cmd.Context(), strings.Join(args, " "), aspect, size)
			if err != nil {
				return err
			}
			return c.writeOutput(out, img.Data)
		},
	}
	cmd.Flags().StringVar(&aspect, "aspect", "1:1", "aspect ratio: 1:1, 2:3, 3:2, 3:4, 4:3, 9:16, 16:9, 21:9")
	cmd.Flags().StringVar(&size, "size", "1K", "image size: 1K, 2K, 4K")
	cmd.Flags().StringVarP(&out, "out", "o", "image.png", "output file")
	return cmd
}

func (c *cli) editImageCmd() *cobra.Command {
	var file, out string
	cmd := &cobra.Command{
		Use:     "edit-image --file <path> <instruction>",
		Short:   "Edit an existing image",
		Example: `  advisorlive edit-image -f chart.png -o chart-2.png "Add a title: FY 2024-25 revenue"`,
		Args:    cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, mimeType, err := readMedia(file)
			if err != nil {
				return err
			}
			a, err := c.newAdvisor(cmd.Context())
			if err != nil {
				return err
			}
			img, err := a.EditImage(cmd.Context(), data, mimeType, strings.Join(args, " "))
			if err != nil {
				return err
			}
			return c.writeOutput(out, img.Data)
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", "image to edit")
	cmd.Flags().StringVarP(&out, "out", "o", "edited.png", "output file")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func (c *cli) videoCmd() *cobra.Command {
	var aspect, out string
	cmd := &cobra.Command{
		Use:   "video <prompt>",
		Short: "Generate a short 720p video",
		Long: `Generate a short 720p video. Rendering takes minutes; the command polls
until the video is ready or it is interrupted.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := c.newAdvisor(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintln(c.stderr, "rendering video, this can take a few minutes…")
			v, err := a.GenerateVideo(cmd.Context(), strings.Join(args, " "), aspect)
			if err != nil {
				return err
			}
			return c.writeOutput(out, v.Data)
		},
	}
	cmd.Flags().StringVar(&aspect, "aspect", "16:9", "aspect ratio: 16:9 or 9:16")
	cmd.Flags().StringVarP(&out, "out", "o", "video.mp4", "output file")
	return cmd
}

func (c *cli) speakCmd() *cobra.Command {
	var (
		out  string
		play bool
	)
	cmd := &cobra.Command{
		Use:   "speak <text>",
		Short: "Synthesise speech",
		Long: `Synthesise speech with the configured voice. The audio is written as a WAV
file with --out and/or played on the default speaker with --play.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if out == "" && !play {
				return fmt.Errorf("nothing to do: pass --out and/or --play")
			}
			a, err := c.newAdvisor(cmd.Context())
			if err != nil {
				return err
			}
			data, err := a.Speak(cmd.Context(), strings.Join(args, " "))
			if err != nil {
				return err
			}
			if out != "" {
				var wav bytes.Buffer
				if err := pcm.WriteWAV(&wav, data, advisor.SpeechFormat); err != nil {
					return err
				}
				if err := c.writeOutput(out, wav.Bytes()); err != nil {
					return err
				}
			}
			if play {
				return playPCM(cmd.Context(), portaudio.NewOutput(), data, advisor.SpeechFormat)
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&out, "out", "o", "", "write a WAV file")
	cmd.Flags().BoolVar(&play, "play", false, "play on the default speaker")
	return cmd
}

// playPCM plays PCM16 data on dev and returns once it finished or ctx is done.
func playPCM(ctx context.Context, dev audio.OutputDevice, data []byte, f audio.Format) error {
	buf, err := pcm.PCM16ToBuffer(data, f.SampleRate, f.Channels)
	if err != nil {
		return err
	}
	stream, err := dev.Open(ctx, f)
	if err != nil {
		return err
	}
	defer stream.Close()

	done := make(chan struct{})
	if _, err := stream.Schedule(buf, stream.CurrentTime(), func(audio.Source) { close(done) }); err != nil {
		return err
	}
	select {
	case <-done:
	case <-ctx.Done():
	}
	return nil
}

// readMedia reads path and guesses its MIME type from the extension, falling
// back to content sniffing.
func readMedia(path string) ([]byte, string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, "", err
	}
	mimeType := mime.TypeByExtension(filepath.Ext(path))
	if mimeType == "" {
		mimeType = http.DetectContentType(data)
	}
	if mt, _, err := mime.ParseMediaType(mimeType); err == nil {
		mimeType = mt
	}
	return data, mimeType, nil
}

func (c *cli) writeOutput(path string, data []byte) error {
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return err
	}
	fmt.Fprintf(c.stdout, "wrote %d bytes to %s\n", len(data), path)
	return nil
}
