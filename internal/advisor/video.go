package advisor

import (
	"context"
	"fmt"
	"strings"
	"time"

	"google.golang.org/genai"
)

// Video is a generated clip.
type Video struct {
	Data     []byte
	MIMEType string
	URI      string
}

// GenerateVideo renders one 720p clip for prompt and waits for it. Empty
// aspectRatio means "16:9"; only "16:9" and "9:16" are accepted. The
// operation is polled every Config.VideoPollInterval until it finishes or
// ctx is done.
func (a *Advisor) GenerateVideo(ctx context.Context, prompt, aspectRatio string) (*Video, error) {
	if strings.TrimSpace(prompt) == "" {
		return nil, ErrEmptyInput
	}
	if aspectRatio == "" {
		aspectRatio = "16:9"
	}
	if aspectRatio != "16:9" && aspectRatio != "9:16" {
		return nil, fmt.Errorf("%w: %q", ErrInvalidAspectRatio, aspectRatio)
	}

	return run(ctx, a, OpVideo, func(ctx context.Context, model string) (*Video, error) {
		op, err := a.backend.Videos.GenerateVideos(ctx, model, prompt, nil, &genai.GenerateVideosConfig{
			NumberOfVideos: 1,
			Resolution:     "720p",
			AspectRatio:    aspectRatio,
		})
		if err != nil {
			return nil, err
		}
		op, err = a.waitVideo(ctx, op)
		if err != nil {
			return nil, err
		}
		return a.fetchVideo(ctx, op)
	})
}

func (a *Advisor) waitVideo(ctx context.Context, op *genai.GenerateVideosOperation) (*genai.GenerateVideosOperation, error) {
	timer := time.NewTimer(a.cfg.VideoPollInterval)
	defer timer.Stop()
	for op != nil && !op.Done {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-timer.C:
		}
		next, err := a.backend.Operations.GetVideosOperation(ctx, op, nil)
		if err != nil {
			return nil, fmt.Errorf("poll %s: %w", op.Name, err)
		}
		op = next
		timer.Reset(a.cfg.VideoPollInterval)
	}
	if op == nil {
		return nil, ErrNoVideo
	}
	if op.Error != nil {
		return nil, fmt.Errorf("operation %s failed: %v", op.Name, op.Error["message"])
	}
	return op, nil
}

func (a *Advisor) fetchVideo(ctx context.Context, op *genai.GenerateVideosOperation) (*Video, error) {
	if op.Response == nil || len(op.Response.GeneratedVideos) == 0 ||
		op.Response.GeneratedVideos[0] == nil || op.Response.GeneratedVideos[0].Video == nil {
		return nil, ErrNoVideo
	}
	gv := op.Response.GeneratedVideos[0]
	v := &Video{Data: gv.Video.VideoBytes, MIMEType: gv.Video.MIMEType, URI: gv.Video.URI}
	if v.MIMEType == "" {
		v.MIMEType = "video/mp4"
	}
	if len(v.Data) > 0 {
		return v, nil
	}
	if v.URI == "" {
		return nil, ErrNoVideo
	}
	data, err := a.backend.Files.Download(ctx, genai.NewDownloadURIFromGeneratedVideo(gv), nil)
	if err != nil {
		return nil, fmt.Errorf("download video: %w", err)
	}
	v.Data = data
	return v, nil
}
