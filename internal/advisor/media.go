package advisor

import (
	"context"
	"encoding/base64"
	"fmt"
	"slices"
	"strings"

	"google.golang.org/genai"
)

var (
	imageAspectRatios = []string{"1:1", "2:3", "3:2", "3:4", "4:3", "9:16", "16:9", "21:9"}
	imageSizes        = []string{"1K", "2K", "4K"}
)

// Image is a generated or edited picture.
type Image struct {
	Data     []byte
	MIMEType string
}

// DataURL renders the image as a data: URL.
func (img *Image) DataURL() string {
	return "data:" + img.MIMEType + ";base64," + base64.StdEncoding.EncodeToString(img.Data)
}

// Analyze asks the analysis model about an image, video or document.
func (a *Advisor) Analyze(ctx context.Context, media []byte, mimeType, prompt string) (string, error) {
	if len(media) == 0 || strings.TrimSpace(prompt) == "" {
		return "", ErrEmptyInput
	}
	contents := []*genai.Content{genai.NewContentFromParts([]*genai.Part{
		genai.NewPartFromBytes(media, mimeType),
		genai.NewPartFromText(prompt),
	}, genai.RoleUser)}
	return run(ctx, a, OpAnalyze, func(ctx context.Context, model string) (string, error) {
		resp, err := a.backend.Content.GenerateContent(ctx, model, contents, &genai.GenerateContentConfig{
			SystemInstruction: systemInstruction(a.cfg.Instructions),
		})
		if err != nil {
			return "", err
		}
		return resp.Text(), nil
	})
}

// GenerateImage renders prompt. Empty aspectRatio means "1:1" and empty
// imageSize means "1K".
func (a *Advisor) GenerateImage(ctx context.Context, prompt, aspectRatio, imageSize string) (*Image, error) {
	if strings.TrimSpace(prompt) == "" {
		return nil, ErrEmptyInput
	}
	if aspectRatio == "" {
		aspectRatio = "1:1"
	}
	if imageSize == "" {
		imageSize = "1K"
	}
	if !slices.Contains(imageAspectRatios, aspectRatio) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidAspectRatio, aspectRatio)
	}
	if !slices.Contains(imageSizes, imageSize) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidImageSize, imageSize)
	}

	return run(ctx, a, OpImage, func(ctx context.Context, model string) (*Image, error) {
		resp, err := a.backend.Content.GenerateContent(ctx, model, genai.Text(prompt), &genai.GenerateContentConfig{
			ImageConfig: &genai.ImageConfig{AspectRatio: aspectRatio, ImageSize: imageSize},
		})
		if err != nil {
			return nil, err
		}
		return imageFrom(resp)
	})
}

// EditImage applies instruction to an existing image.
func (a *Advisor) EditImage(ctx context.Context, image []byte, mimeType, instruction string) (*Image, error) {
	if len(image) == 0 || strings.TrimSpace(instruction) == "" {
		return nil, ErrEmptyInput
	}
	if mimeType == "" {
		mimeType = "image/png"
	}
	contents := []*genai.Content{genai.NewContentFromParts([]*genai.Part{
		genai.NewPartFromBytes(image, mimeType),
		genai.NewPartFromText(instruction),
	}, genai.RoleUser)}
	return run(ctx, a, OpEdit, func(ctx context.Context, model string) (*Image, error) {
		resp, err := a.backend.Content.GenerateContent(ctx, model, contents, nil)
		if err != nil {
			return nil, err
		}
		return imageFrom(resp)
	})
}

// imageFrom extracts the first inline image.
func imageFrom(resp *genai.GenerateContentResponse) (*Image, error) {
	blob := inlineData(resp)
	if blob == nil {
		return nil, ErrNoImage
	}
	mimeType := blob.MIMEType
	if mimeType == "" {
		mimeType = "image/png"
	}
	return &Image{Data: blob.Data, MIMEType: mimeType}, nil
}
