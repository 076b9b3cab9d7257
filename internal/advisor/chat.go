package advisor

import (
	"context"
	"strings"

	"google.golang.org/genai"
)

// Location is a point used to ground map answers.
type Location struct {
	Lat, Lng float64
}

// ChatOptions selects the chat mode.
type ChatOptions struct {
	// Thinking routes the prompt to the thinking model with a large
	// reasoning budget.
	Thinking bool

	// Search enables Google Search grounding.
	Search bool

	// Maps enables Google Maps grounding. It is ignored without Location.
	Maps bool

	// Location is the user's position for map grounding.
	Location *Location
}

// Source is one grounding reference cited by a reply.
type Source struct {
	Title string
	URI   string
	Kind  string // "web" or "maps"
}

// Reply is the answer to a chat prompt.
type Reply struct {
	Text    string
	Model   string
	Sources []Source
}

// Chat answers prompt with the advisor's system instruction.
func (a *Advisor) Chat(ctx context.Context, prompt string, opts ChatOptions) (*Reply, error) {
	if strings.TrimSpace(prompt) == "" {
		return nil, ErrEmptyInput
	}
	op := OpChat
	if opts.Thinking {
		op = OpThinking
	}
	return run(ctx, a, op, func(ctx context.Context, model string) (*Reply, error) {
		resp, err := a.backend.Content.GenerateContent(ctx, model, genai.Text(prompt), a.chatConfig(model, opts))
		if err != nil {
			return nil, err
		}
		return &Reply{Text: resp.Text(), Model: model, Sources: groundingSources(resp)}, nil
	})
}

func (a *Advisor) chatConfig(model string, opts ChatOptions) *genai.GenerateContentConfig {
	cfg := &genai.GenerateContentConfig{SystemInstruction: systemInstruction(a.cfg.Instructions)}
	if opts.Thinking && model == a.cfg.ThinkingModel {
		cfg.ThinkingConfig = &genai.ThinkingConfig{ThinkingBudget: genai.Ptr(ThinkingBudget)}
	}
	if opts.Search {
		cfg.Tools = append(cfg.Tools, &genai.Tool{GoogleSearch: &genai.GoogleSearch{}})
	}
	if opts.Maps && opts.Location != nil {
		cfg.Tools = append(cfg.Tools, &genai.Tool{GoogleMaps: &genai.GoogleMaps{}})
		cfg.ToolConfig = &genai.ToolConfig{
			RetrievalConfig: &genai.RetrievalConfig{
				LatLng: &genai.LatLng{
					Latitude:  genai.Ptr(opts.Location.Lat),
					Longitude: genai.Ptr(opts.Location.Lng),
				},
			},
		}
	}
	return cfg
}

// groundingSources collects the distinct web and map references of the
// first candidate.
func groundingSources(resp *genai.GenerateContentResponse) []Source {
	if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0].GroundingMetadata == nil {
		return nil
	}
	var out []Source
	seen := make(map[string]bool)
	for _, ch := range resp.Candidates[0].GroundingMetadata.GroundingChunks {
		var src Source
		switch {
		case ch == nil:
			continue
		case ch.Web != nil:
			src = Source{Title: ch.Web.Title, URI: ch.Web.URI, Kind: "web"}
		case ch.Maps != nil:
			src = Source{Title: ch.Maps.Title, URI: ch.Maps.URI, Kind: "maps"}
		default:
			continue
		}
		if src.URI == "" || seen[src.URI] {
			continue
		}
		seen[src.URI] = true
		out = append(out, src)
	}
	return out
}
