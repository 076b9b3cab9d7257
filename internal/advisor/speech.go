package advisor

import (
	"context"
	"strings"

	"google.golang.org/genai"

	"github.com/MrWong99/advisorlive/pkg/audio/pcm"
)

// Speak synthesises text with the configured prebuilt voice and returns
// little-endian PCM16 at 24 kHz mono, ready for [pcm.PCM16ToBuffer].
func (a *Advisor) Speak(ctx context.Context, text string) ([]byte, error) {
	if strings.TrimSpace(text) == "" {
		return nil, ErrEmptyInput
	}
	return run(ctx, a, OpSpeech, func(ctx context.Context, model string) ([]byte, error) {
		resp, err := a.backend.Content.GenerateContent(ctx, model, genai.Text(text), &genai.GenerateContentConfig{
			ResponseModalities: []string{string(genai.ModalityAudio)},
			SpeechConfig: &genai.SpeechConfig{
				VoiceConfig: &genai.VoiceConfig{
					PrebuiltVoiceConfig: &genai.PrebuiltVoiceConfig{VoiceName: a.cfg.SpeechVoice},
				},
			},
		})
		if err != nil {
			return nil, err
		}
		blob := inlineData(resp)
		if blob == nil {
			return nil, ErrNoAudio
		}
		return blob.Data, nil
	})
}

// SpeechFormat is the audio format returned by [Advisor.Speak].
var SpeechFormat = pcm.Output24K
