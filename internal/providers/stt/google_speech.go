package stt

import (
	"context"

	speech "cloud.google.com/go/speech/apiv1"
	speechpb "cloud.google.com/go/speech/apiv1/speechpb"
	"google.golang.org/api/option"

	"github.com/yoockh/callguard/internal/utils"
)

type GoogleSpeech struct {
	c *speech.Client

	DefaultLanguage string
}

func NewGoogleSpeech(ctx context.Context, language string, opts ...option.ClientOption) (*GoogleSpeech, error) {
	c, err := speech.NewClient(ctx, opts...)
	if err != nil {
		return nil, utils.E(utils.CodeUnavailable, "stt.NewGoogleSpeech", "speech client", err)
	}
	return &GoogleSpeech{c: c, DefaultLanguage: NormalizeLanguage(language)}, nil
}

func (g *GoogleSpeech) Close() error { return g.c.Close() }

// Transcribe returns the highest-confidence alternative across results.
func (g *GoogleSpeech) Transcribe(ctx context.Context, req Request) (string, float64, error) {
	const op = "GoogleSpeech.Transcribe"
	if len(req.Audio) == 0 {
		return "", 0, utils.E(utils.CodeInvalidArgument, op, "audio is empty", nil)
	}
	lang := req.Language
	if lang == "" {
		lang = g.DefaultLanguage
	}
	rate := req.SampleRate
	if rate <= 0 {
		rate = 16000
	}
	channels := req.Channels
	if channels <= 0 {
		channels = 1
	}

	resp, err := g.c.Recognize(ctx, &speechpb.RecognizeRequest{
		Config: &speechpb.RecognitionConfig{
			Encoding:                   speechpb.RecognitionConfig_LINEAR16,
			SampleRateHertz:            int32(rate),
			AudioChannelCount:          int32(channels),
			LanguageCode:               NormalizeLanguage(lang),
			EnableAutomaticPunctuation: true,
		},
		Audio: &speechpb.RecognitionAudio{
			AudioSource: &speechpb.RecognitionAudio_Content{Content: req.Audio},
		},
	})
	if err != nil {
		return "", 0, utils.E(utils.CodeUnavailable, op, "recognize", err)
	}

	var bestText string
	var bestConf float64
	for _, r := range resp.Results {
		for _, alt := range r.Alternatives {
			if alt.Transcript != "" && float64(alt.Confidence) >= bestConf {
				bestText = alt.Transcript
				bestConf = float64(alt.Confidence)
			}
		}
	}
	return bestText, bestConf, nil
}
