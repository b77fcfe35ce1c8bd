// Package openai provides a TTS provider backed by the OpenAI audio speech API.
package openai

import (
	"context"
	"fmt"
	"io"
	"net/http"

	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/sadam-codes/chatbot-builder/pkg/provider/tts"
)

const (
	// DefaultModel is the speech model used when none is configured.
	DefaultModel = "tts-1"
	// DefaultVoice is used when the voice profile carries no ID.
	DefaultVoice = "alloy"
)

var _ tts.Provider = (*Provider)(nil)

// Provider implements tts.Provider using OpenAI's /audio/speech endpoint.
type Provider struct {
	client oai.Client
	model  string
	format oai.AudioSpeechNewParamsResponseFormat
}

// Option is a functional option for Provider.
type Option func(*Provider)

// WithModel overrides the speech model (tts-1, tts-1-hd, gpt-4o-mini-tts).
func WithModel(model string) Option {
	return func(p *Provider) {
		if model != "" {
			p.model = model
		}
	}
}

// WithFormat sets the response encoding: mp3 (default), wav, opus, aac, flac or pcm.
func WithFormat(format string) Option {
	return func(p *Provider) {
		if format != "" {
			p.format = oai.AudioSpeechNewParamsResponseFormat(format)
		}
	}
}

// New constructs an OpenAI TTS provider. baseURL may be empty.
func New(apiKey, baseURL string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("openai tts: apiKey must not be empty")
	}
	reqOpts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if baseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(baseURL))
	}
	p := &Provider{
		client: oai.NewClient(reqOpts...),
		model:  DefaultModel,
		format: oai.AudioSpeechNewParamsResponseFormatMP3,
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// Synthesize implements tts.Provider.
func (p *Provider) Synthesize(ctx context.Context, text string, voice tts.VoiceProfile) (*tts.Audio, error) {
	resp, err := p.client.Audio.Speech.New(ctx, p.buildParams(text, voice))
	if err != nil {
		return nil, fmt.Errorf("openai tts: speech: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("openai tts: speech returned status %d", resp.StatusCode)
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("openai tts: read audio: %w", err)
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("openai tts: empty audio response")
	}
	return &tts.Audio{Data: data, ContentType: contentType(p.format)}, nil
}

func (p *Provider) buildParams(text string, voice tts.VoiceProfile) oai.AudioSpeechNewParams {
	id := voice.ID
	if id == "" {
		id = DefaultVoice
	}
	params := oai.AudioSpeechNewParams{
		Input:          text,
		Model:          oai.SpeechModel(p.model),
		Voice:          oai.AudioSpeechNewParamsVoice(id),
		ResponseFormat: p.format,
	}
	if voice.SpeedFactor > 0 && voice.SpeedFactor != 1 {
		params.Speed = oai.Float(voice.SpeedFactor)
	}
	return params
}

func contentType(format oai.AudioSpeechNewParamsResponseFormat) string {
	switch format {
	case oai.AudioSpeechNewParamsResponseFormatWAV:
		return tts.ContentTypeWAV
	case oai.AudioSpeechNewParamsResponseFormatOpus:
		return tts.ContentTypeOpus
	case oai.AudioSpeechNewParamsResponseFormatAAC:
		return "audio/aac"
	case oai.AudioSpeechNewParamsResponseFormatFLAC:
		return "audio/flac"
	case oai.AudioSpeechNewParamsResponseFormatPCM:
		return "audio/pcm"
	default:
		return tts.ContentTypeMPEG
	}
}
