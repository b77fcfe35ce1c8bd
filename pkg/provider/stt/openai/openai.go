// Package openai provides an STT provider backed by the OpenAI audio
// transcription API.
package openai

import (
	"bytes"
	"context"
	"fmt"
	"strings"

	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/sadam-codes/chatbot-builder/pkg/provider/stt"
)

// DefaultModel is the transcription model used when none is configured.
const DefaultModel = "whisper-1"

var _ stt.Provider = (*Provider)(nil)

// Provider implements stt.Provider using OpenAI's /audio/transcriptions endpoint.
type Provider struct {
	client   oai.Client
	model    string
	language string
}

// Option is a functional option for Provider.
type Option func(*Provider)

// WithModel overrides the transcription model.
func WithModel(model string) Option {
	return func(p *Provider) {
		if model != "" {
			p.model = model
		}
	}
}

// WithLanguage sets a default ISO-639-1 language hint.
func WithLanguage(lang string) Option {
	return func(p *Provider) {
		p.language = lang
	}
}

// New constructs an OpenAI STT provider. baseURL may be empty.
func New(apiKey, baseURL string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("openai stt: apiKey must not be empty")
	}
	reqOpts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if baseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(baseURL))
	}
	p := &Provider{client: oai.NewClient(reqOpts...), model: DefaultModel}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// Transcribe implements stt.Provider.
func (p *Provider) Transcribe(ctx context.Context, rec stt.Recording) (string, error) {
	if len(rec.Data) == 0 {
		return "", fmt.Errorf("openai stt: empty recording")
	}
	params := oai.AudioTranscriptionNewParams{
		File:  oai.File(bytes.NewReader(rec.Data), rec.Name(), rec.MIMEType()),
		Model: oai.AudioModel(p.model),
	}
	lang := rec.Language
	if lang == "" {
		lang = p.language
	}
	if lang != "" {
		params.Language = oai.String(lang)
	}

	tr, err := p.client.Audio.Transcriptions.New(ctx, params)
	if err != nil {
		return "", fmt.Errorf("openai stt: transcription: %w", err)
	}
	return strings.TrimSpace(tr.Text), nil
}
