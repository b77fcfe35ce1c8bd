// Package mock provides a test double for the tts.Provider interface.
//
// Responses can be keyed by text so tests can make individual units fail,
// stall, or complete out of order:
//
//	p := &mock.Provider{
//	    Delays: map[string]time.Duration{"First.": 50 * time.Millisecond},
//	    Errs:   map[string]error{"Broken.": errors.New("boom")},
//	}
package mock

import (
	"context"
	"sync"
	"time"

	"github.com/sadam-codes/chatbot-builder/pkg/provider/tts"
)

// SynthesizeCall records a single invocation of Synthesize.
type SynthesizeCall struct {
	Text  string
	Voice tts.VoiceProfile
}

// Provider is a mock implementation of tts.Provider.
//
// By default Synthesize returns Audio whose Data is the input text, which
// lets tests identify clips by content.
type Provider struct {
	mu sync.Mutex

	// Err, if non-nil, is returned for every call.
	Err error

	// Errs maps input text to a per-text error.
	Errs map[string]error

	// Delays maps input text to an artificial latency. A negative delay
	// blocks until the context is cancelled.
	Delays map[string]time.Duration

	// ContentType is reported on every clip. Defaults to audio/mpeg.
	ContentType string

	Calls []SynthesizeCall
}

var _ tts.Provider = (*Provider)(nil)

// Synthesize records the call and returns the configured result.
func (p *Provider) Synthesize(ctx context.Context, text string, voice tts.VoiceProfile) (*tts.Audio, error) {
	p.mu.Lock()
	p.Calls = append(p.Calls, SynthesizeCall{Text: text, Voice: voice})
	delay := p.Delays[text]
	err := p.Err
	if e, ok := p.Errs[text]; ok {
		err = e
	}
	ct := p.ContentType
	p.mu.Unlock()

	if delay < 0 {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err != nil {
		return nil, err
	}
	if ct == "" {
		ct = tts.ContentTypeMPEG
	}
	return &tts.Audio{Data: []byte(text), ContentType: ct}, nil
}

// CallCount returns the number of Synthesize calls.
func (p *Provider) CallCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.Calls)
}

// Texts returns the text of every call in call order.
func (p *Provider) Texts() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, len(p.Calls))
	for i, c := range p.Calls {
		out[i] = c.Text
	}
	return out
}
