// Package mock provides a test double for the stt.Provider interface.
package mock

import (
	"context"
	"sync"

	"github.com/sadam-codes/chatbot-builder/pkg/provider/stt"
)

// Provider is a mock implementation of stt.Provider. It returns Text and Err
// for every call and records the recordings it was given.
type Provider struct {
	mu sync.Mutex

	Text string
	Err  error

	Calls []stt.Recording
}

var _ stt.Provider = (*Provider)(nil)

// Transcribe records the call and returns Text, Err.
func (p *Provider) Transcribe(_ context.Context, rec stt.Recording) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Calls = append(p.Calls, rec)
	return p.Text, p.Err
}

// CallCount returns the number of Transcribe calls.
func (p *Provider) CallCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.Calls)
}
