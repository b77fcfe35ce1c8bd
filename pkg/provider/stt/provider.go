// Package stt defines the Provider interface for Speech-to-Text backends.
//
// Voice queries arrive as a complete uploaded recording, so providers
// transcribe one recording per call and return plain text. Implementations
// must be safe for concurrent use.
package stt

import "context"

// Provider is the abstraction over any STT backend.
type Provider interface {
	// Transcribe converts rec to text. An empty string with a nil error means
	// the backend heard nothing intelligible; callers decide how to treat it.
	Transcribe(ctx context.Context, rec Recording) (string, error)
}
