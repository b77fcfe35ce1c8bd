// Package tts defines the Provider interface for Text-to-Speech backends.
//
// A TTS provider converts one speakable unit of text into a complete audio
// clip. The query pipeline calls it once per sentence and several calls may be
// in flight at the same time, so implementations must be safe for concurrent
// use and must honour context cancellation promptly: a cancelled or timed out
// call is treated as a dropped unit.
package tts

import "context"

// Provider is the abstraction over any TTS backend.
type Provider interface {
	// Synthesize renders text with the given voice and returns the encoded
	// clip. text is non-empty and already trimmed by the caller.
	Synthesize(ctx context.Context, text string, voice VoiceProfile) (*Audio, error)
}
