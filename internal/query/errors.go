package query

import "errors"

// Sentinel errors returned (wrapped) by [Service]. Callers classify them
// with errors.Is.
var (
	// ErrValidation reports a malformed request: an empty question, empty
	// text, or missing audio.
	ErrValidation = errors.New("validation failed")

	// ErrNotFound reports an agent that does not exist or is not visible to
	// the caller. It is returned before any provider call is made.
	ErrNotFound = errors.New("agent not found")

	// ErrTranscriptionFailed reports that speech-to-text produced no usable
	// text.
	ErrTranscriptionFailed = errors.New("could not transcribe audio")

	// ErrUpstreamUnavailable reports a completion, synthesis or
	// transcription provider failure that could not be absorbed.
	ErrUpstreamUnavailable = errors.New("upstream provider unavailable")
)
