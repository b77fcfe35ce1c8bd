package stt

import "path"

// Recording is one uploaded audio file.
type Recording struct {
	// Data is the encoded audio (webm, wav, mp3, m4a, ...).
	Data []byte

	// Filename is the client-supplied name. Backends use its extension to
	// detect the container format.
	Filename string

	// ContentType is the MIME type reported by the client, if any.
	ContentType string

	// Language is an optional ISO-639-1 hint.
	Language string
}

// Name returns the recording's filename, or a generic one when unset.
func (r Recording) Name() string {
	if r.Filename == "" {
		return "audio.webm"
	}
	return path.Base(r.Filename)
}

// MIMEType returns the recording's content type, or a generic one when unset.
func (r Recording) MIMEType() string {
	if r.ContentType == "" {
		return "application/octet-stream"
	}
	return r.ContentType
}
