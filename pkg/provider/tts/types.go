package tts

// Common audio content types returned by the providers.
const (
	ContentTypeMPEG = "audio/mpeg"
	ContentTypeWAV  = "audio/wav"
	ContentTypeOpus = "audio/ogg"
)

// VoiceProfile selects a voice and its delivery parameters.
type VoiceProfile struct {
	// ID is the provider-specific voice identifier ("alloy", an ElevenLabs
	// voice ID, a Coqui speaker name).
	ID string

	// Name is a human-readable label.
	Name string

	// SpeedFactor scales the speaking rate. Zero or 1.0 means normal speed.
	SpeedFactor float64

	// Metadata holds provider-specific settings.
	Metadata map[string]string
}

// Audio is one encoded clip.
type Audio struct {
	Data        []byte
	ContentType string
}
