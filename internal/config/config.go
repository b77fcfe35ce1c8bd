// Package config provides the configuration schema, loader, and provider
// registry for the chatbot service.
package config

import "time"

// LogLevel controls log verbosity for the server.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// Default values applied by [ApplyDefaults].
const (
	DefaultListenAddr          = ":4000"
	DefaultBasePath            = "/api/v1"
	DefaultHistoryLimit        = 10
	DefaultSingleShotMaxTokens = 1000
	DefaultStreamIdleTimeout   = 30 * time.Second
	DefaultSynthesisTimeout    = 15 * time.Second
	DefaultSynthesisWorkers    = 4
	DefaultPlaybackAckTimeout  = 30 * time.Second
	DefaultMaxUploadBytes      = 25 << 20
	DefaultFallbackAnswer      = "The AI service is currently unavailable. Please try again later."
	DefaultEmptyAnswer         = "No answer found"
)

// Config is the root configuration structure.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Auth      AuthConfig      `yaml:"auth"`
	Providers ProvidersConfig `yaml:"providers"`
	Database  DatabaseConfig  `yaml:"database"`
	Query     QueryConfig     `yaml:"query"`
	Speech    SpeechConfig    `yaml:"speech"`
	Agents    []AgentConfig   `yaml:"agents"`
	Observe   ObserveConfig   `yaml:"observe"`
}

// ServerConfig holds network and logging settings for the HTTP server.
type ServerConfig struct {
	// ListenAddr is the TCP address the server listens on (e.g., ":4000").
	ListenAddr string `yaml:"listen_addr"`

	// BasePath prefixes every API route (e.g., "/api/v1"). Health and metrics
	// endpoints are served at the root regardless.
	BasePath string `yaml:"base_path"`

	// LogLevel controls verbosity.
	LogLevel LogLevel `yaml:"log_level"`

	// CORSOrigins lists the browser origins allowed to call authenticated
	// routes. Public routes accept any origin.
	CORSOrigins []string `yaml:"cors_origins"`

	ReadHeaderTimeout time.Duration `yaml:"read_header_timeout"`
	ShutdownTimeout   time.Duration `yaml:"shutdown_timeout"`

	// MaxUploadBytes caps voice-query uploads.
	MaxUploadBytes int64 `yaml:"max_upload_bytes"`

	// TLS configures TLS for the server. When nil, the server runs plain HTTP.
	TLS *TLSConfig `yaml:"tls"`
}

// TLSConfig holds TLS certificate paths for enabling HTTPS.
type TLSConfig struct {
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

// AuthConfig configures bearer-token verification.
type AuthConfig struct {
	// JWTSecret is the HMAC secret shared with the token issuer.
	JWTSecret string `yaml:"jwt_secret"`

	// Issuer, when set, must match the token's iss claim.
	Issuer string `yaml:"issuer"`
}

// ProvidersConfig declares which provider implementation to use for each
// pipeline stage. Each field selects a named provider registered in the [Registry].
type ProvidersConfig struct {
	LLM ProviderEntry `yaml:"llm"`
	STT ProviderEntry `yaml:"stt"`
	TTS ProviderEntry `yaml:"tts"`

	// Fallbacks lists backup providers per stage, tried in order when the
	// primary fails or its circuit breaker is open.
	Fallbacks FallbackProviders `yaml:"fallbacks"`

	// CircuitBreaker tunes the per-provider breakers. It only applies to
	// stages that have fallbacks.
	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breaker"`
}

// FallbackProviders holds the backup providers for each stage.
type FallbackProviders struct {
	LLM []ProviderEntry `yaml:"llm"`
	STT []ProviderEntry `yaml:"stt"`
	TTS []ProviderEntry `yaml:"tts"`
}

// CircuitBreakerConfig tunes provider circuit breakers.
type CircuitBreakerConfig struct {
	// MaxFailures is the number of consecutive failures that open a breaker.
	MaxFailures int `yaml:"max_failures"`

	// ResetTimeout is how long an open breaker waits before probing again.
	ResetTimeout time.Duration `yaml:"reset_timeout"`
}

// ProviderEntry is the common configuration block shared by all provider types.
// The Name field is used to look up the constructor in the [Registry].
type ProviderEntry struct {
	// Name selects the registered provider implementation (e.g., "openai", "deepgram").
	Name string `yaml:"name"`

	// APIKey is the authentication key for the provider's API if any.
	APIKey string `yaml:"api_key"`

	// BaseURL overrides the provider's default API endpoint.
	BaseURL string `yaml:"base_url"`

	// Model selects a specific model within the provider (e.g., "gpt-4o", "tts-1").
	Model string `yaml:"model"`

	// Options holds provider-specific configuration values not covered by the
	// standard fields above.
	Options map[string]any `yaml:"options"`
}

// DatabaseConfig selects the persistence backend.
type DatabaseConfig struct {
	// PostgresDSN enables the PostgreSQL store. When empty, agents and
	// history are kept in memory and lost on restart.
	PostgresDSN string `yaml:"postgres_dsn"`

	// MaxConns caps the pgx pool size. Zero keeps the pgx default.
	MaxConns int32 `yaml:"max_conns"`

	// SkipMigrations disables running the embedded schema migrations at startup.
	SkipMigrations bool `yaml:"skip_migrations"`
}

// QueryConfig tunes the query pipeline. All fields can be hot-reloaded.
type QueryConfig struct {
	// HistoryLimit is the number of past turns included in the prompt.
	HistoryLimit int `yaml:"history_limit"`

	// SingleShotMaxTokens caps completions on the non-streaming paths.
	SingleShotMaxTokens int `yaml:"single_shot_max_tokens"`

	// StreamMaxTokens caps streamed completions. Zero means uncapped.
	StreamMaxTokens int `yaml:"stream_max_tokens"`

	// Temperature is passed to the model when non-zero.
	Temperature float64 `yaml:"temperature"`

	// StreamIdleTimeout fails a stream that produces no chunk for this long.
	StreamIdleTimeout time.Duration `yaml:"stream_idle_timeout"`

	// FallbackAnswer replaces the answer when a single-shot completion fails.
	FallbackAnswer string `yaml:"fallback_answer"`

	// EmptyAnswer replaces an empty single-shot completion.
	EmptyAnswer string `yaml:"empty_answer"`
}

// SpeechConfig tunes incremental synthesis and playback.
type SpeechConfig struct {
	// Voice is the TTS voice profile used for every agent.
	Voice VoiceConfig `yaml:"voice"`

	// SynthesisTimeout bounds a single unit's synthesis call.
	SynthesisTimeout time.Duration `yaml:"synthesis_timeout"`

	// Concurrency caps in-flight synthesis calls per query.
	Concurrency int `yaml:"concurrency"`

	// PlaybackAckTimeout is how long a voice session waits for the client to
	// report a clip as played before moving on.
	PlaybackAckTimeout time.Duration `yaml:"playback_ack_timeout"`
}

// VoiceConfig specifies the TTS voice parameters.
type VoiceConfig struct {
	// VoiceID is the provider-specific voice identifier (e.g., "alloy").
	VoiceID string `yaml:"voice_id"`

	// SpeedFactor adjusts speaking rate. 1.0 is normal speed; range [0.5, 2.0].
	SpeedFactor float64 `yaml:"speed_factor"`
}

// AgentConfig seeds one agent into the store at startup.
type AgentConfig struct {
	ID           string `yaml:"id"`
	Name         string `yaml:"name"`
	Model        string `yaml:"model"`
	Role         string `yaml:"role"`
	Instructions string `yaml:"instructions"`
	Owner        string `yaml:"owner"`
}

// ObserveConfig configures metrics exposure and trace sampling.
type ObserveConfig struct {
	// MetricsEnabled serves Prometheus metrics at /metrics.
	MetricsEnabled bool `yaml:"metrics_enabled"`

	// TraceSampleRatio is the fraction of root traces sampled, in [0, 1].
	// Nil samples everything.
	TraceSampleRatio *float64 `yaml:"trace_sample_ratio"`
}
