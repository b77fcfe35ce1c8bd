package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"
	"strings"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"
)

// ValidProviderNames lists known provider names per provider kind.
// Used by [Validate] to warn about unrecognised provider names.
var ValidProviderNames = map[string][]string{
	"llm": {"openai", "anthropic", "ollama", "gemini", "deepseek", "mistral", "groq", "llamacpp", "llamafile"},
	"stt": {"openai", "deepgram", "whisper"},
	"tts": {"openai", "elevenlabs", "coqui"},
}

// Load reads the YAML configuration file at path and returns a validated [Config].
// Environment fallbacks (see [ApplyEnv]) are applied before validation.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := load(f, os.Getenv)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, applies defaults and validates
// the result. It does not consult the environment, which keeps tests hermetic.
func LoadFromReader(r io.Reader) (*Config, error) {
	return load(r, nil)
}

func load(r io.Reader, getenv func(string) string) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	if getenv != nil {
		ApplyEnv(cfg, getenv)
	}
	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnv fills values the YAML left empty from the process environment:
// PORT, CORS_ORIGIN (comma separated), JWT_SECRET, DATABASE_URL and
// OPENAI_API_KEY for any openai provider without a key.
func ApplyEnv(cfg *Config, getenv func(string) string) {
	if cfg.Server.ListenAddr == "" {
		if port := getenv("PORT"); port != "" {
			cfg.Server.ListenAddr = ":" + strings.TrimPrefix(port, ":")
		}
	}
	if len(cfg.Server.CORSOrigins) == 0 {
		for _, o := range strings.Split(getenv("CORS_ORIGIN"), ",") {
			if o = strings.TrimSpace(o); o != "" {
				cfg.Server.CORSOrigins = append(cfg.Server.CORSOrigins, o)
			}
		}
	}
	if cfg.Auth.JWTSecret == "" {
		cfg.Auth.JWTSecret = getenv("JWT_SECRET")
	}
	if cfg.Database.PostgresDSN == "" {
		cfg.Database.PostgresDSN = getenv("DATABASE_URL")
	}
	key := getenv("OPENAI_API_KEY")
	for _, e := range cfg.Providers.entries() {
		if e.Name == "openai" && e.APIKey == "" {
			e.APIKey = key
		}
	}
}

// entries returns pointers to every configured provider entry, primaries
// first.
func (p *ProvidersConfig) entries() []*ProviderEntry {
	out := []*ProviderEntry{&p.LLM, &p.STT, &p.TTS}
	for _, list := range [][]ProviderEntry{p.Fallbacks.LLM, p.Fallbacks.STT, p.Fallbacks.TTS} {
		for i := range list {
			out = append(out, &list[i])
		}
	}
	return out
}

// ApplyDefaults sets every unset tunable to its documented default.
func ApplyDefaults(cfg *Config) {
	s := &cfg.Server
	if s.ListenAddr == "" {
		s.ListenAddr = DefaultListenAddr
	}
	if s.BasePath == "" {
		s.BasePath = DefaultBasePath
	}
	if s.LogLevel == "" {
		s.LogLevel = LogInfo
	}
	if s.MaxUploadBytes == 0 {
		s.MaxUploadBytes = DefaultMaxUploadBytes
	}

	q := &cfg.Query
	if q.HistoryLimit == 0 {
		q.HistoryLimit = DefaultHistoryLimit
	}
	if q.SingleShotMaxTokens == 0 {
		q.SingleShotMaxTokens = DefaultSingleShotMaxTokens
	}
	if q.StreamIdleTimeout == 0 {
		q.StreamIdleTimeout = DefaultStreamIdleTimeout
	}
	if q.FallbackAnswer == "" {
		q.FallbackAnswer = DefaultFallbackAnswer
	}
	if q.EmptyAnswer == "" {
		q.EmptyAnswer = DefaultEmptyAnswer
	}

	sp := &cfg.Speech
	if sp.SynthesisTimeout == 0 {
		sp.SynthesisTimeout = DefaultSynthesisTimeout
	}
	if sp.Concurrency == 0 {
		sp.Concurrency = DefaultSynthesisWorkers
	}
	if sp.PlaybackAckTimeout == 0 {
		sp.PlaybackAckTimeout = DefaultPlaybackAckTimeout
	}
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if bp := cfg.Server.BasePath; bp != "" && (!strings.HasPrefix(bp, "/") || strings.HasSuffix(bp, "/") && bp != "/") {
		errs = append(errs, fmt.Errorf("server.base_path %q must start with / and not end with /", bp))
	}
	if tls := cfg.Server.TLS; tls != nil && (tls.CertFile == "" || tls.KeyFile == "") {
		errs = append(errs, errors.New("server.tls requires both cert_file and key_file"))
	}
	if cfg.Server.MaxUploadBytes < 0 {
		errs = append(errs, errors.New("server.max_upload_bytes must not be negative"))
	}

	// Providers
	validateProviderName("llm", cfg.Providers.LLM.Name)
	validateProviderName("stt", cfg.Providers.STT.Name)
	validateProviderName("tts", cfg.Providers.TTS.Name)
	if cfg.Providers.LLM.Name == "" {
		errs = append(errs, errors.New("providers.llm.name is required"))
	}
	if cfg.Providers.STT.Name == "" {
		slog.Warn("no STT provider configured; voice queries will be rejected")
	}
	if cfg.Providers.TTS.Name == "" {
		slog.Warn("no TTS provider configured; speech output is disabled")
	}
	fb := cfg.Providers.Fallbacks
	for _, stage := range []struct {
		kind string
		list []ProviderEntry
	}{{"llm", fb.LLM}, {"stt", fb.STT}, {"tts", fb.TTS}} {
		kind := stage.kind
		for i, e := range stage.list {
			if e.Name == "" {
				errs = append(errs, fmt.Errorf("providers.fallbacks.%s[%d].name is required", kind, i))
			}
			validateProviderName(kind, e.Name)
		}
	}
	if (len(fb.STT) > 0 && cfg.Providers.STT.Name == "") || (len(fb.TTS) > 0 && cfg.Providers.TTS.Name == "") {
		errs = append(errs, errors.New("providers.fallbacks need a primary provider for the same stage"))
	}
	if cb := cfg.Providers.CircuitBreaker; cb.MaxFailures < 0 || cb.ResetTimeout < 0 {
		errs = append(errs, errors.New("providers.circuit_breaker values must not be negative"))
	}

	if r := cfg.Observe.TraceSampleRatio; r != nil && (*r < 0 || *r > 1) {
		errs = append(errs, fmt.Errorf("observe.trace_sample_ratio %.2f is out of range [0, 1]", *r))
	}

	// Auth
	if cfg.Auth.JWTSecret == "" {
		slog.Warn("auth.jwt_secret is empty; authenticated routes will reject every request")
	}

	// Database
	if cfg.Database.PostgresDSN == "" {
		slog.Warn("database.postgres_dsn is empty; chat history is kept in memory only")
	}
	if cfg.Database.MaxConns < 0 {
		errs = append(errs, errors.New("database.max_conns must not be negative"))
	}

	// Query
	q := cfg.Query
	if q.HistoryLimit < 0 {
		errs = append(errs, fmt.Errorf("query.history_limit %d must not be negative", q.HistoryLimit))
	}
	if q.SingleShotMaxTokens < 0 || q.StreamMaxTokens < 0 {
		errs = append(errs, errors.New("query token caps must not be negative"))
	}
	if q.Temperature < 0 || q.Temperature > 2 {
		errs = append(errs, fmt.Errorf("query.temperature %.2f is out of range [0, 2]", q.Temperature))
	}
	if q.StreamIdleTimeout < 0 {
		errs = append(errs, errors.New("query.stream_idle_timeout must not be negative"))
	}

	// Speech
	sp := cfg.Speech
	if sp.Voice.SpeedFactor != 0 && (sp.Voice.SpeedFactor < 0.5 || sp.Voice.SpeedFactor > 2.0) {
		errs = append(errs, fmt.Errorf("speech.voice.speed_factor %.2f is out of range [0.5, 2.0]", sp.Voice.SpeedFactor))
	}
	if sp.Concurrency < 0 {
		errs = append(errs, errors.New("speech.concurrency must not be negative"))
	}
	if sp.SynthesisTimeout < 0 || sp.PlaybackAckTimeout < 0 {
		errs = append(errs, errors.New("speech timeouts must not be negative"))
	}

	// Agents
	seen := make(map[string]int, len(cfg.Agents))
	for i, a := range cfg.Agents {
		prefix := fmt.Sprintf("agents[%d]", i)
		if _, err := uuid.Parse(a.ID); err != nil {
			errs = append(errs, fmt.Errorf("%s.id %q is not a valid UUID", prefix, a.ID))
		} else {
			if prev, ok := seen[a.ID]; ok {
				errs = append(errs, fmt.Errorf("%s.id %q is a duplicate of agents[%d]", prefix, a.ID, prev))
			}
			seen[a.ID] = i
		}
		if a.Name == "" {
			errs = append(errs, fmt.Errorf("%s.name is required", prefix))
		}
		if strings.TrimSpace(a.Role) == "" {
			errs = append(errs, fmt.Errorf("%s.role is required", prefix))
		}
		if strings.TrimSpace(a.Instructions) == "" {
			errs = append(errs, fmt.Errorf("%s.instructions is required", prefix))
		}
		if a.Owner == "" {
			errs = append(errs, fmt.Errorf("%s.owner is required", prefix))
		}
	}

	return errors.Join(errs...)
}

// validateProviderName logs a warning if name is non-empty and not found in
// the [ValidProviderNames] list for the given kind.
func validateProviderName(kind, name string) {
	if name == "" {
		return
	}
	known, ok := ValidProviderNames[kind]
	if !ok {
		return
	}
	if slices.Contains(known, name) {
		return
	}
	slog.Warn("unknown provider name, possibly a typo",
		"kind", kind,
		"name", name,
		"known", known,
	)
}
