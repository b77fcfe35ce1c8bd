// Package httpapi exposes the query pipeline over HTTP: JSON single-shot
// routes, a server-sent-events streaming route, voice upload, speech
// synthesis, chat history, and a WebSocket voice session.
package httpapi

import (
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/sadam-codes/chatbot-builder/internal/auth"
	"github.com/sadam-codes/chatbot-builder/internal/observe"
	"github.com/sadam-codes/chatbot-builder/internal/query"
	"github.com/sadam-codes/chatbot-builder/internal/speech"
	"github.com/sadam-codes/chatbot-builder/pkg/provider/tts"
)

const defaultMaxUploadBytes = 25 << 20

// SpeechSettings tunes incremental synthesis for streamed answers and voice
// sessions.
type SpeechSettings struct {
	Concurrency        int
	SynthesisTimeout   time.Duration
	PlaybackAckTimeout time.Duration
}

// Server routes HTTP requests to a [query.Service].
type Server struct {
	svc      *query.Service
	verifier auth.Verifier
	tts      tts.Provider
	metrics  *observe.Metrics

	basePath       string
	corsOrigins    []string
	maxUploadBytes int64

	mu     sync.RWMutex
	speech SpeechSettings

	mux *http.ServeMux
}

// Option configures a [Server].
type Option func(*Server)

// WithBasePath prefixes every API route, e.g. "/api/v1".
func WithBasePath(p string) Option {
	return func(s *Server) { s.basePath = strings.TrimRight(p, "/") }
}

// WithCORSOrigins sets the browser origins allowed on authenticated routes.
func WithCORSOrigins(origins []string) Option {
	return func(s *Server) { s.corsOrigins = origins }
}

// WithMaxUploadBytes caps voice uploads.
func WithMaxUploadBytes(n int64) Option {
	return func(s *Server) {
		if n > 0 {
			s.maxUploadBytes = n
		}
	}
}

// WithTTS enables spoken answers on the streaming route and the voice
// session.
func WithTTS(p tts.Provider) Option {
	return func(s *Server) { s.tts = p }
}

// WithSpeech sets the initial speech settings.
func WithSpeech(st SpeechSettings) Option {
	return func(s *Server) { s.speech = st }
}

// WithMetrics sets the metrics sink. Defaults to [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(s *Server) { s.metrics = m }
}

// New creates a Server. Authenticated routes use v to resolve the caller.
func New(svc *query.Service, v auth.Verifier, opts ...Option) *Server {
	s := &Server{
		svc:            svc,
		verifier:       v,
		maxUploadBytes: defaultMaxUploadBytes,
		speech: SpeechSettings{
			Concurrency:        speech.DefaultConcurrency,
			SynthesisTimeout:   speech.DefaultSynthesisTimeout,
			PlaybackAckTimeout: 30 * time.Second,
		},
		mux: http.NewServeMux(),
	}
	for _, o := range opts {
		o(s)
	}
	if s.metrics == nil {
		s.metrics = observe.DefaultMetrics()
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	authed := auth.Middleware(s.verifier)
	wsAuthed := auth.Middleware(s.verifier, auth.WithQueryToken("token"))
	p := s.basePath

	s.mux.Handle("POST "+p+"/agents/{id}/query", authed(http.HandlerFunc(s.handleQuery)))
	s.mux.Handle("POST "+p+"/agents/{id}/stream-query", authed(http.HandlerFunc(s.handleStreamQuery)))
	s.mux.Handle("POST "+p+"/agents/{id}/voice-query", authed(http.HandlerFunc(s.handleVoiceQuery)))
	s.mux.Handle("GET "+p+"/agents/{id}/history", authed(http.HandlerFunc(s.handleHistory)))
	s.mux.Handle("DELETE "+p+"/agents/{id}/history", authed(http.HandlerFunc(s.handleClearHistory)))
	s.mux.Handle("GET "+p+"/agents/{id}/voice-session", wsAuthed(http.HandlerFunc(s.handleVoiceSession)))

	s.mux.HandleFunc("POST "+p+"/tts", s.handleTTS)
	s.mux.HandleFunc("POST "+p+"/public/{id}/chat", s.handlePublicChat)
}

// Mux returns the underlying mux so operational endpoints (health, metrics)
// can be mounted next to the API.
func (s *Server) Mux() *http.ServeMux { return s.mux }

// Handler returns the root handler with middleware applied.
func (s *Server) Handler() http.Handler {
	var h http.Handler = s.mux
	h = cors(s.corsOrigins, []string{s.basePath + "/public/"}, h)
	h = recoverer(h)
	h = observe.Middleware(s.metrics)(h)
	return h
}

// SetSpeech replaces the speech settings for subsequent queries.
func (s *Server) SetSpeech(st SpeechSettings) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.speech = st
}

func (s *Server) speechSettings() SpeechSettings {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.speech
}

// newNarrator builds a narrator for one stream or session. mute may be nil.
func (s *Server) newNarrator(seq *speech.Sequencer, mute *speech.Mute) *speech.Narrator {
	st := s.speechSettings()
	return speech.NewNarrator(s.tts, seq,
		speech.WithVoice(s.svc.Settings().Voice),
		speech.WithConcurrency(st.Concurrency),
		speech.WithSynthesisTimeout(st.SynthesisTimeout),
		speech.WithMute(mute),
		speech.WithMetrics(s.metrics),
	)
}

func recoverer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if v := recover(); v != nil {
				if v == http.ErrAbortHandler {
					panic(v)
				}
				slog.ErrorContext(r.Context(), "httpapi: panic", "method", r.Method, "path", r.URL.Path, "panic", v)
				writeJSON(w, http.StatusInternalServerError,
					errorEnvelope{Error: apiError{typeInternal, "internal error"}})
			}
		}()
		next.ServeHTTP(w, r)
	})
}
