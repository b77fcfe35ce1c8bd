// Package query orchestrates one conversational exchange with an agent.
//
// A query loads the agent, assembles the prompt from persisted history, runs
// the completion, optionally narrates the answer unit by unit while it
// streams, and persists the finished exchange exactly once. Persistence is
// tied only to completion of the answer, never to audio state.
package query

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/sadam-codes/chatbot-builder/internal/observe"
	"github.com/sadam-codes/chatbot-builder/internal/prompt"
	"github.com/sadam-codes/chatbot-builder/internal/store"
	"github.com/sadam-codes/chatbot-builder/pkg/provider/llm"
	"github.com/sadam-codes/chatbot-builder/pkg/provider/stt"
	"github.com/sadam-codes/chatbot-builder/pkg/provider/tts"
)

// Route labels used for the persisted-turns metric.
const (
	RouteQuery  = "query"
	RouteStream = "stream"
	RouteVoice  = "voice"
	RoutePublic = "public"
)

// Settings tunes the pipeline. It can be replaced at runtime with
// [Service.SetSettings].
type Settings struct {
	HistoryLimit        int
	SingleShotMaxTokens int
	StreamMaxTokens     int
	Temperature         float64

	// StreamIdleTimeout fails a stream that produces no chunk for this long.
	// Zero disables the check.
	StreamIdleTimeout time.Duration

	FallbackAnswer string
	EmptyAnswer    string

	Voice tts.VoiceProfile
}

// Request is a text question addressed to an agent. Owner is the
// authenticated caller; it is empty on the public route.
type Request struct {
	AgentID  string
	Owner    string
	Question string
}

// Answer is the outcome of a completed query.
type Answer struct {
	Question  string
	Answer    string
	AgentName string

	// Turn is the persisted exchange.
	Turn *store.Turn
}

// VoiceRequest is a recorded question addressed to an agent.
type VoiceRequest struct {
	AgentID   string
	Owner     string
	Recording stt.Recording
}

// VoiceAnswer is the outcome of a voice query. Audio is nil when the answer
// could not be synthesized; the text answer is still valid and persisted.
type VoiceAnswer struct {
	Question string
	Answer   string
	Turn     *store.Turn
	Audio    *tts.Audio
}

// Service runs queries. It is safe for concurrent use.
type Service struct {
	llm     llm.Provider
	stt     stt.Provider
	tts     tts.Provider
	agents  store.Agents
	history store.History
	metrics *observe.Metrics

	mu       sync.RWMutex
	settings Settings
}

// Option configures a [Service].
type Option func(*Service)

// WithSTT sets the transcription provider used by [Service.Voice].
func WithSTT(p stt.Provider) Option {
	return func(s *Service) { s.stt = p }
}

// WithTTS sets the synthesis provider used by [Service.Voice] and
// [Service.Speak].
func WithTTS(p tts.Provider) Option {
	return func(s *Service) { s.tts = p }
}

// WithSettings replaces the default settings.
func WithSettings(st Settings) Option {
	return func(s *Service) { s.settings = st }
}

// WithMetrics sets the metrics sink. Defaults to [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

// DefaultSettings returns the settings used when none are supplied.
func DefaultSettings() Settings {
	return Settings{
		HistoryLimit:        prompt.DefaultHistoryLimit,
		SingleShotMaxTokens: 1000,
		StreamIdleTimeout:   30 * time.Second,
		FallbackAnswer:      "The AI service is currently unavailable. Please try again later.",
		EmptyAnswer:         "No answer found",
	}
}

// New creates a Service answering with p and reading agents and history
// from the given stores.
func New(p llm.Provider, agents store.Agents, history store.History, opts ...Option) (*Service, error) {
	if p == nil {
		return nil, errors.New("query: llm provider is required")
	}
	if agents == nil || history == nil {
		return nil, errors.New("query: agent and history stores are required")
	}
	s := &Service{
		llm:      p,
		agents:   agents,
		history:  history,
		settings: DefaultSettings(),
	}
	for _, o := range opts {
		o(s)
	}
	if s.metrics == nil {
		s.metrics = observe.DefaultMetrics()
	}
	return s, nil
}

// SetSettings replaces the settings for subsequent queries. Queries already
// running keep the settings they started with.
func (s *Service) SetSettings(st Settings) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.settings = st
}

// Settings returns the current settings.
func (s *Service) Settings() Settings {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.settings
}

// Ask answers req with a single-shot completion. A provider failure does
// not fail the query: the configured fallback text becomes the answer and
// is persisted like any other.
func (s *Service) Ask(ctx context.Context, req Request) (_ *Answer, err error) {
	ctx, span := observe.StartSpan(ctx, "query.Ask")
	defer observe.EndSpan(span, &err)

	if err := validQuestion(req.Question); err != nil {
		return nil, fmt.Errorf("query: ask: %w", err)
	}
	agent, err := s.ownedAgent(ctx, req.AgentID, req.Owner)
	if err != nil {
		return nil, fmt.Errorf("query: ask: %w", err)
	}
	span.SetAttributes(attribute.String("agent.id", agent.ID))
	ans, err := s.answer(ctx, agent, req.Owner, req.Question, RouteQuery)
	if err != nil {
		return nil, fmt.Errorf("query: ask: %w", err)
	}
	return ans, nil
}

// Public answers req on behalf of an anonymous visitor. Any existing agent
// can be queried; the turn is persisted with the anonymous owner marker.
func (s *Service) Public(ctx context.Context, agentID, question string) (_ *Answer, err error) {
	ctx, span := observe.StartSpan(ctx, "query.Public")
	defer observe.EndSpan(span, &err)

	if err := validQuestion(question); err != nil {
		return nil, fmt.Errorf("query: public: %w", err)
	}
	agent, err := s.agent(ctx, agentID)
	if err != nil {
		return nil, fmt.Errorf("query: public: %w", err)
	}
	span.SetAttributes(attribute.String("agent.id", agent.ID))
	ans, err := s.answer(ctx, agent, "", question, RoutePublic)
	if err != nil {
		return nil, fmt.Errorf("query: public: %w", err)
	}
	return ans, nil
}

// Voice transcribes the recording, answers it single-shot, and synthesizes
// the whole answer. A synthesis failure leaves VoiceAnswer.Audio nil.
func (s *Service) Voice(ctx context.Context, req VoiceRequest) (_ *VoiceAnswer, err error) {
	ctx, span := observe.StartSpan(ctx, "query.Voice")
	defer observe.EndSpan(span, &err)

	if len(req.Recording.Data) == 0 {
		return nil, fmt.Errorf("query: voice: no audio: %w", ErrValidation)
	}
	if s.stt == nil || s.tts == nil {
		return nil, fmt.Errorf("query: voice: speech providers not configured: %w", ErrUpstreamUnavailable)
	}
	agent, err := s.ownedAgent(ctx, req.AgentID, req.Owner)
	if err != nil {
		return nil, fmt.Errorf("query: voice: %w", err)
	}

	start := time.Now()
	question, err := s.stt.Transcribe(ctx, req.Recording)
	s.metrics.RecordProviderCall(ctx, "stt", time.Since(start), err)
	if err != nil {
		return nil, fmt.Errorf("query: voice: transcribe: %w: %w", ErrUpstreamUnavailable, err)
	}
	if strings.TrimSpace(question) == "" {
		return nil, fmt.Errorf("query: voice: %w", ErrTranscriptionFailed)
	}

	ans, err := s.answer(ctx, agent, req.Owner, question, RouteVoice)
	if err != nil {
		return nil, fmt.Errorf("query: voice: %w", err)
	}

	out := &VoiceAnswer{Question: ans.Question, Answer: ans.Answer, Turn: ans.Turn}
	audio, err := s.synthesize(ctx, ans.Answer)
	if err != nil {
		observe.Logger(ctx).Warn("query: voice answer synthesis failed",
			"agent_id", agent.ID, "err", err)
		return out, nil
	}
	out.Audio = audio
	return out, nil
}

// Speak synthesizes text with the configured voice.
func (s *Service) Speak(ctx context.Context, text string) (*tts.Audio, error) {
	if strings.TrimSpace(text) == "" {
		return nil, fmt.Errorf("query: speak: empty text: %w", ErrValidation)
	}
	if s.tts == nil {
		return nil, fmt.Errorf("query: speak: tts provider not configured: %w", ErrUpstreamUnavailable)
	}
	audio, err := s.synthesize(ctx, text)
	if err != nil {
		return nil, fmt.Errorf("query: speak: %w: %w", ErrUpstreamUnavailable, err)
	}
	return audio, nil
}

// Agent returns the agent if it exists and belongs to owner.
func (s *Service) Agent(ctx context.Context, agentID, owner string) (*store.Agent, error) {
	a, err := s.ownedAgent(ctx, agentID, owner)
	if err != nil {
		return nil, fmt.Errorf("query: agent: %w", err)
	}
	return a, nil
}

// History returns the caller's turns with the agent, newest first. A limit
// of zero or less returns every turn.
func (s *Service) History(ctx context.Context, agentID, owner string, limit int) ([]store.Turn, error) {
	if _, err := s.ownedAgent(ctx, agentID, owner); err != nil {
		return nil, fmt.Errorf("query: history: %w", err)
	}
	turns, err := s.history.ListTurns(ctx, owner, agentID, limit)
	if err != nil {
		return nil, fmt.Errorf("query: history: %w", err)
	}
	return turns, nil
}

// ClearHistory deletes the caller's turns with the agent and reports how
// many were removed.
func (s *Service) ClearHistory(ctx context.Context, agentID, owner string) (int64, error) {
	if _, err := s.ownedAgent(ctx, agentID, owner); err != nil {
		return 0, fmt.Errorf("query: clear history: %w", err)
	}
	n, err := s.history.ClearTurns(ctx, owner, agentID)
	if err != nil {
		return 0, fmt.Errorf("query: clear history: %w", err)
	}
	return n, nil
}

// answer runs the single-shot path for an already authorised agent.
func (s *Service) answer(ctx context.Context, agent *store.Agent, owner, question, route string) (*Answer, error) {
	st := s.Settings()

	msgs, err := s.buildPrompt(ctx, st, agent, owner, question)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	resp, err := s.llm.Complete(ctx, llm.CompletionRequest{
		Model:       agent.Model,
		Messages:    msgs,
		Temperature: st.Temperature,
		MaxTokens:   st.SingleShotMaxTokens,
	})
	s.metrics.RecordProviderCall(ctx, "llm", time.Since(start), err)

	var text string
	switch {
	case err != nil:
		observe.Logger(ctx).Warn("query: completion failed, answering with fallback",
			"agent_id", agent.ID, "err", err)
		text = st.FallbackAnswer
	case resp == nil || strings.TrimSpace(resp.Content) == "":
		text = st.EmptyAnswer
	default:
		text = resp.Content
	}
	if resp != nil {
		s.metrics.RecordTokens(ctx, resp.Usage.PromptTokens, resp.Usage.CompletionTokens)
	}

	turn, err := s.persist(ctx, owner, agent.ID, question, text, route)
	if err != nil {
		return nil, err
	}
	return &Answer{Question: question, Answer: text, AgentName: agent.Name, Turn: turn}, nil
}

func (s *Service) buildPrompt(ctx context.Context, st Settings, agent *store.Agent, owner, question string) ([]llm.Message, error) {
	asm := prompt.Assembler{HistoryLimit: st.HistoryLimit}
	past, err := s.history.ListRecentTurns(ctx, owner, agent.ID, asm.Limit())
	if err != nil {
		return nil, fmt.Errorf("load history: %w", err)
	}
	return asm.Build(prompt.PersonaOf(agent), past, question), nil
}

func (s *Service) persist(ctx context.Context, owner, agentID, question, answer, route string) (*store.Turn, error) {
	turn, err := s.history.AppendTurn(ctx, owner, agentID, question, answer)
	if err != nil {
		return nil, fmt.Errorf("persist turn: %w", err)
	}
	s.metrics.RecordTurnPersisted(ctx, route)
	return turn, nil
}

func (s *Service) synthesize(ctx context.Context, text string) (*tts.Audio, error) {
	st := s.Settings()
	start := time.Now()
	audio, err := s.tts.Synthesize(ctx, text, st.Voice)
	if err == nil && (audio == nil || len(audio.Data) == 0) {
		err = errors.New("empty audio")
	}
	s.metrics.RecordProviderCall(ctx, "tts", time.Since(start), err)
	return audio, err
}

func (s *Service) agent(ctx context.Context, id string) (*store.Agent, error) {
	if strings.TrimSpace(id) == "" {
		return nil, fmt.Errorf("empty agent id: %w", ErrValidation)
	}
	a, err := s.agents.GetAgent(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("load agent: %w", err)
	}
	if a == nil {
		return nil, fmt.Errorf("%s: %w", id, ErrNotFound)
	}
	return a, nil
}

// ownedAgent loads an agent for an authenticated caller. Agents owned by
// someone else are reported as missing.
func (s *Service) ownedAgent(ctx context.Context, id, owner string) (*store.Agent, error) {
	a, err := s.agent(ctx, id)
	if err != nil {
		return nil, err
	}
	if a.OwnerID != owner {
		return nil, fmt.Errorf("%s: %w", id, ErrNotFound)
	}
	return a, nil
}

func validQuestion(q string) error {
	if strings.TrimSpace(q) == "" {
		return fmt.Errorf("empty question: %w", ErrValidation)
	}
	return nil
}
