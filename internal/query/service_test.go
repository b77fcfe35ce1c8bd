package query_test

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"go.opentelemetry.io/otel/metric/noop"

	"github.com/sadam-codes/chatbot-builder/internal/observe"
	"github.com/sadam-codes/chatbot-builder/internal/query"
	"github.com/sadam-codes/chatbot-builder/internal/speech"
	"github.com/sadam-codes/chatbot-builder/internal/store"
	"github.com/sadam-codes/chatbot-builder/pkg/provider/llm"
	llmmock "github.com/sadam-codes/chatbot-builder/pkg/provider/llm/mock"
	"github.com/sadam-codes/chatbot-builder/pkg/provider/stt"
	sttmock "github.com/sadam-codes/chatbot-builder/pkg/provider/stt/mock"
	ttsmock "github.com/sadam-codes/chatbot-builder/pkg/provider/tts/mock"
)

const (
	agentID = "a1"
	owner   = "user-1"
)

type fixture struct {
	svc   *query.Service
	llm   *llmmock.Provider
	stt   *sttmock.Provider
	tts   *ttsmock.Provider
	store *store.MemStore
}

func newFixture(t *testing.T, settings ...func(*query.Settings)) *fixture {
	t.Helper()
	f := &fixture{
		llm:   &llmmock.Provider{},
		stt:   &sttmock.Provider{},
		tts:   &ttsmock.Provider{},
		store: store.NewMemStore(),
	}
	err := f.store.PutAgent(context.Background(), &store.Agent{
		ID:           agentID,
		Name:         "Support Bot",
		Model:        "gpt-4o-mini",
		Role:         "customer support",
		Instructions: "Answer billing questions.",
		OwnerID:      owner,
	})
	if err != nil {
		t.Fatalf("PutAgent: %v", err)
	}

	m, err := observe.NewMetrics(noop.NewMeterProvider())
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	st := query.DefaultSettings()
	st.StreamIdleTimeout = time.Second
	for _, fn := range settings {
		fn(&st)
	}
	f.svc, err = query.New(f.llm, f.store, f.store,
		query.WithSTT(f.stt),
		query.WithTTS(f.tts),
		query.WithSettings(st),
		query.WithMetrics(m),
	)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return f
}

// recordingSpeaker collects the units it is asked to say.
type recordingSpeaker struct {
	mu       sync.Mutex
	units    []speech.Unit
	total    int
	finished int
}

func (r *recordingSpeaker) Say(u speech.Unit) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.units = append(r.units, u)
}

func (r *recordingSpeaker) Finish(total int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.total = total
	r.finished++
}

func chunks(texts ...string) []llm.Chunk {
	out := make([]llm.Chunk, 0, len(texts)+1)
	for _, t := range texts {
		out = append(out, llm.Chunk{Text: t})
	}
	return append(out, llm.Chunk{FinishReason: "stop"})
}

// ── Stream ───────────────────────────────────────────────────────────────────

func TestStream_PersistsStreamedConcatenation(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.llm.StreamChunks = chunks("Your invoice", " is due. ", "Pay", " online!", " Thanks")

	var emitted []string
	sp := &recordingSpeaker{}
	ans, err := f.svc.Stream(context.Background(),
		query.Request{AgentID: agentID, Owner: owner, Question: "When is it due?"},
		func(d string) error { emitted = append(emitted, d); return nil },
		sp)
	if err != nil {
		t.Fatalf("Stream: %v", err)
	}

	streamed := strings.Join(emitted, "")
	if ans.Answer != streamed {
		t.Errorf("answer = %q, streamed %q", ans.Answer, streamed)
	}
	turns := f.store.Turns()
	if len(turns) != 1 {
		t.Fatalf("persisted %d turns, want 1", len(turns))
	}
	if turns[0].Answer != streamed || turns[0].Question != "When is it due?" || turns[0].OwnerID != owner {
		t.Errorf("persisted turn = %+v", turns[0])
	}

	var said strings.Builder
	for i, u := range sp.units {
		if u.Index != i {
			t.Errorf("unit %d has index %d", i, u.Index)
		}
		said.WriteString(u.Text)
	}
	if said.String() != streamed {
		t.Errorf("units join to %q, want %q", said.String(), streamed)
	}
	if sp.finished != 1 || sp.total != len(sp.units) || sp.total != 3 {
		t.Errorf("Finish called %d times with total %d; %d units", sp.finished, sp.total, len(sp.units))
	}
}

func TestStream_RequestCarriesAgentModelAndCap(t *testing.T) {
	t.Parallel()
	f := newFixture(t, func(s *query.Settings) { s.StreamMaxTokens = 256 })
	f.llm.StreamChunks = chunks("ok")

	if _, err := f.svc.Stream(context.Background(),
		query.Request{AgentID: agentID, Owner: owner, Question: "hi"}, nil, nil); err != nil {
		t.Fatalf("Stream: %v", err)
	}
	req := f.llm.StreamCalls[0].Req
	if req.Model != "gpt-4o-mini" || req.MaxTokens != 256 {
		t.Errorf("request model=%q max=%d", req.Model, req.MaxTokens)
	}
	if len(req.Messages) != 2 || req.Messages[0].Role != llm.RoleSystem || req.Messages[1].Content != "hi" {
		t.Errorf("messages = %+v", req.Messages)
	}
}

func TestStream_ErrorChunkPersistsNothing(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.llm.StreamChunks = []llm.Chunk{
		{Text: "Half an answer. "},
		{FinishReason: llm.FinishReasonError, Text: "connection reset"},
	}

	var emitted []string
	sp := &recordingSpeaker{}
	_, err := f.svc.Stream(context.Background(),
		query.Request{AgentID: agentID, Owner: owner, Question: "q"},
		func(d string) error { emitted = append(emitted, d); return nil },
		sp)
	if !errors.Is(err, query.ErrUpstreamUnavailable) {
		t.Fatalf("err = %v, want ErrUpstreamUnavailable", err)
	}
	if len(emitted) != 1 {
		t.Errorf("emitted %q before the failure", emitted)
	}
	if n := len(f.store.Turns()); n != 0 {
		t.Errorf("persisted %d turns after a stream failure", n)
	}
	if sp.finished != 1 {
		t.Errorf("speaker finished %d times, want 1", sp.finished)
	}
}

func TestStream_StallIsFailure(t *testing.T) {
	t.Parallel()
	f := newFixture(t, func(s *query.Settings) { s.StreamIdleTimeout = 30 * time.Millisecond })
	f.llm.StreamChunks = []llm.Chunk{{Text: "Thinking"}}
	f.llm.Stall = true

	_, err := f.svc.Stream(context.Background(),
		query.Request{AgentID: agentID, Owner: owner, Question: "q"}, nil, nil)
	if !errors.Is(err, query.ErrUpstreamUnavailable) {
		t.Fatalf("err = %v, want ErrUpstreamUnavailable", err)
	}
	if n := len(f.store.Turns()); n != 0 {
		t.Errorf("persisted %d turns after a stall", n)
	}
}

func TestStream_StartFailure(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.llm.StreamErr = errors.New("401")

	_, err := f.svc.Stream(context.Background(),
		query.Request{AgentID: agentID, Owner: owner, Question: "q"}, nil, nil)
	if !errors.Is(err, query.ErrUpstreamUnavailable) {
		t.Fatalf("err = %v, want ErrUpstreamUnavailable", err)
	}
}

func TestStream_ClientGoneStillPersists(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.llm.StreamChunks = chunks("one ", "two ", "three")

	calls := 0
	ans, err := f.svc.Stream(context.Background(),
		query.Request{AgentID: agentID, Owner: owner, Question: "q"},
		func(string) error { calls++; return errors.New("broken pipe") },
		nil)
	if err != nil {
		t.Fatalf("Stream: %v", err)
	}
	if calls != 1 {
		t.Errorf("emit called %d times, want 1", calls)
	}
	if ans.Answer != "one two three" || len(f.store.Turns()) != 1 {
		t.Errorf("answer %q, turns %d", ans.Answer, len(f.store.Turns()))
	}
}

func TestStream_CancelledPersistsNothing(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.llm.StreamChunks = []llm.Chunk{{Text: "partial"}}
	f.llm.Stall = true

	ctx, cancel := context.WithCancel(context.Background())
	_, err := f.svc.Stream(ctx,
		query.Request{AgentID: agentID, Owner: owner, Question: "q"},
		func(string) error { cancel(); return nil },
		nil)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	if n := len(f.store.Turns()); n != 0 {
		t.Errorf("persisted %d turns after cancellation", n)
	}
}

// ── Ask / Public ─────────────────────────────────────────────────────────────

func TestAsk_FallbackPersistedOnce(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.llm.CompleteErr = errors.New("503 service unavailable")

	ans, err := f.svc.Ask(context.Background(),
		query.Request{AgentID: agentID, Owner: owner, Question: "Hello?"})
	if err != nil {
		t.Fatalf("Ask: %v", err)
	}
	want := query.DefaultSettings().FallbackAnswer
	if ans.Answer != want {
		t.Errorf("answer = %q, want fallback", ans.Answer)
	}
	turns := f.store.Turns()
	if len(turns) != 1 || turns[0].Answer != want {
		t.Fatalf("turns = %+v, want exactly one fallback turn", turns)
	}
}

func TestAsk_EmptyCompletion(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.llm.CompleteResponse = &llm.CompletionResponse{Content: "  \n"}

	ans, err := f.svc.Ask(context.Background(),
		query.Request{AgentID: agentID, Owner: owner, Question: "Hello?"})
	if err != nil {
		t.Fatalf("Ask: %v", err)
	}
	if ans.Answer != "No answer found" {
		t.Errorf("answer = %q", ans.Answer)
	}
}

func TestAsk_IncludesHistoryAndCap(t *testing.T) {
	t.Parallel()
	f := newFixture(t, func(s *query.Settings) { s.HistoryLimit = 2 })
	ctx := context.Background()
	for _, q := range []string{"q1", "q2", "q3"} {
		if _, err := f.store.AppendTurn(ctx, owner, agentID, q, "a-"+q); err != nil {
			t.Fatal(err)
		}
	}
	f.llm.CompleteResponse = &llm.CompletionResponse{Content: "a4"}

	if _, err := f.svc.Ask(ctx, query.Request{AgentID: agentID, Owner: owner, Question: "q4"}); err != nil {
		t.Fatalf("Ask: %v", err)
	}
	req := f.llm.CompleteCalls[0].Req
	if req.MaxTokens != 1000 {
		t.Errorf("max tokens = %d, want 1000", req.MaxTokens)
	}
	var got []string
	for _, m := range req.Messages[1:] {
		got = append(got, m.Content)
	}
	want := "q2 a-q2 q3 a-q3 q4"
	if strings.Join(got, " ") != want {
		t.Errorf("context = %q, want %q", strings.Join(got, " "), want)
	}
}

func TestAsk_AgentChecksBeforeProviderCalls(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		req  query.Request
		want error
	}{
		{"missing agent", query.Request{AgentID: "nope", Owner: owner, Question: "q"}, query.ErrNotFound},
		{"other owner", query.Request{AgentID: agentID, Owner: "intruder", Question: "q"}, query.ErrNotFound},
		{"empty question", query.Request{AgentID: agentID, Owner: owner, Question: "   "}, query.ErrValidation},
		{"empty agent id", query.Request{Owner: owner, Question: "q"}, query.ErrValidation},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			f := newFixture(t)
			_, err := f.svc.Ask(context.Background(), tc.req)
			if !errors.Is(err, tc.want) {
				t.Fatalf("err = %v, want %v", err, tc.want)
			}
			if f.llm.CompleteCallCount() != 0 {
				t.Error("provider called before the agent check")
			}
		})
	}
}

func TestPublic_AnonymousOwner(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.llm.CompleteResponse = &llm.CompletionResponse{Content: "Hi visitor."}

	ans, err := f.svc.Public(context.Background(), agentID, "Who are you?")
	if err != nil {
		t.Fatalf("Public: %v", err)
	}
	if ans.AgentName != "Support Bot" {
		t.Errorf("agent name = %q", ans.AgentName)
	}
	turns := f.store.Turns()
	if len(turns) != 1 || turns[0].OwnerID != "" {
		t.Fatalf("turns = %+v, want one anonymous turn", turns)
	}

	if _, err := f.svc.Public(context.Background(), "nope", "q"); !errors.Is(err, query.ErrNotFound) {
		t.Errorf("missing agent err = %v", err)
	}
}

// ── Voice / Speak ────────────────────────────────────────────────────────────

func TestVoice(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.stt.Text = "What is my balance?"
	f.llm.CompleteResponse = &llm.CompletionResponse{Content: "Forty dollars."}

	ans, err := f.svc.Voice(context.Background(), query.VoiceRequest{
		AgentID: agentID, Owner: owner,
		Recording: stt.Recording{Data: []byte("webm"), Filename: "q.webm"},
	})
	if err != nil {
		t.Fatalf("Voice: %v", err)
	}
	if ans.Question != "What is my balance?" || ans.Answer != "Forty dollars." {
		t.Errorf("answer = %q to %q", ans.Answer, ans.Question)
	}
	if ans.Audio == nil || string(ans.Audio.Data) != "Forty dollars." {
		t.Errorf("audio = %+v, want the whole answer synthesized", ans.Audio)
	}
	if len(f.store.Turns()) != 1 {
		t.Errorf("persisted %d turns", len(f.store.Turns()))
	}
}

func TestVoice_Failures(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name  string
		setup func(*fixture)
		data  []byte
		want  error
	}{
		{"no audio", func(*fixture) {}, nil, query.ErrValidation},
		{"empty transcription", func(f *fixture) { f.stt.Text = "  " }, []byte("x"), query.ErrTranscriptionFailed},
		{"stt down", func(f *fixture) { f.stt.Err = errors.New("timeout") }, []byte("x"), query.ErrUpstreamUnavailable},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			f := newFixture(t)
			tc.setup(f)
			_, err := f.svc.Voice(context.Background(), query.VoiceRequest{
				AgentID: agentID, Owner: owner, Recording: stt.Recording{Data: tc.data},
			})
			if !errors.Is(err, tc.want) {
				t.Fatalf("err = %v, want %v", err, tc.want)
			}
			if len(f.store.Turns()) != 0 || f.llm.CompleteCallCount() != 0 {
				t.Error("query ran despite the failure")
			}
		})
	}
}

func TestVoice_SynthesisFailureKeepsAnswer(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.stt.Text = "hello"
	f.llm.CompleteResponse = &llm.CompletionResponse{Content: "Hi."}
	f.tts.Err = errors.New("quota")

	ans, err := f.svc.Voice(context.Background(), query.VoiceRequest{
		AgentID: agentID, Owner: owner, Recording: stt.Recording{Data: []byte("x")},
	})
	if err != nil {
		t.Fatalf("Voice: %v", err)
	}
	if ans.Audio != nil || ans.Answer != "Hi." || len(f.store.Turns()) != 1 {
		t.Errorf("answer = %+v", ans)
	}
}

func TestSpeak(t *testing.T) {
	t.Parallel()
	f := newFixture(t, func(s *query.Settings) { s.Voice.ID = "alloy" })

	audio, err := f.svc.Speak(context.Background(), "Read this.")
	if err != nil {
		t.Fatalf("Speak: %v", err)
	}
	if string(audio.Data) != "Read this." || f.tts.Calls[0].Voice.ID != "alloy" {
		t.Errorf("audio = %q voice = %+v", audio.Data, f.tts.Calls[0].Voice)
	}

	if _, err := f.svc.Speak(context.Background(), ""); !errors.Is(err, query.ErrValidation) {
		t.Errorf("empty text err = %v", err)
	}
	f.tts.Err = errors.New("down")
	if _, err := f.svc.Speak(context.Background(), "x"); !errors.Is(err, query.ErrUpstreamUnavailable) {
		t.Errorf("provider failure err = %v", err)
	}
}

// ── History ──────────────────────────────────────────────────────────────────

func TestHistoryAndClear(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()
	for _, q := range []string{"q1", "q2"} {
		if _, err := f.store.AppendTurn(ctx, owner, agentID, q, "a"); err != nil {
			t.Fatal(err)
		}
	}
	if _, err := f.store.AppendTurn(ctx, "", agentID, "anon", "a"); err != nil {
		t.Fatal(err)
	}

	turns, err := f.svc.History(ctx, agentID, owner, 0)
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(turns) != 2 || turns[0].Question != "q2" {
		t.Errorf("history = %+v, want 2 turns newest first", turns)
	}

	if _, err := f.svc.History(ctx, agentID, "intruder", 0); !errors.Is(err, query.ErrNotFound) {
		t.Errorf("foreign history err = %v", err)
	}

	n, err := f.svc.ClearHistory(ctx, agentID, owner)
	if err != nil || n != 2 {
		t.Fatalf("ClearHistory = %d, %v", n, err)
	}
	if left := f.store.Turns(); len(left) != 1 || left[0].OwnerID != "" {
		t.Errorf("remaining turns = %+v, want only the anonymous one", left)
	}
}

func TestSetSettings(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	st := f.svc.Settings()
	st.FallbackAnswer = "Try later."
	f.svc.SetSettings(st)
	f.llm.CompleteErr = errors.New("down")

	ans, err := f.svc.Ask(context.Background(), query.Request{AgentID: agentID, Owner: owner, Question: "q"})
	if err != nil {
		t.Fatalf("Ask: %v", err)
	}
	if ans.Answer != "Try later." {
		t.Errorf("answer = %q", ans.Answer)
	}
}

func TestNew_Validation(t *testing.T) {
	t.Parallel()
	ms := store.NewMemStore()
	if _, err := query.New(nil, ms, ms); err == nil {
		t.Error("expected error for nil provider")
	}
	if _, err := query.New(&llmmock.Provider{}, nil, ms); err == nil {
		t.Error("expected error for nil agents")
	}
}

func TestStream_EarlyFailureFinishesSpeaker(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	sp := &recordingSpeaker{}

	_, err := f.svc.Stream(context.Background(),
		query.Request{AgentID: "missing", Owner: owner, Question: "q"}, nil, sp)
	if !errors.Is(err, query.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
	if sp.finished != 1 || sp.total != 0 {
		t.Errorf("speaker finished %d times with total %d", sp.finished, sp.total)
	}
	if f.llm.StreamCallCount() != 0 {
		t.Error("provider called for a missing agent")
	}
}
