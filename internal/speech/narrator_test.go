package speech

import (
	"context"
	"errors"
	"reflect"
	"sync"
	"testing"
	"time"

	"go.opentelemetry.io/otel/metric/noop"

	"github.com/sadam-codes/chatbot-builder/internal/observe"
	ttsmock "github.com/sadam-codes/chatbot-builder/pkg/provider/tts/mock"
)

// textSink records the audio payload of every clip played. The mock TTS
// provider returns the unit text as audio, so payloads read as text.
type textSink struct {
	mu     sync.Mutex
	played []string
	onPlay func(Clip)
}

func (s *textSink) Play(_ context.Context, c Clip) error {
	s.mu.Lock()
	s.played = append(s.played, string(c.Audio))
	fn := s.onPlay
	s.mu.Unlock()
	if fn != nil {
		fn(c)
	}
	return nil
}

func (s *textSink) Played() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.played...)
}

func testMetrics(t *testing.T) *observe.Metrics {
	t.Helper()
	m, err := observe.NewMetrics(noop.NewMeterProvider())
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	return m
}

func narrate(t *testing.T, n *Narrator, texts ...string) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	r := n.Begin(ctx)
	for i, text := range texts {
		r.Say(Unit{Index: i, Text: text})
	}
	r.Finish(len(texts))
	if err := r.Wait(ctx); err != nil {
		t.Fatalf("Wait: %v", err)
	}
}

func TestNarrator_OutOfOrderSynthesisPlaysInOrder(t *testing.T) {
	t.Parallel()
	p := &ttsmock.Provider{Delays: map[string]time.Duration{
		"First.":  80 * time.Millisecond,
		"Second.": 20 * time.Millisecond,
	}}
	sink := &textSink{}
	seq := newTestSequencer(t, sink)
	n := NewNarrator(p, seq, WithMetrics(testMetrics(t)))

	narrate(t, n, "First.", " Second.", " Third.")

	want := []string{"First.", " Second.", " Third."}
	if got := sink.Played(); !reflect.DeepEqual(got, want) {
		t.Errorf("played %q, want %q", got, want)
	}
}

func TestNarrator_FailedUnitIsSkipped(t *testing.T) {
	t.Parallel()
	p := &ttsmock.Provider{Errs: map[string]error{" Broken.": errors.New("boom")}}
	sink := &textSink{}
	n := NewNarrator(p, newTestSequencer(t, sink), WithMetrics(testMetrics(t)))

	narrate(t, n, "One.", " Broken.", " Three.")

	want := []string{"One.", " Three."}
	if got := sink.Played(); !reflect.DeepEqual(got, want) {
		t.Errorf("played %q, want %q", got, want)
	}
	if p.CallCount() != 3 {
		t.Errorf("synthesis calls = %d, want 3", p.CallCount())
	}
}

func TestNarrator_TimeoutSkipsUnit(t *testing.T) {
	t.Parallel()
	p := &ttsmock.Provider{Delays: map[string]time.Duration{"Slow.": -1}}
	sink := &textSink{}
	n := NewNarrator(p, newTestSequencer(t, sink),
		WithSynthesisTimeout(30*time.Millisecond),
		WithMetrics(testMetrics(t)))

	narrate(t, n, "Slow.", " Fast.")

	if got := sink.Played(); !reflect.DeepEqual(got, []string{" Fast."}) {
		t.Errorf("played %q, want only the fast unit", got)
	}
}

func TestNarrator_MutedSkipsSynthesis(t *testing.T) {
	t.Parallel()
	p := &ttsmock.Provider{}
	sink := &textSink{}
	seq := newTestSequencer(t, sink)
	mute := NewMute(seq)
	mute.Set(true)
	n := NewNarrator(p, seq, WithMute(mute), WithMetrics(testMetrics(t)))

	narrate(t, n, "A.", " B.")

	if p.CallCount() != 0 {
		t.Errorf("synthesis calls = %d while muted, want 0", p.CallCount())
	}
	if got := sink.Played(); len(got) != 0 {
		t.Errorf("played %q while muted", got)
	}
}

func TestNarrator_MuteMidStream(t *testing.T) {
	t.Parallel()
	p := &ttsmock.Provider{}
	sink := &textSink{}
	seq := newTestSequencer(t, sink)
	mute := NewMute(seq)

	muted := make(chan struct{})
	sink.onPlay = func(Clip) {
		mute.Set(true)
		close(muted)
	}
	n := NewNarrator(p, seq, WithMute(mute), WithMetrics(testMetrics(t)))

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	r := n.Begin(ctx)
	r.Say(Unit{Index: 0, Text: "Before."})

	select {
	case <-muted:
	case <-ctx.Done():
		t.Fatal("first clip never played")
	}

	r.Say(Unit{Index: 1, Text: " After."})
	r.Say(Unit{Index: 2, Text: " Later."})
	r.Finish(3)
	if err := r.Wait(ctx); err != nil {
		t.Fatalf("Wait: %v", err)
	}

	if got := p.Texts(); !reflect.DeepEqual(got, []string{"Before."}) {
		t.Errorf("synthesized %q, want only the unit before mute", got)
	}
	if got := sink.Played(); !reflect.DeepEqual(got, []string{"Before."}) {
		t.Errorf("played %q", got)
	}
}

func TestNarrator_ReplayIgnoresMute(t *testing.T) {
	t.Parallel()
	p := &ttsmock.Provider{}
	sink := &textSink{}
	seq := newTestSequencer(t, sink)
	mute := NewMute(seq)
	mute.Set(true)
	n := NewNarrator(p, seq, WithMute(mute), WithMetrics(testMetrics(t)))

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	tr, err := n.Replay(ctx, "Say that again.")
	if err != nil {
		t.Fatalf("Replay: %v", err)
	}
	if err := tr.Wait(ctx); err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if got := sink.Played(); !reflect.DeepEqual(got, []string{"Say that again."}) {
		t.Errorf("played %q", got)
	}
}

func TestNarrator_ReplayError(t *testing.T) {
	t.Parallel()
	p := &ttsmock.Provider{Err: errors.New("down")}
	n := NewNarrator(p, newTestSequencer(t, &textSink{}), WithMetrics(testMetrics(t)))
	if _, err := n.Replay(context.Background(), "x"); err == nil {
		t.Fatal("expected error")
	}
}

func TestNarrator_BeginSupersedesPrevious(t *testing.T) {
	t.Parallel()
	p := &ttsmock.Provider{Delays: map[string]time.Duration{"Old.": 50 * time.Millisecond}}
	sink := &textSink{}
	n := NewNarrator(p, newTestSequencer(t, sink), WithMetrics(testMetrics(t)))

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	old := n.Begin(ctx)
	old.Say(Unit{Index: 0, Text: "Old."})
	old.Finish(1)

	narrate(t, n, "New.")
	if err := old.Wait(ctx); err != nil {
		t.Fatalf("old Wait: %v", err)
	}

	if got := sink.Played(); !reflect.DeepEqual(got, []string{"New."}) {
		t.Errorf("played %q, want only the newer answer", got)
	}
}
