package speech

import (
	"context"
	"errors"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/sadam-codes/chatbot-builder/internal/observe"
	"github.com/sadam-codes/chatbot-builder/pkg/provider/tts"
)

const (
	// DefaultConcurrency is the default number of in-flight synthesis calls
	// per narration.
	DefaultConcurrency = 4

	// DefaultSynthesisTimeout bounds a single unit's synthesis call.
	DefaultSynthesisTimeout = 15 * time.Second
)

// Narrator synthesizes units and feeds the clips to a [Sequencer].
type Narrator struct {
	tts         tts.Provider
	seq         *Sequencer
	voice       tts.VoiceProfile
	concurrency int64
	timeout     time.Duration
	mute        *Mute
	metrics     *observe.Metrics
}

// NarratorOption configures a [Narrator].
type NarratorOption func(*Narrator)

// WithVoice sets the voice used for every unit.
func WithVoice(v tts.VoiceProfile) NarratorOption {
	return func(n *Narrator) { n.voice = v }
}

// WithConcurrency caps in-flight synthesis calls per narration.
func WithConcurrency(c int) NarratorOption {
	return func(n *Narrator) {
		if c > 0 {
			n.concurrency = int64(c)
		}
	}
}

// WithSynthesisTimeout bounds each synthesis call.
func WithSynthesisTimeout(d time.Duration) NarratorOption {
	return func(n *Narrator) {
		if d > 0 {
			n.timeout = d
		}
	}
}

// WithMute makes the narrator consult m before each synthesis call.
func WithMute(m *Mute) NarratorOption {
	return func(n *Narrator) { n.mute = m }
}

// WithMetrics sets the metrics sink. Defaults to [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) NarratorOption {
	return func(n *Narrator) { n.metrics = m }
}

// NewNarrator returns a Narrator synthesizing with p into seq.
func NewNarrator(p tts.Provider, seq *Sequencer, opts ...NarratorOption) *Narrator {
	n := &Narrator{
		tts:         p,
		seq:         seq,
		concurrency: DefaultConcurrency,
		timeout:     DefaultSynthesisTimeout,
	}
	for _, o := range opts {
		o(n)
	}
	if n.metrics == nil {
		n.metrics = observe.DefaultMetrics()
	}
	return n
}

// Begin starts narrating a new answer on a fresh [Track]. Synthesis calls
// are bound to ctx.
func (n *Narrator) Begin(ctx context.Context) *Narration {
	return &Narration{
		n:     n,
		ctx:   ctx,
		track: n.seq.Begin(),
		sem:   semaphore.NewWeighted(n.concurrency),
	}
}

// Replay synthesizes text and plays it immediately, bypassing mute. It
// returns the one-clip track so callers can wait for it.
func (n *Narrator) Replay(ctx context.Context, text string) (*Track, error) {
	audio, err := n.synthesize(ctx, text)
	if err != nil {
		return nil, err
	}
	return n.seq.Replay(Clip{Audio: audio.Data, ContentType: audio.ContentType}), nil
}

func (n *Narrator) synthesize(ctx context.Context, text string) (*tts.Audio, error) {
	ctx, cancel := context.WithTimeout(ctx, n.timeout)
	defer cancel()

	start := time.Now()
	audio, err := n.tts.Synthesize(ctx, text, n.voice)
	if err == nil && (audio == nil || len(audio.Data) == 0) {
		err = errors.New("speech: empty audio")
	}
	n.metrics.RecordProviderCall(ctx, "tts", time.Since(start), err)
	return audio, err
}

// Narration is the synthesis side of one answer. Say and Finish may be called
// from the goroutine reading the completion stream.
type Narration struct {
	n     *Narrator
	ctx   context.Context
	track *Track
	sem   *semaphore.Weighted
	wg    sync.WaitGroup
}

// Say dispatches synthesis for u. When the session is muted the unit is
// skipped without calling the provider. A failed or timed-out synthesis
// skips the unit; playback of the others continues.
func (r *Narration) Say(u Unit) {
	if r.n.mute.Muted() {
		r.skip(u.Index, observe.UnitSkipped)
		return
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := r.sem.Acquire(r.ctx, 1); err != nil {
			r.skip(u.Index, observe.UnitDropped)
			return
		}
		defer r.sem.Release(1)

		// Mute may have flipped while waiting for a slot.
		if r.n.mute.Muted() {
			r.skip(u.Index, observe.UnitSkipped)
			return
		}

		audio, err := r.n.synthesize(r.ctx, u.Text)
		if err != nil {
			observe.Logger(r.ctx).Warn("speech: synthesis failed, skipping unit",
				"index", u.Index, "err", err)
			r.skip(u.Index, observe.UnitDropped)
			return
		}
		r.n.metrics.RecordSpeechUnit(r.ctx, observe.UnitSynthesized)
		r.track.Enqueue(Clip{Index: u.Index, Audio: audio.Data, ContentType: audio.ContentType})
	}()
}

// Finish declares the number of units said.
func (r *Narration) Finish(total int) {
	r.track.Finish(total)
}

// Track returns the playback track of this narration.
func (r *Narration) Track() *Track { return r.track }

// Wait blocks until every unit has been played or skipped, the track was
// superseded, or ctx ends. In-flight synthesis goroutines are awaited too.
func (r *Narration) Wait(ctx context.Context) error {
	if err := r.track.Wait(ctx); err != nil {
		return err
	}
	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *Narration) skip(index int, status string) {
	r.n.metrics.RecordSpeechUnit(r.ctx, status)
	r.track.Skip(index)
}
