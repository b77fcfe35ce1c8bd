package speech

import (
	"container/heap"
	"context"
	"log/slog"
	"sync"
)

// Clip is the synthesized audio for one unit.
type Clip struct {
	Index       int
	Audio       []byte
	ContentType string
}

// Sink plays clips. Play blocks until the clip has finished playing, or
// returns early when ctx is cancelled because playback was halted.
type Sink interface {
	Play(ctx context.Context, clip Clip) error
}

// SinkFunc adapts a function to [Sink].
type SinkFunc func(ctx context.Context, clip Clip) error

// Play implements [Sink].
func (f SinkFunc) Play(ctx context.Context, clip Clip) error { return f(ctx, clip) }

// Sequencer plays clips through a [Sink] strictly in index order. Clip k+1
// never starts before clip k has finished playing or has been skipped.
//
// Each query owns one generation of the sequencer, represented by a [Track].
// Starting a new track abandons the previous one. A single dispatch goroutine
// drains the queue; all exported methods are safe for concurrent use.
type Sequencer struct {
	sink Sink

	mu      sync.Mutex
	queue   clipHeap
	current *Track
	next    int          // next index expected to play
	total   int          // number of units in the track; -1 until Finish
	skipped map[int]bool // indices that will never arrive
	muted   bool

	playing       bool
	playingTrack  *Track
	cancelPlaying context.CancelFunc

	base   context.Context
	stop   context.CancelFunc
	notify chan struct{} // signalled when the queue or the head may have changed
	done   chan struct{} // closed by Close to stop the dispatch goroutine
	closed bool
}

// Track is one query's view of a [Sequencer]. Calls on a track that has
// been superseded are ignored.
type Track struct {
	s      *Sequencer
	forced bool
	idle   chan struct{}
	ended  bool // guarded by s.mu
}

// NewSequencer creates a Sequencer playing into sink and starts its dispatch
// goroutine. Call [Sequencer.Close] to stop it.
func NewSequencer(sink Sink) *Sequencer {
	base, stop := context.WithCancel(context.Background())
	s := &Sequencer{
		sink:    sink,
		queue:   make(clipHeap, 0, 16),
		skipped: make(map[int]bool),
		total:   -1,
		base:    base,
		stop:    stop,
		notify:  make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
	heap.Init(&s.queue)
	go s.dispatch()
	return s
}

// Begin starts a new track expecting indices from 0. Any previous track is
// cancelled: its playback stops, its queued clips are discarded and its
// Done channel is closed.
func (s *Sequencer) Begin() *Track {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.beginLocked(false)
}

// Replay plays a single clip immediately, replacing whatever the sequencer
// was doing. It ignores mute. The clip is played as index 0 of a new track.
func (s *Sequencer) Replay(clip Clip) *Track {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := s.beginLocked(true)
	clip.Index = 0
	s.enqueueLocked(t, clip)
	s.total = 1
	return t
}

// Close stops playback and the dispatch goroutine. Close is idempotent.
func (s *Sequencer) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.haltLocked()
	if s.current != nil {
		s.endLocked(s.current)
	}
	s.mu.Unlock()

	s.stop()
	close(s.done)
	return nil
}

// Enqueue hands the clip for its unit to the sequencer. The clip is dropped
// if the track is no longer current, if its index was already passed, or
// if the session is muted.
func (t *Track) Enqueue(clip Clip) {
	s := t.s
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current != t || s.closed {
		return
	}
	if s.muted && !t.forced {
		s.skipLocked(clip.Index)
		return
	}
	s.enqueueLocked(t, clip)
}

// Skip records that unit i will never produce a clip, so playback can move
// past it.
func (t *Track) Skip(i int) {
	s := t.s
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current != t {
		return
	}
	s.skipLocked(i)
}

// Finish declares that the track has total units. Once every index below
// total has been played or skipped the track becomes idle.
func (t *Track) Finish(total int) {
	s := t.s
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current != t {
		return
	}
	s.total = total
	s.checkIdleLocked()
}

// Done is closed when the track is idle: finished and fully played or
// skipped, superseded by a newer track, or the sequencer was closed.
func (t *Track) Done() <-chan struct{} { return t.idle }

// Wait blocks until [Track.Done] is closed or ctx ends.
func (t *Track) Wait(ctx context.Context) error {
	select {
	case <-t.idle:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// setMuted is driven by [Mute]. Muting halts current playback and discards
// everything buffered; later clips of the current track are skipped.
func (s *Sequencer) setMuted(muted bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.muted = muted
	if !muted || s.current == nil {
		return
	}
	s.haltLocked()
	s.advanceLocked()
	s.checkIdleLocked()
}

func (s *Sequencer) beginLocked(forced bool) *Track {
	if s.current != nil {
		s.haltLocked()
		s.endLocked(s.current)
	}
	t := &Track{s: s, forced: forced, idle: make(chan struct{})}
	s.current = t
	s.next = 0
	s.total = -1
	clear(s.skipped)
	if s.closed {
		s.endLocked(t)
	}
	return t
}

func (s *Sequencer) enqueueLocked(t *Track, clip Clip) {
	if clip.Index < s.next || s.skipped[clip.Index] {
		return
	}
	heap.Push(&s.queue, clip)
	s.wakeLocked()
}

func (s *Sequencer) skipLocked(i int) {
	if i < s.next {
		return
	}
	s.skipped[i] = true
	s.advanceLocked()
	s.checkIdleLocked()
	s.wakeLocked()
}

// haltLocked cancels the clip being played and discards the queue, marking
// the discarded indices as skipped.
func (s *Sequencer) haltLocked() {
	if s.cancelPlaying != nil {
		s.cancelPlaying()
		s.cancelPlaying = nil
	}
	for s.queue.Len() > 0 {
		c := heap.Pop(&s.queue).(Clip)
		s.skipped[c.Index] = true
	}
}

// advanceLocked moves next past every skipped index, unless the head clip
// is still playing.
func (s *Sequencer) advanceLocked() {
	if s.playing && s.playingTrack == s.current {
		return
	}
	for s.skipped[s.next] {
		delete(s.skipped, s.next)
		s.next++
	}
}

func (s *Sequencer) checkIdleLocked() {
	t := s.current
	if t == nil || t.ended || s.total < 0 || s.next < s.total {
		return
	}
	if s.playing && s.playingTrack == t {
		return
	}
	s.endLocked(t)
}

func (s *Sequencer) endLocked(t *Track) {
	if !t.ended {
		t.ended = true
		close(t.idle)
	}
}

func (s *Sequencer) wakeLocked() {
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

// dispatch plays queued clips in order until Close.
func (s *Sequencer) dispatch() {
	for {
		select {
		case <-s.done:
			return
		case <-s.notify:
		}

		for {
			clip, t, ctx, ok := s.dequeue()
			if !ok {
				break
			}
			if err := s.sink.Play(ctx, clip); err != nil && ctx.Err() == nil {
				slog.Warn("speech: playback failed", "index", clip.Index, "err", err)
			}
			s.finished(t, clip.Index)
		}
	}
}

// dequeue pops the head clip when it is the next expected index and marks
// it as playing.
func (s *Sequencer) dequeue() (Clip, *Track, context.Context, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return Clip{}, nil, nil, false
	}
	for s.queue.Len() > 0 && s.queue[0].Index < s.next {
		heap.Pop(&s.queue)
	}
	if s.queue.Len() == 0 || s.queue[0].Index != s.next {
		return Clip{}, nil, nil, false
	}

	clip := heap.Pop(&s.queue).(Clip)
	ctx, cancel := context.WithCancel(s.base)
	s.playing = true
	s.playingTrack = s.current
	s.cancelPlaying = cancel
	return clip, s.current, ctx, true
}

// finished is the clip-finished callback: it releases the head and moves on.
func (s *Sequencer) finished(t *Track, index int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.playing = false
	s.playingTrack = nil
	if s.cancelPlaying != nil {
		s.cancelPlaying()
		s.cancelPlaying = nil
	}
	if t != s.current {
		return
	}
	if index+1 > s.next {
		s.next = index + 1
	}
	s.advanceLocked()
	s.checkIdleLocked()
}
