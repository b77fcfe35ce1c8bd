package speech

import (
	"slices"
	"sync"
)

// Mute is the per-session mute capability. Muting halts current playback,
// discards buffered clips and makes the [Narrator] skip further units without
// synthesizing them. Unmuting only affects units dispatched afterwards.
//
// A nil *Mute is never muted.
type Mute struct {
	seq *Sequencer

	mu     sync.Mutex
	muted  bool
	onFlip []func(muted bool)
}

// NewMute returns an unmuted capability controlling seq. seq may be nil when
// only synthesis suppression is needed.
func NewMute(seq *Sequencer) *Mute {
	return &Mute{seq: seq}
}

// Set changes the mute state. Setting the current state again is a no-op.
func (m *Mute) Set(muted bool) {
	m.mu.Lock()
	if m.muted == muted {
		m.mu.Unlock()
		return
	}
	m.muted = muted
	subs := slices.Clone(m.onFlip)
	m.mu.Unlock()

	if m.seq != nil {
		m.seq.setMuted(muted)
	}
	for _, fn := range subs {
		fn(muted)
	}
}

// Toggle flips the state and returns the new value.
func (m *Mute) Toggle() bool {
	m.mu.Lock()
	next := !m.muted
	m.mu.Unlock()
	m.Set(next)
	return next
}

// Muted reports the current state.
func (m *Mute) Muted() bool {
	if m == nil {
		return false
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.muted
}

// OnChange registers fn to be called after every state change.
func (m *Mute) OnChange(fn func(muted bool)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onFlip = append(m.onFlip, fn)
}
