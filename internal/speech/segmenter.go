// Package speech turns streamed answer text into ordered audio playback.
//
// A [Segmenter] cuts the text stream into speakable [Unit]s, a [Narrator]
// synthesizes each unit concurrently, and a [Sequencer] plays the resulting
// [Clip]s strictly in unit order regardless of which synthesis finishes first.
// A per-session [Mute] halts playback and suppresses further synthesis.
package speech

import "strings"

// Unit is one speakable piece of an answer. Index starts at 0 for each
// query and increases by one per unit. Text is untrimmed.
type Unit struct {
	Index int
	Text  string
}

// Segmenter incrementally splits a text stream into sentence-like units.
//
// A unit is a run of non-terminal characters followed by one or more
// terminal characters ('.', '!', '?'). A terminal run is only closed when the
// next non-terminal character arrives (or on [Segmenter.Flush]), so unit
// boundaries do not depend on how the stream was chunked.
//
// A Segmenter is not safe for concurrent use.
type Segmenter struct {
	pending    strings.Builder
	inTerminal bool
	next       int
}

func isTerminal(r rune) bool {
	return r == '.' || r == '!' || r == '?'
}

// Feed consumes delta and returns the units it completed, possibly none.
func (s *Segmenter) Feed(delta string) []Unit {
	var out []Unit
	for _, r := range delta {
		if isTerminal(r) {
			s.inTerminal = true
		} else if s.inTerminal {
			out = append(out, s.emit())
		}
		s.pending.WriteRune(r)
	}
	return out
}

// Flush ends the stream. It returns the buffered remainder as a final unit
// unless the remainder is empty or whitespace only.
func (s *Segmenter) Flush() (Unit, bool) {
	if strings.TrimSpace(s.pending.String()) == "" {
		s.pending.Reset()
		s.inTerminal = false
		return Unit{}, false
	}
	return s.emit(), true
}

// Count reports how many units have been produced so far.
func (s *Segmenter) Count() int { return s.next }

func (s *Segmenter) emit() Unit {
	u := Unit{Index: s.next, Text: s.pending.String()}
	s.next++
	s.pending.Reset()
	s.inTerminal = false
	return u
}
