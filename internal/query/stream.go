package query

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/sadam-codes/chatbot-builder/internal/observe"
	"github.com/sadam-codes/chatbot-builder/internal/speech"
	"github.com/sadam-codes/chatbot-builder/pkg/provider/llm"
)

// Speaker receives the speakable units of a streamed answer. It is
// implemented by *speech.Narration.
type Speaker interface {
	Say(u speech.Unit)
	Finish(total int)
}

// errStalled is wrapped into the error returned when the completion stream
// goes quiet for longer than the idle timeout.
var errStalled = errors.New("completion stream stalled")

// Stream answers req with a streaming completion. Each non-empty delta is
// passed to emit as it arrives and, when sp is non-nil, segmented into units
// for sp. Text delivery never waits on synthesis.
//
// The exchange is persisted once the stream has been fully drained. A stream
// that fails or stalls returns an error wrapping [ErrUpstreamUnavailable] and
// persists nothing. If emit fails the client is gone: deltas are no longer
// delivered but the stream is still drained and persisted.
//
// sp, when given, is finished exactly once before Stream returns, whatever
// the outcome. Pass a nil interface, not a typed nil pointer, to disable
// speech.
func (s *Service) Stream(ctx context.Context, req Request, emit func(delta string) error, sp Speaker) (_ *Answer, err error) {
	ctx, span := observe.StartSpan(ctx, "query.Stream")
	defer observe.EndSpan(span, &err)

	var seg speech.Segmenter
	if sp != nil {
		defer func() { sp.Finish(seg.Count()) }()
	}

	if err := validQuestion(req.Question); err != nil {
		return nil, fmt.Errorf("query: stream: %w", err)
	}
	agent, err := s.ownedAgent(ctx, req.AgentID, req.Owner)
	if err != nil {
		return nil, fmt.Errorf("query: stream: %w", err)
	}
	span.SetAttributes(attribute.String("agent.id", agent.ID))

	st := s.Settings()
	msgs, err := s.buildPrompt(ctx, st, agent, req.Owner, req.Question)
	if err != nil {
		return nil, fmt.Errorf("query: stream: %w", err)
	}

	s.metrics.ActiveStreams.Add(ctx, 1)
	defer s.metrics.ActiveStreams.Add(context.WithoutCancel(ctx), -1)

	streamCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	start := time.Now()
	ch, err := s.llm.StreamCompletion(streamCtx, llm.CompletionRequest{
		Model:       agent.Model,
		Messages:    msgs,
		Temperature: st.Temperature,
		MaxTokens:   st.StreamMaxTokens,
	})
	if err != nil {
		s.metrics.RecordProviderCall(ctx, "llm", time.Since(start), err)
		return nil, fmt.Errorf("query: stream: %w: %w", ErrUpstreamUnavailable, err)
	}

	text, err := drain(ctx, ch, st.StreamIdleTimeout, func(delta string) {
		if emit != nil {
			if err := emit(delta); err != nil {
				observe.Logger(ctx).Debug("query: client stopped receiving deltas", "err", err)
				emit = nil
			}
		}
		if sp != nil {
			for _, u := range seg.Feed(delta) {
				sp.Say(u)
			}
		}
	}, func(u llm.Usage) {
		s.metrics.RecordTokens(ctx, u.PromptTokens, u.CompletionTokens)
	})
	s.metrics.RecordProviderCall(ctx, "llm", time.Since(start), err)
	if err != nil {
		return nil, fmt.Errorf("query: stream: %w", err)
	}

	if sp != nil {
		if u, ok := seg.Flush(); ok {
			sp.Say(u)
		}
	}

	turn, err := s.persist(ctx, req.Owner, agent.ID, req.Question, text, RouteStream)
	if err != nil {
		return nil, fmt.Errorf("query: stream: %w", err)
	}
	return &Answer{Question: req.Question, Answer: text, AgentName: agent.Name, Turn: turn}, nil
}

// drain reads ch to completion, calling onDelta for every non-empty delta
// and onUsage for any usage report, and returns the concatenated text.
func drain(ctx context.Context, ch <-chan llm.Chunk, idle time.Duration, onDelta func(string), onUsage func(llm.Usage)) (string, error) {
	var (
		b       strings.Builder
		timer   *time.Timer
		timeout <-chan time.Time
	)
	if idle > 0 {
		timer = time.NewTimer(idle)
		defer timer.Stop()
		timeout = timer.C
	}

	for {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-timeout:
			return "", fmt.Errorf("%w: no output for %s: %w", ErrUpstreamUnavailable, idle, errStalled)
		case c, ok := <-ch:
			if !ok {
				// The provider closes the channel on cancellation too.
				if err := ctx.Err(); err != nil {
					return "", err
				}
				return b.String(), nil
			}
			if c.FinishReason == llm.FinishReasonError {
				return "", fmt.Errorf("%w: %s", ErrUpstreamUnavailable, c.Text)
			}
			if c.Usage != nil && onUsage != nil {
				onUsage(*c.Usage)
			}
			if timer != nil {
				timer.Reset(idle)
			}
			if c.Text == "" {
				continue
			}
			b.WriteString(c.Text)
			onDelta(c.Text)
		}
	}
}
