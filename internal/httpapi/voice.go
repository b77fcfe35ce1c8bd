package httpapi

import (
	"context"
	"encoding/base64"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/sadam-codes/chatbot-builder/internal/query"
	"github.com/sadam-codes/chatbot-builder/internal/speech"
)

// Voice-session frame types.
const (
	frameQuery  = "query"
	frameMute   = "mute"
	frameReplay = "replay"
	framePlayed = "played"

	frameDelta = "delta"
	frameAudio = "audio"
	frameDone  = "done"
	frameMuted = "muted"
	frameError = "error"
)

const queuedQueries = 8

// clientFrame is a message sent by the browser.
type clientFrame struct {
	Type     string `json:"type"`
	Question string `json:"question,omitempty"`
	Muted    *bool  `json:"muted,omitempty"`
	Text     string `json:"text,omitempty"`
	Index    *int   `json:"index,omitempty"`
}

// serverFrame is a message sent to the browser.
type serverFrame struct {
	Type        string `json:"type"`
	Content     string `json:"content,omitempty"`
	Index       *int   `json:"index,omitempty"`
	AudioBase64 string `json:"audioBase64,omitempty"`
	ContentType string `json:"contentType,omitempty"`
	Answer      string `json:"answer,omitempty"`
	Muted       *bool  `json:"muted,omitempty"`
	Error       string `json:"error,omitempty"`
}

// voiceSession is one connected client. The browser plays the clips; the
// session's sequencer releases clip k+1 only after the client acknowledged
// clip k as played or the acknowledgement timed out.
type voiceSession struct {
	srv     *Server
	conn    *websocket.Conn
	agentID string
	owner   string

	seq      *speech.Sequencer
	mute     *speech.Mute
	narrator *speech.Narrator

	acks       chan int
	ackTimeout time.Duration
	queries    chan string

	writeMu sync.Mutex
}

func (s *Server) handleVoiceSession(w http.ResponseWriter, r *http.Request) {
	agentID := r.PathValue("id")
	// Reject unknown agents before upgrading.
	if _, err := s.svc.Agent(r.Context(), agentID, owner(r)); err != nil {
		writeError(w, r, err)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: originHosts(s.corsOrigins),
	})
	if err != nil {
		slog.WarnContext(r.Context(), "httpapi: voice session upgrade failed", "err", err)
		return
	}
	defer conn.CloseNow()

	ctx := r.Context()
	s.metrics.ActiveVoiceSessions.Add(ctx, 1)
	defer s.metrics.ActiveVoiceSessions.Add(context.WithoutCancel(ctx), -1)

	vs := &voiceSession{
		srv:        s,
		conn:       conn,
		agentID:    agentID,
		owner:      owner(r),
		acks:       make(chan int, 16),
		ackTimeout: s.speechSettings().PlaybackAckTimeout,
		queries:    make(chan string, queuedQueries),
	}
	vs.seq = speech.NewSequencer(speech.SinkFunc(vs.play))
	vs.mute = speech.NewMute(vs.seq)
	vs.narrator = s.newNarrator(vs.seq, vs.mute)
	vs.mute.OnChange(func(muted bool) {
		_ = vs.send(ctx, serverFrame{Type: frameMuted, Muted: &muted})
	})

	err = vs.run(ctx)
	switch websocket.CloseStatus(err) {
	case websocket.StatusNormalClosure, websocket.StatusGoingAway:
	default:
		if !errors.Is(err, context.Canceled) {
			slog.DebugContext(ctx, "httpapi: voice session ended", "agent_id", agentID, "err", err)
		}
	}
	conn.Close(websocket.StatusNormalClosure, "")
}

// run reads client frames until the connection closes. Queries are answered
// one at a time, in order, by a separate goroutine.
func (vs *voiceSession) run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		vs.answerQueries(ctx)
	}()
	defer func() {
		cancel()
		close(vs.queries)
		wg.Wait()
		_ = vs.seq.Close()
	}()

	for {
		var f clientFrame
		if err := wsjson.Read(ctx, vs.conn, &f); err != nil {
			return err
		}
		switch f.Type {
		case frameQuery:
			if strings.TrimSpace(f.Question) == "" {
				_ = vs.send(ctx, serverFrame{Type: frameError, Error: "empty question"})
				continue
			}
			select {
			case vs.queries <- f.Question:
			default:
				_ = vs.send(ctx, serverFrame{Type: frameError, Error: "too many pending questions"})
			}
		case frameMute:
			if f.Muted == nil {
				vs.mute.Toggle()
			} else {
				vs.mute.Set(*f.Muted)
			}
		case frameReplay:
			go vs.replay(ctx, f.Text)
		case framePlayed:
			if f.Index != nil {
				select {
				case vs.acks <- *f.Index:
				default:
				}
			}
		default:
			_ = vs.send(ctx, serverFrame{Type: frameError, Error: "unknown frame type " + f.Type})
		}
	}
}

func (vs *voiceSession) answerQueries(ctx context.Context) {
	var prev *speech.Narration
	for q := range vs.queries {
		if ctx.Err() != nil {
			continue
		}
		// Beginning a track halts the current one. Let the previous answer
		// play out first; every clip is bounded by the ack timeout.
		if prev != nil {
			_ = prev.Wait(ctx)
		}
		narration := vs.narrator.Begin(ctx)
		prev = narration
		// The history write follows the stream, not the connection.
		ans, err := vs.srv.svc.Stream(context.WithoutCancel(ctx), query.Request{
			AgentID:  vs.agentID,
			Owner:    vs.owner,
			Question: q,
		}, func(delta string) error {
			return vs.send(ctx, serverFrame{Type: frameDelta, Content: delta})
		}, narration)
		if err != nil {
			_, e := classify(err)
			_ = vs.send(ctx, serverFrame{Type: frameError, Error: e.Message})
			continue
		}
		_ = vs.send(ctx, serverFrame{Type: frameDone, Answer: ans.Answer})
	}
}

func (vs *voiceSession) replay(ctx context.Context, text string) {
	if strings.TrimSpace(text) == "" {
		_ = vs.send(ctx, serverFrame{Type: frameError, Error: "empty replay text"})
		return
	}
	if _, err := vs.narrator.Replay(ctx, text); err != nil {
		slog.WarnContext(ctx, "httpapi: replay synthesis failed", "agent_id", vs.agentID, "err", err)
		_ = vs.send(ctx, serverFrame{Type: frameError, Error: query.ErrUpstreamUnavailable.Error()})
	}
}

// play is the session's speech sink: it sends the clip and blocks until the
// client reports it played, the acknowledgement times out, or playback is
// halted.
func (vs *voiceSession) play(ctx context.Context, c speech.Clip) error {
	// Drop acknowledgements left over from clips that were cut off.
	for len(vs.acks) > 0 {
		<-vs.acks
	}
	idx := c.Index
	if err := vs.send(ctx, serverFrame{
		Type:        frameAudio,
		Index:       &idx,
		AudioBase64: base64.StdEncoding.EncodeToString(c.Audio),
		ContentType: c.ContentType,
	}); err != nil {
		return err
	}

	timer := time.NewTimer(vs.ackTimeout)
	defer timer.Stop()
	for {
		select {
		case i := <-vs.acks:
			if i == c.Index {
				return nil
			}
		case <-timer.C:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (vs *voiceSession) send(ctx context.Context, f serverFrame) error {
	vs.writeMu.Lock()
	defer vs.writeMu.Unlock()
	return wsjson.Write(ctx, vs.conn, f)
}

// originHosts converts allowed origins to the host patterns the WebSocket
// handshake matches against.
func originHosts(origins []string) []string {
	hosts := make([]string, 0, len(origins))
	for _, o := range origins {
		o = strings.TrimSpace(o)
		if o == "*" {
			return []string{"*"}
		}
		if u, err := url.Parse(o); err == nil && u.Host != "" {
			hosts = append(hosts, u.Host)
		} else if o != "" {
			hosts = append(hosts, o)
		}
	}
	return hosts
}
