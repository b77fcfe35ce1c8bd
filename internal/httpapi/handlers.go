package httpapi

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/sadam-codes/chatbot-builder/internal/auth"
	"github.com/sadam-codes/chatbot-builder/internal/query"
	"github.com/sadam-codes/chatbot-builder/internal/speech"
	"github.com/sadam-codes/chatbot-builder/pkg/provider/stt"
)

type questionRequest struct {
	Question string `json:"question"`
}

type streamRequest struct {
	Question string `json:"question"`
	Speak    bool   `json:"speak,omitempty"`
}

type ttsRequest struct {
	Text string `json:"text"`
}

type answerResponse struct {
	Question string `json:"question"`
	Answer   string `json:"answer"`
}

type publicResponse struct {
	Question  string `json:"question"`
	Answer    string `json:"answer"`
	AgentName string `json:"agentName"`
}

type voiceResponse struct {
	Question    string `json:"question"`
	Answer      string `json:"answer"`
	AudioBase64 string `json:"audioBase64"`
}

type turnResponse struct {
	ID        string    `json:"id"`
	Question  string    `json:"question"`
	Answer    string    `json:"answer"`
	CreatedAt time.Time `json:"createdAt"`
}

type clearResponse struct {
	Message string `json:"message"`
	Deleted int64  `json:"deleted"`
}

// SSE payloads.
type contentEvent struct {
	Content string `json:"content"`
}

type audioEvent struct {
	Index       int    `json:"index"`
	AudioBase64 string `json:"audioBase64"`
	ContentType string `json:"contentType"`
}

type errorEvent struct {
	Error string `json:"error"`
}

func owner(r *http.Request) string {
	o, _ := auth.OwnerFrom(r.Context())
	return o
}

func (s *Server) handleQuery(w http.ResponseWriter, r *http.Request) {
	var body questionRequest
	if err := decodeJSON(w, r, &body); err != nil {
		writeError(w, r, err)
		return
	}
	ans, err := s.svc.Ask(r.Context(), query.Request{
		AgentID:  r.PathValue("id"),
		Owner:    owner(r),
		Question: body.Question,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, answerResponse{Question: ans.Question, Answer: ans.Answer})
}

func (s *Server) handlePublicChat(w http.ResponseWriter, r *http.Request) {
	var body questionRequest
	if err := decodeJSON(w, r, &body); err != nil {
		writeError(w, r, err)
		return
	}
	ans, err := s.svc.Public(r.Context(), r.PathValue("id"), body.Question)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, publicResponse{Question: ans.Question, Answer: ans.Answer, AgentName: ans.AgentName})
}

// handleStreamQuery streams deltas as SSE. With speak set, audio events for
// each unit follow in index order, interleaved with the text.
func (s *Server) handleStreamQuery(w http.ResponseWriter, r *http.Request) {
	var body streamRequest
	if err := decodeJSON(w, r, &body); err != nil {
		writeError(w, r, err)
		return
	}
	ctx := r.Context()
	sw := newSSEWriter(w)

	var (
		sp        query.Speaker
		narration *speech.Narration
	)
	if body.Speak && s.tts != nil {
		seq := speech.NewSequencer(speech.SinkFunc(func(_ context.Context, c speech.Clip) error {
			return sw.Event("audio", audioEvent{
				Index:       c.Index,
				AudioBase64: base64.StdEncoding.EncodeToString(c.Audio),
				ContentType: c.ContentType,
			})
		}))
		defer seq.Close()
		narration = s.newNarrator(seq, nil).Begin(ctx)
		sp = narration
	}

	// A client that hangs up mid-answer still gets its turn recorded; the
	// stream's idle timeout bounds the detached call.
	_, err := s.svc.Stream(context.WithoutCancel(ctx), query.Request{
		AgentID:  r.PathValue("id"),
		Owner:    owner(r),
		Question: body.Question,
	}, func(delta string) error {
		return sw.Data(contentEvent{Content: delta})
	}, sp)

	if narration != nil {
		_ = narration.Wait(ctx)
	}
	if err != nil {
		if !sw.Started() {
			writeError(w, r, err)
			return
		}
		_, e := classify(err)
		_ = sw.Event("error", errorEvent{Error: e.Message})
	}
	_ = sw.Done()
}

func (s *Server) handleVoiceQuery(w http.ResponseWriter, r *http.Request) {
	rec, err := s.readRecording(w, r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	ans, err := s.svc.Voice(r.Context(), query.VoiceRequest{
		AgentID:   r.PathValue("id"),
		Owner:     owner(r),
		Recording: rec,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	resp := voiceResponse{Question: ans.Question, Answer: ans.Answer}
	if ans.Audio != nil {
		resp.AudioBase64 = base64.StdEncoding.EncodeToString(ans.Audio.Data)
	}
	writeJSON(w, http.StatusOK, resp)
}

// readRecording reads the uploaded audio from the "audio" or "file" form
// field.
func (s *Server) readRecording(w http.ResponseWriter, r *http.Request) (stt.Recording, error) {
	r.Body = http.MaxBytesReader(w, r.Body, s.maxUploadBytes)
	if err := r.ParseMultipartForm(s.maxUploadBytes); err != nil {
		return stt.Recording{}, fmt.Errorf("invalid upload: %v: %w", err, query.ErrValidation)
	}
	defer r.MultipartForm.RemoveAll()

	for _, field := range []string{"audio", "file"} {
		f, hdr, err := r.FormFile(field)
		if errors.Is(err, http.ErrMissingFile) {
			continue
		}
		if err != nil {
			return stt.Recording{}, fmt.Errorf("invalid upload: %v: %w", err, query.ErrValidation)
		}
		defer f.Close()
		data, err := io.ReadAll(f)
		if err != nil {
			return stt.Recording{}, fmt.Errorf("read upload: %w", err)
		}
		return stt.Recording{
			Data:        data,
			Filename:    hdr.Filename,
			ContentType: hdr.Header.Get("Content-Type"),
		}, nil
	}
	return stt.Recording{}, fmt.Errorf("no audio file uploaded: %w", query.ErrValidation)
}

func (s *Server) handleTTS(w http.ResponseWriter, r *http.Request) {
	var body ttsRequest
	if err := decodeJSON(w, r, &body); err != nil {
		writeError(w, r, err)
		return
	}
	audio, err := s.svc.Speak(r.Context(), body.Text)
	if err != nil {
		writeError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", audio.ContentType)
	w.Header().Set("Content-Length", strconv.Itoa(len(audio.Data)))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(audio.Data)
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, r, fmt.Errorf("limit must be a non-negative integer: %w", query.ErrValidation))
			return
		}
		limit = n
	}
	turns, err := s.svc.History(r.Context(), r.PathValue("id"), owner(r), limit)
	if err != nil {
		writeError(w, r, err)
		return
	}
	out := make([]turnResponse, len(turns))
	for i, t := range turns {
		out[i] = turnResponse{ID: t.ID, Question: t.Question, Answer: t.Answer, CreatedAt: t.CreatedAt}
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleClearHistory(w http.ResponseWriter, r *http.Request) {
	n, err := s.svc.ClearHistory(r.Context(), r.PathValue("id"), owner(r))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, clearResponse{Message: "Chat history cleared", Deleted: n})
}
