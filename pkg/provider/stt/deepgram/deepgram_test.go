package deepgram

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"github.com/sadam-codes/chatbot-builder/pkg/provider/stt"
)

func TestBuildURL_Defaults(t *testing.T) {
	t.Parallel()

	p, err := New("test-key")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	raw, err := p.buildURL("")
	if err != nil {
		t.Fatalf("buildURL: %v", err)
	}
	u, _ := url.Parse(raw)
	q := u.Query()
	if q.Get("model") != defaultModel || q.Get("language") != defaultLanguage || q.Get("punctuate") != "true" {
		t.Errorf("unexpected query: %s", u.RawQuery)
	}

	raw, _ = p.buildURL("de")
	u, _ = url.Parse(raw)
	if u.Query().Get("language") != "de" {
		t.Errorf("language override not applied: %s", raw)
	}
}

func TestParseListenResponse(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		body string
		want string
		err  bool
	}{
		{"transcript", `{"results":{"channels":[{"alternatives":[{"transcript":" How do goroutines work? ","confidence":0.98}]}]}}`, "How do goroutines work?", false},
		{"no channels", `{"results":{"channels":[]}}`, "", false},
		{"invalid json", `{`, "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, err := parseListenResponse([]byte(tt.body))
			if (err != nil) != tt.err {
				t.Fatalf("err = %v, want error %v", err, tt.err)
			}
			if got != tt.want {
				t.Errorf("got %q, want %q", got, tt.want)
			}
		})
	}
}

func TestTranscribe_PostsAudio(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Token dg-key" || r.Header.Get("Content-Type") != "audio/webm" {
			http.Error(w, "bad headers", http.StatusUnauthorized)
			return
		}
		body, _ := io.ReadAll(r.Body)
		if string(body) != "webm-bytes" {
			http.Error(w, "bad body", http.StatusBadRequest)
			return
		}
		_, _ = w.Write([]byte(`{"results":{"channels":[{"alternatives":[{"transcript":"hello"}]}]}}`))
	}))
	defer srv.Close()

	p, _ := New("dg-key", WithEndpoint(srv.URL+"/v1/listen"))
	text, err := p.Transcribe(context.Background(), stt.Recording{Data: []byte("webm-bytes"), ContentType: "audio/webm"})
	if err != nil {
		t.Fatalf("Transcribe: %v", err)
	}
	if text != "hello" {
		t.Errorf("text = %q", text)
	}
}

func TestTranscribe_ServerError(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"err_msg":"bad audio"}`, http.StatusBadRequest)
	}))
	defer srv.Close()

	p, _ := New("dg-key", WithEndpoint(srv.URL))
	if _, err := p.Transcribe(context.Background(), stt.Recording{Data: []byte("x")}); err == nil {
		t.Fatal("expected error for HTTP 400")
	}
}

func TestNew_EmptyAPIKey(t *testing.T) {
	t.Parallel()
	if _, err := New(""); err == nil {
		t.Fatal("expected error for empty api key")
	}
}
