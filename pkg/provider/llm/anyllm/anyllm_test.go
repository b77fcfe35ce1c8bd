package anyllm

import (
	"slices"
	"testing"

	anyllmlib "github.com/mozilla-ai/any-llm-go"

	"github.com/sadam-codes/chatbot-builder/pkg/provider/llm"
)

// ── convertMessage ────────────────────────────────────────────────────────────

func TestConvertMessage(t *testing.T) {
	t.Parallel()

	for _, m := range []llm.Message{
		llm.System("You are helpful."),
		llm.User("Hello!"),
		llm.Assistant("Hi there!"),
	} {
		got := convertMessage(m)
		if got.Role != m.Role {
			t.Errorf("role = %q, want %q", got.Role, m.Role)
		}
		if got.ContentString() != m.Content {
			t.Errorf("content = %q, want %q", got.ContentString(), m.Content)
		}
	}
}

// ── buildParams ───────────────────────────────────────────────────────────────

func TestBuildParams_ModelOverride(t *testing.T) {
	t.Parallel()

	p := &Provider{model: "llama3"}
	params := p.buildParams(llm.CompletionRequest{
		Model:     "mistral-small",
		Messages:  []llm.Message{llm.User("hi")},
		MaxTokens: 1000,
	})
	if params.Model != "mistral-small" {
		t.Errorf("model = %q, want mistral-small", params.Model)
	}
	if params.MaxTokens == nil || *params.MaxTokens != 1000 {
		t.Errorf("max tokens = %v, want 1000", params.MaxTokens)
	}
	if params.Temperature != nil {
		t.Error("expected nil temperature when unset")
	}
}

func TestBuildParams_DefaultModelUncapped(t *testing.T) {
	t.Parallel()

	p := &Provider{model: "llama3"}
	params := p.buildParams(llm.CompletionRequest{
		Messages:    []llm.Message{llm.System("s"), llm.User("hi")},
		Temperature: 0.3,
	})
	if params.Model != "llama3" {
		t.Errorf("model = %q, want llama3", params.Model)
	}
	if params.MaxTokens != nil {
		t.Error("expected nil max tokens for an uncapped request")
	}
	if params.Temperature == nil || *params.Temperature != 0.3 {
		t.Errorf("temperature = %v, want 0.3", params.Temperature)
	}
	if len(params.Messages) != 2 {
		t.Errorf("messages = %d, want 2", len(params.Messages))
	}
}

// ── Constructor ───────────────────────────────────────────────────────────────

func TestNew_Validation(t *testing.T) {
	if _, err := New("", "gpt-4o"); err == nil {
		t.Error("expected error for empty providerName")
	}
	if _, err := New("openai", ""); err == nil {
		t.Error("expected error for empty model")
	}
	if _, err := New("fakecloud", "some-model", anyllmlib.WithAPIKey("dummy")); err == nil {
		t.Error("expected error for unsupported provider")
	}
}

func TestNew_WithAPIKey(t *testing.T) {
	for _, name := range []string{"openai", "anthropic", "Groq"} {
		p, err := New(name, "some-model", anyllmlib.WithAPIKey("sk-test"))
		if err != nil {
			t.Fatalf("New(%q): unexpected error: %v", name, err)
		}
		if p.model != "some-model" {
			t.Errorf("New(%q): model = %q", name, p.model)
		}
	}
}

func TestNew_OpenAI_MissingAPIKey(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "")
	if _, err := New("openai", "gpt-4o"); err == nil {
		t.Fatal("expected error for missing API key")
	}
}

func TestNew_Ollama_NoAPIKey(t *testing.T) {
	if _, err := New("ollama", "llama3"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestBackends_Sorted(t *testing.T) {
	t.Parallel()
	names := Backends()
	if !slices.IsSorted(names) {
		t.Errorf("Backends() not sorted: %v", names)
	}
	if !slices.Contains(names, "anthropic") || !slices.Contains(names, "llamafile") {
		t.Errorf("Backends() missing entries: %v", names)
	}
}
