package store_test

import (
	"context"
	"fmt"
	"testing"

	"github.com/sadam-codes/chatbot-builder/internal/store"
)

func TestMemStore_Agents(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := store.NewMemStore()

	if a, err := s.GetAgent(ctx, "a1"); a != nil || err != nil {
		t.Fatalf("GetAgent(missing) = %v, %v", a, err)
	}
	if err := s.PutAgent(ctx, &store.Agent{ID: "a1", Name: "Tutor", OwnerID: "42"}); err != nil {
		t.Fatal(err)
	}
	a, _ := s.GetAgent(ctx, "a1")
	if a == nil || a.Name != "Tutor" || a.CreatedAt.IsZero() {
		t.Fatalf("agent = %+v", a)
	}

	// Returned agents are copies.
	a.Name = "mutated"
	if again, _ := s.GetAgent(ctx, "a1"); again.Name != "Tutor" {
		t.Error("GetAgent leaked internal state")
	}
}

func TestMemStore_RecentTurnsOldestFirst(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := store.NewMemStore()

	for i := range 15 {
		if _, err := s.AppendTurn(ctx, "42", "a1", fmt.Sprintf("q%d", i), fmt.Sprintf("a%d", i)); err != nil {
			t.Fatal(err)
		}
	}
	_, _ = s.AppendTurn(ctx, "7", "a1", "other owner", "x")
	_, _ = s.AppendTurn(ctx, "42", "a2", "other agent", "x")

	recent, err := s.ListRecentTurns(ctx, "42", "a1", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(recent) != 10 {
		t.Fatalf("len = %d, want 10", len(recent))
	}
	if recent[0].Question != "q5" || recent[9].Question != "q14" {
		t.Errorf("window = %s..%s, want q5..q14", recent[0].Question, recent[9].Question)
	}
}

func TestMemStore_AnonymousIsolated(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := store.NewMemStore()

	_, _ = s.AppendTurn(ctx, "", "a1", "public q", "public a")
	_, _ = s.AppendTurn(ctx, "42", "a1", "private q", "private a")

	anon, _ := s.ListRecentTurns(ctx, "", "a1", 10)
	if len(anon) != 1 || anon[0].Question != "public q" {
		t.Errorf("anonymous turns = %+v", anon)
	}
}

func TestMemStore_ListAndClear(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := store.NewMemStore()

	for i := range 3 {
		_, _ = s.AppendTurn(ctx, "42", "a1", fmt.Sprintf("q%d", i), "a")
	}
	_, _ = s.AppendTurn(ctx, "42", "a2", "keep", "a")

	list, _ := s.ListTurns(ctx, "42", "a1", 0)
	if len(list) != 3 || list[0].Question != "q2" {
		t.Errorf("ListTurns = %+v, want newest first", list)
	}
	if limited, _ := s.ListTurns(ctx, "42", "a1", 2); len(limited) != 2 || limited[1].Question != "q1" {
		t.Errorf("limited = %+v", limited)
	}

	n, err := s.ClearTurns(ctx, "42", "a1")
	if err != nil || n != 3 {
		t.Errorf("ClearTurns = %d, %v; want 3", n, err)
	}
	if rest := s.Turns(); len(rest) != 1 || rest[0].Question != "keep" {
		t.Errorf("remaining = %+v", rest)
	}
}
