package store

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemStore is an in-memory [Store]. Data is lost when the process exits.
type MemStore struct {
	mu     sync.RWMutex
	agents map[string]Agent
	turns  []Turn
	now    func() time.Time
}

var _ Store = (*MemStore)(nil)

// NewMemStore returns an empty MemStore.
func NewMemStore() *MemStore {
	return &MemStore{agents: make(map[string]Agent), now: time.Now}
}

// Ping implements [Store]. It always succeeds.
func (m *MemStore) Ping(context.Context) error { return nil }

// Close implements [Store].
func (m *MemStore) Close() {}

// GetAgent implements [Agents].
func (m *MemStore) GetAgent(_ context.Context, id string) (*Agent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.agents[id]
	if !ok {
		return nil, nil
	}
	return &a, nil
}

// PutAgent implements [Agents].
func (m *MemStore) PutAgent(_ context.Context, a *Agent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	if prev, ok := m.agents[a.ID]; ok {
		a.CreatedAt = prev.CreatedAt
	} else {
		a.CreatedAt = now
	}
	a.UpdatedAt = now
	m.agents[a.ID] = *a
	return nil
}

// ListRecentTurns implements [History].
func (m *MemStore) ListRecentTurns(_ context.Context, owner, agentID string, limit int) ([]Turn, error) {
	if limit <= 0 {
		return []Turn{}, nil
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	matched := m.match(owner, agentID)
	if len(matched) > limit {
		matched = matched[len(matched)-limit:]
	}
	return matched, nil
}

// AppendTurn implements [History].
func (m *MemStore) AppendTurn(_ context.Context, owner, agentID, question, answer string) (*Turn, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t := Turn{
		ID:        uuid.NewString(),
		OwnerID:   owner,
		AgentID:   agentID,
		Question:  question,
		Answer:    answer,
		CreatedAt: m.now(),
	}
	m.turns = append(m.turns, t)
	return &t, nil
}

// ListTurns implements [History].
func (m *MemStore) ListTurns(_ context.Context, owner, agentID string, limit int) ([]Turn, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	matched := m.match(owner, agentID)
	slices.Reverse(matched)
	if limit > 0 && len(matched) > limit {
		matched = matched[:limit]
	}
	return matched, nil
}

// ClearTurns implements [History].
func (m *MemStore) ClearTurns(_ context.Context, owner, agentID string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	before := len(m.turns)
	m.turns = slices.DeleteFunc(m.turns, func(t Turn) bool {
		return t.OwnerID == owner && t.AgentID == agentID
	})
	return int64(before - len(m.turns)), nil
}

// Turns returns a copy of every stored turn in insertion order.
func (m *MemStore) Turns() []Turn {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return slices.Clone(m.turns)
}

// match returns the turns for (owner, agentID) oldest first. Callers hold mu.
func (m *MemStore) match(owner, agentID string) []Turn {
	out := []Turn{}
	for _, t := range m.turns {
		if t.OwnerID == owner && t.AgentID == agentID {
			out = append(out, t)
		}
	}
	return out
}
