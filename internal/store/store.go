// Package store persists agents and conversation history.
//
// Two implementations are provided: [PostgresStore] for production and
// [MemStore] for tests and database-less deployments. Both are safe for
// concurrent use.
package store

import (
	"context"
	"time"
)

// Agent is a role-scoped conversational persona. The query pipeline only
// reads agents; they are written by config seeding.
type Agent struct {
	ID           string
	Name         string
	Model        string
	Role         string
	Instructions string
	OwnerID      string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Turn is one completed question/answer exchange. Turns are immutable once
// written. An empty OwnerID marks an anonymous (public) turn.
type Turn struct {
	ID        string
	OwnerID   string
	AgentID   string
	Question  string
	Answer    string
	CreatedAt time.Time
}

// Agents provides read access to agent definitions plus the seeding upsert.
type Agents interface {
	// GetAgent returns the agent with id. It returns (nil, nil) when no such
	// agent exists.
	GetAgent(ctx context.Context, id string) (*Agent, error)

	// PutAgent creates or replaces a.
	PutAgent(ctx context.Context, a *Agent) error
}

// History stores conversation turns keyed by (owner, agent).
type History interface {
	// ListRecentTurns returns at most limit of the newest turns for
	// (owner, agentID), ordered oldest first.
	ListRecentTurns(ctx context.Context, owner, agentID string, limit int) ([]Turn, error)

	// AppendTurn records a completed exchange and returns the stored turn.
	AppendTurn(ctx context.Context, owner, agentID, question, answer string) (*Turn, error)

	// ListTurns returns turns for (owner, agentID) newest first. A limit of
	// zero or less returns all of them.
	ListTurns(ctx context.Context, owner, agentID string, limit int) ([]Turn, error)

	// ClearTurns deletes every turn for (owner, agentID) and reports how many
	// were removed.
	ClearTurns(ctx context.Context, owner, agentID string) (int64, error)
}

// Store combines agent and history access with lifecycle hooks.
type Store interface {
	Agents
	History
	Ping(ctx context.Context) error
	Close()
}
