package store

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"io/fs"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
)

//go:embed migrations/*.sql
var migrations embed.FS

// DB is the database interface used by [PostgresStore]. Both *pgxpool.Pool
// and *pgx.Conn satisfy it.
type DB interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Ping(ctx context.Context) error
}

// PostgresStore is a [Store] backed by PostgreSQL.
type PostgresStore struct {
	db    DB
	close func()
}

var _ Store = (*PostgresStore)(nil)

// NewPostgresStore wraps an existing connection or pool. The caller owns db
// and is responsible for the schema.
func NewPostgresStore(db DB) *PostgresStore {
	return &PostgresStore{db: db, close: func() {}}
}

// OpenOptions configures [Open].
type OpenOptions struct {
	// MaxConns caps the pool size. Zero keeps the pgx default.
	MaxConns int32

	// SkipMigrations leaves the schema untouched.
	SkipMigrations bool
}

// Open connects a pool to dsn, verifies the connection and applies the
// embedded migrations unless opts.SkipMigrations is set.
func Open(ctx context.Context, dsn string, opts OpenOptions) (*PostgresStore, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("store: parse dsn: %w", err)
	}
	if opts.MaxConns > 0 {
		cfg.MaxConns = opts.MaxConns
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("store: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("store: ping: %w", err)
	}
	if !opts.SkipMigrations {
		if err := Migrate(ctx, pool); err != nil {
			pool.Close()
			return nil, err
		}
	}

	s := NewPostgresStore(pool)
	s.close = pool.Close
	return s, nil
}

// Migrate applies all pending embedded migrations to the database behind
// pool. It is idempotent.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	fsys, err := fs.Sub(migrations, "migrations")
	if err != nil {
		return fmt.Errorf("store: migrate: %w", err)
	}
	db := stdlib.OpenDBFromPool(pool)
	defer db.Close()

	p, err := goose.NewProvider(goose.DialectPostgres, db, fsys)
	if err != nil {
		return fmt.Errorf("store: migrate: %w", err)
	}
	if _, err := p.Up(ctx); err != nil {
		return fmt.Errorf("store: migrate: %w", err)
	}
	return nil
}

// Ping verifies the database connection.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.Ping(ctx)
}

// Close releases the pool when the store opened it.
func (s *PostgresStore) Close() { s.close() }

// GetAgent implements [Agents].
func (s *PostgresStore) GetAgent(ctx context.Context, id string) (*Agent, error) {
	const query = `
		SELECT id, name, model, role, instructions, owner_id, created_at, updated_at
		FROM agents
		WHERE id = $1`

	var a Agent
	err := s.db.QueryRow(ctx, query, id).Scan(
		&a.ID, &a.Name, &a.Model, &a.Role, &a.Instructions, &a.OwnerID, &a.CreatedAt, &a.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("store: get agent %q: %w", id, err)
	}
	return &a, nil
}

// PutAgent implements [Agents].
func (s *PostgresStore) PutAgent(ctx context.Context, a *Agent) error {
	const query = `
		INSERT INTO agents (id, name, model, role, instructions, owner_id)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			model = EXCLUDED.model,
			role = EXCLUDED.role,
			instructions = EXCLUDED.instructions,
			owner_id = EXCLUDED.owner_id,
			updated_at = now()
		RETURNING created_at, updated_at`

	err := s.db.QueryRow(ctx, query,
		a.ID, a.Name, a.Model, a.Role, a.Instructions, a.OwnerID,
	).Scan(&a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		return fmt.Errorf("store: put agent %q: %w", a.ID, err)
	}
	return nil
}

// ListRecentTurns implements [History].
func (s *PostgresStore) ListRecentTurns(ctx context.Context, owner, agentID string, limit int) ([]Turn, error) {
	if limit <= 0 {
		return []Turn{}, nil
	}
	const query = `
		SELECT id, owner_id, agent_id, question, answer, created_at
		FROM (
			SELECT seq, id, COALESCE(owner_id, '') AS owner_id, agent_id, question, answer, created_at
			FROM chat_turns
			WHERE agent_id = $1 AND owner_id IS NOT DISTINCT FROM $2
			ORDER BY seq DESC
			LIMIT $3
		) recent
		ORDER BY seq ASC`

	rows, err := s.db.Query(ctx, query, agentID, ownerParam(owner), limit)
	if err != nil {
		return nil, fmt.Errorf("store: list recent turns: %w", err)
	}
	return collectTurns(rows)
}

// AppendTurn implements [History].
func (s *PostgresStore) AppendTurn(ctx context.Context, owner, agentID, question, answer string) (*Turn, error) {
	const query = `
		INSERT INTO chat_turns (id, owner_id, agent_id, question, answer)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING created_at`

	t := &Turn{
		ID:       uuid.NewString(),
		OwnerID:  owner,
		AgentID:  agentID,
		Question: question,
		Answer:   answer,
	}
	err := s.db.QueryRow(ctx, query, t.ID, ownerParam(owner), agentID, question, answer).Scan(&t.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("store: append turn: %w", err)
	}
	return t, nil
}

// ListTurns implements [History].
func (s *PostgresStore) ListTurns(ctx context.Context, owner, agentID string, limit int) ([]Turn, error) {
	query := `
		SELECT id, COALESCE(owner_id, ''), agent_id, question, answer, created_at
		FROM chat_turns
		WHERE agent_id = $1 AND owner_id IS NOT DISTINCT FROM $2
		ORDER BY seq DESC`
	args := []any{agentID, ownerParam(owner)}
	if limit > 0 {
		query += "\n\t\tLIMIT $3"
		args = append(args, limit)
	}

	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("store: list turns: %w", err)
	}
	return collectTurns(rows)
}

// ClearTurns implements [History].
func (s *PostgresStore) ClearTurns(ctx context.Context, owner, agentID string) (int64, error) {
	const query = `DELETE FROM chat_turns WHERE agent_id = $1 AND owner_id IS NOT DISTINCT FROM $2`
	tag, err := s.db.Exec(ctx, query, agentID, ownerParam(owner))
	if err != nil {
		return 0, fmt.Errorf("store: clear turns: %w", err)
	}
	return tag.RowsAffected(), nil
}

func collectTurns(rows pgx.Rows) ([]Turn, error) {
	turns, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (Turn, error) {
		var t Turn
		err := row.Scan(&t.ID, &t.OwnerID, &t.AgentID, &t.Question, &t.Answer, &t.CreatedAt)
		return t, err
	})
	if err != nil {
		return nil, fmt.Errorf("store: scan turns: %w", err)
	}
	if turns == nil {
		turns = []Turn{}
	}
	return turns, nil
}

// ownerParam maps the anonymous owner to SQL NULL.
func ownerParam(owner string) *string {
	if owner == "" {
		return nil
	}
	return &owner
}
