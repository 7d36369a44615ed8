package upload

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PGStore keeps session metadata in a Postgres row per session. Mutations run
// inside a transaction holding a row lock (SELECT ... FOR UPDATE), which gives
// the same per-session exclusion region as FSStore's keyed mutex but survives
// multiple processes sharing the database.
type PGStore struct {
	pool *pgxpool.Pool
}

func NewPGStore(pool *pgxpool.Pool) *PGStore {
	return &PGStore{pool: pool}
}

// MigrateSessions creates the backing table.
func MigrateSessions(ctx context.Context, pool *pgxpool.Pool) error {
	const stmt = `
        CREATE TABLE IF NOT EXISTS upload_sessions (
            id TEXT PRIMARY KEY,
            status TEXT NOT NULL,
            created_at TIMESTAMPTZ NOT NULL,
            record JSONB NOT NULL
        );`
	_, err := pool.Exec(ctx, stmt)
	return err
}

func (p *PGStore) Create(ctx context.Context, s *Session) error {
	record, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("marshal session: %w", err)
	}
	const query = `
        INSERT INTO upload_sessions (id, status, created_at, record)
        VALUES ($1, $2, $3, $4);`
	_, err = p.pool.Exec(ctx, query, s.ID, string(s.Status), s.CreatedAt, record)
	if err != nil {
		return fmt.Errorf("insert session: %w", err)
	}
	return nil
}

func (p *PGStore) Get(ctx context.Context, id string) (*Session, error) {
	const query = `SELECT record FROM upload_sessions WHERE id = $1;`
	var record []byte
	if err := p.pool.QueryRow(ctx, query, id).Scan(&record); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrSessionNotFound
		}
		return nil, fmt.Errorf("select session: %w", err)
	}
	var s Session
	if err := json.Unmarshal(record, &s); err != nil {
		return nil, fmt.Errorf("unmarshal session: %w", err)
	}
	return &s, nil
}

func (p *PGStore) Mutate(ctx context.Context, id string, fn func(*Session) error) (*Session, error) {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin session mutation: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var record []byte
	const selectQuery = `SELECT record FROM upload_sessions WHERE id = $1 FOR UPDATE;`
	if err := tx.QueryRow(ctx, selectQuery, id).Scan(&record); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrSessionNotFound
		}
		return nil, fmt.Errorf("lock session row: %w", err)
	}
	var s Session
	if err := json.Unmarshal(record, &s); err != nil {
		return nil, fmt.Errorf("unmarshal session: %w", err)
	}
	if err := fn(&s); err != nil {
		return nil, err
	}
	updated, err := json.Marshal(&s)
	if err != nil {
		return nil, fmt.Errorf("marshal session: %w", err)
	}
	const updateQuery = `UPDATE upload_sessions SET status = $2, record = $3 WHERE id = $1;`
	if _, err := tx.Exec(ctx, updateQuery, id, string(s.Status), updated); err != nil {
		return nil, fmt.Errorf("update session row: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit session mutation: %w", err)
	}
	return &s, nil
}

func (p *PGStore) Delete(ctx context.Context, id string) error {
	const query = `DELETE FROM upload_sessions WHERE id = $1;`
	if _, err := p.pool.Exec(ctx, query, id); err != nil {
		return fmt.Errorf("delete session row: %w", err)
	}
	return nil
}

func (p *PGStore) List(ctx context.Context) ([]*Session, error) {
	const query = `SELECT record FROM upload_sessions ORDER BY created_at;`
	rows, err := p.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var out []*Session
	for rows.Next() {
		var record []byte
		if err := rows.Scan(&record); err != nil {
			return nil, fmt.Errorf("scan session row: %w", err)
		}
		var s Session
		if err := json.Unmarshal(record, &s); err != nil {
			continue
		}
		out = append(out, &s)
	}
	return out, rows.Err()
}
