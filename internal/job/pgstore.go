package job

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PGStore keeps job records in Postgres so progress polling works from any
// process sharing the database. Row locks serialize mutations per job; the
// progress column uses GREATEST so a late update can never lower it even if
// a writer bypasses Mutate.
type PGStore struct {
	pool *pgxpool.Pool
}

func NewPGStore(pool *pgxpool.Pool) *PGStore {
	return &PGStore{pool: pool}
}

// MigrateJobs creates the backing table.
func MigrateJobs(ctx context.Context, pool *pgxpool.Pool) error {
	const stmt = `
        CREATE TABLE IF NOT EXISTS processing_jobs (
            id TEXT PRIMARY KEY,
            status TEXT NOT NULL,
            progress INT NOT NULL DEFAULT 0,
            started_at TIMESTAMPTZ NOT NULL,
            record JSONB NOT NULL
        );`
	_, err := pool.Exec(ctx, stmt)
	return err
}

func (p *PGStore) Create(ctx context.Context, j *Job) error {
	record, err := json.Marshal(j)
	if err != nil {
		return fmt.Errorf("marshal job record: %w", err)
	}
	const query = `
        INSERT INTO processing_jobs (id, status, progress, started_at, record)
        VALUES ($1, $2, $3, $4, $5);`
	if _, err := p.pool.Exec(ctx, query, j.ID, string(j.Status), j.Progress, j.StartedAt, record); err != nil {
		return fmt.Errorf("insert job record: %w", err)
	}
	return nil
}

func (p *PGStore) Get(ctx context.Context, id string) (*Job, error) {
	const query = `SELECT record FROM processing_jobs WHERE id = $1;`
	var record []byte
	if err := p.pool.QueryRow(ctx, query, id).Scan(&record); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrJobNotFound
		}
		return nil, fmt.Errorf("select job record: %w", err)
	}
	var j Job
	if err := json.Unmarshal(record, &j); err != nil {
		return nil, fmt.Errorf("unmarshal job record: %w", err)
	}
	return &j, nil
}

func (p *PGStore) Mutate(ctx context.Context, id string, fn func(*Job) error) (*Job, error) {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin job mutation: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var record []byte
	const selectQuery = `SELECT record FROM processing_jobs WHERE id = $1 FOR UPDATE;`
	if err := tx.QueryRow(ctx, selectQuery, id).Scan(&record); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrJobNotFound
		}
		return nil, fmt.Errorf("lock job row: %w", err)
	}
	var j Job
	if err := json.Unmarshal(record, &j); err != nil {
		return nil, fmt.Errorf("unmarshal job record: %w", err)
	}
	if err := fn(&j); err != nil {
		return nil, err
	}
	updated, err := json.Marshal(&j)
	if err != nil {
		return nil, fmt.Errorf("marshal job record: %w", err)
	}
	const updateQuery = `
        UPDATE processing_jobs
        SET status = $2, progress = GREATEST(progress, $3), record = $4
        WHERE id = $1;`
	if _, err := tx.Exec(ctx, updateQuery, id, string(j.Status), j.Progress, updated); err != nil {
		return nil, fmt.Errorf("update job row: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit job mutation: %w", err)
	}
	return &j, nil
}

func (p *PGStore) Delete(ctx context.Context, id string) error {
	const query = `DELETE FROM processing_jobs WHERE id = $1;`
	if _, err := p.pool.Exec(ctx, query, id); err != nil {
		return fmt.Errorf("delete job row: %w", err)
	}
	return nil
}

func (p *PGStore) List(ctx context.Context) ([]*Job, error) {
	const query = `SELECT record FROM processing_jobs ORDER BY started_at;`
	rows, err := p.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list job records: %w", err)
	}
	defer rows.Close()

	var out []*Job
	for rows.Next() {
		var record []byte
		if err := rows.Scan(&record); err != nil {
			return nil, fmt.Errorf("scan job row: %w", err)
		}
		var j Job
		if err := json.Unmarshal(record, &j); err != nil {
			continue
		}
		out = append(out, &j)
	}
	return out, rows.Err()
}
