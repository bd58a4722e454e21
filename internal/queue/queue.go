// Package queue persists one durable entry per outstanding transcription job,
// independently of the job row itself. A crash between "marked processing" and
// the terminal write leaves the entry behind, where the recovery sweeper finds
// it.
package queue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/meetscribe/meetscribe/internal/store"
)

// Entry marks a job as still needing processing.
type Entry struct {
	JobID      string
	OwnerID    string
	SourceRef  string
	EnqueuedAt time.Time
}

// Age returns the time elapsed since the entry was enqueued.
func (e Entry) Age(now time.Time) time.Duration {
	return now.Sub(e.EnqueuedAt)
}

// Durable is the SQLite-backed queue. Entries live in their own table so a
// failed job-row write cannot take the work marker down with it.
type Durable struct {
	pool *store.Pool
}

func NewDurable(ctx context.Context, pool *store.Pool) (*Durable, error) {
	q := &Durable{pool: pool}
	if err := q.migrate(ctx); err != nil {
		return nil, fmt.Errorf("migrate queue: %w", err)
	}
	return q, nil
}

func (q *Durable) migrate(ctx context.Context) error {
	h, err := q.acquire(ctx)
	if err != nil {
		return err
	}
	defer q.pool.Release(h)

	_, err = h.Conn().ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS queue_entries (
			job_id      TEXT PRIMARY KEY,
			owner_id    TEXT NOT NULL,
			source_ref  TEXT NOT NULL,
			enqueued_at DATETIME NOT NULL
		);
	`)
	return err
}

func (q *Durable) acquire(ctx context.Context) (*store.Handle, error) {
	h, err := q.pool.Acquire(ctx)
	if errors.Is(err, store.ErrPoolExhausted) {
		h, err = q.pool.Acquire(ctx)
	}
	return h, err
}

// Put records the entry, replacing any previous entry for the same job.
func (q *Durable) Put(ctx context.Context, e Entry) error {
	h, err := q.acquire(ctx)
	if err != nil {
		return err
	}
	defer q.pool.Release(h)

	if e.EnqueuedAt.IsZero() {
		e.EnqueuedAt = time.Now().UTC()
	}
	_, err = h.Conn().ExecContext(ctx, `
		INSERT OR REPLACE INTO queue_entries (job_id, owner_id, source_ref, enqueued_at)
		VALUES (?, ?, ?, ?)
	`, e.JobID, e.OwnerID, e.SourceRef, e.EnqueuedAt.UTC())
	if err != nil {
		return fmt.Errorf("enqueue job %s: %w", e.JobID, err)
	}
	return nil
}

// Remove deletes the entry for jobID. Removing a missing entry is a no-op.
func (q *Durable) Remove(ctx context.Context, jobID string) error {
	h, err := q.acquire(ctx)
	if err != nil {
		return err
	}
	defer q.pool.Release(h)

	if _, err := h.Conn().ExecContext(ctx,
		`DELETE FROM queue_entries WHERE job_id = ?`, jobID); err != nil {
		return fmt.Errorf("remove queue entry %s: %w", jobID, err)
	}
	return nil
}

// Has reports whether an entry exists for jobID.
func (q *Durable) Has(ctx context.Context, jobID string) (bool, error) {
	h, err := q.acquire(ctx)
	if err != nil {
		return false, err
	}
	defer q.pool.Release(h)

	var one int
	err = h.Conn().QueryRowContext(ctx,
		`SELECT 1 FROM queue_entries WHERE job_id = ?`, jobID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("check queue entry %s: %w", jobID, err)
	}
	return true, nil
}

// List returns all entries, oldest first.
func (q *Durable) List(ctx context.Context) ([]Entry, error) {
	h, err := q.acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer q.pool.Release(h)

	rows, err := h.Conn().QueryContext(ctx, `
		SELECT job_id, owner_id, source_ref, enqueued_at
		FROM queue_entries ORDER BY enqueued_at ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("list queue entries: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.JobID, &e.OwnerID, &e.SourceRef, &e.EnqueuedAt); err != nil {
			return nil, fmt.Errorf("scan queue entry: %w", err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate queue entries: %w", err)
	}
	return entries, nil
}
