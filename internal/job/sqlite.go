package job

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/meetscribe/meetscribe/internal/store"
)

// SQLiteStore is a SQLite-backed implementation of Store. Every operation
// borrows a handle from the pool and returns it before the call completes;
// no handle is held across provider waits.
type SQLiteStore struct {
	pool *store.Pool
}

// NewSQLiteStore runs migrations and returns a store over pool.
func NewSQLiteStore(ctx context.Context, pool *store.Pool) (*SQLiteStore, error) {
	s := &SQLiteStore{pool: pool}
	if err := s.migrate(ctx); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) migrate(ctx context.Context) error {
	h, err := s.acquire(ctx)
	if err != nil {
		return err
	}
	defer s.pool.Release(h)

	_, err = h.Conn().ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS jobs (
			id               TEXT PRIMARY KEY,
			owner_id         TEXT NOT NULL,
			title            TEXT NOT NULL,
			source_ref       TEXT NOT NULL,
			status           TEXT NOT NULL DEFAULT 'pending',
			provider_job_id  TEXT NOT NULL DEFAULT '',
			result_text      TEXT NOT NULL DEFAULT '',
			duration_seconds INTEGER NOT NULL DEFAULT 0,
			speaker_count    INTEGER NOT NULL DEFAULT 0,
			summary_status   TEXT NOT NULL DEFAULT '',
			summary_text     TEXT NOT NULL DEFAULT '',
			created_at       DATETIME NOT NULL,
			started_at       DATETIME,
			completed_at     DATETIME
		);
		CREATE INDEX IF NOT EXISTS idx_jobs_owner      ON jobs(owner_id);
		CREATE INDEX IF NOT EXISTS idx_jobs_status     ON jobs(status);
		CREATE INDEX IF NOT EXISTS idx_jobs_created_at ON jobs(created_at);
	`)
	return err
}

// acquire borrows a pool handle, retrying once on exhaustion (spiky worker
// load drains the pool briefly; a single retry rides it out).
func (s *SQLiteStore) acquire(ctx context.Context) (*store.Handle, error) {
	h, err := s.pool.Acquire(ctx)
	if errors.Is(err, store.ErrPoolExhausted) {
		h, err = s.pool.Acquire(ctx)
	}
	return h, err
}

func (s *SQLiteStore) Create(ctx context.Context, j *Job) error {
	h, err := s.acquire(ctx)
	if err != nil {
		return err
	}
	defer s.pool.Release(h)

	_, err = h.Conn().ExecContext(ctx, `
		INSERT INTO jobs (id, owner_id, title, source_ref, status, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, j.ID, j.OwnerID, j.Title, j.SourceRef, StatusPending, j.CreatedAt.UTC())
	if err != nil {
		return fmt.Errorf("create job: %w", err)
	}
	return nil
}

const jobColumns = `id, owner_id, title, source_ref, status, provider_job_id,
	result_text, duration_seconds, speaker_count, summary_status, summary_text,
	created_at, started_at, completed_at`

func scanJob(row interface{ Scan(...any) error }) (*Job, error) {
	j := &Job{}
	var startedAt, completedAt sql.NullTime
	err := row.Scan(
		&j.ID, &j.OwnerID, &j.Title, &j.SourceRef, &j.Status, &j.ProviderJobID,
		&j.ResultText, &j.DurationSeconds, &j.SpeakerCount, &j.SummaryStatus,
		&j.SummaryText, &j.CreatedAt, &startedAt, &completedAt,
	)
	if err != nil {
		return nil, err
	}
	if startedAt.Valid {
		t := startedAt.Time
		j.StartedAt = &t
	}
	if completedAt.Valid {
		t := completedAt.Time
		j.CompletedAt = &t
	}
	return j, nil
}

func (s *SQLiteStore) Get(ctx context.Context, id, ownerID string) (*Job, error) {
	h, err := s.acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer s.pool.Release(h)

	row := h.Conn().QueryRowContext(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE id = ? AND owner_id = ?`, id, ownerID)

	j, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get job %s: %w", id, err)
	}
	return j, nil
}

func (s *SQLiteStore) Update(ctx context.Context, id, ownerID string, u Update) error {
	var sets []string
	var args []any

	if u.Status != nil {
		sets = append(sets, "status = ?")
		args = append(args, *u.Status)
		if u.Status.IsTerminal() {
			sets = append(sets, "completed_at = ?")
			args = append(args, time.Now().UTC())
		}
	}
	if u.ProviderJobID != nil {
		sets = append(sets, "provider_job_id = ?")
		args = append(args, *u.ProviderJobID)
	}
	if u.ResultText != nil {
		sets = append(sets, "result_text = ?")
		args = append(args, *u.ResultText)
	}
	if u.DurationSeconds != nil {
		sets = append(sets, "duration_seconds = ?")
		args = append(args, *u.DurationSeconds)
	}
	if u.SpeakerCount != nil {
		n := *u.SpeakerCount
		// Absence of detected speakers is stored as 1, never 0.
		if n < 1 {
			n = 1
		}
		sets = append(sets, "speaker_count = ?")
		args = append(args, n)
	}
	if u.SummaryStatus != nil {
		sets = append(sets, "summary_status = ?")
		args = append(args, *u.SummaryStatus)
	}
	if u.SummaryText != nil {
		sets = append(sets, "summary_text = ?")
		args = append(args, *u.SummaryText)
	}
	if len(sets) == 0 {
		return nil
	}
	args = append(args, id, ownerID)

	h, err := s.acquire(ctx)
	if err != nil {
		return err
	}
	defer s.pool.Release(h)

	res, err := h.Conn().ExecContext(ctx,
		`UPDATE jobs SET `+strings.Join(sets, ", ")+` WHERE id = ? AND owner_id = ?`, args...)
	if err != nil {
		return fmt.Errorf("update job %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update job %s: rows affected: %w", id, err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLiteStore) MarkProcessing(ctx context.Context, id, ownerID string) error {
	h, err := s.acquire(ctx)
	if err != nil {
		return err
	}
	defer s.pool.Release(h)

	res, err := h.Conn().ExecContext(ctx, `
		UPDATE jobs SET status = ?, started_at = ? WHERE id = ? AND owner_id = ?
	`, StatusProcessing, time.Now().UTC(), id, ownerID)
	if err != nil {
		return fmt.Errorf("mark processing for job %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLiteStore) MarkPending(ctx context.Context, id, ownerID string) error {
	h, err := s.acquire(ctx)
	if err != nil {
		return err
	}
	defer s.pool.Release(h)

	res, err := h.Conn().ExecContext(ctx, `
		UPDATE jobs SET status = ?, started_at = NULL, completed_at = NULL
		WHERE id = ? AND owner_id = ?
	`, StatusPending, id, ownerID)
	if err != nil {
		return fmt.Errorf("mark pending for job %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLiteStore) Delete(ctx context.Context, id, ownerID string) error {
	h, err := s.acquire(ctx)
	if err != nil {
		return err
	}
	defer s.pool.Release(h)

	res, err := h.Conn().ExecContext(ctx,
		`DELETE FROM jobs WHERE id = ? AND owner_id = ?`, id, ownerID)
	if err != nil {
		return fmt.Errorf("delete job %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLiteStore) ListByOwner(ctx context.Context, ownerID string) ([]*Job, error) {
	h, err := s.acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer s.pool.Release(h)

	rows, err := h.Conn().QueryContext(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE owner_id = ? ORDER BY created_at DESC`, ownerID)
	if err != nil {
		return nil, fmt.Errorf("list jobs for owner: %w", err)
	}
	defer rows.Close()
	return collectJobs(rows)
}

func (s *SQLiteStore) ListByStatus(ctx context.Context, status Status, minAge time.Duration) ([]*Job, error) {
	h, err := s.acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer s.pool.Release(h)

	cutoff := time.Now().UTC().Add(-minAge)
	rows, err := h.Conn().QueryContext(ctx, `
		SELECT `+jobColumns+` FROM jobs
		WHERE status = ? AND COALESCE(started_at, created_at) < ?
		ORDER BY created_at ASC
	`, status, cutoff)
	if err != nil {
		return nil, fmt.Errorf("list jobs by status %s: %w", status, err)
	}
	defer rows.Close()
	return collectJobs(rows)
}

func collectJobs(rows *sql.Rows) ([]*Job, error) {
	var jobs []*Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		jobs = append(jobs, j)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate jobs: %w", err)
	}
	return jobs, nil
}
