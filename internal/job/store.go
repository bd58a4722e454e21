package job

import (
	"context"
	"time"
)

// Store persists and retrieves jobs. All reads and writes are scoped by
// (id, owner); a mismatched owner behaves exactly like a missing id.
type Store interface {
	Create(ctx context.Context, j *Job) error
	Get(ctx context.Context, id, ownerID string) (*Job, error)
	// Update merges the non-nil fields of u into the job. Returns ErrNotFound
	// when no row matches, which callers may treat as benign (job deleted).
	Update(ctx context.Context, id, ownerID string, u Update) error
	MarkProcessing(ctx context.Context, id, ownerID string) error
	// MarkPending re-enters a job into the pending state for a new processing
	// attempt. Clears started_at so staleness is measured from the next attempt.
	MarkPending(ctx context.Context, id, ownerID string) error
	Delete(ctx context.Context, id, ownerID string) error
	ListByOwner(ctx context.Context, ownerID string) ([]*Job, error)
	// ListByStatus returns jobs in the given status whose last relevant
	// timestamp (started_at when set, created_at otherwise) is older than minAge.
	ListByStatus(ctx context.Context, status Status, minAge time.Duration) ([]*Job, error)
}
