// Package sweeper re-dispatches work that fell through the cracks: durable
// queue entries left behind by a crash, and jobs stuck in processing with no
// live worker.
package sweeper

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/meetscribe/meetscribe/internal/job"
	"github.com/meetscribe/meetscribe/internal/queue"
)

// Dispatcher starts a worker for a job. Dispatching a job that already has a
// worker must be a no-op.
type Dispatcher interface {
	Dispatch(j *job.Job)
}

// Sweeper periodically reconciles the durable queue and the job store.
type Sweeper struct {
	store      job.Store
	queue      *queue.Durable
	dispatcher Dispatcher

	interval    time.Duration
	staleAfter  time.Duration
	entryMaxAge time.Duration

	now func() time.Time
}

func New(store job.Store, q *queue.Durable, d Dispatcher, interval, staleAfter, entryMaxAge time.Duration) *Sweeper {
	return &Sweeper{
		store:       store,
		queue:       q,
		dispatcher:  d,
		interval:    interval,
		staleAfter:  staleAfter,
		entryMaxAge: entryMaxAge,
		now:         time.Now,
	}
}

// Run sweeps on every tick until ctx is cancelled. The startup crash-recovery
// pass is a separate, synchronous Sweep call made by the caller before the
// server accepts traffic.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Sweep(ctx)
		}
	}
}

// Sweep runs one reconciliation pass. Failures on individual jobs are logged
// and skipped; one bad row never stops the sweep.
func (s *Sweeper) Sweep(ctx context.Context) {
	s.sweepQueue(ctx)
	s.sweepStale(ctx)
}

// sweepQueue walks the durable queue: expired and orphaned entries are
// dropped, live ones are re-dispatched.
func (s *Sweeper) sweepQueue(ctx context.Context) {
	entries, err := s.queue.List(ctx)
	if err != nil {
		slog.Error("sweep: list queue entries", "error", err)
		return
	}

	now := s.now()
	for _, e := range entries {
		log := slog.With("job_id", e.JobID)

		if age := e.Age(now); age > s.entryMaxAge {
			log.Warn("sweep: dropping expired queue entry", "age", age.Round(time.Second))
			s.drop(ctx, e.JobID)
			continue
		}

		j, err := s.store.Get(ctx, e.JobID, e.OwnerID)
		if errors.Is(err, job.ErrNotFound) {
			log.Info("sweep: dropping orphaned queue entry")
			s.drop(ctx, e.JobID)
			continue
		}
		if err != nil {
			log.Error("sweep: load job", "error", err)
			continue
		}
		if j.Status.IsTerminal() {
			log.Info("sweep: dropping entry for finished job", "status", j.Status)
			s.drop(ctx, e.JobID)
			continue
		}

		log.Info("sweep: re-dispatching queued job", "status", j.Status)
		s.dispatcher.Dispatch(j)
	}
}

// sweepStale finds processing jobs whose attempt started long ago and whose
// queue entry is gone, re-arms them as pending and dispatches a fresh attempt.
func (s *Sweeper) sweepStale(ctx context.Context) {
	stale, err := s.store.ListByStatus(ctx, job.StatusProcessing, s.staleAfter)
	if err != nil {
		slog.Error("sweep: list stale jobs", "error", err)
		return
	}

	for _, j := range stale {
		log := slog.With("job_id", j.ID)

		// An entry in the queue means the first pass already handled it.
		has, err := s.queue.Has(ctx, j.ID)
		if err != nil {
			log.Error("sweep: check queue entry", "error", err)
			continue
		}
		if has {
			continue
		}

		if err := s.store.MarkPending(ctx, j.ID, j.OwnerID); err != nil {
			if !errors.Is(err, job.ErrNotFound) {
				log.Error("sweep: re-arm stale job", "error", err)
			}
			continue
		}
		if err := s.queue.Put(ctx, queue.Entry{
			JobID:     j.ID,
			OwnerID:   j.OwnerID,
			SourceRef: j.SourceRef,
		}); err != nil {
			log.Error("sweep: re-enqueue stale job", "error", err)
			continue
		}

		log.Warn("sweep: recovering stale processing job")
		j.Status = job.StatusPending
		s.dispatcher.Dispatch(j)
	}
}

func (s *Sweeper) drop(ctx context.Context, jobID string) {
	if err := s.queue.Remove(ctx, jobID); err != nil {
		slog.Error("sweep: remove queue entry", "job_id", jobID, "error", err)
	}
}
