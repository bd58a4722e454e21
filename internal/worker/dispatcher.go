// Package worker supervises one background worker per active transcription
// job: mark processing, submit, poll to completion, persist the terminal
// state, clear the durable queue entry.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/meetscribe/meetscribe/internal/job"
	"github.com/meetscribe/meetscribe/internal/queue"
	"github.com/meetscribe/meetscribe/internal/transcribe"
)

// Driver is the transcription provider boundary consumed by workers.
type Driver interface {
	Submit(ctx context.Context, sourceRef string) (string, error)
	Await(ctx context.Context, providerJobID string) (*transcribe.Result, error)
}

// Summarizer is an optional downstream step triggered after completion.
type Summarizer interface {
	Generate(ctx context.Context, jobID, ownerID string)
}

// Dispatcher runs workers. Workers are fire-and-forget for the caller but
// tracked here: Wait blocks until every running worker has finished, and a
// per-job guard keeps at most one active worker per job id. Total concurrency
// is capped by a fixed number of slots.
type Dispatcher struct {
	store      job.Store
	queue      *queue.Durable
	driver     Driver
	summarizer Summarizer // nil disables summary generation
	uploadsDir string

	baseCtx context.Context
	slots   chan struct{}
	wg      sync.WaitGroup

	mu     sync.Mutex
	active map[string]bool
}

// New creates a Dispatcher running workers under ctx. ctx should outlive
// request handling; workers are not cancellable once started.
func New(ctx context.Context, store job.Store, q *queue.Durable, driver Driver, summarizer Summarizer, uploadsDir string, maxWorkers int) *Dispatcher {
	if maxWorkers < 1 {
		maxWorkers = 1
	}
	return &Dispatcher{
		store:      store,
		queue:      q,
		driver:     driver,
		summarizer: summarizer,
		uploadsDir: uploadsDir,
		baseCtx:    ctx,
		slots:      make(chan struct{}, maxWorkers),
		active:     make(map[string]bool),
	}
}

// Dispatch starts a worker for j and returns immediately. A job that already
// has an active worker is left alone.
func (d *Dispatcher) Dispatch(j *job.Job) {
	d.mu.Lock()
	if d.active[j.ID] {
		d.mu.Unlock()
		return
	}
	d.active[j.ID] = true
	d.mu.Unlock()

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		defer func() {
			d.mu.Lock()
			delete(d.active, j.ID)
			d.mu.Unlock()
		}()

		d.slots <- struct{}{}
		defer func() { <-d.slots }()

		d.process(j)
	}()
}

// Wait blocks until all running workers have finished.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}

func (d *Dispatcher) process(j *job.Job) {
	ctx := d.baseCtx
	log := slog.With("job_id", j.ID, "owner_id", j.OwnerID)

	// A missing local file fails fast, before any provider call.
	src, local := d.resolveSource(j.SourceRef)
	if local {
		if _, err := os.Stat(src); err != nil {
			log.Error("audio file missing", "path", src)
			d.fail(ctx, j, fmt.Sprintf("audio file not found: %s", src))
			return
		}
	}

	if err := d.store.MarkProcessing(ctx, j.ID, j.OwnerID); err != nil {
		if errors.Is(err, job.ErrNotFound) {
			// Deleted between dispatch and start; drop the queue entry too.
			log.Info("job gone before processing, dropping")
			d.removeEntry(ctx, j.ID)
			return
		}
		log.Error("mark processing", "error", err)
		d.fail(ctx, j, fmt.Sprintf("failed to mark job processing: %v", err))
		return
	}

	// A recovered job that already holds a provider id resumes polling
	// instead of re-submitting the audio.
	providerID := j.ProviderJobID
	if providerID == "" {
		id, err := d.driver.Submit(ctx, src)
		if err != nil {
			log.Error("submit", "error", err)
			d.fail(ctx, j, err.Error())
			return
		}
		providerID = id

		if err := d.store.Update(ctx, j.ID, j.OwnerID, job.Update{ProviderJobID: &providerID}); err != nil {
			if errors.Is(err, job.ErrNotFound) {
				log.Info("job deleted after submit, dropping")
				d.removeEntry(ctx, j.ID)
				return
			}
			log.Error("persist provider job id", "error", err)
		}
		log.Info("transcription submitted", "provider_job_id", providerID)
	} else {
		log.Info("resuming transcription", "provider_job_id", providerID)
	}

	res, err := d.driver.Await(ctx, providerID)
	if err != nil {
		log.Error("await transcription", "error", err)
		d.fail(ctx, j, err.Error())
		return
	}

	d.finalize(ctx, j, res)
}

// finalize writes the terminal state. The completed update carries the text
// and metadata in the same store operation, so a reader never observes
// status=completed without result_text.
func (d *Dispatcher) finalize(ctx context.Context, j *job.Job, res *transcribe.Result) {
	log := slog.With("job_id", j.ID)

	var u job.Update
	switch res.Status {
	case job.StatusCompleted:
		u = job.Update{
			Status:          statusPtr(job.StatusCompleted),
			ResultText:      &res.Text,
			DurationSeconds: &res.DurationSeconds,
			SpeakerCount:    &res.SpeakerCount,
		}
	case job.StatusTimeout:
		msg := res.ErrorMessage
		u = job.Update{Status: statusPtr(job.StatusTimeout), ResultText: &msg}
	default:
		msg := "transcription failed: " + res.ErrorMessage
		u = job.Update{Status: statusPtr(job.StatusError), ResultText: &msg}
	}

	if err := d.store.Update(ctx, j.ID, j.OwnerID, u); err != nil && !errors.Is(err, job.ErrNotFound) {
		log.Error("write terminal status", "status", res.Status, "error", err)
		// The queue entry stays; the sweeper retries this job.
		return
	}
	d.removeEntry(ctx, j.ID)
	log.Info("job finished", "status", res.Status)

	// The summary runs outside the worker slot so its retries never hold up
	// queued transcriptions; Wait still drains it on shutdown.
	if res.Status == job.StatusCompleted && d.summarizer != nil {
		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			d.summarizer.Generate(ctx, j.ID, j.OwnerID)
		}()
	}
}

// fail converts any worker failure into a terminal error status with a
// human-readable diagnostic. Nothing propagates to the submission path.
func (d *Dispatcher) fail(ctx context.Context, j *job.Job, diagnostic string) {
	u := job.Update{Status: statusPtr(job.StatusError), ResultText: &diagnostic}
	if err := d.store.Update(ctx, j.ID, j.OwnerID, u); err != nil && !errors.Is(err, job.ErrNotFound) {
		slog.Error("write error status", "job_id", j.ID, "error", err)
		return
	}
	d.removeEntry(ctx, j.ID)
}

func (d *Dispatcher) removeEntry(ctx context.Context, jobID string) {
	if err := d.queue.Remove(ctx, jobID); err != nil {
		slog.Error("remove queue entry", "job_id", jobID, "error", err)
	}
}

// resolveSource maps a source ref to either a remote URL (local=false) or a
// filesystem path (local=true). Refs under /uploads/ resolve into the
// configured uploads directory.
func (d *Dispatcher) resolveSource(ref string) (string, bool) {
	if strings.HasPrefix(ref, "http://") || strings.HasPrefix(ref, "https://") {
		return ref, false
	}
	if rest, ok := strings.CutPrefix(ref, "/uploads/"); ok {
		return filepath.Join(d.uploadsDir, rest), true
	}
	return ref, true
}

func statusPtr(s job.Status) *job.Status { return &s }
