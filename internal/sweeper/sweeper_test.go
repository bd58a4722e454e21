package sweeper

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/meetscribe/meetscribe/internal/job"
	"github.com/meetscribe/meetscribe/internal/queue"
	"github.com/meetscribe/meetscribe/internal/store"
)

type fakeDispatcher struct {
	mu   sync.Mutex
	jobs []string
}

func (f *fakeDispatcher) Dispatch(j *job.Job) {
	f.mu.Lock()
	f.jobs = append(f.jobs, j.ID)
	f.mu.Unlock()
}

func (f *fakeDispatcher) dispatched() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.jobs...)
}

func newTestEnv(t *testing.T) (job.Store, *queue.Durable) {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	pool := store.NewPool(db, 2, time.Second)
	t.Cleanup(pool.Close)

	s, err := job.NewSQLiteStore(context.Background(), pool)
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	q, err := queue.NewDurable(context.Background(), pool)
	if err != nil {
		t.Fatalf("NewDurable: %v", err)
	}
	return s, q
}

func newTestSweeper(s job.Store, q *queue.Durable, d Dispatcher) *Sweeper {
	return New(s, q, d, time.Minute, 30*time.Minute, 24*time.Hour)
}

func seedJob(t *testing.T, s job.Store, id string, status job.Status) *job.Job {
	t.Helper()
	j := &job.Job{
		ID:        id,
		OwnerID:   "owner-1",
		Title:     "weekly sync",
		SourceRef: "https://example.com/audio.mp3",
		Status:    status,
		CreatedAt: time.Now().UTC(),
	}
	if err := s.Create(context.Background(), j); err != nil {
		t.Fatalf("Create: %v", err)
	}
	return j
}

func enqueue(t *testing.T, q *queue.Durable, j *job.Job, enqueuedAt time.Time) {
	t.Helper()
	err := q.Put(context.Background(), queue.Entry{
		JobID:      j.ID,
		OwnerID:    j.OwnerID,
		SourceRef:  j.SourceRef,
		EnqueuedAt: enqueuedAt,
	})
	if err != nil {
		t.Fatalf("queue.Put: %v", err)
	}
}

func TestSweep_RedispatchesPendingEntry(t *testing.T) {
	ctx := context.Background()
	s, q := newTestEnv(t)
	d := &fakeDispatcher{}

	j := seedJob(t, s, "job-1", job.StatusPending)
	enqueue(t, q, j, time.Now().UTC())

	newTestSweeper(s, q, d).Sweep(ctx)

	if got := d.dispatched(); len(got) != 1 || got[0] != "job-1" {
		t.Errorf("dispatched = %v, want [job-1]", got)
	}
	has, _ := q.Has(ctx, "job-1")
	if !has {
		t.Error("queue entry removed; it must stay until the worker finishes")
	}
}

func TestSweep_DropsExpiredEntryWithoutDispatch(t *testing.T) {
	ctx := context.Background()
	s, q := newTestEnv(t)
	d := &fakeDispatcher{}

	j := seedJob(t, s, "job-1", job.StatusPending)
	enqueue(t, q, j, time.Now().UTC().Add(-25*time.Hour))

	newTestSweeper(s, q, d).Sweep(ctx)

	if got := d.dispatched(); len(got) != 0 {
		t.Errorf("dispatched = %v, want none for an expired entry", got)
	}
	has, _ := q.Has(ctx, "job-1")
	if has {
		t.Error("expired queue entry not removed")
	}
}

func TestSweep_DropsOrphanedEntry(t *testing.T) {
	ctx := context.Background()
	s, q := newTestEnv(t)
	d := &fakeDispatcher{}

	j := seedJob(t, s, "job-1", job.StatusPending)
	enqueue(t, q, j, time.Now().UTC())
	if err := s.Delete(ctx, "job-1", "owner-1"); err != nil {
		t.Fatalf("Delete: %v", err)
	}

	newTestSweeper(s, q, d).Sweep(ctx)

	if got := d.dispatched(); len(got) != 0 {
		t.Errorf("dispatched = %v, want none for an orphaned entry", got)
	}
	has, _ := q.Has(ctx, "job-1")
	if has {
		t.Error("orphaned queue entry not removed")
	}
}

func TestSweep_DropsEntryForFinishedJob(t *testing.T) {
	ctx := context.Background()
	s, q := newTestEnv(t)
	d := &fakeDispatcher{}

	j := seedJob(t, s, "job-1", job.StatusPending)
	enqueue(t, q, j, time.Now().UTC())
	status := job.StatusCompleted
	text := "Speaker A: done"
	if err := s.Update(ctx, "job-1", "owner-1", job.Update{Status: &status, ResultText: &text}); err != nil {
		t.Fatalf("Update: %v", err)
	}

	newTestSweeper(s, q, d).Sweep(ctx)

	if got := d.dispatched(); len(got) != 0 {
		t.Errorf("dispatched = %v, want none for a finished job", got)
	}
	has, _ := q.Has(ctx, "job-1")
	if has {
		t.Error("queue entry for finished job not removed")
	}
}

func TestSweep_RecoversStaleProcessingJob(t *testing.T) {
	ctx := context.Background()
	s, q := newTestEnv(t)
	d := &fakeDispatcher{}

	seedJob(t, s, "job-1", job.StatusPending)
	if err := s.MarkProcessing(ctx, "job-1", "owner-1"); err != nil {
		t.Fatalf("MarkProcessing: %v", err)
	}
	// No queue entry: the crash happened after the entry was removed, or the
	// entry write never landed.

	time.Sleep(20 * time.Millisecond)
	sw := New(s, q, d, time.Minute, 10*time.Millisecond, 24*time.Hour)
	sw.Sweep(ctx)

	got, err := s.Get(ctx, "job-1", "owner-1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Status != job.StatusPending {
		t.Errorf("Status = %q, want pending after recovery", got.Status)
	}
	has, _ := q.Has(ctx, "job-1")
	if !has {
		t.Error("recovered job has no queue entry")
	}
	if ids := d.dispatched(); len(ids) != 1 || ids[0] != "job-1" {
		t.Errorf("dispatched = %v, want [job-1]", ids)
	}
}

func TestSweep_StaleJobWithQueueEntryHandledOnce(t *testing.T) {
	ctx := context.Background()
	s, q := newTestEnv(t)
	d := &fakeDispatcher{}

	j := seedJob(t, s, "job-1", job.StatusPending)
	if err := s.MarkProcessing(ctx, "job-1", "owner-1"); err != nil {
		t.Fatalf("MarkProcessing: %v", err)
	}
	enqueue(t, q, j, time.Now().UTC())

	time.Sleep(20 * time.Millisecond)
	sw := New(s, q, d, time.Minute, 10*time.Millisecond, 24*time.Hour)
	sw.Sweep(ctx)

	// The queue pass dispatches it; the stale pass must not re-arm it again.
	if ids := d.dispatched(); len(ids) != 1 {
		t.Errorf("dispatched = %v, want exactly one dispatch", ids)
	}
	got, _ := s.Get(ctx, "job-1", "owner-1")
	if got.Status != job.StatusProcessing {
		t.Errorf("Status = %q, want processing left untouched", got.Status)
	}
}

func TestRun_SweepsOnInterval(t *testing.T) {
	s, q := newTestEnv(t)
	d := &fakeDispatcher{}

	j := seedJob(t, s, "job-1", job.StatusPending)
	enqueue(t, q, j, time.Now().UTC())

	sw := New(s, q, d, 5*time.Millisecond, time.Hour, 24*time.Hour)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go sw.Run(ctx)

	deadline := time.After(2 * time.Second)
	for len(d.dispatched()) == 0 {
		select {
		case <-deadline:
			t.Fatal("Run never swept the queue on its interval")
		case <-time.After(time.Millisecond):
		}
	}
}

func TestRun_StopsOnContextCancel(t *testing.T) {
	s, q := newTestEnv(t)
	d := &fakeDispatcher{}
	sw := New(s, q, d, time.Millisecond, time.Hour, 24*time.Hour)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		sw.Run(ctx)
		close(done)
	}()

	time.Sleep(10 * time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
