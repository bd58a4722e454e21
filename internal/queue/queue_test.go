package queue

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/meetscribe/meetscribe/internal/store"
)

func newTestQueue(t *testing.T) *Durable {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	pool := store.NewPool(db, 2, time.Second)
	t.Cleanup(pool.Close)

	q, err := NewDurable(context.Background(), pool)
	if err != nil {
		t.Fatalf("NewDurable: %v", err)
	}
	return q
}

func TestPutListRemove(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t)

	e := Entry{JobID: "job-1", OwnerID: "owner-1", SourceRef: "/uploads/a.mp3"}
	if err := q.Put(ctx, e); err != nil {
		t.Fatalf("Put: %v", err)
	}

	entries, err := q.List(ctx)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("List returned %d entries, want 1", len(entries))
	}
	got := entries[0]
	if got.JobID != "job-1" || got.OwnerID != "owner-1" || got.SourceRef != "/uploads/a.mp3" {
		t.Errorf("entry = %+v", got)
	}
	if got.EnqueuedAt.IsZero() {
		t.Error("EnqueuedAt not defaulted on Put")
	}

	if err := q.Remove(ctx, "job-1"); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	entries, err = q.List(ctx)
	if err != nil {
		t.Fatalf("List after remove: %v", err)
	}
	if len(entries) != 0 {
		t.Errorf("List returned %d entries after remove, want 0", len(entries))
	}
}

func TestRemove_MissingIsNoop(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t)

	if err := q.Remove(ctx, "never-enqueued"); err != nil {
		t.Fatalf("Remove on missing entry: %v", err)
	}
}

func TestPut_ReplacesExisting(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t)

	first := Entry{JobID: "job-1", OwnerID: "owner-1", SourceRef: "/uploads/a.mp3",
		EnqueuedAt: time.Now().UTC().Add(-time.Hour)}
	if err := q.Put(ctx, first); err != nil {
		t.Fatalf("Put first: %v", err)
	}
	second := Entry{JobID: "job-1", OwnerID: "owner-1", SourceRef: "/uploads/a.mp3"}
	if err := q.Put(ctx, second); err != nil {
		t.Fatalf("Put second: %v", err)
	}

	entries, err := q.List(ctx)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("List returned %d entries, want 1 (Put must replace)", len(entries))
	}
	if entries[0].Age(time.Now()) > time.Minute {
		t.Error("re-Put did not refresh EnqueuedAt")
	}
}

func TestHas(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t)

	ok, err := q.Has(ctx, "job-1")
	if err != nil {
		t.Fatalf("Has: %v", err)
	}
	if ok {
		t.Error("Has = true for missing entry")
	}

	if err := q.Put(ctx, Entry{JobID: "job-1", OwnerID: "o", SourceRef: "s"}); err != nil {
		t.Fatalf("Put: %v", err)
	}
	ok, err = q.Has(ctx, "job-1")
	if err != nil {
		t.Fatalf("Has: %v", err)
	}
	if !ok {
		t.Error("Has = false for existing entry")
	}
}

func TestList_OldestFirst(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t)

	now := time.Now().UTC()
	for _, e := range []Entry{
		{JobID: "new", OwnerID: "o", SourceRef: "s", EnqueuedAt: now},
		{JobID: "old", OwnerID: "o", SourceRef: "s", EnqueuedAt: now.Add(-2 * time.Hour)},
	} {
		if err := q.Put(ctx, e); err != nil {
			t.Fatalf("Put %s: %v", e.JobID, err)
		}
	}

	entries, err := q.List(ctx)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(entries) != 2 || entries[0].JobID != "old" {
		t.Fatalf("List order wrong: %+v", entries)
	}
}
