package logpipeline

import (
	"context"
	"testing"

	"github.com/evsec-forge/deployctl/internal/model"
)

type fakeLogWriter struct {
	calls [][]model.LogEntry
	err   error
}

func (f *fakeLogWriter) InsertLogs(ctx context.Context, entries []model.LogEntry) error {
	f.calls = append(f.calls, entries)
	return f.err
}

func TestBatchWriterAutoFlushesAtBatchSize(t *testing.T) {
	store := &fakeLogWriter{}
	w := NewBatchWriter(1, store)
	w.batchSize = 3

	ctx := context.Background()
	w.Add(ctx, model.LogEntry{ID: 1})
	w.Add(ctx, model.LogEntry{ID: 2})
	if len(store.calls) != 0 {
		t.Fatalf("expected no flush before batch size reached, got %d calls", len(store.calls))
	}
	w.Add(ctx, model.LogEntry{ID: 3})
	if len(store.calls) != 1 || len(store.calls[0]) != 3 {
		t.Fatalf("expected one flush of 3 entries, got %+v", store.calls)
	}
}

func TestBatchWriterFlushIsNoopWhenEmpty(t *testing.T) {
	store := &fakeLogWriter{}
	w := NewBatchWriter(1, store)
	w.Flush(context.Background())
	if len(store.calls) != 0 {
		t.Fatalf("expected no InsertLogs call for an empty batch, got %d", len(store.calls))
	}
}

func TestBatchWriterFlushClearsPending(t *testing.T) {
	store := &fakeLogWriter{}
	w := NewBatchWriter(1, store)
	ctx := context.Background()

	w.Add(ctx, model.LogEntry{ID: 1})
	w.Flush(ctx)
	if len(store.calls) != 1 || len(store.calls[0]) != 1 {
		t.Fatalf("expected first flush to carry 1 entry, got %+v", store.calls)
	}

	w.Flush(ctx)
	if len(store.calls) != 1 {
		t.Fatalf("expected second flush with nothing pending to be a no-op, got %d calls", len(store.calls))
	}
}

func TestBatchWriterFlushErrorDoesNotPanic(t *testing.T) {
	store := &fakeLogWriter{err: errBoom}
	w := NewBatchWriter(1, store)
	w.Add(context.Background(), model.LogEntry{ID: 1})
	w.Flush(context.Background())
}

func TestBatchWriterShouldFlushReflectsPendingState(t *testing.T) {
	store := &fakeLogWriter{}
	w := NewBatchWriter(1, store)
	if w.ShouldFlush() {
		t.Fatal("expected ShouldFlush to be false with nothing pending")
	}
	w.Add(context.Background(), model.LogEntry{ID: 1})
	w.flushInterval = 0
	if !w.ShouldFlush() {
		t.Fatal("expected ShouldFlush to be true once interval has elapsed with pending entries")
	}
}

var errBoom = &batchTestError{"boom"}

type batchTestError struct{ msg string }

func (e *batchTestError) Error() string { return e.msg }
