package logpipeline

import (
	"context"
	"sync"
	"time"

	"github.com/evsec-forge/deployctl/internal/journal"
	"github.com/evsec-forge/deployctl/internal/model"
)

// LogWriter is the durable-store side of the pipeline; store.Store
// satisfies it without this package importing store directly (it would
// otherwise create an import cycle through model).
type LogWriter interface {
	InsertLogs(ctx context.Context, entries []model.LogEntry) error
}

// defaultBatchSize and defaultFlushInterval are the thresholds from
// spec.md §4.1: flush at 50 pending entries or after 1 second, whichever
// comes first.
const (
	defaultBatchSize     = 50
	defaultFlushInterval = time.Second
)

// BatchWriter accumulates ring appends and flushes them to the durable
// store in a single transaction, so the ring stays the fast path for live
// observers while the store sees batched, ordered writes.
type BatchWriter struct {
	deploymentID  int64
	store         LogWriter
	batchSize     int
	flushInterval time.Duration

	mu         sync.Mutex
	pending    []model.LogEntry
	lastFlush  time.Time
}

// NewBatchWriter constructs a batch writer for one deployment.
func NewBatchWriter(deploymentID int64, store LogWriter) *BatchWriter {
	return &BatchWriter{
		deploymentID:  deploymentID,
		store:         store,
		batchSize:     defaultBatchSize,
		flushInterval: defaultFlushInterval,
		lastFlush:     time.Now(),
	}
}

// Add appends entry to the pending batch, auto-flushing if the batch size
// threshold is reached.
func (w *BatchWriter) Add(ctx context.Context, entry model.LogEntry) {
	w.mu.Lock()
	w.pending = append(w.pending, entry)
	shouldFlush := len(w.pending) >= w.batchSize
	w.mu.Unlock()

	if shouldFlush {
		w.Flush(ctx)
	}
}

// ShouldFlush reports whether the flush interval has elapsed with pending
// entries still unwritten; callers (e.g. a ticking goroutine) use this to
// drive time-based flushing.
func (w *BatchWriter) ShouldFlush() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.pending) > 0 && time.Since(w.lastFlush) >= w.flushInterval
}

// Flush writes all pending entries in one call. Per spec.md §7, a failure
// here must not fail the deployment: the ring already served live
// observers, so the loss is acceptable and only logged.
func (w *BatchWriter) Flush(ctx context.Context) {
	w.mu.Lock()
	batch := w.pending
	w.pending = nil
	w.lastFlush = time.Now()
	w.mu.Unlock()

	if len(batch) == 0 {
		return
	}

	if err := w.store.InsertLogs(ctx, batch); err != nil {
		journal.Error("log batch flush failed", err)
	}
}
