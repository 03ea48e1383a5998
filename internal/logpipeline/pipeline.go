package logpipeline

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/evsec-forge/deployctl/internal/model"
)

// Registry owns the process-wide map from deployment id to its Ring and
// BatchWriter (one of the three global singletons noted in spec.md §9).
// Lifetime extends from first write until explicit Remove after the
// deployment reaches a terminal state.
type Registry struct {
	mu      sync.Mutex
	entries map[int64]*deploymentPipeline
	store   LogWriter
}

type deploymentPipeline struct {
	ring   *Ring
	writer *BatchWriter
}

// NewRegistry constructs a registry backed by store for durable writes.
func NewRegistry(store LogWriter) *Registry {
	return &Registry{entries: make(map[int64]*deploymentPipeline), store: store}
}

func (r *Registry) get(deploymentID int64) *deploymentPipeline {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.entries[deploymentID]
	if !ok {
		p = &deploymentPipeline{
			ring:   NewRing(),
			writer: NewBatchWriter(deploymentID, r.store),
		}
		r.entries[deploymentID] = p
	}
	return p
}

// StartFlushTicker drives the interval side of the flush threshold
// (spec.md §4.1: 50 entries or 1 second, whichever comes first) for every
// pipeline the registry currently holds. Batches below the size threshold
// would otherwise only reach the durable store on Remove's terminal
// flush; this sweeps them out as soon as they've sat for flushInterval.
// Runs until ctx is cancelled.
func (r *Registry) StartFlushTicker(ctx context.Context) {
	ticker := time.NewTicker(defaultFlushInterval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				r.flushDue(ctx)
			}
		}
	}()
}

func (r *Registry) flushDue(ctx context.Context) {
	r.mu.Lock()
	due := make([]*BatchWriter, 0, len(r.entries))
	for _, p := range r.entries {
		if p.writer.ShouldFlush() {
			due = append(due, p.writer)
		}
	}
	r.mu.Unlock()

	for _, w := range due {
		w.Flush(ctx)
	}
}

// Remove drops the pipeline for deploymentID, flushing any pending batch
// first. Call after the deployment reaches a terminal state.
func (r *Registry) Remove(ctx context.Context, deploymentID int64) {
	r.mu.Lock()
	p, ok := r.entries[deploymentID]
	delete(r.entries, deploymentID)
	r.mu.Unlock()

	if ok {
		p.writer.Flush(ctx)
	}
}

// Logger is the per-deployment facade every orchestrator stage writes
// through: it appends to the ring for immediate fan-out and queues the
// entry for batched persistence.
type Logger struct {
	deploymentID int64
	registry     *Registry
}

// Logger returns the logger for deploymentID, creating its pipeline on
// first use.
func (r *Registry) Logger(deploymentID int64) *Logger {
	r.get(deploymentID) // ensure pipeline exists
	return &Logger{deploymentID: deploymentID, registry: r}
}

func (l *Logger) log(ctx context.Context, level model.LogLevel, format string, args ...interface{}) {
	p := l.registry.get(l.deploymentID)
	msg := format
	if len(args) > 0 {
		msg = fmt.Sprintf(format, args...)
	}
	entry := p.ring.Append(l.deploymentID, level, msg)
	p.writer.Add(ctx, entry)
}

func (l *Logger) Debug(ctx context.Context, format string, args ...interface{}) {
	l.log(ctx, model.LogDebug, format, args...)
}

func (l *Logger) Info(ctx context.Context, format string, args ...interface{}) {
	l.log(ctx, model.LogInfo, format, args...)
}

func (l *Logger) Warning(ctx context.Context, format string, args ...interface{}) {
	l.log(ctx, model.LogWarning, format, args...)
}

func (l *Logger) Error(ctx context.Context, format string, args ...interface{}) {
	l.log(ctx, model.LogError, format, args...)
}

// Flush forces the pending batch for this deployment to the durable store.
// The orchestrator calls this on every terminal transition (spec.md §4.1).
func (l *Logger) Flush(ctx context.Context) {
	l.registry.get(l.deploymentID).writer.Flush(ctx)
}

// Subscribe opens a live stream against deploymentID, replaying the ring's
// current contents first. Use Unsubscribe to close it.
func (r *Registry) Subscribe(deploymentID int64) chan model.LogEntry {
	return r.get(deploymentID).ring.Subscribe()
}

// Unsubscribe closes a stream opened with Subscribe.
func (r *Registry) Unsubscribe(deploymentID int64, ch chan model.LogEntry) {
	r.get(deploymentID).ring.Unsubscribe(ch)
}

// Snapshot implements the incremental-fetch contract of spec.md §4.1.
func (r *Registry) Snapshot(deploymentID int64, sinceID int64, limit int) []model.LogEntry {
	return r.get(deploymentID).ring.Snapshot(sinceID, limit)
}

// KeepAliveInterval is the silence threshold after which Stream emits a
// keep-alive marker (spec.md §4.1 "Streaming contract").
const KeepAliveInterval = 30 * time.Second

// StreamEvent is one item yielded by Stream: either a log entry or a
// keep-alive marker (Entry is the zero value and KeepAlive is true).
type StreamEvent struct {
	Entry     model.LogEntry
	KeepAlive bool
}

// Stream drives observer fan-out for one subscriber until ctx is
// cancelled, sending events on the returned channel. The caller must drain
// the channel until it closes, at which point the subscription has been
// torn down.
func (r *Registry) Stream(ctx context.Context, deploymentID int64) <-chan StreamEvent {
	ch := r.Subscribe(deploymentID)
	out := make(chan StreamEvent)

	go func() {
		defer close(out)
		defer r.Unsubscribe(deploymentID, ch)

		timer := time.NewTimer(KeepAliveInterval)
		defer timer.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case entry, ok := <-ch:
				if !ok {
					return
				}
				if !timer.Stop() {
					<-timer.C
				}
				timer.Reset(KeepAliveInterval)
				select {
				case out <- StreamEvent{Entry: entry}:
				case <-ctx.Done():
					return
				}
			case <-timer.C:
				timer.Reset(KeepAliveInterval)
				select {
				case out <- StreamEvent{KeepAlive: true}:
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	return out
}
