// Package logpipeline implements the per-deployment log pipeline of
// spec.md §4.1: an in-memory ring buffer with pub/sub for live streaming,
// fed by every stage of the orchestrator, plus a batched writer that
// persists entries to the durable store without stalling producers.
package logpipeline

import (
	"sync"
	"time"

	"github.com/evsec-forge/deployctl/internal/model"
)

// RingCapacity is the fixed per-deployment ring size (spec.md §4.1).
const RingCapacity = 1000

// subscriberChanCapacity is the room a subscriber's channel keeps for live
// appends on top of a full replay; a subscriber whose channel is full when
// an append arrives is dropped per the "no back-pressure on producers" rule.
const subscriberChanCapacity = 256

// Ring is the in-memory log buffer for one deployment id. Capacity 1000;
// appends beyond capacity silently drop the oldest entry. Subscribe()
// replays the current contents before any later append reaches the new
// subscriber's channel.
type Ring struct {
	mu          sync.Mutex
	entries     []model.LogEntry
	start       int // index of the oldest entry within entries (ring offset)
	count       int
	nextID      int64
	subscribers map[chan model.LogEntry]struct{}
}

// NewRing constructs an empty ring buffer.
func NewRing() *Ring {
	return &Ring{
		entries:     make([]model.LogEntry, RingCapacity),
		subscribers: make(map[chan model.LogEntry]struct{}),
		nextID:      1,
	}
}

// Append adds a new entry and fans it out to every live subscriber. A
// subscriber whose channel is full is dropped silently (spec.md §4.1).
func (r *Ring) Append(deploymentID int64, level model.LogLevel, content string) model.LogEntry {
	r.mu.Lock()
	entry := model.LogEntry{
		ID:           r.nextID,
		DeploymentID: deploymentID,
		Level:        level,
		Content:      content,
		Timestamp:    time.Now().UTC(),
	}
	r.nextID++

	idx := (r.start + r.count) % RingCapacity
	if r.count < RingCapacity {
		r.count++
	} else {
		// Buffer full: overwrite the oldest slot and advance start.
		r.start = (r.start + 1) % RingCapacity
	}
	r.entries[idx] = entry

	subs := make([]chan model.LogEntry, 0, len(r.subscribers))
	for ch := range r.subscribers {
		subs = append(subs, ch)
	}
	r.mu.Unlock()

	for _, ch := range subs {
		select {
		case ch <- entry:
		default:
			r.mu.Lock()
			delete(r.subscribers, ch)
			r.mu.Unlock()
		}
	}
	return entry
}

// Subscribe registers a new subscriber channel, replays the current ring
// contents into it in order, and returns it. Appends that race the replay
// are serialized behind the same lock, so no entry is duplicated or lost.
func (r *Ring) Subscribe() chan model.LogEntry {
	ch := make(chan model.LogEntry, RingCapacity+subscriberChanCapacity)

	r.mu.Lock()
	defer r.mu.Unlock()

	for i := 0; i < r.count; i++ {
		idx := (r.start + i) % RingCapacity
		// The channel holds a full ring plus live headroom, so the replay
		// never blocks and never drops an entry.
		ch <- r.entries[idx]
	}
	r.subscribers[ch] = struct{}{}
	return ch
}

// Unsubscribe removes a subscriber. Safe to call more than once.
func (r *Ring) Unsubscribe(ch chan model.LogEntry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.subscribers, ch)
}

// Snapshot returns up to limit entries with ID > sinceID in ascending order.
// If sinceID is 0, it returns the most recent limit entries instead
// (spec.md §4.1 "Incremental fetch contract").
func (r *Ring) Snapshot(sinceID int64, limit int) []model.LogEntry {
	r.mu.Lock()
	defer r.mu.Unlock()

	all := make([]model.LogEntry, r.count)
	for i := 0; i < r.count; i++ {
		all[i] = r.entries[(r.start+i)%RingCapacity]
	}

	if sinceID > 0 {
		out := make([]model.LogEntry, 0, limit)
		for _, e := range all {
			if e.ID > sinceID {
				out = append(out, e)
				if len(out) == limit {
					break
				}
			}
		}
		return out
	}

	if len(all) <= limit {
		return all
	}
	return all[len(all)-limit:]
}
