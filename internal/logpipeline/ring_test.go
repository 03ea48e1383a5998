package logpipeline

import (
	"testing"

	"github.com/evsec-forge/deployctl/internal/model"
)

func TestRingAppendAssignsAscendingIDs(t *testing.T) {
	r := NewRing()
	e1 := r.Append(1, model.LogInfo, "first")
	e2 := r.Append(1, model.LogInfo, "second")
	if e1.ID != 1 || e2.ID != 2 {
		t.Fatalf("expected ascending IDs starting at 1, got %d, %d", e1.ID, e2.ID)
	}
}

func TestRingOverflowDropsOldest(t *testing.T) {
	r := NewRing()
	for i := 0; i < RingCapacity+10; i++ {
		r.Append(1, model.LogInfo, "entry")
	}
	all := r.Snapshot(0, RingCapacity+10)
	if len(all) != RingCapacity {
		t.Fatalf("expected snapshot capped at capacity %d, got %d", RingCapacity, len(all))
	}
	if all[0].ID != 11 {
		t.Fatalf("expected oldest surviving entry to have ID 11, got %d", all[0].ID)
	}
}

func TestRingSubscribeReplaysExistingContents(t *testing.T) {
	r := NewRing()
	r.Append(1, model.LogInfo, "before-subscribe")

	ch := r.Subscribe()
	defer r.Unsubscribe(ch)

	select {
	case e := <-ch:
		if e.Content != "before-subscribe" {
			t.Fatalf("expected replay of existing entry, got %q", e.Content)
		}
	default:
		t.Fatal("expected replayed entry to be immediately available")
	}
}

func TestRingSubscribeReceivesLiveAppends(t *testing.T) {
	r := NewRing()
	ch := r.Subscribe()
	defer r.Unsubscribe(ch)

	r.Append(1, model.LogInfo, "live")

	select {
	case e := <-ch:
		if e.Content != "live" {
			t.Fatalf("expected live append content, got %q", e.Content)
		}
	default:
		t.Fatal("expected live append to be fanned out to subscriber")
	}
}

func TestRingUnsubscribeIsIdempotent(t *testing.T) {
	r := NewRing()
	ch := r.Subscribe()
	r.Unsubscribe(ch)
	r.Unsubscribe(ch) // must not panic
}

func TestRingSnapshotSinceIDReturnsOnlyNewerEntries(t *testing.T) {
	r := NewRing()
	r.Append(1, model.LogInfo, "a")
	second := r.Append(1, model.LogInfo, "b")
	r.Append(1, model.LogInfo, "c")

	out := r.Snapshot(second.ID, 10)
	if len(out) != 1 {
		t.Fatalf("expected exactly 1 entry after sinceID, got %d", len(out))
	}
	if out[0].Content != "c" {
		t.Fatalf("expected entry 'c', got %q", out[0].Content)
	}
}

func TestRingSnapshotZeroSinceIDReturnsMostRecent(t *testing.T) {
	r := NewRing()
	r.Append(1, model.LogInfo, "a")
	r.Append(1, model.LogInfo, "b")
	r.Append(1, model.LogInfo, "c")

	out := r.Snapshot(0, 2)
	if len(out) != 2 {
		t.Fatalf("expected 2 most recent entries, got %d", len(out))
	}
	if out[0].Content != "b" || out[1].Content != "c" {
		t.Fatalf("expected [b, c], got [%s, %s]", out[0].Content, out[1].Content)
	}
}
