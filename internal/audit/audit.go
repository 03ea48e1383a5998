// Package audit is the stub collaborator for the out-of-core AuditLog
// entity (spec.md §3): the HTTP API layer calls Recorder on every
// mutating request, the orchestrator never calls it directly
// (SPEC_FULL.md §4.14).
package audit

import (
	"context"
	"strconv"
)

// Recorder records an operator action against a resource.
type Recorder interface {
	Record(ctx context.Context, userID int64, action, resourceKind string, resourceID int64, details, ip, userAgent string) error
}

// NoOp satisfies Recorder without persisting anything, so the core
// compiles and tests standalone without a real audit sink wired in.
type NoOp struct{}

func (NoOp) Record(ctx context.Context, userID int64, action, resourceKind string, resourceID int64, details, ip, userAgent string) error {
	return nil
}

// StoreRecorder persists through a store.Store-shaped collaborator,
// narrowed to the one method it needs.
type StoreRecorder struct {
	Store interface {
		RecordAudit(ctx context.Context, userID int64, action, detail string) error
	}
}

func (r StoreRecorder) Record(ctx context.Context, userID int64, action, resourceKind string, resourceID int64, details, ip, userAgent string) error {
	detail := resourceKind + "#" + strconv.FormatInt(resourceID, 10) + " " + details + " ip=" + ip + " ua=" + userAgent
	return r.Store.RecordAudit(ctx, userID, action, detail)
}
