// Package ctlerr defines the small, shared error taxonomy used across the
// control plane. Components wrap stdlib errors with fmt.Errorf("...: %w")
// and one of these sentinels so callers can classify failures with
// errors.Is without a custom exception hierarchy.
package ctlerr

import "errors"

var (
	// ErrValidation covers bad inputs, missing configuration, environment
	// mismatches. Surfaced to API callers as 4xx; no side effects.
	ErrValidation = errors.New("validation error")

	// ErrAuth covers Git or SSH authentication refusal.
	ErrAuth = errors.New("authentication error")

	// ErrNetwork covers transport-level failures reaching a remote host.
	ErrNetwork = errors.New("network error")

	// ErrProtocol covers a remote host responding but the protocol
	// exchange failing (bad host key, unexpected SSH/Git response).
	ErrProtocol = errors.New("protocol error")

	// ErrNotFound covers missing remote branches, missing artifacts, and
	// similar "the referenced thing does not exist" failures.
	ErrNotFound = errors.New("not found")

	// ErrRemoteExec covers a non-zero exit status from a remote command.
	ErrRemoteExec = errors.New("remote command failed")

	// ErrBuild covers build-command failures, missing output directories,
	// and packaging failures.
	ErrBuild = errors.New("build error")

	// ErrProbeFailed covers a health check that exhausted its retries.
	ErrProbeFailed = errors.New("health probe failed")

	// ErrCancelled marks a deployment that was cooperatively cancelled.
	ErrCancelled = errors.New("cancelled")

	// ErrInternal covers unexpected failures inside the orchestrator that
	// don't fit another category.
	ErrInternal = errors.New("internal error")
)
