// Package raerr defines the error kinds used across the consensus core:
// safety-critical predicates never proceed on a storage error, network
// errors are always retried, and role regressions on a higher observed
// term are normal transitions, not errors.
package raerr

import "errors"

// Sentinel kinds. Callers use errors.Is against these; wrapped errors carry
// additional context via fmt.Errorf("...: %w", err).
var (
	// ErrNotFound is returned when a lookup (log entry, leader) has no
	// result.
	ErrNotFound = errors.New("raft: not found")

	// ErrCorruption indicates a log or metadata integrity failure. It is
	// fatal: the replica cannot safely continue operating.
	ErrCorruption = errors.New("raft: corruption")

	// ErrIO wraps a transient or permanent storage failure. It is fatal on
	// durability-critical paths (append, metadata update).
	ErrIO = errors.New("raft: io error")

	// ErrTimeout is returned by wait_apply and client-facing writes that do
	// not observe the expected progress within the deadline.
	ErrTimeout = errors.New("raft: timeout")

	// ErrNetwork is the kind for an unreachable peer. No code path in this
	// module returns it: a failed peer RPC surfaces as the transport's own
	// error, which the peer worker logs before the next heartbeat or
	// election round tries again. It is never surfaced to a client.
	ErrNetwork = errors.New("raft: network error")

	// ErrStopped is returned by operations invoked after Stop has been
	// called on the node.
	ErrStopped = errors.New("raft: stopped")
)
