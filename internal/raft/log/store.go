// Package log implements the Log Store: a persistent, ordered sequence of
// raft.Entry values plus the atomic Metadata record.
package log

import "raftcore/internal/raft"

// Store is the contract a durable log implementation must satisfy. All
// methods are internally synchronized and never acquire a Context lock, so
// a caller may invoke them while holding one.
type Store interface {
	// Append appends a batch to the tail. Entries must carry strictly
	// increasing indices equal to LastLogIndex()+1 .. LastLogIndex()+n.
	// The batch is fsync'd before Append returns successfully.
	Append(entries []raft.Entry) error

	// TruncateSuffix drops all entries with index > lastKeptIndex. Used
	// only to reconcile a follower's uncommitted tail with the leader's
	// history; a leader must never call this.
	TruncateSuffix(lastKeptIndex uint64) error

	// GetEntry performs a random-access read of a single entry.
	GetEntry(index uint64) (raft.Entry, error)

	// LastLogTermAndIndex returns (0, 0) when the log is empty.
	LastLogTermAndIndex() (term uint64, index uint64, err error)

	// LastLogIndex returns 0 when the log is empty.
	LastLogIndex() (uint64, error)

	// UpdateMetadata atomically and durably persists the voting record.
	UpdateMetadata(currentTerm uint64, votedForIP string, votedForPort uint16) error

	CurrentTerm() (uint64, error)
	VotedForIP() (string, error)
	VotedForPort() (uint16, error)

	// Close releases the underlying storage handle.
	Close() error
}
