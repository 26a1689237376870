package raft

import "context"

// LogStore is the persistent ordered map from index to LogEntry that backs
// one lane. All operations are fallible and expected to block on I/O;
// callers pass a context so they can be canceled like any other suspension
// point in the cooperative concurrency model (spec §5).
//
// LogStore is OUT OF SCOPE as a production deliverable (spec §1): this
// package only depends on the interface. See pkg/storage for reference
// implementations.
type LogStore interface {
	// InsertEntry idempotently overwrites the entry at index i.
	InsertEntry(ctx context.Context, i uint64, e LogEntry) error
	// DeleteEntry removes the single entry at index i, if present.
	DeleteEntry(ctx context.Context, i uint64) error
	// DeleteEntriesBefore removes all entries with index < i.
	DeleteEntriesBefore(ctx context.Context, i uint64) error
	// DeleteEntriesFrom atomically removes all entries with index >= i,
	// the leader-side truncate-suffix operation used during replication
	// conflict resolution.
	DeleteEntriesFrom(ctx context.Context, i uint64) error
	// GetEntry returns the entry at index i, or ok=false if absent.
	GetEntry(ctx context.Context, i uint64) (e LogEntry, ok bool, err error)
	// GetHeadIndex returns the lowest retained index, or 0 if empty.
	GetHeadIndex(ctx context.Context) (uint64, error)
	// GetLastIndex returns the highest retained index, or 0 if empty.
	GetLastIndex(ctx context.Context) (uint64, error)
}

// BallotStore is the durable term/vote cell for one lane.
type BallotStore interface {
	// SaveBallot must be durable on return.
	SaveBallot(ctx context.Context, b Ballot) error
	// LoadBallot returns the last durably saved ballot, or the zero ballot
	// ({0, nil}) on first boot.
	LoadBallot(ctx context.Context) (Ballot, error)
}

// SnapshotStream is a restartable, finite sequence of byte chunks used to
// transfer a snapshot to a lagging follower (spec §9 "Snapshot streaming").
type SnapshotStream interface {
	// Next returns the next chunk and whether more chunks follow it. A
	// stream with zero bytes still yields exactly one chunk (possibly
	// empty) with more=false, so callers can always send a Last frame.
	Next(ctx context.Context) (chunk []byte, more bool, err error)
	Close() error
}

// Application is the deterministic state machine the embedder supplies.
// OUT OF SCOPE as a production deliverable (spec §1); the core depends only
// on this interface. See pkg/kv for a reference implementation used by
// tests and the example binary.
type Application interface {
	// ProcessWrite applies cmd, committed at entryIndex, exactly once in
	// index order, and returns the response to relay to the client.
	ProcessWrite(ctx context.Context, cmd []byte, entryIndex uint64) ([]byte, error)
	// ProcessRead is pure with respect to committed state. The caller must
	// have already verified leadership for the read's lease epoch.
	ProcessRead(ctx context.Context, cmd []byte) ([]byte, error)
	// InstallSnapshot replaces the Application's state with the snapshot
	// previously accepted at snapshotIndex (or the initial state at index 1).
	InstallSnapshot(ctx context.Context, snapshotIndex uint64) error
	// SaveSnapshot consumes a chunked transfer and commits it at
	// snapshotIndex; a subsequent InstallSnapshot makes it live.
	SaveSnapshot(ctx context.Context, snapshotIndex uint64, stream SnapshotStream) error
	// OpenSnapshot opens the snapshot at snapshotIndex for chunked transfer
	// to a follower.
	OpenSnapshot(ctx context.Context, snapshotIndex uint64) (SnapshotStream, error)
	// ProposeNewSnapshot is an advisory hint: the Application suggests the
	// highest index it would be content to have snapshotted.
	ProposeNewSnapshot(ctx context.Context) (uint64, error)
	// DeleteSnapshotsBefore reclaims snapshots no longer reachable.
	DeleteSnapshotsBefore(ctx context.Context, i uint64) error
}
