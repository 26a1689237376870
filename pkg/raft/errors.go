package raft

import "errors"

// Wire error codes (spec §6.2), grounded on the original source's
// lolraft::Error enum.
var (
	ErrLeaderUnknown       = errors.New("raft: leader unknown")
	ErrPeerNotFound        = errors.New("raft: peer not found")
	ErrProcessNotFound     = errors.New("raft: process not found for lane")
	ErrEntryNotFound       = errors.New("raft: log entry not found")
	ErrBadLogState         = errors.New("raft: log state invariant violated")
	ErrBadReplicationStream = errors.New("raft: replication stream broken")
	ErrBadSnapshotChunk    = errors.New("raft: snapshot chunk out of order or malformed")
)

// Additional sentinels used by the process façade and membership path.
var (
	ErrNotLeader                = errors.New("raft: not the leader")
	ErrTimeout                  = errors.New("raft: operation timed out")
	ErrNodeStopped              = errors.New("raft: node has been stopped")
	ErrConfigChangePending      = errors.New("raft: a membership change is already pending")
	ErrNotVotingMember          = errors.New("raft: node is not a voting member")
)

// ErrorKind classifies an error per spec §7 so callers can decide whether to
// retry, drop the session, or halt the lane.
type ErrorKind int

const (
	KindTransient ErrorKind = iota
	KindProtocol
	KindSafety
	KindNotLeader
)

// Classify returns the ErrorKind spec §7 assigns to a known sentinel. Errors
// it does not recognize are treated as Transient, the safe default for
// retry-on-next-tick behavior.
func Classify(err error) ErrorKind {
	switch {
	case err == nil:
		return KindTransient
	case isAny(err, ErrNotLeader, ErrLeaderUnknown):
		return KindNotLeader
	case isAny(err, ErrBadLogState):
		return KindSafety
	case isAny(err, ErrBadReplicationStream, ErrBadSnapshotChunk, ErrEntryNotFound):
		return KindProtocol
	default:
		return KindTransient
	}
}

func isAny(err error, candidates ...error) bool {
	for _, c := range candidates {
		if errors.Is(err, c) {
			return true
		}
	}
	return false
}
