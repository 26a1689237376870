package raft

import "context"

// Transport is what Peers and Voter use to reach a remote node. It is
// OUT OF SCOPE as a production deliverable (spec §1: "only message shapes
// matter"); package driver multiplexes one Transport across every lane
// hosted on a node and reuses connections, and package transport/local and
// transport/grpcraft provide reference implementations.
type Transport interface {
	RequestVote(ctx context.Context, target NodeID, args *RequestVoteArgs) (*RequestVoteReply, error)
	AppendEntries(ctx context.Context, target NodeID, args *AppendEntriesArgs) (*AppendEntriesReply, error)
	InstallSnapshotChunk(ctx context.Context, target NodeID, args *InstallSnapshotChunk) (*InstallSnapshotReply, error)
	SendHeartbeat(ctx context.Context, target NodeID, args *SendHeartbeat) (*HeartbeatAck, error)
	TimeoutNow(ctx context.Context, target NodeID, args *TimeoutNowArgs) error
}
