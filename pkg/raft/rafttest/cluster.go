// Package rafttest is a test harness for pkg/raft, grounded on the
// teacher's pkg/testing/cluster.go TestCluster: an in-memory cluster of
// RaftProcess instances wired through pkg/transport/local, with the
// teacher's WaitForLeader/WaitForStableLeader polling idiom generalized to
// one lane at a time. The multi-lane-isolation scenario (spec §8) is
// covered by constructing one Cluster per lane, each with its own
// Transport. A Cluster runs no heartbeat loop (that is pkg/driver's job);
// followers hear from the leader only through replication.
package rafttest

import (
	"context"
	"fmt"
	"time"

	"github.com/lanraft/lanraft/pkg/kv"
	"github.com/lanraft/lanraft/pkg/raft"
	"github.com/lanraft/lanraft/pkg/storage/memstore"
	"github.com/lanraft/lanraft/pkg/transport/local"
)

// Cluster is a fixed-size, single-lane Raft cluster running entirely
// in-process over an in-memory transport and log/ballot stores.
type Cluster struct {
	Lane      raft.LaneID
	Transport *local.Transport
	NodeIDs   []raft.NodeID
	Procs     map[raft.NodeID]*raft.RaftProcess
	Stores    map[raft.NodeID]*kv.Store
}

// NewCluster builds a size-node cluster on lane over transport, or over a
// fresh one if transport is nil. Every Cluster names its nodes node-0,
// node-1, ..., so a second Cluster on the same Transport replaces the
// first one's registrations rather than adding a lane beside them.
// Snapshot proposals are disabled (see
// NewClusterWithSnapshotThreshold for scenarios that need them).
func NewCluster(ctx context.Context, size int, lane raft.LaneID, transport *local.Transport) (*Cluster, error) {
	return newCluster(ctx, size, lane, transport, 0)
}

// NewClusterWithSnapshotThreshold is NewCluster but with each node's
// Application (pkg/kv) proposing a new snapshot point every snapshotEach
// applied writes, for scenarios exercising log compaction and slow-follower
// catch-up via snapshot transfer (spec §8 scenario 4).
func NewClusterWithSnapshotThreshold(ctx context.Context, size int, lane raft.LaneID, transport *local.Transport, snapshotEach uint64) (*Cluster, error) {
	return newCluster(ctx, size, lane, transport, snapshotEach)
}

func newCluster(ctx context.Context, size int, lane raft.LaneID, transport *local.Transport, snapshotEach uint64) (*Cluster, error) {
	if transport == nil {
		transport = local.New()
	}

	ids := make([]raft.NodeID, size)
	for i := 0; i < size; i++ {
		ids[i] = raft.NodeID(fmt.Sprintf("node-%d", i))
	}
	membership := raft.NewMembership(ids...)

	c := &Cluster{
		Lane:      lane,
		Transport: transport,
		NodeIDs:   ids,
		Procs:     make(map[raft.NodeID]*raft.RaftProcess, size),
		Stores:    make(map[raft.NodeID]*kv.Store, size),
	}

	cfg := raft.DefaultConfig()
	cfg.ElectionMin = 60 * time.Millisecond
	cfg.ElectionMax = 120 * time.Millisecond
	cfg.ReadTimeout = 500 * time.Millisecond
	cfg.WriteTimeout = 500 * time.Millisecond

	for _, id := range ids {
		store := kv.New(snapshotEach)
		c.Stores[id] = store

		proc, err := raft.NewRaftProcess(ctx, id, lane, memstore.New(), memstore.New(), store, transport, membership, cfg)
		if err != nil {
			return nil, fmt.Errorf("rafttest: new process %s: %w", id, err)
		}
		c.Procs[id] = proc

		transport.Register(id, singleLaneNode{lane: lane, proc: proc})
	}
	return c, nil
}

// Start launches every node's background threads.
func (c *Cluster) Start(ctx context.Context) {
	for _, p := range c.Procs {
		p.Start(ctx)
	}
}

// Stop halts every node.
func (c *Cluster) Stop() {
	for _, p := range c.Procs {
		p.Stop()
	}
}

// Leader returns the one node currently believing itself Leader, or nil.
func (c *Cluster) Leader() *raft.RaftProcess {
	for _, p := range c.Procs {
		if p.IsLeader() {
			return p
		}
	}
	return nil
}

// WaitForLeader polls until exactly one node reports itself Leader.
func (c *Cluster) WaitForLeader(timeout time.Duration) (*raft.RaftProcess, error) {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		var leader *raft.RaftProcess
		count := 0
		for _, p := range c.Procs {
			if p.IsLeader() {
				leader = p
				count++
			}
		}
		if count == 1 {
			return leader, nil
		}
		time.Sleep(10 * time.Millisecond)
	}
	return nil, fmt.Errorf("rafttest: no leader elected within %s", timeout)
}

// WaitForStableLeader waits for a leader and confirms it holds for
// requiredStable consecutive 10ms polls, grounded on the teacher's
// WaitForStableLeader.
func (c *Cluster) WaitForStableLeader(timeout time.Duration) (*raft.RaftProcess, error) {
	const requiredStable = 10
	deadline := time.Now().Add(timeout)
	var leader *raft.RaftProcess
	stable := 0
	for time.Now().Before(deadline) {
		cur := c.Leader()
		if cur != nil && cur == leader {
			stable++
			if stable >= requiredStable {
				return leader, nil
			}
		} else {
			leader = cur
			stable = 0
		}
		time.Sleep(10 * time.Millisecond)
	}
	return nil, fmt.Errorf("rafttest: no stable leader within %s", timeout)
}

// Followers returns every node that is not the given leader.
func (c *Cluster) Followers(leader *raft.RaftProcess) []*raft.RaftProcess {
	out := make([]*raft.RaftProcess, 0, len(c.Procs)-1)
	for id, p := range c.Procs {
		if id != leader.NodeID() {
			out = append(out, p)
		}
	}
	return out
}

// singleLaneNode adapts one RaftProcess to local.Node, for a Cluster that
// only ever hosts one lane per node (see pkg/driver.Driver for the
// multi-lane equivalent).
type singleLaneNode struct {
	lane raft.LaneID
	proc *raft.RaftProcess
}

func (n singleLaneNode) HandleRequestVote(ctx context.Context, args *raft.RequestVoteArgs) (*raft.RequestVoteReply, error) {
	return n.proc.HandleRequestVote(ctx, args)
}

func (n singleLaneNode) HandleAppendEntries(ctx context.Context, args *raft.AppendEntriesArgs) (*raft.AppendEntriesReply, error) {
	return n.proc.HandleAppendEntries(ctx, args)
}

func (n singleLaneNode) HandleInstallSnapshotChunk(ctx context.Context, args *raft.InstallSnapshotChunk) (*raft.InstallSnapshotReply, error) {
	return n.proc.HandleInstallSnapshotChunk(ctx, args)
}

func (n singleLaneNode) HandleSendHeartbeat(ctx context.Context, args *raft.SendHeartbeat) (*raft.HeartbeatAck, error) {
	state, ok := args.LeaderCommitStates[n.lane]
	if !ok {
		return &raft.HeartbeatAck{}, nil
	}
	ack, err := n.proc.ObserveHeartbeat(ctx, state.LeaderTerm, args.LeaderID, state.LeaderCommitIndex)
	if err != nil {
		return nil, err
	}
	return &raft.HeartbeatAck{Acks: map[raft.LaneID]raft.HeartbeatLaneAck{n.lane: ack}}, nil
}

func (n singleLaneNode) HandleTimeoutNow(ctx context.Context, args *raft.TimeoutNowArgs) error {
	return n.proc.TimeoutNow(ctx, args.Term)
}
