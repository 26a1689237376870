// Package local is an in-process raft.Transport, grounded on the teacher's
// pkg/rpc/transport.go LocalTransport: a registry of nodes addressed by
// raft.NodeID, with injectable latency and partition simulation for tests.
// Unlike the teacher's transport, which called straight into a single-lane
// *raft.Node, every request here carries a LaneID and is routed to whichever
// Node is registered under the target NodeID, which is expected to
// multiplex it across its hosted lanes (see pkg/driver.Driver).
package local

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/lanraft/lanraft/pkg/raft"
)

// Node is the subset of pkg/driver.Driver's inbound RPC surface this
// transport dispatches to. Declared here (rather than imported) so this
// package does not depend on pkg/driver.
type Node interface {
	HandleRequestVote(ctx context.Context, args *raft.RequestVoteArgs) (*raft.RequestVoteReply, error)
	HandleAppendEntries(ctx context.Context, args *raft.AppendEntriesArgs) (*raft.AppendEntriesReply, error)
	HandleInstallSnapshotChunk(ctx context.Context, args *raft.InstallSnapshotChunk) (*raft.InstallSnapshotReply, error)
	HandleSendHeartbeat(ctx context.Context, args *raft.SendHeartbeat) (*raft.HeartbeatAck, error)
	HandleTimeoutNow(ctx context.Context, args *raft.TimeoutNowArgs) error
}

// Transport is an in-memory raft.Transport over a closed set of Nodes
// sharing the same process, grounded on the teacher's LocalTransport.
type Transport struct {
	mu       sync.RWMutex
	nodes    map[raft.NodeID]Node
	disabled map[raft.NodeID]map[raft.NodeID]bool
	latency  time.Duration
}

// New returns an empty Transport with no simulated latency.
func New() *Transport {
	return &Transport{
		nodes:    make(map[raft.NodeID]Node),
		disabled: make(map[raft.NodeID]map[raft.NodeID]bool),
	}
}

// Register adds or replaces the Node addressed by id.
func (t *Transport) Register(id raft.NodeID, n Node) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.nodes[id] = n
}

// Unregister removes id, simulating a node leaving the process entirely.
func (t *Transport) Unregister(id raft.NodeID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.nodes, id)
}

// SetLatency applies a fixed artificial delay to every delivered RPC.
func (t *Transport) SetLatency(d time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.latency = d
}

// Partition makes every RPC between from and to (in both directions) fail,
// simulating a network split for fault-injection tests (spec §8 scenario
// "2-of-3 failure").
func (t *Transport) Partition(from, to raft.NodeID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.disconnectLocked(from, to)
	t.disconnectLocked(to, from)
}

// Disconnect makes RPCs from sender to target fail, one direction only.
func (t *Transport) Disconnect(from, to raft.NodeID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.disconnectLocked(from, to)
}

func (t *Transport) disconnectLocked(from, to raft.NodeID) {
	m, ok := t.disabled[from]
	if !ok {
		m = make(map[raft.NodeID]bool)
		t.disabled[from] = m
	}
	m[to] = true
}

// Connect heals the link from sender to target, one direction only.
func (t *Transport) Connect(from, to raft.NodeID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if m, ok := t.disabled[from]; ok {
		delete(m, to)
	}
}

// Heal reconnects from and to in both directions.
func (t *Transport) Heal(from, to raft.NodeID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if m, ok := t.disabled[from]; ok {
		delete(m, to)
	}
	if m, ok := t.disabled[to]; ok {
		delete(m, from)
	}
}

// HealAll clears every simulated partition.
func (t *Transport) HealAll() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.disabled = make(map[raft.NodeID]map[raft.NodeID]bool)
}

func (t *Transport) isConnected(from, to raft.NodeID) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if m, ok := t.disabled[from]; ok && m[to] {
		return false
	}
	return true
}

func (t *Transport) resolve(target raft.NodeID) (Node, time.Duration, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	n, ok := t.nodes[target]
	if !ok {
		return nil, 0, fmt.Errorf("local transport: %w: %s", raft.ErrProcessNotFound, target)
	}
	return n, t.latency, nil
}

// deliver resolves target and applies simulated latency before invoking fn.
// Partition checks happen in each exported method, since only there is the
// sender's NodeID available (it travels inside the request args, e.g.
// AppendEntriesArgs.LeaderID, rather than as a separate parameter).
// TimeoutNowArgs carries no sender, so TimeoutNow is delivered without one.
func (t *Transport) deliver(ctx context.Context, target raft.NodeID, fn func(Node) error) error {
	n, latency, err := t.resolve(target)
	if err != nil {
		return err
	}
	if latency > 0 {
		select {
		case <-time.After(latency):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return fn(n)
}

func (t *Transport) RequestVote(ctx context.Context, target raft.NodeID, args *raft.RequestVoteArgs) (*raft.RequestVoteReply, error) {
	if !t.isConnected(args.CandidateID, target) {
		return nil, fmt.Errorf("local transport: %s unreachable from %s", target, args.CandidateID)
	}
	var reply *raft.RequestVoteReply
	err := t.deliver(ctx, target, func(n Node) error {
		r, err := n.HandleRequestVote(ctx, args)
		reply = r
		return err
	})
	return reply, err
}

func (t *Transport) AppendEntries(ctx context.Context, target raft.NodeID, args *raft.AppendEntriesArgs) (*raft.AppendEntriesReply, error) {
	if !t.isConnected(args.LeaderID, target) {
		return nil, fmt.Errorf("local transport: %s unreachable from %s", target, args.LeaderID)
	}
	var reply *raft.AppendEntriesReply
	err := t.deliver(ctx, target, func(n Node) error {
		r, err := n.HandleAppendEntries(ctx, args)
		reply = r
		return err
	})
	return reply, err
}

func (t *Transport) InstallSnapshotChunk(ctx context.Context, target raft.NodeID, args *raft.InstallSnapshotChunk) (*raft.InstallSnapshotReply, error) {
	if !t.isConnected(args.LeaderID, target) {
		return nil, fmt.Errorf("local transport: %s unreachable from %s", target, args.LeaderID)
	}
	var reply *raft.InstallSnapshotReply
	err := t.deliver(ctx, target, func(n Node) error {
		r, err := n.HandleInstallSnapshotChunk(ctx, args)
		reply = r
		return err
	})
	return reply, err
}

func (t *Transport) SendHeartbeat(ctx context.Context, target raft.NodeID, args *raft.SendHeartbeat) (*raft.HeartbeatAck, error) {
	if !t.isConnected(args.LeaderID, target) {
		return nil, fmt.Errorf("local transport: %s unreachable from %s", target, args.LeaderID)
	}
	var reply *raft.HeartbeatAck
	err := t.deliver(ctx, target, func(n Node) error {
		r, err := n.HandleSendHeartbeat(ctx, args)
		reply = r
		return err
	})
	return reply, err
}

func (t *Transport) TimeoutNow(ctx context.Context, target raft.NodeID, args *raft.TimeoutNowArgs) error {
	return t.deliver(ctx, target, func(n Node) error {
		return n.HandleTimeoutNow(ctx, args)
	})
}

var _ raft.Transport = (*Transport)(nil)
