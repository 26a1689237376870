// Package driver hosts every lane a node participates in and owns the one
// concern package raft deliberately does not know about: the heartbeat
// multiplexer that lets N independent Raft groups between the same pair of
// nodes share a single physical heartbeat RPC per tick instead of N
// (spec §2 item 10, §4.8 "heartbeat"). It is grounded on the original
// source's lolraft::communicator::heartbeat_multiplex, which buffers each
// lane's (leader_term, leader_commit_index) and drains the buffer into one
// SendHeartbeat per peer on a fixed tick.
package driver

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/lanraft/lanraft/pkg/raft"
)

// LaneConfig bundles the collaborators needed to host one lane.
type LaneConfig struct {
	LogStore    raft.LogStore
	BallotStore raft.BallotStore
	App         raft.Application
	Membership  raft.Membership
	Config      raft.Config
}

// Driver is the multi-lane host for one physical node: it owns every
// RaftProcess local to this node, routes inbound RPCs to the right lane,
// and runs the one background loop package raft does not: the heartbeat
// multiplexer (spec §4.8, "heartbeat" row, "owned by the Driver").
type Driver struct {
	nodeID    raft.NodeID
	transport raft.Transport

	mu    sync.RWMutex
	lanes map[raft.LaneID]*raft.RaftProcess

	heartbeatInterval time.Duration
	hbCancel          context.CancelFunc
	hbDone            chan struct{}
}

// New returns a Driver with no lanes yet started. transport is the
// outbound Transport shared by every lane hosted here (package
// transport/local or transport/grpcraft).
func New(nodeID raft.NodeID, transport raft.Transport, heartbeatInterval time.Duration) *Driver {
	if heartbeatInterval <= 0 {
		heartbeatInterval = 300 * time.Millisecond
	}
	return &Driver{
		nodeID:            nodeID,
		transport:         transport,
		lanes:             make(map[raft.LaneID]*raft.RaftProcess),
		heartbeatInterval: heartbeatInterval,
	}
}

// NodeID returns the identity this Driver answers RPCs as.
func (d *Driver) NodeID() raft.NodeID { return d.nodeID }

// AddLane constructs and starts a new RaftProcess for lane, using this
// Driver's shared transport. It is an error to add a lane id twice.
func (d *Driver) AddLane(ctx context.Context, lane raft.LaneID, cfg LaneConfig) (*raft.RaftProcess, error) {
	d.mu.Lock()
	if _, exists := d.lanes[lane]; exists {
		d.mu.Unlock()
		return nil, fmt.Errorf("driver: lane %d already hosted on %s", lane, d.nodeID)
	}
	d.mu.Unlock()

	proc, err := raft.NewRaftProcess(ctx, d.nodeID, lane, cfg.LogStore, cfg.BallotStore, cfg.App, d.transport, cfg.Membership, cfg.Config)
	if err != nil {
		return nil, fmt.Errorf("driver: add lane %d: %w", lane, err)
	}

	d.mu.Lock()
	d.lanes[lane] = proc
	d.mu.Unlock()

	proc.Start(ctx)
	return proc, nil
}

// Lane returns the RaftProcess hosting lane, if any.
func (d *Driver) Lane(lane raft.LaneID) (*raft.RaftProcess, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	p, ok := d.lanes[lane]
	return p, ok
}

// Lanes returns every lane id currently hosted.
func (d *Driver) Lanes() []raft.LaneID {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]raft.LaneID, 0, len(d.lanes))
	for id := range d.lanes {
		out = append(out, id)
	}
	return out
}

// Start launches the heartbeat multiplexer thread. Each lane's own ten
// threads are already running since AddLane starts them.
func (d *Driver) Start(ctx context.Context) {
	hbCtx, cancel := context.WithCancel(ctx)
	d.hbCancel = cancel
	d.hbDone = make(chan struct{})
	go func() {
		defer close(d.hbDone)
		d.runHeartbeatLoop(hbCtx)
	}()
}

// Stop halts the heartbeat thread and every hosted lane.
func (d *Driver) Stop() {
	if d.hbCancel != nil {
		d.hbCancel()
		<-d.hbDone
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	for _, p := range d.lanes {
		p.Stop()
	}
}

func (d *Driver) runHeartbeatLoop(ctx context.Context) {
	t := time.NewTicker(d.heartbeatInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			d.tickHeartbeat(ctx)
		}
	}
}

// tickHeartbeat is the multiplexer's one tick (spec §4.6, §9): for every
// lane this node currently leads, gather its peers' commit state into one
// buffer per destination peer, then fire a single SendHeartbeat RPC per
// peer carrying every lane's state at once.
func (d *Driver) tickHeartbeat(ctx context.Context) {
	buffer := make(map[raft.NodeID]map[raft.LaneID]raft.LeaderCommitState)

	d.mu.RLock()
	for laneID, p := range d.lanes {
		if !p.IsLeader() {
			continue
		}
		state := raft.LeaderCommitState{LeaderTerm: p.Term(), LeaderCommitIndex: p.CommitIndex()}
		for _, peer := range p.Membership().Sorted() {
			if peer == d.nodeID {
				continue
			}
			perPeer, ok := buffer[peer]
			if !ok {
				perPeer = make(map[raft.LaneID]raft.LeaderCommitState)
				buffer[peer] = perPeer
			}
			perPeer[laneID] = state
		}
	}
	d.mu.RUnlock()

	var wg sync.WaitGroup
	for peer, states := range buffer {
		wg.Add(1)
		go func(peer raft.NodeID, states map[raft.LaneID]raft.LeaderCommitState) {
			defer wg.Done()
			d.sendHeartbeatTo(ctx, peer, states)
		}(peer, states)
	}
	wg.Wait()
}

func (d *Driver) sendHeartbeatTo(ctx context.Context, peer raft.NodeID, states map[raft.LaneID]raft.LeaderCommitState) {
	ack, err := d.transport.SendHeartbeat(ctx, peer, &raft.SendHeartbeat{LeaderID: d.nodeID, LeaderCommitStates: states})
	if err != nil {
		return // transient; the next tick retries
	}
	_ = ack // per-lane acks are informational here; ObserveHeartbeat on the
	// receiving side is what actually advances that lane's state. A future
	// extension could feed ack.Acks back into lane-local metrics.
}

// HandleRequestVote, HandleAppendEntries, HandleInstallSnapshotChunk,
// HandleSendHeartbeat and HandleTimeoutNow implement transport/local.Node
// (and back transport/grpcraft's server), routing each inbound RPC to the
// lane named by its Lane field.

func (d *Driver) HandleRequestVote(ctx context.Context, args *raft.RequestVoteArgs) (*raft.RequestVoteReply, error) {
	p, ok := d.Lane(args.Lane)
	if !ok {
		return nil, fmt.Errorf("driver: %w: lane %d", raft.ErrProcessNotFound, args.Lane)
	}
	return p.HandleRequestVote(ctx, args)
}

func (d *Driver) HandleAppendEntries(ctx context.Context, args *raft.AppendEntriesArgs) (*raft.AppendEntriesReply, error) {
	p, ok := d.Lane(args.Lane)
	if !ok {
		return nil, fmt.Errorf("driver: %w: lane %d", raft.ErrProcessNotFound, args.Lane)
	}
	return p.HandleAppendEntries(ctx, args)
}

func (d *Driver) HandleInstallSnapshotChunk(ctx context.Context, args *raft.InstallSnapshotChunk) (*raft.InstallSnapshotReply, error) {
	p, ok := d.Lane(args.Lane)
	if !ok {
		return nil, fmt.Errorf("driver: %w: lane %d", raft.ErrProcessNotFound, args.Lane)
	}
	return p.HandleInstallSnapshotChunk(ctx, args)
}

// HandleSendHeartbeat fans a multiplexed heartbeat back out to every lane it
// names that this node also hosts, and collects one ack per lane.
func (d *Driver) HandleSendHeartbeat(ctx context.Context, args *raft.SendHeartbeat) (*raft.HeartbeatAck, error) {
	acks := make(map[raft.LaneID]raft.HeartbeatLaneAck, len(args.LeaderCommitStates))
	for laneID, state := range args.LeaderCommitStates {
		p, ok := d.Lane(laneID)
		if !ok {
			continue // this node does not host that lane; silently skip
		}
		ack, err := p.ObserveHeartbeat(ctx, state.LeaderTerm, args.LeaderID, state.LeaderCommitIndex)
		if err != nil {
			log.Printf("driver[%s]: observe heartbeat lane=%d: %v", d.nodeID, laneID, err)
			continue
		}
		acks[laneID] = ack
	}
	return &raft.HeartbeatAck{Acks: acks}, nil
}

func (d *Driver) HandleTimeoutNow(ctx context.Context, args *raft.TimeoutNowArgs) error {
	p, ok := d.Lane(args.Lane)
	if !ok {
		return fmt.Errorf("driver: %w: lane %d", raft.ErrProcessNotFound, args.Lane)
	}
	return p.TimeoutNow(ctx, args.Term)
}
