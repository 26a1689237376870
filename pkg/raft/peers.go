package raft

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// replicationBatchSize bounds how many entries travel in one AppendEntries
// RPC (spec §4.6 step 1).
const replicationBatchSize = 64

// snapshotChunkSize is not referenced by sendSnapshot, which sends each
// chunk the Application's SnapshotStream yields as one frame, unsplit.
const snapshotChunkSize = 32 * 1024

// Peers is the leader's per-lane directory of remote followers, with
// per-peer next-index/match-index bookkeeping and replication streams
// (spec §4.6).
type Peers struct {
	mu sync.RWMutex

	lane   LaneID
	nodeID NodeID

	log       *CommandLog
	voter     *Voter
	transport Transport
	app       Application

	state map[NodeID]*PeerState
}

// NewPeers constructs an empty Peers directory; call SetMembership once the
// initial configuration is known.
func NewPeers(lane LaneID, nodeID NodeID, log *CommandLog, voter *Voter, transport Transport, app Application) *Peers {
	return &Peers{
		lane:      lane,
		nodeID:    nodeID,
		log:       log,
		voter:     voter,
		transport: transport,
		app:       app,
		state:     make(map[NodeID]*PeerState),
	}
}

// SetMembership reconciles the peer directory with a newly applied
// configuration. New peers start at (lastIndex+1, 0); removed peers are
// dropped. The design note in spec §5 calls this the only path that
// mutates the peer table.
func (p *Peers) SetMembership(m Membership) {
	last := p.log.LastIndex()
	p.mu.Lock()
	defer p.mu.Unlock()
	next := make(map[NodeID]*PeerState, len(m))
	for _, id := range m.Sorted() {
		if id == p.nodeID {
			continue
		}
		if existing, ok := p.state[id]; ok {
			next[id] = existing
			continue
		}
		next[id] = &PeerState{NextIndex: last + 1, MatchIndex: 0}
	}
	p.state = next
}

// ResetForElection reinitializes every peer's bookkeeping on a fresh
// election win (spec §3 "Peer state ... reset on leader election").
func (p *Peers) ResetForElection() {
	last := p.log.LastIndex()
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, ps := range p.state {
		ps.NextIndex = last + 1
		ps.MatchIndex = 0
		ps.LastHeartbeatAck = 0
	}
}

func (p *Peers) peerIDs() []NodeID {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]NodeID, 0, len(p.state))
	for id := range p.state {
		out = append(out, id)
	}
	return out
}

// RunReplicationOnce drives one pass of the replication loop over every
// peer and recomputes the commit pointer (spec §4.6 steps 1-6 and "Commit
// advance"). Called by the replication thread on ReplicationEvent.
func (p *Peers) RunReplicationOnce(ctx context.Context) {
	var wg sync.WaitGroup
	for _, id := range p.peerIDs() {
		wg.Add(1)
		go func(id NodeID) {
			defer wg.Done()
			p.replicateToPeer(ctx, id)
		}(id)
	}
	wg.Wait()
	p.advanceCommit()
}

func (p *Peers) getState(id NodeID) (*PeerState, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	ps, ok := p.state[id]
	return ps, ok
}

func (p *Peers) replicateToPeer(ctx context.Context, id NodeID) {
	ps, ok := p.getState(id)
	if !ok {
		return
	}
	lastIndex := p.log.LastIndex()
	snapPtr := p.log.SnapshotPointer()

	p.mu.RLock()
	nextIndex := ps.NextIndex
	p.mu.RUnlock()

	if nextIndex <= snapPtr {
		p.sendSnapshot(ctx, id, ps)
		return
	}

	end := nextIndex + replicationBatchSize - 1
	if end > lastIndex {
		end = lastIndex
	}

	prevEntry, ok, err := p.log.GetEntry(ctx, nextIndex-1)
	var prevClock Clock
	if err == nil && ok {
		prevClock = prevEntry.ThisClock
	}

	var entries []LogEntry
	for i := nextIndex; i <= end; i++ {
		e, ok, err := p.log.GetEntry(ctx, i)
		if err != nil || !ok {
			break
		}
		entries = append(entries, e)
	}

	args := &AppendEntriesArgs{
		Lane:         p.lane,
		LeaderID:     p.nodeID,
		Term:         p.voter.Term(),
		PrevClock:    prevClock,
		Entries:      entries,
		LeaderCommit: p.log.CommitPointer(),
	}

	reply, err := p.transport.AppendEntries(ctx, id, args)
	if err != nil {
		return // transient; retried on the next replication tick
	}
	if reply.Term > args.Term {
		_ = p.voter.observeTerm(ctx, reply.Term)
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if reply.Success {
		if len(entries) > 0 {
			ps.MatchIndex = entries[len(entries)-1].ThisClock.Index
			ps.NextIndex = ps.MatchIndex + 1
		}
		ps.LastHeartbeatAck = time.Now().UnixNano()
	} else {
		if reply.HintIndex > 0 && reply.HintIndex < ps.NextIndex {
			ps.NextIndex = reply.HintIndex
		} else if ps.NextIndex > 1 {
			ps.NextIndex--
		}
	}
}

func (p *Peers) sendSnapshot(ctx context.Context, id NodeID, ps *PeerState) {
	snapPtr := p.log.SnapshotPointer()
	entry, ok, err := p.log.GetEntry(ctx, snapPtr)
	if err != nil || !ok {
		return
	}
	membership := p.log.CurrentMembership()
	stream, err := p.app.OpenSnapshot(ctx, snapPtr)
	if err != nil {
		return
	}
	defer stream.Close()

	var seq uint64
	for {
		chunk, more, err := stream.Next(ctx)
		if err != nil {
			return
		}
		args := &InstallSnapshotChunk{
			Lane:          p.lane,
			LeaderID:      p.nodeID,
			Term:          p.voter.Term(),
			SnapshotClock: entry.ThisClock,
			Membership:    membership,
			Seq:           seq,
			Last:          !more,
			Data:          chunk,
		}
		reply, err := p.transport.InstallSnapshotChunk(ctx, id, args)
		if err != nil {
			return
		}
		if reply.Term > args.Term {
			_ = p.voter.observeTerm(ctx, reply.Term)
			return
		}
		if reply.Seq != seq {
			return // out of order; next tick restarts from chunk 0
		}
		seq++
		if !more {
			break
		}
	}

	p.mu.Lock()
	ps.MatchIndex = entry.ThisClock.Index
	ps.NextIndex = entry.ThisClock.Index + 1
	ps.LastHeartbeatAck = time.Now().UnixNano()
	p.mu.Unlock()
}

// advanceCommit computes the majority match index at the current term and
// advances the commit pointer (spec §4.6 "Commit advance"). Entries from
// prior terms are committed only transitively via a current-term entry.
func (p *Peers) advanceCommit() {
	if p.voter.State() != Leader {
		return
	}
	currentTerm := p.voter.Term()
	lastIndex := p.log.LastIndex()

	p.mu.RLock()
	matches := make([]uint64, 0, len(p.state)+1)
	matches = append(matches, lastIndex) // leader always matches itself up to lastIndex
	for _, ps := range p.state {
		matches = append(matches, ps.MatchIndex)
	}
	quorumSize := len(p.state) + 1
	p.mu.RUnlock()

	sort.Slice(matches, func(i, j int) bool { return matches[i] > matches[j] })
	quorumIdx := quorumSize/2 + 1 - 1
	if quorumIdx >= len(matches) {
		return
	}
	candidate := matches[quorumIdx]
	if candidate == 0 {
		return
	}
	entry, ok, err := p.log.GetEntry(context.Background(), candidate)
	if err != nil || !ok || entry.ThisClock.Term != currentTerm {
		return
	}
	p.log.AdvanceCommitPointer(candidate)
}

// PickTransferTarget returns a follower whose match_index equals the
// leader's last index, suitable for TimeoutNow (spec §4.5).
func (p *Peers) PickTransferTarget() (NodeID, bool) {
	last := p.log.LastIndex()
	p.mu.RLock()
	defer p.mu.RUnlock()
	for id, ps := range p.state {
		if ps.MatchIndex == last {
			return id, true
		}
	}
	return "", false
}

// TransferLeadership implements send_timeout_now: pick a caught-up target
// and ask it to start an election immediately. Voter.TryStepdown calls it
// once, after the leader has already become a Follower; a failed transfer
// is returned to that caller and is not retried.
func (p *Peers) TransferLeadership(ctx context.Context) error {
	target, ok := p.PickTransferTarget()
	if !ok {
		return fmt.Errorf("raft: no caught-up peer for leadership transfer: %w", ErrPeerNotFound)
	}
	return p.transport.TimeoutNow(ctx, target, &TimeoutNowArgs{Lane: p.lane, Term: p.voter.Term()})
}

// Snapshot returns a read-only copy of the current peer table, used by
// ClusterInfo and tests.
func (p *Peers) Snapshot() map[NodeID]PeerState {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make(map[NodeID]PeerState, len(p.state))
	for id, ps := range p.state {
		out[id] = *ps
	}
	return out
}
