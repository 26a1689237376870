package raft

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Config bundles the per-lane tunables a RaftProcess needs beyond its
// collaborators, grounded on the teacher's NodeConfig/DefaultConfig pattern.
type Config struct {
	ElectionMin       time.Duration
	ElectionMax       time.Duration
	ReadTimeout       time.Duration
	WriteTimeout      time.Duration
	HeartbeatInterval time.Duration // informational; the Driver owns the real ticker
}

// DefaultConfig returns the spec §4.5/§4.8 defaults.
func DefaultConfig() Config {
	return Config{
		ElectionMin:       300 * time.Millisecond,
		ElectionMax:       600 * time.Millisecond,
		ReadTimeout:       2 * time.Second,
		WriteTimeout:      5 * time.Second,
		HeartbeatInterval: 300 * time.Millisecond,
	}
}

type pendingWrite struct {
	resp []byte
	err  error
	done chan struct{}
}

type readRequest struct {
	ctx     context.Context
	cmd     []byte
	local   bool
	resultC chan readResult
}

type readResult struct {
	resp []byte
	err  error
}

// RaftProcess is the per-lane façade exposing client operations and holding
// the CommandLog, Voter and Peers components (spec §2 item 9).
type RaftProcess struct {
	nodeID NodeID
	lane   LaneID
	cfg    Config

	log       *CommandLog
	voter     *Voter
	peers     *Peers
	app       Application
	transport Transport

	electionMin time.Duration

	pendingMu sync.Mutex
	pending   map[uint64]*pendingWrite

	readEvent chan struct{}
	readQueue chan *readRequest

	threads *threadSet

	snapMu  sync.Mutex
	snapRX  map[uint64][][]byte // snapshot index -> chunks received so far, by Seq order
	snapSeq map[uint64]uint64   // snapshot index -> next expected Seq
}

// NewRaftProcess wires a CommandLog, Voter and Peers around the given
// collaborators and returns a process ready to Start.
func NewRaftProcess(ctx context.Context, nodeID NodeID, lane LaneID, logStore LogStore, ballotStore BallotStore, app Application, transport Transport, initialMembership Membership, cfg Config) (*RaftProcess, error) {
	cl, err := NewCommandLog(ctx, logStore, app, initialMembership)
	if err != nil {
		return nil, err
	}
	voter, err := NewVoter(ctx, nodeID, lane, ballotStore, cl, transport, cfg.ElectionMin, cfg.ElectionMax)
	if err != nil {
		return nil, err
	}
	peers := NewPeers(lane, nodeID, cl, voter, transport, app)
	peers.SetMembership(initialMembership)

	p := &RaftProcess{
		nodeID:      nodeID,
		lane:        lane,
		cfg:         cfg,
		log:         cl,
		voter:       voter,
		peers:       peers,
		app:         app,
		transport:   transport,
		electionMin: cfg.ElectionMin,
		pending:     make(map[uint64]*pendingWrite),
		readEvent:   make(chan struct{}, 1),
		readQueue:   make(chan *readRequest, 256),
		snapRX:      make(map[uint64][][]byte),
		snapSeq:     make(map[uint64]uint64),
	}

	cl.OnMembershipApplied = func(m Membership) { peers.SetMembership(m) }
	cl.OnWriteApplied = p.resolvePending

	voter.OnBecomeLeader = func(term uint64) {
		peers.ResetForElection()
		if _, err := cl.AppendNewEntry(ctx, term, NoopCommand()); err != nil {
			// The error is dropped here and not logged; the Noop is advisory
			// (it exists only to let a new leader commit across a term
			// boundary) and a transient failure here will retry via the
			// next successful election.
			_ = err
		}
	}
	voter.TransferLeadership = peers.TransferLeadership

	return p, nil
}

// Start launches the ten lane-local background threads (spec §4.8); the
// heartbeat loop is separate and owned by the Driver.
func (p *RaftProcess) Start(ctx context.Context) {
	p.threads = startThreads(ctx, p)
}

// Stop aborts every background thread and waits for them to exit.
func (p *RaftProcess) Stop() {
	if p.threads != nil {
		p.threads.stopAll()
	}
}

func (p *RaftProcess) resolvePending(index uint64, resp []byte, err error) {
	p.pendingMu.Lock()
	pw, ok := p.pending[index]
	if ok {
		delete(p.pending, index)
	}
	p.pendingMu.Unlock()
	if !ok {
		return
	}
	pw.resp, pw.err = resp, err
	close(pw.done)
}

// Write implements the WriteRequest RPC: append, replicate, wait for the
// entry to be applied, and return its response.
func (p *RaftProcess) Write(ctx context.Context, req *WriteRequest) (*WriteResponse, error) {
	if p.voter.State() != Leader {
		return nil, &RedirectError{LeaderHint: p.voter.LeaderHint()}
	}

	index, err := p.log.AppendNewEntry(ctx, p.voter.Term(), UserCommand(req.Message))
	if err != nil {
		return nil, err
	}

	pw := &pendingWrite{done: make(chan struct{})}
	p.pendingMu.Lock()
	p.pending[index] = pw
	p.pendingMu.Unlock()

	timeout := p.cfg.WriteTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-pw.done:
		if pw.err != nil {
			return nil, pw.err
		}
		return &WriteResponse{Message: pw.resp}, nil
	case <-timer.C:
		return nil, ErrTimeout
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Kernel appends an opaque kernel command and does not wait for it to
// apply; the kernel channel is fire-and-forget from the caller's point of
// view and opaque to the Application (spec §3 "Kernel command").
func (p *RaftProcess) Kernel(ctx context.Context, req *KernRequest) error {
	if p.voter.State() != Leader {
		return &RedirectError{LeaderHint: p.voter.LeaderHint()}
	}
	_, err := p.log.AppendNewEntry(ctx, p.voter.Term(), KernelCommand(req.Message))
	return err
}

// Read implements ReadRequest. When ReadLocally is false it performs a
// linearizable read: a leadership check confirmed by a live heartbeat
// quorum (ReadIndex-style barrier) before touching the Application.
func (p *RaftProcess) Read(ctx context.Context, req *ReadRequest) (*ReadResponse, error) {
	if req.ReadLocally {
		resp, err := p.app.ProcessRead(ctx, req.Message)
		if err != nil {
			return nil, err
		}
		return &ReadResponse{Message: resp}, nil
	}

	if p.voter.State() != Leader {
		return nil, &RedirectError{LeaderHint: p.voter.LeaderHint()}
	}

	rr := &readRequest{ctx: ctx, cmd: req.Message, resultC: make(chan readResult, 1)}
	select {
	case p.readQueue <- rr:
	default:
		return nil, fmt.Errorf("raft: read queue full: %w", ErrTimeout)
	}
	select {
	case <-p.readEvent:
	default:
	}
	p.readEvent <- struct{}{}

	timeout := p.cfg.ReadTimeout
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	select {
	case res := <-rr.resultC:
		if res.err != nil {
			return nil, res.err
		}
		return &ReadResponse{Message: res.resp}, nil
	case <-time.After(timeout):
		return nil, ErrTimeout
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// drainReadQueue is the query_execution thread's body: it confirms
// leadership once per batch (one heartbeat quorum round, per ReadIndex)
// and then serves every request queued since the last confirmation.
func (p *RaftProcess) drainReadQueue(ctx context.Context) {
	var batch []*readRequest
	for {
		select {
		case rr := <-p.readQueue:
			batch = append(batch, rr)
		default:
			goto drained
		}
	}
drained:
	if len(batch) == 0 {
		return
	}
	if p.voter.State() != Leader {
		for _, rr := range batch {
			rr.resultC <- readResult{err: &RedirectError{LeaderHint: p.voter.LeaderHint()}}
		}
		return
	}
	if !p.confirmLeadership(ctx) {
		for _, rr := range batch {
			rr.resultC <- readResult{err: ErrTimeout}
		}
		return
	}
	for _, rr := range batch {
		resp, err := p.app.ProcessRead(rr.ctx, rr.cmd)
		rr.resultC <- readResult{resp: resp, err: err}
	}
}

// confirmLeadership implements the ReadIndex barrier: a quorum of peers
// must ack a heartbeat at the current term before a local read is safe.
func (p *RaftProcess) confirmLeadership(ctx context.Context) bool {
	membership := p.log.CurrentMembership()
	term := p.voter.Term()
	tasks := []func(context.Context) bool{func(context.Context) bool { return true }}
	for _, id := range peersExcluding(membership, p.nodeID) {
		id := id
		tasks = append(tasks, func(ctx context.Context) bool {
			reply, err := p.transport.SendHeartbeat(ctx, id, &SendHeartbeat{
				LeaderID: p.nodeID,
				LeaderCommitStates: map[LaneID]LeaderCommitState{
					p.lane: {LeaderTerm: term, LeaderCommitIndex: p.log.CommitPointer()},
				},
			})
			if err != nil || reply == nil {
				return false
			}
			ack, ok := reply.Acks[p.lane]
			return ok && ack.Term == term
		})
	}
	return quorumJoin(ctx, p.cfg.ReadTimeout, membership.Quorum(), tasks)
}

// AddServer appends a single-step membership change adding id (spec §4.7).
func (p *RaftProcess) AddServer(ctx context.Context, id NodeID) error {
	return p.changeMembership(ctx, func(m Membership) Membership {
		m = m.Clone()
		m[id] = struct{}{}
		return m
	})
}

// RemoveServer appends a single-step membership change removing id. If it
// removes the leader itself, the stepdown thread performs leadership
// transfer once the change commits (spec §4.7, Voter.TryStepdown).
func (p *RaftProcess) RemoveServer(ctx context.Context, id NodeID) error {
	return p.changeMembership(ctx, func(m Membership) Membership {
		m = m.Clone()
		delete(m, id)
		return m
	})
}

func (p *RaftProcess) changeMembership(ctx context.Context, mutate func(Membership) Membership) error {
	if p.voter.State() != Leader {
		return &RedirectError{LeaderHint: p.voter.LeaderHint()}
	}
	next := mutate(p.log.CurrentMembership())
	_, err := p.log.AppendNewEntry(ctx, p.voter.Term(), ClusterConfigurationCommand(next))
	return err
}

// TimeoutNow asks this node to immediately start an election, used by a
// leader performing a leadership transfer (spec §4.5).
func (p *RaftProcess) TimeoutNow(ctx context.Context, term uint64) error {
	if term < p.voter.Term() {
		return nil
	}
	_, err := p.voter.HandleTimeoutNow(ctx, p.log.CurrentMembership())
	return err
}

// IsLeader, Term, CommitIndex and Membership expose just enough lane state
// for the Driver's heartbeat multiplexer (spec §4.6, §4.8) to build one
// SendHeartbeat per remote peer without reaching into CommandLog/Voter.
func (p *RaftProcess) IsLeader() bool        { return p.voter.State() == Leader }
func (p *RaftProcess) Term() uint64          { return p.voter.Term() }
func (p *RaftProcess) CommitIndex() uint64   { return p.log.CommitPointer() }
func (p *RaftProcess) Membership() Membership { return p.log.CurrentMembership() }
func (p *RaftProcess) NodeID() NodeID        { return p.nodeID }
func (p *RaftProcess) Lane() LaneID          { return p.lane }

// ObserveHeartbeat applies one lane's slice of an inbound multiplexed
// heartbeat: it is the receiving side's equivalent of a no-op AppendEntries
// probe (spec §4.6 "Heartbeat delivery is at-least-once ... out-of-order
// heartbeats are accepted when their (leader_term, leader_commit_index)
// dominates").
func (p *RaftProcess) ObserveHeartbeat(ctx context.Context, term uint64, leader NodeID, commitIndex uint64) (HeartbeatLaneAck, error) {
	if term < p.voter.Term() {
		return HeartbeatLaneAck{Term: p.voter.Term(), LastAppliedIdx: p.log.LastApplied()}, nil
	}
	if err := p.voter.ObserveAppendEntriesTerm(ctx, term, leader); err != nil {
		return HeartbeatLaneAck{}, err
	}
	p.log.AdvanceCommitPointer(commitIndex)
	return HeartbeatLaneAck{Term: p.voter.Term(), LastAppliedIdx: p.log.LastApplied()}, nil
}

// ClusterInfo reports the current view of this lane (spec §6.1 ClusterInfo).
func (p *RaftProcess) ClusterInfo() ClusterInfoReply {
	return ClusterInfoReply{
		LeaderID:   p.voter.LeaderHint(),
		Term:       p.voter.Term(),
		Membership: p.log.CurrentMembership().Sorted(),
		CommitIdx:  p.log.CommitPointer(),
	}
}

// HandleRequestVote, HandleAppendEntries and HandleInstallSnapshotChunk are
// the server-side RPC handlers a Transport implementation dispatches to.

func (p *RaftProcess) HandleRequestVote(ctx context.Context, args *RequestVoteArgs) (*RequestVoteReply, error) {
	return p.voter.HandleRequestVote(ctx, args)
}

func (p *RaftProcess) HandleAppendEntries(ctx context.Context, args *AppendEntriesArgs) (*AppendEntriesReply, error) {
	if args.Term < p.voter.Term() {
		return &AppendEntriesReply{Success: false, Term: p.voter.Term()}, nil
	}
	if err := p.voter.ObserveAppendEntriesTerm(ctx, args.Term, args.LeaderID); err != nil {
		return nil, err
	}

	if len(args.Entries) == 0 {
		// Pure heartbeat-as-append-entries probe: nothing to insert, but log
		// matching still must hold before LeaderCommit is honored, or a
		// divergent follower could advance its commit pointer past entries
		// it does not actually agree on.
		ok, hint, err := p.log.CheckPrevClock(ctx, args.PrevClock)
		if err != nil {
			return nil, err
		}
		if !ok {
			return &AppendEntriesReply{Success: false, HintIndex: hint, Term: p.voter.Term()}, nil
		}
		p.log.AdvanceCommitPointer(args.LeaderCommit)
		return &AppendEntriesReply{Success: true, Term: p.voter.Term()}, nil
	}

	prevClock := args.PrevClock
	var lastOutcome InsertOutcome
	for _, e := range args.Entries {
		outcome, err := p.log.TryInsertEntry(ctx, e, prevClock)
		if err != nil {
			return nil, err
		}
		lastOutcome = outcome
		if outcome != InsertOutcomeInserted {
			break
		}
		prevClock = e.ThisClock
	}

	if lastOutcome != InsertOutcomeInserted {
		hint := p.log.LastIndex()
		return &AppendEntriesReply{Success: false, HintIndex: hint, Term: p.voter.Term()}, nil
	}

	p.log.AdvanceCommitPointer(args.LeaderCommit)
	return &AppendEntriesReply{Success: true, Term: p.voter.Term()}, nil
}

// HandleInstallSnapshotChunk receives one frame of a chunked transfer (spec
// §4.6 "Snapshot mode", §9 "Snapshot streaming"). Chunks are accumulated
// per snapshot index across calls, since each frame arrives as its own RPC
// rather than as a single long-lived stream; only once the Last frame is
// seen is the assembled transfer handed to the Application as one
// SnapshotStream and the CommandLog told the snapshot is durable.
func (p *RaftProcess) HandleInstallSnapshotChunk(ctx context.Context, args *InstallSnapshotChunk) (*InstallSnapshotReply, error) {
	if args.Term < p.voter.Term() {
		return &InstallSnapshotReply{Term: p.voter.Term()}, nil
	}
	if err := p.voter.ObserveAppendEntriesTerm(ctx, args.Term, args.LeaderID); err != nil {
		return nil, err
	}

	index := args.SnapshotClock.Index
	p.snapMu.Lock()
	expected := p.snapSeq[index]
	if args.Seq != expected {
		// Out-of-order frame: discard everything buffered so far and make
		// the sender restart the transfer from Seq 0 (spec §9).
		delete(p.snapRX, index)
		delete(p.snapSeq, index)
		p.snapMu.Unlock()
		if args.Seq != 0 {
			return nil, fmt.Errorf("%w: want seq %d, got %d", ErrBadSnapshotChunk, expected, args.Seq)
		}
		p.snapMu.Lock()
	}
	p.snapRX[index] = append(p.snapRX[index], args.Data)
	p.snapSeq[index] = args.Seq + 1
	chunks := p.snapRX[index]
	p.snapMu.Unlock()

	if args.Last {
		p.snapMu.Lock()
		delete(p.snapRX, index)
		delete(p.snapSeq, index)
		p.snapMu.Unlock()

		if err := p.app.SaveSnapshot(ctx, index, newBufferedStream(chunks)); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrBadSnapshotChunk, err)
		}
		if err := p.log.InstallSnapshotAt(ctx, args.SnapshotClock, args.Membership); err != nil {
			return nil, err
		}
	}
	return &InstallSnapshotReply{Term: p.voter.Term(), Seq: args.Seq}, nil
}

// bufferedStream replays a sequence of already-received chunks as a
// SnapshotStream, so the receiving side of InstallSnapshotChunk can hand the
// Application the same interface the sending side (pkg/kv's chunkStream)
// produces.
type bufferedStream struct {
	chunks [][]byte
	pos    int
}

func newBufferedStream(chunks [][]byte) *bufferedStream { return &bufferedStream{chunks: chunks} }

func (b *bufferedStream) Next(ctx context.Context) ([]byte, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}
	if b.pos >= len(b.chunks) {
		return nil, false, nil
	}
	chunk := b.chunks[b.pos]
	b.pos++
	return chunk, b.pos < len(b.chunks), nil
}

func (b *bufferedStream) Close() error { return nil }
