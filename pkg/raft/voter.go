package raft

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"
)

// Voter owns election state, the current ballot cache, and the election
// algorithm including pre-vote and leadership transfer (spec §4.5).
type Voter struct {
	mu sync.Mutex

	nodeID NodeID
	lane   LaneID

	ballotStore BallotStore
	ballot      Ballot
	state       ElectionState
	leaderHint  NodeID

	log       *CommandLog
	transport Transport

	electionMin time.Duration
	electionMax time.Duration
	deadline    time.Time
	rng         *rand.Rand

	// OnBecomeLeader is invoked (without the Voter lock held) right after a
	// successful election; the owning RaftProcess uses it to reset Peers and
	// append the leader's Noop entry.
	OnBecomeLeader func(term uint64)
	// OnBecomeFollower is invoked when observeTerm sees a higher term while
	// Leader or Candidate, and by TryStepdown. It is not invoked on a lost
	// election, by HandleRequestVote or by HandleTimeoutNow. RaftProcess
	// does not set it.
	OnBecomeFollower func()
	// TransferLeadership is called by TryStepdown after the Voter has
	// already stepped down, so Peers can pick a caught-up target for
	// TimeoutNow.
	TransferLeadership func(ctx context.Context) error
}

// NewVoter constructs a Voter and loads its ballot from store.
func NewVoter(ctx context.Context, nodeID NodeID, lane LaneID, store BallotStore, log *CommandLog, transport Transport, electionMin, electionMax time.Duration) (*Voter, error) {
	b, err := store.LoadBallot(ctx)
	if err != nil {
		return nil, fmt.Errorf("raft: voter bootstrap ballot: %w", err)
	}
	v := &Voter{
		nodeID:      nodeID,
		lane:        lane,
		ballotStore: store,
		ballot:      b,
		state:       Follower,
		log:         log,
		transport:   transport,
		electionMin: electionMin,
		electionMax: electionMax,
		rng:         rand.New(rand.NewSource(time.Now().UnixNano() ^ int64(lane))),
	}
	v.resetDeadlineLocked()
	return v, nil
}

func (v *Voter) resetDeadlineLocked() {
	span := v.electionMax - v.electionMin
	jitter := time.Duration(0)
	if span > 0 {
		jitter = time.Duration(v.rng.Int63n(int64(span)))
	}
	v.deadline = time.Now().Add(v.electionMin + jitter)
}

// State returns the current role.
func (v *Voter) State() ElectionState {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.state
}

// Term returns the current term.
func (v *Voter) Term() uint64 {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.ballot.CurrentTerm
}

// LeaderHint returns the best-known leader id, empty if unknown.
func (v *Voter) LeaderHint() NodeID {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.leaderHint
}

// ElectionExpired reports whether the election timer has fired.
func (v *Voter) ElectionExpired() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.state != Leader && time.Now().After(v.deadline)
}

// recordAuthoritativeContactLocked resets the election timer and remembers the
// sender as the current leader hint. Called whenever a message from a
// current or newer term's leader is observed.
func (v *Voter) recordAuthoritativeContactLocked(leader NodeID) {
	v.resetDeadlineLocked()
	if leader != "" {
		v.leaderHint = leader
	}
}

// stepDownIfNeededLocked transitions to Follower if not already there and
// reports whether the state changed; callers invoke OnBecomeFollower after
// releasing the lock where they need it.
func (v *Voter) stepDownIfNeededLocked() (wasLeaderOrCandidate bool) {
	if v.state == Follower {
		return false
	}
	v.state = Follower
	return true
}

// observeTerm steps down and persists the higher term whenever a message
// carries term > current_term, per the Candidate/Leader -> Follower
// transition rule (spec §4.5).
func (v *Voter) observeTerm(ctx context.Context, term uint64) error {
	v.mu.Lock()
	if term <= v.ballot.CurrentTerm {
		v.mu.Unlock()
		return nil
	}
	v.ballot = Ballot{CurrentTerm: term, VotedFor: nil}
	becameFollower := v.stepDownIfNeededLocked()
	v.mu.Unlock()

	if err := v.ballotStore.SaveBallot(ctx, v.ballot); err != nil {
		return fmt.Errorf("raft: persist observed term: %w", err)
	}
	if becameFollower && v.OnBecomeFollower != nil {
		v.OnBecomeFollower()
	}
	return nil
}

// HandleRequestVote implements the election RPC grant rule (spec §4.5).
// Pre-vote requests (args.PreVote) never mutate the ballot.
func (v *Voter) HandleRequestVote(ctx context.Context, args *RequestVoteArgs) (*RequestVoteReply, error) {
	v.mu.Lock()

	localLast := v.log.LastClock()
	// candidate's last_clock >= local last_clock
	upToDate := localLast == args.LastClock || localLast.Less(args.LastClock)

	if args.PreVote {
		grant := args.Term >= v.ballot.CurrentTerm && upToDate
		reply := &RequestVoteReply{VoteGranted: grant, Term: v.ballot.CurrentTerm}
		v.mu.Unlock()
		return reply, nil
	}

	if args.Term < v.ballot.CurrentTerm {
		reply := &RequestVoteReply{VoteGranted: false, Term: v.ballot.CurrentTerm}
		v.mu.Unlock()
		return reply, nil
	}

	if args.Term > v.ballot.CurrentTerm {
		v.ballot = Ballot{CurrentTerm: args.Term, VotedFor: nil}
		v.stepDownIfNeededLocked()
	}

	canGrant := (v.ballot.VotedFor == nil || *v.ballot.VotedFor == args.CandidateID) && upToDate
	if !canGrant {
		toSave := v.ballot
		v.mu.Unlock()
		if err := v.ballotStore.SaveBallot(ctx, toSave); err != nil {
			return nil, err
		}
		return &RequestVoteReply{VoteGranted: false, Term: toSave.CurrentTerm}, nil
	}

	candidate := args.CandidateID
	v.ballot.VotedFor = &candidate
	v.resetDeadlineLocked()
	toSave := v.ballot
	v.mu.Unlock()

	if err := v.ballotStore.SaveBallot(ctx, toSave); err != nil {
		return nil, fmt.Errorf("raft: persist vote: %w", err)
	}
	return &RequestVoteReply{VoteGranted: true, Term: toSave.CurrentTerm}, nil
}

// ObserveAppendEntriesTerm applies the Candidate->Follower transition rule
// for a valid AppendEntries received in the same or higher term.
func (v *Voter) ObserveAppendEntriesTerm(ctx context.Context, term uint64, leader NodeID) error {
	if err := v.observeTerm(ctx, term); err != nil {
		return err
	}
	v.mu.Lock()
	if term >= v.ballot.CurrentTerm {
		if v.state == Candidate {
			v.state = Follower
		}
		v.recordAuthoritativeContactLocked(leader)
	}
	v.mu.Unlock()
	return nil
}

// StartElection runs one election attempt: pre-vote straw poll, then (on
// pre-vote quorum) a real term-bumping vote round. Returns true if this
// node became leader.
func (v *Voter) StartElection(ctx context.Context, membership Membership) (bool, error) {
	v.mu.Lock()
	if v.state == Leader {
		v.mu.Unlock()
		return false, nil
	}
	lastClock := v.log.LastClock()
	candidateTerm := v.ballot.CurrentTerm + 1
	v.mu.Unlock()

	peers := peersExcluding(membership, v.nodeID)
	quorum := membership.Quorum()

	preVoteArgs := &RequestVoteArgs{Lane: v.lane, CandidateID: v.nodeID, Term: candidateTerm, LastClock: lastClock, PreVote: true}
	if !v.pollPeers(ctx, peers, quorum, preVoteArgs) {
		return false, nil
	}

	v.mu.Lock()
	if v.state == Leader {
		v.mu.Unlock()
		return false, nil
	}
	v.state = Candidate
	self := v.nodeID
	v.ballot = Ballot{CurrentTerm: candidateTerm, VotedFor: &self}
	v.resetDeadlineLocked()
	v.mu.Unlock()

	if err := v.ballotStore.SaveBallot(ctx, Ballot{CurrentTerm: candidateTerm, VotedFor: &self}); err != nil {
		return false, fmt.Errorf("raft: persist candidate ballot: %w", err)
	}

	voteArgs := &RequestVoteArgs{Lane: v.lane, CandidateID: v.nodeID, Term: candidateTerm, LastClock: lastClock, PreVote: false}
	won := v.pollPeers(ctx, peers, quorum, voteArgs)

	v.mu.Lock()
	stillCandidateAtTerm := v.state == Candidate && v.ballot.CurrentTerm == candidateTerm
	if won && stillCandidateAtTerm {
		v.state = Leader
		v.leaderHint = v.nodeID
		v.mu.Unlock()
		if v.OnBecomeLeader != nil {
			v.OnBecomeLeader(candidateTerm)
		}
		return true, nil
	}
	if !stillCandidateAtTerm {
		v.mu.Unlock()
		return false, nil
	}
	v.state = Follower
	v.mu.Unlock()
	return false, nil
}

func (v *Voter) pollPeers(ctx context.Context, peers []NodeID, quorum int, args *RequestVoteArgs) bool {
	tasks := make([]func(context.Context) bool, 0, len(peers)+1)
	tasks = append(tasks, func(context.Context) bool { return true }) // self-vote
	for _, p := range peers {
		p := p
		tasks = append(tasks, func(ctx context.Context) bool {
			reply, err := v.transport.RequestVote(ctx, p, args)
			if err != nil {
				return false
			}
			if reply.Term > args.Term {
				_ = v.observeTerm(ctx, reply.Term)
				return false
			}
			return reply.VoteGranted
		})
	}
	return quorumJoin(ctx, v.electionMax*3, quorum, tasks)
}

func peersExcluding(m Membership, self NodeID) []NodeID {
	out := make([]NodeID, 0, len(m))
	for _, id := range m.Sorted() {
		if id != self {
			out = append(out, id)
		}
	}
	return out
}

// TryStepdown is the leader-side self-removal path, grounded on the
// original source's Voter::try_stepdown: assert Leader, verify
// membership_pointer <= commit_pointer, read the committed membership, and
// if self is no longer a member, step down and hand off leadership.
func (v *Voter) TryStepdown(ctx context.Context) error {
	v.mu.Lock()
	if v.state != Leader {
		v.mu.Unlock()
		return nil
	}
	v.mu.Unlock()

	if v.log.MembershipPointer() > v.log.CommitPointer() {
		return nil
	}
	membership, ok, err := v.log.TryReadMembership(ctx, v.log.CommitPointer())
	if err != nil {
		return err
	}
	if !ok || membership.Contains(v.nodeID) {
		return nil
	}

	v.mu.Lock()
	v.state = Follower
	v.mu.Unlock()

	if v.TransferLeadership != nil {
		if err := v.TransferLeadership(ctx); err != nil {
			return fmt.Errorf("raft: transfer leadership on self-removal: %w", err)
		}
	}
	if v.OnBecomeFollower != nil {
		v.OnBecomeFollower()
	}
	return nil
}

// HandleTimeoutNow immediately starts an election with term = current+1,
// bypassing the normal randomized timer, per the leadership-transfer
// target's side of send_timeout_now.
func (v *Voter) HandleTimeoutNow(ctx context.Context, membership Membership) (bool, error) {
	v.mu.Lock()
	v.state = Follower
	v.mu.Unlock()
	return v.StartElection(ctx, membership)
}
