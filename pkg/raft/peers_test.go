package raft

import (
	"context"
	"testing"
	"time"

	"github.com/lanraft/lanraft/pkg/storage/memstore"
)

func newTestPeers(t *testing.T, self NodeID, members ...NodeID) (*Peers, *CommandLog, *Voter) {
	t.Helper()
	ctx := context.Background()
	app := &fakeApp{}
	log, err := NewCommandLog(ctx, memstore.New(), app, NewMembership(members...))
	if err != nil {
		t.Fatalf("NewCommandLog: %v", err)
	}
	transport := newStubTransport()
	voter, err := NewVoter(ctx, self, 1, memstore.New(), log, transport, 20*time.Millisecond, 40*time.Millisecond)
	if err != nil {
		t.Fatalf("NewVoter: %v", err)
	}
	// Force leadership without running a real election, mirroring how
	// RaftProcess wires Voter.OnBecomeLeader into Peers.ResetForElection.
	voter.mu.Lock()
	voter.state = Leader
	voter.ballot = Ballot{CurrentTerm: 1}
	voter.mu.Unlock()

	peers := NewPeers(1, self, log, voter, transport, app)
	peers.SetMembership(NewMembership(members...))
	return peers, log, voter
}

func TestAdvanceCommitRequiresCurrentTermEntry(t *testing.T) {
	peers, log, voter := newTestPeers(t, "a", "a", "b", "c")
	ctx := context.Background()

	// Entry appended under an earlier term.
	idx, err := log.AppendNewEntry(ctx, 1, UserCommand([]byte("x")))
	if err != nil {
		t.Fatalf("append: %v", err)
	}

	voter.mu.Lock()
	voter.ballot.CurrentTerm = 2 // leader has since moved to term 2
	voter.mu.Unlock()

	peers.mu.Lock()
	peers.state["b"].MatchIndex = idx
	peers.state["c"].MatchIndex = idx
	peers.mu.Unlock()

	peers.advanceCommit()
	if log.CommitPointer() != 0 {
		t.Fatalf("CommitPointer() = %d, want 0 (entry is from a prior term)", log.CommitPointer())
	}
}

func TestAdvanceCommitAdvancesOnCurrentTermQuorum(t *testing.T) {
	peers, log, voter := newTestPeers(t, "a", "a", "b", "c")
	ctx := context.Background()

	term := voter.Term()
	idx, err := log.AppendNewEntry(ctx, term, UserCommand([]byte("x")))
	if err != nil {
		t.Fatalf("append: %v", err)
	}

	peers.mu.Lock()
	peers.state["b"].MatchIndex = idx
	peers.mu.Unlock()

	peers.advanceCommit()
	if log.CommitPointer() != idx {
		t.Fatalf("CommitPointer() = %d, want %d once a quorum (leader+b) matches a current-term entry", log.CommitPointer(), idx)
	}
}

func TestAdvanceCommitNoopWhenNotLeader(t *testing.T) {
	peers, log, voter := newTestPeers(t, "a", "a", "b", "c")
	ctx := context.Background()

	term := voter.Term()
	idx, err := log.AppendNewEntry(ctx, term, UserCommand([]byte("x")))
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	peers.mu.Lock()
	peers.state["b"].MatchIndex = idx
	peers.mu.Unlock()

	voter.mu.Lock()
	voter.state = Follower
	voter.mu.Unlock()

	peers.advanceCommit()
	if log.CommitPointer() != 0 {
		t.Fatalf("CommitPointer() = %d, want 0 when no longer leader", log.CommitPointer())
	}
}

func TestPickTransferTargetRequiresMatchAtLast(t *testing.T) {
	peers, log, _ := newTestPeers(t, "a", "a", "b", "c")
	ctx := context.Background()
	idx, err := log.AppendNewEntry(ctx, 1, UserCommand([]byte("x")))
	if err != nil {
		t.Fatalf("append: %v", err)
	}

	if _, ok := peers.PickTransferTarget(); ok {
		t.Fatal("no peer is caught up yet, expected no transfer target")
	}

	peers.mu.Lock()
	peers.state["b"].MatchIndex = idx
	peers.mu.Unlock()

	target, ok := peers.PickTransferTarget()
	if !ok || target != "b" {
		t.Fatalf("PickTransferTarget() = %q,%v, want b,true", target, ok)
	}
}

func TestSetMembershipPreservesExistingPeerState(t *testing.T) {
	peers, _, _ := newTestPeers(t, "a", "a", "b", "c")
	peers.mu.Lock()
	peers.state["b"].MatchIndex = 7
	peers.mu.Unlock()

	peers.SetMembership(NewMembership("a", "b", "c", "d"))

	peers.mu.RLock()
	defer peers.mu.RUnlock()
	if peers.state["b"].MatchIndex != 7 {
		t.Fatalf("existing peer b's MatchIndex was reset to %d, want preserved 7", peers.state["b"].MatchIndex)
	}
	if _, ok := peers.state["d"]; !ok {
		t.Fatal("new member d should have been added to the peer table")
	}
	if _, ok := peers.state["a"]; ok {
		t.Fatal("self should never appear in the peer table")
	}
}

func TestResetForElectionReinitializesMatchIndex(t *testing.T) {
	peers, log, _ := newTestPeers(t, "a", "a", "b", "c")
	ctx := context.Background()
	if _, err := log.AppendNewEntry(ctx, 1, UserCommand([]byte("x"))); err != nil {
		t.Fatalf("append: %v", err)
	}
	peers.mu.Lock()
	peers.state["b"].MatchIndex = 1
	peers.mu.Unlock()

	peers.ResetForElection()

	peers.mu.RLock()
	defer peers.mu.RUnlock()
	if peers.state["b"].MatchIndex != 0 {
		t.Fatalf("MatchIndex after ResetForElection = %d, want 0", peers.state["b"].MatchIndex)
	}
	if peers.state["b"].NextIndex != log.LastIndex()+1 {
		t.Fatalf("NextIndex after ResetForElection = %d, want %d", peers.state["b"].NextIndex, log.LastIndex()+1)
	}
}
