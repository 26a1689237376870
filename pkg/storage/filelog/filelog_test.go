package filelog

import (
	"context"
	"testing"

	"github.com/lanraft/lanraft/pkg/raft"
)

func TestInsertAndGetEntry(t *testing.T) {
	ctx := context.Background()
	s, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	e := raft.LogEntry{ThisClock: raft.Clock{Term: 1, Index: 1}, Command: []byte("a")}
	if err := s.InsertEntry(ctx, 1, e); err != nil {
		t.Fatalf("InsertEntry: %v", err)
	}
	got, ok, err := s.GetEntry(ctx, 1)
	if err != nil || !ok {
		t.Fatalf("GetEntry: ok=%v err=%v", ok, err)
	}
	if got.ThisClock != e.ThisClock {
		t.Fatalf("got clock %v, want %v", got.ThisClock, e.ThisClock)
	}
}

func TestDeleteEntriesFromTruncatesSuffix(t *testing.T) {
	ctx := context.Background()
	s, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	for i := uint64(1); i <= 5; i++ {
		if err := s.InsertEntry(ctx, i, raft.LogEntry{ThisClock: raft.Clock{Term: 1, Index: i}}); err != nil {
			t.Fatalf("insert %d: %v", i, err)
		}
	}
	if err := s.DeleteEntriesFrom(ctx, 3); err != nil {
		t.Fatalf("DeleteEntriesFrom: %v", err)
	}
	if last, _ := s.GetLastIndex(ctx); last != 2 {
		t.Fatalf("last = %d, want 2", last)
	}
	if _, ok, _ := s.GetEntry(ctx, 3); ok {
		t.Fatal("entry 3 should have been truncated")
	}
}

func TestDeleteEntriesBeforeTruncatesPrefix(t *testing.T) {
	ctx := context.Background()
	s, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	for i := uint64(1); i <= 5; i++ {
		if err := s.InsertEntry(ctx, i, raft.LogEntry{ThisClock: raft.Clock{Term: 1, Index: i}}); err != nil {
			t.Fatalf("insert %d: %v", i, err)
		}
	}
	if err := s.DeleteEntriesBefore(ctx, 3); err != nil {
		t.Fatalf("DeleteEntriesBefore: %v", err)
	}
	if head, _ := s.GetHeadIndex(ctx); head != 3 {
		t.Fatalf("head = %d, want 3", head)
	}
	if _, ok, _ := s.GetEntry(ctx, 2); ok {
		t.Fatal("entry 2 should have been compacted away")
	}
}

func TestBallotRoundTrip(t *testing.T) {
	ctx := context.Background()
	s, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	voter := raft.NodeID("node-1")
	want := raft.Ballot{CurrentTerm: 7, VotedFor: &voter}
	if err := s.SaveBallot(ctx, want); err != nil {
		t.Fatalf("SaveBallot: %v", err)
	}
	got, err := s.LoadBallot(ctx)
	if err != nil {
		t.Fatalf("LoadBallot: %v", err)
	}
	if got.CurrentTerm != want.CurrentTerm || *got.VotedFor != *want.VotedFor {
		t.Fatalf("got %+v, want %+v", got, want)
	}
}

func TestRecoversStateAcrossReopen(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	s1, err := Open(dir)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	for i := uint64(1); i <= 4; i++ {
		if err := s1.InsertEntry(ctx, i, raft.LogEntry{ThisClock: raft.Clock{Term: 2, Index: i}, Command: []byte("x")}); err != nil {
			t.Fatalf("insert %d: %v", i, err)
		}
	}
	voter := raft.NodeID("node-2")
	if err := s1.SaveBallot(ctx, raft.Ballot{CurrentTerm: 2, VotedFor: &voter}); err != nil {
		t.Fatalf("SaveBallot: %v", err)
	}

	s2, err := Open(dir)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	if last, _ := s2.GetLastIndex(ctx); last != 4 {
		t.Fatalf("last = %d, want 4 after reopen", last)
	}
	if head, _ := s2.GetHeadIndex(ctx); head != 1 {
		t.Fatalf("head = %d, want 1 after reopen", head)
	}
	if _, ok, _ := s2.GetEntry(ctx, 3); !ok {
		t.Fatal("entry 3 should survive reopen")
	}
	ballot, err := s2.LoadBallot(ctx)
	if err != nil {
		t.Fatalf("LoadBallot after reopen: %v", err)
	}
	if ballot.CurrentTerm != 2 || ballot.VotedFor == nil || *ballot.VotedFor != voter {
		t.Fatalf("ballot after reopen = %+v, want term 2 voted for %s", ballot, voter)
	}
}

func TestOpenOnFreshDirStartsEmpty(t *testing.T) {
	ctx := context.Background()
	s, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if last, _ := s.GetLastIndex(ctx); last != 0 {
		t.Fatalf("last = %d, want 0 on fresh dir", last)
	}
	ballot, err := s.LoadBallot(ctx)
	if err != nil {
		t.Fatalf("LoadBallot: %v", err)
	}
	if ballot.CurrentTerm != 0 || ballot.VotedFor != nil {
		t.Fatalf("expected zero-value ballot on fresh dir, got %+v", ballot)
	}
}
