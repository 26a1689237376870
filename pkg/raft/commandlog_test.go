package raft

import (
	"context"
	"testing"

	"github.com/lanraft/lanraft/pkg/storage/memstore"
)

// fakeApp is a minimal Application for CommandLog tests: ProcessWrite just
// echoes its payload back, and snapshotting is a no-op keyed by index.
type fakeApp struct {
	applied []uint64
}

func (a *fakeApp) ProcessWrite(_ context.Context, cmd []byte, entryIndex uint64) ([]byte, error) {
	a.applied = append(a.applied, entryIndex)
	return cmd, nil
}
func (a *fakeApp) ProcessRead(_ context.Context, cmd []byte) ([]byte, error) { return cmd, nil }
func (a *fakeApp) InstallSnapshot(context.Context, uint64) error             { return nil }
func (a *fakeApp) SaveSnapshot(context.Context, uint64, SnapshotStream) error { return nil }
func (a *fakeApp) OpenSnapshot(context.Context, uint64) (SnapshotStream, error) {
	return nil, ErrEntryNotFound
}
func (a *fakeApp) ProposeNewSnapshot(context.Context) (uint64, error) { return 0, nil }
func (a *fakeApp) DeleteSnapshotsBefore(context.Context, uint64) error { return nil }

func newTestLog(t *testing.T) (*CommandLog, *fakeApp) {
	t.Helper()
	app := &fakeApp{}
	cl, err := NewCommandLog(context.Background(), memstore.New(), app, NewMembership("a", "b", "c"))
	if err != nil {
		t.Fatalf("NewCommandLog: %v", err)
	}
	return cl, app
}

func TestAppendNewEntryIsDenseAndMonotone(t *testing.T) {
	cl, _ := newTestLog(t)
	ctx := context.Background()

	for i := 1; i <= 3; i++ {
		idx, err := cl.AppendNewEntry(ctx, 1, UserCommand([]byte("x")))
		if err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
		if idx != uint64(i) {
			t.Fatalf("append %d: index = %d, want %d", i, idx, i)
		}
	}
	if cl.LastIndex() != 3 {
		t.Fatalf("LastIndex() = %d, want 3", cl.LastIndex())
	}
}

func TestMembershipTakesEffectOnAppendNotCommit(t *testing.T) {
	cl, _ := newTestLog(t)
	ctx := context.Background()

	next := NewMembership("a", "b")
	idx, err := cl.AppendNewEntry(ctx, 1, ClusterConfigurationCommand(next))
	if err != nil {
		t.Fatalf("append config: %v", err)
	}

	if cl.MembershipPointer() != idx {
		t.Fatalf("MembershipPointer() = %d, want %d (effective on append)", cl.MembershipPointer(), idx)
	}
	if cl.CommitPointer() != 0 {
		t.Fatalf("CommitPointer() = %d, want 0 (not yet committed)", cl.CommitPointer())
	}
	if !cl.CurrentMembership().Contains("a") || cl.CurrentMembership().Contains("c") {
		t.Fatalf("CurrentMembership() = %v, want {a,b}", cl.CurrentMembership().Sorted())
	}
}

func TestAppendNewEntryRefusesSecondPendingConfigChange(t *testing.T) {
	cl, _ := newTestLog(t)
	ctx := context.Background()

	if _, err := cl.AppendNewEntry(ctx, 1, ClusterConfigurationCommand(NewMembership("a", "b"))); err != nil {
		t.Fatalf("first config append: %v", err)
	}
	if _, err := cl.AppendNewEntry(ctx, 1, ClusterConfigurationCommand(NewMembership("a"))); err == nil {
		t.Fatal("expected ErrConfigChangePending for a second pending config change")
	}
	cl.AdvanceCommitPointer(1)
	if _, err := cl.AppendNewEntry(ctx, 1, ClusterConfigurationCommand(NewMembership("a"))); err != nil {
		t.Fatalf("config append after commit should succeed: %v", err)
	}
}

func TestTryInsertEntryDetectsInconsistentPrevClock(t *testing.T) {
	cl, _ := newTestLog(t)
	ctx := context.Background()

	entry := LogEntry{PrevClock: Clock{Term: 1, Index: 0}, ThisClock: Clock{Term: 1, Index: 1}, Command: UserCommand([]byte("x")).Encode()}
	bogusPrev := Clock{Term: 9, Index: 9}
	outcome, err := cl.TryInsertEntry(ctx, entry, bogusPrev)
	if err != nil {
		t.Fatalf("TryInsertEntry: %v", err)
	}
	if outcome != InsertOutcomeInconsistent {
		t.Fatalf("outcome = %v, want InsertOutcomeInconsistent", outcome)
	}
}

func TestTryInsertEntryIdempotent(t *testing.T) {
	cl, _ := newTestLog(t)
	ctx := context.Background()

	entry := LogEntry{ThisClock: Clock{Term: 1, Index: 1}, Command: UserCommand([]byte("x")).Encode()}
	if outcome, err := cl.TryInsertEntry(ctx, entry, Clock{}); err != nil || outcome != InsertOutcomeInserted {
		t.Fatalf("first insert: outcome=%v err=%v", outcome, err)
	}
	if outcome, err := cl.TryInsertEntry(ctx, entry, Clock{}); err != nil || outcome != InsertOutcomeInserted {
		t.Fatalf("repeated identical insert should be idempotent: outcome=%v err=%v", outcome, err)
	}
}

func TestTryInsertEntryRefusesTruncatingCommittedEntry(t *testing.T) {
	cl, _ := newTestLog(t)
	ctx := context.Background()

	e1 := LogEntry{ThisClock: Clock{Term: 1, Index: 1}, Command: UserCommand([]byte("a")).Encode()}
	if _, err := cl.TryInsertEntry(ctx, e1, Clock{}); err != nil {
		t.Fatalf("insert 1: %v", err)
	}
	cl.AdvanceCommitPointer(1)

	conflicting := LogEntry{ThisClock: Clock{Term: 2, Index: 1}, Command: UserCommand([]byte("b")).Encode()}
	outcome, err := cl.TryInsertEntry(ctx, conflicting, Clock{})
	if outcome != InsertOutcomeRejected || err == nil {
		t.Fatalf("expected rejection of a conflicting committed entry, got outcome=%v err=%v", outcome, err)
	}
}

func TestAdvanceLastAppliedDispatchesUserCommands(t *testing.T) {
	cl, app := newTestLog(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if _, err := cl.AppendNewEntry(ctx, 1, UserCommand([]byte("x"))); err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
	}
	cl.AdvanceCommitPointer(3)
	if err := cl.AdvanceLastApplied(ctx); err != nil {
		t.Fatalf("AdvanceLastApplied: %v", err)
	}
	if cl.LastApplied() != 3 {
		t.Fatalf("LastApplied() = %d, want 3", cl.LastApplied())
	}
	if len(app.applied) != 3 {
		t.Fatalf("applied %d entries, want 3", len(app.applied))
	}
}

func TestAdvanceCommitPointerIsMonotoneAndClamped(t *testing.T) {
	cl, _ := newTestLog(t)
	ctx := context.Background()
	if _, err := cl.AppendNewEntry(ctx, 1, NoopCommand()); err != nil {
		t.Fatal(err)
	}

	cl.AdvanceCommitPointer(100) // clamp to lastIndex
	if cl.CommitPointer() != 1 {
		t.Fatalf("CommitPointer() = %d, want clamp to 1", cl.CommitPointer())
	}
	cl.AdvanceCommitPointer(0) // must not regress
	if cl.CommitPointer() != 1 {
		t.Fatalf("CommitPointer() regressed to %d", cl.CommitPointer())
	}
}
