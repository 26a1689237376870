package raft

import (
	"context"
	"fmt"
	"sync"
)

// InsertOutcome is the result of CommandLog.TryInsertEntry.
type InsertOutcome int

const (
	// InsertOutcomeInserted means the entry is now durable at its index
	// (including the case where it was already subsumed by a snapshot, or
	// already present with an identical clock — both idempotent no-ops).
	InsertOutcomeInserted InsertOutcome = iota
	// InsertOutcomeInconsistent means the retained entry immediately before
	// this one does not match the sender's prev_clock; the caller should
	// retry with an earlier index (standard Raft back-off).
	InsertOutcomeInconsistent
	// InsertOutcomeRejected means the entry conflicts with already-committed
	// history and must not be applied.
	InsertOutcomeRejected
)

// CommandLog is the single arbiter of log mutation for one lane (spec
// §4.4). It layers the monotone snapshot/commit/last-applied/membership
// pointers over a LogStore and drains committed entries into an
// Application. All public methods are safe for concurrent use.
type CommandLog struct {
	mu sync.Mutex
	// applyMu serializes AdvanceLastApplied callers so each entry is applied once.
	applyMu sync.Mutex

	store LogStore
	app   Application

	headIndex  uint64
	lastIndex  uint64
	lastClock  Clock // ThisClock of the retained tail, zero value if log is empty

	snapshotPointer   uint64
	commitPointer     uint64
	lastApplied       uint64
	membershipPointer uint64
	membership        Membership

	replicationEvent *eventNotifier
	commitEvent      *eventNotifier
	kernEvent        *eventNotifier

	// OnMembershipApplied is invoked synchronously from AdvanceLastApplied
	// whenever a ClusterConfiguration or Snapshot entry is applied, so the
	// owning RaftProcess can reset its Peers directory. May be nil.
	OnMembershipApplied func(Membership)
	// OnKernelCommand dispatches an applied Kernel command. May be nil.
	OnKernelCommand func(ctx context.Context, payload []byte, index uint64) error
	// OnWriteApplied is invoked with the response bytes for every applied
	// User command, so RaftProcess can resolve a pending client waiter.
	OnWriteApplied func(index uint64, response []byte, err error)
}

// NewCommandLog constructs a CommandLog over store, bootstrapping its
// pointers from whatever the store already retains (e.g. after a restart).
func NewCommandLog(ctx context.Context, store LogStore, app Application, initial Membership) (*CommandLog, error) {
	cl := &CommandLog{
		store:            store,
		app:              app,
		membership:       initial.Clone(),
		replicationEvent: newEventNotifier(),
		commitEvent:      newEventNotifier(),
		kernEvent:        newEventNotifier(),
	}
	head, err := store.GetHeadIndex(ctx)
	if err != nil {
		return nil, fmt.Errorf("raft: commandlog bootstrap head index: %w", err)
	}
	last, err := store.GetLastIndex(ctx)
	if err != nil {
		return nil, fmt.Errorf("raft: commandlog bootstrap last index: %w", err)
	}
	cl.headIndex = head
	cl.lastIndex = last
	if last > 0 {
		e, ok, err := store.GetEntry(ctx, last)
		if err != nil {
			return nil, fmt.Errorf("raft: commandlog bootstrap tail entry: %w", err)
		}
		if ok {
			cl.lastClock = e.ThisClock
		}
	}
	return cl, nil
}

// ReplicationEvents, CommitEvents and KernEvents expose the Notify-style
// channels the replication, advance_commit/advance_user and advance_kern
// threads (spec §4.8) wait on.
func (cl *CommandLog) ReplicationEvents() <-chan struct{} { return cl.replicationEvent.ch }
func (cl *CommandLog) CommitEvents() <-chan struct{}      { return cl.commitEvent.ch }
func (cl *CommandLog) KernEvents() <-chan struct{}        { return cl.kernEvent.ch }

// LastIndex returns the highest retained index.
func (cl *CommandLog) LastIndex() uint64 {
	cl.mu.Lock()
	defer cl.mu.Unlock()
	return cl.lastIndex
}

// LastClock returns the ThisClock of the retained tail.
func (cl *CommandLog) LastClock() Clock {
	cl.mu.Lock()
	defer cl.mu.Unlock()
	return cl.lastClock
}

// SnapshotPointer, CommitPointer, LastApplied, MembershipPointer expose the
// four monotone pointers (spec §3, §8 property 5).
func (cl *CommandLog) SnapshotPointer() uint64 {
	cl.mu.Lock()
	defer cl.mu.Unlock()
	return cl.snapshotPointer
}

func (cl *CommandLog) CommitPointer() uint64 {
	cl.mu.Lock()
	defer cl.mu.Unlock()
	return cl.commitPointer
}

func (cl *CommandLog) LastApplied() uint64 {
	cl.mu.Lock()
	defer cl.mu.Unlock()
	return cl.lastApplied
}

func (cl *CommandLog) MembershipPointer() uint64 {
	cl.mu.Lock()
	defer cl.mu.Unlock()
	return cl.membershipPointer
}

// CurrentMembership returns the membership as of the most recently
// appended Snapshot or ClusterConfiguration entry. A ClusterConfiguration
// becomes effective for routing and quorum purposes as soon as it is
// appended, not when it commits (spec §4.7).
func (cl *CommandLog) CurrentMembership() Membership {
	cl.mu.Lock()
	defer cl.mu.Unlock()
	return cl.membership.Clone()
}

// applyMembershipEffectLocked updates the effective membership and
// membership_pointer immediately on append/insert of a membership-bearing
// entry, and returns the callback to invoke (outside the lock) along with
// the membership to pass it.
func (cl *CommandLog) applyMembershipEffectLocked(idx uint64, cmd Command) (func(Membership), Membership) {
	if cmd.Kind != CommandSnapshot && cmd.Kind != CommandClusterConfiguration {
		return nil, nil
	}
	cl.membershipPointer = idx
	cl.membership = cmd.Membership.Clone()
	return cl.OnMembershipApplied, cl.membership
}

// AppendNewEntry is the leader-only append path. It stamps ThisClock from
// (term, lastIndex+1) and PrevClock from the retained tail, persists, and
// signals the replication thread.
func (cl *CommandLog) AppendNewEntry(ctx context.Context, term uint64, cmd Command) (uint64, error) {
	cl.mu.Lock()
	if cmd.Kind == CommandClusterConfiguration && cl.membershipPointer > cl.commitPointer {
		cl.mu.Unlock()
		return 0, ErrConfigChangePending
	}
	index := cl.lastIndex + 1
	entry := LogEntry{
		PrevClock: cl.lastClock,
		ThisClock: Clock{Term: term, Index: index},
		Command:   cmd.Encode(),
	}
	if err := cl.store.InsertEntry(ctx, index, entry); err != nil {
		cl.mu.Unlock()
		return 0, fmt.Errorf("raft: append new entry: %w", err)
	}
	cl.lastIndex = index
	cl.lastClock = entry.ThisClock
	cb, membership := cl.applyMembershipEffectLocked(index, cmd)
	cl.mu.Unlock()
	if cb != nil {
		cb(membership)
	}
	cl.replicationEvent.notify()
	return index, nil
}

// TryInsertEntry is the follower-side append path (spec §4.4).
func (cl *CommandLog) TryInsertEntry(ctx context.Context, entry LogEntry, senderPrevClock Clock) (InsertOutcome, error) {
	idx := entry.ThisClock.Index

	cl.mu.Lock()
	if idx <= cl.snapshotPointer {
		cl.mu.Unlock()
		return InsertOutcomeInserted, nil // already subsumed by a snapshot
	}

	if idx == cl.lastIndex+1 {
		if senderPrevClock != cl.lastClock && !(cl.snapshotPointer > 0 && idx-1 == cl.snapshotPointer) {
			cl.mu.Unlock()
			return InsertOutcomeInconsistent, nil
		}
	} else if idx <= cl.lastIndex {
		existing, ok, err := cl.store.GetEntry(ctx, idx)
		if err != nil {
			cl.mu.Unlock()
			return 0, fmt.Errorf("raft: try insert entry lookup: %w", err)
		}
		if ok && existing.ThisClock == entry.ThisClock {
			cl.mu.Unlock()
			return InsertOutcomeInserted, nil // idempotent no-op
		}
		prev, prevOK, err := cl.store.GetEntry(ctx, idx-1)
		if err != nil {
			cl.mu.Unlock()
			return 0, fmt.Errorf("raft: try insert entry prev lookup: %w", err)
		}
		if idx-1 != cl.snapshotPointer && (!prevOK || prev.ThisClock != senderPrevClock) {
			cl.mu.Unlock()
			return InsertOutcomeInconsistent, nil
		}
		if idx <= cl.commitPointer {
			cl.mu.Unlock()
			return InsertOutcomeRejected, fmt.Errorf("raft: refusing to truncate committed entry %d: %w", idx, ErrBadLogState)
		}
		if err := cl.store.DeleteEntriesFrom(ctx, idx); err != nil {
			cl.mu.Unlock()
			return 0, fmt.Errorf("raft: truncate suffix: %w", err)
		}
	} else {
		// idx > lastIndex+1: a gap. The sender must back off.
		cl.mu.Unlock()
		return InsertOutcomeInconsistent, nil
	}

	if err := cl.store.InsertEntry(ctx, idx, entry); err != nil {
		cl.mu.Unlock()
		return 0, fmt.Errorf("raft: try insert entry persist: %w", err)
	}
	cl.lastIndex = idx
	cl.lastClock = entry.ThisClock

	var cb func(Membership)
	var membership Membership
	if cmd, err := DecodeCommand(entry.Command); err == nil {
		cb, membership = cl.applyMembershipEffectLocked(idx, cmd)
	}
	cl.mu.Unlock()
	if cb != nil {
		cb(membership)
	}
	cl.replicationEvent.notify()
	return InsertOutcomeInserted, nil
}

// AdvanceCommitPointer is monotone and never exceeds lastIndex.
func (cl *CommandLog) AdvanceCommitPointer(newCI uint64) {
	cl.mu.Lock()
	if newCI > cl.lastIndex {
		newCI = cl.lastIndex
	}
	if newCI <= cl.commitPointer {
		cl.mu.Unlock()
		return
	}
	cl.commitPointer = newCI
	cl.mu.Unlock()
	cl.commitEvent.notify()
}

// AdvanceLastApplied drains (lastApplied, commitPointer] in order,
// dispatching each entry by command kind.
func (cl *CommandLog) AdvanceLastApplied(ctx context.Context) error {
	cl.applyMu.Lock()
	defer cl.applyMu.Unlock()
	for {
		cl.mu.Lock()
		if cl.lastApplied >= cl.commitPointer {
			cl.mu.Unlock()
			return nil
		}
		next := cl.lastApplied + 1
		cl.mu.Unlock()

		entry, ok, err := cl.store.GetEntry(ctx, next)
		if err != nil {
			return fmt.Errorf("raft: advance last applied lookup %d: %w", next, err)
		}
		if !ok {
			return fmt.Errorf("raft: missing entry %d below commit pointer: %w", next, ErrBadLogState)
		}
		cmd, err := DecodeCommand(entry.Command)
		if err != nil {
			return err
		}

		var writeErr error
		var writeResp []byte
		switch cmd.Kind {
		case CommandNoop:
			// no-op
		case CommandUser:
			writeResp, writeErr = cl.app.ProcessWrite(ctx, cmd.Payload, next)
		case CommandKernel:
			if cl.OnKernelCommand != nil {
				writeErr = cl.OnKernelCommand(ctx, cmd.Payload, next)
			}
			cl.kernEvent.notify()
		case CommandClusterConfiguration:
			// Membership already took effect on append (spec §4.7); nothing
			// further to do once it commits.
		case CommandSnapshot:
			if err := cl.app.InstallSnapshot(ctx, next); err != nil {
				return fmt.Errorf("raft: install snapshot at %d: %w", next, err)
			}
			cl.mu.Lock()
			cl.snapshotPointer = next
			cl.headIndex = next
			cl.mu.Unlock()
		default:
			return fmt.Errorf("raft: unknown command kind %d at %d: %w", cmd.Kind, next, ErrBadLogState)
		}

		cl.mu.Lock()
		cl.lastApplied = next
		cl.mu.Unlock()

		if cmd.Kind == CommandUser && cl.OnWriteApplied != nil {
			cl.OnWriteApplied(next, writeResp, writeErr)
		}
	}
}

// AdvanceSnapshotIndex consults the Application for a new snapshot point
// and, if it advances, writes a Snapshot entry there and advances
// snapshot_pointer/head_index directly, mirroring the original source's
// advance_snapshot_index. proposed is always <= last_applied (the Application
// can only propose a point it has already applied, and the guard above
// enforces it), so the entry written here sits strictly before
// AdvanceLastApplied's (last_applied, commit_pointer] sweep and would
// otherwise never be revisited to advance the snapshot pointer.
//
// Unlike InstallSnapshotAt (the receiving-follower path) this does not call
// Application.InstallSnapshot: that method replaces state with a snapshot
// previously accepted via SaveSnapshot, which is the catch-up-from-elsewhere
// case. Here the Application is the source of the snapshot, not the
// destination — its own state already reflects everything through proposed
// via the ordinary ProcessWrite path, so there is nothing to install.
// OpenSnapshot is called instead, purely to materialize and cache the bytes
// a follower's chunked transfer will later read (pkg/kv's OpenSnapshot
// lazily encodes current state on first call at an index).
func (cl *CommandLog) AdvanceSnapshotIndex(ctx context.Context) error {
	proposed, err := cl.app.ProposeNewSnapshot(ctx)
	if err != nil {
		return fmt.Errorf("raft: propose new snapshot: %w", err)
	}
	cl.mu.Lock()
	if proposed <= cl.snapshotPointer || proposed > cl.lastApplied {
		cl.mu.Unlock()
		return nil
	}
	term, err := cl.termAtLocked(ctx, proposed)
	if err != nil {
		cl.mu.Unlock()
		return err
	}
	membership := cl.membership.Clone()
	cl.mu.Unlock()

	entry := LogEntry{ThisClock: Clock{Term: term, Index: proposed}, Command: SnapshotCommand(membership).Encode()}
	if prev, ok, err := cl.store.GetEntry(ctx, proposed-1); err == nil && ok {
		entry.PrevClock = prev.ThisClock
	}
	if err := cl.store.InsertEntry(ctx, proposed, entry); err != nil {
		return fmt.Errorf("raft: persist proposed snapshot entry: %w", err)
	}
	if stream, err := cl.app.OpenSnapshot(ctx, proposed); err == nil {
		stream.Close()
	}

	cl.mu.Lock()
	if cl.snapshotPointer < proposed {
		cl.snapshotPointer = proposed
		cl.headIndex = proposed
	}
	// Only claim the membership pointer if nothing has pushed it further
	// forward in the meantime (e.g. a ClusterConfiguration appended after
	// proposed was computed); membership_pointer must never regress.
	var cb func(Membership)
	var m Membership
	if cl.membershipPointer < proposed {
		cb, m = cl.applyMembershipEffectLocked(proposed, Command{Kind: CommandSnapshot, Membership: membership})
	}
	cl.mu.Unlock()
	if cb != nil {
		cb(m)
	}
	return nil
}

// CheckPrevClock reports whether prevClock matches the locally retained
// entry at prevClock.Index, without mutating anything. Used by the empty-
// entries heartbeat-as-probe path of AppendEntries, which must enforce log
// matching before honoring LeaderCommit exactly like the entry-bearing path
// does (spec §4.4 "Log Matching").
func (cl *CommandLog) CheckPrevClock(ctx context.Context, prevClock Clock) (bool, uint64, error) {
	cl.mu.Lock()
	defer cl.mu.Unlock()
	if prevClock.Index == 0 || prevClock.Index <= cl.snapshotPointer {
		return true, cl.lastIndex, nil
	}
	if prevClock.Index > cl.lastIndex {
		return false, cl.lastIndex, nil
	}
	if prevClock.Index == cl.lastIndex {
		return prevClock == cl.lastClock, cl.lastIndex, nil
	}
	entry, ok, err := cl.store.GetEntry(ctx, prevClock.Index)
	if err != nil {
		return false, 0, err
	}
	if !ok {
		return false, cl.lastIndex, nil
	}
	return entry.ThisClock == prevClock, cl.lastIndex, nil
}

func (cl *CommandLog) termAtLocked(ctx context.Context, index uint64) (uint64, error) {
	e, ok, err := cl.store.GetEntry(ctx, index)
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, fmt.Errorf("raft: no entry at %d to snapshot: %w", index, ErrEntryNotFound)
	}
	return e.ThisClock.Term, nil
}

// RunGC deletes log entries before the current snapshot pointer.
func (cl *CommandLog) RunGC(ctx context.Context) error {
	sp := cl.SnapshotPointer()
	if sp == 0 {
		return nil
	}
	if err := cl.store.DeleteEntriesBefore(ctx, sp); err != nil {
		return fmt.Errorf("raft: gc: %w", err)
	}
	cl.mu.Lock()
	cl.headIndex = sp
	cl.mu.Unlock()
	return nil
}

// TryReadMembership returns the membership in effect at the last Snapshot
// or ClusterConfiguration entry with index <= i.
func (cl *CommandLog) TryReadMembership(ctx context.Context, i uint64) (Membership, bool, error) {
	cl.mu.Lock()
	head := cl.headIndex
	cl.mu.Unlock()
	for idx := i; idx >= head && idx > 0; idx-- {
		e, ok, err := cl.store.GetEntry(ctx, idx)
		if err != nil {
			return nil, false, err
		}
		if !ok {
			continue
		}
		cmd, err := DecodeCommand(e.Command)
		if err != nil {
			return nil, false, err
		}
		if cmd.Kind == CommandSnapshot || cmd.Kind == CommandClusterConfiguration {
			return cmd.Membership, true, nil
		}
	}
	return nil, false, nil
}

// InstallSnapshotAt records a fully-received snapshot at clock.Index: it
// writes the Snapshot entry, installs it into the Application, and
// advances snapshot_pointer/commit_pointer/last_applied/membership_pointer
// together, since a follower accepting a snapshot subsumes everything up
// to and including that index in one step (spec §4.6 "Snapshot mode").
func (cl *CommandLog) InstallSnapshotAt(ctx context.Context, clock Clock, membership Membership) error {
	entry := LogEntry{ThisClock: clock, Command: SnapshotCommand(membership).Encode()}
	if err := cl.store.InsertEntry(ctx, clock.Index, entry); err != nil {
		return fmt.Errorf("raft: persist received snapshot entry: %w", err)
	}

	cl.mu.Lock()
	if clock.Index > cl.lastIndex {
		cl.lastIndex = clock.Index
		cl.lastClock = clock
	}
	cb, m := cl.applyMembershipEffectLocked(clock.Index, Command{Kind: CommandSnapshot, Membership: membership})
	cl.mu.Unlock()
	if cb != nil {
		cb(m)
	}

	if err := cl.app.InstallSnapshot(ctx, clock.Index); err != nil {
		return fmt.Errorf("raft: install received snapshot: %w", err)
	}

	cl.mu.Lock()
	cl.snapshotPointer = clock.Index
	cl.headIndex = clock.Index
	if cl.commitPointer < clock.Index {
		cl.commitPointer = clock.Index
	}
	if cl.lastApplied < clock.Index {
		cl.lastApplied = clock.Index
	}
	cl.mu.Unlock()
	return nil
}

// GetEntry exposes the underlying store for replication and snapshot code.
func (cl *CommandLog) GetEntry(ctx context.Context, i uint64) (LogEntry, bool, error) {
	return cl.store.GetEntry(ctx, i)
}

// eventNotifier is a Notify-equivalent: a single buffered signal channel
// that coalesces repeated wakeups, mirroring the original source's
// EventProducer/EventConsumer pair over tokio::sync::Notify.
type eventNotifier struct {
	ch chan struct{}
}

func newEventNotifier() *eventNotifier {
	return &eventNotifier{ch: make(chan struct{}, 1)}
}

func (n *eventNotifier) notify() {
	select {
	case n.ch <- struct{}{}:
	default:
	}
}
