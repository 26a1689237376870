package raft

import (
	"context"
	"log"
	"time"
)

// threadSet holds the ten background loops spec §4.8 assigns to one lane.
// Note that heartbeat is owned by the Driver (it is the multiplexing point
// across lanes), not by threadSet; see package driver.
type threadSet struct {
	advanceCommit   *ThreadHandle
	advanceUser     *ThreadHandle
	advanceKern     *ThreadHandle
	advanceSnapshot *ThreadHandle
	election        *ThreadHandle
	logCompaction   *ThreadHandle
	queryExecution  *ThreadHandle
	replication     *ThreadHandle
	snapshotDeleter *ThreadHandle
	stepdown        *ThreadHandle
}

func (t *threadSet) stopAll() {
	for _, h := range []*ThreadHandle{
		t.advanceCommit, t.advanceUser, t.advanceKern, t.advanceSnapshot,
		t.election, t.logCompaction, t.queryExecution, t.replication,
		t.snapshotDeleter, t.stepdown,
	} {
		if h != nil {
			h.Stop()
		}
	}
}

// startThreads wires every background loop in spec §4.8's table to its
// component. p supplies logging context and the election-timer/read-queue
// hooks that do not belong on CommandLog/Voter/Peers themselves.
func startThreads(ctx context.Context, p *RaftProcess) *threadSet {
	logf := func(format string, args ...interface{}) {
		log.Printf("[lane=%d node=%s] "+format, append([]interface{}{p.lane, p.nodeID}, args...)...)
	}

	ts := &threadSet{}

	ts.advanceCommit = startThread(ctx, func(ctx context.Context) {
		runLoop(ctx, p.log.CommitEvents(), 100*time.Millisecond, func(ctx context.Context) {
			p.peers.advanceCommit()
		})
	})

	ts.advanceUser = startThread(ctx, func(ctx context.Context) {
		runLoop(ctx, p.log.CommitEvents(), 100*time.Millisecond, func(ctx context.Context) {
			if err := p.log.AdvanceLastApplied(ctx); err != nil {
				logf("advance_user: %v", err)
			}
		})
	})

	ts.advanceKern = startThread(ctx, func(ctx context.Context) {
		runLoop(ctx, p.log.KernEvents(), 100*time.Millisecond, func(ctx context.Context) {
			if err := p.log.AdvanceLastApplied(ctx); err != nil {
				logf("advance_kern: %v", err)
			}
		})
	})

	ts.advanceSnapshot = startThread(ctx, func(ctx context.Context) {
		runIntervalLoop(ctx, time.Second, func(ctx context.Context) {
			if err := p.log.AdvanceSnapshotIndex(ctx); err != nil {
				logf("advance_snapshot: %v", err)
			}
		})
	})

	ts.election = startThread(ctx, func(ctx context.Context) {
		interval := p.electionMin
		if interval <= 0 {
			interval = 50 * time.Millisecond
		}
		runIntervalLoop(ctx, interval, func(ctx context.Context) {
			if !p.voter.ElectionExpired() {
				return
			}
			won, err := p.voter.StartElection(ctx, p.log.CurrentMembership())
			if err != nil {
				logf("election: %v", err)
				return
			}
			if won {
				logf("became leader for term %d", p.voter.Term())
			}
		})
	})

	ts.logCompaction = startThread(ctx, func(ctx context.Context) {
		runIntervalLoop(ctx, time.Second, func(ctx context.Context) {
			if err := p.log.RunGC(ctx); err != nil {
				logf("log_compaction: %v", err)
			}
		})
	})

	ts.queryExecution = startThread(ctx, func(ctx context.Context) {
		runLoop(ctx, p.readEvent, 0, func(ctx context.Context) {
			p.drainReadQueue(ctx)
		})
	})

	ts.replication = startThread(ctx, func(ctx context.Context) {
		runLoop(ctx, p.log.ReplicationEvents(), 0, func(ctx context.Context) {
			if p.voter.State() == Leader {
				p.peers.RunReplicationOnce(ctx)
			}
		})
	})

	ts.snapshotDeleter = startThread(ctx, func(ctx context.Context) {
		runIntervalLoop(ctx, time.Second, func(ctx context.Context) {
			sp := p.log.SnapshotPointer()
			if sp == 0 {
				return
			}
			if err := p.app.DeleteSnapshotsBefore(ctx, sp); err != nil {
				logf("snapshot_deleter: %v", err)
			}
		})
	})

	ts.stepdown = startThread(ctx, func(ctx context.Context) {
		runIntervalLoop(ctx, 100*time.Millisecond, func(ctx context.Context) {
			if err := p.voter.TryStepdown(ctx); err != nil {
				logf("stepdown: %v", err)
			}
		})
	})

	return ts
}
