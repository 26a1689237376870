package rafttest

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/lanraft/lanraft/pkg/kv"
	"github.com/lanraft/lanraft/pkg/raft"
)

func TestSingleNodeElectsItselfAndServesWrites(t *testing.T) {
	ctx := context.Background()
	c, err := NewCluster(ctx, 1, 1, nil)
	if err != nil {
		t.Fatalf("NewCluster: %v", err)
	}
	c.Start(ctx)
	defer c.Stop()

	leader, err := c.WaitForLeader(2 * time.Second)
	if err != nil {
		t.Fatalf("WaitForLeader: %v", err)
	}

	resp, err := leader.Write(ctx, &raft.WriteRequest{Message: kv.EncodeSet("k", []byte("v"), "c1", 1)})
	if err != nil {
		t.Fatalf("Write: %v", err)
	}
	r, err := kv.DecodeResponse(resp.Message)
	if err != nil || !r.Found {
		t.Fatalf("decode write response: %+v, err=%v", r, err)
	}

	readResp, err := leader.Read(ctx, &raft.ReadRequest{Message: kv.EncodeGet("k")})
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	got, err := kv.DecodeResponse(readResp.Message)
	if err != nil || string(got.Value) != "v" {
		t.Fatalf("Read = %+v, err=%v, want value v", got, err)
	}
}

func TestThreeNodeClusterElectsExactlyOneLeader(t *testing.T) {
	ctx := context.Background()
	c, err := NewCluster(ctx, 3, 1, nil)
	if err != nil {
		t.Fatalf("NewCluster: %v", err)
	}
	c.Start(ctx)
	defer c.Stop()

	if _, err := c.WaitForStableLeader(3 * time.Second); err != nil {
		t.Fatalf("WaitForStableLeader: %v", err)
	}

	count := 0
	for _, p := range c.Procs {
		if p.IsLeader() {
			count++
		}
	}
	if count != 1 {
		t.Fatalf("found %d leaders, want exactly 1", count)
	}
}

func TestWritesReplicateToFollowers(t *testing.T) {
	ctx := context.Background()
	c, err := NewCluster(ctx, 3, 1, nil)
	if err != nil {
		t.Fatalf("NewCluster: %v", err)
	}
	c.Start(ctx)
	defer c.Stop()

	leader, err := c.WaitForStableLeader(3 * time.Second)
	if err != nil {
		t.Fatalf("WaitForStableLeader: %v", err)
	}
	if _, err := leader.Write(ctx, &raft.WriteRequest{Message: kv.EncodeSet("k", []byte("v"), "c1", 1)}); err != nil {
		t.Fatalf("Write: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		ok := true
		for _, s := range c.Stores {
			if s.Size() != 1 {
				ok = false
			}
		}
		if ok {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("followers did not converge on the leader's write in time")
		}
		time.Sleep(20 * time.Millisecond)
	}
}

func TestLeaderCrashTriggersReelection(t *testing.T) {
	ctx := context.Background()
	c, err := NewCluster(ctx, 3, 1, nil)
	if err != nil {
		t.Fatalf("NewCluster: %v", err)
	}
	c.Start(ctx)
	defer c.Stop()

	first, err := c.WaitForStableLeader(3 * time.Second)
	if err != nil {
		t.Fatalf("WaitForStableLeader: %v", err)
	}
	first.Stop()
	c.Transport.Unregister(first.NodeID())

	deadline := time.Now().Add(3 * time.Second)
	var second *raft.RaftProcess
	for time.Now().Before(deadline) {
		for id, p := range c.Procs {
			if id != first.NodeID() && p.IsLeader() {
				second = p
			}
		}
		if second != nil {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	if second == nil {
		t.Fatal("no new leader elected after the old leader crashed")
	}
	if second.NodeID() == first.NodeID() {
		t.Fatal("new leader must not be the crashed node")
	}
}

func TestMinorityPartitionCannotElectALeader(t *testing.T) {
	ctx := context.Background()
	c, err := NewCluster(ctx, 3, 1, nil)
	if err != nil {
		t.Fatalf("NewCluster: %v", err)
	}
	c.Start(ctx)
	defer c.Stop()

	leader, err := c.WaitForStableLeader(3 * time.Second)
	if err != nil {
		t.Fatalf("WaitForStableLeader: %v", err)
	}

	var isolated raft.NodeID
	for id := range c.Procs {
		if id != leader.NodeID() {
			isolated = id
			break
		}
	}
	others := make([]raft.NodeID, 0)
	for id := range c.Procs {
		if id != isolated {
			others = append(others, id)
		}
	}
	for _, o := range others {
		c.Transport.Partition(isolated, o)
	}

	// The 2-node majority must keep (or re-elect) a leader.
	if _, err := c.WaitForStableLeader(3 * time.Second); err != nil {
		t.Fatalf("majority side failed to retain a stable leader: %v", err)
	}
	time.Sleep(300 * time.Millisecond)
	if c.Procs[isolated].IsLeader() {
		t.Fatal("the isolated minority node must not be able to elect itself leader")
	}
}

func TestLeadershipTransferHandsOffToCaughtUpFollower(t *testing.T) {
	ctx := context.Background()
	c, err := NewCluster(ctx, 3, 1, nil)
	if err != nil {
		t.Fatalf("NewCluster: %v", err)
	}
	c.Start(ctx)
	defer c.Stop()

	leader, err := c.WaitForStableLeader(3 * time.Second)
	if err != nil {
		t.Fatalf("WaitForStableLeader: %v", err)
	}
	if _, err := leader.Write(ctx, &raft.WriteRequest{Message: kv.EncodeSet("k", []byte("v"), "c1", 1)}); err != nil {
		t.Fatalf("Write: %v", err)
	}
	// Give followers a moment to catch up before transferring, so a target
	// is actually available.
	time.Sleep(200 * time.Millisecond)

	target := c.Followers(leader)[0]
	if err := target.TimeoutNow(ctx, target.Term()+1); err != nil {
		t.Fatalf("TimeoutNow: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if !leader.IsLeader() {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	if leader.IsLeader() {
		t.Fatal("original leader should have stepped down after initiating a transfer")
	}
}

func TestLeaderStepsDownWhenRemovedFromMembership(t *testing.T) {
	ctx := context.Background()
	c, err := NewCluster(ctx, 3, 1, nil)
	if err != nil {
		t.Fatalf("NewCluster: %v", err)
	}
	c.Start(ctx)
	defer c.Stop()

	leader, err := c.WaitForStableLeader(3 * time.Second)
	if err != nil {
		t.Fatalf("WaitForStableLeader: %v", err)
	}
	if err := leader.RemoveServer(ctx, leader.NodeID()); err != nil {
		t.Fatalf("RemoveServer(self): %v", err)
	}

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if !leader.IsLeader() {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	if leader.IsLeader() {
		t.Fatal("leader should step down once its own removal commits")
	}
}

func TestSlowFollowerCatchesUpViaSnapshotTransfer(t *testing.T) {
	ctx := context.Background()
	// snapshotEach=2 so a handful of writes is enough to make the leader
	// propose and record a new snapshot point while the follower below is
	// partitioned away.
	c, err := NewClusterWithSnapshotThreshold(ctx, 3, 1, nil, 2)
	if err != nil {
		t.Fatalf("NewClusterWithSnapshotThreshold: %v", err)
	}
	c.Start(ctx)
	defer c.Stop()

	leader, err := c.WaitForStableLeader(3 * time.Second)
	if err != nil {
		t.Fatalf("WaitForStableLeader: %v", err)
	}

	var slow raft.NodeID
	for id := range c.Procs {
		if id != leader.NodeID() {
			slow = id
			break
		}
	}
	for id := range c.Procs {
		if id != slow {
			c.Transport.Partition(slow, id)
		}
	}

	for i := 0; i < 12; i++ {
		key := fmt.Sprintf("k%d", i)
		if _, err := leader.Write(ctx, &raft.WriteRequest{Message: kv.EncodeSet(key, []byte("v"), "", 0)}); err != nil {
			t.Fatalf("write %d: %v", i, err)
		}
	}

	// advance_snapshot and log_compaction both tick once a second (spec
	// §4.8); give them several rounds to advance the snapshot pointer past
	// the partitioned follower's last known index and trim the entries a
	// plain AppendEntries replay would otherwise need.
	time.Sleep(3500 * time.Millisecond)

	c.Transport.HealAll()

	want := c.Stores[leader.NodeID()].Size()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if c.Stores[slow].Size() == want {
			return
		}
		time.Sleep(50 * time.Millisecond)
	}
	t.Fatalf("partitioned follower %s never caught up via snapshot transfer: got %d, want %d", slow, c.Stores[slow].Size(), want)
}

func TestMultiLaneIsolationAcrossIndependentClusters(t *testing.T) {
	// pkg/driver.Driver is the component that actually multiplexes many
	// lanes over one shared Transport (see driver_test.go); this Cluster
	// type hosts one lane per node, so isolation between lanes here is
	// exercised as two independently-running clusters whose Application
	// state must never cross over.
	ctx := context.Background()

	laneA, err := NewCluster(ctx, 3, 1, nil)
	if err != nil {
		t.Fatalf("NewCluster lane A: %v", err)
	}
	laneB, err := NewCluster(ctx, 3, 2, nil)
	if err != nil {
		t.Fatalf("NewCluster lane B: %v", err)
	}
	laneA.Start(ctx)
	laneB.Start(ctx)
	defer laneA.Stop()
	defer laneB.Stop()

	leaderA, err := laneA.WaitForStableLeader(3 * time.Second)
	if err != nil {
		t.Fatalf("lane A WaitForStableLeader: %v", err)
	}
	leaderB, err := laneB.WaitForStableLeader(3 * time.Second)
	if err != nil {
		t.Fatalf("lane B WaitForStableLeader: %v", err)
	}

	if _, err := leaderA.Write(ctx, &raft.WriteRequest{Message: kv.EncodeSet("only-in-a", []byte("1"), "", 0)}); err != nil {
		t.Fatalf("write to lane A: %v", err)
	}

	time.Sleep(200 * time.Millisecond)
	for id, store := range laneB.Stores {
		if store.Size() != 0 {
			t.Fatalf("lane B node %s observed a write made on lane A: size=%d", id, store.Size())
		}
	}
	_ = leaderB
}
