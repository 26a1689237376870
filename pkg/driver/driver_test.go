package driver

import (
	"context"
	"testing"
	"time"

	"github.com/lanraft/lanraft/pkg/kv"
	"github.com/lanraft/lanraft/pkg/raft"
	"github.com/lanraft/lanraft/pkg/storage/memstore"
	"github.com/lanraft/lanraft/pkg/transport/local"
)

const (
	laneOne raft.LaneID = 1
	laneTwo raft.LaneID = 2
)

type testNode struct {
	id      raft.NodeID
	driver  *Driver
	storeL1 *kv.Store
	storeL2 *kv.Store
}

func buildNodes(t *testing.T, ctx context.Context, transport *local.Transport, ids []raft.NodeID) map[raft.NodeID]*testNode {
	t.Helper()
	membership := raft.NewMembership(ids...)
	cfg := raft.DefaultConfig()
	cfg.ElectionMin = 60 * time.Millisecond
	cfg.ElectionMax = 120 * time.Millisecond

	nodes := make(map[raft.NodeID]*testNode, len(ids))
	for _, id := range ids {
		d := New(id, transport, 50*time.Millisecond)
		n := &testNode{id: id, driver: d, storeL1: kv.New(0), storeL2: kv.New(0)}

		if _, err := d.AddLane(ctx, laneOne, LaneConfig{
			LogStore: memstore.New(), BallotStore: memstore.New(), App: n.storeL1, Membership: membership, Config: cfg,
		}); err != nil {
			t.Fatalf("AddLane 1 on %s: %v", id, err)
		}
		if _, err := d.AddLane(ctx, laneTwo, LaneConfig{
			LogStore: memstore.New(), BallotStore: memstore.New(), App: n.storeL2, Membership: membership, Config: cfg,
		}); err != nil {
			t.Fatalf("AddLane 2 on %s: %v", id, err)
		}
		transport.Register(id, d)
		nodes[id] = n
	}
	return nodes
}

func waitForLeader(t *testing.T, nodes map[raft.NodeID]*testNode, lane raft.LaneID, timeout time.Duration) *raft.RaftProcess {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		for _, n := range nodes {
			p, ok := n.driver.Lane(lane)
			if ok && p.IsLeader() {
				return p
			}
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("no leader elected on lane %d within %s", lane, timeout)
	return nil
}

func TestDriverMultiplexesTwoLanesOverOneTransport(t *testing.T) {
	ctx := context.Background()
	transport := local.New()
	ids := []raft.NodeID{"n0", "n1", "n2"}
	nodes := buildNodes(t, ctx, transport, ids)

	for _, n := range nodes {
		n.driver.Start(ctx)
	}
	defer func() {
		for _, n := range nodes {
			n.driver.Stop()
		}
	}()

	leader1 := waitForLeader(t, nodes, laneOne, 3*time.Second)
	leader2 := waitForLeader(t, nodes, laneTwo, 3*time.Second)

	if _, err := leader1.Write(ctx, &raft.WriteRequest{Lane: laneOne, Message: kv.EncodeSet("only-lane-1", []byte("x"), "", 0)}); err != nil {
		t.Fatalf("write on lane 1: %v", err)
	}

	time.Sleep(300 * time.Millisecond)

	for id, n := range nodes {
		if n.storeL1.Size() != 1 {
			t.Fatalf("node %s lane-1 store size = %d, want 1", id, n.storeL1.Size())
		}
		if n.storeL2.Size() != 0 {
			t.Fatalf("node %s lane-2 store size = %d, want 0 (lane isolation violated)", id, n.storeL2.Size())
		}
	}
	_ = leader2
}

func TestDriverRejectsDuplicateLane(t *testing.T) {
	ctx := context.Background()
	transport := local.New()
	membership := raft.NewMembership("solo")
	d := New("solo", transport, 50*time.Millisecond)
	cfg := raft.DefaultConfig()

	if _, err := d.AddLane(ctx, laneOne, LaneConfig{
		LogStore: memstore.New(), BallotStore: memstore.New(), App: kv.New(0), Membership: membership, Config: cfg,
	}); err != nil {
		t.Fatalf("first AddLane: %v", err)
	}
	if _, err := d.AddLane(ctx, laneOne, LaneConfig{
		LogStore: memstore.New(), BallotStore: memstore.New(), App: kv.New(0), Membership: membership, Config: cfg,
	}); err == nil {
		t.Fatal("expected an error adding the same lane id twice")
	}
}

func TestHandleRequestVoteRejectsUnhostedLane(t *testing.T) {
	ctx := context.Background()
	d := New("solo", local.New(), 50*time.Millisecond)
	_, err := d.HandleRequestVote(ctx, &raft.RequestVoteArgs{Lane: 99, CandidateID: "other", Term: 1})
	if err == nil {
		t.Fatal("expected an error for a lane this driver does not host")
	}
}
