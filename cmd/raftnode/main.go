// Command raftnode hosts one or more lanes on top of pkg/driver, grounded
// on the teacher's cmd/server/main.go: flag-driven bootstrap, a gRPC
// transport plus an HTTP admin surface, and signal-driven graceful
// shutdown. Unlike the teacher's single-lane binary, -lanes starts N
// independent Raft groups sharing one Driver, one gRPC listener, and one
// HTTP listener.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/lanraft/lanraft/pkg/adminapi"
	"github.com/lanraft/lanraft/pkg/driver"
	"github.com/lanraft/lanraft/pkg/kv"
	"github.com/lanraft/lanraft/pkg/raft"
	"github.com/lanraft/lanraft/pkg/storage/filelog"
	"github.com/lanraft/lanraft/pkg/transport/grpcraft"
)

func main() {
	nodeID := flag.String("id", "", "node id")
	grpcAddr := flag.String("addr", "", "gRPC listen address (e.g., localhost:5000)")
	httpAddr := flag.String("http", "", "HTTP admin listen address (e.g., localhost:8000)")
	peers := flag.String("peers", "", "comma-separated peer list (id1=addr1,id2=addr2), including self")
	dataDir := flag.String("data", "", "directory for on-disk log/ballot storage")
	lanes := flag.Uint("lanes", 1, "number of lanes to host, numbered 0..lanes-1")
	snapshotEach := flag.Uint64("snapshot-each", 1000, "writes between automatic snapshot proposals, 0 disables")
	flag.Parse()

	if *nodeID == "" || *grpcAddr == "" || *httpAddr == "" {
		flag.Usage()
		os.Exit(1)
	}

	peerAddrs, memberIDs := parsePeers(*peers, raft.NodeID(*nodeID), *grpcAddr)

	dir := *dataDir
	if dir == "" {
		dir = fmt.Sprintf("/tmp/lanraft-%s", *nodeID)
	}

	log.Printf("starting node %s: grpc=%s http=%s lanes=%d peers=%v", *nodeID, *grpcAddr, *httpAddr, *lanes, memberIDs)

	outbound := grpcraft.NewTransport(5 * time.Second)
	for id, addr := range peerAddrs {
		if id != raft.NodeID(*nodeID) {
			outbound.RegisterPeer(id, addr)
		}
	}

	d := driver.New(raft.NodeID(*nodeID), outbound, 300*time.Millisecond)

	membership := raft.NewMembership(memberIDs...)
	stores := make(map[raft.LaneID]*kv.Store, *lanes)

	ctx := context.Background()
	for i := uint(0); i < *lanes; i++ {
		lane := raft.LaneID(i)
		logStore, err := filelog.Open(fmt.Sprintf("%s/lane-%d", dir, i))
		if err != nil {
			log.Fatalf("open log store for lane %d: %v", i, err)
		}
		store := kv.New(*snapshotEach)
		stores[lane] = store

		if _, err := d.AddLane(ctx, lane, driver.LaneConfig{
			LogStore:    logStore,
			BallotStore: logStore,
			App:         store,
			Membership:  membership,
			Config:      raft.DefaultConfig(),
		}); err != nil {
			log.Fatalf("add lane %d: %v", i, err)
		}
	}
	d.Start(ctx)

	grpcServer, err := grpcraft.NewServer(*grpcAddr, d)
	if err != nil {
		log.Fatalf("start grpc server: %v", err)
	}
	go func() {
		if err := grpcServer.Serve(); err != nil {
			log.Printf("grpc server stopped: %v", err)
		}
	}()

	httpServer := &http.Server{
		Addr:    *httpAddr,
		Handler: adminapi.New(d, stores),
	}
	go func() {
		log.Printf("admin API listening on %s", *httpAddr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("http server error: %v", err)
		}
	}()

	// clientID is minted and logged at start-up only; it is not passed to
	// the admin handler, whose kv routes take client_id from each request.
	clientID := uuid.NewString()
	log.Printf("node %s ready, admin client id %s", *nodeID, clientID)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	log.Println("shutting down...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = httpServer.Shutdown(shutdownCtx)
	grpcServer.Stop()
	d.Stop()
	outbound.Close()
	log.Println("shutdown complete")
}

// parsePeers parses "id1=addr1,id2=addr2" into an address map and returns
// the full member id list, inserting self under selfAddr if peers omits it.
func parsePeers(peers string, self raft.NodeID, selfAddr string) (map[raft.NodeID]string, []raft.NodeID) {
	addrs := map[raft.NodeID]string{self: selfAddr}
	ids := []raft.NodeID{self}
	if peers == "" {
		return addrs, ids
	}
	for _, entry := range strings.Split(peers, ",") {
		parts := strings.SplitN(entry, "=", 2)
		if len(parts) != 2 {
			continue
		}
		id := raft.NodeID(parts[0])
		if id == self {
			continue
		}
		addrs[id] = parts[1]
		ids = append(ids, id)
	}
	return addrs, ids
}
