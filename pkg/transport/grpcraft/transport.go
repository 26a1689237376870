package grpcraft

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/lanraft/lanraft/pkg/raft"
)

// Server runs a real gRPC server exposing one Node (typically a
// *pkg/driver.Driver) over the network, grounded on the teacher's
// pkg/rpc/server.go Server.
type Server struct {
	grpcServer *grpc.Server
	listener   net.Listener
}

// NewServer listens on addr and registers node against the hand-written
// service descriptor.
func NewServer(addr string, node Node) (*Server, error) {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("grpcraft: listen on %s: %w", addr, err)
	}
	gs := grpc.NewServer()
	gs.RegisterService(&serviceDesc, node)
	return &Server{grpcServer: gs, listener: lis}, nil
}

// Addr returns the bound network address, useful when addr was ":0".
func (s *Server) Addr() string { return s.listener.Addr().String() }

// Serve blocks, accepting connections until Stop is called.
func (s *Server) Serve() error { return s.grpcServer.Serve(s.listener) }

// Stop gracefully drains in-flight RPCs and closes the listener.
func (s *Server) Stop() { s.grpcServer.GracefulStop() }

// Transport is a raft.Transport backed by real gRPC client connections, one
// per peer NodeID, reused across every lane hosted on this node (spec §2
// item 10 "connection reuse"). Grounded on the teacher's rpc.Transport /
// pkg/grpc.GRPCTransport, minus the protoc-generated proto subpackage.
type Transport struct {
	mu        sync.RWMutex
	peerAddrs map[raft.NodeID]string
	conns     map[raft.NodeID]*grpc.ClientConn
	timeout   time.Duration
}

// NewTransport returns a Transport with no peers registered yet.
func NewTransport(timeout time.Duration) *Transport {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Transport{
		peerAddrs: make(map[raft.NodeID]string),
		conns:     make(map[raft.NodeID]*grpc.ClientConn),
		timeout:   timeout,
	}
}

// RegisterPeer records the dial address for a remote node. The connection
// itself is established lazily and cached on first use.
func (t *Transport) RegisterPeer(id raft.NodeID, addr string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.peerAddrs[id] = addr
}

// Close tears down every cached client connection.
func (t *Transport) Close() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, c := range t.conns {
		c.Close()
	}
	t.conns = make(map[raft.NodeID]*grpc.ClientConn)
}

func (t *Transport) getConn(target raft.NodeID) (*grpc.ClientConn, error) {
	t.mu.RLock()
	if c, ok := t.conns[target]; ok {
		t.mu.RUnlock()
		return c, nil
	}
	addr, ok := t.peerAddrs[target]
	t.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("grpcraft: %w: no address registered for %s", raft.ErrPeerNotFound, target)
	}

	conn, err := grpc.Dial(addr,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype(codecName)),
	)
	if err != nil {
		return nil, fmt.Errorf("grpcraft: dial %s: %w", addr, err)
	}

	t.mu.Lock()
	if existing, ok := t.conns[target]; ok {
		t.mu.Unlock()
		conn.Close()
		return existing, nil
	}
	t.conns[target] = conn
	t.mu.Unlock()
	return conn, nil
}

func (t *Transport) invoke(ctx context.Context, target raft.NodeID, method string, req, reply interface{}) error {
	conn, err := t.getConn(target)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()
	return conn.Invoke(ctx, "/"+serviceName+"/"+method, req, reply)
}

func (t *Transport) RequestVote(ctx context.Context, target raft.NodeID, args *raft.RequestVoteArgs) (*raft.RequestVoteReply, error) {
	reply := new(raft.RequestVoteReply)
	if err := t.invoke(ctx, target, "RequestVote", args, reply); err != nil {
		return nil, err
	}
	return reply, nil
}

func (t *Transport) AppendEntries(ctx context.Context, target raft.NodeID, args *raft.AppendEntriesArgs) (*raft.AppendEntriesReply, error) {
	reply := new(raft.AppendEntriesReply)
	if err := t.invoke(ctx, target, "AppendEntries", args, reply); err != nil {
		return nil, err
	}
	return reply, nil
}

func (t *Transport) InstallSnapshotChunk(ctx context.Context, target raft.NodeID, args *raft.InstallSnapshotChunk) (*raft.InstallSnapshotReply, error) {
	reply := new(raft.InstallSnapshotReply)
	if err := t.invoke(ctx, target, "InstallSnapshotChunk", args, reply); err != nil {
		return nil, err
	}
	return reply, nil
}

func (t *Transport) SendHeartbeat(ctx context.Context, target raft.NodeID, args *raft.SendHeartbeat) (*raft.HeartbeatAck, error) {
	reply := new(raft.HeartbeatAck)
	if err := t.invoke(ctx, target, "SendHeartbeat", args, reply); err != nil {
		return nil, err
	}
	return reply, nil
}

func (t *Transport) TimeoutNow(ctx context.Context, target raft.NodeID, args *raft.TimeoutNowArgs) error {
	return t.invoke(ctx, target, "TimeoutNow", args, new(ack))
}

var _ raft.Transport = (*Transport)(nil)
