package grpcraft

import (
	"context"

	"google.golang.org/grpc"

	"github.com/lanraft/lanraft/pkg/raft"
)

const serviceName = "lanraft.Raft"

// ack is the empty gob-encodable reply for the one RPC (TimeoutNow) whose
// raft.Transport method returns no value besides an error.
type ack struct{}

// Node is the inbound RPC surface a Server dispatches to, matching
// pkg/driver.Driver's handler methods and pkg/transport/local.Node.
type Node interface {
	HandleRequestVote(ctx context.Context, args *raft.RequestVoteArgs) (*raft.RequestVoteReply, error)
	HandleAppendEntries(ctx context.Context, args *raft.AppendEntriesArgs) (*raft.AppendEntriesReply, error)
	HandleInstallSnapshotChunk(ctx context.Context, args *raft.InstallSnapshotChunk) (*raft.InstallSnapshotReply, error)
	HandleSendHeartbeat(ctx context.Context, args *raft.SendHeartbeat) (*raft.HeartbeatAck, error)
	HandleTimeoutNow(ctx context.Context, args *raft.TimeoutNowArgs) error
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*Node)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "RequestVote", Handler: requestVoteHandler},
		{MethodName: "AppendEntries", Handler: appendEntriesHandler},
		{MethodName: "InstallSnapshotChunk", Handler: installSnapshotChunkHandler},
		{MethodName: "SendHeartbeat", Handler: sendHeartbeatHandler},
		{MethodName: "TimeoutNow", Handler: timeoutNowHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "pkg/transport/grpcraft/service.go",
}

func requestVoteHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(raft.RequestVoteArgs)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(Node).HandleRequestVote(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + serviceName + "/RequestVote"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(Node).HandleRequestVote(ctx, req.(*raft.RequestVoteArgs))
	}
	return interceptor(ctx, in, info, handler)
}

func appendEntriesHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(raft.AppendEntriesArgs)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(Node).HandleAppendEntries(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + serviceName + "/AppendEntries"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(Node).HandleAppendEntries(ctx, req.(*raft.AppendEntriesArgs))
	}
	return interceptor(ctx, in, info, handler)
}

func installSnapshotChunkHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(raft.InstallSnapshotChunk)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(Node).HandleInstallSnapshotChunk(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + serviceName + "/InstallSnapshotChunk"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(Node).HandleInstallSnapshotChunk(ctx, req.(*raft.InstallSnapshotChunk))
	}
	return interceptor(ctx, in, info, handler)
}

func sendHeartbeatHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(raft.SendHeartbeat)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(Node).HandleSendHeartbeat(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + serviceName + "/SendHeartbeat"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(Node).HandleSendHeartbeat(ctx, req.(*raft.SendHeartbeat))
	}
	return interceptor(ctx, in, info, handler)
}

func timeoutNowHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(raft.TimeoutNowArgs)
	if err := dec(in); err != nil {
		return nil, err
	}
	run := func(ctx context.Context, req interface{}) (interface{}, error) {
		return &ack{}, srv.(Node).HandleTimeoutNow(ctx, req.(*raft.TimeoutNowArgs))
	}
	if interceptor == nil {
		return run(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + serviceName + "/TimeoutNow"}
	return interceptor(ctx, in, info, run)
}
