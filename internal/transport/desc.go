package transport

import (
	"context"

	"google.golang.org/grpc"

	"lockmesh/internal/pbft"
	"lockmesh/internal/raft"
)

// Hand-maintained service descriptors. The method tables mirror what
// protoc-gen-go-grpc would emit, minus the proto layer; adding an RPC means
// adding a handler here and a method to the matching server interface.

const (
	raftServiceName = "lockmesh.Raft"
	pbftServiceName = "lockmesh.PBFT"
	lockServiceName = "lockmesh.Lock"
)

type raftServer interface {
	RequestVote(ctx context.Context, req *raft.RequestVoteRequest) (*raft.RequestVoteResponse, error)
	AppendEntries(ctx context.Context, req *raft.AppendEntriesRequest) (*raft.AppendEntriesResponse, error)
}

type pbftServer interface {
	Deliver(ctx context.Context, msg *pbft.Message) (*Ack, error)
}

type lockServer interface {
	Acquire(ctx context.Context, req *AcquireRequest) (*OutcomeResponse, error)
	Release(ctx context.Context, req *ReleaseRequest) (*OutcomeResponse, error)
	Wait(ctx context.Context, req *WaitRequest) (*OutcomeResponse, error)
	Status(ctx context.Context, req *StatusRequest) (*StatusResponse, error)
}

var raftServiceDesc = grpc.ServiceDesc{
	ServiceName: raftServiceName,
	HandlerType: (*raftServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "RequestVote", Handler: raftRequestVoteHandler},
		{MethodName: "AppendEntries", Handler: raftAppendEntriesHandler},
	},
	Streams: []grpc.StreamDesc{},
}

var pbftServiceDesc = grpc.ServiceDesc{
	ServiceName: pbftServiceName,
	HandlerType: (*pbftServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Deliver", Handler: pbftDeliverHandler},
	},
	Streams: []grpc.StreamDesc{},
}

var lockServiceDesc = grpc.ServiceDesc{
	ServiceName: lockServiceName,
	HandlerType: (*lockServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Acquire", Handler: lockAcquireHandler},
		{MethodName: "Release", Handler: lockReleaseHandler},
		{MethodName: "Wait", Handler: lockWaitHandler},
		{MethodName: "Status", Handler: lockStatusHandler},
	},
	Streams: []grpc.StreamDesc{},
}

func raftRequestVoteHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(raft.RequestVoteRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(raftServer).RequestVote(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + raftServiceName + "/RequestVote"}
	return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
		return srv.(raftServer).RequestVote(ctx, req.(*raft.RequestVoteRequest))
	})
}

func raftAppendEntriesHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(raft.AppendEntriesRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(raftServer).AppendEntries(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + raftServiceName + "/AppendEntries"}
	return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
		return srv.(raftServer).AppendEntries(ctx, req.(*raft.AppendEntriesRequest))
	})
}

func pbftDeliverHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(pbft.Message)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(pbftServer).Deliver(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + pbftServiceName + "/Deliver"}
	return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
		return srv.(pbftServer).Deliver(ctx, req.(*pbft.Message))
	})
}

func lockAcquireHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(AcquireRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(lockServer).Acquire(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + lockServiceName + "/Acquire"}
	return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
		return srv.(lockServer).Acquire(ctx, req.(*AcquireRequest))
	})
}

func lockReleaseHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(ReleaseRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(lockServer).Release(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + lockServiceName + "/Release"}
	return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
		return srv.(lockServer).Release(ctx, req.(*ReleaseRequest))
	})
}

func lockWaitHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(WaitRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(lockServer).Wait(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + lockServiceName + "/Wait"}
	return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
		return srv.(lockServer).Wait(ctx, req.(*WaitRequest))
	})
}

func lockStatusHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(StatusRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(lockServer).Status(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + lockServiceName + "/Status"}
	return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
		return srv.(lockServer).Status(ctx, req.(*StatusRequest))
	})
}
