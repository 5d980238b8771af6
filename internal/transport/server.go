package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"lockmesh/internal/lockservice"
	"lockmesh/internal/metrics"
	"lockmesh/internal/pbft"
	"lockmesh/internal/raft"
)

type ServerConfig struct {
	Address        string
	RequestTimeout time.Duration
}

// Server hosts the peer consensus traffic and the client lock surface on one
// listener. Services for an engine that is not running on this node are
// simply not registered.
type Server struct {
	cfg ServerConfig
	srv *grpc.Server
	lis net.Listener
}

func NewServer(cfg ServerConfig, raftNode *raft.Node, pbftNode *pbft.Node, lockSvc *lockservice.Service) *Server {
	srv := grpc.NewServer(
		grpc.ForceServerCodec(gobCodec{}),
		grpc.ChainUnaryInterceptor(
			timeoutInterceptor(cfg.RequestTimeout),
			metrics.UnaryServerInterceptor(),
		),
	)
	if raftNode != nil {
		srv.RegisterService(&raftServiceDesc, &raftAdapter{node: raftNode})
	}
	if pbftNode != nil {
		srv.RegisterService(&pbftServiceDesc, &pbftAdapter{node: pbftNode})
	}
	if lockSvc != nil {
		srv.RegisterService(&lockServiceDesc, &lockAdapter{svc: lockSvc})
	}
	return &Server{cfg: cfg, srv: srv}
}

func (s *Server) Start() error {
	lis, err := net.Listen("tcp", s.cfg.Address)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.cfg.Address, err)
	}
	s.lis = lis
	slog.Info("grpc server listening", "address", lis.Addr().String())
	go func() {
		if err := s.srv.Serve(lis); err != nil {
			slog.Error("grpc server stopped", "error", err)
		}
	}()
	return nil
}

// Addr reports the bound listen address, available after Start.
func (s *Server) Addr() string {
	if s.lis == nil {
		return s.cfg.Address
	}
	return s.lis.Addr().String()
}

func (s *Server) Stop() {
	s.srv.GracefulStop()
	slog.Info("grpc server stopped gracefully")
}

func timeoutInterceptor(timeout time.Duration) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		if timeout <= 0 {
			return handler(ctx, req)
		}
		ctx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		return handler(ctx, req)
	}
}

type raftAdapter struct {
	node *raft.Node
}

func (a *raftAdapter) RequestVote(ctx context.Context, req *raft.RequestVoteRequest) (*raft.RequestVoteResponse, error) {
	resp, err := a.node.HandleRequestVote(ctx, req)
	if err != nil {
		return nil, mapEngineError(err)
	}
	return resp, nil
}

func (a *raftAdapter) AppendEntries(ctx context.Context, req *raft.AppendEntriesRequest) (*raft.AppendEntriesResponse, error) {
	resp, err := a.node.HandleAppendEntries(ctx, req)
	if err != nil {
		return nil, mapEngineError(err)
	}
	return resp, nil
}

type pbftAdapter struct {
	node *pbft.Node
}

func (a *pbftAdapter) Deliver(ctx context.Context, msg *pbft.Message) (*Ack, error) {
	if err := a.node.HandleMessage(ctx, msg); err != nil {
		return nil, mapEngineError(err)
	}
	return &Ack{}, nil
}

type lockAdapter struct {
	svc *lockservice.Service
}

func (a *lockAdapter) Acquire(ctx context.Context, req *AcquireRequest) (*OutcomeResponse, error) {
	out, err := a.svc.Acquire(ctx, req.LockID, req.RequesterID, req.Mode, req.TimeoutMs)
	if err != nil {
		return nil, mapLockError(err)
	}
	return &OutcomeResponse{Outcome: out}, nil
}

func (a *lockAdapter) Release(ctx context.Context, req *ReleaseRequest) (*OutcomeResponse, error) {
	out, err := a.svc.Release(ctx, req.LockID, req.RequesterID)
	if err != nil {
		return nil, mapLockError(err)
	}
	return &OutcomeResponse{Outcome: out}, nil
}

func (a *lockAdapter) Wait(ctx context.Context, req *WaitRequest) (*OutcomeResponse, error) {
	out, err := a.svc.Wait(ctx, req.RequestID)
	if err != nil {
		return nil, mapLockError(err)
	}
	return &OutcomeResponse{Outcome: out}, nil
}

func (a *lockAdapter) Status(_ context.Context, req *StatusRequest) (*StatusResponse, error) {
	return &StatusResponse{Status: a.svc.Status(req.LockID)}, nil
}

func mapEngineError(err error) error {
	switch {
	case errors.Is(err, raft.ErrShuttingDown), errors.Is(err, pbft.ErrShuttingDown):
		return status.Error(codes.Unavailable, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		return status.Error(codes.DeadlineExceeded, err.Error())
	default:
		return status.Error(codes.Internal, err.Error())
	}
}

func mapLockError(err error) error {
	var notLeader *lockservice.NotLeaderError
	switch {
	case errors.As(err, &notLeader):
		// The hint rides in the message; at-least-once clients re-dial the
		// named leader and retry.
		return status.Error(codes.FailedPrecondition, notLeader.Error())
	case errors.Is(err, raft.ErrNotLeader), errors.Is(err, pbft.ErrNotPrimary):
		return status.Error(codes.FailedPrecondition, err.Error())
	case errors.Is(err, lockservice.ErrShuttingDown),
		errors.Is(err, raft.ErrShuttingDown),
		errors.Is(err, pbft.ErrShuttingDown):
		return status.Error(codes.Unavailable, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		return status.Error(codes.DeadlineExceeded, err.Error())
	default:
		return status.Error(codes.Internal, err.Error())
	}
}
