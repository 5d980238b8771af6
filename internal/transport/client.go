package transport

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"lockmesh/internal/pbft"
	"lockmesh/internal/raft"
)

// PeerClient pools one ClientConn per peer and speaks both consensus
// services over them. It satisfies the raft and pbft transport interfaces.
type PeerClient struct {
	addrs map[uint64]string

	mu    sync.Mutex
	conns map[uint64]*grpc.ClientConn
}

func NewPeerClient(addrs map[uint64]string) *PeerClient {
	peers := make(map[uint64]string, len(addrs))
	for id, addr := range addrs {
		peers[id] = addr
	}
	return &PeerClient{
		addrs: peers,
		conns: make(map[uint64]*grpc.ClientConn),
	}
}

func (c *PeerClient) conn(peerID uint64) (*grpc.ClientConn, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if conn, ok := c.conns[peerID]; ok {
		return conn, nil
	}
	addr, ok := c.addrs[peerID]
	if !ok {
		return nil, fmt.Errorf("no address configured for peer %d", peerID)
	}
	conn, err := dial(addr)
	if err != nil {
		return nil, fmt.Errorf("dial peer %d: %w", peerID, err)
	}
	c.conns[peerID] = conn
	return conn, nil
}

func (c *PeerClient) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for id, conn := range c.conns {
		if err := conn.Close(); err != nil {
			slog.Warn("closing peer connection", "peer_id", id, "error", err)
		}
		delete(c.conns, id)
	}
}

func (c *PeerClient) RequestVote(ctx context.Context, peerID uint64, req *raft.RequestVoteRequest) (*raft.RequestVoteResponse, error) {
	conn, err := c.conn(peerID)
	if err != nil {
		return nil, err
	}
	resp := new(raft.RequestVoteResponse)
	if err := conn.Invoke(ctx, "/"+raftServiceName+"/RequestVote", req, resp); err != nil {
		return nil, err
	}
	return resp, nil
}

func (c *PeerClient) AppendEntries(ctx context.Context, peerID uint64, req *raft.AppendEntriesRequest) (*raft.AppendEntriesResponse, error) {
	conn, err := c.conn(peerID)
	if err != nil {
		return nil, err
	}
	resp := new(raft.AppendEntriesResponse)
	if err := conn.Invoke(ctx, "/"+raftServiceName+"/AppendEntries", req, resp); err != nil {
		return nil, err
	}
	return resp, nil
}

// Broadcast fans the message out to every configured peer concurrently. A
// partial failure is reported but never rolled back; quorum arithmetic in
// the engine absorbs missing deliveries.
func (c *PeerClient) Broadcast(ctx context.Context, msg *pbft.Message) error {
	g, ctx := errgroup.WithContext(ctx)
	for peerID := range c.addrs {
		peerID := peerID
		g.Go(func() error {
			conn, err := c.conn(peerID)
			if err != nil {
				return err
			}
			return conn.Invoke(ctx, "/"+pbftServiceName+"/Deliver", msg, new(Ack))
		})
	}
	return g.Wait()
}

// LockClient is the caller side of the client lock surface, used by the CLI
// and tests.
type LockClient struct {
	conn *grpc.ClientConn
}

func DialLock(addr string) (*LockClient, error) {
	conn, err := dial(addr)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}
	return &LockClient{conn: conn}, nil
}

func (c *LockClient) Close() error {
	return c.conn.Close()
}

func (c *LockClient) Acquire(ctx context.Context, req *AcquireRequest) (*OutcomeResponse, error) {
	resp := new(OutcomeResponse)
	if err := c.conn.Invoke(ctx, "/"+lockServiceName+"/Acquire", req, resp); err != nil {
		return nil, err
	}
	return resp, nil
}

func (c *LockClient) Release(ctx context.Context, req *ReleaseRequest) (*OutcomeResponse, error) {
	resp := new(OutcomeResponse)
	if err := c.conn.Invoke(ctx, "/"+lockServiceName+"/Release", req, resp); err != nil {
		return nil, err
	}
	return resp, nil
}

func (c *LockClient) Wait(ctx context.Context, req *WaitRequest) (*OutcomeResponse, error) {
	resp := new(OutcomeResponse)
	if err := c.conn.Invoke(ctx, "/"+lockServiceName+"/Wait", req, resp); err != nil {
		return nil, err
	}
	return resp, nil
}

func (c *LockClient) Status(ctx context.Context, req *StatusRequest) (*StatusResponse, error) {
	resp := new(StatusResponse)
	if err := c.conn.Invoke(ctx, "/"+lockServiceName+"/Status", req, resp); err != nil {
		return nil, err
	}
	return resp, nil
}

func dial(addr string) (*grpc.ClientConn, error) {
	return grpc.NewClient(addr,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.ForceCodec(gobCodec{})),
	)
}
