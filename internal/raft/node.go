package raft

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"lockmesh/internal/domain"
	"lockmesh/internal/metrics"
)

type Config struct {
	NodeID uint64
	// Peers are the other cluster members; the cluster size is len(Peers)+1.
	Peers []uint64

	ElectionTimeoutMin time.Duration
	ElectionTimeoutMax time.Duration
	HeartbeatInterval  time.Duration
	RPCTimeout         time.Duration
	StepInboxSize      int
}

func (c *Config) withDefaults() Config {
	cfg := *c
	if cfg.ElectionTimeoutMin <= 0 {
		cfg.ElectionTimeoutMin = 150 * time.Millisecond
	}
	if cfg.ElectionTimeoutMax <= cfg.ElectionTimeoutMin {
		cfg.ElectionTimeoutMax = 2 * cfg.ElectionTimeoutMin
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = cfg.ElectionTimeoutMin / 3
	}
	if cfg.RPCTimeout <= 0 {
		cfg.RPCTimeout = cfg.ElectionTimeoutMin
	}
	if cfg.StepInboxSize <= 0 {
		cfg.StepInboxSize = 256
	}
	return cfg
}

type voteStep struct {
	req  *RequestVoteRequest
	resp chan *RequestVoteResponse
}

type appendStep struct {
	req  *AppendEntriesRequest
	resp chan *AppendEntriesResponse
}

type proposeStep struct {
	data []byte
	resp chan error
}

type voteResult struct {
	peerID uint64
	term   uint64 // term the election ran in
	resp   *RequestVoteResponse
}

type appendResult struct {
	peerID    uint64
	term      uint64 // term the entries were sent in
	prevIndex uint64
	count     uint64
	resp      *AppendEntriesResponse
	err       error
}

// Node is a crash-tolerant consensus engine. All mutable state below the
// published atomics is owned by the run loop: inbound RPCs, proposals, timer
// fires and RPC results all funnel through channels into that single
// goroutine, so a leader can step down on a higher term while its own
// replication round is still in flight.
type Node struct {
	cfg       Config
	id        uint64
	peers     []uint64
	storage   *Storage
	transport Transport
	sm        domain.StateMachine
	suspector domain.Suspector
	rng       *rand.Rand

	role        Role
	currentTerm uint64
	votedFor    uint64
	leaderID    uint64
	log         raftLog
	commitIndex uint64
	lastApplied uint64

	// Leader bookkeeping, reset on every election win.
	nextIndex  map[uint64]uint64
	matchIndex map[uint64]uint64
	inFlight   map[uint64]bool

	votesGranted int

	voteInbox   chan voteStep
	appendInbox chan appendStep
	proposeCh   chan proposeStep
	voteResults chan voteResult
	appendRes   chan appendResult

	electionTimer *time.Timer

	stopCh    chan struct{}
	stopOnce  sync.Once
	stoppedWg sync.WaitGroup

	pubRole   atomic.Int32
	pubTerm   atomic.Uint64
	pubLeader atomic.Uint64
}

func NewNode(cfg Config, storage *Storage, transport Transport, sm domain.StateMachine, suspector domain.Suspector) (*Node, error) {
	cfg = cfg.withDefaults()

	entries, err := storage.Entries()
	if err != nil {
		return nil, fmt.Errorf("replay log: %w", err)
	}
	hs := storage.HardState()

	n := &Node{
		cfg:       cfg,
		id:        cfg.NodeID,
		peers:     append([]uint64(nil), cfg.Peers...),
		storage:   storage,
		transport: transport,
		sm:        sm,
		suspector: suspector,
		rng:       rand.New(rand.NewSource(time.Now().UnixNano() ^ int64(cfg.NodeID))),

		role:        Follower,
		currentTerm: hs.Term,
		votedFor:    hs.VotedFor,
		log:         raftLog{entries: entries},

		nextIndex:  make(map[uint64]uint64),
		matchIndex: make(map[uint64]uint64),
		inFlight:   make(map[uint64]bool),

		voteInbox:   make(chan voteStep, cfg.StepInboxSize),
		appendInbox: make(chan appendStep, cfg.StepInboxSize),
		proposeCh:   make(chan proposeStep, cfg.StepInboxSize),
		voteResults: make(chan voteResult, len(cfg.Peers)+1),
		appendRes:   make(chan appendResult, (len(cfg.Peers)+1)*4),

		stopCh: make(chan struct{}),
	}
	n.publish()

	slog.Info("raft node restored",
		"node_id", n.id,
		"term", n.currentTerm,
		"voted_for", n.votedFor,
		"log_last_index", n.log.lastIndex(),
	)
	return n, nil
}

func (n *Node) Start() {
	n.stoppedWg.Add(1)
	go n.run()
}

func (n *Node) Stop() {
	n.stopOnce.Do(func() { close(n.stopCh) })
	n.stoppedWg.Wait()
	if err := n.storage.Close(); err != nil {
		slog.Warn("closing raft storage", "node_id", n.id, "error", err)
	}
}

func (n *Node) NodeID() uint64   { return n.id }
func (n *Node) IsLeader() bool   { return Role(n.pubRole.Load()) == Leader }
func (n *Node) LeaderID() uint64 { return n.pubLeader.Load() }
func (n *Node) Term() uint64     { return n.pubTerm.Load() }

func (n *Node) quorum() int {
	return (len(n.peers)+1)/2 + 1
}

// Propose submits a command payload for replication. It returns once the
// entry is appended to the leader's log; commitment is observable through
// the state machine.
func (n *Node) Propose(ctx context.Context, data []byte) error {
	step := proposeStep{data: data, resp: make(chan error, 1)}
	select {
	case n.proposeCh <- step:
	case <-ctx.Done():
		return ctx.Err()
	case <-n.stopCh:
		return ErrShuttingDown
	}
	select {
	case err := <-step.resp:
		if err != nil {
			metrics.RaftProposalsTotal.WithLabelValues("rejected").Inc()
			return err
		}
		metrics.RaftProposalsTotal.WithLabelValues("accepted").Inc()
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-n.stopCh:
		return ErrShuttingDown
	}
}

// HandleRequestVote is the inbound RPC entry point; it hands the request to
// the run loop and waits for the loop's answer.
func (n *Node) HandleRequestVote(ctx context.Context, req *RequestVoteRequest) (*RequestVoteResponse, error) {
	metrics.RaftMessagesTotal.WithLabelValues("received", "request_vote").Inc()
	step := voteStep{req: req, resp: make(chan *RequestVoteResponse, 1)}
	select {
	case n.voteInbox <- step:
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-n.stopCh:
		return nil, ErrShuttingDown
	}
	select {
	case resp := <-step.resp:
		return resp, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-n.stopCh:
		return nil, ErrShuttingDown
	}
}

func (n *Node) HandleAppendEntries(ctx context.Context, req *AppendEntriesRequest) (*AppendEntriesResponse, error) {
	metrics.RaftMessagesTotal.WithLabelValues("received", "append_entries").Inc()
	step := appendStep{req: req, resp: make(chan *AppendEntriesResponse, 1)}
	select {
	case n.appendInbox <- step:
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-n.stopCh:
		return nil, ErrShuttingDown
	}
	select {
	case resp := <-step.resp:
		return resp, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-n.stopCh:
		return nil, ErrShuttingDown
	}
}

// publish mirrors loop-owned state into atomics for RPC-goroutine readers.
func (n *Node) publish() {
	n.pubRole.Store(int32(n.role))
	n.pubTerm.Store(n.currentTerm)
	n.pubLeader.Store(n.leaderID)
	metrics.RaftRole.Set(float64(n.role))
	metrics.RaftTerm.Set(float64(n.currentTerm))
}

func (n *Node) electionTimeout() time.Duration {
	span := n.cfg.ElectionTimeoutMax - n.cfg.ElectionTimeoutMin
	return n.cfg.ElectionTimeoutMin + time.Duration(n.rng.Int63n(int64(span)+1))
}

func (n *Node) resetElectionTimer() {
	if n.electionTimer == nil {
		n.electionTimer = time.NewTimer(n.electionTimeout())
		return
	}
	if !n.electionTimer.Stop() {
		select {
		case <-n.electionTimer.C:
		default:
		}
	}
	n.electionTimer.Reset(n.electionTimeout())
}

func (n *Node) persistHardState() error {
	return n.storage.SaveHardState(HardState{Term: n.currentTerm, VotedFor: n.votedFor})
}
