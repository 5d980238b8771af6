package pbft

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru"

	"lockmesh/internal/domain"
	"lockmesh/internal/metrics"
)

const executedDigestCacheSize = 4096

type Config struct {
	NodeID uint64
	// Replicas is the full membership including this node. The primary for
	// view v is Replicas[v mod n] after sorting by ID.
	Replicas []uint64

	ViewTimeout   time.Duration
	RPCTimeout    time.Duration
	StepInboxSize int
}

func (c *Config) withDefaults() Config {
	cfg := *c
	if cfg.ViewTimeout <= 0 {
		cfg.ViewTimeout = 2 * time.Second
	}
	if cfg.RPCTimeout <= 0 {
		cfg.RPCTimeout = cfg.ViewTimeout / 2
	}
	if cfg.StepInboxSize <= 0 {
		cfg.StepInboxSize = 1024
	}
	return cfg
}

type proposeStep struct {
	data []byte
	resp chan error
}

// slot accumulates the three-phase state for one sequence number in the
// current view. Prepares and commits are keyed by sender and record the
// digest each sender vouched for, so an equivocating replica contributes to
// at most one digest's count.
type slot struct {
	prePrepared bool
	digest      [32]byte
	payload     []byte
	prepares    map[uint64][32]byte
	commits     map[uint64][32]byte
	sentCommit  bool
}

func newSlot() *slot {
	return &slot{
		prepares: make(map[uint64][32]byte),
		commits:  make(map[uint64][32]byte),
	}
}

func (s *slot) matchingPrepares() int {
	return countMatching(s.prepares, s.digest)
}

func (s *slot) matchingCommits() int {
	return countMatching(s.commits, s.digest)
}

func countMatching(votes map[uint64][32]byte, digest [32]byte) int {
	n := 0
	for _, d := range votes {
		if d == digest {
			n++
		}
	}
	return n
}

// Node is a Byzantine-tolerant consensus engine over n=3f+1 replicas. It
// produces the same ordered-command abstraction as the crash-tolerant
// engine: committed payloads reach the state machine in sequence order on
// every correct replica. Like its counterpart, all protocol state is owned
// by the run loop and fed through channels.
type Node struct {
	cfg       Config
	id        uint64
	replicas  []uint64
	f         int
	transport Transport
	sm        domain.StateMachine
	auth      Authenticator
	suspector domain.Suspector

	view         uint64
	nextSeq      uint64
	lastExecuted uint64
	slots        map[uint64]*slot
	changingView bool
	pendingView  uint64
	// viewChanges collects ViewChange messages per proposed view, by sender.
	viewChanges map[uint64]map[uint64]*Message

	executedDigests *lru.Cache

	msgInbox  chan *Message
	proposeCh chan proposeStep

	progressTimer *time.Timer

	stopCh    chan struct{}
	stopOnce  sync.Once
	stoppedWg sync.WaitGroup

	pubView    atomic.Uint64
	pubPrimary atomic.Uint64
}

// NewNode validates the membership and builds a replica. auth may be nil,
// in which case every message is accepted unverified; suspector may be nil.
func NewNode(cfg Config, transport Transport, sm domain.StateMachine, auth Authenticator, suspector domain.Suspector) (*Node, error) {
	cfg = cfg.withDefaults()

	replicas := append([]uint64(nil), cfg.Replicas...)
	slices.Sort(replicas)
	if len(replicas) < 4 {
		return nil, fmt.Errorf("%w: got %d", ErrClusterSize, len(replicas))
	}
	if !slices.Contains(replicas, cfg.NodeID) {
		return nil, fmt.Errorf("node %d is not in the replica set", cfg.NodeID)
	}

	cache, err := lru.New(executedDigestCacheSize)
	if err != nil {
		return nil, fmt.Errorf("executed digest cache: %w", err)
	}

	n := &Node{
		cfg:       cfg,
		id:        cfg.NodeID,
		replicas:  replicas,
		f:         (len(replicas) - 1) / 3,
		transport: transport,
		sm:        sm,
		auth:      auth,
		suspector: suspector,

		slots:       make(map[uint64]*slot),
		viewChanges: make(map[uint64]map[uint64]*Message),

		executedDigests: cache,

		msgInbox:  make(chan *Message, cfg.StepInboxSize),
		proposeCh: make(chan proposeStep, cfg.StepInboxSize),

		stopCh: make(chan struct{}),
	}
	n.publish()

	slog.Info("pbft replica created",
		"node_id", n.id,
		"replicas", len(replicas),
		"fault_tolerance", n.f,
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
}

func (n *Node) NodeID() uint64   { return n.id }
func (n *Node) IsLeader() bool   { return n.pubPrimary.Load() == n.id }
func (n *Node) LeaderID() uint64 { return n.pubPrimary.Load() }
func (n *Node) View() uint64     { return n.pubView.Load() }

// primaryOf rotates the primary across the sorted membership.
func (n *Node) primaryOf(view uint64) uint64 {
	return n.replicas[view%uint64(len(n.replicas))]
}

func (n *Node) quorum() int { return 2*n.f + 1 }

// Propose submits a command payload for Byzantine agreement. It returns once
// the primary has broadcast the Pre-Prepare; execution is observable through
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
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-n.stopCh:
		return ErrShuttingDown
	}
}

// HandleMessage is the inbound delivery entry point. Processing is
// asynchronous; the protocol never answers a message directly.
func (n *Node) HandleMessage(ctx context.Context, msg *Message) error {
	metrics.PBFTMessagesTotal.WithLabelValues("received", msg.Phase.String()).Inc()
	select {
	case n.msgInbox <- msg:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-n.stopCh:
		return ErrShuttingDown
	}
}

func (n *Node) run() {
	defer n.stoppedWg.Done()

	n.progressTimer = time.NewTimer(n.cfg.ViewTimeout)
	defer n.progressTimer.Stop()

	for {
		select {
		case <-n.stopCh:
			slog.Debug("pbft loop stopping", "node_id", n.id)
			return

		case <-n.progressTimer.C:
			n.stepTimeout()
			n.resetProgressTimer()

		case msg := <-n.msgInbox:
			n.stepMessage(msg)

		case p := <-n.proposeCh:
			p.resp <- n.stepPropose(p.data)
		}
	}
}

// stepTimeout fires the view-change trigger. A pending view change whose
// primary never announced its NewView escalates to the next view, so a
// faulty successor cannot pin the cluster in the old view. Otherwise a
// backup campaigns on pending work with no execution progress, or on a
// primary the suspector has written off.
func (n *Node) stepTimeout() {
	if n.changingView {
		n.startViewChange(n.pendingView + 1)
		return
	}
	if n.primaryOf(n.view) == n.id {
		return
	}
	suspected := n.suspector != nil && n.suspector.IsSuspected(n.primaryOf(n.view))
	if !n.hasPendingWork() && !suspected {
		return
	}
	n.startViewChange(n.view + 1)
}

func (n *Node) hasPendingWork() bool {
	for _, s := range n.slots {
		if s.prePrepared {
			return true
		}
	}
	return false
}

func (n *Node) stepMessage(msg *Message) {
	if n.auth != nil && msg.SenderID != n.id && !n.auth.Verify(msg) {
		metrics.PBFTAuthFailuresTotal.Inc()
		slog.Debug("dropping unauthenticated message",
			"node_id", n.id,
			"sender_id", msg.SenderID,
			"phase", msg.Phase.String(),
		)
		return
	}
	if n.suspector != nil && msg.SenderID == n.primaryOf(n.view) {
		n.suspector.Observe(msg.SenderID)
	}

	switch msg.Phase {
	case PhasePrePrepare:
		n.stepPrePrepare(msg)
	case PhasePrepare:
		n.stepPrepare(msg)
	case PhaseCommit:
		n.stepCommit(msg)
	case PhaseViewChange:
		n.stepViewChange(msg)
	case PhaseNewView:
		n.stepNewView(msg)
	default:
		slog.Debug("dropping message with unknown phase", "node_id", n.id, "phase", uint8(msg.Phase))
	}
}

func (n *Node) sign(msg *Message) *Message {
	if n.auth != nil {
		msg.Auth = n.auth.Sign(msg)
	}
	return msg
}

func (n *Node) broadcast(msg *Message) {
	metrics.PBFTMessagesTotal.WithLabelValues("sent", msg.Phase.String()).Inc()
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), n.cfg.RPCTimeout)
		defer cancel()
		if err := n.transport.Broadcast(ctx, msg); err != nil {
			slog.Debug("broadcast failed", "node_id", n.id, "phase", msg.Phase.String(), "error", err)
		}
	}()
}

func (n *Node) publish() {
	n.pubView.Store(n.view)
	n.pubPrimary.Store(n.primaryOf(n.view))
	metrics.PBFTView.Set(float64(n.view))
}

func (n *Node) resetProgressTimer() {
	if !n.progressTimer.Stop() {
		select {
		case <-n.progressTimer.C:
		default:
		}
	}
	n.progressTimer.Reset(n.cfg.ViewTimeout)
}
