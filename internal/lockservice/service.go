package lockservice

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"lockmesh/internal/command"
	"lockmesh/internal/domain"
	"lockmesh/internal/locktable"
	"lockmesh/internal/metrics"
)

type Config struct {
	ProposeTimeout     time.Duration
	ExpiryScanInterval time.Duration
	// OutcomeRetention bounds how long a terminal outcome nobody is waiting
	// on stays claimable through Wait before its registration is reclaimed.
	OutcomeRetention time.Duration
	// PeerAddrs maps node IDs to their client-facing addresses, used for the
	// leader hint in NotLeaderError.
	PeerAddrs map[uint64]string
}

func (c *Config) withDefaults() Config {
	cfg := *c
	if cfg.ProposeTimeout <= 0 {
		cfg.ProposeTimeout = 5 * time.Second
	}
	if cfg.ExpiryScanInterval <= 0 {
		cfg.ExpiryScanInterval = 100 * time.Millisecond
	}
	if cfg.OutcomeRetention <= 0 {
		cfg.OutcomeRetention = time.Minute
	}
	return cfg
}

// Service is the client-facing lock surface on one node. Writes go through
// the consensus engine and come back as table outcomes; the pending map
// routes each committed outcome to the goroutine that proposed it. On
// every other replica the same outcomes fire with no pending entry and are
// dropped, which is how followers stay in sync without answering clients.
type Service struct {
	cfg       Config
	consensus domain.Consensus
	table     *locktable.Table

	mu      sync.Mutex
	pending map[string]chan command.Outcome

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

func New(cfg Config, consensus domain.Consensus, table *locktable.Table) *Service {
	s := &Service{
		cfg:       cfg.withDefaults(),
		consensus: consensus,
		table:     table,
		pending:   make(map[string]chan command.Outcome),
		stopCh:    make(chan struct{}),
	}
	table.OnApply(s.deliver)
	return s
}

// Start launches the expiry scanner. Only while this node is leader does the
// scanner propose Expire commands; replicas never age requests locally.
func (s *Service) Start() {
	s.wg.Add(1)
	go s.expiryLoop()
}

func (s *Service) Stop() {
	s.stopOnce.Do(func() { close(s.stopCh) })
	s.wg.Wait()
}

// Acquire proposes the lock request and waits for its committed outcome:
// Granted, Queued, or Deadlock. A Queued result leaves the request
// registered; Wait on the same RequestID observes the eventual grant or
// expiry.
func (s *Service) Acquire(ctx context.Context, lockID, requesterID string, mode command.Mode, timeoutMs int64) (command.Outcome, error) {
	cmd := command.NewAcquire(lockID, requesterID, mode, timeoutMs)
	cmd.EnqueuedAtUnixMs = time.Now().UnixMilli()
	return s.submit(ctx, cmd)
}

func (s *Service) Release(ctx context.Context, lockID, requesterID string) (command.Outcome, error) {
	return s.submit(ctx, command.NewRelease(lockID, requesterID))
}

// Status reads the local replica's view of one lock. It never goes through
// the log; a snapshot may trail the leader by uncommitted proposals.
func (s *Service) Status(lockID string) locktable.LockStatus {
	return s.table.Status(lockID)
}

// Wait blocks for the next outcome of a previously Queued request.
func (s *Service) Wait(ctx context.Context, requestID string) (command.Outcome, error) {
	s.mu.Lock()
	ch, ok := s.pending[requestID]
	s.mu.Unlock()
	if !ok {
		return command.Outcome{}, errors.New("lockservice: no pending request with that ID")
	}
	return s.await(ctx, requestID, ch)
}

func (s *Service) submit(ctx context.Context, cmd command.Command) (command.Outcome, error) {
	if !s.consensus.IsLeader() {
		return command.Outcome{}, s.notLeader()
	}

	data, err := command.Encode(cmd)
	if err != nil {
		return command.Outcome{}, err
	}

	ch := s.register(cmd.RequestID)

	proposeCtx, cancel := context.WithTimeout(ctx, s.cfg.ProposeTimeout)
	err = s.consensus.Propose(proposeCtx, data)
	cancel()
	if err != nil {
		s.unregister(cmd.RequestID)
		return command.Outcome{}, err
	}

	return s.await(ctx, cmd.RequestID, ch)
}

func (s *Service) await(ctx context.Context, requestID string, ch chan command.Outcome) (command.Outcome, error) {
	select {
	case out := <-ch:
		if out.Status != command.StatusQueued {
			s.unregister(requestID)
		}
		return out, nil
	case <-ctx.Done():
		// The command may still commit; the registration stays so a later
		// Wait can pick the outcome up.
		return command.Outcome{}, ctx.Err()
	case <-s.stopCh:
		s.unregister(requestID)
		return command.Outcome{}, ErrShuttingDown
	}
}

func (s *Service) notLeader() *NotLeaderError {
	leaderID := s.consensus.LeaderID()
	return &NotLeaderError{
		LeaderID:   leaderID,
		LeaderAddr: s.cfg.PeerAddrs[leaderID],
	}
}

func (s *Service) register(requestID string) chan command.Outcome {
	// Buffered for the Queued outcome plus the later Granted/TimedOut one.
	ch := make(chan command.Outcome, 2)
	s.mu.Lock()
	s.pending[requestID] = ch
	s.mu.Unlock()
	return ch
}

func (s *Service) unregister(requestID string) {
	s.mu.Lock()
	delete(s.pending, requestID)
	s.mu.Unlock()
}

// deliver is the table's apply callback. Outcomes for requests proposed by
// other nodes have no pending entry here and fall through.
func (s *Service) deliver(out command.Outcome) {
	s.mu.Lock()
	ch, ok := s.pending[out.RequestID]
	s.mu.Unlock()
	if !ok {
		return
	}
	select {
	case ch <- out:
	default:
		slog.Warn("dropping outcome for slow waiter",
			"request_id", out.RequestID,
			"status", out.Status.String(),
		)
	}
	// A terminal outcome with no waiter would pin the registration forever.
	// Any waiter already blocked in await holds the channel itself, so a late
	// reclaim never strands it; unregister is idempotent with the waiter's own.
	if out.Status != command.StatusQueued {
		time.AfterFunc(s.cfg.OutcomeRetention, func() { s.unregister(out.RequestID) })
	}
}

func (s *Service) expiryLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.cfg.ExpiryScanInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.proposeExpiries()
		}
	}
}

func (s *Service) proposeExpiries() {
	if !s.consensus.IsLeader() {
		return
	}
	for _, requestID := range s.table.ExpiredRequestIDs(time.Now().UnixMilli()) {
		ctx, cancel := context.WithTimeout(context.Background(), s.cfg.ProposeTimeout)
		data, err := command.Encode(command.NewExpire(requestID))
		if err != nil {
			cancel()
			continue
		}
		if err := s.consensus.Propose(ctx, data); err != nil {
			slog.Debug("expire proposal failed", "request_id", requestID, "error", err)
			cancel()
			// Leadership may have moved mid-scan; the new leader rescans.
			return
		}
		cancel()
		metrics.LockExpiriesProposedTotal.Inc()
		slog.Info("proposed expiry for timed out request", "request_id", requestID)
	}
}
