package raft

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"lockmesh/internal/command"
	"lockmesh/internal/domain"
	"lockmesh/internal/locktable"
)

// memTransport routes RPCs between in-process nodes. A stopped node answers
// ErrShuttingDown, which is exactly what a dead peer looks like to callers.
type memTransport struct {
	mu    sync.RWMutex
	nodes map[uint64]*Node
}

func newMemTransport() *memTransport {
	return &memTransport{nodes: make(map[uint64]*Node)}
}

func (tr *memTransport) register(n *Node) {
	tr.mu.Lock()
	tr.nodes[n.NodeID()] = n
	tr.mu.Unlock()
}

func (tr *memTransport) target(peerID uint64) (*Node, error) {
	tr.mu.RLock()
	defer tr.mu.RUnlock()
	n, ok := tr.nodes[peerID]
	if !ok {
		return nil, fmt.Errorf("unknown peer %d", peerID)
	}
	return n, nil
}

func (tr *memTransport) RequestVote(ctx context.Context, peerID uint64, req *RequestVoteRequest) (*RequestVoteResponse, error) {
	n, err := tr.target(peerID)
	if err != nil {
		return nil, err
	}
	return n.HandleRequestVote(ctx, req)
}

func (tr *memTransport) AppendEntries(ctx context.Context, peerID uint64, req *AppendEntriesRequest) (*AppendEntriesResponse, error) {
	n, err := tr.target(peerID)
	if err != nil {
		return nil, err
	}
	return n.HandleAppendEntries(ctx, req)
}

type recordingSM struct {
	mu      sync.Mutex
	applied [][]byte
}

func (s *recordingSM) Apply(data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.applied = append(s.applied, append([]byte(nil), data...))
	return nil
}

func (s *recordingSM) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.applied)
}

func (s *recordingSM) at(i int) []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.applied[i]
}

type testCluster struct {
	t       *testing.T
	tr      *memTransport
	nodes   map[uint64]*Node
	sms     map[uint64]*recordingSM
	tables  map[uint64]*locktable.Table
	stopped map[uint64]bool
}

// buildCluster wires size nodes over one in-memory transport, each applying
// to the state machine smFor hands out for its ID.
func buildCluster(t *testing.T, size int, smFor func(id uint64) domain.StateMachine) *testCluster {
	t.Helper()

	ids := make([]uint64, size)
	for i := range ids {
		ids[i] = uint64(i + 1)
	}

	tc := &testCluster{
		t:       t,
		tr:      newMemTransport(),
		nodes:   make(map[uint64]*Node),
		stopped: make(map[uint64]bool),
	}

	for _, id := range ids {
		peers := make([]uint64, 0, size-1)
		for _, p := range ids {
			if p != id {
				peers = append(peers, p)
			}
		}

		storage, err := OpenStorage(t.TempDir(), true)
		require.NoError(t, err)

		node, err := NewNode(Config{
			NodeID:             id,
			Peers:              peers,
			ElectionTimeoutMin: 50 * time.Millisecond,
			ElectionTimeoutMax: 100 * time.Millisecond,
			HeartbeatInterval:  20 * time.Millisecond,
			RPCTimeout:         50 * time.Millisecond,
		}, storage, tc.tr, smFor(id), nil)
		require.NoError(t, err)

		tc.tr.register(node)
		tc.nodes[id] = node
	}

	for _, node := range tc.nodes {
		node.Start()
	}
	t.Cleanup(tc.stopAll)
	return tc
}

func newTestCluster(t *testing.T, size int) *testCluster {
	t.Helper()

	sms := make(map[uint64]*recordingSM)
	tc := buildCluster(t, size, func(id uint64) domain.StateMachine {
		sm := &recordingSM{}
		sms[id] = sm
		return sm
	})
	tc.sms = sms
	return tc
}

// newLockTableCluster replicates a real lock table on every node instead of
// a byte recorder.
func newLockTableCluster(t *testing.T, size int) *testCluster {
	t.Helper()

	tables := make(map[uint64]*locktable.Table)
	tc := buildCluster(t, size, func(id uint64) domain.StateMachine {
		tbl := locktable.New()
		tables[id] = tbl
		return tbl
	})
	tc.tables = tables
	return tc
}

func (tc *testCluster) stopAll() {
	for id := range tc.nodes {
		tc.stopNode(id)
	}
}

func (tc *testCluster) stopNode(id uint64) {
	if tc.stopped[id] {
		return
	}
	tc.stopped[id] = true
	tc.nodes[id].Stop()
}

func (tc *testCluster) waitForLeader(timeout time.Duration) *Node {
	tc.t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		for id, node := range tc.nodes {
			if !tc.stopped[id] && node.IsLeader() {
				return node
			}
		}
		time.Sleep(10 * time.Millisecond)
	}
	tc.t.Fatal("no leader elected within timeout")
	return nil
}

func (tc *testCluster) waitApplied(count int, timeout time.Duration) {
	tc.t.Helper()
	require.Eventually(tc.t, func() bool {
		for id, sm := range tc.sms {
			if !tc.stopped[id] && sm.count() < count {
				return false
			}
		}
		return true
	}, timeout, 10*time.Millisecond, "entries not applied everywhere")
}

func TestCluster_ElectsExactlyOneLeader(t *testing.T) {
	tc := newTestCluster(t, 3)

	leader := tc.waitForLeader(5 * time.Second)
	term := leader.Term()

	// Give other candidacies time to settle, then count leaders in that term.
	require.Eventually(t, func() bool {
		leaders := 0
		for _, node := range tc.nodes {
			if node.IsLeader() && node.Term() == term {
				leaders++
			}
		}
		return leaders == 1
	}, 5*time.Second, 20*time.Millisecond)

	require.Eventually(t, func() bool {
		for _, node := range tc.nodes {
			if node.LeaderID() != leader.NodeID() {
				return false
			}
		}
		return true
	}, 5*time.Second, 20*time.Millisecond, "followers did not learn the leader")
}

func TestCluster_CommitReachesEveryReplica(t *testing.T) {
	tc := newTestCluster(t, 3)
	leader := tc.waitForLeader(5 * time.Second)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, leader.Propose(ctx, []byte("acquire l1 by alice")))

	tc.waitApplied(1, 5*time.Second)
	for id, sm := range tc.sms {
		require.Equal(t, []byte("acquire l1 by alice"), sm.at(0), "node %d", id)
	}
}

func TestCluster_ProposeAtFollowerIsRejected(t *testing.T) {
	tc := newTestCluster(t, 3)
	leader := tc.waitForLeader(5 * time.Second)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	for id, node := range tc.nodes {
		if id == leader.NodeID() {
			continue
		}
		err := node.Propose(ctx, []byte("nope"))
		require.ErrorIs(t, err, ErrNotLeader)
	}
}

func TestCluster_CommittedEntriesSurviveLeaderFailure(t *testing.T) {
	tc := newTestCluster(t, 3)
	oldLeader := tc.waitForLeader(5 * time.Second)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, oldLeader.Propose(ctx, []byte("c1")))
	tc.waitApplied(1, 5*time.Second)

	tc.stopNode(oldLeader.NodeID())

	newLeader := tc.waitForLeader(10 * time.Second)
	require.NotEqual(t, oldLeader.NodeID(), newLeader.NodeID())

	ctx2, cancel2 := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel2()
	require.NoError(t, newLeader.Propose(ctx2, []byte("c2")))
	tc.waitApplied(2, 5*time.Second)

	for id, sm := range tc.sms {
		if tc.stopped[id] {
			continue
		}
		require.Equal(t, []byte("c1"), sm.at(0), "node %d lost the committed entry", id)
		require.Equal(t, []byte("c2"), sm.at(1), "node %d", id)
	}
}

func TestCluster_LockHolderSurvivesLeaderFailure(t *testing.T) {
	tc := newLockTableCluster(t, 3)
	oldLeader := tc.waitForLeader(5 * time.Second)

	acquire, err := command.Encode(command.NewAcquire("orders", "c1", command.ModeExclusive, 0))
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, oldLeader.Propose(ctx, acquire))

	require.Eventually(t, func() bool {
		for id, tbl := range tc.tables {
			if tc.stopped[id] {
				continue
			}
			if tbl.Status("orders").Holders["c1"] != command.ModeExclusive {
				return false
			}
		}
		return true
	}, 5*time.Second, 10*time.Millisecond, "grant did not replicate everywhere")

	tc.stopNode(oldLeader.NodeID())

	newLeader := tc.waitForLeader(10 * time.Second)
	require.NotEqual(t, oldLeader.NodeID(), newLeader.NodeID())

	st := tc.tables[newLeader.NodeID()].Status("orders")
	require.Equal(t, command.ModeExclusive, st.Holders["c1"],
		"new leader lost the committed grant")
	require.Empty(t, st.WaitQueue)

	// The surviving majority keeps serving: the holder can release and the
	// lock frees up on every live replica.
	release, err := command.Encode(command.NewRelease("orders", "c1"))
	require.NoError(t, err)

	ctx2, cancel2 := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel2()
	require.NoError(t, newLeader.Propose(ctx2, release))

	require.Eventually(t, func() bool {
		for id, tbl := range tc.tables {
			if tc.stopped[id] {
				continue
			}
			if len(tbl.Status("orders").Holders) != 0 {
				return false
			}
		}
		return true
	}, 5*time.Second, 10*time.Millisecond, "release did not replicate everywhere")
}

func TestSingleNodeCluster_CommitsAlone(t *testing.T) {
	tc := newTestCluster(t, 1)
	leader := tc.waitForLeader(5 * time.Second)
	require.EqualValues(t, 1, leader.NodeID())

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, leader.Propose(ctx, []byte("solo")))
	tc.waitApplied(1, 5*time.Second)
}
