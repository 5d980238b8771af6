package domain

import "context"

// Consensus is the replicated-command-log abstraction shared by the
// crash-tolerant and Byzantine-tolerant engines. Propose hands an opaque
// command payload to the engine; once committed, the payload reaches every
// replica's state machine in the same position of the same order.
type Consensus interface {
	Propose(ctx context.Context, data []byte) error
	IsLeader() bool
	LeaderID() uint64
	NodeID() uint64
}

// StateMachine applies one committed command. Apply must be deterministic:
// no clock, randomness, or node identity beyond what the payload encodes.
type StateMachine interface {
	Apply(data []byte) error
}

// Suspector reports whether a peer looks dead based on heartbeat age.
// Engines consult it only as an optimization to trigger elections or view
// changes early; the randomized election timer remains the mandatory
// liveness mechanism.
type Suspector interface {
	Observe(peerID uint64)
	IsSuspected(peerID uint64) bool
}
