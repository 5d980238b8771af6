package locktable

import (
	"testing"

	"github.com/stretchr/testify/require"

	"lockmesh/internal/command"
)

func TestDeadlock_TwoPartyCycle(t *testing.T) {
	tbl, rec := newRecordedTable(t)

	mustApply(t, tbl, acquireCmd("r1", "l1", "alice", command.ModeExclusive, 0))
	mustApply(t, tbl, acquireCmd("r2", "l2", "bob", command.ModeExclusive, 0))
	mustApply(t, tbl, acquireCmd("r3", "l1", "bob", command.ModeExclusive, 0))
	require.Equal(t, command.StatusQueued, rec.last().Status)

	// alice -> bob would close the cycle bob -> alice -> bob.
	mustApply(t, tbl, acquireCmd("r4", "l2", "alice", command.ModeExclusive, 0))
	require.Equal(t, command.StatusDeadlock, rec.last().Status)

	// The rejected request left no trace: nothing queued on l2.
	require.Empty(t, tbl.Status("l2").WaitQueue)
}

func TestDeadlock_ThreePartyCycleOnClosingEdge(t *testing.T) {
	tbl, rec := newRecordedTable(t)

	mustApply(t, tbl, acquireCmd("r1", "l1", "alice", command.ModeExclusive, 0))
	mustApply(t, tbl, acquireCmd("r2", "l2", "bob", command.ModeExclusive, 0))
	mustApply(t, tbl, acquireCmd("r3", "l3", "carol", command.ModeExclusive, 0))

	mustApply(t, tbl, acquireCmd("r4", "l1", "bob", command.ModeExclusive, 0))
	mustApply(t, tbl, acquireCmd("r5", "l2", "carol", command.ModeExclusive, 0))
	require.Equal(t, command.StatusQueued, rec.last().Status)

	// alice -> carol completes carol -> bob -> alice -> carol.
	mustApply(t, tbl, acquireCmd("r6", "l3", "alice", command.ModeExclusive, 0))
	require.Equal(t, command.StatusDeadlock, rec.last().Status)
	require.Empty(t, tbl.Status("l3").WaitQueue)
}

func TestDeadlock_WaitChainWithoutCycleIsQueued(t *testing.T) {
	tbl, rec := newRecordedTable(t)

	mustApply(t, tbl, acquireCmd("r1", "l1", "alice", command.ModeExclusive, 0))
	mustApply(t, tbl, acquireCmd("r2", "l2", "bob", command.ModeExclusive, 0))
	mustApply(t, tbl, acquireCmd("r3", "l1", "bob", command.ModeExclusive, 0))

	// carol waits on bob who waits on alice; no edge back to carol.
	mustApply(t, tbl, acquireCmd("r4", "l2", "carol", command.ModeExclusive, 0))
	require.Equal(t, command.StatusQueued, rec.last().Status)
}

func TestDeadlock_SharedRequestIgnoresSharedHolders(t *testing.T) {
	tbl, rec := newRecordedTable(t)

	// bob holds l2 shared and waits for alice's exclusive l1.
	mustApply(t, tbl, acquireCmd("r1", "l1", "alice", command.ModeExclusive, 0))
	mustApply(t, tbl, acquireCmd("r2", "l2", "bob", command.ModeShared, 0))
	mustApply(t, tbl, acquireCmd("r3", "l1", "bob", command.ModeExclusive, 0))

	// A shared request on l2 coexists with bob's shared hold, so no wait
	// edge forms and no cycle is possible.
	mustApply(t, tbl, acquireCmd("r4", "l2", "alice", command.ModeShared, 0))
	require.Equal(t, command.StatusGranted, rec.last().Status)

	// An exclusive request on l2 does wait on bob and closes the cycle.
	mustApply(t, tbl, releaseCmd("r5", "l2", "alice"))
	mustApply(t, tbl, acquireCmd("r6", "l2", "alice", command.ModeExclusive, 0))
	require.Equal(t, command.StatusDeadlock, rec.last().Status)
}
