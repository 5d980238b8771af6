package locktable

import (
	"testing"

	"github.com/stretchr/testify/require"

	"lockmesh/internal/command"
)

type outcomeRecorder struct {
	outs []command.Outcome
}

func (r *outcomeRecorder) record(out command.Outcome) {
	r.outs = append(r.outs, out)
}

func (r *outcomeRecorder) last() command.Outcome {
	return r.outs[len(r.outs)-1]
}

func newRecordedTable(t *testing.T) (*Table, *outcomeRecorder) {
	t.Helper()
	tbl := New()
	rec := &outcomeRecorder{}
	tbl.OnApply(rec.record)
	return tbl, rec
}

func mustApply(t *testing.T, tbl *Table, cmd command.Command) {
	t.Helper()
	data, err := command.Encode(cmd)
	require.NoError(t, err)
	require.NoError(t, tbl.Apply(data))
}

func acquireCmd(requestID, lockID, requesterID string, mode command.Mode, timeoutMs int64) command.Command {
	return command.Command{
		Type:             command.TypeAcquire,
		RequestID:        requestID,
		LockID:           lockID,
		RequesterID:      requesterID,
		Mode:             mode,
		TimeoutMs:        timeoutMs,
		EnqueuedAtUnixMs: 1000,
	}
}

func releaseCmd(requestID, lockID, requesterID string) command.Command {
	return command.Command{
		Type:        command.TypeRelease,
		RequestID:   requestID,
		LockID:      lockID,
		RequesterID: requesterID,
	}
}

func TestAcquire_ExclusiveGrantThenQueue(t *testing.T) {
	tbl, rec := newRecordedTable(t)

	mustApply(t, tbl, acquireCmd("r1", "l1", "alice", command.ModeExclusive, 0))
	require.Equal(t, command.StatusGranted, rec.last().Status)

	mustApply(t, tbl, acquireCmd("r2", "l1", "bob", command.ModeExclusive, 0))
	require.Equal(t, command.StatusQueued, rec.last().Status)

	st := tbl.Status("l1")
	require.Equal(t, command.ModeExclusive, st.Holders["alice"])
	require.Len(t, st.WaitQueue, 1)
	require.Equal(t, "bob", st.WaitQueue[0].RequesterID)
}

func TestAcquire_SharedHoldersCoexist(t *testing.T) {
	tbl, rec := newRecordedTable(t)

	mustApply(t, tbl, acquireCmd("r1", "l1", "alice", command.ModeShared, 0))
	mustApply(t, tbl, acquireCmd("r2", "l1", "bob", command.ModeShared, 0))
	require.Equal(t, command.StatusGranted, rec.outs[0].Status)
	require.Equal(t, command.StatusGranted, rec.outs[1].Status)

	mustApply(t, tbl, acquireCmd("r3", "l1", "carol", command.ModeExclusive, 0))
	require.Equal(t, command.StatusQueued, rec.last().Status)

	st := tbl.Status("l1")
	require.Len(t, st.Holders, 2)
}

func TestAcquire_DuplicateDeliveryIsIdempotent(t *testing.T) {
	tbl, rec := newRecordedTable(t)

	mustApply(t, tbl, acquireCmd("r1", "l1", "alice", command.ModeExclusive, 0))
	mustApply(t, tbl, acquireCmd("r1", "l1", "alice", command.ModeExclusive, 0))
	require.Equal(t, command.StatusGranted, rec.last().Status)
	require.Len(t, tbl.Status("l1").Holders, 1)

	mustApply(t, tbl, acquireCmd("r2", "l1", "bob", command.ModeExclusive, 0))
	mustApply(t, tbl, acquireCmd("r2", "l1", "bob", command.ModeExclusive, 0))
	require.Equal(t, command.StatusQueued, rec.last().Status)
	require.Len(t, tbl.Status("l1").WaitQueue, 1)
}

func TestRelease_PromotesLeadingSharedBatch(t *testing.T) {
	tbl, rec := newRecordedTable(t)

	mustApply(t, tbl, acquireCmd("r1", "l1", "writer", command.ModeExclusive, 0))
	mustApply(t, tbl, acquireCmd("r2", "l1", "reader1", command.ModeShared, 0))
	mustApply(t, tbl, acquireCmd("r3", "l1", "reader2", command.ModeShared, 0))
	mustApply(t, tbl, acquireCmd("r4", "l1", "writer2", command.ModeExclusive, 0))

	rec.outs = nil
	mustApply(t, tbl, releaseCmd("r5", "l1", "writer"))

	require.Len(t, rec.outs, 3)
	require.Equal(t, command.StatusReleased, rec.outs[0].Status)
	require.Equal(t, command.StatusGranted, rec.outs[1].Status)
	require.Equal(t, "reader1", rec.outs[1].RequesterID)
	require.Equal(t, command.StatusGranted, rec.outs[2].Status)
	require.Equal(t, "reader2", rec.outs[2].RequesterID)

	st := tbl.Status("l1")
	require.Len(t, st.Holders, 2)
	require.Len(t, st.WaitQueue, 1)
	require.Equal(t, "writer2", st.WaitQueue[0].RequesterID)
}

func TestRelease_PromotesSingleExclusive(t *testing.T) {
	tbl, rec := newRecordedTable(t)

	mustApply(t, tbl, acquireCmd("r1", "l1", "reader", command.ModeShared, 0))
	mustApply(t, tbl, acquireCmd("r2", "l1", "writer", command.ModeExclusive, 0))
	mustApply(t, tbl, acquireCmd("r3", "l1", "writer2", command.ModeExclusive, 0))

	rec.outs = nil
	mustApply(t, tbl, releaseCmd("r4", "l1", "reader"))

	require.Len(t, rec.outs, 2)
	require.Equal(t, command.StatusGranted, rec.outs[1].Status)
	require.Equal(t, "writer", rec.outs[1].RequesterID)

	st := tbl.Status("l1")
	require.Equal(t, command.ModeExclusive, st.Holders["writer"])
	require.Len(t, st.Holders, 1)
	require.Len(t, st.WaitQueue, 1)
}

func TestRelease_NotHolder(t *testing.T) {
	tbl, rec := newRecordedTable(t)

	mustApply(t, tbl, releaseCmd("r1", "l1", "nobody"))
	require.Equal(t, command.StatusNotHolder, rec.last().Status)

	mustApply(t, tbl, acquireCmd("r2", "l1", "alice", command.ModeExclusive, 0))
	mustApply(t, tbl, releaseCmd("r3", "l1", "bob"))
	require.Equal(t, command.StatusNotHolder, rec.last().Status)
	require.Len(t, tbl.Status("l1").Holders, 1)
}

func TestExpire_RemovesQueuedRequest(t *testing.T) {
	tbl, rec := newRecordedTable(t)

	mustApply(t, tbl, acquireCmd("r1", "l1", "alice", command.ModeExclusive, 0))
	mustApply(t, tbl, acquireCmd("r2", "l1", "bob", command.ModeExclusive, 500))

	mustApply(t, tbl, command.NewExpire("r2"))
	require.Equal(t, command.StatusTimedOut, rec.last().Status)
	require.Equal(t, "bob", rec.last().RequesterID)
	require.Empty(t, tbl.Status("l1").WaitQueue)

	// A duplicate Expire proposal finds nothing to remove.
	mustApply(t, tbl, command.NewExpire("r2"))
	require.Equal(t, command.StatusNoop, rec.last().Status)
}

func TestExpire_UnblocksRequestsBehindTheExpired(t *testing.T) {
	tbl, rec := newRecordedTable(t)

	mustApply(t, tbl, acquireCmd("r1", "l1", "reader1", command.ModeShared, 0))
	mustApply(t, tbl, acquireCmd("r2", "l1", "writer", command.ModeExclusive, 500))
	mustApply(t, tbl, acquireCmd("r3", "l1", "reader2", command.ModeShared, 0))

	rec.outs = nil
	mustApply(t, tbl, command.NewExpire("r2"))

	require.Len(t, rec.outs, 2)
	require.Equal(t, command.StatusTimedOut, rec.outs[0].Status)
	require.Equal(t, command.StatusGranted, rec.outs[1].Status)
	require.Equal(t, "reader2", rec.outs[1].RequesterID)
}

func TestExpiredRequestIDs(t *testing.T) {
	tbl, _ := newRecordedTable(t)

	mustApply(t, tbl, acquireCmd("r1", "l1", "alice", command.ModeExclusive, 0))
	mustApply(t, tbl, acquireCmd("r2", "l1", "bob", command.ModeExclusive, 500))
	mustApply(t, tbl, acquireCmd("r3", "l1", "carol", command.ModeExclusive, 0))

	// Enqueued at 1000ms with a 500ms budget: overdue from 1500ms on. The
	// zero-timeout request never ages out.
	require.Empty(t, tbl.ExpiredRequestIDs(1499))
	require.Equal(t, []string{"r2"}, tbl.ExpiredRequestIDs(1500))
	require.Equal(t, []string{"r2"}, tbl.ExpiredRequestIDs(10_000_000))
}

func TestApply_ReplicasConverge(t *testing.T) {
	cmds := []command.Command{
		acquireCmd("r1", "l1", "alice", command.ModeExclusive, 0),
		acquireCmd("r2", "l1", "bob", command.ModeShared, 500),
		acquireCmd("r3", "l2", "bob", command.ModeExclusive, 0),
		releaseCmd("r4", "l1", "alice"),
		command.NewExpire("r2"),
		acquireCmd("r5", "l2", "carol", command.ModeShared, 0),
	}

	a, b := New(), New()
	for _, cmd := range cmds {
		data, err := command.Encode(cmd)
		require.NoError(t, err)
		require.NoError(t, a.Apply(data))
		require.NoError(t, b.Apply(data))
	}

	require.Equal(t, a.Fingerprint(), b.Fingerprint())
}

func TestDropIfEmpty_RecordLifecycle(t *testing.T) {
	tbl, _ := newRecordedTable(t)

	mustApply(t, tbl, acquireCmd("r1", "l1", "alice", command.ModeExclusive, 0))
	require.Equal(t, 1, tbl.Len())

	mustApply(t, tbl, releaseCmd("r2", "l1", "alice"))
	require.Equal(t, 0, tbl.Len())
}
