package locktable

import (
	"log/slog"
	"sync"

	"lockmesh/internal/command"
	"lockmesh/internal/metrics"
)

// LockRequest is one pending entry in a lock's wait queue.
type LockRequest struct {
	RequestID        string
	LockID           string
	RequesterID      string
	Mode             command.Mode
	EnqueuedAtUnixMs int64
	TimeoutMs        int64
}

func (r LockRequest) DeadlineUnixMs() int64 {
	return r.EnqueuedAtUnixMs + r.TimeoutMs
}

type record struct {
	holders map[string]command.Mode
	queue   []LockRequest
}

func (r *record) exclusiveHeld() bool {
	for _, m := range r.holders {
		if m == command.ModeExclusive {
			return true
		}
	}
	return false
}

func (r *record) compatible(mode command.Mode) bool {
	if mode == command.ModeExclusive {
		return len(r.holders) == 0
	}
	return !r.exclusiveHeld()
}

type ApplyCallback func(out command.Outcome)

// Table is the replicated lock state machine. The only mutation path is
// Apply with a committed command; execution is a pure function of the prior
// table and the command, so independently running replicas that apply the
// same log converge on identical tables.
type Table struct {
	mu        sync.RWMutex
	records   map[string]*record
	waitIndex map[string]string // requestID -> lockID for queued requests

	cbMu      sync.RWMutex
	callbacks []ApplyCallback
}

func New() *Table {
	return &Table{
		records:   make(map[string]*record),
		waitIndex: make(map[string]string),
	}
}

// OnApply registers a callback invoked for every outcome produced by Apply,
// including the extra Granted outcomes of wait-queue promotions.
func (t *Table) OnApply(cb ApplyCallback) {
	t.cbMu.Lock()
	t.callbacks = append(t.callbacks, cb)
	t.cbMu.Unlock()
}

func (t *Table) Apply(data []byte) error {
	cmd, err := command.Decode(data)
	if err != nil {
		return err
	}

	t.mu.Lock()
	outs := t.execute(cmd)
	t.mu.Unlock()

	for _, out := range outs {
		metrics.LockOutcomesTotal.WithLabelValues(cmd.Type.String(), out.Status.String()).Inc()
		t.notify(out)
	}
	return nil
}

func (t *Table) notify(out command.Outcome) {
	t.cbMu.RLock()
	defer t.cbMu.RUnlock()
	for _, cb := range t.callbacks {
		cb(out)
	}
}

func (t *Table) execute(cmd command.Command) []command.Outcome {
	switch cmd.Type {
	case command.TypeAcquire:
		return t.acquire(cmd)
	case command.TypeRelease:
		return t.release(cmd)
	case command.TypeExpire:
		return t.expire(cmd)
	default:
		slog.Warn("ignoring command of unknown type", "type", cmd.Type)
		return nil
	}
}

func (t *Table) acquire(cmd command.Command) []command.Outcome {
	rec, ok := t.records[cmd.LockID]
	if !ok {
		rec = &record{holders: make(map[string]command.Mode)}
		t.records[cmd.LockID] = rec
	}

	out := command.Outcome{
		RequestID:   cmd.RequestID,
		LockID:      cmd.LockID,
		RequesterID: cmd.RequesterID,
	}

	// Re-delivered duplicates change nothing.
	if held, ok := rec.holders[cmd.RequesterID]; ok && held == cmd.Mode {
		out.Status = command.StatusGranted
		return []command.Outcome{out}
	}
	if _, queued := t.waitIndex[cmd.RequestID]; queued {
		out.Status = command.StatusQueued
		return []command.Outcome{out}
	}

	if rec.compatible(cmd.Mode) {
		rec.holders[cmd.RequesterID] = cmd.Mode
		out.Status = command.StatusGranted
		return []command.Outcome{out}
	}

	// The request would block: the candidate edges must not close a cycle in
	// the wait-for graph. A rejected request is never enqueued, so the table
	// is untouched.
	if t.wouldDeadlock(cmd.RequesterID, rec, cmd.Mode) {
		t.dropIfEmpty(cmd.LockID, rec)
		out.Status = command.StatusDeadlock
		return []command.Outcome{out}
	}

	rec.queue = append(rec.queue, LockRequest{
		RequestID:        cmd.RequestID,
		LockID:           cmd.LockID,
		RequesterID:      cmd.RequesterID,
		Mode:             cmd.Mode,
		EnqueuedAtUnixMs: cmd.EnqueuedAtUnixMs,
		TimeoutMs:        cmd.TimeoutMs,
	})
	t.waitIndex[cmd.RequestID] = cmd.LockID
	out.Status = command.StatusQueued
	return []command.Outcome{out}
}

func (t *Table) release(cmd command.Command) []command.Outcome {
	out := command.Outcome{
		RequestID:   cmd.RequestID,
		LockID:      cmd.LockID,
		RequesterID: cmd.RequesterID,
	}

	rec, ok := t.records[cmd.LockID]
	if !ok {
		out.Status = command.StatusNotHolder
		return []command.Outcome{out}
	}
	if _, holds := rec.holders[cmd.RequesterID]; !holds {
		out.Status = command.StatusNotHolder
		return []command.Outcome{out}
	}

	delete(rec.holders, cmd.RequesterID)
	out.Status = command.StatusReleased
	outs := []command.Outcome{out}

	if len(rec.holders) == 0 {
		outs = append(outs, t.promote(rec)...)
	}
	t.dropIfEmpty(cmd.LockID, rec)
	return outs
}

// promote lifts a compatible prefix of the wait queue into holders: either
// every leading shared request, or exactly one leading exclusive request.
func (t *Table) promote(rec *record) []command.Outcome {
	var outs []command.Outcome
	for len(rec.queue) > 0 {
		head := rec.queue[0]
		if head.Mode == command.ModeExclusive {
			if len(rec.holders) > 0 {
				break
			}
			outs = append(outs, t.grantQueued(rec, head))
			break
		}
		if rec.exclusiveHeld() {
			break
		}
		outs = append(outs, t.grantQueued(rec, head))
	}
	return outs
}

func (t *Table) grantQueued(rec *record, req LockRequest) command.Outcome {
	rec.queue = rec.queue[1:]
	delete(t.waitIndex, req.RequestID)
	rec.holders[req.RequesterID] = req.Mode
	return command.Outcome{
		RequestID:   req.RequestID,
		LockID:      req.LockID,
		RequesterID: req.RequesterID,
		Status:      command.StatusGranted,
	}
}

func (t *Table) expire(cmd command.Command) []command.Outcome {
	lockID, ok := t.waitIndex[cmd.RequestID]
	if !ok {
		// Already expired, granted, or never seen. Duplicate Expire proposals
		// land here and change nothing.
		return []command.Outcome{{RequestID: cmd.RequestID, Status: command.StatusNoop}}
	}

	rec := t.records[lockID]
	for i, req := range rec.queue {
		if req.RequestID != cmd.RequestID {
			continue
		}
		rec.queue = append(rec.queue[:i], rec.queue[i+1:]...)
		delete(t.waitIndex, cmd.RequestID)

		outs := []command.Outcome{{
			RequestID:   req.RequestID,
			LockID:      req.LockID,
			RequesterID: req.RequesterID,
			Status:      command.StatusTimedOut,
		}}
		// Removing a queue head can unblock the requests behind it.
		if len(rec.holders) == 0 || !rec.exclusiveHeld() {
			outs = append(outs, t.promote(rec)...)
		}
		t.dropIfEmpty(lockID, rec)
		return outs
	}

	delete(t.waitIndex, cmd.RequestID)
	return []command.Outcome{{RequestID: cmd.RequestID, Status: command.StatusNoop}}
}

func (t *Table) dropIfEmpty(lockID string, rec *record) {
	if len(rec.holders) == 0 && len(rec.queue) == 0 {
		delete(t.records, lockID)
	}
}
