package locktable

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"

	"lockmesh/internal/command"
)

// LockStatus is a read-only snapshot of one lock record.
type LockStatus struct {
	LockID    string
	Holders   map[string]command.Mode
	WaitQueue []LockRequest
}

// Status returns a copy of the current record for lockID. Reads bypass the
// command log but never mutate; a missing record reads as free.
func (t *Table) Status(lockID string) LockStatus {
	t.mu.RLock()
	defer t.mu.RUnlock()

	st := LockStatus{LockID: lockID, Holders: make(map[string]command.Mode)}
	rec, ok := t.records[lockID]
	if !ok {
		return st
	}
	for h, m := range rec.holders {
		st.Holders[h] = m
	}
	st.WaitQueue = append(st.WaitQueue, rec.queue...)
	return st
}

// ExpiredRequestIDs lists queued requests whose deadline has passed. Only the
// leader calls this, against its own clock; replicas learn of expiries solely
// through the Expire commands the leader proposes.
func (t *Table) ExpiredRequestIDs(nowUnixMs int64) []string {
	t.mu.RLock()
	defer t.mu.RUnlock()

	var ids []string
	for _, rec := range t.records {
		for _, req := range rec.queue {
			if req.TimeoutMs > 0 && req.DeadlineUnixMs() <= nowUnixMs {
				ids = append(ids, req.RequestID)
			}
		}
	}
	sort.Strings(ids)
	return ids
}

// Fingerprint hashes a canonical dump of the table. Replicas that applied the
// same command sequence produce the same fingerprint; a divergence here means
// a determinism bug, not a transient race.
func (t *Table) Fingerprint() string {
	t.mu.RLock()
	defer t.mu.RUnlock()

	lockIDs := make([]string, 0, len(t.records))
	for id := range t.records {
		lockIDs = append(lockIDs, id)
	}
	sort.Strings(lockIDs)

	var b strings.Builder
	for _, id := range lockIDs {
		rec := t.records[id]
		fmt.Fprintf(&b, "%s|", id)

		holders := make([]string, 0, len(rec.holders))
		for h, m := range rec.holders {
			holders = append(holders, h+"="+m.String())
		}
		sort.Strings(holders)
		fmt.Fprintf(&b, "%s|", strings.Join(holders, ","))

		for _, req := range rec.queue {
			fmt.Fprintf(&b, "%s:%s:%s:%d:%d;",
				req.RequestID, req.RequesterID, req.Mode, req.EnqueuedAtUnixMs, req.TimeoutMs)
		}
		b.WriteByte('\n')
	}

	sum := sha256.Sum256([]byte(b.String()))
	return hex.EncodeToString(sum[:])
}

// Len reports the number of live lock records.
func (t *Table) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.records)
}
