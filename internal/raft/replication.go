package raft

import (
	"context"
	"log/slog"

	"lockmesh/internal/metrics"
)

func (n *Node) stepPropose(data []byte) error {
	if n.role != Leader {
		return ErrNotLeader
	}

	entry := LogEntry{
		Index: n.log.lastIndex() + 1,
		Term:  n.currentTerm,
		Data:  data,
	}
	if err := n.storage.Append([]LogEntry{entry}); err != nil {
		return err
	}
	n.log.append(entry)

	n.maybeAdvanceCommit()
	n.broadcastAppend()
	return nil
}

func (n *Node) broadcastAppend() {
	for _, peer := range n.peers {
		n.sendAppend(peer)
	}
}

// sendAppend ships the peer's pending suffix (or an empty heartbeat). One
// RPC per peer at a time; a lost response is simply retried on the next
// heartbeat tick, which is what makes duplicate delivery harmless.
func (n *Node) sendAppend(peer uint64) {
	if n.inFlight[peer] {
		return
	}

	next := n.nextIndex[peer]
	if next == 0 {
		next = 1
	}
	prevIndex := next - 1
	var prevTerm uint64
	if prevIndex > 0 {
		t, ok := n.log.term(prevIndex)
		if !ok {
			n.nextIndex[peer] = 1
			return
		}
		prevTerm = t
	}

	req := &AppendEntriesRequest{
		Term:         n.currentTerm,
		LeaderID:     n.id,
		PrevLogIndex: prevIndex,
		PrevLogTerm:  prevTerm,
		Entries:      n.log.from(next),
		LeaderCommit: n.commitIndex,
	}

	n.inFlight[peer] = true
	go func() {
		metrics.RaftMessagesTotal.WithLabelValues("sent", "append_entries").Inc()

		ctx, cancel := context.WithTimeout(context.Background(), n.cfg.RPCTimeout)
		defer cancel()

		resp, err := n.transport.AppendEntries(ctx, peer, req)
		select {
		case n.appendRes <- appendResult{
			peerID:    peer,
			term:      req.Term,
			prevIndex: req.PrevLogIndex,
			count:     uint64(len(req.Entries)),
			resp:      resp,
			err:       err,
		}:
		case <-n.stopCh:
		}
	}()
}

func (n *Node) stepAppendResult(ar appendResult) {
	n.inFlight[ar.peerID] = false

	if ar.err != nil {
		slog.Debug("append entries failed", "node_id", n.id, "peer_id", ar.peerID, "error", ar.err)
		return
	}
	if ar.resp.Term > n.currentTerm {
		n.becomeFollower(ar.resp.Term, 0)
		return
	}
	if n.role != Leader || ar.term != n.currentTerm {
		return
	}

	if ar.resp.Success {
		replicated := ar.prevIndex + ar.count
		if replicated > n.matchIndex[ar.peerID] {
			n.matchIndex[ar.peerID] = replicated
		}
		n.nextIndex[ar.peerID] = n.matchIndex[ar.peerID] + 1
		n.maybeAdvanceCommit()
		if n.nextIndex[ar.peerID] <= n.log.lastIndex() {
			n.sendAppend(ar.peerID)
		}
		return
	}

	// Log mismatch: back off, using the follower's last index to skip past
	// a long divergent suffix in one step.
	next := n.nextIndex[ar.peerID]
	if next > 1 {
		next--
	}
	if hint := ar.resp.MatchIndex + 1; hint < next {
		next = hint
	}
	if next < 1 {
		next = 1
	}
	n.nextIndex[ar.peerID] = next
	n.sendAppend(ar.peerID)
}

// maybeAdvanceCommit moves commitIndex to the highest current-term index
// replicated on a majority. Entries from prior terms commit only
// transitively, never by direct count.
func (n *Node) maybeAdvanceCommit() {
	for idx := n.log.lastIndex(); idx > n.commitIndex; idx-- {
		t, ok := n.log.term(idx)
		if !ok || t != n.currentTerm {
			break
		}
		count := 1 // self
		for _, p := range n.peers {
			if n.matchIndex[p] >= idx {
				count++
			}
		}
		if count >= n.quorum() {
			n.commitIndex = idx
			metrics.RaftCommitIndex.Set(float64(idx))
			break
		}
	}
	n.applyCommitted()
}

// applyCommitted feeds newly committed entries to the state machine in
// strict index order. Apply errors are surfaced but do not halt the log:
// a deterministic state machine fails identically on every replica.
func (n *Node) applyCommitted() {
	for n.lastApplied < n.commitIndex {
		entry, ok := n.log.entry(n.lastApplied + 1)
		if !ok {
			slog.Error("committed entry missing from log",
				"node_id", n.id,
				"index", n.lastApplied+1,
			)
			return
		}
		if err := n.sm.Apply(entry.Data); err != nil {
			slog.Error("state machine apply failed",
				"node_id", n.id,
				"index", entry.Index,
				"error", err,
			)
		}
		n.lastApplied = entry.Index
	}
	metrics.RaftAppliedIndex.Set(float64(n.lastApplied))
}

func (n *Node) stepAppendEntries(req *AppendEntriesRequest) *AppendEntriesResponse {
	if req.Term < n.currentTerm {
		return &AppendEntriesResponse{Term: n.currentTerm, Success: false}
	}

	// A live leader for this term or newer: anyone else steps down.
	n.becomeFollower(req.Term, req.LeaderID)
	if n.suspector != nil {
		n.suspector.Observe(req.LeaderID)
	}

	if !n.log.matches(req.PrevLogIndex, req.PrevLogTerm) {
		return &AppendEntriesResponse{
			Term:       n.currentTerm,
			Success:    false,
			MatchIndex: n.log.lastIndex(),
		}
	}

	// Skip entries already in place; the first conflict truncates the rest.
	pos := 0
	for pos < len(req.Entries) {
		e := req.Entries[pos]
		t, ok := n.log.term(e.Index)
		if !ok {
			break
		}
		if t != e.Term {
			if err := n.storage.TruncateFrom(e.Index); err != nil {
				slog.Error("truncating conflicting suffix", "node_id", n.id, "error", err)
				return &AppendEntriesResponse{Term: n.currentTerm, Success: false}
			}
			n.log.truncateFrom(e.Index)
			break
		}
		pos++
	}
	if toAppend := req.Entries[pos:]; len(toAppend) > 0 {
		if err := n.storage.Append(toAppend); err != nil {
			slog.Error("persisting entries", "node_id", n.id, "error", err)
			return &AppendEntriesResponse{Term: n.currentTerm, Success: false}
		}
		n.log.append(toAppend...)
	}

	lastNew := req.PrevLogIndex + uint64(len(req.Entries))
	if req.LeaderCommit > n.commitIndex {
		ci := min(req.LeaderCommit, lastNew)
		if ci > n.commitIndex {
			n.commitIndex = ci
			metrics.RaftCommitIndex.Set(float64(ci))
			n.applyCommitted()
		}
	}

	return &AppendEntriesResponse{
		Term:       n.currentTerm,
		Success:    true,
		MatchIndex: lastNew,
	}
}
