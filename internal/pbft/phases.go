package pbft

import (
	"log/slog"

	"lockmesh/internal/metrics"
)

func (n *Node) getSlot(seq uint64) *slot {
	s, ok := n.slots[seq]
	if !ok {
		s = newSlot()
		n.slots[seq] = s
	}
	return s
}

func (n *Node) stepPropose(data []byte) error {
	if n.primaryOf(n.view) != n.id || n.changingView {
		return ErrNotPrimary
	}

	n.nextSeq++
	seq := n.nextSeq
	digest := digestOf(data)

	s := n.getSlot(seq)
	s.prePrepared = true
	s.digest = digest
	s.payload = data

	n.broadcast(n.sign(&Message{
		Phase:    PhasePrePrepare,
		View:     n.view,
		Seq:      seq,
		Digest:   digest,
		SenderID: n.id,
		Payload:  data,
	}))
	return nil
}

func (n *Node) stepPrePrepare(msg *Message) {
	if msg.View != n.view || n.changingView {
		return
	}
	if msg.SenderID != n.primaryOf(n.view) {
		slog.Debug("pre-prepare from non-primary", "node_id", n.id, "sender_id", msg.SenderID)
		return
	}
	if msg.Digest != digestOf(msg.Payload) {
		slog.Debug("pre-prepare digest mismatch", "node_id", n.id, "seq", msg.Seq)
		return
	}
	if msg.Seq <= n.lastExecuted {
		return
	}
	n.acceptPrePrepare(msg.Seq, msg.Digest, msg.Payload)
}

// acceptPrePrepare records the primary's assignment of (seq, digest) and, on
// a backup, answers with this replica's Prepare. A second pre-prepare for
// the same sequence with a different digest is primary equivocation and is
// ignored; the first assignment stands.
func (n *Node) acceptPrePrepare(seq uint64, digest [32]byte, payload []byte) {
	s := n.getSlot(seq)
	if s.prePrepared {
		if s.digest != digest {
			slog.Warn("conflicting pre-prepare for sequence",
				"node_id", n.id,
				"view", n.view,
				"seq", seq,
			)
		}
	} else {
		s.prePrepared = true
		s.digest = digest
		s.payload = payload
	}

	if n.primaryOf(n.view) != n.id {
		if _, voted := s.prepares[n.id]; !voted {
			s.prepares[n.id] = s.digest
			n.broadcast(n.sign(&Message{
				Phase:    PhasePrepare,
				View:     n.view,
				Seq:      seq,
				Digest:   s.digest,
				SenderID: n.id,
			}))
		}
	}
	n.checkPrepared(seq, s)
}

func (n *Node) stepPrepare(msg *Message) {
	if msg.View != n.view || n.changingView || msg.Seq <= n.lastExecuted {
		return
	}
	// The primary's pre-prepare already counts as its prepare.
	if msg.SenderID == n.primaryOf(n.view) {
		return
	}
	s := n.getSlot(msg.Seq)
	if _, voted := s.prepares[msg.SenderID]; !voted {
		s.prepares[msg.SenderID] = msg.Digest
	}
	n.checkPrepared(msg.Seq, s)
}

// checkPrepared moves the slot to the commit phase once it holds the
// pre-prepare plus 2f matching prepares.
func (n *Node) checkPrepared(seq uint64, s *slot) {
	if !s.prePrepared || s.sentCommit {
		return
	}
	if s.matchingPrepares() < 2*n.f {
		return
	}
	s.sentCommit = true
	s.commits[n.id] = s.digest
	n.broadcast(n.sign(&Message{
		Phase:    PhaseCommit,
		View:     n.view,
		Seq:      seq,
		Digest:   s.digest,
		SenderID: n.id,
	}))
	n.maybeExecute()
}

func (n *Node) stepCommit(msg *Message) {
	if msg.View != n.view || n.changingView || msg.Seq <= n.lastExecuted {
		return
	}
	s := n.getSlot(msg.Seq)
	if _, voted := s.commits[msg.SenderID]; !voted {
		s.commits[msg.SenderID] = msg.Digest
	}
	n.maybeExecute()
}

// maybeExecute applies every consecutive committed slot starting right after
// lastExecuted. A slot committed out of order is held back until the gap
// before it closes.
func (n *Node) maybeExecute() {
	for {
		s, ok := n.slots[n.lastExecuted+1]
		if !ok || !s.sentCommit || s.matchingCommits() < n.quorum() {
			return
		}

		if n.executedDigests.Contains(s.digest) {
			slog.Debug("skipping re-proposed command already executed",
				"node_id", n.id,
				"seq", n.lastExecuted+1,
			)
		} else {
			if err := n.sm.Apply(s.payload); err != nil {
				slog.Error("state machine apply failed",
					"node_id", n.id,
					"seq", n.lastExecuted+1,
					"error", err,
				)
			}
			n.executedDigests.Add(s.digest, struct{}{})
		}

		delete(n.slots, n.lastExecuted+1)
		n.lastExecuted++
		metrics.PBFTExecutedSeq.Set(float64(n.lastExecuted))
		n.resetProgressTimer()
	}
}
