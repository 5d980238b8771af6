package pbft

import (
	"cmp"
	"log/slog"
	"slices"

	"lockmesh/internal/metrics"
)

// startViewChange abandons the current view's primary and campaigns for
// newView, carrying proof of every request this replica prepared but has
// not yet executed so the next primary can re-propose it.
func (n *Node) startViewChange(newView uint64) {
	if newView <= n.view {
		return
	}
	if n.changingView && newView <= n.pendingView {
		return
	}
	n.changingView = true
	n.pendingView = newView

	proofs := n.preparedProofs()
	metrics.PBFTViewChangesTotal.Inc()
	slog.Info("starting view change",
		"node_id", n.id,
		"from_view", n.view,
		"to_view", newView,
		"prepared", len(proofs),
	)

	msg := n.sign(&Message{
		Phase:    PhaseViewChange,
		View:     newView,
		SenderID: n.id,
		Prepared: proofs,
	})
	n.recordViewChange(msg)
	n.broadcast(msg)
	n.maybeAssembleNewView(newView)
}

func (n *Node) preparedProofs() []PreparedProof {
	var proofs []PreparedProof
	for seq, s := range n.slots {
		if s.sentCommit {
			proofs = append(proofs, PreparedProof{
				View:    n.view,
				Seq:     seq,
				Digest:  s.digest,
				Payload: s.payload,
			})
		}
	}
	slices.SortFunc(proofs, func(a, b PreparedProof) int {
		return cmp.Compare(a.Seq, b.Seq)
	})
	return proofs
}

func (n *Node) recordViewChange(msg *Message) {
	vcs, ok := n.viewChanges[msg.View]
	if !ok {
		vcs = make(map[uint64]*Message)
		n.viewChanges[msg.View] = vcs
	}
	if _, seen := vcs[msg.SenderID]; !seen {
		vcs[msg.SenderID] = msg
	}
}

func (n *Node) stepViewChange(msg *Message) {
	if msg.View <= n.view {
		return
	}
	n.recordViewChange(msg)

	// Join a view change that f+1 correct replicas already demand; waiting
	// for the local timer would only delay the inevitable.
	if vcs := n.viewChanges[msg.View]; len(vcs) > n.f && (!n.changingView || n.pendingView < msg.View) {
		n.startViewChange(msg.View)
		return
	}
	n.maybeAssembleNewView(msg.View)
}

// maybeAssembleNewView runs on the would-be primary of v once 2f+1 replicas
// demand the view change. It merges their prepared proofs, renumbers the
// surviving requests contiguously after its own execution point, and
// announces the new view with those re-proposals.
func (n *Node) maybeAssembleNewView(v uint64) {
	if v <= n.view || n.primaryOf(v) != n.id {
		return
	}
	vcs := n.viewChanges[v]
	if len(vcs) < n.quorum() {
		return
	}

	// Highest-view proof wins per original sequence number.
	best := make(map[uint64]PreparedProof)
	for _, vc := range vcs {
		for _, p := range vc.Prepared {
			if cur, ok := best[p.Seq]; !ok || p.View > cur.View {
				best[p.Seq] = p
			}
		}
	}
	origSeqs := make([]uint64, 0, len(best))
	for seq := range best {
		origSeqs = append(origSeqs, seq)
	}
	slices.Sort(origSeqs)

	proofs := make([]PreparedProof, 0, len(best))
	seq := n.lastExecuted
	for _, orig := range origSeqs {
		p := best[orig]
		seq++
		proofs = append(proofs, PreparedProof{
			View:    v,
			Seq:     seq,
			Digest:  p.Digest,
			Payload: p.Payload,
		})
	}

	slog.Info("announcing new view",
		"node_id", n.id,
		"view", v,
		"reproposed", len(proofs),
	)
	n.broadcast(n.sign(&Message{
		Phase:    PhaseNewView,
		View:     v,
		SenderID: n.id,
		Prepared: proofs,
	}))
	n.applyNewView(v, proofs)
}

func (n *Node) stepNewView(msg *Message) {
	if msg.View <= n.view {
		return
	}
	if msg.SenderID != n.primaryOf(msg.View) {
		slog.Debug("new-view from wrong replica", "node_id", n.id, "sender_id", msg.SenderID)
		return
	}
	n.applyNewView(msg.View, msg.Prepared)
}

// applyNewView installs view v, discarding every in-flight prepare/commit
// accumulation from superseded views, then runs the re-proposed requests
// through the normal three-phase path. A re-proposal that already executed
// here is recognized by its digest and applied as a no-op.
func (n *Node) applyNewView(v uint64, proofs []PreparedProof) {
	n.view = v
	n.changingView = false
	n.pendingView = 0
	n.slots = make(map[uint64]*slot)
	n.nextSeq = n.lastExecuted
	for view := range n.viewChanges {
		if view <= v {
			delete(n.viewChanges, view)
		}
	}
	n.publish()
	n.resetProgressTimer()

	slog.Info("entered view",
		"node_id", n.id,
		"view", v,
		"primary_id", n.primaryOf(v),
	)

	for _, p := range proofs {
		if p.Seq <= n.lastExecuted {
			continue
		}
		if p.Digest != digestOf(p.Payload) {
			slog.Debug("re-proposal digest mismatch", "node_id", n.id, "seq", p.Seq)
			continue
		}
		if p.Seq > n.nextSeq {
			n.nextSeq = p.Seq
		}
		n.acceptPrePrepare(p.Seq, p.Digest, p.Payload)
	}
}
