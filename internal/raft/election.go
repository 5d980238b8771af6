package raft

import (
	"context"
	"log/slog"

	"lockmesh/internal/metrics"
)

func (n *Node) startElection() {
	n.role = Candidate
	n.currentTerm++
	n.votedFor = n.id
	n.leaderID = 0
	n.votesGranted = 1

	if err := n.persistHardState(); err != nil {
		// Cannot campaign on a term we failed to persist.
		slog.Error("persisting election term", "node_id", n.id, "error", err)
		n.role = Follower
		n.currentTerm--
		n.votedFor = 0
		n.publish()
		return
	}
	n.publish()
	metrics.RaftElectionsTotal.Inc()

	slog.Info("starting election",
		"node_id", n.id,
		"term", n.currentTerm,
		"last_log_index", n.log.lastIndex(),
	)

	req := RequestVoteRequest{
		Term:         n.currentTerm,
		CandidateID:  n.id,
		LastLogIndex: n.log.lastIndex(),
		LastLogTerm:  n.log.lastTerm(),
	}

	for _, peer := range n.peers {
		go n.requestVoteFrom(peer, req)
	}

	// A single-node cluster is its own majority.
	if n.votesGranted >= n.quorum() {
		n.becomeLeader()
	}
}

func (n *Node) requestVoteFrom(peer uint64, req RequestVoteRequest) {
	metrics.RaftMessagesTotal.WithLabelValues("sent", "request_vote").Inc()

	ctx, cancel := context.WithTimeout(context.Background(), n.cfg.RPCTimeout)
	defer cancel()

	resp, err := n.transport.RequestVote(ctx, peer, &req)
	if err != nil {
		slog.Debug("request vote failed", "node_id", n.id, "peer_id", peer, "error", err)
		return
	}
	select {
	case n.voteResults <- voteResult{peerID: peer, term: req.Term, resp: resp}:
	case <-n.stopCh:
	}
}

func (n *Node) stepVoteResult(vr voteResult) {
	if vr.resp.Term > n.currentTerm {
		n.becomeFollower(vr.resp.Term, 0)
		return
	}
	// Votes from an abandoned election count for nothing.
	if n.role != Candidate || vr.term != n.currentTerm || !vr.resp.VoteGranted {
		return
	}

	n.votesGranted++
	if n.votesGranted >= n.quorum() {
		n.becomeLeader()
	}
}

func (n *Node) becomeLeader() {
	n.role = Leader
	n.leaderID = n.id
	for _, p := range n.peers {
		n.nextIndex[p] = n.log.lastIndex() + 1
		n.matchIndex[p] = 0
		n.inFlight[p] = false
	}
	n.publish()

	slog.Info("became leader",
		"node_id", n.id,
		"term", n.currentTerm,
		"last_log_index", n.log.lastIndex(),
	)

	n.broadcastAppend()
}

// becomeFollower steps down, adopting term when it is newer. The vote is
// reset only on a term change; within a term the one-vote rule stands.
func (n *Node) becomeFollower(term, leaderID uint64) {
	newTerm := term > n.currentTerm
	n.role = Follower
	if newTerm {
		n.currentTerm = term
		n.votedFor = 0
	}
	n.leaderID = leaderID

	if newTerm {
		if err := n.persistHardState(); err != nil {
			slog.Error("persisting term change", "node_id", n.id, "error", err)
		}
	}
	n.publish()
	n.resetElectionTimer()
}

func (n *Node) stepRequestVote(req *RequestVoteRequest) *RequestVoteResponse {
	if req.Term > n.currentTerm {
		n.becomeFollower(req.Term, 0)
	}

	grant := req.Term >= n.currentTerm &&
		(n.votedFor == 0 || n.votedFor == req.CandidateID) &&
		n.log.upToDate(req.LastLogTerm, req.LastLogIndex)

	if grant {
		// The vote must be durable before the candidate can count it.
		if err := n.storage.SaveHardState(HardState{Term: n.currentTerm, VotedFor: req.CandidateID}); err != nil {
			slog.Error("persisting vote", "node_id", n.id, "error", err)
			return &RequestVoteResponse{Term: n.currentTerm, VoteGranted: false}
		}
		n.votedFor = req.CandidateID
		n.resetElectionTimer()
		slog.Debug("granted vote",
			"node_id", n.id,
			"candidate_id", req.CandidateID,
			"term", n.currentTerm,
		)
	}

	return &RequestVoteResponse{Term: n.currentTerm, VoteGranted: grant}
}
