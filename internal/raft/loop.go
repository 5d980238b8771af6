package raft

import (
	"log/slog"
	"time"
)

func (n *Node) run() {
	defer n.stoppedWg.Done()

	n.resetElectionTimer()
	defer n.electionTimer.Stop()

	heartbeat := time.NewTicker(n.cfg.HeartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case <-n.stopCh:
			slog.Debug("raft loop stopping", "node_id", n.id)
			return

		case <-n.electionTimer.C:
			if n.role != Leader {
				n.startElection()
			}
			n.resetElectionTimer()

		case <-heartbeat.C:
			switch n.role {
			case Leader:
				n.broadcastAppend()
			case Follower:
				n.maybePreemptElection()
			}

		case st := <-n.voteInbox:
			st.resp <- n.stepRequestVote(st.req)

		case st := <-n.appendInbox:
			st.resp <- n.stepAppendEntries(st.req)

		case p := <-n.proposeCh:
			p.resp <- n.stepPropose(p.data)

		case vr := <-n.voteResults:
			n.stepVoteResult(vr)

		case ar := <-n.appendRes:
			n.stepAppendResult(ar)
		}
	}
}

// maybePreemptElection starts an election ahead of the timer when the
// suspector has written the leader off. Purely an optimization: with no
// suspector wired the randomized timer alone guarantees liveness.
func (n *Node) maybePreemptElection() {
	if n.suspector == nil || n.leaderID == 0 || n.leaderID == n.id {
		return
	}
	if !n.suspector.IsSuspected(n.leaderID) {
		return
	}
	slog.Info("leader suspected dead, electing early",
		"node_id", n.id,
		"leader_id", n.leaderID,
		"term", n.currentTerm,
	)
	n.startElection()
	n.resetElectionTimer()
}
