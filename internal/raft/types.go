package raft

import "context"

type Role uint8

const (
	Follower Role = iota
	Candidate
	Leader
)

func (r Role) String() string {
	switch r {
	case Follower:
		return "follower"
	case Candidate:
		return "candidate"
	case Leader:
		return "leader"
	default:
		return "unknown"
	}
}

// LogEntry is one slot of the replicated log. Immutable once committed;
// entries sharing (Index, Term) are identical on every node that holds them.
type LogEntry struct {
	Index uint64
	Term  uint64
	Data  []byte
}

type RequestVoteRequest struct {
	Term         uint64
	CandidateID  uint64
	LastLogIndex uint64
	LastLogTerm  uint64
}

type RequestVoteResponse struct {
	Term        uint64
	VoteGranted bool
}

type AppendEntriesRequest struct {
	Term         uint64
	LeaderID     uint64
	PrevLogIndex uint64
	PrevLogTerm  uint64
	Entries      []LogEntry
	LeaderCommit uint64
}

type AppendEntriesResponse struct {
	Term    uint64
	Success bool
	// On success, the last index now replicated on the follower. On a log
	// mismatch, the follower's last index, letting the leader back off past
	// a long divergent suffix in one step.
	MatchIndex uint64
}

// Transport carries raft RPCs to one peer. Implementations are not expected
// to retry; the engine re-sends on the next heartbeat tick until superseded
// by a term change.
type Transport interface {
	RequestVote(ctx context.Context, peerID uint64, req *RequestVoteRequest) (*RequestVoteResponse, error)
	AppendEntries(ctx context.Context, peerID uint64, req *AppendEntriesRequest) (*AppendEntriesResponse, error)
}
