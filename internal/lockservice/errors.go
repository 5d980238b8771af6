package lockservice

import (
	"errors"
	"fmt"
)

var ErrShuttingDown = errors.New("lockservice: shutting down")

// NotLeaderError rejects a write submitted at a non-leader node. LeaderID
// and LeaderAddr carry a redirect hint when the current leader is known;
// both are zero while an election is in progress.
type NotLeaderError struct {
	LeaderID   uint64
	LeaderAddr string
}

func (e *NotLeaderError) Error() string {
	if e.LeaderID == 0 {
		return "not the leader, current leader unknown"
	}
	return fmt.Sprintf("not the leader, try node %d at %s", e.LeaderID, e.LeaderAddr)
}
