package command

type Status uint8

const (
	StatusGranted Status = iota + 1
	StatusQueued
	StatusDeadlock
	StatusReleased
	StatusNotHolder
	StatusTimedOut
	StatusNoop
)

func (s Status) String() string {
	switch s {
	case StatusGranted:
		return "granted"
	case StatusQueued:
		return "queued"
	case StatusDeadlock:
		return "deadlock"
	case StatusReleased:
		return "released"
	case StatusNotHolder:
		return "not_holder"
	case StatusTimedOut:
		return "timed_out"
	case StatusNoop:
		return "noop"
	default:
		return "unknown"
	}
}

// Outcome is what applying one command produced. Promotions emit additional
// Granted outcomes for the requests lifted out of the wait queue, so a single
// Release application may yield several outcomes.
type Outcome struct {
	RequestID   string
	LockID      string
	RequesterID string
	Status      Status
}
