package command

import (
	"github.com/google/uuid"
)

type Type uint8

const (
	TypeAcquire Type = iota + 1
	TypeRelease
	TypeExpire
)

func (t Type) String() string {
	switch t {
	case TypeAcquire:
		return "acquire"
	case TypeRelease:
		return "release"
	case TypeExpire:
		return "expire"
	default:
		return "unknown"
	}
}

type Mode uint8

const (
	ModeShared Mode = iota + 1
	ModeExclusive
)

func (m Mode) String() string {
	switch m {
	case ModeShared:
		return "shared"
	case ModeExclusive:
		return "exclusive"
	default:
		return "unknown"
	}
}

// Command is the single replicated unit. Everything the state machine needs
// must be encoded here: replicas may not consult local time or identity when
// applying, so Acquire carries the leader-stamped enqueue time used for all
// deadline arithmetic.
type Command struct {
	Type        Type
	RequestID   string
	LockID      string
	RequesterID string

	// Acquire only.
	Mode             Mode
	TimeoutMs        int64
	EnqueuedAtUnixMs int64
}

func NewAcquire(lockID, requesterID string, mode Mode, timeoutMs int64) Command {
	return Command{
		Type:        TypeAcquire,
		RequestID:   uuid.NewString(),
		LockID:      lockID,
		RequesterID: requesterID,
		Mode:        mode,
		TimeoutMs:   timeoutMs,
	}
}

func NewRelease(lockID, requesterID string) Command {
	return Command{
		Type:        TypeRelease,
		RequestID:   uuid.NewString(),
		LockID:      lockID,
		RequesterID: requesterID,
	}
}

func NewExpire(requestID string) Command {
	return Command{
		Type:      TypeExpire,
		RequestID: requestID,
	}
}
