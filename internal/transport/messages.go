package transport

import (
	"lockmesh/internal/command"
	"lockmesh/internal/locktable"
)

// Client-surface request/response shapes for the lock service.

type AcquireRequest struct {
	LockID      string
	RequesterID string
	Mode        command.Mode
	TimeoutMs   int64
}

type ReleaseRequest struct {
	LockID      string
	RequesterID string
}

type WaitRequest struct {
	RequestID string
}

type StatusRequest struct {
	LockID string
}

type OutcomeResponse struct {
	Outcome command.Outcome
}

type StatusResponse struct {
	Status locktable.LockStatus
}

// Ack is the empty reply for one-way deliveries.
type Ack struct{}
