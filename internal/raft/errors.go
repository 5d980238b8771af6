package raft

import "errors"

var (
	ErrNotLeader = errors.New("not leader")

	ErrShuttingDown = errors.New("shutting down")

	ErrCorruptState = errors.New("persisted state corrupt")
)
