package pbft

import "errors"

var (
	ErrNotPrimary   = errors.New("pbft: not the primary for the current view")
	ErrShuttingDown = errors.New("pbft: node is shutting down")
	ErrClusterSize  = errors.New("pbft: cluster must have at least 3f+1 replicas with f >= 1")
)
