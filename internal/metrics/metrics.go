package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	RaftRole = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "lockmesh",
		Subsystem: "raft",
		Name:      "role",
		Help:      "Current role (0=follower, 1=candidate, 2=leader)",
	})

	RaftTerm = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "lockmesh",
		Subsystem: "raft",
		Name:      "term",
		Help:      "Current term",
	})

	RaftCommitIndex = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "lockmesh",
		Subsystem: "raft",
		Name:      "commit_index",
		Help:      "Highest committed log index",
	})

	RaftAppliedIndex = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "lockmesh",
		Subsystem: "raft",
		Name:      "applied_index",
		Help:      "Last log index applied to the state machine",
	})

	RaftElectionsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "lockmesh",
		Subsystem: "raft",
		Name:      "elections_total",
		Help:      "Elections started by this node",
	})

	RaftMessagesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "lockmesh",
		Subsystem: "raft",
		Name:      "messages_total",
		Help:      "Raft RPCs sent/received",
	}, []string{"direction", "type"})

	RaftProposalsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "lockmesh",
		Subsystem: "raft",
		Name:      "proposals_total",
		Help:      "Commands proposed through the raft engine",
	}, []string{"status"})

	WALWriteDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "lockmesh",
		Subsystem: "raft",
		Name:      "wal_write_duration_seconds",
		Help:      "Time to persist log entries and hard state",
		Buckets:   prometheus.ExponentialBuckets(0.0001, 2, 16),
	})

	PBFTView = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "lockmesh",
		Subsystem: "pbft",
		Name:      "view",
		Help:      "Current view number",
	})

	PBFTExecutedSeq = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "lockmesh",
		Subsystem: "pbft",
		Name:      "executed_seq",
		Help:      "Highest executed sequence number",
	})

	PBFTMessagesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "lockmesh",
		Subsystem: "pbft",
		Name:      "messages_total",
		Help:      "PBFT messages sent/received",
	}, []string{"direction", "phase"})

	PBFTAuthFailuresTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "lockmesh",
		Subsystem: "pbft",
		Name:      "auth_failures_total",
		Help:      "Messages dropped for failing authentication",
	})

	PBFTViewChangesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "lockmesh",
		Subsystem: "pbft",
		Name:      "view_changes_total",
		Help:      "View changes this replica voted for",
	})

	LockOutcomesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "lockmesh",
		Subsystem: "lock",
		Name:      "outcomes_total",
		Help:      "Lock command outcomes by command type and status",
	}, []string{"command", "status"})

	LockExpiriesProposedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "lockmesh",
		Subsystem: "lock",
		Name:      "expiries_proposed_total",
		Help:      "Expire commands proposed by this node as leader",
	})

	GRPCRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "lockmesh",
		Subsystem: "grpc",
		Name:      "requests_total",
		Help:      "gRPC requests by service, method and code",
	}, []string{"service", "method", "code"})

	GRPCRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "lockmesh",
		Subsystem: "grpc",
		Name:      "request_duration_seconds",
		Help:      "gRPC request latency",
		Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 14),
	}, []string{"service", "method"})
)
