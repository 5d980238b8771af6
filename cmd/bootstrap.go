package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"lockmesh/internal/configuration"
	"lockmesh/internal/domain"
	"lockmesh/internal/lockservice"
	"lockmesh/internal/locktable"
	"lockmesh/internal/logging"
	"lockmesh/internal/metrics"
	"lockmesh/internal/pbft"
	"lockmesh/internal/raft"
	"lockmesh/internal/suspicion"
	"lockmesh/internal/transport"
)

func newServeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run a lock node",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe()
		},
	}
}

func runServe() error {
	ctx, cancel := signal.NotifyContext(context.Background(),
		os.Interrupt, syscall.SIGTERM, syscall.SIGQUIT)
	defer cancel()

	cfg, err := configuration.Load(configDir)
	if err != nil {
		slog.Error("Failed to load configuration", "Error", err)
		return err
	}

	logging.Init(cfg.App.LogLevel)
	slog.Info("starting lock node",
		"node_id", cfg.Consensus.NodeID,
		"engine", cfg.Consensus.Engine,
		"profile", cfg.App.Profile,
	)

	table := locktable.New()
	suspector := suspicion.New(cfg.Suspicion.ThresholdDuration())

	engine, raftNode, pbftNode, peerClient, err := buildEngine(cfg, table, suspector)
	if err != nil {
		slog.Error("Failed to build consensus engine", "Error", err)
		return err
	}
	defer peerClient.Close()

	if raftNode != nil {
		raftNode.Start()
		defer raftNode.Stop()
	}
	if pbftNode != nil {
		pbftNode.Start()
		defer pbftNode.Stop()
	}

	lockSvc := lockservice.New(lockservice.Config{
		ProposeTimeout:     cfg.Lock.ProposeTimeoutDuration(),
		ExpiryScanInterval: cfg.Lock.ExpiryScanIntervalDuration(),
		PeerAddrs:          cfg.Raft.ClientPeers,
	}, engine, table)
	lockSvc.Start()
	defer lockSvc.Stop()

	server := transport.NewServer(transport.ServerConfig{
		Address:        cfg.Transport.PeerAddr(),
		RequestTimeout: cfg.Transport.RequestTimeoutDuration(),
	}, raftNode, pbftNode, lockSvc)
	if err := server.Start(); err != nil {
		slog.Error("Failed to start grpc server", "Error", err)
		return err
	}
	defer server.Stop()

	if cfg.Metrics.Address != "" {
		metricsSrv := metrics.NewServer(cfg.Metrics.Address)
		metricsSrv.Start()
		defer metricsSrv.Stop()
	}

	<-ctx.Done()
	slog.Info("shutdown signal received")
	return nil
}

// buildEngine wires the configured consensus backend. Both engines satisfy
// the same replicated-command-log abstraction, so everything above this
// point is engine-agnostic.
func buildEngine(
	cfg *configuration.Properties,
	table *locktable.Table,
	suspector domain.Suspector,
) (domain.Consensus, *raft.Node, *pbft.Node, *transport.PeerClient, error) {
	switch cfg.Consensus.Engine {
	case "", "raft":
		peerClient := transport.NewPeerClient(cfg.Raft.Peers)

		storage, err := raft.OpenStorage(cfg.Raft.StorageDir, cfg.Raft.Wal.NoSync)
		if err != nil {
			return nil, nil, nil, nil, fmt.Errorf("open raft storage: %w", err)
		}

		peerIDs := make([]uint64, 0, len(cfg.Raft.Peers))
		for id := range cfg.Raft.Peers {
			peerIDs = append(peerIDs, id)
		}

		node, err := raft.NewNode(raft.Config{
			NodeID:             cfg.Consensus.NodeID,
			Peers:              peerIDs,
			ElectionTimeoutMin: cfg.Raft.ElectionTimeoutMinDuration(),
			ElectionTimeoutMax: cfg.Raft.ElectionTimeoutMaxDuration(),
			HeartbeatInterval:  cfg.Raft.HeartbeatIntervalDuration(),
			RPCTimeout:         cfg.Raft.RPCTimeoutDuration(),
			StepInboxSize:      cfg.Raft.StepInboxSize,
		}, storage, peerClient, table, suspector)
		if err != nil {
			storage.Close()
			return nil, nil, nil, nil, err
		}
		return node, node, nil, peerClient, nil

	case "pbft":
		peerAddrs := make(map[uint64]string, len(cfg.PBFT.Replicas))
		replicaIDs := make([]uint64, 0, len(cfg.PBFT.Replicas))
		for id, addr := range cfg.PBFT.Replicas {
			replicaIDs = append(replicaIDs, id)
			if id != cfg.Consensus.NodeID {
				peerAddrs[id] = addr
			}
		}
		peerClient := transport.NewPeerClient(peerAddrs)

		var auth pbft.Authenticator
		if cfg.PBFT.AuthKey != "" {
			auth = pbft.NewHMACAuthenticator([]byte(cfg.PBFT.AuthKey))
		}

		node, err := pbft.NewNode(pbft.Config{
			NodeID:      cfg.Consensus.NodeID,
			Replicas:    replicaIDs,
			ViewTimeout: cfg.PBFT.ViewTimeoutDuration(),
			RPCTimeout:  cfg.PBFT.RPCTimeoutDuration(),
		}, peerClient, table, auth, suspector)
		if err != nil {
			return nil, nil, nil, nil, err
		}
		return node, nil, node, peerClient, nil

	default:
		return nil, nil, nil, nil, fmt.Errorf("unknown consensus engine %q", cfg.Consensus.Engine)
	}
}
