package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/gavelnet/gavel/params"
	"github.com/gavelnet/gavel/pkg/p2p"
	"github.com/gavelnet/gavel/pkg/platform"
	"github.com/gavelnet/gavel/pkg/raft"
	"github.com/gavelnet/gavel/pkg/raftstore"
	"github.com/gavelnet/gavel/pkg/util"
)

func main() {
	cfg := params.LoadFromEnv("")

	self, ok := cfg.Platform.ReplicaByID(cfg.Platform.ReplicaID)
	if !ok {
		log.Fatalf("replica %q not in the replica table", cfg.Platform.ReplicaID)
	}

	logPath := cfg.LogFile
	if logPath == "" {
		logPath = filepath.Join(cfg.Platform.DataDir, fmt.Sprintf("platform-%s.log", self.ID))
	}
	logger, err := util.NewLoggerWithFile(cfg.Verbose, logPath)
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer logger.Sync()
	sugar := logger.Sugar().With("replica", self.ID)

	// ---- Persistence ----
	var store raft.Store
	switch cfg.Platform.StoreBackend {
	case "pebble":
		ps, err := raftstore.NewPebbleStore(filepath.Join(cfg.Platform.DataDir, "raft-"+self.ID))
		if err != nil {
			sugar.Fatalw("pebble_init_failed", "err", err)
		}
		defer ps.Close()
		store = ps
	case "memory":
		store = raftstore.NewMemoryStore()
	default:
		fs, err := raftstore.NewFileStore(filepath.Join(cfg.Platform.DataDir, "raft-"+self.ID+".state"))
		if err != nil {
			sugar.Fatalw("filestore_init_failed", "err", err)
		}
		store = fs
	}
	sugar.Infow("store_ready", "backend", cfg.Platform.StoreBackend)

	// ---- Peer network ----
	peers := make(map[raft.NodeID]string, len(cfg.Platform.Replicas))
	ids := make([]raft.NodeID, 0, len(cfg.Platform.Replicas))
	for _, r := range cfg.Platform.Replicas {
		id := raft.NodeID(r.ID)
		ids = append(ids, id)
		peers[id] = r.PeerAddr()
	}

	net, err := p2p.New(context.Background(), p2p.Config{
		SelfID:     raft.NodeID(self.ID),
		ListenAddr: self.PeerAddr(),
		Peers:      peers,
		Logger:     sugar,
	})
	if err != nil {
		sugar.Fatalw("libp2p_init_failed", "err", err)
	}
	defer net.Close()

	// ---- Consensus ----
	node, err := raft.New(raft.Config{
		ID:                 raft.NodeID(self.ID),
		Peers:              ids,
		HeartbeatInterval:  cfg.Platform.Raft.HeartbeatInterval,
		ElectionTimeoutMin: cfg.Platform.Raft.ElectionTimeoutMin,
		ElectionTimeoutMax: cfg.Platform.Raft.ElectionTimeoutMax,
		Seed:               cfg.Platform.Raft.Seed,
	}, net, store, sugar)
	if err != nil {
		sugar.Fatalw("raft_init_failed", "err", err)
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector())
	node.Metrics = raft.NewMetrics(registry, raft.NodeID(self.ID))

	// ---- State machine and façade ----
	sm := platform.NewStateMachine(sugar)
	server := platform.NewServer(node, sm, registry, sugar)

	node.Start()
	defer node.Close()
	defer server.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	clientAddr := fmt.Sprintf("%s:%d", self.Host, self.ClientPort)
	go func() {
		if err := server.Start(clientAddr); err != nil {
			sugar.Fatalw("facade_failed", "err", err)
		}
	}()

	sugar.Infow("replica_running",
		"client_addr", clientAddr,
		"peer_addr", self.PeerAddr(),
		"cluster_size", len(ids))

	<-ctx.Done()
	sugar.Info("shutting_down")
}
