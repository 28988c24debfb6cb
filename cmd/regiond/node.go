package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/regionmesh/regiond/internal/alert"
	"github.com/regionmesh/regiond/internal/config"
	"github.com/regionmesh/regiond/internal/node"
	"github.com/regionmesh/regiond/internal/oplog"
	"github.com/regionmesh/regiond/internal/projection"
	"github.com/regionmesh/regiond/internal/realtime"
	"github.com/regionmesh/regiond/internal/storage"
	"github.com/regionmesh/regiond/internal/verify"
)

// regionNode holds the components every command works with.
type regionNode struct {
	cfg         *config.Config
	logger      *slog.Logger
	store       *storage.Storage
	projections *projection.Store
	log         *oplog.Log
	hub         *realtime.Hub
	service     *node.Service
	auditor     *verify.Auditor
}

func openNode(ctx context.Context, cfg *config.Config) (*regionNode, error) {
	logger := cfg.Logging.NewLogger(os.Stderr)

	if err := os.MkdirAll(cfg.Node.DataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	store, err := storage.New(cfg.Node.StoragePath())
	if err != nil {
		return nil, fmt.Errorf("failed to open storage: %w", err)
	}

	signer, err := oplog.LoadOrCreateKey(store)
	if err != nil {
		store.Close()
		return nil, err
	}

	projections, err := projection.Open(projection.Dialect(cfg.Database.Driver), cfg.Database.ConnectionString())
	if err != nil {
		store.Close()
		return nil, err
	}
	if err := projections.Migrate(ctx); err != nil {
		projections.Close()
		store.Close()
		return nil, err
	}

	log := oplog.NewLog(store, logger)
	hub := realtime.NewHub(cfg.Realtime.BufferSize, logger)

	service := node.NewService(log, signer, projections, hub, logger)
	service.SetLogID(cfg.Node.LogID)

	auditor := verify.NewAuditor(log, projections, store, logger)

	if cfg.Alerts.Enabled {
		alerts := alert.NewManager(true, cfg.Alerts.SlackWebhook)
		alerts.SetNodeID(signer.PublicKey())
		service.SetAlertManager(alerts)
		auditor.SetAlertManager(alerts)
	}

	return &regionNode{
		cfg:         cfg,
		logger:      logger,
		store:       store,
		projections: projections,
		log:         log,
		hub:         hub,
		service:     service,
		auditor:     auditor,
	}, nil
}

func (n *regionNode) Close() {
	n.hub.Close()
	if err := n.projections.Close(); err != nil {
		n.logger.Error("Failed to close projection database", "error", err)
	}
	if err := n.store.Close(); err != nil {
		n.logger.Error("Failed to close storage", "error", err)
	}
}

func loadNode(ctx context.Context) (*regionNode, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return openNode(ctx, cfg)
}
