// Package server provides the public entry point for initializing the
// MindWeave AI core server: storage, configuration store, orchestrator,
// HTTP router, and telemetry, composed in dependency order.
package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/mindweave/mindweave/ai-core/internal/aiconfig"
	"github.com/mindweave/mindweave/ai-core/internal/aiservice"
	"github.com/mindweave/mindweave/ai-core/internal/api"
	"github.com/mindweave/mindweave/ai-core/internal/config"
	"github.com/mindweave/mindweave/ai-core/internal/kv"
	"github.com/mindweave/mindweave/ai-core/internal/orchestrator"
	"github.com/mindweave/mindweave/ai-core/internal/telemetry"
)

// Server holds the initialized AI core server.
type Server struct {
	// Handler is the HTTP handler with all routes and middleware.
	Handler http.Handler

	// Orchestrator is the composed AI core, exposed for embedding callers.
	Orchestrator *orchestrator.Orchestrator

	// Store is the key-value persistence backend.
	Store kv.Store

	// Config is the loaded server configuration.
	Config *config.Config

	// Port is the port the server should listen on.
	Port int

	// ShutdownFunc should be called on graceful shutdown to flush telemetry.
	ShutdownFunc func(context.Context) error
}

// New initializes all components and returns a ready Server.
func New(ctx context.Context) (*Server, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	return NewWithConfig(ctx, cfg)
}

// NewWithConfig initializes the server with an explicit configuration.
func NewWithConfig(ctx context.Context, cfg *config.Config) (*Server, error) {
	shutdown, err := telemetry.Init(cfg.Telemetry, cfg.Version)
	if err != nil {
		return nil, fmt.Errorf("init telemetry: %w", err)
	}

	store, err := openStore(ctx, cfg.Storage)
	if err != nil {
		return nil, fmt.Errorf("open storage: %w", err)
	}

	configStore := aiconfig.NewStore(store)
	orch := orchestrator.New(ctx, configStore, aiservice.Options{
		BaseURL: cfg.Backend.BaseURL,
		Timeout: time.Duration(cfg.Backend.TimeoutSeconds) * time.Second,
	})

	return &Server{
		Handler:      api.NewRouter(cfg, orch),
		Orchestrator: orch,
		Store:        store,
		Config:       cfg,
		Port:         cfg.Port,
		ShutdownFunc: shutdown,
	}, nil
}

// openStore builds the key-value backend selected by configuration.
func openStore(ctx context.Context, cfg config.StorageConfig) (kv.Store, error) {
	switch cfg.Driver {
	case "", "memory":
		log.Info().Str("snapshot", cfg.SnapshotPath).Msg("Using in-memory storage")
		return kv.NewMemoryStore(cfg.SnapshotPath), nil
	case "sqlite":
		log.Info().Str("path", cfg.SQLitePath).Msg("Using SQLite storage")
		return kv.NewSQLiteStore(ctx, cfg.SQLitePath)
	case "postgres":
		log.Info().Msg("Using PostgreSQL storage")
		return kv.NewPostgresStore(ctx, cfg.PostgresURL)
	default:
		return nil, fmt.Errorf("unknown storage driver %q", cfg.Driver)
	}
}
