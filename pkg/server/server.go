// Package server provides the public entry point for initializing the
// agent server.
//
// This package exists in pkg/ (not internal/) so that embedders and
// integration tests can compose the full server and wrap its handler.
//
// Usage:
//
//	srv, err := server.New(ctx)
//	srv.Start(ctx)
//	defer srv.Shutdown(ctx)
//	http.ListenAndServe(":8980", srv.Handler)
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"path/filepath"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/agentserver/agentserver/internal/access"
	"github.com/agentserver/agentserver/internal/api"
	"github.com/agentserver/agentserver/internal/api/handlers"
	"github.com/agentserver/agentserver/internal/config"
	"github.com/agentserver/agentserver/internal/instance"
	"github.com/agentserver/agentserver/internal/registry"
	"github.com/agentserver/agentserver/internal/retention"
	"github.com/agentserver/agentserver/internal/scheduler"
	"github.com/agentserver/agentserver/internal/script"
	"github.com/agentserver/agentserver/internal/seed"
	"github.com/agentserver/agentserver/internal/store"
	"github.com/agentserver/agentserver/internal/telemetry"
	"github.com/agentserver/agentserver/pkg/models"
)

// Server holds the initialized agent server.
type Server struct {
	// Handler is the HTTP handler with all routes and middleware.
	Handler http.Handler

	// Store is the persistence backend selected by AGENTSERVER_STORE.
	Store store.Store

	Registry  *registry.Registry
	Instances *instance.Manager
	Access    *access.Tables
	Scheduler *scheduler.Scheduler
	Janitor   *retention.Janitor

	// Config is the server configuration.
	Config *config.Config

	// Port is the port the server should listen on.
	Port int

	// ShutdownFunc flushes telemetry.
	ShutdownFunc func(context.Context) error

	mu            sync.Mutex
	cancelJanitor context.CancelFunc
	janitorDone   chan struct{}
}

// New initializes every component from environment configuration.
func New(ctx context.Context) (*Server, error) {
	return NewWithConfig(ctx, config.Load())
}

// NewWithConfig initializes the server with an explicit configuration:
// it opens the store, restores definitions, access tables and instances,
// applies the seed file and builds the router. Nothing runs until Start.
func NewWithConfig(ctx context.Context, cfg *config.Config) (*Server, error) {
	level, err := script.ParseLevel(cfg.Runtime.ExecutionLevel)
	if err != nil {
		return nil, &models.ConfigError{Msg: err.Error()}
	}

	shutdown, err := telemetry.Init(cfg)
	if err != nil {
		return nil, fmt.Errorf("init telemetry: %w", err)
	}

	st, err := store.Open(ctx, cfg.Store.Kind, cfg.Store.DataDir, cfg.Database.URL, cfg.Database.MaxConnections)
	if err != nil {
		shutdown(ctx)
		return nil, fmt.Errorf("open store: %w", err)
	}
	log.Info().Str("kind", cfg.Store.Kind).Msg("Store initialized")

	srv, err := assemble(ctx, cfg, st, level)
	if err != nil {
		st.Close()
		shutdown(ctx)
		return nil, err
	}
	srv.ShutdownFunc = shutdown
	return srv, nil
}

func assemble(ctx context.Context, cfg *config.Config, st store.Store, level script.Level) (*Server, error) {
	reg := registry.New(st)
	reg.SetDefaultIntervals(cfg.Runtime.TriggerInterval, cfg.Runtime.ReportingInterval)
	tables := access.New(st)
	m := instance.NewManager(reg, st, tables, instance.Options{
		Level:      level,
		StateLimit: cfg.Runtime.StateLimit,
	})

	// Instances bind to definitions and consult access tables, so they go last.
	if err := reg.Restore(ctx); err != nil {
		return nil, fmt.Errorf("restore definitions: %w", err)
	}
	if err := tables.Restore(ctx); err != nil {
		return nil, fmt.Errorf("restore access tables: %w", err)
	}
	if err := m.Restore(ctx); err != nil {
		return nil, fmt.Errorf("restore instances: %w", err)
	}

	sched := scheduler.New(m, scheduler.Options{
		Tick:    cfg.Scheduler.Tick,
		Workers: cfg.Scheduler.Workers,
	})

	if cfg.SeedFile != "" {
		f, err := seed.Load(cfg.SeedFile)
		if err != nil {
			return nil, err
		}
		if _, err := seed.Apply(ctx, f, reg, m, tables); err != nil {
			return nil, err
		}
	}

	janitor := retention.NewJanitor(m, cfg.Retention.Interval, cfg.Retention.NotificationHistory)
	if dir := archiveDir(cfg); dir != "" {
		janitor.RegisterArchiver(retention.NewLocalFileArchiver(dir, cfg.Retention.Compress))
	} else {
		log.Warn().Msg("No archive directory configured; old notification history is discarded")
	}

	h := handlers.New(reg, m, tables, sched, cfg.Version)

	return &Server{
		Handler:   api.NewRouter(cfg, h),
		Store:     st,
		Registry:  reg,
		Instances: m,
		Access:    tables,
		Scheduler: sched,
		Janitor:   janitor,
		Config:    cfg,
		Port:      cfg.Port,
		ShutdownFunc: func(context.Context) error {
			return nil
		},
	}, nil
}

// archiveDir falls back to <data dir>/archive for durable stores.
func archiveDir(cfg *config.Config) string {
	if cfg.Retention.ArchiveDir != "" {
		return cfg.Retention.ArchiveDir
	}
	if cfg.Store.DataDir != "" {
		return filepath.Join(cfg.Store.DataDir, "archive")
	}
	return ""
}

// Start launches the scheduler and the retention janitor.
func (s *Server) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancelJanitor != nil {
		return
	}
	s.Scheduler.Start(ctx)

	jctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	s.cancelJanitor = cancel
	s.janitorDone = done
	go func() {
		defer close(done)
		s.Janitor.Start(jctx)
	}()
}

// Shutdown stops background work, closes the store and flushes telemetry.
func (s *Server) Shutdown(ctx context.Context) error {
	var errs []error
	if err := s.Scheduler.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("scheduler: %w", err))
	}

	s.mu.Lock()
	cancel, done := s.cancelJanitor, s.janitorDone
	s.cancelJanitor, s.janitorDone = nil, nil
	s.mu.Unlock()
	if cancel != nil {
		cancel()
		select {
		case <-done:
		case <-ctx.Done():
			errs = append(errs, fmt.Errorf("janitor: %w", ctx.Err()))
		}
	}

	if err := s.Store.Close(); err != nil {
		errs = append(errs, fmt.Errorf("store: %w", err))
	}
	if err := s.ShutdownFunc(ctx); err != nil {
		errs = append(errs, fmt.Errorf("telemetry: %w", err))
	}
	return errors.Join(errs...)
}
