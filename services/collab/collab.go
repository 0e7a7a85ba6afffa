// Copyright (C) 2025 Collab IDE contributors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See <https://www.gnu.org/licenses/agpl-3.0> for the full license text.

// Package collab wires the collaboration service together: document
// storage, the replication engine, room routing, execution sandboxes and
// the websocket endpoint.
//
// The package is the composition root. Every component is constructed
// here, injected explicitly, and torn down in reverse order on shutdown.
// Enterprise deployments customize behavior through
// extensions.ServiceOptions; the defaults run stand-alone.
package collab

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/mhnu16/Collab-IDE/pkg/extensions"
	"github.com/mhnu16/Collab-IDE/pkg/logging"
	"github.com/mhnu16/Collab-IDE/services/collab/datatypes"
	"github.com/mhnu16/Collab-IDE/services/collab/engine"
	"github.com/mhnu16/Collab-IDE/services/collab/export"
	"github.com/mhnu16/Collab-IDE/services/collab/handlers"
	"github.com/mhnu16/Collab-IDE/services/collab/observability"
	"github.com/mhnu16/Collab-IDE/services/collab/rooms"
	"github.com/mhnu16/Collab-IDE/services/collab/sandbox"
	"github.com/mhnu16/Collab-IDE/services/collab/store"
)

// Service is the running collaboration server.
type Service interface {
	// Run starts the HTTP server and blocks until a shutdown signal or
	// fatal error.
	Run() error

	// Router exposes the gin engine for integration tests.
	Router() *gin.Engine
}

type service struct {
	config Config
	opts   extensions.ServiceOptions
	logger *logging.Logger

	store    *store.DocumentStore
	engine   *engine.Engine
	hub      *rooms.Hub
	sandbox  *sandbox.Manager
	archiver *export.Archiver
	metrics  *observability.Metrics
	router   *gin.Engine
}

var _ Service = (*service)(nil)

// New builds the service. Pass nil opts for stand-alone defaults.
func New(cfg Config, opts *extensions.ServiceOptions) (Service, error) {
	s := &service{config: applyConfigDefaults(cfg)}

	if opts != nil {
		s.opts = opts.Normalize()
	} else {
		s.opts = extensions.DefaultOptions()
	}

	s.logger = logging.New(logging.Config{
		Level:   logging.ParseLevel(s.config.LogLevel),
		LogDir:  s.config.LogDir,
		Service: "collab",
		JSON:    s.config.LogJSON,
	})

	st, err := store.Open(store.DefaultConfig(filepath.Join(s.config.DataDir, "documents")))
	if err != nil {
		s.cleanup()
		return nil, fmt.Errorf("open document store: %w", err)
	}
	s.store = st

	s.engine = engine.New(st, s.logger.Slog(), engine.Config{
		FlushRetryInterval: s.config.FlushRetryInterval,
	})

	s.hub = rooms.NewHub(s.logger.Slog())

	docker, err := sandbox.NewDockerClient()
	if err != nil {
		s.cleanup()
		return nil, fmt.Errorf("connect container runtime: %w", err)
	}
	s.sandbox = sandbox.New(docker, s.engine, sandbox.Config{
		Image:        s.config.SandboxImage,
		Cmd:          s.config.SandboxCmd,
		ScratchDir:   s.config.SandboxScratchDir,
		StartTimeout: s.config.SandboxStartTimeout,
	}, s.sandboxSinks(), s.logger.Slog())

	// Rooms own sandbox lifetime: the last member leaving a project
	// stops its container.
	s.hub.OnProjectEmpty = func(projectID string) {
		go func() {
			if err := s.sandbox.Stop(context.Background(), projectID); err != nil &&
				!errors.Is(err, sandbox.ErrNotRunning) {
				s.logger.Warn("sandbox stop on empty room failed",
					"project", projectID, "error", err)
			}
		}()
	}

	s.archiver, err = export.New(s.engine, filepath.Join(s.config.DataDir, "exports"), s.logger.Slog())
	if err != nil {
		s.cleanup()
		return nil, fmt.Errorf("init archiver: %w", err)
	}

	if s.config.DisableMetrics {
		// Handlers still count against a private, unexposed registry.
		s.metrics = observability.NewMetrics(prometheus.NewRegistry())
	} else {
		s.metrics = observability.NewMetrics(prometheus.DefaultRegisterer)
	}

	s.initRouter()
	return s, nil
}

// sandboxSinks routes sandbox events into the owning project room.
func (s *service) sandboxSinks() sandbox.Sinks {
	return sandbox.Sinks{
		Output: func(projectID string, chunk []byte) {
			frame, err := datatypes.NewEvent(datatypes.EventTerminalOutput, "",
				datatypes.TerminalOutput{Output: chunk})
			if err != nil {
				return
			}
			s.hub.BroadcastProject(projectID, frame, nil)
		},
		Status: func(projectID, status, detail string) {
			frame, err := datatypes.NewEvent(datatypes.EventContainerStatus, "",
				datatypes.ContainerStatus{Status: status, Detail: detail})
			if err != nil {
				return
			}
			s.hub.BroadcastProject(projectID, frame, nil)
			s.metrics.SandboxSessions.Set(float64(s.sandbox.SessionCount()))
		},
	}
}

func (s *service) initRouter() {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())

	ws := handlers.NewWebSocket(s.engine, s.hub, s.sandbox, s.archiver,
		s.metrics, &s.opts, s.logger.Slog())
	r.GET("/ws/:project_id", ws.Handle())

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	if !s.config.DisableMetrics {
		r.GET("/metrics", gin.WrapH(promhttp.Handler()))
	}

	s.router = r
}

// Run starts serving and blocks until SIGINT/SIGTERM, then shuts down:
// HTTP first, then sandboxes, then the engine and store.
func (s *service) Run() error {
	defer s.cleanup()

	// A previous crash may have left containers behind.
	reapCtx, cancelReap := context.WithTimeout(context.Background(), 30*time.Second)
	if n, err := s.sandbox.ReapOrphans(reapCtx); err != nil {
		s.logger.Warn("startup orphan reap failed", "error", err)
	} else if n > 0 {
		s.logger.Info("startup orphan reap", "removed", n)
	}
	cancelReap()

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", s.config.Port),
		Handler: s.router,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("collaboration server listening", "port", s.config.Port)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}

	s.logger.Info("shutdown signal received")
	shutCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutCtx); err != nil {
		s.logger.Warn("http shutdown incomplete", "error", err)
	}
	s.sandbox.StopAll(shutCtx)
	return nil
}

func (s *service) Router() *gin.Engine {
	return s.router
}

// cleanup tears down whatever New managed to build, in reverse order.
func (s *service) cleanup() {
	if s.engine != nil {
		s.engine.Close()
		s.engine = nil
	}
	if s.store != nil {
		if err := s.store.Close(); err != nil {
			s.logger.Warn("document store close failed", "error", err)
		}
		s.store = nil
	}
	if s.logger != nil {
		_ = s.logger.Close()
	}
}
