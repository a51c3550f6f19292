// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package greenhouse

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/AleutianAI/AleutianGreenhouse/services/greenhouse/config"
	"github.com/AleutianAI/AleutianGreenhouse/services/greenhouse/observability"
	"github.com/AleutianAI/AleutianGreenhouse/services/greenhouse/routes"
)

// =============================================================================
// Interface Definition
// =============================================================================

// Service is the HTTP-facing greenhouse process.
//
// # Thread Safety
//
// Run blocks and must be called at most once. Router may be used
// concurrently with Run.
type Service interface {
	// Run serves HTTP until ctx is cancelled, then shuts everything down.
	//
	// # Description
	//
	// Starts the Core's background refresher, the optional config watcher
	// and the HTTP server. On cancellation the server drains within
	// server.shutdown_timeout and the Core is closed.
	//
	// # Outputs
	//
	//   - error: Non-nil if the listener fails or shutdown is unclean.
	Run(ctx context.Context) error

	// Router returns the configured Gin engine for testing.
	Router() *gin.Engine
}

// ServiceOption configures NewService.
type ServiceOption func(*service)

// WithConfigPath enables policy hot reload from path.
func WithConfigPath(path string) ServiceOption {
	return func(s *service) {
		s.configPath = path
	}
}

// WithListener serves on l instead of binding server.port.
func WithListener(l net.Listener) ServiceOption {
	return func(s *service) {
		s.listener = l
	}
}

type service struct {
	core       *Core
	router     *gin.Engine
	logger     *slog.Logger
	configPath string
	listener   net.Listener
}

// NewService wraps core with the HTTP surface.
//
// # Inputs
//
//   - core: Built by NewCore. The service takes ownership and closes it
//     when Run returns.
//   - opts: Optional settings.
//
// # Outputs
//
//   - Service: Ready to Run.
func NewService(core *Core, opts ...ServiceOption) Service {
	s := &service{core: core, logger: core.logger}
	for _, opt := range opts {
		opt(s)
	}
	s.initRouter()
	return s
}

// Router returns the underlying Gin engine.
func (s *service) Router() *gin.Engine {
	return s.router
}

// Run implements Service.
func (s *service) Run(ctx context.Context) error {
	cfg := s.core.Config()

	if err := s.core.Start(ctx); err != nil {
		return fmt.Errorf("start core: %w", err)
	}

	var watcher *config.Watcher
	if s.configPath != "" {
		w, err := config.NewWatcher(s.configPath, s.reload, s.logger)
		if err != nil {
			s.logger.Warn("Config watcher disabled", slog.String("error", err.Error()))
		} else if err := w.Start(ctx); err != nil {
			s.logger.Warn("Config watcher disabled", slog.String("error", err.Error()))
		} else {
			watcher = w
		}
	}

	listener := s.listener
	if listener == nil {
		l, err := net.Listen("tcp", fmt.Sprintf(":%d", cfg.Server.Port))
		if err != nil {
			s.shutdown(watcher)
			return fmt.Errorf("listen: %w", err)
		}
		listener = l
	}

	srv := &http.Server{Handler: s.router}
	serveErr := make(chan error, 1)
	go func() {
		s.logger.Info("Starting greenhouse server", slog.String("addr", listener.Addr().String()))
		serveErr <- srv.Serve(listener)
	}()

	var runErr error
	select {
	case err := <-serveErr:
		if !errors.Is(err, http.ErrServerClosed) {
			runErr = fmt.Errorf("serve: %w", err)
		}
	case <-ctx.Done():
		s.logger.Info("Shutting down greenhouse server")
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			runErr = fmt.Errorf("http shutdown: %w", err)
		}
	}

	if err := s.shutdown(watcher); err != nil {
		runErr = errors.Join(runErr, err)
	}
	return runErr
}

// shutdown stops the watcher and closes the core within the shutdown
// timeout.
func (s *service) shutdown(watcher *config.Watcher) error {
	if watcher != nil {
		watcher.Stop()
	}
	ctx, cancel := context.WithTimeout(context.Background(), s.core.Config().Server.ShutdownTimeout)
	defer cancel()
	return s.core.Close(ctx)
}

// reload pushes a reloaded policy into the gate. Other sections need a
// restart.
func (s *service) reload(cfg config.Config) {
	if err := s.core.UpdatePolicy(cfg.Policy); err != nil {
		s.logger.Warn("Policy reload rejected", slog.String("error", err.Error()))
		return
	}
	s.logger.Info("Policy reloaded",
		slog.Bool("enabled", cfg.Policy.Enabled),
		slog.Float64("min_confidence", cfg.Policy.MinConfidence),
		slog.String("min_priority_for_immediate", cfg.Policy.MinPriorityForImmediate))
}

func (s *service) initRouter() {
	gin.SetMode(s.core.Config().Server.GinMode)
	s.router = gin.New()
	s.router.Use(gin.Recovery())
	s.router.Use(otelgin.Middleware(s.core.Config().Telemetry.ServiceName))

	routes.SetupRoutes(s.router, s.core, observability.MetricsHandler())
}
