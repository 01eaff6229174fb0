// Package api serves the dataset, dataset-version and import-status
// endpoints.
package api

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/sirupsen/logrus"

	"github.com/ethpandaops/geostore/pkg/config"
	"github.com/ethpandaops/geostore/pkg/importstatus"
	"github.com/ethpandaops/geostore/pkg/storage"
	"github.com/ethpandaops/geostore/pkg/store"
	"github.com/ethpandaops/geostore/pkg/workflow"
)

const shutdownTimeout = 10 * time.Second

// Server exposes the API HTTP server lifecycle.
type Server interface {
	Start(ctx context.Context) error
	Stop() error
}

// Compile-time interface check.
var _ Server = (*server)(nil)

type server struct {
	log        logrus.FieldLogger
	cfg        *config.APIConfig
	store      store.Store
	engine     workflow.Engine
	canonical  storage.Bucket
	reporter   *importstatus.Reporter
	validate   *validator.Validate
	httpServer *http.Server
	wg         sync.WaitGroup
	done       chan struct{}
}

// NewServer creates a new API server. The store and engine are owned by
// the caller.
func NewServer(
	log logrus.FieldLogger,
	cfg *config.APIConfig,
	st store.Store,
	engine workflow.Engine,
	canonical storage.Bucket,
) Server {
	return newServer(log, cfg, st, engine, canonical)
}

func newServer(
	log logrus.FieldLogger,
	cfg *config.APIConfig,
	st store.Store,
	engine workflow.Engine,
	canonical storage.Bucket,
) *server {
	log = log.WithField("component", "api")

	return &server{
		log:       log,
		cfg:       cfg,
		store:     st,
		engine:    engine,
		canonical: canonical,
		reporter:  importstatus.NewReporter(log, st),
		validate:  newValidator(),
		done:      make(chan struct{}),
	}
}

// Start binds the listener and serves in the background.
func (s *server) Start(_ context.Context) error {
	s.httpServer = &http.Server{
		Addr:              s.cfg.Server.Listen,
		Handler:           s.buildRouter(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	// Bind the listener synchronously so we fail fast on port conflicts.
	ln, err := net.Listen("tcp", s.cfg.Server.Listen)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", s.cfg.Server.Listen, err)
	}

	s.wg.Add(1)

	go func() {
		defer s.wg.Done()

		s.log.WithField("listen", s.cfg.Server.Listen).
			Info("API server starting")

		if err := s.httpServer.Serve(ln); err != nil &&
			err != http.ErrServerClosed {
			s.log.WithError(err).Error("HTTP server error")
		}
	}()

	return nil
}

// Stop gracefully shuts down the HTTP server.
func (s *server) Stop() error {
	close(s.done)

	if s.httpServer != nil {
		ctx, cancel := context.WithTimeout(
			context.Background(), shutdownTimeout,
		)
		defer cancel()

		if err := s.httpServer.Shutdown(ctx); err != nil {
			s.log.WithError(err).Warn("HTTP server shutdown error")
		}
	}

	s.wg.Wait()

	s.log.Info("API server stopped")

	return nil
}
