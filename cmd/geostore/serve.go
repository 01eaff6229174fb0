package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/ethpandaops/geostore/pkg/api"
	"github.com/ethpandaops/geostore/pkg/catalog"
	"github.com/ethpandaops/geostore/pkg/checksum"
	"github.com/ethpandaops/geostore/pkg/config"
	"github.com/ethpandaops/geostore/pkg/importer"
	"github.com/ethpandaops/geostore/pkg/stacschema"
	"github.com/ethpandaops/geostore/pkg/stacvalidate"
	"github.com/ethpandaops/geostore/pkg/storage"
	"github.com/ethpandaops/geostore/pkg/store"
	"github.com/ethpandaops/geostore/pkg/workflow"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the API server, workflow engine and catalog consumer",
	RunE:  runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

// loadConfig loads and validates the configuration. The config log level
// applies unless --log-level was given.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	cfg, err := config.Load(cfgFiles...)
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	if !cmd.Flags().Changed("log-level") {
		level, err := logrus.ParseLevel(cfg.Global.LogLevel)
		if err != nil {
			return nil, fmt.Errorf("invalid global.log_level %q: %w", cfg.Global.LogLevel, err)
		}

		log.SetLevel(level)
	}

	return cfg, nil
}

type lifecycle interface {
	Stop() error
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	// Set up context with signal handling.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	// Stopped in reverse start order.
	var started []lifecycle

	defer func() {
		for i := len(started) - 1; i >= 0; i-- {
			if err := started[i].Stop(); err != nil {
				log.WithError(err).Warn("Shutdown error")
			}
		}
	}()

	st := store.NewStore(log, &cfg.Database)
	if err := st.Start(ctx); err != nil {
		return fmt.Errorf("starting store: %w", err)
	}

	started = append(started, st)

	provider, err := storage.NewProvider(ctx, log, &cfg.Storage)
	if err != nil {
		return fmt.Errorf("creating storage provider: %w", err)
	}

	resolver, err := stacschema.New(log)
	if err != nil {
		return fmt.Errorf("loading STAC schemas: %w", err)
	}

	canonicalBucket := cfg.Storage.CanonicalBucket

	imp, err := importer.New(log, &cfg.Importer, st, provider, canonicalBucket)
	if err != nil {
		return fmt.Errorf("creating importer: %w", err)
	}

	if err := imp.Start(ctx); err != nil {
		return fmt.Errorf("starting importer: %w", err)
	}

	started = append(started, imp)

	engine := workflow.NewEngine(log, &cfg.Workflow, st,
		stacvalidate.NewWalker(log, st, provider, resolver, canonicalBucket),
		checksum.NewVerifier(log, st, provider, canonicalBucket),
		imp,
	)
	engine.AddObserver(workflow.NewLogObserver(log))
	engine.AddObserver(workflow.NewMetricsObserver())

	if err := engine.Start(ctx); err != nil {
		return fmt.Errorf("starting workflow engine: %w", err)
	}

	started = append(started, engine)

	canonical := provider.Bucket(canonicalBucket)
	maintainer := catalog.NewMaintainer(log, &cfg.Catalog, st, canonical)

	consumer := catalog.NewConsumer(log, &cfg.Catalog, st, maintainer)
	if err := consumer.Start(ctx); err != nil {
		return fmt.Errorf("starting catalog consumer: %w", err)
	}

	started = append(started, consumer)

	srv := api.NewServer(log, &cfg.API, st, engine, canonical)
	if err := srv.Start(ctx); err != nil {
		return fmt.Errorf("starting api server: %w", err)
	}

	started = append(started, srv)

	// Wait for shutdown signal.
	sig := <-sigCh
	log.WithField("signal", sig).Info("Shutting down")
	cancel()

	return nil
}
