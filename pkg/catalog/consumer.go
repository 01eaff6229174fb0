package catalog

import (
	"context"
	"sync"
	"time"

	"github.com/ethpandaops/geostore/pkg/config"
	"github.com/ethpandaops/geostore/pkg/metrics"
	"github.com/ethpandaops/geostore/pkg/store"
	"github.com/sirupsen/logrus"
)

// maxDeliveries is how often a message is attempted before it is parked.
const maxDeliveries = 5

// Consumer is the single reader of the catalog queue. Running exactly one
// consumer serializes every catalog write.
type Consumer interface {
	Start(ctx context.Context) error
	Stop() error

	// Drain processes every pending message and returns when the queue is
	// empty or a message fails.
	Drain(ctx context.Context) error
}

// Compile-time interface check.
var _ Consumer = (*consumer)(nil)

type consumer struct {
	log        logrus.FieldLogger
	store      store.Store
	maintainer *Maintainer
	interval   time.Duration
	done       chan struct{}
	wg         sync.WaitGroup
}

// NewConsumer creates a queue consumer polling at cfg.PollInterval.
func NewConsumer(
	log logrus.FieldLogger,
	cfg *config.CatalogConfig,
	st store.Store,
	maintainer *Maintainer,
) Consumer {
	interval := cfg.PollInterval
	if interval <= 0 {
		interval = config.DefaultCatalogPollInterval
	}

	return &consumer{
		log:        log.WithField("component", "catalog-consumer"),
		store:      st,
		maintainer: maintainer,
		interval:   interval,
		done:       make(chan struct{}),
	}
}

// Start launches the polling goroutine.
func (c *consumer) Start(ctx context.Context) error {
	c.log.WithField("interval", c.interval.String()).Info("Starting catalog consumer")

	c.wg.Add(1)

	go func() {
		defer c.wg.Done()

		ticker := time.NewTicker(c.interval)
		defer ticker.Stop()

		for {
			if err := c.Drain(ctx); err != nil {
				c.log.WithError(err).Warn("Catalog queue pass stopped")
			}

			select {
			case <-ticker.C:
			case <-c.done:
				return
			case <-ctx.Done():
				return
			}
		}
	}()

	return nil
}

// Stop signals the consumer goroutine to stop and waits for it.
func (c *consumer) Stop() error {
	close(c.done)
	c.wg.Wait()

	c.log.Info("Catalog consumer stopped")

	return nil
}

func (c *consumer) Drain(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c.done:
			return nil
		default:
		}

		msg, err := c.store.NextCatalogMessage(ctx)
		if err != nil {
			return err
		}

		if msg == nil {
			return nil
		}

		log := c.log.WithFields(logrus.Fields{
			"message_id": msg.ID,
			"type":       msg.Type,
			"body":       msg.Body,
		})

		if err := c.maintainer.Handle(ctx, msg); err != nil {
			metrics.IncreaseCatalogMessages(msg.Type, "failed")

			log.WithError(err).WithField("attempt", msg.Attempts+1).Warn("Catalog message failed")

			if markErr := c.store.MarkCatalogMessageFailed(ctx, msg.ID, err.Error(), maxDeliveries); markErr != nil {
				return markErr
			}

			// Retry on the next tick.
			return err
		}

		if err := c.store.MarkCatalogMessageProcessed(ctx, msg.ID); err != nil {
			return err
		}

		metrics.IncreaseCatalogMessages(msg.Type, "processed")

		log.Debug("Catalog message processed")
	}
}
