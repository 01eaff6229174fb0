package workflow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/ethpandaops/geostore/pkg/catalog"
	"github.com/ethpandaops/geostore/pkg/checksum"
	"github.com/ethpandaops/geostore/pkg/importer"
	"github.com/ethpandaops/geostore/pkg/iteration"
	"github.com/ethpandaops/geostore/pkg/stacvalidate"
	"github.com/ethpandaops/geostore/pkg/store"
	"github.com/ethpandaops/geostore/pkg/validation"
)

// step executes one state and returns the next one.
func (e *engine) step(ctx context.Context, log logrus.FieldLogger, state string, p *Payload) (string, error) {
	switch state {
	case StateCheckStacMetadata:
		return e.checkStacMetadata(ctx, log, p)
	case StateContentIterator:
		return e.contentIterator(ctx, log, p)
	case StateChecksumsSingle:
		return e.checkChecksums(ctx, log, p, 1)
	case StateChecksumsArray:
		return e.checkChecksums(ctx, log, p, p.Content.IterationSize)
	case StateValidationSummary:
		return e.validationSummary(ctx, log, p)
	case StateImportDataset:
		return e.importDataset(ctx, log, p)
	case StateUpdateCatalog:
		return e.updateCatalog(ctx, log, p)
	default:
		return "", fmt.Errorf("%w: unknown state %q", ErrPermanent, state)
	}
}

// task runs fn under the retry policy and the lambda task timeout.
func (e *engine) task(ctx context.Context, log logrus.FieldLogger, fn func(ctx context.Context) error) error {
	return e.taskWithTimeout(ctx, log, e.cfg.TaskTimeout, fn)
}

// taskWithTimeout runs fn under the retry policy. A zero timeout leaves
// attempts unbounded.
func (e *engine) taskWithTimeout(
	ctx context.Context,
	log logrus.FieldLogger,
	timeout time.Duration,
	fn func(ctx context.Context) error,
) error {
	return retry(ctx, &e.cfg.Retry, timeout, func(attempt int, err error) {
		log.WithError(err).WithField("attempt", attempt).Warn("Task failed, retrying")
	}, fn)
}

func (e *engine) checkStacMetadata(ctx context.Context, log logrus.FieldLogger, p *Payload) (string, error) {
	if p.CurrentVersionID != "" {
		previous := store.RunKey(p.DatasetID, p.CurrentVersionID)

		if err := e.store.ClearReplaced(ctx, previous); err != nil {
			log.WithError(err).Warn("Failed to clear replaced markers of previous version")
		}
	}

	in := stacvalidate.Input{
		DatasetID:        p.DatasetID,
		VersionID:        p.VersionID,
		CurrentVersionID: p.CurrentVersionID,
		DatasetTitle:     p.DatasetTitle,
		DatasetPrefix:    p.DatasetPrefix,
		MetadataURL:      p.MetadataURL,
		S3RoleARN:        p.S3RoleARN,
	}

	err := e.task(ctx, log, func(ctx context.Context) error {
		return e.validator.Run(ctx, in)
	})

	switch {
	case err == nil:
		return StateContentIterator, nil
	case errors.Is(err, stacvalidate.ErrValidationFailed):
		log.Info("Metadata validation failed")

		return StateValidationSummary, nil
	default:
		return "", err
	}
}

func (e *engine) contentIterator(ctx context.Context, log logrus.FieldLogger, p *Payload) (string, error) {
	var content *iteration.Content

	err := e.task(ctx, log, func(ctx context.Context) error {
		next, err := iteration.Next(ctx, e.store, p.RunKey(), p.Content)
		if err != nil {
			return err
		}

		content = next

		return nil
	})
	if err != nil {
		return "", err
	}

	p.Content = content

	log.WithFields(logrus.Fields{
		"first_item":     content.FirstItem,
		"iteration_size": content.IterationSize,
		"next_item":      content.NextItem,
	}).Debug("Planned checksum batch")

	switch {
	case content.IterationSize == 0:
		return e.afterBatch(p), nil
	case content.IterationSize == 1:
		return StateChecksumsSingle, nil
	default:
		return StateChecksumsArray, nil
	}
}

// afterBatch chooses between another batch and the summary.
func (e *engine) afterBatch(p *Payload) string {
	if p.Content == nil || p.Content.Done() {
		return StateValidationSummary
	}

	return StateContentIterator
}

// checkChecksums verifies size items of the current batch. Recorded
// content failures do not fail the state.
func (e *engine) checkChecksums(ctx context.Context, log logrus.FieldLogger, p *Payload, size int) (string, error) {
	first, err := p.Content.First()
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrPermanent, err)
	}

	g, gctx := errgroup.WithContext(ctx)

	limit := e.cfg.ChecksumConcurrency
	if limit < 1 {
		limit = 1
	}

	g.SetLimit(limit)

	for offset := range size {
		in := checksum.Input{
			DatasetID:        p.DatasetID,
			VersionID:        p.VersionID,
			CurrentVersionID: p.CurrentVersionID,
			DatasetTitle:     p.DatasetTitle,
			DatasetPrefix:    p.DatasetPrefix,
			S3RoleARN:        p.S3RoleARN,
			FirstItem:        first,
			Offset:           offset,
		}

		g.Go(func() error {
			// Hashing large assets is a batch job, not a lambda task.
			err := e.taskWithTimeout(gctx, log, e.cfg.ChecksumTimeout, func(ctx context.Context) error {
				return e.verifier.Verify(ctx, in)
			})
			if err != nil && IsContentError(err) {
				log.WithError(err).WithField("index", in.Index()).Debug("Checksum content failure recorded")

				return nil
			}

			if err != nil {
				return fmt.Errorf("verifying item %d: %w", in.Index(), err)
			}

			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return "", err
	}

	return e.afterBatch(p), nil
}

func (e *engine) validationSummary(ctx context.Context, log logrus.FieldLogger, p *Payload) (string, error) {
	var summary *validation.Summary

	err := e.task(ctx, log, func(ctx context.Context) error {
		s, err := validation.Summarize(ctx, e.store, p.DatasetID, p.VersionID)
		if err != nil {
			return err
		}

		summary = s

		return nil
	})
	if err != nil {
		return "", err
	}

	p.Validation = summary

	if !summary.Success {
		return StateValidationFailure, nil
	}

	return StateImportDataset, nil
}

// importDataset submits both import jobs and waits for them without a
// task timeout.
func (e *engine) importDataset(ctx context.Context, log logrus.FieldLogger, p *Payload) (string, error) {
	if p.ImportDataset == nil {
		var out *importer.Output

		err := e.task(ctx, log, func(ctx context.Context) error {
			o, err := e.importer.Import(ctx, importer.Input{
				DatasetID:        p.DatasetID,
				DatasetTitle:     p.DatasetTitle,
				DatasetPrefix:    p.DatasetPrefix,
				VersionID:        p.VersionID,
				CurrentVersionID: p.CurrentVersionID,
				S3RoleARN:        p.S3RoleARN,
			})
			if err != nil {
				return err
			}

			out = o

			return nil
		})
		if err != nil {
			return "", err
		}

		p.ImportDataset = out
	}

	log.WithFields(logrus.Fields{
		"asset_job_id":    p.ImportDataset.AssetJobID,
		"metadata_job_id": p.ImportDataset.MetadataJobID,
	}).Info("Import jobs submitted")

	for _, id := range []string{p.ImportDataset.AssetJobID, p.ImportDataset.MetadataJobID} {
		if _, err := e.importer.Wait(ctx, id); err != nil {
			return "", fmt.Errorf("waiting for import job %s: %w", id, err)
		}
	}

	return StateUpdateCatalog, nil
}

func (e *engine) updateCatalog(ctx context.Context, log logrus.FieldLogger, p *Payload) (string, error) {
	versionKey := catalog.VersionKey(p.DatasetPrefix, p.VersionID, p.MetadataURL)

	err := e.task(ctx, log, func(ctx context.Context) error {
		if err := catalog.EnqueueRoot(ctx, e.store, p.DatasetPrefix); err != nil {
			return err
		}

		if err := catalog.EnqueueDataset(ctx, e.store, versionKey); err != nil {
			return err
		}

		return e.store.SetCurrentVersion(ctx, p.DatasetID, p.VersionID)
	})
	if err != nil {
		return "", err
	}

	log.WithField("version_key", versionKey).Info("Catalog update queued")

	return StateSuccess, nil
}
