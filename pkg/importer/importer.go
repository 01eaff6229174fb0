// Package importer promotes a validated run into the canonical bucket by
// running one bulk-copy job per import kind.
package importer

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/ethpandaops/geostore/pkg/config"
	"github.com/ethpandaops/geostore/pkg/ids"
	"github.com/ethpandaops/geostore/pkg/storage"
	"github.com/ethpandaops/geostore/pkg/store"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

const (
	// maxFailureReasons bounds the reasons kept on a job row.
	maxFailureReasons = 20

	retryDelay = 500 * time.Millisecond

	interruptedReason = "job interrupted by service restart"
)

// ErrJobFailed is returned by Wait when a job ended in a non-complete
// status.
var ErrJobFailed = errors.New("import job failed")

// Input names the run to import.
type Input struct {
	DatasetID        string
	DatasetTitle     string
	DatasetPrefix    string
	VersionID        string
	CurrentVersionID string
	S3RoleARN        string
}

// Output holds the handles of the submitted jobs.
type Output struct {
	AssetJobID    string `json:"asset_job_id" mapstructure:"asset_job_id"`
	MetadataJobID string `json:"metadata_job_id" mapstructure:"metadata_job_id"`
}

// Report is written to the canonical bucket when a job finishes.
type Report struct {
	JobID     string        `json:"job_id"`
	Kind      Kind          `json:"kind"`
	Status    string        `json:"status"`
	Total     int           `json:"total"`
	Succeeded int           `json:"succeeded"`
	Failed    int           `json:"failed"`
	Results   []BatchResult `json:"results"`
}

// Importer submits and runs import jobs.
type Importer interface {
	Start(ctx context.Context) error
	Stop() error

	// Import writes both manifests and starts the jobs asynchronously.
	Import(ctx context.Context, in Input) (*Output, error)

	// Wait blocks until the job is terminal. It returns ErrJobFailed for
	// jobs that did not complete.
	Wait(ctx context.Context, jobID string) (*store.ImportJob, error)

	// Cancel marks a running job cancelled. Tasks already dispatched
	// finish.
	Cancel(ctx context.Context, jobID string) error
}

// Compile-time interface check.
var _ Importer = (*importer)(nil)

type importer struct {
	log       logrus.FieldLogger
	cfg       *config.ImporterConfig
	store     store.Store
	provider  storage.Provider
	canonical storage.Bucket
	handlers  map[Kind]*Handler
	poll      time.Duration

	mu      sync.Mutex
	cancels map[string]context.CancelFunc
	ctx     context.Context //nolint:containedctx // lifetime of background jobs
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// New creates a new Importer.
func New(
	log logrus.FieldLogger,
	cfg *config.ImporterConfig,
	st store.Store,
	provider storage.Provider,
	canonicalBucket string,
) (Importer, error) {
	handlers := make(map[Kind]*Handler, 2)

	for _, kind := range []Kind{KindData, KindMetadata} {
		h, err := NewHandler(log, provider, kind)
		if err != nil {
			return nil, err
		}

		handlers[kind] = h
	}

	return &importer{
		log:       log.WithField("component", "importer"),
		cfg:       cfg,
		store:     st,
		provider:  provider,
		canonical: provider.Bucket(canonicalBucket),
		handlers:  handlers,
		poll:      200 * time.Millisecond,
		cancels:   make(map[string]context.CancelFunc),
	}, nil
}

// Start marks jobs left unfinished by a previous process as failed.
func (i *importer) Start(ctx context.Context) error {
	i.ctx, i.cancel = context.WithCancel(context.Background())

	jobs, err := i.store.ListImportJobsByStatus(ctx, store.ImportJobNew, store.ImportJobActive)
	if err != nil {
		return fmt.Errorf("listing unfinished import jobs: %w", err)
	}

	for idx := range jobs {
		job := &jobs[idx]
		job.Status = store.ImportJobFailed
		job.FailureReasons = append(job.FailureReasons, interruptedReason)
		now := time.Now().UTC()
		job.FinishedAt = &now

		if err := i.store.SaveImportJob(ctx, job); err != nil {
			return fmt.Errorf("failing interrupted import job %s: %w", job.ID, err)
		}

		i.log.WithField("job_id", job.ID).Warn("Marked interrupted import job as failed")
	}

	return nil
}

// Stop cancels running jobs and waits for them to return.
func (i *importer) Stop() error {
	if i.cancel != nil {
		i.cancel()
	}

	i.wg.Wait()

	return nil
}

func (i *importer) Import(ctx context.Context, in Input) (*Output, error) {
	if i.ctx == nil {
		return nil, errors.New("importer not started")
	}

	runKey := store.RunKey(in.DatasetID, in.VersionID)

	assetJob, err := i.submit(ctx, runKey, in, KindData, store.KindData)
	if err != nil {
		return nil, err
	}

	metadataJob, err := i.submit(ctx, runKey, in, KindMetadata, store.KindMetadata)
	if err != nil {
		return nil, err
	}

	return &Output{AssetJobID: assetJob, MetadataJobID: metadataJob}, nil
}

// submit writes the manifest of one kind, records the job and starts it.
// A job of the same kind already submitted for the run is reused unless it
// failed or was cancelled.
func (i *importer) submit(
	ctx context.Context, runKey string, in Input, kind Kind, rowKind string,
) (string, error) {
	existing, err := i.store.FindImportJob(ctx, runKey, string(kind))

	switch {
	case err == nil && existing.Status != store.ImportJobFailed && existing.Status != store.ImportJobCancelled:
		i.log.WithFields(logrus.Fields{
			"job_id":  existing.ID,
			"kind":    kind,
			"run_key": runKey,
		}).Info("Reusing submitted import job")

		return existing.ID, nil
	case err != nil && !errors.Is(err, store.ErrNotFound):
		return "", err
	}

	rows, err := i.store.ListProcessingAssets(ctx, runKey, rowKind)
	if err != nil {
		return "", err
	}

	lines := make([]Line, 0, len(rows))

	for _, row := range rows {
		bucket, key, err := storage.ParseURL(row.URL)
		if err != nil {
			return "", fmt.Errorf("processing asset %s: %w", row.SK, err)
		}

		lines = append(lines, Line{
			SourceBucket: bucket,
			Entry: Entry{
				TargetBucketName: i.canonical.Name(),
				OriginalKey:      key,
				NewKey:           NewKey(in.DatasetPrefix, in.VersionID, key),
				S3RoleARN:        in.S3RoleARN,
				DatasetTitle:     in.DatasetTitle,
				DatasetPrefix:    in.DatasetPrefix,
				CurrentVersionID: in.CurrentVersionID,
			},
		})
	}

	var buf bytes.Buffer
	if err := WriteManifest(&buf, lines); err != nil {
		return "", err
	}

	manifestKey := ManifestKey(in.VersionID, kind)
	if err := storage.PutBytes(ctx, i.canonical, manifestKey, buf.Bytes(), "text/csv"); err != nil {
		return "", fmt.Errorf("writing manifest: %w", err)
	}

	job := &store.ImportJob{
		ID:          ids.New(),
		RunKey:      runKey,
		Kind:        string(kind),
		ManifestKey: manifestKey,
		ReportKey:   ReportKey(in.VersionID, kind),
		Status:      store.ImportJobNew,
		Total:       len(lines),
	}

	if err := i.store.CreateImportJob(ctx, job); err != nil {
		return "", err
	}

	jobCtx, cancel := context.WithCancel(i.ctx)

	i.mu.Lock()
	i.cancels[job.ID] = cancel
	i.mu.Unlock()

	i.wg.Add(1)

	go func() {
		defer i.wg.Done()
		defer func() {
			i.mu.Lock()
			delete(i.cancels, job.ID)
			i.mu.Unlock()
			cancel()
		}()

		i.run(jobCtx, job)
	}()

	i.log.WithFields(logrus.Fields{
		"job_id":  job.ID,
		"kind":    kind,
		"run_key": runKey,
		"total":   job.Total,
	}).Info("Submitted import job")

	return job.ID, nil
}

// run consumes the job manifest on a bounded worker pool.
func (i *importer) run(ctx context.Context, job *store.ImportJob) {
	log := i.log.WithFields(logrus.Fields{
		"job_id": job.ID,
		"kind":   job.Kind,
	})

	// Status writes use a context that survives cancellation.
	saveCtx := context.WithoutCancel(ctx)

	job.Status = store.ImportJobActive
	if err := i.store.SaveImportJob(saveCtx, job); err != nil {
		log.WithError(err).Error("Failed to activate import job")

		return
	}

	results, err := i.execute(ctx, job)
	if err != nil {
		job.FailureReasons = append(job.FailureReasons, err.Error())
	}

	for _, r := range results {
		if r.ResultCode == ResultSucceeded {
			job.Succeeded++

			continue
		}

		job.Failed++

		if len(job.FailureReasons) < maxFailureReasons {
			job.FailureReasons = append(job.FailureReasons, r.TaskID+": "+r.ResultString)
		}
	}

	switch {
	case ctx.Err() != nil:
		job.Status = store.ImportJobCancelled
	case err != nil || job.Failed > 0:
		job.Status = store.ImportJobFailed
	default:
		job.Status = store.ImportJobComplete
	}

	if err := i.writeReport(saveCtx, job, results); err != nil {
		log.WithError(err).Warn("Failed to write import report")
	}

	now := time.Now().UTC()
	job.FinishedAt = &now

	if err := i.store.SaveImportJob(saveCtx, job); err != nil {
		log.WithError(err).Error("Failed to save import job")

		return
	}

	log.WithFields(logrus.Fields{
		"status":    job.Status,
		"succeeded": job.Succeeded,
		"failed":    job.Failed,
	}).Info("Import job finished")
}

func (i *importer) execute(ctx context.Context, job *store.ImportJob) ([]BatchResult, error) {
	data, err := storage.ReadAll(ctx, i.canonical, job.ManifestKey)
	if err != nil {
		return nil, fmt.Errorf("reading manifest: %w", err)
	}

	pairs, err := ReadManifest(data)
	if err != nil {
		return nil, err
	}

	handler := i.handlers[Kind(job.Kind)]
	results := make([]BatchResult, len(pairs))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(i.concurrency())

	for idx, pair := range pairs {
		g.Go(func() error {
			results[idx] = i.dispatch(gctx, handler, job.ID, idx, pair)

			return nil
		})
	}

	_ = g.Wait()

	return results, ctx.Err()
}

// dispatch invokes handler for one manifest line, retrying temporary
// failures.
func (i *importer) dispatch(
	ctx context.Context, handler *Handler, jobID string, idx int, pair [2]string,
) BatchResult {
	inv := &BatchInvocation{
		InvocationID:            jobID + "-" + strconv.Itoa(idx),
		InvocationSchemaVersion: InvocationSchemaVersion,
		Tasks: []BatchTask{{
			S3BucketARN: BucketARN(pair[0]),
			S3Key:       pair[1],
			TaskID:      strconv.Itoa(idx),
		}},
	}

	attempts := i.cfg.MaxTaskAttempts
	if attempts < 1 {
		attempts = 1
	}

	var result BatchResult

	for attempt := 1; attempt <= attempts; attempt++ {
		if ctx.Err() != nil {
			return BatchResult{
				TaskID:       inv.Tasks[0].TaskID,
				ResultCode:   ResultPermanentFailure,
				ResultString: ctx.Err().Error(),
			}
		}

		result = handler.Handle(ctx, inv).Results[0]
		if result.ResultCode != ResultTemporaryFailure {
			return result
		}

		select {
		case <-ctx.Done():
		case <-time.After(retryDelay * time.Duration(attempt)):
		}
	}

	return result
}

func (i *importer) concurrency() int {
	if i.cfg.Concurrency > 0 {
		return i.cfg.Concurrency
	}

	return config.DefaultImporterConcurrency
}

func (i *importer) writeReport(ctx context.Context, job *store.ImportJob, results []BatchResult) error {
	data, err := json.MarshalIndent(&Report{
		JobID:     job.ID,
		Kind:      Kind(job.Kind),
		Status:    job.Status,
		Total:     job.Total,
		Succeeded: job.Succeeded,
		Failed:    job.Failed,
		Results:   results,
	}, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding report: %w", err)
	}

	return storage.PutBytes(ctx, i.canonical, job.ReportKey, data, "application/json")
}

func (i *importer) Wait(ctx context.Context, jobID string) (*store.ImportJob, error) {
	ticker := time.NewTicker(i.poll)
	defer ticker.Stop()

	for {
		job, err := i.store.GetImportJob(ctx, jobID)
		if err != nil {
			return nil, err
		}

		if job.Terminal() {
			if job.Status != store.ImportJobComplete {
				return job, fmt.Errorf("%w: %s is %s", ErrJobFailed, jobID, job.Status)
			}

			return job, nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

func (i *importer) Cancel(_ context.Context, jobID string) error {
	i.mu.Lock()
	cancel, ok := i.cancels[jobID]
	i.mu.Unlock()

	if !ok {
		return fmt.Errorf("import job %s is not running", jobID)
	}

	cancel()

	return nil
}
