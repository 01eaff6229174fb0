// Package workflow drives the dataset-version state machine: metadata
// validation, batched checksum verification, summarization, import and
// catalog update.
package workflow

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ethpandaops/geostore/pkg/checksum"
	"github.com/ethpandaops/geostore/pkg/config"
	"github.com/ethpandaops/geostore/pkg/importer"
	"github.com/ethpandaops/geostore/pkg/stacvalidate"
	"github.com/ethpandaops/geostore/pkg/store"
	"github.com/sirupsen/logrus"
)

// State names.
const (
	StateCheckStacMetadata      = "check_stac_metadata"
	StateContentIterator        = "content_iterator"
	StateChecksumsSingle        = "check_files_checksums_single"
	StateChecksumsArray         = "check_files_checksums_array"
	StateValidationSummary      = "validation_summary"
	StateImportDataset          = "import_dataset"
	StateUpdateCatalog          = "update_catalog"
	StateSuccess                = "success"
	StateValidationFailure      = "validation_failure"
	errorValidationFailure      = "ValidationFailure"
	errorTaskFailed             = "States.TaskFailed"
	errorExecutionInterrupted   = "ExecutionInterrupted"
	causeInterruptedByRestart   = "execution was running when the service stopped"
	causeValidationFailure      = "dataset version failed validation"
	defaultExecutionWaitPolling = 100 * time.Millisecond
)

var (
	// ErrExecutionExists is returned when an execution with the same ARN
	// was already started.
	ErrExecutionExists = errors.New("execution already exists")

	// ErrNotRunning is returned when stopping an execution that is not
	// running in this process.
	ErrNotRunning = errors.New("execution is not running")
)

// MetadataValidator validates the metadata tree of a run.
type MetadataValidator interface {
	Run(ctx context.Context, in stacvalidate.Input) error
}

// ChecksumVerifier verifies one data file of a run.
type ChecksumVerifier interface {
	Verify(ctx context.Context, in checksum.Input) error
}

// Engine runs dataset-version executions.
type Engine interface {
	Start(ctx context.Context) error
	Stop() error

	// StartExecution persists a new execution and runs it in the background.
	StartExecution(ctx context.Context, in Input) (*store.WorkflowExecution, error)

	// StopExecution aborts a running execution. Partial state is kept.
	StopExecution(ctx context.Context, arn, cause string) error

	// DescribeExecution returns the persisted state of an execution.
	DescribeExecution(ctx context.Context, arn string) (*store.WorkflowExecution, error)

	// Wait blocks until the execution is no longer running.
	Wait(ctx context.Context, arn string) (*store.WorkflowExecution, error)

	// AddObserver registers an observer for lifecycle events. It must be
	// called before Start.
	AddObserver(o Observer)
}

// Compile-time interface check.
var _ Engine = (*engine)(nil)

type running struct {
	cancel  context.CancelFunc
	done    chan struct{}
	aborted string
}

type engine struct {
	log       logrus.FieldLogger
	cfg       *config.WorkflowConfig
	store     store.Store
	validator MetadataValidator
	verifier  ChecksumVerifier
	importer  importer.Importer
	observers []Observer

	mu      sync.Mutex
	running map[string]*running
	ctx     context.Context //nolint:containedctx // lifetime of background executions
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewEngine creates a new workflow engine.
func NewEngine(
	log logrus.FieldLogger,
	cfg *config.WorkflowConfig,
	st store.Store,
	validator MetadataValidator,
	verifier ChecksumVerifier,
	imp importer.Importer,
) Engine {
	return &engine{
		log:       log.WithField("component", "workflow"),
		cfg:       cfg,
		store:     st,
		validator: validator,
		verifier:  verifier,
		importer:  imp,
		running:   make(map[string]*running),
	}
}

func (e *engine) AddObserver(o Observer) {
	e.observers = append(e.observers, o)
}

// Start marks executions left running by a previous process as failed.
func (e *engine) Start(ctx context.Context) error {
	e.ctx, e.cancel = context.WithCancel(context.Background())

	execs, err := e.store.ListExecutionsByStatus(ctx, store.ExecutionRunning)
	if err != nil {
		return fmt.Errorf("listing running executions: %w", err)
	}

	for i := range execs {
		exec := &execs[i]

		if err := e.finish(ctx, exec, store.ExecutionFailed, errorExecutionInterrupted, causeInterruptedByRestart); err != nil {
			return err
		}
	}

	if len(execs) > 0 {
		e.log.WithField("count", len(execs)).Warn("Failed executions interrupted by restart")
	}

	return nil
}

// Stop cancels running executions and waits for them to return.
func (e *engine) Stop() error {
	if e.cancel != nil {
		e.cancel()
	}

	e.wg.Wait()

	return nil
}

func (e *engine) StartExecution(ctx context.Context, in Input) (*store.WorkflowExecution, error) {
	if e.ctx == nil {
		return nil, errors.New("workflow engine not started")
	}

	p := newPayload(in)

	payload, err := p.ToMap()
	if err != nil {
		return nil, err
	}

	exec := &store.WorkflowExecution{
		ARN:       ExecutionARN(in.DatasetID, in.VersionID),
		RunKey:    p.RunKey(),
		State:     StateCheckStacMetadata,
		Status:    store.ExecutionRunning,
		Payload:   payload,
		StartedAt: time.Now().UTC(),
	}

	if err := e.store.CreateExecution(ctx, exec); err != nil {
		if errors.Is(err, store.ErrConflict) {
			return nil, fmt.Errorf("%w: %s", ErrExecutionExists, exec.ARN)
		}

		return nil, err
	}

	execCtx, cancel := context.WithCancel(e.ctx)
	r := &running{cancel: cancel, done: make(chan struct{})}

	e.mu.Lock()
	e.running[exec.ARN] = r
	e.mu.Unlock()

	e.emit(Event{Type: EventExecutionStarted, ARN: exec.ARN, RunKey: exec.RunKey})

	e.wg.Add(1)

	go func() {
		defer e.wg.Done()
		defer close(r.done)
		defer cancel()

		e.run(execCtx, exec, p, r)

		e.mu.Lock()
		delete(e.running, exec.ARN)
		e.mu.Unlock()
	}()

	return exec, nil
}

func (e *engine) StopExecution(ctx context.Context, arn, cause string) error {
	e.mu.Lock()
	r, ok := e.running[arn]

	if ok {
		if cause == "" {
			cause = "stopped by request"
		}

		r.aborted = cause
	}
	e.mu.Unlock()

	if !ok {
		return fmt.Errorf("%w: %s", ErrNotRunning, arn)
	}

	r.cancel()

	select {
	case <-r.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *engine) DescribeExecution(ctx context.Context, arn string) (*store.WorkflowExecution, error) {
	return e.store.GetExecution(ctx, arn)
}

func (e *engine) Wait(ctx context.Context, arn string) (*store.WorkflowExecution, error) {
	ticker := time.NewTicker(defaultExecutionWaitPolling)
	defer ticker.Stop()

	for {
		exec, err := e.store.GetExecution(ctx, arn)
		if err != nil {
			return nil, err
		}

		if exec.Status != store.ExecutionRunning {
			return exec, nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

// run walks the state machine until a terminal state is reached.
func (e *engine) run(ctx context.Context, exec *store.WorkflowExecution, p *Payload, r *running) {
	log := e.log.WithFields(logrus.Fields{
		"execution_arn": exec.ARN,
		"run_key":       exec.RunKey,
	})

	// Terminal writes must land even after cancellation.
	saveCtx := context.WithoutCancel(ctx)
	state := StateCheckStacMetadata

	for {
		if err := e.enter(saveCtx, exec, p, state); err != nil {
			log.WithError(err).Error("Failed to persist state transition")
		}

		next, err := e.step(ctx, log.WithField("state", state), state, p)

		e.emit(Event{Type: EventStateExited, ARN: exec.ARN, RunKey: exec.RunKey, State: state})

		if ctx.Err() != nil {
			e.mu.Lock()
			cause := r.aborted
			e.mu.Unlock()

			e.cancelImports(saveCtx, p)

			if cause != "" {
				e.finishLogged(saveCtx, exec, p, store.ExecutionAborted, "", cause)
			} else {
				e.finishLogged(saveCtx, exec, p, store.ExecutionFailed, errorExecutionInterrupted, causeInterruptedByRestart)
			}

			return
		}

		if err != nil {
			e.finishLogged(saveCtx, exec, p, store.ExecutionFailed, errorTaskFailed, fmt.Sprintf("%s: %v", state, err))

			return
		}

		switch next {
		case StateSuccess:
			exec.State = StateSuccess
			e.finishLogged(saveCtx, exec, p, store.ExecutionSucceeded, "", "")

			return
		case StateValidationFailure:
			exec.State = StateValidationFailure
			e.finishLogged(saveCtx, exec, p, store.ExecutionFailed, errorValidationFailure, causeValidationFailure)

			return
		}

		state = next
	}
}

// enter persists the current state and payload.
func (e *engine) enter(ctx context.Context, exec *store.WorkflowExecution, p *Payload, state string) error {
	exec.State = state

	payload, err := p.ToMap()
	if err != nil {
		return err
	}

	exec.Payload = payload

	e.emit(Event{Type: EventStateEntered, ARN: exec.ARN, RunKey: exec.RunKey, State: state})

	return e.store.SaveExecution(ctx, exec)
}

func (e *engine) finishLogged(
	ctx context.Context, exec *store.WorkflowExecution, p *Payload, status, errName, cause string,
) {
	if payload, err := p.ToMap(); err == nil {
		exec.Payload = payload
	}

	if err := e.finish(ctx, exec, status, errName, cause); err != nil {
		e.log.WithError(err).WithField("execution_arn", exec.ARN).Error("Failed to persist execution result")
	}
}

// finish persists a terminal status and emits the matching event.
func (e *engine) finish(ctx context.Context, exec *store.WorkflowExecution, status, errName, cause string) error {
	now := time.Now().UTC()

	exec.Status = status
	exec.Error = errName
	exec.Cause = cause
	exec.StoppedAt = &now

	if err := e.store.SaveExecution(ctx, exec); err != nil {
		return fmt.Errorf("saving execution %s: %w", exec.ARN, err)
	}

	ev := Event{ARN: exec.ARN, RunKey: exec.RunKey, State: exec.State, Error: errName, Cause: cause}

	switch status {
	case store.ExecutionSucceeded:
		ev.Type = EventExecutionSucceeded
	case store.ExecutionAborted:
		ev.Type = EventExecutionAborted
	default:
		ev.Type = EventExecutionFailed
	}

	e.emit(ev)

	return nil
}

// cancelImports stops import jobs submitted by an aborted execution.
func (e *engine) cancelImports(ctx context.Context, p *Payload) {
	if p.ImportDataset == nil {
		return
	}

	for _, id := range []string{p.ImportDataset.AssetJobID, p.ImportDataset.MetadataJobID} {
		if err := e.importer.Cancel(ctx, id); err != nil {
			e.log.WithError(err).WithField("job_id", id).Debug("Import job not cancelled")
		}
	}
}

func (e *engine) emit(ev Event) {
	if ev.Time.IsZero() {
		ev.Time = time.Now().UTC()
	}

	for _, o := range e.observers {
		o.OnEvent(ev)
	}
}
