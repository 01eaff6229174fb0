// Package importstatus reports the progress of a dataset-version run:
// execution status, validation outcome and both import jobs.
package importstatus

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/ethpandaops/geostore/pkg/store"
	"github.com/ethpandaops/geostore/pkg/workflow"
)

// Outcome statuses.
const (
	Passed  = "Passed"
	Pending = "Pending"
	Failed  = "Failed"
	Skipped = "Skipped"
)

// ValidationError is one failed validation result.
type ValidationError struct {
	Check   string         `json:"check"`
	Result  string         `json:"result"`
	URL     string         `json:"url"`
	Details map[string]any `json:"details"`
}

// StepFunction is the execution part of a status report.
type StepFunction struct {
	Status string `json:"status"`
}

// Validation is the validation part of a status report.
type Validation struct {
	Status string            `json:"status"`
	Errors []ValidationError `json:"errors"`
}

// Upload is the status of one import job.
type Upload struct {
	Status string   `json:"status"`
	Errors []string `json:"errors"`
}

// Status is the full report of a run.
type Status struct {
	StepFunction   StepFunction `json:"step_function"`
	Validation     Validation   `json:"validation"`
	MetadataUpload Upload       `json:"metadata_upload"`
	AssetUpload    Upload       `json:"asset_upload"`
}

// Source is the subset of the store the reporter reads.
type Source interface {
	GetExecution(ctx context.Context, arn string) (*store.WorkflowExecution, error)
	ListValidationResults(ctx context.Context, runKey, result string) ([]store.ValidationResult, error)
	GetImportJob(ctx context.Context, id string) (*store.ImportJob, error)
}

// Reporter assembles status reports.
type Reporter struct {
	log    logrus.FieldLogger
	source Source
}

// NewReporter creates a new Reporter.
func NewReporter(log logrus.FieldLogger, source Source) *Reporter {
	return &Reporter{
		log:    log.WithField("component", "importstatus"),
		source: source,
	}
}

// Get returns the report of an execution. It returns store.ErrNotFound
// for unknown executions.
func (r *Reporter) Get(ctx context.Context, executionARN string) (*Status, error) {
	exec, err := r.source.GetExecution(ctx, executionARN)
	if err != nil {
		return nil, err
	}

	payload, err := workflow.DecodePayload(exec.Payload)
	if err != nil {
		return nil, err
	}

	status := &Status{
		StepFunction: StepFunction{Status: titleCase(exec.Status)},
	}

	validation, err := r.validation(ctx, exec.RunKey, payload)
	if err != nil {
		return nil, err
	}

	status.Validation = *validation

	if validation.Status == Failed {
		status.MetadataUpload = Upload{Status: Skipped, Errors: []string{}}
		status.AssetUpload = Upload{Status: Skipped, Errors: []string{}}

		return status, nil
	}

	var assetJobID, metadataJobID string
	if payload.ImportDataset != nil {
		assetJobID = payload.ImportDataset.AssetJobID
		metadataJobID = payload.ImportDataset.MetadataJobID
	}

	stopped := exec.Status == store.ExecutionFailed || exec.Status == store.ExecutionAborted

	status.MetadataUpload = r.upload(ctx, metadataJobID, stopped)
	status.AssetUpload = r.upload(ctx, assetJobID, stopped)

	return status, nil
}

func (r *Reporter) validation(ctx context.Context, runKey string, payload *workflow.Payload) (*Validation, error) {
	rows, err := r.source.ListValidationResults(ctx, runKey, store.ResultFailed)
	if err != nil {
		return nil, fmt.Errorf("listing validation failures: %w", err)
	}

	out := &Validation{Status: Pending, Errors: make([]ValidationError, 0, len(rows))}

	for _, row := range rows {
		out.Errors = append(out.Errors, ValidationError{
			Check:   row.Check,
			Result:  row.Result,
			URL:     row.URL,
			Details: row.Details,
		})
	}

	switch {
	case len(out.Errors) > 0:
		out.Status = Failed
	case payload.Validation != nil && payload.Validation.Success:
		out.Status = Passed
	case payload.Validation != nil:
		out.Status = Failed
	}

	return out, nil
}

// upload reports the raw job status. Before submission it is Pending, or
// Skipped once the execution stopped without reaching the import.
func (r *Reporter) upload(ctx context.Context, jobID string, stopped bool) Upload {
	if jobID == "" {
		if stopped {
			return Upload{Status: Skipped, Errors: []string{}}
		}

		return Upload{Status: Pending, Errors: []string{}}
	}

	job, err := r.source.GetImportJob(ctx, jobID)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			r.log.WithError(err).WithField("job_id", jobID).Warn("Failed to read import job")
		}

		return Upload{Status: Pending, Errors: []string{}}
	}

	errs := []string(job.FailureReasons)
	if errs == nil {
		errs = []string{}
	}

	return Upload{Status: job.Status, Errors: errs}
}

// titleCase renders RUNNING as Running.
func titleCase(s string) string {
	if s == "" {
		return s
	}

	lower := strings.ToLower(s)

	return strings.ToUpper(lower[:1]) + lower[1:]
}
