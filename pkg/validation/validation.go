// Package validation records per-URL check outcomes for a run and reduces
// them to a single verdict.
package validation

import (
	"context"
	"fmt"

	"github.com/ethpandaops/geostore/pkg/metrics"
	"github.com/ethpandaops/geostore/pkg/store"
	"github.com/sirupsen/logrus"
)

// Check identifies the kind of validation performed on a URL.
type Check string

// Check kinds.
const (
	CheckAssetsInDataset        Check = "ASSETS_IN_DATASET"
	CheckChecksum               Check = "CHECKSUM"
	CheckDuplicateObjectKey     Check = "DUPLICATE_OBJECT_KEY"
	CheckJSONParse              Check = "JSON_PARSE"
	CheckJSONSchema             Check = "JSON_SCHEMA"
	CheckStagingAccess          Check = "STAGING_ACCESS"
	CheckNonS3URL               Check = "NON_S3_URL"
	CheckFileNotFound           Check = "FILE_NOT_FOUND"
	CheckSecurityClassification Check = "SECURITY_CLASSIFICATION"
	CheckRootIsCatalog          Check = "UPLOADED_ASSETS_SHOULD_BE_CATALOG_OR_COLLECTION"
	CheckUnknownClientError     Check = "UNKNOWN_CLIENT_ERROR"
)

// Result is the outcome of a check.
type Result string

// Outcomes.
const (
	Passed Result = store.ResultPassed
	Failed Result = store.ResultFailed
)

// Recorder writes validation results for a single run.
type Recorder struct {
	log    logrus.FieldLogger
	store  store.Store
	runKey string
}

// NewRecorder creates a Recorder for runKey.
func NewRecorder(log logrus.FieldLogger, st store.Store, runKey string) *Recorder {
	return &Recorder{
		log:    log.WithField("run_key", runKey),
		store:  st,
		runKey: runKey,
	}
}

// RunKey returns the run the recorder writes to.
func (r *Recorder) RunKey() string {
	return r.runKey
}

// Record writes the result of check against url, replacing any earlier
// result for the pair.
func (r *Recorder) Record(
	ctx context.Context, url string, check Check, result Result, details map[string]any,
) error {
	if details == nil {
		details = map[string]any{}
	}

	row := &store.ValidationResult{
		PK:      r.runKey,
		SK:      store.ValidationSortKey(string(check), url),
		Check:   string(check),
		URL:     url,
		Result:  string(result),
		Details: details,
	}

	if err := r.store.PutValidationResult(ctx, row); err != nil {
		return fmt.Errorf("recording %s for %s: %w", check, url, err)
	}

	metrics.IncreaseValidationResults(string(check), string(result))

	entry := r.log.WithFields(logrus.Fields{
		"url":   url,
		"check": check,
	})

	if result == Failed {
		entry.WithField("details", details).Warn("Validation failed")
	} else {
		entry.Debug("Validation passed")
	}

	return nil
}

// Pass records a PASSED result.
func (r *Recorder) Pass(ctx context.Context, url string, check Check) error {
	return r.Record(ctx, url, check, Passed, nil)
}

// Fail records a FAILED result with a message.
func (r *Recorder) Fail(ctx context.Context, url string, check Check, message string) error {
	return r.Record(ctx, url, check, Failed, map[string]any{"message": message})
}

// Summary is the verdict for a run.
type Summary struct {
	Success bool `json:"success" mapstructure:"success"`
}

// Summarize reports whether the run has no FAILED results.
func Summarize(ctx context.Context, st store.Store, datasetID, versionID string) (*Summary, error) {
	failed, err := st.HasFailedValidation(ctx, store.RunKey(datasetID, versionID))
	if err != nil {
		return nil, fmt.Errorf("summarizing validation: %w", err)
	}

	return &Summary{Success: !failed}, nil
}
