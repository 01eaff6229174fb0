package store

import (
	"time"

	"gorm.io/datatypes"
)

// Validation outcomes.
const (
	ResultPassed = "PASSED"
	ResultFailed = "FAILED"
)

// Import job statuses.
const (
	ImportJobNew       = "New"
	ImportJobActive    = "Active"
	ImportJobComplete  = "Complete"
	ImportJobFailed    = "Failed"
	ImportJobCancelled = "Cancelled"
)

// Workflow execution statuses.
const (
	ExecutionRunning   = "RUNNING"
	ExecutionSucceeded = "SUCCEEDED"
	ExecutionFailed    = "FAILED"
	ExecutionAborted   = "ABORTED"
)

// Catalog message types.
const (
	CatalogMessageRoot    = "root"
	CatalogMessageDataset = "dataset"
)

// Dataset is a named logical collection of versions.
type Dataset struct {
	ID               string    `gorm:"primaryKey;size:26" json:"id"`
	Title            string    `gorm:"uniqueIndex;not null" json:"title"`
	Description      string    `json:"description"`
	CurrentVersionID *string   `json:"current_version_id"`
	CreatedAt        time.Time `json:"created_at"`
	UpdatedAt        time.Time `json:"updated_at"`
}

// Prefix returns the dataset's key prefix in the canonical bucket.
func (d *Dataset) Prefix() string {
	return d.Title + "_" + d.ID
}

// DatasetVersion records one admission of a metadata URL for a dataset.
type DatasetVersion struct {
	RunKey           string    `gorm:"primaryKey" json:"-"`
	DatasetID        string    `gorm:"index;not null" json:"dataset_id"`
	VersionID        string    `gorm:"not null" json:"new_version_id"`
	CurrentVersionID *string   `json:"current_version_id"`
	MetadataURL      string    `gorm:"not null" json:"metadata_url"`
	S3RoleARN        string    `json:"s3_role_arn"`
	ExecutionARN     string    `gorm:"uniqueIndex" json:"execution_arn"`
	CreatedAt        time.Time `json:"created_at"`
}

// ProcessingAsset is one metadata or data file discovered for a run.
type ProcessingAsset struct {
	PK                   string  `gorm:"primaryKey;column:pk;index:idx_processing_assets_pk_filename,priority:1"`
	SK                   string  `gorm:"primaryKey;column:sk"`
	Kind                 string  `gorm:"not null"`
	ItemIndex            int     `gorm:"not null"`
	URL                  string  `gorm:"not null"`
	Filename             string  `gorm:"not null;index:idx_processing_assets_pk_filename,priority:2"`
	Multihash            *string
	ExistsInStaging      *bool
	ReplacedInNewVersion *bool
}

// ValidationResult is the outcome of one check against one URL.
type ValidationResult struct {
	PK        string            `gorm:"primaryKey;column:pk;index:idx_validation_results_pk_result,priority:1" json:"-"`
	SK        string            `gorm:"primaryKey;column:sk" json:"-"`
	Check     string            `gorm:"column:check_name;not null" json:"check"`
	URL       string            `gorm:"not null" json:"url"`
	Result    string            `gorm:"not null;index:idx_validation_results_pk_result,priority:2" json:"result"`
	Details   datatypes.JSONMap `json:"details"`
	UpdatedAt time.Time         `json:"-"`
}

// ImportJob tracks one bulk copy of a run's metadata or data files.
type ImportJob struct {
	ID             string                      `gorm:"primaryKey;size:26" json:"id"`
	RunKey         string                      `gorm:"index;not null" json:"-"`
	Kind           string                      `gorm:"not null" json:"kind"`
	ManifestKey    string                      `json:"manifest_key"`
	ReportKey      string                      `json:"report_key"`
	Status         string                      `gorm:"not null" json:"status"`
	Total          int                         `json:"total"`
	Succeeded      int                         `json:"succeeded"`
	Failed         int                         `json:"failed"`
	FailureReasons datatypes.JSONSlice[string] `json:"failure_reasons"`
	CreatedAt      time.Time                   `json:"created_at"`
	UpdatedAt      time.Time                   `json:"updated_at"`
	FinishedAt     *time.Time                  `json:"finished_at"`
}

// Terminal reports whether the job will not change status again.
func (j *ImportJob) Terminal() bool {
	switch j.Status {
	case ImportJobComplete, ImportJobFailed, ImportJobCancelled:
		return true
	default:
		return false
	}
}

// WorkflowExecution is the persisted state of one dataset version workflow.
type WorkflowExecution struct {
	ARN       string            `gorm:"primaryKey" json:"execution_arn"`
	RunKey    string            `gorm:"index;not null" json:"-"`
	State     string            `json:"state"`
	Status    string            `gorm:"index;not null" json:"status"`
	Payload   datatypes.JSONMap `json:"payload"`
	Error     string            `json:"error,omitempty"`
	Cause     string            `json:"cause,omitempty"`
	StartedAt time.Time         `json:"started_at"`
	StoppedAt *time.Time        `json:"stopped_at"`
	UpdatedAt time.Time         `json:"updated_at"`
}

// CatalogMessage is an entry of the catalog maintainer queue.
type CatalogMessage struct {
	ID          uint       `gorm:"primaryKey"`
	Type        string     `gorm:"not null"`
	Body        string     `gorm:"not null"`
	Attempts    int        `gorm:"not null;default:0"`
	LastError   string
	ProcessedAt *time.Time `gorm:"index"`
	DeadAt      *time.Time
	CreatedAt   time.Time
}
