package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ethpandaops/geostore/pkg/config"
	"github.com/glebarez/sqlite"
	"github.com/sirupsen/logrus"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

var (
	// ErrNotFound is returned when a record does not exist.
	ErrNotFound = errors.New("record not found")

	// ErrConflict is returned when a write collides with an existing record.
	ErrConflict = errors.New("conflict")
)

// insertBatchSize bounds the number of rows per INSERT statement.
const insertBatchSize = 500

// Store provides persistence for the dataset registry and per-run state.
type Store interface {
	Start(ctx context.Context) error
	Stop() error

	// Datasets.
	CreateDataset(ctx context.Context, dataset *Dataset) error
	GetDataset(ctx context.Context, id string) (*Dataset, error)
	ListDatasets(ctx context.Context, title string) ([]Dataset, error)
	UpdateDataset(ctx context.Context, dataset *Dataset) error
	DeleteDataset(ctx context.Context, id string) error
	SetCurrentVersion(ctx context.Context, datasetID, versionID string) error

	// Run registry.
	CreateDatasetVersion(ctx context.Context, version *DatasetVersion) error
	GetDatasetVersion(ctx context.Context, runKey string) (*DatasetVersion, error)

	// Processing assets.
	PutProcessingAssets(ctx context.Context, rows []ProcessingAsset) error
	GetProcessingAsset(
		ctx context.Context, runKey, kind string, index int,
	) (*ProcessingAsset, error)
	CountProcessingAssets(ctx context.Context, runKey, kind string) (int, error)
	ListProcessingAssets(
		ctx context.Context, runKey, kind string,
	) ([]ProcessingAsset, error)
	SetExistsInStaging(ctx context.Context, runKey, sk string, exists bool) error
	MarkReplaced(ctx context.Context, runKey, filename string) (int64, error)
	ClearReplaced(ctx context.Context, runKey string) error

	// Validation results.
	PutValidationResult(ctx context.Context, result *ValidationResult) error
	HasFailedValidation(ctx context.Context, runKey string) (bool, error)
	ListValidationResults(
		ctx context.Context, runKey, result string,
	) ([]ValidationResult, error)

	// Import jobs.
	CreateImportJob(ctx context.Context, job *ImportJob) error
	GetImportJob(ctx context.Context, id string) (*ImportJob, error)
	SaveImportJob(ctx context.Context, job *ImportJob) error
	FindImportJob(ctx context.Context, runKey, kind string) (*ImportJob, error)
	ListImportJobsByStatus(
		ctx context.Context, statuses ...string,
	) ([]ImportJob, error)

	// Workflow executions.
	CreateExecution(ctx context.Context, exec *WorkflowExecution) error
	GetExecution(ctx context.Context, arn string) (*WorkflowExecution, error)
	SaveExecution(ctx context.Context, exec *WorkflowExecution) error
	ListExecutionsByStatus(
		ctx context.Context, status string,
	) ([]WorkflowExecution, error)

	// Catalog queue.
	EnqueueCatalogMessage(ctx context.Context, msgType, body string) error
	NextCatalogMessage(ctx context.Context) (*CatalogMessage, error)
	MarkCatalogMessageProcessed(ctx context.Context, id uint) error
	MarkCatalogMessageFailed(
		ctx context.Context, id uint, reason string, maxAttempts int,
	) error
}

// Compile-time interface check.
var _ Store = (*store)(nil)

type store struct {
	log logrus.FieldLogger
	cfg *config.DatabaseConfig
	db  *gorm.DB
}

// NewStore creates a new Store backed by the configured database driver.
func NewStore(
	log logrus.FieldLogger,
	cfg *config.DatabaseConfig,
) Store {
	return &store{
		log: log.WithField("component", "store"),
		cfg: cfg,
	}
}

// Start opens the database connection and runs migrations.
func (s *store) Start(ctx context.Context) error {
	var (
		dialector gorm.Dialector
		err       error
	)

	gormCfg := &gorm.Config{
		Logger:         logger.Discard,
		TranslateError: true,
		NowFunc:        func() time.Time { return time.Now().UTC() },
	}

	switch s.cfg.Driver {
	case "sqlite":
		dialector = sqlite.Open(s.cfg.SQLite.Path)
	case "postgres":
		dsn := fmt.Sprintf(
			"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
			s.cfg.Postgres.Host,
			s.cfg.Postgres.Port,
			s.cfg.Postgres.User,
			s.cfg.Postgres.Password,
			s.cfg.Postgres.Database,
			s.cfg.Postgres.SSLMode,
		)
		dialector = postgres.Open(dsn)
	default:
		return fmt.Errorf("unsupported database driver: %s", s.cfg.Driver)
	}

	s.db, err = gorm.Open(dialector, gormCfg)
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}

	if s.cfg.Driver == "sqlite" {
		// SQLite allows a single writer; a single connection also keeps
		// in-memory databases shared across goroutines.
		sqlDB, err := s.db.DB()
		if err != nil {
			return fmt.Errorf("getting underlying db: %w", err)
		}

		sqlDB.SetMaxOpenConns(1)
	}

	if err := s.db.WithContext(ctx).AutoMigrate(
		&Dataset{},
		&DatasetVersion{},
		&ProcessingAsset{},
		&ValidationResult{},
		&ImportJob{},
		&WorkflowExecution{},
		&CatalogMessage{},
	); err != nil {
		return fmt.Errorf("running migrations: %w", err)
	}

	s.log.WithField("driver", s.cfg.Driver).Info("Database connected")

	return nil
}

// Stop closes the underlying database connection.
func (s *store) Stop() error {
	if s.db == nil {
		return nil
	}

	sqlDB, err := s.db.DB()
	if err != nil {
		return fmt.Errorf("getting underlying db: %w", err)
	}

	return sqlDB.Close()
}

func wrapNotFound(err error, format string, args ...any) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return fmt.Errorf(format+": %w", append(args, ErrNotFound)...)
	}

	return fmt.Errorf(format+": %w", append(args, err)...)
}

// --- Datasets ---

func (s *store) CreateDataset(ctx context.Context, dataset *Dataset) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var count int64
		if err := tx.Model(&Dataset{}).
			Where("title = ?", dataset.Title).
			Count(&count).Error; err != nil {
			return fmt.Errorf("checking dataset title: %w", err)
		}

		if count > 0 {
			return fmt.Errorf("dataset title %q: %w", dataset.Title, ErrConflict)
		}

		if err := tx.Create(dataset).Error; err != nil {
			if errors.Is(err, gorm.ErrDuplicatedKey) {
				return fmt.Errorf("dataset title %q: %w", dataset.Title, ErrConflict)
			}

			return fmt.Errorf("creating dataset: %w", err)
		}

		return nil
	})
}

func (s *store) GetDataset(ctx context.Context, id string) (*Dataset, error) {
	var dataset Dataset
	if err := s.db.WithContext(ctx).
		Where("id = ?", id).
		First(&dataset).Error; err != nil {
		return nil, wrapNotFound(err, "getting dataset %q", id)
	}

	return &dataset, nil
}

// ListDatasets lists all datasets, or only those with the given title.
func (s *store) ListDatasets(ctx context.Context, title string) ([]Dataset, error) {
	query := s.db.WithContext(ctx).Order("title ASC")
	if title != "" {
		query = query.Where("title = ?", title)
	}

	var datasets []Dataset
	if err := query.Find(&datasets).Error; err != nil {
		return nil, fmt.Errorf("listing datasets: %w", err)
	}

	return datasets, nil
}

func (s *store) UpdateDataset(ctx context.Context, dataset *Dataset) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var count int64
		if err := tx.Model(&Dataset{}).
			Where("title = ? AND id <> ?", dataset.Title, dataset.ID).
			Count(&count).Error; err != nil {
			return fmt.Errorf("checking dataset title: %w", err)
		}

		if count > 0 {
			return fmt.Errorf("dataset title %q: %w", dataset.Title, ErrConflict)
		}

		if err := tx.Save(dataset).Error; err != nil {
			return fmt.Errorf("updating dataset: %w", err)
		}

		return nil
	})
}

func (s *store) DeleteDataset(ctx context.Context, id string) error {
	result := s.db.WithContext(ctx).Where("id = ?", id).Delete(&Dataset{})
	if result.Error != nil {
		return fmt.Errorf("deleting dataset: %w", result.Error)
	}

	if result.RowsAffected == 0 {
		return fmt.Errorf("deleting dataset %q: %w", id, ErrNotFound)
	}

	return nil
}

func (s *store) SetCurrentVersion(
	ctx context.Context, datasetID, versionID string,
) error {
	result := s.db.WithContext(ctx).
		Model(&Dataset{}).
		Where("id = ?", datasetID).
		Update("current_version_id", versionID)
	if result.Error != nil {
		return fmt.Errorf("setting current version: %w", result.Error)
	}

	if result.RowsAffected == 0 {
		return fmt.Errorf("setting current version of %q: %w", datasetID, ErrNotFound)
	}

	return nil
}

// --- Run registry ---

func (s *store) CreateDatasetVersion(
	ctx context.Context, version *DatasetVersion,
) error {
	if err := s.db.WithContext(ctx).Create(version).Error; err != nil {
		return fmt.Errorf("creating dataset version: %w", err)
	}

	return nil
}

func (s *store) GetDatasetVersion(
	ctx context.Context, runKey string,
) (*DatasetVersion, error) {
	var version DatasetVersion
	if err := s.db.WithContext(ctx).
		Where("run_key = ?", runKey).
		First(&version).Error; err != nil {
		return nil, wrapNotFound(err, "getting dataset version %q", runKey)
	}

	return &version, nil
}

// --- Processing assets ---

// PutProcessingAssets inserts all rows of a run in one transaction.
func (s *store) PutProcessingAssets(
	ctx context.Context, rows []ProcessingAsset,
) error {
	if len(rows) == 0 {
		return nil
	}

	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.CreateInBatches(rows, insertBatchSize).Error; err != nil {
			return fmt.Errorf("bulk inserting processing assets: %w", err)
		}

		return nil
	})
}

func (s *store) GetProcessingAsset(
	ctx context.Context, runKey, kind string, index int,
) (*ProcessingAsset, error) {
	sk := AssetSortKey(kind, index)

	var row ProcessingAsset
	if err := s.db.WithContext(ctx).
		Where("pk = ? AND sk = ?", runKey, sk).
		First(&row).Error; err != nil {
		return nil, wrapNotFound(err, "getting processing asset %s %s", runKey, sk)
	}

	return &row, nil
}

func (s *store) CountProcessingAssets(
	ctx context.Context, runKey, kind string,
) (int, error) {
	var count int64
	if err := s.db.WithContext(ctx).
		Model(&ProcessingAsset{}).
		Where("pk = ? AND kind = ?", runKey, kind).
		Count(&count).Error; err != nil {
		return 0, fmt.Errorf("counting processing assets: %w", err)
	}

	return int(count), nil
}

// ListProcessingAssets returns the rows of kind ordered by index.
func (s *store) ListProcessingAssets(
	ctx context.Context, runKey, kind string,
) ([]ProcessingAsset, error) {
	var rows []ProcessingAsset
	if err := s.db.WithContext(ctx).
		Where("pk = ? AND kind = ?", runKey, kind).
		Order("item_index ASC").
		Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("listing processing assets: %w", err)
	}

	return rows, nil
}

func (s *store) SetExistsInStaging(
	ctx context.Context, runKey, sk string, exists bool,
) error {
	if err := s.db.WithContext(ctx).
		Model(&ProcessingAsset{}).
		Where("pk = ? AND sk = ?", runKey, sk).
		Update("exists_in_staging", exists).Error; err != nil {
		return fmt.Errorf("updating exists_in_staging: %w", err)
	}

	return nil
}

// MarkReplaced flags the rows of runKey with the given filename as
// superseded by a newer version.
func (s *store) MarkReplaced(
	ctx context.Context, runKey, filename string,
) (int64, error) {
	result := s.db.WithContext(ctx).
		Model(&ProcessingAsset{}).
		Where("pk = ? AND filename = ?", runKey, filename).
		Update("replaced_in_new_version", true)
	if result.Error != nil {
		return 0, fmt.Errorf("marking replaced assets: %w", result.Error)
	}

	return result.RowsAffected, nil
}

func (s *store) ClearReplaced(ctx context.Context, runKey string) error {
	if err := s.db.WithContext(ctx).
		Model(&ProcessingAsset{}).
		Where("pk = ? AND replaced_in_new_version IS NOT NULL", runKey).
		Update("replaced_in_new_version", nil).Error; err != nil {
		return fmt.Errorf("clearing replaced markers: %w", err)
	}

	return nil
}

// --- Validation results ---

// PutValidationResult writes a result unconditionally, replacing any
// earlier row for the same check and URL.
func (s *store) PutValidationResult(
	ctx context.Context, result *ValidationResult,
) error {
	if err := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{UpdateAll: true}).
		Create(result).Error; err != nil {
		return fmt.Errorf("writing validation result: %w", err)
	}

	return nil
}

func (s *store) HasFailedValidation(ctx context.Context, runKey string) (bool, error) {
	var rows []ValidationResult
	if err := s.db.WithContext(ctx).
		Select("pk", "sk").
		Where("pk = ? AND result = ?", runKey, ResultFailed).
		Limit(1).
		Find(&rows).Error; err != nil {
		return false, fmt.Errorf("querying failed validation results: %w", err)
	}

	return len(rows) > 0, nil
}

// ListValidationResults returns a run's results, optionally filtered by
// outcome.
func (s *store) ListValidationResults(
	ctx context.Context, runKey, result string,
) ([]ValidationResult, error) {
	query := s.db.WithContext(ctx).Where("pk = ?", runKey)
	if result != "" {
		query = query.Where("result = ?", result)
	}

	var rows []ValidationResult
	if err := query.Order("sk ASC").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("listing validation results: %w", err)
	}

	return rows, nil
}

// --- Import jobs ---

func (s *store) CreateImportJob(ctx context.Context, job *ImportJob) error {
	if err := s.db.WithContext(ctx).Create(job).Error; err != nil {
		return fmt.Errorf("creating import job: %w", err)
	}

	return nil
}

func (s *store) GetImportJob(ctx context.Context, id string) (*ImportJob, error) {
	var job ImportJob
	if err := s.db.WithContext(ctx).
		Where("id = ?", id).
		First(&job).Error; err != nil {
		return nil, wrapNotFound(err, "getting import job %q", id)
	}

	return &job, nil
}

func (s *store) SaveImportJob(ctx context.Context, job *ImportJob) error {
	if err := s.db.WithContext(ctx).Save(job).Error; err != nil {
		return fmt.Errorf("saving import job: %w", err)
	}

	return nil
}

// FindImportJob returns the newest job of kind for runKey.
func (s *store) FindImportJob(ctx context.Context, runKey, kind string) (*ImportJob, error) {
	var job ImportJob
	if err := s.db.WithContext(ctx).
		Where("run_key = ? AND kind = ?", runKey, kind).
		Order("created_at DESC, id DESC").
		First(&job).Error; err != nil {
		return nil, wrapNotFound(err, "finding %s import job of %q", kind, runKey)
	}

	return &job, nil
}

// ListImportJobsByStatus returns jobs in any of the given statuses.
func (s *store) ListImportJobsByStatus(
	ctx context.Context, statuses ...string,
) ([]ImportJob, error) {
	var jobs []ImportJob
	if err := s.db.WithContext(ctx).
		Where("status IN ?", statuses).
		Order("created_at ASC").
		Find(&jobs).Error; err != nil {
		return nil, fmt.Errorf("listing import jobs: %w", err)
	}

	return jobs, nil
}

// --- Workflow executions ---

func (s *store) CreateExecution(
	ctx context.Context, exec *WorkflowExecution,
) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var count int64
		if err := tx.Model(&WorkflowExecution{}).
			Where("arn = ?", exec.ARN).
			Count(&count).Error; err != nil {
			return fmt.Errorf("checking execution: %w", err)
		}

		if count > 0 {
			return fmt.Errorf("execution %q: %w", exec.ARN, ErrConflict)
		}

		if err := tx.Create(exec).Error; err != nil {
			return fmt.Errorf("creating execution: %w", err)
		}

		return nil
	})
}

func (s *store) GetExecution(
	ctx context.Context, arn string,
) (*WorkflowExecution, error) {
	var exec WorkflowExecution
	if err := s.db.WithContext(ctx).
		Where("arn = ?", arn).
		First(&exec).Error; err != nil {
		return nil, wrapNotFound(err, "getting execution %q", arn)
	}

	return &exec, nil
}

func (s *store) SaveExecution(
	ctx context.Context, exec *WorkflowExecution,
) error {
	if err := s.db.WithContext(ctx).Save(exec).Error; err != nil {
		return fmt.Errorf("saving execution: %w", err)
	}

	return nil
}

func (s *store) ListExecutionsByStatus(
	ctx context.Context, status string,
) ([]WorkflowExecution, error) {
	var execs []WorkflowExecution
	if err := s.db.WithContext(ctx).
		Where("status = ?", status).
		Order("started_at ASC").
		Find(&execs).Error; err != nil {
		return nil, fmt.Errorf("listing executions: %w", err)
	}

	return execs, nil
}

// --- Catalog queue ---

func (s *store) EnqueueCatalogMessage(
	ctx context.Context, msgType, body string,
) error {
	msg := &CatalogMessage{Type: msgType, Body: body}
	if err := s.db.WithContext(ctx).Create(msg).Error; err != nil {
		return fmt.Errorf("enqueueing catalog message: %w", err)
	}

	return nil
}

// NextCatalogMessage returns the oldest pending message, or nil when the
// queue is empty.
func (s *store) NextCatalogMessage(ctx context.Context) (*CatalogMessage, error) {
	var msgs []CatalogMessage
	if err := s.db.WithContext(ctx).
		Where("processed_at IS NULL AND dead_at IS NULL").
		Order("id ASC").
		Limit(1).
		Find(&msgs).Error; err != nil {
		return nil, fmt.Errorf("reading catalog queue: %w", err)
	}

	if len(msgs) == 0 {
		return nil, nil
	}

	return &msgs[0], nil
}

func (s *store) MarkCatalogMessageProcessed(ctx context.Context, id uint) error {
	if err := s.db.WithContext(ctx).
		Model(&CatalogMessage{}).
		Where("id = ?", id).
		Update("processed_at", time.Now().UTC()).Error; err != nil {
		return fmt.Errorf("acknowledging catalog message: %w", err)
	}

	return nil
}

// MarkCatalogMessageFailed records a failed delivery. After maxAttempts
// failures the message is parked and no longer delivered.
func (s *store) MarkCatalogMessageFailed(
	ctx context.Context, id uint, reason string, maxAttempts int,
) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var msg CatalogMessage
		if err := tx.Where("id = ?", id).First(&msg).Error; err != nil {
			return wrapNotFound(err, "getting catalog message %d", id)
		}

		msg.Attempts++
		msg.LastError = reason

		if maxAttempts > 0 && msg.Attempts >= maxAttempts {
			now := time.Now().UTC()
			msg.DeadAt = &now
		}

		if err := tx.Save(&msg).Error; err != nil {
			return fmt.Errorf("recording catalog message failure: %w", err)
		}

		return nil
	})
}
