package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/ethpandaops/geostore/pkg/catalog"
	"github.com/ethpandaops/geostore/pkg/ids"
	"github.com/ethpandaops/geostore/pkg/store"
	"github.com/ethpandaops/geostore/pkg/workflow"
)

// handleHealth returns server health status.
func (s *server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)

	_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

func (s *server) internalError(err error, msg string) response {
	s.log.WithError(err).Error(msg)

	return fail(http.StatusInternalServerError, "internal error")
}

// --- Datasets ---

type createDatasetRequest struct {
	Title       string `json:"title" validate:"required,dataset_title"`
	Description string `json:"description" validate:"required"`
}

type getDatasetsRequest struct {
	ID    string `json:"id"`
	Title string `json:"title"`
}

type updateDatasetRequest struct {
	ID    string `json:"id" validate:"required"`
	Title string `json:"title" validate:"required,dataset_title"`
}

type deleteDatasetRequest struct {
	ID string `json:"id" validate:"required"`
}

func (s *server) handleCreateDataset(ctx context.Context, req *request) response {
	var body createDatasetRequest
	if resp, ok := s.bind(req, &body); !ok {
		return resp
	}

	existing, err := s.store.ListDatasets(ctx, body.Title)
	if err != nil {
		return s.internalError(err, "Failed to list datasets")
	}

	if len(existing) > 0 {
		return fail(http.StatusConflict, "dataset '%s' already exists", body.Title)
	}

	dataset := &store.Dataset{
		ID:          ids.NewDatasetID(),
		Title:       body.Title,
		Description: body.Description,
	}

	if err := s.store.CreateDataset(ctx, dataset); err != nil {
		if errors.Is(err, store.ErrConflict) {
			return fail(http.StatusConflict, "dataset '%s' already exists", body.Title)
		}

		return s.internalError(err, "Failed to create dataset")
	}

	if err := catalog.EnqueueRoot(ctx, s.store, dataset.Prefix()); err != nil {
		s.log.WithError(err).WithField("dataset_id", dataset.ID).
			Warn("Failed to enqueue root catalog update")
	}

	s.log.WithField("dataset_id", dataset.ID).
		WithField("title", dataset.Title).
		Info("Dataset created")

	return respond(http.StatusCreated, dataset)
}

func (s *server) handleGetDatasets(ctx context.Context, req *request) response {
	var body getDatasetsRequest
	if resp, ok := s.bind(req, &body); !ok {
		return resp
	}

	if body.ID != "" {
		dataset, err := s.store.GetDataset(ctx, body.ID)
		if errors.Is(err, store.ErrNotFound) {
			return fail(http.StatusNotFound, "dataset '%s' does not exist", body.ID)
		}

		if err != nil {
			return s.internalError(err, "Failed to get dataset")
		}

		return respond(http.StatusOK, dataset)
	}

	datasets, err := s.store.ListDatasets(ctx, body.Title)
	if err != nil {
		return s.internalError(err, "Failed to list datasets")
	}

	if datasets == nil {
		datasets = []store.Dataset{}
	}

	return respond(http.StatusOK, datasets)
}

func (s *server) handleUpdateDataset(ctx context.Context, req *request) response {
	var body updateDatasetRequest
	if resp, ok := s.bind(req, &body); !ok {
		return resp
	}

	dataset, err := s.store.GetDataset(ctx, body.ID)
	if errors.Is(err, store.ErrNotFound) {
		return fail(http.StatusNotFound, "dataset '%s' does not exist", body.ID)
	}

	if err != nil {
		return s.internalError(err, "Failed to get dataset")
	}

	existing, err := s.store.ListDatasets(ctx, body.Title)
	if err != nil {
		return s.internalError(err, "Failed to list datasets")
	}

	for _, other := range existing {
		if other.ID != dataset.ID {
			return fail(http.StatusConflict, "dataset '%s' already exists", body.Title)
		}
	}

	dataset.Title = body.Title

	if err := s.store.UpdateDataset(ctx, dataset); err != nil {
		if errors.Is(err, store.ErrConflict) {
			return fail(http.StatusConflict, "dataset '%s' already exists", body.Title)
		}

		return s.internalError(err, "Failed to update dataset")
	}

	return respond(http.StatusOK, dataset)
}

func (s *server) handleDeleteDataset(ctx context.Context, req *request) response {
	var body deleteDatasetRequest
	if resp, ok := s.bind(req, &body); !ok {
		return resp
	}

	dataset, err := s.store.GetDataset(ctx, body.ID)
	if errors.Is(err, store.ErrNotFound) {
		return fail(http.StatusNotFound, "dataset '%s' does not exist", body.ID)
	}

	if err != nil {
		return s.internalError(err, "Failed to get dataset")
	}

	hasVersions, err := s.hasVersions(ctx, dataset)
	if err != nil {
		return s.internalError(err, "Failed to list dataset objects")
	}

	if hasVersions {
		return fail(http.StatusConflict,
			"Can’t delete dataset “%s”: dataset versions still exist", dataset.Title)
	}

	if err := s.store.DeleteDataset(ctx, dataset.ID); err != nil {
		return s.internalError(err, "Failed to delete dataset")
	}

	return respond(http.StatusNoContent, nil)
}

// hasVersions reports whether any object other than the dataset catalog
// lives under the dataset prefix.
func (s *server) hasVersions(ctx context.Context, dataset *store.Dataset) (bool, error) {
	objects, err := s.canonical.List(ctx, dataset.Prefix()+"/")
	if err != nil {
		return false, err
	}

	catalogKey := catalog.DatasetCatalogKey(dataset.Prefix())

	for _, obj := range objects {
		if obj.Key != catalogKey {
			return true, nil
		}
	}

	return false, nil
}

// --- Dataset versions ---

type createDatasetVersionRequest struct {
	ID          string `json:"id" validate:"required"`
	MetadataURL string `json:"metadata-url" validate:"required"`
	S3RoleARN   string `json:"s3_role_arn" validate:"required"`

	// MetadataURLAlias accepts the snake_case spelling of metadata-url.
	MetadataURLAlias string `json:"metadata_url" validate:"-"`
}

func (r *createDatasetVersionRequest) normalize() {
	if r.MetadataURL == "" {
		r.MetadataURL = r.MetadataURLAlias
	}
}

type createDatasetVersionResponse struct {
	NewVersionID string `json:"new_version_id"`
	ExecutionARN string `json:"execution_arn"`
}

func (s *server) handleCreateDatasetVersion(ctx context.Context, req *request) response {
	var body createDatasetVersionRequest
	if resp, ok := s.bind(req, &body); !ok {
		return resp
	}

	dataset, err := s.store.GetDataset(ctx, body.ID)
	if errors.Is(err, store.ErrNotFound) {
		return fail(http.StatusNotFound, "dataset '%s' could not be found", body.ID)
	}

	if err != nil {
		return s.internalError(err, "Failed to get dataset")
	}

	versionID := ids.NewVersionID()

	in := workflow.Input{
		DatasetID:     dataset.ID,
		DatasetTitle:  dataset.Title,
		DatasetPrefix: dataset.Prefix(),
		VersionID:     versionID,
		MetadataURL:   body.MetadataURL,
		S3RoleARN:     body.S3RoleARN,
	}

	if dataset.CurrentVersionID != nil {
		in.CurrentVersionID = *dataset.CurrentVersionID
	}

	version := &store.DatasetVersion{
		RunKey:           store.RunKey(dataset.ID, versionID),
		DatasetID:        dataset.ID,
		VersionID:        versionID,
		CurrentVersionID: dataset.CurrentVersionID,
		MetadataURL:      body.MetadataURL,
		S3RoleARN:        body.S3RoleARN,
		ExecutionARN:     workflow.ExecutionARN(dataset.ID, versionID),
	}

	if err := s.store.CreateDatasetVersion(ctx, version); err != nil {
		return s.internalError(err, "Failed to register dataset version")
	}

	exec, err := s.engine.StartExecution(ctx, in)
	if err != nil {
		return s.internalError(err, "Failed to start workflow execution")
	}

	s.log.WithField("dataset_id", dataset.ID).
		WithField("version_id", versionID).
		WithField("execution_arn", exec.ARN).
		Info("Dataset version submitted")

	return respond(http.StatusCreated, createDatasetVersionResponse{
		NewVersionID: versionID,
		ExecutionARN: exec.ARN,
	})
}

// --- Import status ---

type importStatusRequest struct {
	ExecutionARN string `json:"execution_arn" validate:"required"`
}

func (s *server) handleImportStatus(ctx context.Context, req *request) response {
	var body importStatusRequest
	if resp, ok := s.bind(req, &body); !ok {
		return resp
	}

	status, err := s.reporter.Get(ctx, body.ExecutionARN)
	if errors.Is(err, store.ErrNotFound) {
		return fail(http.StatusNotFound, "execution '%s' does not exist", body.ExecutionARN)
	}

	if err != nil {
		return s.internalError(err, "Failed to read import status")
	}

	return respond(http.StatusOK, status)
}

// normalizer is implemented by request bodies that fold aliased fields
// before validation.
type normalizer interface {
	normalize()
}

// bind decodes and validates the request body into v.
func (s *server) bind(req *request, v any) (response, bool) {
	if err := decode(req, v); err != nil {
		return fail(http.StatusBadRequest, "%s", err.Error()), false
	}

	if n, ok := v.(normalizer); ok {
		n.normalize()
	}

	if err := s.validate.Struct(v); err != nil {
		return fail(http.StatusBadRequest, "%s", validationMessage(err)), false
	}

	return response{}, true
}
