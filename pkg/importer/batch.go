package importer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"

	"github.com/ethpandaops/geostore/pkg/metrics"
	"github.com/ethpandaops/geostore/pkg/stac"
	"github.com/ethpandaops/geostore/pkg/storage"
	"github.com/sirupsen/logrus"
)

// Batch protocol constants.
const (
	InvocationSchemaVersion = "1.0"

	ResultSucceeded        = "Succeeded"
	ResultTemporaryFailure = "TemporaryFailure"
	ResultPermanentFailure = "PermanentFailure"

	bucketARNPrefix = "arn:aws:s3:::"
)

// BatchTask is one object of a batch invocation.
type BatchTask struct {
	S3BucketARN string `json:"s3BucketArn"`
	S3Key       string `json:"s3Key"`
	TaskID      string `json:"taskId"`
}

// BatchInvocation is the request sent to a copy function.
type BatchInvocation struct {
	InvocationID            string      `json:"invocationId"`
	InvocationSchemaVersion string      `json:"invocationSchemaVersion"`
	Tasks                   []BatchTask `json:"tasks"`
}

// BatchResult is the outcome of one task.
type BatchResult struct {
	TaskID       string `json:"taskId"`
	ResultCode   string `json:"resultCode"`
	ResultString string `json:"resultString"`
}

// BatchResponse is the reply of a copy function.
type BatchResponse struct {
	InvocationID            string        `json:"invocationId"`
	InvocationSchemaVersion string        `json:"invocationSchemaVersion"`
	TreatMissingKeysAs      string        `json:"treatMissingKeysAs"`
	Results                 []BatchResult `json:"results"`
}

// BucketARN returns the ARN of a bucket.
func BucketARN(bucket string) string {
	return bucketARNPrefix + bucket
}

// Handler runs the copy function of one import kind.
type Handler struct {
	log      logrus.FieldLogger
	provider storage.Provider
	kind     Kind
}

// NewHandler creates a copy function for kind.
func NewHandler(log logrus.FieldLogger, provider storage.Provider, kind Kind) (*Handler, error) {
	switch kind {
	case KindData, KindMetadata:
	default:
		return nil, fmt.Errorf("unknown import kind %q", kind)
	}

	return &Handler{
		log:      log.WithField("component", "import-"+strings.ToLower(string(kind))),
		provider: provider,
		kind:     kind,
	}, nil
}

// Handle processes every task of inv.
func (h *Handler) Handle(ctx context.Context, inv *BatchInvocation) *BatchResponse {
	resp := &BatchResponse{
		InvocationID:            inv.InvocationID,
		InvocationSchemaVersion: inv.InvocationSchemaVersion,
		TreatMissingKeysAs:      ResultPermanentFailure,
		Results:                 make([]BatchResult, 0, len(inv.Tasks)),
	}

	for _, task := range inv.Tasks {
		resp.Results = append(resp.Results, h.handleTask(ctx, task))
	}

	return resp
}

func (h *Handler) handleTask(ctx context.Context, task BatchTask) BatchResult {
	result := BatchResult{TaskID: task.TaskID}

	entry, err := DecodeKey(task.S3Key)
	if err != nil {
		result.ResultCode = ResultPermanentFailure
		result.ResultString = err.Error()

		metrics.IncreaseImportTasks(string(h.kind), result.ResultCode)

		return result
	}

	sourceBucket := strings.TrimPrefix(task.S3BucketARN, bucketARNPrefix)

	log := h.log.WithFields(logrus.Fields{
		"task_id":  task.TaskID,
		"source":   "s3://" + sourceBucket + "/" + entry.OriginalKey,
		"new_key":  entry.NewKey,
		"job_kind": h.kind,
	})

	switch h.kind {
	case KindData:
		err = h.copyData(ctx, sourceBucket, entry)
	case KindMetadata:
		err = h.copyMetadata(ctx, sourceBucket, entry)
	}

	switch {
	case err == nil:
		result.ResultCode = ResultSucceeded
		result.ResultString = "s3://" + entry.TargetBucketName + "/" + entry.NewKey

		log.Debug("Imported object")
	case isTimeout(err):
		result.ResultCode = ResultTemporaryFailure
		result.ResultString = err.Error()

		log.WithError(err).Warn("Import timed out")
	default:
		result.ResultCode = ResultPermanentFailure
		result.ResultString = err.Error()

		log.WithError(err).Error("Import failed")
	}

	metrics.IncreaseImportTasks(string(h.kind), result.ResultCode)

	return result
}

// copyData copies bytes unchanged, reading with the producer role and
// writing with the service credentials. Files missing from staging are
// copied from their previous canonical location.
func (h *Handler) copyData(ctx context.Context, sourceBucket string, e *Entry) error {
	src, err := h.provider.AssumedBucket(ctx, sourceBucket, e.S3RoleARN)
	if err != nil {
		return err
	}

	dst := h.provider.Bucket(e.TargetBucketName)

	err = storage.Copy(ctx, src, e.OriginalKey, dst, e.NewKey)
	if !errors.Is(err, storage.ErrNotFound) {
		return err
	}

	for _, key := range e.Fallback().Keys(storage.Basename(e.OriginalKey)) {
		err = storage.Copy(ctx, dst, key, dst, e.NewKey)
		if !errors.Is(err, storage.ErrNotFound) {
			return err
		}
	}

	return err
}

// copyMetadata writes the document with every asset and link href
// flattened to its basename.
func (h *Handler) copyMetadata(ctx context.Context, sourceBucket string, e *Entry) error {
	reader := storage.NewURLReader(h.log, h.provider, e.TargetBucketName, e.S3RoleARN, e.Fallback())

	body, _, err := reader.Read(ctx, "s3://"+sourceBucket+"/"+e.OriginalKey)
	if err != nil {
		return err
	}

	data, err := io.ReadAll(body)
	_ = body.Close()

	if err != nil {
		return fmt.Errorf("reading %s: %w", e.OriginalKey, err)
	}

	flat, err := stac.FlattenHrefs(data)
	if err != nil {
		return err
	}

	return storage.PutBytes(ctx, h.provider.Bucket(e.TargetBucketName), e.NewKey, flat, stac.MediaTypeJSON)
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var netErr net.Error

	return errors.As(err, &netErr) && netErr.Timeout()
}
