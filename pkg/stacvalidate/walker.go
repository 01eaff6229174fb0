// Package stacvalidate walks a staged STAC tree, validates every metadata
// document and records the metadata and data files of the run.
package stacvalidate

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/ethpandaops/geostore/pkg/stac"
	"github.com/ethpandaops/geostore/pkg/stacschema"
	"github.com/ethpandaops/geostore/pkg/storage"
	"github.com/ethpandaops/geostore/pkg/store"
	"github.com/ethpandaops/geostore/pkg/validation"
	"github.com/sirupsen/logrus"
)

// ErrValidationFailed is returned when at least one FAILED result was
// recorded during the walk. Processing-asset rows are not written in that
// case.
var ErrValidationFailed = errors.New("metadata validation failed")

// MessageNoAssets is the failure message when a tree holds no assets.
const MessageNoAssets = "no assets found in dataset"

const unclassified = "unclassified"

// Input describes the run to validate.
type Input struct {
	DatasetID        string
	VersionID        string
	CurrentVersionID string
	DatasetTitle     string
	DatasetPrefix    string
	MetadataURL      string
	S3RoleARN        string
}

// RunKey returns the run key of the input.
func (in Input) RunKey() string {
	return store.RunKey(in.DatasetID, in.VersionID)
}

// Walker validates staged STAC trees.
type Walker struct {
	log             logrus.FieldLogger
	store           store.Store
	provider        storage.Provider
	resolver        *stacschema.Resolver
	canonicalBucket string
}

// NewWalker creates a new Walker.
func NewWalker(
	log logrus.FieldLogger,
	st store.Store,
	provider storage.Provider,
	resolver *stacschema.Resolver,
	canonicalBucket string,
) *Walker {
	return &Walker{
		log:             log.WithField("component", "stac-walker"),
		store:           st,
		provider:        provider,
		resolver:        resolver,
		canonicalBucket: canonicalBucket,
	}
}

type walk struct {
	log      logrus.FieldLogger
	in       Input
	store    store.Store
	resolver *stacschema.Resolver
	reader   *storage.URLReader
	recorder *validation.Recorder

	traversed map[string]struct{}
	metadata  []store.ProcessingAsset
	assets    []store.ProcessingAsset
	rootType  string
	failed    bool
}

// Run validates the tree rooted at in.MetadataURL. It returns
// ErrValidationFailed for content failures and any other error for
// infrastructure failures that may be retried.
func (w *Walker) Run(ctx context.Context, in Input) error {
	runKey := in.RunKey()
	log := w.log.WithField("run_key", runKey)

	r := &walk{
		log:      log,
		in:       in,
		store:    w.store,
		resolver: w.resolver,
		reader: storage.NewURLReader(log, w.provider, w.canonicalBucket, in.S3RoleARN, storage.Fallback{
			DatasetTitle:     in.DatasetTitle,
			DatasetPrefix:    in.DatasetPrefix,
			CurrentVersionID: in.CurrentVersionID,
		}),
		recorder:  validation.NewRecorder(log, w.store, runKey),
		traversed: make(map[string]struct{}),
	}

	if !strings.HasPrefix(in.MetadataURL, storage.URLScheme) {
		if err := r.recorder.Fail(
			ctx, in.MetadataURL, validation.CheckNonS3URL,
			fmt.Sprintf("URL %q does not start with %q", in.MetadataURL, storage.URLScheme),
		); err != nil {
			return err
		}

		return ErrValidationFailed
	}

	// Child links may point back at the root through "./" or "..".
	in.MetadataURL = stac.CleanURL(in.MetadataURL)
	r.in.MetadataURL = in.MetadataURL

	if err := r.visit(ctx, in.MetadataURL); err != nil {
		return err
	}

	if r.failed {
		return ErrValidationFailed
	}

	if len(r.assets) == 0 {
		if err := r.recorder.Fail(ctx, in.MetadataURL, validation.CheckAssetsInDataset, MessageNoAssets); err != nil {
			return err
		}

		return ErrValidationFailed
	}

	if r.rootType != stacschema.TypeCatalog && r.rootType != stacschema.TypeCollection {
		if err := r.recorder.Fail(
			ctx, in.MetadataURL, validation.CheckRootIsCatalog,
			fmt.Sprintf("uploaded root object is %q, expected Catalog or Collection", r.rootType),
		); err != nil {
			return err
		}

		return ErrValidationFailed
	}

	if err := r.persist(ctx); err != nil {
		return err
	}

	log.WithFields(logrus.Fields{
		"metadata_files": len(r.metadata),
		"data_files":     len(r.assets),
	}).Info("Metadata validation passed")

	return nil
}

// visit validates one metadata document and recurses into its children.
// Content failures are recorded and flagged on the walk; only errors that
// prevent recording or fetching are returned.
func (r *walk) visit(ctx context.Context, url string) error {
	r.traversed[url] = struct{}{}

	body, wasInStaging, err := r.reader.Read(ctx, url)
	if err != nil {
		return r.fetchFailure(ctx, url, err)
	}

	data, err := io.ReadAll(body)
	_ = body.Close()

	if err != nil {
		return fmt.Errorf("reading %s: %w", url, err)
	}

	doc, err := stac.Parse(data)
	if err != nil {
		return r.fail(ctx, url, validation.CheckJSONParse, err.Error())
	}

	if len(doc.Duplicates) > 0 {
		messages := make([]string, 0, len(doc.Duplicates))
		for _, key := range doc.Duplicates {
			messages = append(messages, stac.DuplicateMessage(key, url))
		}

		if err := r.recorder.Record(ctx, url, validation.CheckDuplicateObjectKey, validation.Failed,
			map[string]any{
				"message":    strings.Join(messages, "; "),
				"duplicates": doc.Duplicates,
			},
		); err != nil {
			return err
		}

		r.failed = true
	}

	if err := r.resolver.Validate(doc.Value); err != nil {
		return r.fail(ctx, url, validation.CheckJSONSchema, err.Error())
	}

	if err := r.recorder.Pass(ctx, url, validation.CheckJSONSchema); err != nil {
		return err
	}

	obj := doc.Object()

	if url == r.in.MetadataURL {
		r.rootType = stacschema.ObjectType(obj)
	}

	if classification, ok := obj["linz:security_classification"]; ok {
		if s, _ := classification.(string); s != unclassified {
			return r.fail(ctx, url, validation.CheckSecurityClassification,
				fmt.Sprintf("security classification %v is not %q", classification, unclassified))
		}
	}

	filename := storage.Basename(url)

	r.metadata = append(r.metadata, store.ProcessingAsset{
		URL:             url,
		Filename:        filename,
		ExistsInStaging: &wasInStaging,
	})

	r.markReplaced(ctx, filename)

	for _, asset := range doc.Assets() {
		row := store.ProcessingAsset{
			URL: stac.ResolveURL(asset.Href, url),
		}

		row.Filename = storage.Basename(row.URL)

		if asset.Checksum != "" {
			checksum := asset.Checksum
			row.Multihash = &checksum
		}

		r.assets = append(r.assets, row)
	}

	for _, href := range stac.Links(obj, stac.RelChild, stac.RelItem) {
		child := stac.ResolveURL(href, url)
		if _, seen := r.traversed[child]; seen {
			continue
		}

		if err := r.visit(ctx, child); err != nil {
			return err
		}
	}

	return nil
}

// fetchFailure classifies a read error. Not-found and access problems are
// content failures of the run; anything else is returned for retry.
func (r *walk) fetchFailure(ctx context.Context, url string, err error) error {
	switch {
	case errors.Is(err, storage.ErrNotFound):
		return r.fail(ctx, url, validation.CheckFileNotFound, err.Error())
	case errors.Is(err, storage.ErrAccessDenied),
		errors.Is(err, storage.ErrAssumeRole),
		errors.Is(err, storage.ErrNotS3URL),
		storage.IsClientError(err):
		return r.fail(ctx, url, validation.CheckStagingAccess, err.Error())
	default:
		return fmt.Errorf("fetching %s: %w", url, err)
	}
}

// fail records a FAILED result and flags the walk.
func (r *walk) fail(ctx context.Context, url string, check validation.Check, message string) error {
	if err := r.recorder.Fail(ctx, url, check, message); err != nil {
		return err
	}

	r.failed = true

	return nil
}

// markReplaced flags the previous version's rows for filename. Failures
// are logged only.
func (r *walk) markReplaced(ctx context.Context, filename string) {
	if r.in.CurrentVersionID == "" {
		return
	}

	previous := store.RunKey(r.in.DatasetID, r.in.CurrentVersionID)

	n, err := r.store.MarkReplaced(ctx, previous, filename)
	if err != nil {
		r.log.WithError(err).WithField("filename", filename).Warn("Failed to mark previous version file as replaced")

		return
	}

	if n > 0 {
		r.log.WithFields(logrus.Fields{
			"filename":    filename,
			"previous":    previous,
			"rows_marked": n,
		}).Debug("Marked previous version file as replaced")
	}
}

// persist writes metadata and data rows with dense indices per kind in
// traversal order.
func (r *walk) persist(ctx context.Context) error {
	runKey := r.in.RunKey()
	rows := make([]store.ProcessingAsset, 0, len(r.metadata)+len(r.assets))

	for i, row := range r.metadata {
		row.PK = runKey
		row.Kind = store.KindMetadata
		row.ItemIndex = i
		row.SK = store.AssetSortKey(store.KindMetadata, i)
		rows = append(rows, row)
	}

	for i, row := range r.assets {
		row.PK = runKey
		row.Kind = store.KindData
		row.ItemIndex = i
		row.SK = store.AssetSortKey(store.KindData, i)
		rows = append(rows, row)
	}

	if err := r.store.PutProcessingAssets(ctx, rows); err != nil {
		return fmt.Errorf("persisting processing assets: %w", err)
	}

	return nil
}
