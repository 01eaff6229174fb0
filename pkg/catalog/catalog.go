// Package catalog maintains the root catalog and the per-dataset catalogs
// in the canonical bucket.
package catalog

import (
	"context"
	"crypto/md5" //nolint:gosec // S3 ETags are MD5 digests
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"path"
	"strings"

	"github.com/ethpandaops/geostore/pkg/config"
	"github.com/ethpandaops/geostore/pkg/ids"
	"github.com/ethpandaops/geostore/pkg/stac"
	"github.com/ethpandaops/geostore/pkg/storage"
	"github.com/ethpandaops/geostore/pkg/store"
	"github.com/sirupsen/logrus"
)

// RootCatalogKey is the key of the root catalog.
const RootCatalogKey = "catalog.json"

const rootCatalogID = "root_catalog"

// DatasetCatalogKey returns the key of a dataset's catalog.
func DatasetCatalogKey(datasetPrefix string) string {
	return datasetPrefix + "/" + RootCatalogKey
}

// Enqueuer publishes catalog messages.
type Enqueuer interface {
	EnqueueCatalogMessage(ctx context.Context, msgType, body string) error
}

// EnqueueRoot asks the maintainer to link a dataset catalog from the root
// catalog.
func EnqueueRoot(ctx context.Context, q Enqueuer, datasetPrefix string) error {
	return q.EnqueueCatalogMessage(ctx, store.CatalogMessageRoot, datasetPrefix)
}

// EnqueueDataset asks the maintainer to link a version's root metadata
// object from its dataset catalog.
func EnqueueDataset(ctx context.Context, q Enqueuer, versionMetadataKey string) error {
	return q.EnqueueCatalogMessage(ctx, store.CatalogMessageDataset, versionMetadataKey)
}

// Maintainer applies catalog messages.
type Maintainer struct {
	log       logrus.FieldLogger
	cfg       *config.CatalogConfig
	store     store.Store
	canonical storage.Bucket
}

// NewMaintainer creates a new Maintainer.
func NewMaintainer(
	log logrus.FieldLogger,
	cfg *config.CatalogConfig,
	st store.Store,
	canonical storage.Bucket,
) *Maintainer {
	return &Maintainer{
		log:       log.WithField("component", "catalog"),
		cfg:       cfg,
		store:     st,
		canonical: canonical,
	}
}

// Handle dispatches msg on its type.
func (m *Maintainer) Handle(ctx context.Context, msg *store.CatalogMessage) error {
	switch msg.Type {
	case store.CatalogMessageRoot:
		return m.HandleRoot(ctx, msg.Body)
	case store.CatalogMessageDataset:
		return m.HandleDataset(ctx, msg.Body)
	default:
		return fmt.Errorf("unknown catalog message type %q", msg.Type)
	}
}

// HandleRoot links the catalog of datasetPrefix from the root catalog,
// creating either catalog when missing.
func (m *Maintainer) HandleRoot(ctx context.Context, datasetPrefix string) error {
	if datasetPrefix == "" || strings.Contains(datasetPrefix, "/") {
		return fmt.Errorf("invalid dataset prefix %q", datasetPrefix)
	}

	datasetCatalog, err := m.loadDatasetCatalog(ctx, datasetPrefix)
	if err != nil {
		return err
	}

	if err := m.write(ctx, DatasetCatalogKey(datasetPrefix), datasetCatalog); err != nil {
		return err
	}

	root, err := m.load(ctx, RootCatalogKey)
	if err != nil {
		return err
	}

	if root == nil {
		root = stac.NewCatalog(rootCatalogID, m.title(), m.description())
	}

	root.SetLink(stac.RelRoot, "./"+RootCatalogKey)
	root.SetLink(stac.RelSelf, "./"+RootCatalogKey)
	root.AddChild(stac.Relative(RootCatalogKey, DatasetCatalogKey(datasetPrefix)), datasetCatalog.Title)

	return m.write(ctx, RootCatalogKey, root)
}

// HandleDataset links the version's root metadata object at
// versionMetadataKey ({prefix}/{version}/{file}) from the dataset catalog.
func (m *Maintainer) HandleDataset(ctx context.Context, versionMetadataKey string) error {
	parts := strings.Split(versionMetadataKey, "/")
	if len(parts) != 3 || parts[0] == "" || parts[1] == "" || parts[2] == "" {
		return fmt.Errorf("invalid version metadata key %q", versionMetadataKey)
	}

	datasetPrefix := parts[0]

	version, err := m.load(ctx, versionMetadataKey)
	if err != nil {
		return err
	}

	if version == nil {
		return fmt.Errorf("version metadata %s: %w", versionMetadataKey, storage.ErrNotFound)
	}

	datasetCatalog, err := m.loadDatasetCatalog(ctx, datasetPrefix)
	if err != nil {
		return err
	}

	title := version.Title
	if title == "" {
		title = version.ID
	}

	key := DatasetCatalogKey(datasetPrefix)
	datasetCatalog.AddChild(stac.Relative(key, versionMetadataKey), title)

	return m.write(ctx, key, datasetCatalog)
}

// loadDatasetCatalog returns the dataset catalog with its structural
// links set, building a new one when it does not exist yet.
func (m *Maintainer) loadDatasetCatalog(ctx context.Context, datasetPrefix string) (*stac.Catalog, error) {
	key := DatasetCatalogKey(datasetPrefix)

	cat, err := m.load(ctx, key)
	if err != nil {
		return nil, err
	}

	if cat == nil {
		title, description := m.datasetInfo(ctx, datasetPrefix)
		cat = stac.NewCatalog(datasetPrefix, title, description)
	}

	rootHref := stac.Relative(key, RootCatalogKey)

	cat.SetLink(stac.RelRoot, rootHref)
	cat.SetLink(stac.RelParent, rootHref)
	cat.SetLink(stac.RelSelf, "./"+RootCatalogKey)

	return cat, nil
}

// datasetInfo derives title and description of a new dataset catalog from
// the registry, falling back to the prefix.
func (m *Maintainer) datasetInfo(ctx context.Context, datasetPrefix string) (string, string) {
	sep := strings.LastIndex(datasetPrefix, "_")
	if sep <= 0 || !ids.IsDatasetID(datasetPrefix[sep+1:]) {
		return datasetPrefix, datasetPrefix
	}

	title := datasetPrefix[:sep]

	dataset, err := m.store.GetDataset(ctx, datasetPrefix[sep+1:])
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			m.log.WithError(err).WithField("dataset_prefix", datasetPrefix).Warn("Failed to look up dataset")
		}

		return title, title
	}

	return dataset.Title, dataset.Description
}

// load reads a catalog, returning nil when it does not exist.
func (m *Maintainer) load(ctx context.Context, key string) (*stac.Catalog, error) {
	data, err := storage.ReadAll(ctx, m.canonical, key)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, nil
		}

		return nil, fmt.Errorf("reading %s: %w", key, err)
	}

	var cat stac.Catalog
	if err := json.Unmarshal(data, &cat); err != nil {
		return nil, fmt.Errorf("decoding %s: %w", key, err)
	}

	if cat.Links == nil {
		cat.Links = []stac.Link{}
	}

	return &cat, nil
}

// write stores cat at key unless the stored object already has the same
// ETag.
func (m *Maintainer) write(ctx context.Context, key string, cat *stac.Catalog) error {
	data, err := json.MarshalIndent(cat, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding %s: %w", key, err)
	}

	data = append(data, '\n')

	sum := md5.Sum(data) //nolint:gosec // S3 ETags are MD5 digests
	etag := hex.EncodeToString(sum[:])

	info, err := m.canonical.Head(ctx, key)

	switch {
	case err == nil && info.ETag == etag:
		m.log.WithField("key", key).Debug("Catalog unchanged, skipping write")

		return nil
	case err != nil && !errors.Is(err, storage.ErrNotFound):
		return fmt.Errorf("heading %s: %w", key, err)
	}

	if err := storage.PutBytes(ctx, m.canonical, key, data, stac.MediaTypeJSON); err != nil {
		return fmt.Errorf("writing %s: %w", key, err)
	}

	m.log.WithFields(logrus.Fields{
		"key":   key,
		"links": len(cat.Links),
	}).Info("Updated catalog")

	return nil
}

func (m *Maintainer) title() string {
	if m.cfg != nil && m.cfg.Title != "" {
		return m.cfg.Title
	}

	return config.DefaultCatalogTitle
}

func (m *Maintainer) description() string {
	if m.cfg != nil && m.cfg.Description != "" {
		return m.cfg.Description
	}

	return config.DefaultCatalogDescription
}

// VersionKey returns the canonical key of a version's root metadata object.
func VersionKey(datasetPrefix, versionID, metadataURL string) string {
	return path.Join(datasetPrefix, versionID, storage.Basename(metadataURL))
}
