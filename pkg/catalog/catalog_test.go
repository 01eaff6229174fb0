package catalog_test

import (
	"context"
	"encoding/json"
	"io"
	"sync/atomic"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ethpandaops/geostore/pkg/catalog"
	"github.com/ethpandaops/geostore/pkg/config"
	"github.com/ethpandaops/geostore/pkg/stac"
	"github.com/ethpandaops/geostore/pkg/storage"
	"github.com/ethpandaops/geostore/pkg/store"
)

const (
	datasetID     = "01HZZZZZZZZZZZZZZZZZZZZZZZ"
	datasetPrefix = "example_" + datasetID
)

// countingBucket counts writes.
type countingBucket struct {
	storage.Bucket
	puts atomic.Int32
}

func (b *countingBucket) Put(
	ctx context.Context, key string, body io.Reader, size int64, contentType string,
) error {
	b.puts.Add(1)

	return b.Bucket.Put(ctx, key, body, size, contentType)
}

type fixture struct {
	store      store.Store
	bucket     *countingBucket
	maintainer *catalog.Maintainer
	cfg        *config.CatalogConfig
	log        logrus.FieldLogger
}

func setup(t *testing.T) *fixture {
	t.Helper()

	log := logrus.New()
	log.SetOutput(io.Discard)

	st := store.NewStore(log, &config.DatabaseConfig{
		Driver: "sqlite",
		SQLite: config.SQLiteDatabaseConfig{Path: ":memory:"},
	})
	require.NoError(t, st.Start(context.Background()))
	t.Cleanup(func() { _ = st.Stop() })

	require.NoError(t, st.CreateDataset(context.Background(), &store.Dataset{
		ID:          datasetID,
		Title:       "example",
		Description: "An example dataset",
	}))

	bucket := &countingBucket{Bucket: storage.NewLocalProvider(log, t.TempDir()).Bucket("canonical")}
	cfg := &config.CatalogConfig{Title: "Test catalog", Description: "Root"}

	return &fixture{
		store:      st,
		bucket:     bucket,
		maintainer: catalog.NewMaintainer(log, cfg, st, bucket),
		cfg:        cfg,
		log:        log,
	}
}

func readCatalog(t *testing.T, b storage.Bucket, key string) (*stac.Catalog, []byte) {
	t.Helper()

	data, err := storage.ReadAll(context.Background(), b, key)
	require.NoError(t, err)

	var cat stac.Catalog
	require.NoError(t, json.Unmarshal(data, &cat))

	return &cat, data
}

func TestMaintainer_HandleRoot(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	require.NoError(t, f.maintainer.HandleRoot(ctx, datasetPrefix))

	root, first := readCatalog(t, f.bucket, catalog.RootCatalogKey)
	assert.Equal(t, "Test catalog", root.Title)
	assert.True(t, root.HasLink(stac.RelChild, "./"+datasetPrefix+"/catalog.json"))
	assert.True(t, root.HasLink(stac.RelSelf, "./catalog.json"))

	dataset, _ := readCatalog(t, f.bucket, catalog.DatasetCatalogKey(datasetPrefix))
	assert.Equal(t, "example", dataset.Title)
	assert.Equal(t, "An example dataset", dataset.Description)
	assert.True(t, dataset.HasLink(stac.RelParent, "../catalog.json"))

	puts := f.bucket.puts.Load()

	require.NoError(t, f.maintainer.HandleRoot(ctx, datasetPrefix))

	_, second := readCatalog(t, f.bucket, catalog.RootCatalogKey)
	assert.Equal(t, string(first), string(second))
	assert.Equal(t, puts, f.bucket.puts.Load(), "unchanged catalogs are not rewritten")
}

func TestMaintainer_HandleRootInvalidPrefix(t *testing.T) {
	f := setup(t)

	require.Error(t, f.maintainer.HandleRoot(context.Background(), "a/b"))
	require.Error(t, f.maintainer.HandleRoot(context.Background(), ""))
}

func TestMaintainer_HandleDataset(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	versionKey := catalog.VersionKey(datasetPrefix, "v1", "s3://staging/x/collection.json")
	assert.Equal(t, datasetPrefix+"/v1/collection.json", versionKey)

	require.NoError(t, storage.PutBytes(ctx, f.bucket, versionKey,
		[]byte(`{"type":"Collection","id":"col","title":"Version one","links":[]}`), ""))

	require.NoError(t, f.maintainer.HandleDataset(ctx, versionKey))
	require.NoError(t, f.maintainer.HandleDataset(ctx, versionKey))

	dataset, _ := readCatalog(t, f.bucket, catalog.DatasetCatalogKey(datasetPrefix))

	children := 0

	for _, l := range dataset.Links {
		if l.Rel == stac.RelChild {
			children++

			assert.Equal(t, "./v1/collection.json", l.Href)
			assert.Equal(t, "Version one", l.Title)
		}
	}

	assert.Equal(t, 1, children)

	err := f.maintainer.HandleDataset(ctx, datasetPrefix+"/v2/missing.json")
	require.ErrorIs(t, err, storage.ErrNotFound)

	require.Error(t, f.maintainer.HandleDataset(ctx, "too/short"))
}

func TestConsumer_Drain(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	versionKey := datasetPrefix + "/v1/collection.json"
	require.NoError(t, storage.PutBytes(ctx, f.bucket, versionKey, []byte(`{"type":"Collection","id":"col"}`), ""))

	require.NoError(t, catalog.EnqueueRoot(ctx, f.store, datasetPrefix))
	require.NoError(t, catalog.EnqueueDataset(ctx, f.store, versionKey))

	consumer := catalog.NewConsumer(f.log, f.cfg, f.store, f.maintainer)
	require.NoError(t, consumer.Drain(ctx))

	next, err := f.store.NextCatalogMessage(ctx)
	require.NoError(t, err)
	assert.Nil(t, next)

	dataset, _ := readCatalog(t, f.bucket, catalog.DatasetCatalogKey(datasetPrefix))
	assert.True(t, dataset.HasLink(stac.RelChild, "./v1/collection.json"))
}

func TestConsumer_FailedMessageIsRetried(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	require.NoError(t, catalog.EnqueueDataset(ctx, f.store, datasetPrefix+"/v1/missing.json"))

	consumer := catalog.NewConsumer(f.log, f.cfg, f.store, f.maintainer)
	require.Error(t, consumer.Drain(ctx))

	next, err := f.store.NextCatalogMessage(ctx)
	require.NoError(t, err)
	require.NotNil(t, next)
	assert.Equal(t, 1, next.Attempts)
	assert.NotEmpty(t, next.LastError)
}
