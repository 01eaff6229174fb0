package importer_test

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ethpandaops/geostore/pkg/config"
	"github.com/ethpandaops/geostore/pkg/importer"
	"github.com/ethpandaops/geostore/pkg/storage"
	"github.com/ethpandaops/geostore/pkg/store"
)

const (
	datasetID     = "01HZZZZZZZZZZZZZZZZZZZZZZZ"
	versionID     = "2024-01-01T00-00-00-000Z_AAAAAAAAAAAAAAAA"
	datasetPrefix = "example_" + datasetID
)

func newLogger() *logrus.Logger {
	log := logrus.New()
	log.SetOutput(io.Discard)

	return log
}

func setupStore(t *testing.T) store.Store {
	t.Helper()

	st := store.NewStore(newLogger(), &config.DatabaseConfig{
		Driver: "sqlite",
		SQLite: config.SQLiteDatabaseConfig{Path: ":memory:"},
	})
	require.NoError(t, st.Start(context.Background()))
	t.Cleanup(func() { _ = st.Stop() })

	return st
}

func TestKeys(t *testing.T) {
	assert.Equal(t, "manifests/v1_DATA.csv", importer.ManifestKey("v1", importer.KindData))
	assert.Equal(t, "reports/v1/METADATA.json", importer.ReportKey("v1", importer.KindMetadata))
	assert.Equal(t, "ds_1/v1/a.tif", importer.NewKey("ds_1", "v1", "deep/nested/a.tif"))
}

func TestManifest_RoundTrip(t *testing.T) {
	lines := []importer.Line{
		{SourceBucket: "staging", Entry: importer.Entry{
			TargetBucketName: "canonical",
			OriginalKey:      "x/a b,c.tif",
			NewKey:           "ds/v/a b,c.tif",
			S3RoleARN:        "arn:aws:iam::1:role/r",
		}},
		{SourceBucket: "staging", Entry: importer.Entry{
			TargetBucketName: "canonical",
			OriginalKey:      "x/catalog.json",
			NewKey:           "ds/v/catalog.json",
		}},
	}

	var buf bytes.Buffer
	require.NoError(t, importer.WriteManifest(&buf, lines))

	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		assert.Equal(t, 1, strings.Count(line, ","), "the key column is percent-encoded")
	}

	pairs, err := importer.ReadManifest(buf.Bytes())
	require.NoError(t, err)
	require.Len(t, pairs, 2)

	for i, pair := range pairs {
		assert.Equal(t, "staging", pair[0])

		entry, err := importer.DecodeKey(pair[1])
		require.NoError(t, err)
		assert.Equal(t, lines[i].Entry, *entry)
	}

	_, err = importer.DecodeKey("%7B%7D")
	require.Error(t, err)
}

func invocation(t *testing.T, bucket string, entry importer.Entry) *importer.BatchInvocation {
	t.Helper()

	key, err := importer.EncodeKey(&entry)
	require.NoError(t, err)

	return &importer.BatchInvocation{
		InvocationID:            "inv-1",
		InvocationSchemaVersion: importer.InvocationSchemaVersion,
		Tasks: []importer.BatchTask{{
			S3BucketARN: importer.BucketARN(bucket),
			S3Key:       key,
			TaskID:      "t-1",
		}},
	}
}

func TestHandler_Data(t *testing.T) {
	ctx := context.Background()
	provider := storage.NewLocalProvider(newLogger(), t.TempDir())

	require.NoError(t, storage.PutBytes(ctx, provider.Bucket("staging"), "x/a.tif", []byte("fresh"), ""))
	require.NoError(t, storage.PutBytes(ctx, provider.Bucket("canonical"), datasetPrefix+"/v0/b.tif", []byte("old"), ""))

	h, err := importer.NewHandler(newLogger(), provider, importer.KindData)
	require.NoError(t, err)

	tests := []struct {
		name     string
		original string
		newKey   string
		wantCode string
		wantBody string
	}{
		{name: "staged file", original: "x/a.tif", newKey: datasetPrefix + "/v1/a.tif", wantCode: importer.ResultSucceeded, wantBody: "fresh"},
		{name: "previous version file", original: "x/b.tif", newKey: datasetPrefix + "/v1/b.tif", wantCode: importer.ResultSucceeded, wantBody: "old"},
		{name: "missing file", original: "x/c.tif", newKey: datasetPrefix + "/v1/c.tif", wantCode: importer.ResultPermanentFailure},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := h.Handle(ctx, invocation(t, "staging", importer.Entry{
				TargetBucketName: "canonical",
				OriginalKey:      tt.original,
				NewKey:           tt.newKey,
				DatasetPrefix:    datasetPrefix,
				CurrentVersionID: "v0",
			}))

			assert.Equal(t, "inv-1", resp.InvocationID)
			assert.Equal(t, importer.ResultPermanentFailure, resp.TreatMissingKeysAs)
			require.Len(t, resp.Results, 1)
			assert.Equal(t, "t-1", resp.Results[0].TaskID)
			assert.Equal(t, tt.wantCode, resp.Results[0].ResultCode, resp.Results[0].ResultString)

			if tt.wantBody != "" {
				data, err := storage.ReadAll(ctx, provider.Bucket("canonical"), tt.newKey)
				require.NoError(t, err)
				assert.Equal(t, tt.wantBody, string(data))
			}
		})
	}
}

func TestHandler_BadKey(t *testing.T) {
	provider := storage.NewLocalProvider(newLogger(), t.TempDir())

	h, err := importer.NewHandler(newLogger(), provider, importer.KindMetadata)
	require.NoError(t, err)

	resp := h.Handle(context.Background(), &importer.BatchInvocation{
		InvocationID: "inv",
		Tasks:        []importer.BatchTask{{S3BucketARN: importer.BucketARN("b"), S3Key: "not-json", TaskID: "1"}},
	})
	require.Len(t, resp.Results, 1)
	assert.Equal(t, importer.ResultPermanentFailure, resp.Results[0].ResultCode)

	_, err = importer.NewHandler(newLogger(), provider, importer.Kind("OTHER"))
	require.Error(t, err)
}

func TestHandler_Metadata(t *testing.T) {
	ctx := context.Background()
	provider := storage.NewLocalProvider(newLogger(), t.TempDir())

	require.NoError(t, storage.PutBytes(ctx, provider.Bucket("staging"), "x/collection.json",
		[]byte(`{"type":"Collection","links":[{"rel":"item","href":"./items/i.json"}],"assets":{"a":{"href":"s3://staging/x/a.tif"}}}`), ""))

	h, err := importer.NewHandler(newLogger(), provider, importer.KindMetadata)
	require.NoError(t, err)

	resp := h.Handle(ctx, invocation(t, "staging", importer.Entry{
		TargetBucketName: "canonical",
		OriginalKey:      "x/collection.json",
		NewKey:           datasetPrefix + "/v1/collection.json",
	}))
	require.Equal(t, importer.ResultSucceeded, resp.Results[0].ResultCode, resp.Results[0].ResultString)

	data, err := storage.ReadAll(ctx, provider.Bucket("canonical"), datasetPrefix+"/v1/collection.json")
	require.NoError(t, err)
	assert.JSONEq(t,
		`{"type":"Collection","links":[{"rel":"item","href":"i.json"}],"assets":{"a":{"href":"a.tif"}}}`,
		string(data))
}

func TestImporter_ImportAndWait(t *testing.T) {
	ctx := context.Background()
	st := setupStore(t)
	provider := storage.NewLocalProvider(newLogger(), t.TempDir())
	runKey := store.RunKey(datasetID, versionID)

	staging := provider.Bucket("staging")
	require.NoError(t, storage.PutBytes(ctx, staging, "x/catalog.json",
		[]byte(`{"type":"Catalog","links":[{"rel":"child","href":"./sub/c.json"}]}`), ""))
	require.NoError(t, storage.PutBytes(ctx, staging, "x/a.tif", []byte("a"), ""))
	require.NoError(t, storage.PutBytes(ctx, staging, "x/sub/b.tif", []byte("b"), ""))

	require.NoError(t, st.PutProcessingAssets(ctx, []store.ProcessingAsset{
		{PK: runKey, SK: store.AssetSortKey(store.KindMetadata, 0), Kind: store.KindMetadata,
			URL: "s3://staging/x/catalog.json", Filename: "catalog.json"},
		{PK: runKey, SK: store.AssetSortKey(store.KindData, 0), Kind: store.KindData,
			URL: "s3://staging/x/a.tif", Filename: "a.tif"},
		{PK: runKey, SK: store.AssetSortKey(store.KindData, 1), Kind: store.KindData, ItemIndex: 1,
			URL: "s3://staging/x/sub/b.tif", Filename: "b.tif"},
	}))

	imp, err := importer.New(newLogger(), &config.ImporterConfig{Concurrency: 2, MaxTaskAttempts: 2}, st, provider, "canonical")
	require.NoError(t, err)
	require.NoError(t, imp.Start(ctx))
	t.Cleanup(func() { _ = imp.Stop() })

	out, err := imp.Import(ctx, importer.Input{
		DatasetID:     datasetID,
		DatasetTitle:  "example",
		DatasetPrefix: datasetPrefix,
		VersionID:     versionID,
	})
	require.NoError(t, err)
	require.NotEmpty(t, out.AssetJobID)
	require.NotEmpty(t, out.MetadataJobID)

	waitCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	assetJob, err := imp.Wait(waitCtx, out.AssetJobID)
	require.NoError(t, err)
	assert.Equal(t, store.ImportJobComplete, assetJob.Status)
	assert.Equal(t, 2, assetJob.Total)
	assert.Equal(t, 2, assetJob.Succeeded)

	metadataJob, err := imp.Wait(waitCtx, out.MetadataJobID)
	require.NoError(t, err)
	assert.Equal(t, 1, metadataJob.Succeeded)

	canonical := provider.Bucket("canonical")

	for key, want := range map[string]string{
		datasetPrefix + "/" + versionID + "/a.tif": "a",
		datasetPrefix + "/" + versionID + "/b.tif": "b",
	} {
		data, err := storage.ReadAll(ctx, canonical, key)
		require.NoError(t, err)
		assert.Equal(t, want, string(data))
	}

	catalog, err := storage.ReadAll(ctx, canonical, datasetPrefix+"/"+versionID+"/catalog.json")
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"Catalog","links":[{"rel":"child","href":"c.json"}]}`, string(catalog))

	manifest, err := storage.ReadAll(ctx, canonical, importer.ManifestKey(versionID, importer.KindData))
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(string(manifest), "staging,"))

	reportData, err := storage.ReadAll(ctx, canonical, importer.ReportKey(versionID, importer.KindData))
	require.NoError(t, err)

	var report importer.Report
	require.NoError(t, json.Unmarshal(reportData, &report))
	assert.Equal(t, store.ImportJobComplete, report.Status)
	assert.Len(t, report.Results, 2)
}

func TestImporter_FailedJob(t *testing.T) {
	ctx := context.Background()
	st := setupStore(t)
	provider := storage.NewLocalProvider(newLogger(), t.TempDir())
	runKey := store.RunKey(datasetID, versionID)

	require.NoError(t, st.PutProcessingAssets(ctx, []store.ProcessingAsset{
		{PK: runKey, SK: store.AssetSortKey(store.KindData, 0), Kind: store.KindData,
			URL: "s3://staging/x/missing.tif", Filename: "missing.tif"},
	}))

	imp, err := importer.New(newLogger(), &config.ImporterConfig{Concurrency: 1, MaxTaskAttempts: 1}, st, provider, "canonical")
	require.NoError(t, err)
	require.NoError(t, imp.Start(ctx))
	t.Cleanup(func() { _ = imp.Stop() })

	out, err := imp.Import(ctx, importer.Input{
		DatasetID:     datasetID,
		DatasetPrefix: datasetPrefix,
		VersionID:     versionID,
	})
	require.NoError(t, err)

	waitCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	job, err := imp.Wait(waitCtx, out.AssetJobID)
	require.ErrorIs(t, err, importer.ErrJobFailed)
	require.NotNil(t, job)
	assert.Equal(t, store.ImportJobFailed, job.Status)
	assert.Equal(t, 1, job.Failed)
	assert.NotEmpty(t, job.FailureReasons)

	// An empty metadata manifest completes immediately.
	metadataJob, err := imp.Wait(waitCtx, out.MetadataJobID)
	require.NoError(t, err)
	assert.Equal(t, 0, metadataJob.Total)
}

func TestImporter_ResubmitReusesJobs(t *testing.T) {
	ctx := context.Background()
	st := setupStore(t)
	provider := storage.NewLocalProvider(newLogger(), t.TempDir())
	runKey := store.RunKey(datasetID, versionID)

	require.NoError(t, storage.PutBytes(ctx, provider.Bucket("staging"), "x/a.tif", []byte("a"), ""))
	require.NoError(t, st.PutProcessingAssets(ctx, []store.ProcessingAsset{
		{PK: runKey, SK: store.AssetSortKey(store.KindData, 0), Kind: store.KindData,
			URL: "s3://staging/x/a.tif", Filename: "a.tif"},
	}))

	// A data job left over from an earlier attempt whose metadata submit
	// failed.
	require.NoError(t, st.CreateImportJob(ctx, &store.ImportJob{
		ID:     "01HAAAAAAAAAAAAAAAAAAAAAAA",
		RunKey: runKey,
		Kind:   string(importer.KindData),
		Status: store.ImportJobComplete,
	}))

	imp, err := importer.New(newLogger(), &config.ImporterConfig{Concurrency: 1, MaxTaskAttempts: 1}, st, provider, "canonical")
	require.NoError(t, err)
	require.NoError(t, imp.Start(ctx))
	t.Cleanup(func() { _ = imp.Stop() })

	in := importer.Input{DatasetID: datasetID, DatasetPrefix: datasetPrefix, VersionID: versionID}

	first, err := imp.Import(ctx, in)
	require.NoError(t, err)
	assert.Equal(t, "01HAAAAAAAAAAAAAAAAAAAAAAA", first.AssetJobID)
	require.NotEmpty(t, first.MetadataJobID)

	second, err := imp.Import(ctx, in)
	require.NoError(t, err)
	assert.Equal(t, first, second)

	jobs, err := st.ListImportJobsByStatus(ctx,
		store.ImportJobNew, store.ImportJobActive, store.ImportJobComplete, store.ImportJobFailed)
	require.NoError(t, err)
	assert.Len(t, jobs, 2)
}

func TestImporter_ResubmitReplacesFailedJob(t *testing.T) {
	ctx := context.Background()
	st := setupStore(t)
	runKey := store.RunKey(datasetID, versionID)

	require.NoError(t, st.CreateImportJob(ctx, &store.ImportJob{
		ID:     "01HAAAAAAAAAAAAAAAAAAAAAAA",
		RunKey: runKey,
		Kind:   string(importer.KindData),
		Status: store.ImportJobFailed,
	}))

	imp, err := importer.New(newLogger(), &config.ImporterConfig{Concurrency: 1}, st,
		storage.NewLocalProvider(newLogger(), t.TempDir()), "canonical")
	require.NoError(t, err)
	require.NoError(t, imp.Start(ctx))
	t.Cleanup(func() { _ = imp.Stop() })

	out, err := imp.Import(ctx, importer.Input{DatasetID: datasetID, DatasetPrefix: datasetPrefix, VersionID: versionID})
	require.NoError(t, err)
	assert.NotEqual(t, "01HAAAAAAAAAAAAAAAAAAAAAAA", out.AssetJobID)
}

func TestImporter_StartFailsInterruptedJobs(t *testing.T) {
	ctx := context.Background()
	st := setupStore(t)

	require.NoError(t, st.CreateImportJob(ctx, &store.ImportJob{
		ID:     "01HAAAAAAAAAAAAAAAAAAAAAAA",
		RunKey: store.RunKey(datasetID, versionID),
		Kind:   string(importer.KindData),
		Status: store.ImportJobActive,
	}))

	imp, err := importer.New(newLogger(), &config.ImporterConfig{}, st, storage.NewLocalProvider(newLogger(), t.TempDir()), "canonical")
	require.NoError(t, err)
	require.NoError(t, imp.Start(ctx))
	t.Cleanup(func() { _ = imp.Stop() })

	job, err := st.GetImportJob(ctx, "01HAAAAAAAAAAAAAAAAAAAAAAA")
	require.NoError(t, err)
	assert.Equal(t, store.ImportJobFailed, job.Status)
	assert.NotNil(t, job.FinishedAt)
}
