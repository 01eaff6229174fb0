package validation_test

import (
	"context"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ethpandaops/geostore/pkg/config"
	"github.com/ethpandaops/geostore/pkg/store"
	"github.com/ethpandaops/geostore/pkg/validation"
)

func setupTestStore(t *testing.T) store.Store {
	t.Helper()

	log := logrus.New()
	log.SetLevel(logrus.ErrorLevel)

	s := store.NewStore(log, &config.DatabaseConfig{
		Driver: "sqlite",
		SQLite: config.SQLiteDatabaseConfig{Path: ":memory:"},
	})
	require.NoError(t, s.Start(context.Background()))

	t.Cleanup(func() { _ = s.Stop() })

	return s
}

func TestSummarize(t *testing.T) {
	tests := []struct {
		name    string
		results []validation.Result
		want    bool
	}{
		{name: "no results", want: true},
		{name: "only passed", results: []validation.Result{validation.Passed, validation.Passed}, want: true},
		{name: "one failed", results: []validation.Result{validation.Passed, validation.Failed}, want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			st := setupTestStore(t)

			log := logrus.New()
			log.SetLevel(logrus.ErrorLevel)

			rec := validation.NewRecorder(log, st, store.RunKey("ds", "v1"))

			for i, res := range tt.results {
				url := "s3://staging/" + string(rune('a'+i)) + ".json"
				require.NoError(t, rec.Record(ctx, url, validation.CheckJSONSchema, res, nil))
			}

			summary, err := validation.Summarize(ctx, st, "ds", "v1")
			require.NoError(t, err)
			assert.Equal(t, tt.want, summary.Success)
		})
	}
}

func TestRecorder_Fail(t *testing.T) {
	ctx := context.Background()
	st := setupTestStore(t)

	log := logrus.New()
	log.SetLevel(logrus.ErrorLevel)

	rec := validation.NewRecorder(log, st, store.RunKey("ds", "v1"))
	require.NoError(t, rec.Fail(ctx, "s3://staging/a.tif", validation.CheckChecksum, "nope"))

	rows, err := st.ListValidationResults(ctx, rec.RunKey(), store.ResultFailed)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "CHECKSUM", rows[0].Check)
	assert.Equal(t, "nope", rows[0].Details["message"])
	assert.Equal(t, "CHECK#CHECKSUM#URL#s3://staging/a.tif", rows[0].SK)
}
