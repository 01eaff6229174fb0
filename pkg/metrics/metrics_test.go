package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMiddleware_RecordsRoutePattern(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMiddleware("test")
	m.MustRegister(reg)

	r := chi.NewRouter()
	r.Use(m.Handler)
	r.Get("/datasets/{id}", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	})

	for range 2 {
		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/datasets/abc", nil))
		require.Equal(t, http.StatusTeapot, rec.Code)
	}

	got := testutil.ToFloat64(m.requests.WithLabelValues("418", http.MethodGet, "/datasets/{id}"))
	assert.InDelta(t, 2.0, got, 0.0001)
}

func TestCounters(t *testing.T) {
	before := testutil.ToFloat64(validationResultsTotalMetric.WithLabelValues("CHECKSUM", "FAILED"))

	IncreaseValidationResults("CHECKSUM", "FAILED")

	after := testutil.ToFloat64(validationResultsTotalMetric.WithLabelValues("CHECKSUM", "FAILED"))
	assert.InDelta(t, before+1, after, 0.0001)

	IncreaseExecutionsTotal("SUCCEEDED")
	assert.GreaterOrEqual(t, testutil.ToFloat64(executionsTotalMetric.WithLabelValues("SUCCEEDED")), 1.0)
}
