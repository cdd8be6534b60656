package metrics

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestRecordRecords(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())

	m.RecordRecords("acme", "saved", 3)
	m.RecordRecords("acme", "saved", 2)
	m.RecordRecords("acme", "failed", 0)

	assert.Equal(t, 5.0, testutil.ToFloat64(m.recordsProcessedTotal.WithLabelValues("acme", "saved")))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.recordsProcessedTotal.WithLabelValues("acme", "failed")))
}

func TestRecordAcquireAndUsage(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())

	m.RecordAcquire("granted", 0)
	m.RecordAcquire("daily_exhausted", 0)
	m.RecordQuotaUsage(4, 120)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.upstreamAcquireTotal.WithLabelValues("granted")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.upstreamAcquireTotal.WithLabelValues("daily_exhausted")))
	assert.Equal(t, 4.0, testutil.ToFloat64(m.upstreamWindowInUse))
	assert.Equal(t, 120.0, testutil.ToFloat64(m.upstreamDailyUsed))
}

func TestRecordDBQuery(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())

	m.RecordDBQuery("insert", "transactions", 0.01, nil)
	m.RecordDBQuery("insert", "transactions", 0.01, errors.New("boom"))

	assert.Equal(t, 1.0, testutil.ToFloat64(m.dbOperationsTotal.WithLabelValues("insert", "success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.dbOperationsTotal.WithLabelValues("insert", "error")))
}

func TestHTTPMetricsMiddleware(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())

	h := HTTPMetricsMiddleware(m, "/api/v1/sync/{platform}")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusAccepted)
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/v1/sync/acme", nil))

	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.httpRequestsTotal.WithLabelValues("/api/v1/sync/{platform}", "POST", "2xx")))
}

func TestHTTPMetricsMiddleware_NilMetrics(t *testing.T) {
	h := HTTPMetricsMiddleware(nil, "/health")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestStatusCodeToString(t *testing.T) {
	assert.Equal(t, "2xx", statusCodeToString(204))
	assert.Equal(t, "3xx", statusCodeToString(302))
	assert.Equal(t, "4xx", statusCodeToString(429))
	assert.Equal(t, "5xx", statusCodeToString(503))
	assert.Equal(t, "unknown", statusCodeToString(0))
}
