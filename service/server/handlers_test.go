package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/brojonat/affsync/service/db"
	"github.com/brojonat/affsync/service/metrics"
	"github.com/brojonat/affsync/service/status"
	"github.com/brojonat/affsync/service/temporal"
)

var day = time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(io.Discard, nil))
}

func seedStore(t *testing.T) *db.MemoryStore {
	t.Helper()
	store := db.NewMemoryStore()
	for i, tc := range []struct {
		platform, id string
		st           status.Status
	}{
		{"acme", "a-1", status.Approved},
		{"acme", "a-2", status.Pending},
		{"acme", "a-3", status.Rejected},
		{"globex", "g-1", status.Approved},
	} {
		store.PutTransaction(db.Transaction{
			Platform:         tc.platform,
			TransactionID:    tc.id,
			TransactionTime:  day.AddDate(0, 0, i),
			CommissionAmount: decimal.NewFromInt(int64(i + 1)),
			Currency:         "USD",
			Status:           tc.st,
			AccountRef:       tc.platform,
		})
	}

	ctx := context.Background()
	batch, err := store.BeginBatch(ctx)
	require.NoError(t, err)
	_, err = batch.InsertRejection(ctx, db.RejectionParams{
		Platform:         "acme",
		TransactionID:    "a-3",
		CommissionAmount: decimal.NewFromInt(3),
		RejectTime:       day.AddDate(0, 0, 2),
	})
	require.NoError(t, err)
	require.NoError(t, batch.Commit(ctx))
	return store
}

func newTestServer(t *testing.T) (*Server, *temporal.MockScheduler) {
	t.Helper()
	scheduler := temporal.NewMockScheduler()
	s := New(":0", seedStore(t), scheduler, []string{"globex", "acme"},
		metrics.NewMetrics(prometheus.NewRegistry()), quietLogger())
	return s, scheduler
}

func do(t *testing.T, h http.Handler, method, target, body string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, target, r)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	var decoded map[string]any
	if strings.HasPrefix(rec.Header().Get("Content-Type"), "application/json") {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &decoded))
	}
	return rec, decoded
}

func TestHealth(t *testing.T) {
	s, _ := newTestServer(t)
	rec, _ := do(t, s.Handler(), "GET", "/health", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "OK", rec.Body.String())
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestCORSPreflight(t *testing.T) {
	s, _ := newTestServer(t)
	rec, _ := do(t, s.Handler(), "OPTIONS", "/api/v1/sync/acme", "")
	assert.Equal(t, http.StatusNoContent, rec.Code)
}

func TestTriggerSync(t *testing.T) {
	tests := []struct {
		name       string
		platform   string
		body       string
		wantStatus int
		wantError  string
		check      func(t *testing.T, in temporal.SyncPlatformInput)
	}{
		{
			name:       "no body",
			platform:   "acme",
			wantStatus: http.StatusAccepted,
			check: func(t *testing.T, in temporal.SyncPlatformInput) {
				assert.Equal(t, "acme", in.Platform)
				assert.Nil(t, in.Start)
				assert.False(t, in.Force)
			},
		},
		{
			name:       "backfill",
			platform:   "globex",
			body:       `{"start":"2024-01-01","force":true,"account_ref":"main","user_ref":"u-1"}`,
			wantStatus: http.StatusAccepted,
			check: func(t *testing.T, in temporal.SyncPlatformInput) {
				require.NotNil(t, in.Start)
				assert.Equal(t, time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC), *in.Start)
				assert.True(t, in.Force)
				assert.Equal(t, "main", in.AccountRef)
				require.NotNil(t, in.UserRef)
				assert.Equal(t, "u-1", *in.UserRef)
			},
		},
		{
			name:       "rfc3339 start",
			platform:   "acme",
			body:       `{"start":"2024-01-01T08:00:00+08:00"}`,
			wantStatus: http.StatusAccepted,
			check: func(t *testing.T, in temporal.SyncPlatformInput) {
				require.NotNil(t, in.Start)
				assert.Equal(t, time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC), *in.Start)
			},
		},
		{"unknown platform", "initech", "", http.StatusNotFound, "unknown platform", nil},
		{"malformed body", "acme", `{"start":`, http.StatusBadRequest, "invalid request body", nil},
		{"bad start", "acme", `{"start":"yesterday"}`, http.StatusBadRequest, "invalid start", nil},
		{"force without start", "acme", `{"force":true}`, http.StatusBadRequest, "force requires start", nil},
		{"oversized body", "acme", `{"account_ref":"` + strings.Repeat("x", 1<<17) + `"}`, http.StatusBadRequest, "too large", nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, scheduler := newTestServer(t)
			rec, body := do(t, s.Handler(), "POST", "/api/v1/sync/"+tt.platform, tt.body)

			require.Equal(t, tt.wantStatus, rec.Code, rec.Body.String())
			if tt.wantError != "" {
				assert.Contains(t, body["error"], tt.wantError)
				assert.Empty(t, scheduler.Started())
				return
			}

			started := scheduler.Started()
			require.Len(t, started, 1)
			assert.Equal(t, "sync-"+tt.platform+"-manual-1", body["workflow_id"])
			tt.check(t, started[0])
		})
	}
}

func TestTriggerSync_StarterError(t *testing.T) {
	s, scheduler := newTestServer(t)
	scheduler.SetStartError(errors.New("temporal unavailable"))

	rec, body := do(t, s.Handler(), "POST", "/api/v1/sync/acme", "")
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, "failed to start sync", body["error"])
}

func TestListPlatforms(t *testing.T) {
	s, _ := newTestServer(t)
	rec, body := do(t, s.Handler(), "GET", "/api/v1/platforms", "")
	require.Equal(t, http.StatusOK, rec.Code)

	platforms := body["platforms"].([]any)
	require.Len(t, platforms, 2)
	first := platforms[0].(map[string]any)
	assert.Equal(t, "acme", first["name"])
	assert.Equal(t, "2024-05-03T00:00:00Z", first["watermark"])
}

func TestListTransactions(t *testing.T) {
	tests := []struct {
		name      string
		query     string
		wantCode  int
		wantIDs   []string
		wantError string
	}{
		{"all", "", http.StatusOK, []string{"g-1", "a-3", "a-2", "a-1"}, ""},
		{"by platform", "?platform=acme", http.StatusOK, []string{"a-3", "a-2", "a-1"}, ""},
		{"by status", "?status=approved", http.StatusOK, []string{"g-1", "a-1"}, ""},
		{"time range", "?start=2024-05-02&end=2024-05-04", http.StatusOK, []string{"a-3", "a-2"}, ""},
		{"paged", "?platform=acme&limit=1&offset=1", http.StatusOK, []string{"a-2"}, ""},
		{"empty", "?platform=initech", http.StatusOK, []string{}, ""},
		{"bad status", "?status=Effective", http.StatusBadRequest, nil, "invalid status"},
		{"bad start", "?start=soon", http.StatusBadRequest, nil, "invalid start"},
		{"inverted range", "?start=2024-05-04&end=2024-05-02", http.StatusBadRequest, nil, "end must not be before start"},
		{"bad limit", "?limit=abc", http.StatusBadRequest, nil, "invalid limit"},
		{"limit too large", "?limit=5000", http.StatusBadRequest, nil, "cannot exceed"},
		{"negative offset", "?offset=-1", http.StatusBadRequest, nil, "offset cannot be negative"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, _ := newTestServer(t)
			rec, body := do(t, s.Handler(), "GET", "/api/v1/transactions"+tt.query, "")
			require.Equal(t, tt.wantCode, rec.Code, rec.Body.String())

			if tt.wantError != "" {
				assert.Contains(t, body["error"], tt.wantError)
				return
			}

			ids := []string{}
			for _, item := range body["transactions"].([]any) {
				ids = append(ids, item.(map[string]any)["transaction_id"].(string))
			}
			assert.Equal(t, tt.wantIDs, ids)
			assert.Equal(t, float64(len(tt.wantIDs)), body["count"])
		})
	}
}

func TestGetTransaction(t *testing.T) {
	s, _ := newTestServer(t)

	rec, body := do(t, s.Handler(), "GET", "/api/v1/transactions/acme/a-2", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "pending", body["status"])
	assert.Equal(t, "2", body["commission_amount"])

	rec, body = do(t, s.Handler(), "GET", "/api/v1/transactions/acme/missing", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "transaction not found", body["error"])
}

func TestListRejections(t *testing.T) {
	s, _ := newTestServer(t)

	rec, body := do(t, s.Handler(), "GET", "/api/v1/rejections?platform=acme", "")
	require.Equal(t, http.StatusOK, rec.Code)
	rejections := body["rejections"].([]any)
	require.Len(t, rejections, 1)
	assert.Equal(t, "a-3", rejections[0].(map[string]any)["transaction_id"])

	rec, body = do(t, s.Handler(), "GET", "/api/v1/rejections?platform=globex", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, body["rejections"])

	rec, _ = do(t, s.Handler(), "GET", "/api/v1/rejections?include_stale=maybe", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestParseTimeParam(t *testing.T) {
	got, err := parseTimeParam("2024-05-01")
	require.NoError(t, err)
	assert.Equal(t, day, got)

	got, err = parseTimeParam("2024-05-01T10:00:00+02:00")
	require.NoError(t, err)
	assert.Equal(t, time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC), got)

	_, err = parseTimeParam("05/01/2024")
	assert.Error(t, err)
}
