package client

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHealth(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/health", r.URL.Path)
		w.Write([]byte("OK"))
	}))
	defer server.Close()

	assert.NoError(t, NewClient(server.URL, nil, nil).Health(context.Background()))
}

func TestHealth_Unhealthy(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	err := NewClient(server.URL, nil, nil).Health(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "503")
}

func TestTriggerSync_Success(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "POST", r.Method)
		assert.Equal(t, "/api/v1/sync/acme", r.URL.Path)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))

		var body map[string]interface{}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "2024-01-01T00:00:00Z", body["start"])
		assert.Equal(t, true, body["force"])
		assert.Equal(t, "u-1", body["user_ref"])
		assert.NotContains(t, body, "account_ref")

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusAccepted)
		json.NewEncoder(w).Encode(map[string]string{"workflow_id": "sync-acme-manual-1"})
	}))
	defer server.Close()

	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	user := "u-1"
	id, err := NewClient(server.URL, nil, nil).TriggerSync(context.Background(), "acme", TriggerOptions{
		Start:   &start,
		Force:   true,
		UserRef: &user,
	})
	require.NoError(t, err)
	assert.Equal(t, "sync-acme-manual-1", id)
}

func TestTriggerSync_ServerError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusNotFound)
		json.NewEncoder(w).Encode(map[string]string{"error": `unknown platform "initech"`})
	}))
	defer server.Close()

	_, err := NewClient(server.URL, nil, nil).TriggerSync(context.Background(), "initech", TriggerOptions{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown platform")
}

func TestListTransactions(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/transactions", r.URL.Path)
		q := r.URL.Query()
		assert.Equal(t, "acme", q.Get("platform"))
		assert.Equal(t, "approved", q.Get("status"))
		assert.Equal(t, "2024-05-01T00:00:00Z", q.Get("start"))
		assert.Equal(t, "10", q.Get("limit"))
		assert.Empty(t, q.Get("offset"))

		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"transactions":[{"platform":"acme","transaction_id":"a-1","commission_amount":"12.50","status":"approved","transaction_time":"2024-05-02T08:00:00Z"}],"count":1}`))
	}))
	defer server.Close()

	start := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	txs, err := NewClient(server.URL, nil, nil).ListTransactions(context.Background(), ListOptions{
		Platform: "acme",
		Status:   "approved",
		Start:    &start,
		Limit:    10,
	})
	require.NoError(t, err)
	require.Len(t, txs, 1)
	assert.Equal(t, "a-1", txs[0].TransactionID)
	assert.Equal(t, "12.5", txs[0].CommissionAmount.String())
}

func TestGetTransaction_NotFound(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/transactions/acme/a%2F1", r.URL.EscapedPath())
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusNotFound)
		json.NewEncoder(w).Encode(map[string]string{"error": "transaction not found"})
	}))
	defer server.Close()

	_, err := NewClient(server.URL, nil, nil).GetTransaction(context.Background(), "acme", "a/1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "transaction not found")
}

func TestListRejections(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "true", r.URL.Query().Get("include_stale"))
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"rejections":[{"platform":"acme","transaction_id":"a-3","commission_amount":"3","stale":true}]}`))
	}))
	defer server.Close()

	rejs, err := NewClient(server.URL, nil, nil).ListRejections(context.Background(), "acme", true, 0, 0)
	require.NoError(t, err)
	require.Len(t, rejs, 1)
	assert.True(t, rejs[0].Stale)
}

func TestPlatforms_PlainTextError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		w.Write([]byte("bad gateway"))
	}))
	defer server.Close()

	_, err := NewClient(server.URL, nil, nil).Platforms(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 502: bad gateway")
}
