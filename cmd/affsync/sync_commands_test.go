package main

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSyncOptions(t *testing.T) {
	tests := []struct {
		name      string
		start     string
		force     bool
		wantStart *time.Time
		wantErr   string
	}{
		{name: "empty"},
		{name: "date", start: "2024-03-01", wantStart: ptrTime(time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC))},
		{name: "rfc3339 converted to utc", start: "2024-03-01T02:00:00+02:00", force: true, wantStart: ptrTime(time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC))},
		{name: "force needs start", force: true, wantErr: "--force requires --start"},
		{name: "garbage", start: "last week", wantErr: "invalid time"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			opts, err := syncOptions(tt.start, tt.force)
			if tt.wantErr != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.force, opts.Force)
			assert.Equal(t, tt.wantStart, opts.Start)
		})
	}
}

func TestTransactionParams(t *testing.T) {
	params, err := transactionParams("acme", "pending", "2024-05-01T00:00:00Z", 25)
	require.NoError(t, err)
	assert.Equal(t, "acme", params.Platform)
	assert.Equal(t, "pending", params.Status.String())
	assert.Equal(t, int32(25), params.Limit)
	require.NotNil(t, params.Start)

	_, err = transactionParams("", "Effective", "", 10)
	assert.Error(t, err)

	_, err = transactionParams("", "", "yesterday", 10)
	assert.ErrorContains(t, err, "RFC3339")
}

func TestNormalizeCommand(t *testing.T) {
	out, err := runApp(t, "--json", "status", "normalize", "Effective", "declined", "whatever")
	require.NoError(t, err)

	var rows []struct {
		Raw    string `json:"raw"`
		Status string `json:"status"`
		Known  bool   `json:"known"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &rows))
	require.Len(t, rows, 3)

	assert.Equal(t, "approved", rows[0].Status)
	assert.True(t, rows[0].Known)
	assert.Equal(t, "rejected", rows[1].Status)
	assert.Equal(t, "pending", rows[2].Status)
	assert.False(t, rows[2].Known)
}

func TestNormalizeCommand_RequiresArgs(t *testing.T) {
	_, err := runApp(t, "status", "normalize")
	assert.Error(t, err)
}

func ptrTime(t time.Time) *time.Time { return &t }
