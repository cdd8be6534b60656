package db

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/brojonat/affsync/service/status"
)

func strPtr(s string) *string { return &s }

func testParams(id string, commission string, st status.Status, at time.Time) TransactionParams {
	return TransactionParams{
		Platform:         "acme",
		TransactionID:    id,
		Merchant:         strPtr("Shoe Shop"),
		MerchantID:       strPtr("m-1"),
		TransactionTime:  at,
		OrderAmount:      decimal.RequireFromString("120.50"),
		CommissionAmount: decimal.RequireFromString(commission),
		Currency:         "USD",
		Status:           st,
		RawStatus:        strPtr(string(st)),
		AccountRef:       "acct-1",
	}
}

func TestStore_InsertAndGetTransaction(t *testing.T) {
	SkipIfNoTestDB(t)

	store := NewTestStore(t)
	defer store.Close()
	defer store.Cleanup(t)

	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Microsecond)

	batch, err := store.BeginBatch(ctx)
	require.NoError(t, err)

	created, err := batch.InsertTransaction(ctx, testParams("tx-1", "7.25", status.Pending, now))
	require.NoError(t, err)
	assert.Equal(t, "tx-1", created.TransactionID)
	assert.True(t, decimal.RequireFromString("7.25").Equal(created.CommissionAmount))
	assert.True(t, decimal.RequireFromString("120.50").Equal(created.OrderAmount))
	assert.Equal(t, status.Pending, created.Status)

	_, err = batch.InsertTransaction(ctx, testParams("tx-1", "1", status.Pending, now))
	assert.ErrorIs(t, err, ErrDuplicate)

	// Uncommitted rows are invisible outside the batch.
	_, err = store.GetTransaction(ctx, "acme", "tx-1")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, batch.Commit(ctx))

	got, err := store.GetTransaction(ctx, "acme", "tx-1")
	require.NoError(t, err)
	assert.WithinDuration(t, now, got.TransactionTime, time.Microsecond)
	assert.Equal(t, "Shoe Shop", *got.Merchant)
	assert.Nil(t, got.UserRef)
}

func TestStore_UpdateTransactionCommissionIsMonotonic(t *testing.T) {
	SkipIfNoTestDB(t)

	store := NewTestStore(t)
	defer store.Close()
	defer store.Cleanup(t)

	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Microsecond)

	tests := []struct {
		name     string
		incoming string
		want     string
	}{
		{"larger replaces", "12", "12"},
		{"smaller is ignored", "3", "12"},
		{"zero is ignored", "0", "12"},
		{"equal keeps", "12", "12"},
	}

	batch, err := store.BeginBatch(ctx)
	require.NoError(t, err)
	_, err = batch.InsertTransaction(ctx, testParams("tx-1", "10", status.Pending, now))
	require.NoError(t, err)
	require.NoError(t, batch.Commit(ctx))

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			batch, err := store.BeginBatch(ctx)
			require.NoError(t, err)
			defer batch.Rollback(ctx)

			updated, err := batch.UpdateTransaction(ctx, testParams("tx-1", tt.incoming, status.Approved, now))
			require.NoError(t, err)
			assert.True(t, decimal.RequireFromString(tt.want).Equal(updated.CommissionAmount),
				"want %s got %s", tt.want, updated.CommissionAmount)
			assert.Equal(t, status.Approved, updated.Status)
			require.NoError(t, batch.Commit(ctx))
		})
	}

	_, err = func() (*Transaction, error) {
		batch, err := store.BeginBatch(ctx)
		require.NoError(t, err)
		defer batch.Rollback(ctx)
		return batch.UpdateTransaction(ctx, testParams("missing", "1", status.Pending, now))
	}()
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestStore_SavepointRollsBackOnlyItsWrites(t *testing.T) {
	SkipIfNoTestDB(t)

	store := NewTestStore(t)
	defer store.Close()
	defer store.Cleanup(t)

	ctx := context.Background()
	now := time.Now().UTC()

	batch, err := store.BeginBatch(ctx)
	require.NoError(t, err)

	err = batch.Savepoint(ctx, func(l Ledger) error {
		_, err := l.InsertTransaction(ctx, testParams("keep", "1", status.Pending, now))
		return err
	})
	require.NoError(t, err)

	err = batch.Savepoint(ctx, func(l Ledger) error {
		_, err := l.InsertTransaction(ctx, testParams("drop", "1", status.Pending, now))
		require.NoError(t, err)
		// Violates the order_amount check constraint.
		bad := testParams("bad", "1", status.Pending, now)
		bad.OrderAmount = decimal.NewFromInt(-1)
		_, err = l.InsertTransaction(ctx, bad)
		return err
	})
	require.Error(t, err)

	require.NoError(t, batch.Commit(ctx))

	_, err = store.GetTransaction(ctx, "acme", "keep")
	assert.NoError(t, err)
	_, err = store.GetTransaction(ctx, "acme", "drop")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestStore_Rejections(t *testing.T) {
	SkipIfNoTestDB(t)

	store := NewTestStore(t)
	defer store.Close()
	defer store.Cleanup(t)

	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Microsecond)
	payload := json.RawMessage(`{"id":"tx-9","status":"Expired"}`)

	batch, err := store.BeginBatch(ctx)
	require.NoError(t, err)

	r, err := batch.InsertRejection(ctx, RejectionParams{
		Platform:         "acme",
		TransactionID:    "tx-9",
		CommissionAmount: decimal.RequireFromString("4.10"),
		RejectReason:     strPtr("expired"),
		RejectTime:       now,
		RawPayload:       payload,
	})
	require.NoError(t, err)
	assert.False(t, r.Stale)
	assert.JSONEq(t, string(payload), string(r.RawPayload))

	_, err = batch.InsertRejection(ctx, RejectionParams{Platform: "acme", TransactionID: "tx-9", RejectTime: now})
	assert.ErrorIs(t, err, ErrDuplicate)

	require.NoError(t, batch.MarkRejectionStale(ctx, "acme", "tx-9"))
	require.NoError(t, batch.Commit(ctx))

	visible, err := store.ListRejections(ctx, ListRejectionsParams{Platform: "acme"})
	require.NoError(t, err)
	assert.Empty(t, visible)

	all, err := store.ListRejections(ctx, ListRejectionsParams{Platform: "acme", IncludeStale: true})
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.True(t, all[0].Stale)

	batch, err = store.BeginBatch(ctx)
	require.NoError(t, err)
	updated, err := batch.UpdateRejection(ctx, RejectionParams{
		Platform:         "acme",
		TransactionID:    "tx-9",
		CommissionAmount: decimal.RequireFromString("4.10"),
		RejectTime:       now,
	})
	require.NoError(t, err)
	assert.False(t, updated.Stale)
	assert.Nil(t, updated.RawPayload)

	require.NoError(t, batch.DeleteRejection(ctx, "acme", "tx-9"))
	require.NoError(t, batch.Commit(ctx))

	_, err = store.GetRejection(ctx, "acme", "tx-9")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestStore_LatestTransactionTimeAndList(t *testing.T) {
	SkipIfNoTestDB(t)

	store := NewTestStore(t)
	defer store.Close()
	defer store.Cleanup(t)

	ctx := context.Background()
	base := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	latest, err := store.LatestTransactionTime(ctx, "acme")
	require.NoError(t, err)
	assert.Nil(t, latest)

	batch, err := store.BeginBatch(ctx)
	require.NoError(t, err)
	for i, st := range []status.Status{status.Pending, status.Approved, status.Rejected} {
		_, err := batch.InsertTransaction(ctx, testParams(
			"tx-"+string(rune('a'+i)), "1", st, base.Add(time.Duration(i)*time.Hour)))
		require.NoError(t, err)
	}
	require.NoError(t, batch.Commit(ctx))

	latest, err = store.LatestTransactionTime(ctx, "acme")
	require.NoError(t, err)
	require.NotNil(t, latest)
	assert.True(t, base.Add(2*time.Hour).Equal(*latest))

	other, err := store.LatestTransactionTime(ctx, "other")
	require.NoError(t, err)
	assert.Nil(t, other)

	rows, err := store.ListTransactions(ctx, ListTransactionsParams{Platform: "acme"})
	require.NoError(t, err)
	require.Len(t, rows, 3)
	assert.Equal(t, "tx-c", rows[0].TransactionID)

	approved, err := store.ListTransactions(ctx, ListTransactionsParams{Status: status.Approved})
	require.NoError(t, err)
	require.Len(t, approved, 1)
	assert.Equal(t, "tx-b", approved[0].TransactionID)

	start := base.Add(30 * time.Minute)
	ranged, err := store.ListTransactions(ctx, ListTransactionsParams{Platform: "acme", Start: &start, Limit: 1})
	require.NoError(t, err)
	require.Len(t, ranged, 1)
	assert.Equal(t, "tx-c", ranged[0].TransactionID)
}
