package db

import (
	"context"
	"errors"
	"math/rand"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/brojonat/affsync/service/status"
)

func TestMergeCommission(t *testing.T) {
	d := decimal.RequireFromString
	tests := []struct {
		name     string
		stored   string
		incoming string
		want     string
	}{
		{"zero stored takes non-zero incoming", "0", "5", "5"},
		{"zero stored keeps zero incoming", "0", "0", "0"},
		{"larger incoming replaces", "5", "8.5", "8.5"},
		{"smaller incoming ignored", "8.5", "2", "8.5"},
		{"zero incoming ignored", "8.5", "0", "8.5"},
		{"equal keeps stored", "3.10", "3.1", "3.1"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := MergeCommission(d(tt.stored), d(tt.incoming))
			assert.True(t, d(tt.want).Equal(got), "want %s got %s", tt.want, got)
		})
	}
}

// Over any sequence of sightings the stored commission equals the running
// maximum and never decreases.
func TestMergeCommission_MonotonicOverRandomSequences(t *testing.T) {
	rng := rand.New(rand.NewSource(42))

	for run := 0; run < 200; run++ {
		stored := decimal.Zero
		max := decimal.Zero
		for i := 0; i < 20; i++ {
			var incoming decimal.Decimal
			if rng.Intn(4) > 0 {
				incoming = decimal.New(rng.Int63n(100000), -2)
			}
			next := MergeCommission(stored, incoming)
			require.True(t, next.GreaterThanOrEqual(stored))
			if incoming.GreaterThan(max) {
				max = incoming
			}
			stored = next
		}
		assert.True(t, max.Equal(stored))
	}
}

func TestMemoryStore_BatchVisibility(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryStore()
	now := time.Now().UTC()

	batch, err := m.BeginBatch(ctx)
	require.NoError(t, err)

	_, err = batch.InsertTransaction(ctx, testParams("tx-1", "5", status.Pending, now))
	require.NoError(t, err)

	_, err = m.GetTransaction(ctx, "acme", "tx-1")
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = batch.InsertTransaction(ctx, testParams("tx-1", "5", status.Pending, now))
	assert.ErrorIs(t, err, ErrDuplicate)

	require.NoError(t, batch.Commit(ctx))

	got, err := m.GetTransaction(ctx, "acme", "tx-1")
	require.NoError(t, err)
	assert.Equal(t, status.Pending, got.Status)
}

func TestMemoryStore_SavepointRollback(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryStore()
	now := time.Now().UTC()
	boom := errors.New("boom")

	batch, err := m.BeginBatch(ctx)
	require.NoError(t, err)

	require.NoError(t, batch.Savepoint(ctx, func(l Ledger) error {
		_, err := l.InsertTransaction(ctx, testParams("keep", "1", status.Pending, now))
		return err
	}))

	err = batch.Savepoint(ctx, func(l Ledger) error {
		if _, err := l.InsertTransaction(ctx, testParams("drop", "1", status.Pending, now)); err != nil {
			return err
		}
		return boom
	})
	assert.ErrorIs(t, err, boom)

	require.NoError(t, batch.Commit(ctx))

	_, err = m.GetTransaction(ctx, "acme", "keep")
	assert.NoError(t, err)
	_, err = m.GetTransaction(ctx, "acme", "drop")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryStore_RollbackDiscards(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryStore()

	batch, err := m.BeginBatch(ctx)
	require.NoError(t, err)
	_, err = batch.InsertTransaction(ctx, testParams("tx-1", "1", status.Pending, time.Now()))
	require.NoError(t, err)
	require.NoError(t, batch.Rollback(ctx))
	require.NoError(t, batch.Commit(ctx))

	_, err = m.GetTransaction(ctx, "acme", "tx-1")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryStore_UpdateAppliesCommissionRule(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryStore()
	now := time.Now().UTC()

	m.PutTransaction(Transaction{
		Platform:         "acme",
		TransactionID:    "tx-1",
		TransactionTime:  now,
		CommissionAmount: decimal.NewFromInt(10),
		Status:           status.Pending,
	})

	batch, err := m.BeginBatch(ctx)
	require.NoError(t, err)
	updated, err := batch.UpdateTransaction(ctx, testParams("tx-1", "4", status.Approved, now))
	require.NoError(t, err)
	assert.True(t, decimal.NewFromInt(10).Equal(updated.CommissionAmount))
	assert.Equal(t, status.Approved, updated.Status)
	require.NoError(t, batch.Commit(ctx))
}

func TestMemoryStore_Rejections(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryStore()
	now := time.Now().UTC()

	batch, err := m.BeginBatch(ctx)
	require.NoError(t, err)
	_, err = batch.InsertRejection(ctx, RejectionParams{Platform: "acme", TransactionID: "tx-1", RejectTime: now})
	require.NoError(t, err)
	require.NoError(t, batch.MarkRejectionStale(ctx, "acme", "tx-1"))
	require.NoError(t, batch.Commit(ctx))

	r, err := m.GetRejection(ctx, "acme", "tx-1")
	require.NoError(t, err)
	assert.True(t, r.Stale)

	batch, err = m.BeginBatch(ctx)
	require.NoError(t, err)
	require.NoError(t, batch.DeleteRejection(ctx, "acme", "tx-1"))
	_, err = batch.GetRejection(ctx, "acme", "tx-1")
	assert.ErrorIs(t, err, ErrNotFound)
	require.NoError(t, batch.Commit(ctx))

	_, err = m.GetRejection(ctx, "acme", "tx-1")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryStore_ListAndLatest(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryStore()
	base := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)

	for i, id := range []string{"a", "b", "c"} {
		m.PutTransaction(Transaction{Platform: "acme", TransactionID: id, TransactionTime: base.Add(time.Duration(i) * time.Hour), Status: status.Pending})
	}
	m.PutTransaction(Transaction{Platform: "other", TransactionID: "z", TransactionTime: base.Add(48 * time.Hour), Status: status.Approved})

	latest, err := m.LatestTransactionTime(ctx, "acme")
	require.NoError(t, err)
	require.NotNil(t, latest)
	assert.True(t, base.Add(2*time.Hour).Equal(*latest))

	rows, err := m.ListTransactions(ctx, ListTransactionsParams{Platform: "acme", Limit: 2})
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, "c", rows[0].TransactionID)
	assert.Equal(t, "b", rows[1].TransactionID)

	rows, err = m.ListTransactions(ctx, ListTransactionsParams{Status: status.Approved})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "z", rows[0].TransactionID)
}
