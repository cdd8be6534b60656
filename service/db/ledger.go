package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"

	"github.com/brojonat/affsync/service/status"
)

// Ledger is the set of row operations available on the two ledger tables.
type Ledger interface {
	GetTransaction(ctx context.Context, platform, transactionID string) (*Transaction, error)

	// InsertTransaction creates a row and returns ErrDuplicate when the
	// natural key already exists.
	InsertTransaction(ctx context.Context, p TransactionParams) (*Transaction, error)

	// UpdateTransaction overwrites every column of an existing row except
	// commission_amount, which follows MergeCommission. Returns ErrNotFound
	// when the row is missing.
	UpdateTransaction(ctx context.Context, p TransactionParams) (*Transaction, error)

	GetRejection(ctx context.Context, platform, transactionID string) (*Rejection, error)
	InsertRejection(ctx context.Context, p RejectionParams) (*Rejection, error)
	UpdateRejection(ctx context.Context, p RejectionParams) (*Rejection, error)
	DeleteRejection(ctx context.Context, platform, transactionID string) error
	MarkRejectionStale(ctx context.Context, platform, transactionID string) error
}

// Batch is a Ledger bound to one database transaction.
type Batch interface {
	Ledger

	// Savepoint runs fn inside a nested transaction. When fn returns an
	// error only the writes made inside fn are discarded.
	Savepoint(ctx context.Context, fn func(Ledger) error) error

	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
}

// BeginBatch opens a database transaction for a batch of ledger writes.
func (s *Store) BeginBatch(ctx context.Context) (Batch, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin batch: %w", err)
	}
	return &pgBatch{pgLedger: s.ledger(tx), tx: tx}, nil
}

type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type pgBatch struct {
	*pgLedger
	tx pgx.Tx
}

func (b *pgBatch) Savepoint(ctx context.Context, fn func(Ledger) error) error {
	nested, err := b.tx.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to create savepoint: %w", err)
	}
	if err := fn(b.store.ledger(nested)); err != nil {
		if rbErr := nested.Rollback(ctx); rbErr != nil {
			return fmt.Errorf("failed to roll back savepoint: %w (after %v)", rbErr, err)
		}
		return err
	}
	if err := nested.Commit(ctx); err != nil {
		return fmt.Errorf("failed to release savepoint: %w", err)
	}
	return nil
}

func (b *pgBatch) Commit(ctx context.Context) error {
	if err := b.tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit batch: %w", err)
	}
	return nil
}

func (b *pgBatch) Rollback(ctx context.Context) error {
	err := b.tx.Rollback(ctx)
	if err != nil && !errors.Is(err, pgx.ErrTxClosed) {
		return fmt.Errorf("failed to roll back batch: %w", err)
	}
	return nil
}

type pgLedger struct {
	store *Store
	q     querier
}

func (s *Store) ledger(q querier) *pgLedger {
	return &pgLedger{store: s, q: q}
}

const transactionColumns = `platform, transaction_id, merchant, merchant_id, transaction_time,
	order_amount, commission_amount, currency, status, raw_status, account_ref, user_ref,
	created_at, updated_at`

const rejectionColumns = `platform, transaction_id, commission_amount, reject_reason, reject_time,
	raw_payload, stale, created_at, updated_at`

func (l *pgLedger) GetTransaction(ctx context.Context, platform, transactionID string) (*Transaction, error) {
	start := time.Now()
	t, err := scanTransaction(l.q.QueryRow(ctx,
		`SELECT `+transactionColumns+` FROM transactions WHERE platform = $1 AND transaction_id = $2`,
		platform, transactionID,
	))
	if notFound(err) {
		l.store.observe("get", "transactions", start, nil)
		return nil, ErrNotFound
	}
	l.store.observe("get", "transactions", start, err)
	if err != nil {
		return nil, fmt.Errorf("failed to get transaction: %w", err)
	}
	return t, nil
}

func (l *pgLedger) InsertTransaction(ctx context.Context, p TransactionParams) (*Transaction, error) {
	start := time.Now()
	// ON CONFLICT DO NOTHING keeps the surrounding transaction usable when
	// a concurrent writer got there first.
	t, err := scanTransaction(l.q.QueryRow(ctx,
		`INSERT INTO transactions (
			platform, transaction_id, merchant, merchant_id, transaction_time,
			order_amount, commission_amount, currency, status, raw_status, account_ref, user_ref
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (platform, transaction_id) DO NOTHING
		RETURNING `+transactionColumns,
		p.Platform,
		p.TransactionID,
		pgtextFromStringPtr(p.Merchant),
		pgtextFromStringPtr(p.MerchantID),
		p.TransactionTime.UTC(),
		pgNumericFromDecimal(p.OrderAmount),
		pgNumericFromDecimal(p.CommissionAmount),
		p.Currency,
		string(p.Status),
		pgtextFromStringPtr(p.RawStatus),
		p.AccountRef,
		pgtextFromStringPtr(p.UserRef),
	))
	if notFound(err) || isUniqueViolation(err) {
		l.store.observe("insert", "transactions", start, nil)
		return nil, ErrDuplicate
	}
	l.store.observe("insert", "transactions", start, err)
	if err != nil {
		return nil, fmt.Errorf("failed to insert transaction: %w", err)
	}
	return t, nil
}

func (l *pgLedger) UpdateTransaction(ctx context.Context, p TransactionParams) (*Transaction, error) {
	start := time.Now()
	// The commission rule is evaluated against the locked row so racing
	// writers converge on the larger amount.
	t, err := scanTransaction(l.q.QueryRow(ctx,
		`UPDATE transactions SET
			merchant = $3,
			merchant_id = $4,
			transaction_time = $5,
			order_amount = $6,
			commission_amount = CASE
				WHEN commission_amount = 0 AND $7::numeric <> 0 THEN $7::numeric
				WHEN $7::numeric > commission_amount THEN $7::numeric
				ELSE commission_amount
			END,
			currency = $8,
			status = $9,
			raw_status = $10,
			account_ref = $11,
			user_ref = $12,
			updated_at = now()
		WHERE platform = $1 AND transaction_id = $2
		RETURNING `+transactionColumns,
		p.Platform,
		p.TransactionID,
		pgtextFromStringPtr(p.Merchant),
		pgtextFromStringPtr(p.MerchantID),
		p.TransactionTime.UTC(),
		pgNumericFromDecimal(p.OrderAmount),
		pgNumericFromDecimal(p.CommissionAmount),
		p.Currency,
		string(p.Status),
		pgtextFromStringPtr(p.RawStatus),
		p.AccountRef,
		pgtextFromStringPtr(p.UserRef),
	))
	if notFound(err) {
		l.store.observe("update", "transactions", start, nil)
		return nil, ErrNotFound
	}
	l.store.observe("update", "transactions", start, err)
	if err != nil {
		return nil, fmt.Errorf("failed to update transaction: %w", err)
	}
	return t, nil
}

func (l *pgLedger) GetRejection(ctx context.Context, platform, transactionID string) (*Rejection, error) {
	start := time.Now()
	r, err := scanRejection(l.q.QueryRow(ctx,
		`SELECT `+rejectionColumns+` FROM rejections WHERE platform = $1 AND transaction_id = $2`,
		platform, transactionID,
	))
	if notFound(err) {
		l.store.observe("get", "rejections", start, nil)
		return nil, ErrNotFound
	}
	l.store.observe("get", "rejections", start, err)
	if err != nil {
		return nil, fmt.Errorf("failed to get rejection: %w", err)
	}
	return r, nil
}

func (l *pgLedger) InsertRejection(ctx context.Context, p RejectionParams) (*Rejection, error) {
	start := time.Now()
	r, err := scanRejection(l.q.QueryRow(ctx,
		`INSERT INTO rejections (
			platform, transaction_id, commission_amount, reject_reason, reject_time, raw_payload
		) VALUES ($1, $2, $3, $4, $5, $6::jsonb)
		ON CONFLICT (platform, transaction_id) DO NOTHING
		RETURNING `+rejectionColumns,
		p.Platform,
		p.TransactionID,
		pgNumericFromDecimal(p.CommissionAmount),
		pgtextFromStringPtr(p.RejectReason),
		p.RejectTime.UTC(),
		payloadParam(p.RawPayload),
	))
	if notFound(err) || isUniqueViolation(err) {
		l.store.observe("insert", "rejections", start, nil)
		return nil, ErrDuplicate
	}
	l.store.observe("insert", "rejections", start, err)
	if err != nil {
		return nil, fmt.Errorf("failed to insert rejection: %w", err)
	}
	return r, nil
}

func (l *pgLedger) UpdateRejection(ctx context.Context, p RejectionParams) (*Rejection, error) {
	start := time.Now()
	r, err := scanRejection(l.q.QueryRow(ctx,
		`UPDATE rejections SET
			commission_amount = $3,
			reject_reason = $4,
			reject_time = $5,
			raw_payload = $6::jsonb,
			stale = false,
			updated_at = now()
		WHERE platform = $1 AND transaction_id = $2
		RETURNING `+rejectionColumns,
		p.Platform,
		p.TransactionID,
		pgNumericFromDecimal(p.CommissionAmount),
		pgtextFromStringPtr(p.RejectReason),
		p.RejectTime.UTC(),
		payloadParam(p.RawPayload),
	))
	if notFound(err) {
		l.store.observe("update", "rejections", start, nil)
		return nil, ErrNotFound
	}
	l.store.observe("update", "rejections", start, err)
	if err != nil {
		return nil, fmt.Errorf("failed to update rejection: %w", err)
	}
	return r, nil
}

func (l *pgLedger) DeleteRejection(ctx context.Context, platform, transactionID string) error {
	start := time.Now()
	_, err := l.q.Exec(ctx,
		`DELETE FROM rejections WHERE platform = $1 AND transaction_id = $2`,
		platform, transactionID,
	)
	l.store.observe("delete", "rejections", start, err)
	if err != nil {
		return fmt.Errorf("failed to delete rejection: %w", err)
	}
	return nil
}

func (l *pgLedger) MarkRejectionStale(ctx context.Context, platform, transactionID string) error {
	start := time.Now()
	_, err := l.q.Exec(ctx,
		`UPDATE rejections SET stale = true, updated_at = now()
		WHERE platform = $1 AND transaction_id = $2 AND NOT stale`,
		platform, transactionID,
	)
	l.store.observe("mark_stale", "rejections", start, err)
	if err != nil {
		return fmt.Errorf("failed to mark rejection stale: %w", err)
	}
	return nil
}

func scanTransaction(row pgx.Row) (*Transaction, error) {
	var (
		t                       Transaction
		merchant, merchantID    pgtype.Text
		rawStatus, userRef      pgtype.Text
		orderAmount, commAmount pgtype.Numeric
		st                      string
	)
	err := row.Scan(
		&t.Platform,
		&t.TransactionID,
		&merchant,
		&merchantID,
		&t.TransactionTime,
		&orderAmount,
		&commAmount,
		&t.Currency,
		&st,
		&rawStatus,
		&t.AccountRef,
		&userRef,
		&t.CreatedAt,
		&t.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	t.Merchant = stringPtrFromPgtext(merchant)
	t.MerchantID = stringPtrFromPgtext(merchantID)
	t.RawStatus = stringPtrFromPgtext(rawStatus)
	t.UserRef = stringPtrFromPgtext(userRef)
	t.OrderAmount = decimalFromPgNumeric(orderAmount)
	t.CommissionAmount = decimalFromPgNumeric(commAmount)
	t.Status = status.Status(st)
	t.TransactionTime = t.TransactionTime.UTC()
	return &t, nil
}

func scanRejection(row pgx.Row) (*Rejection, error) {
	var (
		r       Rejection
		reason  pgtype.Text
		amount  pgtype.Numeric
		payload []byte
	)
	err := row.Scan(
		&r.Platform,
		&r.TransactionID,
		&amount,
		&reason,
		&r.RejectTime,
		&payload,
		&r.Stale,
		&r.CreatedAt,
		&r.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	r.CommissionAmount = decimalFromPgNumeric(amount)
	r.RejectReason = stringPtrFromPgtext(reason)
	r.RejectTime = r.RejectTime.UTC()
	if len(payload) > 0 {
		r.RawPayload = payload
	}
	return &r, nil
}
