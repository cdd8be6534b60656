package db

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/brojonat/affsync/service/metrics"
	"github.com/brojonat/affsync/service/status"
)

//go:embed schema.sql
var schemaSQL string

var (
	// ErrNotFound is returned when a row does not exist.
	ErrNotFound = errors.New("not found")

	// ErrDuplicate is returned when an insert collides with an existing natural key.
	ErrDuplicate = errors.New("duplicate key")
)

// Store provides ledger persistence on Postgres.
type Store struct {
	pool    *pgxpool.Pool
	metrics *metrics.Metrics
}

// NewStore creates a new Store with the given database connection pool.
// Metrics may be nil.
func NewStore(pool *pgxpool.Pool, m *metrics.Metrics) *Store {
	return &Store{
		pool:    pool,
		metrics: m,
	}
}

// Transaction is one row of the canonical ledger, keyed by (Platform, TransactionID).
type Transaction struct {
	Platform         string          `json:"platform"`
	TransactionID    string          `json:"transaction_id"`
	Merchant         *string         `json:"merchant,omitempty"`
	MerchantID       *string         `json:"merchant_id,omitempty"`
	TransactionTime  time.Time       `json:"transaction_time"`
	OrderAmount      decimal.Decimal `json:"order_amount"`
	CommissionAmount decimal.Decimal `json:"commission_amount"`
	Currency         string          `json:"currency"`
	Status           status.Status   `json:"status"`
	RawStatus        *string         `json:"raw_status,omitempty"`
	AccountRef       string          `json:"account_ref"`
	UserRef          *string         `json:"user_ref,omitempty"`
	CreatedAt        time.Time       `json:"created_at"`
	UpdatedAt        time.Time       `json:"updated_at"`
}

// TransactionParams carries every writable column of a ledger row.
type TransactionParams struct {
	Platform         string
	TransactionID    string
	Merchant         *string
	MerchantID       *string
	TransactionTime  time.Time
	OrderAmount      decimal.Decimal
	CommissionAmount decimal.Decimal
	Currency         string
	Status           status.Status
	RawStatus        *string
	AccountRef       string
	UserRef          *string
}

// Rejection is the audit row kept for transactions that were rejected.
type Rejection struct {
	Platform         string          `json:"platform"`
	TransactionID    string          `json:"transaction_id"`
	CommissionAmount decimal.Decimal `json:"commission_amount"`
	RejectReason     *string         `json:"reject_reason,omitempty"`
	RejectTime       time.Time       `json:"reject_time"`
	RawPayload       json.RawMessage `json:"raw_payload,omitempty"`
	Stale            bool            `json:"stale"`
	CreatedAt        time.Time       `json:"created_at"`
	UpdatedAt        time.Time       `json:"updated_at"`
}

// RejectionParams carries every writable column of a rejection row.
// Writes always clear the stale flag.
type RejectionParams struct {
	Platform         string
	TransactionID    string
	CommissionAmount decimal.Decimal
	RejectReason     *string
	RejectTime       time.Time
	RawPayload       json.RawMessage
}

// ListTransactionsParams filters ledger reads. Zero values are ignored.
type ListTransactionsParams struct {
	Platform string
	Status   status.Status
	Start    *time.Time
	End      *time.Time
	Limit    int32
	Offset   int32
}

// ListRejectionsParams filters rejection reads. Zero values are ignored.
type ListRejectionsParams struct {
	Platform     string
	IncludeStale bool
	Limit        int32
	Offset       int32
}

// MergeCommission is the ledger's commission rule: the incoming amount
// replaces the stored one only when the stored amount is zero and the
// incoming one is not, or when the incoming one is strictly larger.
// Stored commission therefore never decreases.
func MergeCommission(stored, incoming decimal.Decimal) decimal.Decimal {
	if stored.IsZero() && !incoming.IsZero() {
		return incoming
	}
	if incoming.GreaterThan(stored) {
		return incoming
	}
	return stored
}

// Migrate applies the embedded schema. It is idempotent.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}
	return nil
}

// GetTransaction reads a committed ledger row.
func (s *Store) GetTransaction(ctx context.Context, platform, transactionID string) (*Transaction, error) {
	return s.ledger(s.pool).GetTransaction(ctx, platform, transactionID)
}

// GetRejection reads a committed rejection row.
func (s *Store) GetRejection(ctx context.Context, platform, transactionID string) (*Rejection, error) {
	return s.ledger(s.pool).GetRejection(ctx, platform, transactionID)
}

// LatestTransactionTime returns the newest transaction_time stored for a
// platform, or nil when the platform has no rows yet.
func (s *Store) LatestTransactionTime(ctx context.Context, platform string) (*time.Time, error) {
	start := time.Now()
	var latest pgtype.Timestamptz
	err := s.pool.QueryRow(ctx,
		`SELECT max(transaction_time) FROM transactions WHERE platform = $1`,
		platform,
	).Scan(&latest)
	s.observe("latest_time", "transactions", start, err)
	if err != nil {
		return nil, fmt.Errorf("failed to query latest transaction time: %w", err)
	}
	return timePtrFromPgTimestamptz(latest), nil
}

// ListTransactions returns ledger rows, newest first.
func (s *Store) ListTransactions(ctx context.Context, params ListTransactionsParams) ([]*Transaction, error) {
	limit := params.Limit
	if limit <= 0 {
		limit = 100
	}

	start := time.Now()
	rows, err := s.pool.Query(ctx,
		`SELECT `+transactionColumns+` FROM transactions
		WHERE ($1::text = '' OR platform = $1)
		  AND ($2::text = '' OR status = $2)
		  AND ($3::timestamptz IS NULL OR transaction_time >= $3)
		  AND ($4::timestamptz IS NULL OR transaction_time < $4)
		ORDER BY transaction_time DESC, transaction_id
		LIMIT $5 OFFSET $6`,
		params.Platform,
		string(params.Status),
		pgTimestamptzFromTimePtr(params.Start),
		pgTimestamptzFromTimePtr(params.End),
		limit,
		params.Offset,
	)
	if err != nil {
		s.observe("list", "transactions", start, err)
		return nil, fmt.Errorf("failed to list transactions: %w", err)
	}
	defer rows.Close()

	var out []*Transaction
	for rows.Next() {
		t, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	err = rows.Err()
	s.observe("list", "transactions", start, err)
	if err != nil {
		return nil, fmt.Errorf("failed to list transactions: %w", err)
	}
	return out, nil
}

// ListRejections returns rejection rows, newest rejection first.
func (s *Store) ListRejections(ctx context.Context, params ListRejectionsParams) ([]*Rejection, error) {
	limit := params.Limit
	if limit <= 0 {
		limit = 100
	}

	start := time.Now()
	rows, err := s.pool.Query(ctx,
		`SELECT `+rejectionColumns+` FROM rejections
		WHERE ($1::text = '' OR platform = $1)
		  AND ($2::boolean OR NOT stale)
		ORDER BY reject_time DESC, transaction_id
		LIMIT $3 OFFSET $4`,
		params.Platform,
		params.IncludeStale,
		limit,
		params.Offset,
	)
	if err != nil {
		s.observe("list", "rejections", start, err)
		return nil, fmt.Errorf("failed to list rejections: %w", err)
	}
	defer rows.Close()

	var out []*Rejection
	for rows.Next() {
		r, err := scanRejection(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	err = rows.Err()
	s.observe("list", "rejections", start, err)
	if err != nil {
		return nil, fmt.Errorf("failed to list rejections: %w", err)
	}
	return out, nil
}

func (s *Store) observe(operation, table string, start time.Time, err error) {
	if s.metrics != nil {
		s.metrics.RecordDBQuery(operation, table, time.Since(start).Seconds(), err)
	}
}

// isUniqueViolation reports whether err is a Postgres unique_violation.
func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

func notFound(err error) bool {
	return errors.Is(err, pgx.ErrNoRows)
}

// Helper conversion functions

func pgtextFromStringPtr(s *string) pgtype.Text {
	if s == nil {
		return pgtype.Text{Valid: false}
	}
	return pgtype.Text{String: *s, Valid: true}
}

func stringPtrFromPgtext(t pgtype.Text) *string {
	if !t.Valid {
		return nil
	}
	return &t.String
}

func pgNumericFromDecimal(d decimal.Decimal) pgtype.Numeric {
	return pgtype.Numeric{Int: d.Coefficient(), Exp: d.Exponent(), Valid: true}
}

func decimalFromPgNumeric(n pgtype.Numeric) decimal.Decimal {
	if !n.Valid || n.Int == nil {
		return decimal.Zero
	}
	return decimal.NewFromBigInt(n.Int, n.Exp)
}

func pgTimestamptzFromTimePtr(t *time.Time) pgtype.Timestamptz {
	if t == nil {
		return pgtype.Timestamptz{Valid: false}
	}
	return pgtype.Timestamptz{Time: t.UTC(), Valid: true}
}

func timePtrFromPgTimestamptz(t pgtype.Timestamptz) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time.UTC()
	return &v
}

func payloadParam(p json.RawMessage) *string {
	if len(p) == 0 {
		return nil
	}
	s := string(p)
	return &s
}
