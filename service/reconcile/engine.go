// Package reconcile merges raw platform records into the canonical ledger.
//
// Every record is keyed by (platform, transaction_id). Repeated sightings
// update the existing row in place; commission only ever grows. Records whose
// normalized status is rejected also get a row in the rejection sub-ledger.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/brojonat/affsync/service/db"
	"github.com/brojonat/affsync/service/metrics"
	"github.com/brojonat/affsync/service/status"
)

var (
	// ErrMalformedRecord marks a record that cannot be written at all.
	ErrMalformedRecord = errors.New("malformed record")

	// ErrWriteConflict marks a record that lost a race and could not be
	// re-read for the update path.
	ErrWriteConflict = errors.New("write conflict")
)

// RejectionPolicy decides what happens to a rejection row when its
// transaction later moves out of the rejected state.
type RejectionPolicy string

const (
	RejectionKeep   RejectionPolicy = "keep"
	RejectionDelete RejectionPolicy = "delete"
	RejectionFlag   RejectionPolicy = "flag"
)

// ParseRejectionPolicy validates a policy name. Empty means keep.
func ParseRejectionPolicy(s string) (RejectionPolicy, error) {
	switch p := RejectionPolicy(strings.ToLower(strings.TrimSpace(s))); p {
	case "":
		return RejectionKeep, nil
	case RejectionKeep, RejectionDelete, RejectionFlag:
		return p, nil
	}
	return "", fmt.Errorf("invalid rejection policy %q (want keep, delete or flag)", s)
}

// StoreInterface is the persistence the engine needs.
type StoreInterface interface {
	BeginBatch(ctx context.Context) (db.Batch, error)
}

// Config tunes the engine.
type Config struct {
	RejectionPolicy RejectionPolicy

	// SourceLocation is applied to timestamps that carry no zone. Defaults to UTC.
	SourceLocation *time.Location

	// Now is used when a timestamp cannot be parsed. Defaults to time.Now.
	Now func() time.Time
}

// ChangeKind tells whether a record created or updated its ledger row.
type ChangeKind string

const (
	ChangeCreated ChangeKind = "created"
	ChangeUpdated ChangeKind = "updated"
)

// Change describes the ledger row a record produced.
type Change struct {
	Kind             ChangeKind
	Transaction      *db.Transaction
	PreviousStatus   status.Status
	RejectionWritten bool
}

// BatchResult counts what happened to each record in a batch.
type BatchResult struct {
	Saved         int
	Updated       int
	Rejected      int
	Malformed     int
	Failed        int
	Total         int
	TimeFallbacks int
	Changes       []Change
}

// Add folds another result into r.
func (r *BatchResult) Add(o *BatchResult) {
	if o == nil {
		return
	}
	r.Saved += o.Saved
	r.Updated += o.Updated
	r.Rejected += o.Rejected
	r.Malformed += o.Malformed
	r.Failed += o.Failed
	r.Total += o.Total
	r.TimeFallbacks += o.TimeFallbacks
}

// Engine performs idempotent ledger upserts.
type Engine struct {
	store   StoreInterface
	cfg     Config
	metrics *metrics.Metrics
	logger  *slog.Logger
}

// NewEngine creates an Engine.
func NewEngine(store StoreInterface, cfg Config, m *metrics.Metrics, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.RejectionPolicy == "" {
		cfg.RejectionPolicy = RejectionKeep
	}
	if cfg.SourceLocation == nil {
		cfg.SourceLocation = time.UTC
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Engine{
		store:   store,
		cfg:     cfg,
		metrics: m,
		logger:  logger,
	}
}

// record is a validated, normalized input ready to be written.
type record struct {
	tx           db.TransactionParams
	rejectReason *string
	rejectTime   time.Time
	raw          RawTransactionInput
	timeFallback bool
}

// Upsert writes one record in its own database transaction and returns the
// resulting ledger row and whether it was newly created.
func (e *Engine) Upsert(ctx context.Context, in RawTransactionInput, platform, accountRef string, userRef *string) (*db.Transaction, bool, error) {
	rec, err := e.prepare(ctx, in, platform, accountRef, userRef)
	if err != nil {
		return nil, false, err
	}

	batch, err := e.store.BeginBatch(ctx)
	if err != nil {
		return nil, false, err
	}
	defer batch.Rollback(context.WithoutCancel(ctx))

	change, err := e.apply(ctx, batch, rec)
	if err != nil {
		return nil, false, err
	}
	if err := batch.Commit(ctx); err != nil {
		return nil, false, err
	}
	return change.Transaction, change.Kind == ChangeCreated, nil
}

// BatchUpsert writes records in one database transaction. Each record runs
// inside a savepoint so a failure affects only that record. Malformed records
// are skipped. Cancellation of ctx is ignored until the batch commits.
func (e *Engine) BatchUpsert(ctx context.Context, records []RawTransactionInput, platform, accountRef string, userRef *string) (*BatchResult, error) {
	ctx = context.WithoutCancel(ctx)
	res := &BatchResult{}

	batch, err := e.store.BeginBatch(ctx)
	if err != nil {
		return nil, err
	}
	defer batch.Rollback(ctx)

	for _, in := range records {
		res.Total++

		rec, err := e.prepare(ctx, in, platform, accountRef, userRef)
		if err != nil {
			res.Malformed++
			e.logger.WarnContext(ctx, "skipping malformed record",
				"platform", platform,
				"transaction_id", in.TransactionID,
				"error", err,
			)
			continue
		}
		if rec.timeFallback {
			res.TimeFallbacks++
		}

		var change Change
		err = batch.Savepoint(ctx, func(l db.Ledger) error {
			var applyErr error
			change, applyErr = e.apply(ctx, l, rec)
			return applyErr
		})
		if err != nil {
			res.Failed++
			e.logger.ErrorContext(ctx, "failed to upsert record",
				"platform", platform,
				"transaction_id", rec.tx.TransactionID,
				"error", err,
			)
			continue
		}

		switch change.Kind {
		case ChangeCreated:
			res.Saved++
		case ChangeUpdated:
			res.Updated++
		}
		if change.RejectionWritten {
			res.Rejected++
		}
		res.Changes = append(res.Changes, change)
	}

	if err := batch.Commit(ctx); err != nil {
		e.recordFailure(platform, res.Total)
		return nil, err
	}

	if e.metrics != nil {
		e.metrics.RecordRecords(platform, "saved", res.Saved)
		e.metrics.RecordRecords(platform, "updated", res.Updated)
		e.metrics.RecordRecords(platform, "rejected", res.Rejected)
		e.metrics.RecordRecords(platform, "malformed", res.Malformed)
		e.metrics.RecordRecords(platform, "failed", res.Failed)
	}

	e.logger.InfoContext(ctx, "batch committed",
		"platform", platform,
		"total", res.Total,
		"saved", res.Saved,
		"updated", res.Updated,
		"rejected", res.Rejected,
		"malformed", res.Malformed,
		"failed", res.Failed,
	)

	return res, nil
}

func (e *Engine) recordFailure(platform string, n int) {
	if e.metrics != nil {
		e.metrics.RecordRecords(platform, "failed", n)
	}
}

// prepare validates and normalizes one input.
func (e *Engine) prepare(ctx context.Context, in RawTransactionInput, platform, accountRef string, userRef *string) (record, error) {
	id := strings.TrimSpace(in.TransactionID)
	if id == "" {
		return record{}, fmt.Errorf("%w: missing transaction id", ErrMalformedRecord)
	}

	orderAmount, err := ParseAmount(in.OrderAmount)
	if err != nil {
		return record{}, fmt.Errorf("%w: order amount: %v", ErrMalformedRecord, err)
	}
	commission, err := ParseAmount(in.CommissionAmount)
	if err != nil {
		return record{}, fmt.Errorf("%w: commission amount: %v", ErrMalformedRecord, err)
	}

	rec := record{raw: in}

	txTime, _, err := ParseTime(in.TransactionTime, e.cfg.SourceLocation)
	if err != nil {
		txTime = e.cfg.Now().UTC()
		rec.timeFallback = true
		e.logger.WarnContext(ctx, "unparseable transaction time, using now",
			"platform", platform,
			"transaction_id", id,
			"transaction_time", in.TransactionTime,
		)
		if e.metrics != nil {
			e.metrics.RecordTimeFallback(platform)
		}
	}

	if strings.TrimSpace(in.Status) != "" && !status.Known(in.Status) {
		e.logger.DebugContext(ctx, "unknown platform status, treating as pending",
			"platform", platform,
			"transaction_id", id,
			"raw_status", in.Status,
		)
		if e.metrics != nil {
			e.metrics.RecordUnknownStatus(platform)
		}
	}

	currency := strings.ToUpper(strings.TrimSpace(in.Currency))
	if currency == "" {
		currency = "USD"
	}

	rec.tx = db.TransactionParams{
		Platform:         platform,
		TransactionID:    id,
		Merchant:         optional(in.Merchant),
		MerchantID:       optional(in.MerchantID),
		TransactionTime:  txTime,
		OrderAmount:      orderAmount,
		CommissionAmount: commission,
		Currency:         currency,
		Status:           status.Normalize(in.Status),
		RawStatus:        optional(in.Status),
		AccountRef:       accountRef,
		UserRef:          userRef,
	}

	rec.rejectReason = optional(in.RejectReason)
	rec.rejectTime = txTime
	if strings.TrimSpace(in.RejectTime) != "" {
		if t, _, err := ParseTime(in.RejectTime, e.cfg.SourceLocation); err == nil {
			rec.rejectTime = t
		}
	}

	return rec, nil
}

// apply runs the read, insert-or-update and rejection steps for one record.
func (e *Engine) apply(ctx context.Context, l db.Ledger, rec record) (Change, error) {
	p := rec.tx
	change := Change{}

	existing, err := l.GetTransaction(ctx, p.Platform, p.TransactionID)
	switch {
	case errors.Is(err, db.ErrNotFound):
		created, insErr := l.InsertTransaction(ctx, p)
		if insErr == nil {
			change.Kind = ChangeCreated
			change.Transaction = created
			break
		}
		if !errors.Is(insErr, db.ErrDuplicate) {
			return Change{}, insErr
		}
		// Lost the insert race; re-read once and take the update path.
		existing, err = l.GetTransaction(ctx, p.Platform, p.TransactionID)
		if err != nil {
			return Change{}, fmt.Errorf("%w: re-read after duplicate insert: %v", ErrWriteConflict, err)
		}
	case err != nil:
		return Change{}, err
	}

	if change.Transaction == nil {
		change.Kind = ChangeUpdated
		change.PreviousStatus = existing.Status
		updated, err := l.UpdateTransaction(ctx, p)
		if errors.Is(err, db.ErrNotFound) {
			return Change{}, fmt.Errorf("%w: row vanished before update", ErrWriteConflict)
		}
		if err != nil {
			return Change{}, err
		}
		change.Transaction = updated
	}

	if change.Transaction.Status == status.Rejected {
		if err := e.upsertRejection(ctx, l, rec, change.Transaction); err != nil {
			return Change{}, err
		}
		change.RejectionWritten = true
		return change, nil
	}

	if change.PreviousStatus == status.Rejected {
		if err := e.applyRejectionPolicy(ctx, l, p); err != nil {
			return Change{}, err
		}
	}
	return change, nil
}

// upsertRejection snapshots the ledger row's merged commission into the
// rejection sub-ledger, using the same read-insert-reread discipline.
func (e *Engine) upsertRejection(ctx context.Context, l db.Ledger, rec record, t *db.Transaction) error {
	p := db.RejectionParams{
		Platform:         t.Platform,
		TransactionID:    t.TransactionID,
		CommissionAmount: t.CommissionAmount,
		RejectReason:     rec.rejectReason,
		RejectTime:       rec.rejectTime,
		RawPayload:       rec.raw.RawPayload,
	}

	_, err := l.GetRejection(ctx, p.Platform, p.TransactionID)
	if errors.Is(err, db.ErrNotFound) {
		_, err = l.InsertRejection(ctx, p)
		if err == nil {
			return nil
		}
		if !errors.Is(err, db.ErrDuplicate) {
			return err
		}
		if _, err := l.GetRejection(ctx, p.Platform, p.TransactionID); err != nil {
			return fmt.Errorf("%w: re-read rejection after duplicate insert: %v", ErrWriteConflict, err)
		}
	} else if err != nil {
		return err
	}

	if _, err := l.UpdateRejection(ctx, p); err != nil {
		if errors.Is(err, db.ErrNotFound) {
			return fmt.Errorf("%w: rejection vanished before update", ErrWriteConflict)
		}
		return err
	}
	return nil
}

func (e *Engine) applyRejectionPolicy(ctx context.Context, l db.Ledger, p db.TransactionParams) error {
	switch e.cfg.RejectionPolicy {
	case RejectionDelete:
		e.logger.InfoContext(ctx, "transaction left rejected state, deleting rejection",
			"platform", p.Platform, "transaction_id", p.TransactionID, "status", p.Status)
		return l.DeleteRejection(ctx, p.Platform, p.TransactionID)
	case RejectionFlag:
		e.logger.InfoContext(ctx, "transaction left rejected state, flagging rejection stale",
			"platform", p.Platform, "transaction_id", p.TransactionID, "status", p.Status)
		return l.MarkRejectionStale(ctx, p.Platform, p.TransactionID)
	default:
		return nil
	}
}
