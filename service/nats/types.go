package nats

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/brojonat/affsync/service/reconcile"
	"github.com/brojonat/affsync/service/status"
)

// LedgerEvent is published to "ledger.{platform}" for every row a committed
// batch created or updated.
type LedgerEvent struct {
	RunID          string               `json:"run_id"`
	Platform       string               `json:"platform"`
	TransactionID  string               `json:"transaction_id"`
	Change         reconcile.ChangeKind `json:"change"`
	Status         status.Status        `json:"status"`
	PreviousStatus status.Status        `json:"previous_status,omitempty"`

	CommissionAmount decimal.Decimal `json:"commission_amount"`
	OrderAmount      decimal.Decimal `json:"order_amount"`
	Currency         string          `json:"currency"`
	Merchant         *string         `json:"merchant,omitempty"`
	AccountRef       string          `json:"account_ref"`

	TransactionTime time.Time `json:"transaction_time"`
	Rejected        bool      `json:"rejected"`
	PublishedAt     time.Time `json:"published_at"`
}

// Subject returns the subject the event is published to.
func (e *LedgerEvent) Subject() string {
	return SubjectForPlatform(e.Platform)
}

// MsgID is the JetStream de-duplication id. Replaying the same run does not
// publish the same change twice within the stream's duplicate window.
func (e *LedgerEvent) MsgID() string {
	return fmt.Sprintf("%s:%s:%s", e.RunID, e.Platform, e.TransactionID)
}

// SubjectForPlatform returns "ledger.{platform}".
func SubjectForPlatform(platform string) string {
	return fmt.Sprintf("%s.%s", SubjectPrefix, platform)
}

// FromChange converts a committed ledger change to an event.
func FromChange(runID string, c reconcile.Change) *LedgerEvent {
	t := c.Transaction
	return &LedgerEvent{
		RunID:            runID,
		Platform:         t.Platform,
		TransactionID:    t.TransactionID,
		Change:           c.Kind,
		Status:           t.Status,
		PreviousStatus:   c.PreviousStatus,
		CommissionAmount: t.CommissionAmount,
		OrderAmount:      t.OrderAmount,
		Currency:         t.Currency,
		Merchant:         t.Merchant,
		AccountRef:       t.AccountRef,
		TransactionTime:  t.TransactionTime,
		Rejected:         c.RejectionWritten,
		PublishedAt:      time.Now().UTC(),
	}
}
