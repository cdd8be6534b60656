// Package status collapses the status vocabulary of every affiliate platform
// into the three canonical ledger states.
package status

import (
	"fmt"
	"strings"
)

// Status is the canonical state of a ledger transaction.
type Status string

const (
	Approved Status = "approved"
	Pending  Status = "pending"
	Rejected Status = "rejected"
)

// All lists the canonical states in display order.
var All = []Status{Approved, Pending, Rejected}

func (s Status) String() string { return string(s) }

// vocabulary maps a normalized platform string to its canonical state.
// Keys are lowercase with runs of spaces, dashes and underscores folded to a
// single space.
var vocabulary = map[string]Status{
	// approved
	"approved":  Approved,
	"approve":   Approved,
	"confirmed": Approved,
	"locked":    Approved,
	"paid":      Approved,
	"settled":   Approved,
	"effective": Approved,
	"accepted":  Approved,
	"complete":  Approved,
	"completed": Approved,
	"closed":    Approved,
	"payable":   Approved,
	"valid":     Approved,
	"validated": Approved,
	"finalized": Approved,
	"final":     Approved,
	"cleared":   Approved,
	"invoiced":  Approved,
	"extended":  Approved,

	// pending
	"pending":               Pending,
	"processing":            Pending,
	"process":               Pending,
	"under review":          Pending,
	"in review":             Pending,
	"review":                Pending,
	"waiting":               Pending,
	"waiting payment":       Pending,
	"untreated":             Pending,
	"preliminary effective": Pending,
	"new":                   Pending,
	"open":                  Pending,
	"on hold":               Pending,
	"hold":                  Pending,
	"unconfirmed":           Pending,
	"unverified":            Pending,
	"locking":               Pending,
	"not paid":              Pending,

	// rejected
	"rejected":            Rejected,
	"reject":              Rejected,
	"declined":            Rejected,
	"reversed":            Rejected,
	"invalid":             Rejected,
	"adjusted":            Rejected,
	"cancelled":           Rejected,
	"canceled":            Rejected,
	"cancel":              Rejected,
	"voided":              Rejected,
	"void":                Rejected,
	"expired":             Rejected,
	"preliminary expired": Rejected,
	"denied":              Rejected,
	"refunded":            Rejected,
	"returned":            Rejected,
	"chargeback":          Rejected,
	"fraud":               Rejected,
	"deleted":             Rejected,
	"ineffective":         Rejected,
	"disapproved":         Rejected,
}

// Normalize maps a raw platform status to a canonical state. Lookup is exact
// after trimming, lowercasing and folding separators. Empty and unrecognized
// strings map to Pending.
func Normalize(raw string) Status {
	if s, ok := vocabulary[fold(raw)]; ok {
		return s
	}
	return Pending
}

// Known reports whether raw has an explicit entry in the vocabulary.
func Known(raw string) bool {
	_, ok := vocabulary[fold(raw)]
	return ok
}

// Parse converts a canonical state string, as stored in the ledger, back to a
// Status. Unlike Normalize it rejects anything that is not canonical.
func Parse(s string) (Status, error) {
	switch Status(s) {
	case Approved, Pending, Rejected:
		return Status(s), nil
	}
	return "", fmt.Errorf("invalid status %q", s)
}

func fold(raw string) string {
	fields := strings.FieldsFunc(strings.ToLower(raw), func(r rune) bool {
		return r == ' ' || r == '_' || r == '-' || r == '\t'
	})
	return strings.Join(fields, " ")
}
