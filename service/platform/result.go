// Package platform adapts affiliate platform APIs to the ledger's raw record
// shape. Adapters report each page fetch as a tagged FetchResult instead of
// signalling quota exhaustion or upstream errors through panics or sentinels.
package platform

import (
	"context"
	"time"

	"github.com/brojonat/affsync/service/reconcile"
)

// Outcome tags a FetchResult.
type Outcome int

const (
	OutcomeOK Outcome = iota
	OutcomeEmpty
	OutcomeFailed
)

func (o Outcome) String() string {
	switch o {
	case OutcomeOK:
		return "ok"
	case OutcomeEmpty:
		return "empty"
	case OutcomeFailed:
		return "failed"
	}
	return "unknown"
}

// FailureKind distinguishes why a fetch failed.
type FailureKind string

const (
	// FailureQuotaExhausted means the daily upstream cap is spent; retrying
	// today is pointless.
	FailureQuotaExhausted FailureKind = "quota_exhausted"

	// FailureUpstream covers transport errors, bad status codes and
	// unparseable responses.
	FailureUpstream FailureKind = "upstream"
)

// FetchResult is the outcome of fetching one page.
type FetchResult struct {
	Outcome Outcome
	Records []reconcile.RawTransactionInput
	HasMore bool
	Failure FailureKind
	Err     error
}

// Ok returns a page of records.
func Ok(records []reconcile.RawTransactionInput, hasMore bool) FetchResult {
	if len(records) == 0 && !hasMore {
		return Empty()
	}
	return FetchResult{Outcome: OutcomeOK, Records: records, HasMore: hasMore}
}

// Empty reports that the window has no (more) records.
func Empty() FetchResult {
	return FetchResult{Outcome: OutcomeEmpty}
}

// Failed reports a fetch failure.
func Failed(kind FailureKind, err error) FetchResult {
	return FetchResult{Outcome: OutcomeFailed, Failure: kind, Err: err}
}

// Adapter fetches one page of transactions for [begin, end]. Pages start at 1.
type Adapter interface {
	FetchTransactions(ctx context.Context, begin, end time.Time, page int) FetchResult
}
