package platform

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/itchyny/gojq"

	"github.com/brojonat/affsync/service/metrics"
	"github.com/brojonat/affsync/service/reconcile"
)

// ErrDailyQuota is carried by FailureQuotaExhausted results.
var ErrDailyQuota = errors.New("daily upstream quota exhausted")

// Limiter gates outbound requests.
type Limiter interface {
	Acquire(ctx context.Context) (bool, error)
}

// HTTPAdapter fetches pages from a platform described by a Definition.
type HTTPAdapter struct {
	def     Definition
	loc     *time.Location
	mapper  *Mapper
	records *gojq.Code
	hasMore *gojq.Code
	limiter Limiter
	client  *http.Client
	metrics *metrics.Metrics
	logger  *slog.Logger
}

// NewHTTPAdapter compiles def. Every request first acquires from limiter.
// If httpClient is nil a client with the definition's timeout is used.
func NewHTTPAdapter(def Definition, limiter Limiter, httpClient *http.Client, m *metrics.Metrics, logger *slog.Logger) (*HTTPAdapter, error) {
	if limiter == nil {
		return nil, fmt.Errorf("platform %q: limiter is required", def.Name)
	}
	if logger == nil {
		logger = slog.Default()
	}
	if httpClient == nil {
		timeout, err := def.TimeoutDuration()
		if err != nil {
			return nil, err
		}
		httpClient = &http.Client{Timeout: timeout}
	}

	mapper, err := NewMapper(def.Fields)
	if err != nil {
		return nil, fmt.Errorf("platform %q: %w", def.Name, err)
	}
	records, err := compileJQ(def.Records)
	if err != nil {
		return nil, fmt.Errorf("platform %q: records: %w", def.Name, err)
	}

	a := &HTTPAdapter{
		def:     def,
		loc:     def.Location(),
		mapper:  mapper,
		records: records,
		limiter: limiter,
		client:  httpClient,
		metrics: m,
		logger:  logger.With("platform", def.Name),
	}
	if def.HasMore != "" {
		a.hasMore, err = compileJQ(def.HasMore)
		if err != nil {
			return nil, fmt.Errorf("platform %q: has_more: %w", def.Name, err)
		}
	}
	return a, nil
}

// FetchTransactions implements Adapter.
func (a *HTTPAdapter) FetchTransactions(ctx context.Context, begin, end time.Time, page int) FetchResult {
	ok, err := a.limiter.Acquire(ctx)
	if err != nil {
		return Failed(FailureUpstream, fmt.Errorf("waiting for upstream quota: %w", err))
	}
	if !ok {
		return Failed(FailureQuotaExhausted, ErrDailyQuota)
	}

	req, err := a.buildRequest(ctx, begin, end, page)
	if err != nil {
		return Failed(FailureUpstream, err)
	}

	start := time.Now()
	resp, err := a.client.Do(req)
	if err != nil {
		a.recordRequest("error", start)
		return Failed(FailureUpstream, fmt.Errorf("request failed: %w", err))
	}
	defer resp.Body.Close()
	a.recordRequest(strconv.Itoa(resp.StatusCode), start)

	body, err := io.ReadAll(io.LimitReader(resp.Body, 32<<20))
	if err != nil {
		return Failed(FailureUpstream, fmt.Errorf("failed to read response: %w", err))
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return Failed(FailureUpstream, fmt.Errorf("unexpected status %d: %s", resp.StatusCode, truncate(body, 256)))
	}

	doc, err := decodeDocument(body)
	if err != nil {
		return Failed(FailureUpstream, fmt.Errorf("failed to decode response: %w", err))
	}

	raws, err := all(a.records, doc)
	if err != nil {
		return Failed(FailureUpstream, fmt.Errorf("failed to extract records: %w", err))
	}

	records := make([]reconcile.RawTransactionInput, 0, len(raws))
	for _, raw := range raws {
		rec, err := a.mapper.Map(raw)
		if err != nil {
			// Keep the payload with no id so the engine counts it as malformed.
			a.logger.WarnContext(ctx, "failed to map record", "page", page, "error", err)
			payload, _ := json.Marshal(raw)
			rec = reconcile.RawTransactionInput{RawPayload: payload}
		}
		records = append(records, rec)
	}

	more, err := a.more(doc, len(raws))
	if err != nil {
		return Failed(FailureUpstream, fmt.Errorf("failed to evaluate has_more: %w", err))
	}

	a.logger.DebugContext(ctx, "fetched page", "page", page, "records", len(records), "has_more", more)
	return Ok(records, more)
}

func (a *HTTPAdapter) buildRequest(ctx context.Context, begin, end time.Time, page int) (*http.Request, error) {
	u, err := url.Parse(a.def.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid url: %w", err)
	}

	q := u.Query()
	for k, v := range a.def.Query {
		q.Set(k, v)
	}
	q.Set(a.def.Params.Begin, begin.In(a.loc).Format(a.def.TimeFormat))
	q.Set(a.def.Params.End, end.In(a.loc).Format(a.def.TimeFormat))
	q.Set(a.def.Params.Page, strconv.Itoa(page))
	if a.def.Params.PageSize != "" && a.def.PageSize > 0 {
		q.Set(a.def.Params.PageSize, strconv.Itoa(a.def.PageSize))
	}
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, a.def.Method, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	for k, v := range a.def.Headers {
		req.Header.Set(k, v)
	}
	return req, nil
}

func (a *HTTPAdapter) more(doc any, n int) (bool, error) {
	if a.hasMore != nil {
		v, ok, err := first(a.hasMore, doc)
		if err != nil {
			return false, err
		}
		return ok && isTruthy(v), nil
	}
	return a.def.PageSize > 0 && n >= a.def.PageSize, nil
}

func (a *HTTPAdapter) recordRequest(status string, start time.Time) {
	if a.metrics != nil {
		a.metrics.RecordUpstreamRequest(a.def.Name, status, time.Since(start).Seconds())
	}
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
