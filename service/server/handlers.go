package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"slices"
	"strconv"
	"time"

	"github.com/brojonat/affsync/service/db"
	"github.com/brojonat/affsync/service/status"
	"github.com/brojonat/affsync/service/temporal"
)

const (
	maxRequestBodySize = 1 << 16
	defaultListLimit   = 100
	maxListLimit       = 1000
)

// triggerSyncRequest is the optional body of a manual sync trigger.
type triggerSyncRequest struct {
	Start      string  `json:"start,omitempty"`
	Force      bool    `json:"force,omitempty"`
	AccountRef string  `json:"account_ref,omitempty"`
	UserRef    *string `json:"user_ref,omitempty"`
}

type triggerSyncResponse struct {
	WorkflowID string     `json:"workflow_id"`
	Platform   string     `json:"platform"`
	Start      *time.Time `json:"start,omitempty"`
	Force      bool       `json:"force,omitempty"`
}

// handleTriggerSync starts an on-demand sync workflow.
// POST /api/v1/sync/{platform}
func handleTriggerSync(starter temporal.SyncStarter, platforms []string, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		platform := r.PathValue("platform")
		if len(platforms) > 0 && !slices.Contains(platforms, platform) {
			writeError(w, fmt.Sprintf("unknown platform %q", platform), http.StatusNotFound)
			return
		}

		var req triggerSyncRequest
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
			var maxBytesErr *http.MaxBytesError
			if errors.As(err, &maxBytesErr) {
				writeError(w, "request body too large", http.StatusBadRequest)
				return
			}
			writeError(w, "invalid request body: must be valid JSON", http.StatusBadRequest)
			return
		}

		input := temporal.SyncPlatformInput{
			Platform:   platform,
			Force:      req.Force,
			AccountRef: req.AccountRef,
			UserRef:    req.UserRef,
		}
		if req.Start != "" {
			start, err := parseTimeParam(req.Start)
			if err != nil {
				writeError(w, "invalid start: "+err.Error(), http.StatusBadRequest)
				return
			}
			input.Start = &start
		}
		if input.Force && input.Start == nil {
			writeError(w, "force requires start", http.StatusBadRequest)
			return
		}

		workflowID, err := starter.StartSync(r.Context(), input)
		if err != nil {
			logger.ErrorContext(r.Context(), "failed to start sync", "platform", platform, "error", err)
			writeError(w, "failed to start sync", http.StatusInternalServerError)
			return
		}

		logger.InfoContext(r.Context(), "manual sync triggered",
			"platform", platform,
			"workflow_id", workflowID,
			"force", input.Force,
		)
		writeJSON(w, triggerSyncResponse{
			WorkflowID: workflowID,
			Platform:   platform,
			Start:      input.Start,
			Force:      input.Force,
		}, http.StatusAccepted)
	})
}

type platformResponse struct {
	Name      string     `json:"name"`
	Watermark *time.Time `json:"watermark,omitempty"`
}

// handleListPlatforms lists configured platforms with their ledger watermark.
// GET /api/v1/platforms
func handleListPlatforms(store StoreInterface, platforms []string, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		resp := make([]platformResponse, 0, len(platforms))
		for _, name := range platforms {
			latest, err := store.LatestTransactionTime(r.Context(), name)
			if err != nil {
				logger.ErrorContext(r.Context(), "failed to read watermark", "platform", name, "error", err)
				writeError(w, "internal server error", http.StatusInternalServerError)
				return
			}
			resp = append(resp, platformResponse{Name: name, Watermark: latest})
		}
		writeJSON(w, map[string]interface{}{"platforms": resp}, http.StatusOK)
	})
}

// handleListTransactions lists ledger rows.
// GET /api/v1/transactions?platform=P&status=S&start=T&end=T&limit=N&offset=N
func handleListTransactions(store StoreInterface, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		query := r.URL.Query()

		params := db.ListTransactionsParams{Platform: query.Get("platform")}

		if s := query.Get("status"); s != "" {
			st, err := status.Parse(s)
			if err != nil {
				writeError(w, err.Error(), http.StatusBadRequest)
				return
			}
			params.Status = st
		}

		for _, p := range []struct {
			name string
			dst  **time.Time
		}{{"start", &params.Start}, {"end", &params.End}} {
			v := query.Get(p.name)
			if v == "" {
				continue
			}
			t, err := parseTimeParam(v)
			if err != nil {
				writeError(w, fmt.Sprintf("invalid %s parameter: %v", p.name, err), http.StatusBadRequest)
				return
			}
			*p.dst = &t
		}
		if params.Start != nil && params.End != nil && params.End.Before(*params.Start) {
			writeError(w, "end must not be before start", http.StatusBadRequest)
			return
		}

		limit, offset, err := parsePage(query.Get("limit"), query.Get("offset"))
		if err != nil {
			writeError(w, err.Error(), http.StatusBadRequest)
			return
		}
		params.Limit, params.Offset = limit, offset

		transactions, err := store.ListTransactions(r.Context(), params)
		if err != nil {
			logger.ErrorContext(r.Context(), "failed to list transactions", "platform", params.Platform, "error", err)
			writeError(w, "internal server error", http.StatusInternalServerError)
			return
		}

		logger.DebugContext(r.Context(), "transactions listed", "platform", params.Platform, "count", len(transactions))

		if transactions == nil {
			transactions = []*db.Transaction{}
		}
		writeJSON(w, map[string]interface{}{
			"transactions": transactions,
			"count":        len(transactions),
			"limit":        limit,
			"offset":       offset,
		}, http.StatusOK)
	})
}

// handleGetTransaction returns one ledger row by natural key.
// GET /api/v1/transactions/{platform}/{transaction_id}
func handleGetTransaction(store StoreInterface, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		platform := r.PathValue("platform")
		id := r.PathValue("transaction_id")

		tx, err := store.GetTransaction(r.Context(), platform, id)
		if errors.Is(err, db.ErrNotFound) {
			writeError(w, "transaction not found", http.StatusNotFound)
			return
		}
		if err != nil {
			logger.ErrorContext(r.Context(), "failed to get transaction", "platform", platform, "transaction_id", id, "error", err)
			writeError(w, "internal server error", http.StatusInternalServerError)
			return
		}
		writeJSON(w, tx, http.StatusOK)
	})
}

// handleListRejections lists the rejection sub-ledger.
// GET /api/v1/rejections?platform=P&include_stale=true&limit=N&offset=N
func handleListRejections(store StoreInterface, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		query := r.URL.Query()
		params := db.ListRejectionsParams{Platform: query.Get("platform")}

		if v := query.Get("include_stale"); v != "" {
			b, err := strconv.ParseBool(v)
			if err != nil {
				writeError(w, "invalid include_stale parameter: must be a boolean", http.StatusBadRequest)
				return
			}
			params.IncludeStale = b
		}

		limit, offset, err := parsePage(query.Get("limit"), query.Get("offset"))
		if err != nil {
			writeError(w, err.Error(), http.StatusBadRequest)
			return
		}
		params.Limit, params.Offset = limit, offset

		rejections, err := store.ListRejections(r.Context(), params)
		if err != nil {
			logger.ErrorContext(r.Context(), "failed to list rejections", "platform", params.Platform, "error", err)
			writeError(w, "internal server error", http.StatusInternalServerError)
			return
		}

		if rejections == nil {
			rejections = []*db.Rejection{}
		}
		writeJSON(w, map[string]interface{}{
			"rejections": rejections,
			"count":      len(rejections),
			"limit":      limit,
			"offset":     offset,
		}, http.StatusOK)
	})
}

// parsePage parses limit (default 100, max 1000) and offset (default 0).
func parsePage(limitStr, offsetStr string) (int32, int32, error) {
	limit := int32(defaultListLimit)
	if limitStr != "" {
		n, err := strconv.Atoi(limitStr)
		if err != nil {
			return 0, 0, fmt.Errorf("invalid limit parameter: must be an integer")
		}
		if n < 1 {
			return 0, 0, fmt.Errorf("limit must be at least 1")
		}
		if n > maxListLimit {
			return 0, 0, fmt.Errorf("limit cannot exceed %d", maxListLimit)
		}
		limit = int32(n)
	}

	offset := int32(0)
	if offsetStr != "" {
		n, err := strconv.Atoi(offsetStr)
		if err != nil {
			return 0, 0, fmt.Errorf("invalid offset parameter: must be an integer")
		}
		if n < 0 {
			return 0, 0, fmt.Errorf("offset cannot be negative")
		}
		offset = int32(n)
	}
	return limit, offset, nil
}

// parseTimeParam accepts RFC 3339 timestamps or plain dates (UTC midnight).
func parseTimeParam(s string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t.UTC(), nil
	}
	t, err := time.Parse(time.DateOnly, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("want RFC 3339 or YYYY-MM-DD, got %q", s)
	}
	return t, nil
}

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, data interface{}, statusCode int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(data)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, statusCode int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(map[string]string{
		"error": message,
	})
}
