package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/shopspring/decimal"
)

// Transaction is a ledger row as served by the affsync API.
type Transaction struct {
	Platform         string          `json:"platform"`
	TransactionID    string          `json:"transaction_id"`
	Merchant         *string         `json:"merchant,omitempty"`
	MerchantID       *string         `json:"merchant_id,omitempty"`
	TransactionTime  time.Time       `json:"transaction_time"`
	OrderAmount      decimal.Decimal `json:"order_amount"`
	CommissionAmount decimal.Decimal `json:"commission_amount"`
	Currency         string          `json:"currency"`
	Status           string          `json:"status"`
	RawStatus        *string         `json:"raw_status,omitempty"`
	AccountRef       string          `json:"account_ref"`
	UserRef          *string         `json:"user_ref,omitempty"`
	CreatedAt        time.Time       `json:"created_at"`
	UpdatedAt        time.Time       `json:"updated_at"`
}

// Rejection is a rejection sub-ledger row.
type Rejection struct {
	Platform         string          `json:"platform"`
	TransactionID    string          `json:"transaction_id"`
	CommissionAmount decimal.Decimal `json:"commission_amount"`
	RejectReason     *string         `json:"reject_reason,omitempty"`
	RejectTime       time.Time       `json:"reject_time"`
	RawPayload       json.RawMessage `json:"raw_payload,omitempty"`
	Stale            bool            `json:"stale"`
}

// Platform is a configured platform and its ledger watermark.
type Platform struct {
	Name      string     `json:"name"`
	Watermark *time.Time `json:"watermark,omitempty"`
}

// TriggerOptions customize a manual sync.
type TriggerOptions struct {
	// Start is the backfill start. With Force it overrides the watermark.
	Start      *time.Time
	Force      bool
	AccountRef string
	UserRef    *string
}

// ListOptions filter transaction listings. Zero values are omitted.
type ListOptions struct {
	Platform string
	Status   string
	Start    *time.Time
	End      *time.Time
	Limit    int
	Offset   int
}

// Client is the HTTP client for the affsync API.
type Client struct {
	baseURL    string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewClient creates a new affsync API client.
func NewClient(baseURL string, httpClient *http.Client, logger *slog.Logger) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	if logger == nil {
		logger = slog.New(slog.NewJSONHandler(io.Discard, nil))
	}
	return &Client{
		baseURL:    baseURL,
		httpClient: httpClient,
		logger:     logger,
	}
}

// Health checks the server's health endpoint.
func (c *Client) Health(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, "GET", c.baseURL+"/health", nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("server unhealthy: status %d", resp.StatusCode)
	}
	return nil
}

// TriggerSync starts a sync for a platform and returns the workflow ID.
func (c *Client) TriggerSync(ctx context.Context, platform string, opts TriggerOptions) (string, error) {
	reqBody := map[string]interface{}{}
	if opts.Start != nil {
		reqBody["start"] = opts.Start.UTC().Format(time.RFC3339)
	}
	if opts.Force {
		reqBody["force"] = true
	}
	if opts.AccountRef != "" {
		reqBody["account_ref"] = opts.AccountRef
	}
	if opts.UserRef != nil {
		reqBody["user_ref"] = *opts.UserRef
	}

	body, err := json.Marshal(reqBody)
	if err != nil {
		return "", fmt.Errorf("failed to marshal request: %w", err)
	}

	u := fmt.Sprintf("%s/api/v1/sync/%s", c.baseURL, url.PathEscape(platform))
	req, err := http.NewRequestWithContext(ctx, "POST", u, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusAccepted {
		return "", c.parseErrorResponse(resp)
	}

	var out struct {
		WorkflowID string `json:"workflow_id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("failed to decode response: %w", err)
	}

	c.logger.Debug("sync triggered", "platform", platform, "workflow_id", out.WorkflowID)
	return out.WorkflowID, nil
}

// Platforms lists configured platforms.
func (c *Client) Platforms(ctx context.Context) ([]Platform, error) {
	var out struct {
		Platforms []Platform `json:"platforms"`
	}
	if err := c.getJSON(ctx, "/api/v1/platforms", nil, &out); err != nil {
		return nil, err
	}
	return out.Platforms, nil
}

// ListTransactions lists ledger rows.
func (c *Client) ListTransactions(ctx context.Context, opts ListOptions) ([]*Transaction, error) {
	q := url.Values{}
	if opts.Platform != "" {
		q.Set("platform", opts.Platform)
	}
	if opts.Status != "" {
		q.Set("status", opts.Status)
	}
	if opts.Start != nil {
		q.Set("start", opts.Start.UTC().Format(time.RFC3339))
	}
	if opts.End != nil {
		q.Set("end", opts.End.UTC().Format(time.RFC3339))
	}
	setPage(q, opts.Limit, opts.Offset)

	var out struct {
		Transactions []*Transaction `json:"transactions"`
	}
	if err := c.getJSON(ctx, "/api/v1/transactions", q, &out); err != nil {
		return nil, err
	}
	return out.Transactions, nil
}

// GetTransaction fetches one ledger row.
func (c *Client) GetTransaction(ctx context.Context, platform, transactionID string) (*Transaction, error) {
	path := fmt.Sprintf("/api/v1/transactions/%s/%s", url.PathEscape(platform), url.PathEscape(transactionID))
	var tx Transaction
	if err := c.getJSON(ctx, path, nil, &tx); err != nil {
		return nil, err
	}
	return &tx, nil
}

// ListRejections lists the rejection sub-ledger.
func (c *Client) ListRejections(ctx context.Context, platform string, includeStale bool, limit, offset int) ([]*Rejection, error) {
	q := url.Values{}
	if platform != "" {
		q.Set("platform", platform)
	}
	if includeStale {
		q.Set("include_stale", "true")
	}
	setPage(q, limit, offset)

	var out struct {
		Rejections []*Rejection `json:"rejections"`
	}
	if err := c.getJSON(ctx, "/api/v1/rejections", q, &out); err != nil {
		return nil, err
	}
	return out.Rejections, nil
}

func (c *Client) getJSON(ctx context.Context, path string, q url.Values, dst interface{}) error {
	u := c.baseURL + path
	if len(q) > 0 {
		u += "?" + q.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, "GET", u, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return c.parseErrorResponse(resp)
	}
	if err := json.NewDecoder(resp.Body).Decode(dst); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

func setPage(q url.Values, limit, offset int) {
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	if offset > 0 {
		q.Set("offset", strconv.Itoa(offset))
	}
}

// parseErrorResponse attempts to parse an error response from the server.
func (c *Client) parseErrorResponse(resp *http.Response) error {
	var errResp struct {
		Error string `json:"error"`
	}

	body, _ := io.ReadAll(resp.Body)
	if err := json.Unmarshal(body, &errResp); err != nil || errResp.Error == "" {
		return fmt.Errorf("request failed with status %d: %s", resp.StatusCode, string(body))
	}

	return fmt.Errorf("request failed: %s", errResp.Error)
}
