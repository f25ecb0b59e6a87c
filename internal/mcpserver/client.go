package mcpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

// Config holds the configuration for connecting to the escrow API.
type Config struct {
	APIURL string // Base URL, e.g. "http://localhost:8080"
	APIKey string // API key, e.g. "sk_..."
}

// Client is a pure HTTP client for the escrow API.
type Client struct {
	cfg        Config
	httpClient *http.Client
}

// NewClient creates a new client for the escrow API.
func NewClient(cfg Config) *Client {
	return &Client{
		cfg: cfg,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// apiError represents an error response from the API.
type apiError struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// doRequest makes an HTTP request to the API and returns the response body.
func (c *Client) doRequest(ctx context.Context, method, path string, query url.Values, body any) (json.RawMessage, error) {
	u, err := url.Parse(c.cfg.APIURL + path)
	if err != nil {
		return nil, fmt.Errorf("invalid URL: %w", err)
	}
	if len(query) > 0 {
		u.RawQuery = query.Encode()
	}

	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal request body: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, u.String(), reqBody)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode >= 400 {
		var apiErr apiError
		if json.Unmarshal(respBody, &apiErr) == nil && apiErr.Message != "" {
			return nil, fmt.Errorf("API error (%d %s): %s", resp.StatusCode, apiErr.Error, apiErr.Message)
		}
		return nil, fmt.Errorf("API error (%d): %s", resp.StatusCode, string(respBody))
	}

	return json.RawMessage(respBody), nil
}

func listValues(sourceID, cursor string, limit int) url.Values {
	q := url.Values{}
	if sourceID != "" {
		q.Set("paymentSourceId", sourceID)
	}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	return q
}

// ListPayments lists the caller's payment requests.
func (c *Client) ListPayments(ctx context.Context, sourceID, cursor string, limit int) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodGet, "/v1/payment", listValues(sourceID, cursor, limit), nil)
}

// GetPayment returns one payment request, optionally with its transaction history.
func (c *Client) GetPayment(ctx context.Context, id string, history bool) (json.RawMessage, error) {
	var q url.Values
	if history {
		q = url.Values{"includeHistory": {"true"}}
	}
	return c.doRequest(ctx, http.MethodGet, "/v1/payment/"+url.PathEscape(id), q, nil)
}

// SubmitResult records the result hash the seller wants submitted on chain.
func (c *Client) SubmitResult(ctx context.Context, id, resultHash string) (json.RawMessage, error) {
	body := map[string]string{"resultHash": resultHash}
	return c.doRequest(ctx, http.MethodPost, "/v1/payment/"+url.PathEscape(id)+"/submit-result", nil, body)
}

// AuthorizeRefund asks the seller's wallet to approve a disputed refund.
func (c *Client) AuthorizeRefund(ctx context.Context, id string) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodPost, "/v1/payment/"+url.PathEscape(id)+"/authorize-refund", nil, nil)
}

// ListPurchases lists the caller's purchase requests.
func (c *Client) ListPurchases(ctx context.Context, sourceID, cursor string, limit int) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodGet, "/v1/purchase", listValues(sourceID, cursor, limit), nil)
}

// GetPurchase returns one purchase request, optionally with its transaction history.
func (c *Client) GetPurchase(ctx context.Context, id string, history bool) (json.RawMessage, error) {
	var q url.Values
	if history {
		q = url.Values{"includeHistory": {"true"}}
	}
	return c.doRequest(ctx, http.MethodGet, "/v1/purchase/"+url.PathEscape(id), q, nil)
}

// RequestRefund asks the buyer's wallet to open a refund request.
func (c *Client) RequestRefund(ctx context.Context, id string) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodPost, "/v1/purchase/"+url.PathEscape(id)+"/request-refund", nil, nil)
}

// CancelRefund withdraws an open refund request.
func (c *Client) CancelRefund(ctx context.Context, id string) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodPost, "/v1/purchase/"+url.PathEscape(id)+"/cancel-refund", nil, nil)
}
