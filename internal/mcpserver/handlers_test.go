package mcpserver

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// --- Test helpers ---

func newTestSetup(handler http.Handler) (*Handlers, func()) {
	ts := httptest.NewServer(handler)
	client := NewClient(Config{APIURL: ts.URL, APIKey: "sk_test_key"})
	return NewHandlers(client), ts.Close
}

func makeRequest(args map[string]any) mcp.CallToolRequest {
	var req mcp.CallToolRequest
	if args == nil {
		args = map[string]any{}
	}
	req.Params.Arguments = args
	return req
}

func resultText(t *testing.T, result *mcp.CallToolResult) string {
	t.Helper()
	require.NotEmpty(t, result.Content, "expected at least one content block")
	tc, ok := result.Content[0].(mcp.TextContent)
	require.True(t, ok, "expected TextContent, got %T", result.Content[0])
	return tc.Text
}

func samplePayment() map[string]any {
	return map[string]any{
		"id":                        "pay_0123456789abcdef01234567",
		"paymentSourceId":           "preprod-1",
		"network":                   "Preprod",
		"onChainState":              "FundsLocked",
		"nextAction":                map[string]any{"requestedAction": "SubmitResultRequested"},
		"requestedFunds":            []any{map[string]any{"unit": "", "amount": "1000000"}},
		"submitResultTime":          "2026-01-01T00:00:00Z",
		"unlockTime":                "2026-01-01T00:15:00Z",
		"externalDisputeUnlockTime": "2026-01-01T00:30:00Z",
		"sellerCoolDownTime":        float64(time.Date(2026, 1, 1, 0, 5, 0, 0, time.UTC).UnixMilli()),
		"buyerCoolDownTime":         float64(0),
	}
}

// ============================================================
// Client tests
// ============================================================

func TestClient_DoRequest_AuthHeader(t *testing.T) {
	var gotAuth string
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		_, _ = w.Write([]byte(`{}`))
	}))
	defer ts.Close()

	client := NewClient(Config{APIURL: ts.URL, APIKey: "sk_secret123"})
	_, err := client.ListPayments(context.Background(), "", "", 0)
	require.NoError(t, err)
	assert.Equal(t, "Bearer sk_secret123", gotAuth)
}

func TestClient_DoRequest_HTTPError_WithAPIMessage(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"error":   "invalid_state",
			"message": "intent not allowed in current state",
		})
	}))
	defer ts.Close()

	client := NewClient(Config{APIURL: ts.URL, APIKey: "k"})
	_, err := client.RequestRefund(context.Background(), "pur_0123456789abcdef01234567")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "409")
	assert.Contains(t, err.Error(), "invalid_state")
	assert.Contains(t, err.Error(), "intent not allowed")
}

func TestClient_DoRequest_HTTPError_NonJSON(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		_, _ = w.Write([]byte("upstream timeout"))
	}))
	defer ts.Close()

	client := NewClient(Config{APIURL: ts.URL, APIKey: "k"})
	_, err := client.GetPayment(context.Background(), "pay_x", false)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "502")
	assert.Contains(t, err.Error(), "upstream timeout")
}

func TestClient_DoRequest_ConnectionRefused(t *testing.T) {
	client := NewClient(Config{APIURL: "http://127.0.0.1:1", APIKey: "k"})
	_, err := client.ListPurchases(context.Background(), "", "", 0)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "request failed")
}

func TestClient_DoRequest_CancelledContext(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(2 * time.Second)
		_, _ = w.Write([]byte(`{}`))
	}))
	defer ts.Close()

	client := NewClient(Config{APIURL: ts.URL, APIKey: "k"})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := client.ListPayments(ctx, "", "", 0)
	require.Error(t, err)
}

func TestClient_ListQueryParams(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/purchase", r.URL.Path)
		assert.Equal(t, "preprod-1", r.URL.Query().Get("paymentSourceId"))
		assert.Equal(t, "abc", r.URL.Query().Get("cursor"))
		assert.Equal(t, "5", r.URL.Query().Get("limit"))
		_, _ = w.Write([]byte(`{"purchases":[]}`))
	}))
	defer ts.Close()

	client := NewClient(Config{APIURL: ts.URL, APIKey: "k"})
	_, err := client.ListPurchases(context.Background(), "preprod-1", "abc", 5)
	require.NoError(t, err)
}

func TestClient_GetPayment_History(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/payment/pay_1", r.URL.Path)
		assert.Equal(t, "true", r.URL.Query().Get("includeHistory"))
		_, _ = w.Write([]byte(`{}`))
	}))
	defer ts.Close()

	client := NewClient(Config{APIURL: ts.URL, APIKey: "k"})
	_, err := client.GetPayment(context.Background(), "pay_1", true)
	require.NoError(t, err)
}

func TestClient_SubmitResult_Body(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/v1/payment/pay_1/submit-result", r.URL.Path)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		body, _ := io.ReadAll(r.Body)
		var got map[string]string
		require.NoError(t, json.Unmarshal(body, &got))
		assert.Equal(t, "cd", got["resultHash"])
		_, _ = w.Write([]byte(`{}`))
	}))
	defer ts.Close()

	client := NewClient(Config{APIURL: ts.URL, APIKey: "k"})
	_, err := client.SubmitResult(context.Background(), "pay_1", "cd")
	require.NoError(t, err)
}

func TestClient_IntentPaths(t *testing.T) {
	tests := []struct {
		name string
		call func(c *Client) error
		path string
	}{
		{"authorize", func(c *Client) error { _, err := c.AuthorizeRefund(context.Background(), "pay_1"); return err }, "/v1/payment/pay_1/authorize-refund"},
		{"request", func(c *Client) error { _, err := c.RequestRefund(context.Background(), "pur_1"); return err }, "/v1/purchase/pur_1/request-refund"},
		{"cancel", func(c *Client) error { _, err := c.CancelRefund(context.Background(), "pur_1"); return err }, "/v1/purchase/pur_1/cancel-refund"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var gotPath, gotMethod string
			ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				gotPath, gotMethod = r.URL.Path, r.Method
				_, _ = w.Write([]byte(`{}`))
			}))
			defer ts.Close()

			require.NoError(t, tt.call(NewClient(Config{APIURL: ts.URL, APIKey: "k"})))
			assert.Equal(t, tt.path, gotPath)
			assert.Equal(t, http.MethodPost, gotMethod)
		})
	}
}

// ============================================================
// Handler tests
// ============================================================

func TestHandleListPayments(t *testing.T) {
	h, cleanup := newTestSetup(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p := samplePayment()
		p["nextAction"] = map[string]any{"requestedAction": "WaitingForManualAction", "errorType": "Unknown"}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"payments":   []any{p},
			"count":      1,
			"nextCursor": "next-page",
		})
	}))
	defer cleanup()

	result, err := h.HandleListPayments(context.Background(), makeRequest(nil))
	require.NoError(t, err)
	assert.False(t, result.IsError)

	text := resultText(t, result)
	assert.Contains(t, text, "Found 1 payment request(s)")
	assert.Contains(t, text, "pay_0123456789abcdef01234567")
	assert.Contains(t, text, "state=FundsLocked")
	assert.Contains(t, text, "next=WaitingForManualAction")
	assert.Contains(t, text, "error: Unknown")
	assert.Contains(t, text, "cursor=next-page")
}

func TestHandleListPurchases_Empty(t *testing.T) {
	h, cleanup := newTestSetup(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"purchases":[],"count":0,"nextCursor":""}`))
	}))
	defer cleanup()

	result, err := h.HandleListPurchases(context.Background(), makeRequest(nil))
	require.NoError(t, err)
	assert.Equal(t, "No purchase requests found.", resultText(t, result))
}

func TestHandleGetPayment(t *testing.T) {
	h, cleanup := newTestSetup(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p := samplePayment()
		p["currentTransaction"] = map[string]any{"action": "SubmitResult", "txHash": "0xabc", "status": "Pending"}
		p["transactionHistory"] = []any{
			map[string]any{"action": "SubmitResult", "txHash": "0xabc", "status": "Pending"},
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"payment": p})
	}))
	defer cleanup()

	result, err := h.HandleGetPayment(context.Background(), makeRequest(map[string]any{
		"payment_id":      "pay_0123456789abcdef01234567",
		"include_history": true,
	}))
	require.NoError(t, err)
	assert.False(t, result.IsError)

	text := resultText(t, result)
	assert.Contains(t, text, "On-chain state: FundsLocked")
	assert.Contains(t, text, "Next action: SubmitResultRequested")
	assert.Contains(t, text, "Funds: 1000000 native")
	assert.Contains(t, text, "sellerCoolDownTime: 2026-01-01T00:05:00Z")
	assert.NotContains(t, text, "buyerCoolDownTime")
	assert.Contains(t, text, "Current transaction: SubmitResult 0xabc (Pending)")
	assert.Contains(t, text, "History:")
}

func TestHandleGetPurchase_NoState(t *testing.T) {
	h, cleanup := newTestSetup(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p := samplePayment()
		p["id"] = "pur_0123456789abcdef01234567"
		p["onChainState"] = nil
		_ = json.NewEncoder(w).Encode(map[string]any{"purchase": p})
	}))
	defer cleanup()

	result, err := h.HandleGetPurchase(context.Background(), makeRequest(map[string]any{
		"purchase_id": "pur_0123456789abcdef01234567",
	}))
	require.NoError(t, err)
	assert.Contains(t, resultText(t, result), "On-chain state: none")
}

func TestHandleSubmitResult(t *testing.T) {
	h, cleanup := newTestSetup(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"payment": samplePayment()})
	}))
	defer cleanup()

	result, err := h.HandleSubmitResult(context.Background(), makeRequest(map[string]any{
		"payment_id":  "pay_0123456789abcdef01234567",
		"result_hash": "cd",
	}))
	require.NoError(t, err)
	assert.False(t, result.IsError)
	assert.Contains(t, resultText(t, result), "Result queued for submission.")
}

func TestHandleRequestRefund_APIError(t *testing.T) {
	h, cleanup := newTestSetup(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"error":   "cooldown_active",
			"message": "refund toggle is cooling down",
		})
	}))
	defer cleanup()

	result, err := h.HandleRequestRefund(context.Background(), makeRequest(map[string]any{
		"purchase_id": "pur_0123456789abcdef01234567",
	}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Contains(t, resultText(t, result), "cooling down")
}

func TestHandlers_RequireIDs(t *testing.T) {
	h, cleanup := newTestSetup(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Errorf("unexpected request to %s", r.URL.Path)
	}))
	defer cleanup()

	tests := []struct {
		name string
		call func() (*mcp.CallToolResult, error)
		want string
	}{
		{"get_payment", func() (*mcp.CallToolResult, error) { return h.HandleGetPayment(context.Background(), makeRequest(nil)) }, "payment_id is required"},
		{"submit_result", func() (*mcp.CallToolResult, error) {
			return h.HandleSubmitResult(context.Background(), makeRequest(map[string]any{"payment_id": "pay_1"}))
		}, "result_hash is required"},
		{"authorize_refund", func() (*mcp.CallToolResult, error) { return h.HandleAuthorizeRefund(context.Background(), makeRequest(nil)) }, "payment_id is required"},
		{"get_purchase", func() (*mcp.CallToolResult, error) { return h.HandleGetPurchase(context.Background(), makeRequest(nil)) }, "purchase_id is required"},
		{"request_refund", func() (*mcp.CallToolResult, error) { return h.HandleRequestRefund(context.Background(), makeRequest(nil)) }, "purchase_id is required"},
		{"cancel_refund", func() (*mcp.CallToolResult, error) { return h.HandleCancelRefund(context.Background(), makeRequest(nil)) }, "purchase_id is required"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := tt.call()
			require.NoError(t, err)
			assert.True(t, result.IsError)
			assert.Equal(t, tt.want, resultText(t, result))
		})
	}
}

func TestHandleGetPayment_MalformedResponse(t *testing.T) {
	h, cleanup := newTestSetup(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"something":"else"}`))
	}))
	defer cleanup()

	result, err := h.HandleGetPayment(context.Background(), makeRequest(map[string]any{"payment_id": "pay_1"}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Contains(t, resultText(t, result), "no payment in response")
}

func TestNewMCPServer_RegistersTools(t *testing.T) {
	s := NewMCPServer(Config{APIURL: "http://localhost:8080", APIKey: "k"})
	require.NotNil(t, s)
}
