package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
)

// Handlers holds the handler functions for each MCP tool.
type Handlers struct {
	client *Client
}

// NewHandlers creates a new Handlers instance.
func NewHandlers(client *Client) *Handlers {
	return &Handlers{client: client}
}

// HandleListPayments lists the caller's payment requests.
func (h *Handlers) HandleListPayments(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	raw, err := h.client.ListPayments(ctx,
		req.GetString("payment_source_id", ""),
		req.GetString("cursor", ""),
		req.GetInt("limit", 20),
	)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to list payments: %v", err)), nil
	}

	text, err := formatList(raw, "payments", "payment")
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse payments: %v", err)), nil
	}
	return mcp.NewToolResultText(text), nil
}

// HandleGetPayment returns one payment request.
func (h *Handlers) HandleGetPayment(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id := req.GetString("payment_id", "")
	if id == "" {
		return mcp.NewToolResultError("payment_id is required"), nil
	}

	raw, err := h.client.GetPayment(ctx, id, req.GetBool("include_history", false))
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to get payment: %v", err)), nil
	}
	return formatSingle(raw, "payment")
}

// HandleSubmitResult sets the seller's submit-result intent.
func (h *Handlers) HandleSubmitResult(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id := req.GetString("payment_id", "")
	if id == "" {
		return mcp.NewToolResultError("payment_id is required"), nil
	}
	hash := req.GetString("result_hash", "")
	if hash == "" {
		return mcp.NewToolResultError("result_hash is required"), nil
	}

	raw, err := h.client.SubmitResult(ctx, id, hash)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to submit result: %v", err)), nil
	}
	return intentResult(raw, "payment", "Result queued for submission.")
}

// HandleAuthorizeRefund sets the seller's authorize-refund intent.
func (h *Handlers) HandleAuthorizeRefund(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id := req.GetString("payment_id", "")
	if id == "" {
		return mcp.NewToolResultError("payment_id is required"), nil
	}

	raw, err := h.client.AuthorizeRefund(ctx, id)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to authorize refund: %v", err)), nil
	}
	return intentResult(raw, "payment", "Refund authorization queued.")
}

// HandleListPurchases lists the caller's purchase requests.
func (h *Handlers) HandleListPurchases(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	raw, err := h.client.ListPurchases(ctx,
		req.GetString("payment_source_id", ""),
		req.GetString("cursor", ""),
		req.GetInt("limit", 20),
	)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to list purchases: %v", err)), nil
	}

	text, err := formatList(raw, "purchases", "purchase")
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse purchases: %v", err)), nil
	}
	return mcp.NewToolResultText(text), nil
}

// HandleGetPurchase returns one purchase request.
func (h *Handlers) HandleGetPurchase(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id := req.GetString("purchase_id", "")
	if id == "" {
		return mcp.NewToolResultError("purchase_id is required"), nil
	}

	raw, err := h.client.GetPurchase(ctx, id, req.GetBool("include_history", false))
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to get purchase: %v", err)), nil
	}
	return formatSingle(raw, "purchase")
}

// HandleRequestRefund sets the buyer's request-refund intent.
func (h *Handlers) HandleRequestRefund(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id := req.GetString("purchase_id", "")
	if id == "" {
		return mcp.NewToolResultError("purchase_id is required"), nil
	}

	raw, err := h.client.RequestRefund(ctx, id)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to request refund: %v", err)), nil
	}
	return intentResult(raw, "purchase", "Refund request queued.")
}

// HandleCancelRefund sets the buyer's cancel-refund intent.
func (h *Handlers) HandleCancelRefund(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id := req.GetString("purchase_id", "")
	if id == "" {
		return mcp.NewToolResultError("purchase_id is required"), nil
	}

	raw, err := h.client.CancelRefund(ctx, id)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to cancel refund: %v", err)), nil
	}
	return intentResult(raw, "purchase", "Refund cancellation queued.")
}

// --- Formatting ---

func formatSingle(raw json.RawMessage, key string) (*mcp.CallToolResult, error) {
	r, err := unwrap(raw, key)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse %s: %v", key, err)), nil
	}
	return mcp.NewToolResultText(formatRequest(r)), nil
}

func intentResult(raw json.RawMessage, key, headline string) (*mcp.CallToolResult, error) {
	r, err := unwrap(raw, key)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse %s: %v", key, err)), nil
	}
	return mcp.NewToolResultText(headline + " The service submits the transaction on its next cycle.\n\n" + formatRequest(r)), nil
}

func unwrap(raw json.RawMessage, key string) (map[string]any, error) {
	var resp map[string]any
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, err
	}
	if r, ok := resp[key].(map[string]any); ok {
		return r, nil
	}
	return nil, fmt.Errorf("no %s in response", key)
}

func formatList(raw json.RawMessage, key, noun string) (string, error) {
	var resp map[string]json.RawMessage
	if err := json.Unmarshal(raw, &resp); err != nil {
		return "", err
	}
	var items []map[string]any
	if err := json.Unmarshal(resp[key], &items); err != nil {
		return "", fmt.Errorf("unexpected %s response format", key)
	}

	if len(items) == 0 {
		return fmt.Sprintf("No %s requests found.", noun), nil
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Found %d %s request(s):\n\n", len(items), noun)
	for i, r := range items {
		fmt.Fprintf(&sb, "%d. %s  state=%s  next=%s\n", i+1,
			getString(r, "id"), onChainState(r), getString(nested(r, "nextAction"), "requestedAction"))
		if e := getString(nested(r, "nextAction"), "errorType"); e != "" {
			fmt.Fprintf(&sb, "   error: %s\n", e)
		}
	}

	var next string
	if err := json.Unmarshal(resp["nextCursor"], &next); err == nil && next != "" {
		fmt.Fprintf(&sb, "\nMore results: pass cursor=%s\n", next)
	}
	return sb.String(), nil
}

func formatRequest(r map[string]any) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "ID: %s\n", getString(r, "id"))
	fmt.Fprintf(&sb, "Payment source: %s (%s)\n", getString(r, "paymentSourceId"), getString(r, "network"))
	fmt.Fprintf(&sb, "On-chain state: %s\n", onChainState(r))

	next := nested(r, "nextAction")
	fmt.Fprintf(&sb, "Next action: %s\n", getString(next, "requestedAction"))
	if e := getString(next, "errorType"); e != "" {
		fmt.Fprintf(&sb, "Error: %s", e)
		if note := getString(next, "errorNote"); note != "" {
			fmt.Fprintf(&sb, " (%s)", note)
		}
		sb.WriteString("\n")
	}

	if funds, ok := r["requestedFunds"].([]any); ok {
		for _, f := range funds {
			if m, ok := f.(map[string]any); ok {
				unit := getString(m, "unit")
				if unit == "" {
					unit = "native"
				}
				fmt.Fprintf(&sb, "Funds: %s %s\n", getString(m, "amount"), unit)
			}
		}
	}

	fmt.Fprintf(&sb, "Submit result by: %s\n", getString(r, "submitResultTime"))
	fmt.Fprintf(&sb, "Unlock time: %s\n", getString(r, "unlockTime"))
	fmt.Fprintf(&sb, "Dispute unlock time: %s\n", getString(r, "externalDisputeUnlockTime"))

	for _, k := range []string{"sellerCoolDownTime", "buyerCoolDownTime"} {
		if v, ok := getFloat(r, k); ok && v > 0 {
			fmt.Fprintf(&sb, "%s: %s\n", k, time.UnixMilli(int64(v)).UTC().Format(time.RFC3339))
		}
	}

	if tx := nested(r, "currentTransaction"); tx != nil {
		fmt.Fprintf(&sb, "Current transaction: %s %s (%s)\n",
			getString(tx, "action"), getString(tx, "txHash"), getString(tx, "status"))
	}
	if hist, ok := r["transactionHistory"].([]any); ok && len(hist) > 0 {
		sb.WriteString("History:\n")
		for _, t := range hist {
			if m, ok := t.(map[string]any); ok {
				fmt.Fprintf(&sb, "  - %s %s (%s)\n", getString(m, "action"), getString(m, "txHash"), getString(m, "status"))
			}
		}
	}
	return sb.String()
}

func onChainState(r map[string]any) string {
	if s := getString(r, "onChainState"); s != "" {
		return s
	}
	return "none"
}

func nested(m map[string]any, key string) map[string]any {
	if v, ok := m[key].(map[string]any); ok {
		return v
	}
	return nil
}

// getString extracts a string value from a map, trying multiple key names.
func getString(m map[string]any, keys ...string) string {
	for _, k := range keys {
		if v, ok := m[k]; ok {
			if s, ok := v.(string); ok {
				return s
			}
			if f, ok := v.(float64); ok {
				return fmt.Sprintf("%g", f)
			}
		}
	}
	return ""
}

// getFloat extracts a float64 value from a map, trying multiple key names.
func getFloat(m map[string]any, keys ...string) (float64, bool) {
	for _, k := range keys {
		if v, ok := m[k]; ok {
			if f, ok := v.(float64); ok {
				return f, true
			}
		}
	}
	return 0, false
}
