package mcpserver

import "github.com/mark3labs/mcp-go/mcp"

// Tool definitions for the escrow MCP server.
// Descriptions are what the LLM reads to decide which tool to use.

var ToolListPayments = mcp.NewTool("list_payments",
	mcp.WithDescription(
		"List payment requests you created as a seller. "+
			"Shows each request's on-chain state, the action the service will take next, and any error needing attention."),
	mcp.WithString("payment_source_id",
		mcp.Description("Only list requests on this payment source")),
	mcp.WithString("cursor",
		mcp.Description("Cursor from a previous page's nextCursor")),
	mcp.WithNumber("limit",
		mcp.Description("Maximum number of requests to return (default 20)")),
)

var ToolGetPayment = mcp.NewTool("get_payment",
	mcp.WithDescription(
		"Get one payment request by id, including deadlines, cooldowns and the current transaction."),
	mcp.WithString("payment_id",
		mcp.Required(),
		mcp.Description("Payment request id (e.g. 'pay_0123...')")),
	mcp.WithBoolean("include_history",
		mcp.Description("Also return every transaction submitted for this request")),
)

var ToolSubmitResult = mcp.NewTool("submit_result",
	mcp.WithDescription(
		"Submit the hash of the work you delivered so the buyer's funds can unlock. "+
			"Only allowed before the submit deadline and while no refund is being resolved."),
	mcp.WithString("payment_id",
		mcp.Required(),
		mcp.Description("Payment request id")),
	mcp.WithString("result_hash",
		mcp.Required(),
		mcp.Description("32-byte hex hash of the delivered result")),
)

var ToolAuthorizeRefund = mcp.NewTool("authorize_refund",
	mcp.WithDescription(
		"As the seller, approve the buyer's open refund request so the locked funds go back to the buyer."),
	mcp.WithString("payment_id",
		mcp.Required(),
		mcp.Description("Payment request id")),
)

var ToolListPurchases = mcp.NewTool("list_purchases",
	mcp.WithDescription(
		"List purchase requests you made as a buyer, with their on-chain state and next action."),
	mcp.WithString("payment_source_id",
		mcp.Description("Only list requests on this payment source")),
	mcp.WithString("cursor",
		mcp.Description("Cursor from a previous page's nextCursor")),
	mcp.WithNumber("limit",
		mcp.Description("Maximum number of requests to return (default 20)")),
)

var ToolGetPurchase = mcp.NewTool("get_purchase",
	mcp.WithDescription(
		"Get one purchase request by id, including deadlines, cooldowns and the current transaction."),
	mcp.WithString("purchase_id",
		mcp.Required(),
		mcp.Description("Purchase request id (e.g. 'pur_0123...')")),
	mcp.WithBoolean("include_history",
		mcp.Description("Also return every transaction submitted for this request")),
)

var ToolRequestRefund = mcp.NewTool("request_refund",
	mcp.WithDescription(
		"Dispute a purchase and ask for the locked funds back. "+
			"Use this when the seller delivered a bad result or never delivered. "+
			"Only allowed before the unlock time."),
	mcp.WithString("purchase_id",
		mcp.Required(),
		mcp.Description("Purchase request id")),
)

var ToolCancelRefund = mcp.NewTool("cancel_refund",
	mcp.WithDescription(
		"Withdraw a refund request you opened earlier, letting the seller collect the funds."),
	mcp.WithString("purchase_id",
		mcp.Required(),
		mcp.Description("Purchase request id")),
)
