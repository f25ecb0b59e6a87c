package mcpserver

import (
	"github.com/mark3labs/mcp-go/server"
)

// NewMCPServer creates a configured MCP server with all escrow tools registered.
func NewMCPServer(cfg Config) *server.MCPServer {
	s := server.NewMCPServer("escrowsync", "0.1.0")
	h := NewHandlers(NewClient(cfg))

	s.AddTool(ToolListPayments, h.HandleListPayments)
	s.AddTool(ToolGetPayment, h.HandleGetPayment)
	s.AddTool(ToolSubmitResult, h.HandleSubmitResult)
	s.AddTool(ToolAuthorizeRefund, h.HandleAuthorizeRefund)
	s.AddTool(ToolListPurchases, h.HandleListPurchases)
	s.AddTool(ToolGetPurchase, h.HandleGetPurchase)
	s.AddTool(ToolRequestRefund, h.HandleRequestRefund)
	s.AddTool(ToolCancelRefund, h.HandleCancelRefund)

	return s
}
