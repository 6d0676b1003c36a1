package mcpserver

import (
	"github.com/mark3labs/mcp-go/server"
)

// NewMCPServer creates a configured MCP server with all settlement tools registered.
func NewMCPServer(cfg Config) *server.MCPServer {
	s := server.NewMCPServer("settle", "1.0.0")
	client := NewSettleClient(cfg)
	h := NewHandlers(client)

	s.AddTool(ToolGetEscrow, h.HandleGetEscrow)
	s.AddTool(ToolGetEscrowHistory, h.HandleGetEscrowHistory)
	s.AddTool(ToolListEscrows, h.HandleListEscrows)
	s.AddTool(ToolCheckBalance, h.HandleCheckBalance)
	s.AddTool(ToolCreateEscrow, h.HandleCreateEscrow)
	s.AddTool(ToolOpenDispute, h.HandleOpenDispute)
	s.AddTool(ToolGetDispute, h.HandleGetDispute)
	s.AddTool(ToolResolveDispute, h.HandleResolveDispute)

	return s
}
