package mcpserver

import (
	"github.com/mark3labs/mcp-go/server"
)

// NewMCPServer creates a configured MCP server with all payhub tools registered.
func NewMCPServer(cfg Config) *server.MCPServer {
	s := server.NewMCPServer("payhub", "1.0.0")
	client := NewPayhubClient(cfg)
	h := NewHandlers(client)

	s.AddTool(ToolListProviders, h.HandleListProviders)
	s.AddTool(ToolGetInvoice, h.HandleGetInvoice)
	s.AddTool(ToolCreateInvoice, h.HandleCreateInvoice)
	s.AddTool(ToolSettleWeb3, h.HandleSettleWeb3)

	return s
}
