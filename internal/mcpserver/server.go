package mcpserver

import (
	"github.com/mark3labs/mcp-go/server"
)

// NewMCPServer creates a configured MCP server with all milepay tools registered.
func NewMCPServer(cfg Config) *server.MCPServer {
	s := server.NewMCPServer("milepay", "1.0.0")
	h := NewHandlers(NewClient(cfg))

	s.AddTool(ToolCheckBalance, h.HandleCheckBalance)
	s.AddTool(ToolPlatformInfo, h.HandlePlatformInfo)
	s.AddTool(ToolListAgreements, h.HandleListAgreements)
	s.AddTool(ToolGetAgreement, h.HandleGetAgreement)
	s.AddTool(ToolCreateAgreement, h.HandleCreateAgreement)
	s.AddTool(ToolSignAgreement, h.HandleSignAgreement)
	s.AddTool(ToolFundAgreement, h.HandleFundAgreement)
	s.AddTool(ToolSubmitMilestone, h.HandleSubmitMilestone)
	s.AddTool(ToolApproveMilestone, h.HandleApproveMilestone)
	s.AddTool(ToolOpenDispute, h.HandleOpenDispute)

	return s
}
