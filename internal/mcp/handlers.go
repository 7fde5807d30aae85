package mcp

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/mark3labs/mcp-go/mcp"
)

// Handler serves POST /tools/call, a plain JSON alternative to the MCP
// session protocol for calling the same tools
type Handler struct {
	server *Server
}

// NewHandler creates a REST handler for s's tools
func NewHandler(s *Server) *Handler {
	return &Handler{server: s}
}

// HandleToolCall handles POST /tools/call
func (h *Handler) HandleToolCall(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req struct {
		Name      string         `json:"name"`
		Arguments map[string]any `json:"arguments"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if req.Name == "" {
		http.Error(w, "Tool name is required", http.StatusBadRequest)
		return
	}

	handler := h.server.ToolHandler(req.Name)
	if handler == nil {
		http.Error(w, fmt.Sprintf("Tool %q not found", req.Name), http.StatusNotFound)
		return
	}

	result, err := handler(r.Context(), mcp.CallToolRequest{
		Params: mcp.CallToolParams{
			Name:      req.Name,
			Arguments: req.Arguments,
		},
	})
	if err != nil {
		slog.Error("Tool call failed", "tool", req.Name, "error", err)
		http.Error(w, fmt.Sprintf("Tool call failed: %v", err), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(result); err != nil {
		slog.Error("Failed to encode result", "error", err)
	}
}
