package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/deliveryhero/asya/asya-progress/internal/jobs"
	"github.com/deliveryhero/asya/asya-progress/internal/observe"
	"github.com/deliveryhero/asya/asya-progress/pkg/types"
)

const (
	ToolSubmitJob    = "submit_job"
	ToolGetJobStatus = "get_job_status"
	ToolWaitForJob   = "wait_for_job"
)

// Submitter starts jobs. *jobs.Runner satisfies it.
type Submitter interface {
	Submit(ctx context.Context) (string, error)
	SubmitQueued(ctx context.Context) (string, error)
}

// Server exposes job submission and observation as MCP tools
type Server struct {
	mcpServer *server.MCPServer
	submitter Submitter
	observer  *observe.Observer
	tools     map[string]server.ToolHandlerFunc

	defaultTimeout time.Duration
	maxTimeout     time.Duration
}

// NewServer creates the MCP server. Wait timeouts default to defaultTimeout
// and are capped at maxTimeout.
func NewServer(submitter Submitter, observer *observe.Observer, defaultTimeout, maxTimeout time.Duration, version string) *Server {
	if maxTimeout < defaultTimeout {
		maxTimeout = defaultTimeout
	}

	s := &Server{
		submitter:      submitter,
		observer:       observer,
		tools:          make(map[string]server.ToolHandlerFunc),
		defaultTimeout: defaultTimeout,
		maxTimeout:     maxTimeout,
	}

	s.mcpServer = server.NewMCPServer(
		"asya-progress",
		version,
		server.WithToolCapabilities(false),
	)
	s.registerTools()

	return s
}

func (s *Server) registerTools() {
	s.addTool(mcp.NewTool(
		ToolSubmitJob,
		mcp.WithDescription("Start a simulated job and return its id"),
		mcp.WithString("mode",
			mcp.Description("snapshot (poll or stream sampled states) or queue (consume every state once via /api/sse_2)"),
			mcp.Enum(jobs.ModeSnapshot, jobs.ModeQueue),
		),
	), s.handleSubmitJob)

	s.addTool(mcp.NewTool(
		ToolGetJobStatus,
		mcp.WithDescription("Return the current state of a job"),
		mcp.WithString("job_id",
			mcp.Required(),
			mcp.Description("Job id returned by submit_job"),
		),
	), s.handleGetJobStatus)

	s.addTool(mcp.NewTool(
		ToolWaitForJob,
		mcp.WithDescription("Block until a job completes or the timeout elapses"),
		mcp.WithString("job_id",
			mcp.Required(),
			mcp.Description("Job id returned by submit_job"),
		),
		mcp.WithNumber("timeout",
			mcp.Description(fmt.Sprintf("Seconds to wait (default: %g)", s.defaultTimeout.Seconds())),
		),
	), s.handleWaitForJob)
}

func (s *Server) addTool(tool mcp.Tool, handler server.ToolHandlerFunc) {
	s.mcpServer.AddTool(tool, handler)
	s.tools[tool.Name] = handler
}

func (s *Server) handleSubmitJob(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	mode := request.GetString("mode", jobs.ModeSnapshot)

	var (
		id  string
		err error
	)
	switch mode {
	case jobs.ModeSnapshot:
		id, err = s.submitter.Submit(ctx)
	case jobs.ModeQueue:
		id, err = s.submitter.SubmitQueued(ctx)
	default:
		return mcp.NewToolResultError(fmt.Sprintf("unknown mode %q", mode)), nil
	}
	if err != nil {
		slog.Error("Failed to submit job", "mode", mode, "error", err)
		return mcp.NewToolResultError(fmt.Sprintf("failed to submit job: %v", err)), nil
	}

	stream := "/api/sse/stream/" + id
	if mode == jobs.ModeQueue {
		stream = "/api/sse_2/stream/" + id
	}

	message := fmt.Sprintf(
		"Job submitted with ID: %s\n\nUse the following endpoints:\n"+
			"- Status: GET /api/polling/status/%s\n"+
			"- Result: GET /api/polling/result/%s\n"+
			"- Stream: GET %s (SSE)",
		id, id, id, stream,
	)
	return mcp.NewToolResultText(message), nil
}

func (s *Server) handleGetJobStatus(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := request.RequireString("job_id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	state, err := s.observer.Read(ctx, id)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to read job: %v", err)), nil
	}
	return stateResult(state)
}

func (s *Server) handleWaitForJob(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := request.RequireString("job_id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	secs := request.GetFloat("timeout", s.defaultTimeout.Seconds())
	if secs <= 0 {
		return mcp.NewToolResultError("timeout must be positive"), nil
	}
	timeout := s.maxTimeout
	if secs < s.maxTimeout.Seconds() {
		timeout = time.Duration(secs * float64(time.Second))
	}

	state, err := s.observer.Wait(ctx, id, timeout)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("wait interrupted: %v", err)), nil
	}
	return stateResult(state)
}

func stateResult(state types.JobState) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(state)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal job state: %w", err)
	}
	return mcp.NewToolResultText(string(data)), nil
}

// ToolHandler returns the handler registered under name, or nil
func (s *Server) ToolHandler(name string) server.ToolHandlerFunc {
	return s.tools[name]
}

// GetMCPServer returns the underlying MCP server for HTTP integration
func (s *Server) GetMCPServer() *server.MCPServer {
	return s.mcpServer
}
