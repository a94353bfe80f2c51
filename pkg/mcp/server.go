package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"github.com/rmax-ai/crmseed/pkg/client"
	"github.com/rmax-ai/crmseed/pkg/replay"
)

// Server adapts crmseed-d to the Model Context Protocol.
type Server struct {
	mcpServer *server.MCPServer
	apiClient *client.Client
}

// NewServer creates a new MCP server instance.
func NewServer(apiURL, token string) *Server {
	s := &Server{
		mcpServer: server.NewMCPServer(
			"crmseed",
			"1.0.0",
		),
		apiClient: client.NewClient(apiURL, client.Options{Token: token, Retries: 2}),
	}
	s.registerResources()
	s.registerTools()
	s.registerPrompts()
	return s
}

// Serve starts the MCP server on stdio.
func (s *Server) Serve() error {
	return server.ServeStdio(s.mcpServer)
}

// --- Resources ---

func (s *Server) registerResources() {
	// crmseed://runs
	s.mcpServer.AddResource(mcp.NewResource(
		"crmseed://runs",
		"Seeding Runs",
		mcp.WithResourceDescription("Recent seeding runs with their status and outcome counters"),
		mcp.WithMIMEType("application/json"),
	), s.handleReadRuns)
}

// --- Tools ---

func (s *Server) registerTools() {
	s.mcpServer.AddTool(mcp.NewTool(
		"get_run",
		mcp.WithDescription("Show one seeding run, including live progress and pending dead letters."),
		mcp.WithString("run_id", mcp.Required(), mcp.Description("The run to inspect")),
	), s.handleGetRun)

	s.mcpServer.AddTool(mcp.NewTool(
		"list_dlq",
		mcp.WithDescription("List pending dead letters of a run."),
		mcp.WithString("run_id", mcp.Required(), mcp.Description("The run whose dead letters to list")),
		mcp.WithString("categories", mcp.Description("Comma-separated failure categories (e.g. 'auth,timeout')")),
		mcp.WithNumber("limit", mcp.Description("Maximum entries (default 50)")),
	), s.handleListDLQ)

	s.mcpServer.AddTool(mcp.NewTool(
		"replay_dlq",
		mcp.WithDescription("Replay dead letters of a run. Dry-run by default; set dry_run=false to re-inject."),
		mcp.WithString("run_id", mcp.Required(), mcp.Description("The run whose dead letters to replay")),
		mcp.WithString("categories", mcp.Description("Comma-separated failure categories to replay")),
		mcp.WithString("strategy", mcp.Description("oldest, newest or random (default oldest)")),
		mcp.WithNumber("limit", mcp.Description("Maximum entries to replay (0 means all)")),
		mcp.WithBoolean("dry_run", mcp.Description("Only report what would be replayed (default true)")),
	), s.handleReplayDLQ)
}

// --- Prompts ---

func (s *Server) registerPrompts() {
	s.mcpServer.AddPrompt(mcp.NewPrompt(
		"crmseed-aware",
		mcp.WithPromptDescription("Provides context about crmseed concepts (Runs, Dead Letters, Replay)"),
	), s.handleGetPrompt)
}

// --- Handlers ---

func (s *Server) handleReadRuns(ctx context.Context, request mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
	runs, err := s.apiClient.ListRuns(ctx, 50)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch runs: %w", err)
	}

	data, err := json.MarshalIndent(runs, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to marshal runs: %w", err)
	}

	return []mcp.ResourceContents{
		mcp.TextResourceContents{
			URI:      request.Params.URI,
			MIMEType: "application/json",
			Text:     string(data),
		},
	}, nil
}

func (s *Server) handleGetRun(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	runID := mcp.ParseString(request, "run_id", "")
	if runID == "" {
		return mcp.NewToolResultError("run_id is required"), nil
	}

	run, err := s.apiClient.GetRun(ctx, runID)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("API error: %v", err)), nil
	}

	msg := fmt.Sprintf("Run %s (%s, version %d)\nSucceeded: %d/%d\nSkipped: %d\nDead: %d\nPending dead letters: %d",
		run.ID, run.Status, run.OverrideVersion, run.Succeeded, run.TotalItems, run.Skipped, run.Dead, run.DLQPending)
	if run.Live != nil {
		msg += fmt.Sprintf("\nIn flight: %d, queued: %d", run.Live.InFlight, run.Live.Pending)
	}
	return mcp.NewToolResultText(msg), nil
}

func (s *Server) handleListDLQ(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	runID := mcp.ParseString(request, "run_id", "")
	if runID == "" {
		return mcp.NewToolResultError("run_id is required"), nil
	}

	entries, err := s.apiClient.ListDLQ(ctx, client.DLQOptions{
		RunID:      runID,
		Categories: splitList(mcp.ParseString(request, "categories", "")),
		Limit:      mcp.ParseInt(request, "limit", 50),
	})
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("API error: %v", err)), nil
	}
	if len(entries) == 0 {
		return mcp.NewToolResultText("No pending dead letters."), nil
	}

	var b strings.Builder
	fmt.Fprintf(&b, "%d pending dead letters:\n", len(entries))
	for _, e := range entries {
		fmt.Fprintf(&b, "- seq %d (%s) %s after %d retries: %s\n", e.Sequence, e.Payload.Kind, e.Category, e.RetryCount, e.LastError)
	}
	return mcp.NewToolResultText(b.String()), nil
}

func (s *Server) handleReplayDLQ(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	req := replay.Request{
		RunID:      mcp.ParseString(request, "run_id", ""),
		Categories: splitList(mcp.ParseString(request, "categories", "")),
		Strategy:   mcp.ParseString(request, "strategy", ""),
		Limit:      mcp.ParseInt(request, "limit", 0),
		DryRun:     mcp.ParseBoolean(request, "dry_run", true),
		Meta:       map[string]any{"source": "mcp"},
	}
	if req.RunID == "" {
		return mcp.NewToolResultError("run_id is required"), nil
	}

	audit, err := s.apiClient.Replay(ctx, req)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("API error: %v", err)), nil
	}

	verb := "Replayed"
	if audit.DryRun {
		verb = "Would replay"
	}
	return mcp.NewToolResultText(fmt.Sprintf("%s %d of %d candidates (strategy %s, audit %s)",
		verb, audit.ReplayedCount, audit.CandidateCount, audit.Strategy, audit.ID)), nil
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func (s *Server) handleGetPrompt(ctx context.Context, request mcp.GetPromptRequest) (*mcp.GetPromptResult, error) {
	name := request.Params.Name
	if name != "crmseed-aware" {
		return nil, fmt.Errorf("prompt not found: %s", name)
	}

	promptText := `You are operating crmseed, a service that seeds a CRM with synthetic records on a schedule.

Concepts:
- Run: one campaign creating N records spread over a time window with a chosen shape.
- Item: one scheduled record creation inside a run, identified by (run, version, sequence).
- Dead letter: an item whose failure was not retryable or whose retries ran out.
- Replay: re-injecting selected dead letters into their run. Every replay is audited.

Before replaying, call 'replay_dlq' with dry_run=true and show the user what would be replayed.
Auth and validation failures usually need a fix upstream first; do not replay them blindly.
`

	return mcp.NewGetPromptResult(
		"crmseed-aware",
		[]mcp.PromptMessage{
			mcp.NewPromptMessage(mcp.RoleUser, mcp.NewTextContent(promptText)),
		},
	), nil
}
