package mcpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
)

// hubClient keeps tool calls from hanging on a dead hub. send_prompt is
// fire-and-forget on the hub side, so a short timeout suits every tool.
var hubClient = &http.Client{Timeout: 15 * time.Second}

func registerTools(s *server.MCPServer, cfg Config) {
	s.AddTool(
		mcp.NewTool("list_sessions",
			mcp.WithDescription("List the coding-assistant sessions the hub currently tracks, with state, activity phase, and project."),
		),
		listSessionsHandler(cfg),
	)

	s.AddTool(
		mcp.NewTool("get_session",
			mcp.WithDescription("Fetch one tracked session by provider and session id."),
			mcp.WithString("provider",
				mcp.Required(),
				mcp.Description("Session provider: claude, codex, or codex-app-server"),
			),
			mcp.WithString("session_id",
				mcp.Required(),
				mcp.Description("The provider session id"),
			),
		),
		getSessionHandler(cfg),
	)

	s.AddTool(
		mcp.NewTool("send_prompt",
			mcp.WithDescription("Dispatch a prompt into a session's Discord thread. The turn runs asynchronously; output streams into the thread."),
			mcp.WithString("provider",
				mcp.Required(),
				mcp.Description("Session provider"),
			),
			mcp.WithString("session_id",
				mcp.Required(),
				mcp.Description("The provider session id"),
			),
			mcp.WithString("text",
				mcp.Required(),
				mcp.Description("The prompt text"),
			),
		),
		sendPromptHandler(cfg),
	)

	s.AddTool(
		mcp.NewTool("list_cron_jobs",
			mcp.WithDescription("List the hub's scheduled jobs with their schedules and last run state."),
		),
		listCronJobsHandler(cfg),
	)

	s.AddTool(
		mcp.NewTool("resolve_pending",
			mcp.WithDescription("Resolve a pending approval by id: accept, acceptForSession, decline, or cancel."),
			mcp.WithString("pending_id",
				mcp.Required(),
				mcp.Description("The 12-character pending approval id"),
			),
			mcp.WithString("decision",
				mcp.Description("accept | acceptForSession | decline | cancel (defaults to cancel for question prompts)"),
			),
			mcp.WithString("actor",
				mcp.Description("Who resolved it, recorded in the approval log"),
			),
		),
		resolvePendingHandler(cfg),
	)
}

func listSessionsHandler(cfg Config) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		return hubGet(ctx, cfg, "/api/sessions")
	}
}

func getSessionHandler(cfg Config) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		provider, err := req.RequireString("provider")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		sessionID, err := req.RequireString("session_id")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		return hubGet(ctx, cfg, "/api/sessions/"+provider+"/"+sessionID)
	}
}

func sendPromptHandler(cfg Config) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		provider, err := req.RequireString("provider")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		sessionID, err := req.RequireString("session_id")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		text, err := req.RequireString("text")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		return hubPost(ctx, cfg, "/api/prompt", map[string]string{
			"provider":   provider,
			"session_id": sessionID,
			"text":       text,
		})
	}
}

func listCronJobsHandler(cfg Config) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		return hubGet(ctx, cfg, "/api/cron/jobs")
	}
}

func resolvePendingHandler(cfg Config) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		pendingID, err := req.RequireString("pending_id")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		payload := map[string]string{"pending_id": pendingID}
		if decision := req.GetString("decision", ""); decision != "" {
			payload["decision"] = decision
		}
		if actor := req.GetString("actor", ""); actor != "" {
			payload["actor"] = actor
		}
		return hubPost(ctx, cfg, "/api/approvals/resolve", payload)
	}
}

func hubGet(ctx context.Context, cfg Config, path string) (*mcp.CallToolResult, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, cfg.HubURL+path, nil)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("build request: %v", err)), nil
	}
	return hubDo(httpReq)
}

func hubPost(ctx context.Context, cfg Config, path string, payload any) (*mcp.CallToolResult, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("encode payload: %v", err)), nil
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, cfg.HubURL+path, bytes.NewReader(body))
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("build request: %v", err)), nil
	}
	httpReq.Header.Set("Content-Type", "application/json")
	return hubDo(httpReq)
}

// hubDo executes the request and renders the hub's JSON answer for the
// agent. Hub-side failures come back as tool errors, never Go errors, so
// the MCP client keeps the connection.
func hubDo(req *http.Request) (*mcp.CallToolResult, error) {
	resp, err := hubClient.Do(req)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("hub unreachable: %v", err)), nil
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("read response: %v", err)), nil
	}
	if resp.StatusCode >= 400 {
		return mcp.NewToolResultError(fmt.Sprintf("hub error (%d): %s", resp.StatusCode, raw)), nil
	}

	var pretty bytes.Buffer
	if err := json.Indent(&pretty, raw, "", "  "); err != nil {
		return mcp.NewToolResultText(string(raw)), nil
	}
	return mcp.NewToolResultText(pretty.String()), nil
}
