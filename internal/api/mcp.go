package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/kalambet/memoir/internal/cascade"
	"github.com/kalambet/memoir/internal/ingest"
	"github.com/kalambet/memoir/internal/profile"
	"github.com/kalambet/memoir/internal/storage"
)

// MCPDeps holds dependencies for the MCP server.
type MCPDeps struct {
	Store       *storage.Store
	Profile     *profile.Manager
	Ingest      *ingest.Service
	Chat        cascade.ChatEngine
	MaxAttempts int
	Version     string
}

// NewMCPServer creates an MCP server with the diary tools and resources
// registered.
func NewMCPServer(deps MCPDeps) *server.MCPServer {
	if deps.MaxAttempts <= 0 {
		deps.MaxAttempts = 3
	}
	if deps.Version == "" {
		deps.Version = "dev"
	}
	s := server.NewMCPServer(
		"memoir",
		deps.Version,
		server.WithToolCapabilities(true),
		server.WithResourceCapabilities(false, true),
		server.WithInstructions("memoir is a private local diary. Entries are analyzed in the background and questions are answered only from what was recorded."),
		server.WithRecovery(),
	)

	s.AddTool(
		mcp.NewTool("add_entry",
			mcp.WithDescription("Record a diary entry. It is split into blocks and queued for analysis."),
			mcp.WithString("text", mcp.Description("The entry text"), mcp.Required()),
			mcp.WithString("source", mcp.Description("Where the entry came from (default mcp)")),
		),
		mcpAddEntry(deps),
	)

	s.AddTool(
		mcp.NewTool("ask_diary",
			mcp.WithDescription("Ask a question. Questions about the user's own history are answered only from recorded entries."),
			mcp.WithString("question", mcp.Description("The question"), mcp.Required()),
			mcp.WithBoolean("force_local", mcp.Description("Answer with the local model only")),
		),
		mcpAskDiary(deps),
	)

	s.AddTool(
		mcp.NewTool("search_entries",
			mcp.WithDescription("Full-text search over analyzed entries. Returns summaries, never raw text."),
			mcp.WithString("query", mcp.Description("Search query"), mcp.Required()),
			mcp.WithNumber("limit", mcp.Description("Maximum number of results (default 5)")),
		),
		mcpSearchEntries(deps),
	)

	s.AddTool(
		mcp.NewTool("queue_status",
			mcp.WithDescription("Counts of analysis jobs by status."),
		),
		mcpQueueStatus(deps),
	)

	s.AddTool(
		mcp.NewTool("set_preference",
			mcp.WithDescription("Update a user profile field."),
			mcp.WithString("key", mcp.Description("Profile field key (e.g. communication.tone)"), mcp.Required()),
			mcp.WithString("value", mcp.Description("Value to set"), mcp.Required()),
		),
		mcpSetPreference(deps),
	)

	s.AddResource(
		mcp.NewResource(
			"user://profile",
			"User Profile",
			mcp.WithResourceDescription("Current user profile as JSON"),
			mcp.WithMIMEType("application/json"),
		),
		mcpResourceProfile(deps),
	)

	s.AddResource(
		mcp.NewResource(
			"diary://recent",
			"Recent Entries",
			mcp.WithResourceDescription("Last 10 analyzed entries (summaries only)"),
			mcp.WithMIMEType("application/json"),
		),
		mcpResourceRecent(deps),
	)

	return s
}

func mcpAddEntry(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		text, err := req.RequireString("text")
		if err != nil {
			return mcpError("text is required"), nil
		}
		source := req.GetString("source", "mcp")

		res, err := deps.Ingest.Ingest(text, source)
		switch {
		case errors.Is(err, ingest.ErrEmptyText), errors.Is(err, ingest.ErrTooLong):
			return mcpError(err.Error()), nil
		case err != nil:
			return mcpError(fmt.Sprintf("failed to save entry: %v", err)), nil
		}
		return mcpText(fmt.Sprintf("Stored entry %d with %d blocks queued", res.EntryID, res.QueuedBlocks)), nil
	}
}

func mcpAskDiary(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		if deps.Chat == nil {
			return mcpError("chat not available"), nil
		}
		question, err := req.RequireString("question")
		if err != nil || strings.TrimSpace(question) == "" {
			return mcpError("question is required"), nil
		}

		reply := deps.Chat.Chat(ctx, strings.TrimSpace(question), cascade.Options{
			ForceLocal: req.GetBool("force_local", false),
		})
		return mcpText(reply.Text), nil
	}
}

func mcpSearchEntries(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		query, err := req.RequireString("query")
		if err != nil {
			return mcpError("query is required"), nil
		}

		limit := req.GetInt("limit", 5)
		if limit <= 0 {
			limit = 5
		}
		if limit > 50 {
			limit = 50
		}

		briefs, err := deps.Store.SearchEntries(query, limit)
		if err != nil {
			return mcpError(fmt.Sprintf("search failed: %v", err)), nil
		}
		if len(briefs) == 0 {
			return mcpText("[]"), nil
		}

		b, err := json.Marshal(briefViews(briefs))
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal results: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpQueueStatus(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		sum, err := deps.Store.QueueSummary(deps.MaxAttempts)
		if err != nil {
			return mcpError(fmt.Sprintf("queue summary failed: %v", err)), nil
		}
		b, err := json.Marshal(sum)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal summary: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

// listKeys hold JSON arrays; a plain string becomes a one-item list.
var listKeys = map[string]bool{
	"interests": true, "goals": true, "preferences": true, "style.examples": true,
}

func mcpSetPreference(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		key, err := req.RequireString("key")
		if err != nil {
			return mcpError("key is required"), nil
		}
		value, err := req.RequireString("value")
		if err != nil {
			return mcpError("value is required"), nil
		}
		if !profile.ValidKey(key) {
			return mcpError(fmt.Sprintf("unknown profile key %q", key)), nil
		}

		var v any = value
		if listKeys[key] && !strings.HasPrefix(strings.TrimSpace(value), "[") {
			v = []string{value}
		}
		if err := deps.Profile.SetField(key, v); err != nil {
			return mcpError(fmt.Sprintf("failed to set preference: %v", err)), nil
		}
		return mcpText(fmt.Sprintf("Set %s = %s", key, value)), nil
	}
}

func mcpResourceProfile(deps MCPDeps) server.ResourceHandlerFunc {
	return func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		p, err := deps.Profile.GetProfile()
		if err != nil {
			return nil, fmt.Errorf("failed to get profile: %w", err)
		}

		b, err := json.Marshal(p)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal profile: %w", err)
		}

		return []mcp.ResourceContents{
			mcp.TextResourceContents{
				URI:      req.Params.URI,
				MIMEType: "application/json",
				Text:     string(b),
			},
		}, nil
	}
}

func mcpResourceRecent(deps MCPDeps) server.ResourceHandlerFunc {
	return func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		briefs, err := deps.Store.RecentAnalyses(10)
		if err != nil {
			return nil, fmt.Errorf("failed to get recent entries: %w", err)
		}

		b, err := json.Marshal(briefViews(briefs))
		if err != nil {
			return nil, fmt.Errorf("failed to marshal entries: %w", err)
		}

		return []mcp.ResourceContents{
			mcp.TextResourceContents{
				URI:      req.Params.URI,
				MIMEType: "application/json",
				Text:     string(b),
			},
		}, nil
	}
}

func briefViews(briefs []storage.EntryBrief) []briefView {
	out := make([]briefView, len(briefs))
	for i, b := range briefs {
		out[i] = briefView{
			EntryID:   b.EntryID,
			CreatedAt: formatTime(b.CreatedAt),
			Rank:      b.Rank,
			Analysis:  rawJSON(b.AnalysisJSON),
		}
	}
	return out
}

func mcpText(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: text},
		},
	}
}

func mcpError(msg string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: msg},
		},
		IsError: true,
	}
}
