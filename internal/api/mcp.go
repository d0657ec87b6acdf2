package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
	"unicode/utf8"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/kalambet/fieldkit/internal/retrieval"
	"github.com/kalambet/fieldkit/internal/storage"
	"github.com/kalambet/fieldkit/internal/syncqueue"
)

// NewMCPServer creates an MCP server exposing records, queues and the
// question answering strategy as tools.
func NewMCPServer(deps Deps) *server.MCPServer {
	s := server.NewMCPServer(
		"fieldkit",
		"1.0.0",
		server.WithToolCapabilities(true),
		server.WithResourceCapabilities(false, true),
		server.WithInstructions("fieldkit: offline-first field observation records, their enrichment and sync queues, and question answering over them."),
		server.WithRecovery(),
	)

	s.AddTool(
		mcp.NewTool("ask",
			mcp.WithDescription("Ask a question about field observations. The answer comes from a local model or a cloud provider."),
			mcp.WithString("question", mcp.Description("The question"), mcp.Required()),
			mcp.WithString("model", mcp.Description("auto, local, cloud, gpt-4o-mini, claude or llama-small (default auto)")),
			mcp.WithArray("record_ids", mcp.Description("Records to use as context; the first is the current visit")),
		),
		mcpAsk(deps),
	)

	s.AddTool(
		mcp.NewTool("list_records",
			mcp.WithDescription("List captured records, newest first."),
			mcp.WithNumber("limit", mcp.Description("Maximum number of records (default 10)")),
		),
		mcpListRecords(deps),
	)

	s.AddTool(
		mcp.NewTool("get_record",
			mcp.WithDescription("Get one record with its caption, transcript and sync status."),
			mcp.WithString("id", mcp.Description("Record id"), mcp.Required()),
		),
		mcpGetRecord(deps),
	)

	if deps.History != nil {
		s.AddTool(
			mcp.NewTool("search_records",
				mcp.WithDescription("Search past visits. Field numbers and time windows in the query (\"field 14 last month\") narrow the results."),
				mcp.WithString("query", mcp.Description("What to look for"), mcp.Required()),
				mcp.WithNumber("limit", mcp.Description("Maximum number of visits (default 10 for history questions, 3 otherwise)")),
			),
			mcpSearchRecords(deps),
		)
	}

	s.AddTool(
		mcp.NewTool("queue_status",
			mcp.WithDescription("Report enrichment and sync queue depth and connectivity."),
		),
		mcpQueueStatus(deps),
	)

	s.AddTool(
		mcp.NewTool("sync_pending",
			mcp.WithDescription("Queue every unsynced record and push it to the sync server."),
		),
		mcpSyncPending(deps),
	)

	s.AddResource(
		mcp.NewResource(
			"records://recent",
			"Recent Records",
			mcp.WithResourceDescription("Last 10 captured records (notes truncated)"),
			mcp.WithMIMEType("application/json"),
		),
		mcpResourceRecent(deps),
	)

	return s
}

func mcpAsk(deps Deps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		question, err := req.RequireString("question")
		if err != nil {
			return mcpError("question is required"), nil
		}

		llmReq, err := buildRequest(ctx, deps, ChatRequest{
			Text:      question,
			Model:     req.GetString("model", ""),
			RecordIDs: req.GetStringSlice("record_ids", nil),
		})
		if err != nil {
			return mcpError(err.Error()), nil
		}

		text, err := answer(ctx, deps, llmReq)
		if err != nil {
			return mcpError(fmt.Sprintf("ask failed: %v", err)), nil
		}
		return mcpText(text), nil
	}
}

func mcpListRecords(deps Deps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		limit := req.GetInt("limit", 10)
		if limit <= 0 {
			limit = 10
		}
		if limit > 100 {
			limit = 100
		}

		recs, err := deps.Store.ListRecords(ctx, limit, true)
		if err != nil {
			return mcpError(fmt.Sprintf("listing records failed: %v", err)), nil
		}
		views := make([]RecordView, len(recs))
		for i, r := range recs {
			views[i] = viewOf(r)
		}
		return mcpJSON(views)
	}
}

func mcpGetRecord(deps Deps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		id, err := req.RequireString("id")
		if err != nil {
			return mcpError("id is required"), nil
		}
		rec, err := deps.Store.GetRecord(ctx, id)
		if errors.Is(err, storage.ErrNotFound) {
			return mcpError(fmt.Sprintf("record %s not found", id)), nil
		}
		if err != nil {
			return mcpError(fmt.Sprintf("get record failed: %v", err)), nil
		}
		return mcpJSON(viewOf(rec))
	}
}

func mcpSearchRecords(deps Deps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		query, err := req.RequireString("query")
		if err != nil {
			return mcpError("query is required"), nil
		}
		limit := min(max(req.GetInt("limit", 0), 0), 50)

		res, err := deps.History.Search(ctx, query, retrieval.Options{Limit: limit})
		if err != nil {
			return mcpError(fmt.Sprintf("search failed: %v", err)), nil
		}
		return mcpJSON(searchResponse(res))
	}
}

func mcpQueueStatus(deps Deps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		st, err := queueStatus(ctx, deps)
		if err != nil {
			return mcpError(fmt.Sprintf("queue status failed: %v", err)), nil
		}
		return mcpJSON(st)
	}
}

func mcpSyncPending(deps Deps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		if deps.Sync == nil {
			return mcpError(syncqueue.ErrNotConfigured.Error()), nil
		}
		res, err := deps.Sync.SyncAllPending(ctx)
		if err != nil {
			return mcpError(fmt.Sprintf("sync failed: %v", err)), nil
		}
		if res.Offline {
			return mcpText("offline: records stay queued until connectivity returns"), nil
		}
		return mcpText(fmt.Sprintf("synced %d, retrying %d, failed %d", res.Succeeded, res.Retried+res.Deferred, res.Exhausted)), nil
	}
}

func mcpResourceRecent(deps Deps) server.ResourceHandlerFunc {
	return func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		recs, err := deps.Store.ListRecords(ctx, 10, true)
		if err != nil {
			return nil, fmt.Errorf("failed to get recent records: %w", err)
		}

		type recordSummary struct {
			ID         string `json:"id"`
			CreatedAt  string `json:"created_at"`
			TaskType   string `json:"task_type"`
			Note       string `json:"note,omitempty"`
			SyncStatus string `json:"sync_status"`
		}

		summaries := make([]recordSummary, len(recs))
		for i, r := range recs {
			note := r.Note
			if utf8.RuneCountInString(note) > 200 {
				runes := []rune(note)
				note = string(runes[:200]) + "..."
			}
			summaries[i] = recordSummary{
				ID:         r.ID,
				CreatedAt:  r.CreatedAt.Format(time.RFC3339),
				TaskType:   r.TaskType,
				Note:       note,
				SyncStatus: string(r.SyncStatus),
			}
		}

		b, err := json.Marshal(summaries)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal records: %w", err)
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

func mcpJSON(v any) (*mcp.CallToolResult, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return mcpError(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return mcpText(string(b)), nil
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
