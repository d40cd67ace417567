package api

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
	"unicode/utf8"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/anyan2/IdeaSystemXS/internal/ideas"
	"github.com/anyan2/IdeaSystemXS/internal/search"
	"github.com/anyan2/IdeaSystemXS/internal/storage"
	"github.com/anyan2/IdeaSystemXS/internal/vectorstore"
)

// MCPDeps holds dependencies for the MCP server.
type MCPDeps struct {
	Store  *storage.Store
	Ideas  *ideas.Manager
	Search *search.Service
}

// NewMCPServer creates an MCP server with the idea tools and resources registered.
func NewMCPServer(deps MCPDeps) *server.MCPServer {
	s := server.NewMCPServer(
		"ideas",
		"1.0.0",
		server.WithToolCapabilities(true),
		server.WithResourceCapabilities(false, true),
		server.WithInstructions("ideas: capture short ideas and find related ones. Enrichment runs in the background."),
		server.WithRecovery(),
	)

	s.AddTool(
		mcp.NewTool("capture_idea",
			mcp.WithDescription("Capture an idea. Embedding, summary and relations are computed in the background."),
			mcp.WithString("content", mcp.Description("The idea text"), mcp.Required()),
			mcp.WithString("title", mcp.Description("Optional title; derived from the content when empty")),
			mcp.WithArray("tags", mcp.Description("Optional tags")),
			mcp.WithNumber("importance", mcp.Description("Importance from 1 to 5 (default 3)")),
		),
		mcpCaptureIdea(deps),
	)

	s.AddTool(
		mcp.NewTool("search_ideas",
			mcp.WithDescription("Search ideas by meaning. Falls back to keyword matching while the AI provider is offline."),
			mcp.WithString("query", mcp.Description("Search query"), mcp.Required()),
			mcp.WithNumber("limit", mcp.Description("Maximum number of results (default 5)")),
		),
		mcpSearchIdeas(deps),
	)

	s.AddTool(
		mcp.NewTool("related_ideas",
			mcp.WithDescription("List the relations discovered for an idea."),
			mcp.WithString("id", mcp.Description("Idea id"), mcp.Required()),
		),
		mcpRelatedIdeas(deps),
	)

	s.AddTool(
		mcp.NewTool("idea_status",
			mcp.WithDescription("Show the enrichment state of an idea and its tasks."),
			mcp.WithString("id", mcp.Description("Idea id"), mcp.Required()),
		),
		mcpIdeaStatus(deps),
	)

	s.AddTool(
		mcp.NewTool("retry_task",
			mcp.WithDescription("Queue a failed enrichment task again."),
			mcp.WithString("task_id", mcp.Description("Id of the failed task"), mcp.Required()),
		),
		mcpRetryTask(deps),
	)

	s.AddResource(
		mcp.NewResource(
			"ideas://recent",
			"Recent Ideas",
			mcp.WithResourceDescription("Last 10 captured ideas (titles and summaries)"),
			mcp.WithMIMEType("application/json"),
		),
		mcpResourceRecent(deps),
	)

	return s
}

func mcpCaptureIdea(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		content, err := req.RequireString("content")
		if err != nil {
			return mcpError("content is required"), nil
		}
		idea, tasks, err := deps.Ideas.Create(ctx, storage.NewIdea{
			Content:    content,
			Title:      req.GetString("title", ""),
			Tags:       req.GetStringSlice("tags", nil),
			Importance: req.GetInt("importance", 0),
		})
		if err != nil {
			return mcpError(fmt.Sprintf("failed to capture: %v", err)), nil
		}
		return mcpText(fmt.Sprintf("Captured idea %s (%q), %d enrichment tasks queued", idea.ID, idea.Title, len(tasks))), nil
	}
}

func mcpSearchIdeas(deps MCPDeps) server.ToolHandlerFunc {
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

		archived := false
		res, err := deps.Search.Text(ctx, query, limit, vectorstore.Filter{Archived: &archived})
		if err != nil {
			return mcpError(fmt.Sprintf("search failed: %v", err)), nil
		}

		type hit struct {
			ID       string  `json:"id"`
			Title    string  `json:"title"`
			Summary  string  `json:"summary,omitempty"`
			Distance float64 `json:"distance,omitempty"`
		}
		out := struct {
			Mode string `json:"mode"`
			Hits []hit  `json:"hits"`
		}{Mode: string(res.Mode), Hits: make([]hit, len(res.Hits))}
		for i, h := range res.Hits {
			out.Hits[i] = hit{ID: h.Idea.ID, Title: h.Idea.Title, Summary: h.Idea.Summary, Distance: h.Distance}
		}
		return mcpJSON(out)
	}
}

func mcpRelatedIdeas(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		id, err := req.RequireString("id")
		if err != nil {
			return mcpError("id is required"), nil
		}
		if _, err := deps.Store.GetIdea(ctx, id); err != nil {
			return mcpError(fmt.Sprintf("idea %s: %v", id, err)), nil
		}
		out, err := relationViews(ctx, deps.Store, id)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to load relations: %v", err)), nil
		}
		return mcpJSON(out)
	}
}

func mcpIdeaStatus(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		id, err := req.RequireString("id")
		if err != nil {
			return mcpError("id is required"), nil
		}
		idea, err := deps.Store.GetIdea(ctx, id)
		if err != nil {
			return mcpError(fmt.Sprintf("idea %s: %v", id, err)), nil
		}
		tasks, err := deps.Store.ListTasks(ctx, storage.TaskFilter{IdeaID: id})
		if err != nil {
			return mcpError(fmt.Sprintf("failed to load tasks: %v", err)), nil
		}
		return mcpJSON(struct {
			ID              string    `json:"id"`
			EnrichmentState string    `json:"enrichment_state"`
			Tasks           []TaskDTO `json:"tasks"`
		}{ID: idea.ID, EnrichmentState: string(idea.EnrichmentState), Tasks: taskDTOs(tasks)})
	}
}

func mcpRetryTask(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		taskID, err := req.RequireString("task_id")
		if err != nil {
			return mcpError("task_id is required"), nil
		}
		t, err := deps.Ideas.Retry(ctx, taskID)
		if err != nil {
			return mcpError(fmt.Sprintf("retry failed: %v", err)), nil
		}
		return mcpText(fmt.Sprintf("Queued %s task %s", t.Type, t.ID)), nil
	}
}

func mcpResourceRecent(deps MCPDeps) server.ResourceHandlerFunc {
	return func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		list, err := deps.Store.ListIdeas(ctx, storage.IdeaFilter{Limit: 10})
		if err != nil {
			return nil, fmt.Errorf("failed to list recent ideas: %w", err)
		}

		type ideaSummary struct {
			ID        string `json:"id"`
			CreatedAt string `json:"created_at"`
			Title     string `json:"title"`
			Summary   string `json:"summary,omitempty"`
			State     string `json:"enrichment_state"`
		}

		summaries := make([]ideaSummary, len(list))
		for i, idea := range list {
			summary := idea.Summary
			if utf8.RuneCountInString(summary) > 200 {
				summary = string([]rune(summary)[:200]) + "..."
			}
			summaries[i] = ideaSummary{
				ID:        idea.ID,
				CreatedAt: idea.CreatedAt.Format(time.RFC3339),
				Title:     idea.Title,
				Summary:   summary,
				State:     string(idea.EnrichmentState),
			}
		}

		b, err := json.Marshal(summaries)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal ideas: %w", err)
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
