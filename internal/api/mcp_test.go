package api

import (
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/anyan2/IdeaSystemXS/internal/storage"
)

func newTestMCPDeps(t *testing.T) (MCPDeps, *testEnv) {
	t.Helper()
	e := setupApp(t)
	return MCPDeps{Store: e.store, Ideas: e.deps.Ideas, Search: e.deps.Search}, e
}

func toolText(t *testing.T, result *mcp.CallToolResult) string {
	t.Helper()
	if len(result.Content) == 0 {
		t.Fatal("no content in result")
	}
	tc, ok := result.Content[0].(mcp.TextContent)
	if !ok {
		t.Fatalf("expected TextContent, got %T", result.Content[0])
	}
	return tc.Text
}

func makeCallToolRequest(name string, args map[string]interface{}) mcp.CallToolRequest {
	return mcp.CallToolRequest{
		Params: mcp.CallToolParams{
			Name:      name,
			Arguments: args,
		},
	}
}

func callTool(t *testing.T, h func(context.Context, mcp.CallToolRequest) (*mcp.CallToolResult, error), name string, args map[string]interface{}) *mcp.CallToolResult {
	t.Helper()
	result, err := h(context.Background(), makeCallToolRequest(name, args))
	if err != nil {
		t.Fatalf("%s: unexpected error: %v", name, err)
	}
	return result
}

func TestMCPTool_CaptureIdea(t *testing.T) {
	deps, e := newTestMCPDeps(t)

	result := callTool(t, mcpCaptureIdea(deps), "capture_idea", map[string]interface{}{
		"content": "Build a bird feeder",
		"tags":    []string{"diy"},
	})
	if result.IsError {
		t.Fatalf("unexpected error: %s", toolText(t, result))
	}

	list, err := e.store.ListIdeas(context.Background(), storage.IdeaFilter{})
	if err != nil {
		t.Fatalf("listing ideas: %v", err)
	}
	if len(list) != 1 || list[0].Content != "Build a bird feeder" {
		t.Fatalf("ideas = %+v", list)
	}
	if !strings.Contains(toolText(t, result), list[0].ID) {
		t.Errorf("response %q does not name the idea id", toolText(t, result))
	}
}

func TestMCPTool_CaptureIdea_MissingContent(t *testing.T) {
	deps, _ := newTestMCPDeps(t)
	result := callTool(t, mcpCaptureIdea(deps), "capture_idea", map[string]interface{}{})
	if !result.IsError {
		t.Fatal("expected error result")
	}
}

func TestMCPTool_SearchIdeas(t *testing.T) {
	deps, e := newTestMCPDeps(t)
	e.create(t, "buy milk", 1, 0)
	e.create(t, "fix the bike", 0, 1)
	e.drain(t)
	e.provider.SetVector("milk", []float32{1, 0.1})

	result := callTool(t, mcpSearchIdeas(deps), "search_ideas", map[string]interface{}{"query": "milk", "limit": 1})
	if result.IsError {
		t.Fatalf("unexpected error: %s", toolText(t, result))
	}
	var out struct {
		Mode string `json:"mode"`
		Hits []struct {
			Title string `json:"title"`
		} `json:"hits"`
	}
	if err := json.Unmarshal([]byte(toolText(t, result)), &out); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}
	if out.Mode != "vector" || len(out.Hits) != 1 || out.Hits[0].Title != "buy milk" {
		t.Errorf("search = %+v", out)
	}
}

func TestMCPTool_RelatedAndStatus(t *testing.T) {
	deps, e := newTestMCPDeps(t)
	a := e.create(t, "buy milk", 1, 0)
	e.create(t, "buy oat milk", 0.9, 0.43588989)
	e.drain(t)

	result := callTool(t, mcpRelatedIdeas(deps), "related_ideas", map[string]interface{}{"id": a.ID})
	var rels []RelationDTO
	if err := json.Unmarshal([]byte(toolText(t, result)), &rels); err != nil {
		t.Fatalf("failed to parse relations: %v", err)
	}
	if len(rels) != 1 || rels[0].Title != "buy oat milk" {
		t.Errorf("relations = %+v", rels)
	}

	result = callTool(t, mcpIdeaStatus(deps), "idea_status", map[string]interface{}{"id": a.ID})
	var st struct {
		EnrichmentState string    `json:"enrichment_state"`
		Tasks           []TaskDTO `json:"tasks"`
	}
	if err := json.Unmarshal([]byte(toolText(t, result)), &st); err != nil {
		t.Fatalf("failed to parse status: %v", err)
	}
	if st.EnrichmentState != "completed" || len(st.Tasks) != 3 {
		t.Errorf("status = %+v", st)
	}

	result = callTool(t, mcpIdeaStatus(deps), "idea_status", map[string]interface{}{"id": "nope"})
	if !result.IsError {
		t.Error("expected error for unknown idea")
	}
}

func TestMCPTool_RetryTask(t *testing.T) {
	deps, e := newTestMCPDeps(t)
	e.provider.RejectText("spam")
	idea := e.create(t, "spam spam")
	e.drain(t)

	failed, err := e.store.ListTasks(context.Background(), storage.TaskFilter{IdeaID: idea.ID, Type: storage.TaskEmbed})
	if err != nil || len(failed) != 1 {
		t.Fatalf("embed tasks = %v, %v", failed, err)
	}
	result := callTool(t, mcpRetryTask(deps), "retry_task", map[string]interface{}{"task_id": failed[0].ID})
	if result.IsError {
		t.Fatalf("unexpected error: %s", toolText(t, result))
	}
	result = callTool(t, mcpRetryTask(deps), "retry_task", map[string]interface{}{"task_id": "missing"})
	if !result.IsError {
		t.Error("expected error for unknown task")
	}
}

func TestMCPResource_Recent(t *testing.T) {
	deps, e := newTestMCPDeps(t)
	e.create(t, "first idea")
	e.create(t, "second idea")

	contents, err := mcpResourceRecent(deps)(context.Background(), mcp.ReadResourceRequest{
		Params: mcp.ReadResourceParams{URI: "ideas://recent"},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	tc, ok := contents[0].(mcp.TextResourceContents)
	if !ok {
		t.Fatalf("expected TextResourceContents, got %T", contents[0])
	}
	var items []map[string]any
	if err := json.Unmarshal([]byte(tc.Text), &items); err != nil {
		t.Fatalf("failed to parse: %v", err)
	}
	if len(items) != 2 {
		t.Errorf("items = %d, want 2", len(items))
	}
}

func TestNewMCPServer(t *testing.T) {
	deps, _ := newTestMCPDeps(t)
	if NewMCPServer(deps) == nil {
		t.Fatal("NewMCPServer returned nil")
	}
}
