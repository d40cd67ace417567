package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/anyan2/IdeaSystemXS/internal/api"
)

type recordedRequest struct {
	Method string
	Path   string
	Body   string
	Auth   string
}

type testServer struct {
	server   *httptest.Server
	requests []recordedRequest
}

func newTestServer(t *testing.T, responses map[string]string) *testServer {
	t.Helper()
	ts := &testServer{}

	ts.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body bytes.Buffer
		body.ReadFrom(r.Body)

		ts.requests = append(ts.requests, recordedRequest{
			Method: r.Method,
			Path:   r.URL.RequestURI(),
			Body:   body.String(),
			Auth:   r.Header.Get("Authorization"),
		})

		key := r.Method + " " + r.URL.Path
		if resp, ok := responses[key]; ok {
			w.Header().Set("Content-Type", "application/json")
			w.Write([]byte(resp))
			return
		}

		w.WriteHeader(404)
		w.Write([]byte(`{"error":{"message":"not found","type":"not_found"}}`))
	}))

	t.Cleanup(ts.server.Close)
	return ts
}

func (ts *testServer) client() *apiClient {
	return &apiClient{
		baseURL:    ts.server.URL,
		token:      "test-token",
		httpClient: ts.server.Client(),
	}
}

// install routes command output and newAPIClient to ts for the test.
func (ts *testServer) install(t *testing.T) *bytes.Buffer {
	t.Helper()
	var out bytes.Buffer
	oldOut, oldClient, oldColor := stdout, newAPIClient, noColor
	stdout = &out
	newAPIClient = func() (*apiClient, error) { return ts.client(), nil }
	noColor = true
	t.Cleanup(func() {
		stdout, newAPIClient, noColor = oldOut, oldClient, oldColor
		rootCmd.SetArgs(nil)
	})
	return &out
}

func (ts *testServer) last(t *testing.T) recordedRequest {
	t.Helper()
	if len(ts.requests) == 0 {
		t.Fatal("no request recorded")
	}
	return ts.requests[len(ts.requests)-1]
}

var ctx = context.Background()

const ideaJSON = `{"id":"0a1b2c3d-4e5f","title":"grow basil","content":"grow basil on the balcony","importance":3,"tags":["garden"],"enrichment_state":"completed","summary":"Balcony herbs.","keywords":[{"keyword":"basil","weight":0.9}],"created_at":"2026-01-01T00:00:00Z","updated_at":"2026-01-01T00:00:00Z"}`

func TestAddCommand(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"POST /ideas": `{"idea":` + ideaJSON + `,"tasks":[{"id":"t1"},{"id":"t2"},{"id":"t3"}]}`,
	})
	ts.install(t)

	rootCmd.SetArgs([]string{"add", "--tags", "garden, food", "--importance", "4", "grow", "basil"})
	if err := rootCmd.Execute(); err != nil {
		t.Fatalf("add: %v", err)
	}

	r := ts.last(t)
	if r.Method != "POST" || r.Path != "/ideas" {
		t.Fatalf("request = %s %s", r.Method, r.Path)
	}
	var req api.CreateIdeaRequest
	if err := json.Unmarshal([]byte(r.Body), &req); err != nil {
		t.Fatalf("body: %v", err)
	}
	if req.Content != "grow basil" || req.Importance != 4 {
		t.Errorf("request = %+v", req)
	}
	if len(req.Tags) != 2 || req.Tags[0] != "garden" || req.Tags[1] != "food" {
		t.Errorf("tags = %v", req.Tags)
	}
	if r.Auth != "Bearer test-token" {
		t.Errorf("auth = %q", r.Auth)
	}
}

func TestAddCommand_MissingText(t *testing.T) {
	ts := newTestServer(t, nil)
	ts.install(t)

	rootCmd.SetArgs([]string{"add"})
	if err := rootCmd.Execute(); err == nil {
		t.Fatal("expected error without text")
	}
	if len(ts.requests) != 0 {
		t.Errorf("sent %d requests", len(ts.requests))
	}
}

func TestListIdeas(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"GET /ideas": `[` + ideaJSON + `]`,
	})
	out := ts.install(t)

	if err := listIdeas(ctx, ts.client(), query("tag", "garden", "state", "", "limit", "5")); err != nil {
		t.Fatalf("listIdeas: %v", err)
	}
	if got := ts.last(t).Path; got != "/ideas?limit=5&tag=garden" {
		t.Errorf("path = %q", got)
	}
	if !strings.Contains(out.String(), "0a1b2c3d") || !strings.Contains(out.String(), "grow basil") {
		t.Errorf("output = %q", out.String())
	}
}

func TestShowIdea(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"GET /ideas/0a1b2c3d-4e5f": ideaJSON,
	})
	out := ts.install(t)

	if err := showIdea(ctx, ts.client(), "0a1b2c3d-4e5f", false); err != nil {
		t.Fatalf("showIdea: %v", err)
	}
	for _, want := range []string{"Balcony herbs.", "basil", "garden", "grow basil on the balcony"} {
		if !strings.Contains(out.String(), want) {
			t.Errorf("output missing %q:\n%s", want, out.String())
		}
	}
}

func TestShowIdea_NotFound(t *testing.T) {
	ts := newTestServer(t, nil)
	ts.install(t)

	err := showIdea(ctx, ts.client(), "missing", false)
	if err == nil || !strings.Contains(err.Error(), "404") {
		t.Errorf("err = %v, want 404", err)
	}
}

func TestEditCommand(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"PATCH /ideas/abc": `{"idea":` + ideaJSON + `,"tasks":[]}`,
	})
	ts.install(t)

	rootCmd.SetArgs([]string{"edit", "abc", "--archived", "--tags", ""})
	if err := rootCmd.Execute(); err != nil {
		t.Fatalf("edit: %v", err)
	}

	var body map[string]any
	if err := json.Unmarshal([]byte(ts.last(t).Body), &body); err != nil {
		t.Fatalf("body: %v", err)
	}
	if body["archived"] != true {
		t.Errorf("archived = %v", body["archived"])
	}
	if tags, ok := body["tags"].([]any); !ok || len(tags) != 0 {
		t.Errorf("tags = %#v, want empty list", body["tags"])
	}
	if body["content"] != nil || body["title"] != nil {
		t.Errorf("unchanged fields sent: %v", body)
	}
}

func TestSearchIdeas_KeywordModeWarns(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"POST /search": `{"mode":"keyword","hits":[{"idea":` + ideaJSON + `,"distance":0}]}`,
	})
	out := ts.install(t)

	f := false
	if err := searchIdeas(ctx, ts.client(), api.SearchRequest{Query: "basil", K: 5, Archived: &f}); err != nil {
		t.Fatalf("searchIdeas: %v", err)
	}
	var req api.SearchRequest
	json.Unmarshal([]byte(ts.last(t).Body), &req)
	if req.Query != "basil" || req.Archived == nil || *req.Archived {
		t.Errorf("request = %+v", req)
	}
	if !strings.Contains(out.String(), "grow basil") {
		t.Errorf("output = %q", out.String())
	}
}

func TestShowRelated(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"GET /ideas/abc/relations": `[{"id":"r1","idea_id":"def45678-9","title":"herb spiral","relation_type":"similar","confidence":0.86}]`,
	})
	out := ts.install(t)

	if err := showRelated(ctx, ts.client(), "abc"); err != nil {
		t.Fatalf("showRelated: %v", err)
	}
	if !strings.Contains(out.String(), "similar") || !strings.Contains(out.String(), "0.86") {
		t.Errorf("output = %q", out.String())
	}
}

func TestListTasks(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"GET /tasks": `[{"id":"task-0001","idea_id":"idea-0001","type":"summarize","status":"failed","attempt_count":1,"error":"rejected: bad input"}]`,
	})
	out := ts.install(t)

	if err := listTasks(ctx, ts.client(), query("status", "failed")); err != nil {
		t.Fatalf("listTasks: %v", err)
	}
	if got := ts.last(t).Path; got != "/tasks?status=failed" {
		t.Errorf("path = %q", got)
	}
	if !strings.Contains(out.String(), "rejected: bad input") {
		t.Errorf("output = %q", out.String())
	}
}

func TestTasksRetryCommand(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"POST /tasks/task-1/retry": `{"id":"task-2","status":"pending"}`,
	})
	ts.install(t)

	rootCmd.SetArgs([]string{"tasks", "retry", "task-1"})
	if err := rootCmd.Execute(); err != nil {
		t.Fatalf("retry: %v", err)
	}
	if r := ts.last(t); r.Method != "POST" || r.Path != "/tasks/task-1/retry" {
		t.Errorf("request = %s %s", r.Method, r.Path)
	}
}

func TestImportCommand(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"POST /ideas": `{"idea":` + ideaJSON + `,"tasks":[]}`,
	})
	ts.install(t)

	path := filepath.Join(t.TempDir(), "notes.txt")
	text := "Plant tomatoes next to the fence.\n\nok\n\nBuild a small rain barrel for the garden."
	if err := os.WriteFile(path, []byte(text), 0o644); err != nil {
		t.Fatal(err)
	}

	rootCmd.SetArgs([]string{"import", path, "--tags", "garden"})
	if err := rootCmd.Execute(); err != nil {
		t.Fatalf("import: %v", err)
	}
	if len(ts.requests) != 2 {
		t.Fatalf("requests = %d, want 2", len(ts.requests))
	}
	var req api.CreateIdeaRequest
	json.Unmarshal([]byte(ts.requests[0].Body), &req)
	if req.Content != "Plant tomatoes next to the fence." || len(req.Tags) != 1 {
		t.Errorf("first request = %+v", req)
	}
}

func TestSplitTags(t *testing.T) {
	got := splitTags(" a, ,b ,")
	if len(got) != 2 || got[0] != "a" || got[1] != "b" {
		t.Errorf("splitTags = %v", got)
	}
	if splitTags("") != nil {
		t.Error("empty input should give nil")
	}
}

func TestQuerySkipsEmpty(t *testing.T) {
	if got := query("a", "", "b", ""); got != "" {
		t.Errorf("query = %q", got)
	}
	if got := query("q", "a b"); got != "?q=a+b" {
		t.Errorf("query = %q", got)
	}
}

func TestStatusCommand_Stopped(t *testing.T) {
	ts := newTestServer(t, map[string]string{})
	ts.server.Close()

	client := ts.client()
	_, err := client.get(ctx, "/health")
	if err == nil {
		t.Fatal("expected error for stopped server")
	}
	if !strings.Contains(err.Error(), "not reachable") {
		t.Errorf("error = %q, want it to mention 'not reachable'", err.Error())
	}
}

func TestNoColorFlag(t *testing.T) {
	old := noColor
	defer func() { noColor = old }()

	noColor = true
	result := colorize(colorGreen, "test message")
	if strings.Contains(result, "\033[") {
		t.Errorf("colorize with noColor=true should not contain ANSI codes, got %q", result)
	}
	if result != "test message" {
		t.Errorf("result = %q, want %q", result, "test message")
	}

	noColor = false
	result = colorize(colorGreen, "test message")
	if !strings.Contains(result, "\033[") {
		t.Errorf("colorize with noColor=false should contain ANSI codes, got %q", result)
	}
}

func TestDecodeJSON_ErrorResponse(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(401)
		w.Write([]byte(`{"error":{"message":"unauthorized","type":"auth_error"}}`))
	}))
	defer ts.Close()

	client := &apiClient{
		baseURL:    ts.URL,
		token:      "bad-token",
		httpClient: ts.Client(),
	}

	resp, err := client.get(ctx, "/ideas")
	if err != nil {
		t.Fatalf("unexpected transport error: %v", err)
	}

	var result any
	err = decodeJSON(resp, &result)
	if err == nil {
		t.Fatal("expected error for 401 response")
	}
	if !strings.Contains(err.Error(), "401") || !strings.Contains(err.Error(), "unauthorized") {
		t.Errorf("error = %q, want status and message", err.Error())
	}
}

func TestLogLevel(t *testing.T) {
	if logLevel("DEBUG").String() != "DEBUG" || logLevel("bogus").String() != "INFO" {
		t.Error("unexpected log level mapping")
	}
}
