package api

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/anyan2/IdeaSystemXS/internal/enrich"
	"github.com/anyan2/IdeaSystemXS/internal/ideas"
	"github.com/anyan2/IdeaSystemXS/internal/provider/mock"
	"github.com/anyan2/IdeaSystemXS/internal/queue"
	"github.com/anyan2/IdeaSystemXS/internal/search"
	"github.com/anyan2/IdeaSystemXS/internal/storage"
	"github.com/anyan2/IdeaSystemXS/internal/vectorstore"
)

const testToken = "test-token-12345"

type testEnv struct {
	store    *storage.Store
	vectors  *vectorstore.SQLiteStore
	provider *mock.Provider
	sched    *queue.Scheduler
	deps     AppDeps
	handler  http.Handler
}

func setupApp(t *testing.T) *testEnv {
	t.Helper()
	store, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("Open(:memory:) failed: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	vectors, err := vectorstore.OpenSQLite(":memory:", 2)
	if err != nil {
		t.Fatalf("OpenSQLite failed: %v", err)
	}
	t.Cleanup(func() { vectors.Close() })

	p := mock.New(2)
	svc := search.New(vectors, store, p)
	sched := queue.New(store, p, queue.Config{Concurrency: 1, BatchSize: 1, CallTimeout: 5 * time.Second})
	enrich.NewPipeline(store, vectors, p, svc, enrich.RelationConfig{Threshold: 0.8}).Register(sched)

	deps := AppDeps{
		Store:      store,
		Ideas:      ideas.NewManager(store, vectors, sched),
		Search:     svc,
		Scheduler:  sched,
		Vectors:    vectors,
		Reconciler: enrich.NewReconciler(store, vectors, sched, 0),
		Token:      testToken,
	}
	return &testEnv{store: store, vectors: vectors, provider: p, sched: sched, deps: deps, handler: NewAppHandler(deps)}
}

func (e *testEnv) drain(t *testing.T) {
	t.Helper()
	for range 100 {
		n, err := e.sched.RunOnce(context.Background())
		if err != nil {
			t.Fatalf("RunOnce: %v", err)
		}
		if n == 0 {
			return
		}
	}
	t.Fatal("queue did not drain")
}

func authReq(method, url, body, token string) *http.Request {
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, url, reader)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	return req
}

func (e *testEnv) do(t *testing.T, method, url, body string, wantCode int, out any) {
	t.Helper()
	rr := httptest.NewRecorder()
	e.handler.ServeHTTP(rr, authReq(method, url, body, testToken))
	if rr.Code != wantCode {
		t.Fatalf("%s %s: status = %d, want %d; body = %s", method, url, rr.Code, wantCode, rr.Body.String())
	}
	if out != nil {
		if err := json.Unmarshal(rr.Body.Bytes(), out); err != nil {
			t.Fatalf("decoding %s: %v", rr.Body.String(), err)
		}
	}
}

func (e *testEnv) create(t *testing.T, content string, vec ...float32) IdeaDTO {
	t.Helper()
	if len(vec) > 0 {
		e.provider.SetVector(content, vec)
	}
	body, _ := json.Marshal(CreateIdeaRequest{Content: content})
	var resp IdeaWithTasks
	e.do(t, http.MethodPost, "/ideas", string(body), http.StatusCreated, &resp)
	return resp.Idea
}

func TestAuthRequired(t *testing.T) {
	e := setupApp(t)

	rr := httptest.NewRecorder()
	e.handler.ServeHTTP(rr, authReq(http.MethodGet, "/ideas", "", ""))
	if rr.Code != http.StatusUnauthorized {
		t.Errorf("no token: status = %d, want 401", rr.Code)
	}

	rr = httptest.NewRecorder()
	e.handler.ServeHTTP(rr, authReq(http.MethodGet, "/ideas", "", "wrong"))
	if rr.Code != http.StatusUnauthorized {
		t.Errorf("wrong token: status = %d, want 401", rr.Code)
	}

	rr = httptest.NewRecorder()
	e.handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/ideas?token="+testToken, nil))
	if rr.Code != http.StatusOK {
		t.Errorf("query token: status = %d, want 200", rr.Code)
	}

	rr = httptest.NewRecorder()
	e.handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/health", nil))
	if rr.Code != http.StatusOK {
		t.Errorf("health: status = %d, want 200", rr.Code)
	}
}

func TestCreateIdea(t *testing.T) {
	e := setupApp(t)

	var resp IdeaWithTasks
	e.do(t, http.MethodPost, "/ideas", `{"content":"grow basil on the balcony","tags":["Garden"]}`, http.StatusCreated, &resp)

	if resp.Idea.Title != "grow basil on the ba..." {
		t.Errorf("title = %q", resp.Idea.Title)
	}
	if resp.Idea.EnrichmentState != "pending" {
		t.Errorf("state = %q, want pending", resp.Idea.EnrichmentState)
	}
	if len(resp.Tasks) != 3 {
		t.Errorf("tasks = %d, want 3", len(resp.Tasks))
	}
}

func TestCreateIdea_Invalid(t *testing.T) {
	e := setupApp(t)
	e.do(t, http.MethodPost, "/ideas", `{"content":"   "}`, http.StatusBadRequest, nil)
	e.do(t, http.MethodPost, "/ideas", `{"content":"x","importance":9}`, http.StatusBadRequest, nil)
	e.do(t, http.MethodPost, "/ideas", `not json`, http.StatusBadRequest, nil)
}

func TestGetIdea_AfterEnrichment(t *testing.T) {
	e := setupApp(t)
	idea := e.create(t, "write a book about bees", 1, 0)
	e.drain(t)

	var got IdeaDTO
	e.do(t, http.MethodGet, "/ideas/"+idea.ID, "", http.StatusOK, &got)
	if got.EnrichmentState != "completed" {
		t.Errorf("state = %q, want completed", got.EnrichmentState)
	}
	if got.Summary == "" || len(got.Keywords) == 0 {
		t.Errorf("analysis missing: summary=%q keywords=%v", got.Summary, got.Keywords)
	}

	e.do(t, http.MethodGet, "/ideas/missing", "", http.StatusNotFound, nil)
}

func TestUpdateAndDeleteIdea(t *testing.T) {
	e := setupApp(t)
	idea := e.create(t, "learn rust", 1, 0)
	e.drain(t)

	var upd IdeaWithTasks
	e.do(t, http.MethodPatch, "/ideas/"+idea.ID, `{"archived":true}`, http.StatusOK, &upd)
	if !upd.Idea.Archived || len(upd.Tasks) != 0 {
		t.Errorf("metadata edit: archived=%v tasks=%d", upd.Idea.Archived, len(upd.Tasks))
	}
	e.do(t, http.MethodPatch, "/ideas/"+idea.ID, `{"content":"learn zig"}`, http.StatusOK, &upd)
	if len(upd.Tasks) != 3 {
		t.Errorf("content edit queued %d tasks, want 3", len(upd.Tasks))
	}

	e.do(t, http.MethodDelete, "/ideas/"+idea.ID, "", http.StatusOK, nil)
	e.do(t, http.MethodDelete, "/ideas/"+idea.ID, "", http.StatusNotFound, nil)
	if n, _ := e.vectors.Count(context.Background()); n != 0 {
		t.Errorf("vectors after delete = %d, want 0", n)
	}
}

func TestListIdeasFilter(t *testing.T) {
	e := setupApp(t)
	a := e.create(t, "first")
	e.create(t, "second")
	e.do(t, http.MethodPatch, "/ideas/"+a.ID, `{"favorite":true}`, http.StatusOK, nil)

	var all, favs []IdeaDTO
	e.do(t, http.MethodGet, "/ideas", "", http.StatusOK, &all)
	e.do(t, http.MethodGet, "/ideas?favorite=true", "", http.StatusOK, &favs)
	if len(all) != 2 || len(favs) != 1 || favs[0].ID != a.ID {
		t.Errorf("all = %d, favorites = %+v", len(all), favs)
	}
}

func TestRelationsAndSimilar(t *testing.T) {
	e := setupApp(t)
	a := e.create(t, "buy milk", 1, 0)
	b := e.create(t, "buy milk and eggs", 0.9, 0.43588989)
	e.create(t, "quantum physics", 0, 1)

	e.do(t, http.MethodGet, "/ideas/"+a.ID+"/similar", "", http.StatusConflict, nil)
	e.drain(t)

	var rels []RelationDTO
	e.do(t, http.MethodGet, "/ideas/"+a.ID+"/relations", "", http.StatusOK, &rels)
	if len(rels) != 1 || rels[0].IdeaID != b.ID || rels[0].RelationType != "similar" {
		t.Fatalf("relations = %+v", rels)
	}

	var sim []SimilarDTO
	e.do(t, http.MethodGet, "/ideas/"+a.ID+"/similar?k=1", "", http.StatusOK, &sim)
	if len(sim) != 1 || sim[0].Idea.ID != b.ID {
		t.Errorf("similar = %+v", sim)
	}
}

func TestSearch_KeywordFallbackWhenOffline(t *testing.T) {
	e := setupApp(t)
	e.create(t, "paint the fence")
	e.create(t, "plant tomatoes")
	e.provider.SetDown(true)

	var resp SearchResponse
	e.do(t, http.MethodPost, "/search", `{"query":"fence"}`, http.StatusOK, &resp)
	if resp.Mode != "keyword" || len(resp.Hits) != 1 || resp.Hits[0].Idea.Content != "paint the fence" {
		t.Errorf("search = %+v", resp)
	}
	e.do(t, http.MethodPost, "/search", `{"query":""}`, http.StatusBadRequest, nil)
}

func TestSearch_TagFilterIgnoresCase(t *testing.T) {
	e := setupApp(t)
	var created IdeaWithTasks
	e.do(t, http.MethodPost, "/ideas", `{"content":"paint the fence","tags":["Work"]}`, http.StatusCreated, &created)
	e.create(t, "paint the fence blue")
	e.provider.SetDown(true)

	var resp SearchResponse
	e.do(t, http.MethodPost, "/search", `{"query":"fence","tag":" Work "}`, http.StatusOK, &resp)
	if resp.Mode != "keyword" || len(resp.Hits) != 1 || resp.Hits[0].Idea.ID != created.Idea.ID {
		t.Errorf("search = %+v, want only the tagged idea", resp)
	}
}

func TestTasksRetryAndCancel(t *testing.T) {
	e := setupApp(t)
	e.provider.RejectText("poison")
	idea := e.create(t, "poison pill")
	other := e.create(t, "harmless")

	var pending []TaskDTO
	e.do(t, http.MethodGet, "/tasks?status=pending&idea_id="+other.ID, "", http.StatusOK, &pending)
	if len(pending) != 3 {
		t.Fatalf("pending tasks = %d, want 3", len(pending))
	}
	var cancelled TaskDTO
	e.do(t, http.MethodPost, "/tasks/"+pending[0].ID+"/cancel", "", http.StatusOK, &cancelled)
	if cancelled.Status != "failed" || cancelled.Error != "cancelled" {
		t.Errorf("cancelled = %+v", cancelled)
	}
	e.do(t, http.MethodPost, "/tasks/"+pending[0].ID+"/cancel", "", http.StatusConflict, nil)

	e.drain(t)

	var failed []TaskDTO
	e.do(t, http.MethodGet, "/tasks?status=failed&type=embed&idea_id="+idea.ID, "", http.StatusOK, &failed)
	if len(failed) != 1 {
		t.Fatalf("failed embed tasks = %d, want 1", len(failed))
	}
	e.provider.AllowText("poison")
	var retried TaskDTO
	e.do(t, http.MethodPost, "/tasks/"+failed[0].ID+"/retry", "", http.StatusAccepted, &retried)
	if retried.Status != "pending" || retried.ID == failed[0].ID {
		t.Errorf("retried = %+v", retried)
	}
	e.do(t, http.MethodPost, "/tasks/"+retried.ID+"/retry", "", http.StatusConflict, nil)
	e.do(t, http.MethodGet, "/tasks?type=bogus", "", http.StatusBadRequest, nil)
}

func TestStatus(t *testing.T) {
	e := setupApp(t)
	e.create(t, "one", 1, 0)
	e.create(t, "two", 0, 1)
	e.drain(t)

	var st StatusResponse
	e.do(t, http.MethodGet, "/status", "", http.StatusOK, &st)
	if st.Mode != "online" {
		t.Errorf("mode = %q, want online", st.Mode)
	}
	if st.Ideas != 2 || st.Vectors != 2 {
		t.Errorf("ideas = %d, vectors = %d", st.Ideas, st.Vectors)
	}
	if st.Tasks["completed"] != 6 {
		t.Errorf("completed tasks = %d, want 6", st.Tasks["completed"])
	}
}

func TestReconcileEndpoint(t *testing.T) {
	e := setupApp(t)
	e.vectors.Upsert(context.Background(), vectorstore.Entry{IdeaID: "ghost", Vector: []float32{1, 0}})

	var rep enrich.Report
	e.do(t, http.MethodPost, "/reconcile", "", http.StatusOK, &rep)
	if rep.OrphansDeleted != 1 {
		t.Errorf("report = %+v", rep)
	}
}
