package api

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/anyan2/IdeaSystemXS/internal/enrich"
	"github.com/anyan2/IdeaSystemXS/internal/ideas"
	"github.com/anyan2/IdeaSystemXS/internal/queue"
	"github.com/anyan2/IdeaSystemXS/internal/search"
	"github.com/anyan2/IdeaSystemXS/internal/storage"
	"github.com/anyan2/IdeaSystemXS/internal/vectorstore"
)

// Reconciler runs an on-demand consistency pass.
type Reconciler interface {
	Run(ctx context.Context, startup bool) (enrich.Report, error)
}

type AppDeps struct {
	Store      *storage.Store
	Ideas      *ideas.Manager
	Search     *search.Service
	Scheduler  *queue.Scheduler
	Vectors    vectorstore.Store
	Reconciler Reconciler   // optional; POST /reconcile returns 501 without it
	Events     http.Handler // optional; serves GET /events
	Token      string
}

// NewAppHandler returns the HTTP API. /health is public; every other route
// needs the bearer token.
func NewAppHandler(deps AppDeps) http.Handler {
	r := chi.NewRouter()
	r.Get("/health", handleHealth)

	r.Group(func(r chi.Router) {
		r.Use(BearerAuth(deps.Token))

		r.Post("/ideas", handleCreateIdea(deps))
		r.Get("/ideas", handleListIdeas(deps))
		r.Get("/ideas/{id}", handleGetIdea(deps))
		r.Patch("/ideas/{id}", handleUpdateIdea(deps))
		r.Delete("/ideas/{id}", handleDeleteIdea(deps))
		r.Get("/ideas/{id}/relations", handleRelations(deps))
		r.Get("/ideas/{id}/similar", handleSimilar(deps))
		r.Get("/ideas/{id}/tasks", handleIdeaTasks(deps))
		r.Post("/ideas/{id}/reenrich", handleReenrich(deps))

		r.Post("/search", handleSearch(deps))

		r.Get("/tasks", handleListTasks(deps))
		r.Post("/tasks/{id}/retry", handleRetryTask(deps))
		r.Post("/tasks/{id}/cancel", handleCancelTask(deps))

		r.Post("/reconcile", handleReconcile(deps))
		r.Get("/status", handleStatus(deps))
		if deps.Events != nil {
			r.Handle("/events", deps.Events)
		}
	})
	return r
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"status":"ok"}`))
}

func handleReconcile(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if deps.Reconciler == nil {
			httpError(w, http.StatusNotImplemented, "api_error", "reconciliation not available")
			return
		}
		rep, err := deps.Reconciler.Run(r.Context(), false)
		if err != nil {
			storeError(w, "reconciliation", err)
			return
		}
		writeJSON(w, http.StatusOK, rep)
	}
}

const trendingWindow = 7 * 24 * time.Hour

func handleStatus(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		resp := StatusResponse{Tasks: map[string]int{}}
		if deps.Scheduler != nil {
			resp.Mode = deps.Scheduler.Availability().Mode().String()
			resp.ActiveTasks = deps.Scheduler.Active()
		}

		counts, err := deps.Store.CountTasksByStatus(ctx)
		if err != nil {
			storeError(w, "task counts", err)
			return
		}
		for st, n := range counts {
			resp.Tasks[string(st)] = n
		}
		if resp.Ideas, err = deps.Store.CountIdeas(ctx); err != nil {
			storeError(w, "idea count", err)
			return
		}
		if resp.Relations, err = deps.Store.CountRelations(ctx); err != nil {
			storeError(w, "relation count", err)
			return
		}
		if deps.Vectors != nil {
			if resp.Vectors, err = deps.Vectors.Count(ctx); err != nil {
				storeError(w, "vector count", err)
				return
			}
		}
		trending, err := deps.Store.TrendingKeywords(ctx, time.Now().UTC().Add(-trendingWindow), 10)
		if err != nil {
			storeError(w, "trending keywords", err)
			return
		}
		resp.TrendingTopics = keywordDTOs(trending)
		writeJSON(w, http.StatusOK, resp)
	}
}

func parseIntParam(r *http.Request, key string, defaultVal, maxVal int) int {
	s := r.URL.Query().Get(key)
	if s == "" {
		return defaultVal
	}
	v, err := strconv.Atoi(s)
	if err != nil || v < 0 {
		return defaultVal
	}
	if maxVal > 0 && v > maxVal {
		return maxVal
	}
	return v
}

// parseBoolParam returns nil when the parameter is absent or malformed.
func parseBoolParam(r *http.Request, key string) *bool {
	s := r.URL.Query().Get(key)
	if s == "" {
		return nil
	}
	b, err := strconv.ParseBool(s)
	if err != nil {
		return nil
	}
	return &b
}
