package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/anyan2/IdeaSystemXS/internal/storage"
)

func handleListTasks(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		f := storage.TaskFilter{
			IdeaID: q.Get("idea_id"),
			Status: storage.TaskStatus(q.Get("status")),
			Type:   storage.TaskType(q.Get("type")),
			Limit:  parseIntParam(r, "limit", 50, 500),
		}
		if f.Type != "" && !f.Type.Valid() {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "unknown task type %q", f.Type)
			return
		}
		tasks, err := deps.Store.ListTasks(r.Context(), f)
		if err != nil {
			storeError(w, "tasks", err)
			return
		}
		writeJSON(w, http.StatusOK, taskDTOs(tasks))
	}
}

func handleIdeaTasks(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		if _, err := deps.Store.GetIdea(r.Context(), id); err != nil {
			storeError(w, "idea", err)
			return
		}
		tasks, err := deps.Store.ListTasks(r.Context(), storage.TaskFilter{IdeaID: id})
		if err != nil {
			storeError(w, "tasks", err)
			return
		}
		writeJSON(w, http.StatusOK, taskDTOs(tasks))
	}
}

func handleRetryTask(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		t, err := deps.Ideas.Retry(r.Context(), chi.URLParam(r, "id"))
		if err != nil {
			storeError(w, "task", err)
			return
		}
		writeJSON(w, http.StatusAccepted, taskDTO(t))
	}
}

func handleCancelTask(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		if err := deps.Ideas.Cancel(r.Context(), id); err != nil {
			storeError(w, "task", err)
			return
		}
		t, err := deps.Store.GetTask(r.Context(), id)
		if err != nil {
			storeError(w, "task", err)
			return
		}
		writeJSON(w, http.StatusOK, taskDTO(t))
	}
}
