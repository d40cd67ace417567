package api

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/anyan2/IdeaSystemXS/internal/search"
	"github.com/anyan2/IdeaSystemXS/internal/storage"
	"github.com/anyan2/IdeaSystemXS/internal/vectorstore"
)

func handleCreateIdea(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req CreateIdeaRequest
		if !decodeBody(w, r, &req) {
			return
		}
		idea, tasks, err := deps.Ideas.Create(r.Context(), storage.NewIdea{
			Content:    req.Content,
			Title:      req.Title,
			Importance: req.Importance,
			Favorite:   req.Favorite,
			Tags:       req.Tags,
		})
		if err != nil {
			storeError(w, "idea", err)
			return
		}
		writeJSON(w, http.StatusCreated, IdeaWithTasks{Idea: ideaDTO(idea), Tasks: taskDTOs(tasks)})
	}
}

func handleListIdeas(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		f := storage.IdeaFilter{
			Archived: parseBoolParam(r, "archived"),
			Favorite: parseBoolParam(r, "favorite"),
			Tag:      r.URL.Query().Get("tag"),
			State:    storage.EnrichmentState(r.URL.Query().Get("state")),
			Limit:    parseIntParam(r, "limit", 20, 200),
			Offset:   parseIntParam(r, "offset", 0, 0),
		}
		list, err := deps.Store.ListIdeas(r.Context(), f)
		if err != nil {
			storeError(w, "ideas", err)
			return
		}
		out := make([]IdeaDTO, len(list))
		for i, idea := range list {
			out[i] = ideaDTO(idea)
		}
		writeJSON(w, http.StatusOK, out)
	}
}

func handleGetIdea(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		idea, err := deps.Store.GetIdea(r.Context(), id)
		if err != nil {
			storeError(w, "idea", err)
			return
		}
		kws, err := deps.Store.Keywords(r.Context(), id)
		if err != nil {
			storeError(w, "keywords", err)
			return
		}
		dto := ideaDTO(idea)
		dto.Keywords = keywordDTOs(kws)
		writeJSON(w, http.StatusOK, dto)
	}
}

func handleUpdateIdea(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req UpdateIdeaRequest
		if !decodeBody(w, r, &req) {
			return
		}
		idea, tasks, err := deps.Ideas.Update(r.Context(), chi.URLParam(r, "id"), storage.IdeaUpdate{
			Content:    req.Content,
			Title:      req.Title,
			Archived:   req.Archived,
			Favorite:   req.Favorite,
			Importance: req.Importance,
			Tags:       req.Tags,
		})
		if err != nil {
			storeError(w, "idea", err)
			return
		}
		writeJSON(w, http.StatusOK, IdeaWithTasks{Idea: ideaDTO(idea), Tasks: taskDTOs(tasks)})
	}
}

func handleDeleteIdea(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := deps.Ideas.Delete(r.Context(), chi.URLParam(r, "id")); err != nil {
			storeError(w, "idea", err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
	}
}

func handleRelations(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		if _, err := deps.Store.GetIdea(r.Context(), id); err != nil {
			storeError(w, "idea", err)
			return
		}
		out, err := relationViews(r.Context(), deps.Store, id)
		if err != nil {
			storeError(w, "relations", err)
			return
		}
		writeJSON(w, http.StatusOK, out)
	}
}

// relationViews resolves the relations of id into the other idea's id and
// title. Relations whose other end vanished are skipped.
func relationViews(ctx context.Context, store *storage.Store, id string) ([]RelationDTO, error) {
	rels, err := store.RelationsFor(ctx, id)
	if err != nil {
		return nil, err
	}
	out := []RelationDTO{}
	for _, rel := range rels {
		other := rel.TargetIdeaID
		if other == id {
			other = rel.SourceIdeaID
		}
		o, err := store.GetIdea(ctx, other)
		if errors.Is(err, storage.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, RelationDTO{
			ID:           rel.ID,
			IdeaID:       other,
			Title:        o.Title,
			RelationType: rel.RelationType,
			Confidence:   rel.Confidence,
			CreatedAt:    rel.CreatedAt,
		})
	}
	return out, nil
}

func handleSimilar(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		id := chi.URLParam(r, "id")
		if _, err := deps.Store.GetIdea(ctx, id); err != nil {
			storeError(w, "idea", err)
			return
		}
		k := parseIntParam(r, "k", 10, 100)
		results, err := deps.Search.Nearest(ctx, search.Query{
			IdeaID: id,
			Filter: vectorstore.Filter{Archived: parseBoolParam(r, "archived")},
		}, k)
		if err != nil {
			storeError(w, "idea", err)
			return
		}
		out := []SimilarDTO{}
		for _, res := range results {
			idea, err := deps.Store.GetIdea(ctx, res.IdeaID)
			if errors.Is(err, storage.ErrNotFound) {
				continue
			}
			if err != nil {
				storeError(w, "similar idea", err)
				return
			}
			out = append(out, SimilarDTO{Idea: ideaDTO(idea), Distance: res.Distance})
		}
		writeJSON(w, http.StatusOK, out)
	}
}

func handleSearch(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req SearchRequest
		if !decodeBody(w, r, &req) {
			return
		}
		if req.Query == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "query is required")
			return
		}
		if req.K <= 0 || req.K > 100 {
			req.K = 10
		}
		res, err := deps.Search.Text(r.Context(), req.Query, req.K, vectorstore.Filter{
			Archived: req.Archived,
			Favorite: req.Favorite,
			Tag:      strings.ToLower(strings.TrimSpace(req.Tag)),
		})
		if err != nil {
			storeError(w, "search", err)
			return
		}
		out := SearchResponse{Mode: string(res.Mode), Hits: make([]SimilarDTO, len(res.Hits))}
		for i, h := range res.Hits {
			out.Hits[i] = SimilarDTO{Idea: ideaDTO(h.Idea), Distance: h.Distance}
		}
		writeJSON(w, http.StatusOK, out)
	}
}

func handleReenrich(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tasks, err := deps.Ideas.Reenrich(r.Context(), chi.URLParam(r, "id"))
		if err != nil {
			storeError(w, "idea", err)
			return
		}
		writeJSON(w, http.StatusAccepted, taskDTOs(tasks))
	}
}
