// Package search answers nearest-idea queries over the vector store and
// verifies every hit against the record store, so vectors of deleted ideas
// never surface.
package search

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"

	"github.com/anyan2/IdeaSystemXS/internal/provider"
	"github.com/anyan2/IdeaSystemXS/internal/storage"
	"github.com/anyan2/IdeaSystemXS/internal/vectorstore"
)

// ErrNoEmbedding is returned when a query idea has no vector yet.
var ErrNoEmbedding = errors.New("idea has no embedding yet")

const defaultPageSize = 32

// IdeaStore is the record-store side of search.
type IdeaStore interface {
	LiveIdeas(ctx context.Context, ids []string) (map[string]storage.LiveIdea, error)
	GetIdea(ctx context.Context, id string) (storage.Idea, error)
	SearchIdeasText(ctx context.Context, query string, limit int) ([]storage.Idea, error)
}

// Query describes a similarity search: either IdeaID or Vector is set.
type Query struct {
	IdeaID string
	Vector []float32
	Filter vectorstore.Filter
}

// Result is one verified neighbour.
type Result struct {
	IdeaID   string  `json:"idea_id"`
	Distance float64 `json:"distance"`
}

// Service runs similarity searches.
type Service struct {
	vectors  vectorstore.Store
	ideas    IdeaStore
	embedder provider.Embedder
	pageSize int
	logger   *slog.Logger
}

// New creates a Service. embedder may be nil when only id and vector
// queries are needed.
func New(vectors vectorstore.Store, ideas IdeaStore, embedder provider.Embedder) *Service {
	return &Service{
		vectors:  vectors,
		ideas:    ideas,
		embedder: embedder,
		pageSize: defaultPageSize,
		logger:   slog.Default(),
	}
}

// Nearest returns up to k neighbours, nearest first, ties by idea id.
func (s *Service) Nearest(ctx context.Context, q Query, k int) ([]Result, error) {
	if k <= 0 {
		return nil, nil
	}
	var out []Result
	for r, err := range s.All(ctx, q) {
		if err != nil {
			return nil, err
		}
		out = append(out, r)
		if len(out) == k {
			break
		}
	}
	return out, nil
}

// All returns every matching neighbour lazily, nearest first. The sequence
// pages through the vector store and is finite; ranging it again restarts
// the search from the first page.
func (s *Service) All(ctx context.Context, q Query) iter.Seq2[Result, error] {
	return func(yield func(Result, error) bool) {
		vec, exclude, err := s.resolve(ctx, q)
		if err != nil {
			yield(Result{}, err)
			return
		}

		emitted := 0
		for limit := s.pageSize; ; limit *= 2 {
			// Each page re-queries the top `limit` and skips what was already
			// seen, so output order matches one big query.
			ns, err := s.vectors.Query(ctx, vec, limit, q.Filter)
			if err != nil {
				yield(Result{}, fmt.Errorf("querying vectors: %w", err))
				return
			}
			page := ns[min(emitted, len(ns)):]
			emitted = len(ns)

			live, err := s.verify(ctx, page, q.Filter)
			if err != nil {
				yield(Result{}, err)
				return
			}
			for _, n := range page {
				if n.IdeaID == exclude {
					continue
				}
				if _, ok := live[n.IdeaID]; !ok {
					continue
				}
				if !yield(Result{IdeaID: n.IdeaID, Distance: n.Distance}, nil) {
					return
				}
			}
			if len(ns) < limit {
				return
			}
		}
	}
}

func (s *Service) resolve(ctx context.Context, q Query) ([]float32, string, error) {
	if q.IdeaID == "" {
		if len(q.Vector) == 0 {
			return nil, "", fmt.Errorf("query needs an idea id or a vector")
		}
		return q.Vector, "", nil
	}
	e, err := s.vectors.Get(ctx, q.IdeaID)
	if errors.Is(err, vectorstore.ErrNotFound) {
		return nil, "", ErrNoEmbedding
	}
	if err != nil {
		return nil, "", fmt.Errorf("loading query vector: %w", err)
	}
	return e.Vector, q.IdeaID, nil
}

// verify keeps the neighbours whose idea still exists and whose record-store
// attributes match the filter. Vector metadata can lag behind an edit until
// the reconciler syncs it.
func (s *Service) verify(ctx context.Context, page []vectorstore.Neighbor, f vectorstore.Filter) (map[string]storage.LiveIdea, error) {
	ids := make([]string, len(page))
	for i, n := range page {
		ids[i] = n.IdeaID
	}
	live, err := s.ideas.LiveIdeas(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("checking live ideas: %w", err)
	}
	for id, l := range live {
		if !f.Match(vectorstore.Metadata{Archived: l.Archived, Favorite: l.Favorite, Tags: l.Tags}) {
			delete(live, id)
		}
	}
	if dropped := len(page) - len(live); dropped > 0 {
		s.logger.Debug("dropped stale search hits", "count", dropped)
	}
	return live, nil
}

// Mode tells how a text search was answered.
type Mode string

const (
	ModeVector  Mode = "vector"
	ModeKeyword Mode = "keyword"
)

// Hit is one text search result.
type Hit struct {
	Idea     storage.Idea `json:"idea"`
	Distance float64      `json:"distance,omitempty"`
}

// TextResults is the answer to a text search.
type TextResults struct {
	Mode Mode  `json:"mode"`
	Hits []Hit `json:"hits"`
}

// Text embeds the query and searches by vector. When the provider cannot be
// reached it falls back to keyword matching in the record store.
func (s *Service) Text(ctx context.Context, text string, k int, f vectorstore.Filter) (TextResults, error) {
	if k <= 0 {
		k = 10
	}
	if s.embedder != nil {
		vec, err := s.embedder.Embed(ctx, text)
		switch {
		case err == nil:
			return s.vectorHits(ctx, vec, k, f)
		case provider.IsRetryable(err):
			s.logger.Info("provider unavailable, using keyword search", "error", err)
		default:
			return TextResults{}, fmt.Errorf("embedding query: %w", err)
		}
	}
	return s.keywordHits(ctx, text, k, f)
}

func (s *Service) vectorHits(ctx context.Context, vec []float32, k int, f vectorstore.Filter) (TextResults, error) {
	rs, err := s.Nearest(ctx, Query{Vector: vec, Filter: f}, k)
	if err != nil {
		return TextResults{}, err
	}
	out := TextResults{Mode: ModeVector, Hits: []Hit{}}
	for _, r := range rs {
		idea, err := s.ideas.GetIdea(ctx, r.IdeaID)
		if errors.Is(err, storage.ErrNotFound) {
			continue
		}
		if err != nil {
			return TextResults{}, err
		}
		out.Hits = append(out.Hits, Hit{Idea: idea, Distance: r.Distance})
	}
	return out, nil
}

func (s *Service) keywordHits(ctx context.Context, text string, k int, f vectorstore.Filter) (TextResults, error) {
	// Over-fetch so filtering still leaves k candidates in the common case.
	ideas, err := s.ideas.SearchIdeasText(ctx, text, k*4)
	if err != nil {
		return TextResults{}, fmt.Errorf("keyword search: %w", err)
	}
	out := TextResults{Mode: ModeKeyword, Hits: []Hit{}}
	for _, idea := range ideas {
		if !f.Match(vectorstore.Metadata{Archived: idea.Archived, Favorite: idea.Favorite, Tags: idea.Tags}) {
			continue
		}
		out.Hits = append(out.Hits, Hit{Idea: idea})
		if len(out.Hits) == k {
			break
		}
	}
	return out, nil
}
