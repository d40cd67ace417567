package vectorstore

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"sort"
	"strconv"
	"sync"
	"time"

	chromem "github.com/philippgille/chromem-go"
)

var _ Store = (*ChromemStore)(nil)

const chromemCollection = "ideas_embeddings"

// tagKeyPrefix marks per-tag metadata keys so exact-match where clauses can
// filter by tag.
const tagKeyPrefix = "tag:"

// ChromemStore is the embedded chromem-go backend. Documents carry no text;
// the idea id doubles as content since chromem requires one of the two.
type ChromemStore struct {
	db  *chromem.DB
	col *chromem.Collection
	dim int

	// chromem has no listing API; IDs queries with a probe vector instead,
	// and concurrent writers would make the count race with that query.
	mu sync.RWMutex
}

// OpenChromem opens a persistent chromem database under dataDir, or an
// in-memory one for ":memory:". dim must be the embedding dimension.
func OpenChromem(dataDir string, dim int) (*ChromemStore, error) {
	if dim <= 0 {
		return nil, fmt.Errorf("chromem backend needs a positive dimension, got %d", dim)
	}
	var db *chromem.DB
	if dataDir == ":memory:" {
		db = chromem.NewDB()
	} else {
		var err error
		db, err = chromem.NewPersistentDB(filepath.Join(dataDir, "chromem"), false)
		if err != nil {
			return nil, fmt.Errorf("opening chromem database: %w", err)
		}
	}
	// Embeddings are always supplied, so no embedding func is configured.
	col, err := db.GetOrCreateCollection(chromemCollection, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("opening collection %s: %w", chromemCollection, err)
	}
	return &ChromemStore{db: db, col: col, dim: dim}, nil
}

// Close is a no-op; the persistent DB writes through on every change.
func (s *ChromemStore) Close() error { return nil }

func (s *ChromemStore) Upsert(ctx context.Context, e Entry) error {
	if e.IdeaID == "" {
		return fmt.Errorf("upserting vector: empty idea id")
	}
	if len(e.Vector) != s.dim {
		return fmt.Errorf("%w: got %d, want %d", ErrDimensionMismatch, len(e.Vector), s.dim)
	}
	vec := make([]float32, len(e.Vector))
	copy(vec, e.Vector)

	s.mu.Lock()
	defer s.mu.Unlock()
	err := s.col.AddDocument(ctx, chromem.Document{
		ID:        e.IdeaID,
		Content:   e.IdeaID,
		Embedding: vec,
		Metadata:  encodeMetadata(e.Metadata),
	})
	if err != nil {
		return fmt.Errorf("adding document %s: %w", e.IdeaID, err)
	}
	return nil
}

func (s *ChromemStore) Delete(ctx context.Context, ideaIDs ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var present []string
	for _, id := range ideaIDs {
		if _, err := s.col.GetByID(ctx, id); err == nil {
			present = append(present, id)
		}
	}
	if len(present) == 0 {
		return nil
	}
	if err := s.col.Delete(ctx, nil, nil, present...); err != nil {
		return fmt.Errorf("deleting documents: %w", err)
	}
	return nil
}

func (s *ChromemStore) Get(ctx context.Context, ideaID string) (Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	doc, err := s.col.GetByID(ctx, ideaID)
	if err != nil {
		return Entry{}, ErrNotFound
	}
	return Entry{IdeaID: doc.ID, Vector: doc.Embedding, Metadata: decodeMetadata(doc.Metadata)}, nil
}

func (s *ChromemStore) Query(ctx context.Context, vector []float32, k int, filter Filter) ([]Neighbor, error) {
	if k <= 0 {
		return nil, nil
	}
	if len(vector) != s.dim {
		return nil, fmt.Errorf("%w: got %d, want %d", ErrDimensionMismatch, len(vector), s.dim)
	}
	if norm(vector) == 0 {
		return nil, nil
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.query(ctx, vector, k, buildWhere(filter))
}

func (s *ChromemStore) query(ctx context.Context, vector []float32, k int, where map[string]string) ([]Neighbor, error) {
	// chromem rejects nResults above the collection size.
	count := s.col.Count()
	if count == 0 {
		return nil, nil
	}
	// Ask for everything so ties at the k boundary are broken by id rather
	// than by chromem's internal order.
	q := make([]float32, len(vector))
	copy(q, vector)
	results, err := s.col.QueryEmbedding(ctx, q, count, where, nil)
	if err != nil {
		return nil, fmt.Errorf("chromem query: %w", err)
	}
	out := make([]Neighbor, 0, len(results))
	for _, r := range results {
		out = append(out, Neighbor{IdeaID: r.ID, Distance: clampDistance(1 - float64(r.Similarity))})
	}
	SortNeighbors(out)
	if len(out) > k {
		out = out[:k]
	}
	return out, nil
}

func (s *ChromemStore) IDs(ctx context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	probe := make([]float32, s.dim)
	probe[0] = 1
	ns, err := s.query(ctx, probe, s.col.Count(), nil)
	if err != nil {
		return nil, err
	}
	ids := make([]string, len(ns))
	for i, n := range ns {
		ids[i] = n.IdeaID
	}
	sort.Strings(ids)
	return ids, nil
}

func (s *ChromemStore) Count(_ context.Context) (int, error) {
	return s.col.Count(), nil
}

func buildWhere(f Filter) map[string]string {
	if f.Empty() {
		return nil
	}
	where := make(map[string]string)
	if f.Archived != nil {
		where["archived"] = strconv.FormatBool(*f.Archived)
	}
	if f.Favorite != nil {
		where["favorite"] = strconv.FormatBool(*f.Favorite)
	}
	if f.Tag != "" {
		where[tagKeyPrefix+f.Tag] = "1"
	}
	return where
}

func encodeMetadata(m Metadata) map[string]string {
	md := map[string]string{
		"archived":   strconv.FormatBool(m.Archived),
		"favorite":   strconv.FormatBool(m.Favorite),
		"created_at": m.CreatedAt.UTC().Format(time.RFC3339Nano),
		"updated_at": m.UpdatedAt.UTC().Format(time.RFC3339Nano),
		"task_id":    m.TaskID,
	}
	if len(m.Tags) > 0 {
		tags, _ := json.Marshal(m.Tags)
		md["tags"] = string(tags)
	}
	for _, t := range m.Tags {
		md[tagKeyPrefix+t] = "1"
	}
	return md
}

func decodeMetadata(md map[string]string) Metadata {
	var m Metadata
	m.Archived, _ = strconv.ParseBool(md["archived"])
	m.Favorite, _ = strconv.ParseBool(md["favorite"])
	if t := md["tags"]; t != "" {
		_ = json.Unmarshal([]byte(t), &m.Tags)
	}
	m.CreatedAt, _ = time.Parse(time.RFC3339Nano, md["created_at"])
	m.UpdatedAt, _ = time.Parse(time.RFC3339Nano, md["updated_at"])
	m.TaskID = md["task_id"]
	return m
}
