package vectorstore

import (
	"context"
	"errors"
	"math"
	"slices"
	"sort"
	"time"
)

// ErrNotFound is returned by Get when no entry exists for the idea.
var ErrNotFound = errors.New("vector not found")

// ErrDimensionMismatch is returned when a vector does not match the store's dimension.
var ErrDimensionMismatch = errors.New("vector dimension mismatch")

// Store keeps at most one embedding per idea and answers nearest-neighbour
// queries by cosine distance. It is independent of the record store; nothing
// here joins against ideas.
//
// Implementations: SQLiteStore (default, brute force) and ChromemStore.
type Store interface {
	// Upsert writes or replaces the entry keyed by e.IdeaID.
	Upsert(ctx context.Context, e Entry) error

	// Delete removes entries. Missing ids are not an error.
	Delete(ctx context.Context, ideaIDs ...string) error

	// Get returns the entry for an idea or ErrNotFound.
	Get(ctx context.Context, ideaID string) (Entry, error)

	// Query returns up to k entries matching filter, nearest first. Ties in
	// distance are broken by idea id ascending.
	Query(ctx context.Context, vector []float32, k int, filter Filter) ([]Neighbor, error)

	// IDs returns every stored idea id in ascending order.
	IDs(ctx context.Context) ([]string, error)

	// Count returns the number of stored entries.
	Count(ctx context.Context) (int, error)

	Close() error
}

// Metadata is the copy of idea attributes kept next to a vector so queries can
// filter without touching the record store.
type Metadata struct {
	Archived  bool
	Favorite  bool
	Tags      []string
	CreatedAt time.Time
	UpdatedAt time.Time
	// TaskID is the embed task that produced the vector. Reconciliation uses
	// it to decide whether the record-store half of the write happened.
	TaskID string
}

type Entry struct {
	IdeaID   string
	Vector   []float32
	Metadata Metadata
}

// Neighbor is one query result. Distance is cosine distance in [0, 2].
type Neighbor struct {
	IdeaID   string
	Distance float64
}

// Filter restricts query results. Zero value matches everything.
type Filter struct {
	Archived *bool
	Favorite *bool
	Tag      string
}

// Match reports whether m satisfies the filter.
func (f Filter) Match(m Metadata) bool {
	if f.Archived != nil && m.Archived != *f.Archived {
		return false
	}
	if f.Favorite != nil && m.Favorite != *f.Favorite {
		return false
	}
	if f.Tag != "" && !slices.Contains(m.Tags, f.Tag) {
		return false
	}
	return true
}

// Empty reports whether the filter matches everything.
func (f Filter) Empty() bool {
	return f.Archived == nil && f.Favorite == nil && f.Tag == ""
}

// CosineDistance returns 1 - cos(a, b). Zero vectors are at distance 1 from
// everything.
func CosineDistance(a, b []float32) float64 {
	if len(a) != len(b) {
		return 2
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 1
	}
	return clampDistance(1 - dot/(math.Sqrt(na)*math.Sqrt(nb)))
}

func clampDistance(d float64) float64 {
	if d < 0 {
		return 0
	}
	if d > 2 {
		return 2
	}
	return d
}

// SortNeighbors orders by distance ascending, then idea id ascending.
func SortNeighbors(ns []Neighbor) {
	sort.Slice(ns, func(i, j int) bool {
		return lessNeighbor(ns[i], ns[j])
	})
}

func lessNeighbor(a, b Neighbor) bool {
	if a.Distance != b.Distance {
		return a.Distance < b.Distance
	}
	return a.IdeaID < b.IdeaID
}

// worstFirst is a heap whose root is the worst of the current top-k, so a
// better candidate can replace it in O(log k).
type worstFirst []Neighbor

func (h worstFirst) Len() int           { return len(h) }
func (h worstFirst) Less(i, j int) bool { return lessNeighbor(h[j], h[i]) }
func (h worstFirst) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *worstFirst) Push(x any)        { *h = append(*h, x.(Neighbor)) }
func (h *worstFirst) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}
