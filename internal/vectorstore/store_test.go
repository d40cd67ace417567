package vectorstore

import (
	"context"
	"errors"
	"fmt"
	"math"
	"testing"
	"time"
)

const testDim = 4

type backend struct {
	name string
	open func(t *testing.T) Store
}

func backends() []backend {
	return []backend{
		{"sqlite", func(t *testing.T) Store {
			t.Helper()
			s, err := OpenSQLite(":memory:", testDim)
			if err != nil {
				t.Fatalf("OpenSQLite: %v", err)
			}
			t.Cleanup(func() { s.Close() })
			return s
		}},
		{"chromem", func(t *testing.T) Store {
			t.Helper()
			s, err := OpenChromem(":memory:", testDim)
			if err != nil {
				t.Fatalf("OpenChromem: %v", err)
			}
			return s
		}},
	}
}

func entry(id string, v ...float32) Entry {
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	return Entry{IdeaID: id, Vector: v, Metadata: Metadata{CreatedAt: now, UpdatedAt: now, TaskID: "task-" + id}}
}

func forEachBackend(t *testing.T, fn func(t *testing.T, s Store)) {
	for _, b := range backends() {
		t.Run(b.name, func(t *testing.T) {
			fn(t, b.open(t))
		})
	}
}

func TestUpsertAndGet(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		e := entry("a", 1, 0, 0, 0)
		e.Metadata.Tags = []string{"home", "work"}
		e.Metadata.Favorite = true
		if err := s.Upsert(ctx, e); err != nil {
			t.Fatalf("Upsert: %v", err)
		}

		got, err := s.Get(ctx, "a")
		if err != nil {
			t.Fatalf("Get: %v", err)
		}
		if got.Metadata.TaskID != "task-a" || !got.Metadata.Favorite || len(got.Metadata.Tags) != 2 {
			t.Errorf("Metadata = %+v", got.Metadata)
		}
		if !got.Metadata.CreatedAt.Equal(e.Metadata.CreatedAt) {
			t.Errorf("CreatedAt = %v, want %v", got.Metadata.CreatedAt, e.Metadata.CreatedAt)
		}

		// Upsert replaces rather than duplicates.
		e2 := entry("a", 0, 1, 0, 0)
		e2.Metadata.TaskID = "task-2"
		if err := s.Upsert(ctx, e2); err != nil {
			t.Fatalf("second Upsert: %v", err)
		}
		n, _ := s.Count(ctx)
		if n != 1 {
			t.Errorf("Count = %d, want 1", n)
		}
		got, _ = s.Get(ctx, "a")
		if got.Metadata.TaskID != "task-2" {
			t.Errorf("TaskID = %q, want task-2", got.Metadata.TaskID)
		}

		if _, err := s.Get(ctx, "missing"); !errors.Is(err, ErrNotFound) {
			t.Errorf("Get(missing) = %v, want ErrNotFound", err)
		}
	})
}

func TestTagsWithCommasRoundTrip(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		e := entry("a", 1, 0, 0, 0)
		e.Metadata.Tags = []string{"paris, france", "travel"}
		if err := s.Upsert(ctx, e); err != nil {
			t.Fatalf("Upsert: %v", err)
		}
		got, err := s.Get(ctx, "a")
		if err != nil {
			t.Fatalf("Get: %v", err)
		}
		if len(got.Metadata.Tags) != 2 || got.Metadata.Tags[0] != "paris, france" || got.Metadata.Tags[1] != "travel" {
			t.Errorf("Tags = %q", got.Metadata.Tags)
		}
		hits, err := s.Query(ctx, []float32{1, 0, 0, 0}, 5, Filter{Tag: "paris, france"})
		if err != nil {
			t.Fatalf("Query: %v", err)
		}
		if len(hits) != 1 || hits[0].IdeaID != "a" {
			t.Errorf("Query by tag = %+v", hits)
		}
	})
}

func TestUpsertDimensionMismatch(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store) {
		err := s.Upsert(context.Background(), entry("a", 1, 2))
		if !errors.Is(err, ErrDimensionMismatch) {
			t.Errorf("Upsert = %v, want ErrDimensionMismatch", err)
		}
	})
}

func TestQueryOrderAndTies(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		for _, e := range []Entry{
			entry("c", 1, 0, 0, 0),
			entry("b", 1, 0, 0, 0),
			entry("far", 0, 0, 0, 1),
			entry("near", 1, 0.2, 0, 0),
		} {
			if err := s.Upsert(ctx, e); err != nil {
				t.Fatalf("Upsert: %v", err)
			}
		}

		got, err := s.Query(ctx, []float32{1, 0, 0, 0}, 3, Filter{})
		if err != nil {
			t.Fatalf("Query: %v", err)
		}
		want := []string{"b", "c", "near"}
		if len(got) != len(want) {
			t.Fatalf("got %d results, want %d", len(got), len(want))
		}
		for i, id := range want {
			if got[i].IdeaID != id {
				t.Errorf("result[%d] = %s, want %s", i, got[i].IdeaID, id)
			}
		}
		if math.Abs(got[0].Distance) > 1e-6 {
			t.Errorf("identical vector distance = %v, want 0", got[0].Distance)
		}

		again, _ := s.Query(ctx, []float32{1, 0, 0, 0}, 3, Filter{})
		for i := range got {
			if again[i] != got[i] {
				t.Errorf("query not deterministic at %d: %v vs %v", i, again[i], got[i])
			}
		}
	})
}

func TestQueryFilter(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		archived := entry("archived", 1, 0, 0, 0)
		archived.Metadata.Archived = true
		tagged := entry("tagged", 0.9, 0.1, 0, 0)
		tagged.Metadata.Tags = []string{"work"}
		plain := entry("plain", 0.5, 0.5, 0, 0)
		for _, e := range []Entry{archived, tagged, plain} {
			if err := s.Upsert(ctx, e); err != nil {
				t.Fatalf("Upsert: %v", err)
			}
		}

		no := false
		got, err := s.Query(ctx, []float32{1, 0, 0, 0}, 1, Filter{Archived: &no})
		if err != nil {
			t.Fatalf("Query: %v", err)
		}
		if len(got) != 1 || got[0].IdeaID != "tagged" {
			t.Errorf("filtered query = %v, want [tagged]", got)
		}

		got, err = s.Query(ctx, []float32{0, 1, 0, 0}, 10, Filter{Tag: "work"})
		if err != nil {
			t.Fatalf("Query: %v", err)
		}
		if len(got) != 1 || got[0].IdeaID != "tagged" {
			t.Errorf("tag query = %v, want [tagged]", got)
		}
	})
}

func TestQueryEmptyAndZero(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		got, err := s.Query(ctx, []float32{1, 0, 0, 0}, 5, Filter{})
		if err != nil || len(got) != 0 {
			t.Errorf("empty store Query = %v, %v", got, err)
		}
		s.Upsert(ctx, entry("a", 1, 0, 0, 0))
		if got, _ := s.Query(ctx, []float32{1, 0, 0, 0}, 0, Filter{}); len(got) != 0 {
			t.Errorf("k=0 returned %d results", len(got))
		}
		if got, _ := s.Query(ctx, []float32{0, 0, 0, 0}, 5, Filter{}); len(got) != 0 {
			t.Errorf("zero query vector returned %d results", len(got))
		}
	})
}

func TestDeleteAndIDs(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		for i := 0; i < 5; i++ {
			if err := s.Upsert(ctx, entry(fmt.Sprintf("id-%d", i), 1, float32(i), 0, 0)); err != nil {
				t.Fatalf("Upsert: %v", err)
			}
		}
		if err := s.Delete(ctx, "id-1", "id-3", "never-existed"); err != nil {
			t.Fatalf("Delete: %v", err)
		}
		if err := s.Delete(ctx); err != nil {
			t.Fatalf("Delete with no ids: %v", err)
		}
		ids, err := s.IDs(ctx)
		if err != nil {
			t.Fatalf("IDs: %v", err)
		}
		want := []string{"id-0", "id-2", "id-4"}
		if fmt.Sprint(ids) != fmt.Sprint(want) {
			t.Errorf("IDs = %v, want %v", ids, want)
		}
	})
}

func TestCosineDistance(t *testing.T) {
	tests := []struct {
		a, b []float32
		want float64
	}{
		{[]float32{1, 0}, []float32{1, 0}, 0},
		{[]float32{1, 0}, []float32{0, 1}, 1},
		{[]float32{1, 0}, []float32{-1, 0}, 2},
		{[]float32{0, 0}, []float32{1, 0}, 1},
	}
	for _, tt := range tests {
		if got := CosineDistance(tt.a, tt.b); math.Abs(got-tt.want) > 1e-9 {
			t.Errorf("CosineDistance(%v, %v) = %v, want %v", tt.a, tt.b, got, tt.want)
		}
	}
}

func TestSQLitePersists(t *testing.T) {
	dir := t.TempDir()
	s, err := OpenSQLite(dir, testDim)
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	if err := s.Upsert(context.Background(), entry("kept", 1, 0, 0, 0)); err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	s.Close()

	s2, err := OpenSQLite(dir, testDim)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer s2.Close()
	if _, err := s2.Get(context.Background(), "kept"); err != nil {
		t.Errorf("Get after reopen: %v", err)
	}
}
