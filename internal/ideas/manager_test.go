package ideas

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/anyan2/IdeaSystemXS/internal/storage"
	"github.com/anyan2/IdeaSystemXS/internal/vectorstore"
)

type countingWaker struct{ n int }

func (w *countingWaker) Wake() { w.n++ }

type failingDelete struct {
	vectorstore.Store
}

func (failingDelete) Delete(context.Context, ...string) error { return errors.New("disk full") }

func setup(t *testing.T) (*storage.Store, *vectorstore.SQLiteStore) {
	t.Helper()
	store, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("storage.Open: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	vectors, err := vectorstore.OpenSQLite(":memory:", 2)
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	t.Cleanup(func() { vectors.Close() })
	return store, vectors
}

func TestCreateWakesScheduler(t *testing.T) {
	store, vectors := setup(t)
	w := &countingWaker{}
	m := NewManager(store, vectors, w)

	idea, tasks, err := m.Create(context.Background(), storage.NewIdea{Content: "an idea worth keeping"})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if idea.Title != "an idea worth keepin..." {
		t.Errorf("title = %q", idea.Title)
	}
	if len(tasks) != 3 || w.n != 1 {
		t.Errorf("tasks = %d, wakes = %d", len(tasks), w.n)
	}
}

func TestUpdateSyncsVectorMetadata(t *testing.T) {
	ctx := context.Background()
	store, vectors := setup(t)
	m := NewManager(store, vectors, nil)
	idea, _, _ := m.Create(ctx, storage.NewIdea{Content: "x"})
	vectors.Upsert(ctx, vectorstore.Entry{IdeaID: idea.ID, Vector: []float32{1, 0}, Metadata: vectorstore.Metadata{TaskID: "t1"}})

	archived := true
	tags := []string{"garden"}
	if _, _, err := m.Update(ctx, idea.ID, storage.IdeaUpdate{Archived: &archived, Tags: &tags}); err != nil {
		t.Fatalf("Update: %v", err)
	}
	e, err := vectors.Get(ctx, idea.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !e.Metadata.Archived || len(e.Metadata.Tags) != 1 || e.Metadata.Tags[0] != "garden" {
		t.Errorf("metadata = %+v", e.Metadata)
	}
	if e.Metadata.TaskID != "t1" {
		t.Errorf("task id lost: %q", e.Metadata.TaskID)
	}
}

func TestDeleteRemovesVector(t *testing.T) {
	ctx := context.Background()
	store, vectors := setup(t)
	m := NewManager(store, vectors, nil)
	idea, _, _ := m.Create(ctx, storage.NewIdea{Content: "x"})
	vectors.Upsert(ctx, vectorstore.Entry{IdeaID: idea.ID, Vector: []float32{1, 0}})

	if err := m.Delete(ctx, idea.ID); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := vectors.Get(ctx, idea.ID); !errors.Is(err, vectorstore.ErrNotFound) {
		t.Errorf("vector kept: %v", err)
	}
	if _, err := store.GetIdea(ctx, idea.ID); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("idea kept: %v", err)
	}
	if err := m.Delete(ctx, idea.ID); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("second delete: %v", err)
	}
}

func TestDeleteQueuesCleanupWhenVectorDeleteFails(t *testing.T) {
	ctx := context.Background()
	store, vectors := setup(t)
	w := &countingWaker{}
	m := NewManager(store, failingDelete{vectors}, w)
	idea, _, _ := m.Create(ctx, storage.NewIdea{Content: "x"})

	if err := m.Delete(ctx, idea.ID); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	tasks, err := store.ListTasks(ctx, storage.TaskFilter{IdeaID: idea.ID, Type: storage.TaskVectorCleanup})
	if err != nil {
		t.Fatalf("ListTasks: %v", err)
	}
	if len(tasks) != 1 || tasks[0].Status != storage.TaskPending {
		t.Fatalf("cleanup tasks = %+v", tasks)
	}
	cancelled, _ := store.ListTasks(ctx, storage.TaskFilter{IdeaID: idea.ID, Type: storage.TaskEmbed})
	if len(cancelled) != 1 || cancelled[0].Status != storage.TaskFailed {
		t.Errorf("embed task not cancelled: %+v", cancelled)
	}
}

func TestRetryOnlyFailed(t *testing.T) {
	ctx := context.Background()
	store, vectors := setup(t)
	m := NewManager(store, vectors, nil)
	_, tasks, _ := m.Create(ctx, storage.NewIdea{Content: "x"})

	if _, err := m.Retry(ctx, tasks[0].ID); !errors.Is(err, ErrNotRetryable) {
		t.Errorf("retry of pending task: %v", err)
	}
	claimed, _ := store.ClaimTasks(ctx, 1, time.Now().UTC())
	store.FailTask(ctx, claimed[0].ID, "rejected")

	nt, err := m.Retry(ctx, claimed[0].ID)
	if err != nil {
		t.Fatalf("Retry: %v", err)
	}
	if nt.ID == claimed[0].ID || nt.Status != storage.TaskPending || nt.Type != storage.TaskEmbed {
		t.Errorf("retried task = %+v", nt)
	}
	old, _ := store.GetTask(ctx, claimed[0].ID)
	if old.Status != storage.TaskFailed {
		t.Errorf("original task changed to %s", old.Status)
	}
}

func TestReenrichSkipsOpenTasks(t *testing.T) {
	ctx := context.Background()
	store, vectors := setup(t)
	m := NewManager(store, vectors, nil)
	idea, _, _ := m.Create(ctx, storage.NewIdea{Content: "x"})

	got, err := m.Reenrich(ctx, idea.ID)
	if err != nil {
		t.Fatalf("Reenrich: %v", err)
	}
	if len(got) != 0 {
		t.Errorf("queued %d tasks while all are open", len(got))
	}
	if _, err := m.Reenrich(ctx, "missing"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("Reenrich missing: %v", err)
	}
}
