// Package ideas is the write path for ideas. It keeps the vector store in
// step with record-store edits and deletes.
package ideas

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/anyan2/IdeaSystemXS/internal/storage"
	"github.com/anyan2/IdeaSystemXS/internal/vectorstore"
)

// Waker is notified when new tasks are ready to run.
type Waker interface {
	Wake()
}

// Manager creates, edits and deletes ideas.
type Manager struct {
	store   *storage.Store
	vectors vectorstore.Store
	waker   Waker
	logger  *slog.Logger
}

func NewManager(store *storage.Store, vectors vectorstore.Store, waker Waker) *Manager {
	return &Manager{store: store, vectors: vectors, waker: waker, logger: slog.Default()}
}

func (m *Manager) wake() {
	if m.waker != nil {
		m.waker.Wake()
	}
}

// Create captures an idea and queues its enrichment.
func (m *Manager) Create(ctx context.Context, in storage.NewIdea) (storage.Idea, []storage.Task, error) {
	idea, tasks, err := m.store.CreateIdea(ctx, in)
	if err != nil {
		return storage.Idea{}, nil, err
	}
	m.logger.Info("idea captured", "idea_id", idea.ID, "tasks", len(tasks))
	m.wake()
	return idea, tasks, nil
}

// Update applies a partial edit. Content edits re-enqueue enrichment; other
// edits are copied into the vector metadata right away so filters see them.
func (m *Manager) Update(ctx context.Context, id string, u storage.IdeaUpdate) (storage.Idea, []storage.Task, error) {
	idea, tasks, err := m.store.UpdateIdea(ctx, id, u)
	if err != nil {
		return storage.Idea{}, nil, err
	}
	if len(tasks) > 0 {
		m.wake()
	}
	if u.Archived != nil || u.Favorite != nil || u.Tags != nil {
		if err := m.syncMetadata(ctx, idea); err != nil {
			// The reconciler repairs drift; the edit itself succeeded.
			m.logger.Warn("syncing vector metadata", "idea_id", id, "error", err)
		}
	}
	return idea, tasks, nil
}

func (m *Manager) syncMetadata(ctx context.Context, idea storage.Idea) error {
	e, err := m.vectors.Get(ctx, idea.ID)
	if errors.Is(err, vectorstore.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	e.Metadata.Archived = idea.Archived
	e.Metadata.Favorite = idea.Favorite
	e.Metadata.Tags = idea.Tags
	e.Metadata.UpdatedAt = idea.UpdatedAt
	return m.vectors.Upsert(ctx, e)
}

// Delete removes the idea with its keywords, relations and reminders, then
// its vector. If the vector delete fails a vector_cleanup task takes over;
// either way the idea is gone when Delete returns nil.
func (m *Manager) Delete(ctx context.Context, id string) error {
	if err := m.store.DeleteIdea(ctx, id); err != nil {
		return err
	}
	if err := m.vectors.Delete(ctx, id); err != nil {
		m.logger.Warn("vector delete failed, queueing cleanup", "idea_id", id, "error", err)
		if _, qerr := m.store.EnqueueTask(ctx, id, storage.TaskVectorCleanup); qerr != nil {
			return fmt.Errorf("queueing vector cleanup: %w", qerr)
		}
		m.wake()
	}
	m.logger.Info("idea deleted", "idea_id", id)
	return nil
}

// Retry re-enqueues a failed task as a new task row.
func (m *Manager) Retry(ctx context.Context, taskID string) (storage.Task, error) {
	t, err := m.store.GetTask(ctx, taskID)
	if err != nil {
		return storage.Task{}, err
	}
	if t.Status != storage.TaskFailed {
		return storage.Task{}, fmt.Errorf("task %s is %s: %w", taskID, t.Status, ErrNotRetryable)
	}
	nt, err := m.store.RequeueTask(ctx, taskID)
	if err != nil {
		return storage.Task{}, err
	}
	m.wake()
	return nt, nil
}

// ErrNotRetryable is returned by Retry for tasks that did not fail.
var ErrNotRetryable = errors.New("only failed tasks can be retried")

// Cancel fails a pending task.
func (m *Manager) Cancel(ctx context.Context, taskID string) error {
	return m.store.CancelTask(ctx, taskID)
}

// Reenrich queues the full enrichment set again for an idea without
// changing its content. Task types that are already open are skipped.
func (m *Manager) Reenrich(ctx context.Context, id string) ([]storage.Task, error) {
	if _, err := m.store.GetIdea(ctx, id); err != nil {
		return nil, err
	}
	var out []storage.Task
	for _, typ := range storage.EnrichmentTasks {
		open, err := m.store.HasOpenTask(ctx, id, typ)
		if err != nil {
			return nil, err
		}
		if open {
			continue
		}
		t, err := m.store.EnqueueTask(ctx, id, typ)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	if len(out) > 0 {
		m.wake()
	}
	return out, nil
}
