package enrich

import (
	"context"
	"errors"
	"fmt"

	"github.com/anyan2/IdeaSystemXS/internal/queue"
	"github.com/anyan2/IdeaSystemXS/internal/storage"
	"github.com/anyan2/IdeaSystemXS/internal/vectorstore"
)

// IdeaGetter looks up ideas.
type IdeaGetter interface {
	GetIdea(ctx context.Context, id string) (storage.Idea, error)
}

// VectorCleanup removes the vector of a deleted idea. It is queued when the
// synchronous delete after an idea removal failed.
type VectorCleanup struct {
	store   IdeaGetter
	vectors vectorstore.Store
}

func NewVectorCleanup(store IdeaGetter, vectors vectorstore.Store) *VectorCleanup {
	return &VectorCleanup{store: store, vectors: vectors}
}

// Handle is the queue handler for vector_cleanup tasks. Store errors are
// returned as-is so the task stays pending and is retried.
func (c *VectorCleanup) Handle(ctx context.Context, t storage.Task) (queue.Outcome, error) {
	if t.IdeaID == "" {
		return queue.Outcome{}, fmt.Errorf("vector cleanup without idea id: %w", queue.ErrPermanent)
	}
	_, err := c.store.GetIdea(ctx, t.IdeaID)
	if err == nil {
		return queue.Outcome{Result: "idea exists, vector kept"}, nil
	}
	if !errors.Is(err, storage.ErrNotFound) {
		return queue.Outcome{}, fmt.Errorf("loading idea %s: %w", t.IdeaID, err)
	}
	if err := c.vectors.Delete(ctx, t.IdeaID); err != nil {
		return queue.Outcome{}, fmt.Errorf("deleting vector: %w", err)
	}
	return queue.Outcome{Result: "vector deleted"}, nil
}
