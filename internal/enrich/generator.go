// Package enrich implements the task handlers of the enrichment pipeline and
// the reconciler that keeps the record store and the vector store in
// agreement.
package enrich

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/anyan2/IdeaSystemXS/internal/provider"
	"github.com/anyan2/IdeaSystemXS/internal/queue"
	"github.com/anyan2/IdeaSystemXS/internal/storage"
	"github.com/anyan2/IdeaSystemXS/internal/vectorstore"
)

// EmbedStore is the record-store side of the embedding write.
type EmbedStore interface {
	GetIdea(ctx context.Context, id string) (storage.Idea, error)
	CommitEmbedding(ctx context.Context, taskID, ideaID string) (bool, error)
}

// Generator turns idea content into a vector. The write is a two-step saga:
// the vector is upserted first, then the task completes in the record store.
// A crash between the steps leaves a vector tagged with a task that is still
// processing, which the reconciler resolves.
type Generator struct {
	store    EmbedStore
	vectors  vectorstore.Store
	embedder provider.Embedder
	logger   *slog.Logger
}

func NewGenerator(store EmbedStore, vectors vectorstore.Store, embedder provider.Embedder) *Generator {
	return &Generator{store: store, vectors: vectors, embedder: embedder, logger: slog.Default()}
}

// Handle is the queue handler for embed tasks.
func (g *Generator) Handle(ctx context.Context, t storage.Task) (queue.Outcome, error) {
	idea, err := g.store.GetIdea(ctx, t.IdeaID)
	if errors.Is(err, storage.ErrNotFound) {
		if _, err := g.store.CommitEmbedding(ctx, t.ID, t.IdeaID); err != nil {
			return queue.Outcome{}, fmt.Errorf("closing embed task of deleted idea: %w", err)
		}
		return queue.Outcome{Result: "idea deleted", Committed: true}, nil
	}
	if err != nil {
		return queue.Outcome{}, fmt.Errorf("loading idea %s: %w", t.IdeaID, err)
	}

	vec, err := g.embedder.Embed(ctx, idea.Content)
	if err != nil {
		return queue.Outcome{}, err
	}

	entry := vectorstore.Entry{
		IdeaID: idea.ID,
		Vector: vec,
		Metadata: vectorstore.Metadata{
			Archived:  idea.Archived,
			Favorite:  idea.Favorite,
			Tags:      idea.Tags,
			CreatedAt: idea.CreatedAt,
			UpdatedAt: idea.UpdatedAt,
			TaskID:    t.ID,
		},
	}
	if err := g.vectors.Upsert(ctx, entry); err != nil {
		if errors.Is(err, vectorstore.ErrDimensionMismatch) {
			return queue.Outcome{}, fmt.Errorf("storing vector: %w: %w", err, queue.ErrPermanent)
		}
		return queue.Outcome{}, fmt.Errorf("storing vector: %w", err)
	}

	live, err := g.store.CommitEmbedding(ctx, t.ID, idea.ID)
	if err != nil {
		return queue.Outcome{}, fmt.Errorf("committing embedding: %w", err)
	}
	if !live {
		// Deleted while we were embedding; the vector must not outlive it.
		if err := g.vectors.Delete(ctx, idea.ID); err != nil {
			g.logger.Warn("dropping vector of deleted idea", "idea_id", idea.ID, "error", err)
		}
		return queue.Outcome{Result: "idea deleted", Committed: true}, nil
	}
	g.logger.Debug("idea embedded", "idea_id", idea.ID, "task_id", t.ID, "dimensions", len(vec))
	return queue.Outcome{Result: fmt.Sprintf("embedded (%d dimensions)", len(vec)), Committed: true}, nil
}
