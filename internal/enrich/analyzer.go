package enrich

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/anyan2/IdeaSystemXS/internal/provider"
	"github.com/anyan2/IdeaSystemXS/internal/queue"
	"github.com/anyan2/IdeaSystemXS/internal/storage"
)

// AnalysisStore is the record-store side of the analyzer.
type AnalysisStore interface {
	GetIdea(ctx context.Context, id string) (storage.Idea, error)
	CommitAnalysis(ctx context.Context, taskID, ideaID, summary string, keywords []storage.Keyword) (bool, error)
}

// Analyzer writes the summary and keywords of an idea together with the
// completion of its summarize task.
type Analyzer struct {
	store      AnalysisStore
	summarizer provider.Summarizer
	logger     *slog.Logger
}

func NewAnalyzer(store AnalysisStore, summarizer provider.Summarizer) *Analyzer {
	return &Analyzer{store: store, summarizer: summarizer, logger: slog.Default()}
}

// Handle is the queue handler for summarize tasks.
func (a *Analyzer) Handle(ctx context.Context, t storage.Task) (queue.Outcome, error) {
	idea, err := a.store.GetIdea(ctx, t.IdeaID)
	if errors.Is(err, storage.ErrNotFound) {
		if _, err := a.store.CommitAnalysis(ctx, t.ID, t.IdeaID, "", nil); err != nil {
			return queue.Outcome{}, fmt.Errorf("closing summarize task of deleted idea: %w", err)
		}
		return queue.Outcome{Result: "idea deleted", Committed: true}, nil
	}
	if err != nil {
		return queue.Outcome{}, fmt.Errorf("loading idea %s: %w", t.IdeaID, err)
	}

	an, err := a.summarizer.Summarize(ctx, idea.Content)
	if err != nil {
		return queue.Outcome{}, err
	}

	kws := make([]storage.Keyword, len(an.Keywords))
	for i, k := range an.Keywords {
		kws[i] = storage.Keyword{IdeaID: idea.ID, Keyword: k.Word, Weight: k.Weight}
	}
	live, err := a.store.CommitAnalysis(ctx, t.ID, idea.ID, an.Summary, kws)
	if err != nil {
		return queue.Outcome{}, fmt.Errorf("committing analysis: %w", err)
	}
	if !live {
		return queue.Outcome{Result: "idea deleted", Committed: true}, nil
	}
	return queue.Outcome{Result: an.String(), Committed: true}, nil
}
