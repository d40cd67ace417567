package enrich

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/anyan2/IdeaSystemXS/internal/storage"
	"github.com/anyan2/IdeaSystemXS/internal/vectorstore"
)

// liveBatch bounds the number of ids per LiveIdeas query.
const liveBatch = 500

// ReconcileStore is the record-store side of reconciliation.
type ReconcileStore interface {
	ListTasks(ctx context.Context, f storage.TaskFilter) ([]storage.Task, error)
	GetTask(ctx context.Context, id string) (storage.Task, error)
	GetIdea(ctx context.Context, id string) (storage.Idea, error)
	LiveIdeas(ctx context.Context, ids []string) (map[string]storage.LiveIdea, error)
	IdeaIDsByState(ctx context.Context, state storage.EnrichmentState) ([]string, error)
	HasOpenTask(ctx context.Context, ideaID string, typ storage.TaskType) (bool, error)
	CommitEmbedding(ctx context.Context, taskID, ideaID string) (bool, error)
	ResetProcessing(ctx context.Context, id string) error
	PurgeTerminalTasks(ctx context.Context, cutoff time.Time) (int64, error)
}

// Enqueuer adds tasks. The scheduler implements it.
type Enqueuer interface {
	Enqueue(ctx context.Context, ideaID string, typ storage.TaskType) (string, error)
}

// Report counts the repairs made by one pass.
type Report struct {
	TasksReset     int   `json:"tasks_reset"`
	Recommitted    int   `json:"recommitted"`
	OrphansDeleted int   `json:"orphans_deleted"`
	StaleDiscarded int   `json:"stale_discarded"`
	EmbedsEnqueued int   `json:"embeds_enqueued"`
	MetadataSynced int   `json:"metadata_synced"`
	TasksPurged    int64 `json:"tasks_purged"`
}

// Repairs returns the total number of repairs.
func (r Report) Repairs() int {
	return r.TasksReset + r.Recommitted + r.OrphansDeleted + r.StaleDiscarded + r.EmbedsEnqueued + r.MetadataSynced
}

// Reconciler brings the two stores back into agreement. Every step is
// idempotent, so passes can be repeated safely.
type Reconciler struct {
	store     ReconcileStore
	vectors   vectorstore.Store
	tasks     Enqueuer
	retention time.Duration
	logger    *slog.Logger
	now       func() time.Time
}

// NewReconciler creates a Reconciler. retention is how long terminal tasks
// are kept; 0 keeps them forever.
func NewReconciler(store ReconcileStore, vectors vectorstore.Store, tasks Enqueuer, retention time.Duration) *Reconciler {
	return &Reconciler{
		store:     store,
		vectors:   vectors,
		tasks:     tasks,
		retention: retention,
		logger:    slog.Default(),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Run performs one pass. startup must be true only when no worker is running:
// tasks found in processing are then known to be abandoned.
func (r *Reconciler) Run(ctx context.Context, startup bool) (Report, error) {
	var rep Report
	if startup {
		if err := r.recoverProcessing(ctx, &rep); err != nil {
			return rep, err
		}
	}

	ids, err := r.vectors.IDs(ctx)
	if err != nil {
		return rep, fmt.Errorf("listing vectors: %w", err)
	}
	live, err := r.liveIdeas(ctx, ids)
	if err != nil {
		return rep, err
	}

	var orphans []string
	for _, id := range ids {
		if _, ok := live[id]; !ok {
			orphans = append(orphans, id)
		}
	}
	if len(orphans) > 0 {
		if err := r.vectors.Delete(ctx, orphans...); err != nil {
			return rep, fmt.Errorf("deleting orphan vectors: %w", err)
		}
		rep.OrphansDeleted = len(orphans)
		r.logger.Warn("deleted orphan vectors", "count", len(orphans))
	}

	for _, id := range ids {
		l, ok := live[id]
		if !ok {
			continue
		}
		if err := r.checkVector(ctx, l, &rep); err != nil {
			return rep, err
		}
	}

	if err := r.enqueueMissing(ctx, ids, &rep); err != nil {
		return rep, err
	}

	if r.retention > 0 {
		n, err := r.store.PurgeTerminalTasks(ctx, r.now().Add(-r.retention))
		if err != nil {
			return rep, err
		}
		rep.TasksPurged = n
	}

	if rep.Repairs() > 0 {
		r.logger.Warn("reconciliation repaired stores",
			"tasks_reset", rep.TasksReset, "recommitted", rep.Recommitted,
			"orphans_deleted", rep.OrphansDeleted, "stale_discarded", rep.StaleDiscarded,
			"embeds_enqueued", rep.EmbedsEnqueued, "metadata_synced", rep.MetadataSynced)
	}
	return rep, nil
}

// recoverProcessing finishes or rewinds tasks left in processing by a crash.
// An embed task whose vector carries its id got as far as the upsert, so
// only the record-store step is replayed.
func (r *Reconciler) recoverProcessing(ctx context.Context, rep *Report) error {
	stuck, err := r.store.ListTasks(ctx, storage.TaskFilter{Status: storage.TaskProcessing})
	if err != nil {
		return fmt.Errorf("listing processing tasks: %w", err)
	}
	for _, t := range stuck {
		if t.Type == storage.TaskEmbed {
			e, err := r.vectors.Get(ctx, t.IdeaID)
			if err == nil && e.Metadata.TaskID == t.ID {
				live, err := r.store.CommitEmbedding(ctx, t.ID, t.IdeaID)
				if err != nil {
					return fmt.Errorf("recommitting embed task %s: %w", t.ID, err)
				}
				if !live {
					if err := r.vectors.Delete(ctx, t.IdeaID); err != nil {
						return fmt.Errorf("deleting vector of deleted idea: %w", err)
					}
				}
				rep.Recommitted++
				continue
			}
			if err != nil && !errors.Is(err, vectorstore.ErrNotFound) {
				return fmt.Errorf("loading vector %s: %w", t.IdeaID, err)
			}
		}
		if err := r.store.ResetProcessing(ctx, t.ID); err != nil {
			return fmt.Errorf("resetting task %s: %w", t.ID, err)
		}
		rep.TasksReset++
	}
	return nil
}

// checkVector validates one vector of a live idea. A vector is valid when the
// embed task that wrote it completed. When the task row has been purged the
// idea's own state decides.
func (r *Reconciler) checkVector(ctx context.Context, l storage.LiveIdea, rep *Report) error {
	e, err := r.vectors.Get(ctx, l.ID)
	if errors.Is(err, vectorstore.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("loading vector %s: %w", l.ID, err)
	}

	valid := false
	t, err := r.store.GetTask(ctx, e.Metadata.TaskID)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		idea, err := r.store.GetIdea(ctx, l.ID)
		if err != nil {
			return fmt.Errorf("loading idea %s: %w", l.ID, err)
		}
		valid = idea.EnrichmentState == storage.StateCompleted
	case err != nil:
		return fmt.Errorf("loading task %s: %w", e.Metadata.TaskID, err)
	case t.IdeaID != l.ID || t.Type != storage.TaskEmbed:
		valid = false
	case t.Status == storage.TaskPending || t.Status == storage.TaskProcessing:
		// In flight; the running or next attempt rewrites the vector.
		return nil
	default:
		valid = t.Status == storage.TaskCompleted
	}

	if !valid {
		if err := r.vectors.Delete(ctx, l.ID); err != nil {
			return fmt.Errorf("discarding stale vector %s: %w", l.ID, err)
		}
		rep.StaleDiscarded++
		r.logger.Warn("discarded vector without a committed embed task", "idea_id", l.ID, "task_id", e.Metadata.TaskID)
		return r.ensureEmbed(ctx, l.ID, rep)
	}

	if metadataMatches(e.Metadata, l) {
		return nil
	}
	e.Metadata.Archived = l.Archived
	e.Metadata.Favorite = l.Favorite
	e.Metadata.Tags = l.Tags
	if err := r.vectors.Upsert(ctx, e); err != nil {
		return fmt.Errorf("syncing vector metadata %s: %w", l.ID, err)
	}
	rep.MetadataSynced++
	return nil
}

// enqueueMissing queues an embed task for every completed idea without a vector.
func (r *Reconciler) enqueueMissing(ctx context.Context, vectorIDs []string, rep *Report) error {
	have := make(map[string]bool, len(vectorIDs))
	for _, id := range vectorIDs {
		have[id] = true
	}
	completed, err := r.store.IdeaIDsByState(ctx, storage.StateCompleted)
	if err != nil {
		return fmt.Errorf("listing completed ideas: %w", err)
	}
	for _, id := range completed {
		if have[id] {
			continue
		}
		if err := r.ensureEmbed(ctx, id, rep); err != nil {
			return err
		}
	}
	return nil
}

func (r *Reconciler) ensureEmbed(ctx context.Context, ideaID string, rep *Report) error {
	open, err := r.store.HasOpenTask(ctx, ideaID, storage.TaskEmbed)
	if err != nil {
		return err
	}
	if open {
		return nil
	}
	if _, err := r.tasks.Enqueue(ctx, ideaID, storage.TaskEmbed); err != nil {
		return fmt.Errorf("enqueueing embed for %s: %w", ideaID, err)
	}
	rep.EmbedsEnqueued++
	return nil
}

func (r *Reconciler) liveIdeas(ctx context.Context, ids []string) (map[string]storage.LiveIdea, error) {
	out := make(map[string]storage.LiveIdea, len(ids))
	for chunk := range slices.Chunk(ids, liveBatch) {
		m, err := r.store.LiveIdeas(ctx, chunk)
		if err != nil {
			return nil, fmt.Errorf("checking live ideas: %w", err)
		}
		for k, v := range m {
			out[k] = v
		}
	}
	return out, nil
}

func metadataMatches(m vectorstore.Metadata, l storage.LiveIdea) bool {
	if m.Archived != l.Archived || m.Favorite != l.Favorite {
		return false
	}
	a := slices.Clone(m.Tags)
	b := slices.Clone(l.Tags)
	slices.Sort(a)
	slices.Sort(b)
	return slices.Equal(a, b)
}

// Loop runs a non-startup pass every interval until ctx is cancelled.
func (r *Reconciler) Loop(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := r.Run(ctx, false); err != nil {
				r.logger.Error("reconciliation failed", "error", err)
			}
		}
	}
}
