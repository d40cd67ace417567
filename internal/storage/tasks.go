package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

const taskColumns = `id, idea_id, task_type, status, generation, created_at, processed_at, next_attempt_at, result, error, attempt_count`

func scanTask(sc scanner) (Task, error) {
	var t Task
	var ideaID, processedAt, result, errText sql.NullString
	var typ, status, createdAt, nextAttempt string
	if err := sc.Scan(&t.ID, &ideaID, &typ, &status, &t.Generation, &createdAt, &processedAt,
		&nextAttempt, &result, &errText, &t.AttemptCount); err != nil {
		return Task{}, err
	}
	t.IdeaID = ideaID.String
	t.Type = TaskType(typ)
	t.Status = TaskStatus(status)
	t.Result = result.String
	t.Error = errText.String
	var err error
	if t.CreatedAt, err = parseTime(createdAt); err != nil {
		return Task{}, fmt.Errorf("parsing created_at for task %s: %w", t.ID, err)
	}
	if t.NextAttemptAt, err = parseTime(nextAttempt); err != nil {
		return Task{}, fmt.Errorf("parsing next_attempt_at for task %s: %w", t.ID, err)
	}
	if t.ProcessedAt, err = parseNullTime(processedAt); err != nil {
		return Task{}, fmt.Errorf("parsing processed_at for task %s: %w", t.ID, err)
	}
	return t, nil
}

func enqueueTasks(ctx context.Context, tx *sql.Tx, ideaID string, generation int, types []TaskType, now time.Time) ([]Task, error) {
	tasks := make([]Task, 0, len(types))
	for _, typ := range types {
		t := Task{
			ID:            uuid.New().String(),
			IdeaID:        ideaID,
			Type:          typ,
			Status:        TaskPending,
			Generation:    generation,
			CreatedAt:     now,
			NextAttemptAt: now,
		}
		var idea any
		if ideaID != "" {
			idea = ideaID
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO tasks (id, idea_id, task_type, status, generation, created_at, next_attempt_at, attempt_count)
			VALUES (?, ?, ?, 'pending', ?, ?, ?, 0)`,
			t.ID, idea, string(typ), generation, formatTime(now), formatTime(now),
		); err != nil {
			return nil, fmt.Errorf("enqueueing %s task: %w", typ, err)
		}
		tasks = append(tasks, t)
	}
	return tasks, nil
}

// EnqueueTask adds one pending task. For idea-bound tasks the idea must exist
// and the task joins the idea's current generation.
func (s *Store) EnqueueTask(ctx context.Context, ideaID string, typ TaskType) (Task, error) {
	if !typ.Valid() {
		return Task{}, fmt.Errorf("unknown task type %q", typ)
	}
	var out Task
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		generation := 0
		if typ != TaskVectorCleanup {
			err := tx.QueryRowContext(ctx, `SELECT generation FROM ideas WHERE id = ?`, ideaID).Scan(&generation)
			if errors.Is(err, sql.ErrNoRows) {
				return ErrNotFound
			}
			if err != nil {
				return err
			}
		}
		now := time.Now().UTC()
		tasks, err := enqueueTasks(ctx, tx, ideaID, generation, []TaskType{typ}, now)
		if err != nil {
			return err
		}
		out = tasks[0]
		if typ != TaskVectorCleanup {
			return recomputeState(ctx, tx, ideaID)
		}
		return nil
	})
	return out, err
}

// ClaimTasks atomically moves up to n of the oldest eligible pending tasks to
// processing. A task is eligible once its backoff window has passed and no
// earlier task of the same idea is still open, which keeps per-idea creation
// order and lets at most one task per idea run at a time.
func (s *Store) ClaimTasks(ctx context.Context, n int, now time.Time) ([]Task, error) {
	if n <= 0 {
		return nil, nil
	}
	var claimed []Task
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, `
			SELECT `+prefixed("t", taskColumns)+` FROM tasks t
			WHERE t.status = 'pending' AND t.next_attempt_at <= ?
			AND NOT EXISTS (
				SELECT 1 FROM tasks e
				WHERE e.idea_id = t.idea_id AND e.seq < t.seq AND e.status IN ('pending', 'processing')
			)
			ORDER BY t.created_at ASC, t.seq ASC
			LIMIT ?`, formatTime(now), n)
		if err != nil {
			return fmt.Errorf("selecting eligible tasks: %w", err)
		}
		var batch []Task
		for rows.Next() {
			t, err := scanTask(rows)
			if err != nil {
				rows.Close()
				return err
			}
			batch = append(batch, t)
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return err
		}
		rows.Close()

		for i := range batch {
			res, err := tx.ExecContext(ctx,
				`UPDATE tasks SET status = 'processing' WHERE id = ? AND status = 'pending'`, batch[i].ID)
			if err != nil {
				return fmt.Errorf("claiming task %s: %w", batch[i].ID, err)
			}
			affected, err := res.RowsAffected()
			if err != nil {
				return fmt.Errorf("checking claimed task rows: %w", err)
			}
			if affected != 1 {
				return ErrWriteConflict
			}
			batch[i].Status = TaskProcessing
			if batch[i].IdeaID != "" && batch[i].Type != TaskVectorCleanup {
				if _, err := tx.ExecContext(ctx,
					`UPDATE ideas SET enrichment_state = 'processing' WHERE id = ?`, batch[i].IdeaID); err != nil {
					return fmt.Errorf("marking idea processing: %w", err)
				}
			}
		}
		claimed = batch
		return nil
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

func prefixed(alias, cols string) string {
	parts := strings.Split(cols, ",")
	for i, p := range parts {
		parts[i] = alias + "." + strings.TrimSpace(p)
	}
	return strings.Join(parts, ", ")
}

// CompleteTask marks a processing task completed and recomputes the idea state.
func (s *Store) CompleteTask(ctx context.Context, id, result string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		return completeTask(ctx, tx, id, result)
	})
}

func completeTask(ctx context.Context, tx *sql.Tx, id, result string) error {
	var ideaID sql.NullString
	var typ string
	err := tx.QueryRowContext(ctx, `SELECT idea_id, task_type FROM tasks WHERE id = ?`, id).Scan(&ideaID, &typ)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	res, err := tx.ExecContext(ctx, `
		UPDATE tasks SET status = 'completed', result = ?, error = NULL, processed_at = ?
		WHERE id = ? AND status = 'processing'`, result, formatTime(time.Now()), id)
	if err != nil {
		return fmt.Errorf("completing task: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n != 1 {
		return ErrWriteConflict
	}
	if ideaID.Valid && TaskType(typ) != TaskVectorCleanup {
		return recomputeState(ctx, tx, ideaID.String)
	}
	return nil
}

// RetryTask returns a processing task to pending after a retryable failure.
// The attempt counter increments and the task becomes eligible again at
// nextAttempt.
func (s *Store) RetryTask(ctx context.Context, id, errMsg string, nextAttempt time.Time) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		var ideaID sql.NullString
		err := tx.QueryRowContext(ctx, `SELECT idea_id FROM tasks WHERE id = ?`, id).Scan(&ideaID)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		res, err := tx.ExecContext(ctx, `
			UPDATE tasks SET status = 'pending', attempt_count = attempt_count + 1, error = ?,
				processed_at = ?, next_attempt_at = ?
			WHERE id = ? AND status = 'processing'`,
			errMsg, formatTime(time.Now()), formatTime(nextAttempt), id)
		if err != nil {
			return fmt.Errorf("rescheduling task: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n != 1 {
			return ErrWriteConflict
		}
		if ideaID.Valid {
			return recomputeState(ctx, tx, ideaID.String)
		}
		return nil
	})
}

// FailTask marks a processing task terminally failed.
func (s *Store) FailTask(ctx context.Context, id, errMsg string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		var ideaID sql.NullString
		var typ string
		err := tx.QueryRowContext(ctx, `SELECT idea_id, task_type FROM tasks WHERE id = ?`, id).Scan(&ideaID, &typ)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		res, err := tx.ExecContext(ctx, `
			UPDATE tasks SET status = 'failed', attempt_count = attempt_count + 1, error = ?, processed_at = ?
			WHERE id = ? AND status = 'processing'`, errMsg, formatTime(time.Now()), id)
		if err != nil {
			return fmt.Errorf("failing task: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n != 1 {
			return ErrWriteConflict
		}
		if ideaID.Valid && TaskType(typ) != TaskVectorCleanup {
			return recomputeState(ctx, tx, ideaID.String)
		}
		return nil
	})
}

// CancelTask fails a task that has not been picked up yet.
func (s *Store) CancelTask(ctx context.Context, id string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		t, err := getTask(ctx, tx, id)
		if err != nil {
			return err
		}
		if t.Status != TaskPending {
			return ErrNotCancellable
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE tasks SET status = 'failed', error = 'cancelled', processed_at = ?
			WHERE id = ? AND status = 'pending'`, formatTime(time.Now()), id); err != nil {
			return fmt.Errorf("cancelling task: %w", err)
		}
		if t.IdeaID != "" && t.Type != TaskVectorCleanup {
			return recomputeState(ctx, tx, t.IdeaID)
		}
		return nil
	})
}

func cancelPending(ctx context.Context, tx *sql.Tx, ideaID, reason string, now time.Time) (int64, error) {
	res, err := tx.ExecContext(ctx, `
		UPDATE tasks SET status = 'failed', error = ?, processed_at = ?
		WHERE idea_id = ? AND status = 'pending' AND task_type <> 'vector_cleanup'`,
		reason, formatTime(now), ideaID)
	if err != nil {
		return 0, fmt.Errorf("cancelling pending tasks: %w", err)
	}
	return res.RowsAffected()
}

// RequeueTask re-enqueues a terminal task as a new pending row in the idea's
// current generation. The original row is left untouched as history.
func (s *Store) RequeueTask(ctx context.Context, id string) (Task, error) {
	var out Task
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		t, err := getTask(ctx, tx, id)
		if err != nil {
			return err
		}
		if !t.Status.Terminal() {
			return fmt.Errorf("task %s is %s, not terminal", id, t.Status)
		}
		generation := 0
		if t.Type != TaskVectorCleanup {
			err := tx.QueryRowContext(ctx, `SELECT generation FROM ideas WHERE id = ?`, t.IdeaID).Scan(&generation)
			if errors.Is(err, sql.ErrNoRows) {
				return ErrNotFound
			}
			if err != nil {
				return err
			}
		}
		open, err := scanTask(tx.QueryRowContext(ctx, `
			SELECT `+taskColumns+` FROM tasks
			WHERE idea_id = ? AND task_type = ? AND generation = ? AND status IN ('pending', 'processing')
			ORDER BY seq DESC LIMIT 1`, t.IdeaID, string(t.Type), generation))
		switch {
		case err == nil:
			out = open
			return nil
		case !errors.Is(err, sql.ErrNoRows):
			return fmt.Errorf("checking open %s task: %w", t.Type, err)
		}
		tasks, err := enqueueTasks(ctx, tx, t.IdeaID, generation, []TaskType{t.Type}, time.Now().UTC())
		if err != nil {
			return err
		}
		out = tasks[0]
		if t.Type != TaskVectorCleanup {
			return recomputeState(ctx, tx, t.IdeaID)
		}
		return nil
	})
	return out, err
}

// ReleaseBackoff makes every pending task eligible at now. It runs when the
// provider comes back so the backlog drains strictly oldest first.
func (s *Store) ReleaseBackoff(ctx context.Context, now time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE tasks SET next_attempt_at = ? WHERE status = 'pending' AND next_attempt_at > ?`,
		formatTime(now), formatTime(now))
	if err != nil {
		return 0, fmt.Errorf("releasing backoff: %w", err)
	}
	return res.RowsAffected()
}

// ResetProcessing returns a processing task to pending without counting an
// attempt. Startup reconciliation uses it for tasks orphaned by a crash and
// the scheduler for claimed tasks it did not start.
func (s *Store) ResetProcessing(ctx context.Context, id string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`UPDATE tasks SET status = 'pending' WHERE id = ? AND status = 'processing'`, id)
		if err != nil {
			return fmt.Errorf("resetting task: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n != 1 {
			return ErrWriteConflict
		}
		var ideaID sql.NullString
		if err := tx.QueryRowContext(ctx, `SELECT idea_id FROM tasks WHERE id = ?`, id).Scan(&ideaID); err != nil {
			return err
		}
		if ideaID.Valid {
			return recomputeState(ctx, tx, ideaID.String)
		}
		return nil
	})
}

// PurgeTerminalTasks deletes completed and failed tasks processed before cutoff.
func (s *Store) PurgeTerminalTasks(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM tasks WHERE status IN ('completed', 'failed') AND processed_at IS NOT NULL AND processed_at < ?`,
		formatTime(cutoff))
	if err != nil {
		return 0, fmt.Errorf("purging tasks: %w", err)
	}
	return res.RowsAffected()
}

// GetTask returns a task by id.
func (s *Store) GetTask(ctx context.Context, id string) (Task, error) {
	return getTask(ctx, s.db, id)
}

func getTask(ctx context.Context, q execer, id string) (Task, error) {
	t, err := scanTask(q.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return Task{}, ErrNotFound
	}
	return t, err
}

// ListTasks returns tasks in creation order.
func (s *Store) ListTasks(ctx context.Context, f TaskFilter) ([]Task, error) {
	var where []string
	var args []any
	if f.IdeaID != "" {
		where = append(where, "idea_id = ?")
		args = append(args, f.IdeaID)
	}
	if f.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(f.Status))
	}
	if f.Type != "" {
		where = append(where, "task_type = ?")
		args = append(args, string(f.Type))
	}
	query := `SELECT ` + taskColumns + ` FROM tasks`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at ASC, seq ASC"
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// CountTasksByStatus returns the number of tasks per status.
func (s *Store) CountTasksByStatus(ctx context.Context) (map[TaskStatus]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM tasks GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make(map[TaskStatus]int)
	for rows.Next() {
		var st string
		var n int
		if err := rows.Scan(&st, &n); err != nil {
			return nil, err
		}
		out[TaskStatus(st)] = n
	}
	return out, rows.Err()
}

// HasOpenTask reports whether the idea has a pending or processing task of typ.
func (s *Store) HasOpenTask(ctx context.Context, ideaID string, typ TaskType) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM tasks WHERE idea_id = ? AND task_type = ? AND status IN ('pending', 'processing')`,
		ideaID, string(typ)).Scan(&n)
	return n > 0, err
}

// LatestTask returns the most recent task of typ for the idea.
func (s *Store) LatestTask(ctx context.Context, ideaID string, typ TaskType) (Task, error) {
	t, err := scanTask(s.db.QueryRowContext(ctx, `
		SELECT `+taskColumns+` FROM tasks WHERE idea_id = ? AND task_type = ?
		ORDER BY seq DESC LIMIT 1`, ideaID, string(typ)))
	if errors.Is(err, sql.ErrNoRows) {
		return Task{}, ErrNotFound
	}
	return t, err
}

// recomputeState derives the idea's enrichment state from the latest task of
// each type in its current generation.
func recomputeState(ctx context.Context, tx *sql.Tx, ideaID string) error {
	rows, err := tx.QueryContext(ctx, `
		SELECT t.status FROM tasks t JOIN ideas i ON i.id = t.idea_id
		WHERE t.idea_id = ? AND t.generation = i.generation
		AND t.task_type IN ('embed', 'summarize', 'relate')
		AND t.seq = (
			SELECT MAX(x.seq) FROM tasks x
			WHERE x.idea_id = t.idea_id AND x.generation = t.generation AND x.task_type = t.task_type
		)`, ideaID)
	if err != nil {
		return fmt.Errorf("loading task states: %w", err)
	}
	var statuses []TaskStatus
	for rows.Next() {
		var st string
		if err := rows.Scan(&st); err != nil {
			rows.Close()
			return err
		}
		statuses = append(statuses, TaskStatus(st))
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return err
	}
	rows.Close()

	state := deriveState(statuses)
	if _, err := tx.ExecContext(ctx, `UPDATE ideas SET enrichment_state = ? WHERE id = ?`, string(state), ideaID); err != nil {
		return fmt.Errorf("updating enrichment state: %w", err)
	}
	return nil
}

func deriveState(statuses []TaskStatus) EnrichmentState {
	if len(statuses) == 0 {
		return StateUnprocessed
	}
	var pending, processing, completed, failed int
	for _, st := range statuses {
		switch st {
		case TaskPending:
			pending++
		case TaskProcessing:
			processing++
		case TaskCompleted:
			completed++
		case TaskFailed:
			failed++
		}
	}
	switch {
	case processing > 0:
		return StateProcessing
	case pending > 0 && (completed > 0 || failed > 0):
		return StateProcessing
	case pending > 0:
		return StatePending
	case failed > 0:
		return StateFailed
	default:
		return StateCompleted
	}
}
