package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
)

// ideaExists reports whether the idea row is still present inside tx.
func ideaExists(ctx context.Context, tx *sql.Tx, id string) (bool, error) {
	var one int
	err := tx.QueryRowContext(ctx, `SELECT 1 FROM ideas WHERE id = ?`, id).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	return err == nil, err
}

// CommitEmbedding is the record-store half of an embedding write: it
// completes the embed task and recomputes the idea state. It reports whether
// the idea still exists; when it does not, the task completes as a no-op and
// the caller drops the vector it just wrote.
func (s *Store) CommitEmbedding(ctx context.Context, taskID, ideaID string) (bool, error) {
	var live bool
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		ok, err := ideaExists(ctx, tx, ideaID)
		if err != nil {
			return err
		}
		live = ok
		result := "embedded"
		if !ok {
			result = "idea deleted"
		}
		return completeTask(ctx, tx, taskID, result)
	})
	return live, err
}

// CommitAnalysis writes the summary and keywords and completes the task in
// one transaction. Previous keywords of the idea are replaced. A task from an
// older generation completes without writing anything.
func (s *Store) CommitAnalysis(ctx context.Context, taskID, ideaID, summary string, keywords []Keyword) (bool, error) {
	var live bool
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		ok, err := ideaExists(ctx, tx, ideaID)
		if err != nil {
			return err
		}
		live = ok
		if !ok {
			return completeTask(ctx, tx, taskID, "idea deleted")
		}
		var taskGen, ideaGen int
		err = tx.QueryRowContext(ctx, `
			SELECT t.generation, i.generation FROM tasks t, ideas i
			WHERE t.id = ? AND i.id = ?`, taskID, ideaID).Scan(&taskGen, &ideaGen)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("checking generation: %w", err)
		}
		if taskGen < ideaGen {
			return completeTask(ctx, tx, taskID, "superseded by an edit")
		}
		if _, err := tx.ExecContext(ctx, `UPDATE ideas SET summary = ? WHERE id = ?`, summary, ideaID); err != nil {
			return fmt.Errorf("writing summary: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM keywords WHERE idea_id = ?`, ideaID); err != nil {
			return fmt.Errorf("clearing keywords: %w", err)
		}
		for _, k := range keywords {
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO keywords (idea_id, keyword, weight) VALUES (?, ?, ?)`, ideaID, k.Keyword, k.Weight); err != nil {
				return fmt.Errorf("writing keyword %q: %w", k.Keyword, err)
			}
		}
		return completeTask(ctx, tx, taskID, fmt.Sprintf("summary with %d keywords", len(keywords)))
	})
	return live, err
}

// InsertRelations stores candidate relations, skipping any pair that already
// has a relation of the same type in either direction, self-pairs, and pairs
// whose ideas no longer exist. It returns the rows actually created.
func (s *Store) InsertRelations(ctx context.Context, candidates []Relation) ([]Relation, error) {
	var created []Relation
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		for _, c := range candidates {
			if c.SourceIdeaID == c.TargetIdeaID {
				continue
			}
			c.ID = uuid.New().String()
			c.CreatedAt = time.Now().UTC()
			res, err := tx.ExecContext(ctx, `
				INSERT OR IGNORE INTO relations (id, source_idea_id, target_idea_id, relation_type, confidence, created_at)
				SELECT ?, ?, ?, ?, ?, ?
				WHERE EXISTS (SELECT 1 FROM ideas WHERE id = ?)
				AND EXISTS (SELECT 1 FROM ideas WHERE id = ?)`,
				c.ID, c.SourceIdeaID, c.TargetIdeaID, c.RelationType, c.Confidence, formatTime(c.CreatedAt),
				c.SourceIdeaID, c.TargetIdeaID)
			if err != nil {
				return fmt.Errorf("inserting relation: %w", err)
			}
			n, err := res.RowsAffected()
			if err != nil {
				return err
			}
			if n == 1 {
				created = append(created, c)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return created, nil
}

// RelationsFor returns relations touching the idea in either direction,
// most confident first.
func (s *Store) RelationsFor(ctx context.Context, ideaID string) ([]Relation, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, source_idea_id, target_idea_id, relation_type, confidence, created_at
		FROM relations WHERE source_idea_id = ? OR target_idea_id = ?`, ideaID, ideaID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Relation
	for rows.Next() {
		var r Relation
		var createdAt string
		if err := rows.Scan(&r.ID, &r.SourceIdeaID, &r.TargetIdeaID, &r.RelationType, &r.Confidence, &createdAt); err != nil {
			return nil, err
		}
		if r.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, fmt.Errorf("parsing created_at for relation %s: %w", r.ID, err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Confidence != out[j].Confidence {
			return out[i].Confidence > out[j].Confidence
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// CountRelations returns the total number of relation rows.
func (s *Store) CountRelations(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM relations`).Scan(&n)
	return n, err
}
