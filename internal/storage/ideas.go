package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
)

const titleLength = 20

// GenerateTitle derives a title from the first characters of content.
func GenerateTitle(content string) string {
	content = strings.TrimSpace(content)
	if line, _, ok := strings.Cut(content, "\n"); ok {
		content = strings.TrimSpace(line)
	}
	if utf8.RuneCountInString(content) <= titleLength {
		return content
	}
	return string([]rune(content)[:titleLength]) + "..."
}

const ideaColumns = `id, content, title, created_at, updated_at, archived, favorite, summary, importance, enrichment_state, generation`

// CreateIdea inserts an idea together with its enrichment tasks in one
// transaction. Either both exist afterwards or neither does.
func (s *Store) CreateIdea(ctx context.Context, in NewIdea) (Idea, []Task, error) {
	if strings.TrimSpace(in.Content) == "" {
		return Idea{}, nil, fmt.Errorf("idea content is empty: %w", ErrInvalid)
	}
	importance := in.Importance
	if importance == 0 {
		importance = 3
	}
	if importance < 1 || importance > 5 {
		return Idea{}, nil, fmt.Errorf("importance %d out of range 1-5: %w", importance, ErrInvalid)
	}
	title := strings.TrimSpace(in.Title)
	if title == "" {
		title = GenerateTitle(in.Content)
	}

	now := time.Now().UTC()
	idea := Idea{
		ID:              uuid.New().String(),
		Content:         in.Content,
		Title:           title,
		CreatedAt:       now,
		UpdatedAt:       now,
		Favorite:        in.Favorite,
		Importance:      importance,
		EnrichmentState: StatePending,
		Generation:      1,
		Tags:            normalizeTags(in.Tags),
	}

	var tasks []Task
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO ideas (id, content, title, created_at, updated_at, archived, favorite, importance, enrichment_state, generation)
			VALUES (?, ?, ?, ?, ?, 0, ?, ?, ?, 1)`,
			idea.ID, idea.Content, idea.Title, formatTime(now), formatTime(now),
			boolInt(idea.Favorite), idea.Importance, string(StatePending),
		)
		if err != nil {
			return fmt.Errorf("inserting idea: %w", err)
		}
		if err := setTags(ctx, tx, idea.ID, idea.Tags); err != nil {
			return err
		}
		tasks, err = enqueueTasks(ctx, tx, idea.ID, idea.Generation, EnrichmentTasks, now)
		return err
	})
	if err != nil {
		return Idea{}, nil, err
	}
	return idea, tasks, nil
}

// GetIdea returns the idea with the given id, including its tags.
func (s *Store) GetIdea(ctx context.Context, id string) (Idea, error) {
	return getIdea(ctx, s.db, id)
}

func getIdea(ctx context.Context, q execer, id string) (Idea, error) {
	row := q.QueryRowContext(ctx, `SELECT `+ideaColumns+` FROM ideas WHERE id = ?`, id)
	idea, err := scanIdea(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Idea{}, ErrNotFound
	}
	if err != nil {
		return Idea{}, err
	}
	tags, err := tagsFor(ctx, q, []string{id})
	if err != nil {
		return Idea{}, err
	}
	idea.Tags = tags[id]
	return idea, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanIdea(sc scanner) (Idea, error) {
	var i Idea
	var createdAt, updatedAt, state string
	var summary sql.NullString
	var archived, favorite int
	if err := sc.Scan(&i.ID, &i.Content, &i.Title, &createdAt, &updatedAt, &archived, &favorite,
		&summary, &i.Importance, &state, &i.Generation); err != nil {
		return Idea{}, err
	}
	var err error
	if i.CreatedAt, err = parseTime(createdAt); err != nil {
		return Idea{}, fmt.Errorf("parsing created_at for idea %s: %w", i.ID, err)
	}
	if i.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return Idea{}, fmt.Errorf("parsing updated_at for idea %s: %w", i.ID, err)
	}
	i.Archived = archived != 0
	i.Favorite = favorite != 0
	i.Summary = summary.String
	i.EnrichmentState = EnrichmentState(state)
	return i, nil
}

// ListIdeas returns ideas newest first.
func (s *Store) ListIdeas(ctx context.Context, f IdeaFilter) ([]Idea, error) {
	var where []string
	var args []any
	if f.Archived != nil {
		where = append(where, "archived = ?")
		args = append(args, boolInt(*f.Archived))
	}
	if f.Favorite != nil {
		where = append(where, "favorite = ?")
		args = append(args, boolInt(*f.Favorite))
	}
	if f.State != "" {
		where = append(where, "enrichment_state = ?")
		args = append(args, string(f.State))
	}
	if f.Tag != "" {
		where = append(where, `id IN (SELECT it.idea_id FROM idea_tags it JOIN tags t ON t.id = it.tag_id WHERE t.name = ?)`)
		args = append(args, strings.ToLower(strings.TrimSpace(f.Tag)))
	}
	query := `SELECT ` + ideaColumns + ` FROM ideas`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}
	query += " ORDER BY created_at DESC, id ASC LIMIT ? OFFSET ?"
	args = append(args, limit, f.Offset)
	return s.queryIdeas(ctx, query, args...)
}

// SearchIdeasText matches query words against content, title, summary and
// keywords. It is the fallback when vector search is unavailable.
func (s *Store) SearchIdeasText(ctx context.Context, query string, limit int) ([]Idea, error) {
	words := strings.Fields(strings.ToLower(query))
	if len(words) == 0 {
		return nil, nil
	}
	if limit <= 0 {
		limit = 20
	}
	var score []string
	var args []any
	for _, w := range words {
		like := "%" + escapeLike(w) + "%"
		score = append(score, `(CASE WHEN lower(content) LIKE ? ESCAPE '\' THEN 1 ELSE 0 END
			+ CASE WHEN lower(title) LIKE ? ESCAPE '\' THEN 2 ELSE 0 END
			+ CASE WHEN lower(coalesce(summary, '')) LIKE ? ESCAPE '\' THEN 1 ELSE 0 END
			+ CASE WHEN EXISTS (SELECT 1 FROM keywords k WHERE k.idea_id = ideas.id AND lower(k.keyword) = ?) THEN 3 ELSE 0 END)`)
		args = append(args, like, like, like, w)
	}
	q := `SELECT ` + ideaColumns + ` FROM (SELECT *, (` + strings.Join(score, " + ") + `) AS score FROM ideas) AS ideas
		WHERE score > 0 ORDER BY score DESC, created_at DESC, id ASC LIMIT ?`
	args = append(args, limit)
	return s.queryIdeas(ctx, q, args...)
}

func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}

func (s *Store) queryIdeas(ctx context.Context, query string, args ...any) ([]Idea, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ideas []Idea
	var ids []string
	for rows.Next() {
		i, err := scanIdea(rows)
		if err != nil {
			return nil, err
		}
		ideas = append(ideas, i)
		ids = append(ids, i.ID)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	rows.Close()

	tags, err := tagsFor(ctx, s.db, ids)
	if err != nil {
		return nil, err
	}
	for k := range ideas {
		ideas[k].Tags = tags[ideas[k].ID]
	}
	return ideas, nil
}

// UpdateIdea applies a partial update. A content change bumps the idea's
// generation and re-enqueues the full enrichment task set in the same
// transaction; pending tasks of the previous generation are cancelled.
func (s *Store) UpdateIdea(ctx context.Context, id string, u IdeaUpdate) (Idea, []Task, error) {
	if u.Importance != nil && (*u.Importance < 1 || *u.Importance > 5) {
		return Idea{}, nil, fmt.Errorf("importance %d out of range 1-5: %w", *u.Importance, ErrInvalid)
	}
	if u.Content != nil && strings.TrimSpace(*u.Content) == "" {
		return Idea{}, nil, fmt.Errorf("idea content is empty: %w", ErrInvalid)
	}

	var out Idea
	var tasks []Task
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		cur, err := getIdea(ctx, tx, id)
		if err != nil {
			return err
		}
		now := time.Now().UTC()
		contentChanged := u.Content != nil && *u.Content != cur.Content
		if u.Content != nil {
			cur.Content = *u.Content
		}
		if u.Title != nil {
			cur.Title = strings.TrimSpace(*u.Title)
			if cur.Title == "" {
				cur.Title = GenerateTitle(cur.Content)
			}
		}
		if u.Archived != nil {
			cur.Archived = *u.Archived
		}
		if u.Favorite != nil {
			cur.Favorite = *u.Favorite
		}
		if u.Importance != nil {
			cur.Importance = *u.Importance
		}
		if contentChanged {
			cur.Generation++
			cur.EnrichmentState = StatePending
		}
		cur.UpdatedAt = now

		if _, err := tx.ExecContext(ctx, `
			UPDATE ideas SET content = ?, title = ?, updated_at = ?, archived = ?, favorite = ?,
				importance = ?, enrichment_state = ?, generation = ?
			WHERE id = ?`,
			cur.Content, cur.Title, formatTime(now), boolInt(cur.Archived), boolInt(cur.Favorite),
			cur.Importance, string(cur.EnrichmentState), cur.Generation, id,
		); err != nil {
			return fmt.Errorf("updating idea: %w", err)
		}
		if u.Tags != nil {
			cur.Tags = normalizeTags(*u.Tags)
			if err := setTags(ctx, tx, id, cur.Tags); err != nil {
				return err
			}
		}
		if contentChanged {
			if _, err := cancelPending(ctx, tx, id, "cancelled: superseded by edit", now); err != nil {
				return err
			}
			tasks, err = enqueueTasks(ctx, tx, id, cur.Generation, EnrichmentTasks, now)
			if err != nil {
				return err
			}
		}
		out = cur
		return nil
	})
	if err != nil {
		return Idea{}, nil, err
	}
	return out, tasks, nil
}

// DeleteIdea removes the idea and, through cascading foreign keys, its tags
// links, keywords, relations and reminders. Pending tasks are cancelled in the
// same transaction. The vector entry is the caller's responsibility.
func (s *Store) DeleteIdea(ctx context.Context, id string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `DELETE FROM ideas WHERE id = ?`, id)
		if err != nil {
			return fmt.Errorf("deleting idea: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return ErrNotFound
		}
		_, err = cancelPending(ctx, tx, id, "cancelled: idea deleted", time.Now().UTC())
		return err
	})
}

// LiveIdeas returns the ideas among ids that still exist, keyed by id.
func (s *Store) LiveIdeas(ctx context.Context, ids []string) (map[string]LiveIdea, error) {
	out := make(map[string]LiveIdea, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, archived, favorite FROM ideas WHERE id IN (`+placeholders(len(ids))+`)`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var found []string
	for rows.Next() {
		var l LiveIdea
		var archived, favorite int
		if err := rows.Scan(&l.ID, &archived, &favorite); err != nil {
			return nil, err
		}
		l.Archived = archived != 0
		l.Favorite = favorite != 0
		out[l.ID] = l
		found = append(found, l.ID)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	rows.Close()

	tags, err := tagsFor(ctx, s.db, found)
	if err != nil {
		return nil, err
	}
	for id, t := range tags {
		l := out[id]
		l.Tags = t
		out[id] = l
	}
	return out, nil
}

// IdeaIDsByState returns the ids of ideas in the given enrichment state.
func (s *Store) IdeaIDsByState(ctx context.Context, state EnrichmentState) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id FROM ideas WHERE enrichment_state = ? ORDER BY created_at, id`, string(state))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// CountIdeas returns the total number of ideas.
func (s *Store) CountIdeas(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM ideas`).Scan(&n)
	return n, err
}

// --- Keywords ---

// Keywords returns the keywords of an idea, heaviest first.
func (s *Store) Keywords(ctx context.Context, ideaID string) ([]Keyword, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT idea_id, keyword, weight FROM keywords WHERE idea_id = ? ORDER BY weight DESC, keyword ASC`, ideaID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Keyword
	for rows.Next() {
		var k Keyword
		if err := rows.Scan(&k.IdeaID, &k.Keyword, &k.Weight); err != nil {
			return nil, err
		}
		out = append(out, k)
	}
	return out, rows.Err()
}

// TrendingKeywords returns the keywords with the highest summed weight over
// ideas created since the given time.
func (s *Store) TrendingKeywords(ctx context.Context, since time.Time, limit int) ([]Keyword, error) {
	if limit <= 0 {
		limit = 10
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT k.keyword, SUM(k.weight) AS total
		FROM keywords k JOIN ideas i ON i.id = k.idea_id
		WHERE i.created_at >= ?
		GROUP BY k.keyword
		ORDER BY total DESC, k.keyword ASC
		LIMIT ?`, formatTime(since), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Keyword
	for rows.Next() {
		var k Keyword
		if err := rows.Scan(&k.Keyword, &k.Weight); err != nil {
			return nil, err
		}
		out = append(out, k)
	}
	return out, rows.Err()
}

// --- Tags ---

func normalizeTags(tags []string) []string {
	seen := make(map[string]bool, len(tags))
	var out []string
	for _, t := range tags {
		t = strings.ToLower(strings.TrimSpace(t))
		if t == "" || seen[t] {
			continue
		}
		seen[t] = true
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

func setTags(ctx context.Context, tx *sql.Tx, ideaID string, tags []string) error {
	if _, err := tx.ExecContext(ctx, `DELETE FROM idea_tags WHERE idea_id = ?`, ideaID); err != nil {
		return fmt.Errorf("clearing tags: %w", err)
	}
	for _, t := range tags {
		if _, err := tx.ExecContext(ctx, `INSERT INTO tags (name) VALUES (?) ON CONFLICT(name) DO NOTHING`, t); err != nil {
			return fmt.Errorf("inserting tag %q: %w", t, err)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO idea_tags (idea_id, tag_id) SELECT ?, id FROM tags WHERE name = ?`, ideaID, t); err != nil {
			return fmt.Errorf("linking tag %q: %w", t, err)
		}
	}
	return nil
}

func tagsFor(ctx context.Context, q execer, ids []string) (map[string][]string, error) {
	out := make(map[string][]string)
	if len(ids) == 0 {
		return out, nil
	}
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	rows, err := q.QueryContext(ctx, `
		SELECT it.idea_id, t.name FROM idea_tags it JOIN tags t ON t.id = it.tag_id
		WHERE it.idea_id IN (`+placeholders(len(ids))+`) ORDER BY t.name`, args...)
	if err != nil {
		return nil, fmt.Errorf("loading tags: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var id, name string
		if err := rows.Scan(&id, &name); err != nil {
			return nil, err
		}
		out[id] = append(out[id], name)
	}
	return out, rows.Err()
}
