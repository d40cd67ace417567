package vectorstore

import (
	"container/heap"
	"context"
	"database/sql"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// Compile-time check that SQLiteStore implements Store.
var _ Store = (*SQLiteStore)(nil)

// SQLiteStore provides vector storage and brute-force cosine search backed by
// its own SQLite file, separate from the record store so the two fail
// independently.
type SQLiteStore struct {
	db  *sql.DB
	dim int
}

const sqliteSchema = `CREATE TABLE IF NOT EXISTS vectors (
	idea_id    TEXT PRIMARY KEY,
	embedding  BLOB NOT NULL,
	archived   INTEGER NOT NULL DEFAULT 0,
	favorite   INTEGER NOT NULL DEFAULT 0,
	tags       TEXT NOT NULL DEFAULT '[]',
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL,
	task_id    TEXT NOT NULL DEFAULT ''
)`

// OpenSQLite opens (or creates) vectors.db in dataDir. Pass ":memory:" for an
// in-memory store. dim fixes the vector length; 0 accepts any length.
func OpenSQLite(dataDir string, dim int) (*SQLiteStore, error) {
	var dsn string
	if dataDir == ":memory:" {
		dsn = ":memory:"
	} else {
		if err := os.MkdirAll(dataDir, 0o755); err != nil {
			return nil, fmt.Errorf("creating data directory: %w", err)
		}
		dsn = filepath.Join(dataDir, "vectors.db")
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening vector database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	for _, pragma := range []string{"PRAGMA busy_timeout = 5000", "PRAGMA journal_mode=WAL"} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("%s: %w", pragma, err)
		}
	}
	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating vectors table: %w", err)
	}
	return &SQLiteStore{db: db, dim: dim}, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) checkDim(v []float32) error {
	if len(v) == 0 {
		return fmt.Errorf("%w: empty vector", ErrDimensionMismatch)
	}
	if s.dim > 0 && len(v) != s.dim {
		return fmt.Errorf("%w: got %d, want %d", ErrDimensionMismatch, len(v), s.dim)
	}
	return nil
}

func (s *SQLiteStore) Upsert(ctx context.Context, e Entry) error {
	if e.IdeaID == "" {
		return fmt.Errorf("upserting vector: empty idea id")
	}
	if err := s.checkDim(e.Vector); err != nil {
		return err
	}
	tags, err := json.Marshal(nonNil(e.Metadata.Tags))
	if err != nil {
		return fmt.Errorf("encoding tags: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO vectors (idea_id, embedding, archived, favorite, tags, created_at, updated_at, task_id)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(idea_id) DO UPDATE SET
			embedding = excluded.embedding, archived = excluded.archived, favorite = excluded.favorite,
			tags = excluded.tags, created_at = excluded.created_at, updated_at = excluded.updated_at,
			task_id = excluded.task_id`,
		e.IdeaID, encodeFloat32s(e.Vector), boolInt(e.Metadata.Archived), boolInt(e.Metadata.Favorite),
		string(tags), e.Metadata.CreatedAt.UTC().Format(time.RFC3339Nano),
		e.Metadata.UpdatedAt.UTC().Format(time.RFC3339Nano), e.Metadata.TaskID,
	)
	if err != nil {
		return fmt.Errorf("upserting vector %s: %w", e.IdeaID, err)
	}
	return nil
}

func (s *SQLiteStore) Delete(ctx context.Context, ideaIDs ...string) error {
	if len(ideaIDs) == 0 {
		return nil
	}
	args := make([]any, len(ideaIDs))
	for i, id := range ideaIDs {
		args[i] = id
	}
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM vectors WHERE idea_id IN (?`+strings.Repeat(",?", len(ideaIDs)-1)+`)`, args...)
	if err != nil {
		return fmt.Errorf("deleting vectors: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Get(ctx context.Context, ideaID string) (Entry, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT idea_id, embedding, archived, favorite, tags, created_at, updated_at, task_id
		FROM vectors WHERE idea_id = ?`, ideaID)
	var e Entry
	var blob []byte
	var archived, favorite int
	var tags, createdAt, updatedAt string
	err := row.Scan(&e.IdeaID, &blob, &archived, &favorite, &tags, &createdAt, &updatedAt, &e.Metadata.TaskID)
	if errors.Is(err, sql.ErrNoRows) {
		return Entry{}, ErrNotFound
	}
	if err != nil {
		return Entry{}, fmt.Errorf("reading vector %s: %w", ideaID, err)
	}
	if e.Vector, err = decodeFloat32s(blob); err != nil {
		return Entry{}, fmt.Errorf("decoding embedding for %s: %w", ideaID, err)
	}
	e.Metadata.Archived = archived != 0
	e.Metadata.Favorite = favorite != 0
	if err := json.Unmarshal([]byte(tags), &e.Metadata.Tags); err != nil {
		return Entry{}, fmt.Errorf("decoding tags for %s: %w", ideaID, err)
	}
	if e.Metadata.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt); err != nil {
		return Entry{}, fmt.Errorf("parsing created_at for %s: %w", ideaID, err)
	}
	if e.Metadata.UpdatedAt, err = time.Parse(time.RFC3339Nano, updatedAt); err != nil {
		return Entry{}, fmt.Errorf("parsing updated_at for %s: %w", ideaID, err)
	}
	return e, nil
}

// Query scans every vector passing the filter and keeps the k nearest in a
// bounded heap.
func (s *SQLiteStore) Query(ctx context.Context, vector []float32, k int, filter Filter) ([]Neighbor, error) {
	if k <= 0 {
		return nil, nil
	}
	if err := s.checkDim(vector); err != nil {
		return nil, err
	}
	queryNorm := norm(vector)
	if queryNorm == 0 {
		return nil, nil
	}

	var where []string
	var args []any
	if filter.Archived != nil {
		where = append(where, "archived = ?")
		args = append(args, boolInt(*filter.Archived))
	}
	if filter.Favorite != nil {
		where = append(where, "favorite = ?")
		args = append(args, boolInt(*filter.Favorite))
	}
	if filter.Tag != "" {
		where = append(where, "EXISTS (SELECT 1 FROM json_each(vectors.tags) WHERE json_each.value = ?)")
		args = append(args, filter.Tag)
	}
	query := `SELECT idea_id, embedding FROM vectors`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying vectors: %w", err)
	}
	defer rows.Close()

	h := &worstFirst{}
	// Reusable buffer for decoding embeddings to avoid per-row allocations.
	var buf []float32
	for rows.Next() {
		var id string
		var blob []byte
		if err := rows.Scan(&id, &blob); err != nil {
			return nil, fmt.Errorf("scanning row: %w", err)
		}
		buf, err = decodeFloat32sInto(buf, blob)
		if err != nil {
			return nil, fmt.Errorf("decoding embedding for %s: %w", id, err)
		}
		if len(buf) != len(vector) {
			return nil, fmt.Errorf("%w: stored vector %s has %d dimensions, query has %d",
				ErrDimensionMismatch, id, len(buf), len(vector))
		}

		n := Neighbor{IdeaID: id, Distance: clampDistance(1 - float64(dotProduct(vector, buf, queryNorm)))}
		if h.Len() < k {
			heap.Push(h, n)
		} else if lessNeighbor(n, (*h)[0]) {
			(*h)[0] = n
			heap.Fix(h, 0)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating rows: %w", err)
	}

	out := make([]Neighbor, h.Len())
	for i := len(out) - 1; i >= 0; i-- {
		out[i] = heap.Pop(h).(Neighbor)
	}
	return out, nil
}

func (s *SQLiteStore) IDs(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT idea_id FROM vectors ORDER BY idea_id`)
	if err != nil {
		return nil, fmt.Errorf("listing vectors: %w", err)
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

func (s *SQLiteStore) Count(ctx context.Context) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM vectors").Scan(&count)
	return count, err
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

// encodeFloat32s serializes a float32 slice to little-endian bytes.
func encodeFloat32s(v []float32) []byte {
	buf := make([]byte, len(v)*4)
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return buf
}

// decodeFloat32s deserializes little-endian bytes into a new float32 slice.
// Returns an error if the byte slice length is not a multiple of 4 (indicates data corruption).
func decodeFloat32s(b []byte) ([]float32, error) {
	return decodeFloat32sInto(nil, b)
}

// decodeFloat32sInto decodes little-endian bytes into the provided buffer,
// reusing it to avoid per-row allocations during search scans.
func decodeFloat32sInto(buf []float32, b []byte) ([]float32, error) {
	if len(b)%4 != 0 {
		return nil, fmt.Errorf("byte slice length %d is not a multiple of 4", len(b))
	}
	n := len(b) / 4
	if cap(buf) < n {
		buf = make([]float32, n)
	} else {
		buf = buf[:n]
	}
	for i := range buf {
		buf[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
	}
	return buf, nil
}

// norm returns the L2 norm of a vector.
func norm(v []float32) float32 {
	var sum float64
	for _, f := range v {
		sum += float64(f) * float64(f)
	}
	return float32(math.Sqrt(sum))
}

// dotProduct computes cosine similarity as dot(a,b) / (aNorm * bNorm).
// aNorm is the precomputed L2 norm of vector a.
func dotProduct(a, b []float32, aNorm float32) float32 {
	if len(a) != len(b) {
		return 0
	}
	var dot float64
	var bNormSq float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		bNormSq += float64(b[i]) * float64(b[i])
	}
	bNorm := math.Sqrt(bNormSq)
	if bNorm == 0 {
		return 0
	}
	return float32(dot / (float64(aNorm) * bNorm))
}
