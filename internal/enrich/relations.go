package enrich

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"

	"github.com/anyan2/IdeaSystemXS/internal/queue"
	"github.com/anyan2/IdeaSystemXS/internal/search"
	"github.com/anyan2/IdeaSystemXS/internal/storage"
)

// Band maps a confidence floor to a relation type.
type Band struct {
	MinConfidence float64
	Type          string
}

// DefaultBands is the default classification table, evaluated top to bottom.
var DefaultBands = []Band{
	{MinConfidence: 0.95, Type: "duplicate"},
	{MinConfidence: 0.80, Type: "similar"},
	{MinConfidence: 0, Type: "related"},
}

const (
	DefaultRelationThreshold = 0.7
	DefaultRelationTopK      = 10
)

// ParseBands reads a band table written as "0.95:duplicate,0.8:similar,0:related".
// Bands are sorted by descending floor.
func ParseBands(s string) ([]Band, error) {
	var out []Band
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		floor, typ, ok := strings.Cut(part, ":")
		if !ok || strings.TrimSpace(typ) == "" {
			return nil, fmt.Errorf("band %q: want <min_confidence>:<type>", part)
		}
		f, err := strconv.ParseFloat(strings.TrimSpace(floor), 64)
		if err != nil || f < 0 || f > 1 {
			return nil, fmt.Errorf("band %q: confidence must be a number in [0,1]", part)
		}
		out = append(out, Band{MinConfidence: f, Type: strings.TrimSpace(typ)})
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("empty band table")
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].MinConfidence > out[j].MinConfidence })
	return out, nil
}

// FormatBands is the inverse of ParseBands.
func FormatBands(bands []Band) string {
	parts := make([]string, len(bands))
	for i, b := range bands {
		parts[i] = strconv.FormatFloat(b.MinConfidence, 'f', -1, 64) + ":" + b.Type
	}
	return strings.Join(parts, ",")
}

// Classify returns the type of the first band whose floor confidence reaches.
func Classify(bands []Band, confidence float64) (string, bool) {
	for _, b := range bands {
		if confidence >= b.MinConfidence {
			return b.Type, true
		}
	}
	return "", false
}

// RelationStore is the record-store side of the relation engine.
type RelationStore interface {
	GetIdea(ctx context.Context, id string) (storage.Idea, error)
	InsertRelations(ctx context.Context, candidates []storage.Relation) ([]storage.Relation, error)
}

// Neighbors is the similarity search the engine depends on.
type Neighbors interface {
	Nearest(ctx context.Context, q search.Query, k int) ([]search.Result, error)
}

// RelationConfig tunes discovery.
type RelationConfig struct {
	Threshold float64
	TopK      int
	Bands     []Band
}

// RelationEngine turns nearest neighbours into typed relation edges.
type RelationEngine struct {
	store  RelationStore
	search Neighbors
	cfg    RelationConfig
	logger *slog.Logger
}

func NewRelationEngine(store RelationStore, search Neighbors, cfg RelationConfig) *RelationEngine {
	if cfg.TopK <= 0 {
		cfg.TopK = DefaultRelationTopK
	}
	if len(cfg.Bands) == 0 {
		cfg.Bands = DefaultBands
	}
	return &RelationEngine{store: store, search: search, cfg: cfg, logger: slog.Default()}
}

// Discover finds neighbours of the idea above the threshold and stores a
// relation for each, skipping pairs that already have one of the same type.
// It returns only the rows created by this call, so repeating it on
// unchanged data returns nothing.
func (e *RelationEngine) Discover(ctx context.Context, ideaID string) ([]storage.Relation, error) {
	neighbors, err := e.search.Nearest(ctx, search.Query{IdeaID: ideaID}, e.cfg.TopK)
	if err != nil {
		return nil, err
	}
	var candidates []storage.Relation
	for _, n := range neighbors {
		if n.IdeaID == ideaID {
			continue
		}
		conf := min(max(1-n.Distance, 0), 1)
		if conf <= e.cfg.Threshold {
			continue
		}
		typ, ok := Classify(e.cfg.Bands, conf)
		if !ok {
			continue
		}
		candidates = append(candidates, storage.Relation{
			SourceIdeaID: ideaID,
			TargetIdeaID: n.IdeaID,
			RelationType: typ,
			Confidence:   conf,
		})
	}
	if len(candidates) == 0 {
		return nil, nil
	}
	created, err := e.store.InsertRelations(ctx, candidates)
	if err != nil {
		return nil, fmt.Errorf("storing relations: %w", err)
	}
	return created, nil
}

// Handle is the queue handler for relate tasks.
func (e *RelationEngine) Handle(ctx context.Context, t storage.Task) (queue.Outcome, error) {
	if _, err := e.store.GetIdea(ctx, t.IdeaID); errors.Is(err, storage.ErrNotFound) {
		return queue.Outcome{Result: "idea deleted"}, nil
	} else if err != nil {
		return queue.Outcome{}, fmt.Errorf("loading idea %s: %w", t.IdeaID, err)
	}

	created, err := e.Discover(ctx, t.IdeaID)
	if errors.Is(err, search.ErrNoEmbedding) {
		return queue.Outcome{}, fmt.Errorf("relating idea %s: %w: %w", t.IdeaID, err, queue.ErrPermanent)
	}
	if err != nil {
		return queue.Outcome{}, err
	}
	if len(created) > 0 {
		e.logger.Info("relations discovered", "idea_id", t.IdeaID, "count", len(created))
	}
	return queue.Outcome{Result: fmt.Sprintf("%d relations created", len(created))}, nil
}
