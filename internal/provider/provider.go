// Package provider wraps the external embedding and analysis services behind
// a strict, classified contract. Every response is validated before it
// reaches the pipeline; anything malformed becomes ErrRejected.
package provider

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
)

// MaxKeywords bounds the keyword list of an Analysis.
const MaxKeywords = 10

// Keyword is one weighted keyword. Weight is in [0, 1].
type Keyword struct {
	Word   string  `json:"word"`
	Weight float64 `json:"weight"`
}

// Analysis is the validated result of Summarize.
type Analysis struct {
	Summary  string    `json:"summary"`
	Keywords []Keyword `json:"keywords"`
}

// Embedder turns text into a vector.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// Summarizer produces a summary and keywords for text.
type Summarizer interface {
	Summarize(ctx context.Context, text string) (Analysis, error)
}

// Prober checks reachability without doing real work.
type Prober interface {
	Probe(ctx context.Context) error
}

// Provider is the full contract the enrichment pipeline depends on.
type Provider interface {
	Embedder
	Summarizer
	Prober
}

// Composite joins an embedder and a summarizer, possibly from different
// backends, and validates their output.
type Composite struct {
	embedder   Embedder
	summarizer Summarizer
	dim        int
}

var _ Provider = (*Composite)(nil)

// NewComposite builds a Provider. dim is the required vector length; 0
// accepts any non-empty length.
func NewComposite(e Embedder, s Summarizer, dim int) *Composite {
	return &Composite{embedder: e, summarizer: s, dim: dim}
}

func (c *Composite) Embed(ctx context.Context, text string) ([]float32, error) {
	if strings.TrimSpace(text) == "" {
		return nil, Rejected("embed", "empty input")
	}
	v, err := c.embedder.Embed(ctx, text)
	if err != nil {
		return nil, Classify("embed", 0, err)
	}
	if err := ValidateVector(v, c.dim); err != nil {
		return nil, err
	}
	return v, nil
}

func (c *Composite) Summarize(ctx context.Context, text string) (Analysis, error) {
	if strings.TrimSpace(text) == "" {
		return Analysis{}, Rejected("summarize", "empty input")
	}
	a, err := c.summarizer.Summarize(ctx, text)
	if err != nil {
		return Analysis{}, Classify("summarize", 0, err)
	}
	return NormalizeAnalysis(a)
}

// Probe succeeds only when every distinct backend answers.
func (c *Composite) Probe(ctx context.Context) error {
	var errs []error
	seen := map[any]bool{}
	for _, b := range []any{c.embedder, c.summarizer} {
		p, ok := b.(Prober)
		if !ok || seen[b] {
			continue
		}
		seen[b] = true
		if err := p.Probe(ctx); err != nil {
			errs = append(errs, Classify("probe", 0, err))
		}
	}
	return errors.Join(errs...)
}

// ValidateVector checks length and that every component is finite.
func ValidateVector(v []float32, dim int) error {
	if len(v) == 0 {
		return Rejected("embed", "empty vector")
	}
	if dim > 0 && len(v) != dim {
		return Rejected("embed", "vector has %d dimensions, want %d", len(v), dim)
	}
	for i, f := range v {
		if math.IsNaN(float64(f)) || math.IsInf(float64(f), 0) {
			return Rejected("embed", "vector component %d is not finite", i)
		}
	}
	return nil
}

// NormalizeAnalysis trims words and rejects analyses that break the
// contract: empty summary, more than MaxKeywords keywords, empty words, or
// weights outside [0, 1].
func NormalizeAnalysis(a Analysis) (Analysis, error) {
	a.Summary = strings.TrimSpace(a.Summary)
	if a.Summary == "" {
		return Analysis{}, Rejected("summarize", "empty summary")
	}
	if len(a.Keywords) > MaxKeywords {
		return Analysis{}, Rejected("summarize", "%d keywords, at most %d allowed", len(a.Keywords), MaxKeywords)
	}
	out := make([]Keyword, 0, len(a.Keywords))
	for i, k := range a.Keywords {
		k.Word = strings.TrimSpace(k.Word)
		if k.Word == "" {
			return Analysis{}, Rejected("summarize", "keyword %d is empty", i)
		}
		if math.IsNaN(k.Weight) || k.Weight < 0 || k.Weight > 1 {
			return Analysis{}, Rejected("summarize", "keyword %q weight %v outside [0,1]", k.Word, k.Weight)
		}
		out = append(out, k)
	}
	a.Keywords = out
	return a, nil
}

// String renders a short human description, used in task results.
func (a Analysis) String() string {
	words := make([]string, len(a.Keywords))
	for i, k := range a.Keywords {
		words[i] = k.Word
	}
	return fmt.Sprintf("summary (%d chars), keywords: %s", len(a.Summary), strings.Join(words, ", "))
}
