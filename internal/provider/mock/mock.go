// Package mock is a deterministic in-memory Provider for tests. Embeddings
// come from the local hash embedder, so texts sharing words are near each
// other, and failures can be switched on per operation.
package mock

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/anyan2/IdeaSystemXS/internal/provider"
)

// Provider records calls and fails on demand.
type Provider struct {
	mu sync.Mutex

	embedder *provider.HashEmbedder
	local    provider.LocalSummarizer
	dim      int

	down      bool
	rejectFor map[string]bool
	vectors   map[string][]float32
	analyses  map[string]provider.Analysis

	embedCalls     int
	summarizeCalls int
	probeCalls     int
	embedded       []string
}

var _ provider.Provider = (*Provider)(nil)

func New(dim int) *Provider {
	return &Provider{
		embedder:  provider.NewHashEmbedder(dim),
		dim:       dim,
		rejectFor: map[string]bool{},
		vectors:   map[string][]float32{},
		analyses:  map[string]provider.Analysis{},
	}
}

// SetDown makes every call, probes included, fail with ErrUnavailable.
func (p *Provider) SetDown(down bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.down = down
}

// RejectText makes calls for texts containing substr fail with ErrRejected.
func (p *Provider) RejectText(substr string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.rejectFor[substr] = true
}

// AllowText undoes RejectText.
func (p *Provider) AllowText(substr string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.rejectFor, substr)
}

// SetVector pins the embedding returned for text.
func (p *Provider) SetVector(text string, v []float32) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.vectors[text] = v
}

// SetAnalysis pins the analysis returned for text.
func (p *Provider) SetAnalysis(text string, a provider.Analysis) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.analyses[text] = a
}

func (p *Provider) fail(op, text string) error {
	if p.down {
		return &provider.Error{Kind: provider.KindUnavailable, Op: op, Err: fmt.Errorf("mock provider is down")}
	}
	for s := range p.rejectFor {
		if strings.Contains(text, s) {
			return provider.Rejected(op, "mock rejects %q", s)
		}
	}
	return nil
}

func (p *Provider) Embed(ctx context.Context, text string) ([]float32, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.embedCalls++
	if err := p.fail("mock embed", text); err != nil {
		return nil, err
	}
	p.embedded = append(p.embedded, text)
	if v, ok := p.vectors[text]; ok {
		out := make([]float32, len(v))
		copy(out, v)
		return out, nil
	}
	return p.embedder.Embed(ctx, text)
}

func (p *Provider) Summarize(ctx context.Context, text string) (provider.Analysis, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.summarizeCalls++
	if err := p.fail("mock summarize", text); err != nil {
		return provider.Analysis{}, err
	}
	if a, ok := p.analyses[text]; ok {
		return a, nil
	}
	return p.local.Summarize(ctx, text)
}

func (p *Provider) Probe(context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.probeCalls++
	if p.down {
		return &provider.Error{Kind: provider.KindUnavailable, Op: "mock probe", Err: fmt.Errorf("mock provider is down")}
	}
	return nil
}

// Calls returns the number of Embed, Summarize and Probe calls so far.
func (p *Provider) Calls() (embed, summarize, probe int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.embedCalls, p.summarizeCalls, p.probeCalls
}

// Embedded lists the texts successfully embedded, in call order.
func (p *Provider) Embedded() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.embedded...)
}

func (p *Provider) Dimension() int { return p.dim }
