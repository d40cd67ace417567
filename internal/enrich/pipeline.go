package enrich

import (
	"github.com/anyan2/IdeaSystemXS/internal/provider"
	"github.com/anyan2/IdeaSystemXS/internal/queue"
	"github.com/anyan2/IdeaSystemXS/internal/search"
	"github.com/anyan2/IdeaSystemXS/internal/storage"
	"github.com/anyan2/IdeaSystemXS/internal/vectorstore"
)

// Pipeline bundles the task handlers of one enrichment setup.
type Pipeline struct {
	Generator *Generator
	Analyzer  *Analyzer
	Relations *RelationEngine
	Cleanup   *VectorCleanup
}

// NewPipeline wires every handler against the same stores and provider.
func NewPipeline(
	store *storage.Store,
	vectors vectorstore.Store,
	p provider.Provider,
	searcher *search.Service,
	relCfg RelationConfig,
) *Pipeline {
	return &Pipeline{
		Generator: NewGenerator(store, vectors, p),
		Analyzer:  NewAnalyzer(store, p),
		Relations: NewRelationEngine(store, searcher, relCfg),
		Cleanup:   NewVectorCleanup(store, vectors),
	}
}

// Register installs the handlers on the scheduler.
func (p *Pipeline) Register(s *queue.Scheduler) {
	s.Handle(storage.TaskEmbed, p.Generator.Handle)
	s.Handle(storage.TaskSummarize, p.Analyzer.Handle)
	s.Handle(storage.TaskRelate, p.Relations.Handle)
	s.Handle(storage.TaskVectorCleanup, p.Cleanup.Handle)
}
