package provider

import (
	"fmt"

	"github.com/anyan2/IdeaSystemXS/internal/ollama"
)

// Options selects and configures the backends behind a Composite.
type Options struct {
	Embedder   string // "ollama", "openai" or "local"
	Summarizer string // "ollama", "openai", "anthropic" or "local"
	Dimension  int
	CacheSize  int // 0 disables the embedding cache

	OllamaBaseURL    string
	OllamaEmbedModel string
	OllamaChatModel  string

	OpenAIBaseURL    string
	OpenAIAPIKey     string
	OpenAIEmbedModel string
	OpenAIChatModel  string

	AnthropicAPIKey string
	AnthropicModel  string
}

// Build assembles the configured provider. The returned close func releases
// the embedding cache, if any.
func Build(o Options) (*Composite, func(), error) {
	var oc *ollama.Client
	ollamaClient := func() *ollama.Client {
		if oc == nil {
			oc = ollama.New(o.OllamaBaseURL)
		}
		return oc
	}
	var oai *OpenAI
	openAI := func() *OpenAI {
		if oai == nil {
			oai = NewOpenAI(o.OpenAIBaseURL, o.OpenAIAPIKey, o.OpenAIEmbedModel, o.OpenAIChatModel)
		}
		return oai
	}
	var oll *Ollama
	ollamaBackend := func() *Ollama {
		if oll == nil {
			oll = NewOllama(ollamaClient(), o.OllamaEmbedModel, o.OllamaChatModel)
		}
		return oll
	}

	var embedder Embedder
	switch o.Embedder {
	case "", "ollama":
		embedder = ollamaBackend()
	case "openai":
		embedder = openAI()
	case "local":
		embedder = NewHashEmbedder(o.Dimension)
	default:
		return nil, nil, fmt.Errorf("unknown embedder %q (want ollama, openai or local)", o.Embedder)
	}

	var summarizer Summarizer
	switch o.Summarizer {
	case "", "ollama":
		summarizer = ollamaBackend()
	case "openai":
		summarizer = openAI()
	case "anthropic":
		if o.AnthropicAPIKey == "" {
			return nil, nil, fmt.Errorf("anthropic summarizer needs provider.anthropic_api_key")
		}
		summarizer = NewAnthropic(o.AnthropicAPIKey, o.AnthropicModel)
	case "local":
		summarizer = LocalSummarizer{}
	default:
		return nil, nil, fmt.Errorf("unknown summarizer %q (want ollama, openai, anthropic or local)", o.Summarizer)
	}

	closeFn := func() {}
	if o.CacheSize > 0 {
		cached, err := NewCachedEmbedder(embedder, o.CacheSize, o.Dimension)
		if err != nil {
			return nil, nil, err
		}
		embedder = cached
		closeFn = cached.Close
	}
	return NewComposite(embedder, summarizer, o.Dimension), closeFn, nil
}
