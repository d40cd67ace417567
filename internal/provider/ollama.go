package provider

import (
	"context"
	"errors"

	"github.com/anyan2/IdeaSystemXS/internal/ollama"
)

// OllamaClient is the subset of the Ollama client used here.
type OllamaClient interface {
	Ping(ctx context.Context) error
	Chat(ctx context.Context, model string, messages []ollama.Message, jsonSchema *ollama.Schema) (string, error)
	Embed(ctx context.Context, model string, text string) ([]float32, error)
}

// Ollama embeds and summarizes through a local Ollama server.
type Ollama struct {
	client     OllamaClient
	embedModel string
	chatModel  string
}

func NewOllama(client OllamaClient, embedModel, chatModel string) *Ollama {
	return &Ollama{client: client, embedModel: embedModel, chatModel: chatModel}
}

func (o *Ollama) Embed(ctx context.Context, text string) ([]float32, error) {
	v, err := o.client.Embed(ctx, o.embedModel, text)
	if err != nil {
		return nil, classifyOllama("ollama embed", err)
	}
	return v, nil
}

func (o *Ollama) Summarize(ctx context.Context, text string) (Analysis, error) {
	raw, err := o.client.Chat(ctx, o.chatModel, []ollama.Message{
		{Role: "system", Content: analysisSystemPrompt},
		{Role: "user", Content: text},
	}, analysisSchema())
	if err != nil {
		return Analysis{}, classifyOllama("ollama summarize", err)
	}
	return parseAnalysis("ollama summarize", raw)
}

func (o *Ollama) Probe(ctx context.Context) error {
	if err := o.client.Ping(ctx); err != nil {
		return classifyOllama("ollama probe", err)
	}
	return nil
}

func classifyOllama(op string, err error) error {
	var se *ollama.StatusError
	if errors.As(err, &se) {
		return Classify(op, se.Code, err)
	}
	return Classify(op, 0, err)
}
