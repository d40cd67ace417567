package provider

import (
	"context"
	"errors"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

const (
	DefaultAnthropicModel = "claude-3-5-haiku-latest"
	anthropicMaxTokens    = 1024
)

// Anthropic summarizes through the Messages API. It has no embedding
// endpoint, so it is always paired with another Embedder.
type Anthropic struct {
	client *anthropic.Client
	model  string
}

// NewAnthropic builds a summarizer. Extra options (base URL, HTTP client)
// are passed through to the SDK; SDK-level retries are disabled because the
// task queue owns retry policy.
func NewAnthropic(apiKey, model string, opts ...option.RequestOption) *Anthropic {
	if model == "" {
		model = DefaultAnthropicModel
	}
	all := append([]option.RequestOption{option.WithAPIKey(apiKey), option.WithMaxRetries(0)}, opts...)
	c := anthropic.NewClient(all...)
	return &Anthropic{client: &c, model: model}
}

func (a *Anthropic) Summarize(ctx context.Context, text string) (Analysis, error) {
	resp, err := a.client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     anthropic.Model(a.model),
		MaxTokens: anthropicMaxTokens,
		System: []anthropic.TextBlockParam{
			{Text: analysisSystemPrompt + "\n\nReply with the JSON object only."},
		},
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(text)),
		},
	})
	if err != nil {
		return Analysis{}, classifyAnthropic("anthropic summarize", err)
	}

	var sb strings.Builder
	for _, block := range resp.Content {
		if block.Type == "text" {
			sb.WriteString(block.Text)
		}
	}
	return parseAnalysis("anthropic summarize", sb.String())
}

// Probe lists models, which checks reachability and the key without
// spending tokens.
func (a *Anthropic) Probe(ctx context.Context) error {
	if _, err := a.client.Models.List(ctx, anthropic.ModelListParams{}); err != nil {
		return classifyAnthropic("anthropic probe", err)
	}
	return nil
}

func classifyAnthropic(op string, err error) error {
	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		return Classify(op, apiErr.StatusCode, err)
	}
	return Classify(op, 0, err)
}
