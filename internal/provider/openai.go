package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"strings"
	"time"
)

const (
	DefaultOpenAIBaseURL = "https://api.openai.com/v1"
	openAIMaxRetries     = 3
	openAIInitialBackoff = 500 * time.Millisecond
)

// OpenAI talks to any OpenAI-compatible HTTP API: /embeddings for vectors
// and /chat/completions in JSON mode for analysis.
type OpenAI struct {
	apiKey     string
	baseURL    string
	embedModel string
	chatModel  string
	httpClient *http.Client
	// backoff between rate-limited attempts; tests shorten it.
	backoff time.Duration
}

func NewOpenAI(baseURL, apiKey, embedModel, chatModel string) *OpenAI {
	if baseURL == "" {
		baseURL = DefaultOpenAIBaseURL
	}
	return &OpenAI{
		apiKey:     apiKey,
		baseURL:    strings.TrimRight(baseURL, "/"),
		embedModel: embedModel,
		chatModel:  chatModel,
		httpClient: &http.Client{},
		backoff:    openAIInitialBackoff,
	}
}

type openAIEmbedRequest struct {
	Model string `json:"model"`
	Input string `json:"input"`
}

type openAIEmbedResponse struct {
	Data []struct {
		Embedding []float32 `json:"embedding"`
	} `json:"data"`
}

func (c *OpenAI) Embed(ctx context.Context, text string) ([]float32, error) {
	var res openAIEmbedResponse
	if err := c.post(ctx, "openai embed", "/embeddings", openAIEmbedRequest{Model: c.embedModel, Input: text}, &res); err != nil {
		return nil, err
	}
	if len(res.Data) == 0 {
		return nil, Rejected("openai embed", "empty data array")
	}
	return res.Data[0].Embedding, nil
}

type openAIMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type openAIChatRequest struct {
	Model          string          `json:"model"`
	Messages       []openAIMessage `json:"messages"`
	ResponseFormat map[string]any  `json:"response_format,omitempty"`
	Temperature    float64         `json:"temperature"`
}

type openAIChatResponse struct {
	Choices []struct {
		Message openAIMessage `json:"message"`
	} `json:"choices"`
}

func (c *OpenAI) Summarize(ctx context.Context, text string) (Analysis, error) {
	req := openAIChatRequest{
		Model: c.chatModel,
		Messages: []openAIMessage{
			{Role: "system", Content: analysisSystemPrompt},
			{Role: "user", Content: text},
		},
		ResponseFormat: map[string]any{"type": "json_object"},
		Temperature:    0.2,
	}
	var res openAIChatResponse
	if err := c.post(ctx, "openai summarize", "/chat/completions", req, &res); err != nil {
		return Analysis{}, err
	}
	if len(res.Choices) == 0 {
		return Analysis{}, Rejected("openai summarize", "no choices in response")
	}
	return parseAnalysis("openai summarize", res.Choices[0].Message.Content)
}

// Probe lists models, which needs auth but costs nothing.
func (c *OpenAI) Probe(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/models", nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	c.setHeaders(req)
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return Classify("openai probe", 0, err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return Classify("openai probe", resp.StatusCode, fmt.Errorf("unexpected status %d", resp.StatusCode))
	}
	return nil
}

// post sends a JSON request, retrying on HTTP 429 with exponential backoff.
func (c *OpenAI) post(ctx context.Context, op, path string, in, out any) error {
	body, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("marshaling request: %w", err)
	}

	var lastErr error
	for attempt := range openAIMaxRetries {
		status, err := c.do(ctx, path, body, out)
		if err == nil {
			return nil
		}
		lastErr = Classify(op, status, err)
		if status != http.StatusTooManyRequests {
			return lastErr
		}
		if attempt < openAIMaxRetries-1 {
			backoff := time.Duration(float64(c.backoff) * math.Pow(2, float64(attempt)))
			select {
			case <-ctx.Done():
				return Classify(op, 0, ctx.Err())
			case <-time.After(backoff):
			}
		}
	}
	return fmt.Errorf("rate limited after %d retries: %w", openAIMaxRetries, lastErr)
}

func (c *OpenAI) do(ctx context.Context, path string, body []byte, out any) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return 0, fmt.Errorf("creating request: %w", err)
	}
	c.setHeaders(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, fmt.Errorf("executing request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return resp.StatusCode, fmt.Errorf("unexpected status %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return 0, fmt.Errorf("decoding response: %w", err)
	}
	return 0, nil
}

func (c *OpenAI) setHeaders(req *http.Request) {
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
}
