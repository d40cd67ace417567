package provider

import (
	"encoding/json"
	"strings"

	"github.com/anyan2/IdeaSystemXS/internal/ollama"
)

const analysisSystemPrompt = `You analyze short personal notes ("ideas"). Your output must be ONLY a single valid JSON object that conforms to the provided schema. Do not include any other text, prose, or markdown.

Rules:
- "summary": one or two sentences in the language of the note, no longer than the note itself.
- "keywords": at most 10 objects {"word": string, "weight": number}; weight in [0,1] is how central the keyword is to the note.
- Prefer concrete nouns and named entities over generic words.`

// analysisSchema returns the JSON schema for structured analysis output.
func analysisSchema() *ollama.Schema {
	zero, one := 0.0, 1.0
	return &ollama.Schema{
		Type: "object",
		Properties: map[string]ollama.SchemaProperty{
			"summary": {Type: "string", Description: "Short summary of the note"},
			"keywords": {
				Type:        "array",
				Description: "Weighted keywords",
				MaxItems:    MaxKeywords,
				Items: &ollama.Schema{
					Type: "object",
					Properties: map[string]ollama.SchemaProperty{
						"word":   {Type: "string"},
						"weight": {Type: "number", Minimum: &zero, Maximum: &one},
					},
					Required: []string{"word", "weight"},
				},
			},
		},
		Required: []string{"summary", "keywords"},
	}
}

// parseAnalysis decodes a model reply. Replies wrapped in a markdown code
// fence are unwrapped first; anything that still does not decode is
// rejected.
func parseAnalysis(op, raw string) (Analysis, error) {
	raw = strings.TrimSpace(raw)
	if strings.HasPrefix(raw, "```") {
		raw = strings.TrimPrefix(raw, "```json")
		raw = strings.TrimPrefix(raw, "```")
		raw = strings.TrimSuffix(strings.TrimSpace(raw), "```")
	}
	var a Analysis
	if err := json.Unmarshal([]byte(raw), &a); err != nil {
		return Analysis{}, Rejected(op, "response is not valid analysis JSON: %v", err)
	}
	return a, nil
}
