package reflection

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/bridge25/dt-rag-sub010/internal/engine"
	"github.com/bridge25/dt-rag-sub010/internal/storage"
)

const (
	suggestTimeout = 30 * time.Second
	maxSuggestions = 3
)

// Chatter is the interface for chat completion against the inference backend.
type Chatter interface {
	Chat(ctx context.Context, model string, messages []engine.Message, jsonSchema *engine.Schema) (string, error)
}

// SuggestionSource produces improvement suggestions for an underperforming
// case. An error means the source was unavailable; the caller degrades to an
// empty suggestion list instead of failing the analysis.
type SuggestionSource interface {
	Suggest(ctx context.Context, c storage.CaseRecord, successRate int, topErrors []ErrorGroup) ([]string, error)
}

// Suggester asks a local LLM for improvement suggestions.
type Suggester struct {
	client Chatter
	model  string
}

// NewSuggester creates a Suggester using the given chat client and model name.
func NewSuggester(client Chatter, model string) *Suggester {
	return &Suggester{client: client, model: model}
}

// Suggest returns up to three short suggestions for improving the case's
// answer. The call is bounded by a timeout so a stuck backend never blocks a
// reflection batch.
func (s *Suggester) Suggest(ctx context.Context, c storage.CaseRecord, successRate int, topErrors []ErrorGroup) ([]string, error) {
	ctx, cancel := context.WithTimeout(ctx, suggestTimeout)
	defer cancel()

	raw, err := s.client.Chat(ctx, s.model, buildPrompt(c, successRate, topErrors), suggestionSchema())
	if err != nil {
		return nil, fmt.Errorf("suggestion chat: %w", err)
	}

	var result struct {
		Suggestions []string `json:"suggestions"`
	}
	if err := json.Unmarshal([]byte(raw), &result); err != nil {
		return nil, fmt.Errorf("unmarshalling suggestions from %q: %w", raw, err)
	}

	out := result.Suggestions[:0:0]
	for _, sg := range result.Suggestions {
		sg = strings.TrimSpace(sg)
		if sg == "" {
			continue
		}
		out = append(out, sg)
		if len(out) == maxSuggestions {
			break
		}
	}
	return out, nil
}

const suggestSystemPrompt = `You are a case-memory quality reviewer. A stored query/answer pair is underperforming in production. Given the pair, its measured success rate, and its most common failure categories, propose up to 3 short, concrete suggestions for improving the stored answer. Your output must be ONLY a single valid JSON object that conforms to the provided schema. Do not include any other text, prose, or markdown.

Rules:
- Each suggestion is one sentence, actionable, and specific to the failures shown.
- Do not restate the problem; state the fix.
- Fewer good suggestions beat three vague ones.`

func buildPrompt(c storage.CaseRecord, successRate int, topErrors []ErrorGroup) []engine.Message {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Query: %s\n\nStored answer: %s\n\nSuccess rate: %d%%\n", c.Query, c.Answer, successRate)

	if len(topErrors) > 0 {
		sb.WriteString("\nTop failure categories:\n")
		for _, g := range topErrors {
			fmt.Fprintf(&sb, "- %s (%d occurrences, last seen %s)\n",
				g.Kind, g.Count, g.LastSeen.UTC().Format(time.RFC3339))
		}
	}

	return []engine.Message{
		{Role: "system", Content: suggestSystemPrompt},
		{Role: "user", Content: sb.String()},
	}
}

func suggestionSchema() *engine.Schema {
	return &engine.Schema{
		Type: "object",
		Properties: map[string]engine.SchemaProperty{
			"suggestions": {
				Type:        "array",
				Description: "Up to 3 short improvement suggestions",
				Items:       &engine.SchemaProperty{Type: "string"},
			},
		},
		Required: []string{"suggestions"},
	}
}
