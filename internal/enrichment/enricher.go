package enrichment

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/MarcoPoloResearchLab/digitalbrain/internal/llm"
	"github.com/MarcoPoloResearchLab/digitalbrain/internal/notes"
	"go.uber.org/zap"
)

// ErrUnavailable indicates that no suggestion could be produced.
var ErrUnavailable = errors.New("enrichment: unavailable")

const (
	maxInputRunes  = 4000
	temperature    = 0.1
	maxTags        = 3
	systemPrompt   = "You are an assistant that only answers in JSON."
	instructionFmt = `You are a personal knowledge management expert. Analyse the user's text and answer with a strict JSON object with three fields:
1. "category": a single word naming the area (for example Programming, Marketing, Philosophy, Tool).
2. "tags": an array of 1 to 3 lowercase keywords.
3. "summary": a summary of at most 10 words.
Answer ONLY with the JSON object.

%s`
)

// Suggestion is the AI-derived metadata proposed for a capture.
type Suggestion struct {
	Category string   `json:"category"`
	Tags     []string `json:"tags"`
	Summary  string   `json:"summary"`
}

// Fallback is substituted whenever enrichment fails.
func Fallback() Suggestion {
	return Suggestion{Category: "Archive", Tags: []string{"error"}, Summary: "Processing error"}
}

// Enricher proposes category, tags and summary for raw content.
type Enricher interface {
	Enrich(ctx context.Context, text string) (Suggestion, error)
}

// Normalize trims fields and lowercases and deduplicates tags. Missing
// category or summary are filled from the fallback.
func Normalize(suggestion Suggestion) Suggestion {
	fallback := Fallback()
	normalized := Suggestion{
		Category: strings.TrimSpace(suggestion.Category),
		Tags:     notes.NormalizeTags(suggestion.Tags),
		Summary:  strings.TrimSpace(strings.ReplaceAll(suggestion.Summary, "\n", " ")),
	}
	if normalized.Category == "" {
		normalized.Category = fallback.Category
	}
	if normalized.Summary == "" {
		normalized.Summary = fallback.Summary
	}
	return normalized
}

// Disabled is used when no model is configured.
type Disabled struct{}

func (Disabled) Enrich(context.Context, string) (Suggestion, error) {
	return Suggestion{}, ErrUnavailable
}

// ChatClient is the subset of llm.Client used for enrichment.
type ChatClient interface {
	Chat(ctx context.Context, messages []llm.Message, options llm.ChatOptions) (string, error)
}

// LLMEnricher asks a chat model for a JSON suggestion.
type LLMEnricher struct {
	client ChatClient
	logger *zap.Logger
}

// NewLLMEnricher wraps a chat client.
func NewLLMEnricher(client ChatClient, logger *zap.Logger) *LLMEnricher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LLMEnricher{client: client, logger: logger}
}

// Enrich sends at most the first 4000 characters of text to the model.
func (e *LLMEnricher) Enrich(ctx context.Context, text string) (Suggestion, error) {
	if e == nil || e.client == nil {
		return Suggestion{}, ErrUnavailable
	}
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return Suggestion{}, fmt.Errorf("%w: empty input", ErrUnavailable)
	}

	content, err := e.client.Chat(ctx, []llm.Message{
		{Role: "system", Content: systemPrompt},
		{Role: "user", Content: fmt.Sprintf(instructionFmt, truncateRunes(trimmed, maxInputRunes))},
	}, llm.ChatOptions{Temperature: temperature, JSON: true})
	if err != nil {
		return Suggestion{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	suggestion, err := parseSuggestion(content)
	if err != nil {
		e.logger.Debug("unparseable enrichment response", zap.String("content", content))
		return Suggestion{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if len(suggestion.Tags) > maxTags {
		suggestion.Tags = suggestion.Tags[:maxTags]
	}
	return suggestion, nil
}

type rawSuggestion struct {
	Category string          `json:"category"`
	Tags     json.RawMessage `json:"tags"`
	Summary  string          `json:"summary"`
}

func parseSuggestion(content string) (Suggestion, error) {
	var raw rawSuggestion
	if err := json.Unmarshal([]byte(strings.TrimSpace(content)), &raw); err != nil {
		return Suggestion{}, fmt.Errorf("decode suggestion: %w", err)
	}

	var tags []string
	if len(raw.Tags) > 0 && string(raw.Tags) != "null" {
		if err := json.Unmarshal(raw.Tags, &tags); err != nil {
			var joined string
			if err := json.Unmarshal(raw.Tags, &joined); err != nil {
				return Suggestion{}, fmt.Errorf("decode tags: %w", err)
			}
			tags = strings.Split(joined, ",")
		}
	}

	suggestion := Normalize(Suggestion{Category: raw.Category, Tags: tags, Summary: raw.Summary})
	if strings.TrimSpace(raw.Category) == "" && strings.TrimSpace(raw.Summary) == "" {
		return Suggestion{}, errors.New("suggestion has neither category nor summary")
	}
	return suggestion, nil
}

func truncateRunes(value string, limit int) string {
	count := 0
	for index := range value {
		if count == limit {
			return value[:index]
		}
		count++
	}
	return value
}
