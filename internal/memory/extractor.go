package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/hession/mnemo/internal/llm"
)

// Candidate is a fact proposed by the extractor, before embedding.
type Candidate struct {
	Content         string
	Category        Category
	RelevanceScore  float64
	OriginalContext string
}

// Extractor turns a user utterance into fact candidates.
type Extractor interface {
	Extract(ctx context.Context, utterance string) ([]Candidate, error)
}

// Completer is the completion call the LLM extractor depends on.
type Completer interface {
	Chat(ctx context.Context, messages []llm.Message) (*llm.ChatResponse, error)
}

// LLMExtractor asks a completion model for a JSON array of facts.
type LLMExtractor struct {
	client Completer
	prompt string
}

// NewLLMExtractor creates an extractor that sends prompt as the system
// instruction and the utterance as the user message.
func NewLLMExtractor(client Completer, prompt string) *LLMExtractor {
	return &LLMExtractor{client: client, prompt: prompt}
}

// Extract returns the parsed candidates. Only transport failures are errors;
// an unparseable reply yields no candidates.
func (e *LLMExtractor) Extract(ctx context.Context, utterance string) ([]Candidate, error) {
	resp, err := e.client.Chat(ctx, []llm.Message{
		{Role: "system", Content: e.prompt},
		{Role: "user", Content: utterance},
	})
	if err != nil {
		return nil, fmt.Errorf("fact extraction: %w", err)
	}

	candidates := ParseCandidates(resp.Content)
	for i := range candidates {
		if candidates[i].OriginalContext == "" {
			candidates[i].OriginalContext = utterance
		}
	}
	return candidates, nil
}

type rawCandidate struct {
	Content         string   `json:"content"`
	Category        string   `json:"category"`
	RelevanceScore  *float64 `json:"relevanceScore"`
	OriginalContext string   `json:"originalContext"`
}

// ParseCandidates pulls the JSON array out of a model reply. The array spans
// from the first '[' to the last ']'; surrounding prose and trailing commas
// are tolerated. Any other problem yields nil.
func ParseCandidates(raw string) []Candidate {
	start := strings.Index(raw, "[")
	end := strings.LastIndex(raw, "]")
	if start < 0 || end <= start {
		return nil
	}

	body := raw[start : end+1]

	var items []rawCandidate
	if err := json.Unmarshal([]byte(body), &items); err != nil {
		items = nil
		if err := json.Unmarshal([]byte(stripTrailingCommas(body)), &items); err != nil {
			return nil
		}
	}

	var candidates []Candidate
	for _, item := range items {
		content := strings.TrimSpace(item.Content)
		if content == "" {
			continue
		}
		score := 0.5
		if item.RelevanceScore != nil {
			score = clamp01(*item.RelevanceScore)
		}
		candidates = append(candidates, Candidate{
			Content:         content,
			Category:        ParseCategory(item.Category),
			RelevanceScore:  score,
			OriginalContext: strings.TrimSpace(item.OriginalContext),
		})
	}
	return candidates
}

// stripTrailingCommas drops commas that directly precede a closing bracket or
// brace. Commas inside string literals are left alone.
func stripTrailingCommas(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	inString, escaped := false, false
	for i := 0; i < len(s); i++ {
		c := s[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			b.WriteByte(c)
			continue
		}
		switch c {
		case '"':
			inString = true
		case ',':
			j := i + 1
			for j < len(s) && strings.IndexByte(" \t\r\n", s[j]) >= 0 {
				j++
			}
			if j < len(s) && (s[j] == ']' || s[j] == '}') {
				continue
			}
		}
		b.WriteByte(c)
	}
	return b.String()
}

func clamp01(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}
