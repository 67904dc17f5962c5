// Package llm extracts entity mentions from document text with Claude.
package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"go.uber.org/zap"
)

// Mention is one entity occurrence found in a piece of text.
type Mention struct {
	Text       string  `json:"text"`
	Type       string  `json:"type"`
	Confidence float64 `json:"confidence"`
}

// MessagesAPI is the subset of the Anthropic messages service used here.
type MessagesAPI interface {
	New(ctx context.Context, body anthropic.MessageNewParams, opts ...option.RequestOption) (*anthropic.Message, error)
}

type Extractor struct {
	messages  MessagesAPI
	model     string
	maxTokens int64
	log       *zap.Logger
}

// NewClaudeExtractor builds an extractor backed by the Anthropic API.
func NewClaudeExtractor(apiKey, model string, log *zap.Logger) *Extractor {
	client := anthropic.NewClient(option.WithAPIKey(apiKey))
	return NewExtractor(&client.Messages, model, log)
}

func NewExtractor(messages MessagesAPI, model string, log *zap.Logger) *Extractor {
	return &Extractor{messages: messages, model: model, maxTokens: 4096, log: log}
}

const systemPrompt = `You extract named entities from legal documents.
Return only a JSON array. Each element has "text", "type" and "confidence" (0..1).
Types: PERSON, ORGANIZATION, COURT, CASE, STATUTE, DATE, LOCATION, MONEY.`

// ExtractEntities returns the mentions found in text.
func (e *Extractor) ExtractEntities(ctx context.Context, text string) ([]Mention, error) {
	if strings.TrimSpace(text) == "" {
		return nil, nil
	}
	resp, err := e.messages.New(ctx, anthropic.MessageNewParams{
		Model:     anthropic.Model(e.model),
		MaxTokens: e.maxTokens,
		System:    []anthropic.TextBlockParam{{Text: systemPrompt}},
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(text)),
		},
	})
	if err != nil {
		return nil, fmt.Errorf("claude extract: %w", err)
	}

	var out strings.Builder
	for _, block := range resp.Content {
		if block.Type == "text" {
			out.WriteString(block.Text)
		}
	}
	mentions, err := ParseMentions(out.String())
	if err != nil {
		e.log.Warn("unparseable entity response", zap.Error(err), zap.Int("response_len", out.Len()))
		return nil, err
	}
	return mentions, nil
}

// ParseMentions decodes the JSON array in raw, tolerating code fences and
// prose around it. Mentions with empty text are dropped.
func ParseMentions(raw string) ([]Mention, error) {
	start := strings.Index(raw, "[")
	end := strings.LastIndex(raw, "]")
	if start < 0 || end < start {
		return nil, fmt.Errorf("invalid format: no JSON array in entity response")
	}
	var ms []Mention
	if err := json.Unmarshal([]byte(raw[start:end+1]), &ms); err != nil {
		return nil, fmt.Errorf("invalid format: %w", err)
	}
	out := ms[:0]
	for _, m := range ms {
		m.Text = strings.TrimSpace(m.Text)
		if m.Text == "" {
			continue
		}
		m.Type = strings.ToUpper(strings.TrimSpace(m.Type))
		if m.Type == "" {
			m.Type = "UNKNOWN"
		}
		out = append(out, m)
	}
	return out, nil
}
