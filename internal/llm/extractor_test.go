package llm

import (
	"context"
	"errors"
	"testing"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type fakeMessages struct {
	reply string
	err   error
	got   anthropic.MessageNewParams
}

func (f *fakeMessages) New(_ context.Context, body anthropic.MessageNewParams, _ ...option.RequestOption) (*anthropic.Message, error) {
	f.got = body
	if f.err != nil {
		return nil, f.err
	}
	return &anthropic.Message{Content: []anthropic.ContentBlockUnion{{Type: "text", Text: f.reply}}}, nil
}

func TestParseMentions(t *testing.T) {
	raw := "Here you go:\n```json\n[{\"text\":\" Acme Corp \",\"type\":\"organization\",\"confidence\":0.9},{\"text\":\"\",\"type\":\"PERSON\"},{\"text\":\"Jane Roe\"}]\n```"
	ms, err := ParseMentions(raw)
	require.NoError(t, err)
	assert.Equal(t, []Mention{
		{Text: "Acme Corp", Type: "ORGANIZATION", Confidence: 0.9},
		{Text: "Jane Roe", Type: "UNKNOWN"},
	}, ms)
}

func TestParseMentionsRejectsGarbage(t *testing.T) {
	_, err := ParseMentions("no entities here")
	assert.Error(t, err)
	_, err = ParseMentions("[{broken")
	assert.Error(t, err)
}

func TestExtractEntities(t *testing.T) {
	fake := &fakeMessages{reply: `[{"text":"Supreme Court","type":"COURT","confidence":0.8}]`}
	e := NewExtractor(fake, "claude-test", zaptest.NewLogger(t))

	ms, err := e.ExtractEntities(context.Background(), "Appeal to the Supreme Court.")
	require.NoError(t, err)
	assert.Equal(t, []Mention{{Text: "Supreme Court", Type: "COURT", Confidence: 0.8}}, ms)
	assert.Equal(t, anthropic.Model("claude-test"), fake.got.Model)

	ms, err = e.ExtractEntities(context.Background(), "   ")
	require.NoError(t, err)
	assert.Empty(t, ms)
}

func TestExtractEntitiesPropagatesAPIErrors(t *testing.T) {
	e := NewExtractor(&fakeMessages{err: errors.New("429 Too Many Requests")}, "m", zaptest.NewLogger(t))
	_, err := e.ExtractEntities(context.Background(), "text")
	assert.ErrorContains(t, err, "429")
}
