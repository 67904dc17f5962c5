package ocr

import (
	"context"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/textract"
	"github.com/aws/aws-sdk-go-v2/service/textract/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type fakeTextract struct {
	polls   int
	pending int
	pages   []*textract.GetDocumentTextDetectionOutput
	failed  bool
}

func (f *fakeTextract) StartDocumentTextDetection(context.Context, *textract.StartDocumentTextDetectionInput, ...func(*textract.Options)) (*textract.StartDocumentTextDetectionOutput, error) {
	return &textract.StartDocumentTextDetectionOutput{JobId: aws.String("job-1")}, nil
}

func (f *fakeTextract) GetDocumentTextDetection(_ context.Context, in *textract.GetDocumentTextDetectionInput, _ ...func(*textract.Options)) (*textract.GetDocumentTextDetectionOutput, error) {
	f.polls++
	if f.failed {
		return &textract.GetDocumentTextDetectionOutput{JobStatus: types.JobStatusFailed, StatusMessage: aws.String("unsupported document format")}, nil
	}
	if f.pending > 0 {
		f.pending--
		return &textract.GetDocumentTextDetectionOutput{JobStatus: types.JobStatusInProgress}, nil
	}
	if in.NextToken == nil {
		return f.pages[0], nil
	}
	return f.pages[1], nil
}

func line(text string, conf float32) types.Block {
	return types.Block{BlockType: types.BlockTypeLine, Text: aws.String(text), Confidence: aws.Float32(conf)}
}

func TestExtractPollsUntilSucceeded(t *testing.T) {
	fake := &fakeTextract{
		pending: 2,
		pages: []*textract.GetDocumentTextDetectionOutput{
			{JobStatus: types.JobStatusSucceeded, Blocks: []types.Block{line("AGREEMENT", 90), {BlockType: types.BlockTypeWord, Text: aws.String("AGREEMENT")}}, NextToken: aws.String("p2")},
			{JobStatus: types.JobStatusSucceeded, Blocks: []types.Block{line("between parties", 100)}},
		},
	}
	c := New(fake, time.Millisecond, time.Second, zaptest.NewLogger(t))

	res, err := c.Extract(context.Background(), "b", "k")
	require.NoError(t, err)
	assert.Equal(t, StatusSucceeded, res.Status)
	assert.Equal(t, "AGREEMENT\nbetween parties", res.Text)
	assert.InDelta(t, 95.0, res.Confidence, 0.001)
	assert.Equal(t, 4, fake.polls)
}

func TestExtractFailedJob(t *testing.T) {
	c := New(&fakeTextract{failed: true}, time.Millisecond, time.Second, zaptest.NewLogger(t))
	_, err := c.Extract(context.Background(), "b", "k")
	assert.ErrorIs(t, err, ErrJobFailed)
	assert.Contains(t, err.Error(), "unsupported document format")
}

func TestExtractTimesOut(t *testing.T) {
	c := New(&fakeTextract{pending: 1 << 30}, time.Millisecond, 20*time.Millisecond, zaptest.NewLogger(t))
	_, err := c.Extract(context.Background(), "b", "k")
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "timeout")
}
