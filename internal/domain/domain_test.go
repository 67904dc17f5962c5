package domain

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestClassifyBatchType(t *testing.T) {
	tests := []struct {
		name  string
		count int
		mb    float64
		want  BatchType
	}{
		{"tiny", 3, 4, BatchSmall},
		{"five docs at ten mb", 5, 10, BatchMedium},
		{"twenty five docs", 25, 50, BatchMedium},
		{"many docs", 26, 20, BatchLarge},
		{"big total", 10, 150, BatchLarge},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ClassifyBatchType(tt.count, tt.mb))
		})
	}
}

func TestDeriveBatchPriority(t *testing.T) {
	docs := func(ps ...Priority) []DocumentDescriptor {
		out := make([]DocumentDescriptor, 0, len(ps))
		for _, p := range ps {
			out = append(out, DocumentDescriptor{Priority: p})
		}
		return out
	}
	assert.Equal(t, PriorityUrgent, DeriveBatchPriority(docs(PriorityLow, PriorityUrgent, PriorityHigh)))
	assert.Equal(t, PriorityHigh, DeriveBatchPriority(docs(PriorityLow, PriorityHigh)))
	assert.Equal(t, PriorityLow, DeriveBatchPriority(docs(PriorityLow, PriorityLow)))
	assert.Equal(t, PriorityNormal, DeriveBatchPriority(docs(PriorityLow, PriorityNormal)))
	assert.Equal(t, PriorityNormal, DeriveBatchPriority(nil))
}

func TestEstimateMinutes(t *testing.T) {
	// floor applies to small batches
	assert.Equal(t, float64(MinBatchMinutes), EstimateMinutes([]DocumentDescriptor{
		{Complexity: ComplexitySimple, SizeMB: 1},
	}))
	// complex 20MB doc: 8 * 4 = 32, plus standard 2MB: 3
	assert.InDelta(t, 35.0, EstimateMinutes([]DocumentDescriptor{
		{Complexity: ComplexityComplex, SizeMB: 20},
		{Complexity: ComplexityStandard, SizeMB: 2},
	}), 0.0001)
}

func TestNewManifest(t *testing.T) {
	now := time.Date(2026, 10, 15, 9, 30, 0, 0, time.UTC)
	docs := []DocumentDescriptor{
		{ID: "a", SizeMB: 2, Priority: PriorityNormal, Complexity: ComplexityStandard},
		{ID: "b", SizeMB: 3, Priority: PriorityHigh, Complexity: ComplexitySimple},
	}
	m := NewManifest(docs, now)

	assert.True(t, strings.HasPrefix(m.ID, "batch_20261015T093000.000_"))
	assert.Equal(t, BatchSmall, m.Type)
	assert.Equal(t, PriorityHigh, m.Priority)
	assert.Equal(t, BatchPending, m.Status)
	assert.Equal(t, []string{"a", "b"}, m.DocumentIDs())

	docs[0].ID = "mutated"
	assert.Equal(t, "a", m.Documents[0].ID, "manifest keeps its own copy")
}

func TestBatchIDsSortByTime(t *testing.T) {
	a := NewBatchID(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	b := NewBatchID(time.Date(2026, 1, 1, 0, 0, 1, 0, time.UTC))
	assert.Less(t, a, b)
}

func TestStatusFromCounts(t *testing.T) {
	assert.Equal(t, BatchCompleted, StatusFromCounts(5, 0))
	assert.Equal(t, BatchFailed, StatusFromCounts(0, 5))
	assert.Equal(t, BatchPartialSuccess, StatusFromCounts(3, 2))
}

func TestDeriveOverallStatus(t *testing.T) {
	tests := []struct {
		name      string
		prev      DocumentStatus
		signal    StatusSignal
		stage     Stage
		completed []Stage
		want      DocumentStatus
	}{
		{"fresh pending", "", SignalPending, StageOCR, nil, DocPending},
		{"started", "", SignalInProgress, StageOCR, nil, DocInProgress},
		{"stage done", DocInProgress, SignalCompleted, StageOCR, []Stage{StageOCR}, DocInProgress},
		{"failure", DocInProgress, SignalFailed, StageChunking, []Stage{StageOCR}, DocFailed},
		{"cancel", DocInProgress, SignalCancelled, StageChunking, nil, DocCancelled},
		{"retry", DocFailed, SignalRetrying, StageChunking, nil, DocRetrying},
		{"terminal entered only", DocInProgress, SignalInProgress, StageRelationships, []Stage{StageOCR}, DocInProgress},
		{"terminal done", DocInProgress, SignalCompleted, StageRelationships, []Stage{StageOCR, StageRelationships}, DocCompleted},
		{"completed sticks", DocCompleted, SignalInProgress, StageOCR, nil, DocCompleted},
		{"completed ignores failure", DocCompleted, SignalFailed, StageOCR, nil, DocCompleted},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, DeriveOverallStatus(tt.prev, tt.signal, tt.stage, tt.completed))
		})
	}
}

func TestChainFrom(t *testing.T) {
	assert.Equal(t, DocumentChain, ChainFrom(StageUpload))
	assert.Equal(t, []string{TaskExtractEntities, TaskResolveEntities, TaskBuildRelationships}, ChainFrom(StageEntityExtraction))
	assert.Equal(t, []string{TaskBuildRelationships}, ChainFrom(StageRelationships))
}

func TestQueueFor(t *testing.T) {
	assert.Equal(t, QueueHigh, QueueFor(PriorityUrgent))
	assert.Equal(t, QueueHigh, QueueFor(PriorityHigh))
	assert.Equal(t, QueueDefault, QueueFor(PriorityNormal))
	assert.Equal(t, QueueDefault, QueueFor(PriorityLow))
}

func TestTruncateMessage(t *testing.T) {
	long := strings.Repeat("x", MaxErrorMessageLen+20)
	assert.Len(t, TruncateMessage(long), MaxErrorMessageLen)
	assert.Equal(t, "short", TruncateMessage("short"))
}

func TestOwnerBatchID(t *testing.T) {
	plain := &Task{BatchID: "batch_a"}
	assert.Equal(t, "batch_a", plain.OwnerBatchID())
	rec := &Task{BatchID: "batch_r", Payload: map[string]string{PayloadOriginalBatchID: "batch_a"}}
	assert.Equal(t, "batch_a", rec.OwnerBatchID())
}
