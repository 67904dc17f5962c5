package metrics

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	r "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/you/lexbatch/internal/domain"
	"github.com/you/lexbatch/internal/kv"
)

func newCollector(t *testing.T, now *time.Time) (*Collector, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := r.NewClient(&r.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	c := NewCollector(kv.New(rdb), 7*24*time.Hour, zaptest.NewLogger(t))
	c.now = func() time.Time { return *now }
	return c, mr
}

func manifest(id string, p domain.Priority, n int) *domain.BatchManifest {
	docs := make([]domain.DocumentDescriptor, n)
	for i := range docs {
		docs[i] = domain.DocumentDescriptor{ID: id + "-" + string(rune('a'+i)), Path: "/x", SizeMB: 1, Priority: p}
	}
	m := domain.NewManifest(docs, time.Now())
	m.ID = id
	return m
}

func TestBatchMetricsGroupByPriority(t *testing.T) {
	now := time.Date(2025, 5, 1, 12, 30, 0, 0, time.UTC)
	c, _ := newCollector(t, &now)
	ctx := context.Background()

	urgent := manifest("b-urgent", domain.PriorityUrgent, 4)
	normal := manifest("b-normal", domain.PriorityNormal, 2)
	require.NoError(t, c.RecordBatchStart(ctx, urgent))
	require.NoError(t, c.RecordBatchStart(ctx, normal))

	now = now.Add(40 * time.Minute) // crosses an hour bucket
	urgent.Status = domain.BatchPartialSuccess
	require.NoError(t, c.RecordBatchComplete(ctx, urgent, domain.BatchCounters{Total: 4, Completed: 3, Failed: 1}, 10*time.Minute))

	m, err := c.GetBatchMetrics(ctx, 2*time.Hour)
	require.NoError(t, err)
	require.Contains(t, m.ByPriority, domain.PriorityUrgent)
	u := m.ByPriority[domain.PriorityUrgent]
	assert.Equal(t, 1, u.BatchesStarted)
	assert.Equal(t, 1, u.BatchesCompleted)
	assert.Equal(t, 4, u.Documents)
	assert.InDelta(t, 600.0, u.AvgDurationSeconds, 1e-9)
	assert.InDelta(t, 0.75, u.SuccessRate, 1e-9)
	assert.Equal(t, 1, m.ByPriority[domain.PriorityNormal].BatchesStarted)
	assert.Zero(t, m.ByPriority[domain.PriorityNormal].BatchesCompleted)
}

func TestBatchMetricsWindowExcludesOldEvents(t *testing.T) {
	now := time.Date(2025, 5, 1, 12, 0, 0, 0, time.UTC)
	c, _ := newCollector(t, &now)
	ctx := context.Background()
	require.NoError(t, c.RecordBatchStart(ctx, manifest("old", domain.PriorityLow, 1)))

	now = now.Add(3 * time.Hour)
	require.NoError(t, c.RecordBatchStart(ctx, manifest("new", domain.PriorityHigh, 1)))

	m, err := c.GetBatchMetrics(ctx, time.Hour)
	require.NoError(t, err)
	assert.NotContains(t, m.ByPriority, domain.PriorityLow)
	assert.Contains(t, m.ByPriority, domain.PriorityHigh)
}

func TestStageMetricsAndAggregates(t *testing.T) {
	now := time.Date(2025, 5, 1, 12, 0, 0, 0, time.UTC)
	c, mr := newCollector(t, &now)
	ctx := context.Background()

	require.NoError(t, c.RecordDocumentStageMetric(ctx, "d1", "b1", domain.StageOCR, 2*time.Second, true))
	now = now.Add(90 * time.Second)
	require.NoError(t, c.RecordDocumentStageMetric(ctx, "d2", "b1", domain.StageOCR, 4*time.Second, false))

	m, err := c.GetBatchMetrics(ctx, time.Hour)
	require.NoError(t, err)
	st := m.Stages[domain.StageOCR]
	require.NotNil(t, st)
	assert.Equal(t, 2, st.Executions)
	assert.Equal(t, 1, st.Successes)
	assert.Equal(t, 1, st.Failures)
	assert.InDelta(t, 3000.0, st.AvgDurationMS, 1e-9)
	assert.Equal(t, StageTotals{Success: 1, Failure: 1, TotalDurationMS: 6000}, m.StageTotals[domain.StageOCR])

	ttl := mr.TTL(kv.StageAggKey(string(domain.StageOCR)))
	assert.Equal(t, 7*24*time.Hour, ttl)
}

func TestErrorSummary(t *testing.T) {
	now := time.Date(2025, 5, 1, 12, 0, 0, 0, time.UTC)
	c, _ := newCollector(t, &now)
	ctx := context.Background()

	recs := []domain.ErrorRecord{
		{DocumentID: "d1", BatchID: "b", ErrorType: "RateLimitExceeded", Stage: domain.StageEntityExtraction, Category: domain.CategoryRateLimit},
		{DocumentID: "d2", BatchID: "b", ErrorType: "RateLimitExceeded", Stage: domain.StageEntityExtraction, Category: domain.CategoryRateLimit},
		{DocumentID: "d3", BatchID: "b", ErrorType: "CorruptFile", Stage: domain.StageOCR, Category: domain.CategoryData},
	}
	for _, rec := range recs {
		require.NoError(t, c.RecordError(ctx, rec))
	}

	sum, err := c.GetErrorSummary(ctx, 24)
	require.NoError(t, err)
	assert.Equal(t, 24, sum.Hours)
	assert.Equal(t, 3, sum.Total)
	assert.Equal(t, 2, sum.ByCategory[domain.CategoryRateLimit])
	assert.Equal(t, 1, sum.ByStage[domain.StageOCR])
	require.Len(t, sum.TopErrorTypes, 2)
	assert.Equal(t, ErrorTypeCount{ErrorType: "RateLimitExceeded", Count: 2}, sum.TopErrorTypes[0])
	assert.EqualValues(t, 2, sum.TypeStageTotals["RateLimitExceeded:entity_extraction"])
}

func TestTopTypesTiesAndLimit(t *testing.T) {
	top := TopTypes(map[string]int{"b": 2, "a": 2, "c": 5, "d": 1}, 3)
	assert.Equal(t, []ErrorTypeCount{{"c", 5}, {"a", 2}, {"b", 2}}, top)
}

func TestAggField(t *testing.T) {
	assert.Equal(t, "Timeout:ocr", aggField("Timeout", domain.StageOCR))
	assert.Equal(t, "unknown:ocr", aggField("", domain.StageOCR))
}

func TestClampWindow(t *testing.T) {
	assert.Equal(t, time.Hour, clampWindow(0))
	assert.Equal(t, Retention, clampWindow(30*24*time.Hour))
	assert.Equal(t, 5*time.Minute, clampWindow(5*time.Minute))
}
