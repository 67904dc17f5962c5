package status

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

var t0 = time.Date(2025, 3, 4, 10, 0, 0, 0, time.UTC)

func newTracker(t *testing.T) (*Tracker, *kv.Store) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := r.NewClient(&r.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	store := kv.New(rdb)
	tr := NewTracker(store, time.Hour, zaptest.NewLogger(t))
	tr.now = func() time.Time { return t0 }
	return tr, store
}

func runChain(t *testing.T, tr *Tracker, id string, upTo domain.Stage) {
	t.Helper()
	ctx := context.Background()
	for _, st := range domain.PipelineStages {
		require.NoError(t, tr.RecordTransition(ctx, id, st, domain.SignalInProgress, nil))
		require.NoError(t, tr.RecordTransition(ctx, id, st, domain.SignalCompleted, nil))
		if st == upTo {
			return
		}
	}
}

func TestFullChainCompletesDocument(t *testing.T) {
	tr, _ := newTracker(t)
	runChain(t, tr, "doc-1", domain.TerminalStage)

	rec, err := tr.GetStatus(context.Background(), "doc-1")
	require.NoError(t, err)
	assert.Equal(t, domain.DocCompleted, rec.OverallStatus)
	assert.Equal(t, domain.StageCompleted, rec.CurrentStage)
	assert.Equal(t, domain.PipelineStages, rec.StagesCompleted)
	assert.Zero(t, rec.ErrorCount)
}

func TestStagesCompletedHasNoDuplicates(t *testing.T) {
	tr, _ := newTracker(t)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		require.NoError(t, tr.RecordTransition(ctx, "doc-1", domain.StageOCR, domain.SignalCompleted, nil))
	}
	rec, err := tr.GetStatus(ctx, "doc-1")
	require.NoError(t, err)
	assert.Equal(t, []domain.Stage{domain.StageOCR}, rec.StagesCompleted)
	assert.Equal(t, domain.DocInProgress, rec.OverallStatus)
	assert.EqualValues(t, 3, rec.Version)
}

func TestCompletedIsAbsorbing(t *testing.T) {
	tr, _ := newTracker(t)
	ctx := context.Background()
	runChain(t, tr, "doc-1", domain.TerminalStage)

	require.NoError(t, tr.RecordTransition(ctx, "doc-1", domain.StageOCR, domain.SignalFailed, map[string]any{MetaError: "late"}))
	rec, err := tr.GetStatus(ctx, "doc-1")
	require.NoError(t, err)
	assert.Equal(t, domain.DocCompleted, rec.OverallStatus)
	assert.Zero(t, rec.ErrorCount)
	assert.Nil(t, rec.LastError)
}

func TestTerminalStageInProgressDoesNotComplete(t *testing.T) {
	tr, _ := newTracker(t)
	runChain(t, tr, "doc-1", domain.StageEntityResolution)
	require.NoError(t, tr.RecordTransition(context.Background(), "doc-1", domain.TerminalStage, domain.SignalInProgress, nil))

	rec, err := tr.GetStatus(context.Background(), "doc-1")
	require.NoError(t, err)
	assert.Equal(t, domain.DocInProgress, rec.OverallStatus)
	assert.Equal(t, domain.TerminalStage, rec.CurrentStage)
}

func TestFailureRecordsLastError(t *testing.T) {
	tr, _ := newTracker(t)
	ctx := context.Background()
	long := make([]byte, 900)
	for i := range long {
		long[i] = 'x'
	}
	require.NoError(t, tr.RecordTransition(ctx, "doc-1", domain.StageOCR, domain.SignalFailed, map[string]any{
		MetaBatchID:   "batch_1",
		MetaError:     string(long),
		MetaErrorType: "TimeoutError",
	}))
	require.NoError(t, tr.RecordTransition(ctx, "doc-1", domain.StageOCR, domain.SignalFailed, map[string]any{MetaError: "again"}))

	rec, err := tr.GetStatus(ctx, "doc-1")
	require.NoError(t, err)
	assert.Equal(t, domain.DocFailed, rec.OverallStatus)
	assert.Equal(t, 2, rec.ErrorCount)
	assert.Equal(t, "batch_1", rec.BatchID)
	require.NotNil(t, rec.LastError)
	assert.Equal(t, "again", rec.LastError.Message)
	assert.Equal(t, domain.StageOCR, rec.LastError.Stage)
	assert.Equal(t, "TimeoutError", rec.ProcessingMetadata[MetaErrorType])
}

func TestMarkRetryingThenComplete(t *testing.T) {
	tr, _ := newTracker(t)
	ctx := context.Background()
	runChain(t, tr, "doc-1", domain.StageOCR)
	require.NoError(t, tr.RecordTransition(ctx, "doc-1", domain.StageChunking, domain.SignalFailed, map[string]any{MetaError: "boom"}))

	rec, err := tr.MarkRetrying(ctx, "doc-1", "batch_r", domain.StageChunking)
	require.NoError(t, err)
	assert.Equal(t, domain.DocRetrying, rec.OverallStatus)
	assert.Equal(t, 1, rec.RetryCount)
	assert.Equal(t, "batch_r", rec.ProcessingMetadata["recovery_batch_id"])

	for _, st := range domain.PipelineStages[2:] {
		require.NoError(t, tr.RecordTransition(ctx, "doc-1", st, domain.SignalCompleted, nil))
	}
	rec, err = tr.GetStatus(ctx, "doc-1")
	require.NoError(t, err)
	assert.Equal(t, domain.DocCompleted, rec.OverallStatus)
	assert.Equal(t, 1, rec.ErrorCount)
}

func TestRestorePutsBackFailedRecord(t *testing.T) {
	tr, _ := newTracker(t)
	ctx := context.Background()
	runChain(t, tr, "doc-r", domain.StageOCR)
	failed, err := tr.RecordFailure(ctx, "doc-r", domain.StageChunking, map[string]any{MetaError: "connection reset"})
	require.NoError(t, err)

	retrying, err := tr.MarkRetrying(ctx, "doc-r", "batch_r", domain.StageChunking)
	require.NoError(t, err)
	require.Equal(t, domain.DocRetrying, retrying.OverallStatus)

	require.NoError(t, tr.Restore(ctx, failed))
	rec, err := tr.GetStatus(ctx, "doc-r")
	require.NoError(t, err)
	assert.Equal(t, domain.DocFailed, rec.OverallStatus)
	assert.Equal(t, failed.RetryCount, rec.RetryCount)
	assert.Equal(t, failed.LastError, rec.LastError)
	assert.Greater(t, rec.Version, retrying.Version)
}

func TestRecordTransitionRejectsEmptyID(t *testing.T) {
	tr, _ := newTracker(t)
	err := tr.RecordTransition(context.Background(), "", domain.StageOCR, domain.SignalCompleted, nil)
	assert.ErrorIs(t, err, domain.ErrInvalidDescriptor)
}

func TestGetManyAlignsMissing(t *testing.T) {
	tr, _ := newTracker(t)
	require.NoError(t, tr.RecordTransition(context.Background(), "a", domain.StageOCR, domain.SignalInProgress, nil))
	recs, err := tr.GetMany(context.Background(), []string{"a", "missing"})
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.NotNil(t, recs[0])
	assert.Nil(t, recs[1])
}

func TestBatchProgressMixedBatch(t *testing.T) {
	tr, store := newTracker(t)
	ctx := context.Background()

	ids := []string{"d1", "d2", "d3", "d4", "d5"}
	docs := make([]domain.DocumentDescriptor, 0, len(ids))
	for _, id := range ids {
		docs = append(docs, domain.DocumentDescriptor{ID: id, Path: "/x/" + id, SizeMB: 1, Priority: domain.PriorityNormal})
	}
	m := domain.NewManifest(docs, t0.Add(-20*time.Minute))
	started := t0.Add(-10 * time.Minute)
	m.StartedAt = &started
	m.Status = domain.BatchInProgress
	require.NoError(t, store.SetJSON(ctx, kv.ManifestKey(m.ID), m, time.Hour))
	require.NoError(t, store.HSetInts(ctx, kv.CountersKey(m.ID), map[string]int64{"total": 5}, time.Hour))

	for _, id := range ids[:3] {
		runChain(t, tr, id, domain.TerminalStage)
	}
	runChain(t, tr, "d4", domain.StageOCR)
	require.NoError(t, tr.RecordTransition(ctx, "d4", domain.StageChunking, domain.SignalFailed, map[string]any{MetaError: "bad"}))
	require.NoError(t, tr.RecordTransition(ctx, "d5", domain.StageOCR, domain.SignalInProgress, nil))

	p, err := tr.GetBatchProgress(ctx, m.ID)
	require.NoError(t, err)
	assert.Equal(t, 5, p.Total)
	assert.Equal(t, 3, p.Completed)
	assert.Equal(t, 1, p.Failed)
	assert.Equal(t, 1, p.InProgress)
	assert.Equal(t, 0, p.Pending)
	assert.InDelta(t, 60.0, p.CompletionPercentage, 1e-9)
	assert.InDelta(t, 600.0, p.ElapsedSeconds, 1e-9)
	require.NotNil(t, p.ETASeconds)
	assert.InDelta(t, 200.0, *p.ETASeconds, 1e-9)
	assert.Equal(t, 3, p.StageHistogram[domain.StageCompleted])
	assert.Equal(t, 1, p.StageHistogram[domain.StageChunking])
	assert.Equal(t, 1, p.StageHistogram[domain.StageOCR])
	assert.EqualValues(t, 5, p.Counters.Total)
}

func TestBatchProgressMissingRecordsArePending(t *testing.T) {
	tr, store := newTracker(t)
	ctx := context.Background()
	m := domain.NewManifest([]domain.DocumentDescriptor{{ID: "a", Path: "/a"}, {ID: "b", Path: "/b"}}, t0)
	require.NoError(t, store.SetJSON(ctx, kv.ManifestKey(m.ID), m, time.Hour))

	p, err := tr.GetBatchProgress(ctx, m.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, p.Pending)
	assert.Zero(t, p.CompletionPercentage)
	assert.Nil(t, p.ETASeconds)
}

func TestBatchProgressUnknownBatch(t *testing.T) {
	tr, _ := newTracker(t)
	_, err := tr.GetBatchProgress(context.Background(), "batch_nope")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestSummarizeEmptyManifest(t *testing.T) {
	p := Summarize(&domain.BatchManifest{ID: "b", CreatedAt: t0}, nil, t0)
	assert.Zero(t, p.Total)
	assert.Zero(t, p.CompletionPercentage)
	assert.Nil(t, p.ETASeconds)
}
