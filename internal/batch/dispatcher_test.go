package batch

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	r "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/you/lexbatch/internal/domain"
	"github.com/you/lexbatch/internal/kv"
	"github.com/you/lexbatch/internal/metrics"
	"github.com/you/lexbatch/internal/queue"
)

type mockRecords struct{ mock.Mock }

func (m *mockRecords) EnsureProject(ctx context.Context, ref string) (string, error) {
	args := m.Called(ctx, ref)
	return args.String(0), args.Error(1)
}

func (m *mockRecords) CreateDocument(ctx context.Context, d domain.DocumentDescriptor, batchID string, projectID *string) error {
	return m.Called(ctx, d.ID, batchID, projectID).Error(0)
}

type fixture struct {
	d       *Dispatcher
	q       *queue.RedisQ
	records *mockRecords
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	rec := &mockRecords{}
	rec.On("CreateDocument", mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return(nil)
	rec.On("EnsureProject", mock.Anything, mock.Anything).Return("proj-uuid", nil)
	return newFixtureWith(t, rec)
}

func newFixtureWith(t *testing.T, rec *mockRecords) *fixture {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := r.NewClient(&r.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	store := kv.New(rdb)
	log := zaptest.NewLogger(t)

	q := queue.New(rdb)
	d := NewDispatcher(NewManifests(store, time.Hour), q, rec, metrics.NewCollector(store, time.Hour, log), log)
	return &fixture{d: d, q: q, records: rec}
}

func docs(n int, p domain.Priority) []domain.DocumentDescriptor {
	out := make([]domain.DocumentDescriptor, n)
	for i := range out {
		out[i] = domain.DocumentDescriptor{
			ID: uuid.NewString(), Bucket: "legal", Key: "intake/x.pdf", SizeMB: 1,
			Priority: p, Complexity: domain.ComplexityStandard,
		}
	}
	return out
}

func TestSubmitRejectsInvalidDescriptors(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	in := docs(2, domain.PriorityNormal)
	in = append(in,
		domain.DocumentDescriptor{ID: "not-a-uuid", Path: "/x"},
		domain.DocumentDescriptor{ID: uuid.NewString()},
	)
	res, err := f.d.SubmitBatch(ctx, in, "", SubmitOptions{ProjectRef: "matter-7"})
	require.NoError(t, err)
	assert.Equal(t, 2, res.DocumentCount)
	assert.Equal(t, 2, res.Rejected)
	assert.Equal(t, "grp_"+res.BatchID, res.TaskID)

	m, err := f.d.Manifests().Get(ctx, res.BatchID)
	require.NoError(t, err)
	assert.Equal(t, domain.BatchSubmitted, m.Status)
	assert.NotNil(t, m.SubmittedAt)
	assert.Equal(t, "matter-7", m.ProjectRef)
	assert.Len(t, m.Documents, 2)

	c, err := f.d.Manifests().Counters(ctx, res.BatchID)
	require.NoError(t, err)
	assert.Equal(t, domain.BatchCounters{Total: 2, SubmissionFailed: 2}, c)

	ready, _, err := f.q.Depth(ctx, domain.QueueDefault)
	require.NoError(t, err)
	assert.EqualValues(t, 2, ready)
	f.records.AssertNumberOfCalls(t, "CreateDocument", 2)
	f.records.AssertCalled(t, "EnsureProject", mock.Anything, "matter-7")
}

func TestSubmitBuildsChainsOnPriorityQueue(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	m := domain.NewManifest(docs(1, domain.PriorityUrgent), time.Now())

	h, err := f.d.Submit(ctx, m, "")
	require.NoError(t, err)
	assert.Equal(t, domain.QueueHigh, h.Queue)
	require.Len(t, h.TaskIDs, 1)
	assert.Equal(t, domain.BatchSubmitted, m.Status)
	stored, err := f.d.Manifests().Get(ctx, m.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.BatchSubmitted, stored.Status)
	assert.NotNil(t, stored.SubmittedAt)

	task, err := f.q.Get(ctx, h.TaskIDs[0])
	require.NoError(t, err)
	assert.Equal(t, domain.TaskExtractText, task.Name)
	assert.Equal(t, domain.DocumentChain[1:], task.Chain)
	assert.Equal(t, m.Documents[0].ID, task.DocumentID)
	assert.Equal(t, h.GroupID, task.GroupID)
	f.records.AssertNotCalled(t, "EnsureProject", mock.Anything, mock.Anything)
}

func TestFinalizePartialSuccessAndIdempotence(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	m := domain.NewManifest(docs(3, domain.PriorityNormal), time.Now())
	h, err := f.d.Submit(ctx, m, "")
	require.NoError(t, err)
	require.NoError(t, f.d.MarkStarted(ctx, m.ID))

	for i, id := range h.TaskIDs {
		fired, err := f.q.CompleteMember(ctx, h.GroupID, id, i != 0)
		require.NoError(t, err)
		assert.Equal(t, i == 2, fired)
	}

	got, err := f.d.Finalize(ctx, m.ID, h.GroupID)
	require.NoError(t, err)
	assert.Equal(t, domain.BatchPartialSuccess, got.Status)
	assert.NotNil(t, got.CompletedAt)

	moved, err := f.d.Manifests().MergeRecovered(ctx, m.ID, 5)
	require.NoError(t, err)
	assert.EqualValues(t, 1, moved, "clamped to the failed count")

	_, err = f.d.Finalize(ctx, m.ID, h.GroupID)
	require.NoError(t, err)
	c, err := f.d.Manifests().Counters(ctx, m.ID)
	require.NoError(t, err)
	assert.EqualValues(t, 3, c.Completed)
	assert.Zero(t, c.Failed)

	got, err = f.d.Refresh(ctx, m.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.BatchCompleted, got.Status)
}

func TestAllRejectedBatchFails(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	res, err := f.d.SubmitBatch(ctx, []domain.DocumentDescriptor{{ID: "bad"}}, domain.PriorityLow, SubmitOptions{})
	require.NoError(t, err)
	assert.Zero(t, res.DocumentCount)

	// an empty group fires its callback straight away
	ready, _, err := f.q.Depth(ctx, domain.QueueDefault)
	require.NoError(t, err)
	assert.EqualValues(t, 1, ready)

	got, err := f.d.Finalize(ctx, res.BatchID, res.TaskID)
	require.NoError(t, err)
	assert.Equal(t, domain.BatchFailed, got.Status)
}

func TestCancelRevokesAndSticks(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	m := domain.NewManifest(docs(2, domain.PriorityHigh), time.Now())
	h, err := f.d.Submit(ctx, m, "")
	require.NoError(t, err)

	require.NoError(t, f.d.Cancel(ctx, m.ID))
	for _, id := range h.TaskIDs {
		revoked, err := f.q.IsRevoked(ctx, id)
		require.NoError(t, err)
		assert.True(t, revoked)
	}
	got, err := f.d.Manifests().Get(ctx, m.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.BatchCancelled, got.Status)

	for _, id := range h.TaskIDs {
		_, err := f.q.CompleteMember(ctx, h.GroupID, id, false)
		require.NoError(t, err)
	}
	got, err = f.d.Finalize(ctx, m.ID, h.GroupID)
	require.NoError(t, err)
	assert.Equal(t, domain.BatchCancelled, got.Status)

	c, err := f.d.Manifests().Counters(ctx, m.ID)
	require.NoError(t, err)
	assert.EqualValues(t, 2, c.Cancelled)
}

func TestCancelUnknownBatch(t *testing.T) {
	f := newFixture(t)
	assert.ErrorIs(t, f.d.Cancel(context.Background(), "batch_missing"), domain.ErrNotFound)
}

func TestMarkStartedOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	m := domain.NewManifest(docs(1, domain.PriorityNormal), time.Now())
	_, err := f.d.Submit(ctx, m, "")
	require.NoError(t, err)

	first := time.Date(2025, 1, 1, 9, 0, 0, 0, time.UTC)
	f.d.now = func() time.Time { return first }
	require.NoError(t, f.d.MarkStarted(ctx, m.ID))
	f.d.now = func() time.Time { return first.Add(time.Hour) }
	require.NoError(t, f.d.MarkStarted(ctx, m.ID))

	got, err := f.d.Manifests().Get(ctx, m.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.BatchInProgress, got.Status)
	assert.True(t, got.StartedAt.Equal(first))
}

func TestSubmitRecoveryDelaysAndResumes(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	d := docs(2, domain.PriorityNormal)
	m := domain.NewManifest(d, time.Now())
	m.IsRecovery = true
	m.OriginalBatchID = "batch_orig"

	h, err := f.d.SubmitRecovery(ctx, m, []ChainPlan{
		{Document: d[0], From: domain.StageEntityExtraction},
		{Document: d[1], From: domain.StageOCR, Delay: time.Minute},
	}, &domain.Task{Name: domain.TaskFinalizeRecovery, Payload: map[string]string{"original_batch_id": "batch_orig"}})
	require.NoError(t, err)

	first, err := f.q.Get(ctx, h.TaskIDs[0])
	require.NoError(t, err)
	assert.Equal(t, domain.TaskExtractEntities, first.Name)
	assert.Equal(t, domain.TaskQueued, first.Status)
	assert.Equal(t, "batch_orig", first.OwnerBatchID())

	second, err := f.q.Get(ctx, h.TaskIDs[1])
	require.NoError(t, err)
	assert.Equal(t, domain.TaskExtractText, second.Name)
	assert.Equal(t, domain.TaskDelayed, second.Status)

	ready, delayed, err := f.q.Depth(ctx, domain.QueueDefault)
	require.NoError(t, err)
	assert.EqualValues(t, 1, ready)
	assert.EqualValues(t, 1, delayed)
}

func TestReconcileStalledFinalizesDrainedGroups(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	m := domain.NewManifest(docs(1, domain.PriorityNormal), time.Now())
	h, err := f.d.Submit(ctx, m, "")
	require.NoError(t, err)

	n, err := f.d.ReconcileStalled(ctx, time.Now().Add(-time.Hour))
	require.NoError(t, err)
	assert.Zero(t, n, "group still pending")

	_, err = f.q.CompleteMember(ctx, h.GroupID, h.TaskIDs[0], true)
	require.NoError(t, err)
	n, err = f.d.ReconcileStalled(ctx, time.Now().Add(-time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := f.d.Manifests().Get(ctx, m.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.BatchCompleted, got.Status)
}

func TestFailedDispatchAbandonsBatch(t *testing.T) {
	rec := &mockRecords{}
	rec.On("CreateDocument", mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return(errors.New("db down"))
	f := newFixtureWith(t, rec)
	ctx := context.Background()
	m := domain.NewManifest(docs(2, domain.PriorityNormal), time.Now())

	_, err := f.d.Submit(ctx, m, "")
	require.ErrorContains(t, err, "db down")

	got, err := f.d.Manifests().Get(ctx, m.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.BatchFailed, got.Status)
	assert.NotNil(t, got.CompletedAt)

	c, err := f.d.Manifests().Counters(ctx, m.ID)
	require.NoError(t, err)
	assert.EqualValues(t, 2, c.SubmissionFailed)
	assert.Zero(t, c.Total)

	ready, _, err := f.q.Depth(ctx, domain.QueueDefault)
	require.NoError(t, err)
	assert.Zero(t, ready)

	n, err := f.d.ReconcileStalled(ctx, time.Now().Add(-time.Hour))
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestReconcileAbandonsHandlelessBatchAfterGrace(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	base := time.Now()
	m := domain.NewManifest(docs(3, domain.PriorityNormal), base)
	m.SubmittedAt = &base
	require.NoError(t, f.d.Manifests().Save(ctx, m))

	n, err := f.d.ReconcileStalled(ctx, base.Add(-time.Hour))
	require.NoError(t, err)
	assert.Zero(t, n, "dispatch may still be running")

	f.d.now = func() time.Time { return base.Add(DispatchGrace + time.Minute) }
	n, err = f.d.ReconcileStalled(ctx, base.Add(-time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := f.d.Manifests().Get(ctx, m.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.BatchFailed, got.Status)
	c, err := f.d.Manifests().Counters(ctx, m.ID)
	require.NoError(t, err)
	assert.EqualValues(t, 3, c.SubmissionFailed)
}

func TestDuration(t *testing.T) {
	created := time.Date(2025, 1, 1, 9, 0, 0, 0, time.UTC)
	started := created.Add(time.Minute)
	done := started.Add(10 * time.Minute)
	m := &domain.BatchManifest{CreatedAt: created}
	assert.Zero(t, Duration(m))
	m.CompletedAt = &done
	assert.Equal(t, 11*time.Minute, Duration(m))
	m.StartedAt = &started
	assert.Equal(t, 10*time.Minute, Duration(m))
}
