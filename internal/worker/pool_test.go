package worker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	r "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/you/lexbatch/internal/domain"
	"github.com/you/lexbatch/internal/queue"
)

type mockBatches struct{ mock.Mock }

func (m *mockBatches) MarkStarted(ctx context.Context, batchID string) error {
	return m.Called(ctx, batchID).Error(0)
}

type mockStatuses struct{ mock.Mock }

func (m *mockStatuses) RecordTransition(ctx context.Context, id string, stage domain.Stage, signal domain.StatusSignal, meta map[string]any) error {
	return m.Called(ctx, id, stage, signal, meta).Error(0)
}

type recorder struct {
	mu    sync.Mutex
	names []string
}

func (rc *recorder) handler(err error) Handler {
	return func(_ context.Context, t *domain.Task) error {
		rc.mu.Lock()
		defer rc.mu.Unlock()
		rc.names = append(rc.names, t.Name)
		return err
	}
}

type fixture struct {
	pool     *Pool
	q        *queue.RedisQ
	batches  *mockBatches
	statuses *mockStatuses
	rec      *recorder
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := r.NewClient(&r.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	q := queue.New(rdb)
	b := &mockBatches{}
	b.On("MarkStarted", mock.Anything, mock.Anything).Return(nil).Maybe()
	s := &mockStatuses{}
	pool := NewPool(q, b, s, Options{Concurrency: 2, Block: 100 * time.Millisecond, Lease: time.Minute}, zaptest.NewLogger(t))
	return &fixture{pool: pool, q: q, batches: b, statuses: s, rec: &recorder{}}
}

func (f *fixture) submit(t *testing.T, chain ...string) *domain.Task {
	t.Helper()
	first := &domain.Task{Name: chain[0], Queue: domain.QueueDefault, BatchID: "b1", DocumentID: "d1", Chain: chain[1:]}
	cb := &domain.Task{Name: domain.TaskFinalizeBatch, Queue: domain.QueueHigh, BatchID: "b1"}
	require.NoError(t, f.q.SubmitGroup(context.Background(), "grp_b1", []*domain.Task{first}, cb))
	return first
}

func (f *fixture) drain(t *testing.T, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		took, err := f.pool.ProcessOne(context.Background())
		require.NoError(t, err)
		require.True(t, took, "task %d", i)
	}
}

func TestChainRunsInOrderThenCallback(t *testing.T) {
	f := newFixture(t)
	for _, name := range []string{"a", "b", domain.TaskFinalizeBatch} {
		f.pool.Handle(name, f.rec.handler(nil))
	}
	first := f.submit(t, "a", "b")

	f.drain(t, 3)
	assert.Equal(t, []string{"a", "b", domain.TaskFinalizeBatch}, f.rec.names)
	f.batches.AssertCalled(t, "MarkStarted", mock.Anything, "b1")

	st, err := f.q.GroupState(context.Background(), "grp_b1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), st.Succeeded)
	assert.True(t, st.Done())

	got, err := f.q.Get(context.Background(), first.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.TaskSucceeded, got.Status)
}

func TestFailedLinkStopsChainAndReportsMember(t *testing.T) {
	f := newFixture(t)
	f.pool.Handle("a", f.rec.handler(errors.New("textract throttled")))
	f.pool.Handle("b", f.rec.handler(nil))
	f.pool.Handle(domain.TaskFinalizeBatch, f.rec.handler(nil))
	first := f.submit(t, "a", "b")

	f.drain(t, 2)
	assert.Equal(t, []string{"a", domain.TaskFinalizeBatch}, f.rec.names)

	st, err := f.q.GroupState(context.Background(), "grp_b1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), st.Failed)

	got, err := f.q.Get(context.Background(), first.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.TaskFailed, got.Status)
	assert.Equal(t, "textract throttled", got.Error)
}

func TestPanicBecomesFailure(t *testing.T) {
	f := newFixture(t)
	f.pool.Handle("a", func(context.Context, *domain.Task) error { panic("nil chunk") })
	f.pool.Handle(domain.TaskFinalizeBatch, f.rec.handler(nil))
	first := f.submit(t, "a")

	f.drain(t, 2)
	got, err := f.q.Get(context.Background(), first.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.TaskFailed, got.Status)
	assert.Contains(t, got.Error, "panic in a: nil chunk")
	assert.Equal(t, []string{domain.TaskFinalizeBatch}, f.rec.names)
}

func TestUnknownTaskFails(t *testing.T) {
	f := newFixture(t)
	f.pool.Handle(domain.TaskFinalizeBatch, f.rec.handler(nil))
	first := f.submit(t, "mystery")

	f.drain(t, 2)
	got, err := f.q.Get(context.Background(), first.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.TaskFailed, got.Status)
}

func TestRevokedTaskIsSkipped(t *testing.T) {
	f := newFixture(t)
	f.pool.Handle(domain.TaskExtractText, f.rec.handler(nil))
	f.statuses.On("RecordTransition", mock.Anything, "d1", domain.StageOCR, domain.SignalCancelled, mock.Anything).Return(nil).Once()
	first := f.submit(t, domain.TaskExtractText, domain.TaskChunk)
	require.NoError(t, f.q.Revoke(context.Background(), first.ID))

	f.drain(t, 1)
	assert.Empty(t, f.rec.names)
	f.statuses.AssertExpectations(t)
	f.batches.AssertNotCalled(t, "MarkStarted", mock.Anything, mock.Anything)

	got, err := f.q.Get(context.Background(), first.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.TaskRevoked, got.Status)

	st, err := f.q.GroupState(context.Background(), "grp_b1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), st.Failed)
}

func TestRunStopsOnCancel(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	assert.NoError(t, f.pool.Run(ctx))
}
