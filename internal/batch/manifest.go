package batch

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/you/lexbatch/internal/domain"
	"github.com/you/lexbatch/internal/kv"
)

// Counter fields of the batch:counters hash.
const (
	CounterTotal            = "total"
	CounterCompleted        = "completed"
	CounterFailed           = "failed"
	CounterSubmissionFailed = "submission_failed"
	CounterCancelled        = "cancelled"
)

// Manifests persists batch manifests, their job handles and counters.
type Manifests struct {
	store *kv.Store
	ttl   time.Duration
}

func NewManifests(store *kv.Store, ttl time.Duration) *Manifests {
	return &Manifests{store: store, ttl: ttl}
}

// Save writes m and indexes it by creation time.
func (s *Manifests) Save(ctx context.Context, m *domain.BatchManifest) error {
	m.Version++
	if err := s.store.SetJSON(ctx, kv.ManifestKey(m.ID), m, s.ttl); err != nil {
		return err
	}
	return s.store.ZAdd(ctx, kv.BatchIndexKey, float64(m.CreatedAt.Unix()), m.ID, 0)
}

func (s *Manifests) Get(ctx context.Context, batchID string) (*domain.BatchManifest, error) {
	return kv.Get[domain.BatchManifest](ctx, s.store, kv.ManifestKey(batchID))
}

// Update applies fn under optimistic concurrency. fn may return kv.ErrNoChange.
func (s *Manifests) Update(ctx context.Context, batchID string, fn func(m *domain.BatchManifest) error) (*domain.BatchManifest, error) {
	return kv.Update(ctx, s.store, kv.ManifestKey(batchID), s.ttl, func(m *domain.BatchManifest, exists bool) error {
		if !exists {
			return domain.ErrNotFound
		}
		if err := fn(m); err != nil {
			return err
		}
		m.Version++
		return nil
	})
}

// Since lists batch ids created at or after t, oldest first.
func (s *Manifests) Since(ctx context.Context, t time.Time) ([]string, error) {
	return s.store.ZRangeByScore(ctx, kv.BatchIndexKey, float64(t.Unix()), math.MaxInt64)
}

// Prune drops index entries older than cutoff; the manifests themselves expire.
func (s *Manifests) Prune(ctx context.Context, cutoff time.Time) error {
	return s.store.ZTrimBefore(ctx, kv.BatchIndexKey, float64(cutoff.Unix()))
}

func (s *Manifests) SaveHandle(ctx context.Context, h *domain.BatchJobHandle) error {
	return s.store.SetJSON(ctx, kv.HandleKey(h.BatchID), h, s.ttl)
}

func (s *Manifests) Handle(ctx context.Context, batchID string) (*domain.BatchJobHandle, error) {
	return kv.Get[domain.BatchJobHandle](ctx, s.store, kv.HandleKey(batchID))
}

func (s *Manifests) SetCounters(ctx context.Context, batchID string, fields map[string]int64) error {
	return s.store.HSetInts(ctx, kv.CountersKey(batchID), fields, s.ttl)
}

// Counters reads the batch tallies. Missing fields are zero.
func (s *Manifests) Counters(ctx context.Context, batchID string) (domain.BatchCounters, error) {
	h, err := s.store.HGetInts(ctx, kv.CountersKey(batchID))
	if err != nil {
		return domain.BatchCounters{}, fmt.Errorf("counters %s: %w", batchID, err)
	}
	return domain.BatchCounters{
		Total:            h[CounterTotal],
		Completed:        h[CounterCompleted],
		Failed:           h[CounterFailed],
		SubmissionFailed: h[CounterSubmissionFailed],
		Cancelled:        h[CounterCancelled],
	}, nil
}

// MergeRecovered moves up to n documents from failed to completed in the
// counters of batchID. The move is clamped to the current failed count.
func (s *Manifests) MergeRecovered(ctx context.Context, batchID string, n int64) (int64, error) {
	return s.store.Transfer(ctx, kv.CountersKey(batchID), CounterFailed, CounterCompleted, n)
}

// MergeRecoveredOnce is MergeRecovered guarded by the merged marker of
// recoveryBatchID, written in the same step as the move. applied is false
// when the recovery was merged before.
func (s *Manifests) MergeRecoveredOnce(ctx context.Context, batchID, recoveryBatchID, owner string, n int64, markerTTL time.Duration) (moved int64, applied bool, err error) {
	return s.store.TransferOnce(ctx, kv.CountersKey(batchID), kv.RecoveryMergedKey(recoveryBatchID), owner,
		CounterFailed, CounterCompleted, n, markerTTL)
}
