// Package recovery classifies failed documents, decides which of them to
// retry and when, and folds the results of a recovery run back into the
// batch it recovers.
package recovery

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/you/lexbatch/internal/batch"
	"github.com/you/lexbatch/internal/domain"
	"github.com/you/lexbatch/internal/kv"
	"github.com/you/lexbatch/internal/queue"
)

// Payload keys of the finalize_recovery callback.
const (
	PayloadLockOwner = "lock_owner"
)

const (
	DefaultMaxRetries = 3
	defaultLockTTL    = 2 * time.Hour
	mergedMarkerTTL   = 24 * time.Hour
	waitPoll          = 500 * time.Millisecond
)

type Statuses interface {
	GetMany(ctx context.Context, ids []string) ([]*domain.DocumentStatusRecord, error)
	MarkRetrying(ctx context.Context, documentID, recoveryBatchID string, stage domain.Stage) (*domain.DocumentStatusRecord, error)
	Restore(ctx context.Context, prev *domain.DocumentStatusRecord) error
}

// Groups is the part of the task queue that reports on recovery groups.
type Groups interface {
	WaitGroup(ctx context.Context, groupID string, timeout, poll time.Duration) (queue.GroupState, error)
	GroupState(ctx context.Context, groupID string) (queue.GroupState, error)
}

type ErrorMetrics interface {
	RecordError(ctx context.Context, rec domain.ErrorRecord) error
}

type Options struct {
	MaxRetries  int
	WaitTimeout time.Duration
	LockTTL     time.Duration
}

type Manager struct {
	dispatcher *batch.Dispatcher
	statuses   Statuses
	errLog     *ErrorLog
	groups     Groups
	metrics    ErrorMetrics
	store      *kv.Store
	opts       Options
	log        *zap.Logger
	now        func() time.Time
}

func NewManager(d *batch.Dispatcher, statuses Statuses, errLog *ErrorLog, groups Groups, metrics ErrorMetrics, store *kv.Store, opts Options, log *zap.Logger) *Manager {
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = DefaultMaxRetries
	}
	if opts.WaitTimeout <= 0 {
		opts.WaitTimeout = 60 * time.Second
	}
	if opts.LockTTL <= 0 {
		opts.LockTTL = defaultLockTTL
	}
	return &Manager{
		dispatcher: d,
		statuses:   statuses,
		errLog:     errLog,
		groups:     groups,
		metrics:    metrics,
		store:      store,
		opts:       opts,
		log:        log,
		now:        time.Now,
	}
}

// RecordFailure appends one failure to the batch's error history. A missing
// category is derived from the message and type.
func (m *Manager) RecordFailure(ctx context.Context, rec domain.ErrorRecord) error {
	if rec.Category == "" {
		rec.Category = Categorize(rec.Message, rec.ErrorType)
	}
	if rec.LastAttempt.IsZero() {
		rec.LastAttempt = m.now().UTC()
	}
	rec.Message = domain.TruncateMessage(rec.Message)
	if err := m.errLog.Append(ctx, rec); err != nil {
		return err
	}
	if err := m.metrics.RecordError(ctx, rec); err != nil {
		m.log.Warn("error metric", zap.String("document_id", rec.DocumentID), zap.Error(err))
	}
	return nil
}

type candidate struct {
	rec      *domain.DocumentStatusRecord
	doc      domain.DocumentDescriptor
	stage    domain.Stage
	category domain.ErrorCategory
	retries  int
}

// failedDocuments lists the runtime failures of a batch with their latest
// failure stage and category.
func (m *Manager) failedDocuments(ctx context.Context, mf *domain.BatchManifest) ([]candidate, error) {
	recs, err := m.statuses.GetMany(ctx, mf.DocumentIDs())
	if err != nil {
		return nil, err
	}
	latest, err := m.errLog.Latest(ctx, mf.ID)
	if err != nil {
		return nil, err
	}

	var out []candidate
	for i, rec := range recs {
		if rec == nil || rec.OverallStatus != domain.DocFailed {
			continue
		}
		c := candidate{rec: rec, doc: mf.Documents[i], retries: rec.RetryCount, stage: rec.CurrentStage}
		if er, ok := latest[rec.DocumentID]; ok {
			c.stage = er.Stage
			c.category = er.Category
			if c.category == "" {
				c.category = Categorize(er.Message, er.ErrorType)
			}
		} else if rec.LastError != nil {
			c.stage = rec.LastError.Stage
			c.category = Categorize(rec.LastError.Message, rec.LastError.Type)
		} else {
			c.category = domain.CategoryPermanent
		}
		out = append(out, c)
	}
	return out, nil
}

// RecoverBatch re-dispatches the eligible failed documents of a finished
// batch as a new recovery batch. Ineligible documents are reported as
// skipped with a reason. Only one recovery of a batch runs at a time.
func (m *Manager) RecoverBatch(ctx context.Context, batchID string, opts domain.RecoveryOptions) (*domain.RecoveryResult, error) {
	mf, err := m.dispatcher.Manifests().Get(ctx, batchID)
	if err != nil {
		return nil, err
	}
	if mf.IsRecovery {
		return nil, fmt.Errorf("recover %s: %w: recovery batches are recovered through their original batch", batchID, domain.ErrConflict)
	}
	if !mf.Status.IsTerminal() || mf.Status == domain.BatchCancelled {
		return nil, fmt.Errorf("recover %s: %w: batch is %s", batchID, domain.ErrConflict, mf.Status)
	}
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = m.opts.MaxRetries
	}

	owner := uuid.NewString()
	ok, err := m.store.Acquire(ctx, kv.RecoveryLockKey(batchID), owner, m.opts.LockTTL)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("recover %s: %w", batchID, domain.ErrRecoveryInProgress)
	}
	res, err := m.recover(ctx, mf, opts, owner)
	if err != nil || res.RecoveryBatchID == "" {
		if rerr := m.store.Release(ctx, kv.RecoveryLockKey(batchID), owner); rerr != nil {
			m.log.Warn("release recovery lock", zap.String("batch_id", batchID), zap.Error(rerr))
		}
	}
	return res, err
}

// recover plans and dispatches one recovery run. Documents are marked
// retrying before their chains are queued; if the dispatch fails they are put
// back exactly as they were, so a later run still sees them as failed.
func (m *Manager) recover(ctx context.Context, mf *domain.BatchManifest, opts domain.RecoveryOptions, owner string) (res *domain.RecoveryResult, err error) {
	failed, err := m.failedDocuments(ctx, mf)
	if err != nil {
		return nil, err
	}

	res = &domain.RecoveryResult{OriginalBatchID: mf.ID, Skipped: []domain.SkippedDocument{}}
	prev := make(map[string]*domain.DocumentStatusRecord, len(failed))
	var plans []batch.ChainPlan
	for _, c := range failed {
		prev[c.doc.ID] = c.rec
		strategy, delay := Strategy(c.category, c.retries)
		switch {
		case !opts.RetryAll && c.retries >= opts.MaxRetries:
			res.Skipped = append(res.Skipped, domain.SkippedDocument{
				DocumentID: c.doc.ID, Reason: domain.SkipMaxRetriesExceeded, Category: c.category, RetryCount: c.retries,
			})
			continue
		case !opts.RetryAll && strategy == domain.RetryManual:
			res.Skipped = append(res.Skipped, domain.SkippedDocument{
				DocumentID: c.doc.ID, Reason: domain.SkipManualIntervention, Category: c.category, RetryCount: c.retries,
			})
			continue
		}
		plans = append(plans, batch.ChainPlan{Document: c.doc, From: c.stage, Delay: time.Duration(delay) * time.Second})
	}

	for _, s := range res.Skipped {
		m.log.Info("recovery skipped document",
			zap.String("batch_id", mf.ID),
			zap.String("document_id", s.DocumentID),
			zap.String("reason", string(s.Reason)),
			zap.String("category", string(s.Category)),
			zap.Int("retry_count", s.RetryCount),
		)
	}
	if len(plans) == 0 {
		return res, nil
	}

	docs := make([]domain.DocumentDescriptor, len(plans))
	for i, p := range plans {
		docs[i] = p.Document
	}
	rb := domain.NewManifest(docs, m.now())
	rb.IsRecovery = true
	rb.OriginalBatchID = mf.ID
	rb.Priority = mf.Priority
	rb.ProjectRef = mf.ProjectRef
	rb.RecoveryLockOwner = owner

	var marked []*domain.DocumentStatusRecord
	defer func() {
		if err != nil {
			m.rollback(context.WithoutCancel(ctx), mf.ID, marked)
		}
	}()

	res.RecoveryBatchID = rb.ID
	res.DocumentsToRetry = len(plans)
	res.DelayGroups = map[int]int{}
	for _, p := range plans {
		res.DelayGroups[int(p.Delay/time.Second)]++
		if _, err := m.statuses.MarkRetrying(ctx, p.Document.ID, rb.ID, p.From); err != nil {
			return nil, err
		}
		marked = append(marked, prev[p.Document.ID])
	}

	h, err := m.dispatcher.SubmitRecovery(ctx, rb, plans, &domain.Task{
		Name: domain.TaskFinalizeRecovery,
		Payload: map[string]string{
			domain.PayloadOriginalBatchID: mf.ID,
			PayloadLockOwner:              owner,
		},
	})
	if err != nil {
		return nil, err
	}
	m.log.Info("recovery dispatched",
		zap.String("batch_id", mf.ID),
		zap.String("recovery_batch_id", rb.ID),
		zap.Int("documents", len(plans)),
		zap.Int("skipped", len(res.Skipped)),
		zap.Any("delay_groups", res.DelayGroups),
	)

	if opts.Wait {
		st, err := m.groups.WaitGroup(ctx, h.GroupID, m.opts.WaitTimeout, waitPoll)
		switch {
		case errors.Is(err, domain.ErrWaitTimeout):
			m.log.Info("recovery still running, continuing asynchronously",
				zap.String("recovery_batch_id", rb.ID), zap.Int64("pending", st.Pending))
		case err != nil:
			m.log.Warn("wait for recovery", zap.String("recovery_batch_id", rb.ID), zap.Error(err))
		default:
			res.Completed = st.Done()
		}
	}
	return res, nil
}

// rollback restores documents marked retrying by a recovery run whose
// dispatch failed. The recovery manifest itself was abandoned by the dispatch.
func (m *Manager) rollback(ctx context.Context, batchID string, marked []*domain.DocumentStatusRecord) {
	for _, rec := range marked {
		if err := m.statuses.Restore(ctx, rec); err != nil {
			m.log.Error("restore failed document",
				zap.String("batch_id", batchID),
				zap.String("document_id", rec.DocumentID),
				zap.Error(err),
			)
		}
	}
	if len(marked) > 0 {
		m.log.Warn("recovery dispatch failed, documents left failed",
			zap.String("batch_id", batchID), zap.Int("documents", len(marked)))
	}
}

// FinalizeRecovery is the join callback of a recovery batch. It tallies the
// recovery run, moves the recovered count from failed to completed on the
// original batch and releases the recovery lock. Every step may be repeated:
// the move happens once per recovery batch, the rest is idempotent.
func (m *Manager) FinalizeRecovery(ctx context.Context, t *domain.Task) error {
	originalID := t.Payload[domain.PayloadOriginalBatchID]
	if originalID == "" {
		return fmt.Errorf("finalize recovery %s: missing original batch", t.BatchID)
	}
	rb, err := m.dispatcher.Finalize(ctx, t.BatchID, t.GroupID)
	if err != nil {
		return err
	}
	counters, err := m.dispatcher.Manifests().Counters(ctx, rb.ID)
	if err != nil {
		return err
	}

	moved, applied, err := m.dispatcher.Manifests().MergeRecoveredOnce(ctx, originalID, rb.ID, t.ID, counters.Completed, mergedMarkerTTL)
	if err != nil {
		return err
	}
	if !applied {
		m.log.Info("recovery already merged", zap.String("recovery_batch_id", rb.ID))
	}
	orig, err := m.dispatcher.Refresh(ctx, originalID)
	if err != nil {
		return err
	}
	if err := m.store.Release(ctx, kv.RecoveryLockKey(originalID), t.Payload[PayloadLockOwner]); err != nil {
		m.log.Warn("release recovery lock", zap.String("batch_id", originalID), zap.Error(err))
	}
	if applied {
		m.log.Info("recovery merged",
			zap.String("batch_id", originalID),
			zap.String("recovery_batch_id", rb.ID),
			zap.Int64("recovered", moved),
			zap.Int64("still_failed", counters.Failed),
			zap.String("status", string(orig.Status)),
		)
	}
	return nil
}

// ReconcileRecoveries re-runs FinalizeRecovery for recovery batches created
// since t whose group drained but whose merge never happened or whose lock
// is still held, e.g. because the callback failed or its worker died.
func (m *Manager) ReconcileRecoveries(ctx context.Context, since time.Time) (int, error) {
	ids, err := m.dispatcher.Manifests().Since(ctx, since)
	if err != nil {
		return 0, err
	}
	fixed := 0
	for _, id := range ids {
		rb, err := m.dispatcher.Manifests().Get(ctx, id)
		if errors.Is(err, domain.ErrNotFound) {
			continue
		}
		if err != nil {
			return fixed, err
		}
		if !rb.IsRecovery || rb.OriginalBatchID == "" {
			continue
		}
		h, err := m.dispatcher.Manifests().Handle(ctx, id)
		if errors.Is(err, domain.ErrNotFound) {
			continue
		}
		if err != nil {
			return fixed, err
		}
		st, err := m.groups.GroupState(ctx, h.GroupID)
		if err != nil || !st.Done() {
			continue
		}

		merged, err := m.store.Exists(ctx, kv.RecoveryMergedKey(rb.ID))
		if err != nil {
			return fixed, err
		}
		locked := false
		if rb.RecoveryLockOwner != "" {
			locked, err = m.store.Holds(ctx, kv.RecoveryLockKey(rb.OriginalBatchID), rb.RecoveryLockOwner)
			if err != nil {
				return fixed, err
			}
		}
		if merged && !locked {
			continue
		}

		if err := m.FinalizeRecovery(ctx, &domain.Task{
			ID:      uuid.NewString(),
			Name:    domain.TaskFinalizeRecovery,
			BatchID: rb.ID,
			GroupID: h.GroupID,
			Payload: map[string]string{
				domain.PayloadOriginalBatchID: rb.OriginalBatchID,
				PayloadLockOwner:              rb.RecoveryLockOwner,
			},
		}); err != nil {
			m.log.Error("reconcile recovery", zap.String("recovery_batch_id", rb.ID), zap.Error(err))
			continue
		}
		fixed++
	}
	return fixed, nil
}

// AutoRecover runs a default recovery for every finished batch created since
// t that still has failures. Batches already being recovered are skipped.
func (m *Manager) AutoRecover(ctx context.Context, since time.Time) (int, error) {
	ids, err := m.dispatcher.Manifests().Since(ctx, since)
	if err != nil {
		return 0, err
	}
	started := 0
	for _, id := range ids {
		mf, err := m.dispatcher.Manifests().Get(ctx, id)
		if errors.Is(err, domain.ErrNotFound) {
			continue
		}
		if err != nil {
			return started, err
		}
		if mf.IsRecovery || !mf.Status.IsTerminal() || mf.Status == domain.BatchCancelled {
			continue
		}
		c, err := m.dispatcher.Manifests().Counters(ctx, id)
		if err != nil {
			return started, err
		}
		if c.Failed == 0 {
			continue
		}
		res, err := m.RecoverBatch(ctx, id, domain.RecoveryOptions{MaxRetries: m.opts.MaxRetries})
		if errors.Is(err, domain.ErrRecoveryInProgress) {
			continue
		}
		if err != nil {
			m.log.Error("auto recovery", zap.String("batch_id", id), zap.Error(err))
			continue
		}
		if res.RecoveryBatchID != "" {
			started++
		}
	}
	return started, nil
}

// sortedCounts orders a count map by count descending, then key.
func sortedCounts[K ~string](in map[K]int) []K {
	keys := make([]K, 0, len(in))
	for k := range in {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if in[keys[i]] != in[keys[j]] {
			return in[keys[i]] > in[keys[j]]
		}
		return keys[i] < keys[j]
	})
	return keys
}
