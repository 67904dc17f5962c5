// Package batch persists batch manifests and dispatches their documents as
// per-document task chains grouped under one join callback.
package batch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/you/lexbatch/internal/domain"
	"github.com/you/lexbatch/internal/kv"
	"github.com/you/lexbatch/internal/queue"
)

// Queue is the part of the task queue the dispatcher drives.
type Queue interface {
	SubmitGroup(ctx context.Context, groupID string, tasks []*domain.Task, callback *domain.Task) error
	GroupResults(ctx context.Context, groupID string) (map[string]string, error)
	GroupState(ctx context.Context, groupID string) (queue.GroupState, error)
	Revoke(ctx context.Context, ids ...string) error
}

// Records is the durable document store.
type Records interface {
	EnsureProject(ctx context.Context, ref string) (string, error)
	CreateDocument(ctx context.Context, d domain.DocumentDescriptor, batchID string, projectID *string) error
}

type Metrics interface {
	RecordBatchStart(ctx context.Context, m *domain.BatchManifest) error
	RecordBatchComplete(ctx context.Context, m *domain.BatchManifest, counters domain.BatchCounters, duration time.Duration) error
}

type Dispatcher struct {
	manifests *Manifests
	queue     Queue
	records   Records
	metrics   Metrics
	validate  *validator.Validate
	log       *zap.Logger
	now       func() time.Time
}

func NewDispatcher(manifests *Manifests, q Queue, records Records, metrics Metrics, log *zap.Logger) *Dispatcher {
	return &Dispatcher{
		manifests: manifests,
		queue:     q,
		records:   records,
		metrics:   metrics,
		validate:  validator.New(validator.WithRequiredStructEnabled()),
		log:       log,
		now:       time.Now,
	}
}

func (d *Dispatcher) Manifests() *Manifests { return d.manifests }

// ChainPlan says where one document's chain starts and when it may run.
type ChainPlan struct {
	Document domain.DocumentDescriptor
	From     domain.Stage
	Delay    time.Duration
}

type SubmitOptions struct {
	ProjectRef string
}

// SubmitResult is what callers outside the engine see of a submission.
type SubmitResult struct {
	BatchID       string `json:"batch_id"`
	TaskID        string `json:"task_id"`
	DocumentCount int    `json:"document_count"`
	Rejected      int    `json:"rejected,omitempty"`
}

// SubmitBatch builds a manifest from docs and submits it. A valid priority
// overrides the one derived from the documents.
func (d *Dispatcher) SubmitBatch(ctx context.Context, docs []domain.DocumentDescriptor, priority domain.Priority, opts SubmitOptions) (*SubmitResult, error) {
	m := domain.NewManifest(docs, d.now())
	if priority.IsValid() {
		m.Priority = priority
	}
	h, err := d.Submit(ctx, m, opts.ProjectRef)
	if err != nil {
		return nil, err
	}
	return &SubmitResult{
		BatchID:       m.ID,
		TaskID:        h.GroupID,
		DocumentCount: len(m.Documents),
		Rejected:      len(docs) - len(m.Documents),
	}, nil
}

// Submit persists m as submitted, creates a durable record for every valid
// document and enqueues one chain per document. Documents failing validation
// are dropped from the manifest and counted as submission failures.
func (d *Dispatcher) Submit(ctx context.Context, m *domain.BatchManifest, projectRef string) (*domain.BatchJobHandle, error) {
	valid := d.screen(m)
	m.Documents = valid.docs
	plans := make([]ChainPlan, len(valid.docs))
	for i, doc := range valid.docs {
		plans[i] = ChainPlan{Document: doc}
	}
	return d.dispatch(ctx, m, projectRef, plans, int64(valid.rejected), &domain.Task{
		Name: domain.TaskFinalizeBatch,
	})
}

// SubmitRecovery dispatches a recovery manifest. Each plan resumes at its
// failed stage after its delay; callback runs once every chain reports.
func (d *Dispatcher) SubmitRecovery(ctx context.Context, m *domain.BatchManifest, plans []ChainPlan, callback *domain.Task) (*domain.BatchJobHandle, error) {
	return d.dispatch(ctx, m, m.ProjectRef, plans, 0, callback)
}

type screened struct {
	docs     []domain.DocumentDescriptor
	rejected int
}

func (d *Dispatcher) screen(m *domain.BatchManifest) screened {
	out := screened{docs: make([]domain.DocumentDescriptor, 0, len(m.Documents))}
	for _, doc := range m.Documents {
		if err := d.validate.Struct(doc); err != nil {
			out.rejected++
			d.log.Warn("rejecting document at submission",
				zap.String("batch_id", m.ID),
				zap.String("document_id", doc.ID),
				zap.Error(fmt.Errorf("%w: %v", domain.ErrInvalidDescriptor, err)),
			)
			continue
		}
		out.docs = append(out.docs, doc)
	}
	return out
}

// dispatch persists m as pending, creates the durable records and enqueues
// the group. m becomes submitted only once every task is on the queue; any
// earlier failure abandons the batch as failed.
func (d *Dispatcher) dispatch(ctx context.Context, m *domain.BatchManifest, projectRef string, plans []ChainPlan, rejected int64, callback *domain.Task) (*domain.BatchJobHandle, error) {
	now := d.now().UTC()
	m.Status = domain.BatchPending
	m.SubmittedAt = &now
	m.ProjectRef = projectRef
	if err := d.manifests.Save(ctx, m); err != nil {
		return nil, fmt.Errorf("persist manifest %s: %w", m.ID, err)
	}

	h, err := d.enqueue(ctx, m, projectRef, plans, rejected, callback, now)
	if err != nil {
		d.abandon(context.WithoutCancel(ctx), m.ID, h, int64(len(plans))+rejected, err)
		return nil, fmt.Errorf("submit batch %s: %w", m.ID, err)
	}

	saved, err := d.manifests.Update(ctx, m.ID, func(cur *domain.BatchManifest) error {
		if cur.Status != domain.BatchPending {
			// a worker or the callback got there first
			return kv.ErrNoChange
		}
		cur.Status = domain.BatchSubmitted
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("mark %s submitted: %w", m.ID, err)
	}
	*m = *saved

	d.log.Info("batch submitted",
		zap.String("batch_id", m.ID),
		zap.String("queue", h.Queue),
		zap.String("priority", string(m.Priority)),
		zap.Int("documents", len(h.TaskIDs)),
		zap.Int64("rejected", rejected),
		zap.Bool("recovery", m.IsRecovery),
	)
	return h, nil
}

// enqueue does the fallible part of a dispatch. The handle is returned as
// soon as it exists so a failed dispatch can revoke what was queued.
func (d *Dispatcher) enqueue(ctx context.Context, m *domain.BatchManifest, projectRef string, plans []ChainPlan, rejected int64, callback *domain.Task, now time.Time) (*domain.BatchJobHandle, error) {
	var projectID *string
	if projectRef != "" {
		id, err := d.records.EnsureProject(ctx, projectRef)
		if err != nil {
			return nil, err
		}
		projectID = &id
	}

	q := domain.QueueFor(m.Priority)
	tasks := make([]*domain.Task, 0, len(plans))
	for _, p := range plans {
		if err := d.records.CreateDocument(ctx, p.Document, m.ID, projectID); err != nil {
			return nil, err
		}
		chain := domain.ChainFrom(p.From)
		t := &domain.Task{
			ID:         uuid.NewString(),
			Name:       chain[0],
			Queue:      q,
			BatchID:    m.ID,
			DocumentID: p.Document.ID,
			ProjectRef: projectRef,
			Chain:      chain[1:],
		}
		if m.IsRecovery {
			t.Payload = map[string]string{domain.PayloadOriginalBatchID: m.OriginalBatchID}
		}
		if p.Delay > 0 {
			t.RunAt = now.Add(p.Delay)
		}
		tasks = append(tasks, t)
	}

	h := &domain.BatchJobHandle{
		BatchID:   m.ID,
		GroupID:   "grp_" + m.ID,
		TaskIDs:   make([]string, len(tasks)),
		Queue:     q,
		CreatedAt: now,
	}
	for i, t := range tasks {
		h.TaskIDs[i] = t.ID
	}
	callback.Queue = q
	callback.BatchID = m.ID
	callback.ProjectRef = projectRef

	if err := d.manifests.SaveHandle(ctx, h); err != nil {
		return nil, err
	}
	if err := d.manifests.SetCounters(ctx, m.ID, map[string]int64{
		CounterTotal:            int64(len(tasks)),
		CounterCompleted:        0,
		CounterFailed:           0,
		CounterSubmissionFailed: rejected,
	}); err != nil {
		return h, err
	}
	if err := d.metrics.RecordBatchStart(ctx, m); err != nil {
		d.log.Warn("batch start metric", zap.String("batch_id", m.ID), zap.Error(err))
	}
	if err := d.queue.SubmitGroup(ctx, h.GroupID, tasks, callback); err != nil {
		return h, err
	}
	return h, nil
}

// abandon marks a batch whose dispatch failed as failed, counting every
// document as a submission failure, and revokes whatever was queued.
func (d *Dispatcher) abandon(ctx context.Context, batchID string, h *domain.BatchJobHandle, documents int64, cause error) {
	log := d.log.With(zap.String("batch_id", batchID))
	if h != nil {
		if err := d.queue.Revoke(ctx, append([]string{h.GroupID}, h.TaskIDs...)...); err != nil {
			log.Warn("revoke abandoned batch", zap.Error(err))
		}
	}
	if err := d.manifests.SetCounters(ctx, batchID, map[string]int64{
		CounterTotal:            0,
		CounterCompleted:        0,
		CounterFailed:           0,
		CounterSubmissionFailed: documents,
	}); err != nil {
		log.Warn("abandoned batch counters", zap.Error(err))
	}
	_, err := d.manifests.Update(ctx, batchID, func(m *domain.BatchManifest) error {
		if m.Status.IsTerminal() {
			return kv.ErrNoChange
		}
		now := d.now().UTC()
		m.Status = domain.BatchFailed
		m.CompletedAt = &now
		return nil
	})
	if err != nil {
		log.Error("abandon batch", zap.Error(err))
		return
	}
	log.Error("batch dispatch failed", zap.Int64("documents", documents), zap.Error(cause))
}

// MarkStarted moves a submitted batch to in_progress once.
func (d *Dispatcher) MarkStarted(ctx context.Context, batchID string) error {
	_, err := d.manifests.Update(ctx, batchID, func(m *domain.BatchManifest) error {
		if m.StartedAt != nil || m.Status.IsTerminal() {
			return kv.ErrNoChange
		}
		now := d.now().UTC()
		m.StartedAt = &now
		m.Status = domain.BatchInProgress
		return nil
	})
	return err
}

// Finalize tallies the group's member outcomes into the counters and writes
// the terminal status. It is the join callback of a submitted batch.
func (d *Dispatcher) Finalize(ctx context.Context, batchID, groupID string) (*domain.BatchManifest, error) {
	cur, err := d.manifests.Get(ctx, batchID)
	if err != nil {
		return nil, err
	}
	before, err := d.manifests.Counters(ctx, batchID)
	if err != nil {
		return nil, err
	}
	if cur.Status.IsTerminal() && before.Completed+before.Failed >= before.Total {
		// already tallied; a redelivered callback must not undo a recovery merge
		return cur, nil
	}

	results, err := d.queue.GroupResults(ctx, groupID)
	if err != nil {
		return nil, err
	}
	var completed, failed int64
	for _, outcome := range results {
		if outcome == queue.MemberSucceeded {
			completed++
		} else {
			failed++
		}
	}
	if err := d.manifests.SetCounters(ctx, batchID, map[string]int64{
		CounterCompleted: completed,
		CounterFailed:    failed,
	}); err != nil {
		return nil, err
	}
	counters, err := d.manifests.Counters(ctx, batchID)
	if err != nil {
		return nil, err
	}

	m, err := d.manifests.Update(ctx, batchID, func(m *domain.BatchManifest) error {
		now := d.now().UTC()
		if m.CompletedAt == nil {
			m.CompletedAt = &now
		}
		if m.Status != domain.BatchCancelled {
			m.Status = domain.StatusFromCounts(counters.Completed, counters.Failed+counters.SubmissionFailed)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("finalize %s: %w", batchID, err)
	}

	if err := d.metrics.RecordBatchComplete(ctx, m, counters, Duration(m)); err != nil {
		d.log.Warn("batch complete metric", zap.String("batch_id", batchID), zap.Error(err))
	}
	d.log.Info("batch finalized",
		zap.String("batch_id", batchID),
		zap.String("status", string(m.Status)),
		zap.Int64("completed", counters.Completed),
		zap.Int64("failed", counters.Failed),
		zap.Int64("submission_failed", counters.SubmissionFailed),
	)
	return m, nil
}

// Refresh re-derives a finished batch's status from its counters, e.g. after
// a recovery run merged into them.
func (d *Dispatcher) Refresh(ctx context.Context, batchID string) (*domain.BatchManifest, error) {
	counters, err := d.manifests.Counters(ctx, batchID)
	if err != nil {
		return nil, err
	}
	return d.manifests.Update(ctx, batchID, func(m *domain.BatchManifest) error {
		if m.Status == domain.BatchCancelled || !m.Status.IsTerminal() {
			return kv.ErrNoChange
		}
		next := domain.StatusFromCounts(counters.Completed, counters.Failed+counters.SubmissionFailed)
		if next == m.Status {
			return kv.ErrNoChange
		}
		m.Status = next
		return nil
	})
}

// Cancel revokes every task of the batch and marks it cancelled. Revocation
// is best effort; work already past a side effect is not undone.
func (d *Dispatcher) Cancel(ctx context.Context, batchID string) error {
	h, err := d.manifests.Handle(ctx, batchID)
	if err != nil {
		return err
	}
	var revokeErr error
	for _, id := range append([]string{h.GroupID}, h.TaskIDs...) {
		revokeErr = multierr.Append(revokeErr, d.queue.Revoke(ctx, id))
	}

	_, err = d.manifests.Update(ctx, batchID, func(m *domain.BatchManifest) error {
		if m.Status.IsTerminal() {
			return kv.ErrNoChange
		}
		now := d.now().UTC()
		m.Status = domain.BatchCancelled
		m.CompletedAt = &now
		return nil
	})
	if err != nil {
		return multierr.Append(revokeErr, err)
	}
	if err := d.manifests.SetCounters(ctx, batchID, map[string]int64{CounterCancelled: int64(len(h.TaskIDs))}); err != nil {
		revokeErr = multierr.Append(revokeErr, err)
	}
	d.log.Info("batch cancelled", zap.String("batch_id", batchID), zap.Int("tasks", len(h.TaskIDs)))
	return revokeErr
}

// DispatchGrace is how long a batch may sit in pending after its dispatch
// began before the reconcile sweep treats the dispatcher as gone.
const DispatchGrace = 5 * time.Minute

// ReconcileStalled repairs batches created since t that never reached a
// terminal status. A drained group is finalized, e.g. because the worker
// running the callback died after its lease was requeued past the task TTL.
// A batch whose dispatch never got its tasks onto the queue is abandoned.
func (d *Dispatcher) ReconcileStalled(ctx context.Context, since time.Time) (int, error) {
	ids, err := d.manifests.Since(ctx, since)
	if err != nil {
		return 0, err
	}
	fixed := 0
	for _, id := range ids {
		m, err := d.manifests.Get(ctx, id)
		if errors.Is(err, domain.ErrNotFound) {
			continue
		}
		if err != nil {
			return fixed, err
		}
		if m.IsRecovery || m.Status.IsTerminal() {
			continue
		}

		h, err := d.manifests.Handle(ctx, id)
		if errors.Is(err, domain.ErrNotFound) {
			if d.dispatchLapsed(m) {
				d.abandon(ctx, id, nil, int64(len(m.Documents)), errors.New("dispatch never completed"))
				fixed++
			}
			continue
		}
		if err != nil {
			return fixed, err
		}
		st, err := d.queue.GroupState(ctx, h.GroupID)
		if errors.Is(err, domain.ErrNotFound) {
			if d.dispatchLapsed(m) {
				d.abandon(ctx, id, h, int64(len(m.Documents)), errors.New("group was never created"))
				fixed++
			}
			continue
		}
		if err != nil || !st.Done() {
			continue
		}
		if _, err := d.Finalize(ctx, id, h.GroupID); err != nil {
			return fixed, err
		}
		fixed++
	}
	return fixed, nil
}

func (d *Dispatcher) dispatchLapsed(m *domain.BatchManifest) bool {
	if m.Status != domain.BatchPending && m.Status != domain.BatchSubmitted {
		return false
	}
	started := m.CreatedAt
	if m.SubmittedAt != nil {
		started = *m.SubmittedAt
	}
	return d.now().Sub(started) > DispatchGrace
}

// Duration is the wall time of a finished batch measured from its start.
func Duration(m *domain.BatchManifest) time.Duration {
	if m.CompletedAt == nil {
		return 0
	}
	start := m.CreatedAt
	switch {
	case m.StartedAt != nil:
		start = *m.StartedAt
	case m.SubmittedAt != nil:
		start = *m.SubmittedAt
	}
	return m.CompletedAt.Sub(start)
}
