// Package status records per-document stage transitions and derives
// document and batch progress from them.
package status

import (
	"context"
	"fmt"
	"maps"
	"time"

	"go.uber.org/zap"

	"github.com/you/lexbatch/internal/domain"
	"github.com/you/lexbatch/internal/kv"
)

// Metadata keys with special meaning to RecordTransition.
const (
	MetaBatchID   = "batch_id"
	MetaError     = "error"
	MetaErrorType = "error_type"
)

type Tracker struct {
	store *kv.Store
	ttl   time.Duration
	log   *zap.Logger
	now   func() time.Time
}

func NewTracker(store *kv.Store, ttl time.Duration, log *zap.Logger) *Tracker {
	return &Tracker{store: store, ttl: ttl, log: log, now: time.Now}
}

// RecordTransition applies one stage report to the document's record.
func (t *Tracker) RecordTransition(ctx context.Context, documentID string, stage domain.Stage, signal domain.StatusSignal, metadata map[string]any) error {
	_, err := t.apply(ctx, documentID, stage, signal, metadata)
	return err
}

func (t *Tracker) apply(ctx context.Context, documentID string, stage domain.Stage, signal domain.StatusSignal, metadata map[string]any) (*domain.DocumentStatusRecord, error) {
	if documentID == "" {
		return nil, fmt.Errorf("record transition: %w: empty document id", domain.ErrInvalidDescriptor)
	}
	now := t.now().UTC()
	rec, err := kv.Update(ctx, t.store, kv.DocStatusKey(documentID), t.ttl, func(cur *domain.DocumentStatusRecord, exists bool) error {
		if !exists {
			*cur = domain.DocumentStatusRecord{
				SchemaVersion:   domain.StatusSchemaVersion,
				DocumentID:      documentID,
				OverallStatus:   domain.DocPending,
				StagesCompleted: []domain.Stage{},
				StartedAt:       now,
			}
		}
		transition(cur, stage, signal, metadata, now)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("record transition %s/%s: %w", documentID, stage, err)
	}
	t.log.Debug("stage transition",
		zap.String("document_id", documentID),
		zap.String("stage", string(stage)),
		zap.String("signal", string(signal)),
		zap.String("overall_status", string(rec.OverallStatus)),
	)
	return rec, nil
}

// transition mutates rec for one report. Overall status is always derived,
// never assigned from the signal directly.
func transition(rec *domain.DocumentStatusRecord, stage domain.Stage, signal domain.StatusSignal, metadata map[string]any, now time.Time) {
	rec.Version++
	rec.LastUpdated = now
	mergeMetadata(rec, metadata)

	prev := rec.OverallStatus
	if prev == domain.DocCompleted {
		return
	}

	if signal == domain.SignalCompleted && domain.StageIndex(stage) >= 0 && !rec.HasCompleted(stage) {
		rec.StagesCompleted = append(rec.StagesCompleted, stage)
	}
	rec.OverallStatus = domain.DeriveOverallStatus(prev, signal, stage, rec.StagesCompleted)

	switch {
	case rec.OverallStatus == domain.DocCompleted:
		rec.CurrentStage = domain.StageCompleted
	case stage != "":
		rec.CurrentStage = stage
	}

	switch signal {
	case domain.SignalFailed:
		rec.ErrorCount++
		le := &domain.LastError{Stage: stage, Timestamp: now}
		if msg, ok := metadata[MetaError].(string); ok {
			le.Message = domain.TruncateMessage(msg)
		}
		if typ, ok := metadata[MetaErrorType].(string); ok {
			le.Type = typ
		}
		rec.LastError = le
	case domain.SignalRetrying:
		rec.RetryCount++
	}
}

func mergeMetadata(rec *domain.DocumentStatusRecord, metadata map[string]any) {
	if len(metadata) == 0 {
		return
	}
	if b, ok := metadata[MetaBatchID].(string); ok && b != "" {
		rec.BatchID = b
	}
	if rec.ProcessingMetadata == nil {
		rec.ProcessingMetadata = make(map[string]any, len(metadata))
	}
	maps.Copy(rec.ProcessingMetadata, metadata)
}

// RecordFailure records a failed signal and returns the updated record.
func (t *Tracker) RecordFailure(ctx context.Context, documentID string, stage domain.Stage, metadata map[string]any) (*domain.DocumentStatusRecord, error) {
	return t.apply(ctx, documentID, stage, domain.SignalFailed, metadata)
}

// GetStatus returns the record for a document, or domain.ErrNotFound.
func (t *Tracker) GetStatus(ctx context.Context, documentID string) (*domain.DocumentStatusRecord, error) {
	return kv.Get[domain.DocumentStatusRecord](ctx, t.store, kv.DocStatusKey(documentID))
}

// GetMany returns records aligned with ids; unknown documents are nil.
func (t *Tracker) GetMany(ctx context.Context, ids []string) ([]*domain.DocumentStatusRecord, error) {
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = kv.DocStatusKey(id)
	}
	return kv.MGet[domain.DocumentStatusRecord](ctx, t.store, keys)
}

// MarkRetrying moves a failed document into retrying and bumps its retry count.
func (t *Tracker) MarkRetrying(ctx context.Context, documentID, recoveryBatchID string, stage domain.Stage) (*domain.DocumentStatusRecord, error) {
	return t.apply(ctx, documentID, stage, domain.SignalRetrying, map[string]any{
		"recovery_batch_id": recoveryBatchID,
	})
}

// Restore writes back a record captured before a change that could not be
// carried through. The version keeps counting up.
func (t *Tracker) Restore(ctx context.Context, prev *domain.DocumentStatusRecord) error {
	_, err := kv.Update(ctx, t.store, kv.DocStatusKey(prev.DocumentID), t.ttl, func(cur *domain.DocumentStatusRecord, _ bool) error {
		version := max(cur.Version, prev.Version)
		*cur = *prev
		cur.Version = version + 1
		cur.LastUpdated = t.now().UTC()
		return nil
	})
	if err != nil {
		return fmt.Errorf("restore status %s: %w", prev.DocumentID, err)
	}
	t.log.Debug("status restored",
		zap.String("document_id", prev.DocumentID),
		zap.String("overall_status", string(prev.OverallStatus)),
	)
	return nil
}
