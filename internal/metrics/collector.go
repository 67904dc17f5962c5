// Package metrics records batch, stage and error events into time-bucketed
// sorted sets and folds them into windowed reports.
package metrics

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/you/lexbatch/internal/domain"
	"github.com/you/lexbatch/internal/kv"
)

type EventKind string

const (
	EventBatchStart    EventKind = "batch_start"
	EventBatchComplete EventKind = "batch_complete"
)

// BatchEvent is stored in hour buckets.
type BatchEvent struct {
	Kind            EventKind          `json:"kind"`
	BatchID         string             `json:"batch_id"`
	Priority        domain.Priority    `json:"priority"`
	Type            domain.BatchType   `json:"type"`
	IsRecovery      bool               `json:"is_recovery,omitempty"`
	DocumentCount   int                `json:"document_count"`
	Completed       int64              `json:"completed,omitempty"`
	Failed          int64              `json:"failed,omitempty"`
	Status          domain.BatchStatus `json:"status,omitempty"`
	DurationSeconds float64            `json:"duration_seconds,omitempty"`
	Timestamp       time.Time          `json:"timestamp"`
}

// StageEvent is stored in minute buckets.
type StageEvent struct {
	DocumentID string       `json:"document_id"`
	BatchID    string       `json:"batch_id,omitempty"`
	Stage      domain.Stage `json:"stage"`
	DurationMS int64        `json:"duration_ms"`
	Success    bool         `json:"success"`
	Timestamp  time.Time    `json:"timestamp"`
}

// ErrorEvent is stored in hour buckets.
type ErrorEvent struct {
	DocumentID string               `json:"document_id"`
	BatchID    string               `json:"batch_id"`
	Stage      domain.Stage         `json:"stage"`
	ErrorType  string               `json:"error_type"`
	Category   domain.ErrorCategory `json:"category"`
	Message    string               `json:"error_message"`
	Timestamp  time.Time            `json:"timestamp"`
}

type Collector struct {
	store *kv.Store
	ttl   time.Duration
	log   *zap.Logger
	now   func() time.Time
}

func NewCollector(store *kv.Store, ttl time.Duration, log *zap.Logger) *Collector {
	return &Collector{store: store, ttl: ttl, log: log, now: time.Now}
}

func score(t time.Time) float64 { return float64(t.UnixMilli()) / 1000 }

func (c *Collector) RecordBatchStart(ctx context.Context, m *domain.BatchManifest) error {
	now := c.now().UTC()
	ev := BatchEvent{
		Kind:          EventBatchStart,
		BatchID:       m.ID,
		Priority:      m.Priority,
		Type:          m.Type,
		IsRecovery:    m.IsRecovery,
		DocumentCount: len(m.Documents),
		Timestamp:     now,
	}
	if err := c.store.ZAddJSON(ctx, kv.BatchEventsKey(kv.HourBucket(now)), score(now), ev, c.ttl); err != nil {
		return fmt.Errorf("record batch start %s: %w", m.ID, err)
	}
	return nil
}

// RecordBatchComplete stores the final tallies of a batch run; duration is
// measured by the caller from the manifest timestamps.
func (c *Collector) RecordBatchComplete(ctx context.Context, m *domain.BatchManifest, counters domain.BatchCounters, duration time.Duration) error {
	now := c.now().UTC()
	ev := BatchEvent{
		Kind:            EventBatchComplete,
		BatchID:         m.ID,
		Priority:        m.Priority,
		Type:            m.Type,
		IsRecovery:      m.IsRecovery,
		DocumentCount:   len(m.Documents),
		Completed:       counters.Completed,
		Failed:          counters.Failed,
		Status:          m.Status,
		DurationSeconds: duration.Seconds(),
		Timestamp:       now,
	}
	if err := c.store.ZAddJSON(ctx, kv.BatchEventsKey(kv.HourBucket(now)), score(now), ev, c.ttl); err != nil {
		return fmt.Errorf("record batch complete %s: %w", m.ID, err)
	}
	return nil
}

// RecordDocumentStageMetric stores one stage execution and bumps the running
// per-stage aggregates.
func (c *Collector) RecordDocumentStageMetric(ctx context.Context, documentID, batchID string, stage domain.Stage, duration time.Duration, success bool) error {
	now := c.now().UTC()
	ev := StageEvent{
		DocumentID: documentID,
		BatchID:    batchID,
		Stage:      stage,
		DurationMS: duration.Milliseconds(),
		Success:    success,
		Timestamp:  now,
	}
	if err := c.store.ZAddJSON(ctx, kv.StageEventsKey(kv.MinuteBucket(now)), score(now), ev, c.ttl); err != nil {
		return fmt.Errorf("record stage metric %s/%s: %w", documentID, stage, err)
	}

	agg := kv.StageAggKey(string(stage))
	field := "success"
	if !success {
		field = "failure"
	}
	if _, err := c.store.HIncrBy(ctx, agg, field, 1, c.ttl); err != nil {
		return err
	}
	if _, err := c.store.HIncrBy(ctx, agg, "total_duration_ms", duration.Milliseconds(), c.ttl); err != nil {
		return err
	}
	return nil
}

// RecordError stores a failure event and bumps the type:stage counter.
func (c *Collector) RecordError(ctx context.Context, rec domain.ErrorRecord) error {
	ts := rec.LastAttempt
	if ts.IsZero() {
		ts = c.now()
	}
	ts = ts.UTC()
	ev := ErrorEvent{
		DocumentID: rec.DocumentID,
		BatchID:    rec.BatchID,
		Stage:      rec.Stage,
		ErrorType:  rec.ErrorType,
		Category:   rec.Category,
		Message:    domain.TruncateMessage(rec.Message),
		Timestamp:  ts,
	}
	if err := c.store.ZAddJSON(ctx, kv.ErrorEventsKey(kv.HourBucket(ts)), score(ts), ev, c.ttl); err != nil {
		return fmt.Errorf("record error %s: %w", rec.DocumentID, err)
	}
	if _, err := c.store.HIncrBy(ctx, kv.ErrorAggKey, aggField(rec.ErrorType, rec.Stage), 1, c.ttl); err != nil {
		return err
	}
	return nil
}

func aggField(errorType string, stage domain.Stage) string {
	if errorType == "" {
		errorType = "unknown"
	}
	return errorType + ":" + string(stage)
}
