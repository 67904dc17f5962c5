package status

import (
	"context"
	"fmt"
	"time"

	"github.com/you/lexbatch/internal/domain"
	"github.com/you/lexbatch/internal/kv"
)

// BatchProgress is a point-in-time snapshot of a batch, built from the
// manifest and each listed document's status record.
type BatchProgress struct {
	BatchID              string               `json:"batch_id"`
	Status               domain.BatchStatus   `json:"status"`
	Type                 domain.BatchType     `json:"type"`
	Priority             domain.Priority      `json:"priority"`
	IsRecovery           bool                 `json:"is_recovery,omitempty"`
	OriginalBatchID      string               `json:"original_batch_id,omitempty"`
	Total                int                  `json:"total"`
	Completed            int                  `json:"completed"`
	Failed               int                  `json:"failed"`
	InProgress           int                  `json:"in_progress"`
	Pending              int                  `json:"pending"`
	Cancelled            int                  `json:"cancelled"`
	StageHistogram       map[domain.Stage]int `json:"stage_histogram"`
	CompletionPercentage float64              `json:"completion_percentage"`
	ElapsedSeconds       float64              `json:"elapsed_seconds"`
	ETASeconds           *float64             `json:"eta_seconds"`
	Counters             domain.BatchCounters `json:"counters"`
	EstimatedMinutes     float64              `json:"estimated_minutes"`
	CreatedAt            time.Time            `json:"created_at"`
	StartedAt            *time.Time           `json:"started_at,omitempty"`
	CompletedAt          *time.Time           `json:"completed_at,omitempty"`
}

// GetBatchProgress classifies every document of the manifest. It costs one
// read per document. Unknown batches return domain.ErrNotFound.
func (t *Tracker) GetBatchProgress(ctx context.Context, batchID string) (*BatchProgress, error) {
	m, err := kv.Get[domain.BatchManifest](ctx, t.store, kv.ManifestKey(batchID))
	if err != nil {
		return nil, err
	}
	recs, err := t.GetMany(ctx, m.DocumentIDs())
	if err != nil {
		return nil, fmt.Errorf("batch progress %s: %w", batchID, err)
	}
	counters, err := t.store.HGetInts(ctx, kv.CountersKey(batchID))
	if err != nil {
		return nil, fmt.Errorf("batch progress %s: %w", batchID, err)
	}

	p := Summarize(m, recs, t.now())
	p.Counters = domain.BatchCounters{
		Total:            counters["total"],
		Completed:        counters["completed"],
		Failed:           counters["failed"],
		SubmissionFailed: counters["submission_failed"],
		Cancelled:        counters["cancelled"],
	}
	return p, nil
}

// Summarize folds status records (aligned with m.Documents, nil when absent)
// into a progress snapshot.
func Summarize(m *domain.BatchManifest, recs []*domain.DocumentStatusRecord, now time.Time) *BatchProgress {
	p := &BatchProgress{
		BatchID:          m.ID,
		Status:           m.Status,
		Type:             m.Type,
		Priority:         m.Priority,
		IsRecovery:       m.IsRecovery,
		OriginalBatchID:  m.OriginalBatchID,
		Total:            len(m.Documents),
		StageHistogram:   map[domain.Stage]int{},
		EstimatedMinutes: m.EstimatedMinutes,
		CreatedAt:        m.CreatedAt,
		StartedAt:        m.StartedAt,
		CompletedAt:      m.CompletedAt,
	}
	for _, rec := range recs {
		if rec == nil {
			p.Pending++
			p.StageHistogram[domain.StageUpload]++
			continue
		}
		switch rec.OverallStatus {
		case domain.DocCompleted:
			p.Completed++
		case domain.DocFailed:
			p.Failed++
		case domain.DocInProgress, domain.DocRetrying:
			p.InProgress++
		case domain.DocCancelled:
			p.Cancelled++
		default:
			p.Pending++
		}
		stage := rec.CurrentStage
		if stage == "" {
			stage = domain.StageUpload
		}
		p.StageHistogram[stage]++
	}

	if p.Total > 0 {
		p.CompletionPercentage = float64(p.Completed) / float64(p.Total) * 100
	}

	start := m.CreatedAt
	switch {
	case m.StartedAt != nil:
		start = *m.StartedAt
	case m.SubmittedAt != nil:
		start = *m.SubmittedAt
	}
	end := now
	if m.CompletedAt != nil {
		end = *m.CompletedAt
	}
	if elapsed := end.Sub(start).Seconds(); elapsed > 0 {
		p.ElapsedSeconds = elapsed
	}
	if p.Completed > 0 {
		eta := p.ElapsedSeconds / float64(p.Completed) * float64(p.InProgress+p.Pending)
		p.ETASeconds = &eta
	}
	return p
}
