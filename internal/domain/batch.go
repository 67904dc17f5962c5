package domain

import (
	"math"
	"strings"
	"time"

	"github.com/google/uuid"
)

const ManifestSchemaVersion = 1

type BatchStatus string

const (
	BatchPending        BatchStatus = "pending"
	BatchSubmitted      BatchStatus = "submitted"
	BatchInProgress     BatchStatus = "in_progress"
	BatchCompleted      BatchStatus = "completed"
	BatchFailed         BatchStatus = "failed"
	BatchPartialSuccess BatchStatus = "partial_success"
	BatchCancelled      BatchStatus = "cancelled"
)

func (s BatchStatus) IsTerminal() bool {
	switch s {
	case BatchCompleted, BatchFailed, BatchPartialSuccess, BatchCancelled:
		return true
	}
	return false
}

type BatchType string

const (
	BatchSmall  BatchType = "small"
	BatchMedium BatchType = "medium"
	BatchLarge  BatchType = "large"
)

// BatchManifest is the persisted description of the documents processed together.
type BatchManifest struct {
	SchemaVersion     int                  `json:"schema_version"`
	Version           int64                `json:"version"`
	ID                string               `json:"id"`
	Type              BatchType            `json:"type"`
	Priority          Priority             `json:"priority"`
	ProjectRef        string               `json:"project_ref,omitempty"`
	Documents         []DocumentDescriptor `json:"documents"`
	EstimatedMinutes  float64              `json:"estimated_minutes"`
	Status            BatchStatus          `json:"status"`
	IsRecovery        bool                 `json:"is_recovery,omitempty"`
	OriginalBatchID   string               `json:"original_batch_id,omitempty"`
	// RecoveryLockOwner is the token a recovery batch holds its original's lock with.
	RecoveryLockOwner string               `json:"recovery_lock_owner,omitempty"`
	CreatedAt         time.Time            `json:"created_at"`
	SubmittedAt       *time.Time           `json:"submitted_at,omitempty"`
	StartedAt         *time.Time           `json:"started_at,omitempty"`
	CompletedAt       *time.Time           `json:"completed_at,omitempty"`
}

// TotalSizeMB sums the sizes of every document in the manifest.
func (m *BatchManifest) TotalSizeMB() float64 {
	return TotalSizeMB(m.Documents)
}

// DocumentIDs returns document ids in manifest order.
func (m *BatchManifest) DocumentIDs() []string {
	ids := make([]string, 0, len(m.Documents))
	for _, d := range m.Documents {
		ids = append(ids, d.ID)
	}
	return ids
}

// Document looks a descriptor up by id.
func (m *BatchManifest) Document(id string) (DocumentDescriptor, bool) {
	for _, d := range m.Documents {
		if d.ID == id {
			return d, true
		}
	}
	return DocumentDescriptor{}, false
}

// NewManifest derives type, priority and estimate from docs.
func NewManifest(docs []DocumentDescriptor, now time.Time) *BatchManifest {
	cp := make([]DocumentDescriptor, len(docs))
	copy(cp, docs)
	return &BatchManifest{
		SchemaVersion:    ManifestSchemaVersion,
		ID:               NewBatchID(now),
		Type:             ClassifyBatchType(len(cp), TotalSizeMB(cp)),
		Priority:         DeriveBatchPriority(cp),
		Documents:        cp,
		EstimatedMinutes: EstimateMinutes(cp),
		Status:           BatchPending,
		CreatedAt:        now.UTC(),
	}
}

// NewBatchID returns a time-ordered, human sortable batch identifier.
func NewBatchID(now time.Time) string {
	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
	return "batch_" + now.UTC().Format("20060102T150405.000") + "_" + suffix
}

func TotalSizeMB(docs []DocumentDescriptor) float64 {
	var total float64
	for _, d := range docs {
		total += d.SizeMB
	}
	return total
}

// ClassifyBatchType buckets a batch by document count and total size.
func ClassifyBatchType(count int, totalMB float64) BatchType {
	switch {
	case totalMB < 10 && count <= 5:
		return BatchSmall
	case totalMB < 100 && count <= 25:
		return BatchMedium
	default:
		return BatchLarge
	}
}

// DeriveBatchPriority: urgent dominates, then high; all-low stays low.
func DeriveBatchPriority(docs []DocumentDescriptor) Priority {
	if len(docs) == 0 {
		return PriorityNormal
	}
	allLow := true
	hasHigh := false
	for _, d := range docs {
		switch d.Priority {
		case PriorityUrgent:
			return PriorityUrgent
		case PriorityHigh:
			hasHigh = true
		}
		if d.Priority != PriorityLow {
			allLow = false
		}
	}
	if hasHigh {
		return PriorityHigh
	}
	if allLow {
		return PriorityLow
	}
	return PriorityNormal
}

// MinBatchMinutes floors every batch estimate.
const MinBatchMinutes = 5

// EstimateMinutes sums complexity-based estimates scaled by size.
func EstimateMinutes(docs []DocumentDescriptor) float64 {
	var total float64
	for _, d := range docs {
		total += d.Complexity.BaseMinutes() * math.Max(1, d.SizeMB/5)
	}
	return math.Max(total, MinBatchMinutes)
}

// BatchCounters are the atomically maintained tallies of a batch.
type BatchCounters struct {
	Total            int64 `json:"total"`
	Completed        int64 `json:"completed"`
	Failed           int64 `json:"failed"`
	SubmissionFailed int64 `json:"submission_failed"`
	Cancelled        int64 `json:"cancelled"`
}

// StatusFromCounts picks the terminal batch status for a finished run.
func StatusFromCounts(completed, failed int64) BatchStatus {
	switch {
	case failed == 0:
		return BatchCompleted
	case completed == 0:
		return BatchFailed
	default:
		return BatchPartialSuccess
	}
}

// BatchJobHandle links a manifest to the task-queue identifiers that run it.
type BatchJobHandle struct {
	BatchID   string    `json:"batch_id"`
	GroupID   string    `json:"group_id"`
	TaskIDs   []string  `json:"task_ids"`
	Queue     string    `json:"queue"`
	CreatedAt time.Time `json:"created_at"`
}
