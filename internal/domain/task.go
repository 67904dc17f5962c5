package domain

import "time"

type TaskStatus string

const (
	TaskQueued    TaskStatus = "queued"
	TaskDelayed   TaskStatus = "delayed"
	TaskLeased    TaskStatus = "leased"
	TaskSucceeded TaskStatus = "succeeded"
	TaskFailed    TaskStatus = "failed"
	TaskRevoked   TaskStatus = "revoked"
)

const (
	QueueHigh    = "high"
	QueueDefault = "default"
)

// QueueFor maps a batch priority to the queue its tasks run on.
func QueueFor(p Priority) string {
	if p == PriorityUrgent || p == PriorityHigh {
		return QueueHigh
	}
	return QueueDefault
}

// Task names handled by workers.
const (
	TaskExtractText        = "extract_text"
	TaskChunk              = "chunk"
	TaskExtractEntities    = "extract_entities"
	TaskResolveEntities    = "resolve_entities"
	TaskBuildRelationships = "build_relationships"
	TaskFinalizeBatch      = "finalize_batch"
	TaskFinalizeRecovery   = "finalize_recovery"
)

// DocumentChain is the per-document task chain in execution order.
var DocumentChain = []string{
	TaskExtractText,
	TaskChunk,
	TaskExtractEntities,
	TaskResolveEntities,
	TaskBuildRelationships,
}

// StageForTask maps a chain task to the status stage it advances.
func StageForTask(name string) Stage {
	switch name {
	case TaskExtractText:
		return StageOCR
	case TaskChunk:
		return StageChunking
	case TaskExtractEntities:
		return StageEntityExtraction
	case TaskResolveEntities:
		return StageEntityResolution
	case TaskBuildRelationships:
		return StageRelationships
	}
	return ""
}

// ChainFrom returns the document chain starting at the task for stage.
// Stages before OCR (or unknown stages) restart the whole chain.
func ChainFrom(stage Stage) []string {
	for i, name := range DocumentChain {
		if StageForTask(name) == stage {
			return append([]string(nil), DocumentChain[i:]...)
		}
	}
	return append([]string(nil), DocumentChain...)
}

// Task is a unit of work on the queue. Chain holds the task names still to run
// for the same document after this one; payloads carry ids only. MemberID
// names the group member (one per document chain) a task reports to.
type Task struct {
	ID          string            `json:"id"`
	Name        string            `json:"name"`
	Queue       string            `json:"queue"`
	BatchID     string            `json:"batch_id,omitempty"`
	DocumentID  string            `json:"document_id,omitempty"`
	ProjectRef  string            `json:"project_ref,omitempty"`
	GroupID     string            `json:"group_id,omitempty"`
	MemberID    string            `json:"member_id,omitempty"`
	Chain       []string          `json:"chain,omitempty"`
	Payload     map[string]string `json:"payload,omitempty"`
	Attempt     int               `json:"attempt"`
	// MaxAttempts overrides the queue's lease attempt cap when positive.
	MaxAttempts int               `json:"max_attempts,omitempty"`
	Status      TaskStatus        `json:"status"`
	Error       string            `json:"error,omitempty"`
	RunAt       time.Time         `json:"run_at"`
	EnqueuedAt  time.Time         `json:"enqueued_at"`
	UpdatedAt   time.Time         `json:"updated_at"`
}

// PayloadOriginalBatchID marks tasks of a recovery run with the batch they recover.
const PayloadOriginalBatchID = "original_batch_id"

// OwnerBatchID is the batch a task's document belongs to: the original batch
// for recovery tasks, else the task's own batch.
func (t *Task) OwnerBatchID() string {
	if id := t.Payload[PayloadOriginalBatchID]; id != "" {
		return id
	}
	return t.BatchID
}
