package domain

import (
	"slices"
	"time"
)

const StatusSchemaVersion = 1

type DocumentStatus string

const (
	DocPending    DocumentStatus = "pending"
	DocInProgress DocumentStatus = "in_progress"
	DocCompleted  DocumentStatus = "completed"
	DocFailed     DocumentStatus = "failed"
	DocCancelled  DocumentStatus = "cancelled"
	DocRetrying   DocumentStatus = "retrying"
)

// StatusSignal is what a stage callback reports about the stage it ran.
type StatusSignal string

const (
	SignalPending    StatusSignal = "pending"
	SignalInProgress StatusSignal = "in_progress"
	SignalCompleted  StatusSignal = "completed"
	SignalFailed     StatusSignal = "failed"
	SignalCancelled  StatusSignal = "cancelled"
	SignalRetrying   StatusSignal = "retrying"
)

type LastError struct {
	Stage     Stage     `json:"stage"`
	Message   string    `json:"message"`
	Type      string    `json:"type,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// DocumentStatusRecord is the live, per-document progress record.
type DocumentStatusRecord struct {
	SchemaVersion      int            `json:"schema_version"`
	Version            int64          `json:"version"`
	DocumentID         string         `json:"document_id"`
	BatchID            string         `json:"batch_id,omitempty"`
	OverallStatus      DocumentStatus `json:"overall_status"`
	CurrentStage       Stage          `json:"current_stage"`
	StagesCompleted    []Stage        `json:"stages_completed"`
	StartedAt          time.Time      `json:"started_at"`
	LastUpdated        time.Time      `json:"last_updated"`
	ErrorCount         int            `json:"error_count"`
	RetryCount         int            `json:"retry_count"`
	LastError          *LastError     `json:"last_error,omitempty"`
	ProcessingMetadata map[string]any `json:"processing_metadata,omitempty"`
}

// HasCompleted reports whether stage is in StagesCompleted.
func (r *DocumentStatusRecord) HasCompleted(stage Stage) bool {
	return slices.Contains(r.StagesCompleted, stage)
}

// DeriveOverallStatus is the single place overall_status is computed.
// A document that already reached completed stays completed.
func DeriveOverallStatus(prev DocumentStatus, signal StatusSignal, stage Stage, completed []Stage) DocumentStatus {
	if prev == DocCompleted {
		return DocCompleted
	}
	switch signal {
	case SignalFailed:
		return DocFailed
	case SignalCancelled:
		return DocCancelled
	case SignalRetrying:
		return DocRetrying
	}
	if stage == TerminalStage && (signal == SignalCompleted || slices.Contains(completed, TerminalStage)) {
		return DocCompleted
	}
	if len(completed) > 0 || signal == SignalInProgress || signal == SignalCompleted {
		return DocInProgress
	}
	return DocPending
}
