package domain

import "strings"

type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityNormal Priority = "normal"
	PriorityHigh   Priority = "high"
	PriorityUrgent Priority = "urgent"
)

// SortKey orders priorities for packing: urgent first, low last.
func (p Priority) SortKey() int {
	switch p {
	case PriorityUrgent:
		return 0
	case PriorityHigh:
		return 1
	case PriorityLow:
		return 3
	default:
		return 2
	}
}

func (p Priority) IsValid() bool {
	switch p {
	case PriorityLow, PriorityNormal, PriorityHigh, PriorityUrgent:
		return true
	}
	return false
}

// ParsePriority falls back to normal for unknown input.
func ParsePriority(s string) Priority {
	p := Priority(strings.ToLower(strings.TrimSpace(s)))
	if !p.IsValid() {
		return PriorityNormal
	}
	return p
}

type Complexity string

const (
	ComplexitySimple   Complexity = "simple"
	ComplexityStandard Complexity = "standard"
	ComplexityComplex  Complexity = "complex"
)

// BaseMinutes is the per-document processing estimate before size scaling.
func (c Complexity) BaseMinutes() float64 {
	switch c {
	case ComplexitySimple:
		return 1
	case ComplexityComplex:
		return 8
	default:
		return 3
	}
}

// DocumentDescriptor identifies one document to process. It is immutable once
// placed into a batch.
type DocumentDescriptor struct {
	ID          string     `json:"id" validate:"required,uuid"`
	Filename    string     `json:"filename,omitempty"`
	Bucket      string     `json:"bucket,omitempty"`
	Key         string     `json:"key,omitempty" validate:"required_without=Path"`
	Path        string     `json:"path,omitempty" validate:"required_without=Key"`
	SizeMB      float64    `json:"size_mb" validate:"gte=0"`
	ContentHash string     `json:"content_hash,omitempty"`
	MimeType    string     `json:"mime_type,omitempty"`
	Priority    Priority   `json:"priority"`
	Complexity  Complexity `json:"complexity"`
}

// Location returns s3://bucket/key when the document was uploaded, else its local path.
func (d DocumentDescriptor) Location() string {
	if d.Key != "" {
		return "s3://" + d.Bucket + "/" + d.Key
	}
	return d.Path
}

// Stage is one step of the document pipeline as seen by the status tracker.
type Stage string

const (
	StageUpload           Stage = "upload"
	StageOCR              Stage = "ocr"
	StageChunking         Stage = "chunking"
	StageEntityExtraction Stage = "entity_extraction"
	StageEntityResolution Stage = "entity_resolution"
	StageRelationships    Stage = "relationships"
	StageCompleted        Stage = "completed"
	StageFailed           Stage = "failed"
)

// TerminalStage is the last pipeline stage; completing it completes the document.
const TerminalStage = StageRelationships

// PipelineStages lists the stages in execution order.
var PipelineStages = []Stage{
	StageUpload,
	StageOCR,
	StageChunking,
	StageEntityExtraction,
	StageEntityResolution,
	StageRelationships,
}

// StageIndex returns the position of s in PipelineStages, or -1.
func StageIndex(s Stage) int {
	for i, st := range PipelineStages {
		if st == s {
			return i
		}
	}
	return -1
}
