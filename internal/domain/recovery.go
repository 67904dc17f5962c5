package domain

import "time"

type ErrorCategory string

const (
	CategoryTransient     ErrorCategory = "transient"
	CategoryResource      ErrorCategory = "resource"
	CategoryConfiguration ErrorCategory = "configuration"
	CategoryData          ErrorCategory = "data"
	CategoryRateLimit     ErrorCategory = "rate_limit"
	CategoryPermanent     ErrorCategory = "permanent"
)

type RetryStrategy string

const (
	RetryImmediate   RetryStrategy = "immediate"
	RetryExponential RetryStrategy = "exponential"
	RetryLinear      RetryStrategy = "linear"
	RetryManual      RetryStrategy = "manual"
)

type SkipReason string

const (
	SkipMaxRetriesExceeded SkipReason = "max_retries_exceeded"
	SkipManualIntervention SkipReason = "manual_intervention_required"
)

// MaxErrorMessageLen bounds stored error messages.
const MaxErrorMessageLen = 500

// ErrorRecord captures one failure of a document within a batch. A new record
// is written per failure; history is never rewritten.
type ErrorRecord struct {
	DocumentID  string        `json:"document_id"`
	BatchID     string        `json:"batch_id"`
	ErrorType   string        `json:"error_type"`
	Message     string        `json:"error_message"`
	Stage       Stage         `json:"stage"`
	RetryCount  int           `json:"retry_count"`
	LastAttempt time.Time     `json:"last_attempt"`
	Category    ErrorCategory `json:"category"`
}

// TruncateMessage clips msg to MaxErrorMessageLen bytes.
func TruncateMessage(msg string) string {
	if len(msg) <= MaxErrorMessageLen {
		return msg
	}
	return msg[:MaxErrorMessageLen]
}

// RecoveryOptions control which failed documents a recovery run picks up.
type RecoveryOptions struct {
	MaxRetries int  `json:"max_retries"`
	RetryAll   bool `json:"retry_all"`
	Wait       bool `json:"wait"`
}

type SkippedDocument struct {
	DocumentID string        `json:"document_id"`
	Reason     SkipReason    `json:"reason"`
	Category   ErrorCategory `json:"category"`
	RetryCount int           `json:"retry_count"`
}

// RecoveryResult is returned by a recovery run.
type RecoveryResult struct {
	OriginalBatchID  string            `json:"original_batch_id"`
	RecoveryBatchID  string            `json:"recovery_batch_id,omitempty"`
	DocumentsToRetry int               `json:"documents_to_retry"`
	Skipped          []SkippedDocument `json:"skipped"`
	DelayGroups      map[int]int       `json:"delay_groups,omitempty"`
	Completed        bool              `json:"completed"`
}
