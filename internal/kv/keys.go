package kv

import "time"

// Key layout shared by every component.

func ManifestKey(batchID string) string { return "batch:manifest:" + batchID }
func CountersKey(batchID string) string { return "batch:counters:" + batchID }
func HandleKey(batchID string) string { return "batch:handle:" + batchID }
func RecoveryLockKey(batchID string) string {
	return "batch:recovery_lock:" + batchID
}
func RecoveryMergedKey(recoveryBatchID string) string {
	return "batch:recovery_merged:" + recoveryBatchID
}

// BatchIndexKey is a sorted set of batch ids scored by creation time.
const BatchIndexKey = "batches:index"

func DocStatusKey(documentID string) string { return "doc:status:" + documentID }

func ErrorLogKey(batchID string) string { return "errors:batch:" + batchID }

func MinuteBucket(t time.Time) string { return t.UTC().Format("200601021504") }
func HourBucket(t time.Time) string { return t.UTC().Format("2006010215") }

func BatchEventsKey(hour string) string { return "metrics:batch:" + hour }
func StageEventsKey(minute string) string { return "metrics:stage:" + minute }
func ErrorEventsKey(hour string) string { return "metrics:errors:" + hour }
func StageAggKey(stage string) string { return "metrics:stage_agg:" + stage }

const ErrorAggKey = "metrics:error_agg"
