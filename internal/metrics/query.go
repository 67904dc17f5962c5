package metrics

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/you/lexbatch/internal/domain"
	"github.com/you/lexbatch/internal/kv"
)

// Retention bounds every query window.
const Retention = 7 * 24 * time.Hour

const topErrorTypes = 10

type PriorityStats struct {
	BatchesStarted     int     `json:"batches_started"`
	BatchesCompleted   int     `json:"batches_completed"`
	Documents          int     `json:"documents"`
	DocumentsCompleted int64   `json:"documents_completed"`
	DocumentsFailed    int64   `json:"documents_failed"`
	AvgDurationSeconds float64 `json:"avg_duration_seconds"`
	SuccessRate        float64 `json:"success_rate"`

	totalDuration float64
}

type StageStats struct {
	Executions    int     `json:"executions"`
	Successes     int     `json:"successes"`
	Failures      int     `json:"failures"`
	AvgDurationMS float64 `json:"avg_duration_ms"`

	totalMS int64
}

type StageTotals struct {
	Success         int64 `json:"success"`
	Failure         int64 `json:"failure"`
	TotalDurationMS int64 `json:"total_duration_ms"`
}

type BatchMetrics struct {
	Window     string                             `json:"window"`
	From       time.Time                          `json:"from"`
	To         time.Time                          `json:"to"`
	ByPriority map[domain.Priority]*PriorityStats `json:"by_priority"`
	Stages     map[domain.Stage]*StageStats       `json:"stages"`

	// StageTotals are the running counters over the retention period.
	StageTotals map[domain.Stage]StageTotals `json:"stage_totals"`
}

// GetBatchMetrics folds batch and stage events recorded in the last window.
func (c *Collector) GetBatchMetrics(ctx context.Context, window time.Duration) (*BatchMetrics, error) {
	to := c.now().UTC()
	from := to.Add(-clampWindow(window))

	out := &BatchMetrics{
		Window:      clampWindow(window).String(),
		From:        from,
		To:          to,
		ByPriority:  map[domain.Priority]*PriorityStats{},
		Stages:      map[domain.Stage]*StageStats{},
		StageTotals: map[domain.Stage]StageTotals{},
	}

	raw, err := c.store.ZRangeByScoreMulti(ctx, bucketKeys(from, to, time.Hour, kv.HourBucket, kv.BatchEventsKey), score(from), score(to))
	if err != nil {
		return nil, fmt.Errorf("batch metrics: %w", err)
	}
	for _, s := range raw {
		var ev BatchEvent
		if err := json.Unmarshal([]byte(s), &ev); err != nil {
			c.log.Warn("skipping malformed batch event", zap.Error(err))
			continue
		}
		ps := out.ByPriority[ev.Priority]
		if ps == nil {
			ps = &PriorityStats{}
			out.ByPriority[ev.Priority] = ps
		}
		switch ev.Kind {
		case EventBatchStart:
			ps.BatchesStarted++
			ps.Documents += ev.DocumentCount
		case EventBatchComplete:
			ps.BatchesCompleted++
			ps.DocumentsCompleted += ev.Completed
			ps.DocumentsFailed += ev.Failed
			ps.totalDuration += ev.DurationSeconds
		}
	}
	for _, ps := range out.ByPriority {
		if ps.BatchesCompleted > 0 {
			ps.AvgDurationSeconds = ps.totalDuration / float64(ps.BatchesCompleted)
		}
		if n := ps.DocumentsCompleted + ps.DocumentsFailed; n > 0 {
			ps.SuccessRate = float64(ps.DocumentsCompleted) / float64(n)
		}
	}

	raw, err = c.store.ZRangeByScoreMulti(ctx, bucketKeys(from, to, time.Minute, kv.MinuteBucket, kv.StageEventsKey), score(from), score(to))
	if err != nil {
		return nil, fmt.Errorf("stage metrics: %w", err)
	}
	for _, s := range raw {
		var ev StageEvent
		if err := json.Unmarshal([]byte(s), &ev); err != nil {
			c.log.Warn("skipping malformed stage event", zap.Error(err))
			continue
		}
		st := out.Stages[ev.Stage]
		if st == nil {
			st = &StageStats{}
			out.Stages[ev.Stage] = st
		}
		st.Executions++
		if ev.Success {
			st.Successes++
		} else {
			st.Failures++
		}
		st.totalMS += ev.DurationMS
	}
	for _, st := range out.Stages {
		if st.Executions > 0 {
			st.AvgDurationMS = float64(st.totalMS) / float64(st.Executions)
		}
	}

	for _, stage := range domain.PipelineStages {
		h, err := c.store.HGetInts(ctx, kv.StageAggKey(string(stage)))
		if err != nil {
			return nil, err
		}
		if len(h) == 0 {
			continue
		}
		out.StageTotals[stage] = StageTotals{
			Success:         h["success"],
			Failure:         h["failure"],
			TotalDurationMS: h["total_duration_ms"],
		}
	}
	return out, nil
}

type ErrorTypeCount struct {
	ErrorType string `json:"error_type"`
	Count     int    `json:"count"`
}

type ErrorSummary struct {
	Hours         int                          `json:"hours"`
	Total         int                          `json:"total"`
	ByCategory    map[domain.ErrorCategory]int `json:"by_category"`
	ByStage       map[domain.Stage]int         `json:"by_stage"`
	ByType        map[string]int               `json:"by_type"`
	TopErrorTypes []ErrorTypeCount             `json:"top_error_types"`

	// TypeStageTotals are the running type:stage counters over the retention period.
	TypeStageTotals map[string]int64 `json:"type_stage_totals"`
}

// GetErrorSummary folds error events recorded in the last hours.
func (c *Collector) GetErrorSummary(ctx context.Context, hours int) (*ErrorSummary, error) {
	if hours <= 0 {
		hours = 24
	}
	window := clampWindow(time.Duration(hours) * time.Hour)
	to := c.now().UTC()
	from := to.Add(-window)

	raw, err := c.store.ZRangeByScoreMulti(ctx, bucketKeys(from, to, time.Hour, kv.HourBucket, kv.ErrorEventsKey), score(from), score(to))
	if err != nil {
		return nil, fmt.Errorf("error summary: %w", err)
	}
	events := make([]ErrorEvent, 0, len(raw))
	for _, s := range raw {
		var ev ErrorEvent
		if err := json.Unmarshal([]byte(s), &ev); err != nil {
			c.log.Warn("skipping malformed error event", zap.Error(err))
			continue
		}
		events = append(events, ev)
	}

	sum := SummarizeErrors(events)
	sum.Hours = int(window / time.Hour)
	totals, err := c.store.HGetInts(ctx, kv.ErrorAggKey)
	if err != nil {
		return nil, err
	}
	sum.TypeStageTotals = totals
	return sum, nil
}

// SummarizeErrors groups events by category, stage and type.
func SummarizeErrors(events []ErrorEvent) *ErrorSummary {
	sum := &ErrorSummary{
		ByCategory: map[domain.ErrorCategory]int{},
		ByStage:    map[domain.Stage]int{},
		ByType:     map[string]int{},
	}
	for _, ev := range events {
		sum.Total++
		sum.ByCategory[ev.Category]++
		sum.ByStage[ev.Stage]++
		sum.ByType[ev.ErrorType]++
	}
	sum.TopErrorTypes = TopTypes(sum.ByType, topErrorTypes)
	return sum
}

// TopTypes orders counts descending, ties by name, and keeps the first n.
func TopTypes(byType map[string]int, n int) []ErrorTypeCount {
	out := make([]ErrorTypeCount, 0, len(byType))
	for t, c := range byType {
		out = append(out, ErrorTypeCount{ErrorType: t, Count: c})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return out[i].ErrorType < out[j].ErrorType
	})
	if len(out) > n {
		out = out[:n]
	}
	return out
}

func clampWindow(w time.Duration) time.Duration {
	switch {
	case w <= 0:
		return time.Hour
	case w > Retention:
		return Retention
	}
	return w
}

// bucketKeys lists every bucket key touched by [from, to].
func bucketKeys(from, to time.Time, step time.Duration, bucket func(time.Time) string, key func(string) string) []string {
	var keys []string
	for t := from.Truncate(step); !t.After(to); t = t.Add(step) {
		keys = append(keys, key(bucket(t)))
	}
	return keys
}
