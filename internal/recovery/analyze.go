package recovery

import (
	"context"
	"fmt"

	"github.com/you/lexbatch/internal/domain"
	"github.com/you/lexbatch/internal/metrics"
)

// Analysis is an advisory failure report. Nothing reads it to drive decisions.
type Analysis struct {
	BatchID         string                       `json:"batch_id"`
	Status          domain.BatchStatus           `json:"status"`
	TotalErrors     int                          `json:"total_errors"`
	FailedDocuments int                          `json:"failed_documents"`
	ByCategory      map[domain.ErrorCategory]int `json:"by_category"`
	ByStage         map[domain.Stage]int         `json:"by_stage"`
	ByType          map[string]int               `json:"by_type"`
	TopErrorTypes   []metrics.ErrorTypeCount     `json:"top_error_types"`
	Retryable       int                          `json:"retryable"`
	Recommendations []string                     `json:"recommendations"`
}

// Analyze summarizes a batch's error history. It never writes.
func (m *Manager) Analyze(ctx context.Context, batchID string) (*Analysis, error) {
	mf, err := m.dispatcher.Manifests().Get(ctx, batchID)
	if err != nil {
		return nil, err
	}
	history, err := m.errLog.List(ctx, batchID)
	if err != nil {
		return nil, err
	}
	failed, err := m.failedDocuments(ctx, mf)
	if err != nil {
		return nil, err
	}

	a := Summarize(history)
	a.BatchID = batchID
	a.Status = mf.Status
	a.FailedDocuments = len(failed)
	for _, c := range failed {
		if s, _ := Strategy(c.category, c.retries); s != domain.RetryManual && c.retries < m.opts.MaxRetries {
			a.Retryable++
		}
	}
	a.Recommendations = recommend(a)
	return a, nil
}

// Summarize groups error records by category, stage and type.
func Summarize(history []domain.ErrorRecord) *Analysis {
	a := &Analysis{
		ByCategory:      map[domain.ErrorCategory]int{},
		ByStage:         map[domain.Stage]int{},
		ByType:          map[string]int{},
		Recommendations: []string{},
	}
	for _, rec := range history {
		cat := rec.Category
		if cat == "" {
			cat = Categorize(rec.Message, rec.ErrorType)
		}
		a.TotalErrors++
		a.ByCategory[cat]++
		a.ByStage[rec.Stage]++
		a.ByType[rec.ErrorType]++
	}
	a.TopErrorTypes = metrics.TopTypes(a.ByType, 5)
	return a
}

func recommend(a *Analysis) []string {
	out := []string{}
	if a.TotalErrors == 0 {
		return out
	}
	if a.ByCategory[domain.CategoryRateLimit] > 0 {
		out = append(out, "Rate limit errors detected: reduce batch size or worker concurrency and let recovery back off.")
	}
	if a.ByCategory[domain.CategoryResource] > 0 {
		out = append(out, "Resource exhaustion detected: split large documents into smaller batches.")
	}
	if a.ByCategory[domain.CategoryConfiguration] > 0 {
		out = append(out, "Configuration errors detected: check service credentials and permissions before retrying.")
	}
	if n := a.ByCategory[domain.CategoryData]; n > 0 {
		out = append(out, fmt.Sprintf("%d data errors detected: review the affected source files manually.", n))
	}
	if a.ByCategory[domain.CategoryTransient]*2 > a.TotalErrors {
		out = append(out, "Most errors are transient: a recovery run is likely to succeed.")
	}
	if stages := sortedCounts(a.ByStage); len(stages) > 0 && a.ByStage[stages[0]]*2 > a.TotalErrors {
		out = append(out, fmt.Sprintf("Most failures occur at the %s stage.", stages[0]))
	}
	if a.FailedDocuments > 0 && a.Retryable == 0 {
		out = append(out, "No failed document is eligible for automatic retry; use retry_all to force a recovery.")
	}
	return out
}
