package recovery

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"time"

	"github.com/you/lexbatch/internal/domain"
	"github.com/you/lexbatch/internal/kv"
)

// ErrorLog is the append-only failure history of each batch.
type ErrorLog struct {
	store *kv.Store
	ttl   time.Duration
}

func NewErrorLog(store *kv.Store, ttl time.Duration) *ErrorLog {
	return &ErrorLog{store: store, ttl: ttl}
}

func (l *ErrorLog) Append(ctx context.Context, rec domain.ErrorRecord) error {
	score := float64(rec.LastAttempt.UnixMilli()) / 1000
	if err := l.store.ZAddJSON(ctx, kv.ErrorLogKey(rec.BatchID), score, rec, l.ttl); err != nil {
		return fmt.Errorf("append error record %s: %w", rec.DocumentID, err)
	}
	return nil
}

// List returns every record of the batch, oldest first.
func (l *ErrorLog) List(ctx context.Context, batchID string) ([]domain.ErrorRecord, error) {
	raw, err := l.store.ZRangeByScore(ctx, kv.ErrorLogKey(batchID), 0, math.MaxInt64)
	if err != nil {
		return nil, err
	}
	out := make([]domain.ErrorRecord, 0, len(raw))
	for _, s := range raw {
		var rec domain.ErrorRecord
		if err := json.Unmarshal([]byte(s), &rec); err != nil {
			return nil, fmt.Errorf("decode error record: %w", err)
		}
		out = append(out, rec)
	}
	return out, nil
}

// Latest returns the most recent record per document.
func (l *ErrorLog) Latest(ctx context.Context, batchID string) (map[string]domain.ErrorRecord, error) {
	all, err := l.List(ctx, batchID)
	if err != nil {
		return nil, err
	}
	out := make(map[string]domain.ErrorRecord, len(all))
	for _, rec := range all {
		out[rec.DocumentID] = rec
	}
	return out, nil
}
