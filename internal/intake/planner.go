// Package intake discovers documents, drops duplicates and partitions them
// into batches sized and ordered for dispatch.
package intake

import (
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/you/lexbatch/internal/domain"
)

type Strategy string

const (
	StrategyBalanced      Strategy = "balanced"
	StrategyPriorityFirst Strategy = "priority_first"
	StrategySizeOptimized Strategy = "size_optimized"
)

func ParseStrategy(s string) (Strategy, error) {
	switch Strategy(s) {
	case StrategyBalanced, StrategyPriorityFirst, StrategySizeOptimized:
		return Strategy(s), nil
	case "":
		return StrategyBalanced, nil
	}
	return "", fmt.Errorf("unknown partition strategy %q", s)
}

const (
	DefaultMaxBatchMB    = 100.0
	DefaultMaxBatchDocs  = 25
	DefaultSizeChunkDocs = 20
)

type Planner struct {
	MaxBatchMB    float64
	MaxBatchDocs  int
	SizeChunkDocs int

	log *zap.Logger
	now func() time.Time
}

func NewPlanner(log *zap.Logger) *Planner {
	return &Planner{
		MaxBatchMB:    DefaultMaxBatchMB,
		MaxBatchDocs:  DefaultMaxBatchDocs,
		SizeChunkDocs: DefaultSizeChunkDocs,
		log:           log,
		now:           time.Now,
	}
}

// Dedup keeps the first document for each content hash. Documents without a
// hash cannot be compared and are always kept.
func (p *Planner) Dedup(docs []domain.DocumentDescriptor) []domain.DocumentDescriptor {
	seen := make(map[string]string, len(docs))
	out := make([]domain.DocumentDescriptor, 0, len(docs))
	for _, d := range docs {
		if d.ContentHash != "" {
			if first, dup := seen[d.ContentHash]; dup {
				p.log.Debug("dropping duplicate document",
					zap.String("document_id", d.ID),
					zap.String("duplicate_of", first),
					zap.String("content_hash", d.ContentHash),
				)
				continue
			}
			seen[d.ContentHash] = d.ID
		}
		out = append(out, d)
	}
	return out
}

// Partition dedups docs and splits them into pending manifests.
func (p *Planner) Partition(docs []domain.DocumentDescriptor, strategy Strategy) ([]*domain.BatchManifest, error) {
	docs = p.Dedup(docs)
	if len(docs) == 0 {
		return nil, nil
	}

	var groups [][]domain.DocumentDescriptor
	switch strategy {
	case StrategyBalanced, "":
		groups = p.balanced(docs)
	case StrategyPriorityFirst:
		tiers := map[domain.Priority][]domain.DocumentDescriptor{}
		for _, d := range docs {
			tiers[normalize(d.Priority)] = append(tiers[normalize(d.Priority)], d)
		}
		for _, pr := range []domain.Priority{domain.PriorityUrgent, domain.PriorityHigh, domain.PriorityNormal, domain.PriorityLow} {
			if len(tiers[pr]) > 0 {
				groups = append(groups, p.balanced(tiers[pr])...)
			}
		}
	case StrategySizeOptimized:
		groups = p.sizeOptimized(docs)
	default:
		return nil, fmt.Errorf("unknown partition strategy %q", strategy)
	}

	now := p.now()
	out := make([]*domain.BatchManifest, 0, len(groups))
	for i, g := range groups {
		// distinct, ordered ids even within one clock tick
		out = append(out, domain.NewManifest(g, now.Add(time.Duration(i)*time.Millisecond)))
	}
	p.log.Info("partitioned documents",
		zap.String("strategy", string(strategy)),
		zap.Int("documents", len(docs)),
		zap.Int("batches", len(out)),
	)
	return out, nil
}

func normalize(p domain.Priority) domain.Priority {
	if !p.IsValid() {
		return domain.PriorityNormal
	}
	return p
}

// balanced orders by priority tier then size and packs greedily under the
// size ceiling and document cap. A document larger than the ceiling gets a
// batch of its own.
func (p *Planner) balanced(docs []domain.DocumentDescriptor) [][]domain.DocumentDescriptor {
	sorted := make([]domain.DocumentDescriptor, len(docs))
	copy(sorted, docs)
	sort.SliceStable(sorted, func(i, j int) bool {
		pi, pj := normalize(sorted[i].Priority).SortKey(), normalize(sorted[j].Priority).SortKey()
		if pi != pj {
			return pi < pj
		}
		return sorted[i].SizeMB < sorted[j].SizeMB
	})

	var (
		out   [][]domain.DocumentDescriptor
		cur   []domain.DocumentDescriptor
		curMB float64
	)
	flush := func() {
		if len(cur) > 0 {
			out = append(out, cur)
		}
		cur, curMB = nil, 0
	}
	for _, d := range sorted {
		if len(cur) > 0 && (len(cur) >= p.MaxBatchDocs || curMB+d.SizeMB > p.MaxBatchMB) {
			flush()
		}
		cur = append(cur, d)
		curMB += d.SizeMB
		if d.SizeMB > p.MaxBatchMB {
			flush()
		}
	}
	flush()
	return out
}

// sizeOptimized sorts by size alone and cuts fixed-size chunks.
func (p *Planner) sizeOptimized(docs []domain.DocumentDescriptor) [][]domain.DocumentDescriptor {
	sorted := make([]domain.DocumentDescriptor, len(docs))
	copy(sorted, docs)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].SizeMB < sorted[j].SizeMB })

	var out [][]domain.DocumentDescriptor
	for start := 0; start < len(sorted); start += p.SizeChunkDocs {
		end := min(start+p.SizeChunkDocs, len(sorted))
		out = append(out, sorted[start:end])
	}
	return out
}
