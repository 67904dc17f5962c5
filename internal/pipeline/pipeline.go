// Package pipeline runs the per-document processing stages: text
// extraction, chunking, entity extraction, entity resolution and
// relationship building.
package pipeline

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/you/lexbatch/internal/domain"
	"github.com/you/lexbatch/internal/llm"
	"github.com/you/lexbatch/internal/ocr"
	"github.com/you/lexbatch/internal/status"
	"github.com/you/lexbatch/internal/storage"
)

// Document status values in the record store.
const (
	DocStatusProcessing = "processing"
	DocStatusCompleted  = "completed"
	DocStatusFailed     = "failed"
)

type Documents interface {
	GetDocument(ctx context.Context, id string) (*storage.Document, error)
	UpdateDocumentStatus(ctx context.Context, id, status string, errMsg *string) error
	SaveOCRText(ctx context.Context, id, text string, confidence float64) error
	ReplaceChunks(ctx context.Context, docID string, chunks []storage.Chunk) error
	ListChunks(ctx context.Context, docID string) ([]storage.Chunk, error)
	ReplaceMentions(ctx context.Context, docID string, mentions []storage.Mention) error
	ListMentions(ctx context.Context, docID string) ([]storage.Mention, error)
	ReplaceEntities(ctx context.Context, docID string, entities []storage.Entity) error
	ListEntities(ctx context.Context, docID string) ([]storage.Entity, error)
	ReplaceRelationships(ctx context.Context, docID string, rels []storage.Relationship) error
}

type OCR interface {
	Extract(ctx context.Context, bucket, key string) (ocr.Result, error)
}

type EntityExtractor interface {
	ExtractEntities(ctx context.Context, text string) ([]llm.Mention, error)
}

type Tracker interface {
	RecordTransition(ctx context.Context, documentID string, stage domain.Stage, signal domain.StatusSignal, metadata map[string]any) error
	RecordFailure(ctx context.Context, documentID string, stage domain.Stage, metadata map[string]any) (*domain.DocumentStatusRecord, error)
}

type StageMetrics interface {
	RecordDocumentStageMetric(ctx context.Context, documentID, batchID string, stage domain.Stage, duration time.Duration, success bool) error
}

// Failures receives one record per stage failure.
type Failures interface {
	RecordFailure(ctx context.Context, rec domain.ErrorRecord) error
}

type Options struct {
	ChunkSize          int
	ChunkOverlap       int
	ExtractConcurrency int
}

type Pipeline struct {
	docs     Documents
	ocr      OCR
	entities EntityExtractor
	tracker  Tracker
	metrics  StageMetrics
	failures Failures
	opts     Options
	log      *zap.Logger
	now      func() time.Time
}

func New(docs Documents, o OCR, entities EntityExtractor, tracker Tracker, metrics StageMetrics, failures Failures, opts Options, log *zap.Logger) *Pipeline {
	if opts.ChunkSize <= 0 {
		opts.ChunkSize = DefaultChunkSize
	}
	if opts.ChunkOverlap <= 0 {
		opts.ChunkOverlap = DefaultChunkOverlap
	}
	if opts.ExtractConcurrency <= 0 {
		opts.ExtractConcurrency = 4
	}
	return &Pipeline{
		docs:     docs,
		ocr:      o,
		entities: entities,
		tracker:  tracker,
		metrics:  metrics,
		failures: failures,
		opts:     opts,
		log:      log,
		now:      time.Now,
	}
}

// Run executes the stage task t names for its document and reports the
// transition, the stage metric and, on failure, an error record.
func (p *Pipeline) Run(ctx context.Context, t *domain.Task) error {
	stage := domain.StageForTask(t.Name)
	if stage == "" {
		return fmt.Errorf("unknown stage task %q", t.Name)
	}
	batchID := t.OwnerBatchID()
	log := p.log.With(
		zap.String("task_id", t.ID),
		zap.String("document_id", t.DocumentID),
		zap.String("batch_id", batchID),
		zap.String("stage", string(stage)),
	)

	meta := map[string]any{status.MetaBatchID: batchID, "task_id": t.ID}
	if err := p.tracker.RecordTransition(ctx, t.DocumentID, stage, domain.SignalInProgress, meta); err != nil {
		log.Warn("record in_progress", zap.Error(err))
	}

	start := p.now()
	err := p.runStage(ctx, stage, t.DocumentID)
	elapsed := p.now().Sub(start)

	if mErr := p.metrics.RecordDocumentStageMetric(ctx, t.DocumentID, batchID, stage, elapsed, err == nil); mErr != nil {
		log.Warn("stage metric", zap.Error(mErr))
	}
	if err != nil {
		p.fail(ctx, log, t, batchID, stage, err)
		return err
	}

	if err := p.tracker.RecordTransition(ctx, t.DocumentID, stage, domain.SignalCompleted, map[string]any{status.MetaBatchID: batchID}); err != nil {
		return fmt.Errorf("record completed: %w", err)
	}
	if stage == domain.TerminalStage {
		if err := p.docs.UpdateDocumentStatus(ctx, t.DocumentID, DocStatusCompleted, nil); err != nil {
			return err
		}
	}
	log.Info("stage completed", zap.Duration("duration", elapsed))
	return nil
}

func (p *Pipeline) fail(ctx context.Context, log *zap.Logger, t *domain.Task, batchID string, stage domain.Stage, cause error) {
	msg := domain.TruncateMessage(cause.Error())
	typ := ErrorType(cause)
	log.Error("stage failed", zap.String("error_type", typ), zap.Error(cause))

	rec, err := p.tracker.RecordFailure(ctx, t.DocumentID, stage, map[string]any{
		status.MetaBatchID:   batchID,
		status.MetaError:     msg,
		status.MetaErrorType: typ,
	})
	if err != nil {
		log.Warn("record failure", zap.Error(err))
	}
	retries := 0
	if rec != nil {
		retries = rec.RetryCount
	}
	if err := p.failures.RecordFailure(ctx, domain.ErrorRecord{
		DocumentID:  t.DocumentID,
		BatchID:     batchID,
		ErrorType:   typ,
		Message:     msg,
		Stage:       stage,
		RetryCount:  retries,
		LastAttempt: p.now().UTC(),
	}); err != nil {
		log.Warn("error record", zap.Error(err))
	}
	if err := p.docs.UpdateDocumentStatus(ctx, t.DocumentID, DocStatusFailed, &msg); err != nil {
		log.Warn("mark document failed", zap.Error(err))
	}
}

func (p *Pipeline) runStage(ctx context.Context, stage domain.Stage, docID string) error {
	switch stage {
	case domain.StageOCR:
		return p.extractText(ctx, docID)
	case domain.StageChunking:
		return p.chunk(ctx, docID)
	case domain.StageEntityExtraction:
		return p.extractEntities(ctx, docID)
	case domain.StageEntityResolution:
		return p.resolveEntities(ctx, docID)
	case domain.StageRelationships:
		return p.buildRelationships(ctx, docID)
	}
	return fmt.Errorf("no handler for stage %s", stage)
}

func (p *Pipeline) extractText(ctx context.Context, docID string) error {
	doc, err := p.docs.GetDocument(ctx, docID)
	if err != nil {
		return err
	}
	if err := p.docs.UpdateDocumentStatus(ctx, docID, DocStatusProcessing, nil); err != nil {
		return err
	}

	var (
		text string
		conf float64
	)
	switch {
	case strings.HasPrefix(doc.Location, "s3://"):
		bucket, key, ok := strings.Cut(strings.TrimPrefix(doc.Location, "s3://"), "/")
		if !ok || key == "" {
			return fmt.Errorf("%w: bad object location %q", errUnsupported, doc.Location)
		}
		res, err := p.ocr.Extract(ctx, bucket, key)
		if err != nil {
			return err
		}
		text, conf = res.Text, res.Confidence
	case strings.HasPrefix(doc.MimeType, "text/"):
		b, err := os.ReadFile(doc.Location)
		if err != nil {
			return fmt.Errorf("read %s: %w", doc.Location, err)
		}
		text, conf = string(b), 1.0
	default:
		return fmt.Errorf("%w: %s stored at %s", errUnsupported, doc.MimeType, doc.Location)
	}

	if strings.TrimSpace(text) == "" {
		return errEmptyText
	}
	return p.docs.SaveOCRText(ctx, docID, text, conf)
}

func (p *Pipeline) chunk(ctx context.Context, docID string) error {
	doc, err := p.docs.GetDocument(ctx, docID)
	if err != nil {
		return err
	}
	if doc.OCRText == nil || strings.TrimSpace(*doc.OCRText) == "" {
		return errEmptyText
	}
	return p.docs.ReplaceChunks(ctx, docID, SplitText(*doc.OCRText, p.opts.ChunkSize, p.opts.ChunkOverlap))
}

func (p *Pipeline) extractEntities(ctx context.Context, docID string) error {
	chunks, err := p.docs.ListChunks(ctx, docID)
	if err != nil {
		return err
	}
	found := make([][]storage.Mention, len(chunks))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.opts.ExtractConcurrency)
	for i, c := range chunks {
		g.Go(func() error {
			ms, err := p.entities.ExtractEntities(gctx, c.Text)
			if err != nil {
				return fmt.Errorf("chunk %d: %w", c.Index, err)
			}
			for _, m := range ms {
				found[i] = append(found[i], storage.Mention{ChunkID: c.ID, Text: m.Text, Type: m.Type, Confidence: m.Confidence})
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	var all []storage.Mention
	for _, ms := range found {
		all = append(all, ms...)
	}
	return p.docs.ReplaceMentions(ctx, docID, all)
}

func (p *Pipeline) resolveEntities(ctx context.Context, docID string) error {
	mentions, err := p.docs.ListMentions(ctx, docID)
	if err != nil {
		return err
	}
	return p.docs.ReplaceEntities(ctx, docID, ResolveEntities(mentions))
}

func (p *Pipeline) buildRelationships(ctx context.Context, docID string) error {
	mentions, err := p.docs.ListMentions(ctx, docID)
	if err != nil {
		return err
	}
	entities, err := p.docs.ListEntities(ctx, docID)
	if err != nil {
		return err
	}
	return p.docs.ReplaceRelationships(ctx, docID, BuildRelationships(mentions, entities))
}
