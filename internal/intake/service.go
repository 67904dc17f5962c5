package intake

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/you/lexbatch/internal/domain"
	"github.com/you/lexbatch/internal/objectstore"
)

// Uploader is the object storage the service copies documents into.
type Uploader interface {
	Bucket() string
	UploadFile(ctx context.Context, localPath, key string) (objectstore.Object, error)
	Exists(ctx context.Context, bucket, key string) (bool, error)
}

// StageRecorder receives the upload stage transition of each document.
type StageRecorder interface {
	RecordTransition(ctx context.Context, documentID string, stage domain.Stage, signal domain.StatusSignal, metadata map[string]any) error
}

type IngestOptions struct {
	Priority    domain.Priority
	Strategy    Strategy
	KeyPrefix   string
	Concurrency int
}

type Service struct {
	planner  *Planner
	uploader Uploader
	status   StageRecorder
	log      *zap.Logger
}

func NewService(planner *Planner, uploader Uploader, status StageRecorder, log *zap.Logger) *Service {
	return &Service{planner: planner, uploader: uploader, status: status, log: log}
}

// Ingest discovers documents under paths, uploads the unique ones and
// partitions them into pending batches. A document that fails to upload is
// dropped; the rest continue.
func (s *Service) Ingest(ctx context.Context, paths []string, opts IngestOptions) ([]*domain.BatchManifest, error) {
	docs, err := s.planner.Discover(ctx, paths, DiscoverOptions{Priority: opts.Priority, Concurrency: opts.Concurrency})
	if err != nil {
		return nil, err
	}
	docs = s.planner.Dedup(docs)

	prefix := opts.KeyPrefix
	if prefix == "" {
		prefix = "intake"
	}
	uploaded := make([]domain.DocumentDescriptor, 0, len(docs))
	for _, d := range docs {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		up, err := s.upload(ctx, d, prefix)
		if err != nil {
			s.log.Warn("dropping document after upload failure",
				zap.String("document_id", d.ID),
				zap.String("path", d.Path),
				zap.Error(err),
			)
			continue
		}
		uploaded = append(uploaded, up)
	}

	return s.planner.Partition(uploaded, opts.Strategy)
}

func (s *Service) upload(ctx context.Context, d domain.DocumentDescriptor, prefix string) (domain.DocumentDescriptor, error) {
	bucket := s.uploader.Bucket()
	key := objectstore.KeyFor(prefix, d.ID, d.Filename)

	exists, err := s.uploader.Exists(ctx, bucket, key)
	if err != nil {
		return d, err
	}
	if !exists {
		obj, err := s.uploader.UploadFile(ctx, d.Path, key)
		if err != nil {
			return d, err
		}
		if obj.Hash != "" && d.ContentHash != "" && obj.Hash != d.ContentHash {
			return d, fmt.Errorf("content changed during upload")
		}
	}
	d.Bucket, d.Key = bucket, key

	if err := s.status.RecordTransition(ctx, d.ID, domain.StageUpload, domain.SignalCompleted, map[string]any{
		"bucket": bucket,
		"key":    key,
	}); err != nil {
		return d, fmt.Errorf("record upload: %w", err)
	}
	return d, nil
}
