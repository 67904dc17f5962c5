package intake

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/gabriel-vasile/mimetype"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/you/lexbatch/internal/domain"
)

const bytesPerMB = 1024 * 1024

type DiscoverOptions struct {
	Priority    domain.Priority
	Concurrency int
}

// Discover walks paths (files or directories) and describes every regular
// file found. Files that cannot be read or hashed are logged and skipped.
func (p *Planner) Discover(ctx context.Context, paths []string, opts DiscoverOptions) ([]domain.DocumentDescriptor, error) {
	var files []string
	for _, root := range paths {
		err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				p.log.Warn("skipping unreadable path", zap.String("path", path), zap.Error(err))
				if d != nil && d.IsDir() {
					return filepath.SkipDir
				}
				return nil
			}
			if d.IsDir() {
				if path != root && strings.HasPrefix(d.Name(), ".") {
					return filepath.SkipDir
				}
				return nil
			}
			if strings.HasPrefix(d.Name(), ".") || !d.Type().IsRegular() {
				return nil
			}
			files = append(files, path)
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("walk %s: %w", root, err)
		}
	}
	sort.Strings(files)

	prio := opts.Priority
	if !prio.IsValid() {
		prio = domain.PriorityNormal
	}
	limit := opts.Concurrency
	if limit <= 0 {
		limit = 8
	}

	out := make([]*domain.DocumentDescriptor, len(files))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(limit)
	for i, path := range files {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			d, err := describe(path, prio)
			if err != nil {
				p.log.Warn("dropping document", zap.String("path", path), zap.Error(err))
				return nil
			}
			out[i] = d
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	docs := make([]domain.DocumentDescriptor, 0, len(files))
	for _, d := range out {
		if d != nil {
			docs = append(docs, *d)
		}
	}
	return docs, nil
}

func describe(path string, prio domain.Priority) (*domain.DocumentDescriptor, error) {
	fi, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("stat: %w", err)
	}
	if fi.Size() == 0 {
		return nil, fmt.Errorf("empty file")
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open: %w", err)
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return nil, fmt.Errorf("hash: %w", err)
	}
	mt, err := mimetype.DetectFile(path)
	if err != nil {
		return nil, fmt.Errorf("detect type: %w", err)
	}

	sizeMB := float64(fi.Size()) / bytesPerMB
	return &domain.DocumentDescriptor{
		ID:          uuid.NewString(),
		Filename:    filepath.Base(path),
		Path:        path,
		SizeMB:      sizeMB,
		ContentHash: hex.EncodeToString(h.Sum(nil)),
		MimeType:    mt.String(),
		Priority:    prio,
		Complexity:  ClassifyComplexity(mt.String(), sizeMB),
	}, nil
}

// ClassifyComplexity guesses the processing effort of a document from its
// type and size. Scanned images always need full OCR.
func ClassifyComplexity(mime string, sizeMB float64) domain.Complexity {
	switch {
	case strings.HasPrefix(mime, "text/"):
		return domain.ComplexitySimple
	case strings.HasPrefix(mime, "image/"):
		if sizeMB > 10 {
			return domain.ComplexityComplex
		}
		return domain.ComplexityStandard
	case strings.HasPrefix(mime, "application/pdf"):
		switch {
		case sizeMB < 1:
			return domain.ComplexitySimple
		case sizeMB < 10:
			return domain.ComplexityStandard
		default:
			return domain.ComplexityComplex
		}
	}
	return domain.ComplexityStandard
}
