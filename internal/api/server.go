// Package api exposes batch submission, progress, recovery and metrics over HTTP.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/you/lexbatch/internal/batch"
	"github.com/you/lexbatch/internal/domain"
	"github.com/you/lexbatch/internal/metrics"
	"github.com/you/lexbatch/internal/recovery"
	"github.com/you/lexbatch/internal/status"
	"github.com/you/lexbatch/internal/storage"
)

type Batches interface {
	SubmitBatch(ctx context.Context, docs []domain.DocumentDescriptor, priority domain.Priority, opts batch.SubmitOptions) (*batch.SubmitResult, error)
	Cancel(ctx context.Context, batchID string) error
}

type Progress interface {
	GetBatchProgress(ctx context.Context, batchID string) (*status.BatchProgress, error)
	GetStatus(ctx context.Context, documentID string) (*domain.DocumentStatusRecord, error)
}

type Recovery interface {
	RecoverBatch(ctx context.Context, batchID string, opts domain.RecoveryOptions) (*domain.RecoveryResult, error)
	Analyze(ctx context.Context, batchID string) (*recovery.Analysis, error)
}

type Metrics interface {
	GetBatchMetrics(ctx context.Context, window time.Duration) (*metrics.BatchMetrics, error)
	GetErrorSummary(ctx context.Context, hours int) (*metrics.ErrorSummary, error)
}

// Documents is optional; when set, document responses carry derived counts.
type Documents interface {
	CountsFor(ctx context.Context, docID string) (storage.Counts, error)
}

type Server struct {
	batches   Batches
	progress  Progress
	recovery  Recovery
	metrics   Metrics
	documents Documents
	log       *zap.Logger
}

func NewServer(b Batches, p Progress, rec Recovery, m Metrics, docs Documents, log *zap.Logger) *Server {
	return &Server{batches: b, progress: p, recovery: rec, metrics: m, documents: docs, log: log}
}

// Routes builds the router.
func (s *Server) Routes() http.Handler {
	rtr := chi.NewRouter()
	rtr.Use(middleware.RequestID)
	rtr.Use(middleware.RealIP)
	rtr.Use(requestLogger(s.log))
	rtr.Use(middleware.Recoverer)

	rtr.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusNoContent) })

	rtr.Route("/v1", func(v1 chi.Router) {
		v1.Post("/batches", s.submitBatch)
		v1.Get("/batches/{id}", s.getBatch)
		v1.Delete("/batches/{id}", s.cancelBatch)
		v1.Post("/batches/{id}/recover", s.recoverBatch)
		v1.Get("/batches/{id}/analysis", s.analyzeBatch)
		v1.Get("/documents/{id}", s.getDocument)
		v1.Get("/metrics", s.getMetrics)
		v1.Get("/metrics/errors", s.getErrorSummary)
	})
	return rtr
}

func requestLogger(log *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)
			log.Info("http request",
				zap.String("request_id", middleware.GetReqID(r.Context())),
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Duration("duration", time.Since(start)),
			)
		})
	}
}
