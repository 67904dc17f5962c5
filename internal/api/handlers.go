package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/you/lexbatch/internal/batch"
	"github.com/you/lexbatch/internal/domain"
	"github.com/you/lexbatch/internal/storage"
)

type submitRequest struct {
	Documents  []domain.DocumentDescriptor `json:"documents"`
	Priority   domain.Priority             `json:"priority,omitempty"`
	ProjectRef string                      `json:"project_ref,omitempty"`
}

func (s *Server) submitBatch(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, r, http.StatusBadRequest, "invalid request body")
		return
	}
	if len(req.Documents) == 0 {
		s.respondError(w, r, http.StatusBadRequest, "documents are required")
		return
	}
	if req.Priority != "" && !req.Priority.IsValid() {
		s.respondError(w, r, http.StatusBadRequest, fmt.Sprintf("unknown priority %q", req.Priority))
		return
	}
	res, err := s.batches.SubmitBatch(r.Context(), req.Documents, req.Priority, batch.SubmitOptions{ProjectRef: req.ProjectRef})
	if err != nil {
		s.fail(w, r, "submit batch", err)
		return
	}
	s.respondJSON(w, http.StatusAccepted, res)
}

func (s *Server) getBatch(w http.ResponseWriter, r *http.Request) {
	p, err := s.progress.GetBatchProgress(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, r, "get batch", err)
		return
	}
	s.respondJSON(w, http.StatusOK, p)
}

func (s *Server) cancelBatch(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.batches.Cancel(r.Context(), id); err != nil {
		s.fail(w, r, "cancel batch", err)
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]string{"batch_id": id, "status": string(domain.BatchCancelled)})
}

func (s *Server) recoverBatch(w http.ResponseWriter, r *http.Request) {
	var opts domain.RecoveryOptions
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&opts); err != nil {
			s.respondError(w, r, http.StatusBadRequest, "invalid request body")
			return
		}
	}
	res, err := s.recovery.RecoverBatch(r.Context(), chi.URLParam(r, "id"), opts)
	if err != nil {
		s.fail(w, r, "recover batch", err)
		return
	}
	code := http.StatusAccepted
	if res.Completed || res.RecoveryBatchID == "" {
		code = http.StatusOK
	}
	s.respondJSON(w, code, res)
}

func (s *Server) analyzeBatch(w http.ResponseWriter, r *http.Request) {
	a, err := s.recovery.Analyze(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, r, "analyze batch", err)
		return
	}
	s.respondJSON(w, http.StatusOK, a)
}

type documentResponse struct {
	*domain.DocumentStatusRecord
	Counts *storage.Counts `json:"counts,omitempty"`
}

func (s *Server) getDocument(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	rec, err := s.progress.GetStatus(r.Context(), id)
	if err != nil {
		s.fail(w, r, "get document", err)
		return
	}
	resp := documentResponse{DocumentStatusRecord: rec}
	if s.documents != nil {
		c, err := s.documents.CountsFor(r.Context(), id)
		if err != nil {
			s.log.Warn("document counts", zap.String("document_id", id), zap.Error(err))
		} else {
			resp.Counts = &c
		}
	}
	s.respondJSON(w, http.StatusOK, resp)
}

func (s *Server) getMetrics(w http.ResponseWriter, r *http.Request) {
	window := time.Hour
	if raw := r.URL.Query().Get("window"); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil || d <= 0 {
			s.respondError(w, r, http.StatusBadRequest, "window must be a positive duration such as 1h")
			return
		}
		window = d
	}
	m, err := s.metrics.GetBatchMetrics(r.Context(), window)
	if err != nil {
		s.fail(w, r, "batch metrics", err)
		return
	}
	s.respondJSON(w, http.StatusOK, m)
}

func (s *Server) getErrorSummary(w http.ResponseWriter, r *http.Request) {
	hours := 24
	if raw := r.URL.Query().Get("hours"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			s.respondError(w, r, http.StatusBadRequest, "hours must be a positive integer")
			return
		}
		hours = n
	}
	sum, err := s.metrics.GetErrorSummary(r.Context(), hours)
	if err != nil {
		s.fail(w, r, "error summary", err)
		return
	}
	s.respondJSON(w, http.StatusOK, sum)
}

// statusFor maps engine errors onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrInvalidDescriptor):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrConflict), errors.Is(err, domain.ErrRecoveryInProgress):
		return http.StatusConflict
	}
	return http.StatusInternalServerError
}

func (s *Server) fail(w http.ResponseWriter, r *http.Request, op string, err error) {
	code := statusFor(err)
	if code == http.StatusInternalServerError {
		s.log.Error(op, zap.String("request_id", middleware.GetReqID(r.Context())), zap.Error(err))
		s.respondError(w, r, code, op+" failed")
		return
	}
	s.respondError(w, r, code, err.Error())
}

func (s *Server) respondJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Warn("encode response", zap.Error(err))
	}
}

func (s *Server) respondError(w http.ResponseWriter, r *http.Request, code int, msg string) {
	s.respondJSON(w, code, map[string]string{
		"error":      msg,
		"request_id": middleware.GetReqID(r.Context()),
	})
}
