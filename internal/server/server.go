// Package server exposes the analysis pipeline over HTTP. All job
// routes are scoped to the authenticated owner; a separate admin
// surface triggers recovery sweeps.
package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/devinsight/analysis-jobs/pkg/core"
	"github.com/devinsight/analysis-jobs/pkg/orchestrate"
	"github.com/devinsight/analysis-jobs/pkg/status"
	"github.com/devinsight/analysis-jobs/pkg/sweeper"
)

// Server wires the orchestrator, status reader and sweeper behind a
// chi router.
type Server struct {
	orch     *orchestrate.Orchestrator
	reader   *status.Reader
	sweeper  *sweeper.Sweeper
	verifier TokenVerifier
	logger   *zap.Logger
	router   chi.Router
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the request logger.
func WithLogger(l *zap.Logger) Option {
	return func(s *Server) { s.logger = l }
}

// New builds the HTTP surface over an orchestrator and its store.
func New(orch *orchestrate.Orchestrator, sw *sweeper.Sweeper, verifier TokenVerifier, opts ...Option) *Server {
	s := &Server{
		orch:     orch,
		reader:   status.NewReader(orch.Store()),
		sweeper:  sw,
		verifier: verifier,
		logger:   zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}

	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(s.logRequests)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealth)

	r.Group(func(r chi.Router) {
		r.Use(s.requireAuth)
		r.Post("/v1/jobs", s.handleSubmit)
		r.Get("/v1/jobs", s.handleList)
		r.Get("/v1/jobs/{jobID}", s.handleGet)

		r.Group(func(r chi.Router) {
			r.Use(s.requireAdmin)
			r.Post("/v1/admin/reclaim", s.handleReclaim)
		})
	})
	s.router = r
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

type submitRequest struct {
	SubjectRef string `json:"subject_ref"`
}

type submitResponse struct {
	JobID string `json:"job_id"`
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	id, _ := identityFrom(r.Context())

	var req submitRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<16)).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	jobID, err := s.orch.Submit(r.Context(), id.OwnerID, req.SubjectRef)
	if err != nil {
		switch {
		case errors.Is(err, core.ErrDuplicateJob):
			s.writeError(w, http.StatusConflict, "a job for this subject is already in progress")
		case errors.Is(err, core.ErrInvalidSubjectRef), errors.Is(err, core.ErrSubjectRefTooLong),
			errors.Is(err, core.ErrInvalidOwnerID), errors.Is(err, core.ErrOwnerIDTooLong):
			s.writeError(w, http.StatusBadRequest, err.Error())
		default:
			s.logger.Error("submit failed", zap.Error(err))
			s.writeError(w, http.StatusInternalServerError, "internal error")
		}
		return
	}

	s.writeJSON(w, http.StatusAccepted, submitResponse{JobID: jobID})
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	id, _ := identityFrom(r.Context())
	jobID := chi.URLParam(r, "jobID")

	view, err := s.reader.GetForOwner(r.Context(), jobID, id.OwnerID)
	if err != nil {
		if errors.Is(err, core.ErrNotFound) {
			s.writeError(w, http.StatusNotFound, "job not found")
			return
		}
		s.logger.Error("get job failed", zap.String("job_id", jobID), zap.Error(err))
		s.writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	s.writeJSON(w, http.StatusOK, view)
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	id, _ := identityFrom(r.Context())

	views, err := s.reader.ListByOwner(r.Context(), id.OwnerID)
	if err != nil {
		s.logger.Error("list jobs failed", zap.String("owner", id.OwnerID), zap.Error(err))
		s.writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if views == nil {
		views = []*status.View{}
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"jobs": views})
}

type reclaimResponse struct {
	Reclaimed int `json:"reclaimed"`
}

func (s *Server) handleReclaim(w http.ResponseWriter, r *http.Request) {
	n, err := s.sweeper.Sweep(r.Context())
	if err != nil {
		s.logger.Error("reclaim sweep failed", zap.Error(err))
		s.writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	s.writeJSON(w, http.StatusOK, reclaimResponse{Reclaimed: n})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type errorResponse struct {
	Error string `json:"error"`
}

func (s *Server) writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Warn("response encode failed", zap.Error(err))
	}
}

func (s *Server) writeError(w http.ResponseWriter, code int, msg string) {
	s.writeJSON(w, code, errorResponse{Error: msg})
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Info("request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("duration", time.Since(start)),
		)
	})
}
