package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"

	"redaction-pipeline/internal/auth"
	"redaction-pipeline/internal/config"
	"redaction-pipeline/internal/models"
	"redaction-pipeline/internal/ratelimit"
	"redaction-pipeline/internal/storage"
	"redaction-pipeline/internal/telemetry"
)

// Store is the read/write surface the handlers need.
type Store interface {
	CreateDocument(ctx context.Context, d models.Document) error
	GetDocument(ctx context.Context, id string) (models.Document, error)
	ListDocuments(ctx context.Context, ownerID string) ([]models.Document, error)
	CreateTemplate(ctx context.Context, t models.RedactionTemplate) error
	UpdateTemplate(ctx context.Context, t models.RedactionTemplate) error
	DeleteTemplate(ctx context.Context, id, ownerID string) error
	GetTemplate(ctx context.Context, id string) (models.RedactionTemplate, error)
	ListTemplates(ctx context.Context, ownerID string) ([]models.RedactionTemplate, error)
	LatestReport(ctx context.Context, documentID string) (models.RedactionReport, error)
	AuditTrail(ctx context.Context, jobID string) ([]models.AuditLog, error)
}

// Jobs submits and tracks redaction jobs.
type Jobs interface {
	Submit(ctx context.Context, caller, documentID, templateID string) (models.Job, error)
	Job(ctx context.Context, caller, jobID string) (models.Job, error)
	Cancel(ctx context.Context, caller, jobID string) (models.Job, error)
	Wait(ctx context.Context, caller, jobID string, timeout time.Duration) (models.Job, error)
}

// DeadLetters lists job ids the workers could not process.
type DeadLetters interface {
	DLQPeek(ctx context.Context, count int64) ([]string, error)
}

// Deps are the collaborators of the API server.
type Deps struct {
	Store    Store
	Blobs    storage.Blobs
	Jobs     Jobs
	DLQ      DeadLetters
	Verifier *auth.Verifier
	Limiter  ratelimit.Limiter
	Logger   *slog.Logger
}

// Server wires HTTP handlers for the redaction API.
type Server struct {
	cfg      config.Config
	store    Store
	blobs    storage.Blobs
	jobs     Jobs
	dlq      DeadLetters
	verifier *auth.Verifier
	limiter  ratelimit.Limiter
	validate *validator.Validate
	logger   *slog.Logger
}

// New constructs the API server.
func New(cfg config.Config, deps Deps) *Server {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if cfg.MaxUploadBytes <= 0 {
		cfg.MaxUploadBytes = 25 << 20
	}
	if cfg.SyncWaitTimeout <= 0 {
		cfg.SyncWaitTimeout = 20 * time.Second
	}
	return &Server{
		cfg:      cfg,
		store:    deps.Store,
		blobs:    deps.Blobs,
		jobs:     deps.Jobs,
		dlq:      deps.DLQ,
		verifier: deps.Verifier,
		limiter:  deps.Limiter,
		validate: validator.New(),
		logger:   deps.Logger,
	}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	r.Mount("/metrics", telemetry.Handler())

	r.Group(func(r chi.Router) {
		r.Use(s.verifier.Middleware)
		limited := ratelimit.Middleware(s.limiter, caller, s.logger)

		r.With(limited).Post("/documents", s.handleUpload)
		r.Get("/documents", s.handleListDocuments)
		r.Get("/documents/{id}", s.handleGetDocument)
		r.Get("/documents/{id}/report", s.handleGetReport)
		r.Get("/documents/{id}/original", s.handleDownloadOriginal)

		r.Get("/templates", s.handleListTemplates)
		r.Post("/templates", s.handleCreateTemplate)
		r.Get("/templates/{id}", s.handleGetTemplate)
		r.Put("/templates/{id}", s.handleUpdateTemplate)
		r.Delete("/templates/{id}", s.handleDeleteTemplate)

		r.With(limited).Post("/redact", s.handleRedact)
		r.Get("/redact/download/{id}", s.handleDownload)
		r.Get("/redact/download/{id}/file", s.handleDownloadFile)

		r.Get("/jobs/{id}", s.handleGetJob)
		r.Post("/jobs/{id}/cancel", s.handleCancel)
		r.Get("/jobs/{id}/audit", s.handleAudit)
		r.Get("/dlq", s.handleDLQ)
	})
	return r
}

// handleDLQ returns the dead-lettered job IDs that belong to the caller.
func (s *Server) handleDLQ(w http.ResponseWriter, r *http.Request) {
	items := []string{}
	if s.dlq == nil {
		writeJSON(w, http.StatusOK, map[string]any{"items": items})
		return
	}
	ids, err := s.dlq.DLQPeek(r.Context(), 100)
	if err != nil {
		s.logger.Error("read dlq failed", "error", err)
		writeMessage(w, http.StatusInternalServerError, "failed to read dlq")
		return
	}
	for _, id := range ids {
		_, err := s.jobs.Job(r.Context(), caller(r), id)
		switch {
		case err == nil:
			items = append(items, id)
		case errors.Is(err, models.ErrForbidden), errors.Is(err, models.ErrNotFound):
		default:
			s.writeError(w, r, err)
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func caller(r *http.Request) string {
	c, _ := auth.Caller(r.Context())
	return c
}

// writeError maps the error taxonomy onto HTTP status codes. Unknown errors
// are logged and reported without detail.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, models.ErrValidation):
		writeMessage(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, models.ErrNotFound):
		writeMessage(w, http.StatusNotFound, err.Error())
	case errors.Is(err, models.ErrForbidden):
		writeMessage(w, http.StatusForbidden, "forbidden")
	case errors.Is(err, models.ErrConflict):
		writeMessage(w, http.StatusConflict, err.Error())
	default:
		s.logger.Error("request failed", "method", r.Method, "path", r.URL.Path,
			"request_id", middleware.GetReqID(r.Context()), "error", err)
		writeMessage(w, http.StatusInternalServerError, "internal error")
	}
}

func (s *Server) decode(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return models.Validationf("invalid json")
	}
	if err := s.validate.Struct(v); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			return models.Validationf("%s is %s", verrs[0].Field(), verrs[0].Tag())
		}
		return models.Validationf("invalid request")
	}
	return nil
}

func writeMessage(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}
