package api

import (
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"redaction-pipeline/internal/models"
	"redaction-pipeline/internal/rules"
)

type createTemplateRequest struct {
	Name        string                     `json:"name" validate:"required"`
	Description string                     `json:"description"`
	Categories  []models.RedactionCategory `json:"categories" validate:"dive"`
}

func (s *Server) handleListTemplates(w http.ResponseWriter, r *http.Request) {
	tmpls, err := s.store.ListTemplates(r.Context(), caller(r))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"templates": tmpls})
}

func (s *Server) handleGetTemplate(w http.ResponseWriter, r *http.Request) {
	tmpl, err := s.store.GetTemplate(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if !tmpl.VisibleTo(caller(r)) {
		writeMessage(w, http.StatusNotFound, "template not found")
		return
	}
	writeJSON(w, http.StatusOK, tmpl)
}

func (s *Server) handleCreateTemplate(w http.ResponseWriter, r *http.Request) {
	var req createTemplateRequest
	if err := s.decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	tmpl := models.RedactionTemplate{
		ID:          uuid.New().String(),
		OwnerID:     caller(r),
		Name:        req.Name,
		Description: req.Description,
		Categories:  req.Categories,
		CreatedAt:   time.Now().UTC(),
	}
	if tmpl.Categories == nil {
		tmpl.Categories = []models.RedactionCategory{}
	}
	if err := rules.ValidateTemplate(tmpl); err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.store.CreateTemplate(r.Context(), tmpl); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, tmpl)
}

// editableTemplate loads a template the caller may change. Built-in templates are read-only.
func (s *Server) editableTemplate(r *http.Request) (models.RedactionTemplate, error) {
	tmpl, err := s.store.GetTemplate(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		return models.RedactionTemplate{}, err
	}
	if !tmpl.VisibleTo(caller(r)) {
		return models.RedactionTemplate{}, fmt.Errorf("template %s: %w", tmpl.ID, models.ErrNotFound)
	}
	if tmpl.OwnerID == "" {
		return models.RedactionTemplate{}, fmt.Errorf("built-in template %s: %w", tmpl.ID, models.ErrForbidden)
	}
	return tmpl, nil
}

func (s *Server) handleUpdateTemplate(w http.ResponseWriter, r *http.Request) {
	tmpl, err := s.editableTemplate(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var req createTemplateRequest
	if err := s.decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	tmpl.Name, tmpl.Description, tmpl.Categories = req.Name, req.Description, req.Categories
	if tmpl.Categories == nil {
		tmpl.Categories = []models.RedactionCategory{}
	}
	if err := rules.ValidateTemplate(tmpl); err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.store.UpdateTemplate(r.Context(), tmpl); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, tmpl)
}

func (s *Server) handleDeleteTemplate(w http.ResponseWriter, r *http.Request) {
	tmpl, err := s.editableTemplate(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.store.DeleteTemplate(r.Context(), tmpl.ID, tmpl.OwnerID); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
