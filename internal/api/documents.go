package api

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"path/filepath"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"redaction-pipeline/internal/document"
	"redaction-pipeline/internal/models"
	"redaction-pipeline/internal/storage"
)

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxUploadBytes+1<<20)
	if err := r.ParseMultipartForm(8 << 20); err != nil {
		var tooBig *http.MaxBytesError
		if errors.As(err, &tooBig) {
			writeMessage(w, http.StatusRequestEntityTooLarge, "file too large")
			return
		}
		writeMessage(w, http.StatusBadRequest, "expected multipart form with a file field")
		return
	}
	defer func() { _ = r.MultipartForm.RemoveAll() }()

	file, header, err := r.FormFile("file")
	if err != nil {
		writeMessage(w, http.StatusBadRequest, "file is required")
		return
	}
	defer file.Close()

	data, err := io.ReadAll(io.LimitReader(file, s.cfg.MaxUploadBytes+1))
	if err != nil {
		s.writeError(w, r, fmt.Errorf("read upload: %w", err))
		return
	}
	if int64(len(data)) > s.cfg.MaxUploadBytes {
		writeMessage(w, http.StatusRequestEntityTooLarge, "file too large")
		return
	}
	if len(data) == 0 {
		writeMessage(w, http.StatusBadRequest, "file is empty")
		return
	}
	contentType, ok := document.Sniff(data)
	if !ok {
		writeMessage(w, http.StatusBadRequest, document.ErrUnsupported.Error())
		return
	}
	if err := document.Inspect(data); err != nil {
		writeMessage(w, http.StatusBadRequest, err.Error())
		return
	}

	now := time.Now().UTC()
	id := uuid.New().String()
	doc := models.Document{
		ID:          id,
		OwnerID:     caller(r),
		FileName:    filepath.Base(header.Filename),
		ContentType: contentType,
		Size:        int64(len(data)),
		SourceKey:   storage.SourceKey(id, document.Extension(contentType)),
		Status:      models.DocumentPending,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := s.blobs.Put(r.Context(), doc.SourceKey, data, contentType); err != nil {
		s.writeError(w, r, fmt.Errorf("store upload: %w", err))
		return
	}
	if err := s.store.CreateDocument(r.Context(), doc); err != nil {
		_ = s.blobs.Delete(r.Context(), doc.SourceKey)
		s.writeError(w, r, err)
		return
	}
	s.logger.Info("document uploaded", "document_id", doc.ID, "content_type", contentType, "size", doc.Size)
	writeJSON(w, http.StatusCreated, doc)
}

func (s *Server) handleListDocuments(w http.ResponseWriter, r *http.Request) {
	docs, err := s.store.ListDocuments(r.Context(), caller(r))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"documents": docs})
}

func (s *Server) handleGetDocument(w http.ResponseWriter, r *http.Request) {
	doc, err := s.ownedDocument(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, doc)
}

func (s *Server) handleGetReport(w http.ResponseWriter, r *http.Request) {
	doc, err := s.ownedDocument(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	rep, err := s.store.LatestReport(r.Context(), doc.ID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rep)
}

// handleDownloadOriginal streams the uploaded artifact back to its owner.
func (s *Server) handleDownloadOriginal(w http.ResponseWriter, r *http.Request) {
	doc, err := s.ownedDocument(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	data, err := s.blobs.Get(r.Context(), doc.SourceKey)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", doc.ContentType)
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", doc.FileName))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

// ownedDocument loads the {id} document and checks the caller owns it.
func (s *Server) ownedDocument(r *http.Request) (models.Document, error) {
	doc, err := s.store.GetDocument(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		return models.Document{}, err
	}
	if doc.OwnerID != caller(r) {
		return models.Document{}, models.ErrForbidden
	}
	return doc, nil
}
