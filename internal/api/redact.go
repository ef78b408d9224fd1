package api

import (
	"fmt"
	"net/http"
	"strings"

	"redaction-pipeline/internal/models"
)

type redactRequest struct {
	DocumentID string `json:"documentId" validate:"required"`
	TemplateID string `json:"templateId" validate:"required"`
	Wait       bool   `json:"wait"`
}

type jobResponse struct {
	JobID      string  `json:"jobId"`
	Status     string  `json:"status"`
	Progress   int     `json:"progress"`
	DocumentID string  `json:"documentId"`
	Stage      string  `json:"stage,omitempty"`
	Error      *string `json:"error"`
}

func toJobResponse(j models.Job) jobResponse {
	return jobResponse{
		JobID:      j.ID,
		Status:     j.Status,
		Progress:   j.Progress,
		DocumentID: j.DocumentID,
		Stage:      j.Stage,
		Error:      j.Error,
	}
}

type redactedDocument struct {
	ID            string                   `json:"id"`
	RedactedURL   string                   `json:"redactedUrl"`
	RedactedCount int                      `json:"redactedCount"`
	Confidence    float64                  `json:"confidence"`
	Degraded      bool                     `json:"degraded"`
	Results       []models.RedactionEntity `json:"results"`
}

func (s *Server) handleRedact(w http.ResponseWriter, r *http.Request) {
	var req redactRequest
	if err := s.decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	job, err := s.jobs.Submit(r.Context(), caller(r), req.DocumentID, req.TemplateID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if !req.Wait {
		writeJSON(w, http.StatusAccepted, toJobResponse(job))
		return
	}

	job, err = s.jobs.Wait(r.Context(), caller(r), job.ID, s.cfg.SyncWaitTimeout)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	switch job.Status {
	case models.StatusSucceeded:
	case models.StatusFailed:
		writeJSON(w, http.StatusUnprocessableEntity, toJobResponse(job))
		return
	case models.StatusCancelled:
		writeJSON(w, http.StatusConflict, toJobResponse(job))
		return
	default:
		writeJSON(w, http.StatusAccepted, toJobResponse(job))
		return
	}

	doc, err := s.store.GetDocument(r.Context(), job.DocumentID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	rep, err := s.store.LatestReport(r.Context(), doc.ID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	link, err := s.downloadURL(r, doc)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"jobId": job.ID,
		"document": redactedDocument{
			ID:            doc.ID,
			RedactedURL:   link,
			RedactedCount: rep.TotalEntities,
			Confidence:    rep.Confidence,
			Degraded:      rep.Degraded,
			Results:       rep.EntityList,
		},
	})
}

func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request) {
	doc, err := s.ownedDocument(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if doc.Status != models.DocumentRedacted || doc.RedactedKey == nil {
		writeMessage(w, http.StatusBadRequest, "document has not been redacted")
		return
	}
	link, err := s.downloadURL(r, doc)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"url":      link,
		"fileName": redactedFileName(doc),
	})
}

func (s *Server) handleDownloadFile(w http.ResponseWriter, r *http.Request) {
	doc, err := s.ownedDocument(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if doc.Status != models.DocumentRedacted || doc.RedactedKey == nil {
		writeMessage(w, http.StatusBadRequest, "document has not been redacted")
		return
	}
	data, err := s.blobs.Get(r.Context(), *doc.RedactedKey)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	contentType := "image/png"
	if strings.HasSuffix(*doc.RedactedKey, ".zip") {
		contentType = "application/zip"
	}
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", redactedFileName(doc)))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

// downloadURL prefers a presigned link and falls back to the streaming route.
func (s *Server) downloadURL(r *http.Request, doc models.Document) (string, error) {
	if doc.RedactedKey == nil {
		return "", nil
	}
	link, err := s.blobs.URL(r.Context(), *doc.RedactedKey, redactedFileName(doc))
	if err != nil {
		return "", err
	}
	if link == "" {
		link = "/redact/download/" + doc.ID + "/file"
	}
	return link, nil
}

func redactedFileName(doc models.Document) string {
	base := strings.TrimSuffix(doc.FileName, pathExt(doc.FileName))
	if base == "" {
		base = doc.ID
	}
	ext := ".png"
	if doc.RedactedKey != nil && strings.HasSuffix(*doc.RedactedKey, ".zip") {
		ext = ".zip"
	}
	return "redacted-" + base + ext
}

func pathExt(name string) string {
	if i := strings.LastIndexByte(name, '.'); i > 0 {
		return name[i:]
	}
	return ""
}
