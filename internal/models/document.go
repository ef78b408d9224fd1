package models

import "time"

// Document lifecycle states.
const (
	DocumentPending  = "pending"
	DocumentRedacted = "redacted"
)

// Document is an uploaded artifact owned by a caller.
type Document struct {
	ID          string    `json:"id"`
	OwnerID     string    `json:"owner_id"`
	FileName    string    `json:"file_name"`
	ContentType string    `json:"content_type"`
	Size        int64     `json:"size"`
	SourceKey   string    `json:"source_key"`
	RedactedKey *string   `json:"redacted_key,omitempty"`
	PreviewKey  *string   `json:"preview_key,omitempty"`
	Status      string    `json:"status"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}
