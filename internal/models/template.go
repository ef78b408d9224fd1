package models

import (
	"strings"
	"time"
)

// RedactionCategory names a semantic entity type plus optional detection patterns and exclusion phrases.
type RedactionCategory struct {
	Type     string   `json:"type" validate:"required"`
	Patterns []string `json:"patterns,omitempty"`
	Contexts []string `json:"contexts,omitempty"`
}

// RedactionTemplate is a named, ordered rule set. A template without categories matches nothing.
type RedactionTemplate struct {
	ID          string              `json:"id"`
	OwnerID     string              `json:"owner_id,omitempty"`
	Name        string              `json:"name"`
	Description string              `json:"description"`
	Categories  []RedactionCategory `json:"categories"`
	CreatedAt   time.Time           `json:"created_at"`
}

// Category returns the category for entity type t.
func (t RedactionTemplate) Category(entityType string) (RedactionCategory, bool) {
	for _, c := range t.Categories {
		if equalType(c.Type, entityType) {
			return c, true
		}
	}
	return RedactionCategory{}, false
}

// Types lists category types in template order.
func (t RedactionTemplate) Types() []string {
	out := make([]string, 0, len(t.Categories))
	for _, c := range t.Categories {
		out = append(out, c.Type)
	}
	return out
}

// VisibleTo reports whether caller may use the template. Built-in templates have no owner.
func (t RedactionTemplate) VisibleTo(caller string) bool {
	return t.OwnerID == "" || t.OwnerID == caller
}

// SameType reports whether two entity type names denote the same type.
func SameType(a, b string) bool { return equalType(a, b) }

// equalType compares entity types case-insensitively.
func equalType(a, b string) bool {
	return strings.EqualFold(strings.TrimSpace(a), strings.TrimSpace(b))
}
