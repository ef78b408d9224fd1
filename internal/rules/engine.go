// Package rules decides which candidate entities a template accepts.
package rules

import (
	"regexp"
	"strings"

	"github.com/go-playground/validator/v10"

	"redaction-pipeline/internal/models"
)

// Filter returns the candidates accepted by tmpl, in input order.
// A candidate is accepted when its type names a template category and none of
// that category's exclusion phrases occur in the text around the match.
// A template without categories accepts nothing.
func Filter(candidates []models.RedactionEntity, tmpl models.RedactionTemplate) []models.RedactionEntity {
	accepted := make([]models.RedactionEntity, 0, len(candidates))
	if len(tmpl.Categories) == 0 {
		return accepted
	}
	for _, c := range candidates {
		cat, ok := tmpl.Category(c.Type)
		if !ok {
			continue
		}
		if Excluded(c, cat) {
			continue
		}
		accepted = append(accepted, c)
	}
	return accepted
}

// Excluded reports whether an exclusion phrase of cat appears around the match.
// The match itself is masked so a phrase contained in the entity text does not count.
func Excluded(e models.RedactionEntity, cat models.RedactionCategory) bool {
	if len(cat.Contexts) == 0 || e.Context == "" {
		return false
	}
	window := strings.ToLower(e.Context)
	if e.Text != "" {
		match := strings.ToLower(e.Text)
		if i := strings.Index(window, match); i >= 0 {
			window = window[:i] + "\x00" + window[i+len(match):]
		}
	}
	for _, phrase := range cat.Contexts {
		p := strings.ToLower(strings.TrimSpace(phrase))
		if p != "" && strings.Contains(window, p) {
			return true
		}
	}
	return false
}

var validate = validator.New()

// ValidateTemplate checks a template before it is stored or used.
func ValidateTemplate(tmpl models.RedactionTemplate) error {
	if strings.TrimSpace(tmpl.Name) == "" {
		return models.Validationf("template name is required")
	}
	seen := make(map[string]bool, len(tmpl.Categories))
	for i, cat := range tmpl.Categories {
		if err := validate.Struct(cat); err != nil {
			return models.Validationf("category %d: type is required", i)
		}
		key := strings.ToUpper(strings.TrimSpace(cat.Type))
		if seen[key] {
			return models.Validationf("duplicate category %s", cat.Type)
		}
		seen[key] = true
		for _, p := range cat.Patterns {
			if _, err := regexp.Compile(p); err != nil {
				return models.Validationf("category %s: invalid pattern %q: %v", cat.Type, p, err)
			}
		}
	}
	return nil
}
