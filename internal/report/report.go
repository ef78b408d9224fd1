// Package report aggregates accepted entities into a RedactionReport.
package report

import (
	"strings"

	"redaction-pipeline/internal/models"
)

// DegradedPenalty scales report confidence when the capability track was unavailable.
const DegradedPenalty = 0.8

// Summarize tabulates entities by type and page. Type keys are upper-cased so
// "ssn" and "SSN" share a bucket. An empty input yields a zero-count report
// with confidence 1.0.
func Summarize(entities []models.RedactionEntity, degraded bool) models.RedactionReport {
	r := models.RedactionReport{
		TotalEntities:  len(entities),
		EntitiesByType: make(map[string]int),
		EntitiesByPage: make(map[int]int),
		EntityList:     make([]models.RedactionEntity, 0, len(entities)),
		Degraded:       degraded,
	}

	var sum float64
	for _, e := range entities {
		r.EntitiesByType[strings.ToUpper(strings.TrimSpace(e.Type))]++
		r.EntitiesByPage[e.Page]++
		r.EntityList = append(r.EntityList, e)
		if e.Status == models.EntityUnmapped {
			r.Unmapped++
		} else {
			r.Rendered++
		}
		sum += e.Confidence
	}

	r.Confidence = 1.0
	if len(entities) > 0 {
		r.Confidence = sum / float64(len(entities))
	}
	if degraded {
		r.Confidence *= DegradedPenalty
	}
	return r
}
