package models

// RedactionReport summarizes the accepted entities of one redaction.
type RedactionReport struct {
	TotalEntities  int               `json:"totalEntities"`
	EntitiesByType map[string]int    `json:"entitiesByType"`
	EntitiesByPage map[int]int       `json:"entitiesByPage"`
	EntityList     []RedactionEntity `json:"entityList"`
	Rendered       int               `json:"rendered"`
	Unmapped       int               `json:"unmapped"`
	Degraded       bool              `json:"degraded"`
	Confidence     float64           `json:"confidence"`
}
