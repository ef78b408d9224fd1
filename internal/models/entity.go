package models

import (
	"encoding/json"
	"fmt"
)

// Provenance tells how an entity was found.
type Provenance string

const (
	ProvenancePattern Provenance = "pattern"
	ProvenanceModel   Provenance = "model"
)

// Entity render states.
const (
	EntityCandidate = "candidate"
	EntityRendered  = "rendered"
	EntityUnmapped  = "unmapped"
)

// Match locates an entity in its page text. It is either a PatternMatch or a ModelMatch.
type Match interface {
	Provenance() Provenance
	Span() Span
}

// PatternMatch is produced by the deterministic regex track.
type PatternMatch struct {
	Offset int
	Length int
}

func (m PatternMatch) Provenance() Provenance { return ProvenancePattern }
func (m PatternMatch) Span() Span             { return Span{Start: m.Offset, End: m.Offset + m.Length} }

// ModelMatch is produced by the detection capability.
type ModelMatch struct {
	Start int
	End   int
}

func (m ModelMatch) Provenance() Provenance { return ProvenanceModel }
func (m ModelMatch) Span() Span             { return Span{Start: m.Start, End: m.End} }

// RedactionEntity is a candidate or accepted sensitive span.
// Coordinates holds the box of the first word run; Boxes holds one box per run.
type RedactionEntity struct {
	ID          string
	Text        string
	Type        string
	Confidence  float64
	Page        int
	Coordinates Box
	Boxes       []Box
	Context     string
	Match       Match
	Status      string
}

// Span returns the byte range of the entity in its page text.
func (e RedactionEntity) Span() Span {
	if e.Match == nil {
		return Span{}
	}
	return e.Match.Span()
}

// Provenance returns the detection track of the entity.
func (e RedactionEntity) Provenance() Provenance {
	if e.Match == nil {
		return ""
	}
	return e.Match.Provenance()
}

type entityJSON struct {
	ID          string     `json:"id"`
	Text        string     `json:"text"`
	Type        string     `json:"type"`
	Confidence  float64    `json:"confidence"`
	Page        int        `json:"page"`
	Coordinates Box        `json:"coordinates"`
	Boxes       []Box      `json:"boxes,omitempty"`
	Context     string     `json:"context,omitempty"`
	Provenance  Provenance `json:"provenance"`
	Offset      *int       `json:"offset,omitempty"`
	Length      *int       `json:"length,omitempty"`
	Start       *int       `json:"start,omitempty"`
	End         *int       `json:"end,omitempty"`
	Status      string     `json:"status,omitempty"`
}

func (e RedactionEntity) MarshalJSON() ([]byte, error) {
	out := entityJSON{
		ID:          e.ID,
		Text:        e.Text,
		Type:        e.Type,
		Confidence:  e.Confidence,
		Page:        e.Page,
		Coordinates: e.Coordinates,
		Boxes:       e.Boxes,
		Context:     e.Context,
		Status:      e.Status,
	}
	switch m := e.Match.(type) {
	case PatternMatch:
		out.Provenance = ProvenancePattern
		out.Offset, out.Length = &m.Offset, &m.Length
	case ModelMatch:
		out.Provenance = ProvenanceModel
		out.Start, out.End = &m.Start, &m.End
	}
	return json.Marshal(out)
}

func (e *RedactionEntity) UnmarshalJSON(data []byte) error {
	var in entityJSON
	if err := json.Unmarshal(data, &in); err != nil {
		return err
	}
	*e = RedactionEntity{
		ID:          in.ID,
		Text:        in.Text,
		Type:        in.Type,
		Confidence:  in.Confidence,
		Page:        in.Page,
		Coordinates: in.Coordinates,
		Boxes:       in.Boxes,
		Context:     in.Context,
		Status:      in.Status,
	}
	switch in.Provenance {
	case ProvenancePattern:
		m := PatternMatch{}
		if in.Offset != nil {
			m.Offset = *in.Offset
		}
		if in.Length != nil {
			m.Length = *in.Length
		}
		e.Match = m
	case ProvenanceModel:
		m := ModelMatch{}
		if in.Start != nil {
			m.Start = *in.Start
		}
		if in.End != nil {
			m.End = *in.End
		}
		e.Match = m
	case "":
	default:
		return fmt.Errorf("unknown provenance %q", in.Provenance)
	}
	return nil
}
