package rules

import "redaction-pipeline/internal/models"

const (
	personPattern  = `\b[A-Z][a-z]+(?:\s+[A-Z][a-z]+){1,2}\b`
	emailPattern   = `\b[A-Za-z0-9._%+-]+@[A-Za-z0-9.-]+\.[A-Za-z]{2,}\b`
	phonePattern   = `(?:\+\d{1,2}\s?)?\(?\d{3}\)?[-.\s]?\d{3}[-.\s]?\d{4}\b`
	dobPattern     = `\b(?:0?[1-9]|1[0-2])[/\-.](?:0?[1-9]|[12][0-9]|3[01])[/\-.](?:19|20)?\d{2}\b`
	addressPattern = `\b\d+\s+[A-Z][a-z]+\s+(?:Street|St|Avenue|Ave|Road|Rd|Boulevard|Blvd|Drive|Dr|Lane|Ln|Court|Ct|Place|Pl|Terrace|Ter|Way)\b`
	ssnPattern     = `\b\d{3}-\d{2}-\d{4}\b`
	faxPattern     = `(?i)\bfax:?\s*(?:\+\d{1,2}\s?)?\(?\d{3}\)?[-.\s]?\d{3}[-.\s]?\d{4}\b`
	companyPattern = `\b[A-Z][a-z]+\s+(?:Labs|Pharmaceuticals|Pharma|Therapeutics|Inc|LLC|Ltd)\b`
	ipPattern      = `\b\d{1,3}\.\d{1,3}\.\d{1,3}\.\d{1,3}\b`
	isoDatePattern = `\b\d{4}-\d{2}-\d{2}\b`
	idPattern      = `\b[A-Z]{2,4}-\d{3,}\b`
)

// Person names are not redacted when they are street or company names.
var personExclusions = []string{"street", "avenue", "road", "boulevard", "labs", "pharmaceuticals", "inc.", "university", "hospital"}

// Builtin returns the templates every caller may use.
func Builtin() []models.RedactionTemplate {
	person := models.RedactionCategory{Type: "PERSON", Patterns: []string{personPattern}, Contexts: personExclusions}
	email := models.RedactionCategory{Type: "EMAIL", Patterns: []string{emailPattern}}
	phone := models.RedactionCategory{Type: "PHONE", Patterns: []string{phonePattern}, Contexts: []string{"fax"}}
	address := models.RedactionCategory{Type: "ADDRESS", Patterns: []string{addressPattern}}
	ssn := models.RedactionCategory{Type: "SSN", Patterns: []string{ssnPattern}}

	return []models.RedactionTemplate{
		{
			ID:          "pharma-default",
			Name:        "Pharmaceutical Default",
			Description: "Standard template for pharmaceutical submissions with all PII redacted",
			Categories: []models.RedactionCategory{
				person, email, phone,
				{Type: "DATE_OF_BIRTH", Patterns: []string{dobPattern}},
				address,
			},
		},
		{
			ID:          "minimal-pii",
			Name:        "Minimal PII",
			Description: "Only redact basic personally identifiable information",
			Categories:  []models.RedactionCategory{person, email, phone, ssn},
		},
		{
			ID:          "comprehensive",
			Name:        "Comprehensive",
			Description: "Redact all possible sensitive information",
			Categories: []models.RedactionCategory{
				person, email, phone, address, ssn,
				{Type: "FAX", Patterns: []string{faxPattern}},
				{Type: "COMPANY", Patterns: []string{companyPattern}},
				{Type: "ENDPOINT", Patterns: []string{ipPattern}},
				{Type: "DATE", Patterns: []string{isoDatePattern}},
				{Type: "IDENTIFIER", Patterns: []string{idPattern}},
				{Type: "LOCATION"},
			},
		},
	}
}

// BuiltinByID returns a built-in template.
func BuiltinByID(id string) (models.RedactionTemplate, bool) {
	for _, t := range Builtin() {
		if t.ID == id {
			return t, true
		}
	}
	return models.RedactionTemplate{}, false
}
