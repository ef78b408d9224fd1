package models

import (
	"time"
)

// JobStatus enumerates lifecycle states persisted in Postgres.
const (
	StatusQueued    = "queued"
	StatusRunning   = "running"
	StatusSucceeded = "succeeded"
	StatusFailed    = "failed"
	StatusCancelled = "cancelled"
)

// Pipeline stages in execution order.
const (
	StageExtract   = "extract"
	StageDetect    = "detect"
	StageFilter    = "filter"
	StageMap       = "map"
	StageRender    = "render"
	StageSummarize = "summarize"
)

// Stages lists the sub-stages of a running job in order.
var Stages = []string{StageExtract, StageDetect, StageFilter, StageMap, StageRender, StageSummarize}

// StageWeights is the progress contributed by each completed stage. The weights sum to 100.
var StageWeights = map[string]int{
	StageExtract:   10,
	StageDetect:    25,
	StageFilter:    15,
	StageMap:       10,
	StageRender:    30,
	StageSummarize: 10,
}

// ProgressAfter returns the cumulative progress once stage has completed.
func ProgressAfter(stage string) int {
	total := 0
	for _, s := range Stages {
		total += StageWeights[s]
		if s == stage {
			return total
		}
	}
	return total
}

// Job is one execution of the redaction pipeline for a single document.
type Job struct {
	ID              string    `json:"id"`
	DocumentID      string    `json:"document_id"`
	TemplateID      string    `json:"template_id"`
	OwnerID         string    `json:"owner_id"`
	Stage           string    `json:"stage"`
	Status          string    `json:"status"`
	Progress        int       `json:"progress"`
	Error           *string   `json:"error,omitempty"`
	CancelRequested bool      `json:"cancel_requested"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// Active reports whether the job still holds its document.
func (j Job) Active() bool {
	return j.Status == StatusQueued || j.Status == StatusRunning
}

// Terminal reports whether the job reached a final state.
func (j Job) Terminal() bool {
	return j.Status == StatusSucceeded || j.Status == StatusFailed || j.Status == StatusCancelled
}

// AuditLog is a simple audit event row.
type AuditLog struct {
	JobID    string    `json:"job_id"`
	Event    string    `json:"event"`
	Detail   string    `json:"detail"`
	Recorded time.Time `json:"recorded_at"`
}
