// Package models defines the core domain models of the workflow platform:
// runs, triggers, and template metadata.
package models

import (
	"time"

	"github.com/google/uuid"
)

// RunStatus is the lifecycle state of a workflow run. The values are wire
// values exposed by the API.
type RunStatus string

const (
	RunStatusQueued     RunStatus = "queued"
	RunStatusRunning    RunStatus = "running"
	RunStatusNeedsInput RunStatus = "needs_input"
	RunStatusSucceeded  RunStatus = "succeeded"
	RunStatusFailed     RunStatus = "failed"
	RunStatusCanceled   RunStatus = "canceled"
)

// Terminal reports whether the status is final.
func (s RunStatus) Terminal() bool {
	return s == RunStatusSucceeded || s == RunStatusFailed || s == RunStatusCanceled
}

// Continuable reports whether the run accepts a continue request: suspended
// runs resume with a payload, failed runs retry from the latest checkpoint.
func (s RunStatus) Continuable() bool {
	return s == RunStatusNeedsInput || s == RunStatusFailed
}

// Run is one execution instance of a workflow template.
type Run struct {
	ID              string         `json:"id"`
	TemplateName    string         `json:"template_name"  validate:"required"`
	WorkflowHash    string         `json:"workflow_hash"`
	Status          RunStatus      `json:"status"         validate:"required"`
	Inputs          map[string]any `json:"inputs"`
	Result          map[string]any `json:"result"`
	Error           *string        `json:"error,omitempty"`
	RetryCount      int            `json:"retry_count"`
	ClaimedBy       *string        `json:"claimed_by,omitempty"`
	ClaimedAt       *time.Time     `json:"claimed_at,omitempty"`
	StartedAt       *time.Time     `json:"started_at,omitempty"`
	FinishedAt      *time.Time     `json:"finished_at,omitempty"`
	CancelRequested bool           `json:"cancel_requested"`
	ResumePayload   map[string]any `json:"resume_payload,omitempty"`
	CreatedAt       time.Time      `json:"created_at"`
	UpdatedAt       time.Time      `json:"updated_at"`
}

// NewRun creates a queued run for the given template.
func NewRun(templateName, workflowHash string, inputs map[string]any) *Run {
	now := time.Now().UTC()

	return &Run{
		ID:           uuid.New().String(),
		TemplateName: templateName,
		WorkflowHash: workflowHash,
		Status:       RunStatusQueued,
		Inputs:       inputs,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
}
