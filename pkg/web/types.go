package web

import (
	"github.com/wirl-dev/wirlflow/pkg/models"
)

// StartWorkflowRequest starts a run of a template.
type StartWorkflowRequest struct {
	TemplateName string         `json:"template_name" validate:"required"`
	Inputs       map[string]any `json:"inputs"`
}

// ContinueWorkflowRequest resumes a suspended run or retries a failed one.
type ContinueWorkflowRequest struct {
	Inputs map[string]any `json:"inputs"`
}

// WorkflowResponse is the compact run representation returned by mutations.
type WorkflowResponse struct {
	ID     string           `json:"id"`
	Status models.RunStatus `json:"status"`
	Result map[string]any   `json:"result"`
}

// WorkflowDetail is the full run representation.
type WorkflowDetail struct {
	ID       string           `json:"id"`
	Template string           `json:"template"`
	Status   models.RunStatus `json:"status"`
	Inputs   map[string]any   `json:"inputs"`
	Result   map[string]any   `json:"result"`
	Error    *string          `json:"error"`
}

// HistoryItem is one row of the paginated run listing.
type HistoryItem struct {
	ID        string           `json:"id"`
	Template  string           `json:"template"`
	Status    models.RunStatus `json:"status"`
	CreatedAt string           `json:"created_at"`
}

// HistoryPage is the paginated run listing.
type HistoryPage struct {
	Items  []HistoryItem `json:"items"`
	Total  int           `json:"total"`
	Limit  int           `json:"limit"`
	Offset int           `json:"offset"`
}

// RunWrite is one channel write in the execution trace. Kind is "state",
// "branch", or "system".
type RunWrite struct {
	Kind    string `json:"kind"`
	Channel string `json:"channel"`
	Value   any    `json:"value"`
}

// RunStep is one node invocation reconstructed from the checkpoint sequence.
type RunStep struct {
	Step        int            `json:"step"`
	Node        string         `json:"node"`
	TaskID      string         `json:"task_id"`
	Timestamp   string         `json:"timestamp"`
	InputState  map[string]any `json:"input_state"`
	OutputState map[string]any `json:"output_state"`
	Branches    []string       `json:"branches"`
	Writes      []RunWrite     `json:"writes"`
}

// RunDetails is the per-superstep execution trace of a run.
type RunDetails struct {
	RunID        string         `json:"run_id"`
	InitialState map[string]any `json:"initial_state"`
	Steps        []RunStep      `json:"steps"`
}

// CreateTriggerRequest creates a cron trigger.
type CreateTriggerRequest struct {
	Name         string         `json:"name"            validate:"required,min=3"`
	TemplateName string         `json:"template_name"   validate:"required"`
	Cron         string         `json:"cron_expression" validate:"required"`
	Timezone     string         `json:"timezone"`
	Inputs       map[string]any `json:"inputs_template"`
	IsActive     *bool          `json:"is_active"`
}

// UpdateTriggerRequest patches a trigger; nil fields are left unchanged.
type UpdateTriggerRequest struct {
	Name         *string        `json:"name"`
	TemplateName *string        `json:"template_name"`
	Cron         *string        `json:"cron_expression"`
	Timezone     *string        `json:"timezone"`
	Inputs       map[string]any `json:"inputs_template"`
	IsActive     *bool          `json:"is_active"`
}
