// Package web provides the HTTP control plane: run inspection and mutation,
// template listing, and trigger management.
package web

import (
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v3"

	"github.com/wirl-dev/wirlflow/pkg/models"
	"github.com/wirl-dev/wirlflow/pkg/persistence"
	"github.com/wirl-dev/wirlflow/pkg/template"
)

const (
	defaultPageLimit = 10
	maxPageLimit     = 100
)

// APIHandlers is a thin layer over the orchestrator state.
type APIHandlers struct {
	persistence persistence.Persistence
	templates   *template.Loader
	validator   *validator.Validate
}

// NewAPIHandlers creates the handler set.
func NewAPIHandlers(p persistence.Persistence, templates *template.Loader, validate *validator.Validate) *APIHandlers {
	return &APIHandlers{
		persistence: p,
		templates:   templates,
		validator:   validate,
	}
}

// GetTemplates lists the compiled workflow templates.
func (h *APIHandlers) GetTemplates(c fiber.Ctx) error {
	templates, err := h.templates.List()
	if err != nil {
		return internalError(c, err)
	}

	return c.JSON(templates)
}

// GetWorkflows returns the paginated run history.
func (h *APIHandlers) GetWorkflows(c fiber.Ctx) error {
	limit := defaultPageLimit

	if limitStr := c.Query("limit"); limitStr != "" {
		parsed, err := strconv.Atoi(limitStr)
		if err != nil || parsed < 1 || parsed > maxPageLimit {
			return badRequest(c, "limit must be an integer between 1 and 100")
		}

		limit = parsed
	}

	offset := 0

	if offsetStr := c.Query("offset"); offsetStr != "" {
		parsed, err := strconv.Atoi(offsetStr)
		if err != nil || parsed < 0 {
			return badRequest(c, "offset must be a non-negative integer")
		}

		offset = parsed
	}

	runs, total, err := h.persistence.Runs().List(c.Context(), limit, offset)
	if err != nil {
		return internalError(c, err)
	}

	items := make([]HistoryItem, 0, len(runs))
	for _, run := range runs {
		items = append(items, HistoryItem{
			ID:        run.ID,
			Template:  run.TemplateName,
			Status:    run.Status,
			CreatedAt: run.CreatedAt.String(),
		})
	}

	return c.JSON(HistoryPage{Items: items, Total: total, Limit: limit, Offset: offset})
}

// GetWorkflow returns one run.
func (h *APIHandlers) GetWorkflow(c fiber.Ctx) error {
	run, err := h.getRun(c)
	if err != nil || run == nil {
		return err
	}

	result := run.Result
	if result == nil {
		result = map[string]any{}
	}

	inputs := run.Inputs
	if inputs == nil {
		inputs = map[string]any{}
	}

	return c.JSON(WorkflowDetail{
		ID:       run.ID,
		Template: run.TemplateName,
		Status:   run.Status,
		Inputs:   inputs,
		Result:   result,
		Error:    run.Error,
	})
}

// GetWorkflowRunDetails returns the per-superstep execution trace rebuilt
// from the run's checkpoint sequence.
func (h *APIHandlers) GetWorkflowRunDetails(c fiber.Ctx) error {
	run, err := h.getRun(c)
	if err != nil || run == nil {
		return err
	}

	snapshots, err := h.persistence.Checkpoints().List(c.Context(), run.ID)
	if err != nil {
		return internalError(c, err)
	}

	return c.JSON(buildRunDetails(run.ID, snapshots))
}

// StartWorkflow enqueues a new run.
func (h *APIHandlers) StartWorkflow(c fiber.Ctx) error {
	var req StartWorkflowRequest

	if err := c.Bind().JSON(&req); err != nil {
		return badRequest(c, "invalid request body: "+err.Error())
	}

	if err := h.validator.Struct(req); err != nil {
		return badRequest(c, err.Error())
	}

	tpl, err := h.templates.Get(req.TemplateName)
	if err != nil {
		if template.IsTemplateNotFound(err) {
			return notFound(c, "Template not found")
		}

		return internalError(c, err)
	}

	run := models.NewRun(tpl.ID, "", req.Inputs)

	if err := h.persistence.Runs().Create(c.Context(), run); err != nil {
		return internalError(c, err)
	}

	return c.Status(fiber.StatusCreated).JSON(WorkflowResponse{
		ID:     run.ID,
		Status: run.Status,
		Result: map[string]any{},
	})
}

// ContinueWorkflow resumes a suspended run with a payload, or retries a
// failed run from its latest checkpoint.
func (h *APIHandlers) ContinueWorkflow(c fiber.Ctx) error {
	run, err := h.getRun(c)
	if err != nil || run == nil {
		return err
	}

	var req ContinueWorkflowRequest

	if err := c.Bind().JSON(&req); err != nil {
		return badRequest(c, "invalid request body: "+err.Error())
	}

	if !run.Status.Continuable() {
		return conflict(c, "run cannot be continued from status "+string(run.Status))
	}

	if run.Status == models.RunStatusNeedsInput {
		run.ResumePayload = map[string]any{"answer": req.Inputs}
	} else {
		run.RetryCount++
		run.Error = nil
		run.FinishedAt = nil
	}

	run.Status = models.RunStatusQueued
	run.ClaimedBy = nil
	run.ClaimedAt = nil

	if err := h.persistence.Runs().Update(c.Context(), run); err != nil {
		return internalError(c, err)
	}

	result := run.Result
	if result == nil {
		result = map[string]any{}
	}

	return c.JSON(WorkflowResponse{ID: run.ID, Status: run.Status, Result: result})
}

// CancelWorkflow requests cancellation. Runs nobody is executing are
// canceled directly; running ones get the cooperative flag.
func (h *APIHandlers) CancelWorkflow(c fiber.Ctx) error {
	run, err := h.getRun(c)
	if err != nil || run == nil {
		return err
	}

	switch run.Status {
	case models.RunStatusQueued, models.RunStatusNeedsInput:
		run.Status = models.RunStatusCanceled
	case models.RunStatusRunning:
		run.CancelRequested = true
	default:
		return conflict(c, "run cannot be canceled from status "+string(run.Status))
	}

	if err := h.persistence.Runs().Update(c.Context(), run); err != nil {
		return internalError(c, err)
	}

	result := run.Result
	if result == nil {
		result = map[string]any{}
	}

	return c.JSON(WorkflowResponse{ID: run.ID, Status: run.Status, Result: result})
}

// GetTriggers lists all triggers.
func (h *APIHandlers) GetTriggers(c fiber.Ctx) error {
	triggers, err := h.persistence.Triggers().List(c.Context())
	if err != nil {
		return internalError(c, err)
	}

	return c.JSON(triggers)
}

// CreateTrigger validates and creates a cron trigger.
func (h *APIHandlers) CreateTrigger(c fiber.Ctx) error {
	var req CreateTriggerRequest

	if err := c.Bind().JSON(&req); err != nil {
		return badRequest(c, "invalid request body: "+err.Error())
	}

	if err := h.validator.Struct(req); err != nil {
		return badRequest(c, err.Error())
	}

	tpl, err := h.templates.Get(req.TemplateName)
	if err != nil {
		if template.IsTemplateNotFound(err) {
			return notFound(c, "Template not found")
		}

		return internalError(c, err)
	}

	timezone := req.Timezone
	if timezone == "" {
		timezone = "UTC"
	}

	trigger, err := models.NewTrigger(req.Name, tpl.ID, req.Cron, timezone, req.Inputs)
	if err != nil {
		return badRequest(c, err.Error())
	}

	if req.IsActive != nil && !*req.IsActive {
		trigger.IsActive = false
		trigger.NextRunAt = nil
	}

	if err := h.persistence.Triggers().Create(c.Context(), trigger); err != nil {
		return internalError(c, err)
	}

	return c.Status(fiber.StatusCreated).JSON(trigger)
}

// UpdateTrigger patches a trigger; pausing clears the next fire time.
func (h *APIHandlers) UpdateTrigger(c fiber.Ctx) error {
	trigger, err := h.persistence.Triggers().GetByID(c.Context(), c.Params("id"))
	if err != nil {
		if persistence.IsTriggerNotFound(err) {
			return notFound(c, "Trigger not found")
		}

		return internalError(c, err)
	}

	var req UpdateTriggerRequest

	if err := c.Bind().JSON(&req); err != nil {
		return badRequest(c, "invalid request body: "+err.Error())
	}

	if req.Name != nil {
		trigger.Name = *req.Name
	}

	if req.TemplateName != nil {
		tpl, err := h.templates.Get(*req.TemplateName)
		if err != nil {
			if template.IsTemplateNotFound(err) {
				return notFound(c, "Template not found")
			}

			return internalError(c, err)
		}

		trigger.TemplateName = tpl.ID
	}

	if req.Cron != nil {
		trigger.CronExpression = *req.Cron
	}

	if req.Timezone != nil {
		trigger.Timezone = *req.Timezone
	}

	if req.Inputs != nil {
		trigger.InputsTemplate = req.Inputs
	}

	if req.IsActive != nil {
		trigger.IsActive = *req.IsActive
	}

	if trigger.IsActive {
		if err := trigger.Validate(); err != nil {
			return badRequest(c, err.Error())
		}

		next, err := trigger.NextAfter(time.Now().UTC())
		if err != nil {
			return badRequest(c, err.Error())
		}

		trigger.NextRunAt = &next
		trigger.LastError = nil
	} else {
		trigger.NextRunAt = nil
	}

	if err := h.persistence.Triggers().Update(c.Context(), trigger); err != nil {
		return internalError(c, err)
	}

	return c.JSON(trigger)
}

// DeleteTrigger removes a trigger.
func (h *APIHandlers) DeleteTrigger(c fiber.Ctx) error {
	err := h.persistence.Triggers().Delete(c.Context(), c.Params("id"))
	if err != nil {
		if persistence.IsTriggerNotFound(err) {
			return notFound(c, "Trigger not found")
		}

		return internalError(c, err)
	}

	return c.SendStatus(fiber.StatusNoContent)
}

// HealthCheck reports persistence health.
func (h *APIHandlers) HealthCheck(c fiber.Ctx) error {
	if err := h.persistence.HealthCheck(c.Context()); err != nil {
		return internalError(c, err)
	}

	return c.JSON(fiber.Map{"status": "healthy"})
}

// getRun fetches the run from the path id, writing the 404 itself. A nil run
// with nil error means the response is already written.
func (h *APIHandlers) getRun(c fiber.Ctx) (*models.Run, error) {
	id := c.Params("id")
	if id == "" {
		return nil, badRequest(c, "run id is required")
	}

	run, err := h.persistence.Runs().GetByID(c.Context(), id)
	if err != nil {
		if persistence.IsRunNotFound(err) {
			return nil, notFound(c, "Workflow not found")
		}

		return nil, internalError(c, err)
	}

	return run, nil
}
