package models

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
)

// ErrInvalidTrigger marks triggers failing structural validation.
var ErrInvalidTrigger = errors.New("invalid trigger")

// Trigger is a cron rule that enqueues runs of a workflow template. NextRunAt
// is precomputed so the scheduler can query due triggers directly.
type Trigger struct {
	ID             string         `json:"id"`
	Name           string         `json:"name"            validate:"required,min=3"`
	TemplateName   string         `json:"template_name"   validate:"required"`
	InputsTemplate map[string]any `json:"inputs_template"`
	CronExpression string         `json:"cron_expression" validate:"required"`
	Timezone       string         `json:"timezone"`
	IsActive       bool           `json:"is_active"`
	NextRunAt      *time.Time     `json:"next_run_at,omitempty"`
	LastRunAt      *time.Time     `json:"last_run_at,omitempty"`
	LastError      *string        `json:"last_error,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
}

// NewTrigger creates an active trigger with its first fire time computed.
func NewTrigger(name, templateName, cronExpression, timezone string, inputs map[string]any) (*Trigger, error) {
	now := time.Now().UTC()

	trigger := &Trigger{
		ID:             uuid.New().String(),
		Name:           name,
		TemplateName:   templateName,
		InputsTemplate: inputs,
		CronExpression: cronExpression,
		Timezone:       timezone,
		IsActive:       true,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	next, err := trigger.NextAfter(now)
	if err != nil {
		return nil, err
	}

	trigger.NextRunAt = &next

	return trigger, nil
}

// Location resolves the trigger's timezone, defaulting to UTC.
func (t *Trigger) Location() (*time.Location, error) {
	if t.Timezone == "" {
		return time.UTC, nil
	}

	location, err := time.LoadLocation(t.Timezone)
	if err != nil {
		return nil, fmt.Errorf("unknown timezone %q: %w", t.Timezone, err)
	}

	return location, nil
}

// NextAfter computes the next cron fire strictly after the given instant,
// evaluated in the trigger's timezone and returned in UTC.
func (t *Trigger) NextAfter(after time.Time) (time.Time, error) {
	schedule, err := cron.ParseStandard(t.CronExpression)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid cron expression %q: %w", t.CronExpression, err)
	}

	location, err := t.Location()
	if err != nil {
		return time.Time{}, err
	}

	// Align to the minute so repeated polls within one minute agree on the
	// fire time.
	base := after.In(location).Truncate(time.Minute)

	return schedule.Next(base).UTC(), nil
}

// Validate checks structural fields and the cron expression.
func (t *Trigger) Validate() error {
	if t.ID == "" || t.Name == "" || t.TemplateName == "" || t.CronExpression == "" {
		return ErrInvalidTrigger
	}

	if _, err := cron.ParseStandard(t.CronExpression); err != nil {
		return fmt.Errorf("invalid cron expression %q: %w", t.CronExpression, err)
	}

	if _, err := t.Location(); err != nil {
		return err
	}

	return nil
}

// Deactivate turns the trigger off, recording why.
func (t *Trigger) Deactivate(reason string) {
	t.IsActive = false
	t.NextRunAt = nil
	t.LastError = &reason
}
