package web

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wirl-dev/wirlflow/pkg/checkpoint"
	"github.com/wirl-dev/wirlflow/pkg/models"
	"github.com/wirl-dev/wirlflow/pkg/persistence/memory"
	"github.com/wirl-dev/wirlflow/pkg/template"
)

const sumTemplate = `
workflow sum {
    inputs {
        int x;
    }
    outputs {
        int y = A.out;
    }

    node A {
        call add_one;
        inputs {
            int value = x;
        }
        outputs {
            int out;
        }
    }
}
`

func newTestAPI(t *testing.T) (*fiber.App, *memory.Persistence) {
	t.Helper()

	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "sum.wirl"), []byte(sumTemplate), 0o600))

	p := memory.NewPersistence()
	handlers := NewAPIHandlers(p, template.NewLoader(dir), validator.New(validator.WithRequiredStructEnabled()))

	app := fiber.New()
	Register(app, handlers)

	return app, p
}

func doJSON(t *testing.T, app *fiber.App, method, path string, body any) (*http.Response, []byte) {
	t.Helper()

	var reader io.Reader

	if body != nil {
		encoded, err := json.Marshal(body)
		require.NoError(t, err)

		reader = bytes.NewReader(encoded)
	}

	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := app.Test(req)
	require.NoError(t, err)

	payload, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	return resp, payload
}

func TestAPI_GetTemplates(t *testing.T) {
	app, _ := newTestAPI(t)

	resp, body := doJSON(t, app, http.MethodGet, "/workflow-templates", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var templates []models.TemplateInfo
	require.NoError(t, json.Unmarshal(body, &templates))
	require.Len(t, templates, 1)
	assert.Equal(t, "sum", templates[0].ID)
}

func TestAPI_StartWorkflow(t *testing.T) {
	app, p := newTestAPI(t)

	resp, body := doJSON(t, app, http.MethodPost, "/workflows", StartWorkflowRequest{
		TemplateName: "sum",
		Inputs:       map[string]any{"x": float64(3)},
	})
	assert.Equal(t, http.StatusCreated, resp.StatusCode)

	var created WorkflowResponse
	require.NoError(t, json.Unmarshal(body, &created))
	assert.Equal(t, models.RunStatusQueued, created.Status)

	run, err := p.Runs().GetByID(context.Background(), created.ID)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"x": float64(3)}, run.Inputs)
}

func TestAPI_StartWorkflow_Validation(t *testing.T) {
	app, _ := newTestAPI(t)

	resp, _ := doJSON(t, app, http.MethodPost, "/workflows", StartWorkflowRequest{})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = doJSON(t, app, http.MethodPost, "/workflows", StartWorkflowRequest{TemplateName: "missing"})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestAPI_GetWorkflow(t *testing.T) {
	app, p := newTestAPI(t)

	run := models.NewRun("sum", "", map[string]any{"x": float64(3)})
	require.NoError(t, p.Runs().Create(context.Background(), run))

	resp, body := doJSON(t, app, http.MethodGet, "/workflows/"+run.ID, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var detail WorkflowDetail
	require.NoError(t, json.Unmarshal(body, &detail))
	assert.Equal(t, "sum", detail.Template)
	assert.Equal(t, models.RunStatusQueued, detail.Status)

	resp, _ = doJSON(t, app, http.MethodGet, "/workflows/unknown-id", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestAPI_ListWorkflows_Pagination(t *testing.T) {
	app, p := newTestAPI(t)

	base := time.Now().UTC()

	for i := range 5 {
		run := models.NewRun("sum", "", nil)
		run.CreatedAt = base.Add(time.Duration(i) * time.Second)
		require.NoError(t, p.Runs().Create(context.Background(), run))
	}

	resp, body := doJSON(t, app, http.MethodGet, "/workflows?limit=2&offset=1", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var page HistoryPage
	require.NoError(t, json.Unmarshal(body, &page))
	assert.Equal(t, 5, page.Total)
	assert.Equal(t, 2, page.Limit)
	assert.Equal(t, 1, page.Offset)
	assert.Len(t, page.Items, 2)

	resp, _ = doJSON(t, app, http.MethodGet, "/workflows?limit=0", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestAPI_ContinueWorkflow(t *testing.T) {
	app, p := newTestAPI(t)

	run := models.NewRun("sum", "", nil)
	run.Status = models.RunStatusNeedsInput
	require.NoError(t, p.Runs().Create(context.Background(), run))

	resp, body := doJSON(t, app, http.MethodPost, "/workflows/"+run.ID+"/continue", ContinueWorkflowRequest{
		Inputs: map[string]any{"answer": "ok"},
	})
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var continued WorkflowResponse
	require.NoError(t, json.Unmarshal(body, &continued))
	assert.Equal(t, models.RunStatusQueued, continued.Status)

	updated, err := p.Runs().GetByID(context.Background(), run.ID)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"answer": map[string]any{"answer": "ok"}}, updated.ResumePayload)
}

func TestAPI_ContinueWorkflow_RetryFailed(t *testing.T) {
	app, p := newTestAPI(t)

	message := "node failed"
	run := models.NewRun("sum", "", nil)
	run.Status = models.RunStatusFailed
	run.Error = &message
	require.NoError(t, p.Runs().Create(context.Background(), run))

	resp, _ := doJSON(t, app, http.MethodPost, "/workflows/"+run.ID+"/continue", ContinueWorkflowRequest{})
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	updated, err := p.Runs().GetByID(context.Background(), run.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusQueued, updated.Status)
	assert.Equal(t, 1, updated.RetryCount)
	assert.Nil(t, updated.Error)
}

func TestAPI_ContinueWorkflow_Conflict(t *testing.T) {
	app, p := newTestAPI(t)

	run := models.NewRun("sum", "", nil)
	run.Status = models.RunStatusSucceeded
	require.NoError(t, p.Runs().Create(context.Background(), run))

	resp, _ := doJSON(t, app, http.MethodPost, "/workflows/"+run.ID+"/continue", ContinueWorkflowRequest{})
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestAPI_CancelWorkflow(t *testing.T) {
	testCases := []struct {
		name       string
		status     models.RunStatus
		wantCode   int
		wantStatus models.RunStatus
		wantFlag   bool
	}{
		{name: "queued cancels directly", status: models.RunStatusQueued, wantCode: 200, wantStatus: models.RunStatusCanceled},
		{name: "needs_input cancels directly", status: models.RunStatusNeedsInput, wantCode: 200, wantStatus: models.RunStatusCanceled},
		{name: "running sets flag", status: models.RunStatusRunning, wantCode: 200, wantStatus: models.RunStatusRunning, wantFlag: true},
		{name: "succeeded conflicts", status: models.RunStatusSucceeded, wantCode: 409, wantStatus: models.RunStatusSucceeded},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			app, p := newTestAPI(t)

			run := models.NewRun("sum", "", nil)
			run.Status = tc.status
			require.NoError(t, p.Runs().Create(context.Background(), run))

			resp, _ := doJSON(t, app, http.MethodPost, "/workflows/"+run.ID+"/cancel", nil)
			assert.Equal(t, tc.wantCode, resp.StatusCode)

			updated, err := p.Runs().GetByID(context.Background(), run.ID)
			require.NoError(t, err)
			assert.Equal(t, tc.wantStatus, updated.Status)
			assert.Equal(t, tc.wantFlag, updated.CancelRequested)
		})
	}
}

func TestAPI_RunDetails(t *testing.T) {
	app, p := newTestAPI(t)

	run := models.NewRun("sum", "", map[string]any{"x": float64(3)})
	require.NoError(t, p.Runs().Create(context.Background(), run))

	store := p.Checkpoints()
	ctx := context.Background()

	require.NoError(t, store.Save(ctx, &checkpoint.Snapshot{
		RunID:     run.ID,
		Superstep: 0,
		Channels:  map[string]any{"x": float64(3)},
		Pending:   []string{"A"},
		CreatedAt: time.Now().UTC(),
	}))
	require.NoError(t, store.Save(ctx, &checkpoint.Snapshot{
		RunID:     run.ID,
		Superstep: 1,
		Channels:  map[string]any{"x": float64(3), "A.out": float64(4)},
		Writes: []checkpoint.Write{
			{TaskID: "1:A", Channel: "A.out", Value: float64(4)},
			{TaskID: "1:A", Channel: checkpoint.BranchPrefix + "B", Value: nil},
		},
		CreatedAt: time.Now().UTC(),
	}))

	resp, body := doJSON(t, app, http.MethodGet, "/workflows/"+run.ID+"/run-details", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var details RunDetails
	require.NoError(t, json.Unmarshal(body, &details))

	assert.Equal(t, run.ID, details.RunID)
	assert.Equal(t, map[string]any{"x": float64(3)}, details.InitialState)
	require.Len(t, details.Steps, 1)

	step := details.Steps[0]
	assert.Equal(t, 1, step.Step)
	assert.Equal(t, "A", step.Node)
	assert.Equal(t, "1:A", step.TaskID)
	assert.Equal(t, map[string]any{"x": float64(3)}, step.InputState)
	assert.Equal(t, map[string]any{"A.out": float64(4)}, step.OutputState)
	assert.Equal(t, []string{"B"}, step.Branches)
	require.Len(t, step.Writes, 2)
	assert.Equal(t, "state", step.Writes[0].Kind)
	assert.Equal(t, "branch", step.Writes[1].Kind)
}

func TestAPI_TriggerLifecycle(t *testing.T) {
	app, p := newTestAPI(t)

	resp, body := doJSON(t, app, http.MethodPost, "/workflow-triggers", CreateTriggerRequest{
		Name:         "nightly",
		TemplateName: "sum",
		Cron:         "0 2 * * *",
		Timezone:     "UTC",
		Inputs:       map[string]any{"x": float64(1)},
	})
	assert.Equal(t, http.StatusCreated, resp.StatusCode)

	var created models.Trigger
	require.NoError(t, json.Unmarshal(body, &created))
	assert.True(t, created.IsActive)
	require.NotNil(t, created.NextRunAt)

	resp, body = doJSON(t, app, http.MethodGet, "/workflow-triggers", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var listed []models.Trigger
	require.NoError(t, json.Unmarshal(body, &listed))
	assert.Len(t, listed, 1)

	// Pausing clears the next fire time.
	inactive := false
	resp, body = doJSON(t, app, http.MethodPatch, "/workflow-triggers/"+created.ID, UpdateTriggerRequest{
		IsActive: &inactive,
	})
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var updated models.Trigger
	require.NoError(t, json.Unmarshal(body, &updated))
	assert.False(t, updated.IsActive)
	assert.Nil(t, updated.NextRunAt)

	resp, _ = doJSON(t, app, http.MethodDelete, "/workflow-triggers/"+created.ID, nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	trigger, err := p.Triggers().GetByID(context.Background(), created.ID)
	assert.Error(t, err)
	assert.Nil(t, trigger)
}

func TestAPI_CreateTrigger_Validation(t *testing.T) {
	app, _ := newTestAPI(t)

	testCases := []struct {
		name string
		req  CreateTriggerRequest
		code int
	}{
		{
			name: "missing name",
			req:  CreateTriggerRequest{TemplateName: "sum", Cron: "0 2 * * *"},
			code: http.StatusBadRequest,
		},
		{
			name: "unknown template",
			req:  CreateTriggerRequest{Name: "nightly", TemplateName: "missing", Cron: "0 2 * * *"},
			code: http.StatusNotFound,
		},
		{
			name: "invalid cron",
			req:  CreateTriggerRequest{Name: "nightly", TemplateName: "sum", Cron: "61 * * * *"},
			code: http.StatusBadRequest,
		},
		{
			name: "invalid timezone",
			req:  CreateTriggerRequest{Name: "nightly", TemplateName: "sum", Cron: "0 2 * * *", Timezone: "Mars/Olympus"},
			code: http.StatusBadRequest,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			resp, _ := doJSON(t, app, http.MethodPost, "/workflow-triggers", tc.req)
			assert.Equal(t, tc.code, resp.StatusCode)
		})
	}
}
