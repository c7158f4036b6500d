package web

import (
	"github.com/gofiber/fiber/v3"
)

// Register mounts the control-plane routes on the app.
func Register(app *fiber.App, handlers *APIHandlers) {
	app.Get("/workflow-templates", handlers.GetTemplates)

	app.Get("/workflows", handlers.GetWorkflows)
	app.Post("/workflows", handlers.StartWorkflow)
	app.Get("/workflows/:id", handlers.GetWorkflow)
	app.Get("/workflows/:id/run-details", handlers.GetWorkflowRunDetails)
	app.Post("/workflows/:id/continue", handlers.ContinueWorkflow)
	app.Post("/workflows/:id/cancel", handlers.CancelWorkflow)

	app.Get("/workflow-triggers", handlers.GetTriggers)
	app.Post("/workflow-triggers", handlers.CreateTrigger)
	app.Patch("/workflow-triggers/:id", handlers.UpdateTrigger)
	app.Delete("/workflow-triggers/:id", handlers.DeleteTrigger)

	app.Get("/health", handlers.HealthCheck)
}
