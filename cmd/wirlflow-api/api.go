package main

import (
	"log/slog"
	"strconv"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/cors"
	"github.com/gofiber/fiber/v3/middleware/healthcheck"
	"github.com/gofiber/fiber/v3/middleware/logger"

	"github.com/wirl-dev/wirlflow/pkg/persistence"
	"github.com/wirl-dev/wirlflow/pkg/template"
	"github.com/wirl-dev/wirlflow/pkg/web"
)

type API struct {
	logger      *slog.Logger
	persistence persistence.Persistence
	templates   *template.Loader
	validate    *validator.Validate
}

func NewAPI(logger *slog.Logger, p persistence.Persistence, templates *template.Loader) *API {
	return &API{
		logger:      logger,
		persistence: p,
		templates:   templates,
		validate:    validator.New(validator.WithRequiredStructEnabled()),
	}
}

func (a *API) App() *fiber.App {
	handlers := web.NewAPIHandlers(a.persistence, a.templates, a.validate)

	app := fiber.New()
	app.Use(cors.New())
	app.Use(logger.New(logger.Config{
		DisableColors: true,
	}))

	app.Get(healthcheck.DefaultLivenessEndpoint, healthcheck.NewHealthChecker())
	app.Get(healthcheck.DefaultReadinessEndpoint, healthcheck.NewHealthChecker())

	app.Get("/", func(c fiber.Ctx) error {
		return c.SendString("wirlflow API")
	})

	web.Register(app, handlers)

	return app
}

func (a *API) Start(port int) error {
	app := a.App()

	err := app.Listen(":" + strconv.Itoa(port))

	return err
}
