package web

import (
	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/cors"
	"github.com/gofiber/fiber/v3/middleware/healthcheck"
	"github.com/gofiber/fiber/v3/middleware/logger"
)

// NewApp mounts every route on a new fiber app. Request logging is off when
// quiet is set.
func NewApp(handlers *APIHandlers, quiet bool) *fiber.App {
	app := fiber.New()
	app.Use(cors.New())

	if !quiet {
		app.Use(logger.New(logger.Config{
			DisableColors: true,
		}))
	}

	app.Get(healthcheck.DefaultLivenessEndpoint, healthcheck.NewHealthChecker())
	app.Get(healthcheck.DefaultReadinessEndpoint, healthcheck.NewHealthChecker())

	app.Get("/", func(c fiber.Ctx) error {
		return c.SendString("agentflow API")
	})

	w := app.Group("/workflows")
	w.Get("/", handlers.ListWorkflows)
	w.Post("/", handlers.RegisterWorkflow)
	w.Get("/:id", handlers.GetWorkflow)
	w.Post("/:id/execute", handlers.ExecuteWorkflow)

	e := app.Group("/executions")
	e.Get("/", handlers.ListExecutions)
	e.Get("/:id", handlers.GetExecution)
	e.Get("/:id/steps", handlers.GetStepHistory)
	e.Post("/:id/cancel", handlers.CancelExecution)

	a := app.Group("/agents")
	a.Get("/", handlers.ListAgents)
	a.Delete("/:id", handlers.UnregisterAgent)

	app.Post("/tasks", handlers.SubmitTask)

	ev := app.Group("/events")
	ev.Get("/", handlers.ListEvents)
	ev.Post("/", handlers.PublishEvent)

	app.Get("/audit", handlers.ListAudit)
	app.Post("/security/scan", handlers.ScanSecrets)

	app.Get("/health", handlers.HealthCheck)

	return app
}
