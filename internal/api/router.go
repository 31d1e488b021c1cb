// Package api assembles the internal HTTP surface of the pipeline.
package api

import (
	"log"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/maheshrc27/postflow/internal/api/handlers"
	"github.com/maheshrc27/postflow/internal/api/middleware"
	job "github.com/maheshrc27/postflow/internal/jobs"
	"github.com/maheshrc27/postflow/internal/platform"
	"github.com/maheshrc27/postflow/internal/service"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Deps struct {
	Scheduler     service.SchedulerService
	Credentials   service.CredentialService
	Drivers       *platform.Registry
	TickJob       *job.TickJob
	ServiceSecret string
	Gatherer      prometheus.Gatherer
	AccessLog     bool
}

func NewApp(d Deps) *fiber.App {
	app := fiber.New(fiber.Config{
		ReadTimeout:  time.Minute,
		WriteTimeout: 10 * time.Minute,
		BodyLimit:    4 * 1024 * 1024,
		ErrorHandler: func(c *fiber.Ctx, err error) error {
			code := fiber.StatusInternalServerError
			if fe, ok := err.(*fiber.Error); ok {
				code = fe.Code
			} else {
				log.Printf("Error: %v", err)
			}
			return c.Status(code).JSON(fiber.Map{"error": err.Error()})
		},
	})

	app.Use(recover.New())
	if d.AccessLog {
		app.Use(logger.New())
	}
	app.Use(cors.New(cors.Config{
		AllowMethods: "GET,POST,PUT,DELETE,OPTIONS",
		AllowHeaders: "Origin, Content-Type, Accept, Authorization",
		MaxAge:       3600,
	}))

	app.Get("/healthz", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"status": "ok"})
	})
	if d.Gatherer != nil {
		app.Get("/metrics", adaptor.HTTPHandler(promhttp.HandlerFor(d.Gatherer, promhttp.HandlerOpts{})))
	}

	authMiddleware := middleware.NewAuthMiddleware(d.ServiceSecret)
	v1 := app.Group("/internal/v1")
	v1.Use(authMiddleware.AuthMiddleware())

	post := handlers.NewPostHandler(d.Scheduler, d.TickJob)
	v1.Post("/posts", post.CreatePost)
	v1.Post("/posts/bulk", post.BulkSchedule)
	v1.Post("/drafts", post.SaveDraft)
	v1.Get("/posts", post.ListPosts)
	v1.Get("/posts/:id", post.GetPost)
	v1.Post("/posts/:id/schedule", post.ScheduleDraft)
	v1.Post("/posts/:id/cancel", post.CancelPost)
	v1.Post("/posts/:id/retry", post.RetryPost)
	v1.Get("/posts/:id/items", post.ListItems)
	v1.Get("/queue/stats", post.QueueStats)
	v1.Post("/tick", post.Tick)

	platforms := handlers.NewPlatformHandler(d.Credentials, d.Drivers)
	v1.Get("/platforms", platforms.ListPlatforms)
	v1.Get("/platforms/health", platforms.Health)
	v1.Get("/platforms/:platform/credentials", platforms.GetCredential)
	v1.Put("/platforms/:platform/credentials", platforms.PutCredential)
	v1.Delete("/platforms/:platform/credentials", platforms.DeleteCredential)
	v1.Post("/platforms/:platform/credentials/refresh", platforms.RefreshCredential)

	return app
}
