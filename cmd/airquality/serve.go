package main

import (
	"context"
	"errors"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/spf13/cobra"

	httpapi "github.com/i474232898/air-quality-aggregation/internal/api/http"
	"github.com/i474232898/air-quality-aggregation/internal/interp"
	"github.com/i474232898/air-quality-aggregation/internal/logging"
	"github.com/i474232898/air-quality-aggregation/internal/pollution"
	"github.com/i474232898/air-quality-aggregation/internal/scheduler"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API with periodic sync and model refresh",
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	svc, err := newServices(cfg)
	if err != nil {
		return err
	}
	defer svc.Close()

	// Scheduler that periodically syncs feeds and refits the model.
	refresh := scheduler.RefresherFunc(func(ctx context.Context) error {
		_, err := svc.model.Refresh(ctx)
		return err
	})
	sched := scheduler.New(cfg.SensorIDs(), svc.feed, refresh, cfg.SyncInterval, cfg.ModelInterval)

	// Fit an initial model from whatever is already cached.
	if _, err := svc.model.Refresh(cmd.Context()); err != nil {
		if errors.Is(err, interp.ErrNotEnoughObservations) {
			logging.Info().Msg("no cached observations yet; model will be fitted after the first sync")
		} else {
			logging.Warn().Err(err).Msg("initial model fit failed")
		}
	} else {
		sched.MarkFitted()
	}

	if err := sched.Start(); err != nil {
		return err
	}
	defer sched.Stop()

	// Basic app configuration
	app := fiber.New(fiber.Config{
		AppName:               "air-quality-aggregation",
		DisableStartupMessage: true,
		ReadTimeout:           10 * time.Second,
		WriteTimeout:          2 * time.Minute,
		ErrorHandler: func(c *fiber.Ctx, err error) error {
			// Centralized error response
			code := fiber.StatusInternalServerError
			var e *fiber.Error
			if errors.As(err, &e) {
				code = e.Code
			}
			return c.Status(code).JSON(fiber.Map{
				"error":   true,
				"message": err.Error(),
			})
		},
	})

	// Global middleware
	app.Use(logger.New())
	app.Use(recover.New())
	app.Use(cors.New())

	// Basic health endpoint
	app.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"status":  "ok",
			"service": "air-quality-aggregation",
			"sensors": len(cfg.Sensors),
		})
	})

	deps := httpapi.Deps{
		Feed:     svc.feed,
		Model:    svc.model,
		Geocoder: svc.geocoder,
		Sensors:  cfg.Sensors,
		Schema:   pollution.DefaultSchema,
	}
	if svc.locations != nil {
		deps.Locations = svc.locations
	}
	httpapi.RegisterRoutes(app, deps)

	go func() {
		logging.Info().Str("port", cfg.Port).Msg("http server listening")
		if err := app.Listen(":" + cfg.Port); err != nil {
			logging.Error().Err(err).Msg("fiber server stopped")
		}
	}()

	// Wait for termination signal
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := app.ShutdownWithContext(shutdownCtx); err != nil {
		logging.Error().Err(err).Msg("error during shutdown")
	}
	return nil
}
