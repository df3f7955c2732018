package main

import (
	"context"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/adaptor"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/sicko7947/stepflow"
)

// newMetricsApp serves /metrics from gatherer and /health with the time of
// the last auto-finish run
func newMetricsApp(gatherer prometheus.Gatherer, watermark stepflow.Watermark) *fiber.App {
	app := fiber.New()

	app.Get("/health", func(c fiber.Ctx) error {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()

		last, err := watermark.LastRun(ctx)
		if err != nil {
			return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{
				"status": "unavailable",
				"error":  err.Error(),
			})
		}

		body := fiber.Map{"status": "ok"}
		if !last.IsZero() {
			body["last_run"] = last.Format(time.RFC3339)
		}
		return c.JSON(body)
	})

	app.Get("/metrics", adaptor.HTTPHandler(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))

	return app
}

// serveMetrics runs app on addr until ctx is done
func serveMetrics(ctx context.Context, app *fiber.App, addr string, logger zerolog.Logger) {
	go func() {
		logger.Info().Str("address", addr).Msg("Starting metrics server")
		if err := app.Listen(addr, fiber.ListenConfig{DisableStartupMessage: true}); err != nil {
			logger.Error().Err(err).Msg("Metrics server stopped")
		}
	}()

	go func() {
		<-ctx.Done()
		if err := app.ShutdownWithTimeout(5 * time.Second); err != nil {
			logger.Error().Err(err).Msg("Metrics server forced to shutdown")
		}
	}()
}
