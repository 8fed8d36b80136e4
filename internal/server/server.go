package server

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/patrickhamzaokello/TND-NEWs/internal/pipeline"
)

// Run serves the read-only ops surface: liveness, Prometheus metrics, and
// pipeline stats. No endpoint mutates pipeline state; runs are triggered by
// the CLI or the scheduler.
func Run(addr string, orch *pipeline.Orchestrator) error {
	e := New(orch)
	return e.Start(addr)
}

// New builds the echo instance without starting it, so tests can drive it
// with httptest.
func New(orch *pipeline.Orchestrator) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.Use(middleware.Recover())

	baseLogger := log.New(log.Writer(), "[HTTP] ", log.LstdFlags)
	e.HTTPErrorHandler = func(err error, c echo.Context) {
		code := http.StatusInternalServerError
		msg := err.Error()
		if he, ok := err.(*echo.HTTPError); ok {
			code = he.Code
			if he.Message != nil {
				msg = fmt.Sprint(he.Message)
			}
		}
		req := c.Request()
		baseLogger.Printf("%d %s %s from %s: %v", code, req.Method, req.URL.Path, c.RealIP(), err)
		if !c.Response().Committed {
			_ = c.JSON(code, map[string]interface{}{"error": msg})
		}
	}

	e.GET("/healthz", func(c echo.Context) error { return c.String(http.StatusOK, "ok") })
	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))
	e.GET("/stats", func(c echo.Context) error {
		sinceDays := 7
		if v := c.QueryParam("days"); v != "" {
			if _, err := fmt.Sscanf(v, "%d", &sinceDays); err != nil || sinceDays <= 0 {
				return echo.NewHTTPError(http.StatusBadRequest, "days must be a positive integer")
			}
		}
		since := time.Now().AddDate(0, 0, -sinceDays)
		ctx, cancel := context.WithTimeout(c.Request().Context(), 10*time.Second)
		defer cancel()
		stats, err := orch.Stats(ctx, since)
		if err != nil {
			return fmt.Errorf("pipeline stats: %w", err)
		}
		return c.JSON(http.StatusOK, map[string]interface{}{
			"since": since.Format("2006-01-02"),
			"stats": stats,
			"costs": orch.CostSnapshot(),
		})
	})
	return e
}
