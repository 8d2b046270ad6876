package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
)

// HealthCheck pings one dependency.
type HealthCheck func(ctx context.Context) error

// Health reports "ok" when every required check passes. Optional checks are
// reported but never fail the endpoint.
func Health(required, optional map[string]HealthCheck) echo.HandlerFunc {
	return func(c echo.Context) error {
		ctx, cancel := context.WithTimeout(c.Request().Context(), 2*time.Second)
		defer cancel()

		status := http.StatusOK
		checks := make(map[string]string, len(required)+len(optional))
		for name, check := range required {
			if err := check(ctx); err != nil {
				checks[name] = err.Error()
				status = http.StatusServiceUnavailable
				continue
			}
			checks[name] = "ok"
		}
		for name, check := range optional {
			if check == nil {
				checks[name] = "disabled"
				continue
			}
			if err := check(ctx); err != nil {
				checks[name] = "degraded: " + err.Error()
				continue
			}
			checks[name] = "ok"
		}
		state := "ok"
		if status != http.StatusOK {
			state = "unavailable"
		}
		return c.JSON(status, echo.Map{"status": state, "checks": checks})
	}
}
