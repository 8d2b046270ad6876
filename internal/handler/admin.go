package handler

import (
	"context"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/iliyamo/bus-seat-booking/internal/service"
)

// SweepRunner is implemented by service.Sweeper.
type SweepRunner interface {
	RunNow(ctx context.Context) service.SweepReport
	Jobs() []service.JobInfo
}

// AdminHandler exposes the sweeper to operators.
type AdminHandler struct {
	Sweeper SweepRunner
}

// Sweep handles POST /v1/admin/sweep. It answers 409 when a sweep is
// already running.
func (h *AdminHandler) Sweep(c echo.Context) error {
	rep := h.Sweeper.RunNow(c.Request().Context())
	if rep.Skipped {
		return c.JSON(http.StatusConflict, rep)
	}
	return c.JSON(http.StatusOK, rep)
}

// Jobs handles GET /v1/admin/jobs.
func (h *AdminHandler) Jobs(c echo.Context) error {
	return c.JSON(http.StatusOK, echo.Map{"items": h.Sweeper.Jobs()})
}
