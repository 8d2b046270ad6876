package router

import (
	"github.com/labstack/echo/v4"

	"github.com/iliyamo/bus-seat-booking/internal/middleware"
	"github.com/iliyamo/bus-seat-booking/internal/utils"
)

// RegisterAdmin registers operator endpoints under /v1/admin. They require a
// valid JWT carrying the ADMIN role.
func RegisterAdmin(e *echo.Echo, d Deps) {
	g := e.Group(
		"/v1/admin",
		middleware.JWTAuth(d.JWTSecret),
		middleware.RequireRole(utils.RoleAdmin),
	)
	g.POST("/sweep", d.Admin.Sweep)
	g.GET("/jobs", d.Admin.Jobs)
}
