package router

import (
	"github.com/labstack/echo/v4"

	"github.com/iliyamo/bus-seat-booking/internal/middleware"
	"github.com/iliyamo/bus-seat-booking/internal/utils"
)

// RegisterSeats registers the customer facing seat, checkout and booking
// endpoints under /v1. All of them require a valid JWT. The write routes
// that contend for seats share one token bucket; the static layout is served
// through the Redis response cache.
func RegisterSeats(e *echo.Echo, d Deps) {
	g := e.Group(
		"/v1",
		middleware.JWTAuth(d.JWTSecret),
		middleware.RequireRole(utils.RoleCustomer, utils.RoleAdmin),
	)
	limit := middleware.NewTokenBucket(d.RateLimit, d.Redis, d.Log)
	cache := middleware.NewRedisCache(d.Cache, d.Redis, d.Log)

	g.GET("/trips/:id/seats", d.Seats.GetSeats)
	g.GET("/trips/:id/seats/status", d.Seats.GetStatus)
	g.GET("/trips/:id/seats/events", d.Seats.StreamEvents)
	g.GET("/trips/:id/layout", d.Seats.GetLayout, cache)
	g.POST("/trips/:id/seats/select", d.Seats.Select, limit)
	g.POST("/trips/:id/seats/unselect", d.Seats.Unselect)

	g.POST("/seats/checkout", d.Checkout.Checkout, limit)
	g.POST("/seats/release", d.Checkout.Release)

	g.POST("/bookings/confirm", d.Bookings.Confirm, limit)
	g.GET("/bookings/:id", d.Bookings.GetBooking)
	g.GET("/drafts/:id", d.Bookings.GetDraft)
}
