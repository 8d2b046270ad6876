// Package router wires handlers and middleware onto the echo instance.
package router

import (
	"github.com/labstack/echo/v4"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/iliyamo/bus-seat-booking/internal/config"
	"github.com/iliyamo/bus-seat-booking/internal/handler"
)

// Deps groups everything the routes need. Redis may be nil; the rate limiter
// and the layout cache then pass requests through.
type Deps struct {
	JWTSecret string
	Redis     *redis.Client
	RateLimit config.RateLimitConfig
	Cache     config.CacheConfig
	Log       *logrus.Logger

	Seats    *handler.SeatHandler
	Checkout *handler.CheckoutHandler
	Bookings *handler.BookingHandler
	Admin    *handler.AdminHandler

	Required map[string]handler.HealthCheck
	Optional map[string]handler.HealthCheck
}

// RegisterRoutes registers routes that do not require authentication.
// Currently it exposes only the health check.
func RegisterRoutes(e *echo.Echo, d Deps) {
	e.GET("/healthz", handler.Health(d.Required, d.Optional))
}

// Register mounts every route of the service.
func Register(e *echo.Echo, d Deps) {
	RegisterRoutes(e, d)
	RegisterSeats(e, d)
	RegisterAdmin(e, d)
}
