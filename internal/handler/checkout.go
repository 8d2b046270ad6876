package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/sirupsen/logrus"

	"github.com/iliyamo/bus-seat-booking/internal/model"
	"github.com/iliyamo/bus-seat-booking/internal/service"
)

// SeatLocker is implemented by service.LockManager.
type SeatLocker interface {
	Checkout(ctx context.Context, req service.CheckoutRequest) (*service.CheckoutResult, error)
	ReleaseByToken(ctx context.Context, token string, tripIDs []uint64) (int, error)
}

// CheckoutHandler serves the lock routes.
type CheckoutHandler struct {
	Locks SeatLocker
	Log   *logrus.Logger
}

type checkoutTrip struct {
	TripID  uint64   `json:"trip_id"`
	SeatIDs []uint64 `json:"seat_ids"`
	Leg     string   `json:"leg"`
}

type checkoutRequest struct {
	Token      string         `json:"token"`
	TTLSeconds int            `json:"ttl_seconds"`
	Trips      []checkoutTrip `json:"trips"`
}

// Checkout handles POST /v1/seats/checkout. It locks every requested seat on
// every trip or nothing: 200 with the token, draft id and expiry, or 409 with
// the blocking seats per trip.
func (h *CheckoutHandler) Checkout(c echo.Context) error {
	userID, err := getUserID(c)
	if err != nil {
		return unauthorized(c)
	}
	var body checkoutRequest
	if err := c.Bind(&body); err != nil {
		return bindError(c, err)
	}
	token, err := resolveSessionToken(c, body.Token, userID)
	if err != nil {
		return respondError(c, h.Log, err)
	}
	trips := make([]model.TripSelection, 0, len(body.Trips))
	for _, t := range body.Trips {
		trips = append(trips, model.TripSelection{TripID: t.TripID, Leg: t.Leg, SeatIDs: t.SeatIDs})
	}
	res, err := h.Locks.Checkout(c.Request().Context(), service.CheckoutRequest{
		Token:  token,
		UserID: userID,
		TTL:    time.Duration(body.TTLSeconds) * time.Second,
		Trips:  trips,
	})
	if err != nil {
		return respondError(c, h.Log, err)
	}
	return c.JSON(http.StatusOK, res)
}

// Release handles POST /v1/seats/release. Releasing seats that are not held
// succeeds with released=0.
func (h *CheckoutHandler) Release(c echo.Context) error {
	userID, err := getUserID(c)
	if err != nil {
		return unauthorized(c)
	}
	var body struct {
		Token   string   `json:"token"`
		TripIDs []uint64 `json:"trip_ids"`
	}
	if err := c.Bind(&body); err != nil {
		return bindError(c, err)
	}
	token, err := resolveSessionToken(c, body.Token, userID)
	if err != nil {
		return respondError(c, h.Log, err)
	}
	n, err := h.Locks.ReleaseByToken(c.Request().Context(), token, body.TripIDs)
	if err != nil {
		return respondError(c, h.Log, err)
	}
	return c.JSON(http.StatusOK, echo.Map{"released": n})
}
