package handler

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/sirupsen/logrus"

	"github.com/iliyamo/bus-seat-booking/internal/model"
	"github.com/iliyamo/bus-seat-booking/internal/realtime"
	"github.com/iliyamo/bus-seat-booking/internal/service"
)

// SeatInventory is implemented by service.Inventory.
type SeatInventory interface {
	Trip(ctx context.Context, tripID uint64) (*model.Trip, error)
	TripSeats(ctx context.Context, tripID uint64, token string, userID uint64) (*service.TripSeatMap, error)
	Layout(ctx context.Context, tripID uint64) ([]model.Seat, error)
	Status(ctx context.Context, tripID uint64, seatIDs []uint64) (map[uint64]model.SeatStatus, error)
}

// SeatHinter is implemented by service.HintService.
type SeatHinter interface {
	Select(ctx context.Context, tripID uint64, seatIDs []uint64, userID uint64, ttl time.Duration) (*service.SelectResult, error)
	Unselect(ctx context.Context, tripID uint64, seatIDs []uint64, userID uint64) ([]uint64, error)
}

// SeatHandler serves the per-trip seat routes.
type SeatHandler struct {
	Inventory SeatInventory
	Hints     SeatHinter
	Hub       *realtime.Hub
	Log       *logrus.Logger
	Heartbeat time.Duration // SSE keep-alive interval, 15s when zero
}

// GetSeats handles GET /v1/trips/:id/seats. The optional ?token= query
// parameter plays the role of the body token for held_by_you.
func (h *SeatHandler) GetSeats(c echo.Context) error {
	userID, err := getUserID(c)
	if err != nil {
		return unauthorized(c)
	}
	tripID, ok := parseID(c, "id")
	if !ok {
		return badRequest(c, "invalid trip id")
	}
	token, err := resolveSessionToken(c, c.QueryParam("token"), userID)
	if err != nil {
		return respondError(c, h.Log, err)
	}
	m, err := h.Inventory.TripSeats(c.Request().Context(), tripID, token, userID)
	if err != nil {
		return respondError(c, h.Log, err)
	}
	return c.JSON(http.StatusOK, m)
}

// GetStatus handles GET /v1/trips/:id/seats/status?seat_ids=1,2 and reports
// the current status of just those seats.
func (h *SeatHandler) GetStatus(c echo.Context) error {
	tripID, ok := parseID(c, "id")
	if !ok {
		return badRequest(c, "invalid trip id")
	}
	seatIDs, ok := parseIDList(c.QueryParam("seat_ids"))
	if !ok || len(seatIDs) == 0 {
		return respondError(c, h.Log, &service.ValidationError{Field: "seat_ids", Message: "must be a comma separated list of seat ids"})
	}
	st, err := h.Inventory.Status(c.Request().Context(), tripID, seatIDs)
	if err != nil {
		return respondError(c, h.Log, err)
	}
	return c.JSON(http.StatusOK, echo.Map{"trip_id": tripID, "seats": st})
}

type selectRequest struct {
	SeatIDs []uint64 `json:"seat_ids"`
	HintTTL int      `json:"hint_ttl"` // seconds
}

// Select handles POST /v1/trips/:id/seats/select.
func (h *SeatHandler) Select(c echo.Context) error {
	userID, err := getUserID(c)
	if err != nil {
		return unauthorized(c)
	}
	tripID, ok := parseID(c, "id")
	if !ok {
		return badRequest(c, "invalid trip id")
	}
	var body selectRequest
	if err := c.Bind(&body); err != nil {
		return bindError(c, err)
	}
	res, err := h.Hints.Select(c.Request().Context(), tripID, body.SeatIDs, userID, time.Duration(body.HintTTL)*time.Second)
	if err != nil {
		return respondError(c, h.Log, err)
	}
	return c.JSON(http.StatusOK, res)
}

// Unselect handles POST /v1/trips/:id/seats/unselect.
func (h *SeatHandler) Unselect(c echo.Context) error {
	userID, err := getUserID(c)
	if err != nil {
		return unauthorized(c)
	}
	tripID, ok := parseID(c, "id")
	if !ok {
		return badRequest(c, "invalid trip id")
	}
	var body struct {
		SeatIDs []uint64 `json:"seat_ids"`
	}
	if err := c.Bind(&body); err != nil {
		return bindError(c, err)
	}
	removed, err := h.Hints.Unselect(c.Request().Context(), tripID, body.SeatIDs, userID)
	if err != nil {
		return respondError(c, h.Log, err)
	}
	if removed == nil {
		removed = []uint64{}
	}
	return c.JSON(http.StatusOK, echo.Map{"trip_id": tripID, "removed": removed})
}

// GetLayout handles GET /v1/trips/:id/layout.
func (h *SeatHandler) GetLayout(c echo.Context) error {
	tripID, ok := parseID(c, "id")
	if !ok {
		return badRequest(c, "invalid trip id")
	}
	seats, err := h.Inventory.Layout(c.Request().Context(), tripID)
	if err != nil {
		return respondError(c, h.Log, err)
	}
	return c.JSON(http.StatusOK, echo.Map{"trip_id": tripID, "seats": seats})
}

// StreamEvents handles GET /v1/trips/:id/seats/events as Server-Sent Events.
// Each seat event is sent with its kind as the event name. A "resync" event
// means events were dropped and the client should re-fetch the seat map.
func (h *SeatHandler) StreamEvents(c echo.Context) error {
	tripID, ok := parseID(c, "id")
	if !ok {
		return badRequest(c, "invalid trip id")
	}
	ctx := c.Request().Context()
	if _, err := h.Inventory.Trip(ctx, tripID); err != nil {
		return respondError(c, h.Log, err)
	}

	sub := h.Hub.Subscribe(tripID)
	defer h.Hub.Unsubscribe(sub)
	h.Log.WithFields(logrus.Fields{"trip_id": tripID, "subscribers": h.Hub.Subscribers(tripID)}).Debug("seat stream opened")

	res := c.Response()
	res.Header().Set(echo.HeaderContentType, "text/event-stream")
	res.Header().Set(echo.HeaderCacheControl, "no-cache")
	res.Header().Set(echo.HeaderConnection, "keep-alive")
	res.Header().Set("X-Accel-Buffering", "no")
	res.WriteHeader(http.StatusOK)
	if err := writeSSE(res, "ready", echo.Map{"trip_id": tripID}); err != nil {
		return nil
	}

	every := h.Heartbeat
	if every <= 0 {
		every = 15 * time.Second
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		var err error
		select {
		case <-ctx.Done():
			return nil
		case ev, open := <-sub.Events():
			if !open {
				return nil
			}
			err = writeSSE(res, string(ev.Kind), ev)
		case <-sub.Resync():
			err = writeSSE(res, "resync", echo.Map{"trip_id": tripID})
		case <-ticker.C:
			_, err = fmt.Fprint(res, ": ping\n\n")
			res.Flush()
		}
		if err != nil {
			return nil
		}
	}
}

func writeSSE(res *echo.Response, event string, data interface{}) error {
	b, err := json.Marshal(data)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(res, "event: %s\ndata: %s\n\n", event, b); err != nil {
		return err
	}
	res.Flush()
	return nil
}
