package handler

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/sirupsen/logrus"

	"github.com/iliyamo/bus-seat-booking/internal/model"
	"github.com/iliyamo/bus-seat-booking/internal/service"
)

// BookingConfirmer is implemented by service.Finalizer.
type BookingConfirmer interface {
	Confirm(ctx context.Context, req service.ConfirmRequest) (*service.ConfirmResult, error)
	Booking(ctx context.Context, id string, userID uint64) (*model.Booking, error)
	Draft(ctx context.Context, id string, userID uint64) (*model.DraftCheckout, error)
}

// BookingHandler serves confirmation and lookup routes.
type BookingHandler struct {
	Finalizer BookingConfirmer
	Log       *logrus.Logger
}

// Confirm handles POST /v1/bookings/confirm. The idempotency key may also be
// sent in the Idempotency-Key header. A replayed confirm answers 200 with the
// original booking and replayed=true.
func (h *BookingHandler) Confirm(c echo.Context) error {
	userID, err := getUserID(c)
	if err != nil {
		return unauthorized(c)
	}
	var body struct {
		DraftID        string `json:"draft_id"`
		IdempotencyKey string `json:"idempotency_key"`
	}
	if err := c.Bind(&body); err != nil {
		return bindError(c, err)
	}
	key := strings.TrimSpace(body.IdempotencyKey)
	if key == "" {
		key = strings.TrimSpace(c.Request().Header.Get("Idempotency-Key"))
	}
	res, err := h.Finalizer.Confirm(c.Request().Context(), service.ConfirmRequest{
		DraftID:        body.DraftID,
		IdempotencyKey: key,
		UserID:         userID,
	})
	if err != nil {
		return respondError(c, h.Log, err)
	}
	return c.JSON(http.StatusOK, echo.Map{"booking": res.Booking, "replayed": res.Replayed})
}

// GetBooking handles GET /v1/bookings/:id for the booking's owner.
func (h *BookingHandler) GetBooking(c echo.Context) error {
	userID, err := getUserID(c)
	if err != nil {
		return unauthorized(c)
	}
	b, err := h.Finalizer.Booking(c.Request().Context(), c.Param("id"), userID)
	if err != nil {
		return respondError(c, h.Log, err)
	}
	return c.JSON(http.StatusOK, b)
}

type draftResponse struct {
	DraftID   string           `json:"draft_id"`
	Status    string           `json:"status"`
	Items     model.DraftItems `json:"items"`
	ExpiresAt *time.Time       `json:"expires_at,omitempty"`
	BookingID *string          `json:"booking_id,omitempty"`
}

// GetDraft handles GET /v1/drafts/:id for the draft's owner. The session
// token is never returned.
func (h *BookingHandler) GetDraft(c echo.Context) error {
	userID, err := getUserID(c)
	if err != nil {
		return unauthorized(c)
	}
	d, err := h.Finalizer.Draft(c.Request().Context(), c.Param("id"), userID)
	if err != nil {
		return respondError(c, h.Log, err)
	}
	out := draftResponse{DraftID: d.ID, Status: d.Status, Items: d.Items, ExpiresAt: d.ExpiresAt, BookingID: d.BookingID}
	if out.Items == nil {
		out.Items = model.DraftItems{}
	}
	return c.JSON(http.StatusOK, out)
}
