// Package handler exposes the seat, checkout, booking and admin HTTP
// endpoints. Handlers bind and validate the transport shape, call one
// service method and map its error to a status code with respondError.
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/labstack/echo/v4"
	"github.com/sirupsen/logrus"

	"github.com/iliyamo/bus-seat-booking/internal/middleware"
	"github.com/iliyamo/bus-seat-booking/internal/repository"
	"github.com/iliyamo/bus-seat-booking/internal/service"
)

// getUserID extracts the authenticated user id set by JWTAuth.
func getUserID(c echo.Context) (uint64, error) {
	switch t := c.Get(middleware.CtxUserID).(type) {
	case uint64:
		if t > 0 {
			return t, nil
		}
	case int64:
		if t > 0 {
			return uint64(t), nil
		}
	case float64:
		if t > 0 {
			return uint64(t), nil
		}
	case string:
		if n, err := strconv.ParseUint(t, 10, 64); err == nil && n > 0 {
			return n, nil
		}
	}
	return 0, errors.New("invalid user_id in context")
}

// resolveSessionToken picks the seat session token: the body value, then the
// X-Session-Token header, then the authenticated user id. The "user:" prefix
// is reserved for that fallback, so a supplied token carrying it must name
// the caller.
func resolveSessionToken(c echo.Context, bodyToken string, userID uint64) (string, error) {
	own := ""
	if userID > 0 {
		own = userTokenPrefix + strconv.FormatUint(userID, 10)
	}
	for _, t := range []string{bodyToken, c.Request().Header.Get(middleware.SessionHeader)} {
		t = strings.TrimSpace(t)
		if t == "" {
			continue
		}
		if strings.HasPrefix(t, userTokenPrefix) && t != own {
			return "", &service.ValidationError{Field: "token", Message: "belongs to another user"}
		}
		return t, nil
	}
	return own, nil
}

const userTokenPrefix = "user:"

// parseIDList reads a comma separated list of positive ids, e.g. "1,2,3".
func parseIDList(raw string) ([]uint64, bool) {
	var ids []uint64
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		id, err := strconv.ParseUint(part, 10, 64)
		if err != nil || id == 0 {
			return nil, false
		}
		ids = append(ids, id)
	}
	return ids, true
}

// parseID reads a positive uint64 path parameter.
func parseID(c echo.Context, name string) (uint64, bool) {
	id, err := strconv.ParseUint(c.Param(name), 10, 64)
	return id, err == nil && id > 0
}

type tripConflict struct {
	TripID uint64                    `json:"trip_id"`
	Seats  []repository.SeatConflict `json:"seats"`
}

// respondError maps service and repository errors onto HTTP responses:
// 422 validation, 409 conflict, 404 not found, 500 anything else.
func respondError(c echo.Context, log *logrus.Logger, err error) error {
	var ve *service.ValidationError
	var ce *repository.ConflictError
	switch {
	case errors.As(err, &ve):
		return c.JSON(http.StatusUnprocessableEntity, echo.Map{"error": ve.Error(), "field": ve.Field})
	case errors.As(err, &ce):
		conflicts := make([]tripConflict, 0, len(ce.Trips))
		for _, tripID := range ce.TripIDs() {
			conflicts = append(conflicts, tripConflict{TripID: tripID, Seats: ce.Trips[tripID]})
		}
		return c.JSON(http.StatusConflict, echo.Map{
			"error":     "seat conflict",
			"kind":      ce.Kind,
			"retryable": ce.Retryable(),
			"conflicts": conflicts,
		})
	case errors.Is(err, repository.ErrForeignSession):
		return c.JSON(http.StatusConflict, echo.Map{"error": err.Error(), "kind": "session_conflict", "retryable": false})
	case errors.Is(err, service.ErrDraftAlreadyConfirmed):
		return c.JSON(http.StatusConflict, echo.Map{"error": err.Error(), "kind": "already_confirmed", "retryable": false})
	case errors.Is(err, repository.ErrTripNotFound),
		errors.Is(err, repository.ErrDraftNotFound),
		errors.Is(err, repository.ErrBookingNotFound):
		return c.JSON(http.StatusNotFound, echo.Map{"error": err.Error()})
	case errors.Is(err, context.Canceled):
		return c.NoContent(499)
	}
	log.WithError(err).WithFields(logrus.Fields{
		"method": c.Request().Method,
		"path":   c.Request().URL.Path,
	}).Error("request failed")
	return c.JSON(http.StatusInternalServerError, echo.Map{"error": "internal error"})
}

// bindError answers a failed c.Bind. A JSON value of the wrong type is a
// validation failure on that field (422); malformed JSON stays a 400.
func bindError(c echo.Context, err error) error {
	var te *json.UnmarshalTypeError
	if errors.As(err, &te) && te.Field != "" {
		field := te.Field
		if i := strings.LastIndex(field, "."); i >= 0 {
			field = field[i+1:]
		}
		return c.JSON(http.StatusUnprocessableEntity, echo.Map{
			"error": fmt.Sprintf("%s: must be %s", field, te.Type.String()),
			"field": field,
		})
	}
	return badRequest(c, "invalid request body")
}

func badRequest(c echo.Context, msg string) error {
	return c.JSON(http.StatusBadRequest, echo.Map{"error": msg})
}

func unauthorized(c echo.Context) error {
	return c.JSON(http.StatusUnauthorized, echo.Map{"error": "unauthorized"})
}
