package repository

import (
	"context"
	"database/sql"
	"errors"

	"github.com/jmoiron/sqlx"

	"github.com/iliyamo/bus-seat-booking/internal/model"
)

// TripRepo reads trips. Trips are created and scheduled by another system;
// this service only needs to know which bus runs a trip and whether it can
// still be sold.
type TripRepo struct {
	db *sqlx.DB
}

// NewTripRepo constructs a TripRepo with the given DB handle.
func NewTripRepo(db *sqlx.DB) *TripRepo { return &TripRepo{db: db} }

// GetByID returns the trip or ErrTripNotFound.
func (r *TripRepo) GetByID(ctx context.Context, id uint64) (*model.Trip, error) {
	const q = `SELECT id, bus_id, route_id, departure_time, status, created_at, updated_at
	           FROM trips WHERE id = ?`
	var t model.Trip
	if err := r.db.GetContext(ctx, &t, q, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrTripNotFound
		}
		return nil, err
	}
	return &t, nil
}
