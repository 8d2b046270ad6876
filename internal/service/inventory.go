package service

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/iliyamo/bus-seat-booking/internal/model"
)

// Inventory answers "what is the state of these seats right now". It reads
// bookings and locks in one statement and never writes.
type Inventory struct {
	trips TripFinder
	seats SeatCatalog
	hints HintStore
	log   *logrus.Logger
	now   func() time.Time
}

func NewInventory(trips TripFinder, seats SeatCatalog, hints HintStore, log *logrus.Logger) *Inventory {
	return &Inventory{trips: trips, seats: seats, hints: hints, log: log, now: utcNow}
}

// Trip returns the trip or repository.ErrTripNotFound.
func (i *Inventory) Trip(ctx context.Context, tripID uint64) (*model.Trip, error) {
	return i.trips.GetByID(ctx, tripID)
}

// Status maps each requested seat of tripID to its derived status. Seats that
// are not on the trip's bus are rejected.
func (i *Inventory) Status(ctx context.Context, tripID uint64, seatIDs []uint64) (map[uint64]model.SeatStatus, error) {
	if _, err := i.trips.GetByID(ctx, tripID); err != nil {
		return nil, err
	}
	states, err := i.seats.States(ctx, tripID, seatIDs, i.now())
	if err != nil {
		return nil, fmt.Errorf("seat status of trip %d: %w", tripID, err)
	}
	out := make(map[uint64]model.SeatStatus, len(states))
	for _, st := range states {
		out[st.ID] = st.Status
	}
	for _, id := range seatIDs {
		if _, ok := out[id]; !ok {
			return nil, invalid("seat_ids", "seat %d is not on trip %d", id, tripID)
		}
	}
	return out, nil
}

// SeatView is one seat of the trip seat map as shown to a caller.
type SeatView struct {
	model.Seat
	Status        model.SeatStatus `json:"status"`
	HeldByYou     bool             `json:"held_by_you"`
	LockExpiresAt *time.Time       `json:"lock_expires_at,omitempty"`
	Hinted        bool             `json:"hinted"`
}

// TripSeatMap is the full inventory of a trip.
type TripSeatMap struct {
	Trip  model.Trip `json:"trip"`
	Seats []SeatView `json:"seats"`
}

// TripSeats returns every seat of the trip with its status. HeldByYou marks
// seats locked by token; Hinted marks seats someone other than userID is
// looking at. Hints are best effort and a hint store failure only drops them.
func (i *Inventory) TripSeats(ctx context.Context, tripID uint64, token string, userID uint64) (*TripSeatMap, error) {
	trip, err := i.trips.GetByID(ctx, tripID)
	if err != nil {
		return nil, err
	}
	now := i.now()
	states, err := i.seats.States(ctx, tripID, nil, now)
	if err != nil {
		return nil, fmt.Errorf("seat map of trip %d: %w", tripID, err)
	}

	hinted := make(map[uint64]bool)
	if i.hints != nil {
		hints, err := i.hints.Live(ctx, tripID, now)
		if err != nil {
			i.log.WithError(err).WithField("trip_id", tripID).Warn("seat hints unavailable")
		}
		for _, h := range hints {
			if h.UserID != userID {
				hinted[h.SeatID] = true
			}
		}
	}

	out := &TripSeatMap{Trip: *trip, Seats: make([]SeatView, 0, len(states))}
	for _, st := range states {
		v := SeatView{Seat: st.Seat, Status: st.Status, Hinted: hinted[st.ID]}
		if st.Status == model.SeatLocked && token != "" && st.LockToken == token {
			v.HeldByYou = true
			v.LockExpiresAt = st.LockExpiresAt
		}
		out.Seats = append(out.Seats, v)
	}
	return out, nil
}

// Layout returns the static seat map of the trip's bus.
func (i *Inventory) Layout(ctx context.Context, tripID uint64) ([]model.Seat, error) {
	if _, err := i.trips.GetByID(ctx, tripID); err != nil {
		return nil, err
	}
	seats, err := i.seats.ListByTrip(ctx, tripID)
	if err != nil {
		return nil, fmt.Errorf("layout of trip %d: %w", tripID, err)
	}
	return seats, nil
}
