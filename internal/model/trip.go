package model

import "time"

const (
	TripScheduled = "SCHEDULED"
	TripCancelled = "CANCELLED"
	TripDeparted  = "DEPARTED"
)

// Trip is one scheduled run of a bus on a route. Seat availability is scoped
// to a trip; the seats themselves belong to the bus.
//
// Fields:
//
//	ID            – primary key identifier.
//	BusID         – bus operating the trip.
//	RouteID       – route reference (managed elsewhere).
//	DepartureTime – scheduled departure in UTC.
//	Status        – SCHEDULED, CANCELLED or DEPARTED.
type Trip struct {
	ID            uint64    `db:"id" json:"trip_id"`                    // trips.id
	BusID         uint64    `db:"bus_id" json:"bus_id"`                 // trips.bus_id
	RouteID       uint64    `db:"route_id" json:"route_id"`             // trips.route_id
	DepartureTime time.Time `db:"departure_time" json:"departure_time"` // trips.departure_time
	Status        string    `db:"status" json:"status"`                 // trips.status
	CreatedAt     time.Time `db:"created_at" json:"-"`                  // trips.created_at
	UpdatedAt     time.Time `db:"updated_at" json:"-"`                  // trips.updated_at
}

// Bookable reports whether seats on the trip can still be held or sold.
func (t Trip) Bookable(now time.Time) bool {
	return t.Status == TripScheduled && t.DepartureTime.After(now)
}
