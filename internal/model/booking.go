package model

import "time"

const (
	BookingConfirmed = "CONFIRMED"
	BookingCancelled = "CANCELLED"

	ItemActive    = "ACTIVE"
	ItemCancelled = "CANCELLED"
)

// Booking is a confirmed purchase of seats on one or more trips.
//
// Fields:
//
//	ID             – uuid primary key.
//	Reference      – short human-facing code, e.g. BK-7F3A9C21.
//	UserID         – purchasing user.
//	Token          – session token whose locks were converted.
//	DraftID        – draft the booking was finalized from.
//	IdempotencyKey – client key; a repeated confirm returns this booking.
//	Status         – CONFIRMED or CANCELLED.
//	Legs           – one leg per trip.
type Booking struct {
	ID             string       `db:"id" json:"booking_id"`
	Reference      string       `db:"reference" json:"reference"`
	UserID         uint64       `db:"user_id" json:"user_id"`
	Token          string       `db:"token" json:"-"`
	DraftID        string       `db:"draft_id" json:"draft_id"`
	IdempotencyKey string       `db:"idempotency_key" json:"-"`
	Status         string       `db:"status" json:"status"`
	CreatedAt      time.Time    `db:"created_at" json:"created_at"`
	UpdatedAt      time.Time    `db:"updated_at" json:"-"`
	Legs           []BookingLeg `db:"-" json:"legs"`
}

// BookingLeg is the part of a booking for one trip (outbound or return).
type BookingLeg struct {
	ID        uint64        `db:"id" json:"leg_id"`
	BookingID string        `db:"booking_id" json:"-"`
	TripID    uint64        `db:"trip_id" json:"trip_id"`
	Direction string        `db:"direction" json:"direction"`
	CreatedAt time.Time     `db:"created_at" json:"-"`
	Items     []BookingItem `db:"-" json:"items"`
}

// BookingItem is one sold seat. At most one ACTIVE item exists per
// (trip, seat).
type BookingItem struct {
	ID        uint64    `db:"id" json:"item_id"`
	BookingID string    `db:"booking_id" json:"-"`
	LegID     uint64    `db:"leg_id" json:"-"`
	TripID    uint64    `db:"trip_id" json:"-"`
	SeatID    uint64    `db:"seat_id" json:"seat_id"`
	SeatLabel string    `db:"seat_label" json:"label"`
	Status    string    `db:"status" json:"status"`
	CreatedAt time.Time `db:"created_at" json:"-"`
}

// SeatRefs returns the leg's seats as refs.
func (l BookingLeg) SeatRefs() []SeatRef {
	out := make([]SeatRef, 0, len(l.Items))
	for _, it := range l.Items {
		out = append(out, SeatRef{SeatID: it.SeatID, Label: it.SeatLabel})
	}
	return out
}
