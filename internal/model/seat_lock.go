package model

import "time"

// SeatLock is an exclusive, expiring claim on one seat of one trip, owned by
// a session token. A lock whose ExpiresAt is not after the current time is
// treated as absent.
//
// Fields:
//
//	ID        – primary key identifier.
//	TripID    – trip the seat is locked on.
//	SeatID    – locked seat.
//	SeatLabel – seat label joined from seats (not stored on the lock).
//	Token     – owning session token.
//	UserID    – authenticated user that acquired the lock.
//	ExpiresAt – when the lock stops counting.
type SeatLock struct {
	ID        uint64    `db:"id"`         // seat_locks.id
	TripID    uint64    `db:"trip_id"`    // seat_locks.trip_id
	SeatID    uint64    `db:"seat_id"`    // seat_locks.seat_id
	SeatLabel string    `db:"label"`      // seats.label
	Token     string    `db:"token"`      // seat_locks.token
	UserID    uint64    `db:"user_id"`    // seat_locks.user_id
	ExpiresAt time.Time `db:"expires_at"` // seat_locks.expires_at
}

// Live reports whether the lock still holds at now.
func (l SeatLock) Live(now time.Time) bool { return l.ExpiresAt.After(now) }

// GroupLocksByTrip groups locks per trip as seat refs, preserving order.
func GroupLocksByTrip(locks []SeatLock) map[uint64][]SeatRef {
	out := make(map[uint64][]SeatRef)
	for _, l := range locks {
		out[l.TripID] = append(out[l.TripID], SeatRef{SeatID: l.SeatID, Label: l.SeatLabel})
	}
	return out
}

// TripSelection is one trip's part of a multi-trip checkout request.
type TripSelection struct {
	TripID  uint64
	Leg     string
	SeatIDs []uint64
}
