package model

import "time"

// SeatStatus is the derived availability of a seat on a trip. It is never
// stored; every read computes it from bookings and live locks.
type SeatStatus string

const (
	SeatAvailable SeatStatus = "available"
	SeatLocked    SeatStatus = "locked"
	SeatBooked    SeatStatus = "booked"
)

// DeriveSeatStatus applies the precedence booked > locked > available. A lock
// whose expiry is not after now counts as absent even if the row still exists.
func DeriveSeatStatus(booked bool, lockExpiresAt *time.Time, now time.Time) SeatStatus {
	switch {
	case booked:
		return SeatBooked
	case lockExpiresAt != nil && lockExpiresAt.After(now):
		return SeatLocked
	default:
		return SeatAvailable
	}
}

// SeatState is a seat together with its derived status on one trip.
type SeatState struct {
	Seat
	Status        SeatStatus
	LockToken     string     // empty unless Status == SeatLocked
	LockExpiresAt *time.Time // nil unless Status == SeatLocked
}
