package model

import "time"

// SeatHint is an advisory "someone is looking at this seat" marker. It never
// affects availability and disappears on its own after ExpiresAt.
type SeatHint struct {
	TripID    uint64    `json:"trip_id"`
	SeatID    uint64    `json:"seat_id"`
	UserID    uint64    `json:"user_id"`
	ExpiresAt time.Time `json:"expires_at"`
}
