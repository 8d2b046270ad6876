// Package repository holds the MySQL and Redis data access for trips, seats,
// seat locks, drafts, bookings and seat hints. The error values defined here
// are shared with the service and handler layers so that callers can tell
// "not found", "conflict" and transient failures apart.
package repository

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

var (
	ErrTripNotFound    = errors.New("trip not found")
	ErrDraftNotFound   = errors.New("draft not found")
	ErrBookingNotFound = errors.New("booking not found")

	// ErrDraftConfirmed is returned by Finalize when the draft was confirmed
	// by a concurrent call while this one waited for the row lock.
	ErrDraftConfirmed = errors.New("draft already confirmed")

	// ErrDuplicateIdempotencyKey is returned when another booking already
	// carries the idempotency key.
	ErrDuplicateIdempotencyKey = errors.New("idempotency key already used")

	// ErrForeignSession is returned by Acquire when the session token's locks
	// or open draft belong to another user.
	ErrForeignSession = errors.New("session token belongs to another user")
)

// ConflictKind classifies why seats could not be locked or confirmed.
type ConflictKind string

const (
	// ConflictSeatUnavailable: a seat is booked or locked by another session.
	ConflictSeatUnavailable ConflictKind = "seat_unavailable"
	// ConflictLockLost: the caller's lock expired or was taken over.
	ConflictLockLost ConflictKind = "lock_lost"
	// ConflictContention: the row lock could not be obtained within the
	// bounded wait. The caller may retry.
	ConflictContention ConflictKind = "contention"
)

// Per-seat conflict reasons.
const (
	ReasonBooked  = "booked"
	ReasonLocked  = "locked"
	ReasonExpired = "expired"
	ReasonTaken   = "taken"
)

// SeatConflict names one seat that blocked an operation.
type SeatConflict struct {
	SeatID uint64 `json:"seat_id"`
	Reason string `json:"reason"`
}

// ConflictError reports the per-trip seats that blocked a lock or confirm.
// Trips is empty for ConflictContention.
type ConflictError struct {
	Kind  ConflictKind
	Trips map[uint64][]SeatConflict
}

// NewConflictError returns an empty conflict of the given kind.
func NewConflictError(kind ConflictKind) *ConflictError {
	return &ConflictError{Kind: kind, Trips: make(map[uint64][]SeatConflict)}
}

// Add records a blocking seat.
func (e *ConflictError) Add(tripID, seatID uint64, reason string) {
	e.Trips[tripID] = append(e.Trips[tripID], SeatConflict{SeatID: seatID, Reason: reason})
}

// Empty reports whether no seat was recorded.
func (e *ConflictError) Empty() bool { return len(e.Trips) == 0 }

// Retryable reports whether an immediate retry can succeed.
func (e *ConflictError) Retryable() bool {
	return e.Kind == ConflictContention || e.Kind == ConflictLockLost
}

// TripIDs returns the conflicting trip ids in ascending order.
func (e *ConflictError) TripIDs() []uint64 {
	ids := make([]uint64, 0, len(e.Trips))
	for id := range e.Trips {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// SeatsWithReason returns trip -> seat ids whose reason equals reason.
func (e *ConflictError) SeatsWithReason(reason string) map[uint64][]uint64 {
	out := make(map[uint64][]uint64)
	for tripID, seats := range e.Trips {
		for _, s := range seats {
			if s.Reason == reason {
				out[tripID] = append(out[tripID], s.SeatID)
			}
		}
	}
	return out
}

func (e *ConflictError) Error() string {
	if e.Empty() {
		return fmt.Sprintf("seat conflict: %s", e.Kind)
	}
	parts := make([]string, 0, len(e.Trips))
	for _, tripID := range e.TripIDs() {
		seats := make([]string, 0, len(e.Trips[tripID]))
		for _, s := range e.Trips[tripID] {
			seats = append(seats, fmt.Sprintf("%d(%s)", s.SeatID, s.Reason))
		}
		parts = append(parts, fmt.Sprintf("trip %d: %s", tripID, strings.Join(seats, ",")))
	}
	return fmt.Sprintf("seat conflict: %s: %s", e.Kind, strings.Join(parts, "; "))
}
