// Package queue defines the messages exchanged over RabbitMQ and the
// publisher/consumers that move them: seat events fanned out per trip and
// booking confirmations delivered to a durable queue.
package queue

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"
)

// SeatEventKind names a seat change broadcast to viewers of a trip.
type SeatEventKind string

const (
	SeatLocked   SeatEventKind = "SeatLocked"
	SeatUnlocked SeatEventKind = "SeatUnlocked"
	SeatBooked   SeatEventKind = "SeatBooked"
	SeatHinted   SeatEventKind = "SeatHinted"
	SeatUnhinted SeatEventKind = "SeatUnhinted"
)

// SeatEvent is published on the seat.events exchange with routing key
// trip.<id>. Holder is a fingerprint of the lock token, never the token
// itself, so a client can recognise its own locks without learning anybody
// else's token.
type SeatEvent struct {
	Kind       SeatEventKind `json:"kind"`
	TripID     uint64        `json:"trip_id"`
	SeatIDs    []uint64      `json:"seat_ids"`
	SeatLabels []string      `json:"seat_labels,omitempty"`
	Holder     string        `json:"holder,omitempty"`  // SeatLocked
	UserID     uint64        `json:"user_id,omitempty"` // SeatHinted / SeatUnhinted
	ExpiresAt  *time.Time    `json:"expires_at,omitempty"`
	OccurredAt time.Time     `json:"occurred_at"`
}

// RoutingKey is the topic routing key of the event's trip.
func (e SeatEvent) RoutingKey() string { return TripRoutingKey(e.TripID) }

// TripRoutingKey returns trip.<id>.
func TripRoutingKey(tripID uint64) string { return fmt.Sprintf("trip.%d", tripID) }

// TokenFingerprint returns a short stable digest of a session token.
func TokenFingerprint(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:8])
}

// BookingConfirmedEvent is published when a booking is committed. It carries
// enough for downstream consumers (notification, logging, analytics) to act
// without querying the primary database.
type BookingConfirmedEvent struct {
	BookingID   string            `json:"booking_id"`
	Reference   string            `json:"reference"`
	UserID      uint64            `json:"user_id"`
	Legs        []BookingLegEvent `json:"legs"`
	ConfirmedAt string            `json:"confirmed_at"`
}

// BookingLegEvent is one trip of a confirmed booking.
type BookingLegEvent struct {
	TripID     uint64   `json:"trip_id"`
	Direction  string   `json:"direction"`
	SeatLabels []string `json:"seats"`
}
