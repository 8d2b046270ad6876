package model

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"time"
)

const (
	DraftOpen      = "OPEN"
	DraftConfirmed = "CONFIRMED"
)

const (
	LegOut    = "OUT"
	LegReturn = "RETURN"
)

// DraftItem is one trip of a draft checkout with the seats locked on it.
type DraftItem struct {
	TripID uint64    `json:"trip_id"`
	Leg    string    `json:"leg"`
	Seats  []SeatRef `json:"seats"`
}

// DraftItems is stored as a JSON column.
type DraftItems []DraftItem

// Value implements driver.Valuer.
func (d DraftItems) Value() (driver.Value, error) {
	if d == nil {
		d = DraftItems{}
	}
	b, err := json.Marshal(d)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

// Scan implements sql.Scanner.
func (d *DraftItems) Scan(src interface{}) error {
	var raw []byte
	switch v := src.(type) {
	case nil:
		*d = DraftItems{}
		return nil
	case []byte:
		raw = v
	case string:
		raw = []byte(v)
	default:
		return errors.New("draft items: unsupported column type")
	}
	return json.Unmarshal(raw, d)
}

// DraftCheckout stages the lock set of one session token between checkout
// and confirmation. Only one OPEN draft exists per token.
//
// Fields:
//
//	ID             – uuid returned to the client as draft_id.
//	Token          – session token owning the locks.
//	UserID         – authenticated user that created the draft.
//	Status         – OPEN or CONFIRMED.
//	Items          – trips and seats currently locked by Token.
//	ExpiresAt      – earliest lock expiry among Items (nil when empty).
//	BookingID      – set once confirmed.
//	IdempotencyKey – key used by the confirming call.
type DraftCheckout struct {
	ID             string     `db:"id"`
	Token          string     `db:"token"`
	UserID         uint64     `db:"user_id"`
	Status         string     `db:"status"`
	Items          DraftItems `db:"items"`
	ExpiresAt      *time.Time `db:"expires_at"`
	BookingID      *string    `db:"booking_id"`
	IdempotencyKey *string    `db:"idempotency_key"`
	CreatedAt      time.Time  `db:"created_at"`
	UpdatedAt      time.Time  `db:"updated_at"`
}

// TripSeatMap returns trip id -> seat ids for the draft's items.
func (d DraftCheckout) TripSeatMap() map[uint64][]uint64 {
	out := make(map[uint64][]uint64, len(d.Items))
	for _, it := range d.Items {
		out[it.TripID] = append(out[it.TripID], SeatIDs(it.Seats)...)
	}
	return out
}

// Empty reports whether the draft holds no seats.
func (d DraftCheckout) Empty() bool {
	for _, it := range d.Items {
		if len(it.Seats) > 0 {
			return false
		}
	}
	return true
}
