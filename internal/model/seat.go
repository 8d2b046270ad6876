package model

import "time"

// Seat describes a physical seat on a bus. Seats are uniquely identified by
// their bus and label; deck, column and index place the seat on the seat map.
//
// Fields:
//
//	ID        – primary key identifier.
//	BusID     – bus to which this seat belongs.
//	Label     – printed label, e.g. "12A".
//	Deck      – 1 for the lower deck, 2 for the upper deck.
//	Column    – column on the seat map (0-based).
//	Index     – ordering position on the seat map.
//	SeatType  – STANDARD, WINDOW, AISLE, SLEEPER.
type Seat struct {
	ID        uint64    `db:"id" json:"seat_id"`          // seats.id
	BusID     uint64    `db:"bus_id" json:"bus_id"`       // seats.bus_id
	Label     string    `db:"label" json:"label"`         // seats.label
	Deck      uint8     `db:"deck" json:"deck"`           // seats.deck
	Column    uint16    `db:"col_index" json:"column"`    // seats.col_index
	Index     uint16    `db:"seat_index" json:"index"`    // seats.seat_index
	SeatType  string    `db:"seat_type" json:"seat_type"` // seats.seat_type
	CreatedAt time.Time `db:"created_at" json:"-"`        // seats.created_at
	UpdatedAt time.Time `db:"updated_at" json:"-"`        // seats.updated_at
}

// SeatRef is the (id, label) pair carried by events, drafts and responses.
type SeatRef struct {
	SeatID uint64 `json:"seat_id"`
	Label  string `json:"label"`
}

// SeatIDs extracts the ids of refs in order.
func SeatIDs(refs []SeatRef) []uint64 {
	out := make([]uint64, 0, len(refs))
	for _, r := range refs {
		out = append(out, r.SeatID)
	}
	return out
}

// SeatLabels extracts the labels of refs in order.
func SeatLabels(refs []SeatRef) []string {
	out := make([]string, 0, len(refs))
	for _, r := range refs {
		out = append(out, r.Label)
	}
	return out
}
