package repository

import (
	"context"
	"database/sql"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/iliyamo/bus-seat-booking/internal/model"
)

// SeatRepo reads the seat inventory of a trip: the bus's seats and their
// derived status. Seat status is never stored; it is computed from
// booking_items and seat_locks every time.
type SeatRepo struct {
	db *sqlx.DB
}

// NewSeatRepo constructs a SeatRepo with the given DB handle.
func NewSeatRepo(db *sqlx.DB) *SeatRepo { return &SeatRepo{db: db} }

// seatStateRow is one row of the status derivation query.
type seatStateRow struct {
	model.Seat
	Booked        bool           `db:"booked"`
	LockToken     sql.NullString `db:"lock_token"`
	LockExpiresAt sql.NullTime   `db:"lock_expires_at"`
}

// States derives the status of seatIDs on tripID (all seats of the trip's
// bus when seatIDs is empty). It runs as a single statement so bookings and
// locks are read from one snapshot. Seat ids that do not belong to the trip's
// bus are simply absent from the result.
func (r *SeatRepo) States(ctx context.Context, tripID uint64, seatIDs []uint64, now time.Time) ([]model.SeatState, error) {
	query := `SELECT s.id, s.bus_id, s.label, s.deck, s.col_index, s.seat_index, s.seat_type,
	                 s.created_at, s.updated_at,
	                 (bi.id IS NOT NULL) AS booked,
	                 sl.token AS lock_token, sl.expires_at AS lock_expires_at
	          FROM trips t
	          JOIN seats s ON s.bus_id = t.bus_id
	          LEFT JOIN booking_items bi
	                 ON bi.trip_id = t.id AND bi.seat_id = s.id AND bi.status = 'ACTIVE'
	          LEFT JOIN seat_locks sl
	                 ON sl.trip_id = t.id AND sl.seat_id = s.id AND sl.expires_at > ?
	          WHERE t.id = ?`
	args := []interface{}{now, tripID}
	if len(seatIDs) > 0 {
		query += ` AND s.id IN (?)`
		args = append(args, seatIDs)
	}
	query += ` ORDER BY s.deck, s.seat_index, s.id`

	q, a, err := in(query, args...)
	if err != nil {
		return nil, err
	}
	var rows []seatStateRow
	if err := r.db.SelectContext(ctx, &rows, q, a...); err != nil {
		return nil, err
	}

	out := make([]model.SeatState, 0, len(rows))
	for _, row := range rows {
		var expires *time.Time
		if row.LockExpiresAt.Valid {
			t := row.LockExpiresAt.Time
			expires = &t
		}
		st := model.SeatState{Seat: row.Seat, Status: model.DeriveSeatStatus(row.Booked, expires, now)}
		if st.Status == model.SeatLocked {
			st.LockToken = row.LockToken.String
			st.LockExpiresAt = expires
		}
		out = append(out, st)
	}
	return out, nil
}

// ListByTrip returns the seat map of the bus operating tripID ordered by
// deck then position.
func (r *SeatRepo) ListByTrip(ctx context.Context, tripID uint64) ([]model.Seat, error) {
	const q = `SELECT s.id, s.bus_id, s.label, s.deck, s.col_index, s.seat_index, s.seat_type,
	                  s.created_at, s.updated_at
	           FROM seats s
	           JOIN trips t ON t.bus_id = s.bus_id
	           WHERE t.id = ?
	           ORDER BY s.deck, s.seat_index, s.id`
	var seats []model.Seat
	if err := r.db.SelectContext(ctx, &seats, q, tripID); err != nil {
		return nil, err
	}
	return seats, nil
}

// LabelsByIDs maps seat ids to labels. Unknown ids are omitted.
func (r *SeatRepo) LabelsByIDs(ctx context.Context, seatIDs []uint64) (map[uint64]string, error) {
	out := make(map[uint64]string, len(seatIDs))
	if len(seatIDs) == 0 {
		return out, nil
	}
	q, a, err := in(`SELECT id, label FROM seats WHERE id IN (?)`, seatIDs)
	if err != nil {
		return nil, err
	}
	var rows []struct {
		ID    uint64 `db:"id"`
		Label string `db:"label"`
	}
	if err := r.db.SelectContext(ctx, &rows, q, a...); err != nil {
		return nil, err
	}
	for _, row := range rows {
		out[row.ID] = row.Label
	}
	return out, nil
}
