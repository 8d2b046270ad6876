package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/iliyamo/bus-seat-booking/internal/model"
)

// BookingRepo persists bookings with their legs and items, and performs the
// lock-to-booking conversion.
type BookingRepo struct {
	db *sqlx.DB
}

// NewBookingRepo constructs a BookingRepo with the given DB handle.
func NewBookingRepo(db *sqlx.DB) *BookingRepo { return &BookingRepo{db: db} }

// FinalizeRequest converts the locks of a draft into a booking.
type FinalizeRequest struct {
	DraftID        string
	IdempotencyKey string
	Now            time.Time
}

// Finalize re-verifies the draft's locks and converts them into a booking in
// one transaction:
//
//  1. lock the draft row; a confirmed draft returns ErrDraftConfirmed
//  2. lock every seat_locks row of the draft; a missing, expired or foreign
//     lock aborts with a ConflictLockLost error (reasons expired/taken)
//  3. re-check booking_items; a sold seat aborts with ConflictSeatUnavailable
//  4. insert booking, legs and items
//  5. delete the token's locks on the booked trips and close the draft
//
// Nothing is written when any step fails.
func (r *BookingRepo) Finalize(ctx context.Context, req FinalizeRequest) (*model.Booking, error) {
	var booking *model.Booking
	err := withTx(ctx, r.db, func(tx *sqlx.Tx) error {
		var d model.DraftCheckout
		if err := tx.GetContext(ctx, &d, `SELECT `+draftColumns+` FROM draft_checkouts WHERE id = ? FOR UPDATE`, req.DraftID); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return ErrDraftNotFound
			}
			return fmt.Errorf("lock draft: %w", err)
		}
		if d.Status != model.DraftOpen {
			return ErrDraftConfirmed
		}
		if d.Empty() {
			return NewConflictError(ConflictLockLost)
		}

		pairs := d.TripSeatMap()
		lost := NewConflictError(ConflictLockLost)
		for _, tripID := range sortedKeys(pairs) {
			seatIDs := sortedUint64(pairs[tripID])
			rows, err := lockRowsTx(ctx, tx, tripID, seatIDs)
			if err != nil {
				return err
			}
			bySeat := make(map[uint64]model.SeatLock, len(rows))
			for _, l := range rows {
				bySeat[l.SeatID] = l
			}
			for _, id := range seatIDs {
				l, ok := bySeat[id]
				switch {
				case !ok || !l.Live(req.Now):
					lost.Add(tripID, id, ReasonExpired)
				case l.Token != d.Token:
					lost.Add(tripID, id, ReasonTaken)
				}
			}
		}
		if !lost.Empty() {
			return lost
		}

		sold := NewConflictError(ConflictSeatUnavailable)
		for _, tripID := range sortedKeys(pairs) {
			booked, err := bookedSeatsTx(ctx, tx, tripID, sortedUint64(pairs[tripID]), "FOR UPDATE")
			if err != nil {
				return err
			}
			for id := range booked {
				sold.Add(tripID, id, ReasonBooked)
			}
		}
		if !sold.Empty() {
			return sold
		}

		b, err := insertBookingTx(ctx, tx, &d, req)
		if err != nil {
			return err
		}

		tripIDs := sortedKeys(pairs)
		q, a, err := in(`DELETE FROM seat_locks WHERE token = ? AND trip_id IN (?)`, d.Token, tripIDs)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, q, a...); err != nil {
			return fmt.Errorf("release booked locks: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `UPDATE draft_checkouts
		        SET status = ?, booking_id = ?, idempotency_key = ?, updated_at = ?
		        WHERE id = ?`, model.DraftConfirmed, b.ID, req.IdempotencyKey, req.Now, d.ID); err != nil {
			return fmt.Errorf("close draft: %w", err)
		}
		booking = b
		return nil
	})
	if err != nil {
		return nil, classifyTxErr(err)
	}
	return booking, nil
}

func insertBookingTx(ctx context.Context, tx *sqlx.Tx, d *model.DraftCheckout, req FinalizeRequest) (*model.Booking, error) {
	b := &model.Booking{
		ID:             uuid.NewString(),
		Reference:      newReference(),
		UserID:         d.UserID,
		Token:          d.Token,
		DraftID:        d.ID,
		IdempotencyKey: req.IdempotencyKey,
		Status:         model.BookingConfirmed,
		CreatedAt:      req.Now,
		UpdatedAt:      req.Now,
	}
	_, err := tx.ExecContext(ctx, `INSERT INTO bookings
	        (id, reference, user_id, token, draft_id, idempotency_key, status, created_at, updated_at)
	        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		b.ID, b.Reference, b.UserID, b.Token, b.DraftID, b.IdempotencyKey, b.Status, b.CreatedAt, b.UpdatedAt)
	if err != nil {
		if isDuplicateKey(err) && duplicateOnKey(err, "uq_bookings_idempotency_key") {
			return nil, ErrDuplicateIdempotencyKey
		}
		return nil, fmt.Errorf("insert booking: %w", err)
	}

	for _, it := range d.Items {
		if len(it.Seats) == 0 {
			continue
		}
		res, err := tx.ExecContext(ctx, `INSERT INTO booking_legs (booking_id, trip_id, direction, created_at)
		        VALUES (?, ?, ?, ?)`, b.ID, it.TripID, it.Leg, req.Now)
		if err != nil {
			return nil, fmt.Errorf("insert booking leg: %w", err)
		}
		legID, err := res.LastInsertId()
		if err != nil {
			return nil, err
		}
		leg := model.BookingLeg{ID: uint64(legID), BookingID: b.ID, TripID: it.TripID, Direction: it.Leg, CreatedAt: req.Now}

		var sb strings.Builder
		sb.WriteString(`INSERT INTO booking_items (booking_id, leg_id, trip_id, seat_id, seat_label, status, created_at) VALUES `)
		args := make([]interface{}, 0, len(it.Seats)*7)
		for i, s := range it.Seats {
			if i > 0 {
				sb.WriteString(", ")
			}
			sb.WriteString("(?, ?, ?, ?, ?, ?, ?)")
			args = append(args, b.ID, leg.ID, it.TripID, s.SeatID, s.Label, model.ItemActive, req.Now)
			leg.Items = append(leg.Items, model.BookingItem{
				BookingID: b.ID, LegID: leg.ID, TripID: it.TripID,
				SeatID: s.SeatID, SeatLabel: s.Label, Status: model.ItemActive, CreatedAt: req.Now,
			})
		}
		if _, err := tx.ExecContext(ctx, sb.String(), args...); err != nil {
			if isDuplicateKey(err) {
				sold := NewConflictError(ConflictSeatUnavailable)
				for _, s := range it.Seats {
					sold.Add(it.TripID, s.SeatID, ReasonBooked)
				}
				return nil, sold
			}
			return nil, fmt.Errorf("insert booking items: %w", err)
		}
		b.Legs = append(b.Legs, leg)
	}
	return b, nil
}

// GetByID loads a booking with legs and items, or ErrBookingNotFound.
func (r *BookingRepo) GetByID(ctx context.Context, id string) (*model.Booking, error) {
	return r.load(ctx, `id = ?`, id)
}

// GetByIdempotencyKey loads the booking created with key, or
// ErrBookingNotFound.
func (r *BookingRepo) GetByIdempotencyKey(ctx context.Context, key string) (*model.Booking, error) {
	return r.load(ctx, `idempotency_key = ?`, key)
}

func (r *BookingRepo) load(ctx context.Context, where string, arg interface{}) (*model.Booking, error) {
	var b model.Booking
	err := r.db.GetContext(ctx, &b, `SELECT id, reference, user_id, token, draft_id, idempotency_key, status, created_at, updated_at
	                                 FROM bookings WHERE `+where, arg)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrBookingNotFound
		}
		return nil, err
	}

	var legs []model.BookingLeg
	if err := r.db.SelectContext(ctx, &legs, `SELECT id, booking_id, trip_id, direction, created_at
	                                          FROM booking_legs WHERE booking_id = ? ORDER BY id`, b.ID); err != nil {
		return nil, err
	}
	var items []model.BookingItem
	if err := r.db.SelectContext(ctx, &items, `SELECT id, booking_id, leg_id, trip_id, seat_id, seat_label, status, created_at
	                                           FROM booking_items WHERE booking_id = ? ORDER BY leg_id, seat_id`, b.ID); err != nil {
		return nil, err
	}
	byLeg := make(map[uint64]int, len(legs))
	for i := range legs {
		byLeg[legs[i].ID] = i
	}
	for _, it := range items {
		if i, ok := byLeg[it.LegID]; ok {
			legs[i].Items = append(legs[i].Items, it)
		}
	}
	b.Legs = legs
	return &b, nil
}

// newReference returns a short code such as BK-7F3A9C21.
func newReference() string {
	return "BK-" + strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", "")[:8])
}

func duplicateOnKey(err error, key string) bool {
	var me *mysql.MySQLError
	return errors.As(err, &me) && strings.Contains(me.Message, key)
}
