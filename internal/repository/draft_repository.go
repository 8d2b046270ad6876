package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/iliyamo/bus-seat-booking/internal/model"
)

const draftColumns = `id, token, user_id, status, items, expires_at, booking_id, idempotency_key, created_at, updated_at`

// DraftRepo reads draft checkouts. Drafts are written only from inside the
// lock and booking transactions so they never drift from the lock set.
type DraftRepo struct {
	db *sqlx.DB
}

// NewDraftRepo constructs a DraftRepo with the given DB handle.
func NewDraftRepo(db *sqlx.DB) *DraftRepo { return &DraftRepo{db: db} }

// GetByID returns the draft or ErrDraftNotFound.
func (r *DraftRepo) GetByID(ctx context.Context, id string) (*model.DraftCheckout, error) {
	var d model.DraftCheckout
	if err := r.db.GetContext(ctx, &d, `SELECT `+draftColumns+` FROM draft_checkouts WHERE id = ?`, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrDraftNotFound
		}
		return nil, err
	}
	return &d, nil
}

type draftSync struct {
	Token  string
	UserID uint64            // owner to check against; 0 skips the check
	Legs   map[uint64]string // leg overrides for trips touched by the caller
	Now    time.Time
	Create bool // insert a draft when the token has none open
}

// syncDraftTx rewrites the token's OPEN draft so that its items equal the
// token's live locks. It returns nil when no draft exists and s.Create is
// false.
func syncDraftTx(ctx context.Context, tx *sqlx.Tx, s draftSync) (*model.DraftCheckout, error) {
	live, err := liveLocksByTokenTx(ctx, tx, s.Token, s.Now)
	if err != nil {
		return nil, err
	}

	var d model.DraftCheckout
	err = tx.GetContext(ctx, &d, `SELECT `+draftColumns+`
	                             FROM draft_checkouts
	                             WHERE token = ? AND status = 'OPEN'
	                             FOR UPDATE`, s.Token)
	exists := err == nil
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("select open draft: %w", err)
	}
	if !exists && !s.Create {
		return nil, nil
	}

	legs := make(map[uint64]string)
	for _, it := range d.Items {
		legs[it.TripID] = it.Leg
	}
	for tripID, leg := range s.Legs {
		if leg != "" {
			legs[tripID] = leg
		}
	}
	items, expiresAt := draftItemsFromLocks(live, legs)

	if !exists {
		d = model.DraftCheckout{
			ID:        uuid.NewString(),
			Token:     s.Token,
			UserID:    s.UserID,
			Status:    model.DraftOpen,
			Items:     items,
			ExpiresAt: expiresAt,
			CreatedAt: s.Now,
			UpdatedAt: s.Now,
		}
		_, err := tx.ExecContext(ctx, `INSERT INTO draft_checkouts
		        (id, token, user_id, status, items, expires_at, created_at, updated_at)
		        VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			d.ID, d.Token, d.UserID, d.Status, d.Items, d.ExpiresAt, d.CreatedAt, d.UpdatedAt)
		if err != nil {
			if isDuplicateKey(err) {
				// a concurrent call with the same token created it first
				return nil, NewConflictError(ConflictContention)
			}
			return nil, fmt.Errorf("insert draft: %w", err)
		}
		return &d, nil
	}

	if s.UserID != 0 && d.UserID != s.UserID {
		return nil, ErrForeignSession
	}
	d.Items = items
	d.ExpiresAt = expiresAt
	d.UpdatedAt = s.Now
	if _, err := tx.ExecContext(ctx, `UPDATE draft_checkouts
	        SET items = ?, expires_at = ?, updated_at = ?
	        WHERE id = ?`, d.Items, d.ExpiresAt, d.UpdatedAt, d.ID); err != nil {
		return nil, fmt.Errorf("update draft: %w", err)
	}
	return &d, nil
}

// draftItemsFromLocks groups locks (ordered by trip, seat) into draft items
// and returns the earliest expiry. A trip with no known leg is OUT when it is
// the first trip and RETURN otherwise.
func draftItemsFromLocks(locks []model.SeatLock, legs map[uint64]string) (model.DraftItems, *time.Time) {
	items := model.DraftItems{}
	var earliest *time.Time
	index := make(map[uint64]int)
	for _, l := range locks {
		i, ok := index[l.TripID]
		if !ok {
			leg := legs[l.TripID]
			if leg == "" {
				leg = model.LegReturn
				if len(items) == 0 {
					leg = model.LegOut
				}
			}
			items = append(items, model.DraftItem{TripID: l.TripID, Leg: leg})
			i = len(items) - 1
			index[l.TripID] = i
		}
		items[i].Seats = append(items[i].Seats, model.SeatRef{SeatID: l.SeatID, Label: l.SeatLabel})
		if earliest == nil || l.ExpiresAt.Before(*earliest) {
			t := l.ExpiresAt
			earliest = &t
		}
	}
	return items, earliest
}
