package repository

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/iliyamo/bus-seat-booking/internal/model"
)

// LockRepo owns the seat_locks table. Every write happens inside a single
// transaction that takes row locks in ascending (trip_id, seat_id) order; the
// UNIQUE(trip_id, seat_id) index turns a lost insert race into a duplicate
// key error instead of a double lock.
type LockRepo struct {
	db *sqlx.DB
}

// NewLockRepo constructs a LockRepo with the given DB handle.
func NewLockRepo(db *sqlx.DB) *LockRepo { return &LockRepo{db: db} }

// TripLockRequest is one trip of an Acquire call. Seats carry labels so the
// draft can be written without another lookup.
type TripLockRequest struct {
	TripID uint64
	Leg    string
	Seats  []model.SeatRef
}

// LockRequest asks for all seats of all trips under one token, all or none.
type LockRequest struct {
	Token     string
	UserID    uint64
	Trips     []TripLockRequest
	ExpiresAt time.Time
	Now       time.Time
}

// LockResult is the outcome of a successful Acquire.
type LockResult struct {
	// Draft mirrors every live lock of the token after the call.
	Draft *model.DraftCheckout
}

const lockColumns = `sl.id, sl.trip_id, sl.seat_id, s.label, sl.token, sl.user_id, sl.expires_at`

// Acquire locks every requested seat for req.Token or nothing at all. Seats
// already locked by the same token have their expiry moved to req.ExpiresAt.
// A token whose locks or open draft belong to another user fails with
// ErrForeignSession; ownership never moves between users.
// A seat that is booked, or locked by another token, aborts the whole call
// with a *ConflictError listing every blocking seat per trip. Row lock waits
// fail fast and surface as a ConflictContention error.
func (r *LockRepo) Acquire(ctx context.Context, req LockRequest) (*LockResult, error) {
	trips := append([]TripLockRequest(nil), req.Trips...)
	sort.Slice(trips, func(i, j int) bool { return trips[i].TripID < trips[j].TripID })

	var result LockResult
	err := withTx(ctx, r.db, func(tx *sqlx.Tx) error {
		conflict := NewConflictError(ConflictSeatUnavailable)
		owned := make(map[uint64]map[uint64]bool, len(trips))

		for _, t := range trips {
			seatIDs := sortedUint64(model.SeatIDs(t.Seats))
			booked, err := bookedSeatsTx(ctx, tx, t.TripID, seatIDs, "FOR SHARE")
			if err != nil {
				return err
			}
			for id := range booked {
				conflict.Add(t.TripID, id, ReasonBooked)
			}
			held, err := lockRowsTx(ctx, tx, t.TripID, seatIDs)
			if err != nil {
				return err
			}
			mine := make(map[uint64]bool, len(held))
			var stale []uint64
			for _, l := range held {
				switch {
				case !l.Live(req.Now):
					stale = append(stale, l.ID)
				case l.Token == req.Token && l.UserID != req.UserID:
					return ErrForeignSession
				case l.Token == req.Token:
					mine[l.SeatID] = true
				case !booked[l.SeatID]:
					conflict.Add(t.TripID, l.SeatID, ReasonLocked)
				}
			}
			if err := purgeExpiredTx(ctx, tx, stale); err != nil {
				return err
			}
			owned[t.TripID] = mine
		}
		if !conflict.Empty() {
			return conflict
		}

		legs := make(map[uint64]string, len(trips))
		for _, t := range trips {
			legs[t.TripID] = t.Leg
			var extend, insert []uint64
			for _, s := range t.Seats {
				if owned[t.TripID][s.SeatID] {
					extend = append(extend, s.SeatID)
				} else {
					insert = append(insert, s.SeatID)
				}
			}
			if len(extend) > 0 {
				if err := extendLocksTx(ctx, tx, req, t.TripID, extend); err != nil {
					return err
				}
			}
			if len(insert) > 0 {
				if err := insertLocksTx(ctx, tx, req, t.TripID, sortedUint64(insert)); err != nil {
					if isDuplicateKey(err) {
						lost := NewConflictError(ConflictSeatUnavailable)
						for _, id := range insert {
							lost.Add(t.TripID, id, ReasonLocked)
						}
						return lost
					}
					return err
				}
			}
		}

		draft, err := syncDraftTx(ctx, tx, draftSync{
			Token:  req.Token,
			UserID: req.UserID,
			Legs:   legs,
			Now:    req.Now,
			Create: true,
		})
		if err != nil {
			return err
		}
		result.Draft = draft
		return nil
	})
	if err != nil {
		return nil, classifyTxErr(err)
	}
	return &result, nil
}

// Release deletes the token's locks inside scope. A trip mapped to an empty
// seat list releases every seat the token holds on that trip. Locks of other
// tokens are never touched. The returned locks are the ones that were still
// live at now; expired rows are deleted silently.
func (r *LockRepo) Release(ctx context.Context, token string, scope map[uint64][]uint64, now time.Time) ([]model.SeatLock, error) {
	var released []model.SeatLock
	err := withTx(ctx, r.db, func(tx *sqlx.Tx) error {
		for _, tripID := range sortedKeys(scope) {
			seatIDs := scope[tripID]

			sel := `SELECT ` + lockColumns + `
			        FROM seat_locks sl JOIN seats s ON s.id = sl.seat_id
			        WHERE sl.token = ? AND sl.trip_id = ?`
			del := `DELETE FROM seat_locks WHERE token = ? AND trip_id = ?`
			args := []interface{}{token, tripID}
			if len(seatIDs) > 0 {
				sel += ` AND sl.seat_id IN (?)`
				del += ` AND seat_id IN (?)`
				args = append(args, sortedUint64(seatIDs))
			}
			sel += ` ORDER BY sl.seat_id FOR UPDATE OF sl`

			q, a, err := in(sel, args...)
			if err != nil {
				return err
			}
			var rows []model.SeatLock
			if err := tx.SelectContext(ctx, &rows, q, a...); err != nil {
				return fmt.Errorf("select token locks: %w", err)
			}
			if len(rows) == 0 {
				continue
			}
			q, a, err = in(del, args...)
			if err != nil {
				return err
			}
			if _, err := tx.ExecContext(ctx, q, a...); err != nil {
				return fmt.Errorf("delete token locks: %w", err)
			}
			for _, l := range rows {
				if l.Live(now) {
					released = append(released, l)
				}
			}
		}
		_, err := syncDraftTx(ctx, tx, draftSync{Token: token, Now: now})
		return err
	})
	if err != nil {
		return nil, classifyTxErr(err)
	}
	return released, nil
}

// LiveLocks returns the live locks, of any token, on the given pairs. It is a
// plain read; callers that act on the answer must re-check inside their own
// transaction.
func (r *LockRepo) LiveLocks(ctx context.Context, pairs map[uint64][]uint64, now time.Time) ([]model.SeatLock, error) {
	var out []model.SeatLock
	for _, tripID := range sortedKeys(pairs) {
		if len(pairs[tripID]) == 0 {
			continue
		}
		q, a, err := in(`SELECT `+lockColumns+`
		                 FROM seat_locks sl JOIN seats s ON s.id = sl.seat_id
		                 WHERE sl.trip_id = ? AND sl.seat_id IN (?) AND sl.expires_at > ?
		                 ORDER BY sl.seat_id`, tripID, sortedUint64(pairs[tripID]), now)
		if err != nil {
			return nil, err
		}
		var rows []model.SeatLock
		if err := r.db.SelectContext(ctx, &rows, q, a...); err != nil {
			return nil, err
		}
		out = append(out, rows...)
	}
	return out, nil
}

// ExpireLocks deletes up to limit expired locks and returns them. Rows that
// another transaction is working on are skipped and picked up by a later run.
func (r *LockRepo) ExpireLocks(ctx context.Context, now time.Time, limit int) ([]model.SeatLock, error) {
	var expired []model.SeatLock
	err := withTx(ctx, r.db, func(tx *sqlx.Tx) error {
		const sel = `SELECT ` + lockColumns + `
		             FROM seat_locks sl JOIN seats s ON s.id = sl.seat_id
		             WHERE sl.expires_at <= ?
		             ORDER BY sl.id
		             LIMIT ?
		             FOR UPDATE OF sl SKIP LOCKED`
		if err := tx.SelectContext(ctx, &expired, sel, now, limit); err != nil {
			return fmt.Errorf("select expired locks: %w", err)
		}
		if len(expired) == 0 {
			return nil
		}
		ids := make([]uint64, 0, len(expired))
		for _, l := range expired {
			ids = append(ids, l.ID)
		}
		q, a, err := in(`DELETE FROM seat_locks WHERE id IN (?)`, ids)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, q, a...); err != nil {
			return fmt.Errorf("delete expired locks: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return expired, nil
}

// purgeExpiredTx deletes expired lock rows by id. The rows must already be
// locked by lockRowsTx so the DELETE never waits on another transaction.
func purgeExpiredTx(ctx context.Context, tx *sqlx.Tx, ids []uint64) error {
	if len(ids) == 0 {
		return nil
	}
	q, a, err := in(`DELETE FROM seat_locks WHERE id IN (?)`, sortedUint64(ids))
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, q, a...); err != nil {
		return fmt.Errorf("purge expired locks: %w", err)
	}
	return nil
}

// bookedSeatsTx returns which of seatIDs have an ACTIVE booking item on
// tripID. mode is the locking clause ("FOR SHARE" or "FOR UPDATE") so the
// read sees the latest committed bookings rather than the tx snapshot.
func bookedSeatsTx(ctx context.Context, tx *sqlx.Tx, tripID uint64, seatIDs []uint64, mode string) (map[uint64]bool, error) {
	q, a, err := in(`SELECT seat_id FROM booking_items
	                 WHERE trip_id = ? AND seat_id IN (?) AND status = 'ACTIVE'
	                 ORDER BY seat_id `+mode, tripID, seatIDs)
	if err != nil {
		return nil, err
	}
	var ids []uint64
	if err := tx.SelectContext(ctx, &ids, q, a...); err != nil {
		return nil, fmt.Errorf("select booked seats: %w", err)
	}
	out := make(map[uint64]bool, len(ids))
	for _, id := range ids {
		out[id] = true
	}
	return out, nil
}

// lockRowsTx takes exclusive row locks on the existing lock rows for the
// seats, refusing to wait when another transaction holds one of them.
func lockRowsTx(ctx context.Context, tx *sqlx.Tx, tripID uint64, seatIDs []uint64) ([]model.SeatLock, error) {
	q, a, err := in(`SELECT id, trip_id, seat_id, token, user_id, expires_at
	                 FROM seat_locks
	                 WHERE trip_id = ? AND seat_id IN (?)
	                 ORDER BY seat_id
	                 FOR UPDATE NOWAIT`, tripID, seatIDs)
	if err != nil {
		return nil, err
	}
	var rows []model.SeatLock
	if err := tx.SelectContext(ctx, &rows, q, a...); err != nil {
		return nil, fmt.Errorf("lock seat rows: %w", err)
	}
	return rows, nil
}

func extendLocksTx(ctx context.Context, tx *sqlx.Tx, req LockRequest, tripID uint64, seatIDs []uint64) error {
	q, a, err := in(`UPDATE seat_locks SET expires_at = ?, updated_at = ?
	                 WHERE trip_id = ? AND token = ? AND seat_id IN (?)`,
		req.ExpiresAt, req.Now, tripID, req.Token, sortedUint64(seatIDs))
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, q, a...); err != nil {
		return fmt.Errorf("extend locks: %w", err)
	}
	return nil
}

func insertLocksTx(ctx context.Context, tx *sqlx.Tx, req LockRequest, tripID uint64, seatIDs []uint64) error {
	var sb strings.Builder
	sb.WriteString(`INSERT INTO seat_locks (trip_id, seat_id, token, user_id, expires_at, created_at, updated_at) VALUES `)
	args := make([]interface{}, 0, len(seatIDs)*7)
	for i, id := range seatIDs {
		if i > 0 {
			sb.WriteString(", ")
		}
		sb.WriteString("(?, ?, ?, ?, ?, ?, ?)")
		args = append(args, tripID, id, req.Token, req.UserID, req.ExpiresAt, req.Now, req.Now)
	}
	if _, err := tx.ExecContext(ctx, sb.String(), args...); err != nil {
		return fmt.Errorf("insert locks: %w", err)
	}
	return nil
}

// liveLocksByTokenTx lists every live lock of token with seat labels.
func liveLocksByTokenTx(ctx context.Context, tx *sqlx.Tx, token string, now time.Time) ([]model.SeatLock, error) {
	const q = `SELECT ` + lockColumns + `
	           FROM seat_locks sl JOIN seats s ON s.id = sl.seat_id
	           WHERE sl.token = ? AND sl.expires_at > ?
	           ORDER BY sl.trip_id, sl.seat_id`
	var rows []model.SeatLock
	if err := tx.SelectContext(ctx, &rows, q, token, now); err != nil {
		return nil, fmt.Errorf("select token locks: %w", err)
	}
	return rows, nil
}
