package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/iliyamo/bus-seat-booking/internal/config"
	"github.com/iliyamo/bus-seat-booking/internal/model"
	"github.com/iliyamo/bus-seat-booking/internal/queue"
	"github.com/iliyamo/bus-seat-booking/internal/repository"
)

// finalizeWriteBudget is added to the lock wait for the booking insert.
const finalizeWriteBudget = 2 * time.Second

const maxIdempotencyKeyLen = 128

// Finalizer turns a draft's locks into a booking:
//
//	LOCKED -> VALIDATED -> CONFIRMED -> DONE
//	       \-> CONFLICT (nothing written)
//
// A repeated confirm with the same idempotency key returns the booking of
// the first successful call.
type Finalizer struct {
	drafts   DraftStore
	bookings BookingStore
	locks    *LockManager
	events   Broadcaster
	notifier BookingNotifier
	cfg      config.SeatConfig
	log      *logrus.Logger
	now      func() time.Time
}

// NewFinalizer wires a Finalizer. events and notifier may be nil.
func NewFinalizer(drafts DraftStore, bookings BookingStore, locks *LockManager, events Broadcaster, notifier BookingNotifier, cfg config.SeatConfig, log *logrus.Logger) *Finalizer {
	return &Finalizer{drafts: drafts, bookings: bookings, locks: locks, events: events, notifier: notifier, cfg: cfg, log: log, now: utcNow}
}

// ConfirmRequest identifies the draft to confirm and the caller.
type ConfirmRequest struct {
	DraftID        string
	IdempotencyKey string
	UserID         uint64
}

// ConfirmResult carries the booking. Replayed is true when the booking was
// created by an earlier call with the same idempotency key.
type ConfirmResult struct {
	Booking  *model.Booking
	Replayed bool
}

// Confirm finalizes the draft. Errors:
//   - *ValidationError: missing fields or an idempotency key used for another draft
//   - repository.ErrDraftNotFound: unknown draft or owned by another user
//   - ErrDraftAlreadyConfirmed: draft confirmed under a different key
//   - *repository.ConflictError: lock_lost, seat_unavailable or contention
func (f *Finalizer) Confirm(ctx context.Context, req ConfirmRequest) (*ConfirmResult, error) {
	draftID := strings.TrimSpace(req.DraftID)
	key := strings.TrimSpace(req.IdempotencyKey)
	if draftID == "" {
		return nil, invalid("draft_id", "is required")
	}
	if key == "" {
		return nil, invalid("idempotency_key", "is required")
	}
	if len(key) > maxIdempotencyKeyLen {
		return nil, invalid("idempotency_key", "at most %d characters", maxIdempotencyKeyLen)
	}

	if res, err := f.replay(ctx, draftID, key, req.UserID); res != nil || err != nil {
		return res, err
	}

	draft, err := f.drafts.GetByID(ctx, draftID)
	if err != nil {
		return nil, err
	}
	if draft.UserID != req.UserID {
		return nil, repository.ErrDraftNotFound
	}
	if draft.Status == model.DraftConfirmed {
		return f.replayOr(ctx, draftID, key, req.UserID, ErrDraftAlreadyConfirmed)
	}
	if draft.Empty() {
		return nil, repository.NewConflictError(repository.ConflictLockLost)
	}

	// Cheap pre-check outside the write transaction; Finalize verifies again
	// under row locks.
	if err := f.locks.AssertMultiLockedByToken(ctx, draft.TripSeatMap(), draft.Token); err != nil {
		return f.replayOr(ctx, draftID, key, req.UserID, err)
	}

	fctx, cancel := context.WithTimeout(ctx, f.cfg.LockWait+finalizeWriteBudget)
	defer cancel()
	booking, err := f.bookings.Finalize(fctx, repository.FinalizeRequest{
		DraftID:        draftID,
		IdempotencyKey: key,
		Now:            f.now(),
	})
	if err != nil {
		return f.finalizeFailed(ctx, draft, key, req.UserID, err)
	}

	f.log.WithFields(logrus.Fields{
		"booking_id": booking.ID,
		"reference":  booking.Reference,
		"draft_id":   draftID,
		"user_id":    req.UserID,
	}).Info("booking confirmed")
	f.announce(ctx, booking)
	return &ConfirmResult{Booking: booking}, nil
}

// replay returns the booking already created with key, if any.
func (f *Finalizer) replay(ctx context.Context, draftID, key string, userID uint64) (*ConfirmResult, error) {
	b, err := f.bookings.GetByIdempotencyKey(ctx, key)
	if errors.Is(err, repository.ErrBookingNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("lookup idempotency key: %w", err)
	}
	if b.DraftID != draftID || b.UserID != userID {
		return nil, invalid("idempotency_key", "already used for another draft")
	}
	return &ConfirmResult{Booking: b, Replayed: true}, nil
}

// replayOr returns the booking of a concurrent confirm that used the same
// key, or fallback when there is none.
func (f *Finalizer) replayOr(ctx context.Context, draftID, key string, userID uint64, fallback error) (*ConfirmResult, error) {
	res, err := f.replay(ctx, draftID, key, userID)
	if err != nil || res != nil {
		return res, err
	}
	return nil, fallback
}

func (f *Finalizer) finalizeFailed(ctx context.Context, draft *model.DraftCheckout, key string, userID uint64, err error) (*ConfirmResult, error) {
	switch {
	case errors.Is(err, repository.ErrDraftConfirmed):
		// A concurrent confirm won; it may have used the same key.
		return f.replayOr(ctx, draft.ID, key, userID, ErrDraftAlreadyConfirmed)
	case errors.Is(err, repository.ErrDuplicateIdempotencyKey):
		return f.replayOr(ctx, draft.ID, key, userID, invalid("idempotency_key", "already used for another draft"))
	}

	var ce *repository.ConflictError
	if errors.As(err, &ce) {
		if ce.Kind == repository.ConflictSeatUnavailable {
			// Sold to someone else: holding these seats can never succeed.
			if sold := ce.SeatsWithReason(repository.ReasonBooked); len(sold) > 0 {
				if _, rerr := f.locks.release(ctx, draft.Token, sold); rerr != nil {
					f.log.WithError(rerr).WithField("draft_id", draft.ID).Warn("release of sold seats failed")
				}
			}
		}
		f.log.WithFields(logrus.Fields{"draft_id": draft.ID, "kind": ce.Kind, "trips": ce.TripIDs()}).Info("confirm rejected")
		if ce.Kind == repository.ConflictLockLost {
			return f.replayOr(ctx, draft.ID, key, userID, ce)
		}
		return nil, ce
	}
	return nil, fmt.Errorf("finalize draft %s: %w", draft.ID, err)
}

// announce broadcasts SeatBooked per leg and notifies downstream consumers.
func (f *Finalizer) announce(ctx context.Context, b *model.Booking) {
	now := f.now()
	ev := queue.BookingConfirmedEvent{
		BookingID:   b.ID,
		Reference:   b.Reference,
		UserID:      b.UserID,
		ConfirmedAt: b.CreatedAt.UTC().Format(time.RFC3339),
	}
	for _, leg := range b.Legs {
		refs := leg.SeatRefs()
		ev.Legs = append(ev.Legs, queue.BookingLegEvent{TripID: leg.TripID, Direction: leg.Direction, SeatLabels: model.SeatLabels(refs)})
		if f.events == nil {
			continue
		}
		if err := f.events.Publish(ctx, queue.SeatEvent{
			Kind:       queue.SeatBooked,
			TripID:     leg.TripID,
			SeatIDs:    model.SeatIDs(refs),
			SeatLabels: model.SeatLabels(refs),
			OccurredAt: now,
		}); err != nil {
			f.log.WithError(err).WithField("trip_id", leg.TripID).Warn("seat event not published")
		}
	}
	if f.notifier == nil {
		return
	}
	if err := f.notifier.PublishBookingConfirmed(ctx, ev); err != nil {
		f.log.WithError(err).WithField("booking_id", b.ID).Warn("booking confirmation not published")
	}
}

// Booking returns a booking owned by userID.
func (f *Finalizer) Booking(ctx context.Context, id string, userID uint64) (*model.Booking, error) {
	b, err := f.bookings.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if b.UserID != userID {
		return nil, repository.ErrBookingNotFound
	}
	return b, nil
}

// Draft returns a draft owned by userID.
func (f *Finalizer) Draft(ctx context.Context, id string, userID uint64) (*model.DraftCheckout, error) {
	d, err := f.drafts.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if d.UserID != userID {
		return nil, repository.ErrDraftNotFound
	}
	return d, nil
}
