package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/iliyamo/bus-seat-booking/internal/config"
	"github.com/iliyamo/bus-seat-booking/internal/model"
	"github.com/iliyamo/bus-seat-booking/internal/queue"
	"github.com/iliyamo/bus-seat-booking/internal/repository"
)

// LockManager grants exclusive, expiring seat locks to session tokens. The
// lock table is the only authority on exclusivity; this type validates
// requests, bounds the time spent waiting on row locks and broadcasts what
// changed after each commit.
type LockManager struct {
	trips  TripFinder
	seats  SeatCatalog
	locks  LockStore
	events Broadcaster
	cfg    config.SeatConfig
	log    *logrus.Logger
	now    func() time.Time
}

// NewLockManager wires a LockManager. events may be nil.
func NewLockManager(trips TripFinder, seats SeatCatalog, locks LockStore, events Broadcaster, cfg config.SeatConfig, log *logrus.Logger) *LockManager {
	return &LockManager{trips: trips, seats: seats, locks: locks, events: events, cfg: cfg, log: log, now: utcNow}
}

// CheckoutRequest locks seats on one or more trips for a session token.
type CheckoutRequest struct {
	Token  string // empty: a fresh token is generated
	UserID uint64
	TTL    time.Duration // zero: configured default
	Trips  []model.TripSelection
}

// LockedTrip is one trip of a successful checkout.
type LockedTrip struct {
	TripID uint64          `json:"trip_id"`
	Leg    string          `json:"leg"`
	Seats  []model.SeatRef `json:"seats"`
}

// CheckoutResult is returned when every requested seat is locked.
type CheckoutResult struct {
	Token     string       `json:"token"`
	DraftID   string       `json:"draft_id"`
	ExpiresAt time.Time    `json:"expires_at"`
	Trips     []LockedTrip `json:"trips"`
}

// Checkout locks every requested seat on every requested trip for one token,
// or none of them. Re-locking seats the token already holds only extends
// their expiry. On conflict a *repository.ConflictError lists the blocking
// seats per trip.
func (m *LockManager) Checkout(ctx context.Context, req CheckoutRequest) (*CheckoutResult, error) {
	selections, err := m.validateCheckout(req)
	if err != nil {
		return nil, err
	}
	token := strings.TrimSpace(req.Token)
	if token == "" {
		token = uuid.NewString()
	}
	ttl := m.clampTTL(req.TTL)
	now := m.now()

	lockTrips := make([]repository.TripLockRequest, 0, len(selections))
	for _, sel := range selections {
		refs, err := m.resolveSeats(ctx, sel.TripID, sel.SeatIDs, now)
		if err != nil {
			return nil, err
		}
		lockTrips = append(lockTrips, repository.TripLockRequest{TripID: sel.TripID, Leg: sel.Leg, Seats: refs})
	}

	expiresAt := now.Add(ttl)
	lctx, cancel := context.WithTimeout(ctx, m.cfg.LockWait)
	defer cancel()
	res, err := m.locks.Acquire(lctx, repository.LockRequest{
		Token:     token,
		UserID:    req.UserID,
		Trips:     lockTrips,
		ExpiresAt: expiresAt,
		Now:       now,
	})
	if err != nil {
		var ce *repository.ConflictError
		if errors.As(err, &ce) {
			m.log.WithFields(logrus.Fields{
				"user_id": req.UserID,
				"kind":    ce.Kind,
				"trips":   ce.TripIDs(),
			}).Info("checkout rejected")
			return nil, ce
		}
		return nil, fmt.Errorf("acquire seat locks: %w", err)
	}

	out := &CheckoutResult{Token: token, ExpiresAt: expiresAt}
	if res.Draft != nil {
		out.DraftID = res.Draft.ID
	}
	holder := queue.TokenFingerprint(token)
	for _, t := range lockTrips {
		out.Trips = append(out.Trips, LockedTrip{TripID: t.TripID, Leg: t.Leg, Seats: t.Seats})
		m.publish(ctx, queue.SeatEvent{
			Kind:       queue.SeatLocked,
			TripID:     t.TripID,
			SeatIDs:    model.SeatIDs(t.Seats),
			SeatLabels: model.SeatLabels(t.Seats),
			Holder:     holder,
			ExpiresAt:  &expiresAt,
			OccurredAt: now,
		})
	}
	m.log.WithFields(logrus.Fields{
		"user_id":    req.UserID,
		"draft_id":   out.DraftID,
		"trips":      len(out.Trips),
		"expires_at": expiresAt,
	}).Info("seats locked")
	return out, nil
}

// ReleaseByToken frees every seat the token holds on tripIDs and returns how
// many live locks were released. Releasing nothing is not an error.
func (m *LockManager) ReleaseByToken(ctx context.Context, token string, tripIDs []uint64) (int, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return 0, invalid("token", "is required")
	}
	if len(tripIDs) == 0 {
		return 0, invalid("trip_ids", "must not be empty")
	}
	scope := make(map[uint64][]uint64, len(tripIDs))
	for _, id := range tripIDs {
		if id == 0 {
			return 0, invalid("trip_ids", "must be positive")
		}
		scope[id] = nil
	}
	released, err := m.release(ctx, token, scope)
	if err != nil {
		return 0, err
	}
	return len(released), nil
}

// release deletes the token's locks in scope and broadcasts SeatUnlocked.
func (m *LockManager) release(ctx context.Context, token string, scope map[uint64][]uint64) ([]model.SeatLock, error) {
	now := m.now()
	lctx, cancel := context.WithTimeout(ctx, m.cfg.LockWait)
	defer cancel()
	released, err := m.locks.Release(lctx, token, scope, now)
	if err != nil {
		var ce *repository.ConflictError
		if errors.As(err, &ce) {
			return nil, ce
		}
		return nil, fmt.Errorf("release seat locks: %w", err)
	}
	m.publishUnlocked(ctx, released, now)
	return released, nil
}

// AssertMultiLockedByToken checks that every (trip, seat) pair is currently
// locked by token. Otherwise it returns a ConflictLockLost error whose seats
// carry reason "expired" (no live lock) or "taken" (another token's lock).
func (m *LockManager) AssertMultiLockedByToken(ctx context.Context, pairs map[uint64][]uint64, token string) error {
	locks, err := m.locks.LiveLocks(ctx, pairs, m.now())
	if err != nil {
		return fmt.Errorf("read live locks: %w", err)
	}
	holders := make(map[[2]uint64]string, len(locks))
	for _, l := range locks {
		holders[[2]uint64{l.TripID, l.SeatID}] = l.Token
	}
	lost := repository.NewConflictError(repository.ConflictLockLost)
	for tripID, seatIDs := range pairs {
		for _, seatID := range seatIDs {
			holder, ok := holders[[2]uint64{tripID, seatID}]
			switch {
			case !ok:
				lost.Add(tripID, seatID, repository.ReasonExpired)
			case holder != token:
				lost.Add(tripID, seatID, repository.ReasonTaken)
			}
		}
	}
	if !lost.Empty() {
		return lost
	}
	return nil
}

// ExpireStale deletes one batch of expired locks and broadcasts SeatUnlocked
// for them. It returns the number of locks removed.
func (m *LockManager) ExpireStale(ctx context.Context) (int, error) {
	now := m.now()
	expired, err := m.locks.ExpireLocks(ctx, now, m.cfg.SweepBatch)
	if err != nil {
		return 0, fmt.Errorf("expire locks: %w", err)
	}
	m.publishUnlocked(ctx, expired, now)
	return len(expired), nil
}

func (m *LockManager) publishUnlocked(ctx context.Context, locks []model.SeatLock, now time.Time) {
	byTrip := model.GroupLocksByTrip(locks)
	for tripID, refs := range byTrip {
		m.publish(ctx, queue.SeatEvent{
			Kind:       queue.SeatUnlocked,
			TripID:     tripID,
			SeatIDs:    model.SeatIDs(refs),
			SeatLabels: model.SeatLabels(refs),
			OccurredAt: now,
		})
	}
}

func (m *LockManager) publish(ctx context.Context, ev queue.SeatEvent) {
	if m.events == nil {
		return
	}
	if err := m.events.Publish(ctx, ev); err != nil {
		m.log.WithError(err).WithFields(logrus.Fields{"kind": ev.Kind, "trip_id": ev.TripID}).Warn("seat event not published")
	}
}

// validateCheckout normalizes the request without touching any store:
// distinct positive trip ids, distinct positive seat ids, the per-session
// cap per trip, and a known leg per trip.
func (m *LockManager) validateCheckout(req CheckoutRequest) ([]model.TripSelection, error) {
	if len(req.Trips) == 0 {
		return nil, invalid("trips", "must not be empty")
	}
	if len(req.Trips) > m.cfg.MaxTripsPerCheckout {
		return nil, invalid("trips", "at most %d trips per checkout", m.cfg.MaxTripsPerCheckout)
	}
	if req.TTL < 0 {
		return nil, invalid("ttl_seconds", "must not be negative")
	}
	seen := make(map[uint64]bool, len(req.Trips))
	out := make([]model.TripSelection, 0, len(req.Trips))
	for i, t := range req.Trips {
		if t.TripID == 0 {
			return nil, invalid("trips", "trip_id must be positive")
		}
		if seen[t.TripID] {
			return nil, invalid("trips", "trip %d listed twice", t.TripID)
		}
		seen[t.TripID] = true

		ids, err := normalizeSeatIDs(t.SeatIDs, m.cfg.MaxPerSessionPerTrip)
		if err != nil {
			return nil, err
		}
		leg := strings.ToUpper(strings.TrimSpace(t.Leg))
		switch leg {
		case "":
			leg = model.LegReturn
			if i == 0 {
				leg = model.LegOut
			}
		case model.LegOut, model.LegReturn:
		default:
			return nil, invalid("leg", "must be OUT or RETURN")
		}
		out = append(out, model.TripSelection{TripID: t.TripID, Leg: leg, SeatIDs: ids})
	}
	return out, nil
}

// resolveSeats checks that the trip can be sold and that every seat belongs
// to its bus, returning the seats with labels in request order.
func (m *LockManager) resolveSeats(ctx context.Context, tripID uint64, seatIDs []uint64, now time.Time) ([]model.SeatRef, error) {
	trip, err := m.trips.GetByID(ctx, tripID)
	if err != nil {
		return nil, err
	}
	if !trip.Bookable(now) {
		return nil, invalid("trip_id", "trip %d is not open for booking", tripID)
	}
	return seatRefsOnTrip(ctx, m.seats, tripID, seatIDs, now)
}

func (m *LockManager) clampTTL(ttl time.Duration) time.Duration {
	switch {
	case ttl == 0:
		return m.cfg.DefaultLockTTL
	case ttl < m.cfg.MinLockTTL:
		return m.cfg.MinLockTTL
	case ttl > m.cfg.MaxLockTTL:
		return m.cfg.MaxLockTTL
	}
	return ttl
}

// normalizeSeatIDs rejects empty, zero and oversized lists and drops
// duplicates while keeping the first occurrence order.
func normalizeSeatIDs(ids []uint64, max int) ([]uint64, error) {
	if len(ids) == 0 {
		return nil, invalid("seat_ids", "must not be empty")
	}
	seen := make(map[uint64]bool, len(ids))
	out := make([]uint64, 0, len(ids))
	for _, id := range ids {
		if id == 0 {
			return nil, invalid("seat_ids", "must be positive")
		}
		if !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	if len(out) > max {
		return nil, invalid("seat_ids", "at most %d seats per trip", max)
	}
	return out, nil
}

// seatRefsOnTrip resolves labels for seatIDs and fails when one of them is
// not a seat of the trip's bus.
func seatRefsOnTrip(ctx context.Context, seats SeatCatalog, tripID uint64, seatIDs []uint64, now time.Time) ([]model.SeatRef, error) {
	states, err := seats.States(ctx, tripID, seatIDs, now)
	if err != nil {
		return nil, fmt.Errorf("load seats of trip %d: %w", tripID, err)
	}
	labels := make(map[uint64]string, len(states))
	for _, st := range states {
		labels[st.ID] = st.Label
	}
	refs := make([]model.SeatRef, 0, len(seatIDs))
	for _, id := range seatIDs {
		label, ok := labels[id]
		if !ok {
			return nil, invalid("seat_ids", "seat %d is not on trip %d", id, tripID)
		}
		refs = append(refs, model.SeatRef{SeatID: id, Label: label})
	}
	return refs, nil
}
