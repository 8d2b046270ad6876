package service

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/iliyamo/bus-seat-booking/internal/config"
	"github.com/iliyamo/bus-seat-booking/internal/model"
	"github.com/iliyamo/bus-seat-booking/internal/queue"
)

// HintService records "user is looking at this seat" markers. Hints are
// advisory only: the lock manager and finalizer never read them.
type HintService struct {
	trips  TripFinder
	seats  SeatCatalog
	hints  HintStore
	events Broadcaster
	cfg    config.SeatConfig
	log    *logrus.Logger
	now    func() time.Time
}

func NewHintService(trips TripFinder, seats SeatCatalog, hints HintStore, events Broadcaster, cfg config.SeatConfig, log *logrus.Logger) *HintService {
	return &HintService{trips: trips, seats: seats, hints: hints, events: events, cfg: cfg, log: log, now: utcNow}
}

// SelectResult lists the seats hinted by a Select call. Booked seats are
// silently left out.
type SelectResult struct {
	TripID    uint64          `json:"trip_id"`
	Seats     []model.SeatRef `json:"seats"`
	ExpiresAt time.Time       `json:"expires_at"`
}

// Select refreshes userID's hints on seatIDs of tripID.
func (s *HintService) Select(ctx context.Context, tripID uint64, seatIDs []uint64, userID uint64, ttl time.Duration) (*SelectResult, error) {
	if tripID == 0 {
		return nil, invalid("trip_id", "must be positive")
	}
	if ttl < 0 {
		return nil, invalid("hint_ttl", "must not be negative")
	}
	ids, err := normalizeSeatIDs(seatIDs, s.cfg.MaxPerSessionPerTrip)
	if err != nil {
		return nil, err
	}
	if _, err := s.trips.GetByID(ctx, tripID); err != nil {
		return nil, err
	}
	now := s.now()
	states, err := s.seats.States(ctx, tripID, ids, now)
	if err != nil {
		return nil, fmt.Errorf("load seats of trip %d: %w", tripID, err)
	}
	byID := make(map[uint64]model.SeatState, len(states))
	for _, st := range states {
		byID[st.ID] = st
	}

	var refs []model.SeatRef
	for _, id := range ids {
		st, ok := byID[id]
		if !ok {
			return nil, invalid("seat_ids", "seat %d is not on trip %d", id, tripID)
		}
		if st.Status == model.SeatBooked {
			continue
		}
		refs = append(refs, model.SeatRef{SeatID: id, Label: st.Label})
	}

	expiresAt := now.Add(s.clampTTL(ttl))
	out := &SelectResult{TripID: tripID, Seats: refs, ExpiresAt: expiresAt}
	if len(refs) == 0 {
		return out, nil
	}
	if err := s.hints.Add(ctx, tripID, model.SeatIDs(refs), userID, expiresAt); err != nil {
		return nil, fmt.Errorf("store hints: %w", err)
	}
	s.publish(ctx, queue.SeatEvent{
		Kind:       queue.SeatHinted,
		TripID:     tripID,
		SeatIDs:    model.SeatIDs(refs),
		SeatLabels: model.SeatLabels(refs),
		UserID:     userID,
		ExpiresAt:  &expiresAt,
		OccurredAt: now,
	})
	return out, nil
}

// Unselect drops userID's hints on seatIDs and returns the seat ids that
// actually had one. Other users' hints are untouched.
func (s *HintService) Unselect(ctx context.Context, tripID uint64, seatIDs []uint64, userID uint64) ([]uint64, error) {
	if tripID == 0 {
		return nil, invalid("trip_id", "must be positive")
	}
	ids, err := normalizeSeatIDs(seatIDs, s.cfg.MaxPerSessionPerTrip)
	if err != nil {
		return nil, err
	}
	removed, err := s.hints.Remove(ctx, tripID, ids, userID)
	if err != nil {
		return nil, fmt.Errorf("remove hints: %w", err)
	}
	if len(removed) == 0 {
		return removed, nil
	}
	s.publish(ctx, queue.SeatEvent{
		Kind:       queue.SeatUnhinted,
		TripID:     tripID,
		SeatIDs:    removed,
		SeatLabels: s.labels(ctx, removed),
		UserID:     userID,
		OccurredAt: s.now(),
	})
	return removed, nil
}

// SweepExpired removes expired hints and broadcasts SeatUnhinted for them,
// one event per (trip, user).
func (s *HintService) SweepExpired(ctx context.Context) (int, error) {
	now := s.now()
	expired, err := s.hints.Sweep(ctx, now)
	if err != nil {
		return 0, fmt.Errorf("sweep hints: %w", err)
	}
	type key struct{ trip, user uint64 }
	groups := make(map[key][]uint64)
	var order []key
	for _, h := range expired {
		k := key{h.TripID, h.UserID}
		if _, ok := groups[k]; !ok {
			order = append(order, k)
		}
		groups[k] = append(groups[k], h.SeatID)
	}
	for _, k := range order {
		ids := groups[k]
		s.publish(ctx, queue.SeatEvent{
			Kind:       queue.SeatUnhinted,
			TripID:     k.trip,
			SeatIDs:    ids,
			SeatLabels: s.labels(ctx, ids),
			UserID:     k.user,
			OccurredAt: now,
		})
	}
	return len(expired), nil
}

func (s *HintService) labels(ctx context.Context, ids []uint64) []string {
	m, err := s.seats.LabelsByIDs(ctx, ids)
	if err != nil {
		s.log.WithError(err).Warn("seat labels unavailable")
		return nil
	}
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		out = append(out, m[id])
	}
	return out
}

func (s *HintService) clampTTL(ttl time.Duration) time.Duration {
	switch {
	case ttl == 0:
		return s.cfg.HintDefaultTTL
	case ttl < time.Second:
		return time.Second
	case ttl > s.cfg.HintMaxTTL:
		return s.cfg.HintMaxTTL
	}
	return ttl
}

func (s *HintService) publish(ctx context.Context, ev queue.SeatEvent) {
	if s.events == nil {
		return
	}
	if err := s.events.Publish(ctx, ev); err != nil {
		s.log.WithError(err).WithFields(logrus.Fields{"kind": ev.Kind, "trip_id": ev.TripID}).Warn("hint event not published")
	}
}
