package service

import (
	"context"
	"io"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/iliyamo/bus-seat-booking/internal/config"
	"github.com/iliyamo/bus-seat-booking/internal/model"
	"github.com/iliyamo/bus-seat-booking/internal/queue"
	"github.com/iliyamo/bus-seat-booking/internal/repository"
)

type pair = [2]uint64

// fakeWorld is an in-memory stand-in for the MySQL stores. Every write holds
// mu for its whole duration, which gives the same all-or-nothing behaviour
// as a transaction.
type fakeWorld struct {
	mu       sync.Mutex
	trips    map[uint64]*model.Trip
	seats    map[uint64][]model.Seat // bus id -> seats
	locks    map[pair]model.SeatLock
	booked   map[pair]string // -> booking id
	drafts   map[string]*model.DraftCheckout
	open     map[string]string // token -> open draft id
	bookings map[string]*model.Booking
	byKey    map[string]string
	nextID   uint64

	acquireErr error
}

func newFakeWorld() *fakeWorld {
	return &fakeWorld{
		trips:    make(map[uint64]*model.Trip),
		seats:    make(map[uint64][]model.Seat),
		locks:    make(map[pair]model.SeatLock),
		booked:   make(map[pair]string),
		drafts:   make(map[string]*model.DraftCheckout),
		open:     make(map[string]string),
		bookings: make(map[string]*model.Booking),
		byKey:    make(map[string]string),
	}
}

// addTrip registers a scheduled trip on its own bus with seats 1..n
// labelled "S<n>".
func (w *fakeWorld) addTrip(tripID uint64, n int, departure time.Time) {
	w.mu.Lock()
	defer w.mu.Unlock()
	busID := tripID * 100
	w.trips[tripID] = &model.Trip{ID: tripID, BusID: busID, RouteID: 1, DepartureTime: departure, Status: model.TripScheduled}
	seats := make([]model.Seat, 0, n)
	for i := 1; i <= n; i++ {
		seats = append(seats, model.Seat{ID: uint64(i), BusID: busID, Label: seatLabel(uint64(i)), Deck: 1, Index: uint16(i), SeatType: "STANDARD"})
	}
	w.seats[busID] = seats
}

func seatLabel(id uint64) string { return "S" + string(rune('0'+id/10)) + string(rune('0'+id%10)) }

func (w *fakeWorld) lockCount() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.locks)
}

func (w *fakeWorld) bookingCount() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.bookings)
}

// TripFinder

func (w *fakeWorld) GetByID(_ context.Context, id uint64) (*model.Trip, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	t, ok := w.trips[id]
	if !ok {
		return nil, repository.ErrTripNotFound
	}
	cp := *t
	return &cp, nil
}

// SeatCatalog

func (w *fakeWorld) States(_ context.Context, tripID uint64, seatIDs []uint64, now time.Time) ([]model.SeatState, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	t, ok := w.trips[tripID]
	if !ok {
		return nil, nil
	}
	want := make(map[uint64]bool, len(seatIDs))
	for _, id := range seatIDs {
		want[id] = true
	}
	var out []model.SeatState
	for _, s := range w.seats[t.BusID] {
		if len(want) > 0 && !want[s.ID] {
			continue
		}
		_, booked := w.booked[pair{tripID, s.ID}]
		var exp *time.Time
		l, locked := w.locks[pair{tripID, s.ID}]
		if locked {
			e := l.ExpiresAt
			exp = &e
		}
		st := model.SeatState{Seat: s, Status: model.DeriveSeatStatus(booked, exp, now)}
		if st.Status == model.SeatLocked {
			st.LockToken = l.Token
			st.LockExpiresAt = exp
		}
		out = append(out, st)
	}
	return out, nil
}

func (w *fakeWorld) ListByTrip(_ context.Context, tripID uint64) ([]model.Seat, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	t, ok := w.trips[tripID]
	if !ok {
		return nil, nil
	}
	return append([]model.Seat(nil), w.seats[t.BusID]...), nil
}

func (w *fakeWorld) LabelsByIDs(_ context.Context, seatIDs []uint64) (map[uint64]string, error) {
	out := make(map[uint64]string, len(seatIDs))
	for _, id := range seatIDs {
		out[id] = seatLabel(id)
	}
	return out, nil
}

// LockStore

func (w *fakeWorld) Acquire(_ context.Context, req repository.LockRequest) (*repository.LockResult, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.acquireErr != nil {
		return nil, w.acquireErr
	}
	conflict := repository.NewConflictError(repository.ConflictSeatUnavailable)
	for _, t := range req.Trips {
		for _, s := range t.Seats {
			k := pair{t.TripID, s.SeatID}
			if _, ok := w.booked[k]; ok {
				conflict.Add(t.TripID, s.SeatID, repository.ReasonBooked)
				continue
			}
			l, ok := w.locks[k]
			if !ok || !l.Live(req.Now) {
				continue
			}
			switch {
			case l.Token == req.Token && l.UserID != req.UserID:
				return nil, repository.ErrForeignSession
			case l.Token != req.Token:
				conflict.Add(t.TripID, s.SeatID, repository.ReasonLocked)
			}
		}
	}
	if !conflict.Empty() {
		return nil, conflict
	}
	if id, ok := w.open[req.Token]; ok && req.UserID != 0 && w.drafts[id].UserID != req.UserID {
		return nil, repository.ErrForeignSession
	}
	legs := make(map[uint64]string, len(req.Trips))
	for _, t := range req.Trips {
		legs[t.TripID] = t.Leg
		for _, s := range t.Seats {
			w.nextID++
			w.locks[pair{t.TripID, s.SeatID}] = model.SeatLock{
				ID: w.nextID, TripID: t.TripID, SeatID: s.SeatID, SeatLabel: s.Label,
				Token: req.Token, UserID: req.UserID, ExpiresAt: req.ExpiresAt,
			}
		}
	}
	d := w.syncDraft(req.Token, req.UserID, legs, req.Now, true)
	return &repository.LockResult{Draft: d}, nil
}

func (w *fakeWorld) Release(_ context.Context, token string, scope map[uint64][]uint64, now time.Time) ([]model.SeatLock, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	var out []model.SeatLock
	for k, l := range w.locks {
		seats, inScope := scope[k[0]]
		if !inScope || l.Token != token {
			continue
		}
		if len(seats) > 0 && !containsID(seats, k[1]) {
			continue
		}
		delete(w.locks, k)
		if l.Live(now) {
			out = append(out, l)
		}
	}
	sortLocks(out)
	w.syncDraft(token, 0, nil, now, false)
	return out, nil
}

func (w *fakeWorld) LiveLocks(_ context.Context, pairs map[uint64][]uint64, now time.Time) ([]model.SeatLock, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	var out []model.SeatLock
	for tripID, seats := range pairs {
		for _, s := range seats {
			if l, ok := w.locks[pair{tripID, s}]; ok && l.Live(now) {
				out = append(out, l)
			}
		}
	}
	sortLocks(out)
	return out, nil
}

func (w *fakeWorld) ExpireLocks(_ context.Context, now time.Time, limit int) ([]model.SeatLock, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	var out []model.SeatLock
	for k, l := range w.locks {
		if l.Live(now) {
			continue
		}
		if limit > 0 && len(out) >= limit {
			break
		}
		delete(w.locks, k)
		out = append(out, l)
	}
	sortLocks(out)
	return out, nil
}

// syncDraft rewrites the token's open draft from its live locks. Caller
// holds mu.
func (w *fakeWorld) syncDraft(token string, userID uint64, legs map[uint64]string, now time.Time, create bool) *model.DraftCheckout {
	id, ok := w.open[token]
	if !ok {
		if !create {
			return nil
		}
		id = uuid.NewString()
		w.drafts[id] = &model.DraftCheckout{ID: id, Token: token, UserID: userID, Status: model.DraftOpen, CreatedAt: now}
		w.open[token] = id
	}
	d := w.drafts[id]
	prev := make(map[uint64]string, len(d.Items))
	for _, it := range d.Items {
		prev[it.TripID] = it.Leg
	}
	byTrip := make(map[uint64][]model.SeatRef)
	var earliest *time.Time
	for _, l := range w.locks {
		if l.Token != token || !l.Live(now) {
			continue
		}
		byTrip[l.TripID] = append(byTrip[l.TripID], model.SeatRef{SeatID: l.SeatID, Label: l.SeatLabel})
		if earliest == nil || l.ExpiresAt.Before(*earliest) {
			e := l.ExpiresAt
			earliest = &e
		}
	}
	tripIDs := make([]uint64, 0, len(byTrip))
	for id := range byTrip {
		tripIDs = append(tripIDs, id)
	}
	sort.Slice(tripIDs, func(i, j int) bool { return tripIDs[i] < tripIDs[j] })
	items := make(model.DraftItems, 0, len(tripIDs))
	for _, tripID := range tripIDs {
		leg := legs[tripID]
		if leg == "" {
			leg = prev[tripID]
		}
		if leg == "" {
			leg = model.LegOut
		}
		seats := byTrip[tripID]
		sort.Slice(seats, func(i, j int) bool { return seats[i].SeatID < seats[j].SeatID })
		items = append(items, model.DraftItem{TripID: tripID, Leg: leg, Seats: seats})
	}
	d.Items = items
	d.ExpiresAt = earliest
	d.UpdatedAt = now
	cp := *d
	return &cp
}

// DraftStore

type fakeDrafts struct{ w *fakeWorld }

func (f fakeDrafts) GetByID(_ context.Context, id string) (*model.DraftCheckout, error) {
	f.w.mu.Lock()
	defer f.w.mu.Unlock()
	d, ok := f.w.drafts[id]
	if !ok {
		return nil, repository.ErrDraftNotFound
	}
	cp := *d
	return &cp, nil
}

// BookingStore

type fakeBookings struct{ w *fakeWorld }

func (f fakeBookings) Finalize(_ context.Context, req repository.FinalizeRequest) (*model.Booking, error) {
	w := f.w
	w.mu.Lock()
	defer w.mu.Unlock()
	d, ok := w.drafts[req.DraftID]
	if !ok {
		return nil, repository.ErrDraftNotFound
	}
	if d.Status != model.DraftOpen {
		return nil, repository.ErrDraftConfirmed
	}
	if _, dup := w.byKey[req.IdempotencyKey]; dup {
		return nil, repository.ErrDuplicateIdempotencyKey
	}
	lost := repository.NewConflictError(repository.ConflictLockLost)
	sold := repository.NewConflictError(repository.ConflictSeatUnavailable)
	for _, it := range d.Items {
		for _, s := range it.Seats {
			k := pair{it.TripID, s.SeatID}
			l, ok := w.locks[k]
			switch {
			case !ok || !l.Live(req.Now):
				lost.Add(it.TripID, s.SeatID, repository.ReasonExpired)
			case l.Token != d.Token:
				lost.Add(it.TripID, s.SeatID, repository.ReasonTaken)
			}
			if _, ok := w.booked[k]; ok {
				sold.Add(it.TripID, s.SeatID, repository.ReasonBooked)
			}
		}
	}
	if !lost.Empty() {
		return nil, lost
	}
	if !sold.Empty() {
		return nil, sold
	}

	b := &model.Booking{
		ID: uuid.NewString(), Reference: "BK-TEST", UserID: d.UserID, Token: d.Token,
		DraftID: d.ID, IdempotencyKey: req.IdempotencyKey, Status: model.BookingConfirmed, CreatedAt: req.Now,
	}
	for _, it := range d.Items {
		w.nextID++
		leg := model.BookingLeg{ID: w.nextID, BookingID: b.ID, TripID: it.TripID, Direction: it.Leg}
		for _, s := range it.Seats {
			w.nextID++
			leg.Items = append(leg.Items, model.BookingItem{ID: w.nextID, BookingID: b.ID, LegID: leg.ID, TripID: it.TripID, SeatID: s.SeatID, SeatLabel: s.Label, Status: model.ItemActive})
			w.booked[pair{it.TripID, s.SeatID}] = b.ID
		}
		b.Legs = append(b.Legs, leg)
	}
	for k, l := range w.locks {
		if l.Token != d.Token {
			continue
		}
		for _, it := range d.Items {
			if it.TripID == k[0] {
				delete(w.locks, k)
			}
		}
	}
	d.Status = model.DraftConfirmed
	d.BookingID = &b.ID
	key := req.IdempotencyKey
	d.IdempotencyKey = &key
	delete(w.open, d.Token)
	w.bookings[b.ID] = b
	w.byKey[key] = b.ID
	return b, nil
}

func (f fakeBookings) GetByID(_ context.Context, id string) (*model.Booking, error) {
	f.w.mu.Lock()
	defer f.w.mu.Unlock()
	b, ok := f.w.bookings[id]
	if !ok {
		return nil, repository.ErrBookingNotFound
	}
	return b, nil
}

func (f fakeBookings) GetByIdempotencyKey(_ context.Context, key string) (*model.Booking, error) {
	f.w.mu.Lock()
	defer f.w.mu.Unlock()
	id, ok := f.w.byKey[key]
	if !ok {
		return nil, repository.ErrBookingNotFound
	}
	return f.w.bookings[id], nil
}

// recorder collects published events.
type recorder struct {
	mu       sync.Mutex
	events   []queue.SeatEvent
	bookings []queue.BookingConfirmedEvent
}

func (r *recorder) Publish(_ context.Context, ev queue.SeatEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return nil
}

func (r *recorder) PublishBookingConfirmed(_ context.Context, ev queue.BookingConfirmedEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.bookings = append(r.bookings, ev)
	return nil
}

func (r *recorder) kinds() []queue.SeatEventKind {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]queue.SeatEventKind, 0, len(r.events))
	for _, e := range r.events {
		out = append(out, e.Kind)
	}
	return out
}

func (r *recorder) ofKind(k queue.SeatEventKind) []queue.SeatEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []queue.SeatEvent
	for _, e := range r.events {
		if e.Kind == k {
			out = append(out, e)
		}
	}
	return out
}

// fakeClock is a settable clock shared by the services under test.
type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func testSeatConfig() config.SeatConfig {
	return config.SeatConfig{
		DefaultLockTTL:       10 * time.Minute,
		MinLockTTL:           5 * time.Second,
		MaxLockTTL:           30 * time.Minute,
		MaxPerSessionPerTrip: 6,
		MaxTripsPerCheckout:  4,
		LockWait:             500 * time.Millisecond,
		HintDefaultTTL:       10 * time.Second,
		HintMaxTTL:           time.Minute,
		SweepBatch:           500,
	}
}

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

// harness wires every service against one fakeWorld and one clock.
type harness struct {
	world  *fakeWorld
	clock  *fakeClock
	events *recorder
	hints  *repository.MemoryHintStore
	locks  *LockManager
	hint   *HintService
	inv    *Inventory
	fin    *Finalizer
}

var testEpoch = time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)

func newHarness() *harness {
	h := &harness{
		world:  newFakeWorld(),
		clock:  &fakeClock{t: testEpoch},
		events: &recorder{},
		hints:  repository.NewMemoryHintStore(),
	}
	cfg := testSeatConfig()
	log := quietLogger()
	h.locks = NewLockManager(h.world, h.world, h.world, h.events, cfg, log)
	h.locks.now = h.clock.Now
	h.hint = NewHintService(h.world, h.world, h.hints, h.events, cfg, log)
	h.hint.now = h.clock.Now
	h.inv = NewInventory(h.world, h.world, h.hints, log)
	h.inv.now = h.clock.Now
	h.fin = NewFinalizer(fakeDrafts{h.world}, fakeBookings{h.world}, h.locks, h.events, h.events, cfg, log)
	h.fin.now = h.clock.Now
	return h
}

func (h *harness) status(tripID, seatID uint64) model.SeatStatus {
	st, err := h.inv.Status(context.Background(), tripID, []uint64{seatID})
	if err != nil {
		panic(err)
	}
	return st[seatID]
}

func containsID(ids []uint64, id uint64) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}

func sortLocks(ls []model.SeatLock) {
	sort.Slice(ls, func(i, j int) bool {
		if ls[i].TripID != ls[j].TripID {
			return ls[i].TripID < ls[j].TripID
		}
		return ls[i].SeatID < ls[j].SeatID
	})
}
