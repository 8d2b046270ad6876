package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iliyamo/bus-seat-booking/internal/model"
	"github.com/iliyamo/bus-seat-booking/internal/queue"
	"github.com/iliyamo/bus-seat-booking/internal/repository"
)

func TestConfirm_RoundTrip(t *testing.T) {
	h := newHarness()
	h.world.addTrip(101, 20, testEpoch.Add(48*time.Hour))
	h.world.addTrip(202, 20, testEpoch.Add(96*time.Hour))
	ctx := context.Background()

	co, err := h.locks.Checkout(ctx, CheckoutRequest{Token: "tok", UserID: 42, TTL: time.Minute, Trips: []model.TripSelection{
		{TripID: 101, SeatIDs: []uint64{1, 2}},
		{TripID: 202, SeatIDs: []uint64{1, 2}},
	}})
	require.NoError(t, err)

	res, err := h.fin.Confirm(ctx, ConfirmRequest{DraftID: co.DraftID, IdempotencyKey: "key-1", UserID: 42})
	require.NoError(t, err)
	assert.False(t, res.Replayed)
	b := res.Booking
	assert.Equal(t, uint64(42), b.UserID)
	require.Len(t, b.Legs, 2)
	assert.Equal(t, model.LegOut, b.Legs[0].Direction)
	assert.Equal(t, model.LegReturn, b.Legs[1].Direction)
	assert.Len(t, b.Legs[1].Items, 2)

	for _, trip := range []uint64{101, 202} {
		assert.Equal(t, model.SeatBooked, h.status(trip, 1))
		assert.Equal(t, model.SeatBooked, h.status(trip, 2))
	}
	assert.Zero(t, h.world.lockCount(), "locks converted to bookings")

	booked := h.events.ofKind(queue.SeatBooked)
	require.Len(t, booked, 2)
	assert.Equal(t, []string{"S01", "S02"}, booked[0].SeatLabels)
	require.Len(t, h.events.bookings, 1)
	assert.Equal(t, b.ID, h.events.bookings[0].BookingID)
	assert.Len(t, h.events.bookings[0].Legs, 2)

	d, err := h.fin.Draft(ctx, co.DraftID, 42)
	require.NoError(t, err)
	assert.Equal(t, model.DraftConfirmed, d.Status)

	got, err := h.fin.Booking(ctx, b.ID, 42)
	require.NoError(t, err)
	assert.Equal(t, b.ID, got.ID)
	_, err = h.fin.Booking(ctx, b.ID, 43)
	assert.ErrorIs(t, err, repository.ErrBookingNotFound)
}

// Token A holds seat 5, B is refused, A confirms, B is refused again
// because the seat is now sold.
func TestConfirm_ContendedSeat(t *testing.T) {
	h := newHarness()
	h.world.addTrip(10, 20, testEpoch.Add(24*time.Hour))
	ctx := context.Background()

	a, err := h.locks.Checkout(ctx, CheckoutRequest{Token: "A", UserID: 1, TTL: 60 * time.Second, Trips: checkoutOne(10, 5)})
	require.NoError(t, err)

	_, err = h.locks.Checkout(ctx, CheckoutRequest{Token: "B", UserID: 2, Trips: checkoutOne(10, 5)})
	var ce *repository.ConflictError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, []repository.SeatConflict{{SeatID: 5, Reason: repository.ReasonLocked}}, ce.Trips[10])

	_, err = h.fin.Confirm(ctx, ConfirmRequest{DraftID: a.DraftID, IdempotencyKey: "a-1", UserID: 1})
	require.NoError(t, err)
	assert.Equal(t, model.SeatBooked, h.status(10, 5))

	_, err = h.locks.Checkout(ctx, CheckoutRequest{Token: "B", UserID: 2, Trips: checkoutOne(10, 5)})
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, []repository.SeatConflict{{SeatID: 5, Reason: repository.ReasonBooked}}, ce.Trips[10])
}

// A 5s lock left alone for 10s cannot be confirmed and the seat is free.
func TestConfirm_ExpiredLock(t *testing.T) {
	h := newHarness()
	h.world.addTrip(10, 20, testEpoch.Add(24*time.Hour))
	ctx := context.Background()

	a, err := h.locks.Checkout(ctx, CheckoutRequest{Token: "A", UserID: 1, TTL: 5 * time.Second, Trips: checkoutOne(10, 7)})
	require.NoError(t, err)
	h.clock.Advance(10 * time.Second)

	_, err = h.fin.Confirm(ctx, ConfirmRequest{DraftID: a.DraftID, IdempotencyKey: "late", UserID: 1})
	var ce *repository.ConflictError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, repository.ConflictLockLost, ce.Kind)
	assert.Equal(t, map[uint64][]uint64{10: {7}}, ce.SeatsWithReason(repository.ReasonExpired))
	assert.Equal(t, model.SeatAvailable, h.status(10, 7))
	assert.Zero(t, h.world.bookingCount())

	_, err = h.locks.Checkout(ctx, CheckoutRequest{Token: "C", UserID: 3, Trips: checkoutOne(10, 7)})
	assert.NoError(t, err)
}

func TestConfirm_IdempotentReplay(t *testing.T) {
	h := newHarness()
	h.world.addTrip(1, 10, testEpoch.Add(time.Hour))
	ctx := context.Background()

	co, err := h.locks.Checkout(ctx, CheckoutRequest{Token: "tok", UserID: 9, Trips: checkoutOne(1, 1)})
	require.NoError(t, err)

	first, err := h.fin.Confirm(ctx, ConfirmRequest{DraftID: co.DraftID, IdempotencyKey: "same", UserID: 9})
	require.NoError(t, err)
	second, err := h.fin.Confirm(ctx, ConfirmRequest{DraftID: co.DraftID, IdempotencyKey: "same", UserID: 9})
	require.NoError(t, err)

	assert.True(t, second.Replayed)
	assert.Equal(t, first.Booking.ID, second.Booking.ID)
	assert.Equal(t, 1, h.world.bookingCount())
	assert.Len(t, h.events.ofKind(queue.SeatBooked), 1, "replay does not re-broadcast")

	t.Run("different key on a confirmed draft", func(t *testing.T) {
		_, err := h.fin.Confirm(ctx, ConfirmRequest{DraftID: co.DraftID, IdempotencyKey: "other", UserID: 9})
		assert.ErrorIs(t, err, ErrDraftAlreadyConfirmed)
	})

	t.Run("key reused for another draft", func(t *testing.T) {
		co2, err := h.locks.Checkout(ctx, CheckoutRequest{Token: "tok-2", UserID: 9, Trips: checkoutOne(1, 2)})
		require.NoError(t, err)
		_, err = h.fin.Confirm(ctx, ConfirmRequest{DraftID: co2.DraftID, IdempotencyKey: "same", UserID: 9})
		var ve *ValidationError
		require.ErrorAs(t, err, &ve)
		assert.Equal(t, "idempotency_key", ve.Field)
	})
}

func TestConfirm_ConcurrentSameKey(t *testing.T) {
	h := newHarness()
	h.world.addTrip(1, 10, testEpoch.Add(time.Hour))
	ctx := context.Background()

	co, err := h.locks.Checkout(ctx, CheckoutRequest{Token: "tok", UserID: 9, Trips: checkoutOne(1, 1, 2)})
	require.NoError(t, err)

	const n = 16
	ids := make([]string, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := h.fin.Confirm(ctx, ConfirmRequest{DraftID: co.DraftID, IdempotencyKey: "k", UserID: 9})
			if assert.NoError(t, err) {
				ids[i] = res.Booking.ID
			}
		}(i)
	}
	wg.Wait()

	for _, id := range ids {
		assert.Equal(t, ids[0], id)
	}
	assert.Equal(t, 1, h.world.bookingCount())
}

func TestConfirm_Rejections(t *testing.T) {
	h := newHarness()
	h.world.addTrip(1, 10, testEpoch.Add(time.Hour))
	ctx := context.Background()

	co, err := h.locks.Checkout(ctx, CheckoutRequest{Token: "tok", UserID: 9, Trips: checkoutOne(1, 1)})
	require.NoError(t, err)

	t.Run("missing fields", func(t *testing.T) {
		var ve *ValidationError
		_, err := h.fin.Confirm(ctx, ConfirmRequest{IdempotencyKey: "k", UserID: 9})
		assert.ErrorAs(t, err, &ve)
		_, err = h.fin.Confirm(ctx, ConfirmRequest{DraftID: co.DraftID, UserID: 9})
		assert.ErrorAs(t, err, &ve)
	})

	t.Run("unknown draft", func(t *testing.T) {
		_, err := h.fin.Confirm(ctx, ConfirmRequest{DraftID: "nope", IdempotencyKey: "k", UserID: 9})
		assert.ErrorIs(t, err, repository.ErrDraftNotFound)
	})

	t.Run("someone else's draft", func(t *testing.T) {
		_, err := h.fin.Confirm(ctx, ConfirmRequest{DraftID: co.DraftID, IdempotencyKey: "k", UserID: 10})
		assert.ErrorIs(t, err, repository.ErrDraftNotFound)
		_, err = h.fin.Draft(ctx, co.DraftID, 10)
		assert.ErrorIs(t, err, repository.ErrDraftNotFound)
	})

	t.Run("released draft", func(t *testing.T) {
		_, err := h.locks.ReleaseByToken(ctx, "tok", []uint64{1})
		require.NoError(t, err)
		_, err = h.fin.Confirm(ctx, ConfirmRequest{DraftID: co.DraftID, IdempotencyKey: "k", UserID: 9})
		var ce *repository.ConflictError
		require.ErrorAs(t, err, &ce)
		assert.Equal(t, repository.ConflictLockLost, ce.Kind)
	})
	assert.Zero(t, h.world.bookingCount())
}

func TestConfirm_SeatSoldElsewhereReleasesIt(t *testing.T) {
	h := newHarness()
	h.world.addTrip(1, 10, testEpoch.Add(time.Hour))
	ctx := context.Background()

	co, err := h.locks.Checkout(ctx, CheckoutRequest{Token: "tok", UserID: 9, Trips: checkoutOne(1, 1, 2)})
	require.NoError(t, err)

	// Seat 2 sold through another channel while the lock is still live.
	h.world.mu.Lock()
	h.world.booked[pair{1, 2}] = "external"
	h.world.mu.Unlock()

	_, err = h.fin.Confirm(ctx, ConfirmRequest{DraftID: co.DraftID, IdempotencyKey: "k", UserID: 9})
	var ce *repository.ConflictError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, repository.ConflictSeatUnavailable, ce.Kind)

	require.Error(t, h.locks.AssertMultiLockedByToken(ctx, map[uint64][]uint64{1: {2}}, "tok"))
	assert.NoError(t, h.locks.AssertMultiLockedByToken(ctx, map[uint64][]uint64{1: {1}}, "tok"), "other seats stay held")
}
