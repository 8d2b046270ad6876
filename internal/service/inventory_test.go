package service

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iliyamo/bus-seat-booking/internal/model"
	"github.com/iliyamo/bus-seat-booking/internal/repository"
)

func TestInventory_Status(t *testing.T) {
	h := newHarness()
	h.world.addTrip(1, 10, testEpoch.Add(time.Hour))
	ctx := context.Background()

	_, err := h.locks.Checkout(ctx, CheckoutRequest{Token: "a", TTL: 5 * time.Second, Trips: checkoutOne(1, 1, 2)})
	require.NoError(t, err)
	h.world.mu.Lock()
	h.world.booked[pair{1, 2}] = "b"
	h.world.mu.Unlock()

	st, err := h.inv.Status(ctx, 1, []uint64{1, 2, 3})
	require.NoError(t, err)
	assert.Equal(t, map[uint64]model.SeatStatus{
		1: model.SeatLocked,
		2: model.SeatBooked,
		3: model.SeatAvailable,
	}, st)

	h.clock.Advance(5 * time.Second)
	st, err = h.inv.Status(ctx, 1, []uint64{1})
	require.NoError(t, err)
	assert.Equal(t, model.SeatAvailable, st[1], "expired lock reads as available before any sweep")
	assert.Equal(t, 2, h.world.lockCount())

	_, err = h.inv.Status(ctx, 1, []uint64{42})
	var ve *ValidationError
	assert.ErrorAs(t, err, &ve)
	_, err = h.inv.Status(ctx, 2, []uint64{1})
	assert.ErrorIs(t, err, repository.ErrTripNotFound)
}

func TestInventory_TripSeats(t *testing.T) {
	h := newHarness()
	h.world.addTrip(1, 4, testEpoch.Add(time.Hour))
	ctx := context.Background()

	_, err := h.locks.Checkout(ctx, CheckoutRequest{Token: "mine", UserID: 1, TTL: time.Minute, Trips: checkoutOne(1, 1)})
	require.NoError(t, err)
	_, err = h.locks.Checkout(ctx, CheckoutRequest{Token: "theirs", UserID: 2, TTL: time.Minute, Trips: checkoutOne(1, 2)})
	require.NoError(t, err)
	_, err = h.hint.Select(ctx, 1, []uint64{3}, 2, 0)
	require.NoError(t, err)
	_, err = h.hint.Select(ctx, 1, []uint64{4}, 1, 0)
	require.NoError(t, err)

	m, err := h.inv.TripSeats(ctx, 1, "mine", 1)
	require.NoError(t, err)
	require.Len(t, m.Seats, 4)
	assert.Equal(t, uint64(1), m.Trip.ID)

	assert.True(t, m.Seats[0].HeldByYou)
	assert.NotNil(t, m.Seats[0].LockExpiresAt)
	assert.Equal(t, model.SeatLocked, m.Seats[1].Status)
	assert.False(t, m.Seats[1].HeldByYou)
	assert.Nil(t, m.Seats[1].LockExpiresAt)
	assert.True(t, m.Seats[2].Hinted)
	assert.False(t, m.Seats[3].Hinted, "own hints are not shown")

	anon, err := h.inv.TripSeats(ctx, 1, "", 0)
	require.NoError(t, err)
	assert.False(t, anon.Seats[0].HeldByYou)
}

func TestInventory_Layout(t *testing.T) {
	h := newHarness()
	h.world.addTrip(1, 12, testEpoch.Add(time.Hour))

	seats, err := h.inv.Layout(context.Background(), 1)
	require.NoError(t, err)
	assert.Len(t, seats, 12)

	_, err = h.inv.Layout(context.Background(), 2)
	assert.ErrorIs(t, err, repository.ErrTripNotFound)
}
