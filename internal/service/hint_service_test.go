package service

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iliyamo/bus-seat-booking/internal/model"
	"github.com/iliyamo/bus-seat-booking/internal/queue"
	"github.com/iliyamo/bus-seat-booking/internal/repository"
)

func TestHintService_Select(t *testing.T) {
	h := newHarness()
	h.world.addTrip(1, 10, testEpoch.Add(time.Hour))
	ctx := context.Background()

	h.world.mu.Lock()
	h.world.booked[pair{1, 3}] = "sold"
	h.world.mu.Unlock()

	res, err := h.hint.Select(ctx, 1, []uint64{2, 3, 4}, 50, 0)
	require.NoError(t, err)
	assert.Equal(t, []uint64{2, 4}, model.SeatIDs(res.Seats), "booked seats are skipped")
	assert.Equal(t, testEpoch.Add(10*time.Second), res.ExpiresAt)

	hinted := h.events.ofKind(queue.SeatHinted)
	require.Len(t, hinted, 1)
	assert.Equal(t, uint64(50), hinted[0].UserID)
	assert.Equal(t, []string{"S02", "S04"}, hinted[0].SeatLabels)

	live, err := h.hints.Live(ctx, 1, h.clock.Now())
	require.NoError(t, err)
	assert.Len(t, live, 2)

	t.Run("hints never block locks", func(t *testing.T) {
		_, err := h.locks.Checkout(ctx, CheckoutRequest{Token: "other", UserID: 51, Trips: checkoutOne(1, 2)})
		assert.NoError(t, err)
	})

	t.Run("ttl is clamped", func(t *testing.T) {
		res, err := h.hint.Select(ctx, 1, []uint64{5}, 50, time.Hour)
		require.NoError(t, err)
		assert.Equal(t, testEpoch.Add(time.Minute), res.ExpiresAt)
	})

	t.Run("only booked seats", func(t *testing.T) {
		before := len(h.events.ofKind(queue.SeatHinted))
		res, err := h.hint.Select(ctx, 1, []uint64{3}, 50, 0)
		require.NoError(t, err)
		assert.Empty(t, res.Seats)
		assert.Len(t, h.events.ofKind(queue.SeatHinted), before)
	})

	t.Run("rejections", func(t *testing.T) {
		var ve *ValidationError
		_, err := h.hint.Select(ctx, 1, []uint64{77}, 50, 0)
		assert.ErrorAs(t, err, &ve)
		_, err = h.hint.Select(ctx, 1, nil, 50, 0)
		assert.ErrorAs(t, err, &ve)
		_, err = h.hint.Select(ctx, 9, []uint64{1}, 50, 0)
		assert.ErrorIs(t, err, repository.ErrTripNotFound)
	})
}

func TestHintService_UnselectOnlyOwnHints(t *testing.T) {
	h := newHarness()
	h.world.addTrip(1, 10, testEpoch.Add(time.Hour))
	ctx := context.Background()

	_, err := h.hint.Select(ctx, 1, []uint64{1, 2}, 50, 0)
	require.NoError(t, err)
	_, err = h.hint.Select(ctx, 1, []uint64{2}, 60, 0)
	require.NoError(t, err)

	removed, err := h.hint.Unselect(ctx, 1, []uint64{2, 3}, 50)
	require.NoError(t, err)
	assert.Equal(t, []uint64{2}, removed)

	live, err := h.hints.Live(ctx, 1, h.clock.Now())
	require.NoError(t, err)
	assert.ElementsMatch(t, []model.SeatHint{
		{TripID: 1, SeatID: 1, UserID: 50, ExpiresAt: testEpoch.Add(10 * time.Second)},
		{TripID: 1, SeatID: 2, UserID: 60, ExpiresAt: testEpoch.Add(10 * time.Second)},
	}, live)

	unhinted := h.events.ofKind(queue.SeatUnhinted)
	require.Len(t, unhinted, 1)
	assert.Equal(t, []string{"S02"}, unhinted[0].SeatLabels)

	removed, err = h.hint.Unselect(ctx, 1, []uint64{9}, 50)
	require.NoError(t, err)
	assert.Empty(t, removed)
	assert.Len(t, h.events.ofKind(queue.SeatUnhinted), 1)
}

func TestHintService_SweepExpired(t *testing.T) {
	h := newHarness()
	h.world.addTrip(1, 10, testEpoch.Add(time.Hour))
	h.world.addTrip(2, 10, testEpoch.Add(time.Hour))
	ctx := context.Background()

	_, err := h.hint.Select(ctx, 1, []uint64{1, 2}, 50, 2*time.Second)
	require.NoError(t, err)
	_, err = h.hint.Select(ctx, 2, []uint64{1}, 60, 2*time.Second)
	require.NoError(t, err)
	_, err = h.hint.Select(ctx, 2, []uint64{5}, 60, time.Minute)
	require.NoError(t, err)

	h.clock.Advance(5 * time.Second)
	n, err := h.hint.SweepExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	unhinted := h.events.ofKind(queue.SeatUnhinted)
	require.Len(t, unhinted, 2, "one event per trip and user")
	for _, ev := range unhinted {
		if ev.TripID == 1 {
			assert.ElementsMatch(t, []uint64{1, 2}, ev.SeatIDs)
		}
	}

	live, err := h.hints.Live(ctx, 2, h.clock.Now())
	require.NoError(t, err)
	require.Len(t, live, 1)
	assert.Equal(t, uint64(5), live[0].SeatID)
}
