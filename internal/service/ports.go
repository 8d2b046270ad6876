package service

import (
	"context"
	"time"

	"github.com/iliyamo/bus-seat-booking/internal/model"
	"github.com/iliyamo/bus-seat-booking/internal/queue"
	"github.com/iliyamo/bus-seat-booking/internal/repository"
)

// TripFinder is implemented by repository.TripRepo.
type TripFinder interface {
	GetByID(ctx context.Context, id uint64) (*model.Trip, error)
}

// SeatCatalog is implemented by repository.SeatRepo.
type SeatCatalog interface {
	States(ctx context.Context, tripID uint64, seatIDs []uint64, now time.Time) ([]model.SeatState, error)
	ListByTrip(ctx context.Context, tripID uint64) ([]model.Seat, error)
	LabelsByIDs(ctx context.Context, seatIDs []uint64) (map[uint64]string, error)
}

// LockStore is implemented by repository.LockRepo.
type LockStore interface {
	Acquire(ctx context.Context, req repository.LockRequest) (*repository.LockResult, error)
	Release(ctx context.Context, token string, scope map[uint64][]uint64, now time.Time) ([]model.SeatLock, error)
	LiveLocks(ctx context.Context, pairs map[uint64][]uint64, now time.Time) ([]model.SeatLock, error)
	ExpireLocks(ctx context.Context, now time.Time, limit int) ([]model.SeatLock, error)
}

// DraftStore is implemented by repository.DraftRepo.
type DraftStore interface {
	GetByID(ctx context.Context, id string) (*model.DraftCheckout, error)
}

// BookingStore is implemented by repository.BookingRepo.
type BookingStore interface {
	Finalize(ctx context.Context, req repository.FinalizeRequest) (*model.Booking, error)
	GetByID(ctx context.Context, id string) (*model.Booking, error)
	GetByIdempotencyKey(ctx context.Context, key string) (*model.Booking, error)
}

// HintStore is implemented by repository.HintStore and
// repository.MemoryHintStore.
type HintStore interface {
	Add(ctx context.Context, tripID uint64, seatIDs []uint64, userID uint64, expiresAt time.Time) error
	Remove(ctx context.Context, tripID uint64, seatIDs []uint64, userID uint64) ([]uint64, error)
	Live(ctx context.Context, tripID uint64, now time.Time) ([]model.SeatHint, error)
	Sweep(ctx context.Context, now time.Time) ([]model.SeatHint, error)
}

// Broadcaster delivers seat events to viewers of a trip. Publishing happens
// only after the change is committed and failures never undo the change.
type Broadcaster interface {
	Publish(ctx context.Context, ev queue.SeatEvent) error
}

// BookingNotifier hands confirmed bookings to downstream consumers.
type BookingNotifier interface {
	PublishBookingConfirmed(ctx context.Context, ev queue.BookingConfirmedEvent) error
}

func utcNow() time.Time { return time.Now().UTC() }
