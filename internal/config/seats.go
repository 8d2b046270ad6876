package config

import "time"

// SeatConfig tunes the seat lock manager, the hint layer and the sweeper.
type SeatConfig struct {
	DefaultLockTTL       time.Duration // DEFAULT_TTL when the client sends no ttl_seconds
	MinLockTTL           time.Duration
	MaxLockTTL           time.Duration
	MaxPerSessionPerTrip int
	MaxTripsPerCheckout  int
	LockWait             time.Duration // upper bound for one lock transaction

	HintDefaultTTL time.Duration
	HintMaxTTL     time.Duration
	HintPrefix     string

	SweepSchedule string // robfig/cron spec, seconds field enabled
	SweepBatch    int

	EventBuffer int // per-subscriber buffered events before a resync
}

// LoadSeatConfig reads seat related settings. DEFAULT_TTL is accepted as an
// alias of LOCK_DEFAULT_TTL.
func LoadSeatConfig() SeatConfig {
	cfg := SeatConfig{
		DefaultLockTTL:       envDur("LOCK_DEFAULT_TTL", envDur("DEFAULT_TTL", 10*time.Minute)),
		MinLockTTL:           envDur("LOCK_MIN_TTL", 5*time.Second),
		MaxLockTTL:           envDur("LOCK_MAX_TTL", 30*time.Minute),
		MaxPerSessionPerTrip: envInt("MAX_PER_SESSION_PER_TRIP", 6),
		MaxTripsPerCheckout:  envInt("MAX_TRIPS_PER_CHECKOUT", 4),
		LockWait:             envDur("LOCK_WAIT", 500*time.Millisecond),
		HintDefaultTTL:       envDur("HINT_DEFAULT_TTL", 10*time.Second),
		HintMaxTTL:           envDur("HINT_MAX_TTL", time.Minute),
		HintPrefix:           envStr("HINT_PREFIX", "hint"),
		SweepSchedule:        envStr("SWEEP_SCHEDULE", "@every 15s"),
		SweepBatch:           envInt("SWEEP_BATCH", 500),
		EventBuffer:          envInt("EVENT_BUFFER", 64),
	}
	return cfg.normalized()
}

func (c SeatConfig) normalized() SeatConfig {
	if c.MinLockTTL <= 0 {
		c.MinLockTTL = time.Second
	}
	if c.MaxLockTTL < c.MinLockTTL {
		c.MaxLockTTL = c.MinLockTTL
	}
	if c.DefaultLockTTL < c.MinLockTTL {
		c.DefaultLockTTL = c.MinLockTTL
	}
	if c.DefaultLockTTL > c.MaxLockTTL {
		c.DefaultLockTTL = c.MaxLockTTL
	}
	if c.MaxPerSessionPerTrip < 1 {
		c.MaxPerSessionPerTrip = 1
	}
	if c.MaxTripsPerCheckout < 1 {
		c.MaxTripsPerCheckout = 1
	}
	if c.LockWait <= 0 {
		c.LockWait = 500 * time.Millisecond
	}
	if c.HintMaxTTL <= 0 {
		c.HintMaxTTL = time.Minute
	}
	if c.HintDefaultTTL <= 0 || c.HintDefaultTTL > c.HintMaxTTL {
		c.HintDefaultTTL = c.HintMaxTTL
	}
	if c.SweepBatch < 1 {
		c.SweepBatch = 100
	}
	if c.EventBuffer < 1 {
		c.EventBuffer = 16
	}
	return c
}
