package service

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
)

// LockExpirer is implemented by LockManager.
type LockExpirer interface {
	ExpireStale(ctx context.Context) (int, error)
}

// HintExpirer is implemented by HintService.
type HintExpirer interface {
	SweepExpired(ctx context.Context) (int, error)
}

// SweepReport describes one sweep run.
type SweepReport struct {
	LocksExpired int       `json:"locks_expired"`
	HintsExpired int       `json:"hints_expired"`
	StartedAt    time.Time `json:"started_at"`
	FinishedAt   time.Time `json:"finished_at"`
	Skipped      bool      `json:"skipped"`
	Error        string    `json:"error,omitempty"`
}

// JobInfo describes a scheduled job.
type JobInfo struct {
	ID       int       `json:"id"`
	Name     string    `json:"name"`
	Schedule string    `json:"schedule"`
	Next     time.Time `json:"next"`
	Prev     time.Time `json:"prev"`
}

// Sweeper periodically deletes expired locks and hints. Reads already treat
// expired rows as absent; sweeping keeps the tables small and tells viewers
// the seats are free again.
type Sweeper struct {
	cron     *cron.Cron
	locks    LockExpirer
	hints    HintExpirer
	schedule string
	timeout  time.Duration
	log      *logrus.Logger

	run     sync.Mutex
	entryID cron.EntryID
}

// NewSweeper creates a Sweeper. hints may be nil.
func NewSweeper(locks LockExpirer, hints HintExpirer, schedule string, log *logrus.Logger) *Sweeper {
	return &Sweeper{
		cron:     cron.New(cron.WithSeconds()),
		locks:    locks,
		hints:    hints,
		schedule: schedule,
		timeout:  30 * time.Second,
		log:      log,
	}
}

// Start schedules the sweep job and starts the scheduler.
func (s *Sweeper) Start() error {
	id, err := s.cron.AddFunc(s.schedule, func() {
		ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
		defer cancel()
		s.RunNow(ctx)
	})
	if err != nil {
		return fmt.Errorf("schedule sweep %q: %w", s.schedule, err)
	}
	s.entryID = id
	s.cron.Start()
	s.log.WithField("schedule", s.schedule).Info("sweeper started")
	return nil
}

// Stop stops the scheduler and waits for a running sweep or ctx.
func (s *Sweeper) Stop(ctx context.Context) {
	done := s.cron.Stop()
	select {
	case <-done.Done():
	case <-ctx.Done():
	}
	s.log.Info("sweeper stopped")
}

// RunNow sweeps once. If a sweep is already running the call is skipped.
func (s *Sweeper) RunNow(ctx context.Context) SweepReport {
	rep := SweepReport{StartedAt: time.Now().UTC()}
	if !s.run.TryLock() {
		rep.Skipped = true
		rep.FinishedAt = rep.StartedAt
		return rep
	}
	defer s.run.Unlock()

	n, err := s.locks.ExpireStale(ctx)
	rep.LocksExpired = n
	if err != nil {
		rep.Error = err.Error()
		s.log.WithError(err).Error("lock sweep failed")
	}
	if s.hints != nil {
		h, err := s.hints.SweepExpired(ctx)
		rep.HintsExpired = h
		if err != nil {
			if rep.Error == "" {
				rep.Error = err.Error()
			}
			s.log.WithError(err).Warn("hint sweep failed")
		}
	}
	rep.FinishedAt = time.Now().UTC()
	if rep.LocksExpired > 0 || rep.HintsExpired > 0 {
		s.log.WithFields(logrus.Fields{
			"locks":    rep.LocksExpired,
			"hints":    rep.HintsExpired,
			"duration": rep.FinishedAt.Sub(rep.StartedAt),
		}).Info("sweep finished")
	}
	return rep
}

// Jobs lists the scheduled jobs.
func (s *Sweeper) Jobs() []JobInfo {
	entries := s.cron.Entries()
	out := make([]JobInfo, 0, len(entries))
	for _, e := range entries {
		name := "job"
		if e.ID == s.entryID {
			name = "sweep-expired"
		}
		out = append(out, JobInfo{ID: int(e.ID), Name: name, Schedule: s.schedule, Next: e.Next, Prev: e.Prev})
	}
	return out
}
