package task

import (
	"context"
	"errors"
	"log/slog"
	"time"
)

// Sweeper periodically expires overdue countdowns on the server side, so
// tasks expire even when no client is polling. It shares the Machine's
// expiry guard with client reports, so whichever arrives first wins.
type Sweeper struct {
	machine  *Machine
	store    Store
	interval time.Duration
	logger   *slog.Logger
}

// NewSweeper creates a Sweeper that runs every interval.
func NewSweeper(machine *Machine, store Store, interval time.Duration, logger *slog.Logger) *Sweeper {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Sweeper{machine: machine, store: store, interval: interval, logger: logger}
}

// Run sweeps until ctx is canceled.
func (s *Sweeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if _, err := s.Sweep(ctx); err != nil {
				s.logger.Error("sweep expired tasks", slog.Any("err", err))
			}
		}
	}
}

// Sweep expires every overdue task once and returns how many it removed.
func (s *Sweeper) Sweep(ctx context.Context) (int, error) {
	overdue, err := s.store.Overdue(ctx, s.machine.now())
	if err != nil {
		return 0, err
	}
	expired := 0
	for _, t := range overdue {
		ok, err := s.machine.OnTimerExpired(ctx, t.ID, SystemActor)
		switch {
		case errors.Is(err, ErrNotFound), errors.Is(err, ErrInvalidTransition), errors.Is(err, ErrNotExpired):
			// Raced with a worker action.
			continue
		case err != nil:
			s.logger.Warn("expire task", slog.String("task_id", t.ID), slog.Any("err", err))
			continue
		}
		if ok {
			expired++
		}
	}
	if expired > 0 {
		s.logger.Info("expired overdue tasks", slog.Int("count", expired))
	}
	return expired, nil
}
