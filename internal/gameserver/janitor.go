package gameserver

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-co-op/gocron/v2"
	"go.uber.org/zap"
)

// SessionPurger deletes durable sessions whose expiry is at or before now.
type SessionPurger interface {
	PurgeExpiredSessions(ctx context.Context, now time.Time) (int64, error)
}

// Janitor periodically purges expired durable sessions.
// It implements server.Service.
type Janitor struct {
	purger   SessionPurger
	interval time.Duration
	now      func() time.Time
	logger   *zap.Logger

	stopOnce sync.Once
	stopCh   chan struct{}
}

// NewJanitor creates a Janitor that runs every interval.
//
// Precondition: purger and logger must be non-nil.
// Postcondition: A non-positive interval yields a janitor whose Start only
// waits for shutdown.
func NewJanitor(purger SessionPurger, interval time.Duration, logger *zap.Logger) *Janitor {
	return &Janitor{
		purger:   purger,
		interval: interval,
		now:      time.Now,
		logger:   logger,
		stopCh:   make(chan struct{}),
	}
}

// Purge runs one sweep and returns the number of sessions removed.
func (j *Janitor) Purge(ctx context.Context) (int64, error) {
	n, err := j.purger.PurgeExpiredSessions(ctx, j.now())
	if err != nil {
		j.logger.Error("purging expired sessions", zap.Error(err))
		return 0, err
	}
	if n > 0 {
		j.logger.Info("purged expired sessions", zap.Int64("count", n))
	}
	return n, nil
}

// Start schedules the sweep and blocks until ctx is cancelled or Stop is called.
func (j *Janitor) Start(ctx context.Context) error {
	if j.interval <= 0 {
		j.logger.Info("session janitor disabled")
		j.wait(ctx)
		return nil
	}

	sched, err := gocron.NewScheduler()
	if err != nil {
		return fmt.Errorf("creating scheduler: %w", err)
	}
	_, err = sched.NewJob(
		gocron.DurationJob(j.interval),
		gocron.NewTask(func() {
			sweepCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), storeTimeout)
			defer cancel()
			_, _ = j.Purge(sweepCtx)
		}),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		_ = sched.Shutdown()
		return fmt.Errorf("scheduling session purge: %w", err)
	}

	sched.Start()
	j.logger.Info("session janitor started", zap.Duration("interval", j.interval))
	j.wait(ctx)

	if err := sched.Shutdown(); err != nil {
		j.logger.Warn("stopping scheduler", zap.Error(err))
	}
	return nil
}

// Stop makes a running Start return. Safe to call more than once.
func (j *Janitor) Stop() {
	j.stopOnce.Do(func() { close(j.stopCh) })
}

func (j *Janitor) wait(ctx context.Context) {
	select {
	case <-ctx.Done():
	case <-j.stopCh:
	}
}
