package appointment

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	redisclient "github.com/hackgods/rural-health-scheduling/internal/redis"
)

const sweepJob = "auto-cancel"

// Sweeper is satisfied by *Service.
type Sweeper interface {
	AutoCancelOverdue(ctx context.Context) (int, error)
}

// SweepScheduler runs the auto cancellation sweep on a cron schedule. Each
// run first takes a cluster-wide leader lock so only one worker sweeps at a
// time; the lock's TTL should cover the run timeout.
type SweepScheduler struct {
	sweeper Sweeper
	locker  redisclient.Locker
	spec    string
	timeout time.Duration
	log     *zap.Logger

	cron   *cron.Cron
	cancel context.CancelFunc
}

func NewSweepScheduler(sweeper Sweeper, locker redisclient.Locker, spec string, timeout time.Duration, log *zap.Logger) *SweepScheduler {
	if locker == nil {
		locker = redisclient.NoopLocker{}
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &SweepScheduler{sweeper: sweeper, locker: locker, spec: spec, timeout: timeout, log: log}
}

// Start schedules the sweep. It does not block.
func (w *SweepScheduler) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	c := cron.New()
	if _, err := c.AddFunc(w.spec, func() { w.runScheduled(runCtx) }); err != nil {
		cancel()
		return fmt.Errorf("schedule sweep %q: %w", w.spec, err)
	}
	w.cancel = cancel
	w.cron = c
	c.Start()
	w.log.Info("auto cancellation sweep scheduled", zap.String("spec", w.spec))
	return nil
}

// Stop cancels any in-flight run and waits for it to return.
func (w *SweepScheduler) Stop() {
	if w.cancel != nil {
		w.cancel()
	}
	if w.cron != nil {
		<-w.cron.Stop().Done()
	}
}

func (w *SweepScheduler) runScheduled(ctx context.Context) {
	n, err := w.RunOnce(ctx)
	switch {
	case errors.Is(err, redisclient.ErrLockNotAcquired):
		w.log.Info("auto cancellation sweep skipped, another instance holds the leader lock")
	case errors.Is(err, ErrSweepInProgress):
		// already logged by the service
	case err != nil:
		w.log.Error("auto cancellation sweep failed", zap.Error(err))
	default:
		w.log.Debug("auto cancellation sweep run", zap.Int("cancelled", n))
	}
}

// RunOnce performs a single sweep under the leader lock.
func (w *SweepScheduler) RunOnce(ctx context.Context) (int, error) {
	if w.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, w.timeout)
		defer cancel()
	}

	var cancelled int
	err := w.locker.WithLock(ctx, redisclient.LeaderKey(sweepJob), func(ctx context.Context) error {
		n, err := w.sweeper.AutoCancelOverdue(ctx)
		cancelled = n
		return err
	})
	return cancelled, err
}
