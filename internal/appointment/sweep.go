package appointment

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
)

var ErrSweepInProgress = errors.New("auto cancellation sweep already running")

// AutoCancelOverdue cancels open appointments that are past their slot by
// more than the grace window and returns how many it cancelled. It is meant
// to be called periodically and is safe to repeat.
//
// Candidates are captured before the batch update. Re-querying afterwards
// would find nothing, since the rows no longer match the open-status
// filter, and the notifications would be lost.
//
// Two sweeps running in different processes race on the same candidates;
// the batch update only changes rows that are still open, so each row is
// reported by exactly one of them. Callers that run several schedulers
// should still hold a leader lock.
func (s *Service) AutoCancelOverdue(ctx context.Context) (int, error) {
	if !s.sweeping.CompareAndSwap(false, true) {
		s.log.Warn("auto cancellation sweep skipped, previous run still in progress")
		return 0, ErrSweepInProgress
	}
	defer s.sweeping.Store(false)

	start := time.Now()
	count, err := s.autoCancelOverdue(ctx)
	took := time.Since(start)

	if err != nil {
		s.metrics.SweepFinished("error", 0, took)
		return 0, err
	}
	s.metrics.SweepFinished("ok", count, took)
	return count, nil
}

func (s *Service) autoCancelOverdue(ctx context.Context) (int, error) {
	now := s.now()
	today, cutoff := s.rules.SweepCutoff(now)

	// Snapshot before mutating.
	candidates, err := s.repo.FindOverdue(ctx, today, cutoff)
	if err != nil {
		return 0, fmt.Errorf("find overdue appointments: %w", err)
	}
	if len(candidates) == 0 {
		return 0, nil
	}

	ids := make([]int64, len(candidates))
	for i := range candidates {
		ids[i] = candidates[i].ID
	}

	changed, err := s.repo.UpdateStatusBatch(ctx, ids, OpenStatuses, StatusCancelled)
	if err != nil {
		return 0, fmt.Errorf("cancel overdue appointments: %w", err)
	}

	cancelled := make(map[int64]struct{}, len(changed))
	for _, id := range changed {
		cancelled[id] = struct{}{}
	}

	for i := range candidates {
		appt := &candidates[i]
		if _, ok := cancelled[appt.ID]; !ok {
			// Closed by someone else after the snapshot.
			continue
		}
		appt.Status = StatusCancelled
		appt.UpdatedAt = now

		s.logEvent(ctx, appt.ID, EventAppointmentAutoCancelled, map[string]any{
			"reason":         "no_show",
			"scheduled_date": appt.Date.Format(time.DateOnly),
			"scheduled_time": appt.Time.String(),
		})
		s.notify(ctx, appt, NotifyCancelled)
	}

	s.log.Info("auto cancellation sweep finished",
		zap.Int("candidates", len(candidates)),
		zap.Int("cancelled", len(changed)),
		zap.Duration("cutoff", cutoff),
	)

	return len(changed), nil
}
