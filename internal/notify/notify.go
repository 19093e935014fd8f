package notify

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/hackgods/rural-health-scheduling/internal/appointment"
)

// Multi fans a notification out to every notifier and joins their errors.
// One failing channel does not stop the others.
type Multi []appointment.Notifier

func (m Multi) Notify(ctx context.Context, a *appointment.Appointment, kind appointment.NotificationKind) error {
	var errs []error
	for _, n := range m {
		if err := n.Notify(ctx, a, kind); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// LogNotifier writes notifications to the log. Used in dev and as the
// fallback when no delivery channel is configured.
type LogNotifier struct {
	Log *zap.Logger
}

func (n LogNotifier) Notify(_ context.Context, a *appointment.Appointment, kind appointment.NotificationKind) error {
	n.Log.Info("appointment notification",
		zap.String("kind", string(kind)),
		zap.Int64("appointment_id", a.ID),
		zap.String("villager_id", a.VillagerID.String()),
		zap.String("status", string(a.Status)),
		zap.String("urgency", string(a.Urgency)),
		zap.String("date", a.Date.Format("2006-01-02")),
		zap.String("time", a.Time.String()),
	)
	return nil
}
