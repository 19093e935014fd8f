package appointment

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	ErrInvalidSchedule         = errors.New("invalid appointment date or time")
	ErrScheduleConflict        = errors.New("scheduling conflict")
	ErrInvalidReason           = errors.New("invalid reason")
	ErrInvalidStatusTransition = errors.New("invalid status transition")
	ErrCancellationWindow      = errors.New("outside cancellation window")
	ErrProviderUnavailable     = errors.New("health worker unavailable")
	ErrNotVillager             = errors.New("only villagers can book appointments")
)

// ValidationError rejects a write before anything is persisted. Message is
// meant for the end user; Kind is one of the sentinel errors above.
type ValidationError struct {
	Kind    error
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("%s: %s", e.Field, e.Message)
	}
	return e.Message
}

func (e *ValidationError) Unwrap() error {
	return e.Kind
}

func invalid(kind error, field, format string, args ...any) *ValidationError {
	return &ValidationError{Kind: kind, Field: field, Message: fmt.Sprintf(format, args...)}
}

const minUpdateReasonLen = 5

// Rules holds the scheduling policy. The villager cancellation window and the
// sweep grace window are independent settings.
type Rules struct {
	Location             *time.Location
	Opens                TimeOfDay
	Closes               TimeOfDay
	LeadTime             time.Duration
	VillagerCancelWindow time.Duration
	GraceWindow          time.Duration
}

func DefaultRules() Rules {
	return Rules{
		Location:             time.Local,
		Opens:                TimeOfDay{Hour: 9},
		Closes:               TimeOfDay{Hour: 17},
		LeadTime:             time.Hour,
		VillagerCancelWindow: 24 * time.Hour,
		GraceWindow:          30 * time.Minute,
	}
}

func (r Rules) loc() *time.Location {
	if r.Location == nil {
		return time.Local
	}
	return r.Location
}

// CheckBooking validates a new appointment's date, time and reason.
func (r Rules) CheckBooking(now time.Time, date time.Time, at TimeOfDay, reason string) error {
	now = now.In(r.loc())
	if DayBefore(date, now) {
		return invalid(ErrInvalidSchedule, "date", "you cannot book appointments in the past")
	}
	if err := r.checkHours(at); err != nil {
		return err
	}
	scheduled := r.scheduledAt(date, at)
	if scheduled.Before(now.Add(r.LeadTime)) {
		return invalid(ErrInvalidSchedule, "time", "appointments must be booked at least %s in advance", formatWindow(r.LeadTime))
	}
	if strings.TrimSpace(reason) == "" {
		return invalid(ErrInvalidReason, "reason", "reason is required")
	}
	return nil
}

// CheckUpdate validates an edit made by a health worker or admin. The
// datetime rule only applies while the appointment stays open.
func (r Rules) CheckUpdate(now time.Time, a *Appointment) error {
	now = now.In(r.loc())
	if len(strings.TrimSpace(a.Reason)) < minUpdateReasonLen {
		return invalid(ErrInvalidReason, "reason", "reason must be at least %d characters long", minUpdateReasonLen)
	}
	if err := r.checkHours(a.Time); err != nil {
		return err
	}
	if a.Status.Terminal() {
		return nil
	}
	if DayBefore(a.Date, now) {
		return invalid(ErrInvalidSchedule, "date", "appointment date cannot be in the past")
	}
	if r.scheduledAt(a.Date, a.Time).Before(now) {
		return invalid(ErrInvalidSchedule, "time", "cannot set a pending or approved appointment to a past date and time")
	}
	return nil
}

func (r Rules) checkHours(at TimeOfDay) error {
	if at.Before(r.Opens) || !at.Before(r.Closes) {
		return invalid(ErrInvalidSchedule, "time", "please select a time between %s and %s", r.Opens, r.Closes)
	}
	return nil
}

// CanVillagerCancel reports whether the villager may still cancel a.
func (r Rules) CanVillagerCancel(now time.Time, a *Appointment) bool {
	if a.Status.Terminal() {
		return false
	}
	return r.scheduledAt(a.Date, a.Time).Sub(now) >= r.VillagerCancelWindow
}

// SweepCutoff returns today's date and how far into today now minus the
// grace window falls, to the second. Appointments today scheduled strictly
// before that offset are overdue. When the grace window reaches back over
// midnight the cutoff is zero and no time today qualifies.
func (r Rules) SweepCutoff(now time.Time) (time.Time, time.Duration) {
	now = now.In(r.loc())
	today := Date(now)
	limit := now.Add(-r.GraceWindow)
	if limit.Before(today) {
		return today, 0
	}
	return today, limit.Sub(today).Truncate(time.Second)
}

// IsOverdue applies the sweep predicate to a single appointment.
func (r Rules) IsOverdue(now time.Time, a *Appointment) bool {
	if a.Status.Terminal() {
		return false
	}
	today, cutoff := r.SweepCutoff(now)
	if DayBefore(a.Date, today) {
		return true
	}
	return SameDay(a.Date, today) && a.Time.Offset() < cutoff
}

func (r Rules) scheduledAt(date time.Time, at TimeOfDay) time.Time {
	a := Appointment{Date: date, Time: at}
	return a.ScheduledAt(r.loc())
}

// CanTransition reports whether from may move to to. Staying on the same
// status is always allowed.
func CanTransition(from, to Status) bool {
	if from == to {
		return true
	}
	switch from {
	case StatusPending:
		return to == StatusApproved || to == StatusCompleted || to == StatusCancelled
	case StatusApproved:
		return to == StatusCompleted || to == StatusCancelled
	}
	return false
}

func formatWindow(d time.Duration) string {
	switch {
	case d%time.Hour == 0:
		h := int(d / time.Hour)
		if h == 1 {
			return "1 hour"
		}
		return fmt.Sprintf("%d hours", h)
	case d%time.Minute == 0:
		return fmt.Sprintf("%d minutes", int(d/time.Minute))
	}
	return d.String()
}
