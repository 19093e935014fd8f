package appointment

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

var (
	ErrAccountNotFound     = errors.New("account not found")
	ErrAppointmentNotFound = errors.New("appointment not found")
	// ErrDuplicateSlot is returned by the store when the open-slot unique
	// index rejects a write.
	ErrDuplicateSlot = errors.New("provider already has an open appointment at this time")
)

// Repository contains all DB interactions needed by the service and sweep.
type Repository interface {
	GetAccountByID(ctx context.Context, id uuid.UUID) (*Account, error)

	GetAppointmentByID(ctx context.Context, id int64) (*Appointment, error)
	GetAppointmentByToken(ctx context.Context, token uuid.UUID) (*Appointment, error)
	ListAppointments(ctx context.Context, f ListFilter) ([]Appointment, error)

	// For conflict checks. excludeID of zero excludes nothing.
	FindOpenAtSlot(ctx context.Context, healthWorkerID uuid.UUID, date time.Time, at TimeOfDay, excludeID int64) (*Appointment, error)

	// Creation and updates
	CreateAppointment(ctx context.Context, a *Appointment) (*Appointment, error)
	UpdateAppointment(ctx context.Context, a *Appointment) (*Appointment, error)
	DeleteAppointment(ctx context.Context, id int64) error

	// Auto cancellation sweep. FindOverdue returns open appointments dated
	// before today or dated today and scheduled before the cutoff offset.
	// UpdateStatusBatch moves the given ids from any of the from statuses to
	// the to status in one statement and returns the ids it changed.
	FindOverdue(ctx context.Context, today time.Time, cutoff time.Duration) ([]Appointment, error)
	UpdateStatusBatch(ctx context.Context, ids []int64, from []Status, to Status) ([]int64, error)

	Stats(ctx context.Context, today time.Time, upcomingDays int) (*Stats, error)

	// Event logging
	InsertEvent(ctx context.Context, ev EventLog) error
}
