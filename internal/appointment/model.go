package appointment

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

type Status string

const (
	StatusPending   Status = "pending"
	StatusApproved  Status = "approved"
	StatusCompleted Status = "completed"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether no further status transition is defined.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusCancelled
}

func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusApproved, StatusCompleted, StatusCancelled:
		return true
	}
	return false
}

// OpenStatuses are the statuses an appointment can still leave.
var OpenStatuses = []Status{StatusPending, StatusApproved}

type Urgency string

const (
	UrgencyCritical Urgency = "critical"
	UrgencyMedium   Urgency = "medium"
	UrgencyNormal   Urgency = "normal"
)

// ParseUrgency normalises free text into an Urgency. Anything outside the
// closed set becomes UrgencyNormal.
func ParseUrgency(s string) Urgency {
	switch Urgency(strings.ToLower(strings.TrimSpace(s))) {
	case UrgencyCritical:
		return UrgencyCritical
	case UrgencyMedium:
		return UrgencyMedium
	default:
		return UrgencyNormal
	}
}

func (u Urgency) Valid() bool {
	return u == UrgencyCritical || u == UrgencyMedium || u == UrgencyNormal
}

type Role string

const (
	RoleVillager     Role = "villager"
	RoleHealthWorker Role = "health_worker"
	RoleAdmin        Role = "admin"
)

type Account struct {
	ID        uuid.UUID
	Name      string
	Email     *string
	Role      Role
	Available bool
	CreatedAt time.Time
	UpdatedAt time.Time
}

// TimeOfDay is a wall-clock time with minute precision.
type TimeOfDay struct {
	Hour   int
	Minute int
}

func ParseTimeOfDay(s string) (TimeOfDay, error) {
	t, err := time.Parse("15:04", strings.TrimSpace(s))
	if err != nil {
		return TimeOfDay{}, fmt.Errorf("parse time of day %q: %w", s, err)
	}
	return TimeOfDay{Hour: t.Hour(), Minute: t.Minute()}, nil
}

// TimeOfDayOf returns the clock reading of t, truncated to the minute.
func TimeOfDayOf(t time.Time) TimeOfDay {
	return TimeOfDay{Hour: t.Hour(), Minute: t.Minute()}
}

func (t TimeOfDay) String() string {
	return fmt.Sprintf("%02d:%02d", t.Hour, t.Minute)
}

func (t TimeOfDay) Minutes() int {
	return t.Hour*60 + t.Minute
}

// Offset is the time elapsed since midnight.
func (t TimeOfDay) Offset() time.Duration {
	return time.Duration(t.Minutes()) * time.Minute
}

func (t TimeOfDay) Before(o TimeOfDay) bool {
	return t.Minutes() < o.Minutes()
}

func (t TimeOfDay) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}

func (t *TimeOfDay) UnmarshalText(b []byte) error {
	parsed, err := ParseTimeOfDay(string(b))
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}

// Date truncates t to its calendar day in t's location.
func Date(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, t.Location())
}

// SameDay reports whether a and b fall on the same calendar day, ignoring
// location.
func SameDay(a, b time.Time) bool {
	ay, am, ad := a.Date()
	by, bm, bd := b.Date()
	return ay == by && am == bm && ad == bd
}

// DayBefore reports whether a's calendar day is strictly before b's,
// ignoring location.
func DayBefore(a, b time.Time) bool {
	ay, am, ad := a.Date()
	by, bm, bd := b.Date()
	if ay != by {
		return ay < by
	}
	if am != bm {
		return am < bm
	}
	return ad < bd
}

type Appointment struct {
	ID             int64
	Token          uuid.UUID
	VillagerID     uuid.UUID
	HealthWorkerID *uuid.UUID
	Date           time.Time
	Time           TimeOfDay
	Reason         string
	Urgency        Urgency
	Status         Status
	Note           string
	DocumentKey    *string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// ScheduledAt combines Date and Time into one instant in loc.
func (a *Appointment) ScheduledAt(loc *time.Location) time.Time {
	y, m, d := a.Date.Date()
	return time.Date(y, m, d, a.Time.Hour, a.Time.Minute, 0, 0, loc)
}

type EventLog struct {
	ID            int64
	EventType     string
	AppointmentID *int64
	Payload       []byte
	CreatedAt     time.Time
}

type AppointmentDetail struct {
	Appointment
	Villager     *Account
	HealthWorker *Account
}

// ListFilter narrows List results. Zero values mean "any".
type ListFilter struct {
	VillagerID     *uuid.UUID
	HealthWorkerID *uuid.UUID
	Status         *Status
	Urgency        *Urgency
	Search         string
	Limit          int
	Offset         int
}

type Stats struct {
	Total     int
	ByStatus  map[Status]int
	ByUrgency map[Urgency]int
	Today     int
	Upcoming  int
}
