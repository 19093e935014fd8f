package appointment

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/hackgods/rural-health-scheduling/internal/config"
	"github.com/hackgods/rural-health-scheduling/internal/metrics"
	redisclient "github.com/hackgods/rural-health-scheduling/internal/redis"
)

const (
	EventAppointmentCreated       = "APPOINTMENT_CREATED"
	EventAppointmentUpdated       = "APPOINTMENT_UPDATED"
	EventAppointmentCancelled     = "APPOINTMENT_CANCELLED"
	EventAppointmentAutoCancelled = "APPOINTMENT_AUTO_CANCELLED"
	EventAppointmentDeleted       = "APPOINTMENT_DELETED"
)

var (
	ErrSlotBeingBooked = errors.New("slot is currently being booked, please retry")
)

// NotificationKind tells a Notifier what happened to an appointment.
type NotificationKind string

const (
	NotifyCreated   NotificationKind = "created"
	NotifyApproved  NotificationKind = "approved"
	NotifyCompleted NotificationKind = "completed"
	NotifyCancelled NotificationKind = "cancelled"
	NotifyUpdated   NotificationKind = "updated"
)

// UrgencyClassifier triages a free-text reason. Implementations may fail;
// the service never lets a failure reach the caller.
type UrgencyClassifier interface {
	Classify(ctx context.Context, reason string) (Urgency, error)
}

// Notifier delivers an appointment notification.
type Notifier interface {
	Notify(ctx context.Context, a *Appointment, kind NotificationKind) error
}

type Service struct {
	repo       Repository
	locker     redisclient.Locker
	classifier UrgencyClassifier
	notifier   Notifier
	rules      Rules
	log        *zap.Logger
	metrics    *metrics.Metrics
	now        func() time.Time

	sweeping atomic.Bool
}

type Option func(*Service)

func WithClassifier(c UrgencyClassifier) Option {
	return func(s *Service) { s.classifier = c }
}

func WithNotifier(n Notifier) Option {
	return func(s *Service) { s.notifier = n }
}

func WithLogger(l *zap.Logger) Option {
	return func(s *Service) { s.log = l }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

// WithClock replaces time.Now, mainly for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

func WithRules(r Rules) Option {
	return func(s *Service) { s.rules = r }
}

// RulesFromConfig builds the scheduling policy from cfg.
func RulesFromConfig(cfg config.Config) (Rules, error) {
	loc, err := cfg.Location()
	if err != nil {
		return Rules{}, err
	}
	opens, err := ParseTimeOfDay(cfg.ClinicOpens)
	if err != nil {
		return Rules{}, err
	}
	closes, err := ParseTimeOfDay(cfg.ClinicCloses)
	if err != nil {
		return Rules{}, err
	}
	return Rules{
		Location:             loc,
		Opens:                opens,
		Closes:               closes,
		LeadTime:             cfg.BookingLeadTime,
		VillagerCancelWindow: cfg.VillagerCancelWindow,
		GraceWindow:          cfg.SweepGraceWindow,
	}, nil
}

func NewService(repo Repository, locker redisclient.Locker, opts ...Option) *Service {
	s := &Service{
		repo:   repo,
		locker: locker,
		rules:  DefaultRules(),
		log:    zap.NewNop(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.locker == nil {
		s.locker = redisclient.NoopLocker{}
	}
	return s
}

func (s *Service) Rules() Rules {
	return s.rules
}

type BookingRequest struct {
	VillagerID     uuid.UUID
	HealthWorkerID *uuid.UUID
	Date           time.Time
	Time           TimeOfDay
	Reason         string
	DocumentKey    *string
}

// Book validates and persists a new appointment for a villager. The reason
// is classified once, before the appointment is written.
func (s *Service) Book(ctx context.Context, req BookingRequest) (*Appointment, error) {
	villager, err := s.repo.GetAccountByID(ctx, req.VillagerID)
	if err != nil {
		if errors.Is(err, ErrAccountNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("load villager: %w", err)
	}
	if villager.Role != RoleVillager {
		return nil, invalid(ErrNotVillager, "villager_id", "only villagers can book appointments")
	}

	now := s.now()
	if err := s.rules.CheckBooking(now, req.Date, req.Time, req.Reason); err != nil {
		return nil, err
	}

	if req.HealthWorkerID != nil {
		if err := s.checkProvider(ctx, *req.HealthWorkerID, true); err != nil {
			return nil, err
		}
	}

	appt := &Appointment{
		Token:          uuid.New(),
		VillagerID:     req.VillagerID,
		HealthWorkerID: req.HealthWorkerID,
		Date:           Date(req.Date),
		Time:           req.Time,
		Reason:         strings.TrimSpace(req.Reason),
		Status:         StatusPending,
		DocumentKey:    req.DocumentKey,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	appt.Urgency = s.classify(ctx, appt.Reason)

	var created *Appointment
	err = s.withSlot(ctx, appt, func(ctx context.Context) error {
		c, err := s.repo.CreateAppointment(ctx, appt)
		if err != nil {
			return err
		}
		created = c
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.metrics.BookingCreated(string(created.Urgency))
	s.logEvent(ctx, created.ID, EventAppointmentCreated, map[string]any{
		"villager_id": created.VillagerID.String(),
		"urgency":     created.Urgency,
		"date":        created.Date.Format(time.DateOnly),
		"time":        created.Time.String(),
	})
	s.notify(ctx, created, NotifyCreated)

	return created, nil
}

// withSlot runs write under the provider slot lock after re-checking for an
// open appointment in the same slot. Unassigned appointments need no lock.
func (s *Service) withSlot(ctx context.Context, a *Appointment, write func(ctx context.Context) error) error {
	if a.HealthWorkerID == nil || a.Status.Terminal() {
		return mapWriteErr(write(ctx), a)
	}

	key := redisclient.SlotKey(*a.HealthWorkerID, a.Date.Format(time.DateOnly), a.Time.String())
	err := s.locker.WithLock(ctx, key, func(lockCtx context.Context) error {
		existing, err := s.repo.FindOpenAtSlot(lockCtx, *a.HealthWorkerID, a.Date, a.Time, a.ID)
		if err != nil && !errors.Is(err, ErrAppointmentNotFound) {
			return fmt.Errorf("check slot conflict: %w", err)
		}
		if existing != nil {
			return conflictError(a)
		}
		return write(lockCtx)
	})
	if errors.Is(err, redisclient.ErrLockNotAcquired) {
		return ErrSlotBeingBooked
	}
	return mapWriteErr(err, a)
}

func mapWriteErr(err error, a *Appointment) error {
	if errors.Is(err, ErrDuplicateSlot) {
		return conflictError(a)
	}
	return err
}

func conflictError(a *Appointment) error {
	return invalid(ErrScheduleConflict, "time",
		"the health worker already has an appointment at %s on %s, please choose a different time slot",
		a.Time, a.Date.Format("Jan 02, 2006"))
}

func (s *Service) checkProvider(ctx context.Context, id uuid.UUID, requireAvailable bool) error {
	hw, err := s.repo.GetAccountByID(ctx, id)
	if err != nil {
		if errors.Is(err, ErrAccountNotFound) {
			return invalid(ErrProviderUnavailable, "health_worker_id", "health worker not found")
		}
		return fmt.Errorf("load health worker: %w", err)
	}
	if hw.Role != RoleHealthWorker {
		return invalid(ErrProviderUnavailable, "health_worker_id", "selected account is not a health worker")
	}
	if requireAvailable && !hw.Available {
		return invalid(ErrProviderUnavailable, "health_worker_id", "health worker is not currently available")
	}
	return nil
}

// classify never fails. Errors, panics and out-of-set results all give
// UrgencyNormal.
func (s *Service) classify(ctx context.Context, reason string) (u Urgency) {
	u = UrgencyNormal
	if s.classifier == nil {
		return u
	}
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("urgency classifier panicked, defaulting to normal", zap.Any("panic", r))
			s.metrics.ClassifierFallback("panic")
			u = UrgencyNormal
		}
	}()

	got, err := s.classifier.Classify(ctx, reason)
	if err != nil {
		s.log.Warn("urgency classification failed, defaulting to normal", zap.Error(err))
		s.metrics.ClassifierFallback("error")
		return UrgencyNormal
	}
	if !got.Valid() {
		s.log.Warn("urgency classifier returned unknown class, defaulting to normal", zap.String("class", string(got)))
		s.metrics.ClassifierFallback("unknown_class")
		return UrgencyNormal
	}
	return got
}

func (s *Service) GetAppointment(ctx context.Context, id int64) (*Appointment, error) {
	a, err := s.repo.GetAppointmentByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("get appointment: %w", err)
	}
	return a, nil
}

// GetAppointmentDetail loads an appointment together with its accounts.
func (s *Service) GetAppointmentDetail(ctx context.Context, id int64) (*AppointmentDetail, error) {
	a, err := s.GetAppointment(ctx, id)
	if err != nil {
		return nil, err
	}
	detail := &AppointmentDetail{Appointment: *a}
	if v, err := s.repo.GetAccountByID(ctx, a.VillagerID); err == nil {
		detail.Villager = v
	} else if !errors.Is(err, ErrAccountNotFound) {
		return nil, fmt.Errorf("load villager: %w", err)
	}
	if a.HealthWorkerID != nil {
		if hw, err := s.repo.GetAccountByID(ctx, *a.HealthWorkerID); err == nil {
			detail.HealthWorker = hw
		} else if !errors.Is(err, ErrAccountNotFound) {
			return nil, fmt.Errorf("load health worker: %w", err)
		}
	}
	return detail, nil
}

func (s *Service) GetAppointmentByToken(ctx context.Context, token uuid.UUID) (*Appointment, error) {
	a, err := s.repo.GetAppointmentByToken(ctx, token)
	if err != nil {
		return nil, fmt.Errorf("get appointment by token: %w", err)
	}
	return a, nil
}

// ListAppointments returns the filtered appointments in priority order.
func (s *Service) ListAppointments(ctx context.Context, f ListFilter) ([]Appointment, error) {
	if f.Limit <= 0 {
		f.Limit = 20 // default
	}
	if f.Limit > 100 {
		f.Limit = 100 // max
	}
	if f.Offset < 0 {
		f.Offset = 0
	}

	appts, err := s.repo.ListAppointments(ctx, f)
	if err != nil {
		return nil, fmt.Errorf("list appointments: %w", err)
	}
	return SortByPriority(appts), nil
}

// CanVillagerCancel applies the villager cancellation window at the current
// time.
func (s *Service) CanVillagerCancel(a *Appointment) bool {
	return s.rules.CanVillagerCancel(s.now(), a)
}

// UpdateRequest carries a health worker or admin edit. Nil fields are left
// unchanged.
type UpdateRequest struct {
	Date              *time.Time
	Time              *TimeOfDay
	Reason            *string
	HealthWorkerID    *uuid.UUID
	ClearHealthWorker bool
	Urgency           *Urgency
	Status            *Status
	Note              *string
}

// UpdateAppointment applies an edit. Urgency may be overridden by hand but is
// never re-classified.
func (s *Service) UpdateAppointment(ctx context.Context, id int64, req UpdateRequest) (*Appointment, error) {
	current, err := s.repo.GetAppointmentByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("load appointment: %w", err)
	}

	next := *current
	if req.Date != nil {
		next.Date = Date(*req.Date)
	}
	if req.Time != nil {
		next.Time = *req.Time
	}
	if req.Reason != nil {
		next.Reason = strings.TrimSpace(*req.Reason)
	}
	if req.ClearHealthWorker {
		next.HealthWorkerID = nil
	} else if req.HealthWorkerID != nil {
		hw := *req.HealthWorkerID
		next.HealthWorkerID = &hw
	}
	if req.Urgency != nil {
		if !req.Urgency.Valid() {
			return nil, invalid(ErrInvalidReason, "urgency", "urgency must be one of critical, medium, normal")
		}
		next.Urgency = *req.Urgency
	}
	if req.Status != nil {
		if !req.Status.Valid() {
			return nil, invalid(ErrInvalidStatusTransition, "status", "unknown status %q", *req.Status)
		}
		if !CanTransition(current.Status, *req.Status) {
			return nil, invalid(ErrInvalidStatusTransition, "status", "cannot change a %s appointment to %s", current.Status, *req.Status)
		}
		next.Status = *req.Status
	}
	if req.Note != nil {
		next.Note = strings.TrimSpace(*req.Note)
	}

	now := s.now()
	if err := s.rules.CheckUpdate(now, &next); err != nil {
		return nil, err
	}
	if next.HealthWorkerID != nil && !sameProvider(current.HealthWorkerID, next.HealthWorkerID) {
		if err := s.checkProvider(ctx, *next.HealthWorkerID, false); err != nil {
			return nil, err
		}
	}
	next.UpdatedAt = now

	var updated *Appointment
	err = s.withSlot(ctx, &next, func(ctx context.Context) error {
		u, err := s.repo.UpdateAppointment(ctx, &next)
		if err != nil {
			return err
		}
		updated = u
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("update appointment: %w", err)
	}

	kind := NotifyUpdated
	if updated.Status != current.Status {
		switch updated.Status {
		case StatusApproved:
			kind = NotifyApproved
		case StatusCompleted:
			kind = NotifyCompleted
		case StatusCancelled:
			kind = NotifyCancelled
		}
	}

	s.logEvent(ctx, updated.ID, EventAppointmentUpdated, map[string]any{
		"from_status": current.Status,
		"to_status":   updated.Status,
		"urgency":     updated.Urgency,
	})
	s.notify(ctx, updated, kind)

	return updated, nil
}

func sameProvider(a, b *uuid.UUID) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

// CancelByVillager cancels the villager's own appointment if it is still far
// enough away. Appointments owned by someone else are reported as not
// found.
func (s *Service) CancelByVillager(ctx context.Context, id int64, villagerID uuid.UUID) (*Appointment, error) {
	a, err := s.repo.GetAppointmentByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("load appointment: %w", err)
	}
	if a.VillagerID != villagerID {
		return nil, ErrAppointmentNotFound
	}
	if a.Status.Terminal() {
		return nil, invalid(ErrInvalidStatusTransition, "status", "appointment is already %s", a.Status)
	}
	if !s.CanVillagerCancel(a) {
		return nil, invalid(ErrCancellationWindow, "",
			"you can only cancel appointments that are at least %s away", formatWindow(s.rules.VillagerCancelWindow))
	}
	return s.cancel(ctx, a, "villager")
}

// CancelAppointment cancels any open appointment on behalf of an admin.
func (s *Service) CancelAppointment(ctx context.Context, id int64) (*Appointment, error) {
	a, err := s.repo.GetAppointmentByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("load appointment: %w", err)
	}
	if a.Status.Terminal() {
		return nil, invalid(ErrInvalidStatusTransition, "status", "appointment is already %s", a.Status)
	}
	return s.cancel(ctx, a, "admin")
}

func (s *Service) cancel(ctx context.Context, a *Appointment, by string) (*Appointment, error) {
	changed, err := s.repo.UpdateStatusBatch(ctx, []int64{a.ID}, OpenStatuses, StatusCancelled)
	if err != nil {
		return nil, fmt.Errorf("cancel appointment: %w", err)
	}
	if len(changed) == 0 {
		// Someone else closed it between the read and the write.
		return nil, invalid(ErrInvalidStatusTransition, "status", "appointment is no longer open")
	}

	a.Status = StatusCancelled
	a.UpdatedAt = s.now()

	s.logEvent(ctx, a.ID, EventAppointmentCancelled, map[string]any{"by": by})
	s.notify(ctx, a, NotifyCancelled)
	return a, nil
}

// DeleteAppointment removes an appointment regardless of its status.
func (s *Service) DeleteAppointment(ctx context.Context, id int64) error {
	if err := s.repo.DeleteAppointment(ctx, id); err != nil {
		return fmt.Errorf("delete appointment: %w", err)
	}
	s.logEvent(ctx, id, EventAppointmentDeleted, map[string]any{})
	return nil
}

// DashboardStats summarises appointments for the admin dashboard.
func (s *Service) DashboardStats(ctx context.Context) (*Stats, error) {
	today := Date(s.now().In(s.rules.loc()))
	st, err := s.repo.Stats(ctx, today, 7)
	if err != nil {
		return nil, fmt.Errorf("dashboard stats: %w", err)
	}
	return st, nil
}

// notify is fire-and-forget: a failure is logged and counted, never returned.
func (s *Service) notify(ctx context.Context, a *Appointment, kind NotificationKind) {
	if s.notifier == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("notifier panicked", zap.Int64("appointment_id", a.ID), zap.Any("panic", r))
			s.metrics.NotificationFailed(string(kind))
		}
	}()
	if err := s.notifier.Notify(ctx, a, kind); err != nil {
		s.log.Error("failed to send appointment notification",
			zap.Int64("appointment_id", a.ID),
			zap.String("kind", string(kind)),
			zap.Error(err),
		)
		s.metrics.NotificationFailed(string(kind))
	}
}

func (s *Service) logEvent(ctx context.Context, appointmentID int64, eventType string, payload map[string]any) {
	data, err := json.Marshal(payload)
	if err != nil {
		s.log.Warn("failed to marshal event payload", zap.String("event_type", eventType), zap.Error(err))
		data = nil
	}

	apptID := appointmentID

	ev := EventLog{
		EventType:     eventType,
		AppointmentID: &apptID,
		Payload:       data,
		CreatedAt:     s.now(),
	}

	if err := s.repo.InsertEvent(ctx, ev); err != nil {
		s.log.Warn("failed to insert event log",
			zap.String("event_type", eventType),
			zap.Int64("appointment_id", appointmentID),
			zap.Error(err),
		)
	}
}
