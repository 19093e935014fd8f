package appointment

import (
	"context"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/hackgods/rural-health-scheduling/internal/metrics"
)

// memRepo is an in-memory Repository that honours the open-slot uniqueness
// rule and the open-status filter on batch updates.
type memRepo struct {
	mu       sync.Mutex
	accounts map[uuid.UUID]*Account
	appts    map[int64]*Appointment
	events   []EventLog
	nextID   int64

	// afterFindOverdue runs after the sweep snapshot is taken.
	afterFindOverdue func()
	findOverdueErr   error
}

func newMemRepo() *memRepo {
	return &memRepo{
		accounts: map[uuid.UUID]*Account{},
		appts:    map[int64]*Appointment{},
	}
}

func (r *memRepo) addAccount(role Role, available bool) *Account {
	r.mu.Lock()
	defer r.mu.Unlock()
	acc := &Account{ID: uuid.New(), Name: string(role), Role: role, Available: available}
	r.accounts[acc.ID] = acc
	return acc
}

// put stores a directly, bypassing the booking rules.
func (r *memRepo) put(a Appointment) *Appointment {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextID++
	a.ID = r.nextID
	if a.Token == uuid.Nil {
		a.Token = uuid.New()
	}
	if a.Status == "" {
		a.Status = StatusPending
	}
	if a.Urgency == "" {
		a.Urgency = UrgencyNormal
	}
	cp := a
	r.appts[a.ID] = &cp
	return &a
}

func (r *memRepo) get(id int64) Appointment {
	r.mu.Lock()
	defer r.mu.Unlock()
	return *r.appts[id]
}

func (r *memRepo) eventTypes() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.events))
	for i, ev := range r.events {
		out[i] = ev.EventType
	}
	return out
}

func isOpen(s Status) bool {
	return s == StatusPending || s == StatusApproved
}

func (r *memRepo) slotTaken(a *Appointment) bool {
	if a.HealthWorkerID == nil || !isOpen(a.Status) {
		return false
	}
	for _, o := range r.appts {
		if o.ID != a.ID && isOpen(o.Status) && o.HealthWorkerID != nil &&
			*o.HealthWorkerID == *a.HealthWorkerID && SameDay(o.Date, a.Date) && o.Time == a.Time {
			return true
		}
	}
	return false
}

func (r *memRepo) GetAccountByID(_ context.Context, id uuid.UUID) (*Account, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	acc, ok := r.accounts[id]
	if !ok {
		return nil, ErrAccountNotFound
	}
	cp := *acc
	return &cp, nil
}

func (r *memRepo) GetAppointmentByID(_ context.Context, id int64) (*Appointment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.appts[id]
	if !ok {
		return nil, ErrAppointmentNotFound
	}
	cp := *a
	return &cp, nil
}

func (r *memRepo) GetAppointmentByToken(_ context.Context, token uuid.UUID) (*Appointment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, a := range r.appts {
		if a.Token == token {
			cp := *a
			return &cp, nil
		}
	}
	return nil, ErrAppointmentNotFound
}

func (r *memRepo) sortedIDs() []int64 {
	ids := make([]int64, 0, len(r.appts))
	for id := range r.appts {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

func (r *memRepo) ListAppointments(_ context.Context, f ListFilter) ([]Appointment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Appointment
	for _, id := range r.sortedIDs() {
		a := r.appts[id]
		if f.VillagerID != nil && a.VillagerID != *f.VillagerID {
			continue
		}
		if f.HealthWorkerID != nil && (a.HealthWorkerID == nil || *a.HealthWorkerID != *f.HealthWorkerID) {
			continue
		}
		if f.Status != nil && a.Status != *f.Status {
			continue
		}
		if f.Urgency != nil && a.Urgency != *f.Urgency {
			continue
		}
		out = append(out, *a)
	}
	if f.Offset >= len(out) {
		return nil, nil
	}
	out = out[f.Offset:]
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (r *memRepo) FindOpenAtSlot(_ context.Context, hw uuid.UUID, date time.Time, at TimeOfDay, excludeID int64) (*Appointment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, id := range r.sortedIDs() {
		a := r.appts[id]
		if a.ID != excludeID && isOpen(a.Status) && a.HealthWorkerID != nil &&
			*a.HealthWorkerID == hw && SameDay(a.Date, date) && a.Time == at {
			cp := *a
			return &cp, nil
		}
	}
	return nil, ErrAppointmentNotFound
}

func (r *memRepo) CreateAppointment(_ context.Context, a *Appointment) (*Appointment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.slotTaken(a) {
		return nil, ErrDuplicateSlot
	}
	r.nextID++
	cp := *a
	cp.ID = r.nextID
	r.appts[cp.ID] = &cp
	out := cp
	return &out, nil
}

func (r *memRepo) UpdateAppointment(_ context.Context, a *Appointment) (*Appointment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.appts[a.ID]; !ok {
		return nil, ErrAppointmentNotFound
	}
	if r.slotTaken(a) {
		return nil, ErrDuplicateSlot
	}
	cp := *a
	r.appts[a.ID] = &cp
	out := cp
	return &out, nil
}

func (r *memRepo) DeleteAppointment(_ context.Context, id int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.appts[id]; !ok {
		return ErrAppointmentNotFound
	}
	delete(r.appts, id)
	return nil
}

func (r *memRepo) FindOverdue(_ context.Context, today time.Time, cutoff time.Duration) ([]Appointment, error) {
	r.mu.Lock()
	if r.findOverdueErr != nil {
		r.mu.Unlock()
		return nil, r.findOverdueErr
	}
	var out []Appointment
	for _, id := range r.sortedIDs() {
		a := r.appts[id]
		if !isOpen(a.Status) {
			continue
		}
		if DayBefore(a.Date, today) || (SameDay(a.Date, today) && a.Time.Offset() < cutoff) {
			out = append(out, *a)
		}
	}
	hook := r.afterFindOverdue
	r.mu.Unlock()

	if hook != nil {
		hook()
	}
	return out, nil
}

func (r *memRepo) UpdateStatusBatch(_ context.Context, ids []int64, from []Status, to Status) ([]int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var changed []int64
	for _, id := range ids {
		a, ok := r.appts[id]
		if !ok {
			continue
		}
		for _, s := range from {
			if a.Status == s {
				a.Status = to
				changed = append(changed, id)
				break
			}
		}
	}
	return changed, nil
}

// setStatus changes a stored status directly, as another writer would.
func (r *memRepo) setStatus(id int64, s Status) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.appts[id].Status = s
}

func (r *memRepo) Stats(_ context.Context, today time.Time, upcomingDays int) (*Stats, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	st := &Stats{ByStatus: map[Status]int{}, ByUrgency: map[Urgency]int{}}
	horizon := today.AddDate(0, 0, upcomingDays)
	for _, a := range r.appts {
		st.Total++
		st.ByStatus[a.Status]++
		st.ByUrgency[a.Urgency]++
		if SameDay(a.Date, today) {
			st.Today++
		}
		if isOpen(a.Status) && !DayBefore(a.Date, today) && !DayBefore(horizon, a.Date) {
			st.Upcoming++
		}
	}
	return st, nil
}

func (r *memRepo) InsertEvent(_ context.Context, ev EventLog) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return nil
}

type sentNotification struct {
	ID   int64
	Kind NotificationKind
}

type recordingNotifier struct {
	mu    sync.Mutex
	sent  []sentNotification
	err   error
	panic bool
}

func (n *recordingNotifier) Notify(_ context.Context, a *Appointment, kind NotificationKind) error {
	n.mu.Lock()
	n.sent = append(n.sent, sentNotification{ID: a.ID, Kind: kind})
	n.mu.Unlock()
	if n.panic {
		panic("notifier exploded")
	}
	return n.err
}

func (n *recordingNotifier) all() []sentNotification {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]sentNotification(nil), n.sent...)
}

type classifierFunc func(ctx context.Context, reason string) (Urgency, error)

func (f classifierFunc) Classify(ctx context.Context, reason string) (Urgency, error) {
	return f(ctx, reason)
}

type lockerFunc func(ctx context.Context, key string, fn func(ctx context.Context) error) error

func (f lockerFunc) WithLock(ctx context.Context, key string, fn func(ctx context.Context) error) error {
	return f(ctx, key, fn)
}

func testRules() Rules {
	r := DefaultRules()
	r.Location = time.UTC
	return r
}

func ts(y int, m time.Month, d, hh, mm int) time.Time {
	return time.Date(y, m, d, hh, mm, 0, 0, time.UTC)
}

func day(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func newTestService(t *testing.T, repo Repository, now time.Time, opts ...Option) *Service {
	t.Helper()
	base := []Option{
		WithRules(testRules()),
		WithClock(func() time.Time { return now }),
		WithMetrics(metrics.New(prometheus.NewRegistry())),
	}
	return NewService(repo, nil, append(base, opts...)...)
}
