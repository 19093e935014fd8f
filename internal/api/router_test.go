package api

import (
	"bytes"
	"context"
	"errors"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"github.com/hackgods/rural-health-scheduling/internal/appointment"
)

type mockService struct {
	mock.Mock
}

func (m *mockService) Book(ctx context.Context, req appointment.BookingRequest) (*appointment.Appointment, error) {
	args := m.Called(ctx, req)
	a, _ := args.Get(0).(*appointment.Appointment)
	return a, args.Error(1)
}

func (m *mockService) GetAppointmentDetail(ctx context.Context, id int64) (*appointment.AppointmentDetail, error) {
	args := m.Called(ctx, id)
	d, _ := args.Get(0).(*appointment.AppointmentDetail)
	return d, args.Error(1)
}

func (m *mockService) GetAppointmentByToken(ctx context.Context, token uuid.UUID) (*appointment.Appointment, error) {
	args := m.Called(ctx, token)
	a, _ := args.Get(0).(*appointment.Appointment)
	return a, args.Error(1)
}

func (m *mockService) ListAppointments(ctx context.Context, f appointment.ListFilter) ([]appointment.Appointment, error) {
	args := m.Called(ctx, f)
	a, _ := args.Get(0).([]appointment.Appointment)
	return a, args.Error(1)
}

func (m *mockService) CanVillagerCancel(a *appointment.Appointment) bool {
	return a.Status == appointment.StatusPending
}

func (m *mockService) UpdateAppointment(ctx context.Context, id int64, req appointment.UpdateRequest) (*appointment.Appointment, error) {
	args := m.Called(ctx, id, req)
	a, _ := args.Get(0).(*appointment.Appointment)
	return a, args.Error(1)
}

func (m *mockService) CancelByVillager(ctx context.Context, id int64, villagerID uuid.UUID) (*appointment.Appointment, error) {
	args := m.Called(ctx, id, villagerID)
	a, _ := args.Get(0).(*appointment.Appointment)
	return a, args.Error(1)
}

func (m *mockService) CancelAppointment(ctx context.Context, id int64) (*appointment.Appointment, error) {
	args := m.Called(ctx, id)
	a, _ := args.Get(0).(*appointment.Appointment)
	return a, args.Error(1)
}

func (m *mockService) DeleteAppointment(ctx context.Context, id int64) error {
	return m.Called(ctx, id).Error(0)
}

func (m *mockService) DashboardStats(ctx context.Context) (*appointment.Stats, error) {
	args := m.Called(ctx)
	s, _ := args.Get(0).(*appointment.Stats)
	return s, args.Error(1)
}

func (m *mockService) AutoCancelOverdue(ctx context.Context) (int, error) {
	args := m.Called(ctx)
	return args.Int(0), args.Error(1)
}

type memStore struct {
	objects map[string][]byte
	removed []string
}

func (s *memStore) Put(_ context.Context, key string, r io.Reader, _ int64, _ string) error {
	b, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	s.objects[key] = b
	return nil
}

func (s *memStore) Remove(_ context.Context, key string) error {
	delete(s.objects, key)
	s.removed = append(s.removed, key)
	return nil
}

type okPinger struct{ err error }

func (p okPinger) Ping(context.Context) error { return p.err }

func sampleAppointment() *appointment.Appointment {
	return &appointment.Appointment{
		ID:         7,
		Token:      uuid.New(),
		VillagerID: uuid.New(),
		Date:       time.Date(2030, 1, 10, 0, 0, 0, 0, time.UTC),
		Time:       appointment.TimeOfDay{Hour: 10},
		Reason:     "fever",
		Urgency:    appointment.UrgencyMedium,
		Status:     appointment.StatusPending,
	}
}

func newTestRouter(svc AppointmentService, store *memStore) http.Handler {
	cfg := RouterConfig{Service: svc, Gatherer: prometheus.NewRegistry(), PgPool: okPinger{}}
	if store != nil {
		cfg.Documents = store
	}
	return NewRouter(cfg)
}

func do(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestCreateAppointment_JSON(t *testing.T) {
	svc := &mockService{}
	appt := sampleAppointment()
	svc.On("Book", mock.Anything, mock.MatchedBy(func(req appointment.BookingRequest) bool {
		return req.VillagerID == appt.VillagerID && req.Time == appointment.TimeOfDay{Hour: 10} && req.Reason == "fever"
	})).Return(appt, nil)

	body := `{"villager_id":"` + appt.VillagerID.String() + `","date":"2030-01-10","time":"10:00","reason":"fever"}`
	rec := do(t, newTestRouter(svc, nil), http.MethodPost, "/appointments", body)

	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.Equal(t, int64(7), gjson.Get(rec.Body.String(), "id").Int())
	assert.Equal(t, "medium", gjson.Get(rec.Body.String(), "urgency").String())
	assert.True(t, gjson.Get(rec.Body.String(), "can_cancel").Bool())
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))
	svc.AssertExpectations(t)
}

func TestCreateAppointment_ValidationFailure(t *testing.T) {
	svc := &mockService{}
	rec := do(t, newTestRouter(svc, nil), http.MethodPost, "/appointments", `{"villager_id":"nope","date":"10/01/2030","time":"10:00"}`)

	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	assert.Equal(t, "validation_failed", gjson.Get(rec.Body.String(), "error").String())
	svc.AssertNotCalled(t, "Book", mock.Anything, mock.Anything)
}

func TestCreateAppointment_ErrorMapping(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		status int
		code   string
	}{
		{"conflict", &appointment.ValidationError{Kind: appointment.ErrScheduleConflict, Field: "time", Message: "taken"}, http.StatusConflict, "schedule_conflict"},
		{"lead time", &appointment.ValidationError{Kind: appointment.ErrInvalidSchedule, Field: "time", Message: "too soon"}, http.StatusUnprocessableEntity, "invalid_schedule"},
		{"locked", appointment.ErrSlotBeingBooked, http.StatusConflict, "slot_being_booked"},
		{"unknown villager", appointment.ErrAccountNotFound, http.StatusNotFound, "account_not_found"},
		{"db down", errors.New("connection refused"), http.StatusInternalServerError, "internal_error"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := &mockService{}
			svc.On("Book", mock.Anything, mock.Anything).Return(nil, tt.err)

			body := `{"villager_id":"` + uuid.NewString() + `","date":"2030-01-10","time":"10:00","reason":"fever"}`
			rec := do(t, newTestRouter(svc, nil), http.MethodPost, "/appointments", body)

			assert.Equal(t, tt.status, rec.Code)
			assert.Equal(t, tt.code, gjson.Get(rec.Body.String(), "error").String())
			assert.NotContains(t, rec.Body.String(), "connection refused")
		})
	}
}

func multipartBooking(t *testing.T, filename string, content []byte) (*bytes.Buffer, string) {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	require.NoError(t, mw.WriteField("villager_id", uuid.NewString()))
	require.NoError(t, mw.WriteField("date", "2030-01-10"))
	require.NoError(t, mw.WriteField("time", "10:00"))
	require.NoError(t, mw.WriteField("reason", "skin rash"))
	fw, err := mw.CreateFormFile("document", filename)
	require.NoError(t, err)
	_, err = fw.Write(content)
	require.NoError(t, err)
	require.NoError(t, mw.Close())
	return &buf, mw.FormDataContentType()
}

func TestCreateAppointment_MultipartStoresDocument(t *testing.T) {
	svc := &mockService{}
	store := &memStore{objects: map[string][]byte{}}
	svc.On("Book", mock.Anything, mock.MatchedBy(func(req appointment.BookingRequest) bool {
		return req.DocumentKey != nil && strings.HasSuffix(*req.DocumentKey, ".pdf")
	})).Return(sampleAppointment(), nil)

	body, contentType := multipartBooking(t, "report.pdf", []byte("%PDF-1.4"))
	req := httptest.NewRequest(http.MethodPost, "/appointments", body)
	req.Header.Set("Content-Type", contentType)
	rec := httptest.NewRecorder()
	newTestRouter(svc, store).ServeHTTP(rec, req)

	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.Len(t, store.objects, 1)
	svc.AssertExpectations(t)
}

func TestCreateAppointment_MultipartRemovesDocumentOnFailure(t *testing.T) {
	svc := &mockService{}
	store := &memStore{objects: map[string][]byte{}}
	svc.On("Book", mock.Anything, mock.Anything).
		Return(nil, &appointment.ValidationError{Kind: appointment.ErrScheduleConflict, Message: "taken"})

	body, contentType := multipartBooking(t, "scan.png", []byte("png"))
	req := httptest.NewRequest(http.MethodPost, "/appointments", body)
	req.Header.Set("Content-Type", contentType)
	rec := httptest.NewRecorder()
	newTestRouter(svc, store).ServeHTTP(rec, req)

	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Empty(t, store.objects)
	assert.Len(t, store.removed, 1)
}

func TestCreateAppointment_MultipartRejectsBadExtension(t *testing.T) {
	svc := &mockService{}
	store := &memStore{objects: map[string][]byte{}}

	body, contentType := multipartBooking(t, "virus.exe", []byte("MZ"))
	req := httptest.NewRequest(http.MethodPost, "/appointments", body)
	req.Header.Set("Content-Type", contentType)
	rec := httptest.NewRecorder()
	newTestRouter(svc, store).ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	assert.Equal(t, "invalid_document", gjson.Get(rec.Body.String(), "error").String())
	svc.AssertNotCalled(t, "Book", mock.Anything, mock.Anything)
}

func TestListAppointments_ParsesFilter(t *testing.T) {
	svc := &mockService{}
	villager := uuid.New()
	svc.On("ListAppointments", mock.Anything, mock.MatchedBy(func(f appointment.ListFilter) bool {
		return f.VillagerID != nil && *f.VillagerID == villager &&
			f.Status != nil && *f.Status == appointment.StatusPending &&
			f.Search == "fever" && f.Limit == 5
	})).Return([]appointment.Appointment{*sampleAppointment()}, nil)

	rec := do(t, newTestRouter(svc, nil), http.MethodGet, "/appointments?villager_id="+villager.String()+"&status=pending&q=fever&limit=5", "")

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, int64(1), gjson.Get(rec.Body.String(), "count").Int())
	assert.True(t, gjson.Get(rec.Body.String(), "appointments.0.can_cancel").Bool())
}

func TestListAppointments_RejectsBadStatus(t *testing.T) {
	rec := do(t, newTestRouter(&mockService{}, nil), http.MethodGet, "/appointments?status=lost", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestGetAppointment(t *testing.T) {
	svc := &mockService{}
	appt := sampleAppointment()
	svc.On("GetAppointmentDetail", mock.Anything, int64(7)).Return(&appointment.AppointmentDetail{
		Appointment: *appt,
		Villager:    &appointment.Account{ID: appt.VillagerID, Name: "Sita", Role: appointment.RoleVillager},
	}, nil)
	svc.On("GetAppointmentDetail", mock.Anything, int64(8)).Return(nil, appointment.ErrAppointmentNotFound)

	h := newTestRouter(svc, nil)

	rec := do(t, h, http.MethodGet, "/appointments/7", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "Sita", gjson.Get(rec.Body.String(), "villager.name").String())

	assert.Equal(t, http.StatusNotFound, do(t, h, http.MethodGet, "/appointments/8", "").Code)
	assert.Equal(t, http.StatusBadRequest, do(t, h, http.MethodGet, "/appointments/abc", "").Code)
}

func TestGetAppointmentByToken(t *testing.T) {
	svc := &mockService{}
	appt := sampleAppointment()
	svc.On("GetAppointmentByToken", mock.Anything, appt.Token).Return(appt, nil)

	rec := do(t, newTestRouter(svc, nil), http.MethodGet, "/appointments/token/"+appt.Token.String(), "")

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, appt.Token.String(), gjson.Get(rec.Body.String(), "token").String())
}

func TestUpdateAppointment(t *testing.T) {
	svc := &mockService{}
	updated := sampleAppointment()
	updated.Status = appointment.StatusApproved
	svc.On("UpdateAppointment", mock.Anything, int64(7), mock.MatchedBy(func(req appointment.UpdateRequest) bool {
		return req.Status != nil && *req.Status == appointment.StatusApproved && req.Date == nil
	})).Return(updated, nil)

	rec := do(t, newTestRouter(svc, nil), http.MethodPatch, "/appointments/7", `{"status":"approved"}`)

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "approved", gjson.Get(rec.Body.String(), "status").String())
}

func TestUpdateAppointment_RejectsUnknownStatus(t *testing.T) {
	svc := &mockService{}
	rec := do(t, newTestRouter(svc, nil), http.MethodPatch, "/appointments/7", `{"status":"lost"}`)

	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	svc.AssertNotCalled(t, "UpdateAppointment", mock.Anything, mock.Anything, mock.Anything)
}

func TestCancelByVillager_OutsideWindow(t *testing.T) {
	svc := &mockService{}
	villager := uuid.New()
	svc.On("CancelByVillager", mock.Anything, int64(7), villager).
		Return(nil, &appointment.ValidationError{Kind: appointment.ErrCancellationWindow, Message: "too late"})

	rec := do(t, newTestRouter(svc, nil), http.MethodPost, "/appointments/7/cancel", `{"villager_id":"`+villager.String()+`"}`)

	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	assert.Equal(t, "cancellation_window", gjson.Get(rec.Body.String(), "error").String())
}

func TestAdminRoutes(t *testing.T) {
	svc := &mockService{}
	cancelled := sampleAppointment()
	cancelled.Status = appointment.StatusCancelled
	svc.On("CancelAppointment", mock.Anything, int64(7)).Return(cancelled, nil)
	svc.On("AutoCancelOverdue", mock.Anything).Return(3, nil).Once()
	svc.On("AutoCancelOverdue", mock.Anything).Return(0, appointment.ErrSweepInProgress).Once()
	svc.On("DashboardStats", mock.Anything).Return(&appointment.Stats{
		Total:    4,
		ByStatus: map[appointment.Status]int{appointment.StatusPending: 4},
	}, nil)
	svc.On("DeleteAppointment", mock.Anything, int64(7)).Return(nil)

	h := newTestRouter(svc, nil)

	rec := do(t, h, http.MethodPost, "/admin/appointments/7/cancel", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "cancelled", gjson.Get(rec.Body.String(), "status").String())

	rec = do(t, h, http.MethodPost, "/admin/sweep", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, int64(3), gjson.Get(rec.Body.String(), "cancelled").Int())

	rec = do(t, h, http.MethodPost, "/admin/sweep", "")
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = do(t, h, http.MethodGet, "/admin/stats", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, int64(4), gjson.Get(rec.Body.String(), "by_status.pending").Int())

	assert.Equal(t, http.StatusNoContent, do(t, h, http.MethodDelete, "/appointments/7", "").Code)
	svc.AssertExpectations(t)
}

func TestHealth(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	h := NewRouter(RouterConfig{Service: &mockService{}, PgPool: okPinger{}, Redis: rdb, Gatherer: prometheus.NewRegistry()})
	rec := do(t, h, http.MethodGet, "/health/ready", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", gjson.Get(rec.Body.String(), "status").String())

	unreachable := redis.NewClient(&redis.Options{Addr: "127.0.0.1:1", MaxRetries: -1})
	t.Cleanup(func() { _ = unreachable.Close() })
	h = NewRouter(RouterConfig{Service: &mockService{}, PgPool: okPinger{}, Redis: unreachable, Gatherer: prometheus.NewRegistry()})
	rec = do(t, h, http.MethodGet, "/health/ready", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "degraded", gjson.Get(rec.Body.String(), "status").String())

	h = NewRouter(RouterConfig{Service: &mockService{}, PgPool: okPinger{err: errors.New("down")}, Gatherer: prometheus.NewRegistry()})
	rec = do(t, h, http.MethodGet, "/health/ready", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	assert.Equal(t, http.StatusOK, do(t, h, http.MethodGet, "/health/live", "").Code)
}

func TestBookingRoutesAreRateLimited(t *testing.T) {
	svc := &mockService{}
	svc.On("Book", mock.Anything, mock.Anything).Return(sampleAppointment(), nil)
	h := NewRouter(RouterConfig{Service: svc, Gatherer: prometheus.NewRegistry(), RateLimitRPS: 1})

	body := `{"villager_id":"` + uuid.NewString() + `","date":"2030-01-10","time":"10:00","reason":"fever"}`
	assert.Equal(t, http.StatusCreated, do(t, h, http.MethodPost, "/appointments", body).Code)
	assert.Equal(t, http.StatusTooManyRequests, do(t, h, http.MethodPost, "/appointments", body).Code)
}
