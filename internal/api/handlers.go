package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/hackgods/rural-health-scheduling/internal/appointment"
	"github.com/hackgods/rural-health-scheduling/internal/documents"
)

type handlers struct {
	svc  AppointmentService
	docs documents.Store
	log  *zap.Logger
}

func (h *handlers) createAppointment(w http.ResponseWriter, r *http.Request) {
	var req CreateAppointmentRequest
	multipartBody := strings.HasPrefix(r.Header.Get("Content-Type"), "multipart/form-data")

	if multipartBody {
		r.Body = http.MaxBytesReader(w, r.Body, documents.MaxSize+1<<20)
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request_body", "could not parse multipart form")
			return
		}
		req = CreateAppointmentRequest{
			VillagerID: r.FormValue("villager_id"),
			Date:       r.FormValue("date"),
			Time:       r.FormValue("time"),
			Reason:     r.FormValue("reason"),
		}
		if hw := r.FormValue("health_worker_id"); hw != "" {
			req.HealthWorkerID = &hw
		}
	} else if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request_body", err.Error())
		return
	}

	if err := validate.Struct(req); err != nil {
		writeError(w, http.StatusUnprocessableEntity, "validation_failed", validationMessage(err))
		return
	}

	booking, err := toBookingRequest(req)
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, "validation_failed", err.Error())
		return
	}

	if multipartBody {
		key, err := h.storeDocument(r)
		if err != nil {
			if errors.Is(err, errUploadsDisabled) {
				writeError(w, http.StatusUnprocessableEntity, "uploads_disabled", err.Error())
				return
			}
			h.writeServiceError(w, r, err)
			return
		}
		booking.DocumentKey = key
	}

	appt, err := h.svc.Book(r.Context(), booking)
	if err != nil {
		if booking.DocumentKey != nil {
			h.removeDocument(r.Context(), *booking.DocumentKey)
		}
		h.writeServiceError(w, r, err)
		return
	}

	writeJSON(w, http.StatusCreated, toAppointmentResponse(appt, h.svc.CanVillagerCancel(appt)))
}

var errUploadsDisabled = errors.New("document uploads are not enabled")

// storeDocument uploads the optional "document" part. It returns a nil key
// when the form carries no document.
func (h *handlers) storeDocument(r *http.Request) (*string, error) {
	file, header, err := r.FormFile("document")
	if errors.Is(err, http.ErrMissingFile) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	defer file.Close()

	if h.docs == nil {
		return nil, errUploadsDisabled
	}
	if err := documents.Validate(header.Filename, header.Size); err != nil {
		return nil, err
	}

	key := documents.NewKey(header.Filename)
	contentType := documents.ContentType(header.Filename, header.Header.Get("Content-Type"))
	if err := h.docs.Put(r.Context(), key, file, header.Size, contentType); err != nil {
		return nil, err
	}
	return &key, nil
}

func (h *handlers) removeDocument(ctx context.Context, key string) {
	if h.docs == nil {
		return
	}
	if err := h.docs.Remove(context.WithoutCancel(ctx), key); err != nil {
		h.log.Warn("failed to remove orphaned document", zap.String("key", key), zap.Error(err))
	}
}

func toBookingRequest(req CreateAppointmentRequest) (appointment.BookingRequest, error) {
	villagerID, err := uuid.Parse(req.VillagerID)
	if err != nil {
		return appointment.BookingRequest{}, errors.New("villager_id must be a valid UUID")
	}
	date, err := time.Parse(time.DateOnly, req.Date)
	if err != nil {
		return appointment.BookingRequest{}, errors.New("date must be YYYY-MM-DD")
	}
	at, err := appointment.ParseTimeOfDay(req.Time)
	if err != nil {
		return appointment.BookingRequest{}, errors.New("time must be HH:MM")
	}

	booking := appointment.BookingRequest{
		VillagerID: villagerID,
		Date:       date,
		Time:       at,
		Reason:     req.Reason,
	}
	if req.HealthWorkerID != nil && *req.HealthWorkerID != "" {
		hw, err := uuid.Parse(*req.HealthWorkerID)
		if err != nil {
			return appointment.BookingRequest{}, errors.New("health_worker_id must be a valid UUID")
		}
		booking.HealthWorkerID = &hw
	}
	return booking, nil
}

func (h *handlers) listAppointments(w http.ResponseWriter, r *http.Request) {
	f, err := parseListFilter(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_query", err.Error())
		return
	}

	appts, err := h.svc.ListAppointments(r.Context(), f)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}

	resp := ListAppointmentsResponse{
		Appointments: make([]AppointmentResponse, 0, len(appts)),
		Count:        len(appts),
		Limit:        f.Limit,
		Offset:       f.Offset,
	}
	for i := range appts {
		resp.Appointments = append(resp.Appointments, toAppointmentResponse(&appts[i], h.svc.CanVillagerCancel(&appts[i])))
	}
	writeJSON(w, http.StatusOK, resp)
}

func parseListFilter(r *http.Request) (appointment.ListFilter, error) {
	q := r.URL.Query()
	f := appointment.ListFilter{Search: strings.TrimSpace(q.Get("q"))}

	if v := q.Get("villager_id"); v != "" {
		id, err := uuid.Parse(v)
		if err != nil {
			return f, errors.New("villager_id must be a valid UUID")
		}
		f.VillagerID = &id
	}
	if v := q.Get("health_worker_id"); v != "" {
		id, err := uuid.Parse(v)
		if err != nil {
			return f, errors.New("health_worker_id must be a valid UUID")
		}
		f.HealthWorkerID = &id
	}
	if v := q.Get("status"); v != "" {
		s := appointment.Status(v)
		if !s.Valid() {
			return f, errors.New("status must be one of pending, approved, completed, cancelled")
		}
		f.Status = &s
	}
	if v := q.Get("urgency"); v != "" {
		u := appointment.Urgency(v)
		if !u.Valid() {
			return f, errors.New("urgency must be one of critical, medium, normal")
		}
		f.Urgency = &u
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return f, errors.New("limit must be an integer")
		}
		f.Limit = n
	}
	if v := q.Get("offset"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return f, errors.New("offset must be an integer")
		}
		f.Offset = n
	}
	return f, nil
}

func appointmentID(r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	return id, err == nil && id > 0
}

func (h *handlers) getAppointment(w http.ResponseWriter, r *http.Request) {
	id, ok := appointmentID(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid_appointment_id", "id must be a positive integer")
		return
	}

	detail, err := h.svc.GetAppointmentDetail(r.Context(), id)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}

	resp := toAppointmentResponse(&detail.Appointment, h.svc.CanVillagerCancel(&detail.Appointment))
	resp.Villager = toAccountResponse(detail.Villager)
	resp.HealthWorker = toAccountResponse(detail.HealthWorker)
	writeJSON(w, http.StatusOK, resp)
}

func (h *handlers) getAppointmentByToken(w http.ResponseWriter, r *http.Request) {
	token, err := uuid.Parse(chi.URLParam(r, "token"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_token", "token must be a valid UUID")
		return
	}

	appt, err := h.svc.GetAppointmentByToken(r.Context(), token)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toAppointmentResponse(appt, h.svc.CanVillagerCancel(appt)))
}

func (h *handlers) updateAppointment(w http.ResponseWriter, r *http.Request) {
	id, ok := appointmentID(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid_appointment_id", "id must be a positive integer")
		return
	}

	var req UpdateAppointmentRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request_body", err.Error())
		return
	}
	if err := validate.Struct(req); err != nil {
		writeError(w, http.StatusUnprocessableEntity, "validation_failed", validationMessage(err))
		return
	}

	update, err := toUpdateRequest(req)
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, "validation_failed", err.Error())
		return
	}

	appt, err := h.svc.UpdateAppointment(r.Context(), id, update)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toAppointmentResponse(appt, h.svc.CanVillagerCancel(appt)))
}

func toUpdateRequest(req UpdateAppointmentRequest) (appointment.UpdateRequest, error) {
	out := appointment.UpdateRequest{
		Reason:            req.Reason,
		Note:              req.Note,
		ClearHealthWorker: req.ClearHealthWorker,
	}
	if req.Date != nil {
		d, err := time.Parse(time.DateOnly, *req.Date)
		if err != nil {
			return out, errors.New("date must be YYYY-MM-DD")
		}
		out.Date = &d
	}
	if req.Time != nil {
		t, err := appointment.ParseTimeOfDay(*req.Time)
		if err != nil {
			return out, errors.New("time must be HH:MM")
		}
		out.Time = &t
	}
	if req.HealthWorkerID != nil {
		hw, err := uuid.Parse(*req.HealthWorkerID)
		if err != nil {
			return out, errors.New("health_worker_id must be a valid UUID")
		}
		out.HealthWorkerID = &hw
	}
	if req.Urgency != nil {
		u := appointment.Urgency(*req.Urgency)
		out.Urgency = &u
	}
	if req.Status != nil {
		s := appointment.Status(*req.Status)
		out.Status = &s
	}
	return out, nil
}

func (h *handlers) deleteAppointment(w http.ResponseWriter, r *http.Request) {
	id, ok := appointmentID(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid_appointment_id", "id must be a positive integer")
		return
	}
	if err := h.svc.DeleteAppointment(r.Context(), id); err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *handlers) cancelByVillager(w http.ResponseWriter, r *http.Request) {
	id, ok := appointmentID(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid_appointment_id", "id must be a positive integer")
		return
	}

	var req VillagerCancelRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request_body", err.Error())
		return
	}
	if err := validate.Struct(req); err != nil {
		writeError(w, http.StatusUnprocessableEntity, "validation_failed", validationMessage(err))
		return
	}
	villagerID := uuid.MustParse(req.VillagerID)

	appt, err := h.svc.CancelByVillager(r.Context(), id, villagerID)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toAppointmentResponse(appt, false))
}

func (h *handlers) adminCancel(w http.ResponseWriter, r *http.Request) {
	id, ok := appointmentID(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid_appointment_id", "id must be a positive integer")
		return
	}

	appt, err := h.svc.CancelAppointment(r.Context(), id)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toAppointmentResponse(appt, false))
}

func (h *handlers) runSweep(w http.ResponseWriter, r *http.Request) {
	n, err := h.svc.AutoCancelOverdue(r.Context())
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, SweepResponse{Cancelled: n})
}

func (h *handlers) stats(w http.ResponseWriter, r *http.Request) {
	st, err := h.svc.DashboardStats(r.Context())
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toStatsResponse(st))
}
