package api

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/goccy/go-json"
	"go.uber.org/zap"

	"github.com/hackgods/rural-health-scheduling/internal/appointment"
	"github.com/hackgods/rural-health-scheduling/internal/documents"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, details string) {
	writeJSON(w, status, ErrorResponse{Error: code, Details: details})
}

func decodeJSON(r *http.Request, dst any) error {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		return fmt.Errorf("could not parse JSON: %w", err)
	}
	return nil
}

// validationMessage flattens validator errors into "field: rule" pairs.
func validationMessage(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err.Error()
	}
	parts := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		if fe.Param() != "" {
			parts = append(parts, fmt.Sprintf("%s: %s=%s", strings.ToLower(fe.Field()), fe.Tag(), fe.Param()))
			continue
		}
		parts = append(parts, fmt.Sprintf("%s: %s", strings.ToLower(fe.Field()), fe.Tag()))
	}
	return strings.Join(parts, "; ")
}

// writeServiceError maps domain errors to HTTP responses. Unknown errors are
// logged and reported without details.
func (h *handlers) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	var verr *appointment.ValidationError
	switch {
	case errors.Is(err, appointment.ErrAppointmentNotFound):
		writeError(w, http.StatusNotFound, "appointment_not_found", "appointment not found")
	case errors.Is(err, appointment.ErrAccountNotFound):
		writeError(w, http.StatusNotFound, "account_not_found", "account not found")
	case errors.Is(err, appointment.ErrSlotBeingBooked):
		writeError(w, http.StatusConflict, "slot_being_booked", "slot is currently being booked, please retry shortly")
	case errors.Is(err, appointment.ErrSweepInProgress):
		writeError(w, http.StatusConflict, "sweep_in_progress", err.Error())
	case errors.As(err, &verr):
		status := http.StatusUnprocessableEntity
		if errors.Is(err, appointment.ErrScheduleConflict) {
			status = http.StatusConflict
		}
		writeJSON(w, status, ErrorResponse{Error: errorCode(verr.Kind), Details: verr.Message, Field: verr.Field})
	case errors.Is(err, documents.ErrTooLarge):
		writeError(w, http.StatusRequestEntityTooLarge, "document_too_large", err.Error())
	case errors.Is(err, documents.ErrUnsupportedType), errors.Is(err, documents.ErrEmptyDocument):
		writeError(w, http.StatusUnprocessableEntity, "invalid_document", err.Error())
	default:
		h.log.Error("request failed",
			zap.String("path", r.URL.Path),
			zap.String("request_id", GetRequestID(r.Context())),
			zap.Error(err),
		)
		writeError(w, http.StatusInternalServerError, "internal_error", "something went wrong, please try again")
	}
}

func errorCode(kind error) string {
	switch {
	case errors.Is(kind, appointment.ErrInvalidSchedule):
		return "invalid_schedule"
	case errors.Is(kind, appointment.ErrScheduleConflict):
		return "schedule_conflict"
	case errors.Is(kind, appointment.ErrInvalidReason):
		return "invalid_reason"
	case errors.Is(kind, appointment.ErrInvalidStatusTransition):
		return "invalid_status_transition"
	case errors.Is(kind, appointment.ErrCancellationWindow):
		return "cancellation_window"
	case errors.Is(kind, appointment.ErrProviderUnavailable):
		return "health_worker_unavailable"
	case errors.Is(kind, appointment.ErrNotVillager):
		return "not_a_villager"
	}
	return "validation_failed"
}
