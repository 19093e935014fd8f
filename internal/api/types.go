package api

import (
	"time"

	"github.com/google/uuid"

	"github.com/hackgods/rural-health-scheduling/internal/appointment"
)

type CreateAppointmentRequest struct {
	VillagerID     string  `json:"villager_id" validate:"required,uuid"`
	HealthWorkerID *string `json:"health_worker_id" validate:"omitempty,uuid"`
	Date           string  `json:"date" validate:"required,datetime=2006-01-02"`
	Time           string  `json:"time" validate:"required,datetime=15:04"`
	Reason         string  `json:"reason" validate:"required,max=2000"`
}

// UpdateAppointmentRequest is a partial update. Omitted fields are left as
// they are; ClearHealthWorker unassigns the provider.
type UpdateAppointmentRequest struct {
	Date              *string `json:"date" validate:"omitempty,datetime=2006-01-02"`
	Time              *string `json:"time" validate:"omitempty,datetime=15:04"`
	Reason            *string `json:"reason" validate:"omitempty,max=2000"`
	HealthWorkerID    *string `json:"health_worker_id" validate:"omitempty,uuid"`
	ClearHealthWorker bool    `json:"clear_health_worker"`
	Urgency           *string `json:"urgency" validate:"omitempty,oneof=critical medium normal"`
	Status            *string `json:"status" validate:"omitempty,oneof=pending approved completed cancelled"`
	Note              *string `json:"note" validate:"omitempty,max=2000"`
}

type VillagerCancelRequest struct {
	VillagerID string `json:"villager_id" validate:"required,uuid"`
}

type AccountResponse struct {
	ID    uuid.UUID `json:"id"`
	Name  string    `json:"name"`
	Email *string   `json:"email,omitempty"`
	Role  string    `json:"role"`
}

type AppointmentResponse struct {
	ID             int64            `json:"id"`
	Token          uuid.UUID        `json:"token"`
	VillagerID     uuid.UUID        `json:"villager_id"`
	HealthWorkerID *uuid.UUID       `json:"health_worker_id,omitempty"`
	Date           string           `json:"date"`
	Time           string           `json:"time"`
	Reason         string           `json:"reason"`
	Urgency        string           `json:"urgency"`
	Status         string           `json:"status"`
	Note           string           `json:"note,omitempty"`
	DocumentKey    *string          `json:"document_key,omitempty"`
	CanCancel      bool             `json:"can_cancel"`
	CreatedAt      time.Time        `json:"created_at"`
	UpdatedAt      time.Time        `json:"updated_at"`
	Villager       *AccountResponse `json:"villager,omitempty"`
	HealthWorker   *AccountResponse `json:"health_worker,omitempty"`
}

type ListAppointmentsResponse struct {
	Appointments []AppointmentResponse `json:"appointments"`
	Count        int                   `json:"count"`
	Limit        int                   `json:"limit"`
	Offset       int                   `json:"offset"`
}

type SweepResponse struct {
	Cancelled int `json:"cancelled"`
}

type StatsResponse struct {
	Total     int            `json:"total"`
	ByStatus  map[string]int `json:"by_status"`
	ByUrgency map[string]int `json:"by_urgency"`
	Today     int            `json:"today"`
	Upcoming  int            `json:"upcoming"`
}

type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
	Field   string `json:"field,omitempty"`
}

func toAppointmentResponse(a *appointment.Appointment, canCancel bool) AppointmentResponse {
	return AppointmentResponse{
		ID:             a.ID,
		Token:          a.Token,
		VillagerID:     a.VillagerID,
		HealthWorkerID: a.HealthWorkerID,
		Date:           a.Date.Format(time.DateOnly),
		Time:           a.Time.String(),
		Reason:         a.Reason,
		Urgency:        string(a.Urgency),
		Status:         string(a.Status),
		Note:           a.Note,
		DocumentKey:    a.DocumentKey,
		CanCancel:      canCancel,
		CreatedAt:      a.CreatedAt,
		UpdatedAt:      a.UpdatedAt,
	}
}

func toAccountResponse(a *appointment.Account) *AccountResponse {
	if a == nil {
		return nil
	}
	return &AccountResponse{ID: a.ID, Name: a.Name, Email: a.Email, Role: string(a.Role)}
}

func toStatsResponse(s *appointment.Stats) StatsResponse {
	resp := StatsResponse{
		Total:     s.Total,
		ByStatus:  make(map[string]int, len(s.ByStatus)),
		ByUrgency: make(map[string]int, len(s.ByUrgency)),
		Today:     s.Today,
		Upcoming:  s.Upcoming,
	}
	for k, v := range s.ByStatus {
		resp.ByStatus[string(k)] = v
	}
	for k, v := range s.ByUrgency {
		resp.ByUrgency[string(k)] = v
	}
	return resp
}
