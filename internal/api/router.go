package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/httprate"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/hackgods/rural-health-scheduling/internal/appointment"
	"github.com/hackgods/rural-health-scheduling/internal/documents"
)

type AppointmentService interface {
	Book(ctx context.Context, req appointment.BookingRequest) (*appointment.Appointment, error)
	GetAppointmentDetail(ctx context.Context, id int64) (*appointment.AppointmentDetail, error)
	GetAppointmentByToken(ctx context.Context, token uuid.UUID) (*appointment.Appointment, error)
	ListAppointments(ctx context.Context, f appointment.ListFilter) ([]appointment.Appointment, error)
	CanVillagerCancel(a *appointment.Appointment) bool
	UpdateAppointment(ctx context.Context, id int64, req appointment.UpdateRequest) (*appointment.Appointment, error)
	CancelByVillager(ctx context.Context, id int64, villagerID uuid.UUID) (*appointment.Appointment, error)
	CancelAppointment(ctx context.Context, id int64) (*appointment.Appointment, error)
	DeleteAppointment(ctx context.Context, id int64) error
	DashboardStats(ctx context.Context) (*appointment.Stats, error)
	AutoCancelOverdue(ctx context.Context) (int, error)
}

type RouterConfig struct {
	Service      AppointmentService
	Documents    documents.Store // nil disables uploads
	PgPool       Pinger
	Redis        *redis.Client
	Gatherer     prometheus.Gatherer
	Log          *zap.Logger
	RateLimitRPS int
	Env          string
	Version      string
}

func NewRouter(cfg RouterConfig) http.Handler {
	if cfg.Log == nil {
		cfg.Log = zap.NewNop()
	}
	if cfg.Gatherer == nil {
		cfg.Gatherer = prometheus.DefaultGatherer
	}

	r := chi.NewRouter()

	r.Use(RequestIDMiddleware)
	r.Use(LoggingMiddleware(cfg.Log))
	r.Use(middleware.Recoverer)

	health := NewHealthHandler(cfg.PgPool, cfg.Redis, cfg.Env, cfg.Version)
	r.Get("/health/live", health.Liveness)
	r.Get("/health/ready", health.Readiness)
	r.Handle("/metrics", promhttp.HandlerFor(cfg.Gatherer, promhttp.HandlerOpts{}))

	h := &handlers{svc: cfg.Service, docs: cfg.Documents, log: cfg.Log}

	r.Route("/appointments", func(r chi.Router) {
		r.Group(func(r chi.Router) {
			if cfg.RateLimitRPS > 0 {
				r.Use(httprate.LimitByIP(cfg.RateLimitRPS, time.Second))
			}
			r.Post("/", h.createAppointment)
			r.Post("/{id}/cancel", h.cancelByVillager)
		})
		r.Get("/", h.listAppointments)
		r.Get("/token/{token}", h.getAppointmentByToken)
		r.Get("/{id}", h.getAppointment)
		r.Patch("/{id}", h.updateAppointment)
		r.Delete("/{id}", h.deleteAppointment)
	})

	r.Route("/admin", func(r chi.Router) {
		r.Post("/appointments/{id}/cancel", h.adminCancel)
		r.Post("/sweep", h.runSweep)
		r.Get("/stats", h.stats)
	})

	return r
}
