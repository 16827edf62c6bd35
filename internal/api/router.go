package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/hackgods/consultation-queue/internal/appointment"
	"github.com/hackgods/consultation-queue/internal/events"
	"github.com/hackgods/consultation-queue/internal/metrics"
	"github.com/hackgods/consultation-queue/internal/queue"
	"github.com/hackgods/consultation-queue/internal/ratelimit"
)

type RouterConfig struct {
	Service   *appointment.Service
	Queue     *queue.Manager
	Publisher events.Publisher
	// WebSocket serves GET /ws; nil leaves the route out.
	WebSocket http.Handler
	Metrics   *metrics.Metrics
	// Limits applies the api policy to every API route and the login
	// backoff to token check-in; nil disables throttling.
	Limits       *ratelimit.Suite
	HealthChecks []HealthCheck
	Log          zerolog.Logger
	Env          string
	Version      string
}

func NewRouter(cfg RouterConfig) http.Handler {
	publisher := cfg.Publisher
	if publisher == nil {
		publisher = events.Discard
	}
	log := cfg.Log.With().Str("component", "api").Logger()
	svc := cfg.Service

	r := chi.NewRouter()

	// Apply middleware
	r.Use(RequestIDMiddleware)
	r.Use(LoggingMiddleware(log))

	// Health endpoints
	health := NewHealthHandler(cfg.HealthChecks, cfg.Env, cfg.Version)
	r.Get("/health/live", health.Liveness)
	r.Get("/health/ready", health.Readiness)

	if cfg.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", cfg.Metrics.Handler())
	}
	if cfg.WebSocket != nil {
		r.Method(http.MethodGet, "/ws", cfg.WebSocket)
	}

	var backoff *ratelimit.Backoff
	r.Group(func(r chi.Router) {
		if cfg.Limits != nil {
			r.Use(RateLimitMiddleware(cfg.Limits.API, cfg.Metrics))
			backoff = cfg.Limits.Login
		}

		// Appointment endpoints
		r.Post("/appointments", createAppointmentHandler(svc))
		r.Post("/appointments/bulk/status", bulkStatusHandler(svc))
		r.Post("/appointments/bulk/cancel", bulkCancelHandler(svc))
		r.Get("/appointments/{id}", getAppointmentHandler(svc))
		r.Get("/appointments/{id}/queue", queuePositionHandler(svc, cfg.Queue))
		r.Post("/appointments/{id}/confirm", transitionHandler(svc.ConfirmAppointment, log))
		r.Post("/appointments/{id}/check-in", transitionHandler(svc.CheckIn, log))
		r.Post("/appointments/{id}/start", transitionHandler(svc.StartConsultation, log))
		r.Post("/appointments/{id}/complete", transitionHandler(svc.CompleteAppointment, log))
		r.Post("/appointments/{id}/no-show", transitionHandler(svc.MarkNoShow, log))
		r.Post("/appointments/{id}/cancel", cancelAppointmentHandler(svc, log))
		r.Post("/check-in", checkInByTokenHandler(svc, backoff, log))

		r.Get("/requesters/{id}/appointments", listRequesterAppointmentsHandler(svc))
		r.Get("/practitioners/{id}/appointments", listPractitionerDayHandler(svc))
		r.Get("/practitioners/{id}/slots", availableSlotsHandler(svc))
		r.Get("/practitioners/{id}/queue", queueSnapshotHandler(svc, cfg.Queue))

		r.Post("/notices", noticeHandler(publisher))
	})

	return r
}
