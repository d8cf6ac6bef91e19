package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func (s *Server) routes() *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger)
	r.Use(middleware.Recoverer)

	origins := s.config.CORSAllowedOrigins
	if len(origins) == 0 {
		origins = []string{"http://localhost:5173", "http://localhost:8080"}
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type", "Idempotency-Key"},
		MaxAge:         300,
	}))

	r.Get("/health", s.health.HandleHealth)
	r.Get("/health/live", s.health.HandleLiveness)
	r.Get("/health/ready", s.health.HandleReadiness)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Post("/emails", s.handleEnqueue)
		r.Post("/emails/bulk", s.handleEnqueueBulk)
		r.Get("/emails/{id}", s.handleGetMessage)
		r.Get("/bulk-jobs/{id}", s.handleGetBulkJob)
		r.Post("/queue/process", s.handleProcessQueue)
		r.Get("/providers/{provider}/circuit", s.handleCircuitStatus)

		r.Put("/templates/{id}", s.handlePutTemplate)

		r.Route("/suppressions", func(r chi.Router) {
			r.Get("/", s.handleListSuppressions)
			r.Post("/", s.handleAddSuppression)
			r.Get("/stats", s.handleSuppressionStats)
			r.Get("/{email}", s.handleGetSuppression)
			r.Delete("/{email}", s.handleRemoveSuppression)
		})
	})

	r.Route("/webhooks", func(r chi.Router) {
		r.Post("/sendgrid", s.handleSendGridWebhook)
		r.Post("/mailgun", s.handleMailgunWebhook)
		r.Post("/ses", s.handleSESWebhook)
		r.Post("/sparkpost", s.handleSparkPostWebhook)
		r.Post("/events", s.handleGenericWebhook)
	})

	r.Get("/unsubscribe", s.handleUnsubscribe)
	r.Post("/unsubscribe", s.handleUnsubscribe)

	return r
}
