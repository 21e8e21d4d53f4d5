package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"payverify/internal/auth"
	"payverify/internal/metrics"
	"payverify/internal/store"
	"payverify/internal/webhooks"
)

type Server struct {
	Store    store.Store
	Registry *webhooks.Registry
	Ledger   *webhooks.Ledger
	Pub      *webhooks.Publisher

	// Dispatcher, when set, drops breaker state for deleted subscriptions.
	Dispatcher *webhooks.Dispatcher
	// Worker may be nil when the retry scheduler runs elsewhere.
	Worker *webhooks.Worker
	Auth   *auth.Verifier

	// RateRPS and RateBurst limit /v1 requests per client; zero disables.
	RateRPS   int
	RateBurst int
}

// Routes builds the HTTP handler tree.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(accessLog)

	r.Get("/healthz", s.HealthHandler)
	r.Get("/readyz", s.ReadyHandler)
	r.Handle("/metrics", promhttp.HandlerFor(metrics.Registry, promhttp.HandlerOpts{}))
	r.Get("/openapi.yaml", s.OpenAPIHandler)
	r.Get("/openapi.json", s.OpenAPIJSONHandler)
	r.Get("/docs", s.DocsHandler)

	r.Route("/v1", func(r chi.Router) {
		if s.RateRPS > 0 {
			limit := s.RateRPS
			if s.RateBurst > limit {
				limit = s.RateBurst
			}
			r.Use(httprate.Limit(limit, time.Second,
				httprate.WithKeyFuncs(httprate.KeyByIP),
				httprate.WithLimitHandler(func(w http.ResponseWriter, r *http.Request) {
					writeProblem(w, http.StatusTooManyRequests, "Too Many Requests", "rate limit exceeded", r.URL.Path)
				}),
			))
		}
		r.Use(s.authenticate)

		r.Get("/webhooks/event-types", s.EventTypesHandler)
		r.Post("/webhooks", s.CreateSubscriptionHandler)
		r.Get("/webhooks", s.ListSubscriptionsHandler)
		r.Route("/webhooks/{id}", func(r chi.Router) {
			r.Get("/", s.GetSubscriptionHandler)
			r.Patch("/", s.UpdateSubscriptionHandler)
			r.Delete("/", s.DeleteSubscriptionHandler)
			r.Post("/secret", s.RegenerateSecretHandler)
			r.Get("/deliveries", s.SubscriptionDeliveriesHandler)
		})
		r.Get("/deliveries", s.DeliveriesHandler)
		r.Post("/events", s.TriggerEventHandler)
		r.Post("/admin/webhooks/sweep", s.SweepHandler)
	})
	return r
}
