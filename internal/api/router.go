package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/notifyhub/durable-subscriptions/internal/api/handler"
	apimw "github.com/notifyhub/durable-subscriptions/internal/api/middleware"
	"github.com/notifyhub/durable-subscriptions/internal/service"
)

// NewRouter wires the chi router, attaches all middleware, and registers
// every route. It is the single source of truth for the HTTP surface area.
func NewRouter(
	svc *service.SubscriptionService,
	reg prometheus.Gatherer,
	logger *zap.Logger,
) http.Handler {
	r := chi.NewRouter()

	r.Use(chimw.Recoverer)
	r.Use(chimw.RealIP)
	r.Use(chimw.RequestSize(1 << 20))
	r.Use(chimw.RequestID)
	r.Use(apimw.RequestLogger(logger))

	sh := handler.NewSubscriptionHandler(svc, logger)
	ih := handler.NewItemHandler(svc, logger)
	ph := handler.NewPublishHandler(svc, logger)
	dh := handler.NewDataSourceHandler(svc, logger)
	hh := handler.NewHealthHandler(svc)

	r.Get("/health", hh.Health)
	r.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))

	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/datasource/values", dh.ReportValue)
		r.Post("/datasource/events", dh.ReportEvent)
		r.Get("/diagnostics/subscriptions", hh.Diagnostics)

		r.Group(func(r chi.Router) {
			r.Use(apimw.Session)

			// Literal paths are registered before /{id} so chi does not
			// read "transfer" as a subscription id.
			r.Post("/subscriptions/transfer", sh.Transfer)
			r.Post("/subscriptions/publishing-mode", sh.SetPublishingMode)
			r.Post("/subscriptions", sh.Create)
			r.Get("/subscriptions", sh.List)
			r.Delete("/subscriptions", sh.Delete)
			r.Put("/subscriptions/{id}", sh.Modify)
			r.Post("/subscriptions/{id}/durable", sh.SetDurable)
			r.Get("/subscriptions/{id}/messages/{seq}", sh.Republish)

			r.Post("/subscriptions/{id}/items", ih.Create)
			r.Put("/subscriptions/{id}/items", ih.Modify)
			r.Delete("/subscriptions/{id}/items", ih.Delete)
			r.Post("/subscriptions/{id}/items/monitoring-mode", ih.SetMonitoringMode)
			r.Post("/subscriptions/{id}/triggering", ih.SetTriggering)

			r.Post("/publish", ph.Publish)
			r.Delete("/session", sh.CloseSession)
		})
	})

	return r
}
