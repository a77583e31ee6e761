package handler

import (
	"net/http"

	"github.com/notifyhub/durable-subscriptions/internal/service"
)

// HealthHandler serves the liveness probe and a diagnostics snapshot.
type HealthHandler struct {
	svc *service.SubscriptionService
}

func NewHealthHandler(svc *service.SubscriptionService) *HealthHandler {
	return &HealthHandler{svc: svc}
}

// Health handles GET /health
func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// Diagnostics handles GET /api/v1/diagnostics/subscriptions and lists every
// subscription, including restored ones that no session owns yet.
func (h *HealthHandler) Diagnostics(w http.ResponseWriter, r *http.Request) {
	subs := h.svc.Subscriptions("")
	detached := 0
	for _, s := range subs {
		if s.SessionID == "" {
			detached++
		}
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"subscriptions": subs,
		"total":         len(subs),
		"detached":      detached,
	})
}
