package handler

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	apimw "github.com/notifyhub/durable-subscriptions/internal/api/middleware"
	"github.com/notifyhub/durable-subscriptions/internal/domain"
	"github.com/notifyhub/durable-subscriptions/internal/service"
)

// SubscriptionHandler handles subscription lifecycle endpoints.
type SubscriptionHandler struct {
	svc    *service.SubscriptionService
	logger *zap.Logger
}

func NewSubscriptionHandler(svc *service.SubscriptionService, logger *zap.Logger) *SubscriptionHandler {
	return &SubscriptionHandler{svc: svc, logger: logger}
}

type idsRequest struct {
	IDs []uint32 `json:"ids"`
}

type publishingModeRequest struct {
	Enabled bool     `json:"publishingEnabled"`
	IDs     []uint32 `json:"ids"`
}

type durableRequest struct {
	LifetimeInHours uint32 `json:"lifetimeInHours"`
}

type transferRequest struct {
	IDs               []uint32 `json:"ids"`
	SendInitialValues bool     `json:"sendInitialValues"`
}

// Create handles POST /api/v1/subscriptions
func (h *SubscriptionHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req domain.CreateSubscriptionRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	session := apimw.GetSession(r.Context())
	rev, err := h.svc.CreateSubscription(session, req)
	if err != nil {
		h.logger.Warn("create subscription failed",
			zap.String("request_id", chimw.GetReqID(r.Context())),
			zap.String("session_id", session.ID),
			zap.Error(err),
		)
		mapError(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, rev)
}

// List handles GET /api/v1/subscriptions
func (h *SubscriptionHandler) List(w http.ResponseWriter, r *http.Request) {
	subs := h.svc.Subscriptions(apimw.GetSession(r.Context()).ID)
	respondJSON(w, http.StatusOK, map[string]any{"data": subs, "total": len(subs)})
}

// Modify handles PUT /api/v1/subscriptions/{id}
func (h *SubscriptionHandler) Modify(w http.ResponseWriter, r *http.Request) {
	id, ok := uint32Param(w, r, "id")
	if !ok {
		return
	}
	var req domain.ModifySubscriptionRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	req.SubscriptionID = id
	rev, err := h.svc.ModifySubscription(apimw.GetSession(r.Context()), req)
	if err != nil {
		mapError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, rev)
}

// Delete handles DELETE /api/v1/subscriptions with a body of ids.
func (h *SubscriptionHandler) Delete(w http.ResponseWriter, r *http.Request) {
	var req idsRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	results, err := h.svc.DeleteSubscriptions(apimw.GetSession(r.Context()), req.IDs)
	if err != nil {
		mapError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"results": results})
}

// SetPublishingMode handles POST /api/v1/subscriptions/publishing-mode
func (h *SubscriptionHandler) SetPublishingMode(w http.ResponseWriter, r *http.Request) {
	var req publishingModeRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	results, err := h.svc.SetPublishingMode(apimw.GetSession(r.Context()), req.Enabled, req.IDs)
	if err != nil {
		mapError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"results": results})
}

// SetDurable handles POST /api/v1/subscriptions/{id}/durable
func (h *SubscriptionHandler) SetDurable(w http.ResponseWriter, r *http.Request) {
	id, ok := uint32Param(w, r, "id")
	if !ok {
		return
	}
	var req durableRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	hours, err := h.svc.SetSubscriptionDurable(apimw.GetSession(r.Context()), id, req.LifetimeInHours)
	if err != nil {
		mapError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]uint32{"revisedLifetimeInHours": hours})
}

// Transfer handles POST /api/v1/subscriptions/transfer
func (h *SubscriptionHandler) Transfer(w http.ResponseWriter, r *http.Request) {
	var req transferRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	results, err := h.svc.TransferSubscriptions(apimw.GetSession(r.Context()), req.IDs, req.SendInitialValues)
	if err != nil {
		mapError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"results": results})
}

// Republish handles GET /api/v1/subscriptions/{id}/messages/{seq}
func (h *SubscriptionHandler) Republish(w http.ResponseWriter, r *http.Request) {
	id, ok := uint32Param(w, r, "id")
	if !ok {
		return
	}
	seq, ok := uint32Param(w, r, "seq")
	if !ok {
		return
	}
	msg, err := h.svc.Republish(apimw.GetSession(r.Context()), id, seq)
	if err != nil {
		mapError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, msg)
}

// CloseSession handles DELETE /api/v1/session. Subscriptions are kept for a
// later transfer unless deleteSubscriptions=true.
func (h *SubscriptionHandler) CloseSession(w http.ResponseWriter, r *http.Request) {
	deleteSubs, _ := strconv.ParseBool(r.URL.Query().Get("deleteSubscriptions"))
	h.svc.CloseSession(apimw.GetSession(r.Context()), deleteSubs)
	w.WriteHeader(http.StatusNoContent)
}

func uint32Param(w http.ResponseWriter, r *http.Request, name string) (uint32, bool) {
	v, err := strconv.ParseUint(chi.URLParam(r, name), 10, 32)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid "+name)
		return 0, false
	}
	return uint32(v), true
}
