package handler

import (
	"net/http"

	"go.uber.org/zap"

	apimw "github.com/notifyhub/durable-subscriptions/internal/api/middleware"
	"github.com/notifyhub/durable-subscriptions/internal/domain"
	"github.com/notifyhub/durable-subscriptions/internal/service"
)

// ItemHandler handles monitored item endpoints under a subscription.
type ItemHandler struct {
	svc    *service.SubscriptionService
	logger *zap.Logger
}

func NewItemHandler(svc *service.SubscriptionService, logger *zap.Logger) *ItemHandler {
	return &ItemHandler{svc: svc, logger: logger}
}

type createItemsRequest struct {
	Items []domain.MonitoredItemCreateRequest `json:"items"`
}

type modifyItemsRequest struct {
	Items []domain.MonitoredItemModifyRequest `json:"items"`
}

type monitoringModeRequest struct {
	Mode domain.MonitoringMode `json:"monitoringMode"`
	IDs  []uint32              `json:"ids"`
}

type triggeringRequest struct {
	TriggeringItemID uint32   `json:"triggeringItemId"`
	LinksToAdd       []uint32 `json:"linksToAdd"`
	LinksToRemove    []uint32 `json:"linksToRemove"`
}

// Create handles POST /api/v1/subscriptions/{id}/items
func (h *ItemHandler) Create(w http.ResponseWriter, r *http.Request) {
	subID, ok := uint32Param(w, r, "id")
	if !ok {
		return
	}
	var req createItemsRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	results, err := h.svc.CreateMonitoredItems(apimw.GetSession(r.Context()), subID, req.Items)
	if err != nil {
		mapError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"results": results})
}

// Modify handles PUT /api/v1/subscriptions/{id}/items
func (h *ItemHandler) Modify(w http.ResponseWriter, r *http.Request) {
	subID, ok := uint32Param(w, r, "id")
	if !ok {
		return
	}
	var req modifyItemsRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	results, err := h.svc.ModifyMonitoredItems(apimw.GetSession(r.Context()), subID, req.Items)
	if err != nil {
		mapError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"results": results})
}

// Delete handles DELETE /api/v1/subscriptions/{id}/items with a body of ids.
func (h *ItemHandler) Delete(w http.ResponseWriter, r *http.Request) {
	subID, ok := uint32Param(w, r, "id")
	if !ok {
		return
	}
	var req idsRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	results, err := h.svc.DeleteMonitoredItems(apimw.GetSession(r.Context()), subID, req.IDs)
	if err != nil {
		mapError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"results": results})
}

// SetMonitoringMode handles POST /api/v1/subscriptions/{id}/items/monitoring-mode
func (h *ItemHandler) SetMonitoringMode(w http.ResponseWriter, r *http.Request) {
	subID, ok := uint32Param(w, r, "id")
	if !ok {
		return
	}
	var req monitoringModeRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	results, err := h.svc.SetMonitoringMode(apimw.GetSession(r.Context()), subID, req.Mode, req.IDs)
	if err != nil {
		mapError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"results": results})
}

// SetTriggering handles POST /api/v1/subscriptions/{id}/triggering
func (h *ItemHandler) SetTriggering(w http.ResponseWriter, r *http.Request) {
	subID, ok := uint32Param(w, r, "id")
	if !ok {
		return
	}
	var req triggeringRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	res, err := h.svc.SetTriggering(apimw.GetSession(r.Context()), subID, req.TriggeringItemID, req.LinksToAdd, req.LinksToRemove)
	if err != nil {
		mapError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, res)
}
