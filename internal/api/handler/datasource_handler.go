package handler

import (
	"net/http"

	"go.uber.org/zap"

	"github.com/notifyhub/durable-subscriptions/internal/domain"
	"github.com/notifyhub/durable-subscriptions/internal/service"
)

// DataSourceHandler accepts samples and events from data sources and fans
// them out to the monitored items of the node.
type DataSourceHandler struct {
	svc    *service.SubscriptionService
	logger *zap.Logger
}

func NewDataSourceHandler(svc *service.SubscriptionService, logger *zap.Logger) *DataSourceHandler {
	return &DataSourceHandler{svc: svc, logger: logger}
}

// ReportValue handles POST /api/v1/datasource/values
func (h *DataSourceHandler) ReportValue(w http.ResponseWriter, r *http.Request) {
	var req domain.ReportValueRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	n, err := h.svc.ReportValue(req)
	if err != nil {
		h.logger.Warn("report value failed", zap.String("node_id", req.NodeID), zap.Error(err))
		mapError(w, err)
		return
	}
	respondJSON(w, http.StatusAccepted, map[string]int{"deliveredTo": n})
}

// ReportEvent handles POST /api/v1/datasource/events
func (h *DataSourceHandler) ReportEvent(w http.ResponseWriter, r *http.Request) {
	var req domain.ReportEventRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	n, handle, err := h.svc.ReportEvent(req)
	if err != nil {
		h.logger.Warn("report event failed", zap.String("node_id", req.NodeID), zap.Error(err))
		mapError(w, err)
		return
	}
	respondJSON(w, http.StatusAccepted, map[string]any{"deliveredTo": n, "handle": handle})
}
