package handler

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	chimw "github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	apimw "github.com/notifyhub/durable-subscriptions/internal/api/middleware"
	"github.com/notifyhub/durable-subscriptions/internal/domain"
	"github.com/notifyhub/durable-subscriptions/internal/service"
)

// PublishHandler serves the long-poll publish endpoint.
type PublishHandler struct {
	svc    *service.SubscriptionService
	logger *zap.Logger
}

func NewPublishHandler(svc *service.SubscriptionService, logger *zap.Logger) *PublishHandler {
	return &PublishHandler{svc: svc, logger: logger}
}

// Publish handles POST /api/v1/publish. An empty body publishes without
// acknowledgements. The call blocks until a subscription of the session has
// a notification message or keep-alive, or the publish timeout elapses.
func (h *PublishHandler) Publish(w http.ResponseWriter, r *http.Request) {
	var req domain.PublishRequest
	if err := decodeOptional(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	session := apimw.GetSession(r.Context())
	resp, err := h.svc.Publish(r.Context(), session, req)
	if err != nil {
		h.logger.Debug("publish finished without a message",
			zap.String("request_id", chimw.GetReqID(r.Context())),
			zap.String("session_id", session.ID),
			zap.Error(err),
		)
		mapError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, resp)
}

func decodeOptional(r *http.Request, v any) error {
	if r.Body == nil {
		return nil
	}
	err := json.NewDecoder(r.Body).Decode(v)
	if errors.Is(err, io.EOF) {
		return nil
	}
	return err
}
