package handler

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/notifyhub/durable-subscriptions/internal/domain"
)

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, msg string) {
	respondJSON(w, status, map[string]string{"error": msg})
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		respondError(w, http.StatusBadRequest, "invalid JSON body")
		return false
	}
	return true
}

// mapError translates domain sentinel errors to HTTP status codes.
// All mapping lives here so individual handlers stay concise. The body
// carries the protocol status name next to the message.
func mapError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, domain.ErrSubscriptionNotFound),
		errors.Is(err, domain.ErrMonitoredItemNotFound),
		errors.Is(err, domain.ErrNoSubscription),
		errors.Is(err, domain.ErrNodeIDUnknown):
		status = http.StatusNotFound
	case errors.Is(err, domain.ErrMessageNotAvailable),
		errors.Is(err, domain.ErrSequenceNumberUnknown):
		status = http.StatusGone
	case errors.Is(err, domain.ErrTooManyPublishRequests),
		errors.Is(err, domain.ErrTooManySubscriptions),
		errors.Is(err, domain.ErrTooManyMonitoredItems):
		status = http.StatusTooManyRequests
	case errors.Is(err, domain.ErrServerHalted):
		status = http.StatusServiceUnavailable
	case errors.Is(err, domain.ErrTimeout),
		errors.Is(err, domain.ErrPublishOperationExpired):
		status = http.StatusRequestTimeout
	case errors.Is(err, domain.ErrUserAccessDenied):
		status = http.StatusForbidden
	case errors.Is(err, domain.ErrInvalidState),
		errors.Is(err, domain.ErrSubscriptionHasItems),
		errors.Is(err, domain.ErrSessionClosed):
		status = http.StatusConflict
	case errors.Is(err, domain.ErrNothingToDo),
		errors.Is(err, domain.ErrNodeIDInvalid),
		errors.Is(err, domain.ErrMonitoringModeInvalid),
		errors.Is(err, domain.ErrFilterInvalid),
		errors.Is(err, domain.ErrItemKindInvalid),
		errors.Is(err, domain.ErrOutOfRange):
		status = http.StatusUnprocessableEntity
	case errors.Is(err, domain.ErrDurabilityNotSupported):
		status = http.StatusNotImplemented
	}
	if status == http.StatusInternalServerError {
		respondError(w, status, "internal server error")
		return
	}
	respondJSON(w, status, map[string]string{
		"error":  err.Error(),
		"status": domain.StatusOf(err).String(),
	})
}
