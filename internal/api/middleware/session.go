package middleware

import (
	"context"
	"net/http"

	"github.com/notifyhub/durable-subscriptions/internal/domain"
)

type contextKey string

const sessionKey contextKey = "session"

// Session reads the X-Session-ID and X-User-ID headers and stores the
// session on the request context. Requests without a session id are
// rejected with 401.
func Session(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Session-ID")
		if id == "" {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = w.Write([]byte(`{"error":"X-Session-ID header is required"}` + "\n"))
			return
		}
		session := domain.Session{ID: id, UserID: r.Header.Get("X-User-ID")}
		ctx := context.WithValue(r.Context(), sessionKey, session)
		w.Header().Set("X-Session-ID", id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// GetSession retrieves the session stored by the middleware.
// Returns the zero session if the middleware was not applied.
func GetSession(ctx context.Context) domain.Session {
	s, _ := ctx.Value(sessionKey).(domain.Session)
	return s
}
