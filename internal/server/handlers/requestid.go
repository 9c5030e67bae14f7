package handlers

import (
	"context"
	"net/http"
)

type contextKey string

const requestIDKey contextKey = "requestID"

// WithRequestID stores the request id for handlers and loggers.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey, id)
}

// RequestID returns the id stored by WithRequestID, or "".
func RequestID(r *http.Request) string {
	if id, ok := r.Context().Value(requestIDKey).(string); ok {
		return id
	}
	return ""
}
