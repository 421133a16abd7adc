package middleware

import (
	"context"
	"net/http"
	"strings"

	chimw "github.com/go-chi/chi/v5/middleware"
)

type ctxKey int

const (
	RequestIDKey ctxKey = iota
	identityKey
	tokenKey
)

// InstallIDHeader carries the extension's per-install identity.
const InstallIDHeader = "X-Install-Id"

// RequestID propagates chi's request ID to our context key.
// It must be used AFTER chi's RequestID middleware in the chain.
func RequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := chimw.GetReqID(r.Context())
		ctx := context.WithValue(r.Context(), RequestIDKey, requestID)
		w.Header().Set("X-Request-Id", requestID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// GetRequestID retrieves the request ID from context.
func GetRequestID(ctx context.Context) string {
	if id, ok := ctx.Value(RequestIDKey).(string); ok {
		return id
	}
	return ""
}

// Credentials reads the install id and bearer token of the caller into the context.
// Neither is required here; handlers decide what a missing identity means.
func Credentials(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		if id := strings.TrimSpace(r.Header.Get(InstallIDHeader)); id != "" {
			ctx = context.WithValue(ctx, identityKey, id)
		}
		if token := bearerToken(r.Header.Get("Authorization")); token != "" {
			ctx = context.WithValue(ctx, tokenKey, token)
		}
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// GetIdentity returns the caller's install id, or "".
func GetIdentity(ctx context.Context) string {
	id, _ := ctx.Value(identityKey).(string)
	return id
}

// GetToken returns the caller's bearer token, or "".
func GetToken(ctx context.Context) string {
	token, _ := ctx.Value(tokenKey).(string)
	return token
}

func bearerToken(header string) string {
	scheme, token, ok := strings.Cut(strings.TrimSpace(header), " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return ""
	}
	return strings.TrimSpace(token)
}
