package middleware

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"strings"

	"github.com/storefront/storefront-go/internal/auth"
	"github.com/storefront/storefront-go/internal/metrics"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// TokenVerifier resolves a bearer token to an identity.
type TokenVerifier interface {
	Verify(token string) (auth.Identity, error)
}

// RequireAuth rejects requests without a valid identity token with 401 and
// stores the identity in the request context otherwise.
func RequireAuth(verifier TokenVerifier, m *metrics.AppMetrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token := bearerToken(r.Header.Get("Authorization"))
			if token == "" {
				unauthorized(w, "authentication credentials were not provided")
				return
			}
			id, err := verifier.Verify(token)
			if err != nil {
				log.Printf("[AUTH] Rejected token: %s %s", r.Method, r.URL.Path)
				unauthorized(w, "invalid token")
				return
			}

			ctx := r.Context()
			m.ActiveUsersCount.Record(ctx, 1, metric.WithAttributes(m.WithServiceName([]attribute.KeyValue{
				attribute.String("session_type", "authenticated"),
				attribute.Int64("user_id", id.UserID),
			})...))

			next.ServeHTTP(w, r.WithContext(WithIdentity(ctx, id)))
		})
	}
}

// WithIdentity returns a copy of ctx carrying id.
func WithIdentity(ctx context.Context, id auth.Identity) context.Context {
	return context.WithValue(ctx, identityKey, id)
}

// IdentityFrom returns the identity stored by RequireAuth.
func IdentityFrom(ctx context.Context) (auth.Identity, bool) {
	id, ok := ctx.Value(identityKey).(auth.Identity)
	return id, ok
}

// bearerToken accepts both "Bearer <jwt>" and "Token <jwt>".
func bearerToken(header string) string {
	scheme, token, ok := strings.Cut(strings.TrimSpace(header), " ")
	if !ok {
		return ""
	}
	if !strings.EqualFold(scheme, "Bearer") && !strings.EqualFold(scheme, "Token") {
		return ""
	}
	return strings.TrimSpace(token)
}

func unauthorized(w http.ResponseWriter, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("WWW-Authenticate", `Bearer realm="api"`)
	w.WriteHeader(http.StatusUnauthorized)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
