package shield

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/Sendient/ai-detector-sub001/idgen"
	"github.com/Sendient/ai-detector-sub001/kit"
)

// TenantHeader carries the tenant identity set by the authenticating proxy
// in front of the service. Only trust it when that proxy strips it from
// client requests.
const TenantHeader = "X-Tenant-ID"

// RequestID tags each request with an ID from gen, echoes it in
// X-Request-ID and stores a logger carrying it under LoggerKey.
func RequestID(gen idgen.Generator, logger *slog.Logger) func(http.Handler) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id := gen()
			ctx := kit.WithRequestID(r.Context(), id)
			ctx = kit.WithTransport(ctx, "http")
			w.Header().Set("X-Request-ID", id)

			l := logger.With(
				"request_id", id,
				"method", r.Method,
				"path", r.URL.Path,
			)
			ctx = context.WithValue(ctx, LoggerKey, l)
			l.Debug("request")

			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// Tenant copies the tenant header into the context. It does not reject
// anonymous requests; routes that need a tenant use RequireTenant.
func Tenant(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if t := r.Header.Get(TenantHeader); t != "" {
			r = r.WithContext(kit.WithTenantID(r.Context(), t))
		}
		next.ServeHTTP(w, r)
	})
}

// RequireTenant answers 401 when the request carries no tenant.
func RequireTenant(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if kit.GetTenantID(r.Context()) == "" {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusUnauthorized)
			w.Write([]byte(`{"error":"missing ` + TenantHeader + ` header"}`))
			return
		}
		next.ServeHTTP(w, r)
	})
}
