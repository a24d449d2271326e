package auth

import (
	"context"
	"net/http"
	"strings"

	"github.com/Sendient/ai-detector-sub001/kit"
)

type claimsKey struct{}

// Middleware takes the tenant from the Authorization Bearer assertion. A
// request without a token passes through with no tenant; an invalid token is
// answered with 401. Any tenant already in the context is replaced, so an
// X-Tenant-ID header cannot override the signed claim.
func Middleware(v *Verifier) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := kit.WithTenantID(r.Context(), "")
			tokenStr, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
			if !ok || tokenStr == "" {
				next.ServeHTTP(w, r.WithContext(ctx))
				return
			}
			claims, err := v.Verify(tokenStr)
			if err != nil {
				w.Header().Set("Content-Type", "application/json")
				w.Header().Set("WWW-Authenticate", `Bearer error="invalid_token"`)
				w.WriteHeader(http.StatusUnauthorized)
				w.Write([]byte(`{"error":"invalid tenant assertion"}`))
				return
			}
			ctx = context.WithValue(ctx, claimsKey{}, claims)
			ctx = kit.WithTenantID(ctx, claims.TenantID)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// GetClaims retrieves the verified claims from the context, or nil.
func GetClaims(ctx context.Context) *Claims {
	c, _ := ctx.Value(claimsKey{}).(*Claims)
	return c
}
