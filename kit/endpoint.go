package kit

import (
	"context"
	"errors"
	"log/slog"
	"time"
)

// Endpoint is one operation, independent of the transport that invokes it.
type Endpoint func(ctx context.Context, req any) (any, error)

// Middleware decorates an Endpoint.
type Middleware func(Endpoint) Endpoint

// Chain composes middlewares; the first one is outermost.
func Chain(mws ...Middleware) Middleware {
	return func(next Endpoint) Endpoint {
		for i := len(mws) - 1; i >= 0; i-- {
			next = mws[i](next)
		}
		return next
	}
}

// ErrNoTenant is returned by RequireTenant when the context carries no tenant.
var ErrNoTenant = errors.New("kit: no tenant in context")

// RequireTenant rejects calls whose context has no tenant.
func RequireTenant() Middleware {
	return func(next Endpoint) Endpoint {
		return func(ctx context.Context, req any) (any, error) {
			if GetTenantID(ctx) == "" {
				return nil, ErrNoTenant
			}
			return next(ctx, req)
		}
	}
}

// Logging logs each call with its duration under name.
func Logging(log *slog.Logger, name string) Middleware {
	return func(next Endpoint) Endpoint {
		return func(ctx context.Context, req any) (any, error) {
			start := time.Now()
			resp, err := next(ctx, req)
			attrs := []any{
				"endpoint", name,
				"transport", GetTransport(ctx),
				"tenant", GetTenantID(ctx),
				"duration", time.Since(start),
			}
			if err != nil {
				log.Warn("kit: endpoint failed", append(attrs, "error", err)...)
			} else {
				log.Debug("kit: endpoint", attrs...)
			}
			return resp, err
		}
	}
}
