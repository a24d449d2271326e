// Package shield holds the HTTP middleware every assessd route runs behind:
// security headers, body limits, request IDs with a per-request logger and
// tenant resolution.
//
// Usage:
//
//	r := chi.NewRouter()
//	for _, mw := range shield.DefaultStack(64<<20, logger) {
//	    r.Use(mw)
//	}
//	r.Use(shield.Tenant) // or auth.Middleware(verifier)
package shield

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/Sendient/ai-detector-sub001/idgen"
)

type contextKey string

// LoggerKey is the context key for the per-request structured logger.
const LoggerKey contextKey = "shield_logger"

// GetLogger retrieves the per-request logger from the context.
// Returns slog.Default() if no logger was set.
func GetLogger(ctx context.Context) *slog.Logger {
	if l, ok := ctx.Value(LoggerKey).(*slog.Logger); ok {
		return l
	}
	return slog.Default()
}

// DefaultStack returns the standard middleware for the API, without the
// tenant resolver. Order: SecurityHeaders → MaxBody → RequestID.
func DefaultStack(maxBody int64, logger *slog.Logger) []func(http.Handler) http.Handler {
	return []func(http.Handler) http.Handler{
		SecurityHeaders(DefaultHeaders()),
		MaxBody(maxBody),
		RequestID(idgen.Prefixed("req_", idgen.Default), logger),
	}
}
