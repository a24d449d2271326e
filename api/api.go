// Package api is the HTTP surface of assessd. Tenant identity comes either
// from a signed assertion in the Authorization header (WithAuth) or from the
// X-Tenant-ID header set by a trusted proxy.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/Sendient/ai-detector-sub001/auth"
	"github.com/Sendient/ai-detector-sub001/kit"
	"github.com/Sendient/ai-detector-sub001/pipeline"
	"github.com/Sendient/ai-detector-sub001/records"
	"github.com/Sendient/ai-detector-sub001/shield"
)

// Check is one dependency probed by /v1/health.
type Check func(ctx context.Context) error

// Handler serves the API.
type Handler struct {
	svc      *pipeline.Service
	verifier *auth.Verifier
	logger   *slog.Logger
	maxBody  int64
	checks   map[string]Check
	gauges   map[string]func(context.Context) (int, error)
	version  string
	mcpMu    sync.Mutex
	mcpByTen map[string]*mcp.Server
}

// Option configures a Handler.
type Option func(*Handler)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option { return func(h *Handler) { h.logger = l } }

// WithAuth requires tenant assertions verified by v; the X-Tenant-ID header
// is then ignored.
func WithAuth(v *auth.Verifier) Option { return func(h *Handler) { h.verifier = v } }

// WithMaxBody caps request bodies. Default: 256 MB.
func WithMaxBody(n int64) Option { return func(h *Handler) { h.maxBody = n } }

// WithCheck adds a dependency probe to /v1/health. A failing probe turns the
// status to degraded and the response code to 503.
func WithCheck(name string, c Check) Option { return func(h *Handler) { h.checks[name] = c } }

// WithGauge adds a reported counter to /v1/health.
func WithGauge(name string, g func(context.Context) (int, error)) Option {
	return func(h *Handler) { h.gauges[name] = g }
}

// WithVersion sets the version reported by /v1/health and the MCP servers.
func WithVersion(v string) Option { return func(h *Handler) { h.version = v } }

// New builds the handler over svc.
func New(svc *pipeline.Service, opts ...Option) *Handler {
	h := &Handler{
		svc:      svc,
		logger:   slog.Default(),
		maxBody:  256 << 20,
		checks:   make(map[string]Check),
		gauges:   make(map[string]func(context.Context) (int, error)),
		version:  "dev",
		mcpByTen: make(map[string]*mcp.Server),
	}
	for _, o := range opts {
		o(h)
	}
	return h
}

// Routes returns the router.
func (h *Handler) Routes() http.Handler {
	r := chi.NewRouter()
	for _, mw := range shield.DefaultStack(h.maxBody, h.logger) {
		r.Use(mw)
	}
	if h.verifier != nil {
		r.Use(auth.Middleware(h.verifier))
	} else {
		r.Use(shield.Tenant)
	}

	r.Get("/v1/health", h.health)

	r.Group(func(r chi.Router) {
		r.Use(shield.RequireTenant)

		r.Post("/v1/documents", h.submitDocument)
		r.Get("/v1/documents/{id}", h.getDocument)
		r.Post("/v1/documents/{id}/cancel", h.cancelDocument)
		r.Post("/v1/batches", h.createBatch)
		r.Get("/v1/batches/{id}", h.getBatch)
		r.Get("/v1/batches/{id}/report.xlsx", h.batchReport)
		r.Get("/v1/usage", h.usage)

		r.Handle("/mcp", mcp.NewStreamableHTTPHandler(h.mcpServer, &mcp.StreamableHTTPOptions{Stateless: true}))
	})
	return r
}

// mcpServer returns the server bound to the request's tenant, creating it on
// first use. Each tenant gets its own server so tool calls can never be
// steered to another tenant through the tenant_id argument.
func (h *Handler) mcpServer(r *http.Request) *mcp.Server {
	tenant := kit.GetTenantID(r.Context())
	h.mcpMu.Lock()
	defer h.mcpMu.Unlock()
	if srv, ok := h.mcpByTen[tenant]; ok {
		return srv
	}
	srv := mcp.NewServer(&mcp.Implementation{Name: "assessd", Version: h.version}, nil)
	h.svc.RegisterMCP(srv, tenant)
	h.mcpByTen[tenant] = srv
	return srv
}

func (h *Handler) health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	resp := map[string]any{"status": "ok", "version": h.version}
	code := http.StatusOK
	for name, c := range h.checks {
		if err := c(ctx); err != nil {
			resp[name] = err.Error()
			resp["status"] = "degraded"
			code = http.StatusServiceUnavailable
			continue
		}
		resp[name] = "ok"
	}
	for name, g := range h.gauges {
		if n, err := g(ctx); err == nil {
			resp[name] = n
		}
	}
	writeJSON(w, code, resp)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

// writeError maps service errors to status codes. Unknown errors are logged
// and answered with a generic 500.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	var maxErr *http.MaxBytesError
	code := http.StatusInternalServerError
	switch {
	case errors.Is(err, records.ErrNotFound):
		code = http.StatusNotFound
	case errors.Is(err, records.ErrInvalidTransition):
		code = http.StatusConflict
	case errors.Is(err, records.ErrEmptyBatch),
		errors.Is(err, pipeline.ErrInvalidFile),
		errors.Is(err, pipeline.ErrInvalidTenant):
		code = http.StatusBadRequest
	case errors.As(err, &maxErr):
		code = http.StatusRequestEntityTooLarge
	case errors.Is(err, kit.ErrNoTenant):
		code = http.StatusUnauthorized
	case errors.Is(err, pipeline.ErrStorage):
		code = http.StatusServiceUnavailable
	}
	if code >= 500 {
		shield.GetLogger(r.Context()).Error("api: request failed", "error", err)
		writeJSON(w, code, map[string]string{"error": http.StatusText(code)})
		return
	}
	writeJSON(w, code, map[string]string{"error": err.Error()})
}
