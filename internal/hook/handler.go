// Package hook exposes the decision engine to an MTA over HTTP. The host
// calls it on every RCPT TO and when it needs an outbound route.
package hook

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"rcptprobe/internal/engine"
	"rcptprobe/internal/requestcontext"
)

// maxBodyBytes bounds a rcpt request body.
const maxBodyBytes = 16 << 10

// Evaluator is the decision engine as seen by the hook.
type Evaluator interface {
	EvaluateRecipient(ctx context.Context, txn engine.Transaction, recipient string) engine.Decision
	ResolveOutbound(domain string) (string, bool)
}

// RouteCounter reports the size of the routes table.
type RouteCounter interface {
	Count() int
}

// CacheProbe reports whether the verification cache is usable.
type CacheProbe interface {
	Available(ctx context.Context) bool
}

// Handler wires hook endpoints to the engine.
type Handler struct {
	engine Evaluator
	routes RouteCounter
	cache  CacheProbe
	logger *slog.Logger
}

// New constructs a hook handler with its dependencies.
func New(engine Evaluator, routes RouteCounter, cache CacheProbe, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		engine: engine,
		routes: routes,
		cache:  cache,
		logger: logger,
	}
}

// Register mounts hook endpoints on the router.
func (h *Handler) Register(r chi.Router) {
	r.Post("/v1/rcpt", h.HandleRcpt)
	r.Get("/v1/mx/{domain}", h.HandleRoute)
	r.Get("/healthz", h.HandleHealth)
}

// HandleRcpt handles POST /v1/rcpt requests.
func (h *Handler) HandleRcpt(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	id := uuid.NewString()
	ctx := requestcontext.WithEvaluationID(r.Context(), id)

	var req RcptRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		h.logger.DebugContext(ctx, "invalid rcpt request", "evaluation_id", id, "error", err)
		writeError(w, http.StatusBadRequest, "bad_request", "invalid JSON body")
		return
	}
	if msg := req.validate(); msg != "" {
		writeError(w, http.StatusBadRequest, "bad_request", msg)
		return
	}

	// An untyped nil tells the engine there is no transaction.
	var txn engine.Transaction
	var recorded *transaction
	if req.hasTransaction() {
		recorded = newTransaction(req.sender())
		txn = recorded
	}

	d := h.engine.EvaluateRecipient(ctx, txn, req.Recipient)

	resp := RcptResponse{
		ID:      id,
		Code:    int(d.Code),
		Action:  d.Code.String(),
		Message: d.Message,
		Source:  string(d.Source),
		Reason:  d.Reason,
	}
	if recorded != nil {
		resp.Results, resp.Notes, resp.Relaying = recorded.snapshot()
	}

	h.logger.InfoContext(ctx, "recipient evaluated",
		"evaluation_id", id,
		"recipient", req.Recipient,
		"sender", req.sender(),
		"action", resp.Action,
		"source", resp.Source,
		"reason", resp.Reason,
		"duration_ms", time.Since(start).Milliseconds(),
	)
	writeJSON(w, http.StatusOK, resp)
}

// HandleRoute handles GET /v1/mx/{domain}. No content means the engine has
// no opinion and the host should use its default routing.
func (h *Handler) HandleRoute(w http.ResponseWriter, r *http.Request) {
	route, ok := h.engine.ResolveOutbound(chi.URLParam(r, "domain"))
	if !ok {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	writeJSON(w, http.StatusOK, RouteResponse{Route: route})
}

// HandleHealth handles GET /healthz. An empty routes table is unhealthy
// because every recipient would be denied.
func (h *Handler) HandleHealth(w http.ResponseWriter, r *http.Request) {
	resp := HealthResponse{
		Status: "ok",
		Routes: h.routes.Count(),
		Cache:  h.cache.Available(r.Context()),
	}
	status := http.StatusOK
	if resp.Routes == 0 {
		resp.Status = "no_routes"
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, resp)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, description string) {
	writeJSON(w, status, errorResponse{Error: code, ErrorDescription: description})
}
