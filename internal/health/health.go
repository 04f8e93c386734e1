// Package health serves the admin server's probes. /healthz answers 200
// whenever the process can serve HTTP at all; /readyz runs the registered
// checks (realtime session, memory store, capture loop) and answers 503 if
// any of them fails. Bodies are JSON: a top-level "status" of "ok" or "fail"
// plus a per-check "checks" map.
package health

import (
	"context"
	"encoding/json"
	"net/http"
	"time"
)

// probeTimeout bounds each individual readiness check.
const probeTimeout = 5 * time.Second

// Checker probes one dependency. Check returns nil when the dependency is
// usable; the error text is surfaced verbatim in the /readyz body under Name.
type Checker struct {
	Name  string
	Check func(ctx context.Context) error
}

// report is the wire shape of both probe responses.
type report struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks,omitempty"`
}

// Handler evaluates a fixed set of checkers. Safe for concurrent use.
type Handler struct {
	checkers []Checker
}

// New creates a Handler over the given checkers. /readyz evaluates them
// sequentially in this order.
func New(checkers ...Checker) *Handler {
	return &Handler{checkers: append([]Checker(nil), checkers...)}
}

// Healthz reports process liveness. It never fails: if this handler runs at
// all, the process is alive.
func (h *Handler) Healthz(w http.ResponseWriter, _ *http.Request) {
	respond(w, http.StatusOK, report{Status: "ok"})
}

// Readyz runs every checker, each under its own probeTimeout derived from
// the request context, and reports 503 when the aggregate contains a failure.
func (h *Handler) Readyz(w http.ResponseWriter, r *http.Request) {
	rep := report{Status: "ok", Checks: make(map[string]string, len(h.checkers))}
	code := http.StatusOK

	for _, c := range h.checkers {
		ctx, cancel := context.WithTimeout(r.Context(), probeTimeout)
		err := c.Check(ctx)
		cancel()
		if err != nil {
			rep.Checks[c.Name] = "fail: " + err.Error()
			rep.Status = "fail"
			code = http.StatusServiceUnavailable
			continue
		}
		rep.Checks[c.Name] = "ok"
	}

	respond(w, code, rep)
}

// Register mounts both probes on mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", h.Healthz)
	mux.HandleFunc("GET /readyz", h.Readyz)
}

func respond(w http.ResponseWriter, status int, rep report) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(rep); err != nil {
		http.Error(w, `{"status":"error"}`, http.StatusInternalServerError)
	}
}
