// Package introspect exposes a read-only HTTP view of a running Engine:
// its registered factories, live items, active worker entries, event
// log tail, and health. It is an operator convenience layered on top of
// the public snapshot API — nothing in the Engine core depends on it.
package introspect

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/meshkit/injector"
	"github.com/meshkit/injector/health"
)

// NewRouter builds a chi router serving the introspection endpoints:
//
//	GET /factories  — registered factory ids
//	GET /items      — live items grouped by key
//	GET /active     — active (factory, tuple, worker) entries
//	GET /events     — event log tail (?n= limits, default 100)
//	GET /healthz    — liveness: 200 unless a check is critical
//	GET /readyz     — readiness: 200 only if every check is healthy
func NewRouter(engine *injector.Engine) chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/factories", func(w http.ResponseWriter, req *http.Request) {
		snap, err := engine.Snapshot()
		if err != nil {
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		}
		writeJSON(w, map[string]any{"factories": snap.Factories})
	})

	r.Get("/items", func(w http.ResponseWriter, req *http.Request) {
		snap, err := engine.Snapshot()
		if err != nil {
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		}
		writeJSON(w, map[string]any{"items": snap.Items})
	})

	r.Get("/active", func(w http.ResponseWriter, req *http.Request) {
		snap, err := engine.Snapshot()
		if err != nil {
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		}
		writeJSON(w, map[string]any{"active": snap.Active})
	})

	r.Get("/events", func(w http.ResponseWriter, req *http.Request) {
		n := 100
		if raw := req.URL.Query().Get("n"); raw != "" {
			if parsed, err := strconv.Atoi(raw); err == nil {
				n = parsed
			}
		}
		writeJSON(w, map[string]any{"events": engine.Events(n)})
	})

	r.Get("/healthz", func(w http.ResponseWriter, req *http.Request) {
		agg := engine.Health().CheckAll(req.Context())
		status := http.StatusOK
		if agg.Overall == health.StatusCritical {
			status = http.StatusServiceUnavailable
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(agg)
	})

	r.Get("/readyz", func(w http.ResponseWriter, req *http.Request) {
		agg := engine.Health().CheckAll(req.Context())
		status := http.StatusOK
		if agg.Overall != health.StatusHealthy || len(agg.Results) == 0 {
			status = http.StatusServiceUnavailable
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(agg)
	})

	return r
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}
