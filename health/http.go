package health

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"
)

// NewRouter serves the registry:
//
//	GET /healthz         every check, 503 when any is unhealthy
//	GET /healthz/{name}  one check, 404 when unknown
//	GET /livez           200 while the process runs
func NewRouter(registry *Registry, timeout time.Duration) *mux.Router {
	h := &handler{registry: registry, timeout: timeout}

	r := mux.NewRouter()
	r.Path("/healthz").Methods(http.MethodGet).HandlerFunc(h.overall)
	r.Path("/healthz/{name}").Methods(http.MethodGet).HandlerFunc(h.single)
	r.Path("/livez").Methods(http.MethodGet).HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("alive"))
	})
	return r
}

type handler struct {
	registry *Registry
	timeout  time.Duration
}

func (h *handler) overall(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	result := h.registry.Check(ctx)
	writeJSON(w, statusCode(result.Status), result)
}

func (h *handler) single(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	name := mux.Vars(r)["name"]
	result, ok := h.registry.CheckOne(ctx, name)
	if !ok {
		http.Error(w, "unknown check: "+name, http.StatusNotFound)
		return
	}
	writeJSON(w, statusCode(result.Status), result)
}

// degraded still serves traffic
func statusCode(s Status) int {
	if s == StatusUnhealthy {
		return http.StatusServiceUnavailable
	}
	return http.StatusOK
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)

	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	encoder.Encode(v)
}
