package health

import (
	"net/http"

	log "github.com/sirupsen/logrus"
)

const (
	ReadinessPath = "/health"
	LivenessPath  = "/health/live"
)

// HealthCheckHttpHandler responds 204 while its checker is healthy, and 503 with the checker's error otherwise.
type HealthCheckHttpHandler struct {
	checker Checker
}

func NewHealthCheckHttpHandler(checker Checker) *HealthCheckHttpHandler {
	return &HealthCheckHttpHandler{
		checker: checker,
	}
}

func (h *HealthCheckHttpHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	err := h.checker.Check()
	if err == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	log.Debugf("Health check failed: %v", err)
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusServiceUnavailable)
	if _, err := w.Write([]byte(err.Error())); err != nil {
		log.Errorf("Failed to write health check response: %v", err)
	}
}

// SetupHttpMux registers a readiness endpoint backed by checker, and a liveness endpoint that succeeds for as long
// as the process can serve requests.
func SetupHttpMux(mux *http.ServeMux, checker Checker) {
	mux.Handle(ReadinessPath, NewHealthCheckHttpHandler(checker))
	mux.Handle(LivenessPath, NewHealthCheckHttpHandler(CheckerFunc(func() error { return nil })))
}
