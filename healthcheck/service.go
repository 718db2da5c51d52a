package healthcheck

import (
	"encoding/json"
	"net/http"

	"github.com/priorauth/gateway/breaker"
)

func New(breakers ...*breaker.CircuitBreaker) *Service {
	return &Service{breakers: breakers}
}

// Service reports liveness plus the state of the outbound circuit breakers,
// so a probe can tell "up" apart from "up but failing fast".
type Service struct {
	breakers []*breaker.CircuitBreaker
}

func (s Service) RegisterHandlers(mux *http.ServeMux) {
	mux.HandleFunc("GET /health", s.handleHealthCheck)
}

func (s Service) handleHealthCheck(writer http.ResponseWriter, _ *http.Request) {
	circuits := make(map[string]string, len(s.breakers))
	for _, cb := range s.breakers {
		circuits[cb.Name()] = cb.State().String()
	}
	writer.Header().Set("Content-Type", "application/json")
	json.NewEncoder(writer).Encode(map[string]any{
		"status":   "up",
		"circuits": circuits,
	})
}
