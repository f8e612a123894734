package server

import (
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/tributary-ai/llm-gateway/internal/types"
)

// handleListProviders reports capabilities and health for every
// registered provider.
func (s *Server) handleListProviders(w http.ResponseWriter, r *http.Request) {
	health := s.router.Health().All()

	list := make([]map[string]interface{}, 0)
	for _, p := range s.registry.All() {
		entry := map[string]interface{}{
			"name":         p.Name(),
			"capabilities": p.Capabilities(),
		}
		if h, ok := health[p.Name()]; ok {
			entry["health"] = h
		}
		list = append(list, entry)
	}

	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"providers": list,
		"count":     len(list),
	})
}

func (s *Server) handleProviderHealth(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	status := s.router.Health().Status(name)
	if status == nil {
		s.writeError(w, r, &types.NotFoundError{Resource: "provider", ID: name})
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"provider":  name,
		"status":    status,
		"timestamp": time.Now().Unix(),
	})
}

// handleHealth aggregates provider health into one gateway status.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	health := s.router.Health().All()

	overallHealthy := true
	for _, status := range health {
		if status.Status == "unhealthy" {
			overallHealthy = false
			break
		}
	}

	statusCode := http.StatusOK
	statusText := "healthy"
	if !overallHealthy {
		statusCode = http.StatusServiceUnavailable
		statusText = "degraded"
	}

	s.writeJSON(w, statusCode, map[string]interface{}{
		"status":    statusText,
		"providers": health,
		"timestamp": time.Now().Unix(),
	})
}

func (s *Server) handleLiveness(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":    "alive",
		"timestamp": time.Now().Unix(),
	})
}

// handleReadiness checks the budget store so the gateway only takes
// traffic once its ledger is reachable.
func (s *Server) handleReadiness(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Ping(r.Context()); err != nil {
		s.writeJSON(w, http.StatusServiceUnavailable, map[string]interface{}{
			"status":    "not ready",
			"error":     err.Error(),
			"timestamp": time.Now().Unix(),
		})
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":    "ready",
		"timestamp": time.Now().Unix(),
	})
}
