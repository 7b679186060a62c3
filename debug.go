package edgeproxy

import (
	"encoding/json"
	"net/http"
	"sort"
)

// handleDebugHealth serves the health checker's per-server status as JSON.
func (g *Gateway) handleDebugHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]interface{}{
		"health_check_enabled": g.config.HealthCheck.Enabled,
		"running":              g.health.IsRunning(),
		"servers":              g.health.GetStatus(),
	})
}

// handleDebugCircuits serves a snapshot of every circuit breaker as JSON.
func (g *Gateway) handleDebugCircuits(w http.ResponseWriter, r *http.Request) {
	services := make(map[string][]CircuitSnapshot, len(g.services))
	for name, svc := range g.services {
		snapshots := make([]CircuitSnapshot, 0, len(svc.breakers))
		for _, breaker := range svc.breakers {
			snapshots = append(snapshots, breaker.Snapshot())
		}
		sort.Slice(snapshots, func(i, j int) bool {
			return snapshots[i].ServerID < snapshots[j].ServerID
		})
		services[name] = snapshots
	}

	writeJSON(w, map[string]interface{}{
		"services": services,
	})
}

func writeJSON(w http.ResponseWriter, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(payload); err != nil {
		http.Error(w, `{"error": "failed to encode response"}`, http.StatusInternalServerError)
	}
}
