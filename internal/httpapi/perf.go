package httpapi

import (
	"net/http"

	"github.com/ent0n29/sesame/internal/observability"
)

// handleStats serves recent model latency percentiles and event counts.
func (s *Server) handleStats(w http.ResponseWriter, _ *http.Request) {
	if s.metrics == nil || s.metrics.Latency == nil {
		respondJSON(w, http.StatusOK, observability.LatencySnapshot{Stages: []observability.LatencyStats{}})
		return
	}
	respondJSON(w, http.StatusOK, s.metrics.Latency.Snapshot())
}
