package gateway

import (
	"encoding/json"
	"net/http"
)

// statsResponse is the gateway /stats document.
type statsResponse struct {
	Service string `json:"service"`
	BroadcasterStats
	BusDegraded bool `json:"bus_degraded"`
}

// StatsHandler serves the broadcaster counters as JSON.
func (b *Broadcaster) StatsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		resp := statsResponse{
			Service:          "chat_gateway",
			BroadcasterStats: b.Stats(),
			BusDegraded:      b.bus.Degraded(),
		}
		w.Header().Set("Content-Type", "application/json; charset=utf-8")
		if err := json.NewEncoder(w).Encode(resp); err != nil {
			http.Error(w, `{"error":"encode failed"}`, http.StatusInternalServerError)
		}
	}
}
