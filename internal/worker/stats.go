package worker

import (
	"encoding/json"
	"net/http"

	"github.com/itsDarianNgo/Chatter/pkg/memory"
)

// statsResponse is the worker /stats document.
type statsResponse struct {
	Service         string   `json:"service"`
	RoomID          string   `json:"room_id"`
	EnabledPersonas []string `json:"enabled_personas"`

	MessagesConsumed   int64 `json:"messages_consumed"`
	MessagesPublished  int64 `json:"messages_published"`
	MessagesInvalid    int64 `json:"messages_invalid"`
	PublishFailures    int64 `json:"publish_failures"`
	GenerationFailures int64 `json:"generation_failures"`
	SafetyDropped      int64 `json:"safety_dropped"`

	DecisionsByReason   map[string]int64  `json:"decisions_by_reason"`
	LastDecisionReasons map[string]string `json:"last_decision_reasons"`
	RecentDecisions     []DecisionRecord  `json:"recent_decisions"`

	ObservationsReceived   int64 `json:"observations_received"`
	ObservationsValid      int64 `json:"observations_valid"`
	ObservationsInvalid    int64 `json:"observations_invalid"`
	ObservationsDroppedOld int64 `json:"observations_dropped_old"`

	AutoObsSeen             int64 `json:"auto_obs_seen"`
	AutoMessagesPublished   int64 `json:"auto_messages_published"`
	AutoSuppressedBusy      int64 `json:"auto_suppressed_busy"`
	AutoSuppressedDuplicate int64 `json:"auto_suppressed_duplicate"`
	AutoSuppressedInterest  int64 `json:"auto_suppressed_interest"`
	AutoSuppressedCooldown  int64 `json:"auto_suppressed_cooldown"`
	AutoSuppressedBudget    int64 `json:"auto_suppressed_budget"`
	AutoRejectedLeak        int64 `json:"auto_rejected_leak"`

	ReflectionsRun int64 `json:"reflections_run"`

	memory.Stats
	BusDegraded    bool `json:"bus_degraded"`
	MemoryDegraded bool `json:"memory_degraded"`
}

// Stats snapshots every worker counter.
func (w *Worker) Stats() statsResponse {
	w.mu.Lock()
	decisions := make(map[string]int64, len(w.decisions))
	for k, v := range w.decisions {
		decisions[k] = v
	}
	recent := make([]DecisionRecord, len(w.recent))
	copy(recent, w.recent)
	w.mu.Unlock()

	lastReasons := make(map[string]string, len(w.ids))
	for _, id := range w.ids {
		if r := w.states[id].reason(); r != "" {
			lastReasons[id] = string(r)
		}
	}

	return statsResponse{
		Service:         "persona_worker",
		RoomID:          w.room.RoomID,
		EnabledPersonas: w.EnabledPersonas(),

		MessagesConsumed:   w.consumed.Load(),
		MessagesPublished:  w.published.Load(),
		MessagesInvalid:    w.invalid.Load(),
		PublishFailures:    w.publishFailed.Load(),
		GenerationFailures: w.genFailed.Load(),
		SafetyDropped:      w.safetyDropped.Load(),

		DecisionsByReason:   decisions,
		LastDecisionReasons: lastReasons,
		RecentDecisions:     recent,

		ObservationsReceived:   w.obsReceived.Load(),
		ObservationsValid:      w.obsValid.Load(),
		ObservationsInvalid:    w.obsInvalid.Load(),
		ObservationsDroppedOld: w.obsDroppedOld.Load(),

		AutoObsSeen:             w.autoObsSeen.Load(),
		AutoMessagesPublished:   w.autoPublished.Load(),
		AutoSuppressedBusy:      w.autoSuppressedBusy.Load(),
		AutoSuppressedDuplicate: w.autoSuppressedDup.Load(),
		AutoSuppressedInterest:  w.autoSuppressedLow.Load(),
		AutoSuppressedCooldown:  w.autoSuppressedCool.Load(),
		AutoSuppressedBudget:    w.autoSuppressedBudget.Load(),
		AutoRejectedLeak:        w.autoRejectedLeak.Load(),

		ReflectionsRun: w.reflections.Load(),

		Stats:          w.mem.Snapshot(),
		BusDegraded:    w.bus.Degraded(),
		MemoryDegraded: w.mem.Degraded(),
	}
}

// StatsHandler serves the worker counters as JSON.
func (w *Worker) StatsHandler() http.HandlerFunc {
	return func(rw http.ResponseWriter, _ *http.Request) {
		rw.Header().Set("Content-Type", "application/json; charset=utf-8")
		if err := json.NewEncoder(rw).Encode(w.Stats()); err != nil {
			http.Error(rw, `{"error":"encode failed"}`, http.StatusInternalServerError)
		}
	}
}
