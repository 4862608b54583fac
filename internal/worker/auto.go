package worker

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/itsDarianNgo/Chatter/internal/generator"
	"github.com/itsDarianNgo/Chatter/internal/textutil"
	"github.com/itsDarianNgo/Chatter/internal/window"
	"github.com/itsDarianNgo/Chatter/pkg/bus"
	"github.com/itsDarianNgo/Chatter/pkg/schema"
)

// Auto-commentary defaults.
const (
	DefaultAutoCooldownS     = 20
	DefaultAutoMinInterest   = 0.55
	DefaultAutoMaxChatRate   = 3.0
	DefaultAutoMaxPerObs     = 1
	defaultAutoWeightHype    = 0.6
	defaultAutoWeightEntity  = 0.25
	defaultAutoWeightTag     = 0.15
)

// interestTags are observation tags that boost the interest score.
var interestTags = []string{"hype", "clutch", "victory", "rare_event", "fail"}

// AutoConfig tunes the auto-commentary gate. The zero value disables the
// loop; load one from YAML with [LoadAutoConfig] or fill it by hand.
type AutoConfig struct {
	Enabled bool `yaml:"enabled"`

	// CooldownS is the per-persona gap between auto posts.
	CooldownS int `yaml:"cooldown_s"`

	// MinInterest is the interest score an observation must reach.
	MinInterest float64 `yaml:"min_interest"`

	// MaxChatRate suppresses commentary while chat is already moving faster
	// than this, in messages per second over the trailing 10s.
	MaxChatRate float64 `yaml:"max_chat_rate"`

	// MaxPerObservation caps how many personas may comment on one
	// observation.
	MaxPerObservation int `yaml:"max_per_observation"`

	WeightHype   float64 `yaml:"weight_hype"`
	WeightEntity float64 `yaml:"weight_entity"`
	WeightTag    float64 `yaml:"weight_tag"`
}

func (c *AutoConfig) applyDefaults() {
	if c.CooldownS <= 0 {
		c.CooldownS = DefaultAutoCooldownS
	}
	if c.MinInterest <= 0 {
		c.MinInterest = DefaultAutoMinInterest
	}
	if c.MaxChatRate <= 0 {
		c.MaxChatRate = DefaultAutoMaxChatRate
	}
	if c.MaxPerObservation <= 0 {
		c.MaxPerObservation = DefaultAutoMaxPerObs
	}
	if c.WeightHype <= 0 {
		c.WeightHype = defaultAutoWeightHype
	}
	if c.WeightEntity <= 0 {
		c.WeightEntity = defaultAutoWeightEntity
	}
	if c.WeightTag <= 0 {
		c.WeightTag = defaultAutoWeightTag
	}
}

// Cooldown returns the per-persona auto cooldown as a duration.
func (c *AutoConfig) Cooldown() time.Duration {
	return time.Duration(c.CooldownS) * time.Second
}

// LoadAutoConfig reads an auto-commentary YAML config, applying defaults
// for zero fields.
func LoadAutoConfig(path string) (AutoConfig, error) {
	var cfg AutoConfig
	raw, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("worker: read auto config: %w", err)
	}
	dec := yaml.NewDecoder(strings.NewReader(string(raw)))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return cfg, fmt.Errorf("worker: parse auto config %s: %w", path, err)
	}
	cfg.applyDefaults()
	return cfg, nil
}

// runObservations consumes the observations stream: every valid record
// lands in the observation buffer, then the auto-commentary gate runs.
func (w *Worker) runObservations(ctx context.Context) error {
	var backoff bus.Backoff
	for {
		entries, err := w.bus.GroupRead(ctx, w.observations, w.group, w.consumer+"-obs", DefaultReadBatch, DefaultReadBlock)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			w.log.Warn("observations read failed", "error", err)
			if err := backoff.Sleep(ctx); err != nil {
				return err
			}
			continue
		}
		backoff.Reset()
		if len(entries) > 0 {
			w.sleepJitter(ctx)
		}

		for _, entry := range entries {
			w.handleObservation(ctx, entry)
			if err := w.bus.Ack(ctx, w.observations, w.group, entry.ID); err != nil {
				w.log.Warn("observations ack failed", "entry_id", entry.ID, "error", err)
			}
		}
	}
}

// handleObservation validates one observation, buffers it, and runs the
// auto gate when the loop is enabled.
func (w *Worker) handleObservation(ctx context.Context, entry bus.Entry) {
	w.obsReceived.Add(1)

	obs, err := w.validator.ValidateObservation(entry.Data)
	if err != nil {
		w.obsInvalid.Add(1)
		w.log.Debug("invalid observation record", "entry_id", entry.ID, "error", err)
		return
	}
	if obs.RoomID != w.room.RoomID {
		return
	}
	w.obsValid.Add(1)
	if w.metrics != nil {
		w.metrics.RecordObservation(ctx, observationKind(obs))
	}

	if t := obs.Time(); !t.IsZero() && w.now().Sub(t) > window.DefaultObservationTTL {
		w.obsDroppedOld.Add(1)
		return
	}
	w.obs.Add(*obs)
	w.autoObsSeen.Add(1)

	if w.auto.Enabled && w.room.AutoCommentary {
		w.autoCommentary(ctx, obs)
	}
}

// autoCommentary decides whether and through whom to comment on obs. Gates
// run in order: room momentum, summary dedupe, interest score, persona
// availability.
func (w *Worker) autoCommentary(ctx context.Context, obs *schema.StreamObservation) {
	if w.chat.RatePerSec(w.room.RoomID, 10*time.Second) > w.auto.MaxChatRate {
		w.autoSuppressedBusy.Add(1)
		return
	}
	if !w.admitSummary(obs.Summary) {
		w.autoSuppressedDup.Add(1)
		return
	}
	if w.interestScore(obs) < w.auto.MinInterest {
		w.autoSuppressedLow.Add(1)
		return
	}

	now := w.now()
	posted := 0
	suppressed := false
	for _, id := range w.pickPersonas(obs, now) {
		if posted >= w.auto.MaxPerObservation {
			break
		}
		st := w.states[id]
		cfg, lastPost, postsInWindow := st.snapshot(now, w.room.BudgetWindow())
		// the room cooldown and budget bind every post path, reactive or
		// auto; lastPost and the window count include reactive posts
		if !lastPost.IsZero() && now.Sub(lastPost) < w.room.Cooldown() {
			w.autoSuppressedCool.Add(1)
			suppressed = true
			continue
		}
		if postsInWindow >= w.room.BudgetN {
			w.autoSuppressedBudget.Add(1)
			suppressed = true
			continue
		}
		w.post(ctx, st, &generator.Request{
			Persona:     cfg,
			Room:        w.room,
			Observation: obs,
			RecentChat:  w.recentLines(),
			MemoryHits:  w.memoryHits(ctx, id, obs.Summary),
			Purpose:     generator.PurposeAuto,
		}, producerAuto, obs.ID)
		posted++
		w.setLastAutoPoster(id)
	}
	if posted == 0 && !suppressed {
		w.autoSuppressedCool.Add(1)
	}
}

// interestScore folds hype level, entity count, and tag signals into one
// weighted score in [0, 1].
func (w *Worker) interestScore(obs *schema.StreamObservation) float64 {
	hype := obs.HypeLevel
	if hype < 0 {
		hype = 0
	}
	if hype > 1 {
		hype = 1
	}

	entities := float64(len(obs.Entities)) / 3
	if entities > 1 {
		entities = 1
	}

	tag := 0.0
	for _, t := range obs.Tags {
		for _, hot := range interestTags {
			if strings.EqualFold(t, hot) {
				tag = 1
				break
			}
		}
	}

	return w.auto.WeightHype*hype + w.auto.WeightEntity*entities + w.auto.WeightTag*tag
}

// pickPersonas ranks the personas eligible to comment on obs, best first.
// Ranking is deterministic per (observation, persona): a hash spreads picks
// across the fleet, an entity mention boosts the named persona, and the
// previous auto poster is avoided while alternatives exist.
func (w *Worker) pickPersonas(obs *schema.StreamObservation, now time.Time) []string {
	type ranked struct {
		id    string
		score float64
	}
	last := w.getLastAutoPoster()

	var candidates []ranked
	for _, id := range w.ids {
		st := w.states[id]
		if !st.autoReady(now, w.auto.Cooldown()) {
			continue
		}
		score := autoPickHash(obs.ID, id)
		for _, e := range obs.Entities {
			if textutil.MentionsName(e, st.cfg.DisplayName) {
				score += 1
				break
			}
		}
		if id == last {
			score -= 0.5
		}
		candidates = append(candidates, ranked{id, score})
	}

	// selection sort keeps it simple at fleet sizes
	out := make([]string, 0, len(candidates))
	for len(candidates) > 0 {
		best := 0
		for i := 1; i < len(candidates); i++ {
			if candidates[i].score > candidates[best].score {
				best = i
			}
		}
		out = append(out, candidates[best].id)
		candidates = append(candidates[:best], candidates[best+1:]...)
	}
	return out
}

// autoPickHash draws a deterministic value in [0, 1) for (observation,
// persona), mirroring the policy gate construction.
func autoPickHash(obsID, personaID string) float64 {
	h := sha256.Sum256([]byte(obsID + "|" + personaID))
	return float64(binary.BigEndian.Uint64(h[:8])) / float64(1<<63) / 2
}

// admitSummary dedupes observations by normalized summary hash, so a
// perceptor re-emitting the same scene cannot double-post.
func (w *Worker) admitSummary(summary string) bool {
	sum := sha256.Sum256([]byte(strings.ToLower(strings.TrimSpace(summary))))
	key := string(sum[:16])
	w.autoMu.Lock()
	defer w.autoMu.Unlock()
	return w.autoSeen.admit(key)
}

func (w *Worker) setLastAutoPoster(id string) {
	w.autoMu.Lock()
	w.lastAutoPoster = id
	w.autoMu.Unlock()
}

func (w *Worker) getLastAutoPoster() string {
	w.autoMu.Lock()
	defer w.autoMu.Unlock()
	return w.lastAutoPoster
}

// observationKind labels an observation for telemetry by its first tag.
func observationKind(obs *schema.StreamObservation) string {
	if len(obs.Tags) > 0 {
		return obs.Tags[0]
	}
	return "untagged"
}
