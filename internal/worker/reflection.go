package worker

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/itsDarianNgo/Chatter/internal/persona"
	"github.com/itsDarianNgo/Chatter/internal/textutil"
	"github.com/itsDarianNgo/Chatter/pkg/memory"
	"github.com/itsDarianNgo/Chatter/pkg/schema"
)

// Reflection defaults.
const (
	DefaultReflectionIntervalS    = 300
	DefaultReflectionMessageCount = 10

	// reflectionPoll is how often due-ness is re-checked.
	reflectionPoll = 15 * time.Second

	// maxReflectionItems caps memory items produced per cycle.
	maxReflectionItems = 3
)

// ReflectionConfig tunes the slow loop.
type ReflectionConfig struct {
	IntervalS    int `yaml:"interval_s"`
	MessageCount int `yaml:"message_count"`
}

func (c *ReflectionConfig) applyDefaults() {
	if c.IntervalS <= 0 {
		c.IntervalS = DefaultReflectionIntervalS
	}
	if c.MessageCount <= 0 {
		c.MessageCount = DefaultReflectionMessageCount
	}
}

// Interval returns the reflection interval as a duration.
func (c *ReflectionConfig) Interval() time.Duration {
	return time.Duration(c.IntervalS) * time.Second
}

// driftDeltas are one cycle's knob movements; each is clamped to the
// per-step cap on apply.
type driftDeltas struct {
	Talkativeness float64
	Positivity    float64
	EmoteRate     float64
}

func (d driftDeltas) zero() bool {
	return d.Talkativeness == 0 && d.Positivity == 0 && d.EmoteRate == 0
}

// runReflection polls each persona for a due cycle and runs it.
func (w *Worker) runReflection(ctx context.Context) error {
	ticker := time.NewTicker(reflectionPoll)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
		w.sleepJitter(ctx)

		now := w.now()
		for _, id := range w.ids {
			st := w.states[id]
			lines, due := st.takeReflection(now, w.reflection.Interval(), w.reflection.MessageCount)
			if !due {
				continue
			}
			w.reflect(ctx, id, st, lines)
		}
	}
}

// reflect runs one reflection cycle over the persona's own recent lines:
// bounded drift movement plus at most three durable memory items.
func (w *Worker) reflect(ctx context.Context, personaID string, st *personaState, lines []string) {
	before := st.currentDrift()
	deltas := deriveDrift(lines, w.chat.RatePerSec(w.room.RoomID, w.room.BudgetWindow()))
	st.applyDrift(deltas)
	after := st.currentDrift()

	items := reflectionItems(before, after, lines)
	ns := memory.Namespace(w.room.RoomID, personaID)
	for _, item := range items {
		w.mem.Add(ctx, ns, item)
	}

	w.reflections.Add(1)
	w.log.Debug("reflection cycle",
		"persona_id", personaID,
		"lines", len(lines),
		"items", len(items),
		"talkativeness", after.Talkativeness.Value,
		"positivity", after.Positivity.Value,
		"emote_rate", after.EmoteRate.Value)
}

// deriveDrift maps the persona's own output back onto its knobs. The
// mapping is a deterministic stand-in for a model-driven extraction: replies
// full of hype tokens pull positivity and emote rate up, a quiet window
// pulls talkativeness down. Magnitudes stay inside the per-step cap.
func deriveDrift(lines []string, roomRate float64) driftDeltas {
	if len(lines) == 0 {
		return driftDeltas{}
	}

	var hype, exclaim int
	for _, line := range lines {
		if textutil.HasHypeToken(line) {
			hype++
		}
		if strings.Contains(line, "!") {
			exclaim++
		}
	}
	hypeFrac := float64(hype) / float64(len(lines))
	exclaimFrac := float64(exclaim) / float64(len(lines))

	d := driftDeltas{
		// centered on 0.5: mostly-hype output drifts up, flat output down
		Positivity: (exclaimFrac - 0.5) * 2 * persona.MaxDriftStep,
		EmoteRate:  (hypeFrac - 0.5) * 2 * persona.MaxDriftStep,
	}
	// a persona posting into a dead room talks less next cycle
	if roomRate < 0.1 {
		d.Talkativeness = -persona.MaxDriftStep / 2
	} else if hypeFrac > 0.5 {
		d.Talkativeness = persona.MaxDriftStep / 2
	}
	return d
}

// reflectionItems builds the cycle's durable memories: a drift record when
// any knob moved, and a catchphrase when the persona repeated itself.
func reflectionItems(before, after persona.Drift, lines []string) []schema.MemoryItem {
	var items []schema.MemoryItem

	if before != after {
		items = append(items, schema.MemoryItem{
			Type:  schema.MemoryPersonaDrift,
			Topic: "drift",
			Content: fmt.Sprintf("talkativeness %.3f, positivity %.3f, emote_rate %.3f",
				after.Talkativeness.Value, after.Positivity.Value, after.EmoteRate.Value),
			Confidence: schema.ConfidenceMed,
			Source:     "reflection",
		})
	}

	if phrase := repeatedLine(lines); phrase != "" {
		items = append(items, schema.MemoryItem{
			Type:       schema.MemoryCatchphrase,
			Content:    phrase,
			Confidence: schema.ConfidenceHigh,
			Source:     "reflection",
		})
	}

	if len(items) > maxReflectionItems {
		items = items[:maxReflectionItems]
	}
	return items
}

// repeatedLine returns a line the persona posted at least twice in the
// window, "" when none repeats.
func repeatedLine(lines []string) string {
	counts := make(map[string]int, len(lines))
	for _, line := range lines {
		key := strings.ToLower(strings.TrimSpace(line))
		if key == "" {
			continue
		}
		counts[key]++
		if counts[key] == 2 {
			return strings.TrimSpace(line)
		}
	}
	return ""
}
