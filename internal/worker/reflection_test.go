package worker

import (
	"context"
	"math"
	"testing"
	"time"

	"github.com/itsDarianNgo/Chatter/internal/persona"
	busmock "github.com/itsDarianNgo/Chatter/pkg/bus/mock"
	"github.com/itsDarianNgo/Chatter/pkg/memory"
	memmock "github.com/itsDarianNgo/Chatter/pkg/memory/mock"
	"github.com/itsDarianNgo/Chatter/pkg/schema"
)

func TestDeriveDriftBounded(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		lines []string
		rate  float64
	}{
		{"empty window", nil, 1},
		{"all hype", []string{"POGGERS!", "LET'S GO HYPE!", "W!"}, 1},
		{"flat lines", []string{"ok", "sure", "fine"}, 1},
		{"dead room", []string{"anyone here"}, 0},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			d := deriveDrift(tc.lines, tc.rate)
			for name, v := range map[string]float64{
				"talkativeness": d.Talkativeness,
				"positivity":    d.Positivity,
				"emote_rate":    d.EmoteRate,
			} {
				if math.Abs(v) > persona.MaxDriftStep+1e-12 {
					t.Errorf("%s delta = %v, beyond the per-step cap", name, v)
				}
			}
			if len(tc.lines) == 0 && !d.zero() {
				t.Errorf("empty window produced deltas %+v", d)
			}
		})
	}
}

func TestDeriveDriftDirections(t *testing.T) {
	t.Parallel()

	up := deriveDrift([]string{"POGGERS!", "HYPE!", "LET'S GO!"}, 1)
	if up.Positivity <= 0 || up.EmoteRate <= 0 {
		t.Errorf("hype window drifted down: %+v", up)
	}
	if up.Talkativeness <= 0 {
		t.Errorf("hype window in a live room should talk more: %+v", up)
	}

	down := deriveDrift([]string{"ok", "sure"}, 0.05)
	if down.Positivity >= 0 || down.EmoteRate >= 0 {
		t.Errorf("flat window drifted up: %+v", down)
	}
	if down.Talkativeness >= 0 {
		t.Errorf("dead room should talk less: %+v", down)
	}
}

func TestReflectAppliesDriftAndWritesItems(t *testing.T) {
	t.Parallel()

	mb := busmock.New()
	clock := newTestClock()
	store := memmock.New()
	w := newTestWorker(t, mb, clock, func(c *Config) {
		c.Memory = memory.NewResilient(store, memory.NewGovernor(memory.WithGovernorClock(clock.Now)))
	})

	st := w.states[testPersona]
	lines := []string{"LET'S GO!", "POGGERS!", "LET'S GO!"}
	before := st.currentDrift()

	w.reflect(context.Background(), testPersona, st, lines)

	after := st.currentDrift()
	if after.Positivity.Value <= before.Positivity.Value {
		t.Errorf("positivity did not drift up: %v -> %v",
			before.Positivity.Value, after.Positivity.Value)
	}
	if step := after.Positivity.Value - before.Positivity.Value; step > persona.MaxDriftStep+1e-12 {
		t.Errorf("positivity moved %v in one cycle", step)
	}

	ns := memory.Namespace(testRoom, testPersona)
	items, err := store.Search(context.Background(), ns, "", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(items) == 0 || len(items) > maxReflectionItems {
		t.Fatalf("stored %d items, want 1..%d", len(items), maxReflectionItems)
	}
	var sawDrift, sawPhrase bool
	for _, it := range items {
		switch it.Type {
		case schema.MemoryPersonaDrift:
			sawDrift = true
		case schema.MemoryCatchphrase:
			sawPhrase = true
			if it.Content != "LET'S GO!" {
				t.Errorf("catchphrase = %q", it.Content)
			}
		}
		if it.Source != "reflection" {
			t.Errorf("source = %q, want reflection", it.Source)
		}
	}
	if !sawDrift || !sawPhrase {
		t.Errorf("items = %+v, want drift and catchphrase records", items)
	}
	if got := w.Stats().ReflectionsRun; got != 1 {
		t.Errorf("ReflectionsRun = %d, want 1", got)
	}
}

func TestTakeReflectionDueByCount(t *testing.T) {
	t.Parallel()

	clock := newTestClock()
	st := newPersonaState(testPersonaConfig(t), clock.Now())

	for i := 0; i < DefaultReflectionMessageCount-1; i++ {
		st.notePost(clock.Now(), "line")
	}
	if _, due := st.takeReflection(clock.Now(), 5*time.Minute, DefaultReflectionMessageCount); due {
		t.Fatal("reflection due before the message threshold")
	}

	st.notePost(clock.Now(), "line")
	lines, due := st.takeReflection(clock.Now(), 5*time.Minute, DefaultReflectionMessageCount)
	if !due {
		t.Fatal("reflection not due at the message threshold")
	}
	if len(lines) != DefaultReflectionMessageCount {
		t.Errorf("window has %d lines, want %d", len(lines), DefaultReflectionMessageCount)
	}

	// counters reset after a cycle
	if _, due := st.takeReflection(clock.Now(), 5*time.Minute, DefaultReflectionMessageCount); due {
		t.Error("reflection due again immediately after a cycle")
	}
}

func TestTakeReflectionDueByInterval(t *testing.T) {
	t.Parallel()

	clock := newTestClock()
	st := newPersonaState(testPersonaConfig(t), clock.Now())
	st.notePost(clock.Now(), "one line")

	if _, due := st.takeReflection(clock.Now(), 5*time.Minute, 10); due {
		t.Fatal("reflection due before the interval")
	}

	clock.Advance(6 * time.Minute)
	if _, due := st.takeReflection(clock.Now(), 5*time.Minute, 10); !due {
		t.Fatal("reflection not due after the interval")
	}

	// an idle persona never reflects on nothing
	clock.Advance(6 * time.Minute)
	if _, due := st.takeReflection(clock.Now(), 5*time.Minute, 10); due {
		t.Error("reflection ran with no own messages")
	}
}

func TestKnobApplyClampsAtBounds(t *testing.T) {
	t.Parallel()

	st := newPersonaState(testPersonaConfig(t), testBase)
	st.drift.Positivity = persona.Knob{Value: 0.99, Min: 0, Max: 1}

	st.applyDrift(driftDeltas{Positivity: 1.0}) // step cap, then bound
	got := st.currentDrift().Positivity.Value
	if got != 1 {
		t.Errorf("positivity = %v, want clamped to 1", got)
	}

	st.applyDrift(driftDeltas{Positivity: persona.MaxDriftStep})
	if got := st.currentDrift().Positivity.Value; got != 1 {
		t.Errorf("positivity = %v after push past max, want 1", got)
	}
}

func TestRepeatedLine(t *testing.T) {
	t.Parallel()

	if got := repeatedLine([]string{"a", "b", "c"}); got != "" {
		t.Errorf("repeatedLine = %q, want none", got)
	}
	if got := repeatedLine([]string{"W play", "nah", "w play "}); got == "" {
		t.Error("case-insensitive repeat not detected")
	}
}
