package policy

import (
	"fmt"
	"testing"
	"time"

	"github.com/itsDarianNgo/Chatter/internal/persona"
	"github.com/itsDarianNgo/Chatter/internal/window"
	"github.com/itsDarianNgo/Chatter/pkg/schema"
)

var testNow = time.Date(2026, 8, 24, 15, 0, 0, 0, time.UTC)

func testRoom() *persona.RoomConfig {
	r := &persona.RoomConfig{
		RoomID:          "room_demo",
		EnabledPersonas: []string{"pixelpal"},
	}
	if err := r.Validate(); err != nil {
		panic(err)
	}
	return r
}

func testPersona() *persona.Config {
	p := &persona.Config{
		ID:          "pixelpal",
		DisplayName: "PixelPal",
		Drift: persona.Drift{
			Talkativeness: persona.Knob{Value: 0.5, Max: 1},
			Positivity:    persona.Knob{Value: 0.5, Max: 1},
			EmoteRate:     persona.Knob{Value: 0.5, Max: 1},
		},
	}
	return p
}

func trigger(id, content string, origin schema.Origin, at time.Time) *schema.ChatMessage {
	return &schema.ChatMessage{
		SchemaName:    schema.ChatMessageName,
		SchemaVersion: schema.CurrentVersion,
		ID:            id,
		TS:            schema.NowTS(at),
		RoomID:        "room_demo",
		Origin:        origin,
		UserID:        "u1",
		DisplayName:   "viewer",
		Content:       content,
	}
}

func baseInputs(msg *schema.ChatMessage) Inputs {
	return Inputs{
		Room:    testRoom(),
		Persona: testPersona(),
		Trigger: msg,
		Now:     testNow,
	}
}

func TestEvaluateOrder(t *testing.T) {
	t.Parallel()
	e := NewEngine(Config{})

	t.Run("marker forces post", func(t *testing.T) {
		t.Parallel()
		in := baseInputs(trigger("t1", "E2E_TEST_ABC hello", schema.OriginHuman, testNow))
		d := e.Evaluate(in)
		if !d.Post || d.Reason != ReasonForced {
			t.Fatalf("got %+v, want forced post", d)
		}
		if d.Tags.Marker != "E2E_TEST_ABC" {
			t.Fatalf("marker tag %q", d.Tags.Marker)
		}
	})

	t.Run("bot-origin marker does not force", func(t *testing.T) {
		t.Parallel()
		in := baseInputs(trigger("t2", "E2E_TEST_ABC echo", schema.OriginBot, testNow))
		d := e.Evaluate(in)
		if d.Post || d.Reason != ReasonBotOrigin {
			t.Fatalf("got %+v, want bot_origin skip", d)
		}
	})

	t.Run("stale marker does not force", func(t *testing.T) {
		t.Parallel()
		old := testNow.Add(-2 * time.Minute)
		in := baseInputs(trigger("t3", "E2E_TEST_ABC late", schema.OriginHuman, old))
		d := e.Evaluate(in)
		if d.Post || d.Reason != ReasonTooOld {
			t.Fatalf("got %+v, want too_old skip", d)
		}
	})

	t.Run("bot mentioning the persona passes suppression", func(t *testing.T) {
		t.Parallel()
		in := baseInputs(trigger("t4", "@pixelpal what do you think", schema.OriginBot, testNow))
		d := e.Evaluate(in)
		if d.Reason == ReasonBotOrigin {
			t.Fatalf("mentioned bot trigger suppressed: %+v", d)
		}
	})

	t.Run("window mention does not unlock a bot trigger", func(t *testing.T) {
		t.Parallel()
		w := window.NewChatWindow(window.WithChatClock(func() time.Time { return testNow }))
		m := trigger("h1", "@pixelpal hello", schema.OriginHuman, testNow.Add(-5*time.Second))
		w.Add(*m)

		in := baseInputs(trigger("t8", "beep", schema.OriginBot, testNow))
		in.Window = w
		d := e.Evaluate(in)
		if d.Post || d.Reason != ReasonBotOrigin {
			t.Fatalf("got %+v, want bot_origin skip despite the window mention", d)
		}
		// the window hit still marks the decision as mentioned
		if !d.Tags.Mentioned {
			t.Fatal("window mention not reflected in tags")
		}
	})

	t.Run("cooldown", func(t *testing.T) {
		t.Parallel()
		in := baseInputs(trigger("t5", "nice one", schema.OriginHuman, testNow))
		in.LastPost = testNow.Add(-time.Second)
		d := e.Evaluate(in)
		if d.Post || d.Reason != ReasonCooldown {
			t.Fatalf("got %+v, want cooldown skip", d)
		}
	})

	t.Run("budget", func(t *testing.T) {
		t.Parallel()
		in := baseInputs(trigger("t6", "nice one", schema.OriginHuman, testNow))
		in.LastPost = testNow.Add(-time.Minute)
		in.PostsInWindow = in.Room.BudgetN
		d := e.Evaluate(in)
		if d.Post || d.Reason != ReasonBudget {
			t.Fatalf("got %+v, want budget skip", d)
		}
	})

	t.Run("marker wins over cooldown and budget", func(t *testing.T) {
		t.Parallel()
		in := baseInputs(trigger("t7", "E2E_MARKER_X go", schema.OriginHuman, testNow))
		in.LastPost = testNow.Add(-time.Second)
		in.PostsInWindow = 100
		d := e.Evaluate(in)
		if !d.Post || d.Reason != ReasonForced {
			t.Fatalf("got %+v, want forced post", d)
		}
	})
}

func TestGateDeterminism(t *testing.T) {
	t.Parallel()

	u1 := Gate("room_demo", "pixelpal", "t1")
	u2 := Gate("room_demo", "pixelpal", "t1")
	if u1 != u2 {
		t.Fatalf("gate not deterministic: %v vs %v", u1, u2)
	}
	if u1 < 0 || u1 >= 1 {
		t.Fatalf("gate out of range: %v", u1)
	}
	if Gate("room_demo", "pixelpal", "t2") == u1 {
		t.Fatal("different trigger ids produced the same draw")
	}
	if Gate("room_demo", "clipgoblin", "t1") == u1 {
		t.Fatal("different personas produced the same draw")
	}
}

func TestEvaluateIsReproducible(t *testing.T) {
	t.Parallel()
	e := NewEngine(Config{})

	for i := 0; i < 50; i++ {
		in := baseInputs(trigger(fmt.Sprintf("t%d", i), "anyone here", schema.OriginHuman, testNow))
		first := e.Evaluate(in)
		second := e.Evaluate(in)
		if first.Post != second.Post || first.Reason != second.Reason ||
			first.Tags.PUsed != second.Tags.PUsed {
			t.Fatalf("evaluation %d not reproducible: %+v vs %+v", i, first, second)
		}
	}
}

func TestProbabilityModel(t *testing.T) {
	t.Parallel()
	e := NewEngine(Config{})

	pOf := func(in Inputs) float64 {
		d := e.Evaluate(in)
		if d.Reason != ReasonProbabilityPass && d.Reason != ReasonProbabilityGate {
			t.Fatalf("decision did not reach the gate: %+v", d)
		}
		return d.Tags.PUsed
	}

	plain := baseInputs(trigger("p1", "anyone here", schema.OriginHuman, testNow))
	base := pOf(plain)
	// mid talkativeness: p = 0.15 * (0.5+0.5) * 1.0 multipliers
	if !closeTo(base, DefaultPBase) {
		t.Fatalf("plain probability %v, want %v", base, DefaultPBase)
	}

	t.Run("mention boost", func(t *testing.T) {
		t.Parallel()
		in := baseInputs(trigger("p2", "@pixelpal hello", schema.OriginHuman, testNow))
		if got := pOf(in); !closeTo(got, base*DefaultBetaMention) {
			t.Fatalf("mention probability %v, want %v", got, base*DefaultBetaMention)
		}
	})

	t.Run("window mention boosts human triggers", func(t *testing.T) {
		t.Parallel()
		w := window.NewChatWindow(window.WithChatClock(func() time.Time { return testNow }))
		m := trigger("h2", "@pixelpal you seeing this", schema.OriginHuman, testNow.Add(-5*time.Second))
		w.Add(*m)

		in := baseInputs(trigger("p7", "anyone here", schema.OriginHuman, testNow))
		in.Window = w
		d := e.Evaluate(in)
		if d.Reason != ReasonProbabilityPass && d.Reason != ReasonProbabilityGate {
			t.Fatalf("decision did not reach the gate: %+v", d)
		}
		if !d.Tags.Mentioned {
			t.Fatal("window mention not reflected in tags")
		}
		// one human line in the window also moves the trend term, so only
		// assert the boost is at least the mention multiplier
		if d.Tags.PUsed < base*DefaultBetaMention {
			t.Fatalf("probability %v below mention-boosted %v", d.Tags.PUsed, base*DefaultBetaMention)
		}
	})

	t.Run("observation hype boost", func(t *testing.T) {
		t.Parallel()
		in := baseInputs(trigger("p3", "anyone here", schema.OriginHuman, testNow))
		in.Observation = &schema.StreamObservation{HypeLevel: 1}
		want := base * (1 + DefaultAlphaEvent)
		if got := pOf(in); !closeTo(got, want) {
			t.Fatalf("hype probability %v, want %v", got, want)
		}
	})

	t.Run("hype token floor", func(t *testing.T) {
		t.Parallel()
		in := baseInputs(trigger("p4", "POGGERS that clip", schema.OriginHuman, testNow))
		want := base * (1 + DefaultAlphaEvent*0.5)
		if got := pOf(in); !closeTo(got, want) {
			t.Fatalf("token probability %v, want %v", got, want)
		}
	})

	t.Run("bot-heavy chat dampens", func(t *testing.T) {
		t.Parallel()
		w := window.NewChatWindow(window.WithChatClock(func() time.Time { return testNow }))
		for i := 0; i < 4; i++ {
			m := trigger(fmt.Sprintf("b%d", i), "beep", schema.OriginBot, testNow.Add(-time.Second))
			w.Add(*m)
		}
		in := baseInputs(trigger("p5", "anyone here", schema.OriginHuman, testNow))
		in.Window = w
		d := e.Evaluate(in)
		if d.Tags.BotFraction != 1 {
			t.Fatalf("bot fraction %v, want 1", d.Tags.BotFraction)
		}
		// all-bot window: dampened by (1 - gamma), boosted by trend
		if d.Tags.PUsed >= base*(1+DefaultAlphaTrend) {
			t.Fatalf("probability %v not dampened below trend-only %v",
				d.Tags.PUsed, base*(1+DefaultAlphaTrend))
		}
	})

	t.Run("cap holds", func(t *testing.T) {
		t.Parallel()
		in := baseInputs(trigger("p6", "@pixelpal POGGERS", schema.OriginHuman, testNow))
		in.Observation = &schema.StreamObservation{HypeLevel: 1}
		in.Persona.Drift.Talkativeness.Value = 1
		if got := pOf(in); got > 0.95 {
			t.Fatalf("probability %v above cap", got)
		}
	})
}

func TestDetectMarker(t *testing.T) {
	t.Parallel()
	prefixes := DefaultMarkerPrefixes()

	if got := DetectMarker("before E2E_TEST_XYZ after", prefixes); got != "E2E_TEST_XYZ" {
		t.Fatalf("got %q", got)
	}
	if got := DetectMarker("E2E_TEST_BOTLOOP_7", prefixes); got != "E2E_TEST_BOTLOOP_7" {
		t.Fatalf("got %q", got)
	}
	if got := DetectMarker("nothing special", prefixes); got != "" {
		t.Fatalf("got %q, want empty", got)
	}
}

func closeTo(got, want float64) bool {
	diff := got - want
	return diff < 1e-9 && diff > -1e-9
}
