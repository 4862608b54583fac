package persona

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

const pixelpalYAML = `persona_id: pixelpal
display_name: PixelPal
system_prompt: "You are PixelPal, a cheerful retro-gaming chatter."
catchphrases:
  - "pixel perfect!"
templates:
  - "no way, {topic} again"
emotes:
  - KEKW
drift:
  talkativeness:
    value: 0.4
  positivity:
    value: 0.7
  emote_rate:
    value: 0.3
`

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func approx(got, want float64) bool {
	diff := got - want
	return diff < 1e-9 && diff > -1e-9
}

func TestKnobApply(t *testing.T) {
	t.Parallel()
	k := Knob{Value: 0.5, Min: 0, Max: 1}

	if got := k.Apply(0.01).Value; !approx(got, 0.51) {
		t.Fatalf("small step: %v", got)
	}
	if got := k.Apply(0.5).Value; !approx(got, 0.52) {
		t.Fatalf("step must cap at %v: got %v", MaxDriftStep, got)
	}
	if got := k.Apply(-0.5).Value; !approx(got, 0.48) {
		t.Fatalf("negative step must cap: got %v", got)
	}

	edge := Knob{Value: 0.99, Min: 0, Max: 1}
	if got := edge.Apply(0.02).Value; got != 1 {
		t.Fatalf("clamp to max: got %v", got)
	}
}

func TestLoadDir(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	writeFile(t, dir, "pixelpal.yaml", pixelpalYAML)
	writeFile(t, dir, "unused.yaml", strings.Replace(pixelpalYAML, "pixelpal", "unused", 1))

	got, err := LoadDir(dir, []string{"pixelpal"})
	if err != nil {
		t.Fatalf("load dir: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("loaded %d personas, want 1", len(got))
	}
	p := got["pixelpal"]
	if p.DisplayName != "PixelPal" {
		t.Fatalf("display name %q", p.DisplayName)
	}
	if p.Drift.Talkativeness.Max != 1 {
		t.Fatalf("knob bounds not defaulted: %+v", p.Drift.Talkativeness)
	}
}

func TestLoadDirMissingEnabled(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	writeFile(t, dir, "pixelpal.yaml", pixelpalYAML)

	if _, err := LoadDir(dir, []string{"ghost"}); err == nil {
		t.Fatal("expected error for enabled persona without config")
	}
}

func TestLoadDirRejectsUnknownFields(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	writeFile(t, dir, "bad.yaml", pixelpalYAML+"mystery_field: true\n")

	if _, err := LoadDir(dir, []string{"pixelpal"}); err == nil {
		t.Fatal("expected unknown field to fail parsing")
	}
}

func TestLoadRoom(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	path := writeFile(t, dir, "room.yaml", `room_id: room_demo
enabled_personas: [pixelpal, clipgoblin]
hype_multiplier: 1.2
budget_n: 4
cooldown_ms: 3000
`)

	cfg, err := LoadRoom(path)
	if err != nil {
		t.Fatalf("load room: %v", err)
	}
	if !cfg.Enabled("clipgoblin") || cfg.Enabled("ghost") {
		t.Fatal("enabled set wrong")
	}
	if cfg.ProbabilityCap != DefaultProbabilityCap {
		t.Fatalf("cap not defaulted: %v", cfg.ProbabilityCap)
	}
	if cfg.BudgetWindowS != DefaultBudgetWindowS {
		t.Fatalf("budget window not defaulted: %v", cfg.BudgetWindowS)
	}
}

func TestLoadRoomRejectsHighCap(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	path := writeFile(t, dir, "room.yaml", "room_id: room_demo\nprobability_cap: 0.99\n")

	if _, err := LoadRoom(path); err == nil {
		t.Fatal("expected cap above 0.95 to be rejected")
	}
}
