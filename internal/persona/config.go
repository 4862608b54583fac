// Package persona loads and validates the persona and room configuration
// files. Persona anchors are stable for the lifetime of a run; only the
// drift knobs move, and only within their declared bounds.
package persona

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// MaxDriftStep caps how far a single reflection cycle may move any knob.
const MaxDriftStep = 0.02

// Knob is a bounded drifting trait. Reflection nudges Value by at most
// [MaxDriftStep] per cycle, clamped to [Min, Max].
type Knob struct {
	Value float64 `yaml:"value"`
	Min   float64 `yaml:"min"`
	Max   float64 `yaml:"max"`
}

// Apply returns the knob moved by delta, honoring the per-step cap and the
// bounds. The receiver is not mutated.
func (k Knob) Apply(delta float64) Knob {
	if delta > MaxDriftStep {
		delta = MaxDriftStep
	}
	if delta < -MaxDriftStep {
		delta = -MaxDriftStep
	}
	k.Value += delta
	if k.Value < k.Min {
		k.Value = k.Min
	}
	if k.Value > k.Max {
		k.Value = k.Max
	}
	return k
}

// Drift holds the slowly moving traits of a persona.
type Drift struct {
	Talkativeness Knob `yaml:"talkativeness"`
	Positivity    Knob `yaml:"positivity"`
	EmoteRate     Knob `yaml:"emote_rate"`
}

// Config is one persona definition.
type Config struct {
	ID           string   `yaml:"persona_id"`
	DisplayName  string   `yaml:"display_name"`
	SystemPrompt string   `yaml:"system_prompt"`
	VoiceRules   []string `yaml:"voice_rules"`
	Catchphrases []string `yaml:"catchphrases"`
	Templates    []string `yaml:"templates"`
	Emotes       []string `yaml:"emotes"`
	HardNever    []string `yaml:"hard_never"`
	Drift        Drift    `yaml:"drift"`
}

// Validate checks required fields and fills knob bounds left at zero.
func (c *Config) Validate() error {
	if c.ID == "" {
		return fmt.Errorf("persona: missing persona_id")
	}
	if c.DisplayName == "" {
		return fmt.Errorf("persona %s: missing display_name", c.ID)
	}
	for name, k := range map[string]*Knob{
		"talkativeness": &c.Drift.Talkativeness,
		"positivity":    &c.Drift.Positivity,
		"emote_rate":    &c.Drift.EmoteRate,
	} {
		if k.Min == 0 && k.Max == 0 {
			k.Max = 1
		}
		if k.Min > k.Max {
			return fmt.Errorf("persona %s: drift knob %s has min %v > max %v", c.ID, name, k.Min, k.Max)
		}
		if k.Value < k.Min || k.Value > k.Max {
			return fmt.Errorf("persona %s: drift knob %s value %v outside [%v, %v]", c.ID, name, k.Value, k.Min, k.Max)
		}
	}
	return nil
}

// RoomConfig scopes budgets, cooldowns, and policy weights to one room. It
// is immutable during a run.
type RoomConfig struct {
	RoomID          string   `yaml:"room_id"`
	EnabledPersonas []string `yaml:"enabled_personas"`

	// HypeMultiplier is the room-wide factor applied to every base
	// probability.
	HypeMultiplier float64 `yaml:"hype_multiplier"`

	// ProbabilityCap bounds the final post probability. Never above 0.95.
	ProbabilityCap float64 `yaml:"probability_cap"`

	BudgetN       int `yaml:"budget_n"`
	BudgetWindowS int `yaml:"budget_window_s"`
	CooldownMS    int `yaml:"cooldown_ms"`

	MentionWindowS  int `yaml:"mention_window_s"`
	MaxTriggerAgeMS int `yaml:"max_trigger_age_ms"`

	AutoCommentary bool            `yaml:"auto_commentary"`
	Flags          map[string]bool `yaml:"flags"`
}

// Room config defaults, applied by Validate for fields left at zero.
const (
	DefaultHypeMultiplier  = 1.0
	DefaultProbabilityCap  = 0.95
	DefaultBudgetN         = 6
	DefaultBudgetWindowS   = 10
	DefaultCooldownMS      = 4000
	DefaultMentionWindowS  = 30
	DefaultMaxTriggerAgeMS = 45000
)

// Validate fills defaults and rejects out-of-range values.
func (r *RoomConfig) Validate() error {
	if r.RoomID == "" {
		return fmt.Errorf("room: missing room_id")
	}
	if r.HypeMultiplier <= 0 {
		r.HypeMultiplier = DefaultHypeMultiplier
	}
	if r.ProbabilityCap <= 0 {
		r.ProbabilityCap = DefaultProbabilityCap
	}
	if r.ProbabilityCap > 0.95 {
		return fmt.Errorf("room %s: probability_cap %v above 0.95", r.RoomID, r.ProbabilityCap)
	}
	if r.BudgetN <= 0 {
		r.BudgetN = DefaultBudgetN
	}
	if r.BudgetWindowS <= 0 {
		r.BudgetWindowS = DefaultBudgetWindowS
	}
	if r.CooldownMS <= 0 {
		r.CooldownMS = DefaultCooldownMS
	}
	if r.MentionWindowS <= 0 {
		r.MentionWindowS = DefaultMentionWindowS
	}
	if r.MaxTriggerAgeMS <= 0 {
		r.MaxTriggerAgeMS = DefaultMaxTriggerAgeMS
	}
	return nil
}

// Cooldown returns the per-persona cooldown as a duration.
func (r *RoomConfig) Cooldown() time.Duration {
	return time.Duration(r.CooldownMS) * time.Millisecond
}

// BudgetWindow returns the room budget window as a duration.
func (r *RoomConfig) BudgetWindow() time.Duration {
	return time.Duration(r.BudgetWindowS) * time.Second
}

// MentionWindow returns the mention boost window as a duration.
func (r *RoomConfig) MentionWindow() time.Duration {
	return time.Duration(r.MentionWindowS) * time.Second
}

// MaxTriggerAge returns the freshness bound for reacting to a trigger.
func (r *RoomConfig) MaxTriggerAge() time.Duration {
	return time.Duration(r.MaxTriggerAgeMS) * time.Millisecond
}

// Enabled reports whether personaID is enrolled in this room.
func (r *RoomConfig) Enabled(personaID string) bool {
	for _, id := range r.EnabledPersonas {
		if id == personaID {
			return true
		}
	}
	return false
}

// LoadRoom reads and validates the room config at path.
func LoadRoom(path string) (*RoomConfig, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("persona: read room config: %w", err)
	}
	var cfg RoomConfig
	dec := yaml.NewDecoder(strings.NewReader(string(raw)))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("persona: parse room config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// LoadDir reads every *.yaml persona file under dir and returns the subset
// named in enabled, keyed by persona id. An enabled persona without a config
// file is an error; extra files are ignored.
func LoadDir(dir string, enabled []string) (map[string]*Config, error) {
	paths, err := filepath.Glob(filepath.Join(dir, "*.yaml"))
	if err != nil {
		return nil, fmt.Errorf("persona: scan %s: %w", dir, err)
	}
	sort.Strings(paths)

	want := make(map[string]bool, len(enabled))
	for _, id := range enabled {
		want[id] = true
	}

	out := make(map[string]*Config)
	for _, path := range paths {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("persona: read %s: %w", path, err)
		}
		var cfg Config
		dec := yaml.NewDecoder(strings.NewReader(string(raw)))
		dec.KnownFields(true)
		if err := dec.Decode(&cfg); err != nil {
			return nil, fmt.Errorf("persona: parse %s: %w", path, err)
		}
		if err := cfg.Validate(); err != nil {
			return nil, fmt.Errorf("persona: %s: %w", filepath.Base(path), err)
		}
		if want[cfg.ID] {
			out[cfg.ID] = &cfg
		}
	}

	for id := range want {
		if _, ok := out[id]; !ok {
			return nil, fmt.Errorf("persona: enabled persona %s has no config under %s", id, dir)
		}
	}
	return out, nil
}
