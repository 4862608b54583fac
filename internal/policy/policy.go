// Package policy decides, per (room, persona, trigger), whether a persona
// posts. Suppression rules run in a fixed order with first match winning;
// the probability gate always runs last and draws from a deterministic
// stream so identical inputs reproduce identical outcomes.
package policy

import (
	"crypto/sha256"
	"encoding/binary"
	"math"
	"time"

	"github.com/itsDarianNgo/Chatter/internal/persona"
	"github.com/itsDarianNgo/Chatter/internal/textutil"
	"github.com/itsDarianNgo/Chatter/internal/window"
	"github.com/itsDarianNgo/Chatter/pkg/schema"
)

// Reason tags the outcome of one evaluation.
type Reason string

const (
	ReasonForced          Reason = "e2e_forced"
	ReasonBotOrigin       Reason = "bot_origin"
	ReasonTooOld          Reason = "too_old"
	ReasonCooldown        Reason = "cooldown"
	ReasonBudget          Reason = "budget"
	ReasonProbabilityPass Reason = "probability_pass"
	ReasonProbabilityGate Reason = "probability_gate"

	// ReasonGenEmpty is recorded by the worker when the generator returned
	// nothing for an approved post. It never comes out of Evaluate.
	ReasonGenEmpty Reason = "gen_empty"
)

// Probability model defaults.
const (
	DefaultPBase       = 0.15
	DefaultAlphaEvent  = 1.5
	DefaultBetaMention = 3.0
	DefaultAlphaTrend  = 0.8
	DefaultGammaBot    = 0.7

	// DefaultVelocityNorm is the chat rate, in messages per second, that
	// saturates the trend boost.
	DefaultVelocityNorm = 5.0
)

// Config carries the probability weights and the deterministic marker
// prefixes. The zero value is completed by [NewEngine].
type Config struct {
	PBase        float64
	AlphaEvent   float64
	BetaMention  float64
	AlphaTrend   float64
	GammaBot     float64
	VelocityNorm float64

	MarkerPrefixes []string
}

// Tags are the numeric debug fields attached to every decision.
type Tags struct {
	PBase         float64 `json:"p_base"`
	PUsed         float64 `json:"p_used"`
	HValue        float64 `json:"h_value"`
	Rate10s       float64 `json:"rate_10s"`
	BotFraction   float64 `json:"bot_fraction"`
	EventStrength float64 `json:"event_strength"`
	Mentioned     bool    `json:"mentioned"`
	Marker        string  `json:"marker,omitempty"`
}

// Decision is the outcome of one evaluation.
type Decision struct {
	Post   bool
	Reason Reason
	Tags   Tags
}

// Inputs snapshots everything one evaluation reads. Window state is read
// through the chat window; counters come from the worker's per-persona
// state, taken under its lock before the call.
type Inputs struct {
	Room    *persona.RoomConfig
	Persona *persona.Config
	Trigger *schema.ChatMessage

	Window      *window.ChatWindow
	Observation *schema.StreamObservation // latest, may be nil

	LastPost      time.Time // zero when the persona has not posted yet
	PostsInWindow int       // persona posts within the room budget window
	Now           time.Time
}

// Engine evaluates the posting policy. Immutable and safe for concurrent
// use.
type Engine struct {
	cfg Config
}

// NewEngine builds an engine, defaulting any zero weight.
func NewEngine(cfg Config) *Engine {
	if cfg.PBase <= 0 {
		cfg.PBase = DefaultPBase
	}
	if cfg.AlphaEvent <= 0 {
		cfg.AlphaEvent = DefaultAlphaEvent
	}
	if cfg.BetaMention <= 0 {
		cfg.BetaMention = DefaultBetaMention
	}
	if cfg.AlphaTrend <= 0 {
		cfg.AlphaTrend = DefaultAlphaTrend
	}
	if cfg.GammaBot <= 0 {
		cfg.GammaBot = DefaultGammaBot
	}
	if cfg.VelocityNorm <= 0 {
		cfg.VelocityNorm = DefaultVelocityNorm
	}
	if len(cfg.MarkerPrefixes) == 0 {
		cfg.MarkerPrefixes = DefaultMarkerPrefixes()
	}
	return &Engine{cfg: cfg}
}

// Evaluate runs the policy over in and returns the decision with its debug
// tags.
func (e *Engine) Evaluate(in Inputs) Decision {
	var tags Tags
	age := in.Now.Sub(in.Trigger.Time())
	if in.Trigger.Time().IsZero() {
		age = 0
	}
	fresh := age <= in.Room.MaxTriggerAge()

	trigMention := e.triggerMentions(in)
	mentioned := trigMention || e.windowMentioned(in)
	tags.Mentioned = mentioned

	// 1. Deterministic force: marker content from a non-bot origin, fresh.
	if marker := DetectMarker(in.Trigger.Content, e.cfg.MarkerPrefixes); marker != "" &&
		in.Trigger.Origin != schema.OriginBot && fresh {
		tags.Marker = marker
		tags.PUsed = 1
		return Decision{Post: true, Reason: ReasonForced, Tags: tags}
	}

	// 2. Bot-origin suppression, unless the bot message itself addressed
	// this persona. A mention elsewhere in the window never unlocks a bot
	// trigger; it only feeds the probability boost below.
	if in.Trigger.Origin == schema.OriginBot && !trigMention {
		return Decision{Post: false, Reason: ReasonBotOrigin, Tags: tags}
	}

	// 3. Stale triggers never post.
	if !fresh {
		return Decision{Post: false, Reason: ReasonTooOld, Tags: tags}
	}

	// 4. Cooldown.
	if !in.LastPost.IsZero() && in.Now.Sub(in.LastPost) < in.Room.Cooldown() {
		return Decision{Post: false, Reason: ReasonCooldown, Tags: tags}
	}

	// 5. Room budget.
	if in.PostsInWindow >= in.Room.BudgetN {
		return Decision{Post: false, Reason: ReasonBudget, Tags: tags}
	}

	// 6. Probability model and deterministic gate.
	p := e.probability(in, mentioned, &tags)
	u := Gate(in.Room.RoomID, in.Persona.ID, in.Trigger.ID)
	tags.PUsed = p
	tags.HValue = u
	if u < p {
		return Decision{Post: true, Reason: ReasonProbabilityPass, Tags: tags}
	}
	return Decision{Post: false, Reason: ReasonProbabilityGate, Tags: tags}
}

// triggerMentions reports whether the trigger message itself addressed this
// persona, through its mention list or its content.
func (e *Engine) triggerMentions(in Inputs) bool {
	display := in.Persona.DisplayName
	for _, m := range in.Trigger.Mentions {
		if textutil.MentionsName("@"+m, display) {
			return true
		}
	}
	return textutil.MentionsName(in.Trigger.Content, display)
}

// windowMentioned reports whether anyone addressed this persona within the
// room's mention window.
func (e *Engine) windowMentioned(in Inputs) bool {
	return in.Window != nil &&
		in.Window.MentionHits(in.Room.RoomID, in.Persona.DisplayName, in.Room.MentionWindow()) > 0
}

// probability computes the multiplicative post probability, clamped to the
// room cap.
func (e *Engine) probability(in Inputs, mentioned bool, tags *Tags) float64 {
	// Talkativeness centers on 0.5: a mid-drift persona uses p_base as-is.
	talk := in.Persona.Drift.Talkativeness.Value
	pBase := e.cfg.PBase * (0.5 + talk)
	tags.PBase = pBase

	p := pBase * in.Room.HypeMultiplier

	event := 0.0
	if in.Observation != nil {
		event = clamp01(in.Observation.HypeLevel)
	}
	if textutil.HasHypeToken(in.Trigger.Content) && event < 0.5 {
		event = 0.5
	}
	tags.EventStrength = event
	p *= 1 + e.cfg.AlphaEvent*event

	if mentioned {
		p *= e.cfg.BetaMention
	}

	var rate, bots float64
	if in.Window != nil {
		rate = in.Window.RatePerSec(in.Room.RoomID, 10*time.Second)
		bots = in.Window.BotFraction(in.Room.RoomID, in.Room.BudgetWindow())
	}
	tags.Rate10s = rate
	tags.BotFraction = bots

	velocity := clamp01(rate / e.cfg.VelocityNorm)
	p *= 1 + e.cfg.AlphaTrend*velocity
	p *= 1 - e.cfg.GammaBot*bots

	if p < 0 {
		p = 0
	}
	cap := in.Room.ProbabilityCap
	if cap <= 0 || cap > 0.95 {
		cap = 0.95
	}
	return math.Min(p, cap)
}

// Gate draws the deterministic uniform value in [0, 1) for the tuple
// (room, persona, trigger id).
func Gate(room, personaID, triggerID string) float64 {
	h := sha256.Sum256([]byte(room + "|" + personaID + "|" + triggerID))
	return float64(binary.BigEndian.Uint64(h[:8])) / float64(1<<63) / 2
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
