package generator

import (
	"context"
	"fmt"

	"github.com/itsDarianNgo/Chatter/internal/textutil"
)

// templateFamilies are the reply pools for unforced deterministic posts.
// Family selection and the pick within a family are both seeded by
// (trigger id, persona id), so fixtures stay stable across runs.
var templateFamilies = [][]string{
	{"lol", "true", "nah", "W", "L", "real"},
	{"POGGERS", "W PLAY", "HYPE", "LET'S GO"},
	{"nice", "solid", "clean", "ok then"},
	{"what happened?", "for real?", "actually?"},
}

// defaultEmotes seed the optional emote suffix when the persona config
// carries none.
var defaultEmotes = []string{"Kappa", "PogChamp", "FeelsOkayMan", "OMEGALUL"}

// Deterministic is the rule-driven backend. It needs no I/O and never
// fails, which makes it the default for tests and local runs.
type Deterministic struct{}

var _ Generator = (*Deterministic)(nil)

// NewDeterministic returns the rule-driven backend.
func NewDeterministic() *Deterministic {
	return &Deterministic{}
}

func (d *Deterministic) Mode() string { return "deterministic" }

func (d *Deterministic) Generate(_ context.Context, req *Request) (string, error) {
	if req.Forced || req.Marker != "" {
		marker := req.Marker
		if marker == "" {
			marker = "E2E_MARKER_"
		}
		return fmt.Sprintf("got it: %s ✅", marker), nil
	}

	seed := req.triggerID() + ":" + req.Persona.ID + ":tpl"
	family := seededIndex(seed, len(templateFamilies)+1) % len(templateFamilies)
	pool := templateFamilies[family]
	pick := seededIndex(seed+":choice", len(pool))
	reply := textutil.PickDeterministic(pool, pick)

	switch family {
	case 2:
		if echo := echoWords(req.triggerContent()); echo != "" {
			reply = echo + " " + reply
		}
	case 3:
		if len(req.Persona.Catchphrases) > 0 {
			reply = textutil.PickDeterministic(req.Persona.Catchphrases, pick)
		}
	}

	return d.maybeEmote(reply, req), nil
}

// maybeEmote appends a seeded emote to roughly half of all replies.
func (d *Deterministic) maybeEmote(reply string, req *Request) string {
	emotes := req.Persona.Emotes
	if len(emotes) == 0 {
		emotes = defaultEmotes
	}
	seed := req.triggerID() + ":" + req.Persona.ID + ":emote"
	if seededIndex(seed+":flip", 2) != 0 {
		return reply
	}
	candidate := reply + " " + textutil.PickDeterministic(emotes, seededIndex(seed, len(emotes)))
	return textutil.Truncate(candidate, req.maxChars())
}
