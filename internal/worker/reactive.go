package worker

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/metric"

	"github.com/itsDarianNgo/Chatter/internal/generator"
	"github.com/itsDarianNgo/Chatter/internal/observe"
	"github.com/itsDarianNgo/Chatter/internal/policy"
	"github.com/itsDarianNgo/Chatter/pkg/bus"
	"github.com/itsDarianNgo/Chatter/pkg/memory"
	"github.com/itsDarianNgo/Chatter/pkg/schema"
)

// Recent-chat sampling bounds for generator prompts.
const (
	recentSampleSize = 6
	recentScanDepth  = 16
)

// runReactive consumes the firehose: every message updates the chat window,
// then each enrolled persona evaluates it as a trigger.
func (w *Worker) runReactive(ctx context.Context) error {
	var backoff bus.Backoff
	for {
		entries, err := w.bus.GroupRead(ctx, w.firehose, w.group, w.consumer+"-reactive", DefaultReadBatch, DefaultReadBlock)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			w.log.Warn("firehose read failed", "error", err)
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
			w.handleFirehose(ctx, entry)
			if err := w.bus.Ack(ctx, w.firehose, w.group, entry.ID); err != nil {
				w.log.Warn("firehose ack failed", "entry_id", entry.ID, "error", err)
			}
		}
	}
}

// handleFirehose processes one firehose entry: window update, the remember
// directive, then a policy pass per persona.
func (w *Worker) handleFirehose(ctx context.Context, entry bus.Entry) {
	w.consumed.Add(1)

	msg, err := w.validator.ValidateChatMessage(entry.Data)
	if err != nil {
		w.invalid.Add(1)
		w.log.Debug("invalid firehose record", "entry_id", entry.ID, "error", err)
		return
	}
	if msg.RoomID != w.room.RoomID {
		return
	}

	w.chat.Add(*msg)
	if msg.Origin == schema.OriginHuman {
		w.checkRemember(ctx, msg)
	}

	latest := w.latestObservation()
	now := w.now()
	for _, id := range w.ids {
		st := w.states[id]
		if msg.UserID == botUserID(id) {
			// never react to your own line
			continue
		}
		if st.seenTrigger(msg.ID) {
			continue
		}

		cfg, lastPost, postsInWindow := st.snapshot(now, w.room.BudgetWindow())
		dec := w.policy.Evaluate(policy.Inputs{
			Room:          w.room,
			Persona:       cfg,
			Trigger:       msg,
			Window:        w.chat,
			Observation:   latest,
			LastPost:      lastPost,
			PostsInWindow: postsInWindow,
			Now:           now,
		})
		w.recordDecision(ctx, id, msg.ID, dec)
		if !dec.Post {
			continue
		}
		w.post(ctx, st, &generator.Request{
			Persona:     cfg,
			Room:        w.room,
			Trigger:     msg,
			Observation: latest,
			RecentChat:  w.recentLines(),
			MemoryHits:  w.memoryHits(ctx, id, msg.Content),
			Marker:      dec.Tags.Marker,
			Forced:      dec.Reason == policy.ReasonForced,
			Purpose:     generator.PurposeReply,
		}, producerReactive, msg.ID)
	}
}

// post runs one generation and, when it survives finalization and safety,
// publishes the line to ingest. Runs under the shutdown-grace context so a
// cancel mid-generation still lets the post complete.
func (w *Worker) post(ctx context.Context, st *personaState, req *generator.Request, producer, triggerID string) {
	pctx, cancel := w.publishCtx(ctx)
	defer cancel()

	start := time.Now()
	line, err := w.gen.Generate(pctx, req)
	elapsed := time.Since(start).Seconds()
	if err != nil {
		w.genFailed.Add(1)
		if w.metrics != nil {
			w.metrics.RecordGeneration(pctx, w.gen.Mode(), "error", elapsed)
		}
		w.log.Warn("generation failed",
			"persona_id", req.Persona.ID, "mode", w.gen.Mode(), "error", err)
		return
	}
	if w.metrics != nil {
		w.metrics.RecordGeneration(pctx, w.gen.Mode(), "ok", elapsed)
	}

	maxChars := req.MaxChars
	if maxChars <= 0 {
		maxChars = generator.DefaultMaxChars
	}
	line = generator.Finalize(line, maxChars)
	if line == "" {
		w.recordDecision(pctx, req.Persona.ID, triggerID,
			policy.Decision{Reason: policy.ReasonGenEmpty})
		return
	}
	if producer == producerAuto && generator.LeaksObservationMeta(line) {
		w.autoRejectedLeak.Add(1)
		w.log.Warn("auto line leaked observation metadata", "persona_id", req.Persona.ID)
		return
	}

	res := w.filter.Process(line)
	if res.Meta.Action == schema.ActionDrop {
		w.safetyDropped.Add(1)
		w.log.Debug("generated line dropped by safety",
			"persona_id", req.Persona.ID, "reasons", res.Meta.Reasons)
		return
	}
	line = res.Content

	now := w.now()
	msg := schema.ChatMessage{
		SchemaName:    schema.ChatMessageName,
		SchemaVersion: schema.CurrentVersion,
		ID:            uuid.NewString(),
		TS:            schema.NowTS(now),
		RoomID:        w.room.RoomID,
		Origin:        schema.OriginBot,
		UserID:        botUserID(req.Persona.ID),
		DisplayName:   req.Persona.DisplayName,
		Content:       line,
		Trace:         &schema.Trace{Producer: producer},
	}
	payload, err := msg.Encode()
	if err != nil {
		w.publishFailed.Add(1)
		return
	}
	if _, err := w.bus.Publish(pctx, w.ingest, payload); err != nil {
		w.publishFailed.Add(1)
		w.log.Warn("ingest publish failed", "persona_id", req.Persona.ID, "error", err)
		return
	}

	st.notePost(now, line)
	if producer == producerAuto {
		st.noteAuto(now)
		w.autoPublished.Add(1)
	}
	w.published.Add(1)
	if w.metrics != nil {
		w.metrics.RecordPublish(pctx, w.room.RoomID, producer)
	}
}

// recentLines samples the chat window for prompts, humans first, oldest
// first, formatted as "display: content".
func (w *Worker) recentLines() []string {
	msgs := w.chat.Recent(w.room.RoomID, recentScanDepth) // newest first
	humans := make([]string, 0, recentSampleSize)
	bots := make([]string, 0, recentSampleSize)
	for _, m := range msgs {
		line := m.DisplayName + ": " + m.Content
		if m.Origin == schema.OriginHuman {
			humans = append(humans, line)
		} else {
			bots = append(bots, line)
		}
	}
	if len(humans) > recentSampleSize {
		humans = humans[:recentSampleSize]
	}
	for _, line := range bots {
		if len(humans) >= recentSampleSize {
			break
		}
		humans = append(humans, line)
	}
	// newest-first to oldest-first
	for i, j := 0, len(humans)-1; i < j; i, j = i+1, j-1 {
		humans[i], humans[j] = humans[j], humans[i]
	}
	return humans
}

// memoryHits searches the persona's memory scope and formats the hits as
// prompt bullets. Best-effort: a degraded store yields nothing.
func (w *Worker) memoryHits(ctx context.Context, personaID, query string) []string {
	if !w.mem.Enabled() {
		return nil
	}
	ns := memory.Namespace(w.room.RoomID, personaID)
	start := time.Now()
	items := w.mem.Search(ctx, ns, query, memory.DefaultTopK)
	if w.metrics != nil {
		w.metrics.MemoryCallDuration.Record(ctx, time.Since(start).Seconds(),
			metric.WithAttributes(observe.Attr("op", "search")))
	}
	out := make([]string, 0, len(items))
	for _, it := range items {
		hit := it.Content
		if it.Topic != "" {
			hit = it.Topic + ": " + hit
		}
		out = append(out, hit)
	}
	return out
}

// Remember directive prefixes. A human line like "remember: tank hates
// heights" becomes durable room lore; "joke:" marks a running joke.
const (
	rememberPrefix = "remember:"
	jokePrefix     = "joke:"
)

// checkRemember turns explicit remember/joke directives from human chat
// into memory items for every enrolled persona. The id is derived from the
// namespace and the remembered text, so redelivery cannot duplicate items.
func (w *Worker) checkRemember(ctx context.Context, msg *schema.ChatMessage) {
	if !w.mem.Enabled() {
		return
	}
	value, kind := parseRemember(msg.Content)
	if value == "" {
		return
	}
	for _, id := range w.ids {
		ns := memory.Namespace(w.room.RoomID, id)
		item := schema.MemoryItem{
			ID:         memory.DeriveID(ns, value),
			Type:       kind,
			OtherUser:  msg.DisplayName,
			Content:    value,
			Confidence: schema.ConfidenceHigh,
			Source:     "chat_directive",
		}
		w.mem.Add(ctx, ns, item)
	}
}

// parseRemember extracts the directive payload and its memory type, or ""
// when the line carries no directive.
func parseRemember(content string) (string, schema.MemoryType) {
	lower := strings.ToLower(content)
	if i := strings.Index(lower, rememberPrefix); i >= 0 {
		return strings.TrimSpace(content[i+len(rememberPrefix):]), schema.MemoryLoreEvent
	}
	if i := strings.Index(lower, jokePrefix); i >= 0 {
		return strings.TrimSpace(content[i+len(jokePrefix):]), schema.MemoryCatchphrase
	}
	return "", schema.MemoryNote
}

// latestObservation returns the freshest buffered observation for the room,
// nil when the buffer is empty or expired.
func (w *Worker) latestObservation() *schema.StreamObservation {
	latest := w.obs.Latest(w.room.RoomID, 1)
	if len(latest) == 0 {
		return nil
	}
	return &latest[0]
}
