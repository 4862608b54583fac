// Package schema defines the wire records exchanged over the event bus and
// the validator that guards every producer and consumer boundary.
//
// All records are UTF-8 JSON. Each carries its schema identity
// (schema_name, schema_version), a globally unique id, a UTC millisecond
// timestamp, and the room it belongs to. Validation is performed against
// embedded, versioned JSON Schemas; unknown fields are ignored so that
// additive minor versions remain backward compatible.
package schema

import (
	"encoding/json"
	"time"
)

// Origin classifies who produced a ChatMessage.
type Origin string

const (
	OriginHuman  Origin = "human"
	OriginBot    Origin = "bot"
	OriginSystem Origin = "system"
)

// IsValid reports whether o is a recognised origin.
func (o Origin) IsValid() bool {
	switch o {
	case OriginHuman, OriginBot, OriginSystem:
		return true
	}
	return false
}

// ModerationAction is the outcome of the safety filter for a message.
type ModerationAction string

const (
	ActionAllow  ModerationAction = "allow"
	ActionRedact ModerationAction = "redact"
	ActionDrop   ModerationAction = "drop"
)

// ModerationMeta records what the safety filter did to a message. It is
// stamped by the gateway before the firehose republish and is never set by
// publishers.
type ModerationMeta struct {
	Action     ModerationAction `json:"action"`
	Reasons    []string         `json:"reasons,omitempty"`
	Redactions []string         `json:"redactions,omitempty"`
}

// Trace carries provenance metadata across the pipeline. The broadcaster
// preserves Producer (defaulting it to "unknown"), appends "chat_gateway" to
// ProcessedBy, and sets GatewayTS when missing.
type Trace struct {
	Producer    string   `json:"producer,omitempty"`
	ProcessedBy []string `json:"processed_by,omitempty"`
	GatewayTS   string   `json:"gateway_ts,omitempty"`
}

// Processed reports whether name already appears in ProcessedBy.
func (t *Trace) Processed(name string) bool {
	for _, p := range t.ProcessedBy {
		if p == name {
			return true
		}
	}
	return false
}

// ChatMessage is a single chat line on the ingest or firehose stream.
//
// A message is created by its publisher (a human source or a persona worker)
// and mutated only by the broadcaster, which stamps Moderation and Trace;
// after the firehose republish it is immutable.
type ChatMessage struct {
	SchemaName    string          `json:"schema_name"`
	SchemaVersion string          `json:"schema_version"`
	ID            string          `json:"id"`
	TS            string          `json:"ts"`
	RoomID        string          `json:"room_id"`
	Origin        Origin          `json:"origin"`
	UserID        string          `json:"user_id"`
	DisplayName   string          `json:"display_name"`
	Content       string          `json:"content"`
	Mentions      []string        `json:"mentions,omitempty"`
	Emotes        []string        `json:"emotes,omitempty"`
	Badges        []string        `json:"badges,omitempty"`
	Style         string          `json:"style,omitempty"`
	Moderation    *ModerationMeta `json:"moderation,omitempty"`
	Trace         *Trace          `json:"trace,omitempty"`
}

// ChatMessageName and the other *Name constants identify the embedded
// schema for each record kind.
const (
	ChatMessageName       = "ChatMessage"
	StreamObservationName = "StreamObservation"
	MemoryItemName        = "MemoryItem"

	// CurrentVersion is the schema version stamped on newly created records.
	CurrentVersion = "1.0.0"
)

// Time parses the record timestamp. A malformed or missing timestamp yields
// the zero time; callers treating freshness as a gate must check IsZero.
func (m *ChatMessage) Time() time.Time {
	return parseTS(m.TS)
}

// SafetyFlags are coarse per-observation safety signals set by the perceptor.
type SafetyFlags struct {
	NSFW     bool `json:"nsfw,omitempty"`
	Violence bool `json:"violence,omitempty"`
}

// StreamObservation is a structured snapshot of what is happening on stream,
// produced externally by the perceptor and consumed by persona workers.
type StreamObservation struct {
	SchemaName    string      `json:"schema_name"`
	SchemaVersion string      `json:"schema_version"`
	ID            string      `json:"id"`
	TS            string      `json:"ts"`
	RoomID        string      `json:"room_id"`
	FrameID       string      `json:"frame_id"`
	FrameSHA256   string      `json:"frame_sha256"`
	TranscriptIDs []string    `json:"transcript_ids,omitempty"`
	Summary       string      `json:"summary"`
	Tags          []string    `json:"tags,omitempty"`
	Entities      []string    `json:"entities,omitempty"`
	HypeLevel     float64     `json:"hype_level"`
	Safety        SafetyFlags `json:"safety,omitempty"`
	Trace         *Trace      `json:"trace,omitempty"`
}

// Time parses the observation timestamp; see [ChatMessage.Time].
func (o *StreamObservation) Time() time.Time {
	return parseTS(o.TS)
}

// MemoryType classifies a durable memory item.
type MemoryType string

const (
	MemoryRelationship MemoryType = "relationship"
	MemoryCatchphrase  MemoryType = "catchphrase"
	MemoryPreference   MemoryType = "preference"
	MemoryLoreEvent    MemoryType = "lore_event"
	MemoryPersonaDrift MemoryType = "persona_drift"
	MemoryNote         MemoryType = "note"
)

// IsValid reports whether t is a recognised memory type.
func (t MemoryType) IsValid() bool {
	switch t {
	case MemoryRelationship, MemoryCatchphrase, MemoryPreference,
		MemoryLoreEvent, MemoryPersonaDrift, MemoryNote:
		return true
	}
	return false
}

// Confidence grades how certain an extraction was about a memory item.
type Confidence string

const (
	ConfidenceLow  Confidence = "low"
	ConfidenceMed  Confidence = "med"
	ConfidenceHigh Confidence = "high"
)

// MemoryItem is a durable fact scoped to one (room, persona) namespace.
// Items are written only by reflection and extraction, never from raw chat.
type MemoryItem struct {
	SchemaName    string     `json:"schema_name"`
	SchemaVersion string     `json:"schema_version"`
	ID            string     `json:"id"`
	TS            string     `json:"ts"`
	Namespace     string     `json:"namespace"`
	Type          MemoryType `json:"type"`
	OtherUser     string     `json:"other_user,omitempty"`
	Topic         string     `json:"topic,omitempty"`
	Content       string     `json:"content"`
	Confidence    Confidence `json:"confidence"`
	TTLDays       int        `json:"ttl_days,omitempty"`
	Source        string     `json:"source"`
}

// Time parses the item timestamp; see [ChatMessage.Time].
func (m *MemoryItem) Time() time.Time {
	return parseTS(m.TS)
}

// NowTS formats t as the wire timestamp (RFC 3339 with millisecond
// precision, UTC, trailing Z).
func NowTS(t time.Time) string {
	return t.UTC().Format("2006-01-02T15:04:05.000Z")
}

func parseTS(ts string) time.Time {
	if ts == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, ts)
	if err != nil {
		return time.Time{}
	}
	return t
}

// Encode marshals m for the bus. It never fails for a well-formed message;
// an encoding error indicates a programming bug and is returned as-is.
func (m *ChatMessage) Encode() ([]byte, error) {
	return json.Marshal(m)
}
