package schema

import (
	"errors"
	"strings"
	"testing"
	"time"
)

func validMessageJSON() []byte {
	m := &ChatMessage{
		SchemaName:    ChatMessageName,
		SchemaVersion: CurrentVersion,
		ID:            "11111111-2222-3333-4444-555555555555",
		TS:            NowTS(time.Now()),
		RoomID:        "room_main",
		Origin:        OriginHuman,
		UserID:        "u_42",
		DisplayName:   "viewer42",
		Content:       "hello chat",
	}
	raw, err := m.Encode()
	if err != nil {
		panic(err)
	}
	return raw
}

func TestValidatorValidate(t *testing.T) {
	t.Parallel()
	v, err := NewValidator()
	if err != nil {
		t.Fatalf("new validator: %v", err)
	}

	t.Run("accepts a valid chat message", func(t *testing.T) {
		t.Parallel()
		if err := v.Validate(validMessageJSON()); err != nil {
			t.Fatalf("validate: %v", err)
		}
	})

	t.Run("rejects malformed json", func(t *testing.T) {
		t.Parallel()
		err := v.Validate([]byte("{not json"))
		var verr *ValidationError
		if !errors.As(err, &verr) || verr.Kind != KindMalformed {
			t.Fatalf("got %v, want malformed", err)
		}
	})

	t.Run("rejects unknown schema name", func(t *testing.T) {
		t.Parallel()
		err := v.Validate([]byte(`{"schema_name":"Mystery","schema_version":"1.0.0"}`))
		var verr *ValidationError
		if !errors.As(err, &verr) || verr.Kind != KindUnknownSchema {
			t.Fatalf("got %v, want unknown_schema", err)
		}
	})

	t.Run("rejects missing required field", func(t *testing.T) {
		t.Parallel()
		err := v.Validate([]byte(`{"schema_name":"ChatMessage","schema_version":"1.0.0","id":"x"}`))
		var verr *ValidationError
		if !errors.As(err, &verr) || verr.Kind != KindInvalid {
			t.Fatalf("got %v, want schema_invalid", err)
		}
	})

	t.Run("rejects major version bump", func(t *testing.T) {
		t.Parallel()
		m := validMessageJSON()
		raw := []byte(string(m))
		raw = []byte(replaceOnce(string(raw), `"schema_version":"1.0.0"`, `"schema_version":"2.0.0"`))
		err := v.Validate(raw)
		var verr *ValidationError
		if !errors.As(err, &verr) || verr.Kind != KindInvalid {
			t.Fatalf("got %v, want schema_invalid", err)
		}
	})

	t.Run("ignores unknown fields", func(t *testing.T) {
		t.Parallel()
		raw := []byte(replaceOnce(string(validMessageJSON()), `"content":"hello chat"`,
			`"content":"hello chat","future_field":true`))
		if err := v.Validate(raw); err != nil {
			t.Fatalf("unknown field rejected: %v", err)
		}
	})
}

func TestValidateChatMessage(t *testing.T) {
	t.Parallel()
	v, err := NewValidator()
	if err != nil {
		t.Fatalf("new validator: %v", err)
	}

	msg, err := v.ValidateChatMessage(validMessageJSON())
	if err != nil {
		t.Fatalf("validate chat message: %v", err)
	}
	if msg.RoomID != "room_main" || msg.Origin != OriginHuman {
		t.Fatalf("decoded message mismatch: %+v", msg)
	}

	// a valid observation is still the wrong record kind here
	obs := []byte(`{"schema_name":"StreamObservation","schema_version":"1.0.0",` +
		`"id":"o1","ts":"2026-08-24T10:00:00.000Z","room_id":"room_main",` +
		`"summary":"boss fight","hype_level":0.8}`)
	if _, err := v.ValidateChatMessage(obs); err == nil {
		t.Fatal("observation accepted as chat message")
	}
	if _, err := v.ValidateObservation(obs); err != nil {
		t.Fatalf("validate observation: %v", err)
	}
}

func TestTimestampRoundTrip(t *testing.T) {
	t.Parallel()
	at := time.Date(2026, 8, 24, 10, 30, 0, 250e6, time.UTC)
	ts := NowTS(at)
	if ts != "2026-08-24T10:30:00.250Z" {
		t.Fatalf("formatted ts %q", ts)
	}
	m := &ChatMessage{TS: ts}
	if !m.Time().Equal(at) {
		t.Fatalf("parsed %v, want %v", m.Time(), at)
	}
	bad := &ChatMessage{TS: "yesterday"}
	if !bad.Time().IsZero() {
		t.Fatal("malformed ts did not yield zero time")
	}
}

func replaceOnce(s, old, new string) string {
	return strings.Replace(s, old, new, 1)
}
