package schema

import (
	"embed"
	"encoding/json"
	"fmt"

	"github.com/xeipuuv/gojsonschema"
)

//go:embed schemas/*.schema.json
var schemaFS embed.FS

// schemaFiles maps a schema name to its embedded definition. Versioning is
// carried inside each schema via the schema_version pattern: minor bumps are
// additive and validate against the same document, a major bump requires a
// new file and a new entry here.
var schemaFiles = map[string]string{
	ChatMessageName:       "schemas/chat_message.schema.json",
	StreamObservationName: "schemas/stream_observation.schema.json",
	MemoryItemName:        "schemas/memory_item.schema.json",
}

// ErrorKind classifies a validation failure.
type ErrorKind string

const (
	// KindMalformed means the payload is not a JSON object at all.
	KindMalformed ErrorKind = "malformed"

	// KindUnknownSchema means the declared schema_name has no registered schema.
	KindUnknownSchema ErrorKind = "unknown_schema"

	// KindInvalid means the payload failed schema validation.
	KindInvalid ErrorKind = "schema_invalid"
)

// ValidationError is the structured error returned for rejected payloads.
type ValidationError struct {
	Kind    ErrorKind
	Path    string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Path == "" {
		return fmt.Sprintf("schema: %s: %s", e.Kind, e.Message)
	}
	return fmt.Sprintf("schema: %s at %s: %s", e.Kind, e.Path, e.Message)
}

// Validator validates raw bus payloads against the embedded schemas, keyed
// by the schema_name each record declares. Unknown fields in a payload are
// ignored. A Validator is immutable after construction and safe for
// concurrent use.
type Validator struct {
	schemas map[string]*gojsonschema.Schema
}

// NewValidator compiles all embedded schemas. Compilation failure is a
// packaging bug and should abort service startup.
func NewValidator() (*Validator, error) {
	v := &Validator{schemas: make(map[string]*gojsonschema.Schema, len(schemaFiles))}
	for name, file := range schemaFiles {
		raw, err := schemaFS.ReadFile(file)
		if err != nil {
			return nil, fmt.Errorf("schema: read %s: %w", file, err)
		}
		compiled, err := gojsonschema.NewSchema(gojsonschema.NewBytesLoader(raw))
		if err != nil {
			return nil, fmt.Errorf("schema: compile %s: %w", file, err)
		}
		v.schemas[name] = compiled
	}
	return v, nil
}

// envelope is the minimal shape peeked at to dispatch validation.
type envelope struct {
	SchemaName    string `json:"schema_name"`
	SchemaVersion string `json:"schema_version"`
}

// Validate checks raw against the schema its schema_name declares. A nil
// return means the payload is well-formed; any non-nil error is a
// *ValidationError describing the first failure.
func (v *Validator) Validate(raw []byte) error {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return &ValidationError{Kind: KindMalformed, Message: err.Error()}
	}
	compiled, ok := v.schemas[env.SchemaName]
	if !ok {
		return &ValidationError{
			Kind:    KindUnknownSchema,
			Path:    "schema_name",
			Message: fmt.Sprintf("no schema registered for %q", env.SchemaName),
		}
	}
	result, err := compiled.Validate(gojsonschema.NewBytesLoader(raw))
	if err != nil {
		return &ValidationError{Kind: KindMalformed, Message: err.Error()}
	}
	if !result.Valid() {
		first := result.Errors()[0]
		return &ValidationError{
			Kind:    KindInvalid,
			Path:    first.Field(),
			Message: first.Description(),
		}
	}
	return nil
}

// ValidateChatMessage validates raw and decodes it into a ChatMessage.
func (v *Validator) ValidateChatMessage(raw []byte) (*ChatMessage, error) {
	if err := v.Validate(raw); err != nil {
		return nil, err
	}
	var msg ChatMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		return nil, &ValidationError{Kind: KindMalformed, Message: err.Error()}
	}
	if msg.SchemaName != ChatMessageName {
		return nil, &ValidationError{
			Kind:    KindInvalid,
			Path:    "schema_name",
			Message: fmt.Sprintf("expected %s, got %s", ChatMessageName, msg.SchemaName),
		}
	}
	return &msg, nil
}

// ValidateObservation validates raw and decodes it into a StreamObservation.
func (v *Validator) ValidateObservation(raw []byte) (*StreamObservation, error) {
	if err := v.Validate(raw); err != nil {
		return nil, err
	}
	var obs StreamObservation
	if err := json.Unmarshal(raw, &obs); err != nil {
		return nil, &ValidationError{Kind: KindMalformed, Message: err.Error()}
	}
	if obs.SchemaName != StreamObservationName {
		return nil, &ValidationError{
			Kind:    KindInvalid,
			Path:    "schema_name",
			Message: fmt.Sprintf("expected %s, got %s", StreamObservationName, obs.SchemaName),
		}
	}
	return &obs, nil
}
