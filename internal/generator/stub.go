package generator

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
)

// Stub replies from a fixture table keyed by "{persona_id}::{marker_prefix}".
// Lookup falls back to "{persona_id}::E2E_TEST_" for test markers, then to
// "{persona_id}::DEFAULT", then to the global default response.
type Stub struct {
	fixtures map[string]string
	fallback string
}

var _ Generator = (*Stub)(nil)

// stubFile is the on-disk fixture format.
type stubFile struct {
	Cases []struct {
		Key      string `json:"key"`
		Response string `json:"response"`
	} `json:"cases"`
	DefaultResponse string `json:"default_response"`
}

// NewStub loads the fixture table at path.
func NewStub(path string) (*Stub, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("generator: read fixtures: %w", err)
	}
	var file stubFile
	if err := json.Unmarshal(raw, &file); err != nil {
		return nil, fmt.Errorf("generator: parse fixtures %s: %w", path, err)
	}
	s := &Stub{
		fixtures: make(map[string]string, len(file.Cases)),
		fallback: file.DefaultResponse,
	}
	if s.fallback == "" {
		s.fallback = "ok"
	}
	for _, c := range file.Cases {
		s.fixtures[c.Key] = c.Response
	}
	return s, nil
}

// NewStubFromMap builds a stub directly from fixtures. Intended for tests.
func NewStubFromMap(fixtures map[string]string, fallback string) *Stub {
	if fallback == "" {
		fallback = "ok"
	}
	return &Stub{fixtures: fixtures, fallback: fallback}
}

func (s *Stub) Mode() string { return "stub" }

func (s *Stub) Generate(_ context.Context, req *Request) (string, error) {
	return s.lookup(req), nil
}

// lookup returns the most specific fixture for req, ending at the global
// fallback.
func (s *Stub) lookup(req *Request) string {
	prefix := markerPrefix(req.Marker)
	if prefix != "" {
		if v, ok := s.fixtures[req.Persona.ID+"::"+prefix]; ok {
			return v
		}
		if strings.HasPrefix(prefix, "E2E_TEST_") {
			if v, ok := s.fixtures[req.Persona.ID+"::E2E_TEST_"]; ok {
				return v
			}
		}
	}
	if v, ok := s.fixtures[req.Persona.ID+"::DEFAULT"]; ok {
		return v
	}
	return s.fallback
}

// markerPrefix extracts the fixture key segment from a full marker token:
// the known prefix plus up to 12 trailing characters.
func markerPrefix(marker string) string {
	if marker == "" {
		return ""
	}
	for _, token := range []string{"E2E_TEST_BOTLOOP_", "E2E_TEST_POLICY_", "E2E_TEST_", "E2E_MARKER_"} {
		if idx := strings.Index(marker, token); idx >= 0 {
			end := idx + len(token) + 12
			if end > len(marker) {
				end = len(marker)
			}
			return marker[idx:end]
		}
	}
	if len(marker) > 16 {
		return marker[:16]
	}
	return marker
}
