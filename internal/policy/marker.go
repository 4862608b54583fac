package policy

import "strings"

// Marker prefixes that force a deterministic post for end-to-end probes.
const (
	MarkerTest    = "E2E_TEST_"
	MarkerGeneric = "E2E_MARKER_"
	MarkerBotloop = "E2E_TEST_BOTLOOP_"
)

// DefaultMarkerPrefixes returns the standard prefix set. Longer prefixes
// come first so detection reports the most specific marker.
func DefaultMarkerPrefixes() []string {
	return []string{MarkerBotloop, MarkerTest, MarkerGeneric}
}

// DetectMarker returns the full marker token in content, or "" when none of
// the prefixes occur. The token is the whitespace-delimited word containing
// the first matching prefix.
func DetectMarker(content string, prefixes []string) string {
	for _, field := range strings.Fields(content) {
		for _, prefix := range prefixes {
			if strings.Contains(field, prefix) {
				return field
			}
		}
	}
	return ""
}
