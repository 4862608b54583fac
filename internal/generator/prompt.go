package generator

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/itsDarianNgo/Chatter/internal/textutil"
)

// Prompt assembly limits.
const (
	maxRecentLines  = 8
	maxMemoryLines  = 6
	maxSummaryChars = 256
)

// BuildPrompts assembles the system and user prompt for a live generation.
// The observation summary is folded into plain context; the literal record
// fields never appear, so a model echoing its input cannot leak metadata.
func BuildPrompts(req *Request) (system, user string) {
	var sys strings.Builder
	sys.WriteString("You are ")
	sys.WriteString(req.Persona.DisplayName)
	sys.WriteString(", a chatter in a live stream chat room.\n")
	if req.Persona.SystemPrompt != "" {
		sys.WriteString(textutil.Sanitize(req.Persona.SystemPrompt))
		sys.WriteString("\n")
	}
	for _, rule := range req.Persona.VoiceRules {
		sys.WriteString("- ")
		sys.WriteString(textutil.Sanitize(rule))
		sys.WriteString("\n")
	}
	if len(req.Persona.HardNever) > 0 {
		sys.WriteString("Never discuss: ")
		sys.WriteString(strings.Join(req.Persona.HardNever, ", "))
		sys.WriteString(".\n")
	}
	sys.WriteString("Reply with exactly one short chat line. ")
	sys.WriteString("No timestamps, no labels, no metadata, never start with @.")

	var usr strings.Builder
	if req.Observation != nil && req.Observation.Summary != "" {
		usr.WriteString("On stream right now: ")
		usr.WriteString(textutil.Truncate(textutil.Sanitize(req.Observation.Summary), maxSummaryChars))
		usr.WriteString("\n")
	}
	if n := len(req.RecentChat); n > 0 {
		usr.WriteString("Recent chat:\n")
		lines := req.RecentChat
		if n > maxRecentLines {
			lines = lines[n-maxRecentLines:]
		}
		for _, line := range lines {
			usr.WriteString(textutil.Sanitize(line))
			usr.WriteString("\n")
		}
	}
	if n := len(req.MemoryHits); n > 0 {
		usr.WriteString("Things you remember:\n")
		hits := req.MemoryHits
		if n > maxMemoryLines {
			hits = hits[:maxMemoryLines]
		}
		for _, hit := range hits {
			usr.WriteString("- ")
			usr.WriteString(textutil.Sanitize(hit))
			usr.WriteString("\n")
		}
	}
	switch req.Purpose {
	case PurposeAuto:
		usr.WriteString("React to what is happening on stream, in your own voice.")
	default:
		usr.WriteString("New message: ")
		usr.WriteString(textutil.Sanitize(req.triggerContent()))
		usr.WriteString("\nRespond to it in your own voice.")
	}
	return sys.String(), usr.String()
}

// ManifestSHA256 hashes a prompt manifest after canonicalization: CRLF
// folded to LF, trailing newlines trimmed, exactly one newline appended.
// Compared against a pinned value at startup to catch silent prompt drift.
func ManifestSHA256(path string) (string, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("generator: read manifest: %w", err)
	}
	text := strings.ReplaceAll(string(raw), "\r\n", "\n")
	text = strings.TrimRight(text, "\n") + "\n"
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:]), nil
}

// VerifyManifest checks every "<sha256> <path>" line of the manifest at path
// against [ManifestSHA256] of the referenced file. Paths resolve relative to
// the manifest's directory; blank lines and # comments are skipped. Any
// mismatch fails with the drifted file named, so a startup caller can refuse
// to run with edited prompts.
func VerifyManifest(path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("generator: read manifest: %w", err)
	}
	dir := filepath.Dir(path)
	checked := 0
	for i, line := range strings.Split(strings.ReplaceAll(string(raw), "\r\n", "\n"), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) != 2 {
			return fmt.Errorf("generator: manifest %s line %d: want \"<sha256> <path>\"", path, i+1)
		}
		want, rel := strings.ToLower(fields[0]), fields[1]
		got, err := ManifestSHA256(filepath.Join(dir, rel))
		if err != nil {
			return err
		}
		if got != want {
			return fmt.Errorf("generator: prompt file %s drifted: sha256 %s, manifest pins %s", rel, got, want)
		}
		checked++
	}
	if checked == 0 {
		return fmt.Errorf("generator: manifest %s pins no files", path)
	}
	return nil
}
