package safety

import (
	"strings"
	"testing"

	"github.com/itsDarianNgo/Chatter/pkg/schema"
)

func TestNormalize(t *testing.T) {
	t.Parallel()
	f := New(WithMaxChars(20))

	cases := []struct {
		name string
		in   string
		want string
	}{
		{"strips newlines", "hi\nthere\r\nchat", "hi there chat"},
		{"strips control chars", "he\x01llo\x7f", "hello"},
		{"collapses whitespace", "so    much   space", "so much space"},
		{"trims", "  padded  ", "padded"},
		{"truncates", strings.Repeat("a", 40), strings.Repeat("a", 20)},
		{"truncates on rune boundaries", strings.Repeat("é", 40), strings.Repeat("é", 20)},
		{"keeps emoji intact at the cap", strings.Repeat("a", 19) + "🔥🔥", strings.Repeat("a", 19) + "🔥"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			if got := f.Normalize(tc.in); got != tc.want {
				t.Fatalf("got %q, want %q", got, tc.want)
			}
		})
	}
}

func TestProcess(t *testing.T) {
	t.Parallel()
	f := New(WithBlocklist([]string{"Forbidden Term"}))

	t.Run("allows clean content", func(t *testing.T) {
		t.Parallel()
		res := f.Process("what a play")
		if res.Meta.Action != schema.ActionAllow {
			t.Fatalf("action %s, want allow", res.Meta.Action)
		}
		if res.Content != "what a play" {
			t.Fatalf("content %q", res.Content)
		}
	})

	t.Run("drops empty content", func(t *testing.T) {
		t.Parallel()
		res := f.Process("  \n\r  ")
		if res.Meta.Action != schema.ActionDrop {
			t.Fatalf("action %s, want drop", res.Meta.Action)
		}
		if res.Meta.Reasons[0] != "empty" {
			t.Fatalf("reasons %v", res.Meta.Reasons)
		}
	})

	t.Run("drops blocklisted content case-insensitively", func(t *testing.T) {
		t.Parallel()
		res := f.Process("this contains a FORBIDDEN term badly")
		if res.Meta.Action != schema.ActionDrop {
			t.Fatalf("action %s, want drop", res.Meta.Action)
		}
	})

	t.Run("redacts email", func(t *testing.T) {
		t.Parallel()
		res := f.Process("dm me at someone@example.com ok")
		if res.Meta.Action != schema.ActionRedact {
			t.Fatalf("action %s, want redact", res.Meta.Action)
		}
		if res.Content != "dm me at "+Redacted+" ok" {
			t.Fatalf("content %q", res.Content)
		}
		if res.Meta.Reasons[0] != "email" {
			t.Fatalf("reasons %v", res.Meta.Reasons)
		}
	})

	t.Run("redacts phone and address together", func(t *testing.T) {
		t.Parallel()
		res := f.Process("call 555-123-4567 or visit 42 Elm Street today")
		if res.Meta.Action != schema.ActionRedact {
			t.Fatalf("action %s, want redact", res.Meta.Action)
		}
		if len(res.Meta.Reasons) != 2 {
			t.Fatalf("reasons %v, want phone and address", res.Meta.Reasons)
		}
		if strings.Contains(res.Content, "555") || strings.Contains(res.Content, "Elm") {
			t.Fatalf("pii survived: %q", res.Content)
		}
	})

	t.Run("custom pattern extends defaults", func(t *testing.T) {
		t.Parallel()
		g := New(WithPIIPattern("handle", `@secret\w+`))
		res := g.Process("ping @secretaccount now")
		if res.Meta.Action != schema.ActionRedact {
			t.Fatalf("action %s, want redact", res.Meta.Action)
		}
	})
}

func TestBlocklistChecksBeforeRedaction(t *testing.T) {
	t.Parallel()
	f := New(WithBlocklist([]string{"spoiler"}))
	res := f.Process("spoiler: mail me someone@example.com")
	if res.Meta.Action != schema.ActionDrop {
		t.Fatalf("action %s, want drop to win over redact", res.Meta.Action)
	}
}
