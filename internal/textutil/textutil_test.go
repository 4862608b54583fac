package textutil

import "testing"

func TestSanitize(t *testing.T) {
	t.Parallel()
	if got := Sanitize(" multi\nline\r  text  "); got != "multi line text" {
		t.Fatalf("got %q", got)
	}
}

func TestStripLeadingMention(t *testing.T) {
	t.Parallel()
	cases := []struct {
		in   string
		want string
	}{
		{"@pixel nice run", "nice run"},
		{"  @pixel: nice run", "nice run"},
		{"nice run @chat_bot77", "nice run @chat_bot77"},
		{"@a @b hello", "@b hello"},
		{"no mention at all", "no mention at all"},
	}
	for _, tc := range cases {
		if got := StripLeadingMention(tc.in); got != tc.want {
			t.Fatalf("StripLeadingMention(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestTruncate(t *testing.T) {
	t.Parallel()
	cases := []struct {
		in   string
		max  int
		want string
	}{
		{"short", 10, "short"},
		{"exactly10!", 10, "exactly10!"},
		{"this one is too long", 10, "this one …"},
		{"abc", 0, ""},
		{"abc", 1, "a"},
	}
	for _, tc := range cases {
		if got := Truncate(tc.in, tc.max); got != tc.want {
			t.Fatalf("Truncate(%q, %d) = %q, want %q", tc.in, tc.max, got, tc.want)
		}
	}
}

func TestMentionsName(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name    string
		content string
		display string
		want    bool
	}{
		{"plain substring", "hey PixelPal what's up", "PixelPal", true},
		{"at handle", "@pixelpal gg", "PixelPal", true},
		{"one typo in handle", "@pixelpall gg", "PixelPal", true},
		{"unrelated handle", "@someoneelse gg", "PixelPal", false},
		{"empty display", "anything", "", false},
		{"no mention", "what a game", "PixelPal", false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			if got := MentionsName(tc.content, tc.display); got != tc.want {
				t.Fatalf("MentionsName(%q, %q) = %v", tc.content, tc.display, got)
			}
		})
	}
}

func TestHasHypeToken(t *testing.T) {
	t.Parallel()
	if !HasHypeToken("that was POGGERS") {
		t.Fatal("missed POGGERS")
	}
	if !HasHypeToken("big W today") {
		t.Fatal("missed standalone W")
	}
	if HasHypeToken("wow nice weather") {
		t.Fatal("substring w must not count as hype")
	}
	if HasHypeToken("quiet chat") {
		t.Fatal("false positive")
	}
}

func TestPickDeterministic(t *testing.T) {
	t.Parallel()
	items := []string{"a", "b", "c"}
	if PickDeterministic(items, 4) != "b" {
		t.Fatal("mod pick failed")
	}
	if PickDeterministic(nil, 2) != "" {
		t.Fatal("empty list must yield empty string")
	}
	if PickDeterministic(items, -4) != "b" {
		t.Fatal("negative index must not panic")
	}
}
