package handlers

import (
	"strings"
	"testing"
)

func TestTruncateMessage(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		text  string
		limit int
		want  string
	}{
		{"under_limit", "hello", 10, "hello"},
		{"at_limit", "hello", 5, "hello"},
		{"over_limit", "hello world", 8, "hello w…"},
		{"zero_limit", "hello", 0, ""},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			if got := TruncateMessage(tc.text, tc.limit); got != tc.want {
				t.Errorf("TruncateMessage(%q, %d) = %q, want %q", tc.text, tc.limit, got, tc.want)
			}
		})
	}

	t.Run("multibyte", func(t *testing.T) {
		t.Parallel()
		got := TruncateMessage(strings.Repeat("é", 10), 5)
		if runes := []rune(got); len(runes) != 5 {
			t.Errorf("expected 5 runes, got %d (%q)", len(runes), got)
		}
	})
}

func TestChannelIDFor(t *testing.T) {
	t.Parallel()

	if got := ChannelIDFor(-100123, 0); got != -100123 {
		t.Errorf("plain chat should keep its id, got %d", got)
	}

	a := ChannelIDFor(-100123, 5)
	b := ChannelIDFor(-100123, 6)
	c := ChannelIDFor(-100124, 5)
	if a == b || a == c {
		t.Errorf("derived topic ids should differ: %d %d %d", a, b, c)
	}
	if a < 0 {
		t.Errorf("derived id should be non-negative, got %d", a)
	}
	if again := ChannelIDFor(-100123, 5); again != a {
		t.Errorf("derived id must be stable: %d != %d", again, a)
	}
}

func TestMessageIDFor(t *testing.T) {
	t.Parallel()

	a := MessageIDFor(-100123, 42)
	b := MessageIDFor(-100124, 42)
	if a == b {
		t.Error("same message id in different chats must map to different ids")
	}
	if again := MessageIDFor(-100123, 42); again != a {
		t.Errorf("derived id must be stable: %d != %d", again, a)
	}
}

func TestStrippedPrompt(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		text     string
		username string
		want     string
	}{
		{"mention_removed", "@LoreBot what happened?", "LoreBot", "what happened?"},
		{"lowercase_mention", "@lorebot what happened?", "LoreBot", "what happened?"},
		{"no_mention", "what happened?", "LoreBot", "what happened?"},
		{"no_username", "  hi  ", "", "hi"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			if got := strippedPrompt(tc.text, tc.username); got != tc.want {
				t.Errorf("strippedPrompt(%q, %q) = %q, want %q", tc.text, tc.username, got, tc.want)
			}
		})
	}
}
