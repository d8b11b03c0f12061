package memory

import (
	"fmt"
	"testing"
)

func TestHistoryBound(t *testing.T) {
	t.Parallel()

	h := New(4)
	for i := 0; i < 10; i++ {
		h.Append("k", RoleUser, fmt.Sprintf("msg-%d", i))
	}

	turns := h.Get("k")
	if len(turns) != 4 {
		t.Fatalf("expected 4 turns, got %d", len(turns))
	}
	for i, turn := range turns {
		want := fmt.Sprintf("msg-%d", 6+i)
		if turn.Text != want {
			t.Errorf("turn %d: got %q, want %q", i, turn.Text, want)
		}
	}
}

func TestHistoryAppendExchange(t *testing.T) {
	t.Parallel()

	h := New(20)
	h.AppendExchange("k", "question", "answer")

	turns := h.Get("k")
	if len(turns) != 2 {
		t.Fatalf("expected 2 turns, got %d", len(turns))
	}
	if turns[0].Role != RoleUser || turns[0].Text != "question" {
		t.Errorf("unexpected first turn: %+v", turns[0])
	}
	if turns[1].Role != RoleModel || turns[1].Text != "answer" {
		t.Errorf("unexpected second turn: %+v", turns[1])
	}
}

func TestHistoryExchangeEvictsPair(t *testing.T) {
	t.Parallel()

	h := New(4)
	for i := 0; i < 3; i++ {
		h.AppendExchange("k", fmt.Sprintf("q-%d", i), fmt.Sprintf("a-%d", i))
	}

	turns := h.Get("k")
	if len(turns) != 4 {
		t.Fatalf("expected 4 turns, got %d", len(turns))
	}
	if turns[0].Text != "q-1" || turns[3].Text != "a-2" {
		t.Errorf("unexpected window: first=%q last=%q", turns[0].Text, turns[3].Text)
	}
}

func TestHistoryGetReturnsCopy(t *testing.T) {
	t.Parallel()

	h := New(20)
	h.Append("k", RoleUser, "original")

	turns := h.Get("k")
	turns[0].Text = "mutated"

	if got := h.Get("k")[0].Text; got != "original" {
		t.Errorf("stored turn mutated through Get result: %q", got)
	}
}

func TestHistoryReset(t *testing.T) {
	t.Parallel()

	h := New(20)
	h.Append("a", RoleUser, "one")
	h.Append("b", RoleUser, "two")

	h.Reset("a")

	if got := h.Get("a"); len(got) != 0 {
		t.Errorf("expected empty history after reset, got %d turns", len(got))
	}
	if got := h.Get("b"); len(got) != 1 {
		t.Errorf("reset leaked into other key, got %d turns", len(got))
	}
}

func TestHistoryUnknownKey(t *testing.T) {
	t.Parallel()

	h := New(20)
	if got := h.Get("missing"); len(got) != 0 {
		t.Errorf("expected empty list for unknown key, got %d", len(got))
	}
}

func TestKeyScopes(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		scope Scope
		want  string
	}{
		{"channel_user", ScopeChannelUser, "s:1:c:2:u:3"},
		{"user", ScopeUser, "u:3"},
		{"channel", ScopeChannel, "s:1:c:2"},
		{"unknown_defaults_to_channel_user", Scope("bogus"), "s:1:c:2:u:3"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			if got := Key(tc.scope, 1, 2, 3); got != tc.want {
				t.Errorf("Key() = %q, want %q", got, tc.want)
			}
		})
	}
}
