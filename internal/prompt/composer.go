// Package prompt assembles the model input from its context blocks: system
// preamble, scope context, retrieved messages, conversation history, and the
// current user message.
package prompt

import (
	"fmt"
	"strings"

	"github.com/lorebot/lorebot/internal/memory"
	"github.com/lorebot/lorebot/internal/store"
)

// Input carries the blocks to compose. Retrieved must already be in
// chronological order; History oldest first.
type Input struct {
	Preamble    string
	Scope       string
	Retrieved   []store.Message
	History     []memory.Turn
	UserName    string
	UserMessage string
}

// Payload is the composed model input. System carries preamble, scope, and
// retrieved context; History the prior turns; Prompt the current message.
type Payload struct {
	System  string
	History []memory.Turn
	Prompt  string
}

const (
	scopeSeparator   = "\n\n"
	retrievedHeading = "\n\nRelevant prior messages:\n"
)

// Composer builds prompt payloads under a total size budget, measured in
// runes across all blocks.
type Composer struct {
	budget int
}

// NewComposer creates a composer with the given rune budget.
func NewComposer(budget int) *Composer {
	if budget <= 0 {
		budget = 24000
	}
	return &Composer{budget: budget}
}

// Compose assembles the payload. When the blocks exceed the budget it sheds
// from the oldest end: retrieved context first, then conversation turns,
// then it truncates the scope block. The preamble and the current user
// message are never dropped, even when they alone exceed the budget.
func (c *Composer) Compose(in Input) Payload {
	userPrompt := in.UserMessage
	if in.UserName != "" {
		userPrompt = fmt.Sprintf("%s: %s", in.UserName, in.UserMessage)
	}

	retrieved := make([]string, 0, len(in.Retrieved))
	for _, m := range in.Retrieved {
		retrieved = append(retrieved, FormatMessage(&m))
	}
	history := append([]memory.Turn(nil), in.History...)
	scope := in.Scope

	// The measured size includes the block separators and headings added
	// during assembly, so the final payload stays within the budget.
	fixed := runeLen(in.Preamble) + runeLen(userPrompt)
	variable := func() int {
		var n int
		if scope != "" {
			n += runeLen(scopeSeparator) + runeLen(scope)
		}
		if len(retrieved) > 0 {
			n += runeLen(retrievedHeading)
			for i, line := range retrieved {
				if i > 0 {
					n++ // joining newline
				}
				n += runeLen(line)
			}
		}
		for _, turn := range history {
			n += runeLen(turn.Text)
		}
		return n
	}

	for fixed+variable() > c.budget {
		switch {
		case len(retrieved) > 0:
			retrieved = retrieved[1:]
		case len(history) > 0:
			// Memory holds whole exchanges; shed both turns of the oldest
			// one so the survivors never open with a model turn.
			history = history[1:]
			if len(history) > 0 && history[0].Role == memory.RoleModel {
				history = history[1:]
			}
		case scope != "":
			room := c.budget - fixed - runeLen(scopeSeparator)
			if room <= 0 {
				scope = ""
			} else {
				scope = truncateRunes(scope, room)
			}
		default:
			// Only the preamble and user message remain; send them as-is.
			return Payload{System: in.Preamble, History: nil, Prompt: userPrompt}
		}
	}

	var sb strings.Builder
	sb.WriteString(in.Preamble)
	if scope != "" {
		sb.WriteString(scopeSeparator)
		sb.WriteString(scope)
	}
	if len(retrieved) > 0 {
		sb.WriteString(retrievedHeading)
		sb.WriteString(strings.Join(retrieved, "\n"))
	}

	return Payload{
		System:  sb.String(),
		History: history,
		Prompt:  userPrompt,
	}
}

// FormatMessage renders a stored message as a single prompt line.
func FormatMessage(m *store.Message) string {
	return fmt.Sprintf("[%s] UID %d: %s", m.CreatedAt.Format("2006-01-02 15:04:05"), m.UserID, m.Content)
}

// FormatScope renders a server context summary as a prompt block. An empty
// context yields an empty string.
func FormatScope(sc *store.ServerContext) string {
	if sc == nil || sc.Server == nil {
		return ""
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Server: %s", sc.Server.Name)
	if sc.Server.MemberCount.Valid {
		fmt.Fprintf(&sb, " (%d members)", sc.Server.MemberCount.Int64)
	}

	if len(sc.Channels) > 0 {
		names := make([]string, 0, len(sc.Channels))
		for _, ch := range sc.Channels {
			names = append(names, ch.Name)
		}
		fmt.Fprintf(&sb, "\nChannels: %s", strings.Join(names, ", "))
	}

	if len(sc.RecentUsers) > 0 {
		names := make([]string, 0, len(sc.RecentUsers))
		for _, u := range sc.RecentUsers {
			name := u.DisplayName
			if name == "" {
				name = u.Username
			}
			if name != "" {
				names = append(names, name)
			}
		}
		if len(names) > 0 {
			fmt.Fprintf(&sb, "\nRecently active: %s", strings.Join(names, ", "))
		}
	}

	return sb.String()
}

func runeLen(s string) int {
	return len([]rune(s))
}

func truncateRunes(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n])
}
