// Package memory implements bounded, in-process conversation memory.
//
// Histories live only in process memory and are lost on restart. That is a
// deliberate simplicity and latency tradeoff, not a defect: durable context
// comes from the message store, while this package only carries the short
// back-and-forth of an active conversation.
package memory

import (
	"fmt"
	"sync"
)

// Role identifies who produced a conversation turn.
type Role string

const (
	RoleUser  Role = "user"
	RoleModel Role = "model"
)

// Turn is a single conversational exchange entry.
type Turn struct {
	Role Role
	Text string
}

// History is a keyed store of bounded conversation histories. All mutation
// is serialized behind one mutex, so appends land in call order: callers
// appending after generation completes get completion-order turn sequences.
type History struct {
	mu       sync.Mutex
	maxTurns int
	turns    map[string][]Turn
}

// New creates a History keeping at most maxTurns turns per key, oldest
// evicted first.
func New(maxTurns int) *History {
	if maxTurns <= 0 {
		maxTurns = 20
	}
	return &History{
		maxTurns: maxTurns,
		turns:    make(map[string][]Turn),
	}
}

// Get returns a copy of the turn list for key, oldest first. Unknown keys
// yield an empty list, never an error.
func (h *History) Get(key string) []Turn {
	h.mu.Lock()
	defer h.mu.Unlock()

	turns := h.turns[key]
	out := make([]Turn, len(turns))
	copy(out, turns)
	return out
}

// Append pushes one turn and truncates to the most recent maxTurns.
func (h *History) Append(key string, role Role, text string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.turns[key] = h.truncate(append(h.turns[key], Turn{Role: role, Text: text}))
}

// AppendExchange pushes a user/model turn pair atomically so concurrent
// conversations can never interleave inside an exchange.
func (h *History) AppendExchange(key, userText, modelText string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.turns[key] = h.truncate(append(h.turns[key],
		Turn{Role: RoleUser, Text: userText},
		Turn{Role: RoleModel, Text: modelText},
	))
}

// Reset clears the history for key.
func (h *History) Reset(key string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.turns, key)
}

func (h *History) truncate(turns []Turn) []Turn {
	if len(turns) <= h.maxTurns {
		return turns
	}
	trimmed := make([]Turn, h.maxTurns)
	copy(trimmed, turns[len(turns)-h.maxTurns:])
	return trimmed
}

// Scope selects how conversation keys are composed.
type Scope string

const (
	// ScopeChannelUser keeps a separate history per user per channel.
	ScopeChannelUser Scope = "channel_user"
	// ScopeUser keeps one history per user across all channels.
	ScopeUser Scope = "user"
	// ScopeChannel keeps one shared history per channel.
	ScopeChannel Scope = "channel"
)

// Key composes a conversation key for the given scope policy.
func Key(scope Scope, serverID, channelID, userID int64) string {
	switch scope {
	case ScopeUser:
		return fmt.Sprintf("u:%d", userID)
	case ScopeChannel:
		return fmt.Sprintf("s:%d:c:%d", serverID, channelID)
	default:
		return fmt.Sprintf("s:%d:c:%d:u:%d", serverID, channelID, userID)
	}
}
