package bot

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/lorebot/lorebot/internal/gemini"
	"github.com/lorebot/lorebot/internal/memory"
	"github.com/lorebot/lorebot/internal/prompt"
	"github.com/lorebot/lorebot/internal/retrieval"
	"github.com/lorebot/lorebot/internal/store"
)

// Sentinel errors for reply request outcomes.
var (
	// ErrValidation marks a request rejected before processing (empty text,
	// missing scope identifiers).
	ErrValidation = errors.New("invalid reply request")
	// ErrCooldown marks a request rejected by the per-user cooldown.
	ErrCooldown = errors.New("user on cooldown")
)

// Reply request lifecycle states, logged at each transition.
const (
	stateReceived      = "received"
	stateCooldownCheck = "cooldown_check"
	stateRejected      = "rejected"
	stateContextBuild  = "context_build"
	stateGenerating    = "generating"
	stateDelivered     = "delivered"
	stateFailed        = "failed"
)

// Request is one addressed user message asking for a reply.
type Request struct {
	ServerID  int64
	ChannelID int64
	UserID    int64
	MessageID int64
	UserName  string
	Text      string
}

// Orchestrator drives the reply pipeline: cooldown gate, context retrieval,
// prompt composition, generation, and conversation memory updates.
type Orchestrator struct {
	store    store.Store
	ai       gemini.Client
	engine   *retrieval.Engine
	composer *prompt.Composer
	history  *memory.History
	cooldown *Cooldown
	log      *slog.Logger

	scope           memory.Scope
	preamble        string
	retrievalLimit  int
	retrievalWindow int
}

// OrchestratorOptions bundles the tunables for NewOrchestrator.
type OrchestratorOptions struct {
	Scope           memory.Scope
	Preamble        string
	RetrievalLimit  int
	RetrievalWindow int
}

// NewOrchestrator wires the reply pipeline together.
func NewOrchestrator(
	st store.Store,
	ai gemini.Client,
	engine *retrieval.Engine,
	composer *prompt.Composer,
	history *memory.History,
	cooldown *Cooldown,
	log *slog.Logger,
	opts OrchestratorOptions,
) *Orchestrator {
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if opts.RetrievalLimit <= 0 {
		opts.RetrievalLimit = 10
	}
	if opts.RetrievalWindow < 0 {
		opts.RetrievalWindow = 0
	}
	return &Orchestrator{
		store:           st,
		ai:              ai,
		engine:          engine,
		composer:        composer,
		history:         history,
		cooldown:        cooldown,
		log:             log.With("component", "orchestrator"),
		scope:           opts.Scope,
		preamble:        opts.Preamble,
		retrievalLimit:  opts.RetrievalLimit,
		retrievalWindow: opts.RetrievalWindow,
	}
}

// HandleUserMessage runs the full reply pipeline for one addressed message
// and returns the generated reply text. The conversation memory is updated
// only after generation succeeds, so failed attempts leave no trace in the
// history.
func (o *Orchestrator) HandleUserMessage(ctx context.Context, req Request) (string, error) {
	log := o.log.With("user_id", req.UserID, "channel_id", req.ChannelID, "message_id", req.MessageID)
	o.transition(ctx, log, stateReceived)

	text := strings.TrimSpace(req.Text)
	if text == "" || req.ServerID == 0 || req.ChannelID == 0 || req.UserID == 0 {
		o.transition(ctx, log, stateRejected, "reason", "validation")
		return "", fmt.Errorf("%w: empty text or missing scope", ErrValidation)
	}

	o.transition(ctx, log, stateCooldownCheck)
	if !o.cooldown.Allow(req.UserID) {
		o.transition(ctx, log, stateRejected, "reason", "cooldown", "retry_in", o.cooldown.Remaining(req.UserID))
		return "", fmt.Errorf("%w: retry in %s", ErrCooldown, o.cooldown.Remaining(req.UserID).Round(time.Second))
	}

	o.transition(ctx, log, stateContextBuild)
	payload, err := o.buildPayload(ctx, log, req, text)
	if err != nil {
		o.transition(ctx, log, stateFailed, "stage", "context_build", "error", err)
		return "", err
	}

	o.transition(ctx, log, stateGenerating)
	reply, err := o.ai.Generate(ctx, payload.System, payload.History, payload.Prompt)
	if err != nil {
		o.transition(ctx, log, stateFailed, "stage", "generating", "error", err)
		return "", fmt.Errorf("reply generation failed: %w", err)
	}

	key := memory.Key(o.scope, req.ServerID, req.ChannelID, req.UserID)
	o.history.AppendExchange(key, text, reply)

	o.transition(ctx, log, stateDelivered, "reply_len", len(reply))
	return reply, nil
}

func (o *Orchestrator) buildPayload(ctx context.Context, log *slog.Logger, req Request, text string) (prompt.Payload, error) {
	opts := retrieval.Options{
		ServerID:  req.ServerID,
		ChannelID: req.ChannelID,
		Limit:     o.retrievalLimit,
		Window:    o.retrievalWindow,
	}
	if after, ok := retrieval.ParseTemporalHint(text, time.Now().UTC()); ok {
		opts.After = after
	}

	retrieved, err := o.engine.Retrieve(ctx, text, opts)
	switch {
	case errors.Is(err, retrieval.ErrPrivacyViolation):
		// The tainted result set is discarded; the reply proceeds without
		// retrieved context.
		log.ErrorContext(ctx, "Retrieval result discarded", "error", err)
		retrieved = nil
	case err != nil:
		return prompt.Payload{}, fmt.Errorf("context retrieval failed: %w", err)
	}

	var scopeText string
	if sc, err := o.store.ServerContext(ctx, req.ServerID); err != nil {
		log.WarnContext(ctx, "Scope context unavailable", "error", err)
	} else {
		scopeText = prompt.FormatScope(sc)
	}

	key := memory.Key(o.scope, req.ServerID, req.ChannelID, req.UserID)
	return o.composer.Compose(prompt.Input{
		Preamble:    o.preamble,
		Scope:       scopeText,
		Retrieved:   retrieved,
		History:     o.history.Get(key),
		UserName:    req.UserName,
		UserMessage: text,
	}), nil
}

// ResetConversation clears the conversation memory for the given scope.
func (o *Orchestrator) ResetConversation(serverID, channelID, userID int64) {
	o.history.Reset(memory.Key(o.scope, serverID, channelID, userID))
}

func (o *Orchestrator) transition(ctx context.Context, log *slog.Logger, state string, args ...any) {
	log.InfoContext(ctx, "Reply request state", append([]any{"state", state}, args...)...)
}
