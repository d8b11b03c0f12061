package handlers

import (
	"context"

	"github.com/go-telegram/bot"
	"github.com/go-telegram/bot/models"
)

// NewResetHandler returns a handler for the /reset command, which clears
// the caller's conversation memory in the current chat.
func NewResetHandler(deps HandlerDeps) bot.HandlerFunc {
	return resetHandler{deps}.Handle
}

type resetHandler struct {
	deps HandlerDeps
}

func (h resetHandler) Handle(ctx context.Context, b *bot.Bot, update *models.Update) {
	log := h.deps.Logger.With("handler", "reset")

	if update.Message == nil || update.Message.From == nil {
		log.WarnContext(ctx, "Reset handler received update with nil message or sender", "update_id", update.ID)
		return
	}

	msg := update.Message
	serverID := msg.Chat.ID
	channelID := ChannelIDFor(msg.Chat.ID, msg.MessageThreadID)

	h.deps.Orchestrator.ResetConversation(serverID, channelID, msg.From.ID)
	log.InfoContext(ctx, "Conversation reset", "chat_id", serverID, "user_id", msg.From.ID)

	if _, err := b.SendMessage(ctx, &bot.SendMessageParams{ChatID: serverID, Text: h.deps.Config.Messages.ResetConfirm}); err != nil {
		log.ErrorContext(ctx, "Failed to send reset confirmation", "error", err, "chat_id", serverID)
	}
}
