package handlers

import (
	"context"

	"github.com/go-telegram/bot"
	"github.com/go-telegram/bot/models"
)

// NewForgetHandler returns the admin-only /forget command handler. Used as
// a reply to a message, it soft-deletes that message so it never surfaces
// in retrieval again.
func NewForgetHandler(deps HandlerDeps) bot.HandlerFunc {
	return forgetHandler{deps}.Handle
}

type forgetHandler struct {
	deps HandlerDeps
}

func (h forgetHandler) Handle(ctx context.Context, b *bot.Bot, update *models.Update) {
	log := h.deps.Logger.With("handler", "forget")

	if update.Message == nil || update.Message.From == nil {
		log.WarnContext(ctx, "Forget handler received update with nil message or sender", "update_id", update.ID)
		return
	}

	msg := update.Message
	chatID := msg.Chat.ID

	if msg.ReplyToMessage == nil {
		if _, err := b.SendMessage(ctx, &bot.SendMessageParams{ChatID: chatID, Text: h.deps.Config.Messages.ForgetUsage}); err != nil {
			log.ErrorContext(ctx, "Failed to send forget usage message", "error", err, "chat_id", chatID)
		}
		return
	}

	id := MessageIDFor(chatID, msg.ReplyToMessage.ID)
	if err := h.deps.Store.DeleteMessage(ctx, id); err != nil {
		log.ErrorContext(ctx, "Failed to forget message", "error", err, "message_id", id)
		if _, sendErr := b.SendMessage(ctx, &bot.SendMessageParams{ChatID: chatID, Text: h.deps.Config.Messages.GeneralError}); sendErr != nil {
			log.ErrorContext(ctx, "Failed to send error message", "error", sendErr, "chat_id", chatID)
		}
		return
	}

	log.InfoContext(ctx, "Message forgotten", "message_id", id, "admin_id", msg.From.ID)
	if _, err := b.SendMessage(ctx, &bot.SendMessageParams{ChatID: chatID, Text: h.deps.Config.Messages.ForgetConfirm}); err != nil {
		log.ErrorContext(ctx, "Failed to send forget confirmation", "error", err, "chat_id", chatID)
	}
}
