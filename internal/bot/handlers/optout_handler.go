package handlers

import (
	"context"
	"time"

	"github.com/go-telegram/bot"
	"github.com/go-telegram/bot/models"
)

// NewOptOutHandler returns a handler for /optout (optOut true) or /optin
// (optOut false). Opting out stops message storage and retroactively hides
// everything the user has said; opting back in does not resurrect it.
func NewOptOutHandler(deps HandlerDeps, optOut bool) bot.HandlerFunc {
	return optOutHandler{deps: deps, optOut: optOut}.Handle
}

type optOutHandler struct {
	deps   HandlerDeps
	optOut bool
}

func (h optOutHandler) Handle(ctx context.Context, b *bot.Bot, update *models.Update) {
	log := h.deps.Logger.With("handler", "optout")

	if update.Message == nil || update.Message.From == nil {
		log.WarnContext(ctx, "Opt-out handler received update with nil message or sender", "update_id", update.ID)
		return
	}

	userID := update.Message.From.ID
	chatID := update.Message.Chat.ID
	log.InfoContext(ctx, "Handling privacy preference change", "user_id", userID, "opt_out", h.optOut)

	dbCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	if err := h.deps.Store.SetOptOut(dbCtx, userID, h.optOut); err != nil {
		log.ErrorContext(ctx, "Failed to set opt-out preference", "error", err, "user_id", userID)
		if _, sendErr := b.SendMessage(ctx, &bot.SendMessageParams{ChatID: chatID, Text: h.deps.Config.Messages.GeneralError}); sendErr != nil {
			log.ErrorContext(ctx, "Failed to send error message", "error", sendErr, "chat_id", chatID)
		}
		return
	}

	confirm := h.deps.Config.Messages.OptOutConfirm
	if !h.optOut {
		confirm = h.deps.Config.Messages.OptInConfirm
	}
	if _, err := b.SendMessage(ctx, &bot.SendMessageParams{ChatID: chatID, Text: confirm}); err != nil {
		log.ErrorContext(ctx, "Failed to send confirmation message", "error", err, "chat_id", chatID)
	}
}
