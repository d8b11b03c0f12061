package handlers

import (
	"context"
	"time"

	"github.com/go-telegram/bot"
	"github.com/go-telegram/bot/models"
)

// NewMaintenanceHandler returns the admin-only /maintenance command, which
// runs database maintenance immediately instead of waiting for the
// scheduled job.
func NewMaintenanceHandler(deps HandlerDeps) bot.HandlerFunc {
	return maintenanceHandler{deps}.Handle
}

type maintenanceHandler struct {
	deps HandlerDeps
}

func (h maintenanceHandler) Handle(ctx context.Context, b *bot.Bot, update *models.Update) {
	log := h.deps.Logger.With("handler", "maintenance")

	if update.Message == nil || update.Message.From == nil {
		log.WarnContext(ctx, "Maintenance handler received update with nil message or sender", "update_id", update.ID)
		return
	}

	chatID := update.Message.Chat.ID
	log.InfoContext(ctx, "Admin requested database maintenance", "admin_id", update.Message.From.ID)

	dbCtx, cancel := context.WithTimeout(ctx, 5*time.Minute)
	defer cancel()

	if err := h.deps.Store.RunSQLMaintenance(dbCtx); err != nil {
		log.ErrorContext(ctx, "Database maintenance failed", "error", err)
		if _, sendErr := b.SendMessage(ctx, &bot.SendMessageParams{ChatID: chatID, Text: h.deps.Config.Messages.GeneralError}); sendErr != nil {
			log.ErrorContext(ctx, "Failed to send error message", "error", sendErr, "chat_id", chatID)
		}
		return
	}

	if _, err := b.SendMessage(ctx, &bot.SendMessageParams{ChatID: chatID, Text: h.deps.Config.Messages.MaintenanceDone}); err != nil {
		log.ErrorContext(ctx, "Failed to send maintenance confirmation", "error", err, "chat_id", chatID)
	}
}
