package handlers

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"
	"unicode"

	tgbot "github.com/go-telegram/bot"
	"github.com/go-telegram/bot/models"

	"github.com/lorebot/lorebot/internal/bot"
	"github.com/lorebot/lorebot/internal/store"
)

type chatHandler struct {
	deps HandlerDeps
}

// NewChatHandler creates the default message handler. It persists every
// message it sees and generates a reply when the bot is addressed.
func NewChatHandler(deps HandlerDeps) tgbot.HandlerFunc {
	return chatHandler{deps}.Handle
}

func (h chatHandler) Handle(ctx context.Context, b *tgbot.Bot, update *models.Update) {
	deps := h.deps
	log := deps.Logger.With("handler", "chat")

	if update.EditedMessage != nil {
		h.handleEdit(ctx, update.EditedMessage)
		return
	}

	msg := update.Message
	if msg == nil || msg.From == nil || msg.From.IsBot {
		return
	}

	text := messageText(msg)
	if strings.TrimSpace(text) == "" {
		return
	}

	serverID := msg.Chat.ID
	channelID := ChannelIDFor(msg.Chat.ID, msg.MessageThreadID)
	h.upsertScope(ctx, msg, serverID, channelID)

	stored := &store.Message{
		ID:          MessageIDFor(serverID, msg.ID),
		ServerID:    serverID,
		ChannelID:   channelID,
		UserID:      msg.From.ID,
		Content:     text,
		Embedding:   embedBestEffort(ctx, deps, text),
		MessageType: store.MessageTypeNormal,
		CreatedAt:   time.Unix(int64(msg.Date), 0).UTC(),
	}
	if msg.ReplyToMessage != nil {
		stored.ReplyTo = sql.NullInt64{Int64: MessageIDFor(serverID, msg.ReplyToMessage.ID), Valid: true}
	}
	SaveMessageWithRetry(ctx, deps, stored, "incoming message")

	if !h.shouldReply(msg) {
		return
	}

	_, _ = b.SendChatAction(ctx, &tgbot.SendChatActionParams{ChatID: serverID, Action: models.ChatActionTyping})

	aiCtx, cancel := context.WithTimeout(ctx, aiProcessingTimeout)
	defer cancel()

	reply, err := deps.Orchestrator.HandleUserMessage(aiCtx, bot.Request{
		ServerID:  serverID,
		ChannelID: channelID,
		UserID:    msg.From.ID,
		MessageID: stored.ID,
		UserName:  displayName(msg.From),
		Text:      strippedPrompt(text, h.botUsername()),
	})
	switch {
	case errors.Is(err, bot.ErrCooldown):
		log.DebugContext(ctx, "Reply suppressed by cooldown", "user_id", msg.From.ID)
		return
	case errors.Is(err, bot.ErrValidation):
		log.DebugContext(ctx, "Reply request rejected", "error", err)
		return
	case err != nil:
		log.ErrorContext(ctx, "Reply generation failed", "error", err, "chat_id", serverID)
		if _, sendErr := b.SendMessage(ctx, &tgbot.SendMessageParams{
			ChatID: serverID,
			Text:   deps.Config.Messages.GeneralError,
		}); sendErr != nil {
			log.ErrorContext(ctx, "Failed to send error message", "error", sendErr, "chat_id", serverID)
		}
		return
	}

	SendAndSaveReply(ctx, b, deps, serverID, channelID, msg.ID, reply)
}

// handleEdit propagates an edited message's new content and embedding to
// the store. Edits to deleted or unknown messages are no-ops.
func (h chatHandler) handleEdit(ctx context.Context, msg *models.Message) {
	deps := h.deps
	log := deps.Logger.With("handler", "chat")

	if msg == nil || msg.From == nil || msg.From.IsBot {
		return
	}
	text := messageText(msg)
	if strings.TrimSpace(text) == "" {
		return
	}

	id := MessageIDFor(msg.Chat.ID, msg.ID)

	var vec []float32
	embedCtx, cancel := context.WithTimeout(ctx, embedTimeout)
	if v, err := deps.AI.Embed(embedCtx, text); err != nil {
		log.WarnContext(ctx, "Embedding failed for edited message", "error", err, "message_id", id)
	} else {
		vec = v
	}
	cancel()

	if err := deps.Store.UpdateMessage(ctx, id, text, vec); err != nil {
		log.ErrorContext(ctx, "Failed to update edited message", "error", err, "message_id", id)
		return
	}
	log.DebugContext(ctx, "Edited message updated", "message_id", id)
}

func (h chatHandler) upsertScope(ctx context.Context, msg *models.Message, serverID, channelID int64) {
	deps := h.deps
	log := deps.Logger.With("handler", "chat")

	server := &store.Server{ID: serverID, Name: chatTitle(&msg.Chat)}
	if err := deps.Store.UpsertServer(ctx, server); err != nil {
		log.WarnContext(ctx, "Failed to upsert server", "error", err, "server_id", serverID)
	}

	channel := &store.Channel{ID: channelID, ServerID: serverID, Name: chatTitle(&msg.Chat)}
	if err := deps.Store.UpsertChannel(ctx, channel); err != nil {
		log.WarnContext(ctx, "Failed to upsert channel", "error", err, "channel_id", channelID)
	}

	user := &store.User{
		ID:          msg.From.ID,
		Username:    msg.From.Username,
		DisplayName: displayName(msg.From),
	}
	if err := deps.Store.UpsertUser(ctx, user); err != nil {
		log.WarnContext(ctx, "Failed to upsert user", "error", err, "user_id", msg.From.ID)
	}
}

// shouldReply reports whether the bot was addressed: a private chat, an
// explicit mention, or a reply to one of the bot's messages.
func (h chatHandler) shouldReply(msg *models.Message) bool {
	if msg.Chat.Type == models.ChatTypePrivate {
		return true
	}

	botInfo := h.deps.Config.Telegram.BotInfo
	if botInfo == nil {
		return false
	}

	if msg.ReplyToMessage != nil && msg.ReplyToMessage.From != nil && msg.ReplyToMessage.From.ID == botInfo.ID {
		return true
	}

	username := strings.ToLower(botInfo.Username)
	if username == "" {
		return false
	}

	text := strings.ToLower(messageText(msg))
	mention := "@" + username
	for _, e := range append(msg.Entities, msg.CaptionEntities...) {
		if e.Type != models.MessageEntityTypeMention {
			continue
		}
		if e.Offset >= 0 && e.Length > 0 && e.Offset+e.Length <= len(text) &&
			text[e.Offset:e.Offset+e.Length] == mention {
			return true
		}
	}

	for _, w := range strings.Fields(text) {
		if strings.TrimFunc(w, unicode.IsPunct) == username {
			return true
		}
	}
	return false
}

func (h chatHandler) botUsername() string {
	if info := h.deps.Config.Telegram.BotInfo; info != nil {
		return info.Username
	}
	return ""
}

func messageText(msg *models.Message) string {
	switch {
	case msg.Text != "" && msg.Caption != "":
		return msg.Text + " " + msg.Caption
	case msg.Text != "":
		return msg.Text
	default:
		return msg.Caption
	}
}

// strippedPrompt removes the bot mention from the prompt text so the model
// sees the question, not its own handle.
func strippedPrompt(text, botUsername string) string {
	if botUsername == "" {
		return strings.TrimSpace(text)
	}
	cleaned := strings.NewReplacer("@"+botUsername, "", "@"+strings.ToLower(botUsername), "").Replace(text)
	return strings.TrimSpace(cleaned)
}

func chatTitle(chat *models.Chat) string {
	if chat.Title != "" {
		return chat.Title
	}
	name := strings.TrimSpace(chat.FirstName + " " + chat.LastName)
	if name != "" {
		return name
	}
	return chat.Username
}

func displayName(u *models.User) string {
	name := strings.TrimSpace(u.FirstName + " " + u.LastName)
	if name != "" {
		return name
	}
	return u.Username
}
