package handlers

import (
	"context"
	"fmt"
	"hash/fnv"
	"time"

	"github.com/go-telegram/bot"
	"github.com/go-telegram/bot/models"

	"github.com/lorebot/lorebot/internal/store"
)

const (
	aiProcessingTimeout = 2 * time.Minute
	sendMessageTimeout  = 10 * time.Second
	dbSaveTimeout       = 5 * time.Second
	embedTimeout        = 15 * time.Second

	// Telegram's hard limit on message text length.
	maxMessageLength = 4096
)

// TruncateMessage clips text to limit runes, replacing the tail with an
// ellipsis when it was cut.
func TruncateMessage(text string, limit int) string {
	runes := []rune(text)
	if len(runes) <= limit {
		return text
	}
	if limit <= 0 {
		return ""
	}
	return string(runes[:limit-1]) + "…"
}

// ChannelIDFor derives a stable channel id for a chat and forum topic.
// Plain chats use the chat id directly; topic thread ids are only unique
// within their chat, so topics get a hashed id.
func ChannelIDFor(chatID int64, threadID int) int64 {
	if threadID == 0 {
		return chatID
	}
	return hashID(chatID, int64(threadID))
}

// MessageIDFor derives a globally unique message id. Telegram message ids
// are only unique per chat.
func MessageIDFor(chatID int64, messageID int) int64 {
	return hashID(chatID, int64(messageID))
}

func hashID(a, b int64) int64 {
	h := fnv.New64a()
	var buf [16]byte
	for i := 0; i < 8; i++ {
		buf[i] = byte(a >> (8 * i))
		buf[8+i] = byte(b >> (8 * i))
	}
	h.Write(buf[:])
	// Clear the sign bit so derived ids never collide with raw chat ids,
	// which Telegram issues as negative numbers for groups.
	return int64(h.Sum64() &^ (1 << 63))
}

// SaveMessageWithRetry attempts to persist a message, retrying transient
// failures with backoff. Skipped saves (opted-out author) are not retried.
func SaveMessageWithRetry(ctx context.Context, deps HandlerDeps, msg *store.Message, msgType string) {
	log := deps.Logger.With("handler", "chat")
	const maxRetries = 3
	var err error

	for i := 0; i < maxRetries; i++ {
		if ctx.Err() != nil {
			log.WarnContext(ctx, fmt.Sprintf("Context cancelled, aborting %s save attempts", msgType),
				"error", ctx.Err(), "message_id", msg.ID, "attempt", i+1)
			return
		}

		dbCtx, cancel := context.WithTimeout(ctx, dbSaveTimeout)
		var stored bool
		stored, err = deps.Store.SaveMessage(dbCtx, msg)
		cancel()

		if err == nil {
			if !stored {
				log.DebugContext(ctx, fmt.Sprintf("%s skipped for opted-out author", msgType), "user_id", msg.UserID)
			}
			return
		}

		log.ErrorContext(ctx, fmt.Sprintf("Failed to save %s, retrying", msgType), "error", err, "message_id", msg.ID, "attempt", i+1)
		time.Sleep(time.Duration(500*(i+1)) * time.Millisecond)
	}

	log.ErrorContext(ctx, fmt.Sprintf("Failed to save %s after %d retries", msgType, maxRetries), "last_error", err, "message_id", msg.ID)
}

// SendAndSaveReply sends a reply to the chat and persists the sent message
// so the bot's own replies become part of the retrievable history.
func SendAndSaveReply(ctx context.Context, b *bot.Bot, deps HandlerDeps, serverID, channelID int64, replyTo int, text string) {
	log := deps.Logger.With("handler", "chat")
	if text == "" {
		text = deps.Config.Messages.EmptyFallback
	}
	text = TruncateMessage(text, maxMessageLength)

	sendCtx, cancel := context.WithTimeout(ctx, sendMessageTimeout)
	defer cancel()
	sent, err := b.SendMessage(sendCtx, &bot.SendMessageParams{
		ChatID:          serverID,
		Text:            text,
		ReplyParameters: &models.ReplyParameters{MessageID: replyTo},
	})
	if err != nil {
		log.ErrorContext(ctx, "Failed to send reply message", "error", err, "chat_id", serverID)
		return
	}
	log.InfoContext(ctx, "Sent reply", "chat_id", serverID, "message_id", sent.ID)

	botInfo := deps.Config.Telegram.BotInfo
	if botInfo == nil || botInfo.ID == 0 {
		log.WarnContext(ctx, "Bot identity unknown, skipping reply persistence", "chat_id", serverID)
		return
	}

	msg := &store.Message{
		ID:          MessageIDFor(serverID, sent.ID),
		ServerID:    serverID,
		ChannelID:   channelID,
		UserID:      botInfo.ID,
		Content:     text,
		Embedding:   embedBestEffort(ctx, deps, text),
		MessageType: store.MessageTypeNormal,
		CreatedAt:   time.Unix(int64(sent.Date), 0).UTC(),
	}
	SaveMessageWithRetry(ctx, deps, msg, "bot reply")
}

// embedBestEffort returns the encoded embedding for text, or nil when
// embedding fails. Messages are stored either way.
func embedBestEffort(ctx context.Context, deps HandlerDeps, text string) []byte {
	embedCtx, cancel := context.WithTimeout(ctx, embedTimeout)
	defer cancel()

	vec, err := deps.AI.Embed(embedCtx, text)
	if err != nil {
		deps.Logger.WarnContext(ctx, "Embedding failed, storing message without vector", "error", err)
		return nil
	}
	return store.EncodeVector(vec)
}
