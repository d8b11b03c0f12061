package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"time"

	"github.com/jmoiron/sqlx"
)

// Store defines the durable message store operations. Methods accept a
// context for cancellation and timeouts.
type Store interface {
	// Ping checks the database connection.
	Ping(ctx context.Context) error

	// UpsertServer inserts or updates server metadata.
	UpsertServer(ctx context.Context, server *Server) error

	// UpsertChannel inserts or updates channel metadata.
	UpsertChannel(ctx context.Context, channel *Channel) error

	// UpsertUser inserts or updates user metadata. It never changes the
	// opt_out flag; use SetOptOut for that.
	UpsertUser(ctx context.Context, user *User) error

	// EnsureUser inserts a stub user row if none exists. Existing rows,
	// including their metadata and opt_out flag, are left untouched.
	EnsureUser(ctx context.Context, userID int64) error

	// SetOptOut sets a user's opt-out flag. Opting out also soft-deletes all
	// of the user's live messages in the same transaction. Opting back in
	// does not resurrect previously deleted messages.
	SetOptOut(ctx context.Context, userID int64, optOut bool) error

	// SaveMessage persists a message. Returns (false, nil) when the author
	// has opted out and the content was skipped. Replaying the same id is an
	// idempotent upsert of content, embedding, and updated_at.
	SaveMessage(ctx context.Context, msg *Message) (bool, error)

	// UpdateMessage replaces a message's content and embedding. Soft-deleted
	// rows are left untouched.
	UpdateMessage(ctx context.Context, id int64, content string, embedding []float32) error

	// DeleteMessage soft-deletes a message. The row is never physically
	// removed.
	DeleteMessage(ctx context.Context, id int64) error

	// MessageExists reports whether a row with this id exists, deleted or not.
	MessageExists(ctx context.Context, id int64) (bool, error)

	// FindSimilar returns up to q.Limit live, non-opted-out messages ranked
	// by descending similarity to the query embedding, ties broken by most
	// recent created_at.
	FindSimilar(ctx context.Context, embedding []float32, q SimilarityQuery) ([]ScoredMessage, error)

	// MessagesInRange returns a temporal slice of a channel, excluding
	// deleted and opted-out rows.
	MessagesInRange(ctx context.Context, q RangeQuery) ([]Message, error)

	// RecentMessages returns the most recent live messages in scope, newest
	// first. channelID zero means any channel in the server.
	RecentMessages(ctx context.Context, serverID, channelID int64, limit int) ([]Message, error)

	// ServerContext summarizes a server for prompt scope context.
	ServerContext(ctx context.Context, serverID int64) (*ServerContext, error)

	// RunSQLMaintenance performs database maintenance (VACUUM).
	RunSQLMaintenance(ctx context.Context) error
}

const (
	defaultQueryLimit   = 10
	maxQueryLimit       = 100
	activeUserWindow    = 7 * 24 * time.Hour
	activeUserListLimit = 50
)

type sqlxStore struct {
	db             *sqlx.DB
	logger         *slog.Logger
	candidateLimit int
}

// NewStore creates a Store backed by sqlx. candidateLimit bounds how many
// recent scoped rows are ranked per similarity query.
func NewStore(db *sqlx.DB, logger *slog.Logger, candidateLimit int) Store {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if candidateLimit <= 0 {
		candidateLimit = 1000
	}
	return &sqlxStore{
		db:             db,
		logger:         logger.With("component", "store"),
		candidateLimit: candidateLimit,
	}
}

func (s *sqlxStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *sqlxStore) UpsertServer(ctx context.Context, server *Server) error {
	if server == nil {
		return fmt.Errorf("cannot upsert nil server")
	}
	if server.ID == 0 {
		return fmt.Errorf("server must have a non-zero id")
	}

	now := time.Now().UTC()
	server.CreatedAt = now
	server.UpdatedAt = now

	query := `
        INSERT INTO servers (id, name, member_count, created_at, updated_at)
        VALUES (:id, :name, :member_count, :created_at, :updated_at)
        ON CONFLICT (id) DO UPDATE SET
            name = excluded.name,
            member_count = excluded.member_count,
            updated_at = excluded.updated_at;
    `
	if _, err := s.db.NamedExecContext(ctx, query, server); err != nil {
		s.logger.ErrorContext(ctx, "Error upserting server", "server_id", server.ID, "error", err)
		return fmt.Errorf("failed to upsert server %d: %w", server.ID, err)
	}
	return nil
}

func (s *sqlxStore) UpsertChannel(ctx context.Context, channel *Channel) error {
	if channel == nil {
		return fmt.Errorf("cannot upsert nil channel")
	}
	if channel.ID == 0 || channel.ServerID == 0 {
		return fmt.Errorf("channel must have non-zero id and server_id")
	}

	now := time.Now().UTC()
	channel.CreatedAt = now
	channel.UpdatedAt = now

	query := `
        INSERT INTO channels (id, server_id, name, topic, created_at, updated_at)
        VALUES (:id, :server_id, :name, :topic, :created_at, :updated_at)
        ON CONFLICT (id) DO UPDATE SET
            name = excluded.name,
            topic = excluded.topic,
            updated_at = excluded.updated_at;
    `
	if _, err := s.db.NamedExecContext(ctx, query, channel); err != nil {
		s.logger.ErrorContext(ctx, "Error upserting channel", "channel_id", channel.ID, "error", err)
		return fmt.Errorf("failed to upsert channel %d: %w", channel.ID, err)
	}
	return nil
}

func (s *sqlxStore) UpsertUser(ctx context.Context, user *User) error {
	if user == nil {
		return fmt.Errorf("cannot upsert nil user")
	}
	if user.ID == 0 {
		return fmt.Errorf("user must have a non-zero id")
	}

	now := time.Now().UTC()
	user.CreatedAt = now
	user.UpdatedAt = now

	// opt_out is deliberately absent from the UPDATE clause: metadata
	// refreshes must not flip a privacy preference.
	query := `
        INSERT INTO users (id, username, display_name, avatar_url, opt_out, created_at, updated_at)
        VALUES (:id, :username, :display_name, :avatar_url, 0, :created_at, :updated_at)
        ON CONFLICT (id) DO UPDATE SET
            username = excluded.username,
            display_name = excluded.display_name,
            avatar_url = excluded.avatar_url,
            updated_at = excluded.updated_at;
    `
	if _, err := s.db.NamedExecContext(ctx, query, user); err != nil {
		s.logger.ErrorContext(ctx, "Error upserting user", "user_id", user.ID, "error", err)
		return fmt.Errorf("failed to upsert user %d: %w", user.ID, err)
	}
	return nil
}

func (s *sqlxStore) EnsureUser(ctx context.Context, userID int64) error {
	if userID == 0 {
		return fmt.Errorf("user_id cannot be zero")
	}

	now := time.Now().UTC()
	query := `
        INSERT INTO users (id, username, display_name, avatar_url, opt_out, created_at, updated_at)
        VALUES (?, '', '', '', 0, ?, ?)
        ON CONFLICT (id) DO NOTHING;
    `
	if _, err := s.db.ExecContext(ctx, query, userID, now, now); err != nil {
		s.logger.ErrorContext(ctx, "Error ensuring user", "user_id", userID, "error", err)
		return fmt.Errorf("failed to ensure user %d: %w", userID, err)
	}
	return nil
}

func (s *sqlxStore) SetOptOut(ctx context.Context, userID int64, optOut bool) error {
	if userID == 0 {
		return fmt.Errorf("user_id cannot be zero")
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if tx != nil {
			if rollbackErr := tx.Rollback(); rollbackErr != nil && !errors.Is(rollbackErr, sql.ErrTxDone) {
				s.logger.WarnContext(ctx, "Error rolling back transaction", "error", rollbackErr)
			}
		}
	}()

	now := time.Now().UTC()

	// The user row may not exist yet when an opt-out request arrives before
	// any stored message; create a stub so future content inserts are blocked.
	_, err = tx.ExecContext(ctx, `
        INSERT INTO users (id, username, display_name, avatar_url, opt_out, created_at, updated_at)
        VALUES (?, '', '', '', ?, ?, ?)
        ON CONFLICT (id) DO UPDATE SET
            opt_out = excluded.opt_out,
            updated_at = excluded.updated_at;
    `, userID, optOut, now, now)
	if err != nil {
		s.logger.ErrorContext(ctx, "Error setting opt-out flag", "user_id", userID, "error", err)
		return fmt.Errorf("failed to set opt-out for user %d: %w", userID, err)
	}

	var hidden int64
	if optOut {
		result, err := tx.ExecContext(ctx, `
            UPDATE messages SET deleted_at = ?, updated_at = ?
            WHERE user_id = ? AND deleted_at IS NULL;
        `, now, now, userID)
		if err != nil {
			s.logger.ErrorContext(ctx, "Error soft-deleting messages for opted-out user", "user_id", userID, "error", err)
			return fmt.Errorf("failed to soft-delete messages for user %d: %w", userID, err)
		}
		hidden, _ = result.RowsAffected()
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	tx = nil

	s.logger.InfoContext(ctx, "Updated user opt-out", "user_id", userID, "opt_out", optOut, "messages_hidden", hidden)
	return nil
}

func (s *sqlxStore) SaveMessage(ctx context.Context, msg *Message) (bool, error) {
	if msg == nil {
		return false, fmt.Errorf("cannot save nil message")
	}
	if msg.ID == 0 || msg.ServerID == 0 || msg.ChannelID == 0 || msg.UserID == 0 {
		return false, fmt.Errorf("message must have non-zero id, server_id, channel_id, and user_id")
	}
	if msg.Content == "" {
		return false, fmt.Errorf("message must have non-empty content")
	}
	if msg.MessageType == "" {
		msg.MessageType = MessageTypeNormal
	}

	now := time.Now().UTC()
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = now
	}
	msg.UpdatedAt = now

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if tx != nil {
			if rollbackErr := tx.Rollback(); rollbackErr != nil && !errors.Is(rollbackErr, sql.ErrTxDone) {
				s.logger.WarnContext(ctx, "Error rolling back transaction", "error", rollbackErr)
			}
		}
	}()

	var optOut bool
	err = tx.GetContext(ctx, &optOut, `SELECT opt_out FROM users WHERE id = ?`, msg.UserID)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return false, fmt.Errorf("failed to check opt-out for user %d: %w", msg.UserID, err)
	}
	if optOut {
		s.logger.DebugContext(ctx, "Skipping message from opted-out user", "user_id", msg.UserID, "message_id", msg.ID)
		return false, nil
	}

	query := `
        INSERT INTO messages (id, server_id, channel_id, user_id, content, embedding,
                              message_type, reply_to, created_at, updated_at)
        VALUES (:id, :server_id, :channel_id, :user_id, :content, :embedding,
                :message_type, :reply_to, :created_at, :updated_at)
        ON CONFLICT (id) DO UPDATE SET
            content = excluded.content,
            embedding = excluded.embedding,
            updated_at = excluded.updated_at;
    `
	if _, err := tx.NamedExecContext(ctx, query, msg); err != nil {
		s.logger.ErrorContext(ctx, "Error saving message", "message_id", msg.ID, "channel_id", msg.ChannelID, "error", err)
		return false, fmt.Errorf("failed to save message %d: %w", msg.ID, err)
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("failed to commit transaction: %w", err)
	}
	tx = nil

	s.logger.DebugContext(ctx, "Message saved", "message_id", msg.ID, "channel_id", msg.ChannelID, "has_embedding", msg.Embedding != nil)
	return true, nil
}

func (s *sqlxStore) UpdateMessage(ctx context.Context, id int64, content string, embedding []float32) error {
	if id == 0 {
		return fmt.Errorf("message id cannot be zero")
	}
	if content == "" {
		return fmt.Errorf("message content cannot be empty")
	}

	result, err := s.db.ExecContext(ctx, `
        UPDATE messages SET content = ?, embedding = ?, updated_at = ?
        WHERE id = ? AND deleted_at IS NULL;
    `, content, EncodeVector(embedding), time.Now().UTC(), id)
	if err != nil {
		s.logger.ErrorContext(ctx, "Error updating message", "message_id", id, "error", err)
		return fmt.Errorf("failed to update message %d: %w", id, err)
	}

	if affected, err := result.RowsAffected(); err == nil && affected == 0 {
		// Either unknown or already soft-deleted; both are no-ops.
		s.logger.DebugContext(ctx, "Update matched no live message", "message_id", id)
	}
	return nil
}

func (s *sqlxStore) DeleteMessage(ctx context.Context, id int64) error {
	if id == 0 {
		return fmt.Errorf("message id cannot be zero")
	}

	now := time.Now().UTC()
	if _, err := s.db.ExecContext(ctx, `
        UPDATE messages SET deleted_at = ?, updated_at = ?
        WHERE id = ? AND deleted_at IS NULL;
    `, now, now, id); err != nil {
		s.logger.ErrorContext(ctx, "Error soft-deleting message", "message_id", id, "error", err)
		return fmt.Errorf("failed to delete message %d: %w", id, err)
	}
	return nil
}

func (s *sqlxStore) MessageExists(ctx context.Context, id int64) (bool, error) {
	if id == 0 {
		return false, fmt.Errorf("message id cannot be zero")
	}

	var exists bool
	err := s.db.GetContext(ctx, &exists, `SELECT 1 FROM messages WHERE id = ? LIMIT 1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to check message %d: %w", id, err)
	}
	return exists, nil
}

func (s *sqlxStore) FindSimilar(ctx context.Context, embedding []float32, q SimilarityQuery) ([]ScoredMessage, error) {
	if len(embedding) == 0 {
		return nil, fmt.Errorf("query embedding cannot be empty")
	}
	if q.ServerID == 0 {
		return nil, fmt.Errorf("server_id cannot be zero")
	}
	limit := clampLimit(q.Limit)

	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	query := `
        SELECT m.id, m.server_id, m.channel_id, m.user_id, m.content, m.embedding,
               m.message_type, m.reply_to, m.created_at, m.updated_at, m.deleted_at
        FROM messages m
        JOIN users u ON u.id = m.user_id
        WHERE m.server_id = ?
          AND m.deleted_at IS NULL
          AND m.embedding IS NOT NULL
          AND u.opt_out = 0
    `
	args := []any{q.ServerID}
	if q.ChannelID != 0 {
		query += ` AND m.channel_id = ?`
		args = append(args, q.ChannelID)
	}
	if !q.After.IsZero() {
		query += ` AND m.created_at >= ?`
		args = append(args, q.After.UTC())
	}
	query += ` ORDER BY m.created_at DESC LIMIT ?;`
	args = append(args, s.candidateLimit)

	var candidates []Message
	if err := s.db.SelectContext(ctx, &candidates, query, args...); err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			return nil, err
		}
		s.logger.ErrorContext(ctx, "Error loading similarity candidates", "server_id", q.ServerID, "error", err)
		return nil, fmt.Errorf("failed to load similarity candidates for server %d: %w", q.ServerID, err)
	}

	scored := make([]ScoredMessage, 0, len(candidates))
	for _, m := range candidates {
		scored = append(scored, ScoredMessage{Message: m, Similarity: CosineSimilarity(embedding, m.Vector())})
	}

	sort.SliceStable(scored, func(i, j int) bool {
		if scored[i].Similarity != scored[j].Similarity {
			return scored[i].Similarity > scored[j].Similarity
		}
		if !scored[i].CreatedAt.Equal(scored[j].CreatedAt) {
			return scored[i].CreatedAt.After(scored[j].CreatedAt)
		}
		return scored[i].ID > scored[j].ID
	})

	if len(scored) > limit {
		scored = scored[:limit]
	}

	s.logger.DebugContext(ctx, "Similarity search complete",
		"server_id", q.ServerID, "candidates", len(candidates), "returned", len(scored))
	return scored, nil
}

func (s *sqlxStore) MessagesInRange(ctx context.Context, q RangeQuery) ([]Message, error) {
	if q.ChannelID == 0 {
		return nil, fmt.Errorf("channel_id cannot be zero")
	}
	limit := clampLimit(q.Limit)

	query := `
        SELECT m.id, m.server_id, m.channel_id, m.user_id, m.content, m.embedding,
               m.message_type, m.reply_to, m.created_at, m.updated_at, m.deleted_at
        FROM messages m
        JOIN users u ON u.id = m.user_id
        WHERE m.channel_id = ?
          AND m.deleted_at IS NULL
          AND u.opt_out = 0
    `
	args := []any{q.ChannelID}
	if !q.Before.IsZero() {
		query += ` AND m.created_at < ?`
		args = append(args, q.Before.UTC())
	}
	if !q.After.IsZero() {
		query += ` AND m.created_at > ?`
		args = append(args, q.After.UTC())
	}
	if q.Ascending {
		query += ` ORDER BY m.created_at ASC, m.id ASC`
	} else {
		query += ` ORDER BY m.created_at DESC, m.id DESC`
	}
	query += ` LIMIT ?;`
	args = append(args, limit)

	var msgs []Message
	if err := s.db.SelectContext(ctx, &msgs, query, args...); err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			return nil, err
		}
		s.logger.ErrorContext(ctx, "Error fetching message range", "channel_id", q.ChannelID, "error", err)
		return nil, fmt.Errorf("failed to fetch messages for channel %d: %w", q.ChannelID, err)
	}
	return msgs, nil
}

func (s *sqlxStore) RecentMessages(ctx context.Context, serverID, channelID int64, limit int) ([]Message, error) {
	if serverID == 0 {
		return nil, fmt.Errorf("server_id cannot be zero")
	}
	limit = clampLimit(limit)

	query := `
        SELECT m.id, m.server_id, m.channel_id, m.user_id, m.content, m.embedding,
               m.message_type, m.reply_to, m.created_at, m.updated_at, m.deleted_at
        FROM messages m
        JOIN users u ON u.id = m.user_id
        WHERE m.server_id = ?
          AND m.deleted_at IS NULL
          AND u.opt_out = 0
    `
	args := []any{serverID}
	if channelID != 0 {
		query += ` AND m.channel_id = ?`
		args = append(args, channelID)
	}
	query += ` ORDER BY m.created_at DESC, m.id DESC LIMIT ?;`
	args = append(args, limit)

	var msgs []Message
	if err := s.db.SelectContext(ctx, &msgs, query, args...); err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			return nil, err
		}
		s.logger.ErrorContext(ctx, "Error fetching recent messages", "server_id", serverID, "error", err)
		return nil, fmt.Errorf("failed to fetch recent messages for server %d: %w", serverID, err)
	}
	return msgs, nil
}

func (s *sqlxStore) ServerContext(ctx context.Context, serverID int64) (*ServerContext, error) {
	if serverID == 0 {
		return nil, fmt.Errorf("server_id cannot be zero")
	}

	sc := &ServerContext{}

	var server Server
	err := s.db.GetContext(ctx, &server, `
        SELECT id, name, member_count, created_at, updated_at
        FROM servers WHERE id = ?`, serverID)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		// Unknown server: empty context, not an error.
		return sc, nil
	case err != nil:
		return nil, fmt.Errorf("failed to get server %d: %w", serverID, err)
	}
	sc.Server = &server

	if err := s.db.SelectContext(ctx, &sc.Channels, `
        SELECT id, server_id, name, topic, created_at, updated_at
        FROM channels WHERE server_id = ? ORDER BY name`, serverID); err != nil {
		return nil, fmt.Errorf("failed to list channels for server %d: %w", serverID, err)
	}

	cutoff := time.Now().UTC().Add(-activeUserWindow)
	if err := s.db.SelectContext(ctx, &sc.RecentUsers, `
        SELECT DISTINCT u.username, u.display_name
        FROM users u
        JOIN messages m ON m.user_id = u.id
        WHERE m.server_id = ?
          AND m.created_at > ?
          AND m.deleted_at IS NULL
          AND u.opt_out = 0
        ORDER BY u.username
        LIMIT ?`, serverID, cutoff, activeUserListLimit); err != nil {
		return nil, fmt.Errorf("failed to list recent users for server %d: %w", serverID, err)
	}

	return sc, nil
}

func (s *sqlxStore) RunSQLMaintenance(ctx context.Context) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}

	s.logger.InfoContext(ctx, "Starting database maintenance (VACUUM)")

	// VACUUM must run outside a transaction in SQLite.
	_, err := s.db.ExecContext(ctx, "VACUUM;")
	switch {
	case errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled):
		return fmt.Errorf("database maintenance timed out: %w", err)
	case err != nil:
		s.logger.ErrorContext(ctx, "Database maintenance failed", "error", err)
		return fmt.Errorf("failed to execute VACUUM: %w", err)
	}

	s.logger.InfoContext(ctx, "Database maintenance completed")
	return nil
}

func clampLimit(limit int) int {
	switch {
	case limit <= 0:
		return defaultQueryLimit
	case limit > maxQueryLimit:
		return maxQueryLimit
	}
	return limit
}
