package store

import (
	"database/sql"
	"time"
)

// Message type tags stored in messages.message_type.
const (
	MessageTypeNormal   = "normal"
	MessageTypeSystem   = "system"
	MessageTypeBackfill = "backfill"
)

// Message is a durable chat message record. IDs are provider-assigned
// (platform message ids), not auto-increment. A non-null DeletedAt marks
// soft deletion; such rows are retained but excluded from every read path.
type Message struct {
	ID        int64  `db:"id"`
	ServerID  int64  `db:"server_id"`
	ChannelID int64  `db:"channel_id"`
	UserID    int64  `db:"user_id"`
	Content   string `db:"content"`
	// Embedding holds the encoded float32 vector, nil when the content was
	// empty or embedding generation failed.
	Embedding   []byte         `db:"embedding"`
	MessageType string         `db:"message_type"`
	ReplyTo     sql.NullInt64  `db:"reply_to"`
	CreatedAt   time.Time      `db:"created_at"`
	UpdatedAt   time.Time      `db:"updated_at"`
	DeletedAt   sql.NullTime   `db:"deleted_at"`
}

// Vector decodes the stored embedding, returning nil when absent.
func (m *Message) Vector() []float32 {
	return DecodeVector(m.Embedding)
}

// User is a chat platform user. OptOut marks users whose content must never
// be stored or surfaced.
type User struct {
	ID          int64     `db:"id"`
	Username    string    `db:"username"`
	DisplayName string    `db:"display_name"`
	AvatarURL   string    `db:"avatar_url"`
	OptOut      bool      `db:"opt_out"`
	CreatedAt   time.Time `db:"created_at"`
	UpdatedAt   time.Time `db:"updated_at"`
}

// Server is a top-level scope (a guild or group chat).
type Server struct {
	ID          int64         `db:"id"`
	Name        string        `db:"name"`
	MemberCount sql.NullInt64 `db:"member_count"`
	CreatedAt   time.Time     `db:"created_at"`
	UpdatedAt   time.Time     `db:"updated_at"`
}

// Channel is a conversation scope inside a server.
type Channel struct {
	ID        int64     `db:"id"`
	ServerID  int64     `db:"server_id"`
	Name      string    `db:"name"`
	Topic     string    `db:"topic"`
	CreatedAt time.Time `db:"created_at"`
	UpdatedAt time.Time `db:"updated_at"`
}

// ScoredMessage is a message paired with a similarity score in [0,1],
// higher meaning more similar. Derived per query, never stored.
type ScoredMessage struct {
	Message
	Similarity float64
}

// ActiveUser is a recently active, non-opted-out user in a server, used for
// scope context summaries.
type ActiveUser struct {
	Username    string `db:"username"`
	DisplayName string `db:"display_name"`
}

// ServerContext summarizes a server for prompt scope context.
type ServerContext struct {
	Server      *Server
	Channels    []Channel
	RecentUsers []ActiveUser
}

// SimilarityQuery scopes and bounds a FindSimilar call. ChannelID zero means
// any channel in the server. A zero After applies no temporal restriction.
type SimilarityQuery struct {
	ServerID  int64
	ChannelID int64
	After     time.Time
	Limit     int
}

// RangeQuery selects a temporal slice of a channel. Zero Before/After leave
// the corresponding bound open.
type RangeQuery struct {
	ChannelID int64
	Before    time.Time
	After     time.Time
	Limit     int
	Ascending bool
}
