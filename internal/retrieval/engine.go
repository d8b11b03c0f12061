// Package retrieval builds relevant conversational context for a query. It
// embeds the query, ranks stored messages by similarity, expands each hit
// with its surrounding conversation window, and returns a deduplicated,
// chronologically ordered context set.
package retrieval

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/lorebot/lorebot/internal/store"
)

// ErrPrivacyViolation reports that a retrieval result contained content that
// must never surface (a soft-deleted row). It indicates a query-path bug and
// the whole result set is discarded when it fires.
var ErrPrivacyViolation = errors.New("retrieval surfaced excluded content")

// Embedder produces embedding vectors for query text.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// Store is the subset of message store operations retrieval depends on.
type Store interface {
	FindSimilar(ctx context.Context, embedding []float32, q store.SimilarityQuery) ([]store.ScoredMessage, error)
	MessagesInRange(ctx context.Context, q store.RangeQuery) ([]store.Message, error)
	RecentMessages(ctx context.Context, serverID, channelID int64, limit int) ([]store.Message, error)
}

// Options scopes and bounds a retrieval request. ChannelID zero widens the
// search to the whole server. Window is the number of surrounding messages
// fetched on each side of a similarity hit. A zero After applies no temporal
// restriction.
type Options struct {
	ServerID  int64
	ChannelID int64
	Limit     int
	Window    int
	After     time.Time
}

// Engine orchestrates the retrieval pipeline.
type Engine struct {
	store    Store
	embedder Embedder
	log      *slog.Logger
}

// NewEngine creates a retrieval engine.
func NewEngine(st Store, embedder Embedder, log *slog.Logger) *Engine {
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Engine{
		store:    st,
		embedder: embedder,
		log:      log.With("component", "retrieval"),
	}
}

// Retrieve returns context messages for queryText, oldest first. An empty
// result means no relevant history exists; it is never an error. When
// embedding fails the engine degrades to plain recency.
func (e *Engine) Retrieve(ctx context.Context, queryText string, opts Options) ([]store.Message, error) {
	if opts.ServerID == 0 {
		return nil, fmt.Errorf("server_id cannot be zero")
	}

	embedding, err := e.embedder.Embed(ctx, strings.TrimSpace(queryText))
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return nil, err
		}
		e.log.WarnContext(ctx, "Query embedding failed, falling back to recency", "error", err)
		embedding = nil
	}

	if len(embedding) == 0 {
		return e.recentFallback(ctx, opts)
	}

	hits, err := e.store.FindSimilar(ctx, embedding, store.SimilarityQuery{
		ServerID:  opts.ServerID,
		ChannelID: opts.ChannelID,
		After:     opts.After,
		Limit:     opts.Limit,
	})
	if err != nil {
		return nil, fmt.Errorf("similarity search failed: %w", err)
	}
	if len(hits) == 0 {
		return nil, nil
	}

	expanded := make([]store.Message, 0, len(hits)*(2*opts.Window+1))
	for _, hit := range hits {
		expanded = append(expanded, hit.Message)
		if opts.Window <= 0 {
			continue
		}

		// Windows never cross channel boundaries; at channel edges they are
		// simply shorter.
		before, err := e.store.MessagesInRange(ctx, store.RangeQuery{
			ChannelID: hit.ChannelID,
			Before:    hit.CreatedAt,
			After:     opts.After,
			Limit:     opts.Window,
		})
		if err != nil {
			return nil, fmt.Errorf("window expansion before message %d failed: %w", hit.ID, err)
		}
		after, err := e.store.MessagesInRange(ctx, store.RangeQuery{
			ChannelID: hit.ChannelID,
			After:     hit.CreatedAt,
			Limit:     opts.Window,
			Ascending: true,
		})
		if err != nil {
			return nil, fmt.Errorf("window expansion after message %d failed: %w", hit.ID, err)
		}
		expanded = append(expanded, before...)
		expanded = append(expanded, after...)
	}

	result := dedupe(expanded)
	sort.SliceStable(result, func(i, j int) bool {
		if !result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].CreatedAt.Before(result[j].CreatedAt)
		}
		return result[i].ID < result[j].ID
	})

	for _, m := range result {
		if m.DeletedAt.Valid {
			e.log.ErrorContext(ctx, "Deleted message leaked into retrieval result", "message_id", m.ID)
			return nil, ErrPrivacyViolation
		}
	}

	e.log.DebugContext(ctx, "Retrieval complete",
		"server_id", opts.ServerID, "hits", len(hits), "context_messages", len(result))
	return result, nil
}

func (e *Engine) recentFallback(ctx context.Context, opts Options) ([]store.Message, error) {
	msgs, err := e.store.RecentMessages(ctx, opts.ServerID, opts.ChannelID, opts.Limit)
	if err != nil {
		return nil, fmt.Errorf("recency fallback failed: %w", err)
	}
	// RecentMessages returns newest first; context reads oldest first.
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	return msgs, nil
}

// dedupKey identifies a message by timestamp, author, and content rather
// than by id, so a message reached both as a hit and through a neighbor's
// window counts once.
type dedupKey struct {
	createdAt int64
	userID    int64
	content   string
}

func dedupe(msgs []store.Message) []store.Message {
	seen := make(map[dedupKey]struct{}, len(msgs))
	out := msgs[:0]
	for _, m := range msgs {
		key := dedupKey{createdAt: m.CreatedAt.UnixNano(), userID: m.UserID, content: m.Content}
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, m)
	}
	return out
}
