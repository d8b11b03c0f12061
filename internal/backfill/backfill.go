// Package backfill ingests historical messages in rate-limited batches.
// Records that already exist in the store are skipped, so interrupted runs
// can be resumed by replaying the same input.
package backfill

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"golang.org/x/time/rate"

	"github.com/lorebot/lorebot/internal/config"
	"github.com/lorebot/lorebot/internal/store"
)

// Record is one historical message to ingest.
type Record struct {
	MessageID int64     `json:"message_id"`
	ServerID  int64     `json:"server_id"`
	ChannelID int64     `json:"channel_id"`
	UserID    int64     `json:"user_id"`
	Content   string    `json:"content"`
	ReplyTo   int64     `json:"reply_to,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Store is the subset of message store operations backfill depends on.
type Store interface {
	MessageExists(ctx context.Context, id int64) (bool, error)
	EnsureUser(ctx context.Context, userID int64) error
	SaveMessage(ctx context.Context, msg *store.Message) (bool, error)
}

// Embedder produces embedding vectors for message content.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// Stats summarizes a backfill run.
type Stats struct {
	Ingested int
	Skipped  int
	Failed   int
}

// Runner executes backfill runs. Embedding calls are throttled by a token
// bucket and batches are separated by a fixed delay so a large import does
// not starve the live bot of API quota.
type Runner struct {
	store      Store
	embedder   Embedder
	limiter    *rate.Limiter
	batchSize  int
	batchDelay time.Duration
	log        *slog.Logger
}

// NewRunner creates a backfill runner from the backfill configuration.
func NewRunner(st Store, embedder Embedder, cfg config.BackfillConfig, log *slog.Logger) *Runner {
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	batchSize := cfg.BatchSize
	if batchSize <= 0 {
		batchSize = 50
	}
	eps := cfg.EmbedsPerSecond
	if eps <= 0 {
		eps = 5
	}
	burst := cfg.EmbedBurst
	if burst <= 0 {
		burst = 1
	}
	return &Runner{
		store:      st,
		embedder:   embedder,
		limiter:    rate.NewLimiter(rate.Limit(eps), burst),
		batchSize:  batchSize,
		batchDelay: cfg.BatchDelay,
		log:        log.With("component", "backfill"),
	}
}

// Run ingests records in order. Individual record failures are counted and
// logged but do not stop the run; only context cancellation aborts it.
func (r *Runner) Run(ctx context.Context, records []Record) (Stats, error) {
	var stats Stats
	r.log.InfoContext(ctx, "Starting backfill run", "records", len(records), "batch_size", r.batchSize)

	for start := 0; start < len(records); start += r.batchSize {
		end := start + r.batchSize
		if end > len(records) {
			end = len(records)
		}

		for _, rec := range records[start:end] {
			if err := ctx.Err(); err != nil {
				return stats, fmt.Errorf("backfill aborted: %w", err)
			}

			outcome, err := r.ingest(ctx, rec)
			switch {
			case err != nil && ctx.Err() != nil:
				return stats, fmt.Errorf("backfill aborted: %w", ctx.Err())
			case err != nil:
				r.log.WarnContext(ctx, "Failed to ingest record", "message_id", rec.MessageID, "error", err)
				stats.Failed++
			case outcome:
				stats.Ingested++
			default:
				stats.Skipped++
			}
		}

		r.log.InfoContext(ctx, "Backfill batch complete",
			"processed", end, "total", len(records), "ingested", stats.Ingested, "skipped", stats.Skipped)

		if end < len(records) && r.batchDelay > 0 {
			select {
			case <-time.After(r.batchDelay):
			case <-ctx.Done():
				return stats, fmt.Errorf("backfill aborted: %w", ctx.Err())
			}
		}
	}

	r.log.InfoContext(ctx, "Backfill run finished",
		"ingested", stats.Ingested, "skipped", stats.Skipped, "failed", stats.Failed)
	return stats, nil
}

// ingest stores one record, reporting (false, nil) when it was skipped.
func (r *Runner) ingest(ctx context.Context, rec Record) (bool, error) {
	exists, err := r.store.MessageExists(ctx, rec.MessageID)
	if err != nil {
		return false, fmt.Errorf("existence check failed: %w", err)
	}
	if exists {
		return false, nil
	}

	// Historical authors usually have no user row yet; retrieval joins
	// against users, so a stub row must exist for the message to be readable.
	if err := r.store.EnsureUser(ctx, rec.UserID); err != nil {
		return false, fmt.Errorf("user stub insert failed: %w", err)
	}

	var encoded []byte
	if err := r.limiter.Wait(ctx); err != nil {
		return false, fmt.Errorf("rate limiter wait failed: %w", err)
	}
	if vec, err := r.embedder.Embed(ctx, rec.Content); err != nil {
		r.log.WarnContext(ctx, "Embedding failed for backfill record, storing without vector",
			"message_id", rec.MessageID, "error", err)
	} else {
		encoded = store.EncodeVector(vec)
	}

	msg := &store.Message{
		ID:          rec.MessageID,
		ServerID:    rec.ServerID,
		ChannelID:   rec.ChannelID,
		UserID:      rec.UserID,
		Content:     rec.Content,
		Embedding:   encoded,
		MessageType: store.MessageTypeBackfill,
		CreatedAt:   rec.CreatedAt,
	}
	if rec.ReplyTo != 0 {
		msg.ReplyTo = sql.NullInt64{Int64: rec.ReplyTo, Valid: true}
	}

	stored, err := r.store.SaveMessage(ctx, msg)
	if err != nil {
		return false, fmt.Errorf("save failed: %w", err)
	}
	return stored, nil
}

// LoadRecords reads a JSON array of records from path.
func LoadRecords(path string) ([]Record, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read backfill file %q: %w", path, err)
	}

	var records []Record
	if err := json.Unmarshal(data, &records); err != nil {
		return nil, fmt.Errorf("failed to parse backfill file %q: %w", path, err)
	}
	return records, nil
}
