package backfill

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/lorebot/lorebot/internal/config"
	"github.com/lorebot/lorebot/internal/store"

	_ "modernc.org/sqlite"
)

type fakeStore struct {
	existing map[int64]bool
	optedOut map[int64]bool
	ensured  []int64
	saved    []*store.Message
	saveErr  error
}

func (f *fakeStore) MessageExists(_ context.Context, id int64) (bool, error) {
	return f.existing[id], nil
}

func (f *fakeStore) EnsureUser(_ context.Context, userID int64) error {
	f.ensured = append(f.ensured, userID)
	return nil
}

func (f *fakeStore) SaveMessage(_ context.Context, msg *store.Message) (bool, error) {
	if f.saveErr != nil {
		return false, f.saveErr
	}
	if f.optedOut[msg.UserID] {
		return false, nil
	}
	f.saved = append(f.saved, msg)
	return true, nil
}

type fakeEmbedder struct {
	err   error
	calls int
}

func (f *fakeEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	if text == "" {
		return nil, nil
	}
	return []float32{1, 0}, nil
}

func testConfig() config.BackfillConfig {
	return config.BackfillConfig{
		BatchSize:       2,
		BatchDelay:      0,
		EmbedsPerSecond: 1000,
		EmbedBurst:      100,
	}
}

func record(id int64, content string) Record {
	return Record{
		MessageID: id,
		ServerID:  100,
		ChannelID: 200,
		UserID:    300,
		Content:   content,
		CreatedAt: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
	}
}

func TestRunIngestsNewRecords(t *testing.T) {
	t.Parallel()

	st := &fakeStore{existing: map[int64]bool{}, optedOut: map[int64]bool{}}
	r := NewRunner(st, &fakeEmbedder{}, testConfig(), nil)

	stats, err := r.Run(context.Background(), []Record{
		record(1, "one"), record(2, "two"), record(3, "three"),
	})
	if err != nil {
		t.Fatalf("Run() error: %v", err)
	}
	if stats.Ingested != 3 || stats.Skipped != 0 || stats.Failed != 0 {
		t.Errorf("unexpected stats: %+v", stats)
	}
	if len(st.saved) != 3 {
		t.Fatalf("expected 3 saved messages, got %d", len(st.saved))
	}
	for _, m := range st.saved {
		if m.MessageType != store.MessageTypeBackfill {
			t.Errorf("message %d has type %q, want %q", m.ID, m.MessageType, store.MessageTypeBackfill)
		}
		if m.Embedding == nil {
			t.Errorf("message %d missing embedding", m.ID)
		}
	}
	if len(st.ensured) != 3 {
		t.Errorf("expected a user stub per record, got %v", st.ensured)
	}
}

func TestRunSkipsExistingRecords(t *testing.T) {
	t.Parallel()

	st := &fakeStore{existing: map[int64]bool{1: true}, optedOut: map[int64]bool{}}
	emb := &fakeEmbedder{}
	r := NewRunner(st, emb, testConfig(), nil)

	stats, err := r.Run(context.Background(), []Record{record(1, "one"), record(2, "two")})
	if err != nil {
		t.Fatalf("Run() error: %v", err)
	}
	if stats.Ingested != 1 || stats.Skipped != 1 {
		t.Errorf("unexpected stats: %+v", stats)
	}
	// Skipped records must not consume embedding quota.
	if emb.calls != 1 {
		t.Errorf("expected 1 embed call, got %d", emb.calls)
	}
}

func TestRunSkipsOptedOutAuthors(t *testing.T) {
	t.Parallel()

	st := &fakeStore{existing: map[int64]bool{}, optedOut: map[int64]bool{300: true}}
	r := NewRunner(st, &fakeEmbedder{}, testConfig(), nil)

	stats, err := r.Run(context.Background(), []Record{record(1, "one")})
	if err != nil {
		t.Fatalf("Run() error: %v", err)
	}
	if stats.Ingested != 0 || stats.Skipped != 1 {
		t.Errorf("unexpected stats: %+v", stats)
	}
}

func TestRunCountsFailures(t *testing.T) {
	t.Parallel()

	st := &fakeStore{existing: map[int64]bool{}, optedOut: map[int64]bool{}, saveErr: errors.New("disk full")}
	r := NewRunner(st, &fakeEmbedder{}, testConfig(), nil)

	stats, err := r.Run(context.Background(), []Record{record(1, "one"), record(2, "two")})
	if err != nil {
		t.Fatalf("Run() should keep going past record failures, got error: %v", err)
	}
	if stats.Failed != 2 {
		t.Errorf("expected 2 failures, got %+v", stats)
	}
}

func TestRunStoresWithoutVectorOnEmbedFailure(t *testing.T) {
	t.Parallel()

	st := &fakeStore{existing: map[int64]bool{}, optedOut: map[int64]bool{}}
	r := NewRunner(st, &fakeEmbedder{err: errors.New("quota exceeded")}, testConfig(), nil)

	stats, err := r.Run(context.Background(), []Record{record(1, "one")})
	if err != nil {
		t.Fatalf("Run() error: %v", err)
	}
	if stats.Ingested != 1 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
	if st.saved[0].Embedding != nil {
		t.Error("expected message stored without embedding")
	}
}

func newSQLiteStore(t *testing.T) store.Store {
	t.Helper()

	db, err := sqlx.Connect("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("failed to open in-memory database: %v", err)
	}
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = db.Close() })

	if err := store.ApplyMigrations(db.DB, "test"); err != nil {
		t.Fatalf("failed to apply migrations: %v", err)
	}
	return store.NewStore(db, nil, 1000)
}

func TestRunBackfilledMessagesAreRetrievable(t *testing.T) {
	t.Parallel()

	st := newSQLiteStore(t)
	ctx := context.Background()

	if err := st.UpsertServer(ctx, &store.Server{ID: 100, Name: "archive"}); err != nil {
		t.Fatalf("failed to seed server: %v", err)
	}
	if err := st.UpsertChannel(ctx, &store.Channel{ID: 200, ServerID: 100, Name: "general"}); err != nil {
		t.Fatalf("failed to seed channel: %v", err)
	}
	// Deliberately no users row for author 300: backfill must create one,
	// otherwise the message is unreadable through the users join.

	r := NewRunner(st, &fakeEmbedder{}, testConfig(), nil)
	stats, err := r.Run(ctx, []Record{record(1, "ancient history")})
	if err != nil {
		t.Fatalf("Run() error: %v", err)
	}
	if stats.Ingested != 1 {
		t.Fatalf("unexpected stats: %+v", stats)
	}

	recent, err := st.RecentMessages(ctx, 100, 0, 10)
	if err != nil {
		t.Fatalf("RecentMessages() error: %v", err)
	}
	if len(recent) != 1 || recent[0].ID != 1 {
		t.Errorf("backfilled message not readable via RecentMessages: %+v", recent)
	}

	scored, err := st.FindSimilar(ctx, []float32{1, 0}, store.SimilarityQuery{ServerID: 100, Limit: 5})
	if err != nil {
		t.Fatalf("FindSimilar() error: %v", err)
	}
	if len(scored) != 1 || scored[0].ID != 1 {
		t.Errorf("backfilled message not readable via FindSimilar: %+v", scored)
	}
}

func TestRunAbortsOnCancel(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	st := &fakeStore{existing: map[int64]bool{}, optedOut: map[int64]bool{}}
	r := NewRunner(st, &fakeEmbedder{}, testConfig(), nil)

	_, err := r.Run(ctx, []Record{record(1, "one")})
	if !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
}
