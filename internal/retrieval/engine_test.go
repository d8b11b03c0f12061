package retrieval

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"testing"
	"time"

	"github.com/lorebot/lorebot/internal/store"
)

type fakeEmbedder struct {
	vec []float32
	err error
}

func (f *fakeEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	if f.err != nil {
		return nil, f.err
	}
	if text == "" {
		return nil, nil
	}
	return f.vec, nil
}

// fakeStore serves retrieval queries from an in-memory message list using
// the same filtering and ordering rules as the SQL store.
type fakeStore struct {
	messages    []store.Message
	leakDeleted bool
}

func (f *fakeStore) FindSimilar(_ context.Context, embedding []float32, q store.SimilarityQuery) ([]store.ScoredMessage, error) {
	var scored []store.ScoredMessage
	for _, m := range f.messages {
		if m.ServerID != q.ServerID || m.DeletedAt.Valid || m.Embedding == nil {
			continue
		}
		if q.ChannelID != 0 && m.ChannelID != q.ChannelID {
			continue
		}
		if !q.After.IsZero() && m.CreatedAt.Before(q.After) {
			continue
		}
		scored = append(scored, store.ScoredMessage{Message: m, Similarity: store.CosineSimilarity(embedding, m.Vector())})
	}
	sort.SliceStable(scored, func(i, j int) bool {
		if scored[i].Similarity != scored[j].Similarity {
			return scored[i].Similarity > scored[j].Similarity
		}
		return scored[i].CreatedAt.After(scored[j].CreatedAt)
	})
	if q.Limit > 0 && len(scored) > q.Limit {
		scored = scored[:q.Limit]
	}
	if f.leakDeleted && len(scored) > 0 {
		scored[0].DeletedAt = sql.NullTime{Time: time.Now(), Valid: true}
	}
	return scored, nil
}

func (f *fakeStore) MessagesInRange(_ context.Context, q store.RangeQuery) ([]store.Message, error) {
	var out []store.Message
	for _, m := range f.messages {
		if m.ChannelID != q.ChannelID || m.DeletedAt.Valid {
			continue
		}
		if !q.Before.IsZero() && !m.CreatedAt.Before(q.Before) {
			continue
		}
		if !q.After.IsZero() && !m.CreatedAt.After(q.After) {
			continue
		}
		out = append(out, m)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if q.Ascending {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}

func (f *fakeStore) RecentMessages(_ context.Context, serverID, channelID int64, limit int) ([]store.Message, error) {
	var out []store.Message
	for _, m := range f.messages {
		if m.ServerID != serverID || m.DeletedAt.Valid {
			continue
		}
		if channelID != 0 && m.ChannelID != channelID {
			continue
		}
		out = append(out, m)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

var baseTime = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func msg(id int64, content string, vec []float32, offset time.Duration) store.Message {
	return store.Message{
		ID:        id,
		ServerID:  100,
		ChannelID: 200,
		UserID:    300,
		Content:   content,
		Embedding: store.EncodeVector(vec),
		CreatedAt: baseTime.Add(offset),
	}
}

func contents(msgs []store.Message) []string {
	out := make([]string, len(msgs))
	for i, m := range msgs {
		out[i] = m.Content
	}
	return out
}

func sameContents(got []store.Message, want []string) bool {
	if len(got) != len(want) {
		return false
	}
	for i := range want {
		if got[i].Content != want[i] {
			return false
		}
	}
	return true
}

func TestRetrieveExpandsWindowChronologically(t *testing.T) {
	t.Parallel()

	st := &fakeStore{messages: []store.Message{
		msg(1, "one", []float32{0, 1}, 0),
		msg(2, "two", []float32{0, 1}, time.Minute),
		msg(3, "three", []float32{0, 1}, 2*time.Minute),
		msg(4, "weather talk", []float32{1, 0}, 3*time.Minute),
		msg(5, "five", []float32{0, 1}, 4*time.Minute),
		msg(6, "six", []float32{0, 1}, 5*time.Minute),
	}}
	engine := NewEngine(st, &fakeEmbedder{vec: []float32{1, 0}}, nil)

	got, err := engine.Retrieve(context.Background(), "what about the weather", Options{
		ServerID: 100, ChannelID: 200, Limit: 1, Window: 1,
	})
	if err != nil {
		t.Fatalf("Retrieve() error: %v", err)
	}
	if want := []string{"three", "weather talk", "five"}; !sameContents(got, want) {
		t.Errorf("got %v, want %v", contents(got), want)
	}
}

func TestRetrieveWindowShortensAtChannelStart(t *testing.T) {
	t.Parallel()

	st := &fakeStore{messages: []store.Message{
		msg(1, "first ever", []float32{1, 0}, 0),
		msg(2, "two", []float32{0, 1}, time.Minute),
		msg(3, "three", []float32{0, 1}, 2*time.Minute),
	}}
	engine := NewEngine(st, &fakeEmbedder{vec: []float32{1, 0}}, nil)

	got, err := engine.Retrieve(context.Background(), "anything", Options{
		ServerID: 100, ChannelID: 200, Limit: 1, Window: 3,
	})
	if err != nil {
		t.Fatalf("Retrieve() error: %v", err)
	}
	if want := []string{"first ever", "two", "three"}; !sameContents(got, want) {
		t.Errorf("got %v, want %v", contents(got), want)
	}
}

func TestRetrieveDeduplicatesOverlappingWindows(t *testing.T) {
	t.Parallel()

	// Two adjacent hits whose windows cover each other must not produce
	// duplicate context entries.
	st := &fakeStore{messages: []store.Message{
		msg(1, "one", []float32{0, 1}, 0),
		msg(2, "hit a", []float32{1, 0}, time.Minute),
		msg(3, "hit b", []float32{1, 0}, 2*time.Minute),
		msg(4, "four", []float32{0, 1}, 3*time.Minute),
	}}
	engine := NewEngine(st, &fakeEmbedder{vec: []float32{1, 0}}, nil)

	got, err := engine.Retrieve(context.Background(), "anything", Options{
		ServerID: 100, ChannelID: 200, Limit: 2, Window: 2,
	})
	if err != nil {
		t.Fatalf("Retrieve() error: %v", err)
	}
	if want := []string{"one", "hit a", "hit b", "four"}; !sameContents(got, want) {
		t.Errorf("got %v, want %v", contents(got), want)
	}
}

func TestRetrieveTemporalRestriction(t *testing.T) {
	t.Parallel()

	st := &fakeStore{messages: []store.Message{
		msg(1, "old match", []float32{1, 0}, -48*time.Hour),
		msg(2, "recent match", []float32{1, 0}, 0),
	}}
	engine := NewEngine(st, &fakeEmbedder{vec: []float32{1, 0}}, nil)

	got, err := engine.Retrieve(context.Background(), "anything", Options{
		ServerID: 100, ChannelID: 200, Limit: 10, Window: 0,
		After: baseTime.Add(-time.Hour),
	})
	if err != nil {
		t.Fatalf("Retrieve() error: %v", err)
	}
	if want := []string{"recent match"}; !sameContents(got, want) {
		t.Errorf("got %v, want %v", contents(got), want)
	}
}

func TestRetrieveFallsBackToRecencyOnEmbedFailure(t *testing.T) {
	t.Parallel()

	st := &fakeStore{messages: []store.Message{
		msg(1, "one", []float32{0, 1}, 0),
		msg(2, "two", []float32{0, 1}, time.Minute),
		msg(3, "three", []float32{0, 1}, 2*time.Minute),
	}}
	engine := NewEngine(st, &fakeEmbedder{err: errors.New("quota exceeded")}, nil)

	got, err := engine.Retrieve(context.Background(), "anything", Options{
		ServerID: 100, ChannelID: 200, Limit: 2, Window: 1,
	})
	if err != nil {
		t.Fatalf("Retrieve() error: %v", err)
	}
	if want := []string{"two", "three"}; !sameContents(got, want) {
		t.Errorf("got %v, want %v", contents(got), want)
	}
}

func TestRetrieveEmbedderCancellationPropagates(t *testing.T) {
	t.Parallel()

	st := &fakeStore{}
	engine := NewEngine(st, &fakeEmbedder{err: fmt.Errorf("embed: %w", context.Canceled)}, nil)

	_, err := engine.Retrieve(context.Background(), "anything", Options{ServerID: 100})
	if !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
}

func TestRetrieveEmptyScope(t *testing.T) {
	t.Parallel()

	engine := NewEngine(&fakeStore{}, &fakeEmbedder{vec: []float32{1, 0}}, nil)

	got, err := engine.Retrieve(context.Background(), "anything", Options{
		ServerID: 100, ChannelID: 200, Limit: 10, Window: 3,
	})
	if err != nil {
		t.Fatalf("Retrieve() error: %v", err)
	}
	if len(got) != 0 {
		t.Errorf("expected empty result, got %v", contents(got))
	}
}

func TestRetrieveRejectsDeletedLeak(t *testing.T) {
	t.Parallel()

	st := &fakeStore{
		messages:    []store.Message{msg(1, "secret", []float32{1, 0}, 0)},
		leakDeleted: true,
	}
	engine := NewEngine(st, &fakeEmbedder{vec: []float32{1, 0}}, nil)

	_, err := engine.Retrieve(context.Background(), "anything", Options{
		ServerID: 100, ChannelID: 200, Limit: 1,
	})
	if !errors.Is(err, ErrPrivacyViolation) {
		t.Errorf("expected ErrPrivacyViolation, got %v", err)
	}
}
