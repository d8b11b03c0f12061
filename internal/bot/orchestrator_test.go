package bot

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/lorebot/lorebot/internal/memory"
	"github.com/lorebot/lorebot/internal/prompt"
	"github.com/lorebot/lorebot/internal/retrieval"
	"github.com/lorebot/lorebot/internal/store"
)

type fakeAI struct {
	reply      string
	genErr     error
	lastSystem string
	lastPrompt string
	calls      int
}

func (f *fakeAI) Embed(_ context.Context, text string) ([]float32, error) {
	if text == "" {
		return nil, nil
	}
	return []float32{1, 0}, nil
}

func (f *fakeAI) Generate(_ context.Context, system string, _ []memory.Turn, prompt string) (string, error) {
	f.calls++
	f.lastSystem = system
	f.lastPrompt = prompt
	if f.genErr != nil {
		return "", f.genErr
	}
	return f.reply, nil
}

// noopStore satisfies store.Store for orchestrator tests; only the methods
// the reply pipeline touches carry behavior.
type noopStore struct {
	serverCtx *store.ServerContext
}

func (s *noopStore) Ping(context.Context) error                            { return nil }
func (s *noopStore) UpsertServer(context.Context, *store.Server) error     { return nil }
func (s *noopStore) UpsertChannel(context.Context, *store.Channel) error   { return nil }
func (s *noopStore) UpsertUser(context.Context, *store.User) error         { return nil }
func (s *noopStore) EnsureUser(context.Context, int64) error               { return nil }
func (s *noopStore) SetOptOut(context.Context, int64, bool) error          { return nil }
func (s *noopStore) SaveMessage(context.Context, *store.Message) (bool, error) {
	return true, nil
}
func (s *noopStore) UpdateMessage(context.Context, int64, string, []float32) error { return nil }
func (s *noopStore) DeleteMessage(context.Context, int64) error                    { return nil }
func (s *noopStore) MessageExists(context.Context, int64) (bool, error)            { return false, nil }
func (s *noopStore) FindSimilar(context.Context, []float32, store.SimilarityQuery) ([]store.ScoredMessage, error) {
	return nil, nil
}
func (s *noopStore) MessagesInRange(context.Context, store.RangeQuery) ([]store.Message, error) {
	return nil, nil
}
func (s *noopStore) RecentMessages(context.Context, int64, int64, int) ([]store.Message, error) {
	return nil, nil
}
func (s *noopStore) ServerContext(context.Context, int64) (*store.ServerContext, error) {
	return s.serverCtx, nil
}
func (s *noopStore) RunSQLMaintenance(context.Context) error { return nil }

func newTestOrchestrator(ai *fakeAI, cooldown time.Duration) (*Orchestrator, *memory.History) {
	st := &noopStore{serverCtx: &store.ServerContext{}}
	history := memory.New(20)
	engine := retrieval.NewEngine(st, ai, nil)
	composer := prompt.NewComposer(24000)

	o := NewOrchestrator(st, ai, engine, composer, history, NewCooldown(cooldown), nil, OrchestratorOptions{
		Scope:           memory.ScopeChannelUser,
		Preamble:        "You are LoreBot.",
		RetrievalLimit:  10,
		RetrievalWindow: 3,
	})
	return o, history
}

func testRequest() Request {
	return Request{
		ServerID:  100,
		ChannelID: 200,
		UserID:    300,
		MessageID: 1,
		UserName:  "alice",
		Text:      "what did I miss?",
	}
}

func TestHandleUserMessageSuccess(t *testing.T) {
	t.Parallel()

	ai := &fakeAI{reply: "nothing much"}
	o, history := newTestOrchestrator(ai, 10*time.Second)

	reply, err := o.HandleUserMessage(context.Background(), testRequest())
	if err != nil {
		t.Fatalf("HandleUserMessage() error: %v", err)
	}
	if reply != "nothing much" {
		t.Errorf("reply = %q, want %q", reply, "nothing much")
	}

	key := memory.Key(memory.ScopeChannelUser, 100, 200, 300)
	turns := history.Get(key)
	if len(turns) != 2 {
		t.Fatalf("expected 2 memory turns after success, got %d", len(turns))
	}
	if turns[0].Role != memory.RoleUser || turns[0].Text != "what did I miss?" {
		t.Errorf("unexpected user turn: %+v", turns[0])
	}
	if turns[1].Role != memory.RoleModel || turns[1].Text != "nothing much" {
		t.Errorf("unexpected model turn: %+v", turns[1])
	}
	if ai.lastPrompt != "alice: what did I miss?" {
		t.Errorf("unexpected prompt: %q", ai.lastPrompt)
	}
}

func TestHandleUserMessageCooldown(t *testing.T) {
	t.Parallel()

	ai := &fakeAI{reply: "ok"}
	o, history := newTestOrchestrator(ai, 10*time.Second)

	if _, err := o.HandleUserMessage(context.Background(), testRequest()); err != nil {
		t.Fatalf("first request failed: %v", err)
	}

	_, err := o.HandleUserMessage(context.Background(), testRequest())
	if !errors.Is(err, ErrCooldown) {
		t.Fatalf("expected ErrCooldown, got %v", err)
	}
	if ai.calls != 1 {
		t.Errorf("generation should not run for rejected requests, got %d calls", ai.calls)
	}

	key := memory.Key(memory.ScopeChannelUser, 100, 200, 300)
	if turns := history.Get(key); len(turns) != 2 {
		t.Errorf("rejected request must not touch memory, got %d turns", len(turns))
	}
}

func TestHandleUserMessageValidation(t *testing.T) {
	t.Parallel()

	ai := &fakeAI{reply: "ok"}
	o, _ := newTestOrchestrator(ai, 0)

	tests := []struct {
		name string
		req  Request
	}{
		{"empty_text", Request{ServerID: 1, ChannelID: 2, UserID: 3, Text: "   "}},
		{"missing_server", Request{ChannelID: 2, UserID: 3, Text: "hi"}},
		{"missing_user", Request{ServerID: 1, ChannelID: 2, Text: "hi"}},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			_, err := o.HandleUserMessage(context.Background(), tc.req)
			if !errors.Is(err, ErrValidation) {
				t.Errorf("expected ErrValidation, got %v", err)
			}
		})
	}
	if ai.calls != 0 {
		t.Errorf("generation should not run for invalid requests, got %d calls", ai.calls)
	}
}

func TestHandleUserMessageGenerationFailure(t *testing.T) {
	t.Parallel()

	ai := &fakeAI{genErr: errors.New("model unavailable")}
	o, history := newTestOrchestrator(ai, 0)

	_, err := o.HandleUserMessage(context.Background(), testRequest())
	if err == nil {
		t.Fatal("expected error from failed generation")
	}

	key := memory.Key(memory.ScopeChannelUser, 100, 200, 300)
	if turns := history.Get(key); len(turns) != 0 {
		t.Errorf("failed generation must leave memory untouched, got %d turns", len(turns))
	}
}

func TestResetConversation(t *testing.T) {
	t.Parallel()

	ai := &fakeAI{reply: "ok"}
	o, history := newTestOrchestrator(ai, 0)

	if _, err := o.HandleUserMessage(context.Background(), testRequest()); err != nil {
		t.Fatalf("request failed: %v", err)
	}

	o.ResetConversation(100, 200, 300)

	key := memory.Key(memory.ScopeChannelUser, 100, 200, 300)
	if turns := history.Get(key); len(turns) != 0 {
		t.Errorf("expected empty history after reset, got %d turns", len(turns))
	}
}
