package app

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"pdfchat/internal/loader"
	"pdfchat/internal/util"
	"pdfchat/internal/vector"
	"pdfchat/pkg/domain"
	"pdfchat/pkg/store"
)

type stubEmbedder struct{}

func (stubEmbedder) EmbedText(_ context.Context, text, _ string) ([]float32, error) {
	vec := make([]float32, 4)
	for i, r := range text {
		vec[i%4] += float32(r)
	}
	return vec, nil
}

// stubGenerator answers rewrite calls with the latest question and answer
// calls by echoing the sentence from the supplied context that matches the
// question's keywords.
type stubGenerator struct {
	mu            sync.Mutex
	systemPrompts []string
	userPrompts   []string
}

func (g *stubGenerator) GenerateText(_ context.Context, systemPrompt, userPrompt string) (string, error) {
	g.mu.Lock()
	g.systemPrompts = append(g.systemPrompts, systemPrompt)
	g.userPrompts = append(g.userPrompts, userPrompt)
	g.mu.Unlock()

	if strings.Contains(userPrompt, "Latest question:") {
		idx := strings.LastIndex(userPrompt, "Latest question:")
		return strings.TrimSpace(userPrompt[idx+len("Latest question:"):]), nil
	}
	if strings.Contains(systemPrompt, "main conclusion is X") {
		return "The main conclusion is X.", nil
	}
	return "I could not find that in the document.", nil
}

func (g *stubGenerator) calls() (systems, users []string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]string(nil), g.systemPrompts...), append([]string(nil), g.userPrompts...)
}

func newTestApp(t *testing.T, body string) (*App, *store.MemoryStore, *stubGenerator, domain.Document) {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)

	memStore := store.NewMemoryStore()
	manager, err := vector.New(vector.Config{
		Store:    memStore,
		Loader:   loader.New(loader.Config{ChunkSize: 80, ChunkOverlap: 10}),
		Embedder: stubEmbedder{},
	})
	if err != nil {
		t.Fatalf("vector.New() error = %v", err)
	}
	gen := &stubGenerator{}
	a, err := New(Config{
		Store:     memStore,
		Vectors:   manager,
		Generator: gen,
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	doc := domain.Document{
		ID:          "doc-1",
		OwnerID:     "user-1",
		Name:        "paper.txt",
		ContentType: "text/plain",
		DownloadURL: srv.URL,
		CreatedAt:   time.Now().UTC(),
	}
	if err := memStore.SaveDocument(doc); err != nil {
		t.Fatalf("SaveDocument() error = %v", err)
	}
	return a, memStore, gen, doc
}

func TestAskQuestionRoundTrip(t *testing.T) {
	a, _, _, doc := newTestApp(t, "Introduction text. The main conclusion is X. Closing remarks.")

	answer, err := a.AskQuestion(context.Background(), doc.OwnerID, doc.ID, "What is the main conclusion?")
	if err != nil {
		t.Fatalf("AskQuestion() error = %v", err)
	}
	if !strings.Contains(answer.Answer, "X") {
		t.Fatalf("answer = %q, want reference to X", answer.Answer)
	}
}

func TestAskQuestionTranscriptIntegrity(t *testing.T) {
	a, memStore, _, doc := newTestApp(t, "The main conclusion is X.")
	ctx := context.Background()

	if _, err := a.AskQuestion(ctx, doc.OwnerID, doc.ID, "What is the main conclusion?"); err != nil {
		t.Fatalf("AskQuestion() error = %v", err)
	}

	turns, err := a.ListTurns(ctx, doc.OwnerID, doc.ID, 0)
	if err != nil {
		t.Fatalf("ListTurns() error = %v", err)
	}
	if len(turns) != 2 {
		t.Fatalf("turn count = %d, want 2", len(turns))
	}
	if turns[0].Role != domain.RoleHuman || turns[1].Role != domain.RoleAI {
		t.Fatalf("roles = %s, %s; want human, ai", turns[0].Role, turns[1].Role)
	}
	if turns[1].CreatedAt.Before(turns[0].CreatedAt) {
		t.Fatal("ai turn timestamped before human turn")
	}
	if turns[0].Pending {
		t.Fatal("human turn still pending after answer recorded")
	}
	_ = memStore
}

func TestAskQuestionHistoryChronologicalOrder(t *testing.T) {
	a, memStore, gen, doc := newTestApp(t, "The main conclusion is X.")
	ctx := context.Background()

	base := time.Now().UTC().Add(-time.Hour)
	seed := []domain.ChatTurn{
		{ID: util.NewID(), DocumentID: doc.ID, UserID: doc.OwnerID, Role: domain.RoleHuman, Content: "first question", CreatedAt: base},
		{ID: util.NewID(), DocumentID: doc.ID, UserID: doc.OwnerID, Role: domain.RoleAI, Content: "first answer", CreatedAt: base.Add(time.Minute)},
		{ID: util.NewID(), DocumentID: doc.ID, UserID: doc.OwnerID, Role: domain.RoleHuman, Content: "second question", CreatedAt: base.Add(2 * time.Minute)},
	}
	for _, turn := range seed {
		if err := memStore.AppendTurn(turn); err != nil {
			t.Fatalf("AppendTurn() error = %v", err)
		}
	}

	if _, err := a.AskQuestion(ctx, doc.OwnerID, doc.ID, "What about its conclusion?"); err != nil {
		t.Fatalf("AskQuestion() error = %v", err)
	}

	_, users := gen.calls()
	if len(users) != 2 {
		t.Fatalf("generator calls = %d, want 2 (rewrite + answer)", len(users))
	}
	for _, prompt := range users {
		first := strings.Index(prompt, "first question")
		second := strings.Index(prompt, "first answer")
		third := strings.Index(prompt, "second question")
		if first < 0 || second < 0 || third < 0 {
			t.Fatalf("prompt missing history entries: %q", prompt)
		}
		if !(first < second && second < third) {
			t.Fatalf("history not chronological in prompt: %q", prompt)
		}
	}
}

func TestAskQuestionSkipsRewriteWithoutHistory(t *testing.T) {
	a, _, gen, doc := newTestApp(t, "The main conclusion is X.")

	if _, err := a.AskQuestion(context.Background(), doc.OwnerID, doc.ID, "What is the main conclusion?"); err != nil {
		t.Fatalf("AskQuestion() error = %v", err)
	}
	_, users := gen.calls()
	if len(users) != 1 {
		t.Fatalf("generator calls = %d, want 1 (answer only)", len(users))
	}
}

func TestAskQuestionUnknownDocument(t *testing.T) {
	a, _, _, doc := newTestApp(t, "text")
	_, err := a.AskQuestion(context.Background(), doc.OwnerID, "missing-doc", "hello?")
	if !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("AskQuestion() error = %v, want ErrNotFound", err)
	}
}

func TestAskQuestionForeignDocument(t *testing.T) {
	a, _, _, doc := newTestApp(t, "text")
	_, err := a.AskQuestion(context.Background(), "intruder", doc.ID, "hello?")
	if !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("AskQuestion() error = %v, want ErrNotFound", err)
	}
}

func TestAskQuestionRequiresUser(t *testing.T) {
	a, _, _, doc := newTestApp(t, "text")
	_, err := a.AskQuestion(context.Background(), "", doc.ID, "hello?")
	if !errors.Is(err, domain.ErrAuthRequired) {
		t.Fatalf("AskQuestion() error = %v, want ErrAuthRequired", err)
	}
}

func TestLoadHistoryAppliesLimit(t *testing.T) {
	a, memStore, gen, doc := newTestApp(t, "The main conclusion is X.")
	a.historyLimit = 2
	ctx := context.Background()

	base := time.Now().UTC().Add(-time.Hour)
	for i, content := range []string{"oldest", "middle", "newest"} {
		turn := domain.ChatTurn{
			ID: util.NewID(), DocumentID: doc.ID, UserID: doc.OwnerID,
			Role: domain.RoleHuman, Content: content, CreatedAt: base.Add(time.Duration(i) * time.Minute),
		}
		if err := memStore.AppendTurn(turn); err != nil {
			t.Fatalf("AppendTurn() error = %v", err)
		}
	}

	if _, err := a.AskQuestion(ctx, doc.OwnerID, doc.ID, "question"); err != nil {
		t.Fatalf("AskQuestion() error = %v", err)
	}
	_, users := gen.calls()
	if len(users) == 0 {
		t.Fatal("no generator calls recorded")
	}
	if strings.Contains(users[0], "oldest") {
		t.Fatalf("history over limit leaked oldest turn: %q", users[0])
	}
	if !strings.Contains(users[0], "middle") || !strings.Contains(users[0], "newest") {
		t.Fatalf("capped history missing recent turns: %q", users[0])
	}
}
