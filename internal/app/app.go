package app

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"pdfchat/internal/util"
	"pdfchat/internal/vector"
	"pdfchat/pkg/ai"
	"pdfchat/pkg/domain"
	"pdfchat/pkg/storage"
	"pdfchat/pkg/store"
)

const (
	answerSystemPrompt  = "Answer the user's questions based only on the following context. If the context does not contain the answer, say so.\n\nContext:\n%s"
	rewriteSystemPrompt = "Given the conversation below, generate a standalone search query to look up information relevant to the latest question. Reply with the query only."
)

// Config holds runtime configuration for the core application.
type Config struct {
	Store          store.Store
	Blobs          storage.BlobStore
	Vectors        *vector.Manager
	Generator      ai.TextGenerator
	TopK           int
	HistoryLimit   int
	CallTimeout    time.Duration
	DownloadURLTTL time.Duration
}

// App wires storage, the vector store manager, and the generation model into
// the question answering pipeline.
type App struct {
	store          store.Store
	blobs          storage.BlobStore
	vectors        *vector.Manager
	generator      ai.TextGenerator
	topK           int
	historyLimit   int
	callTimeout    time.Duration
	downloadURLTTL time.Duration
}

// New constructs the application.
func New(cfg Config) (*App, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("store required")
	}
	if cfg.Vectors == nil {
		return nil, fmt.Errorf("vector manager required")
	}
	if cfg.Generator == nil {
		return nil, fmt.Errorf("text generator required")
	}
	topK := cfg.TopK
	if topK <= 0 {
		topK = 4
	}
	historyLimit := cfg.HistoryLimit
	if historyLimit <= 0 {
		historyLimit = 12
	}
	callTimeout := cfg.CallTimeout
	if callTimeout <= 0 {
		callTimeout = 30 * time.Second
	}
	downloadURLTTL := cfg.DownloadURLTTL
	if downloadURLTTL <= 0 {
		downloadURLTTL = 7 * 24 * time.Hour
	}
	return &App{
		store:          cfg.Store,
		blobs:          cfg.Blobs,
		vectors:        cfg.Vectors,
		generator:      cfg.Generator,
		topK:           topK,
		historyLimit:   historyLimit,
		callTimeout:    callTimeout,
		downloadURLTTL: downloadURLTTL,
	}, nil
}

// UploadDocument stores the file bytes, records metadata with the download
// reference, and kicks off the embedding build so the first question is fast.
func (a *App) UploadDocument(ctx context.Context, userID, name, contentType string, size int64, r io.Reader) (domain.Document, error) {
	if strings.TrimSpace(userID) == "" {
		return domain.Document{}, domain.ErrAuthRequired
	}
	if a.blobs == nil {
		return domain.Document{}, fmt.Errorf("blob store not configured")
	}
	docID := uuid.NewString()
	key := fmt.Sprintf("users/%s/files/%s", userID, docID)
	if err := a.blobs.Put(ctx, key, r, size, contentType); err != nil {
		return domain.Document{}, fmt.Errorf("store upload: %v: %w", err, domain.ErrUpstream)
	}
	downloadURL, err := a.blobs.PresignGet(ctx, key, a.downloadURLTTL)
	if err != nil {
		_ = a.blobs.Delete(ctx, key)
		return domain.Document{}, fmt.Errorf("presign download: %v: %w", err, domain.ErrUpstream)
	}
	doc := domain.Document{
		ID:          docID,
		OwnerID:     userID,
		Name:        name,
		ContentType: contentType,
		SizeBytes:   size,
		StorageKey:  key,
		DownloadURL: downloadURL,
		CreatedAt:   time.Now().UTC(),
	}
	if err := a.store.SaveDocument(doc); err != nil {
		_ = a.blobs.Delete(ctx, key)
		return domain.Document{}, fmt.Errorf("save document: %v: %w", err, domain.ErrUpstream)
	}
	if _, err := a.vectors.EnsureEmbeddings(ctx, doc); err != nil {
		// The question path re-runs the idempotent ensure, so an upload-time
		// build failure is logged rather than failing the upload.
		slog.Warn("embedding build at upload failed", "document", docID, "err", err)
	}
	return doc, nil
}

// ListDocuments returns the caller's documents.
func (a *App) ListDocuments(ctx context.Context, userID string) ([]domain.Document, error) {
	if strings.TrimSpace(userID) == "" {
		return nil, domain.ErrAuthRequired
	}
	return a.store.ListDocumentsByOwner(userID)
}

// ListTurns returns a transcript in chronological order.
func (a *App) ListTurns(ctx context.Context, userID, documentID string, limit int) ([]domain.ChatTurn, error) {
	if strings.TrimSpace(userID) == "" {
		return nil, domain.ErrAuthRequired
	}
	if _, ok, err := a.store.GetDocument(userID, documentID); err != nil {
		return nil, fmt.Errorf("load document: %v: %w", err, domain.ErrUpstream)
	} else if !ok {
		return nil, fmt.Errorf("document %s: %w", documentID, domain.ErrNotFound)
	}
	turns, err := a.store.ListTurns(userID, documentID, limit)
	if err != nil {
		return nil, fmt.Errorf("list turns: %v: %w", err, domain.ErrUpstream)
	}
	reverseTurns(turns)
	return turns, nil
}

// AskQuestion runs the retrieval pipeline: ensure embeddings, load history,
// rewrite the question into a standalone query, retrieve chunks, generate a
// grounded answer, and record both transcript turns.
func (a *App) AskQuestion(ctx context.Context, userID, documentID, question string) (domain.Answer, error) {
	if strings.TrimSpace(userID) == "" {
		return domain.Answer{}, domain.ErrAuthRequired
	}
	question = strings.TrimSpace(question)
	if question == "" {
		return domain.Answer{}, fmt.Errorf("question required")
	}
	doc, ok, err := a.store.GetDocument(userID, documentID)
	if err != nil {
		return domain.Answer{}, fmt.Errorf("load document: %v: %w", err, domain.ErrUpstream)
	}
	if !ok {
		return domain.Answer{}, fmt.Errorf("document %s: %w", documentID, domain.ErrNotFound)
	}

	// The question is recorded pending before generation starts; a crash
	// mid-pipeline leaves a visibly unanswered question instead of a gap.
	humanTurn := domain.ChatTurn{
		ID:         util.NewID(),
		DocumentID: documentID,
		UserID:     userID,
		Role:       domain.RoleHuman,
		Content:    question,
		Pending:    true,
		CreatedAt:  time.Now().UTC(),
	}
	if err := a.store.AppendTurn(humanTurn); err != nil {
		return domain.Answer{}, fmt.Errorf("record question: %v: %w", err, domain.ErrUpstream)
	}

	handle, err := a.vectors.EnsureEmbeddings(ctx, doc)
	if err != nil {
		return domain.Answer{}, err
	}

	history, err := a.loadHistory(userID, documentID, humanTurn.ID)
	if err != nil {
		return domain.Answer{}, err
	}

	searchQuery := question
	if len(history) > 0 {
		searchQuery, err = a.rewriteQuery(ctx, history, question)
		if err != nil {
			return domain.Answer{}, err
		}
	}

	chunks, err := handle.Search(ctx, searchQuery, a.topK)
	if err != nil {
		return domain.Answer{}, err
	}

	answerText, err := a.generateAnswer(ctx, history, question, chunks)
	if err != nil {
		return domain.Answer{}, err
	}

	aiTurn := domain.ChatTurn{
		ID:         util.NewID(),
		DocumentID: documentID,
		UserID:     userID,
		Role:       domain.RoleAI,
		Content:    answerText,
		CreatedAt:  time.Now().UTC(),
	}
	if err := a.store.SettleTurn(humanTurn.ID); err != nil {
		return domain.Answer{}, fmt.Errorf("settle question: %v: %w", err, domain.ErrUpstream)
	}
	if err := a.store.AppendTurn(aiTurn); err != nil {
		return domain.Answer{}, fmt.Errorf("record answer: %v: %w", err, domain.ErrUpstream)
	}

	return domain.Answer{
		DocumentID: documentID,
		Question:   question,
		Answer:     answerText,
		CreatedAt:  aiTurn.CreatedAt,
	}, nil
}

// loadHistory reads the transcript newest first, drops the just-recorded
// question, and reverses into the chronological order the generation model
// expects.
func (a *App) loadHistory(userID, documentID, excludeTurnID string) ([]domain.ChatTurn, error) {
	turns, err := a.store.ListTurns(userID, documentID, a.historyLimit+1)
	if err != nil {
		return nil, fmt.Errorf("load history: %v: %w", err, domain.ErrUpstream)
	}
	filtered := turns[:0]
	for _, turn := range turns {
		if turn.ID != excludeTurnID {
			filtered = append(filtered, turn)
		}
	}
	if len(filtered) > a.historyLimit {
		filtered = filtered[:a.historyLimit]
	}
	reverseTurns(filtered)
	return filtered, nil
}

func (a *App) rewriteQuery(ctx context.Context, history []domain.ChatTurn, question string) (string, error) {
	var sb strings.Builder
	sb.WriteString(formatHistory(history))
	sb.WriteString("\nLatest question: ")
	sb.WriteString(question)
	callCtx, cancel := context.WithTimeout(ctx, a.callTimeout)
	defer cancel()
	rewritten, err := a.generator.GenerateText(callCtx, rewriteSystemPrompt, sb.String())
	if err != nil {
		return "", fmt.Errorf("rewrite query: %v: %w", err, domain.ErrUpstream)
	}
	rewritten = strings.TrimSpace(rewritten)
	if rewritten == "" {
		return question, nil
	}
	return rewritten, nil
}

func (a *App) generateAnswer(ctx context.Context, history []domain.ChatTurn, question string, chunks []domain.Chunk) (string, error) {
	var sb strings.Builder
	if len(history) > 0 {
		sb.WriteString(formatHistory(history))
		sb.WriteString("\n")
	}
	sb.WriteString("Question: ")
	sb.WriteString(question)
	callCtx, cancel := context.WithTimeout(ctx, a.callTimeout)
	defer cancel()
	answer, err := a.generator.GenerateText(callCtx, fmt.Sprintf(answerSystemPrompt, formatContext(chunks)), sb.String())
	if err != nil {
		return "", fmt.Errorf("generate answer: %v: %w", err, domain.ErrUpstream)
	}
	return strings.TrimSpace(answer), nil
}

func formatHistory(turns []domain.ChatTurn) string {
	var sb strings.Builder
	for _, turn := range turns {
		sb.WriteString(string(turn.Role))
		sb.WriteString(": ")
		sb.WriteString(turn.Content)
		sb.WriteString("\n")
	}
	return strings.TrimSpace(sb.String())
}

func formatContext(chunks []domain.Chunk) string {
	if len(chunks) == 0 {
		return "(no relevant context found)"
	}
	var sb strings.Builder
	for i, chunk := range chunks {
		fmt.Fprintf(&sb, "[%d]", i+1)
		if page := strings.TrimSpace(chunk.Metadata["page"]); page != "" {
			fmt.Fprintf(&sb, " (page %s)", page)
		}
		sb.WriteString(" ")
		sb.WriteString(chunk.Content)
		sb.WriteString("\n\n")
	}
	return strings.TrimSpace(sb.String())
}

func reverseTurns(turns []domain.ChatTurn) {
	for i, j := 0, len(turns)-1; i < j; i, j = i+1, j-1 {
		turns[i], turns[j] = turns[j], turns[i]
	}
}
