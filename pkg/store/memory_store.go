package store

import (
	"fmt"
	"math"
	"sort"
	"sync"

	"pdfchat/pkg/domain"
)

// MemoryStore keeps everything in-process. Used by tests and local runs
// without Postgres.
type MemoryStore struct {
	mu         sync.RWMutex
	docs       map[string]domain.Document
	turns      []domain.ChatTurn
	namespaces map[string]string // name -> status
	chunks     map[string][]memoryChunk
}

type memoryChunk struct {
	chunk     domain.Chunk
	embedding []float32
}

// NewMemoryStore initializes an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		docs:       make(map[string]domain.Document),
		namespaces: make(map[string]string),
		chunks:     make(map[string][]memoryChunk),
	}
}

// SaveDocument stores or replaces document metadata.
func (m *MemoryStore) SaveDocument(doc domain.Document) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.docs[doc.ID] = doc
	return nil
}

// GetDocument retrieves a document scoped to its owner.
func (m *MemoryStore) GetDocument(ownerID, id string) (domain.Document, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	doc, ok := m.docs[id]
	if !ok || doc.OwnerID != ownerID {
		return domain.Document{}, false, nil
	}
	return doc, true, nil
}

// ListDocumentsByOwner returns an owner's documents ordered by creation time.
func (m *MemoryStore) ListDocumentsByOwner(ownerID string) ([]domain.Document, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	res := make([]domain.Document, 0)
	for _, doc := range m.docs {
		if doc.OwnerID == ownerID {
			res = append(res, doc)
		}
	}
	sort.Slice(res, func(i, j int) bool { return res[i].CreatedAt.Before(res[j].CreatedAt) })
	return res, nil
}

// AppendTurn records one transcript entry.
func (m *MemoryStore) AppendTurn(turn domain.ChatTurn) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.turns = append(m.turns, turn)
	return nil
}

// SettleTurn clears the pending flag on a turn.
func (m *MemoryStore) SettleTurn(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.turns {
		if m.turns[i].ID == id {
			m.turns[i].Pending = false
			return nil
		}
	}
	return fmt.Errorf("turn %s not found", id)
}

// ListTurns returns transcript entries newest first.
func (m *MemoryStore) ListTurns(userID, documentID string, limit int) ([]domain.ChatTurn, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	res := make([]domain.ChatTurn, 0)
	for _, turn := range m.turns {
		if turn.UserID == userID && turn.DocumentID == documentID {
			res = append(res, turn)
		}
	}
	sort.SliceStable(res, func(i, j int) bool { return res[i].CreatedAt.After(res[j].CreatedAt) })
	if limit > 0 && len(res) > limit {
		res = res[:limit]
	}
	return res, nil
}

// HasNamespace reports whether a namespace is ready.
func (m *MemoryStore) HasNamespace(namespace string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.namespaces[namespace] == namespaceReady, nil
}

// ClaimNamespace creates the namespace in building state if absent.
func (m *MemoryStore) ClaimNamespace(namespace string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.namespaces[namespace]; exists {
		return false, nil
	}
	m.namespaces[namespace] = namespaceBuilding
	return true, nil
}

// MarkNamespaceReady flips the namespace to ready.
func (m *MemoryStore) MarkNamespaceReady(namespace string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.namespaces[namespace]; !exists {
		return fmt.Errorf("namespace %s not claimed", namespace)
	}
	m.namespaces[namespace] = namespaceReady
	return nil
}

// DropNamespace removes a namespace and its vectors.
func (m *MemoryStore) DropNamespace(namespace string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.namespaces, namespace)
	delete(m.chunks, namespace)
	return nil
}

// WriteVectors persists chunks with embeddings. Writing twice into the same
// namespace is a duplicate-create and fails.
func (m *MemoryStore) WriteVectors(namespace string, chunks []domain.Chunk, embeddings [][]float32) error {
	if len(chunks) != len(embeddings) {
		return fmt.Errorf("vector count mismatch: %d chunks, %d embeddings", len(chunks), len(embeddings))
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.chunks[namespace]) > 0 {
		return fmt.Errorf("namespace %s already holds vectors", namespace)
	}
	stored := make([]memoryChunk, 0, len(chunks))
	for i, chunk := range chunks {
		chunk.Namespace = namespace
		stored = append(stored, memoryChunk{chunk: chunk, embedding: embeddings[i]})
	}
	m.chunks[namespace] = stored
	return nil
}

// SearchChunks ranks stored chunks by cosine similarity.
func (m *MemoryStore) SearchChunks(namespace string, embedding []float32, limit int) ([]domain.Chunk, error) {
	if limit <= 0 {
		return []domain.Chunk{}, nil
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	stored := m.chunks[namespace]
	type scored struct {
		chunk domain.Chunk
		score float64
	}
	ranked := make([]scored, 0, len(stored))
	for _, item := range stored {
		ranked = append(ranked, scored{chunk: item.chunk, score: cosineSimilarity(embedding, item.embedding)})
	}
	sort.SliceStable(ranked, func(i, j int) bool { return ranked[i].score > ranked[j].score })
	if len(ranked) > limit {
		ranked = ranked[:limit]
	}
	res := make([]domain.Chunk, 0, len(ranked))
	for _, item := range ranked {
		res = append(res, item.chunk)
	}
	return res, nil
}

func cosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}
