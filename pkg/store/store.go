package store

import "pdfchat/pkg/domain"

// Store defines persistence for document metadata, chat transcripts, and the
// per-document embedding namespaces.
type Store interface {
	// documents
	SaveDocument(doc domain.Document) error
	GetDocument(ownerID, id string) (domain.Document, bool, error)
	ListDocumentsByOwner(ownerID string) ([]domain.Document, error)

	// chat transcript
	AppendTurn(turn domain.ChatTurn) error
	SettleTurn(id string) error
	// ListTurns returns turns newest first; callers reverse to chronological
	// order before prompting.
	ListTurns(userID, documentID string, limit int) ([]domain.ChatTurn, error)

	// embedding namespaces
	HasNamespace(namespace string) (bool, error)
	// ClaimNamespace atomically creates the namespace record in building
	// state. Returns false when another caller already holds it.
	ClaimNamespace(namespace string) (bool, error)
	MarkNamespaceReady(namespace string) error
	DropNamespace(namespace string) error
	WriteVectors(namespace string, chunks []domain.Chunk, embeddings [][]float32) error
	SearchChunks(namespace string, embedding []float32, limit int) ([]domain.Chunk, error)
}
