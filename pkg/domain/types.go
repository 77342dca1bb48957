package domain

import "time"

// TurnRole tags who produced a chat turn. The values are part of the stored
// transcript format and must not change.
type TurnRole string

const (
	RoleHuman TurnRole = "human"
	RoleAI    TurnRole = "ai"
)

// Document is the metadata for one uploaded file. Immutable after upload
// except for DownloadURL, which is set once the object store write completes.
type Document struct {
	ID          string    `json:"id"`
	OwnerID     string    `json:"ownerId"`
	Name        string    `json:"name"`
	ContentType string    `json:"contentType"`
	SizeBytes   int64     `json:"sizeBytes"`
	StorageKey  string    `json:"-"`
	DownloadURL string    `json:"-"`
	CreatedAt   time.Time `json:"createdAt"`
}

// ChatTurn is one transcript entry. Turns are append-only; a human turn is
// written as pending and settled once its answer has been recorded.
type ChatTurn struct {
	ID         string    `json:"id"`
	DocumentID string    `json:"documentId"`
	UserID     string    `json:"userId"`
	Role       TurnRole  `json:"role"`
	Content    string    `json:"message"`
	Pending    bool      `json:"pending,omitempty"`
	CreatedAt  time.Time `json:"createdAt"`
}

// Chunk is one overlapping text window of a document, stored alongside its
// embedding in the namespace named by the document id.
type Chunk struct {
	ID        string            `json:"id"`
	Namespace string            `json:"namespace"`
	Content   string            `json:"content"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	CreatedAt time.Time         `json:"createdAt"`
}

// Answer is the result of one question through the retrieval pipeline.
type Answer struct {
	DocumentID string    `json:"documentId"`
	Question   string    `json:"question"`
	Answer     string    `json:"answer"`
	CreatedAt  time.Time `json:"createdAt"`
}
