package store

import (
	"time"

	"github.com/pgvector/pgvector-go"
	"gorm.io/datatypes"
)

// GORM models used for persistence.
type DocumentModel struct {
	ID          string `gorm:"primaryKey"`
	OwnerID     string `gorm:"not null;index"`
	Name        string `gorm:"not null"`
	ContentType string
	SizeBytes   int64  `gorm:"not null"`
	StorageKey  string `gorm:"not null"`
	DownloadURL string
	CreatedAt   time.Time `gorm:"not null"`
}

type TurnModel struct {
	ID         string    `gorm:"primaryKey"`
	DocumentID string    `gorm:"not null;index"`
	UserID     string    `gorm:"not null;index"`
	Role       string    `gorm:"not null"`
	Content    string    `gorm:"type:text;not null"`
	Pending    bool      `gorm:"not null;default:false"`
	CreatedAt  time.Time `gorm:"not null;index"`
}

type NamespaceModel struct {
	Name      string    `gorm:"primaryKey"`
	Status    string    `gorm:"not null"`
	CreatedAt time.Time `gorm:"not null"`
	UpdatedAt time.Time `gorm:"not null"`
}

type ChunkModel struct {
	ID        string           `gorm:"primaryKey"`
	Namespace string           `gorm:"not null;index"`
	Content   string           `gorm:"type:text;not null"`
	Metadata  datatypes.JSON   `gorm:"type:jsonb"`
	Embedding *pgvector.Vector `gorm:"type:vector(768)"`
	CreatedAt time.Time        `gorm:"not null;index"`
}
