package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/pgvector/pgvector-go"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"
	"pdfchat/pkg/domain"
)

const migrateLockID int64 = 52815281

const (
	namespaceBuilding = "building"
	namespaceReady    = "ready"
)

const defaultEmbeddingDim = 768

type GormStoreOptions struct {
	EmbeddingDim int
}

type GormStoreOption func(*GormStoreOptions)

// WithEmbeddingDim sets the embedding dimension enforced by storage.
func WithEmbeddingDim(dim int) GormStoreOption {
	return func(opts *GormStoreOptions) {
		opts.EmbeddingDim = dim
	}
}

// GormStore implements Store using GORM + Postgres with pgvector.
type GormStore struct {
	db           *gorm.DB
	embeddingDim int
}

// NewGormStore opens the DB and runs auto-migrations under an advisory lock.
func NewGormStore(dsn string, options ...GormStoreOption) (*GormStore, error) {
	opts := GormStoreOptions{}
	for _, option := range options {
		if option != nil {
			option(&opts)
		}
	}
	embeddingDim := opts.EmbeddingDim
	if embeddingDim <= 0 {
		embeddingDim = defaultEmbeddingDim
	}

	gormLog := gormlogger.New(
		log.New(os.Stdout, "\r\n", log.LstdFlags),
		gormlogger.Config{
			SlowThreshold:             time.Second,
			LogLevel:                  gormlogger.Warn,
			IgnoreRecordNotFoundError: true,
			Colorful:                  false,
		},
	)
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{Logger: gormLog})
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if err := withMigrationLock(db, func(tx *gorm.DB) error {
		if err := tx.Exec("CREATE EXTENSION IF NOT EXISTS vector").Error; err != nil {
			return fmt.Errorf("create pgvector extension: %w", err)
		}
		if err := tx.AutoMigrate(&DocumentModel{}, &TurnModel{}, &NamespaceModel{}, &ChunkModel{}); err != nil {
			return fmt.Errorf("auto migrate: %w", err)
		}
		if err := tx.Exec(fmt.Sprintf(`
			DO $$
			BEGIN
			IF EXISTS (
				SELECT 1 FROM information_schema.columns
				WHERE table_name = 'chunk_models' AND column_name = 'embedding'
			) THEN
				ALTER TABLE chunk_models ALTER COLUMN embedding TYPE vector(%d);
			END IF;
			END $$;
		`, embeddingDim)).Error; err != nil {
			return fmt.Errorf("alter chunk embedding type: %w", err)
		}
		return nil
	}); err != nil {
		return nil, err
	}
	return &GormStore{db: db, embeddingDim: embeddingDim}, nil
}

func withMigrationLock(db *gorm.DB, fn func(*gorm.DB) error) error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	sqlDB, err := db.DB()
	if err != nil {
		return fmt.Errorf("get sql db: %w", err)
	}
	conn, err := sqlDB.Conn(ctx)
	if err != nil {
		return fmt.Errorf("open sql conn: %w", err)
	}
	defer conn.Close()
	if err := execAdvisory(ctx, conn, "SELECT pg_advisory_lock($1)", migrateLockID); err != nil {
		return fmt.Errorf("acquire migrate lock: %w", err)
	}
	defer func() {
		_ = execAdvisory(ctx, conn, "SELECT pg_advisory_unlock($1)", migrateLockID)
	}()
	return fn(db)
}

func execAdvisory(ctx context.Context, conn *sql.Conn, query string, lockID int64) error {
	_, err := conn.ExecContext(ctx, query, lockID)
	return err
}

// SaveDocument stores or updates document metadata. The download URL is the
// only field expected to change after creation.
func (s *GormStore) SaveDocument(doc domain.Document) error {
	model := documentToModel(doc)
	return s.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{"download_url"}),
	}).Create(&model).Error
}

// GetDocument retrieves a document scoped to its owner.
func (s *GormStore) GetDocument(ownerID, id string) (domain.Document, bool, error) {
	var model DocumentModel
	if err := s.db.First(&model, "id = ? AND owner_id = ?", id, ownerID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.Document{}, false, nil
		}
		return domain.Document{}, false, err
	}
	return documentFromModel(model), true, nil
}

// ListDocumentsByOwner returns an owner's documents oldest first.
func (s *GormStore) ListDocumentsByOwner(ownerID string) ([]domain.Document, error) {
	var models []DocumentModel
	if err := s.db.Where("owner_id = ?", ownerID).Order("created_at ASC").Find(&models).Error; err != nil {
		return nil, err
	}
	docs := make([]domain.Document, 0, len(models))
	for _, m := range models {
		docs = append(docs, documentFromModel(m))
	}
	return docs, nil
}

// AppendTurn records one transcript entry.
func (s *GormStore) AppendTurn(turn domain.ChatTurn) error {
	model := turnToModel(turn)
	return s.db.Create(&model).Error
}

// SettleTurn clears the pending flag on a human turn once answered.
func (s *GormStore) SettleTurn(id string) error {
	return s.db.Model(&TurnModel{}).Where("id = ?", id).Update("pending", false).Error
}

// ListTurns returns transcript entries newest first.
func (s *GormStore) ListTurns(userID, documentID string, limit int) ([]domain.ChatTurn, error) {
	query := s.db.Where("user_id = ? AND document_id = ?", userID, documentID).
		Order("created_at DESC")
	if limit > 0 {
		query = query.Limit(limit)
	}
	var models []TurnModel
	if err := query.Find(&models).Error; err != nil {
		return nil, err
	}
	turns := make([]domain.ChatTurn, 0, len(models))
	for _, model := range models {
		turns = append(turns, turnFromModel(model))
	}
	return turns, nil
}

// HasNamespace reports whether embeddings exist and are ready for a namespace.
func (s *GormStore) HasNamespace(namespace string) (bool, error) {
	var count int64
	if err := s.db.Model(&NamespaceModel{}).
		Where("name = ? AND status = ?", namespace, namespaceReady).
		Count(&count).Error; err != nil {
		return false, err
	}
	return count > 0, nil
}

// ClaimNamespace inserts the namespace record in building state. The primary
// key makes the insert a create-if-absent; a duplicate key means someone else
// holds the claim.
func (s *GormStore) ClaimNamespace(namespace string) (bool, error) {
	now := time.Now().UTC()
	model := NamespaceModel{Name: namespace, Status: namespaceBuilding, CreatedAt: now, UpdatedAt: now}
	result := s.db.Clauses(clause.OnConflict{DoNothing: true}).Create(&model)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

// MarkNamespaceReady flips the namespace to ready once vectors are written.
func (s *GormStore) MarkNamespaceReady(namespace string) error {
	return s.db.Model(&NamespaceModel{}).Where("name = ?", namespace).
		Updates(map[string]any{"status": namespaceReady, "updated_at": time.Now().UTC()}).Error
}

// DropNamespace removes a namespace and its vectors after a failed build.
func (s *GormStore) DropNamespace(namespace string) error {
	return s.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Delete(&ChunkModel{}, "namespace = ?", namespace).Error; err != nil {
			return err
		}
		return tx.Delete(&NamespaceModel{}, "name = ?", namespace).Error
	})
}

// WriteVectors persists chunks with their embeddings in one transaction.
func (s *GormStore) WriteVectors(namespace string, chunks []domain.Chunk, embeddings [][]float32) error {
	if len(chunks) != len(embeddings) {
		return fmt.Errorf("vector count mismatch: %d chunks, %d embeddings", len(chunks), len(embeddings))
	}
	models := make([]ChunkModel, 0, len(chunks))
	for i, chunk := range chunks {
		if err := s.validateEmbeddingDim(embeddings[i]); err != nil {
			return err
		}
		model := chunkToModel(chunk)
		model.Namespace = namespace
		vec := pgvector.NewVector(embeddings[i])
		model.Embedding = &vec
		models = append(models, model)
	}
	return s.db.Transaction(func(tx *gorm.DB) error {
		return tx.CreateInBatches(&models, 200).Error
	})
}

// SearchChunks finds the closest chunks by cosine distance within a namespace.
func (s *GormStore) SearchChunks(namespace string, embedding []float32, limit int) ([]domain.Chunk, error) {
	if limit <= 0 {
		return []domain.Chunk{}, nil
	}
	if err := s.validateEmbeddingDim(embedding); err != nil {
		return nil, err
	}
	vec := pgvector.NewVector(embedding)
	var models []ChunkModel
	if err := s.db.Model(&ChunkModel{}).
		Where("namespace = ? AND embedding IS NOT NULL", namespace).
		Order(clause.Expr{SQL: "embedding <=> ?", Vars: []any{vec}}).
		Limit(limit).
		Find(&models).Error; err != nil {
		return nil, err
	}
	chunks := make([]domain.Chunk, 0, len(models))
	for _, model := range models {
		chunks = append(chunks, chunkFromModel(model))
	}
	return chunks, nil
}

func (s *GormStore) validateEmbeddingDim(embedding []float32) error {
	if len(embedding) == 0 {
		return fmt.Errorf("embedding vector is empty")
	}
	if s.embeddingDim > 0 && len(embedding) != s.embeddingDim {
		return fmt.Errorf("embedding dimension mismatch: got %d, want %d", len(embedding), s.embeddingDim)
	}
	return nil
}

func documentToModel(doc domain.Document) DocumentModel {
	return DocumentModel{
		ID:          doc.ID,
		OwnerID:     doc.OwnerID,
		Name:        doc.Name,
		ContentType: doc.ContentType,
		SizeBytes:   doc.SizeBytes,
		StorageKey:  doc.StorageKey,
		DownloadURL: doc.DownloadURL,
		CreatedAt:   doc.CreatedAt,
	}
}

func documentFromModel(m DocumentModel) domain.Document {
	return domain.Document{
		ID:          m.ID,
		OwnerID:     m.OwnerID,
		Name:        m.Name,
		ContentType: m.ContentType,
		SizeBytes:   m.SizeBytes,
		StorageKey:  m.StorageKey,
		DownloadURL: m.DownloadURL,
		CreatedAt:   m.CreatedAt,
	}
}

func turnToModel(turn domain.ChatTurn) TurnModel {
	return TurnModel{
		ID:         turn.ID,
		DocumentID: turn.DocumentID,
		UserID:     turn.UserID,
		Role:       string(turn.Role),
		Content:    turn.Content,
		Pending:    turn.Pending,
		CreatedAt:  turn.CreatedAt,
	}
}

func turnFromModel(m TurnModel) domain.ChatTurn {
	return domain.ChatTurn{
		ID:         m.ID,
		DocumentID: m.DocumentID,
		UserID:     m.UserID,
		Role:       domain.TurnRole(m.Role),
		Content:    m.Content,
		Pending:    m.Pending,
		CreatedAt:  m.CreatedAt,
	}
}

func chunkToModel(chunk domain.Chunk) ChunkModel {
	meta, _ := json.Marshal(chunk.Metadata)
	return ChunkModel{
		ID:        chunk.ID,
		Namespace: chunk.Namespace,
		Content:   chunk.Content,
		Metadata:  meta,
		CreatedAt: chunk.CreatedAt,
	}
}

func chunkFromModel(model ChunkModel) domain.Chunk {
	var meta map[string]string
	if len(model.Metadata) > 0 {
		_ = json.Unmarshal(model.Metadata, &meta)
	}
	return domain.Chunk{
		ID:        model.ID,
		Namespace: model.Namespace,
		Content:   model.Content,
		Metadata:  meta,
		CreatedAt: model.CreatedAt,
	}
}
