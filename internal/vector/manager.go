package vector

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
	"pdfchat/internal/loader"
	"pdfchat/internal/retry"
	"pdfchat/pkg/ai"
	"pdfchat/pkg/domain"
	"pdfchat/pkg/store"
)

const (
	taskTypeDocument = "RETRIEVAL_DOCUMENT"
	taskTypeQuery    = "RETRIEVAL_QUERY"
)

// Gate serializes embedding creation per document id across processes.
type Gate interface {
	Acquire(ctx context.Context, key string) (func(), error)
}

// NoopGate is a pass-through gate for single-process deployments and tests;
// in-process serialization still happens via singleflight.
type NoopGate struct{}

func (NoopGate) Acquire(context.Context, string) (func(), error) { return func() {}, nil }

// Config for the vector store manager.
type Config struct {
	Store       store.Store
	Loader      *loader.Loader
	Embedder    ai.Embedder
	Gate        Gate
	BatchSize   int
	Concurrency int
	CallTimeout time.Duration
	RetryPolicy retry.Policy
}

// Manager decides whether a document's embedding namespace must be built and
// hands out retrieval handles bound to it. A namespace is built at most once
// per document id.
type Manager struct {
	store       store.Store
	loader      *loader.Loader
	embedder    ai.Embedder
	gate        Gate
	flight      singleflight.Group
	batchSize   int
	concurrency int
	callTimeout time.Duration
	retryPolicy retry.Policy
}

// New builds the manager.
func New(cfg Config) (*Manager, error) {
	if cfg.Store == nil {
		return nil, errors.New("store required")
	}
	if cfg.Loader == nil {
		return nil, errors.New("loader required")
	}
	if cfg.Embedder == nil {
		return nil, errors.New("embedder required")
	}
	gate := cfg.Gate
	if gate == nil {
		gate = NoopGate{}
	}
	batchSize := cfg.BatchSize
	if batchSize <= 0 {
		batchSize = 16
	}
	concurrency := cfg.Concurrency
	if concurrency <= 0 {
		concurrency = 2
	}
	callTimeout := cfg.CallTimeout
	if callTimeout <= 0 {
		callTimeout = 30 * time.Second
	}
	policy := cfg.RetryPolicy
	if policy.Attempts <= 0 {
		policy = retry.Default
	}
	return &Manager{
		store:       cfg.Store,
		loader:      cfg.Loader,
		embedder:    cfg.Embedder,
		gate:        gate,
		batchSize:   batchSize,
		concurrency: concurrency,
		callTimeout: callTimeout,
		retryPolicy: policy,
	}, nil
}

// Retriever is a handle for similarity search against one namespace.
type Retriever struct {
	manager   *Manager
	namespace string
}

// Namespace returns the namespace this handle is bound to.
func (r *Retriever) Namespace() string { return r.namespace }

// Search embeds the query and returns the top-ranked chunks.
func (r *Retriever) Search(ctx context.Context, query string, topK int) ([]domain.Chunk, error) {
	return r.manager.search(ctx, r.namespace, query, topK)
}

// EnsureEmbeddings returns a retrieval handle for the document's namespace,
// building chunks and vectors first if the namespace does not exist yet.
// Concurrent first-time callers are serialized so the expensive embedding
// pass runs exactly once.
func (m *Manager) EnsureEmbeddings(ctx context.Context, doc domain.Document) (*Retriever, error) {
	namespace := strings.TrimSpace(doc.ID)
	if namespace == "" {
		return nil, fmt.Errorf("namespace required: %w", domain.ErrNotFound)
	}
	exists, err := m.probeNamespace(ctx, namespace)
	if err != nil {
		return nil, err
	}
	if exists {
		slog.Debug("namespace exists, reusing embeddings", "namespace", namespace)
		return &Retriever{manager: m, namespace: namespace}, nil
	}
	_, err, _ = m.flight.Do(namespace, func() (any, error) {
		return nil, m.build(ctx, doc, namespace)
	})
	if err != nil {
		return nil, err
	}
	return &Retriever{manager: m, namespace: namespace}, nil
}

func (m *Manager) probeNamespace(ctx context.Context, namespace string) (bool, error) {
	var exists bool
	err := m.retryPolicy.Do(ctx, func(context.Context) error {
		var probeErr error
		exists, probeErr = m.store.HasNamespace(namespace)
		return probeErr
	})
	if err != nil {
		return false, fmt.Errorf("probe namespace %s: %v: %w", namespace, err, domain.ErrUpstream)
	}
	return exists, nil
}

func (m *Manager) build(ctx context.Context, doc domain.Document, namespace string) error {
	release, err := m.gate.Acquire(ctx, namespace)
	if err != nil {
		return fmt.Errorf("embedding gate: %v: %w", err, domain.ErrUpstream)
	}
	defer release()

	// Re-check under the gate: another process may have finished the build
	// while we waited.
	exists, err := m.probeNamespace(ctx, namespace)
	if err != nil {
		return err
	}
	if exists {
		return nil
	}

	claimed, err := m.store.ClaimNamespace(namespace)
	if err != nil {
		return fmt.Errorf("claim namespace %s: %v: %w", namespace, err, domain.ErrUpstream)
	}
	if !claimed {
		// A stale claim from a crashed build; the gate guarantees nobody else
		// is working on it now, so reclaim from scratch.
		if err := m.store.DropNamespace(namespace); err != nil {
			return fmt.Errorf("reset stale namespace %s: %v: %w", namespace, err, domain.ErrUpstream)
		}
		if claimed, err = m.store.ClaimNamespace(namespace); err != nil || !claimed {
			return fmt.Errorf("reclaim namespace %s: %w", namespace, domain.ErrUpstream)
		}
	}

	slog.Info("building embeddings", "namespace", namespace, "document", doc.Name)
	if err := m.embedDocument(ctx, doc, namespace); err != nil {
		if dropErr := m.store.DropNamespace(namespace); dropErr != nil {
			slog.Error("drop namespace after failed build", "namespace", namespace, "err", dropErr)
		}
		return err
	}
	if err := m.store.MarkNamespaceReady(namespace); err != nil {
		return fmt.Errorf("mark namespace ready: %v: %w", err, domain.ErrUpstream)
	}
	return nil
}

func (m *Manager) embedDocument(ctx context.Context, doc domain.Document, namespace string) error {
	chunks, err := m.loader.LoadChunks(ctx, doc)
	if err != nil {
		return err
	}
	embeddings := make([][]float32, len(chunks))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(m.concurrency)
	for start := 0; start < len(chunks); start += m.batchSize {
		end := min(start+m.batchSize, len(chunks))
		g.Go(func() error {
			for i := start; i < end; i++ {
				callCtx, cancel := context.WithTimeout(gctx, m.callTimeout)
				embedding, err := m.embedder.EmbedText(callCtx, chunks[i].Content, taskTypeDocument)
				cancel()
				if err != nil {
					return fmt.Errorf("embed chunk %d: %v: %w", i, err, domain.ErrUpstream)
				}
				embeddings[i] = embedding
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	// Single write, never retried: the namespace claim makes this the only
	// writer, and a failure drops the namespace for a clean rebuild.
	if err := m.store.WriteVectors(namespace, chunks, embeddings); err != nil {
		return fmt.Errorf("write vectors: %v: %w", err, domain.ErrUpstream)
	}
	slog.Info("embeddings stored", "namespace", namespace, "chunks", len(chunks))
	return nil
}

func (m *Manager) search(ctx context.Context, namespace, query string, topK int) ([]domain.Chunk, error) {
	callCtx, cancel := context.WithTimeout(ctx, m.callTimeout)
	embedding, err := m.embedder.EmbedText(callCtx, query, taskTypeQuery)
	cancel()
	if err != nil {
		return nil, fmt.Errorf("embed query: %v: %w", err, domain.ErrUpstream)
	}
	var chunks []domain.Chunk
	err = m.retryPolicy.Do(ctx, func(context.Context) error {
		var searchErr error
		chunks, searchErr = m.store.SearchChunks(namespace, embedding, topK)
		return searchErr
	})
	if err != nil {
		return nil, fmt.Errorf("similarity search: %v: %w", err, domain.ErrUpstream)
	}
	return chunks, nil
}
