package main

import (
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"pdfchat/internal/app"
	"pdfchat/internal/config"
	"pdfchat/internal/loader"
	"pdfchat/internal/lock"
	"pdfchat/internal/ratelimit"
	"pdfchat/internal/server"
	"pdfchat/internal/usertoken"
	"pdfchat/internal/util"
	"pdfchat/internal/vector"
	"pdfchat/pkg/ai"
	"pdfchat/pkg/storage"
	"pdfchat/pkg/store"
)

func main() {
	cfg, err := config.Load(config.ConfigPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger := util.InitLogger(cfg.LogLevel)

	tokenVerifier, err := usertoken.NewVerifier(usertoken.Config{
		JWKSURL:    cfg.AuthJWKSURL,
		Issuer:     cfg.JWTIssuer,
		Audience:   cfg.JWTAudience,
		HTTPClient: &http.Client{Timeout: 5 * time.Second},
	})
	if err != nil {
		util.Fatal("failed to init jwks verifier", "err", err)
	}

	var storeOpts []store.GormStoreOption
	if cfg.EmbeddingDim > 0 {
		storeOpts = append(storeOpts, store.WithEmbeddingDim(cfg.EmbeddingDim))
	}
	db, err := store.NewGormStore(cfg.DatabaseURL, storeOpts...)
	if err != nil {
		util.Fatal("failed to init store", "err", err)
	}

	blobs, err := storage.NewMinioStore(cfg.MinioEndpoint, cfg.MinioAccessKey, cfg.MinioSecretKey, cfg.MinioBucket, cfg.MinioUseSSL)
	if err != nil {
		util.Fatal("failed to init object store", "err", err)
	}

	gemini, err := ai.NewGeminiClient(ai.GeminiConfig{
		APIKey:           cfg.GeminiAPIKey,
		MaxOutputTokens:  cfg.MaxOutputTokens,
		SafetyThresholds: cfg.SafetyThresholds,
	})
	if err != nil {
		util.Fatal("failed to init gemini client", "err", err)
	}
	generator := ai.NewGeminiGenerator(gemini, cfg.GenerationModel)

	var embedder ai.Embedder
	switch cfg.EmbeddingProvider {
	case "", "gemini":
		embedder = ai.NewGeminiEmbedder(gemini, cfg.EmbeddingModel)
	case "ollama":
		embedder = ai.NewOllamaEmbedder(ai.NewOllamaClient(cfg.EmbeddingBaseURL), cfg.EmbeddingModel, cfg.EmbeddingDim)
	default:
		util.Fatal("unknown embedding provider", "provider", cfg.EmbeddingProvider)
	}

	upstreamTimeout := time.Duration(cfg.UpstreamTimeoutSeconds) * time.Second

	var gate vector.Gate
	var limiter server.QuestionLimiter
	if cfg.RedisAddr != "" {
		lease, err := lock.New(lock.Config{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
		if err != nil {
			util.Fatal("failed to init embed lock", "err", err)
		}
		gate = lease
		if cfg.QuestionLimitPerMinute > 0 {
			limiter, err = ratelimit.NewRedisFixedWindowLimiter(cfg.RedisAddr, cfg.RedisPassword, "", cfg.QuestionLimitPerMinute, time.Minute)
			if err != nil {
				util.Fatal("failed to init rate limiter", "err", err)
			}
		}
	} else {
		slog.Warn("redis not configured, cross-process embed locking and rate limiting disabled")
	}

	vectors, err := vector.New(vector.Config{
		Store:       db,
		Loader:      loader.New(loader.Config{ChunkSize: cfg.ChunkSize, ChunkOverlap: cfg.ChunkOverlap}),
		Embedder:    embedder,
		Gate:        gate,
		BatchSize:   cfg.EmbedBatchSize,
		Concurrency: cfg.EmbedConcurrency,
		CallTimeout: upstreamTimeout,
	})
	if err != nil {
		util.Fatal("failed to init vector manager", "err", err)
	}

	appCore, err := app.New(app.Config{
		Store:          db,
		Blobs:          blobs,
		Vectors:        vectors,
		Generator:      generator,
		TopK:           cfg.TopK,
		HistoryLimit:   cfg.HistoryLimit,
		CallTimeout:    upstreamTimeout,
		DownloadURLTTL: time.Duration(cfg.DownloadURLTTLHours) * time.Hour,
	})
	if err != nil {
		util.Fatal("failed to init app", "err", err)
	}

	httpServer := server.New(server.Config{
		App:           appCore,
		TokenVerifier: tokenVerifier,
		Limiter:       limiter,
	})

	addr := ":" + cfg.Port
	srv := &http.Server{
		Addr:         addr,
		Handler:      httpServer.Router(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	slog.Info("pdfchat server listening", "addr", addr)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Error("server error", "err", err)
	}
}
