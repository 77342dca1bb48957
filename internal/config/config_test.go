package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

const validYAML = `
port: "8080"
logLevel: info
databaseURL: postgres://localhost/pdfchat
minioEndpoint: localhost:9000
minioBucket: pdfchat
geminiAPIKey: test-key
generationModel: gemini-1.5-pro
embeddingModel: embedding-001
authJWKSURL: http://localhost:9090/.well-known/jwks.json
chunkSize: 1000
chunkOverlap: 200
topK: 4
historyLimit: 12
safetyThresholds:
  HARM_CATEGORY_HARASSMENT: BLOCK_LOW_AND_ABOVE
`

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadValidConfig(t *testing.T) {
	cfg, err := Load(writeConfig(t, validYAML))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Port != "8080" {
		t.Fatalf("Port = %q, want 8080", cfg.Port)
	}
	if cfg.ChunkSize != 1000 || cfg.ChunkOverlap != 200 {
		t.Fatalf("chunking = %d/%d, want 1000/200", cfg.ChunkSize, cfg.ChunkOverlap)
	}
	if cfg.SafetyThresholds["HARM_CATEGORY_HARASSMENT"] != "BLOCK_LOW_AND_ABOVE" {
		t.Fatalf("safety thresholds = %v", cfg.SafetyThresholds)
	}
}

func TestLoadEnvOverridesAPIKey(t *testing.T) {
	t.Setenv("GEMINI_API_KEY", "env-key")
	cfg, err := Load(writeConfig(t, validYAML))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.GeminiAPIKey != "env-key" {
		t.Fatalf("GeminiAPIKey = %q, want env-key", cfg.GeminiAPIKey)
	}
}

func TestLoadRejectsMissingGenerationModel(t *testing.T) {
	broken := strings.Replace(validYAML, "generationModel: gemini-1.5-pro", "generationModel: \"\"", 1)
	if _, err := Load(writeConfig(t, broken)); err == nil {
		t.Fatal("Load() succeeded with empty generationModel")
	}
}

func TestLoadRejectsOverlapLargerThanChunk(t *testing.T) {
	broken := strings.Replace(validYAML, "chunkOverlap: 200", "chunkOverlap: 1000", 1)
	if _, err := Load(writeConfig(t, broken)); err == nil {
		t.Fatal("Load() succeeded with overlap >= chunk size")
	}
}
