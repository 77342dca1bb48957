package ai

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func newTestGemini(t *testing.T, handler http.HandlerFunc, cfg GeminiConfig) *GeminiClient {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	if cfg.APIKey == "" {
		cfg.APIKey = "test-key"
	}
	client, err := NewGeminiClient(cfg)
	if err != nil {
		t.Fatalf("NewGeminiClient() error = %v", err)
	}
	client.baseURL = srv.URL
	return client
}

func TestGenerateTextSendsSafetyAndGenerationConfig(t *testing.T) {
	var got generateRequest
	client := newTestGemini(t, func(w http.ResponseWriter, r *http.Request) {
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode request: %v", err)
		}
		_, _ = w.Write([]byte(`{"candidates":[{"content":{"parts":[{"text":"generated"}]}}]}`))
	}, GeminiConfig{
		MaxOutputTokens: 512,
		SafetyThresholds: map[string]string{
			"HARM_CATEGORY_HATE_SPEECH": "BLOCK_LOW_AND_ABOVE",
			"HARM_CATEGORY_HARASSMENT":  "BLOCK_ONLY_HIGH",
		},
	})

	text, err := client.GenerateText(context.Background(), "gemini-1.5-flash", "system rules", "user question")
	if err != nil {
		t.Fatalf("GenerateText() error = %v", err)
	}
	if text != "generated" {
		t.Fatalf("text = %q, want generated", text)
	}
	if got.SystemInstruction == nil || got.SystemInstruction.Parts[0].Text != "system rules" {
		t.Fatalf("systemInstruction = %+v", got.SystemInstruction)
	}
	if got.GenerationConfig == nil || got.GenerationConfig.MaxOutputTokens != 512 {
		t.Fatalf("generationConfig = %+v", got.GenerationConfig)
	}
	if len(got.SafetySettings) != 2 {
		t.Fatalf("safetySettings count = %d, want 2", len(got.SafetySettings))
	}
	// Settings are sorted by category for stable request bodies.
	if got.SafetySettings[0].Category != "HARM_CATEGORY_HARASSMENT" {
		t.Fatalf("first safety category = %s", got.SafetySettings[0].Category)
	}
}

func TestEmbedTextSendsTaskType(t *testing.T) {
	var got embedRequest
	client := newTestGemini(t, func(w http.ResponseWriter, r *http.Request) {
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode request: %v", err)
		}
		_, _ = w.Write([]byte(`{"embedding":{"values":[0.1,0.2]}}`))
	}, GeminiConfig{})

	vec, err := client.EmbedText(context.Background(), "models/text-embedding-004", "chunk text", "RETRIEVAL_DOCUMENT")
	if err != nil {
		t.Fatalf("EmbedText() error = %v", err)
	}
	if len(vec) != 2 {
		t.Fatalf("embedding length = %d, want 2", len(vec))
	}
	if got.TaskType != "RETRIEVAL_DOCUMENT" {
		t.Fatalf("taskType = %q, want RETRIEVAL_DOCUMENT", got.TaskType)
	}
	if got.Content.Parts[0].Text != "chunk text" {
		t.Fatalf("content = %+v", got.Content)
	}
}

func TestGenerateTextSurfacesAPIError(t *testing.T) {
	client := newTestGemini(t, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":{"message":"API key not valid"}}`))
	}, GeminiConfig{})

	if _, err := client.GenerateText(context.Background(), "gemini-1.5-flash", "", "hi"); err == nil {
		t.Fatal("GenerateText() succeeded on API error response")
	}
}
