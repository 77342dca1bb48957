package server

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"pdfchat/internal/app"
	"pdfchat/internal/util"
	"pdfchat/pkg/domain"
)

const maxUploadBytes = 100 << 20

// TokenVerifier validates a bearer token and returns the subject user id.
type TokenVerifier interface {
	VerifySubject(token string) (string, error)
}

// QuestionLimiter bounds how many questions a user may ask per window.
type QuestionLimiter interface {
	Allow(key string) bool
}

// Config wires required dependencies for the HTTP server.
type Config struct {
	App           *app.App
	TokenVerifier TokenVerifier
	Limiter       QuestionLimiter
}

// Server exposes the HTTP endpoints.
type Server struct {
	app           *app.App
	tokenVerifier TokenVerifier
	limiter       QuestionLimiter
	mux           *http.ServeMux
}

// New constructs the server with routes configured.
func New(cfg Config) *Server {
	s := &Server{
		app:           cfg.App,
		tokenVerifier: cfg.TokenVerifier,
		limiter:       cfg.Limiter,
		mux:           http.NewServeMux(),
	}
	s.routes()
	return s
}

// Router returns the configured handler with shared middleware applied.
func (s *Server) Router() http.Handler {
	return util.WithSecurityHeaders(util.WithCORS(util.WithRequestID(util.WithRequestLog("pdfchat", s.mux))))
}

func (s *Server) routes() {
	s.mux.HandleFunc("/healthz", s.handleHealth)
	s.mux.Handle("/documents", s.withUser(s.handleDocuments))
	s.mux.Handle("/documents/", s.withUser(s.handleDocumentSubresource))
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type userHandler func(http.ResponseWriter, *http.Request, string)

func (s *Server) withUser(next userHandler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.tokenVerifier == nil {
			writeError(w, http.StatusInternalServerError, "token verifier not configured")
			return
		}
		token, ok := bearerToken(r)
		if !ok {
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		userID, err := s.tokenVerifier.VerifySubject(token)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		next(w, r, userID)
	})
}

func (s *Server) handleDocuments(w http.ResponseWriter, r *http.Request, userID string) {
	switch r.Method {
	case http.MethodGet:
		docs, err := s.app.ListDocuments(r.Context(), userID)
		if err != nil {
			writeDomainError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, docs)
	case http.MethodPost:
		s.handleUpload(w, r, userID)
	default:
		methodNotAllowed(w)
	}
}

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request, userID string) {
	r.Body = http.MaxBytesReader(w, r.Body, maxUploadBytes)
	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, "file is required")
		return
	}
	defer file.Close()
	contentType := header.Header.Get("Content-Type")
	doc, err := s.app.UploadDocument(r.Context(), userID, header.Filename, contentType, header.Size, file)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, doc)
}

// handleDocumentSubresource routes /documents/{id}/chat and
// /documents/{id}/messages.
func (s *Server) handleDocumentSubresource(w http.ResponseWriter, r *http.Request, userID string) {
	rest := strings.TrimPrefix(r.URL.Path, "/documents/")
	parts := strings.SplitN(rest, "/", 2)
	docID := strings.TrimSpace(parts[0])
	if docID == "" || len(parts) != 2 {
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	switch parts[1] {
	case "chat":
		if r.Method != http.MethodPost {
			methodNotAllowed(w)
			return
		}
		s.handleChat(w, r, userID, docID)
	case "messages":
		if r.Method != http.MethodGet {
			methodNotAllowed(w)
			return
		}
		turns, err := s.app.ListTurns(r.Context(), userID, docID, 0)
		if err != nil {
			writeDomainError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, turns)
	default:
		writeError(w, http.StatusNotFound, "not found")
	}
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request, userID, docID string) {
	var req chatRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if strings.TrimSpace(req.Question) == "" {
		writeError(w, http.StatusBadRequest, "question is required")
		return
	}
	if s.limiter != nil && !s.limiter.Allow(userID) {
		writeError(w, http.StatusTooManyRequests, "question limit reached")
		return
	}
	answer, err := s.app.AskQuestion(r.Context(), userID, docID, req.Question)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, answer)
}

type chatRequest struct {
	Question string `json:"question"`
}

func methodNotAllowed(w http.ResponseWriter) {
	writeError(w, http.StatusMethodNotAllowed, "method not allowed")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func writeDomainError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, domain.ErrAuthRequired):
		writeError(w, http.StatusUnauthorized, "unauthorized")
	case errors.Is(err, domain.ErrNotFound):
		writeError(w, http.StatusNotFound, "not found")
	case errors.Is(err, domain.ErrParse):
		writeError(w, http.StatusUnprocessableEntity, err.Error())
	case errors.Is(err, domain.ErrUpstream):
		writeError(w, http.StatusBadGateway, "upstream service unavailable")
	default:
		writeError(w, http.StatusBadRequest, err.Error())
	}
}

func bearerToken(r *http.Request) (string, bool) {
	authHeader := r.Header.Get("Authorization")
	if !strings.HasPrefix(authHeader, "Bearer ") {
		return "", false
	}
	token := strings.TrimSpace(strings.TrimPrefix(authHeader, "Bearer "))
	if token == "" {
		return "", false
	}
	return token, true
}
