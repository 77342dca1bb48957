package loader

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/ledongthuc/pdf"
	"golang.org/x/net/html"
	"pdfchat/internal/util"
	"pdfchat/pkg/domain"
)

const (
	defaultChunkSize    = 1000
	defaultChunkOverlap = 200
	maxDocumentBytes    = 100 << 20
)

// Loader fetches a document through its download reference and splits the
// extracted text into overlapping windows ready for embedding.
type Loader struct {
	httpClient   *http.Client
	chunkSize    int
	chunkOverlap int
}

// Config for the loader. Zero values fall back to 1000-rune windows with a
// 200-rune overlap.
type Config struct {
	ChunkSize    int
	ChunkOverlap int
	HTTPClient   *http.Client
}

// New builds a loader.
func New(cfg Config) *Loader {
	size := cfg.ChunkSize
	if size <= 0 {
		size = defaultChunkSize
	}
	overlap := cfg.ChunkOverlap
	if overlap < 0 || overlap >= size {
		overlap = defaultChunkOverlap
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 60 * time.Second}
	}
	return &Loader{httpClient: client, chunkSize: size, chunkOverlap: overlap}
}

// LoadChunks downloads the document bytes and returns its text chunks in
// document order. A document with no extractable text is a parse failure,
// never a silent empty result.
func (l *Loader) LoadChunks(ctx context.Context, doc domain.Document) ([]domain.Chunk, error) {
	if strings.TrimSpace(doc.DownloadURL) == "" {
		return nil, fmt.Errorf("document %s has no download reference: %w", doc.ID, domain.ErrNotFound)
	}
	data, err := l.fetch(ctx, doc.DownloadURL)
	if err != nil {
		return nil, err
	}
	payloads, err := l.parseAndChunk(doc, data)
	if err != nil {
		return nil, err
	}
	if len(payloads) == 0 {
		return nil, fmt.Errorf("document %s has no extractable text: %w", doc.ID, domain.ErrParse)
	}
	now := time.Now().UTC()
	chunks := make([]domain.Chunk, 0, len(payloads))
	for _, payload := range payloads {
		chunks = append(chunks, domain.Chunk{
			ID:        util.NewID(),
			Namespace: doc.ID,
			Content:   payload.content,
			Metadata:  payload.metadata,
			CreatedAt: now,
		})
	}
	return chunks, nil
}

func (l *Loader) fetch(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("build download request: %w", err)
	}
	resp, err := l.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch document: %v: %w", err, domain.ErrUpstream)
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return nil, fmt.Errorf("document bytes missing: %w", domain.ErrNotFound)
	}
	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("fetch document: status %d: %w", resp.StatusCode, domain.ErrUpstream)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxDocumentBytes))
	if err != nil {
		return nil, fmt.Errorf("read document body: %v: %w", err, domain.ErrUpstream)
	}
	return data, nil
}

type chunkPayload struct {
	content  string
	metadata map[string]string
}

func (l *Loader) parseAndChunk(doc domain.Document, data []byte) ([]chunkPayload, error) {
	switch docFormat(doc) {
	case "pdf":
		return l.parsePDF(data)
	case "html":
		return l.parseHTML(data)
	default:
		return l.parseText(data)
	}
}

func docFormat(doc domain.Document) string {
	contentType := strings.ToLower(doc.ContentType)
	if idx := strings.Index(contentType, ";"); idx >= 0 {
		contentType = contentType[:idx]
	}
	switch strings.TrimSpace(contentType) {
	case "application/pdf":
		return "pdf"
	case "text/html":
		return "html"
	case "text/plain":
		return "text"
	}
	switch strings.ToLower(filepath.Ext(doc.Name)) {
	case ".pdf":
		return "pdf"
	case ".html", ".htm":
		return "html"
	default:
		return "text"
	}
}

func (l *Loader) parsePDF(data []byte) ([]chunkPayload, error) {
	reader, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, fmt.Errorf("open pdf: %v: %w", err, domain.ErrParse)
	}
	totalPages := reader.NumPage()
	var chunks []chunkPayload
	for i := 1; i <= totalPages; i++ {
		page := reader.Page(i)
		if page.V.IsNull() {
			continue
		}
		text, err := page.GetPlainText(nil)
		if err != nil {
			// Skip problematic pages instead of failing the whole document.
			continue
		}
		text = normalizeText(text)
		for idx, part := range chunkText(text, l.chunkSize, l.chunkOverlap) {
			chunks = append(chunks, chunkPayload{
				content: part,
				metadata: map[string]string{
					"page":  strconv.Itoa(i),
					"chunk": strconv.Itoa(idx),
				},
			})
		}
	}
	return chunks, nil
}

func (l *Loader) parseHTML(data []byte) ([]chunkPayload, error) {
	doc, err := html.Parse(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("parse html: %v: %w", err, domain.ErrParse)
	}
	text := normalizeText(extractText(doc))
	parts := chunkText(text, l.chunkSize, l.chunkOverlap)
	chunks := make([]chunkPayload, 0, len(parts))
	for idx, part := range parts {
		chunks = append(chunks, chunkPayload{
			content:  part,
			metadata: map[string]string{"chunk": strconv.Itoa(idx)},
		})
	}
	return chunks, nil
}

func (l *Loader) parseText(data []byte) ([]chunkPayload, error) {
	text := normalizeText(string(data))
	parts := chunkText(text, l.chunkSize, l.chunkOverlap)
	chunks := make([]chunkPayload, 0, len(parts))
	for idx, part := range parts {
		chunks = append(chunks, chunkPayload{
			content:  part,
			metadata: map[string]string{"chunk": strconv.Itoa(idx)},
		})
	}
	return chunks, nil
}

func normalizeText(text string) string {
	text = strings.ReplaceAll(text, "\x00", " ")
	text = strings.ToValidUTF8(text, "")
	text = strings.TrimSpace(text)
	if text == "" {
		return ""
	}
	return strings.Join(strings.Fields(text), " ")
}

func chunkText(text string, size, overlap int) []string {
	if size <= 0 {
		return nil
	}
	runes := []rune(text)
	if len(runes) == 0 {
		return nil
	}
	step := size - overlap
	if step <= 0 {
		step = size
	}
	var chunks []string
	for start := 0; start < len(runes); start += step {
		end := start + size
		if end > len(runes) {
			end = len(runes)
		}
		part := strings.TrimSpace(string(runes[start:end]))
		if part != "" {
			chunks = append(chunks, part)
		}
		if end == len(runes) {
			break
		}
	}
	return chunks
}

func extractText(n *html.Node) string {
	var buf strings.Builder
	var walk func(*html.Node)
	walk = func(node *html.Node) {
		switch node.Type {
		case html.TextNode:
			buf.WriteString(node.Data)
			buf.WriteString(" ")
		case html.ElementNode:
			if node.Data == "script" || node.Data == "style" {
				return
			}
		}
		for child := node.FirstChild; child != nil; child = child.NextSibling {
			walk(child)
		}
		if node.Type == html.ElementNode && (node.Data == "p" || node.Data == "br" || node.Data == "div" || node.Data == "li") {
			buf.WriteString(" ")
		}
	}
	walk(n)
	return buf.String()
}
