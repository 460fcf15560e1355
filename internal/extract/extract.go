// Package extract turns uploaded files and URLs into plain-text documents.
package extract

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"os/exec"
	"path"
	"strings"
	"time"
	"unicode/utf8"

	"go.uber.org/zap"

	apperrors "rag-tutor/internal/errors"
	"rag-tutor/internal/models"
)

// DefaultMaxFetchBytes bounds a fetched page or file.
const DefaultMaxFetchBytes = 50 << 20

// Item is one thing to ingest: either inline Data (an upload or provided
// text) or a URI to fetch.
type Item struct {
	Name        string
	URI         string
	Title       string
	SourceType  models.SourceType
	ContentType string
	Data        []byte
}

// Label names the item in events and failure reports.
func (it Item) Label() string {
	if it.Name != "" {
		return it.Name
	}
	return it.URI
}

// CommandRunner runs an external converter with data on stdin.
type CommandRunner interface {
	Run(ctx context.Context, stdin []byte, name string, args ...string) ([]byte, error)
}

type execRunner struct{}

func (execRunner) Run(ctx context.Context, stdin []byte, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Stdin = bytes.NewReader(stdin)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	out, err := cmd.Output()
	if err != nil {
		return nil, fmt.Errorf("%s: %w: %s", name, err, strings.TrimSpace(stderr.String()))
	}
	return out, nil
}

// Extractor dispatches items to the handler for their source type.
type Extractor struct {
	client   *http.Client
	runner   CommandRunner
	logger   *zap.Logger
	maxBytes int64
}

type Option func(*Extractor)

func WithHTTPClient(c *http.Client) Option {
	return func(x *Extractor) { x.client = c }
}

// WithPDFFallback sets the runner for pdftotext, used when the in-process
// reader finds no text. Nil disables the fallback.
func WithPDFFallback(r CommandRunner) Option {
	return func(x *Extractor) { x.runner = r }
}

// WithMaxFetchBytes caps the size of a fetched URL body.
func WithMaxFetchBytes(n int64) Option {
	return func(x *Extractor) {
		if n > 0 {
			x.maxBytes = n
		}
	}
}

func WithLogger(l *zap.Logger) Option {
	return func(x *Extractor) { x.logger = l }
}

func New(timeout time.Duration, opts ...Option) *Extractor {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	x := &Extractor{
		client:   &http.Client{Timeout: timeout},
		runner:   execRunner{},
		logger:   zap.NewNop(),
		maxBytes: DefaultMaxFetchBytes,
	}
	for _, opt := range opts {
		opt(x)
	}
	return x
}

// DetectType guesses the source type from a file name or URL.
func DetectType(name string) models.SourceType {
	lower := strings.ToLower(name)
	if IsURL(lower) {
		if strings.Contains(lower, "youtube.com") || strings.Contains(lower, "youtu.be") {
			return models.SourceYouTube
		}
		if strings.HasSuffix(urlPath(lower), ".pdf") {
			return models.SourcePDF
		}
		return models.SourceWeb
	}
	switch path.Ext(lower) {
	case ".pdf":
		return models.SourcePDF
	case ".docx":
		return models.SourceDOCX
	case ".html", ".htm":
		return models.SourceWeb
	}
	return models.SourceText
}

// IsURL reports whether s is an http or https URL.
func IsURL(s string) bool {
	return strings.HasPrefix(s, "http://") || strings.HasPrefix(s, "https://")
}

func urlPath(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return raw
	}
	return u.Path
}

// Extract produces a document for item. Every failure is an ExtractionFailure.
func (x *Extractor) Extract(ctx context.Context, item Item) (*models.Document, error) {
	doc, err := x.extract(ctx, item)
	if err != nil {
		if apperrors.TypeOf(err) != apperrors.TypeExtractionFailure {
			err = apperrors.ErrExtractionFailure.WithMessage("Could not extract " + item.Label()).WithCause(err)
		}
		return nil, err
	}
	return doc, nil
}

func (x *Extractor) extract(ctx context.Context, item Item) (*models.Document, error) {
	uri := item.URI
	if uri == "" {
		uri = item.Name
	}
	st := item.SourceType
	if st == "" {
		st = DetectType(uri)
	}
	if !st.Valid() {
		return nil, fmt.Errorf("unsupported source type %q", st)
	}

	data := item.Data
	contentType := item.ContentType
	if data == nil {
		if st == models.SourceYouTube {
			return nil, fmt.Errorf("no transcript provided for %s", uri)
		}
		if !IsURL(uri) {
			return nil, fmt.Errorf("invalid URL format: %s. Must start with http:// or https://", uri)
		}
		var err error
		data, contentType, err = x.fetch(ctx, uri)
		if err != nil {
			return nil, err
		}
		if st == models.SourceWeb && isPDF(contentType) {
			st = models.SourcePDF
		}
	}

	// Declared plain text passes through whatever the source type; the type
	// is kept for provenance.
	var text, title string
	var err error
	switch {
	case isPlain(contentType), st == models.SourceText, st == models.SourceYouTube:
		text, err = plainText(data)
	case st == models.SourceWeb:
		text, title, err = HTMLText(data)
	case st == models.SourceDOCX:
		text, title, err = DocxText(data)
	case st == models.SourcePDF:
		text, err = x.pdfText(ctx, data)
	}
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(text) == "" {
		return nil, fmt.Errorf("no text content found in %s", uri)
	}

	title = firstNonEmpty(item.Title, title, baseName(uri))
	return models.NewDocument(uri, st, title, text), nil
}

func (x *Extractor) fetch(ctx context.Context, uri string) ([]byte, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, uri, nil)
	if err != nil {
		return nil, "", err
	}
	req.Header.Set("User-Agent", "Mozilla/5.0 (compatible; rag-tutor/1.0)")
	req.Header.Set("Accept", "text/html,application/xhtml+xml,application/pdf,text/plain;q=0.9,*/*;q=0.8")

	resp, err := x.client.Do(req)
	if err != nil {
		return nil, "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, "", fmt.Errorf("fetching %s returned status %d", uri, resp.StatusCode)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, x.maxBytes+1))
	if err != nil {
		return nil, "", err
	}
	if int64(len(data)) > x.maxBytes {
		return nil, "", fmt.Errorf("%s is larger than %d bytes", uri, x.maxBytes)
	}
	x.logger.Debug("fetched url", zap.String("url", uri), zap.Int("bytes", len(data)))
	return data, resp.Header.Get("Content-Type"), nil
}

func plainText(data []byte) (string, error) {
	if !utf8.Valid(data) {
		return "", fmt.Errorf("content is not valid UTF-8 text")
	}
	return strings.ReplaceAll(string(data), "\r\n", "\n"), nil
}

func mediaType(contentType string) string {
	mt, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return ""
	}
	return mt
}

func isPDF(contentType string) bool { return mediaType(contentType) == "application/pdf" }

func isPlain(contentType string) bool { return mediaType(contentType) == "text/plain" }

func baseName(uri string) string {
	if IsURL(uri) {
		u, err := url.Parse(uri)
		if err == nil {
			if b := path.Base(u.Path); b != "/" && b != "." {
				return b
			}
			return u.Host
		}
	}
	return path.Base(uri)
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}
