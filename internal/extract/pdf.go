package extract

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/ledongthuc/pdf"
	"go.uber.org/zap"
)

// PDFText reads the text layer of a PDF, one blank line between pages.
// Pages that cannot be decoded are skipped.
func PDFText(data []byte) (text string, err error) {
	// the parser panics on some malformed cross-reference tables
	defer func() {
		if r := recover(); r != nil {
			text, err = "", fmt.Errorf("malformed pdf: %v", r)
		}
	}()

	r, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return "", fmt.Errorf("failed to parse pdf: %w", err)
	}

	var b strings.Builder
	for i := 1; i <= r.NumPage(); i++ {
		page := r.Page(i)
		if page.V.IsNull() {
			continue
		}
		t, err := page.GetPlainText(nil)
		if err != nil {
			continue
		}
		if t = strings.TrimSpace(t); t == "" {
			continue
		}
		if b.Len() > 0 {
			b.WriteString("\n\n")
		}
		b.WriteString(t)
	}
	return b.String(), nil
}

// pdfText prefers the in-process reader and falls back to poppler's
// pdftotext when that finds no text.
func (x *Extractor) pdfText(ctx context.Context, data []byte) (string, error) {
	text, err := PDFText(data)
	if err == nil && strings.TrimSpace(text) != "" {
		return text, nil
	}
	if err == nil {
		err = errors.New("pdf has no text layer")
	}
	if x.runner == nil {
		return "", err
	}

	x.logger.Debug("falling back to pdftotext", zap.Error(err))
	out, rerr := x.runner.Run(ctx, data, "pdftotext", "-enc", "UTF-8", "-", "-")
	if rerr != nil {
		return "", fmt.Errorf("pdf conversion failed: %w (pdftotext: %v)", err, rerr)
	}
	// pdftotext separates pages with form feeds.
	return strings.ReplaceAll(string(out), "\f", "\n\n"), nil
}
