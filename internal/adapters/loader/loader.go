// Package loader provides text extraction adapters for uploaded files.
// Clean Architecture: Adapters implementing ports.TextExtractor.
package loader

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/0xcro3dile/localchat-go/internal/domain/ports"
)

// TextExtractor handles plain text formats (.txt, .md, .csv, .json, ...).
type TextExtractor struct{}

// NewTextExtractor creates a new plain text extractor.
func NewTextExtractor() *TextExtractor {
	return &TextExtractor{}
}

var textMimes = []string{"application/json", "application/xml", "application/x-ndjson"}

// Supports reports whether the file is text by mime type or extension.
func (e *TextExtractor) Supports(mimeType, filename string) bool {
	if strings.HasPrefix(mimeType, "text/") {
		return true
	}
	for _, m := range textMimes {
		if strings.HasPrefix(mimeType, m) {
			return true
		}
	}
	return hasExt(filename, e.SupportedExtensions())
}

// Extract returns the data as text with control characters removed.
func (e *TextExtractor) Extract(ctx context.Context, data []byte, mimeType, filename string) (string, error) {
	if !utf8.Valid(data) {
		return "", fmt.Errorf("%s is not valid UTF-8 text", filename)
	}
	return cleanText(string(data)), nil
}

// SupportedExtensions returns file extensions this extractor handles.
func (e *TextExtractor) SupportedExtensions() []string {
	return []string{".txt", ".md", ".markdown", ".csv", ".json", ".log", ".html", ".xml"}
}

// MultiExtractor dispatches to the first extractor that supports the file.
type MultiExtractor struct {
	extractors []ports.TextExtractor
}

// NewMultiExtractor combines extractors. Order decides precedence.
func NewMultiExtractor(extractors ...ports.TextExtractor) *MultiExtractor {
	return &MultiExtractor{extractors: extractors}
}

func (m *MultiExtractor) Supports(mimeType, filename string) bool {
	return m.find(mimeType, filename) != nil
}

func (m *MultiExtractor) Extract(ctx context.Context, data []byte, mimeType, filename string) (string, error) {
	e := m.find(mimeType, filename)
	if e == nil {
		return "", fmt.Errorf("no extractor for %s (%s)", filename, mimeType)
	}
	return e.Extract(ctx, data, mimeType, filename)
}

func (m *MultiExtractor) find(mimeType, filename string) ports.TextExtractor {
	for _, e := range m.extractors {
		if e.Supports(mimeType, filename) {
			return e
		}
	}
	return nil
}

func hasExt(filename string, exts []string) bool {
	ext := strings.ToLower(filepath.Ext(filename))
	for _, e := range exts {
		if e == ext {
			return true
		}
	}
	return false
}

// cleanText removes binary garbage from text, keeping newlines and tabs.
func cleanText(content string) string {
	var cleaned strings.Builder
	cleaned.Grow(len(content))
	for _, r := range content {
		if r == '\n' || r == '\t' || (r != utf8.RuneError && unicode.IsPrint(r)) {
			cleaned.WriteRune(r)
		}
	}
	return strings.TrimSpace(cleaned.String())
}
