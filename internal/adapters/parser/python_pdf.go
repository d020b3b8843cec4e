// Package parser provides the PDF extraction adapter.
// Clean Architecture: Adapter implementing ports.TextExtractor.
// Calls external Python service for PDF extraction.
package parser

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/charmbracelet/log"
)

// PythonPDFParser implements ports.TextExtractor using the Python PDF service.
// Dependency Inversion: Usecases depend on TextExtractor interface, not this.
type PythonPDFParser struct {
	serviceURL string
	client     *http.Client
	pythonCmd  *exec.Cmd
	logger     *log.Logger
}

// NewPythonPDFParser creates a new PDF parser that calls Python service.
func NewPythonPDFParser(serviceURL string, logger *log.Logger) *PythonPDFParser {
	if serviceURL == "" {
		serviceURL = "http://localhost:8081"
	}
	return &PythonPDFParser{
		serviceURL: strings.TrimRight(serviceURL, "/"),
		client: &http.Client{
			Timeout: 60 * time.Second,
		},
		logger: logger.WithPrefix("pdf"),
	}
}

// parseResponse is the Python service response format.
type parseResponse struct {
	Text    string `json:"text"`
	Pages   int    `json:"pages"`
	Library string `json:"library,omitempty"`
	Error   string `json:"error,omitempty"`
}

// Supports reports whether the file is a PDF.
func (p *PythonPDFParser) Supports(mimeType, filename string) bool {
	return mimeType == "application/pdf" || strings.EqualFold(filepath.Ext(filename), ".pdf")
}

// Extract extracts text from PDF bytes via Python service.
func (p *PythonPDFParser) Extract(ctx context.Context, data []byte, mimeType, filename string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.serviceURL+"/parse", bytes.NewReader(data))
	if err != nil {
		return "", fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/octet-stream")
	req.Header.Set("X-Filename", filename)

	resp, err := p.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("calling PDF service: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("reading response: %w", err)
	}

	var result parseResponse
	if err := json.Unmarshal(body, &result); err != nil {
		return "", fmt.Errorf("decoding response (status %d): %w", resp.StatusCode, err)
	}

	if result.Error != "" {
		return "", fmt.Errorf("PDF parse error: %s", result.Error)
	}

	p.logger.Debug("parsed pdf", "file", filename, "pages", result.Pages, "library", result.Library)
	return result.Text, nil
}

// StartService starts the Python PDF service as a subprocess.
// Returns a cleanup function to stop the service.
func (p *PythonPDFParser) StartService(ctx context.Context, scriptDir string) (func(), error) {
	scriptPath := filepath.Join(scriptDir, "pdf_service.py")
	if _, err := os.Stat(scriptPath); os.IsNotExist(err) {
		return nil, fmt.Errorf("pdf_service.py not found at %s", scriptPath)
	}

	p.pythonCmd = exec.Command("python3", scriptPath)
	p.pythonCmd.Stdout = os.Stdout
	p.pythonCmd.Stderr = os.Stderr

	if err := p.pythonCmd.Start(); err != nil {
		return nil, fmt.Errorf("starting Python service: %w", err)
	}

	cleanup := func() {
		if p.pythonCmd != nil && p.pythonCmd.Process != nil {
			p.pythonCmd.Process.Kill()
			p.pythonCmd.Wait()
		}
	}

	// Wait for service to be ready
	deadline := time.Now().Add(10 * time.Second)
	for !p.IsServiceHealthy(ctx) {
		if time.Now().After(deadline) || ctx.Err() != nil {
			cleanup()
			return nil, fmt.Errorf("PDF service did not become healthy")
		}
		time.Sleep(200 * time.Millisecond)
	}
	p.logger.Info("PDF service started", "script", scriptPath)

	return cleanup, nil
}

// IsServiceHealthy checks if the Python service is running.
func (p *PythonPDFParser) IsServiceHealthy(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.serviceURL+"/health", nil)
	if err != nil {
		return false
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()

	return resp.StatusCode == http.StatusOK
}
