package registry

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"sync"

	"github.com/charmbracelet/log"
)

// DefaultSafetyText is used when no rules file exists.
const DefaultSafetyText = "Keep responses appropriate for all ages. Refuse requests for harmful, explicit or dangerous content and suggest talking to a trusted adult where relevant."

// FileSafetyRules implements ports.SafetyRules from a plain text file.
type FileSafetyRules struct {
	path   string
	logger *log.Logger

	mu   sync.RWMutex
	text string
}

// NewFileSafetyRules loads path.
func NewFileSafetyRules(path string, logger *log.Logger) (*FileSafetyRules, error) {
	s := &FileSafetyRules{path: path, logger: logger.WithPrefix("safety")}
	if err := s.Reload(); err != nil {
		return nil, err
	}
	return s, nil
}

// Path returns the watched file.
func (s *FileSafetyRules) Path() string { return s.path }

func (s *FileSafetyRules) Reload() error {
	text := DefaultSafetyText
	raw, err := os.ReadFile(s.path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		s.logger.Debug("safety rules file not found, using default", "path", s.path)
	case err != nil:
		return fmt.Errorf("reading safety rules: %w", err)
	default:
		if t := strings.TrimSpace(string(raw)); t != "" {
			text = t
		}
	}

	s.mu.Lock()
	s.text = text
	s.mu.Unlock()
	return nil
}

func (s *FileSafetyRules) Current(ctx context.Context) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.text, nil
}
