// Package registry provides file-backed model and safety-rule providers.
// Clean Architecture: Adapters implementing ports.ModelRegistry and
// ports.SafetyRules, reloaded when their files change.
package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"sync"

	"github.com/charmbracelet/log"

	"github.com/0xcro3dile/localchat-go/internal/domain/entities"
	"github.com/0xcro3dile/localchat-go/internal/domain/ports"
)

// modelsFile is the on-disk format of models.json.
type modelsFile struct {
	Active string               `json:"active"`
	Models []entities.ModelInfo `json:"models"`
}

// FileRegistry implements ports.ModelRegistry from a JSON file.
// A failed reload keeps the last good contents.
type FileRegistry struct {
	path   string
	logger *log.Logger

	mu     sync.RWMutex
	byID   map[string]entities.ModelInfo
	active string
}

// NewFileRegistry loads path. A missing file yields an empty registry.
func NewFileRegistry(path string, logger *log.Logger) (*FileRegistry, error) {
	r := &FileRegistry{
		path:   path,
		logger: logger.WithPrefix("registry"),
		byID:   map[string]entities.ModelInfo{},
	}
	if err := r.Reload(); err != nil {
		return nil, err
	}
	return r, nil
}

// Path returns the watched file.
func (r *FileRegistry) Path() string { return r.path }

// Reload re-reads the file and swaps the contents in.
func (r *FileRegistry) Reload() error {
	raw, err := os.ReadFile(r.path)
	if errors.Is(err, fs.ErrNotExist) {
		r.logger.Warn("models file not found, registry is empty", "path", r.path)
		r.swap(map[string]entities.ModelInfo{}, "")
		return nil
	}
	if err != nil {
		return fmt.Errorf("reading models file: %w", err)
	}

	var mf modelsFile
	if err := json.Unmarshal(raw, &mf); err != nil {
		return fmt.Errorf("parsing models file: %w", err)
	}

	byID := make(map[string]entities.ModelInfo, len(mf.Models))
	for _, m := range mf.Models {
		if m.Name == "" {
			return fmt.Errorf("parsing models file: model without name")
		}
		if m.ID == "" {
			m.ID = entities.ModelID(m.Name, m.Host)
		}
		if m.Provider == "" {
			m.Provider = "ollama"
		}
		m.Active = m.ID == mf.Active
		byID[m.ID] = m
	}
	if mf.Active != "" {
		if _, ok := byID[mf.Active]; !ok {
			r.logger.Warn("active model is not in the list", "active", mf.Active)
		}
	}

	r.swap(byID, mf.Active)
	r.logger.Info("models loaded", "count", len(byID), "active", mf.Active)
	return nil
}

func (r *FileRegistry) swap(byID map[string]entities.ModelInfo, active string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byID = byID
	r.active = active
}

func (r *FileRegistry) ByID(ctx context.Context, id string) (*entities.ModelInfo, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.byID[id]
	if !ok {
		return nil, ports.ErrNotFound
	}
	return &m, nil
}

func (r *FileRegistry) Lookup(ctx context.Context, name, host string) (*entities.ModelInfo, error) {
	return r.ByID(ctx, entities.ModelID(name, host))
}

func (r *FileRegistry) Active(ctx context.Context) (*entities.ModelInfo, error) {
	r.mu.RLock()
	id := r.active
	r.mu.RUnlock()
	if id == "" {
		return nil, ports.ErrNotFound
	}
	return r.ByID(ctx, id)
}

// List returns every model, in no particular order.
func (r *FileRegistry) List() []entities.ModelInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]entities.ModelInfo, 0, len(r.byID))
	for _, m := range r.byID {
		out = append(out, m)
	}
	return out
}
