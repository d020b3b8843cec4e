package llm

import (
	"context"
	"strings"
	"sync"

	"github.com/charmbracelet/log"

	"github.com/0xcro3dile/localchat-go/internal/domain/ports"
)

// Provider names used in the model registry.
const (
	ProviderOllama = "ollama"
	ProviderOpenAI = "openai"
)

// RouterConfig holds the default servers per provider.
type RouterConfig struct {
	OllamaURL    string
	OpenAIURL    string
	OpenAIAPIKey string
}

// Router implements ports.CompletionService by dispatching each request to
// the adapter for the model's provider. A model host that is a URL overrides
// the provider default; adapters are cached per server.
type Router struct {
	cfg    RouterConfig
	logger *log.Logger

	mu       sync.Mutex
	backends map[string]ports.CompletionService
}

// NewRouter creates a provider router.
func NewRouter(cfg RouterConfig, logger *log.Logger) *Router {
	if cfg.OllamaURL == "" {
		cfg.OllamaURL = DefaultOllamaURL
	}
	return &Router{
		cfg:      cfg,
		logger:   logger.WithPrefix("llm"),
		backends: make(map[string]ports.CompletionService),
	}
}

func (r *Router) Stream(ctx context.Context, req ports.CompletionRequest) (<-chan ports.StreamToken, error) {
	return r.backend(req).Stream(ctx, req)
}

func (r *Router) Complete(ctx context.Context, req ports.CompletionRequest) (string, error) {
	return r.backend(req).Complete(ctx, req)
}

func (r *Router) backend(req ports.CompletionRequest) ports.CompletionService {
	provider := req.Model.Provider
	if provider != ProviderOpenAI {
		provider = ProviderOllama
	}

	baseURL := r.cfg.OllamaURL
	if provider == ProviderOpenAI {
		baseURL = r.cfg.OpenAIURL
	}
	if host := req.Model.Host; strings.HasPrefix(host, "http://") || strings.HasPrefix(host, "https://") {
		baseURL = host
	}

	key := provider + " " + baseURL
	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok := r.backends[key]; ok {
		return b
	}

	var b ports.CompletionService
	if provider == ProviderOpenAI {
		b = NewOpenAIAdapter(baseURL, r.cfg.OpenAIAPIKey)
	} else {
		b = NewOllamaChatAdapter(baseURL)
	}
	r.logger.Debug("created completion backend", "provider", provider, "url", baseURL)
	r.backends[key] = b
	return b
}
