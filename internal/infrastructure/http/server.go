// Package http provides the HTTP server infrastructure.
// Clean Architecture: Framework/driver layer - outermost circle.
package http

import (
	"context"
	"errors"
	"net/http"
	"sort"
	"time"

	"github.com/charmbracelet/log"

	"github.com/0xcro3dile/localchat-go/internal/domain/entities"
	"github.com/0xcro3dile/localchat-go/internal/domain/usecases"
)

// ModelCatalog lists the registry for the model picker.
type ModelCatalog interface {
	List() []entities.ModelInfo
}

// HealthCheck is one dependency check of /api/health. A failing critical
// check turns the response into 503.
type HealthCheck struct {
	Name     string
	Critical bool
	Check    func(ctx context.Context) error
}

// Deps are the usecases and collaborators the server routes to.
type Deps struct {
	Conversations *usecases.ConversationService
	Exchanges     *usecases.ExchangeStreamer
	Files         *usecases.FileLifecycle
	Models        ModelCatalog
	Auth          *Authenticator
	Health        []HealthCheck
}

// Options tunes the server.
type Options struct {
	Addr        string
	CORSOrigin  string        // empty disables CORS headers
	WaitTimeout time.Duration // cap for GET /api/files/{id}/wait
}

// Server is the HTTP server for the chat API.
type Server struct {
	deps   Deps
	opts   Options
	logger *log.Logger
}

// NewServer creates a new HTTP server.
func NewServer(deps Deps, opts Options, logger *log.Logger) *Server {
	if opts.Addr == "" {
		opts.Addr = ":8080"
	}
	if opts.WaitTimeout <= 0 {
		opts.WaitTimeout = 60 * time.Second
	}
	return &Server{deps: deps, opts: opts, logger: logger.WithPrefix("http")}
}

// Handler builds the routed handler with middleware applied.
func (s *Server) Handler() http.Handler {
	api := http.NewServeMux()

	api.HandleFunc("GET /api/conversations", s.api(s.handleListConversations))
	api.HandleFunc("POST /api/conversations", s.api(s.handleCreateConversation))
	api.HandleFunc("GET /api/conversations/{id}", s.api(s.handleGetConversation))
	api.HandleFunc("PATCH /api/conversations/{id}", s.api(s.handleUpdateConversation))
	api.HandleFunc("DELETE /api/conversations/{id}", s.api(s.handleDeleteConversation))
	api.HandleFunc("GET /api/conversations/{id}/messages", s.api(s.handleListMessages))
	api.HandleFunc("POST /api/conversations/{id}/messages", s.handleSendMessage) // SSE streaming
	api.HandleFunc("POST /api/conversations/{id}/abort", s.api(s.handleAbort))
	api.HandleFunc("GET /api/conversations/{id}/files", s.api(s.handleListFiles))
	api.HandleFunc("POST /api/conversations/{id}/files", s.api(s.handleUpload))
	api.HandleFunc("DELETE /api/conversations/{id}/files/{fileId}", s.api(s.handleUnlinkFile))
	api.HandleFunc("GET /api/files/{id}", s.api(s.handleGetFile))
	api.HandleFunc("GET /api/files/{id}/wait", s.api(s.handleWaitFile))
	api.HandleFunc("POST /api/groups", s.api(s.handleCreateGroup))
	api.HandleFunc("GET /api/models", s.api(s.handleListModels))

	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/health", s.handleHealth)
	mux.Handle("/api/", s.deps.Auth.requireAuth(api))

	return Chain(corsMiddleware(s.opts.CORSOrigin), loggingMiddleware(s.logger))(mux)
}

// Start runs the HTTP server until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	server := &http.Server{
		Addr:              s.opts.Addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 15 * time.Second,
		// Exchange streams lift their own write deadline.
		WriteTimeout: 60 * time.Second,
	}

	s.logger.Info("localchat server starting", "addr", s.opts.Addr)

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		server.Shutdown(shutdownCtx)
	}()

	if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// handleHealth returns server health status.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	status, code := "ok", http.StatusOK
	checks := make(map[string]string, len(s.deps.Health))
	for _, hc := range s.deps.Health {
		if err := hc.Check(ctx); err != nil {
			checks[hc.Name] = err.Error()
			if hc.Critical {
				status, code = "unavailable", http.StatusServiceUnavailable
			} else if status == "ok" {
				status = "degraded"
			}
			continue
		}
		checks[hc.Name] = "ok"
	}
	writeJSON(w, code, map[string]any{"status": status, "checks": checks})
}

// handleListModels returns installed models the caller may use.
func (s *Server) handleListModels(w http.ResponseWriter, r *http.Request) error {
	p := principal(r)
	out := []modelView{}
	if s.deps.Models != nil {
		for _, m := range s.deps.Models.List() {
			if !m.Installed || usecases.Authorize(p, nil, &m) != nil {
				continue
			}
			out = append(out, newModelView(m))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	writeJSON(w, http.StatusOK, map[string]any{"models": out})
	return nil
}

func principal(r *http.Request) entities.Principal {
	p, _ := PrincipalFrom(r.Context())
	return p
}
