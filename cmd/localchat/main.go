// Command localchat runs the chat backend: REST + SSE over a local SQLite
// store, with Ollama or OpenAI-compatible models behind it.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/charmbracelet/log"

	"github.com/0xcro3dile/localchat-go/internal/adapters/embedding"
	"github.com/0xcro3dile/localchat-go/internal/adapters/filewatcher"
	"github.com/0xcro3dile/localchat-go/internal/adapters/llm"
	"github.com/0xcro3dile/localchat-go/internal/adapters/loader"
	"github.com/0xcro3dile/localchat-go/internal/adapters/objectstore"
	"github.com/0xcro3dile/localchat-go/internal/adapters/parser"
	"github.com/0xcro3dile/localchat-go/internal/adapters/registry"
	"github.com/0xcro3dile/localchat-go/internal/adapters/sqlstore"
	"github.com/0xcro3dile/localchat-go/internal/adapters/vectordb"
	"github.com/0xcro3dile/localchat-go/internal/config"
	"github.com/0xcro3dile/localchat-go/internal/domain/entities"
	"github.com/0xcro3dile/localchat-go/internal/domain/usecases"
	httpserver "github.com/0xcro3dile/localchat-go/internal/infrastructure/http"
)

func main() {
	cfg, err := config.Load(".env")
	if err != nil {
		log.Fatal("loading config", "err", err)
	}
	logger := cfg.NewLogger()

	if len(os.Args) > 1 && os.Args[1] == "token" {
		if err := issueToken(cfg, os.Args[2:]); err != nil {
			logger.Fatal("issuing token", "err", err)
		}
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Fatal("server stopped", "err", err)
	}
}

// issueToken prints a bearer token, for local use and scripting.
func issueToken(cfg *config.Config, args []string) error {
	fs := flag.NewFlagSet("token", flag.ContinueOnError)
	user := fs.String("user", "", "user id (token subject)")
	role := fs.String("role", string(entities.RoleAdult), "admin, adult, teen or child")
	ttl := fs.Duration("ttl", 24*time.Hour, "token lifetime")
	if err := fs.Parse(args); err != nil {
		return err
	}
	p := entities.Principal{UserID: *user, Role: entities.UserRole(*role)}
	if p.UserID == "" {
		return errors.New("-user is required")
	}
	if !p.Role.Valid() {
		return fmt.Errorf("unknown role %q", *role)
	}
	tok, err := httpserver.NewAuthenticator(cfg.JWTSecret).Sign(p, *ttl)
	if err != nil {
		return err
	}
	fmt.Println(tok)
	return nil
}

func run(ctx context.Context, cfg *config.Config, logger *log.Logger) error {
	store, err := sqlstore.Open(cfg.DBPath)
	if err != nil {
		return err
	}
	defer store.Close()

	objects, err := objectstore.NewFSStore(cfg.ObjectsDir)
	if err != nil {
		return err
	}
	models, err := registry.NewFileRegistry(cfg.ModelsFile, logger)
	if err != nil {
		return err
	}
	safety, err := registry.NewFileSafetyRules(cfg.SafetyRulesFile, logger)
	if err != nil {
		return err
	}
	if err := watchConfigFiles(ctx, logger, models, safety); err != nil {
		logger.Warn("config hot reload disabled", "err", err)
	}

	pdf := parser.NewPythonPDFParser(cfg.PDFServiceURL, logger)
	if cfg.PDFServiceDir != "" {
		stopPDF, err := pdf.StartService(ctx, cfg.PDFServiceDir)
		if err != nil {
			logger.Warn("PDF service not started, PDF uploads will fail extraction", "err", err)
		} else {
			defer stopPDF()
		}
	}
	extractor := loader.NewMultiExtractor(loader.NewTextExtractor(), loader.NewDocxExtractor(), pdf)

	completions := llm.NewRouter(llm.RouterConfig{
		OllamaURL:    cfg.OllamaURL,
		OpenAIURL:    cfg.OpenAIURL,
		OpenAIAPIKey: cfg.OpenAIAPIKey,
	}, logger)
	embedder := embedding.NewOllamaAdapter(cfg.OllamaURL, cfg.EmbeddingModel, logger)
	index := vectordb.NewSQLiteIndex(store.DB())

	tasks := usecases.NewTaskPool(cfg.BackgroundWorkers, logger)
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := tasks.Shutdown(shutdownCtx); err != nil {
			logger.Warn("background tasks did not finish", "err", err)
		}
	}()

	ingest := usecases.NewIngestUseCase(embedder, index, 0, 0, logger)
	versions := usecases.NewVersionGroupManager(store.Messages())
	files := usecases.NewFileLifecycle(store.Conversations(), store.Files(), objects, extractor, ingest, tasks,
		usecases.FileOptions{MaxBytes: cfg.MaxUploadBytes}, logger)
	assembler := usecases.NewContextAssembler(store.Conversations(), versions, files, embedder, index, 0, logger)
	exchanges := usecases.NewExchangeStreamer(usecases.ExchangeDeps{
		Conversations: store.Conversations(),
		Messages:      store.Messages(),
		Registry:      models,
		Versions:      versions,
		Files:         files,
		Assembler:     assembler,
		LLM:           completions,
		Titles:        usecases.NewTitleGenerator(completions),
		Ingest:        ingest,
		Tasks:         tasks,
	}, usecases.ExchangeOptions{
		HeartbeatInterval: cfg.HeartbeatInterval,
		Timeout:           cfg.ExchangeTimeout,
	}, logger)

	srv := httpserver.NewServer(httpserver.Deps{
		Conversations: usecases.NewConversationService(store.Conversations(), versions, safety, logger),
		Exchanges:     exchanges,
		Files:         files,
		Models:        models,
		Auth:          httpserver.NewAuthenticator(cfg.JWTSecret),
		Health: []httpserver.HealthCheck{
			{Name: "database", Critical: true, Check: store.Ping},
			{Name: "pdf", Check: func(ctx context.Context) error {
				if !pdf.IsServiceHealthy(ctx) {
					return errors.New("pdf service unreachable")
				}
				return nil
			}},
		},
	}, httpserver.Options{Addr: cfg.Addr, CORSOrigin: cfg.CORSOrigin}, logger)

	return srv.Start(ctx)
}

// watchConfigFiles hot-reloads the model registry and safety rules. Files in
// different directories get one watcher each.
func watchConfigFiles(ctx context.Context, logger *log.Logger, targets ...registry.Reloadable) error {
	byDir := map[string][]registry.Reloadable{}
	for _, t := range targets {
		dir := filepath.Dir(t.Path())
		byDir[dir] = append(byDir[dir], t)
	}

	for dir, group := range byDir {
		patterns := make([]string, len(group))
		for i, t := range group {
			patterns[i] = filepath.Base(t.Path())
		}
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("creating %s: %w", dir, err)
		}
		w, err := filewatcher.NewFSNotifyWatcher(patterns, logger)
		if err != nil {
			return err
		}
		go func(dir string, group []registry.Reloadable) {
			defer w.Stop()
			if err := registry.WatchAndReload(ctx, w, dir, logger, group...); err != nil && !errors.Is(err, context.Canceled) {
				logger.Warn("config watcher stopped", "dir", dir, "err", err)
			}
		}(dir, group)
	}
	return nil
}
