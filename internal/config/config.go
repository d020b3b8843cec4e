// Package config loads process configuration from the environment and
// optional .env files.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/charmbracelet/log"
	"github.com/joho/godotenv"
)

// Config is the runtime configuration of the server.
type Config struct {
	Addr       string
	CORSOrigin string
	JWTSecret  string

	DataDir         string
	DBPath          string
	ObjectsDir      string
	ModelsFile      string
	SafetyRulesFile string

	OllamaURL      string
	OpenAIURL      string
	OpenAIAPIKey   string
	EmbeddingModel string

	PDFServiceURL string
	PDFServiceDir string // empty: do not start the service

	MaxUploadBytes    int64
	HeartbeatInterval time.Duration
	ExchangeTimeout   time.Duration
	BackgroundWorkers int

	LogLevel log.Level
}

// Load reads the given .env files (missing ones are skipped) and then the
// process environment, which wins over file values.
func Load(envFiles ...string) (*Config, error) {
	fileVals := map[string]string{}
	for _, f := range envFiles {
		vals, err := godotenv.Read(f)
		if errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("reading %s: %w", f, err)
		}
		for k, v := range vals {
			if _, ok := fileVals[k]; !ok {
				fileVals[k] = v
			}
		}
	}
	return FromLookup(func(key string) (string, bool) {
		if v, ok := os.LookupEnv(key); ok {
			return v, true
		}
		v, ok := fileVals[key]
		return v, ok
	})
}

// FromLookup builds a Config from a key lookup, applying defaults.
func FromLookup(lookup func(string) (string, bool)) (*Config, error) {
	e := env{lookup: lookup}

	dataDir := e.str("DATA_DIR", "data")
	cfg := &Config{
		Addr:       e.str("ADDR", ":8080"),
		CORSOrigin: e.str("CORS_ORIGIN", ""),
		JWTSecret:  e.str("JWT_SECRET", ""),

		DataDir:         dataDir,
		DBPath:          e.str("DB_PATH", filepath.Join(dataDir, "localchat.db")),
		ObjectsDir:      e.str("OBJECTS_DIR", filepath.Join(dataDir, "objects")),
		ModelsFile:      e.str("MODELS_FILE", filepath.Join(dataDir, "models.json")),
		SafetyRulesFile: e.str("SAFETY_RULES_FILE", filepath.Join(dataDir, "safety.txt")),

		OllamaURL:      e.str("OLLAMA_URL", "http://localhost:11434"),
		OpenAIURL:      e.str("OPENAI_URL", "https://api.openai.com/v1"),
		OpenAIAPIKey:   e.str("OPENAI_API_KEY", ""),
		EmbeddingModel: e.str("EMBEDDING_MODEL", "nomic-embed-text"),

		PDFServiceURL: e.str("PDF_SERVICE_URL", "http://localhost:5001"),
		PDFServiceDir: e.str("PDF_SERVICE_DIR", ""),

		MaxUploadBytes:    e.int64("MAX_UPLOAD_BYTES", 20<<20),
		HeartbeatInterval: e.duration("HEARTBEAT_INTERVAL", 15*time.Second),
		ExchangeTimeout:   e.duration("EXCHANGE_TIMEOUT", 5*time.Minute),
		BackgroundWorkers: int(e.int64("BACKGROUND_WORKERS", 4)),
		LogLevel:          e.level("LOG_LEVEL", log.InfoLevel),
	}

	if cfg.JWTSecret == "" {
		e.errs = append(e.errs, errors.New("JWT_SECRET is required"))
	}
	if cfg.MaxUploadBytes <= 0 {
		e.errs = append(e.errs, errors.New("MAX_UPLOAD_BYTES must be positive"))
	}
	if cfg.BackgroundWorkers <= 0 {
		e.errs = append(e.errs, errors.New("BACKGROUND_WORKERS must be positive"))
	}
	if err := errors.Join(e.errs...); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// env collects parse errors so every bad variable is reported at once.
type env struct {
	lookup func(string) (string, bool)
	errs   []error
}

func (e *env) str(key, def string) string {
	if v, ok := e.lookup(key); ok && v != "" {
		return v
	}
	return def
}

func (e *env) int64(key string, def int64) int64 {
	v, ok := e.lookup(key)
	if !ok || v == "" {
		return def
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		e.errs = append(e.errs, fmt.Errorf("%s: %q is not an integer", key, v))
		return def
	}
	return n
}

func (e *env) duration(key string, def time.Duration) time.Duration {
	v, ok := e.lookup(key)
	if !ok || v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		e.errs = append(e.errs, fmt.Errorf("%s: %q is not a positive duration", key, v))
		return def
	}
	return d
}

func (e *env) level(key string, def log.Level) log.Level {
	v, ok := e.lookup(key)
	if !ok || v == "" {
		return def
	}
	l, err := log.ParseLevel(v)
	if err != nil {
		e.errs = append(e.errs, fmt.Errorf("%s: %w", key, err))
		return def
	}
	return l
}

// NewLogger returns the root logger. Components derive prefixed sub-loggers from it.
func (c *Config) NewLogger() *log.Logger {
	return log.NewWithOptions(os.Stderr, log.Options{
		Level:           c.LogLevel,
		ReportTimestamp: true,
		TimeFormat:      time.DateTime,
	})
}
