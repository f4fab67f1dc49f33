// Package config loads the service configuration from the environment.
//
// An optional .env file in the working directory is loaded first; variables
// already set in the process environment win over it. Every value has a
// default except EXECUTION_SECRET.
package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/sakif/code-executor/internal/executor"
)

// Config is the fully resolved service configuration.
type Config struct {
	Port   int
	Secret string

	Limits   executor.Limits
	Strategy executor.InjectStrategy

	WorkspaceDir       string
	WorkspaceDaemonDir string
	LanguagesFile      string

	MaxConcurrentJobs int
	RequestTimeout    time.Duration
	PullImages        bool
	ReaperInterval    time.Duration

	LogLevel  slog.Level
	LogFormat string
}

// Load reads .env (when present) and the environment.
func Load() (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return Config{}, fmt.Errorf("config: reading .env: %w", err)
	}
	return FromLookup(os.LookupEnv)
}

// FromLookup builds a Config from an arbitrary variable source. Tests pass a
// map-backed lookup instead of touching the process environment.
func FromLookup(lookup func(string) (string, bool)) (Config, error) {
	p := parser{lookup: lookup}

	cfg := Config{
		Port:   p.int("PORT", 4000),
		Secret: p.string("EXECUTION_SECRET", ""),
		Limits: executor.Limits{
			MemoryBytes:    int64(p.int("EXEC_MEMORY_MB", 256)) * 1024 * 1024,
			NanoCPUs:       int64(p.float("EXEC_CPUS", 1) * 1e9),
			PidsLimit:      int64(p.int("EXEC_PIDS_LIMIT", 64)),
			Timeout:        p.duration("EXEC_TIMEOUT", 3*time.Second),
			MaxOutputBytes: p.int("EXEC_MAX_OUTPUT_BYTES", 1<<20),
		},
		WorkspaceDir:       p.string("WORKSPACE_DIR", filepath.Join(os.TempDir(), "code-exec")),
		WorkspaceDaemonDir: p.string("WORKSPACE_DAEMON_DIR", ""),
		LanguagesFile:      p.string("LANGUAGES_FILE", ""),
		MaxConcurrentJobs:  p.int("MAX_CONCURRENT_JOBS", 0),
		RequestTimeout:     p.duration("REQUEST_TIMEOUT", 30*time.Second),
		PullImages:         p.bool("PULL_IMAGES", false),
		ReaperInterval:     p.duration("REAPER_INTERVAL", time.Minute),
		LogFormat:          strings.ToLower(p.string("LOG_FORMAT", "text")),
	}

	strategy, err := executor.ParseInjectStrategy(p.string("INJECT_STRATEGY", string(executor.InjectCopy)))
	if err != nil {
		p.errs = append(p.errs, fmt.Errorf("INJECT_STRATEGY: %w", err))
	}
	cfg.Strategy = strategy

	if err := cfg.LogLevel.UnmarshalText([]byte(p.string("LOG_LEVEL", "info"))); err != nil {
		p.errs = append(p.errs, fmt.Errorf("LOG_LEVEL: %w", err))
	}

	if len(p.errs) > 0 {
		return Config{}, fmt.Errorf("config: %w", errors.Join(p.errs...))
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks value ranges and cross-field constraints.
func (c Config) Validate() error {
	switch {
	case c.Port <= 0 || c.Port > 65535:
		return fmt.Errorf("config: PORT must be between 1 and 65535, got %d", c.Port)
	case len(c.Secret) < 16:
		return errors.New("config: EXECUTION_SECRET must be set to at least 16 characters")
	case c.Limits.Timeout <= 0:
		return errors.New("config: EXEC_TIMEOUT must be positive")
	case c.Limits.MemoryBytes <= 0:
		return errors.New("config: EXEC_MEMORY_MB must be positive")
	case c.Limits.NanoCPUs <= 0:
		return errors.New("config: EXEC_CPUS must be positive")
	case c.Limits.PidsLimit < 0:
		return errors.New("config: EXEC_PIDS_LIMIT must not be negative")
	case c.Limits.MaxOutputBytes <= 0:
		return errors.New("config: EXEC_MAX_OUTPUT_BYTES must be positive")
	case c.MaxConcurrentJobs < 0:
		return errors.New("config: MAX_CONCURRENT_JOBS must not be negative")
	case c.RequestTimeout <= c.Limits.Timeout:
		return fmt.Errorf("config: REQUEST_TIMEOUT (%s) must exceed EXEC_TIMEOUT (%s)", c.RequestTimeout, c.Limits.Timeout)
	case c.ReaperInterval <= 0:
		return errors.New("config: REAPER_INTERVAL must be positive")
	case c.LogFormat != "text" && c.LogFormat != "json":
		return fmt.Errorf("config: LOG_FORMAT must be text or json, got %q", c.LogFormat)
	}
	return nil
}

// NewLogger builds the process logger described by c.
func (c Config) NewLogger(w io.Writer) *slog.Logger {
	opts := &slog.HandlerOptions{Level: c.LogLevel}
	if c.LogFormat == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

// parser collects conversion errors so that every bad variable is reported
// at once.
type parser struct {
	lookup func(string) (string, bool)
	errs   []error
}

func (p *parser) string(key, def string) string {
	if v, ok := p.lookup(key); ok && strings.TrimSpace(v) != "" {
		return strings.TrimSpace(v)
	}
	return def
}

func (p *parser) int(key string, def int) int {
	v := p.string(key, "")
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		p.errs = append(p.errs, fmt.Errorf("%s: invalid integer %q", key, v))
		return def
	}
	return n
}

func (p *parser) float(key string, def float64) float64 {
	v := p.string(key, "")
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		p.errs = append(p.errs, fmt.Errorf("%s: invalid number %q", key, v))
		return def
	}
	return f
}

func (p *parser) bool(key string, def bool) bool {
	v := p.string(key, "")
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		p.errs = append(p.errs, fmt.Errorf("%s: invalid boolean %q", key, v))
		return def
	}
	return b
}

func (p *parser) duration(key string, def time.Duration) time.Duration {
	v := p.string(key, "")
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		p.errs = append(p.errs, fmt.Errorf("%s: invalid duration %q", key, v))
		return def
	}
	return d
}
