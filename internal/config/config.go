package config

import (
	_ "embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
)

//go:embed sample_config.toml
var sampleConfig string

// Paths contains directory and bind address configuration.
type Paths struct {
	DataDir    string `toml:"data_dir"`
	StagingDir string `toml:"staging_dir"`
	LogDir     string `toml:"log_dir"`
	APIBind    string `toml:"api_bind"`
}

// Broker contains task-queue broker configuration. An empty URL selects the
// in-process queue, which is intended for development and tests only.
type Broker struct {
	URL               string `toml:"url"`
	Queue             string `toml:"queue"`
	Prefetch          int    `toml:"prefetch"`
	VisibilityTimeout int    `toml:"visibility_timeout"`
}

// Pipeline contains executor timing and retry configuration.
type Pipeline struct {
	Workers           int `toml:"workers"`
	StageTimeout      int `toml:"stage_timeout"`
	StageRetryLimit   int `toml:"stage_retry_limit"`
	RetryBackoffBase  int `toml:"retry_backoff_base"`
	RetryBackoffCap   int `toml:"retry_backoff_cap"`
	HeartbeatInterval int `toml:"heartbeat_interval"`
	HeartbeatTimeout  int `toml:"heartbeat_timeout"`
	WatchdogInterval  int `toml:"watchdog_interval"`
}

// Orchestrator contains enqueue/retry policy configuration.
type Orchestrator struct {
	RetryLimit int  `toml:"retry_limit"`
	FailFast   bool `toml:"fail_fast"`
}

// LLM contains connection settings for the multimodal extraction and
// embedding endpoint.
type LLM struct {
	APIKey             string `toml:"api_key"`
	BaseURL            string `toml:"base_url"`
	Model              string `toml:"model"`
	EmbeddingModel     string `toml:"embedding_model"`
	EmbeddingDimension int    `toml:"embedding_dimension"`
	TimeoutSeconds     int    `toml:"timeout_seconds"`
}

// VectorStore contains the Postgres/pgvector connection settings.
type VectorStore struct {
	URL string `toml:"url"`
}

// GraphStore contains the knowledge-graph database connection settings.
type GraphStore struct {
	URL string `toml:"url"`
}

// Health contains dependency probe configuration.
type Health struct {
	ProbeTimeout int `toml:"probe_timeout"`
}

// Logging contains log output configuration.
type Logging struct {
	Format string `toml:"format"`
	Level  string `toml:"level"`
}

// Config is the root configuration document.
type Config struct {
	Paths        `toml:"paths"`
	Broker       Broker       `toml:"broker"`
	Pipeline     Pipeline     `toml:"pipeline"`
	Orchestrator Orchestrator `toml:"orchestrator"`
	LLM          LLM          `toml:"llm"`
	VectorStore  VectorStore  `toml:"vectorstore"`
	GraphStore   GraphStore   `toml:"graphstore"`
	Health       Health       `toml:"health"`
	Logging      Logging      `toml:"logging"`
}

// DefaultConfigPath returns the expected location of the user config file.
func DefaultConfigPath() string {
	return filepath.Join(configHome(), "docflow", "config.toml")
}

func configHome() string {
	if dir := strings.TrimSpace(os.Getenv("XDG_CONFIG_HOME")); dir != "" {
		return dir
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return filepath.Join(home, ".config")
}

// Load reads the config file at path, overlaying it onto defaults. A missing
// file is not an error; the defaults are returned with missing=true.
func Load(path string) (*Config, bool, error) {
	cfg := Default()
	resolved := expandPath(path)
	if resolved == "" {
		resolved = DefaultConfigPath()
	}

	data, err := os.ReadFile(resolved)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			cfg.normalize()
			return &cfg, true, nil
		}
		return nil, false, fmt.Errorf("read config %s: %w", resolved, err)
	}

	if err := toml.Unmarshal(data, &cfg); err != nil {
		return nil, false, fmt.Errorf("parse config %s: %w", resolved, err)
	}
	cfg.normalize()
	if err := cfg.Validate(); err != nil {
		return nil, false, err
	}
	return &cfg, false, nil
}

// WriteSample writes the embedded sample configuration to path, refusing to
// overwrite an existing file.
func WriteSample(path string) error {
	resolved := expandPath(path)
	if resolved == "" {
		resolved = DefaultConfigPath()
	}
	if _, err := os.Stat(resolved); err == nil {
		return fmt.Errorf("config file already exists at %s", resolved)
	}
	if err := os.MkdirAll(filepath.Dir(resolved), 0o755); err != nil {
		return fmt.Errorf("ensure config directory: %w", err)
	}
	return os.WriteFile(resolved, []byte(sampleConfig), 0o644)
}

// EnsureDirectories creates the data, staging, and log directories.
func (c *Config) EnsureDirectories() error {
	for _, dir := range []string{c.DataDir, c.StagingDir, c.LogDir} {
		if strings.TrimSpace(dir) == "" {
			continue
		}
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create directory %s: %w", dir, err)
		}
	}
	return nil
}

// DatabasePath returns the location of the jobs database.
func (c *Config) DatabasePath() string {
	return filepath.Join(c.DataDir, "jobs.db")
}

func (c *Config) normalize() {
	c.DataDir = expandPath(c.DataDir)
	c.StagingDir = expandPath(c.StagingDir)
	c.LogDir = expandPath(c.LogDir)
}

func expandPath(path string) string {
	trimmed := strings.TrimSpace(path)
	if trimmed == "" {
		return ""
	}
	if trimmed == "~" || strings.HasPrefix(trimmed, "~/") {
		home, err := os.UserHomeDir()
		if err == nil {
			return filepath.Join(home, strings.TrimPrefix(trimmed, "~"))
		}
	}
	return trimmed
}

// Duration helpers keep call sites free of second/Duration conversions.

func (p Pipeline) StageTimeoutDuration() time.Duration {
	return time.Duration(p.StageTimeout) * time.Second
}

func (p Pipeline) RetryBackoffBaseDuration() time.Duration {
	return time.Duration(p.RetryBackoffBase) * time.Second
}

func (p Pipeline) RetryBackoffCapDuration() time.Duration {
	return time.Duration(p.RetryBackoffCap) * time.Second
}

func (p Pipeline) HeartbeatIntervalDuration() time.Duration {
	return time.Duration(p.HeartbeatInterval) * time.Second
}

func (p Pipeline) HeartbeatTimeoutDuration() time.Duration {
	return time.Duration(p.HeartbeatTimeout) * time.Second
}

func (p Pipeline) WatchdogIntervalDuration() time.Duration {
	return time.Duration(p.WatchdogInterval) * time.Second
}

func (b Broker) VisibilityTimeoutDuration() time.Duration {
	return time.Duration(b.VisibilityTimeout) * time.Second
}

func (h Health) ProbeTimeoutDuration() time.Duration {
	return time.Duration(h.ProbeTimeout) * time.Second
}

func (l LLM) Timeout() time.Duration {
	return time.Duration(l.TimeoutSeconds) * time.Second
}
