// Package config handles loading and managing mailscope configuration.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
)

// Config represents the mailscope configuration.
type Config struct {
	Data      DataConfig      `toml:"data"`
	Server    ServerConfig    `toml:"server"`
	Import    ImportConfig    `toml:"import"`
	Scheduler SchedulerConfig `toml:"scheduler"`

	// Computed paths (not from config file)
	HomeDir string `toml:"-"`
}

// DataConfig holds data storage configuration.
type DataConfig struct {
	DataDir string `toml:"data_dir"`
}

// ServerConfig holds HTTP API server configuration.
type ServerConfig struct {
	BindAddr     string `toml:"bind_addr"`      // listen address (default: 127.0.0.1)
	APIPort      int    `toml:"api_port"`       // HTTP server port (default: 8080)
	AdminKey     string `toml:"admin_key"`      // key for the admin endpoints
	RateLimitRPS int    `toml:"rate_limit_rps"` // per-client request rate
	SessionTTL   string `toml:"session_ttl"`    // bearer token lifetime (default: 24h)
	RefTTL       string `toml:"ref_ttl"`        // signed message reference lifetime
}

// SessionDuration parses SessionTTL, falling back to 24h.
func (s ServerConfig) SessionDuration() time.Duration {
	if d, err := time.ParseDuration(s.SessionTTL); err == nil && d > 0 {
		return d
	}
	return 24 * time.Hour
}

// RefDuration parses RefTTL, falling back to 1h.
func (s ServerConfig) RefDuration() time.Duration {
	if d, err := time.ParseDuration(s.RefTTL); err == nil && d > 0 {
		return d
	}
	return time.Hour
}

// ImportConfig holds import pipeline configuration.
type ImportConfig struct {
	Workers     int `toml:"workers"`      // parallel parse workers
	MaxKeywords int `toml:"max_keywords"` // indexed free-text terms per message
	MinWordLen  int `toml:"min_word_len"` // shortest indexed word
}

// SchedulerConfig holds background job schedules as cron expressions.
type SchedulerConfig struct {
	FlushSchedule   string `toml:"flush_schedule"`   // metadata/dictionary log flush
	CompactSchedule string `toml:"compact_schedule"` // metadata log compaction
}

// DefaultHome returns the default mailscope home directory.
// Respects MAILSCOPE_HOME environment variable.
func DefaultHome() string {
	if h := os.Getenv("MAILSCOPE_HOME"); h != "" {
		return h
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".mailscope"
	}
	return filepath.Join(home, ".mailscope")
}

// Load reads the configuration from the specified file.
// If path is empty, uses the default location (~/.mailscope/config.toml).
func Load(path string) (*Config, error) {
	homeDir := DefaultHome()

	if path == "" {
		path = filepath.Join(homeDir, "config.toml")
	}

	cfg := &Config{
		HomeDir: homeDir,
		// Defaults
		Data: DataConfig{
			DataDir: homeDir,
		},
		Server: ServerConfig{
			BindAddr:     "127.0.0.1",
			APIPort:      8080,
			RateLimitRPS: 20,
			SessionTTL:   "24h",
			RefTTL:       "1h",
		},
		Import: ImportConfig{
			Workers:     4,
			MaxKeywords: 256,
			MinWordLen:  3,
		},
		Scheduler: SchedulerConfig{
			FlushSchedule: "*/5 * * * *",
		},
	}

	// Config file is optional - use defaults if not present
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return cfg, nil
	}

	md, err := toml.DecodeFile(path, cfg)
	if err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		return nil, fmt.Errorf("decode config: unknown key %q", undecoded[0].String())
	}

	cfg.Data.DataDir = expandPath(cfg.Data.DataDir)
	return cfg, nil
}

// EnsureDataDir creates the data directory if it does not exist.
func (c *Config) EnsureDataDir() error {
	return os.MkdirAll(c.Data.DataDir, 0o700)
}

// MetaLogPath returns the path to the append-only metadata log.
func (c *Config) MetaLogPath() string {
	return filepath.Join(c.Data.DataDir, "metadata.log")
}

// DictPath returns the path to the term dictionary log.
func (c *Config) DictPath() string {
	return filepath.Join(c.Data.DataDir, "terms.dict")
}

// ContextsPath returns the path to the context registry file.
func (c *Config) ContextsPath() string {
	return filepath.Join(c.Data.DataDir, "contexts.toml")
}

// GrantsPath returns the path to the grant table file.
func (c *Config) GrantsPath() string {
	return filepath.Join(c.Data.DataDir, "grants.toml")
}

// expandPath expands ~ to the user's home directory.
func expandPath(path string) string {
	if path == "" {
		return path
	}
	if path[0] == '~' {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, path[1:])
	}
	return path
}
