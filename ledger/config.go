package ledger

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	BackendFile   = "file"
	BackendSQLite = "sqlite"
)

type FileStoreConfig struct {
	Path        string        `yaml:"path"`
	LockTimeout time.Duration `yaml:"lock_timeout"`
	LockRetry   time.Duration `yaml:"lock_retry"`
}

type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// Config is the YAML configuration file. Zero values are filled in by
// withDefaults when the ledger is opened.
type Config struct {
	// Backend is "file" (default) or "sqlite".
	Backend string `yaml:"backend"`
	// IDPrefix defaults to DC + the two-digit year.
	IDPrefix string `yaml:"id_prefix"`
	Debug    bool   `yaml:"debug"`

	File     FileStoreConfig `yaml:"file"`
	Database DatabaseConfig  `yaml:"database"`

	// AutosaveInterval is used by the watch command.
	AutosaveInterval time.Duration `yaml:"autosave_interval"`

	// Codes is the dispatch code catalogue. Codes matching an entry
	// case-insensitively are stored in the catalogue's spelling.
	Codes []string `yaml:"codes"`
}

func LoadConfig(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg Config
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return &cfg, nil
}

func (c Config) withDefaults(now time.Time) Config {
	c.Backend = strings.ToLower(strings.TrimSpace(c.Backend))
	if c.Backend == "" {
		c.Backend = BackendFile
	}
	c.IDPrefix = strings.TrimSpace(c.IDPrefix)
	if c.IDPrefix == "" {
		c.IDPrefix = DefaultPrefix(now)
	}
	if strings.TrimSpace(c.File.Path) == "" {
		c.File.Path = filepath.Join("data", "calls.json")
	}
	if c.File.LockTimeout <= 0 {
		c.File.LockTimeout = 10 * time.Second
	}
	if c.File.LockRetry <= 0 {
		c.File.LockRetry = 50 * time.Millisecond
	}
	if strings.TrimSpace(c.Database.Path) == "" {
		c.Database.Path = filepath.Join("data", "calls.db")
	}
	if c.AutosaveInterval <= 0 {
		c.AutosaveInterval = 30 * time.Second
	}
	codes := make([]string, 0, len(c.Codes))
	for _, code := range c.Codes {
		if code = strings.TrimSpace(code); code != "" {
			codes = append(codes, code)
		}
	}
	c.Codes = codes
	return c
}

func (c Config) validate() error {
	switch c.Backend {
	case BackendFile, BackendSQLite:
	default:
		return fmt.Errorf("unknown backend %q (want %q or %q)", c.Backend, BackendFile, BackendSQLite)
	}
	if strings.ContainsAny(c.IDPrefix, " -") {
		return fmt.Errorf("id prefix %q must not contain spaces or dashes", c.IDPrefix)
	}
	return nil
}
