package keeper

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/hazyhaar/anchorkeep/anchor"
)

// Config holds all anchorkeep configuration.
type Config struct {
	DBPath  string        `yaml:"db_path"`
	Store   StoreConfig   `yaml:"store"`
	Capture CaptureConfig `yaml:"capture"`
	Bus     BusConfig     `yaml:"bus"`
	Fetch   FetchConfig   `yaml:"fetch"`
	HTTP    HTTPConfig    `yaml:"http"`
	Audit   AuditConfig   `yaml:"audit"`
}

// StoreConfig tunes the SQLite connection.
type StoreConfig struct {
	BusyTimeoutMs int    `yaml:"busy_timeout_ms"`
	Synchronous   string `yaml:"synchronous"` // OFF, NORMAL, FULL or EXTRA
}

// CaptureConfig controls how anchors are captured and resolved.
type CaptureConfig struct {
	ContextLen        int    `yaml:"context_len"`
	ContextMode       string `yaml:"context_mode"` // "first_occurrence" or "selection"
	PartialContextLen int    `yaml:"partial_context_len"`
	IDStyle           string `yaml:"id_style"` // "uuid" or "extension"
}

// BusConfig controls notification delivery to attached pages.
type BusConfig struct {
	Buffer int `yaml:"buffer"`
}

// FetchConfig controls page acquisition for the render command.
type FetchConfig struct {
	Timeout        time.Duration `yaml:"timeout"`
	UserAgent      string        `yaml:"user_agent"`
	Browser        bool          `yaml:"browser"`
	BrowserTimeout time.Duration `yaml:"browser_timeout"`
	MinTextLen     int           `yaml:"min_text_len"`
}

// HTTPConfig controls the HTTP API.
type HTTPConfig struct {
	Addr         string        `yaml:"addr"`
	MaxBodyBytes int64         `yaml:"max_body_bytes"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

// AuditConfig controls the record of mutating operations.
type AuditConfig struct {
	Disabled  bool          `yaml:"disabled"`
	Buffer    int           `yaml:"buffer"`
	Retention time.Duration `yaml:"retention"` // 0 keeps everything
}

func (c *Config) defaults() {
	if c.DBPath == "" {
		c.DBPath = "anchorkeep.db"
	}
	if c.Store.BusyTimeoutMs <= 0 {
		c.Store.BusyTimeoutMs = 10_000
	}
	if c.Store.Synchronous == "" {
		c.Store.Synchronous = "NORMAL"
	}
	if c.Capture.ContextLen <= 0 {
		c.Capture.ContextLen = anchor.DefaultContextLen
	}
	if c.Capture.PartialContextLen <= 0 {
		c.Capture.PartialContextLen = anchor.DefaultPartialContextLen
	}
	if c.Bus.Buffer <= 0 {
		c.Bus.Buffer = 64
	}
	if c.Fetch.Timeout <= 0 {
		c.Fetch.Timeout = 30 * time.Second
	}
	if c.Fetch.UserAgent == "" {
		c.Fetch.UserAgent = "Mozilla/5.0 (compatible; anchorkeep/1.0)"
	}
	if c.Fetch.BrowserTimeout <= 0 {
		c.Fetch.BrowserTimeout = 45 * time.Second
	}
	if c.Fetch.MinTextLen <= 0 {
		c.Fetch.MinTextLen = 200
	}
	if c.Audit.Buffer <= 0 {
		c.Audit.Buffer = 256
	}
	if c.HTTP.Addr == "" {
		c.HTTP.Addr = "127.0.0.1:8787"
	}
	if c.HTTP.MaxBodyBytes <= 0 {
		c.HTTP.MaxBodyBytes = 10 << 20
	}
	if c.HTTP.WriteTimeout <= 0 {
		c.HTTP.WriteTimeout = 60 * time.Second
	}
}

// validate rejects values defaults cannot repair.
func (c *Config) validate() error {
	if _, err := anchor.ParseContextMode(c.Capture.ContextMode); err != nil {
		return fmt.Errorf("keeper: config: %w", err)
	}
	if _, err := anchor.ParseIDStyle(c.Capture.IDStyle, nil); err != nil {
		return fmt.Errorf("keeper: config: %w", err)
	}
	switch strings.ToUpper(c.Store.Synchronous) {
	case "OFF", "NORMAL", "FULL", "EXTRA":
	default:
		return fmt.Errorf("keeper: config: unknown synchronous mode %q", c.Store.Synchronous)
	}
	return nil
}

// LoadConfigFile reads a YAML config file.
func LoadConfigFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}
