// Package config handles tbserver configuration from YAML files.
// Secrets (solver API key, auth password hash) are deliberately not
// part of the file format; they come from the environment.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/suwatbch/tbserver/browser"
	"github.com/suwatbch/tbserver/ledger"
)

// Config is the top-level tbserver configuration.
type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Browser BrowserConfig `yaml:"browser"`
	Engine  EngineConfig  `yaml:"engine"`
	Solver  SolverConfig  `yaml:"solver"`
	Store   StoreConfig   `yaml:"store"`
}

// ServerConfig controls the HTTP listener.
type ServerConfig struct {
	Addr     string `yaml:"addr"`
	AuthUser string `yaml:"auth_user"`
}

// BrowserConfig controls the Chrome connection.
type BrowserConfig struct {
	Remote    string            `yaml:"remote"` // devtools endpoint; empty = launch
	BaseURL   string            `yaml:"base_url"`
	Headless  bool              `yaml:"headless"`
	Selectors browser.Selectors `yaml:"selectors"`
}

// EngineConfig controls the acquisition loop.
type EngineConfig struct {
	RoundDelay               time.Duration `yaml:"round_delay"`
	NavigateDelay            time.Duration `yaml:"navigate_delay"`
	PageTimeout              time.Duration `yaml:"page_timeout"`
	MaxScanRestarts          int           `yaml:"max_scan_restarts"`
	RouteMatch               string        `yaml:"route_match"` // prefix | exact
	ContinueOnChallengeError bool          `yaml:"continue_on_challenge_error"`
}

// SolverConfig controls the external challenge solver. The API key is
// read from SOLVER_API_KEY, never from the file.
type SolverConfig struct {
	BaseURL      string        `yaml:"base_url"`
	PollInterval time.Duration `yaml:"poll_interval"`
	Deadline     time.Duration `yaml:"deadline"`
}

// StoreConfig controls run-history persistence.
type StoreConfig struct {
	Path     string `yaml:"path"`
	Disabled bool   `yaml:"disabled"`
}

// LoadFile reads a YAML configuration file.
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	cfg.applyDefaults()
	return &cfg, nil
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

func (c *Config) validate() error {
	if _, err := ledger.ParseMatchMode(c.Engine.RouteMatch); err != nil {
		return fmt.Errorf("config: route_match: %w", err)
	}
	return nil
}

func (c *Config) applyDefaults() {
	if c.Server.Addr == "" {
		c.Server.Addr = ":4000"
	}
	if c.Browser.Remote == "" {
		c.Browser.Remote = "http://127.0.0.1:9222"
	}
	if c.Browser.BaseURL == "" {
		c.Browser.BaseURL = "https://th.turboroute.ai/#/grab-single/single-hall"
	}
	if c.Engine.RoundDelay <= 0 {
		c.Engine.RoundDelay = 500 * time.Millisecond
	}
	if c.Engine.NavigateDelay <= 0 {
		c.Engine.NavigateDelay = 2 * time.Second
	}
	if c.Engine.PageTimeout <= 0 {
		c.Engine.PageTimeout = 10 * time.Second
	}
	if c.Engine.MaxScanRestarts <= 0 {
		c.Engine.MaxScanRestarts = 5
	}
	if c.Engine.RouteMatch == "" {
		c.Engine.RouteMatch = "prefix"
	}
	if c.Solver.BaseURL == "" {
		c.Solver.BaseURL = "https://2captcha.com"
	}
	if c.Solver.PollInterval <= 0 {
		c.Solver.PollInterval = time.Second
	}
	if c.Solver.Deadline <= 0 {
		c.Solver.Deadline = 120 * time.Second
	}
	if c.Store.Path == "" {
		c.Store.Path = "db/history.db"
	}
}
