package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"
)

// AgentConfig contains the settings of the capture agent. Values come from
// defaults, then the optional YAML file, then CAPTURE_* environment
// variables; command-line flags are applied by the caller last.
type AgentConfig struct {
	APIURL     string `yaml:"api_url"`
	UserID     string `yaml:"user_id"`
	LicenseKey string `yaml:"license_key"`
	Version    string `yaml:"version"`

	Selectors      []string      `yaml:"selectors"`
	HistoryMarkers MarkerConfig  `yaml:"history_markers"`
	ScanInterval   time.Duration `yaml:"scan_interval"`
	DedupCapacity  int           `yaml:"dedup_capacity"`

	DrainInterval  time.Duration `yaml:"drain_interval"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
	MaxAttempts    int           `yaml:"max_attempts"`

	// Exactly one page source is used: File wins over ControlURL, which wins
	// over launching a browser for PageURL.
	File       string `yaml:"file"`
	PageURL    string `yaml:"page_url"`
	ControlURL string `yaml:"control_url"`
	Headless   bool   `yaml:"headless"`

	// StateDir holds the generated user ID between runs. Empty means
	// <user config dir>/memorybridge.
	StateDir string `yaml:"state_dir"`

	StatusAddr string `yaml:"status_addr"`
	LogLevel   string `yaml:"log_level"`
	LogPretty  bool   `yaml:"log_pretty"`
}

const userIDFile = "user_id"

// MarkerConfig overrides the history-replay markers. Empty lists keep the
// built-in defaults.
type MarkerConfig struct {
	Preamble []string `yaml:"preamble"`
	Lines    []string `yaml:"lines"`
	Patterns []string `yaml:"patterns"`
}

func DefaultAgentConfig() AgentConfig {
	return AgentConfig{
		APIURL:         "http://localhost:8000",
		Version:        "1.0.0",
		ScanInterval:   3 * time.Second,
		DedupCapacity:  10000,
		DrainInterval:  30 * time.Second,
		RequestTimeout: 10 * time.Second,
		MaxAttempts:    20,
		Headless:       true,
		StatusAddr:     "127.0.0.1:8765",
		LogLevel:       "info",
	}
}

// LoadAgent builds the agent configuration. path may be empty.
func LoadAgent(path string) (AgentConfig, error) {
	cfg := DefaultAgentConfig()
	if path = strings.TrimSpace(path); path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return AgentConfig{}, fmt.Errorf("read agent config: %w", err)
		}
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return AgentConfig{}, fmt.Errorf("parse agent config %s: %w", path, err)
		}
	}
	if err := applyAgentEnv(&cfg); err != nil {
		return AgentConfig{}, err
	}
	return cfg, nil
}

func applyAgentEnv(cfg *AgentConfig) error {
	for key, dst := range map[string]*string{
		"CAPTURE_API_URL":     &cfg.APIURL,
		"CAPTURE_USER_ID":     &cfg.UserID,
		"CAPTURE_LICENSE_KEY": &cfg.LicenseKey,
		"CAPTURE_FILE":        &cfg.File,
		"CAPTURE_PAGE_URL":    &cfg.PageURL,
		"CAPTURE_CONTROL_URL": &cfg.ControlURL,
		"CAPTURE_STATUS_ADDR": &cfg.StatusAddr,
		"CAPTURE_LOG_LEVEL":   &cfg.LogLevel,
		"CAPTURE_STATE_DIR":   &cfg.StateDir,
	} {
		if v := stringsTrimSpace(key); v != "" {
			*dst = v
		}
	}
	if sels := listFromEnv("CAPTURE_SELECTORS"); len(sels) > 0 {
		cfg.Selectors = sels
	}

	var err error
	if cfg.ScanInterval, err = durationFromEnv("CAPTURE_SCAN_INTERVAL", cfg.ScanInterval); err != nil {
		return err
	}
	if cfg.DrainInterval, err = durationFromEnv("CAPTURE_DRAIN_INTERVAL", cfg.DrainInterval); err != nil {
		return err
	}
	if cfg.RequestTimeout, err = durationFromEnv("CAPTURE_REQUEST_TIMEOUT", cfg.RequestTimeout); err != nil {
		return err
	}
	if cfg.DedupCapacity, err = intFromEnv("CAPTURE_DEDUP_CAPACITY", cfg.DedupCapacity); err != nil {
		return err
	}
	if cfg.MaxAttempts, err = intFromEnv("CAPTURE_MAX_ATTEMPTS", cfg.MaxAttempts); err != nil {
		return err
	}
	if cfg.Headless, err = boolFromEnv("CAPTURE_HEADLESS", cfg.Headless); err != nil {
		return err
	}
	if cfg.LogPretty, err = boolFromEnv("CAPTURE_LOG_PRETTY", cfg.LogPretty); err != nil {
		return err
	}
	return nil
}

// Validate checks the final configuration, after flags are applied. When
// no user ID is configured it reuses the one stored in the state dir, or
// generates and stores a new one.
func (c *AgentConfig) Validate(now time.Time) error {
	u, err := url.Parse(strings.TrimSpace(c.APIURL))
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("api url must be an http(s) URL, got %q", c.APIURL)
	}
	c.APIURL = strings.TrimRight(u.String(), "/")

	if c.ScanInterval < 100*time.Millisecond {
		return errors.New("scan interval must be at least 100ms")
	}
	if c.DrainInterval < time.Second {
		return errors.New("drain interval must be at least 1s")
	}
	if c.RequestTimeout <= 0 {
		return errors.New("request timeout must be positive")
	}
	if c.DedupCapacity <= 0 {
		return errors.New("dedup capacity must be positive")
	}
	if c.MaxAttempts <= 0 {
		return errors.New("max attempts must be positive")
	}
	if strings.TrimSpace(c.UserID) == "" {
		dir, err := c.stateDir()
		if err != nil {
			return err
		}
		if c.UserID, err = LoadOrCreateUserID(dir, now); err != nil {
			return err
		}
	}
	return nil
}

func (c *AgentConfig) stateDir() (string, error) {
	if dir := strings.TrimSpace(c.StateDir); dir != "" {
		return dir, nil
	}
	base, err := os.UserConfigDir()
	if err != nil {
		return "", fmt.Errorf("resolve state dir (set user_id or state_dir): %w", err)
	}
	return filepath.Join(base, "memorybridge"), nil
}

// LoadOrCreateUserID returns the user ID stored in dir, generating and
// storing one on first use.
func LoadOrCreateUserID(dir string, now time.Time) (string, error) {
	path := filepath.Join(dir, userIDFile)
	raw, err := os.ReadFile(path)
	switch {
	case err == nil:
		if id := strings.TrimSpace(string(raw)); id != "" {
			return id, nil
		}
	case !errors.Is(err, os.ErrNotExist):
		return "", fmt.Errorf("read user id: %w", err)
	}

	id := GenerateUserID(now)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("create state dir: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, []byte(id+"\n"), 0o600); err != nil {
		return "", fmt.Errorf("write user id: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return "", fmt.Errorf("store user id: %w", err)
	}
	return id, nil
}

// GenerateUserID returns a fresh anonymous user identifier.
func GenerateUserID(now time.Time) string {
	return fmt.Sprintf("user_%d_%s", now.UnixMilli(), uuid.NewString()[:8])
}
