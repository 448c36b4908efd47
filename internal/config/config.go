package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/user/miniclaw/internal/types"
)

type Config struct {
	DataDir       string `json:"data_dir"`
	LogLevel      string `json:"log_level"`
	Workspace     string `json:"workspace"`
	SessionDir    string `json:"session_dir"`
	MaxConcurrent int    `json:"max_concurrent"`
	Agent         struct {
		Command        string `json:"command"`
		Dir            string `json:"dir"`
		Thinking       string `json:"thinking"`
		TimeoutMS      int    `json:"timeout_ms"`
		TitleTimeoutMS int    `json:"title_timeout_ms"`
	} `json:"agent"`
	Telegram struct {
		Token               string  `json:"token"`
		AllowedUsers        []int64 `json:"allowed_users"`
		RateLimitCooldownMS int     `json:"rate_limit_cooldown_ms"`
		KeepSessions        int     `json:"keep_sessions"`
	} `json:"telegram"`
	Shell struct {
		TimeoutMS int `json:"timeout_ms"`
	} `json:"shell"`
	HTTP struct {
		Enabled bool   `json:"enabled"`
		Addr    string `json:"addr"`
		Token   string `json:"token"`
	} `json:"http"`
}

// DefaultPath is where the CLI looks for the config file.
func DefaultPath() string {
	return filepath.Join(homeDir(), ".mini-claw", "config.json")
}

func defaults() *Config {
	home := homeDir()
	cfg := &Config{
		DataDir:       filepath.Join(home, ".mini-claw"),
		LogLevel:      "info",
		Workspace:     filepath.Join(home, "mini-claw-workspace"),
		SessionDir:    filepath.Join(home, ".mini-claw", "sessions"),
		MaxConcurrent: 4,
	}
	cfg.Agent.Command = "pi"
	cfg.Agent.Dir = filepath.Join(home, ".pi", "agent")
	cfg.Agent.Thinking = string(types.ThinkingLow)
	cfg.Agent.TimeoutMS = 300000
	cfg.Agent.TitleTimeoutMS = 10000
	cfg.Telegram.RateLimitCooldownMS = 5000
	cfg.Telegram.KeepSessions = 5
	cfg.Shell.TimeoutMS = 60000
	cfg.HTTP.Addr = "127.0.0.1:8420"
	return cfg
}

func Load(path string) (*Config, error) {
	cfg := defaults()

	// Load from file if exists, otherwise write defaults
	if _, err := os.Stat(path); err == nil {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	} else if os.IsNotExist(err) {
		if err := Save(path, cfg); err != nil {
			return nil, err
		}
	}

	// Override from env (highest precedence)
	if err := applyEnv(cfg); err != nil {
		return nil, err
	}

	home := homeDir()
	cfg.DataDir = ExpandHome(cfg.DataDir, home)
	cfg.Workspace = ExpandHome(cfg.Workspace, home)
	cfg.SessionDir = ExpandHome(cfg.SessionDir, home)
	cfg.Agent.Dir = ExpandHome(cfg.Agent.Dir, home)
	cfg.Agent.Thinking = string(types.ParseThinkingLevel(cfg.Agent.Thinking))

	return cfg, nil
}

func applyEnv(cfg *Config) error {
	if v := os.Getenv("TELEGRAM_BOT_TOKEN"); v != "" {
		cfg.Telegram.Token = v
	}
	if v := os.Getenv("MINI_CLAW_WORKSPACE"); v != "" {
		cfg.Workspace = v
	}
	if v := os.Getenv("MINI_CLAW_SESSION_DIR"); v != "" {
		cfg.SessionDir = v
	}
	if v := os.Getenv("PI_THINKING_LEVEL"); v != "" {
		cfg.Agent.Thinking = v
	}
	if v := os.Getenv("ALLOWED_USERS"); v != "" {
		users, err := ParseUserIDs(v)
		if err != nil {
			return fmt.Errorf("parse ALLOWED_USERS: %w", err)
		}
		cfg.Telegram.AllowedUsers = users
	}

	// A zero cooldown disables rate limiting; timeouts must be positive.
	ms := []struct {
		env string
		dst *int
		min int
	}{
		{"RATE_LIMIT_COOLDOWN_MS", &cfg.Telegram.RateLimitCooldownMS, 0},
		{"PI_TIMEOUT_MS", &cfg.Agent.TimeoutMS, 1},
		{"SHELL_TIMEOUT_MS", &cfg.Shell.TimeoutMS, 1},
		{"SESSION_TITLE_TIMEOUT_MS", &cfg.Agent.TitleTimeoutMS, 1},
	}
	for _, m := range ms {
		v := os.Getenv(m.env)
		if v == "" {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil || n < m.min {
			return fmt.Errorf("parse %s: invalid duration %q", m.env, v)
		}
		*m.dst = n
	}
	return nil
}

// ParseUserIDs parses a comma separated list of Telegram user IDs.
// Blank entries are skipped.
func ParseUserIDs(s string) ([]int64, error) {
	var ids []int64
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		id, err := strconv.ParseInt(part, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid user id %q", part)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// ExpandHome replaces a leading "~" with home.
func ExpandHome(path, home string) string {
	if path == "~" {
		return home
	}
	if rest, ok := strings.CutPrefix(path, "~/"); ok {
		return filepath.Join(home, rest)
	}
	return path
}

func homeDir() string {
	if home, err := os.UserHomeDir(); err == nil {
		return home
	}
	return os.Getenv("HOME")
}

// Validate checks the settings needed to serve the bot.
func (c *Config) Validate() error {
	var errs []error
	if c.Telegram.Token == "" {
		errs = append(errs, errors.New("telegram.token is required (or set TELEGRAM_BOT_TOKEN)"))
	}
	if c.Agent.Command == "" {
		errs = append(errs, errors.New("agent.command is required"))
	}
	if c.Agent.TimeoutMS <= 0 {
		errs = append(errs, fmt.Errorf("agent.timeout_ms must be positive, got %d", c.Agent.TimeoutMS))
	}
	if c.MaxConcurrent < 1 {
		errs = append(errs, fmt.Errorf("max_concurrent must be at least 1, got %d", c.MaxConcurrent))
	}
	if c.HTTP.Enabled && c.HTTP.Addr == "" {
		errs = append(errs, errors.New("http.addr is required when http is enabled"))
	}
	return errors.Join(errs...)
}

func ms(n int) time.Duration {
	return time.Duration(n) * time.Millisecond
}

// AgentTimeout bounds one agent run.
func (c *Config) AgentTimeout() time.Duration { return ms(c.Agent.TimeoutMS) }

func (c *Config) TitleTimeout() time.Duration { return ms(c.Agent.TitleTimeoutMS) }

func (c *Config) ShellTimeout() time.Duration { return ms(c.Shell.TimeoutMS) }

func (c *Config) RateLimitCooldown() time.Duration { return ms(c.Telegram.RateLimitCooldownMS) }

// Save writes cfg to path atomically, creating the directory if needed.
func Save(path string, cfg *Config) error {
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	return writeFile(path, append(data, '\n'))
}

func writeFile(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}
	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("rename config: %w", err)
	}
	return nil
}

// ToMap converts cfg to its nested JSON form.
func ToMap(cfg *Config) (map[string]any, error) {
	data, err := json.Marshal(cfg)
	if err != nil {
		return nil, fmt.Errorf("marshal config: %w", err)
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	return m, nil
}

// ListValues returns cfg as dot-separated keys, with secrets masked if
// mask is set.
func ListValues(cfg *Config, mask bool) (map[string]any, error) {
	m, err := ToMap(cfg)
	if err != nil {
		return nil, err
	}
	flat := Flatten(m)
	if mask {
		flat = MaskSecrets(flat)
	}
	return flat, nil
}

func readRaw(path string) (map[string]any, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	return m, nil
}

// GetValue returns the value stored under a dot-separated key. The file
// is created with defaults if it does not exist.
func GetValue(path, key string) (any, error) {
	if _, err := Load(path); err != nil {
		return nil, err
	}
	m, err := readRaw(path)
	if err != nil {
		return nil, err
	}
	v, ok := Flatten(m)[key]
	if !ok {
		return nil, fmt.Errorf("unknown config key: %s", key)
	}
	return v, nil
}

// SetValue stores value under a dot-separated key in an existing config
// file. Keys that already hold a string stay strings; otherwise value is
// parsed as JSON and falls back to a string.
func SetValue(path, key, value string) error {
	m, err := readRaw(path)
	if err != nil {
		return err
	}
	flat := Flatten(m)

	var v any = value
	if _, isString := flat[key].(string); !isString {
		var parsed any
		if err := json.Unmarshal([]byte(value), &parsed); err == nil {
			v = parsed
		}
	}
	flat[key] = v

	data, err := json.MarshalIndent(Unflatten(flat), "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	return writeFile(path, append(data, '\n'))
}
