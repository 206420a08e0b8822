package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// ConfigFileName is the TOML config file for the relay service
const ConfigFileName = "config.toml"

// Config is the full service configuration in TOML format
type Config struct {
	// DefaultCWD is the working directory used for new sessions when the
	// user has not picked one with /new. Defaults to the user's home.
	DefaultCWD string `toml:"default_cwd"`

	// Codex defines how the external codex binary is invoked
	Codex CodexSettings `toml:"codex"`

	// Logging defines log file settings
	Logging LogSettings `toml:"logging"`

	// Telegram defines the long-poll transport
	Telegram TelegramSettings `toml:"telegram"`

	// Feishu defines the long-connection transport
	Feishu FeishuSettings `toml:"feishu"`
}

// CodexSettings defines the external assistant invocation policy
type CodexSettings struct {
	// Bin is the codex executable path. Empty = resolve from PATH.
	Bin string `toml:"bin"`

	// SessionRoot is the directory codex writes session records into
	// Default: ~/.codex/sessions
	SessionRoot string `toml:"session_root"`

	// SandboxMode is passed through verbatim (e.g. "workspace-write")
	SandboxMode string `toml:"sandbox_mode"`

	// ApprovalPolicy is passed through verbatim (e.g. "never")
	ApprovalPolicy string `toml:"approval_policy"`

	// BypassLevel escalates sandbox/approval bypass:
	// 0 = none, 1 = config-flag overrides, 2 = full bypass flag
	BypassLevel int `toml:"bypass_level"`

	// TimeoutSecs bounds a single invocation. 0 = no timeout.
	TimeoutSecs int `toml:"timeout_secs"`
}

// LogSettings defines log file configuration
type LogSettings struct {
	// Dir is the directory for rotated log files. Empty = discard.
	Dir string `toml:"dir"`

	// Level is "debug", "info", "warn" or "error" (default: info)
	Level string `toml:"level"`

	// Format is "json" (default) or "text"
	Format string `toml:"format"`

	// Debug forces logging on even without a dir
	Debug bool `toml:"debug"`
}

// TelegramSettings defines the long-poll transport configuration
type TelegramSettings struct {
	// Enabled turns the transport on
	Enabled bool `toml:"enabled"`

	// Token is the bot token. The TELEGRAM_BOT_TOKEN env var wins.
	Token string `toml:"token"`

	// AllowedUserIDs is the numeric allow-list. An empty list denies
	// everyone unless AllowAll is set.
	AllowedUserIDs []int64 `toml:"allowed_user_ids"`

	// AllowAll explicitly opens the bot to any Telegram account.
	// This is the documented opt-in replacing the old implicit default.
	AllowAll bool `toml:"allow_all"`

	// StatePath is the binding document for this channel
	// Default: <config dir>/telegram_state.json
	StatePath string `toml:"state_path"`

	// PollTimeoutSecs is the getUpdates long-poll timeout (default: 30)
	PollTimeoutSecs int `toml:"poll_timeout_secs"`
}

// FeishuSettings defines the long-connection transport configuration
type FeishuSettings struct {
	// Enabled turns the transport on
	Enabled bool `toml:"enabled"`

	// AppID and AppSecret identify the Feishu app.
	// FEISHU_APP_ID / FEISHU_APP_SECRET env vars win.
	AppID     string `toml:"app_id"`
	AppSecret string `toml:"app_secret"`

	// AllowedOpenIDs is the open-id allow-list. Same policy as Telegram.
	AllowedOpenIDs []string `toml:"allowed_open_ids"`

	// AllowAll explicitly opens the bot to any Feishu account
	AllowAll bool `toml:"allow_all"`

	// StatePath is the binding document for this channel
	// Default: <config dir>/feishu_state.json
	StatePath string `toml:"state_path"`

	// EnableP2P allows direct chats (default: group mentions only)
	EnableP2P bool `toml:"enable_p2p"`

	// RichMessages renders agent replies as markdown cards (default: true)
	RichMessages bool `toml:"rich_messages"`

	// BaseURL is the Feishu open-platform endpoint
	// Default: https://open.feishu.cn
	BaseURL string `toml:"base_url"`
}

// DefaultDir returns the codexrelay config directory (~/.codexrelay)
func DefaultDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory: %w", err)
	}
	return filepath.Join(home, ".codexrelay"), nil
}

// DefaultPath returns the default config file path
func DefaultPath() (string, error) {
	dir, err := DefaultDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, ConfigFileName), nil
}

// Load reads the config file at path, applies defaults and env overrides.
// A missing file is not an error: defaults with env overrides are returned,
// so a purely env-configured deployment needs no file at all.
func Load(path string) (*Config, error) {
	// Defaults for fields where the zero value is not the default must be
	// set before decoding, so an absent key keeps them.
	cfg := Config{
		Feishu: FeishuSettings{RichMessages: true},
	}
	if _, err := os.Stat(path); err == nil {
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("stat %s: %w", path, err)
	}

	cfg.applyDefaults(filepath.Dir(path))
	cfg.applyEnv()
	return &cfg, nil
}

func (c *Config) applyDefaults(configDir string) {
	if c.DefaultCWD == "" {
		if home, err := os.UserHomeDir(); err == nil {
			c.DefaultCWD = home
		}
	}
	c.DefaultCWD = ExpandTilde(c.DefaultCWD)

	if c.Codex.SessionRoot == "" {
		c.Codex.SessionRoot = "~/.codex/sessions"
	}
	c.Codex.SessionRoot = ExpandTilde(c.Codex.SessionRoot)
	if c.Codex.BypassLevel < 0 {
		c.Codex.BypassLevel = 0
	}
	if c.Codex.BypassLevel > 2 {
		c.Codex.BypassLevel = 2
	}

	if c.Logging.Dir != "" {
		c.Logging.Dir = ExpandTilde(c.Logging.Dir)
	}

	if c.Telegram.PollTimeoutSecs <= 0 {
		c.Telegram.PollTimeoutSecs = 30
	}
	if c.Telegram.StatePath == "" {
		c.Telegram.StatePath = filepath.Join(configDir, "telegram_state.json")
	}
	c.Telegram.StatePath = ExpandTilde(c.Telegram.StatePath)

	if c.Feishu.StatePath == "" {
		c.Feishu.StatePath = filepath.Join(configDir, "feishu_state.json")
	}
	c.Feishu.StatePath = ExpandTilde(c.Feishu.StatePath)
	if c.Feishu.BaseURL == "" {
		c.Feishu.BaseURL = "https://open.feishu.cn"
	}
}

func (c *Config) applyEnv() {
	if v := strings.TrimSpace(os.Getenv("TELEGRAM_BOT_TOKEN")); v != "" {
		c.Telegram.Token = v
	}
	if v := strings.TrimSpace(os.Getenv("FEISHU_APP_ID")); v != "" {
		c.Feishu.AppID = v
	}
	if v := strings.TrimSpace(os.Getenv("FEISHU_APP_SECRET")); v != "" {
		c.Feishu.AppSecret = v
	}
	if v := strings.TrimSpace(os.Getenv("CODEX_BIN")); v != "" {
		c.Codex.Bin = v
	}
	if v := strings.TrimSpace(os.Getenv("CODEX_SESSION_ROOT")); v != "" {
		c.Codex.SessionRoot = ExpandTilde(v)
	}
}

// InvocationTimeout returns the configured per-call bound, zero if unset.
func (c *CodexSettings) InvocationTimeout() time.Duration {
	if c.TimeoutSecs <= 0 {
		return 0
	}
	return time.Duration(c.TimeoutSecs) * time.Second
}

// Validate checks that the enabled transports are runnable. Open access
// without an allow-list must be opted into explicitly.
func (c *Config) Validate() error {
	if !c.Telegram.Enabled && !c.Feishu.Enabled {
		return fmt.Errorf("no transport enabled: set telegram.enabled or feishu.enabled")
	}
	if c.Telegram.Enabled {
		if c.Telegram.Token == "" {
			return fmt.Errorf("telegram enabled but no token configured (telegram.token or TELEGRAM_BOT_TOKEN)")
		}
		if len(c.Telegram.AllowedUserIDs) == 0 && !c.Telegram.AllowAll {
			return fmt.Errorf("telegram enabled without allowed_user_ids: set the allow-list or opt in with allow_all = true")
		}
	}
	if c.Feishu.Enabled {
		if c.Feishu.AppID == "" || c.Feishu.AppSecret == "" {
			return fmt.Errorf("feishu enabled but app_id/app_secret missing (config or FEISHU_APP_ID/FEISHU_APP_SECRET)")
		}
		if len(c.Feishu.AllowedOpenIDs) == 0 && !c.Feishu.AllowAll {
			return fmt.Errorf("feishu enabled without allowed_open_ids: set the allow-list or opt in with allow_all = true")
		}
	}
	return nil
}

// ExpandTilde expands ~ to the user's home directory with path traversal
// protection.
func ExpandTilde(path string) string {
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err == nil {
			expanded := filepath.Join(home, path[2:])
			cleaned := filepath.Clean(expanded)
			// Keep the result under home (prevent path traversal)
			if strings.HasPrefix(cleaned, home) {
				return cleaned
			}
		}
	} else if path == "~" {
		home, err := os.UserHomeDir()
		if err == nil {
			return home
		}
	}
	return path
}
