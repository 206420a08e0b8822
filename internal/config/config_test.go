package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadMissingFileYieldsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.toml"))
	require.NoError(t, err)
	assert.Contains(t, cfg.Codex.SessionRoot, ".codex/sessions")
	assert.NotEmpty(t, cfg.DefaultCWD)
	assert.Equal(t, 30, cfg.Telegram.PollTimeoutSecs)
	assert.Equal(t, "https://open.feishu.cn", cfg.Feishu.BaseURL)
	assert.True(t, cfg.Feishu.RichMessages)
}

func TestLoadParsesFullConfig(t *testing.T) {
	path := writeConfig(t, `
default_cwd = "/srv/projects"

[codex]
bin = "/usr/local/bin/codex"
session_root = "/data/sessions"
sandbox_mode = "workspace-write"
approval_policy = "on-request"
bypass_level = 1
timeout_secs = 120

[telegram]
enabled = true
token = "123:abc"
allowed_user_ids = [42, 99]
poll_timeout_secs = 50

[feishu]
enabled = true
app_id = "cli_x"
app_secret = "shh"
allowed_open_ids = ["ou_1"]
enable_p2p = true
rich_messages = false
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "/srv/projects", cfg.DefaultCWD)
	assert.Equal(t, "/usr/local/bin/codex", cfg.Codex.Bin)
	assert.Equal(t, "/data/sessions", cfg.Codex.SessionRoot)
	assert.Equal(t, 1, cfg.Codex.BypassLevel)
	assert.Equal(t, 2*time.Minute, cfg.Codex.InvocationTimeout())
	assert.Equal(t, []int64{42, 99}, cfg.Telegram.AllowedUserIDs)
	assert.Equal(t, 50, cfg.Telegram.PollTimeoutSecs)
	assert.True(t, cfg.Feishu.EnableP2P)
	assert.False(t, cfg.Feishu.RichMessages)
	require.NoError(t, cfg.Validate())
}

func TestLoadRichMessagesDefaultsOnWhenOmitted(t *testing.T) {
	path := writeConfig(t, `
[feishu]
enabled = true
app_id = "cli_x"
app_secret = "shh"
allowed_open_ids = ["ou_1"]
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.True(t, cfg.Feishu.RichMessages)
}

func TestLoadStatePathsDefaultToConfigDir(t *testing.T) {
	path := writeConfig(t, "[telegram]\nenabled = true\n")
	cfg, err := Load(path)
	require.NoError(t, err)
	dir := filepath.Dir(path)
	assert.Equal(t, filepath.Join(dir, "telegram_state.json"), cfg.Telegram.StatePath)
	assert.Equal(t, filepath.Join(dir, "feishu_state.json"), cfg.Feishu.StatePath)
}

func TestLoadClampsBypassLevel(t *testing.T) {
	path := writeConfig(t, "[codex]\nbypass_level = 9\n")
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 2, cfg.Codex.BypassLevel)
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("TELEGRAM_BOT_TOKEN", "env-token")
	t.Setenv("CODEX_BIN", "/env/codex")

	path := writeConfig(t, `
[telegram]
enabled = true
token = "file-token"
allowed_user_ids = [1]
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "env-token", cfg.Telegram.Token)
	assert.Equal(t, "/env/codex", cfg.Codex.Bin)
}

func TestValidateRequiresATransport(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.toml"))
	require.NoError(t, err)
	assert.ErrorContains(t, cfg.Validate(), "no transport enabled")
}

func TestValidateRequiresTelegramToken(t *testing.T) {
	path := writeConfig(t, "[telegram]\nenabled = true\nallowed_user_ids = [1]\n")
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.ErrorContains(t, cfg.Validate(), "token")
}

func TestValidateRequiresAllowListOrOptIn(t *testing.T) {
	path := writeConfig(t, "[telegram]\nenabled = true\ntoken = \"t\"\n")
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.ErrorContains(t, cfg.Validate(), "allow_all")

	path = writeConfig(t, "[telegram]\nenabled = true\ntoken = \"t\"\nallow_all = true\n")
	cfg, err = Load(path)
	require.NoError(t, err)
	assert.NoError(t, cfg.Validate())
}

func TestValidateRequiresFeishuCredentials(t *testing.T) {
	path := writeConfig(t, "[feishu]\nenabled = true\nallowed_open_ids = [\"ou_1\"]\n")
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.ErrorContains(t, cfg.Validate(), "app_id")
}

func TestExpandTilde(t *testing.T) {
	home, err := os.UserHomeDir()
	require.NoError(t, err)

	assert.Equal(t, filepath.Join(home, "x"), ExpandTilde("~/x"))
	assert.Equal(t, home, ExpandTilde("~"))
	assert.Equal(t, "/abs/path", ExpandTilde("/abs/path"))
	// Traversal out of home is refused.
	assert.Equal(t, "~/../../etc/passwd", ExpandTilde("~/../../etc/passwd"))
}
