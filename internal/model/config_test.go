package model_test

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/gembridge/gembridge/internal/model"
)

const minimalYAML = `
cli:
  path: /usr/local/bin/gemini
`

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := model.LoadConfig(strings.NewReader(minimalYAML))
	require.NoError(t, err)

	require.Equal(t, "127.0.0.1:8000", cfg.Listen)
	require.Equal(t, "/usr/local/bin/gemini", cfg.CLI.Path)
	require.Equal(t, "/clear", cfg.CLI.Clear)
	require.Equal(t, "/stats", cfg.CLI.Stats)
	require.Equal(t, "/echo %s", cfg.CLI.Echo)
	require.Equal(t, model.DefaultPoolSize, cfg.Pool.Size)
	require.Equal(t, model.DefaultAcquireTimeout, cfg.Pool.AcquireTimeout)
	require.Equal(t, model.DefaultPromptTimeout, cfg.Pool.PromptTimeout)
	require.False(t, cfg.Dump.Enabled)
	require.False(t, cfg.Watch.Enabled)
}

func TestLoadConfigFull(t *testing.T) {
	in := `
listen: 0.0.0.0:9000
verbose: true
cli:
  path: /opt/gemini
  args: ["--sandbox"]
  model: gemini-2.5-flash
pool:
  size: 4
  prompt_timeout: 300s
dump:
  enabled: true
  dir: /tmp/dumps
watch:
  enabled: true
  cron: "*/5 * * * *"
`
	cfg, err := model.LoadConfig(strings.NewReader(in))
	require.NoError(t, err)
	require.Equal(t, "0.0.0.0:9000", cfg.Listen)
	require.True(t, cfg.Verbose)
	require.Equal(t, []string{"--sandbox"}, cfg.CLI.Args)
	require.Equal(t, "gemini-2.5-flash", cfg.CLI.Model)
	require.Equal(t, 4, cfg.Pool.Size)
	require.Equal(t, 300*time.Second, cfg.Pool.PromptTimeout)
	require.True(t, cfg.Dump.Enabled)
	require.Equal(t, "/tmp/dumps", cfg.Dump.Dir)
	require.Equal(t, "*/5 * * * *", cfg.Watch.Cron)
}

func TestLoadConfigEnvOverride(t *testing.T) {
	t.Setenv("GEMBRIDGE_POOL_SIZE", "8")
	t.Setenv("GEMBRIDGE_LISTEN", "127.0.0.1:9999")

	cfg, err := model.LoadConfig(strings.NewReader(minimalYAML))
	require.NoError(t, err)
	require.Equal(t, 8, cfg.Pool.Size)
	require.Equal(t, "127.0.0.1:9999", cfg.Listen)
}

func TestValidate(t *testing.T) {
	t.Parallel()
	base := func() model.Config {
		cfg := model.DefaultConfig()
		cfg.CLI.Path = "/usr/local/bin/gemini"
		return cfg
	}

	t.Run("valid", func(t *testing.T) {
		require.NoError(t, base().Validate())
	})
	t.Run("missing cli path", func(t *testing.T) {
		cfg := base()
		cfg.CLI.Path = ""
		require.ErrorContains(t, cfg.Validate(), "cli.path")
	})
	t.Run("bad echo template", func(t *testing.T) {
		cfg := base()
		cfg.CLI.Echo = "/echo"
		require.ErrorContains(t, cfg.Validate(), "placeholder")
	})
	t.Run("zero pool size", func(t *testing.T) {
		cfg := base()
		cfg.Pool.Size = 0
		require.ErrorContains(t, cfg.Validate(), "pool.size")
	})
	t.Run("negative timeout", func(t *testing.T) {
		cfg := base()
		cfg.Pool.PromptTimeout = -time.Second
		require.ErrorContains(t, cfg.Validate(), "prompt_timeout")
	})
	t.Run("dump enabled without dir", func(t *testing.T) {
		cfg := base()
		cfg.Dump.Enabled = true
		cfg.Dump.Dir = ""
		require.ErrorContains(t, cfg.Validate(), "dump.dir")
	})
	t.Run("watch enabled without schedule", func(t *testing.T) {
		cfg := base()
		cfg.Watch.Enabled = true
		cfg.Watch.Cron = ""
		cfg.Watch.Every = 0
		require.ErrorContains(t, cfg.Validate(), "watch")
	})
}

func TestStoreRoundTrip(t *testing.T) {
	t.Parallel()
	cfg := model.DefaultConfig()
	cfg.CLI.Path = "/usr/local/bin/gemini"

	var buf bytes.Buffer
	require.NoError(t, cfg.Store(&buf))

	loaded, err := model.LoadConfig(&buf)
	require.NoError(t, err)
	require.Equal(t, cfg.CLI, loaded.CLI)
	require.Equal(t, cfg.Pool, loaded.Pool)
}
