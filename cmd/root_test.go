package cmd

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/mitchellh/go-homedir"
	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/getmusterup/sentinel-agent/internal/config"
	"github.com/getmusterup/sentinel-agent/internal/observability"
)

// runCapture records what the run command would have executed.
type runCapture struct {
	cfg  *config.Config
	opts runOptions
}

// setupRootTest swaps out the browser runner and resets the global logger.
func setupRootTest(t *testing.T) *runCapture {
	t.Helper()
	observability.ResetForTest()
	t.Cleanup(observability.ResetForTest)

	// Keep the user's real config out of the test.
	homedir.DisableCache = true
	t.Setenv("HOME", t.TempDir())
	wd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(t.TempDir()))
	t.Cleanup(func() { _ = os.Chdir(wd) })

	captured := &runCapture{}
	original := runAgent
	runAgent = func(_ context.Context, cfg *config.Config, opts runOptions, _ *zap.Logger) error {
		captured.cfg = cfg
		captured.opts = opts
		return nil
	}
	t.Cleanup(func() { runAgent = original })
	return captured
}

func executeRoot(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	root := newRootCmd()
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "sentinel.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestVersionCommand(t *testing.T) {
	setupRootTest(t)
	out, err := executeRoot(t, "version")
	require.NoError(t, err)
	assert.Equal(t, Version+"\n", out)

	out, err = executeRoot(t, "--version")
	require.NoError(t, err)
	assert.Equal(t, Version+"\n", out)
}

func TestRootCommand_Tree(t *testing.T) {
	root := newRootCmd()
	names := map[string]*cobra.Command{}
	for _, c := range root.Commands() {
		names[c.Name()] = c
	}
	require.Contains(t, names, "run")
	require.Contains(t, names, "version")
	assert.NotNil(t, root.PersistentFlags().Lookup("config"))
	for _, flag := range []string{"site-id", "collector", "flush-interval", "headless", "duration", "route", "route-interval"} {
		assert.NotNil(t, names["run"].Flags().Lookup(flag), flag)
	}
}

func TestRun_DefaultsWithoutConfigFile(t *testing.T) {
	captured := setupRootTest(t)
	_, err := executeRoot(t, "run", "https://shop.example/")
	require.NoError(t, err)

	require.NotNil(t, captured.cfg)
	assert.Equal(t, "https://shop.example/", captured.opts.Target)
	assert.Equal(t, 10*time.Second, captured.cfg.Agent.FlushInterval)
	assert.Equal(t, "https://api-sentinel.getmusterup.com/track", captured.cfg.Collector.TrackURL())
	assert.Empty(t, captured.cfg.Agent.SiteID)
	assert.Equal(t, 2*time.Second, captured.opts.RouteInterval)
}

func TestRun_ConfigPrecedence(t *testing.T) {
	captured := setupRootTest(t)
	path := writeConfig(t, `
collector:
  base_url: https://collector.internal
agent:
  site_id: from-file
  flush_interval: 30s
browser:
  headless: false
`)
	t.Setenv("SENTINEL_AGENT_FLUSH_INTERVAL", "3s")

	_, err := executeRoot(t, "run", "--config", path,
		"--site-id", "from-flag",
		"--route", "/pricing", "--route", "/docs",
		"--duration", "1m",
		"https://shop.example/")
	require.NoError(t, err)

	cfg := captured.cfg
	require.NotNil(t, cfg)
	assert.Equal(t, "from-flag", cfg.Agent.SiteID, "flag beats file")
	assert.Equal(t, 3*time.Second, cfg.Agent.FlushInterval, "env beats file")
	assert.Equal(t, "https://collector.internal/session", cfg.Collector.SessionURL())
	assert.False(t, cfg.Browser.Headless, "unset flag keeps the file value")
	assert.Equal(t, []string{"/pricing", "/docs"}, captured.opts.Routes)
	assert.Equal(t, time.Minute, captured.opts.Duration)
}

func TestRun_InvalidConfig(t *testing.T) {
	captured := setupRootTest(t)
	path := writeConfig(t, "agent:\n  flush_interval: -1s\n")

	_, err := executeRoot(t, "run", "--config", path, "https://shop.example/")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to load or validate config")
	assert.Contains(t, err.Error(), "flush_interval must be a positive duration")
	assert.Nil(t, captured.cfg)
}

func TestRun_MissingExplicitConfigFile(t *testing.T) {
	setupRootTest(t)
	_, err := executeRoot(t, "run", "--config", filepath.Join(t.TempDir(), "nope.yaml"), "https://shop.example/")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to initialize configuration")
}

func TestRun_ConfigFromHomeDirectory(t *testing.T) {
	captured := setupRootTest(t)
	home := os.Getenv("HOME")
	require.NoError(t, os.MkdirAll(filepath.Join(home, ".sentinel"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(home, ".sentinel", "config.yaml"), []byte("agent:\n  site_id: from-home\n"), 0o600))

	_, err := executeRoot(t, "run", "https://shop.example/")
	require.NoError(t, err)
	assert.Equal(t, "from-home", captured.cfg.Agent.SiteID)
}

func TestRun_RequiresURL(t *testing.T) {
	setupRootTest(t)
	_, err := executeRoot(t, "run")
	assert.Error(t, err)
}

func TestConfigFromContext_Missing(t *testing.T) {
	_, err := configFromContext(context.Background())
	assert.Error(t, err)
}
