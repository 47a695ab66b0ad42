package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range []string{
		"CREW_GATEWAY_URL", "CREW_GATEWAY_TOKEN", "CREW_LISTEN",
		"CREW_LOG_LEVEL", "CREW_COMMAND_TIMEOUT", "CREW_HEARTBEAT_INTERVAL",
	} {
		t.Setenv(k, "")
		os.Unsetenv(k)
	}
}

func TestDefaults(t *testing.T) {
	clearEnv(t)
	dir := t.TempDir()
	t.Setenv("CREW_DATA_DIR", dir)

	c, err := New()
	require.NoError(t, err)
	assert.Equal(t, dir, c.DataDir)
	assert.Equal(t, filepath.Join(dir, "crew.db"), c.DBPath)
	assert.Equal(t, 2*time.Minute, c.CommandTimeout)
	assert.Equal(t, ":8088", c.ListenAddr)
	assert.Equal(t, filepath.Join(dir, "workspaces"), c.WorkspacesDir())
	assert.Equal(t, []string{filepath.Join(dir, "agents"), ".crew/agents"}, c.AgentDirs())
}

func TestFileThenEnv(t *testing.T) {
	clearEnv(t)
	dir := t.TempDir()
	t.Setenv("CREW_DATA_DIR", dir)
	require.NoError(t, os.WriteFile(filepath.Join(dir, FileName), []byte(`
gateway_url = "http://gateway:9000"
command_timeout = "45s"
listen = ":9999"
log_level = "debug"
`), 0o644))
	t.Setenv("CREW_LISTEN", ":7000")

	c, err := New()
	require.NoError(t, err)
	assert.Equal(t, "http://gateway:9000", c.GatewayURL)
	assert.Equal(t, 45*time.Second, c.CommandTimeout)
	assert.Equal(t, ":7000", c.ListenAddr)
	assert.Equal(t, "debug", c.LogLevel)
}

func TestInvalidDuration(t *testing.T) {
	clearEnv(t)
	t.Setenv("CREW_DATA_DIR", t.TempDir())
	t.Setenv("CREW_COMMAND_TIMEOUT", "soon")

	_, err := New()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "CREW_COMMAND_TIMEOUT")
}

func TestInvalidFile(t *testing.T) {
	clearEnv(t)
	dir := t.TempDir()
	t.Setenv("CREW_DATA_DIR", dir)
	require.NoError(t, os.WriteFile(filepath.Join(dir, FileName), []byte("listen = "), 0o644))

	_, err := New()
	require.Error(t, err)
}

func TestEnsureDataDir(t *testing.T) {
	clearEnv(t)
	dir := filepath.Join(t.TempDir(), "nested")
	t.Setenv("CREW_DATA_DIR", dir)

	c, err := New()
	require.NoError(t, err)
	require.NoError(t, c.EnsureDataDir())
	for _, d := range []string{c.UserAgentDir, c.UserWorkflowDir, c.WorkspacesDir()} {
		info, err := os.Stat(d)
		require.NoError(t, err)
		assert.True(t, info.IsDir())
	}
}
