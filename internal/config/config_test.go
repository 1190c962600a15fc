package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mcp-scooter/dbshell/internal/mcp"
)

func TestLoadEnvironmentOnlyReadsAllowList(t *testing.T) {
	t.Setenv("DBSHELL_LOG_LEVEL", "debug")
	t.Setenv("SOME_UNRELATED_SECRET", "shh")

	env := LoadEnvironment()
	assert.Equal(t, "debug", env.LogLevel)
}

func TestLoadParsesTOMLFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "dbshell.toml")
	content := `
[[servers]]
name = "fs"
transport = "process"
command = "mcp-fs-server"
args = ["--root", "/data"]

[queue]
concurrency = 8
max_queue_size = 500
rate_limit = 50
burst = 10
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	f, err := Load(path)
	require.NoError(t, err)
	require.Len(t, f.Servers, 1)
	assert.Equal(t, "fs", f.Servers[0].Name)
	assert.Equal(t, 8, f.Queue.Concurrency)
	assert.Equal(t, 500, f.Queue.MaxQueueSize)
}

func TestServerConfigsForwardsOnlyAllowedEnv(t *testing.T) {
	t.Setenv("DBSHELL_LOG_LEVEL", "info")
	t.Setenv("SECRET_TOKEN", "should-not-forward")

	f := File{Servers: []ServerEntry{{Name: "fs", Transport: "process", Command: "mcp-fs-server"}}}
	configs := f.ServerConfigs(LoadEnvironment())
	require.Len(t, configs, 1)

	for _, kv := range configs[0].Env {
		assert.NotContains(t, kv, "SECRET_TOKEN")
	}
	assert.Equal(t, mcp.TransportProcess, configs[0].Transport)
}

func TestDefaultsAppliedWhenFileOmitsSection(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "minimal.toml")
	require.NoError(t, os.WriteFile(path, []byte(`[[servers]]
name = "x"
command = "y"
`), 0o644))

	f, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 4, f.Queue.Concurrency)
}
