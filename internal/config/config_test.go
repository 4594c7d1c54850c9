package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/epithetd/internal/broker"
)

func writeTOML(t *testing.T, data string) string {
	t.Helper()
	file := filepath.Join(t.TempDir(), "epithetd.toml")
	require.NoError(t, os.WriteFile(file, []byte(data), 0o600))
	return file
}

func TestDefaults(t *testing.T) {
	c, err := Default()
	require.NoError(t, err)
	home, _ := os.UserHomeDir()

	assert.Equal(t, "epithet", c.Binary)
	assert.Equal(t, filepath.Join(home, ".epithet", "run"), c.RuntimeRoot)
	assert.Equal(t, "broker.sock", c.SocketName)
	assert.Equal(t, 500*time.Millisecond, c.Discovery.InitialDelay)
	assert.Equal(t, time.Second, c.Discovery.Interval)
	assert.True(t, c.Discovery.Watch)
	assert.Equal(t, 10*time.Second, c.Inspect.Timeout)
	assert.Equal(t, 2*time.Second, c.Inspect.CacheTTL)
	assert.Equal(t, "/api", c.Server.BasePath)
	assert.True(t, c.SSH.Manage)
	assert.Equal(t, filepath.Join(home, ".epithet", "agent-ssh.conf"), c.SSH.IncludePath)
	assert.Equal(t, 30*time.Second, c.SSH.ResyncInterval)
	assert.True(t, c.UseOSEnv)
	assert.Empty(t, c.Brokers)
}

func TestLoadFile(t *testing.T) {
	file := writeTOML(t, `
binary = "/opt/epithet/bin/epithet"
runtime_root = "/var/run/epithet"
shutdown_timeout = "2s"
env = ["EPITHET_DEBUG=1"]

[discovery]
initial_delay = "100ms"
interval = "250ms"
watch = false

[inspect]
timeout = "3s"

[log]
level = "debug"
format = "json"
dir = "/var/log/epithetd"
max_size_mb = 5
compress = true

[metrics]
enabled = true
listen = ":9100"

[history]
dsn = "sqlite:///tmp/epithetd-history.db"
`)
	c, err := Load(file)
	require.NoError(t, err)
	assert.Equal(t, "/opt/epithet/bin/epithet", c.Binary)
	assert.Equal(t, "/var/run/epithet", c.RuntimeRoot)
	assert.Equal(t, 2*time.Second, c.ShutdownTimeout)
	assert.Equal(t, 100*time.Millisecond, c.Discovery.InitialDelay)
	assert.Equal(t, 250*time.Millisecond, c.Discovery.Interval)
	assert.False(t, c.Discovery.Watch)
	assert.Equal(t, 3*time.Second, c.Inspect.Timeout)
	assert.Equal(t, 2*time.Second, c.Inspect.CacheTTL)
	assert.Equal(t, "debug", c.Log.Level)
	assert.Equal(t, "json", c.Log.Format)
	assert.Equal(t, 5, c.Log.MaxSizeMB)
	assert.True(t, c.Log.Compress)
	assert.True(t, c.Metrics.Enabled)
	assert.Equal(t, ":9100", c.Metrics.Listen)
	assert.Equal(t, "sqlite:///tmp/epithetd-history.db", c.History.DSN)
	assert.Equal(t, []string{"EPITHET_DEBUG=1"}, c.Env)
}

func TestLoadBrokersKeepDefaults(t *testing.T) {
	file := writeTOML(t, `
[[brokers]]
name = "corp"
caURLs = ["https://ca.corp.example.com"]

[[brokers]]
name = "lab"
caURL = "https://ca.lab.example.com"
authMethod = "command"
authCommand = "lab-auth --token"
startOnLogin = false
verbosity = 3
`)
	c, err := Load(file)
	require.NoError(t, err)
	require.Len(t, c.Brokers, 2)

	corp := c.Brokers[0]
	assert.Equal(t, "corp", corp.Name)
	assert.True(t, corp.StartOnLogin)
	assert.Equal(t, broker.DefaultCATimeout, corp.CATimeout)
	assert.Equal(t, broker.VerbosityInfo, corp.Verbosity)

	lab := c.Brokers[1]
	assert.Equal(t, []string{"https://ca.lab.example.com"}, lab.CAURLs)
	assert.Equal(t, broker.AuthCommand, lab.AuthMethod)
	assert.False(t, lab.StartOnLogin)
	assert.Equal(t, broker.Verbosity(3), lab.Verbosity)
}

func TestLoadRejectsInvalidBroker(t *testing.T) {
	file := writeTOML(t, `
[[brokers]]
name = "insecure"
caURLs = ["http://ca.example.com"]
`)
	_, err := Load(file)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "must be HTTPS")
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("EPITHETD_BINARY", "/usr/local/bin/epithet")
	t.Setenv("EPITHETD_LOG_LEVEL", "warn")
	t.Setenv("EPITHETD_INSPECT_TIMEOUT", "4s")

	file := writeTOML(t, `binary = "/from/file"`)
	c, err := Load(file)
	require.NoError(t, err)
	assert.Equal(t, "/usr/local/bin/epithet", c.Binary)
	assert.Equal(t, "warn", c.Log.Level)
	assert.Equal(t, 4*time.Second, c.Inspect.Timeout)
}

func TestLoadErrors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.toml"))
	assert.Error(t, err)

	_, err = Load(writeTOML(t, "binary = [unclosed"))
	assert.Error(t, err)

	_, err = Load(writeTOML(t, "socket_name = \"a/b\"\n[discovery]\ninterval = \"0s\"\n"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "socket_name")
	assert.Contains(t, err.Error(), "discovery.interval")

	_, err = Load(writeTOML(t, "[log]\nlevel = \"chatty\"\n"))
	assert.Error(t, err)

	_, err = Load(writeTOML(t, "[discovery]\ninitial_delay = \"0s\"\n"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "discovery.initial_delay must be positive")
}

func TestExpandHome(t *testing.T) {
	home, err := os.UserHomeDir()
	require.NoError(t, err)
	got, err := ExpandHome("~/.ssh/config")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(home, ".ssh", "config"), got)

	got, _ = ExpandHome("/abs/path")
	assert.Equal(t, "/abs/path", got)
	got, _ = ExpandHome("~user/x")
	assert.Equal(t, "~user/x", got)
}

func TestEnviron(t *testing.T) {
	dir := t.TempDir()
	envFile := filepath.Join(dir, "broker.env")
	require.NoError(t, os.WriteFile(envFile, []byte("FROM_FILE=1\nOVERRIDE=file\n"), 0o600))

	c := Config{EnvFiles: []string{envFile}, Env: []string{"OVERRIDE=inline", "JOINED=${FROM_FILE}-x"}}
	got, err := c.Environ()
	require.NoError(t, err)
	assert.Equal(t, []string{"FROM_FILE=1", "JOINED=1-x", "OVERRIDE=inline"}, got)

	c.EnvFiles = []string{filepath.Join(dir, "missing.env")}
	_, err = c.Environ()
	assert.Error(t, err)

	t.Setenv("EPITHETD_CFG_ENV", "os")
	c = Config{UseOSEnv: true}
	got, err = c.Environ()
	require.NoError(t, err)
	assert.True(t, strings.Contains(strings.Join(got, "\n"), "EPITHETD_CFG_ENV=os"))
}
