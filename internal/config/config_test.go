package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeTOML(t *testing.T, data string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "camvisr.toml")
	require.NoError(t, os.WriteFile(p, []byte(data), 0o644))
	return p
}

func TestDefault(t *testing.T) {
	c := Default()
	assert.Equal(t, "127.0.0.1:8080", c.Server.Listen)
	assert.Equal(t, "/api", c.Server.BasePath)
	assert.Equal(t, "/media", c.Media.Root)
	assert.Equal(t, "ffmpeg", c.FFmpeg.Binary)
	assert.Equal(t, 300, c.FFmpeg.RecordingSegmentSeconds)
	assert.Equal(t, 5*time.Second, c.Supervisor.KillTimeout)
	assert.Equal(t, 10*time.Second, c.Supervisor.ReaperInterval)
	assert.Equal(t, 120*time.Second, c.Supervisor.IdleTimeout)
	assert.Equal(t, 7, c.Retention.DefaultDays)
	assert.Equal(t, "@daily", c.Retention.Schedule)
	assert.True(t, c.Metrics.Enabled)
	assert.True(t, c.Metrics.Resources.Enabled)
	assert.NoError(t, c.Validate())
}

func TestLoadFile(t *testing.T) {
	p := writeTOML(t, `
[server]
listen = "0.0.0.0:9000"
base_path = "v1/"

[server.tls]
enabled = true
dir = "/etc/camvisr/tls"

[media]
root = "/srv/media"
recordings_root = "/mnt/nas"

[store]
dsn = "postgres://camvisr@db/camvisr"

[ffmpeg]
binary = "/usr/local/bin/ffmpeg"
hls_list_size = 6
env = ["TZ=UTC"]

[ffmpeg.log]
max_size_mb = 20

[supervisor]
idle_timeout = "45s"
restart_delay = "3s"
lease_ttl = "20s"

[retention]
default_days = 14
schedule = "0 30 2 * * *"

[log]
level = "debug"
format = "json"

[metrics]
listen = ":9100"
worker_resources = false
interval = "15s"

[history]
sinks = ["sqlite:///var/lib/camvisr/history.db", "clickhouse://ch:9000/events"]
`)
	c, err := Load(p)
	require.NoError(t, err)
	assert.Equal(t, "0.0.0.0:9000", c.Server.Listen)
	assert.Equal(t, "/v1", c.Server.BasePath)
	assert.True(t, c.Server.TLS.Enabled)
	assert.Equal(t, "/etc/camvisr/tls", c.Server.TLS.Dir)
	assert.Equal(t, "/mnt/nas", c.Media.RecordingsDir())
	assert.Equal(t, "live", c.Media.LiveSubdir)
	assert.Equal(t, "postgres://camvisr@db/camvisr", c.Store.DSN)
	assert.Equal(t, "/usr/local/bin/ffmpeg", c.FFmpeg.Binary)
	assert.Equal(t, 6, c.FFmpeg.HLSListSize)
	assert.Equal(t, 2, c.FFmpeg.HLSSegmentSeconds)
	assert.Equal(t, []string{"TZ=UTC"}, c.FFmpeg.Env)
	assert.Equal(t, 20, c.FFmpeg.Log.MaxSizeMB)
	assert.Equal(t, 45*time.Second, c.Supervisor.IdleTimeout)
	assert.Equal(t, 3*time.Second, c.Supervisor.RestartDelay)
	assert.Equal(t, 20*time.Second, c.Supervisor.LeaseTTL)
	assert.Equal(t, 5*time.Second, c.Supervisor.KillTimeout)
	assert.Equal(t, 14, c.Retention.DefaultDays)
	assert.Equal(t, "debug", c.Log.Level)
	assert.Equal(t, "json", c.Log.Format)
	assert.Equal(t, ":9100", c.Metrics.Listen)
	assert.False(t, c.Metrics.Resources.Enabled)
	assert.Equal(t, 15*time.Second, c.Metrics.Resources.Interval)
	assert.Len(t, c.History.Sinks, 2)
}

func TestEnvOverride(t *testing.T) {
	p := writeTOML(t, `
[store]
dsn = "sqlite://from-file.db"
`)
	t.Setenv("CAMVISR_STORE_DSN", "sqlite://from-env.db")
	t.Setenv("CAMVISR_SUPERVISOR_IDLE_TIMEOUT", "1m")
	t.Setenv("CAMVISR_SERVER_LISTEN", ":7000")

	c, err := Load(p)
	require.NoError(t, err)
	assert.Equal(t, "sqlite://from-env.db", c.Store.DSN)
	assert.Equal(t, time.Minute, c.Supervisor.IdleTimeout)
	assert.Equal(t, ":7000", c.Server.Listen)
}

func TestLoadWithoutFile(t *testing.T) {
	c, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "sqlite://camvisr.db", c.Store.DSN)
}

func TestLoadErrors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.toml"))
	assert.Error(t, err)

	_, err = Load(writeTOML(t, "[server\nlisten="))
	assert.Error(t, err)

	_, err = Load(writeTOML(t, "[supervisor]\nidle_timeout = \"soon\"\n"))
	assert.Error(t, err)

	_, err = Load(writeTOML(t, "[retention]\ndefault_days = -1\n"))
	assert.Error(t, err)

	_, err = Load(writeTOML(t, "[store]\ndsn = \" \"\n"))
	assert.Error(t, err)
}

func TestSanitizeBase(t *testing.T) {
	cases := map[string]string{"": "", "/": "", "api": "/api", "/api/": "/api", " /x/y/ ": "/x/y"}
	for in, want := range cases {
		assert.Equal(t, want, sanitizeBase(in), in)
	}
}

func TestLoadExampleConfig(t *testing.T) {
	c, err := Load(filepath.Join("..", "..", "camvisr.example.toml"))
	require.NoError(t, err)
	assert.Equal(t, "0.0.0.0:8080", c.Server.Listen)
	assert.True(t, c.Server.TLS.AutoGenerate)
	assert.Equal(t, []string{"nvr.local", "127.0.0.1"}, c.Server.TLS.SelfSigned.Hosts)
	assert.Equal(t, "/srv/media", c.Media.Root)
	assert.Equal(t, 2*time.Minute, c.Supervisor.IdleTimeout)
	assert.Equal(t, 30*time.Second, c.Supervisor.LeaseTTL)
	assert.Equal(t, "0 30 3 * * *", c.Retention.Schedule)
	assert.Equal(t, 10, c.FFmpeg.Log.MaxSizeMB)
	assert.True(t, c.Metrics.Resources.Enabled)
}
