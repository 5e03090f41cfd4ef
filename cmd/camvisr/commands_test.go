//go:build !windows

package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/camvisr"
	"github.com/loykin/camvisr/internal/spawner"
	"github.com/loykin/camvisr/pkg/client"
)

func startDaemon(t *testing.T) string {
	t.Helper()
	gin.SetMode(gin.TestMode)
	cfg := camvisr.DefaultConfig()
	dir := t.TempDir()
	cfg.Media.Root = filepath.Join(dir, "media")
	cfg.Store.DSN = "sqlite://" + filepath.Join(dir, "camvisr.db")
	cfg.Supervisor.KillTimeout = 2 * time.Second
	cfg.Metrics.Enabled = false

	d, err := camvisr.New(context.Background(), cfg,
		camvisr.WithSpawner(spawner.Fixed{Layout: cfg.Media, Name: "sleep", Args: []string{"60"}}),
		camvisr.WithRegisterer(prometheus.NewRegistry()))
	require.NoError(t, err)
	srv := httptest.NewServer(d.Handler())
	t.Cleanup(func() {
		srv.Close()
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = d.Close(ctx)
	})
	return srv.URL + "/api"
}

func runCLI(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	root := buildRoot(&out)
	root.SetErr(&bytes.Buffer{})
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

func TestCameraLifecycleCommands(t *testing.T) {
	api := startDaemon(t)

	out, err := runCLI(t, "--api-url", api, "camera", "add", "--name", "front", "--rtsp-url", "rtsp://10.0.0.5/main")
	require.NoError(t, err)
	var cam client.Camera
	require.NoError(t, json.Unmarshal([]byte(out), &cam))
	assert.Equal(t, "front", cam.Name)
	require.NotZero(t, cam.ID)

	out, err = runCLI(t, "--api-url", api, "camera", "list")
	require.NoError(t, err)
	assert.Contains(t, out, "rtsp://10.0.0.5/main")

	out, err = runCLI(t, "--api-url", api, "start", "1")
	require.NoError(t, err)
	var started []client.StartResult
	require.NoError(t, json.Unmarshal([]byte(out), &started))
	require.Len(t, started, 2)
	for _, r := range started {
		assert.Equal(t, "started", r.Outcome, r.Role)
	}

	out, err = runCLI(t, "--api-url", api, "status", "1")
	require.NoError(t, err)
	var st client.CameraStatus
	require.NoError(t, json.Unmarshal([]byte(out), &st))
	assert.True(t, st.Roles["grid"].Alive)
	assert.True(t, st.Roles["recording"].Alive)

	out, err = runCLI(t, "--api-url", api, "role", "stop", "1", "grid")
	require.NoError(t, err)
	assert.Contains(t, out, "stopped grid of camera 1")

	out, err = runCLI(t, "--api-url", api, "stop", "1")
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal([]byte(out), &st))
	assert.False(t, st.Roles["recording"].Alive)

	out, err = runCLI(t, "--api-url", api, "camera", "delete", "1")
	require.NoError(t, err)
	assert.Contains(t, out, "deleted camera 1")
}

func TestWatchCommand(t *testing.T) {
	api := startDaemon(t)
	_, err := runCLI(t, "--api-url", api, "camera", "add", "--name", "yard", "--rtsp-url", "rtsp://10.0.0.6/main")
	require.NoError(t, err)

	out, err := runCLI(t, "--api-url", api, "watch", "1", "medium")
	require.NoError(t, err)
	var w client.Watch
	require.NoError(t, json.Unmarshal([]byte(out), &w))
	assert.Equal(t, "started", w.Start.Outcome)
	assert.NotEmpty(t, w.Lease)
	assert.Contains(t, w.Playlist, "/media/live/yard/medium/index.m3u8?lease="+w.Lease)

	_, err = runCLI(t, "--api-url", api, "watch", "1", "grid")
	assert.Error(t, err)
}

func TestCommandArgErrors(t *testing.T) {
	api := startDaemon(t)
	_, err := runCLI(t, "--api-url", api, "start", "abc")
	assert.Error(t, err)
	_, err = runCLI(t, "--api-url", api, "role", "start", "1")
	assert.Error(t, err)
	_, err = runCLI(t, "--api-url", api, "camera", "add", "--name", "x")
	assert.Error(t, err)
	_, err = runCLI(t, "--api-url", api, "camera", "delete", "42")
	assert.ErrorContains(t, err, "camera 42 not found")
}

func TestUnreachableDaemon(t *testing.T) {
	_, err := runCLI(t, "--api-url", "http://127.0.0.1:1/api", "--api-timeout", "200ms", "status")
	assert.ErrorContains(t, err, "daemon not reachable")
}

func TestHelp(t *testing.T) {
	out, err := runCLI(t, "--help")
	require.NoError(t, err)
	assert.Contains(t, out, "camvisr")
	assert.Contains(t, out, "serve")
}

func TestServeRejectsBadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "missing.toml")
	_, err := runCLI(t, "serve", path)
	assert.ErrorContains(t, err, "failed to load config")
}
