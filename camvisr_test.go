//go:build !windows

package camvisr

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/camvisr/internal/logger"
	"github.com/loykin/camvisr/internal/spawner"
	"github.com/loykin/camvisr/internal/store"
)

func testConfig(t *testing.T) Config {
	t.Helper()
	c := DefaultConfig()
	dir := t.TempDir()
	c.Media.Root = filepath.Join(dir, "media")
	c.Store.DSN = "sqlite://" + filepath.Join(dir, "camvisr.db")
	c.Supervisor.KillTimeout = 2 * time.Second
	c.Metrics.Resources.Enabled = false
	return c
}

func newDaemon(t *testing.T, c Config) *Daemon {
	t.Helper()
	gin.SetMode(gin.TestMode)
	sp := spawner.Fixed{Layout: c.Media, Name: "sleep", Args: []string{"60"}}
	d, err := New(context.Background(), c,
		WithSpawner(sp),
		WithRegisterer(prometheus.NewRegistry()),
		WithLogger(logger.NewWithWriter(c.Log, io.Discard)))
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = d.Close(ctx)
	})
	return d
}

func TestDaemonBootStartsConfiguredRoles(t *testing.T) {
	c := testConfig(t)
	d := newDaemon(t, c)
	ctx := context.Background()

	on := store.NewCamera("front", "rtsp://10.0.0.5/main")
	require.NoError(t, d.Store().CreateCamera(ctx, &on))
	off := store.NewCamera("yard", "rtsp://10.0.0.6/main")
	off.Enabled = false
	require.NoError(t, d.Store().CreateCamera(ctx, &off))

	running, err := d.Boot(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, running)

	st := d.Manager().Status(on.ID)
	assert.True(t, st.Roles[RoleGrid].Alive)
	assert.True(t, st.Roles[RoleRecording].Alive)
	assert.False(t, st.Roles[RoleMedium].Alive)
	assert.False(t, d.Manager().Status(off.ID).Roles[RoleGrid].Alive)
	assert.False(t, d.Sweeper().Next().IsZero())

	rec := httptest.NewRecorder()
	d.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/status", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var all []CameraStatus
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &all))
	require.Len(t, all, 1)
	assert.Equal(t, on.ID, all[0].CameraID)

	rec = httptest.NewRecorder()
	d.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	ctx2, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	require.NoError(t, d.Close(ctx2))
	assert.False(t, d.Manager().Status(on.ID).Roles[RoleGrid].Alive)
}

func TestDaemonRunStopsOnCancel(t *testing.T) {
	c := testConfig(t)
	c.Server.Listen = "127.0.0.1:0"
	d := newDaemon(t, c)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()
	time.Sleep(200 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(15 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
	assert.True(t, d.Manager().ShuttingDown())
}

func TestNewRejectsBadConfig(t *testing.T) {
	c := testConfig(t)
	c.Store.DSN = ""
	_, err := New(context.Background(), c)
	assert.Error(t, err)

	c = testConfig(t)
	c.Store.DSN = "mysql://root@localhost/db"
	_, err = New(context.Background(), c, WithRegisterer(prometheus.NewRegistry()))
	assert.Error(t, err)

	c = testConfig(t)
	c.Retention.Schedule = "every other tuesday"
	_, err = New(context.Background(), c, WithRegisterer(prometheus.NewRegistry()))
	assert.Error(t, err)
}
