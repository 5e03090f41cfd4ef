//go:build !windows

package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/camvisr/internal/lease"
	"github.com/loykin/camvisr/internal/manager"
	"github.com/loykin/camvisr/internal/media"
	"github.com/loykin/camvisr/internal/resolver"
	"github.com/loykin/camvisr/internal/spawner"
	"github.com/loykin/camvisr/internal/store"
	"github.com/loykin/camvisr/internal/worker"
)

type env struct {
	h      http.Handler
	srv    *Server
	mgr    *manager.Manager
	store  *store.Store
	layout media.Layout
	base   string
}

func setup(t *testing.T, base string) *env {
	t.Helper()
	gin.SetMode(gin.TestMode)
	ctx := context.Background()
	st, err := store.Open(ctx, "sqlite://"+filepath.Join(t.TempDir(), "camvisr.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	layout := media.Layout{Root: t.TempDir()}
	sp := spawner.Fixed{Layout: layout, Name: "sleep", Args: []string{"60"}}
	mgr := manager.New(sp, resolver.New(st), layout,
		manager.Options{KillTimeout: 2 * time.Second},
		manager.WithLeases(lease.New(time.Minute)))
	t.Cleanup(func() {
		sctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = mgr.Shutdown(sctx)
	})
	srv := New(mgr, st, layout, base, WithMetrics(MetricsHandler()))
	return &env{h: srv.Handler(), srv: srv, mgr: mgr, store: st, layout: layout, base: sanitizeBase(base)}
}

func (e *env) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var rdr io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		rdr = bytes.NewReader(b)
	}
	req := httptest.NewRequest(method, path, rdr)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	e.h.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func (e *env) createCamera(t *testing.T, name string) store.Camera {
	t.Helper()
	rec := e.do(t, http.MethodPost, e.base+"/admin/cameras", map[string]any{"name": name, "rtsp_url": "rtsp://10.0.0.5/" + name})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	return decode[store.Camera](t, rec)
}

func TestCameraCRUD(t *testing.T) {
	e := setup(t, "/api")
	cam := e.createCamera(t, "front")
	assert.NotZero(t, cam.ID)
	assert.True(t, cam.Enabled)
	assert.Equal(t, store.DefaultRetentionDays, cam.RetentionDays)
	require.Len(t, cam.Streams, 1)

	rec := e.do(t, http.MethodPost, "/api/admin/cameras", map[string]any{"name": "front", "rtsp_url": "rtsp://x"})
	assert.Equal(t, http.StatusConflict, rec.Code)
	rec = e.do(t, http.MethodPost, "/api/admin/cameras", map[string]any{"name": "../x", "rtsp_url": "rtsp://x"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = e.do(t, http.MethodPut, fmt.Sprintf("/api/admin/cameras/%d", cam.ID), map[string]any{"retention_days": 2})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	upd := decode[store.Camera](t, rec)
	assert.Equal(t, 2, upd.RetentionDays)
	assert.Equal(t, "front", upd.Name)

	rec = e.do(t, http.MethodGet, "/api/admin/cameras", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[[]store.Camera](t, rec), 1)

	rec = e.do(t, http.MethodGet, "/api/admin/cameras/999", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	rec = e.do(t, http.MethodGet, "/api/admin/cameras/abc", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = e.do(t, http.MethodDelete, fmt.Sprintf("/api/admin/cameras/%d", cam.ID), nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	rec = e.do(t, http.MethodDelete, fmt.Sprintf("/api/admin/cameras/%d", cam.ID), nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	rec = e.do(t, http.MethodGet, fmt.Sprintf("/api/admin/cameras/%d", cam.ID), nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestStreams(t *testing.T) {
	e := setup(t, "/api")
	cam := e.createCamera(t, "front")
	base := fmt.Sprintf("/api/admin/cameras/%d/streams", cam.ID)

	rec := e.do(t, http.MethodPost, base, map[string]any{"name": "sub", "rtsp_url": "rtsp://10.0.0.5/sub", "enabled": true, "width": 640, "height": 360})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	sub := decode[store.Stream](t, rec)
	assert.Equal(t, cam.ID, sub.CameraID)

	rec = e.do(t, http.MethodPut, fmt.Sprintf("%s/%d", base, sub.ID), map[string]any{"name": "sub", "rtsp_url": "rtsp://10.0.0.5/sub2", "enabled": true})
	assert.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = e.do(t, http.MethodPost, "/api/admin/cameras/999/streams", map[string]any{"name": "x", "rtsp_url": "rtsp://x"})
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = e.do(t, http.MethodDelete, fmt.Sprintf("%s/%d", base, sub.ID), nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	rec = e.do(t, http.MethodDelete, fmt.Sprintf("%s/%d", base, sub.ID), nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestStartStopCamera(t *testing.T) {
	e := setup(t, "/api")
	cam := e.createCamera(t, "front")

	rec := e.do(t, http.MethodPost, fmt.Sprintf("/api/admin/cameras/%d/start", cam.ID), nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	started := decode[[]map[string]any](t, rec)
	require.Len(t, started, 2)
	assert.Equal(t, "grid", started[0]["role"])
	assert.Equal(t, "started", started[0]["outcome"])
	assert.Equal(t, "recording", started[1]["role"])

	rec = e.do(t, http.MethodGet, fmt.Sprintf("/api/cameras/%d/status", cam.ID), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	st := decode[manager.CameraStatus](t, rec)
	assert.True(t, st.Roles[worker.RoleGrid].Alive)
	assert.True(t, st.Roles[worker.RoleRecording].Alive)
	assert.False(t, st.Roles[worker.RoleHigh].Alive)

	rec = e.do(t, http.MethodGet, "/api/status", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[[]manager.CameraStatus](t, rec), 1)

	rec = e.do(t, http.MethodPost, fmt.Sprintf("/api/admin/cameras/%d/stop", cam.ID), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	st = e.mgr.Status(cam.ID)
	assert.False(t, st.Roles[worker.RoleGrid].Alive)
	assert.NoDirExists(t, e.layout.CameraLiveDir("front"))

	rec = e.do(t, http.MethodPost, "/api/admin/cameras/999/start", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestStartStopRole(t *testing.T) {
	e := setup(t, "")
	cam := e.createCamera(t, "front")
	path := fmt.Sprintf("/admin/cameras/%d/roles/high", cam.ID)

	rec := e.do(t, http.MethodPost, path+"/start", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "started", decode[map[string]any](t, rec)["outcome"])
	rec = e.do(t, http.MethodPost, path+"/start", nil)
	assert.Equal(t, "already_running", decode[map[string]any](t, rec)["outcome"])

	rec = e.do(t, http.MethodPost, path+"/stop", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.False(t, e.mgr.Status(cam.ID).Roles[worker.RoleHigh].Alive)

	rec = e.do(t, http.MethodPost, fmt.Sprintf("/admin/cameras/%d/roles/ultra/start", cam.ID), nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	// a camera without retention never records
	rec = e.do(t, http.MethodPut, fmt.Sprintf("/admin/cameras/%d", cam.ID), map[string]any{"retention_days": 0})
	require.Equal(t, http.StatusOK, rec.Code)
	rec = e.do(t, http.MethodPost, fmt.Sprintf("/admin/cameras/%d/roles/recording/start", cam.ID), nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestUpdateReconcilesRunningRoles(t *testing.T) {
	e := setup(t, "/api")
	cam := e.createCamera(t, "front")
	rec := e.do(t, http.MethodPost, fmt.Sprintf("/api/admin/cameras/%d/start", cam.ID), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.True(t, e.mgr.Status(cam.ID).Roles[worker.RoleRecording].Alive)

	rec = e.do(t, http.MethodPut, fmt.Sprintf("/api/admin/cameras/%d", cam.ID), map[string]any{"recording": map[string]any{"mode": "disabled"}})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	st := e.mgr.Status(cam.ID)
	assert.False(t, st.Roles[worker.RoleRecording].Alive)
	assert.True(t, st.Roles[worker.RoleGrid].Alive)
}

func TestLeases(t *testing.T) {
	e := setup(t, "/api")
	cam := e.createCamera(t, "front")
	base := fmt.Sprintf("/api/cameras/%d/roles/medium/leases", cam.ID)

	rec := e.do(t, http.MethodPost, base, nil)
	require.Equal(t, http.StatusCreated, rec.Code)
	id, _ := decode[map[string]any](t, rec)["lease"].(string)
	require.NotEmpty(t, id)

	rec = e.do(t, http.MethodPut, base+"/"+id, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	rec = e.do(t, http.MethodPut, base+"/unknown", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	assert.Equal(t, 1, e.mgr.Status(cam.ID).Leases[worker.RoleMedium])
	rec = e.do(t, http.MethodDelete, base+"/"+id, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 0, e.mgr.Status(cam.ID).Leases[worker.RoleMedium])
}

func TestWatchAndMediaGate(t *testing.T) {
	e := setup(t, "/api")
	cam := e.createCamera(t, "front")

	rec := e.do(t, http.MethodPost, fmt.Sprintf("/api/cameras/%d/roles/grid/watch", cam.ID), nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = e.do(t, http.MethodPost, fmt.Sprintf("/api/cameras/%d/roles/medium/watch", cam.ID), nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	body := decode[map[string]any](t, rec)
	leaseID, _ := body["lease"].(string)
	require.NotEmpty(t, leaseID)
	assert.Equal(t, "/media/live/front/medium/index.m3u8?lease="+leaseID, body["playlist"])

	st := e.mgr.Status(cam.ID)
	assert.True(t, st.Roles[worker.RoleMedium].Alive)
	assert.Equal(t, 1, st.Leases[worker.RoleMedium])

	playlist := e.layout.PlaylistPath("front", worker.RoleMedium)
	require.NoError(t, os.WriteFile(playlist, []byte("#EXTM3U\n"), 0o640))

	// the watch lease is renewed in place
	rec = e.do(t, http.MethodGet, "/media/live/front/medium/index.m3u8?lease="+leaseID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "#EXTM3U\n", rec.Body.String())
	assert.Equal(t, "no-cache", rec.Header().Get("Cache-Control"))
	assert.Equal(t, 1, e.mgr.Status(cam.ID).Leases[worker.RoleMedium])

	// a caller without a lease is tracked by client address, once
	e.do(t, http.MethodGet, "/media/live/front/medium/index.m3u8", nil)
	e.do(t, http.MethodGet, "/media/live/front/medium/index.m3u8", nil)
	assert.Equal(t, 2, e.mgr.Status(cam.ID).Leases[worker.RoleMedium])
	assert.Equal(t, 1, e.srv.Gate().Held())

	// grid is always on and never leased
	rec = e.do(t, http.MethodGet, "/media/live/front/grid/index.m3u8", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, 0, e.mgr.Status(cam.ID).Leases[worker.RoleGrid])

	for _, bad := range []string{"/media/live/../etc/passwd", "/media/live/front/recording/x.mp4", "/media/live/front/medium/../../x"} {
		rec = e.do(t, http.MethodGet, bad, nil)
		assert.Equal(t, http.StatusNotFound, rec.Code, bad)
	}
}

func TestMediaGateMissingOutputTakesNoLease(t *testing.T) {
	e := setup(t, "/api")
	cam := e.createCamera(t, "front")

	// high is not running, so there is no playlist to serve
	rec := e.do(t, http.MethodGet, "/media/live/front/high/index.m3u8", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	rec = e.do(t, http.MethodGet, "/media/live/front/high/index.m3u8?lease=abc", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	assert.Equal(t, 0, e.mgr.Status(cam.ID).Leases[worker.RoleHigh])
	assert.Equal(t, 0, e.srv.Gate().Held())
	assert.False(t, e.mgr.Status(cam.ID).Roles[worker.RoleHigh].Alive)
}

func TestMediaGateTouch(t *testing.T) {
	tr := lease.New(time.Minute)
	g := NewMediaGate(tr, nil, media.Layout{}, nil)
	key := worker.Key{Camera: 1, Role: worker.RoleHigh}

	first := g.Touch(key, "10.0.0.9")
	assert.Equal(t, first, g.Touch(key, "10.0.0.9"))
	assert.Equal(t, 1, tr.Count(key))

	tr.Release(key, first)
	second := g.Touch(key, "10.0.0.9")
	assert.NotEqual(t, first, second, "renew miss acquires a fresh lease")
	assert.Equal(t, 1, tr.Count(key))

	tr.Release(key, second)
	assert.Equal(t, 1, g.Prune())
	assert.Equal(t, 0, g.Held())
}

func TestRecordings(t *testing.T) {
	e := setup(t, "/api")
	cam := e.createCamera(t, "front")
	dir := filepath.Join(e.layout.CameraRecordingsDir("front"), "2024-03-10", "10")
	require.NoError(t, os.MkdirAll(dir, 0o750))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "2024-03-10_10-00-00.mp4"), []byte("mp4data"), 0o640))

	rec := e.do(t, http.MethodGet, fmt.Sprintf("/api/cameras/%d/recordings", cam.ID), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []string{"2024-03-10"}, decode[[]string](t, rec))

	rec = e.do(t, http.MethodGet, fmt.Sprintf("/api/cameras/%d/recordings/2024-03-10", cam.ID), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	files := decode[[]RecordingFile](t, rec)
	require.Len(t, files, 1)
	assert.Equal(t, int64(7), files[0].Size)

	rec = e.do(t, http.MethodGet, files[0].URL, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "mp4data", rec.Body.String())

	rec = e.do(t, http.MethodGet, fmt.Sprintf("/api/cameras/%d/recordings/someday", cam.ID), nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	rec = e.do(t, http.MethodGet, fmt.Sprintf("/api/cameras/%d/recording?path=../../x.mp4", cam.ID), nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	rec = e.do(t, http.MethodGet, fmt.Sprintf("/api/cameras/%d/recording?path=2024-03-10/10/missing.mp4", cam.ID), nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestClientCamerasHideRTSP(t *testing.T) {
	e := setup(t, "/api")
	e.createCamera(t, "front")
	rec := e.do(t, http.MethodGet, "/api/cameras", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotContains(t, rec.Body.String(), "rtsp://")
	assert.Contains(t, rec.Body.String(), "/media/live/front/grid/index.m3u8")
}

func TestMetricsEndpoint(t *testing.T) {
	e := setup(t, "/api")
	rec := e.do(t, http.MethodGet, "/metrics", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestSanitizeBase(t *testing.T) {
	assert.Equal(t, "", sanitizeBase("/"))
	assert.Equal(t, "/api", sanitizeBase("api/"))
}
