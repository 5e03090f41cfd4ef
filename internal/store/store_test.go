package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

func newSQLite(t *testing.T) *Store {
	t.Helper()
	s, err := Open(context.Background(), "sqlite://"+filepath.Join(t.TempDir(), "camvisr.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func exerciseStore(t *testing.T, s *Store) {
	t.Helper()
	ctx := context.Background()

	cam := Camera{Name: "front-door", RTSPURL: "rtsp://10.0.0.5/main", Enabled: true, RetentionDays: 3}
	require.NoError(t, s.CreateCamera(ctx, &cam))
	require.NotZero(t, cam.ID)
	require.Len(t, cam.Streams, 1)
	assert.True(t, cam.Streams[0].IsMaster)
	assert.Equal(t, ModeAuto, cam.Grid.Mode)
	assert.Equal(t, DefaultGridTargetW, cam.GridTargetW)
	assert.Equal(t, DefaultLowCRF, cam.LowCRF)

	dup := Camera{Name: "front-door", RTSPURL: "rtsp://x"}
	assert.ErrorIs(t, s.CreateCamera(ctx, &dup), ErrConflict)

	sub := Stream{CameraID: cam.ID, Name: "sub", RTSPURL: "rtsp://10.0.0.5/sub", Enabled: true, Width: 640, Height: 360}
	require.NoError(t, s.AddStream(ctx, &sub))
	require.NotZero(t, sub.ID)

	got, err := s.GetCamera(ctx, cam.ID)
	require.NoError(t, err)
	assert.Equal(t, "front-door", got.Name)
	assert.Equal(t, 3, got.RetentionDays)
	require.Len(t, got.Streams, 2)
	st, ok := got.Stream(sub.ID)
	require.True(t, ok)
	assert.Equal(t, 640*360, st.Area())

	got.Grid = RoleConfig{Mode: ModeManual, StreamID: &sub.ID}
	got.High.Mode = ModeDisabled
	require.NoError(t, s.UpdateCamera(ctx, got))

	byName, err := s.GetCameraByName(ctx, "front-door")
	require.NoError(t, err)
	assert.Equal(t, ModeManual, byName.Grid.Mode)
	require.NotNil(t, byName.Grid.StreamID)
	assert.Equal(t, sub.ID, *byName.Grid.StreamID)
	assert.Equal(t, ModeDisabled, byName.High.Mode)

	probed := time.Now().UTC().Truncate(time.Second)
	sub.Width, sub.Height, sub.ProbedAt = 1280, 720, &probed
	require.NoError(t, s.UpdateStream(ctx, sub))

	// deleting the stream clears the manual selection
	require.NoError(t, s.DeleteStream(ctx, cam.ID, sub.ID))
	got, err = s.GetCamera(ctx, cam.ID)
	require.NoError(t, err)
	assert.Nil(t, got.Grid.StreamID)
	assert.Len(t, got.Streams, 1)
	assert.ErrorIs(t, s.DeleteStream(ctx, cam.ID, sub.ID), ErrNotFound)

	other := Camera{Name: "yard", RTSPURL: "rtsp://10.0.0.6/main"}
	require.NoError(t, s.CreateCamera(ctx, &other))
	list, err := s.ListCameras(ctx)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, cam.ID, list[0].ID)
	assert.Equal(t, other.ID, list[1].ID)

	require.NoError(t, s.DeleteCamera(ctx, cam.ID))
	_, err = s.GetCamera(ctx, cam.ID)
	assert.True(t, errors.Is(err, ErrNotFound))
	require.NoError(t, s.DeleteCamera(ctx, cam.ID))
}

func TestStoreSQLite(t *testing.T) {
	exerciseStore(t, newSQLite(t))
}

func TestCreateCameraValidation(t *testing.T) {
	s := newSQLite(t)
	ctx := context.Background()
	cases := map[string]Camera{
		"bad name":      {Name: "../etc", RTSPURL: "rtsp://x"},
		"no url":        {Name: "cam"},
		"grid disabled": {Name: "cam", RTSPURL: "rtsp://x", Grid: RoleConfig{Mode: ModeDisabled}},
		"bad mode":      {Name: "cam", RTSPURL: "rtsp://x", High: RoleConfig{Mode: "sometimes"}},
		"bad crf":       {Name: "cam", RTSPURL: "rtsp://x", LowCRF: 99},
		"neg retention": {Name: "cam", RTSPURL: "rtsp://x", RetentionDays: -1},
	}
	for name, c := range cases {
		t.Run(name, func(t *testing.T) {
			c := c
			assert.Error(t, s.CreateCamera(ctx, &c))
		})
	}
}

func TestUpdateCameraForeignStream(t *testing.T) {
	s := newSQLite(t)
	ctx := context.Background()
	a := Camera{Name: "a", RTSPURL: "rtsp://a"}
	b := Camera{Name: "b", RTSPURL: "rtsp://b"}
	require.NoError(t, s.CreateCamera(ctx, &a))
	require.NoError(t, s.CreateCamera(ctx, &b))

	a.Medium = RoleConfig{Mode: ModeManual, StreamID: &b.Streams[0].ID}
	assert.Error(t, s.UpdateCamera(ctx, a))

	a.Medium = RoleConfig{Mode: ModeAuto}
	a.Name = "b"
	assert.ErrorIs(t, s.UpdateCamera(ctx, a), ErrConflict)

	ghost := NewCamera("ghost", "rtsp://g")
	ghost.ID = 999
	assert.ErrorIs(t, s.UpdateCamera(ctx, ghost), ErrNotFound)
}

func TestAddStreamUnknownCamera(t *testing.T) {
	s := newSQLite(t)
	st := Stream{CameraID: 42, Name: "sub", RTSPURL: "rtsp://x"}
	assert.ErrorIs(t, s.AddStream(context.Background(), &st), ErrNotFound)
}

func TestOpenRejectsUnknownScheme(t *testing.T) {
	_, err := Open(context.Background(), "mysql://root@localhost/db")
	assert.Error(t, err)
	_, err = Open(context.Background(), " ")
	assert.Error(t, err)
}

func TestRebind(t *testing.T) {
	pg := &Store{dialect: "postgres"}
	assert.Equal(t, "SELECT 1 WHERE a = $1 AND b = $2", pg.rebind("SELECT 1 WHERE a = ? AND b = ?"))
	lite := &Store{dialect: "sqlite"}
	assert.Equal(t, "a = ?", lite.rebind("a = ?"))
}

func TestStorePostgres(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}
	ctx := context.Background()
	pg, err := postgres.Run(ctx, "postgres:16-alpine",
		postgres.WithDatabase("camvisr"),
		postgres.WithUsername("camvisr"),
		postgres.WithPassword("camvisr"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second)),
	)
	if err != nil {
		t.Skipf("postgres container unavailable: %v", err)
	}
	defer func() { _ = pg.Terminate(ctx) }()

	dsn, err := pg.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)
	s, err := Open(ctx, dsn)
	require.NoError(t, err)
	defer func() { _ = s.Close() }()
	assert.Equal(t, "postgres", s.Dialect())
	exerciseStore(t, s)
}
