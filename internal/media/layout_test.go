package media

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/camvisr/internal/worker"
)

func TestPaths(t *testing.T) {
	l := Layout{Root: "/media"}
	assert.Equal(t, "/media/live", l.LiveDir())
	assert.Equal(t, "/media/recordings", l.RecordingsDir())
	assert.Equal(t, "/media/live/front/medium", l.RoleDir("front", worker.RoleMedium))
	assert.Equal(t, "/media/live/front/medium/index.m3u8", l.PlaylistPath("front", worker.RoleMedium))
	assert.Equal(t, "/media/live/front/grid/segment_%06d.ts", l.SegmentPattern("front", worker.RoleGrid))
	assert.Equal(t, "/media/live/front/ffmpeg_recording.log", l.LogPath("front", worker.RoleRecording))
	assert.Equal(t, "/media/recordings/front/%Y-%m-%d/%H/%Y-%m-%d_%H-%M-%S.mp4", l.RecordingPattern("front"))

	l.RecordingsRoot = "/nas/rec"
	assert.Equal(t, "/nas/rec/front", l.CameraRecordingsDir("front"))
}

func TestEnsureHourDirsCrossesMidnight(t *testing.T) {
	l := Layout{Root: t.TempDir()}
	now := time.Date(2024, 3, 9, 23, 30, 0, 0, time.Local)
	require.NoError(t, l.EnsureHourDirs("cam", now))

	for _, p := range []string{
		filepath.Join(l.RecordingsDir(), "cam", "2024-03-09", "23"),
		filepath.Join(l.RecordingsDir(), "cam", "2024-03-10", "00"),
	} {
		fi, err := os.Stat(p)
		require.NoError(t, err, p)
		assert.True(t, fi.IsDir())
	}
}

func TestRemoveRoleAndCamera(t *testing.T) {
	l := Layout{Root: t.TempDir()}
	require.NoError(t, l.EnsureRoleDir("cam", worker.RoleMedium))
	require.NoError(t, l.EnsureRoleDir("cam", worker.RoleGrid))
	require.NoError(t, os.WriteFile(l.PlaylistPath("cam", worker.RoleMedium), []byte("#EXTM3U"), 0o600))

	require.NoError(t, l.RemoveRole("cam", worker.RoleMedium))
	_, err := os.Stat(l.RoleDir("cam", worker.RoleMedium))
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(l.RoleDir("cam", worker.RoleGrid))
	assert.NoError(t, err)

	// missing directory is fine
	require.NoError(t, l.RemoveRole("cam", worker.RoleMedium))

	require.NoError(t, l.RemoveCamera("cam"))
	_, err = os.Stat(l.CameraLiveDir("cam"))
	assert.True(t, os.IsNotExist(err))
}

func TestRemoveRejectsUnsafeNames(t *testing.T) {
	root := t.TempDir()
	l := Layout{Root: filepath.Join(root, "m")}
	victim := filepath.Join(root, "keep")
	require.NoError(t, os.MkdirAll(victim, 0o750))
	require.NoError(t, l.RemoveCamera("../../keep"))
	_, err := os.Stat(victim)
	assert.NoError(t, err)
}
