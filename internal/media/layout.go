// Package media knows where workers write their output.
//
//	<root>/<live>/<camera>/<role>/index.m3u8          HLS playlist per live role
//	<root>/<live>/<camera>/ffmpeg_<role>.log          ffmpeg stderr
//	<recordings>/<camera>/YYYY-MM-DD/HH/YYYY-MM-DD_HH-MM-SS.mp4
package media

import (
	"errors"
	"os"
	"path/filepath"
	"time"

	"github.com/loykin/camvisr/internal/worker"
)

const (
	DateLayout     = "2006-01-02"
	HourLayout     = "15"
	FileTimeLayout = "2006-01-02_15-04-05"

	Playlist        = "index.m3u8"
	SegmentTemplate = "segment_%06d.ts"
)

// Layout resolves output paths. RecordingsRoot overrides <Root>/<RecordingsSubdir>.
type Layout struct {
	Root             string `mapstructure:"root"`
	LiveSubdir       string `mapstructure:"live_subdir"`
	RecordingsSubdir string `mapstructure:"recordings_subdir"`
	RecordingsRoot   string `mapstructure:"recordings_root"`
}

// DefaultLayout mirrors the container layout: /media/live and /media/recordings.
func DefaultLayout() Layout {
	return Layout{Root: "/media", LiveSubdir: "live", RecordingsSubdir: "recordings"}
}

func (l Layout) LiveDir() string {
	return filepath.Join(l.Root, orDefault(l.LiveSubdir, "live"))
}

func (l Layout) RecordingsDir() string {
	if l.RecordingsRoot != "" {
		return l.RecordingsRoot
	}
	return filepath.Join(l.Root, orDefault(l.RecordingsSubdir, "recordings"))
}

// CameraLiveDir is removed as a whole when a camera is stopped.
func (l Layout) CameraLiveDir(camera string) string {
	return filepath.Join(l.LiveDir(), camera)
}

// RoleDir is the private output directory of one live role.
func (l Layout) RoleDir(camera string, role worker.Role) string {
	return filepath.Join(l.CameraLiveDir(camera), string(role))
}

func (l Layout) PlaylistPath(camera string, role worker.Role) string {
	return filepath.Join(l.RoleDir(camera, role), Playlist)
}

func (l Layout) SegmentPattern(camera string, role worker.Role) string {
	return filepath.Join(l.RoleDir(camera, role), SegmentTemplate)
}

// LogPath is the ffmpeg stderr log for a role. It lives beside the role
// directories so a role restart keeps the previous run's log.
func (l Layout) LogPath(camera string, role worker.Role) string {
	return filepath.Join(l.CameraLiveDir(camera), "ffmpeg_"+string(role)+".log")
}

func (l Layout) CameraRecordingsDir(camera string) string {
	return filepath.Join(l.RecordingsDir(), camera)
}

// RecordingPattern is the strftime output pattern for ffmpeg's segment muxer.
func (l Layout) RecordingPattern(camera string) string {
	return filepath.Join(l.CameraRecordingsDir(camera), "%Y-%m-%d", "%H", "%Y-%m-%d_%H-%M-%S.mp4")
}

func (l Layout) DateDir(camera string, t time.Time) string {
	return filepath.Join(l.CameraRecordingsDir(camera), t.Format(DateLayout))
}

func (l Layout) HourDir(camera string, t time.Time) string {
	return filepath.Join(l.DateDir(camera, t), t.Format(HourLayout))
}

// EnsureHourDirs creates the hour directory for now and for the following
// hour, so a segment rolled over at midnight has a place to land.
func (l Layout) EnsureHourDirs(camera string, now time.Time) error {
	for _, t := range []time.Time{now, now.Add(time.Hour)} {
		if err := os.MkdirAll(l.HourDir(camera, t), 0o750); err != nil {
			return err
		}
	}
	return nil
}

// EnsureRoleDir creates the live output and log directories for a role.
func (l Layout) EnsureRoleDir(camera string, role worker.Role) error {
	if role.Live() {
		return os.MkdirAll(l.RoleDir(camera, role), 0o750)
	}
	return os.MkdirAll(l.CameraLiveDir(camera), 0o750)
}

// RemoveRole deletes the role's live output. A missing directory is not an error.
func (l Layout) RemoveRole(camera string, role worker.Role) error {
	if !worker.IsSafeName(camera) || !role.Live() {
		return nil
	}
	return removeAll(l.RoleDir(camera, role))
}

// RemoveCamera deletes the camera's whole live tree, logs included.
func (l Layout) RemoveCamera(camera string) error {
	if !worker.IsSafeName(camera) {
		return nil
	}
	return removeAll(l.CameraLiveDir(camera))
}

func removeAll(dir string) error {
	err := os.RemoveAll(dir)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return err
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}
