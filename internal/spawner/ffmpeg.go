package spawner

import (
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/loykin/camvisr/internal/env"
	"github.com/loykin/camvisr/internal/logger"
	"github.com/loykin/camvisr/internal/media"
	"github.com/loykin/camvisr/internal/process"
	"github.com/loykin/camvisr/internal/worker"
)

// Config is the [ffmpeg] section.
type Config struct {
	Binary                  string            `mapstructure:"binary"`
	RTSPTransport           string            `mapstructure:"rtsp_transport"`
	HLSSegmentSeconds       int               `mapstructure:"hls_segment_seconds"`
	HLSListSize             int               `mapstructure:"hls_list_size"`
	RecordingSegmentSeconds int               `mapstructure:"recording_segment_seconds"`
	LogLevel                string            `mapstructure:"log_level"`
	Env                     []string          `mapstructure:"env"`
	EnvFiles                []string          `mapstructure:"env_files"`
	Log                     logger.FileConfig `mapstructure:"log"`
}

// DefaultConfig returns the encoder settings the web player is tuned for.
func DefaultConfig() Config {
	return Config{
		Binary:                  "ffmpeg",
		RTSPTransport:           "tcp",
		HLSSegmentSeconds:       2,
		HLSListSize:             12,
		RecordingSegmentSeconds: 300,
		LogLevel:                "warning",
	}
}

const (
	minRecordingCRF = 18
	maxRecordingCRF = 28

	gridMaxRate = "1200k"
	liveMaxRate = "4000k"
)

// FFmpeg spawns HLS and segmented MP4 recording workers.
type FFmpeg struct {
	cfg    Config
	layout media.Layout
	env    *env.Env
	log    *slog.Logger
	now    func() time.Time
}

// NewFFmpeg loads cfg.EnvFiles on top of base and returns a ready spawner.
func NewFFmpeg(cfg Config, layout media.Layout, base *env.Env, log *slog.Logger) (*FFmpeg, error) {
	def := DefaultConfig()
	if cfg.Binary == "" {
		cfg.Binary = def.Binary
	}
	if cfg.RTSPTransport == "" {
		cfg.RTSPTransport = def.RTSPTransport
	}
	if cfg.HLSSegmentSeconds <= 0 {
		cfg.HLSSegmentSeconds = def.HLSSegmentSeconds
	}
	if cfg.HLSListSize <= 0 {
		cfg.HLSListSize = def.HLSListSize
	}
	if cfg.RecordingSegmentSeconds <= 0 {
		cfg.RecordingSegmentSeconds = def.RecordingSegmentSeconds
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = def.LogLevel
	}
	if base == nil {
		base = env.New()
	}
	e := base
	for _, f := range cfg.EnvFiles {
		var err error
		if e, err = e.WithFile(f); err != nil {
			return nil, fmt.Errorf("ffmpeg env file %s: %w", f, err)
		}
	}
	e = e.WithPairs(cfg.Env)
	if log == nil {
		log = slog.Default()
	}
	return &FFmpeg{cfg: cfg, layout: layout, env: e, log: log, now: time.Now}, nil
}

// Spawn prepares directories and the stderr log, then starts ffmpeg.
func (f *FFmpeg) Spawn(ctx context.Context, l worker.Launch) (*process.Process, error) {
	if err := l.Validate(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	cam := l.Camera.Name
	if err := f.layout.EnsureRoleDir(cam, l.Role); err != nil {
		return nil, fmt.Errorf("prepare %s: %w", l.Key(), err)
	}
	if l.Role == worker.RoleRecording {
		if err := f.layout.EnsureHourDirs(cam, f.now()); err != nil {
			return nil, fmt.Errorf("prepare recording dirs for %s: %w", cam, err)
		}
	}
	logPath := f.layout.LogPath(cam, l.Role)
	logw, err := f.cfg.Log.Writer(logPath)
	if err != nil {
		return nil, fmt.Errorf("open ffmpeg log %s: %w", logPath, err)
	}

	args := f.Args(l)
	// #nosec G204 -- binary is configured by the operator; args carry no shell
	cmd := exec.Command(f.cfg.Binary, args...)
	cmd.Env = f.env.Merge(nil)
	cmd.Stderr = logw

	f.log.Debug("ffmpeg command", "key", l.Key().String(), "args", strings.Join(args, " "))
	p, err := process.Start(cmd, logw)
	if err != nil {
		return nil, err
	}
	f.log.Info("ffmpeg started", "camera", cam, "role", l.Role, "pid", p.PID(), "log", logPath)
	return p, nil
}

// Args builds the ffmpeg command line for a launch.
func (f *FFmpeg) Args(l worker.Launch) []string {
	if l.Role == worker.RoleRecording {
		return f.recordingArgs(l)
	}
	return f.hlsArgs(l)
}

func (f *FFmpeg) input(src string) []string {
	args := []string{"-y", "-nostdin", "-hide_banner", "-loglevel", f.cfg.LogLevel}
	if strings.HasPrefix(strings.ToLower(src), "rtsp://") || strings.HasPrefix(strings.ToLower(src), "rtsps://") {
		args = append(args, "-rtsp_transport", f.cfg.RTSPTransport)
	}
	return append(args, "-i", src, "-fflags", "+genpts")
}

func (f *FFmpeg) hlsArgs(l worker.Launch) []string {
	cam := l.Camera.Name
	seg := strconv.Itoa(f.cfg.HLSSegmentSeconds)
	rate := liveMaxRate
	if l.Role == worker.RoleGrid {
		rate = gridMaxRate
	}
	args := f.input(l.Source)
	args = append(args, "-map", "0:v")
	if l.Scaled() {
		args = append(args, "-vf", fmt.Sprintf("scale=%d:%d", l.ScaleW, l.ScaleH))
	}
	args = append(args,
		"-c:v", "libx264", "-preset", "veryfast", "-crf", strconv.Itoa(l.Quality),
		"-g", strconv.Itoa(f.cfg.HLSSegmentSeconds*24), "-sc_threshold", "0",
		"-force_key_frames", "expr:gte(t,n_forced*"+seg+")",
		"-maxrate", rate, "-bufsize", rate,
	)
	if l.Role == worker.RoleGrid {
		args = append(args, "-an")
	} else {
		args = append(args, "-map", "0:a?", "-c:a", "aac", "-ar", "44100", "-ac", "1")
	}
	return append(args,
		"-f", "hls",
		"-hls_time", seg,
		"-hls_list_size", strconv.Itoa(f.cfg.HLSListSize),
		"-hls_allow_cache", "0",
		"-hls_flags", "delete_segments+independent_segments+append_list+temp_file",
		"-hls_segment_filename", f.layout.SegmentPattern(cam, l.Role),
		f.layout.PlaylistPath(cam, l.Role),
	)
}

func (f *FFmpeg) recordingArgs(l worker.Launch) []string {
	args := f.input(l.Source)
	return append(args,
		"-map", "0:v", "-map", "0:a?",
		"-c:v", "libx264", "-preset", "veryfast", "-crf", strconv.Itoa(ClampRecordingCRF(l.Quality)),
		"-c:a", "aac", "-b:a", "128k",
		"-f", "segment",
		"-segment_time", strconv.Itoa(f.cfg.RecordingSegmentSeconds),
		"-reset_timestamps", "1",
		"-strftime", "1",
		f.layout.RecordingPattern(l.Camera.Name),
	)
}

// ClampRecordingCRF keeps recording quality inside the range disk budgets assume.
func ClampRecordingCRF(crf int) int {
	return max(minRecordingCRF, min(maxRecordingCRF, crf))
}
