// Package config loads the daemon's TOML configuration with viper. Every key
// can be overridden from the environment as CAMVISR_<SECTION>_<KEY>, e.g.
// CAMVISR_STORE_DSN or CAMVISR_SUPERVISOR_IDLE_TIMEOUT.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/loykin/camvisr/internal/lease"
	"github.com/loykin/camvisr/internal/logger"
	"github.com/loykin/camvisr/internal/manager"
	"github.com/loykin/camvisr/internal/media"
	"github.com/loykin/camvisr/internal/metrics"
	"github.com/loykin/camvisr/internal/retention"
	"github.com/loykin/camvisr/internal/spawner"
	itls "github.com/loykin/camvisr/internal/tls"
)

const EnvPrefix = "CAMVISR"

type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Media      media.Layout     `mapstructure:"media"`
	Store      StoreConfig      `mapstructure:"store"`
	FFmpeg     spawner.Config   `mapstructure:"ffmpeg"`
	Supervisor SupervisorConfig `mapstructure:"supervisor"`
	Retention  retention.Config `mapstructure:"retention"`
	Log        logger.Config    `mapstructure:"log"`
	Metrics    MetricsConfig    `mapstructure:"metrics"`
	History    HistoryConfig    `mapstructure:"history"`
}

type ServerConfig struct {
	Listen   string      `mapstructure:"listen"`
	BasePath string      `mapstructure:"base_path"`
	TLS      itls.Config `mapstructure:"tls"`
}

type StoreConfig struct {
	DSN string `mapstructure:"dsn"`
}

// SupervisorConfig carries the manager timings plus the lease expiry.
type SupervisorConfig struct {
	manager.Options `mapstructure:",squash"`
	LeaseTTL        time.Duration `mapstructure:"lease_ttl"`
}

// MetricsConfig enables /metrics. An empty Listen serves it on the API listener.
type MetricsConfig struct {
	Enabled   bool                   `mapstructure:"enabled"`
	Listen    string                 `mapstructure:"listen"`
	Resources metrics.ResourceConfig `mapstructure:",squash"`
}

// HistoryConfig lists lifecycle event sinks by DSN (sqlite://, postgres://,
// clickhouse://, opensearch://).
type HistoryConfig struct {
	Sinks  []string `mapstructure:"sinks"`
	Buffer int      `mapstructure:"buffer"`
}

func setDefaults(v *viper.Viper) {
	layout := media.DefaultLayout()
	ff := spawner.DefaultConfig()

	v.SetDefault("server.listen", "127.0.0.1:8080")
	v.SetDefault("server.base_path", "/api")
	v.SetDefault("server.tls.enabled", false)
	v.SetDefault("server.tls.cert_file", "")
	v.SetDefault("server.tls.key_file", "")
	v.SetDefault("server.tls.dir", "")
	v.SetDefault("server.tls.auto_generate", false)
	v.SetDefault("server.tls.min_version", "1.2")

	v.SetDefault("media.root", layout.Root)
	v.SetDefault("media.live_subdir", layout.LiveSubdir)
	v.SetDefault("media.recordings_subdir", layout.RecordingsSubdir)
	v.SetDefault("media.recordings_root", "")

	v.SetDefault("store.dsn", "sqlite://camvisr.db")

	v.SetDefault("ffmpeg.binary", ff.Binary)
	v.SetDefault("ffmpeg.rtsp_transport", ff.RTSPTransport)
	v.SetDefault("ffmpeg.hls_segment_seconds", ff.HLSSegmentSeconds)
	v.SetDefault("ffmpeg.hls_list_size", ff.HLSListSize)
	v.SetDefault("ffmpeg.recording_segment_seconds", ff.RecordingSegmentSeconds)
	v.SetDefault("ffmpeg.log_level", ff.LogLevel)
	v.SetDefault("ffmpeg.env", []string{})
	v.SetDefault("ffmpeg.env_files", []string{})
	v.SetDefault("ffmpeg.log.max_size_mb", logger.DefaultMaxSizeMB)
	v.SetDefault("ffmpeg.log.max_backups", logger.DefaultMaxBackups)
	v.SetDefault("ffmpeg.log.max_age_days", logger.DefaultMaxAgeDays)

	v.SetDefault("supervisor.kill_timeout", manager.DefaultKillTimeout)
	v.SetDefault("supervisor.restart_delay", time.Second)
	v.SetDefault("supervisor.reaper_interval", manager.DefaultReaperInterval)
	v.SetDefault("supervisor.idle_timeout", manager.DefaultIdleTimeout)
	v.SetDefault("supervisor.hour_interval", manager.DefaultHourInterval)
	v.SetDefault("supervisor.lease_ttl", lease.DefaultTTL)

	v.SetDefault("retention.default_days", retention.DefaultDays)
	v.SetDefault("retention.schedule", retention.DefaultSchedule)
	v.SetDefault("retention.time_zone", "")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
	v.SetDefault("log.color", false)
	v.SetDefault("log.file.path", "")

	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.listen", "")
	v.SetDefault("metrics.worker_resources", true)
	v.SetDefault("metrics.interval", 5*time.Second)

	v.SetDefault("history.sinks", []string{})
	v.SetDefault("history.buffer", 256)
}

func newViper() *viper.Viper {
	v := viper.New()
	v.SetConfigType("toml")
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)
	return v
}

// Default returns the configuration used when no file is given.
func Default() Config {
	v := viper.New()
	setDefaults(v)
	c, _ := decode(v)
	return c
}

// Load reads path (optional) and applies environment overrides.
func Load(path string) (Config, error) {
	v := newViper()
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
	}
	c, err := decode(v)
	if err != nil {
		return Config{}, err
	}
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

func decode(v *viper.Viper) (Config, error) {
	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	c.Server.BasePath = sanitizeBase(c.Server.BasePath)
	return c, nil
}

func (c Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.Server.Listen) == "" {
		errs = append(errs, errors.New("server.listen is required"))
	}
	if strings.TrimSpace(c.Store.DSN) == "" {
		errs = append(errs, errors.New("store.dsn is required"))
	}
	if strings.TrimSpace(c.Media.Root) == "" && c.Media.RecordingsRoot == "" {
		errs = append(errs, errors.New("media.root is required"))
	}
	if c.Supervisor.IdleTimeout < 0 || c.Supervisor.ReaperInterval < 0 || c.Supervisor.KillTimeout < 0 {
		errs = append(errs, errors.New("supervisor durations must not be negative"))
	}
	if c.Supervisor.LeaseTTL < 0 {
		errs = append(errs, errors.New("supervisor.lease_ttl must not be negative"))
	}
	if c.Retention.DefaultDays < 0 {
		errs = append(errs, errors.New("retention.default_days must not be negative"))
	}
	if c.History.Buffer < 0 {
		errs = append(errs, errors.New("history.buffer must not be negative"))
	}
	return errors.Join(errs...)
}

func sanitizeBase(bp string) string {
	bp = strings.TrimSpace(bp)
	if bp == "" || bp == "/" {
		return ""
	}
	if !strings.HasPrefix(bp, "/") {
		bp = "/" + bp
	}
	return strings.TrimRight(bp, "/")
}
