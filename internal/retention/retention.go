// Package retention deletes recording days that are older than each camera's
// retention window, on a cron schedule.
package retention

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/loykin/camvisr/internal/media"
	"github.com/loykin/camvisr/internal/metrics"
	"github.com/loykin/camvisr/internal/store"
)

const (
	DefaultSchedule = "@daily"
	DefaultDays     = store.DefaultRetentionDays
)

// Config is the [retention] section.
type Config struct {
	DefaultDays int    `mapstructure:"default_days"`
	Schedule    string `mapstructure:"schedule"`
	TimeZone    string `mapstructure:"time_zone"`
}

// CameraLister is the part of the store the sweeper reads.
type CameraLister interface {
	ListCameras(ctx context.Context) ([]store.Camera, error)
}

// Report summarizes one sweep.
type Report struct {
	Removed []string  `json:"removed"`
	RanAt   time.Time `json:"ran_at"`
}

// Sweeper runs the retention sweep.
type Sweeper struct {
	mu          sync.Mutex
	cfg         Config
	cameras     CameraLister
	layout      media.Layout
	log         *slog.Logger
	now         func() time.Time
	loc         *time.Location
	scheduler   *cron.Cron
	schedule    cron.Schedule
	entryID     cron.EntryID
	isScheduled bool
}

var parser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// New validates the schedule and prepares a sweeper. It does not start it.
func New(cfg Config, cameras CameraLister, layout media.Layout, log *slog.Logger) (*Sweeper, error) {
	if cfg.Schedule == "" {
		cfg.Schedule = DefaultSchedule
	}
	if cfg.DefaultDays <= 0 {
		cfg.DefaultDays = DefaultDays
	}
	if log == nil {
		log = slog.Default()
	}
	sched, err := parser.Parse(cfg.Schedule)
	if err != nil {
		return nil, fmt.Errorf("invalid retention schedule %q: %w", cfg.Schedule, err)
	}
	loc := time.Local
	if cfg.TimeZone != "" {
		l, err := time.LoadLocation(cfg.TimeZone)
		if err != nil {
			return nil, fmt.Errorf("invalid retention time zone %q: %w", cfg.TimeZone, err)
		}
		loc = l
	}
	return &Sweeper{
		cfg:       cfg,
		cameras:   cameras,
		layout:    layout,
		log:       log.With("component", "retention"),
		now:       time.Now,
		loc:       loc,
		scheduler: cron.New(cron.WithLocation(loc), cron.WithParser(parser)),
		schedule:  sched,
	}, nil
}

// Start schedules the sweep.
func (s *Sweeper) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.isScheduled {
		return fmt.Errorf("retention sweep is already scheduled")
	}
	id, err := s.scheduler.AddFunc(s.cfg.Schedule, func() {
		if _, err := s.SweepOnce(context.Background()); err != nil {
			s.log.Error("retention sweep failed", "error", err)
		}
	})
	if err != nil {
		return fmt.Errorf("failed to schedule retention sweep: %w", err)
	}
	s.entryID = id
	s.isScheduled = true
	s.scheduler.Start()
	s.log.Info("retention sweep scheduled", "schedule", s.cfg.Schedule, "next", s.Next())
	return nil
}

// Stop unschedules the sweep and waits for a running sweep to finish.
func (s *Sweeper) Stop() {
	s.mu.Lock()
	if !s.isScheduled {
		s.mu.Unlock()
		return
	}
	s.isScheduled = false
	s.mu.Unlock()
	<-s.scheduler.Stop().Done()
}

// Next reports when the sweep runs next.
func (s *Sweeper) Next() time.Time {
	return s.schedule.Next(s.now().In(s.loc))
}

// SweepOnce removes expired date directories of every camera. A camera whose
// retention is zero falls back to the default window.
func (s *Sweeper) SweepOnce(ctx context.Context) (Report, error) {
	now := s.now().In(s.loc)
	rep := Report{RanAt: now}
	cams, err := s.cameras.ListCameras(ctx)
	if err != nil {
		return rep, fmt.Errorf("list cameras: %w", err)
	}
	for _, cam := range cams {
		if err := ctx.Err(); err != nil {
			return rep, err
		}
		days := cam.RetentionDays
		if days <= 0 {
			days = s.cfg.DefaultDays
		}
		removed, err := s.sweepCamera(cam.Name, now.Add(-time.Duration(days)*24*time.Hour))
		if err != nil {
			s.log.Warn("retention sweep of camera failed", "camera", cam.Name, "error", err)
		}
		metrics.AddRetentionRemoved(cam.Name, len(removed))
		rep.Removed = append(rep.Removed, removed...)
	}
	metrics.SetRetentionLastRun(float64(now.Unix()))
	if len(rep.Removed) > 0 {
		s.log.Info("retention sweep removed recordings", "dirs", len(rep.Removed))
	}
	return rep, nil
}

func (s *Sweeper) sweepCamera(camera string, cut time.Time) ([]string, error) {
	base := s.layout.CameraRecordingsDir(camera)
	entries, err := os.ReadDir(base)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })
	var removed []string
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		day, err := time.ParseInLocation(media.DateLayout, e.Name(), s.loc)
		if err != nil {
			continue
		}
		if !day.Before(cut) {
			continue
		}
		dir := filepath.Join(base, e.Name())
		if err := os.RemoveAll(dir); err != nil {
			s.log.Warn("failed to remove recordings", "dir", dir, "error", err)
			continue
		}
		removed = append(removed, dir)
	}
	return removed, nil
}
