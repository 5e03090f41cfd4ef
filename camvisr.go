// Package camvisr embeds the camera worker supervisor. A Daemon wires the
// camera store, the ffmpeg spawner, the process manager, retention, metrics
// and the HTTP API from one Config.
package camvisr

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	cfg "github.com/loykin/camvisr/internal/config"
	"github.com/loykin/camvisr/internal/env"
	"github.com/loykin/camvisr/internal/history"
	"github.com/loykin/camvisr/internal/history/factory"
	"github.com/loykin/camvisr/internal/lease"
	"github.com/loykin/camvisr/internal/logger"
	"github.com/loykin/camvisr/internal/manager"
	"github.com/loykin/camvisr/internal/metrics"
	"github.com/loykin/camvisr/internal/resolver"
	"github.com/loykin/camvisr/internal/retention"
	"github.com/loykin/camvisr/internal/server"
	"github.com/loykin/camvisr/internal/spawner"
	"github.com/loykin/camvisr/internal/store"
	itls "github.com/loykin/camvisr/internal/tls"
	"github.com/loykin/camvisr/internal/worker"
)

// Re-export core types for external consumers.

type Config = cfg.Config

type Role = worker.Role

type Launch = worker.Launch

type Outcome = manager.Outcome

type Result = manager.Result

type CameraStatus = manager.CameraStatus

type Spawner = spawner.Spawner

const (
	RoleGrid      = worker.RoleGrid
	RoleMedium    = worker.RoleMedium
	RoleHigh      = worker.RoleHigh
	RoleRecording = worker.RoleRecording
)

// LoadConfig reads a TOML file (or only defaults and the environment when path
// is empty).
func LoadConfig(path string) (Config, error) { return cfg.Load(path) }

// DefaultConfig returns the built-in configuration.
func DefaultConfig() Config { return cfg.Default() }

// Daemon owns every long-lived component of a running supervisor.
type Daemon struct {
	cfg       Config
	log       *slog.Logger
	logCloser io.Closer

	store     *store.Store
	history   *history.Dispatcher
	mgr       *manager.Manager
	sweeper   *retention.Sweeper
	resources *metrics.ResourceCollector
	api       *server.Server

	spawner  spawner.Spawner
	registry prometheus.Registerer
}

type Option func(*Daemon)

// WithLogger replaces the logger built from the [log] section.
func WithLogger(l *slog.Logger) Option {
	return func(d *Daemon) {
		if l != nil {
			d.log = l
		}
	}
}

// WithSpawner replaces the ffmpeg spawner, mainly for tests.
func WithSpawner(sp Spawner) Option {
	return func(d *Daemon) { d.spawner = sp }
}

// WithRegisterer registers metrics on r instead of the default registry.
func WithRegisterer(r prometheus.Registerer) Option {
	return func(d *Daemon) { d.registry = r }
}

// New opens the store and builds all components. Nothing runs until Run.
func New(ctx context.Context, c Config, opts ...Option) (_ *Daemon, err error) {
	if err := c.Validate(); err != nil {
		return nil, err
	}
	d := &Daemon{cfg: c, registry: prometheus.DefaultRegisterer}
	for _, o := range opts {
		o(d)
	}
	if d.log == nil {
		l, closer, err := logger.New(c.Log)
		if err != nil {
			return nil, fmt.Errorf("logger: %w", err)
		}
		d.log, d.logCloser = l, closer
	}
	defer func() {
		if err != nil {
			_ = d.closeResources()
		}
	}()

	if d.store, err = store.Open(ctx, c.Store.DSN); err != nil {
		return nil, fmt.Errorf("store: %w", err)
	}
	if d.spawner == nil {
		if d.spawner, err = spawner.NewFFmpeg(c.FFmpeg, c.Media, env.New(), d.log.With("component", "ffmpeg")); err != nil {
			return nil, err
		}
	}

	sinks, err := factory.NewSinks(c.History.Sinks)
	if err != nil {
		return nil, fmt.Errorf("history: %w", err)
	}
	d.history = history.NewDispatcher(d.log.With("component", "history"), c.History.Buffer, sinks...)

	d.mgr = manager.New(d.spawner, resolver.New(d.store), c.Media, c.Supervisor.Options,
		manager.WithLogger(d.log.With("component", "manager")),
		manager.WithHistory(d.history),
		manager.WithLeases(lease.New(c.Supervisor.LeaseTTL)))

	if d.sweeper, err = retention.New(c.Retention, d.store, c.Media, d.log.With("component", "retention")); err != nil {
		return nil, err
	}

	var srvOpts []server.Option
	srvOpts = append(srvOpts, server.WithLogger(d.log.With("component", "api")))
	if c.Metrics.Enabled {
		if err = metrics.Register(d.registry); err != nil {
			return nil, fmt.Errorf("metrics: %w", err)
		}
		if c.Metrics.Resources.Enabled {
			d.resources = metrics.NewResourceCollector(c.Metrics.Resources, d.log.With("component", "resources"))
			if err = d.resources.Register(d.registry); err != nil {
				return nil, fmt.Errorf("metrics: %w", err)
			}
		}
		if c.Metrics.Listen == "" {
			srvOpts = append(srvOpts, server.WithMetrics(d.metricsHandler()))
		}
	}
	d.api = server.New(d.mgr, d.store, c.Media, c.Server.BasePath, srvOpts...)
	return d, nil
}

// Manager exposes the process supervisor.
func (d *Daemon) Manager() *manager.Manager { return d.mgr }

// Store exposes the camera store.
func (d *Daemon) Store() *store.Store { return d.store }

// Sweeper exposes the retention sweeper.
func (d *Daemon) Sweeper() *retention.Sweeper { return d.sweeper }

// Handler is the API and media handler served on the main listener.
func (d *Daemon) Handler() http.Handler { return d.api.Handler() }

// Boot starts the background loops and the configured roles of every enabled
// camera. It returns how many roles ended up running.
func (d *Daemon) Boot(ctx context.Context) (int, error) {
	d.mgr.Run()
	if err := d.sweeper.Start(); err != nil {
		return 0, err
	}
	if d.resources != nil {
		d.resources.Start(ctx, d.mgr.Workers)
	}
	cams, err := d.store.ListCameras(ctx)
	if err != nil {
		return 0, fmt.Errorf("list cameras: %w", err)
	}
	running := 0
	for _, cam := range cams {
		if !cam.Enabled {
			continue
		}
		for role, res := range d.mgr.StartConfigured(ctx, cam.ID) {
			if res.OK() {
				running++
				continue
			}
			d.log.Warn("boot start failed", "camera", cam.Name, "role", role, "error", res.Err)
		}
	}
	d.log.Info("supervisor booted", "cameras", len(cams), "running", running)
	return running, nil
}

// Run boots the supervisor and serves HTTP until ctx is done. The daemon is
// closed when Run returns.
func (d *Daemon) Run(ctx context.Context) (err error) {
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		err = errors.Join(err, d.Close(sctx))
	}()
	tlsCfg, err := itls.Setup(d.cfg.Server.TLS)
	if err != nil {
		return err
	}
	if _, err := d.Boot(ctx); err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		d.api.Gate().Run(gctx, time.Minute)
		return nil
	})
	g.Go(func() error {
		srv := server.NewHTTPServer(d.cfg.Server.Listen, d.Handler(), tlsCfg)
		d.log.Info("api listening", "addr", d.cfg.Server.Listen, "base_path", d.cfg.Server.BasePath, "tls", tlsCfg != nil)
		return server.Serve(gctx, srv)
	})
	if d.cfg.Metrics.Enabled && d.cfg.Metrics.Listen != "" {
		g.Go(func() error {
			mux := http.NewServeMux()
			mux.Handle("/metrics", server.MetricsHandler())
			d.log.Info("metrics listening", "addr", d.cfg.Metrics.Listen)
			return server.Serve(gctx, server.NewHTTPServer(d.cfg.Metrics.Listen, mux, nil))
		})
	}
	return g.Wait()
}

func (d *Daemon) metricsHandler() http.Handler {
	if g, ok := d.registry.(prometheus.Gatherer); ok && d.registry != prometheus.DefaultRegisterer {
		return metrics.HandlerFor(g)
	}
	return server.MetricsHandler()
}

// Close stops every worker and releases the store, sinks and log file.
func (d *Daemon) Close(ctx context.Context) error {
	var errs []error
	if d.mgr != nil {
		if err := d.mgr.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("shutdown workers: %w", err))
		}
	}
	errs = append(errs, d.closeResources())
	return errors.Join(errs...)
}

func (d *Daemon) closeResources() error {
	var errs []error
	if d.sweeper != nil {
		d.sweeper.Stop()
	}
	if d.resources != nil {
		d.resources.Stop()
	}
	if d.history != nil {
		errs = append(errs, d.history.Close())
	}
	if d.store != nil {
		errs = append(errs, d.store.Close())
	}
	if d.logCloser != nil {
		errs = append(errs, d.logCloser.Close())
	}
	return errors.Join(errs...)
}
