// Package manager supervises ffmpeg workers: at most one per camera role,
// restarted after a crash while the role should still run, and evicted when an
// on-demand role sits idle.
package manager

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/loykin/camvisr/internal/history"
	"github.com/loykin/camvisr/internal/lease"
	"github.com/loykin/camvisr/internal/media"
	"github.com/loykin/camvisr/internal/metrics"
	"github.com/loykin/camvisr/internal/process"
	"github.com/loykin/camvisr/internal/spawner"
	"github.com/loykin/camvisr/internal/worker"
)

// Resolver reports the current launch configuration of a role. It must be
// free of side effects; the watchdog calls it without holding any lock.
type Resolver interface {
	Resolve(ctx context.Context, cameraID int64, role worker.Role) (worker.Resolution, error)
}

// ResolverFunc adapts a function to Resolver.
type ResolverFunc func(ctx context.Context, cameraID int64, role worker.Role) (worker.Resolution, error)

func (f ResolverFunc) Resolve(ctx context.Context, cameraID int64, role worker.Role) (worker.Resolution, error) {
	return f(ctx, cameraID, role)
}

const (
	DefaultKillTimeout    = 5 * time.Second
	DefaultReaperInterval = 10 * time.Second
	DefaultIdleTimeout    = 120 * time.Second
	DefaultHourInterval   = time.Minute
)

// Options tune the supervisor. Zero durations take the defaults above;
// RestartDelay stays zero unless set.
type Options struct {
	KillTimeout    time.Duration `mapstructure:"kill_timeout"`
	RestartDelay   time.Duration `mapstructure:"restart_delay"`
	ReaperInterval time.Duration `mapstructure:"reaper_interval"`
	IdleTimeout    time.Duration `mapstructure:"idle_timeout"`
	HourInterval   time.Duration `mapstructure:"hour_interval"`
}

func (o Options) withDefaults() Options {
	if o.KillTimeout <= 0 {
		o.KillTimeout = DefaultKillTimeout
	}
	if o.ReaperInterval <= 0 {
		o.ReaperInterval = DefaultReaperInterval
	}
	if o.IdleTimeout <= 0 {
		o.IdleTimeout = DefaultIdleTimeout
	}
	if o.HourInterval <= 0 {
		o.HourInterval = DefaultHourInterval
	}
	if o.RestartDelay < 0 {
		o.RestartDelay = 0
	}
	return o
}

// entry is the registry record of one installed worker.
type entry struct {
	launch    worker.Launch
	proc      *process.Process
	startedAt time.Time
	restarts  int
}

// attempt is the in-flight marker of one start. cancelled is guarded by Manager.mu.
type attempt struct {
	cancelled bool
}

// Manager is the process supervisor. All registry mutation happens under mu;
// spawning, signalling and directory cleanup happen outside it.
type Manager struct {
	mu       sync.Mutex
	workers  map[worker.Key]*entry
	inflight map[worker.Key]*attempt
	names    map[int64]string

	shutting atomic.Bool
	ctx      context.Context
	cancel   context.CancelFunc
	watchers sync.WaitGroup
	loops    sync.WaitGroup
	started  atomic.Bool

	opts     Options
	spawner  spawner.Spawner
	resolver Resolver
	leases   *lease.Tracker
	layout   media.Layout
	history  *history.Dispatcher
	log      *slog.Logger
}

// Option configures optional collaborators of a Manager.
type Option func(*Manager)

func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) {
		if l != nil {
			m.log = l
		}
	}
}

func WithHistory(d *history.Dispatcher) Option {
	return func(m *Manager) { m.history = d }
}

func WithLeases(t *lease.Tracker) Option {
	return func(m *Manager) {
		if t != nil {
			m.leases = t
		}
	}
}

// New builds a supervisor. Background loops start with Run.
func New(sp spawner.Spawner, res Resolver, layout media.Layout, opts Options, options ...Option) *Manager {
	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		workers:  make(map[worker.Key]*entry),
		inflight: make(map[worker.Key]*attempt),
		names:    make(map[int64]string),
		ctx:      ctx,
		cancel:   cancel,
		opts:     opts.withDefaults(),
		spawner:  sp,
		resolver: res,
		layout:   layout,
		log:      slog.Default(),
	}
	for _, o := range options {
		o(m)
	}
	if m.leases == nil {
		m.leases = lease.New(lease.DefaultTTL)
	}
	m.log = m.log.With("component", "supervisor")
	return m
}

// Leases exposes the tracker shared with the media gate.
func (m *Manager) Leases() *lease.Tracker { return m.leases }

// Options returns the effective options.
func (m *Manager) Options() Options { return m.opts }

// StartRole starts the worker for l's role unless one is running or being
// started. Concurrent calls for the same key never produce two live workers.
func (m *Manager) StartRole(ctx context.Context, l worker.Launch) Result {
	return m.start(ctx, l, nil, 0)
}

// start runs the two critical sections. When expect is set the call comes from
// the watchdog and only proceeds if expect is still the registered record.
func (m *Manager) start(ctx context.Context, l worker.Launch, expect *entry, restarts int) Result {
	if err := l.Validate(); err != nil {
		return Result{Outcome: Failed, Err: err}
	}
	key := l.Key()
	role := string(l.Role)
	log := m.log.With("camera", l.Camera.Name, "role", role)

	// first critical section: claim the key
	m.mu.Lock()
	if m.shutting.Load() {
		m.mu.Unlock()
		return Result{Outcome: Failed, Err: ErrShuttingDown}
	}
	if _, busy := m.inflight[key]; busy {
		m.mu.Unlock()
		metrics.IncStartRace(role, metrics.RaceInProgress)
		return Result{Outcome: StartInProgress}
	}
	if cur := m.workers[key]; cur != nil {
		if expect != nil && cur != expect {
			m.mu.Unlock()
			return Result{Outcome: AlreadyRunning, PID: cur.proc.PID(), Err: errSuperseded}
		}
		if cur.proc.Alive() {
			m.mu.Unlock()
			return Result{Outcome: AlreadyRunning, PID: cur.proc.PID()}
		}
		// stale record of an exited worker
		delete(m.workers, key)
		m.updateRunningLocked()
	} else if expect != nil {
		m.mu.Unlock()
		return Result{Outcome: Failed, Err: errSuperseded}
	}
	att := &attempt{}
	m.inflight[key] = att
	m.mu.Unlock()

	// spawn outside the lock
	t0 := time.Now()
	proc, err := m.spawner.Spawn(ctx, l)
	if err != nil {
		m.mu.Lock()
		m.clearInflightLocked(key, att)
		m.mu.Unlock()
		metrics.IncSpawnFailure(role)
		log.Error("spawn failed", "error", err)
		return Result{Outcome: Failed, Err: fmt.Errorf("spawn %s: %w", key, err)}
	}
	metrics.ObserveSpawnDuration(role, time.Since(t0).Seconds())

	// second critical section: install or give way
	m.mu.Lock()
	m.clearInflightLocked(key, att)
	var abort error
	switch {
	case m.shutting.Load():
		abort = ErrShuttingDown
	case att.cancelled:
		abort = ErrStartCancelled
	}
	if abort != nil {
		m.mu.Unlock()
		m.terminate(proc, log)
		metrics.IncStop(role, metrics.StopCancelled)
		log.Info("start aborted, worker terminated", "pid", proc.PID(), "reason", abort)
		return Result{Outcome: Failed, Err: abort}
	}
	if cur := m.workers[key]; cur != nil && cur.proc.Alive() {
		m.mu.Unlock()
		m.terminate(proc, log)
		metrics.IncStartRace(role, metrics.RaceLost)
		metrics.IncStop(role, metrics.StopRaceLoser)
		log.Info("lost start race, worker terminated", "pid", proc.PID(), "winner", cur.proc.PID())
		return Result{Outcome: AlreadyRunning, PID: cur.proc.PID()}
	}
	e := &entry{launch: l, proc: proc, startedAt: time.Now(), restarts: restarts}
	m.workers[key] = e
	m.names[l.Camera.ID] = l.Camera.Name
	m.leases.MarkActivity(key)
	m.updateRunningLocked()
	m.watchers.Add(1)
	go m.watch(e)
	m.mu.Unlock()

	metrics.IncStart(role)
	m.emit(history.EventStart, e, "")
	log.Info("worker started", "pid", proc.PID(), "source_scaled", l.Scaled(), "quality", l.Quality)
	return Result{Outcome: Started, PID: proc.PID()}
}

func (m *Manager) clearInflightLocked(key worker.Key, att *attempt) {
	if m.inflight[key] == att {
		delete(m.inflight, key)
	}
}

// terminate stops a process that never made it into the registry.
func (m *Manager) terminate(p *process.Process, log *slog.Logger) {
	if err := p.Stop(m.opts.KillTimeout); err != nil {
		log.Error("failed to terminate worker", "pid", p.PID(), "error", err)
	}
}

// StopRole removes and stops the role's worker, then removes its live output.
// It is a no-op apart from cleanup when nothing runs. The returned error only
// reports a worker that survived the forced kill; the registry is updated
// regardless.
func (m *Manager) StopRole(cameraID int64, role worker.Role) error {
	return m.stopRole(worker.Key{Camera: cameraID, Role: role}, nil, metrics.StopRequested)
}

func (m *Manager) stopRole(key worker.Key, expect *entry, reason string) error {
	m.mu.Lock()
	e := m.workers[key]
	if expect != nil && e != expect {
		m.mu.Unlock()
		return nil
	}
	if e != nil {
		delete(m.workers, key)
		m.updateRunningLocked()
	}
	if att := m.inflight[key]; att != nil {
		att.cancelled = true
	}
	name := m.names[key.Camera]
	m.mu.Unlock()

	var err error
	if e != nil {
		err = m.stopEntry(e, reason)
		name = e.launch.Camera.Name
	}
	if name == "" {
		name = m.lookupName(key.Camera)
	}
	if name != "" && key.Role.Live() {
		if rmErr := m.layout.RemoveRole(name, key.Role); rmErr != nil {
			m.log.Debug("role cleanup failed", "camera", name, "role", string(key.Role), "error", rmErr)
		}
	}
	return err
}

func (m *Manager) stopEntry(e *entry, reason string) error {
	role := string(e.launch.Role)
	err := e.proc.Stop(m.opts.KillTimeout)
	metrics.IncStop(role, reason)
	m.emit(history.EventStop, e, reason)
	log := m.log.With("camera", e.launch.Camera.Name, "role", role, "pid", e.proc.PID())
	if err != nil {
		log.Error("worker did not exit after kill", "error", err)
		return fmt.Errorf("stop %s: %w", e.launch.Key(), err)
	}
	log.Info("worker stopped", "reason", reason)
	return nil
}

// StopCamera removes every role of a camera in one registry operation, stops
// the workers in parallel and removes the camera's live tree.
func (m *Manager) StopCamera(cameraID int64) error {
	return m.stopCamera(cameraID, metrics.StopRequested)
}

func (m *Manager) stopCamera(cameraID int64, reason string) error {
	m.mu.Lock()
	var victims []*entry
	for key, e := range m.workers {
		if key.Camera == cameraID {
			victims = append(victims, e)
			delete(m.workers, key)
		}
	}
	for key, att := range m.inflight {
		if key.Camera == cameraID {
			att.cancelled = true
		}
	}
	if len(victims) > 0 {
		m.updateRunningLocked()
	}
	name := m.names[cameraID]
	m.mu.Unlock()

	var g errgroup.Group
	errs := make([]error, len(victims))
	for i, e := range victims {
		i, e := i, e
		name = e.launch.Camera.Name
		g.Go(func() error {
			errs[i] = m.stopEntry(e, reason)
			return nil
		})
	}
	_ = g.Wait()
	if name == "" {
		name = m.lookupName(cameraID)
	}
	if name != "" {
		if err := m.layout.RemoveCamera(name); err != nil {
			m.log.Debug("camera cleanup failed", "camera", name, "error", err)
		}
	}
	return errors.Join(errs...)
}

// ForgetCamera stops the camera and drops its leases and name, for cameras
// deleted from configuration.
func (m *Manager) ForgetCamera(cameraID int64) error {
	err := m.StopCamera(cameraID)
	m.leases.Forget(cameraID)
	m.mu.Lock()
	delete(m.names, cameraID)
	m.mu.Unlock()
	return err
}

// Shutdown stops restarts and the background loops, then stops every camera.
// It waits for watchdogs until ctx is done.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	if m.shutting.Load() {
		m.mu.Unlock()
		return nil
	}
	m.shutting.Store(true)
	cams := make(map[int64]struct{})
	for key := range m.workers {
		cams[key.Camera] = struct{}{}
	}
	for key, att := range m.inflight {
		att.cancelled = true
		cams[key.Camera] = struct{}{}
	}
	m.mu.Unlock()
	m.cancel()
	m.log.Info("shutting down", "cameras", len(cams))

	var g errgroup.Group
	var mu sync.Mutex
	var errs []error
	for cam := range cams {
		cam := cam
		g.Go(func() error {
			if err := m.stopCamera(cam, metrics.StopShutdown); err != nil {
				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()

	done := make(chan struct{})
	go func() {
		m.loops.Wait()
		m.watchers.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		errs = append(errs, ctx.Err())
	}
	return errors.Join(errs...)
}

// ShuttingDown reports whether Shutdown was called.
func (m *Manager) ShuttingDown() bool { return m.shutting.Load() }

// RoleStatus describes one role of a camera.
type RoleStatus struct {
	Alive     bool      `json:"alive"`
	PID       int       `json:"pid,omitempty"`
	StartedAt time.Time `json:"started_at,omitempty"`
	Restarts  int       `json:"restarts"`
	Leases    int       `json:"leases"`
	Source    string    `json:"-"`
}

// CameraStatus is a point-in-time view of one camera.
type CameraStatus struct {
	CameraID int64                      `json:"camera_id"`
	Camera   string                     `json:"camera,omitempty"`
	Roles    map[worker.Role]RoleStatus `json:"roles"`
	Leases   map[worker.Role]int        `json:"leases"`
}

// Status reports per-role liveness and lease counts of a camera.
func (m *Manager) Status(cameraID int64) CameraStatus {
	m.mu.Lock()
	found := make(map[worker.Role]*entry, len(worker.Roles))
	for _, r := range worker.Roles {
		if e := m.workers[worker.Key{Camera: cameraID, Role: r}]; e != nil {
			found[r] = e
		}
	}
	name := m.names[cameraID]
	m.mu.Unlock()

	leases := m.leases.Snapshot(cameraID)
	st := CameraStatus{CameraID: cameraID, Camera: name, Roles: make(map[worker.Role]RoleStatus, len(worker.Roles)), Leases: leases}
	for _, r := range worker.Roles {
		rs := RoleStatus{Leases: leases[r]}
		if e := found[r]; e != nil {
			rs.Alive = e.proc.Alive()
			rs.PID = e.proc.PID()
			rs.StartedAt = e.startedAt
			rs.Restarts = e.restarts
			rs.Source = e.launch.Source
		}
		st.Roles[r] = rs
	}
	return st
}

// StatusAll reports every camera that has a worker, ordered by id.
func (m *Manager) StatusAll() []CameraStatus {
	m.mu.Lock()
	seen := make(map[int64]struct{})
	for key := range m.workers {
		seen[key.Camera] = struct{}{}
	}
	m.mu.Unlock()
	ids := make([]int64, 0, len(seen))
	for id := range seen {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	out := make([]CameraStatus, 0, len(ids))
	for _, id := range ids {
		out = append(out, m.Status(id))
	}
	return out
}

// Workers lists live workers for resource sampling.
func (m *Manager) Workers() []metrics.Worker {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]metrics.Worker, 0, len(m.workers))
	for _, e := range m.workers {
		out = append(out, metrics.Worker{
			Camera: e.launch.Camera.Name,
			Role:   string(e.launch.Role),
			PID:    int32(e.proc.PID()),
		})
	}
	return out
}

func (m *Manager) AcquireLease(cameraID int64, role worker.Role) string {
	return m.leases.Acquire(worker.Key{Camera: cameraID, Role: role})
}

func (m *Manager) RenewLease(cameraID int64, role worker.Role, id string) bool {
	return m.leases.Renew(worker.Key{Camera: cameraID, Role: role}, id)
}

func (m *Manager) ReleaseLease(cameraID int64, role worker.Role, id string) {
	m.leases.Release(worker.Key{Camera: cameraID, Role: role}, id)
}

// StartConfigured starts the roles configuration keeps running (grid and
// recording) for a camera. Roles that should not run are left out of the result.
func (m *Manager) StartConfigured(ctx context.Context, cameraID int64) map[worker.Role]Result {
	out := make(map[worker.Role]Result)
	for _, r := range []worker.Role{worker.RoleGrid, worker.RoleRecording} {
		res, err := m.resolve(ctx, cameraID, r)
		if err != nil {
			out[r] = Result{Outcome: Failed, Err: err}
			continue
		}
		if !res.ShouldRun {
			continue
		}
		out[r] = m.StartRole(ctx, res.Launch)
	}
	return out
}

// Watch starts an on-demand role for a viewer and hands out a lease for it.
// The lease is taken before the start so a crash right after install is
// restarted. On failure the lease is released again.
func (m *Manager) Watch(ctx context.Context, cameraID int64, role worker.Role) (Result, string, error) {
	if !role.OnDemand() {
		return Result{}, "", fmt.Errorf("role %s is not on-demand", role)
	}
	res, err := m.resolve(ctx, cameraID, role)
	if err != nil {
		return Result{}, "", err
	}
	if !res.ShouldRun {
		return Result{}, "", fmt.Errorf("%s of camera %d: %w", role, cameraID, ErrRoleDisabled)
	}
	id := m.AcquireLease(cameraID, role)
	r := m.StartRole(ctx, res.Launch)
	if r.Outcome == Failed {
		m.ReleaseLease(cameraID, role, id)
		return r, "", r.Err
	}
	return r, id, nil
}

// lookupName finds the directory name of a camera that never ran in this
// process, so cleanup still works after a restart of the daemon.
func (m *Manager) lookupName(cameraID int64) string {
	if m.resolver == nil || m.shutting.Load() {
		return ""
	}
	res, err := m.resolver.Resolve(m.ctx, cameraID, worker.RoleGrid)
	if err != nil {
		return ""
	}
	return res.Launch.Camera.Name
}

// Resolve asks the configured resolver for a role's launch.
func (m *Manager) Resolve(ctx context.Context, cameraID int64, role worker.Role) (worker.Resolution, error) {
	return m.resolve(ctx, cameraID, role)
}

func (m *Manager) resolve(ctx context.Context, cameraID int64, role worker.Role) (worker.Resolution, error) {
	if m.resolver == nil {
		return worker.Resolution{}, errors.New("no resolver configured")
	}
	return m.resolver.Resolve(ctx, cameraID, role)
}

func (m *Manager) updateRunningLocked() {
	counts := make(map[worker.Role]int, len(worker.Roles))
	for key := range m.workers {
		counts[key.Role]++
	}
	for _, r := range worker.Roles {
		metrics.SetRunning(string(r), counts[r])
	}
}

func (m *Manager) emit(t history.EventType, e *entry, reason string) {
	if m.history == nil {
		return
	}
	st := e.proc.Snapshot()
	rec := history.Record{
		CameraID:   e.launch.Camera.ID,
		CameraName: e.launch.Camera.Name,
		Role:       string(e.launch.Role),
		PID:        e.proc.PID(),
		StartedAt:  e.startedAt.UTC(),
		ExitCode:   st.ExitCode,
		ExitErr:    st.ExitErr,
		Reason:     reason,
	}
	if !st.StoppedAt.IsZero() {
		t := st.StoppedAt.UTC()
		rec.StoppedAt = &t
	}
	m.history.Emit(history.Event{Type: t, OccurredAt: time.Now().UTC(), Record: rec})
}
