package manager

import (
	"errors"
	"time"

	"github.com/loykin/camvisr/internal/history"
	"github.com/loykin/camvisr/internal/metrics"
	"github.com/loykin/camvisr/internal/process"
	"github.com/loykin/camvisr/internal/worker"
)

// watch blocks until e's process exits. An exit of a worker that is still
// registered is unplanned: the role is re-resolved and either restarted
// through the regular start path or retired.
func (m *Manager) watch(e *entry) {
	defer m.watchers.Done()
	<-e.proc.Done()

	key := e.launch.Key()
	m.mu.Lock()
	current := m.workers[key] == e
	m.mu.Unlock()
	if !current {
		// removed by a stop; nothing to decide
		return
	}

	role := string(e.launch.Role)
	code, sig := process.ExitStatus(e.proc.ExitErr())
	status := metrics.ExitClean
	switch {
	case sig != "":
		status = metrics.ExitSignal
	case code != 0:
		status = metrics.ExitError
	}
	metrics.IncExit(role, status)
	m.emit(history.EventExit, e, status)
	log := m.log.With("camera", e.launch.Camera.Name, "role", role, "pid", e.proc.PID())
	log.Warn("worker exited", "exit_code", code, "signal", sig, "uptime", e.proc.Uptime().Round(time.Millisecond))

	if d := m.opts.RestartDelay; d > 0 {
		t := time.NewTimer(d)
		select {
		case <-t.C:
		case <-m.ctx.Done():
			t.Stop()
		}
	}

	launch, reason := m.restartDecision(e)
	if reason != "" {
		m.retire(e, reason)
		return
	}
	res := m.start(m.ctx, launch, e, e.restarts+1)
	switch {
	case res.Outcome == Started:
		metrics.IncRestart(role)
		log.Info("worker restarted", "new_pid", res.PID, "restarts", e.restarts+1)
		m.mu.Lock()
		ne := m.workers[key]
		m.mu.Unlock()
		if ne != nil {
			m.emit(history.EventRestart, ne, "")
		}
	case errors.Is(res.Err, errSuperseded):
		log.Debug("restart skipped, role changed meanwhile")
	case res.Outcome == Failed:
		log.Error("restart failed", "error", res.Err)
		// a stop or shutdown that cancelled the restart cleans up itself
		if !errors.Is(res.Err, ErrShuttingDown) && !errors.Is(res.Err, ErrStartCancelled) {
			m.retire(e, reasonRestartFailed)
		}
	}
}

const reasonRestartFailed = "restart_failed"

// restartDecision returns the fresh launch, or a non-empty reason to keep the
// role down. A resolver error keeps the role down.
func (m *Manager) restartDecision(e *entry) (worker.Launch, string) {
	if m.shutting.Load() {
		return worker.Launch{}, "shutdown"
	}
	key := e.launch.Key()
	res, err := m.resolve(m.ctx, key.Camera, key.Role)
	if err != nil {
		m.log.Warn("resolve failed after exit, not restarting", "camera", e.launch.Camera.Name, "role", string(key.Role), "error", err)
		return worker.Launch{}, "resolve_error"
	}
	if !res.ShouldRun {
		return worker.Launch{}, "should_not_run"
	}
	if res.Launch.Source == "" {
		return worker.Launch{}, "no_source"
	}
	if key.Role.OnDemand() && m.leases.Count(key) == 0 {
		return worker.Launch{}, "no_leases"
	}
	l := res.Launch
	l.Role = key.Role
	if l.Camera.ID == 0 {
		l.Camera = e.launch.Camera
	}
	return l, ""
}

// retire drops the record if it still points at the exited worker. A failed
// restart has usually dropped it already in its first critical section, so an
// empty slot is accepted for that reason only.
func (m *Manager) retire(e *entry, reason string) {
	key := e.launch.Key()
	m.mu.Lock()
	switch cur := m.workers[key]; {
	case cur == e:
		delete(m.workers, key)
		m.updateRunningLocked()
	case cur == nil && reason == reasonRestartFailed:
	default:
		m.mu.Unlock()
		return
	}
	_, starting := m.inflight[key]
	m.mu.Unlock()

	metrics.IncStop(string(key.Role), metrics.StopRetired)
	m.emit(history.EventRetire, e, reason)
	m.log.Info("worker retired", "camera", e.launch.Camera.Name, "role", string(key.Role), "reason", reason)
	if key.Role.Live() && !starting {
		_ = m.layout.RemoveRole(e.launch.Camera.Name, key.Role)
	}
}
