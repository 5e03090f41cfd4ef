package manager

import (
	"time"

	"github.com/loykin/camvisr/internal/metrics"
	"github.com/loykin/camvisr/internal/worker"
)

// Run starts the idle reaper and the recording hour keeper. They stop on
// Shutdown. Calling Run more than once has no effect.
func (m *Manager) Run() {
	if !m.started.CompareAndSwap(false, true) || m.shutting.Load() {
		return
	}
	m.loops.Add(2)
	go m.loop(m.opts.ReaperInterval, func() {
		m.ReapOnce()
		m.publishLeases()
	})
	go m.loop(m.opts.HourInterval, func() { m.EnsureHourDirs(time.Now()) })
}

func (m *Manager) loop(every time.Duration, fn func()) {
	defer m.loops.Done()
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-m.ctx.Done():
			return
		case <-t.C:
			fn()
		}
	}
}

// ReapOnce stops on-demand workers that are alive, hold no lease and have been
// idle longer than the idle timeout. grid and recording are never touched.
// It returns the keys it stopped.
func (m *Manager) ReapOnce() []worker.Key {
	type candidate struct {
		key worker.Key
		e   *entry
	}
	m.mu.Lock()
	var cands []candidate
	for key, e := range m.workers {
		if key.Role.OnDemand() {
			cands = append(cands, candidate{key, e})
		}
	}
	m.mu.Unlock()

	var reaped []worker.Key
	for _, c := range cands {
		if !c.e.proc.Alive() {
			continue
		}
		if m.leases.Count(c.key) > 0 {
			continue
		}
		idle := m.leases.IdleFor(c.key)
		if idle <= m.opts.IdleTimeout {
			continue
		}
		m.log.Info("reaping idle worker", "camera", c.e.launch.Camera.Name, "role", string(c.key.Role), "idle", idle.Round(time.Second))
		_ = m.stopRole(c.key, c.e, metrics.StopReaped)
		reaped = append(reaped, c.key)
	}
	return reaped
}

func (m *Manager) publishLeases() {
	total := m.leases.Total()
	for _, r := range worker.OnDemandRoles {
		metrics.SetLeases(string(r), total[r])
	}
}

// EnsureHourDirs creates the current and next hour directories for every
// running recording worker, so segments rolling over midnight or the hour
// always have a destination.
func (m *Manager) EnsureHourDirs(now time.Time) {
	m.mu.Lock()
	var names []string
	for key, e := range m.workers {
		if key.Role == worker.RoleRecording {
			names = append(names, e.launch.Camera.Name)
		}
	}
	m.mu.Unlock()
	for _, n := range names {
		if err := m.layout.EnsureHourDirs(n, now); err != nil {
			m.log.Warn("failed to prepare recording directories", "camera", n, "error", err)
		}
	}
}
