package manager

import (
	"context"

	"github.com/loykin/camvisr/internal/metrics"
	"github.com/loykin/camvisr/internal/worker"
)

// Reconcile re-resolves every running role of a camera after its
// configuration changed. Roles that should no longer run are stopped, roles
// whose launch changed are restarted, and untouched roles are left alone.
// On-demand roles are only restarted while leased.
func (m *Manager) Reconcile(ctx context.Context, cameraID int64) map[worker.Role]Result {
	m.mu.Lock()
	running := make(map[worker.Role]*entry)
	for _, r := range worker.Roles {
		if e := m.workers[worker.Key{Camera: cameraID, Role: r}]; e != nil {
			running[r] = e
		}
	}
	m.mu.Unlock()

	out := make(map[worker.Role]Result)
	for role, e := range running {
		key := worker.Key{Camera: cameraID, Role: role}
		res, err := m.resolve(ctx, cameraID, role)
		switch {
		case err != nil, !res.ShouldRun, res.Launch.Source == "":
			_ = m.stopRole(key, e, metrics.StopReconfig)
			continue
		case res.Launch == e.launch:
			continue
		}
		_ = m.stopRole(key, e, metrics.StopReconfig)
		if role.OnDemand() && m.leases.Count(key) == 0 {
			continue
		}
		out[role] = m.StartRole(ctx, res.Launch)
	}
	return out
}
