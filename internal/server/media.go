package server

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/loykin/camvisr/internal/lease"
	"github.com/loykin/camvisr/internal/media"
	"github.com/loykin/camvisr/internal/store"
	"github.com/loykin/camvisr/internal/worker"
)

// CameraLookup finds a camera by its directory name.
type CameraLookup interface {
	GetCameraByName(ctx context.Context, name string) (store.Camera, error)
}

// MediaGate serves live HLS output and keeps on-demand roles leased while
// they are being fetched. Each caller is identified by the lease query
// parameter, or by its client IP when none is given, and holds one remembered
// lease per role: a renew miss falls back to acquiring a fresh lease.
type MediaGate struct {
	leases  *lease.Tracker
	cameras CameraLookup
	layout  media.Layout
	log     *slog.Logger

	mu     sync.Mutex
	held   map[holderKey]string
	ids    map[string]int64 // camera name -> id
	lastID time.Time
}

type holderKey struct {
	key    worker.Key
	holder string
}

func NewMediaGate(leases *lease.Tracker, cameras CameraLookup, layout media.Layout, log *slog.Logger) *MediaGate {
	if log == nil {
		log = slog.Default()
	}
	return &MediaGate{
		leases:  leases,
		cameras: cameras,
		layout:  layout,
		log:     log,
		held:    make(map[holderKey]string),
		ids:     make(map[string]int64),
	}
}

// Handle serves /media/live/<camera>/<role>/<file>.
func (g *MediaGate) Handle(c *gin.Context) {
	rel := strings.TrimPrefix(c.Param("path"), "/")
	parts := strings.Split(rel, "/")
	if len(parts) != 3 || !worker.IsSafeName(parts[0]) || !worker.IsSafeName(parts[2]) {
		c.Status(http.StatusNotFound)
		return
	}
	role, err := worker.ParseRole(parts[1])
	if err != nil || !role.Live() {
		c.Status(http.StatusNotFound)
		return
	}
	file := filepath.Join(g.layout.RoleDir(parts[0], role), parts[2])

	if _, err := os.Stat(file); err != nil {
		c.Status(http.StatusNotFound)
		return
	}
	// only fetches of real output count as viewing
	if role.OnDemand() {
		if id, ok := g.cameraID(c.Request.Context(), parts[0]); ok {
			holder := c.Query("lease")
			if holder == "" {
				holder = c.ClientIP()
			}
			g.Touch(worker.Key{Camera: id, Role: role}, holder)
		}
	}
	if strings.HasSuffix(file, ".m3u8") {
		c.Header("Cache-Control", "no-cache")
		c.Header("Content-Type", "application/vnd.apple.mpegurl")
	}
	c.File(file)
}

// Touch renews the lease held by holder on key, acquiring one when the holder
// has none or its lease expired. A holder that is itself a live lease id is
// renewed directly. It returns the lease id now held.
func (g *MediaGate) Touch(key worker.Key, holder string) string {
	if g.leases.Renew(key, holder) {
		return holder
	}
	hk := holderKey{key: key, holder: holder}
	g.mu.Lock()
	defer g.mu.Unlock()
	if id, ok := g.held[hk]; ok && g.leases.Renew(key, id) {
		return id
	}
	id := g.leases.Acquire(key)
	g.held[hk] = id
	return id
}

// Prune forgets remembered leases that no longer exist in the tracker.
func (g *MediaGate) Prune() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	n := 0
	for hk, id := range g.held {
		if !g.leases.Has(hk.key, id) {
			delete(g.held, hk)
			n++
		}
	}
	return n
}

// Held reports how many holder leases are remembered.
func (g *MediaGate) Held() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.held)
}

// cameraID caches name lookups; the cache is dropped every minute so renamed
// or deleted cameras are noticed.
func (g *MediaGate) cameraID(ctx context.Context, name string) (int64, bool) {
	g.mu.Lock()
	if time.Since(g.lastID) > time.Minute {
		g.ids = make(map[string]int64)
		g.lastID = time.Now()
	}
	id, ok := g.ids[name]
	g.mu.Unlock()
	if ok {
		return id, true
	}
	cam, err := g.cameras.GetCameraByName(ctx, name)
	if err != nil {
		g.log.Debug("media request for unknown camera", "camera", name, "error", err)
		return 0, false
	}
	g.mu.Lock()
	g.ids[name] = cam.ID
	g.mu.Unlock()
	return cam.ID, true
}

// Run prunes remembered leases every interval until ctx is done.
func (g *MediaGate) Run(ctx context.Context, every time.Duration) {
	if every <= 0 {
		every = time.Minute
	}
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if n := g.Prune(); n > 0 {
				g.log.Debug("pruned media leases", "count", n)
			}
		}
	}
}
