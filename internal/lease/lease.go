// Package lease tracks who is currently watching an on-demand role.
//
// A lease is an opaque id scoped to a worker.Key. Leases are renewed by the
// content server on every media request and expire lazily: every read prunes
// leases older than the TTL first, so no timer is kept per lease.
//
// While a key has no leases it carries an idle-since timestamp, which the idle
// reaper compares against its timeout. Acquiring a lease clears it.
package lease

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/loykin/camvisr/internal/worker"
)

// DefaultTTL is how long a lease survives without a renew.
const DefaultTTL = 30 * time.Second

type Tracker struct {
	mu        sync.Mutex
	ttl       time.Duration
	now       func() time.Time
	leases    map[worker.Key]map[string]time.Time
	idleSince map[worker.Key]time.Time
	lastSeen  map[worker.Key]time.Time
}

// Option customizes a Tracker.
type Option func(*Tracker)

// WithClock replaces time.Now, mainly for tests.
func WithClock(now func() time.Time) Option {
	return func(t *Tracker) {
		if now != nil {
			t.now = now
		}
	}
}

// New returns a Tracker whose leases expire after ttl without a renew.
// A ttl <= 0 disables expiry.
func New(ttl time.Duration, opts ...Option) *Tracker {
	t := &Tracker{
		ttl:       ttl,
		now:       time.Now,
		leases:    make(map[worker.Key]map[string]time.Time),
		idleSince: make(map[worker.Key]time.Time),
		lastSeen:  make(map[worker.Key]time.Time),
	}
	for _, o := range opts {
		o(t)
	}
	return t
}

// TTL returns the configured lease expiry.
func (t *Tracker) TTL() time.Duration { return t.ttl }

// Acquire registers a new watcher for key and returns its lease id.
func (t *Tracker) Acquire(key worker.Key) string {
	id := uuid.NewString()
	t.mu.Lock()
	now := t.now()
	set := t.leases[key]
	if set == nil {
		set = make(map[string]time.Time)
		t.leases[key] = set
	}
	set[id] = now
	t.lastSeen[key] = now
	delete(t.idleSince, key)
	t.mu.Unlock()
	return id
}

// Renew bumps the lease timestamp. It returns false, without touching any
// state, when the lease is unknown or already expired; callers are expected
// to Acquire a fresh lease in that case.
func (t *Tracker) Renew(key worker.Key, id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	set := t.leases[key]
	last, ok := set[id]
	if !ok {
		return false
	}
	now := t.now()
	if t.expired(last, now) {
		return false
	}
	set[id] = now
	t.lastSeen[key] = now
	delete(t.idleSince, key)
	return true
}

// Release drops a lease. Releasing the last lease starts the idle clock.
// Unknown ids are ignored.
func (t *Tracker) Release(key worker.Key, id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	set := t.leases[key]
	if _, ok := set[id]; !ok {
		return
	}
	delete(set, id)
	if len(set) == 0 {
		delete(t.leases, key)
		t.idleSince[key] = t.now()
	}
}

// Count returns the number of live leases for key.
func (t *Tracker) Count(key worker.Key) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.prune(key)
	return len(t.leases[key])
}

// Has reports whether id is a live lease of key.
func (t *Tracker) Has(key worker.Key, id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.prune(key)
	_, ok := t.leases[key][id]
	return ok
}

// IdleFor returns how long key has had no leases, or 0 if it is not idle.
func (t *Tracker) IdleFor(key worker.Key) time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.prune(key)
	since, ok := t.idleSince[key]
	if !ok {
		return 0
	}
	d := t.now().Sub(since)
	if d < 0 {
		return 0
	}
	return d
}

// LastSeen returns the most recent lease or activity timestamp for key.
func (t *Tracker) LastSeen(key worker.Key) (time.Time, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.prune(key)
	ts, ok := t.lastSeen[key]
	return ts, ok
}

// MarkActivity records that the role just became active, e.g. a worker was
// started. With no leases held the idle clock restarts from now, which gives
// the reaper's full timeout as a grace period instead of evicting at once.
func (t *Tracker) MarkActivity(key worker.Key) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.prune(key)
	now := t.now()
	t.lastSeen[key] = now
	if len(t.leases[key]) == 0 {
		t.idleSince[key] = now
	}
}

// Snapshot returns the lease count for every role of camera.
func (t *Tracker) Snapshot(camera int64) map[worker.Role]int {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make(map[worker.Role]int, len(worker.Roles))
	for _, r := range worker.Roles {
		k := worker.Key{Camera: camera, Role: r}
		t.prune(k)
		out[r] = len(t.leases[k])
	}
	return out
}

// Total returns the number of live leases per role across all cameras.
func (t *Tracker) Total() map[worker.Role]int {
	t.mu.Lock()
	defer t.mu.Unlock()
	keys := make([]worker.Key, 0, len(t.leases))
	for k := range t.leases {
		keys = append(keys, k)
	}
	out := make(map[worker.Role]int, len(worker.Roles))
	for _, r := range worker.Roles {
		out[r] = 0
	}
	for _, k := range keys {
		t.prune(k)
		out[k.Role] += len(t.leases[k])
	}
	return out
}

// Forget drops every lease and timestamp held for camera.
func (t *Tracker) Forget(camera int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, r := range worker.Roles {
		k := worker.Key{Camera: camera, Role: r}
		delete(t.leases, k)
		delete(t.idleSince, k)
		delete(t.lastSeen, k)
	}
}

func (t *Tracker) expired(last, now time.Time) bool {
	return t.ttl > 0 && now.Sub(last) > t.ttl
}

// prune must be called with t.mu held.
func (t *Tracker) prune(key worker.Key) {
	set := t.leases[key]
	if len(set) == 0 || t.ttl <= 0 {
		return
	}
	now := t.now()
	var newest time.Time
	for id, last := range set {
		if t.expired(last, now) {
			delete(set, id)
			continue
		}
		if last.After(newest) {
			newest = last
		}
	}
	if len(set) == 0 {
		delete(t.leases, key)
		// idle from now, not from the stale renew time
		t.idleSince[key] = now
		return
	}
	t.lastSeen[key] = newest
}
