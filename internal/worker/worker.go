package worker

import (
	"fmt"
	"strings"
)

// Role names one output of a camera. Each role is served by at most one
// ffmpeg worker at a time.
type Role string

const (
	RoleGrid      Role = "grid"
	RoleMedium    Role = "medium"
	RoleHigh      Role = "high"
	RoleRecording Role = "recording"
)

// Roles lists every known role in a stable order.
var Roles = []Role{RoleGrid, RoleMedium, RoleHigh, RoleRecording}

// OnDemandRoles are the roles that only run while somebody holds a lease.
var OnDemandRoles = []Role{RoleMedium, RoleHigh}

// ParseRole validates s and returns the matching Role.
func ParseRole(s string) (Role, error) {
	r := Role(strings.ToLower(strings.TrimSpace(s)))
	if r.Valid() {
		return r, nil
	}
	return "", fmt.Errorf("unknown role %q", s)
}

func (r Role) Valid() bool {
	switch r {
	case RoleGrid, RoleMedium, RoleHigh, RoleRecording:
		return true
	}
	return false
}

// OnDemand reports whether the role is governed by leases rather than by configuration.
func (r Role) OnDemand() bool { return r == RoleMedium || r == RoleHigh }

// Live reports whether the role produces an HLS stream under the live directory.
func (r Role) Live() bool { return r != RoleRecording }

func (r Role) String() string { return string(r) }

// Key identifies one role of one camera.
type Key struct {
	Camera int64
	Role   Role
}

func (k Key) String() string { return fmt.Sprintf("%d/%s", k.Camera, k.Role) }

// Camera is the identity the supervisor needs to place output on disk.
type Camera struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
}

// Launch is the resolved configuration a worker was (or will be) started with.
// It is kept with the running worker so a crash restart can compare against it.
type Launch struct {
	Camera  Camera `json:"camera"`
	Role    Role   `json:"role"`
	Source  string `json:"source"`
	Quality int    `json:"quality"`
	ScaleW  int    `json:"scale_w,omitempty"`
	ScaleH  int    `json:"scale_h,omitempty"`
}

func (l Launch) Key() Key { return Key{Camera: l.Camera.ID, Role: l.Role} }

// Scaled reports whether both scale dimensions are set.
func (l Launch) Scaled() bool { return l.ScaleW > 0 && l.ScaleH > 0 }

// Validate checks the fields every spawner depends on.
func (l Launch) Validate() error {
	if l.Camera.ID <= 0 {
		return fmt.Errorf("launch: camera id required")
	}
	if !IsSafeName(l.Camera.Name) {
		return fmt.Errorf("launch: invalid camera name %q", l.Camera.Name)
	}
	if !l.Role.Valid() {
		return fmt.Errorf("launch: invalid role %q", l.Role)
	}
	if strings.TrimSpace(l.Source) == "" {
		return fmt.Errorf("launch: source required for %s", l.Key())
	}
	return nil
}

// IsSafeName allows [A-Za-z0-9._-] and rejects "..", so a camera name can be
// used as a single path element.
func IsSafeName(s string) bool {
	if s == "" || s == "." || s == ".." || strings.Contains(s, "..") {
		return false
	}
	for _, r := range s {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') || r == '.' || r == '_' || r == '-' {
			continue
		}
		return false
	}
	return true
}

// Resolution is what configuration says about one role right now: the launch
// parameters and whether the role should be running at all.
type Resolution struct {
	Launch    Launch `json:"launch"`
	ShouldRun bool   `json:"should_run"`
}
