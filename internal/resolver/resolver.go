// Package resolver turns stored camera configuration into worker launches.
package resolver

import (
	"context"
	"fmt"
	"sort"

	"github.com/loykin/camvisr/internal/store"
	"github.com/loykin/camvisr/internal/worker"
)

// CameraSource is the slice of the store the resolver reads from.
type CameraSource interface {
	GetCamera(ctx context.Context, id int64) (store.Camera, error)
}

// StoreResolver resolves roles against the camera store. It has no side effects.
type StoreResolver struct {
	cameras CameraSource
}

func New(cameras CameraSource) *StoreResolver {
	return &StoreResolver{cameras: cameras}
}

// Resolve loads the camera and applies Role to it.
func (r *StoreResolver) Resolve(ctx context.Context, cameraID int64, role worker.Role) (worker.Resolution, error) {
	cam, err := r.cameras.GetCamera(ctx, cameraID)
	if err != nil {
		return worker.Resolution{}, fmt.Errorf("resolve %d/%s: %w", cameraID, role, err)
	}
	return Role(cam, role), nil
}

// Role computes the launch for role from a camera's configuration.
//
// grid runs always; in auto mode it picks the stream closest to the grid target
// and scales only when the pick does not match the target exactly. medium
// targets twice the grid size. high and recording take the largest stream.
// recording additionally requires a positive retention. Manual selections are
// never scaled. A disabled camera runs nothing.
func Role(cam store.Camera, role worker.Role) worker.Resolution {
	out := worker.Resolution{Launch: worker.Launch{Camera: cam.Ref(), Role: role, Quality: cam.HighCRF}}
	if role == worker.RoleGrid {
		out.Launch.Quality = cam.LowCRF
	}
	if !cam.Enabled || !role.Valid() {
		return out
	}
	rc := cam.Role(role)
	if role != worker.RoleGrid && rc.Mode == store.ModeDisabled {
		return out
	}
	if role == worker.RoleRecording && cam.RetentionDays <= 0 {
		return out
	}
	out.ShouldRun = true
	if rc.Mode == store.ModeManual && rc.StreamID != nil {
		if st, ok := cam.Stream(*rc.StreamID); ok {
			out.Launch.Source = st.RTSPURL
			return out
		}
	}

	switch role {
	case worker.RoleGrid:
		pick, ok := bestStream(cam.Streams, cam.GridTargetW, cam.GridTargetH)
		if !ok && len(cam.Streams) > 0 {
			pick, ok = cam.Streams[0], true
		}
		if !ok {
			out.Launch.Source = cam.RTSPURL
			out.Launch.ScaleW, out.Launch.ScaleH = cam.GridTargetW, cam.GridTargetH
			return out
		}
		out.Launch.Source = pick.RTSPURL
		if pick.Width != cam.GridTargetW || pick.Height != cam.GridTargetH {
			out.Launch.ScaleW, out.Launch.ScaleH = cam.GridTargetW, cam.GridTargetH
		}
	case worker.RoleMedium:
		pick, ok := bestStream(cam.Streams, cam.GridTargetW*2, cam.GridTargetH*2)
		if !ok && len(cam.Streams) > 0 {
			pick, ok = cam.Streams[0], true
		}
		out.Launch.Source = cam.RTSPURL
		if ok {
			out.Launch.Source = pick.RTSPURL
		}
	default:
		out.Launch.Source = cam.RTSPURL
		if pick, ok := largestStream(cam.Streams); ok {
			out.Launch.Source = pick.RTSPURL
		}
	}
	return out
}

func candidates(streams []store.Stream) []store.Stream {
	var out []store.Stream
	for _, s := range streams {
		if s.Enabled && s.HasDims() {
			out = append(out, s)
		}
	}
	return out
}

// bestStream prefers the stream closest to the target among those covering it
// in both dimensions, so an exact match wins. When none covers the target it
// takes the one with the smallest shortfall. Ties go to the larger area.
func bestStream(streams []store.Stream, targetW, targetH int) (store.Stream, bool) {
	cands := candidates(streams)
	if len(cands) == 0 {
		return store.Stream{}, false
	}
	type scored struct {
		s        store.Stream
		group    int // 0 covers the target, 1 falls short somewhere
		distance int
	}
	ss := make([]scored, 0, len(cands))
	for _, s := range cands {
		over := max(0, s.Width-targetW) + max(0, s.Height-targetH)
		under := max(0, targetW-s.Width) + max(0, targetH-s.Height)
		sc := scored{s: s, distance: over}
		if under > 0 {
			sc.group, sc.distance = 1, under
		}
		ss = append(ss, sc)
	}
	sort.SliceStable(ss, func(i, j int) bool {
		a, b := ss[i], ss[j]
		if a.group != b.group {
			return a.group < b.group
		}
		if a.distance != b.distance {
			return a.distance < b.distance
		}
		return a.s.Area() > b.s.Area()
	})
	return ss[0].s, true
}

func largestStream(streams []store.Stream) (store.Stream, bool) {
	var (
		best  store.Stream
		found bool
	)
	for _, s := range candidates(streams) {
		if !found || s.Area() > best.Area() {
			best, found = s, true
		}
	}
	return best, found
}
