package store

import (
	"errors"
	"fmt"
	"time"

	"github.com/loykin/camvisr/internal/worker"
)

// Mode selects how a role picks its source stream.
type Mode string

const (
	ModeAuto     Mode = "auto"     // pick best stream; grid may scale to the grid target
	ModeManual   Mode = "manual"   // use the selected stream, never scaled
	ModeDisabled Mode = "disabled" // role never runs (not allowed for grid)
)

func (m Mode) Valid() bool {
	switch m {
	case ModeAuto, ModeManual, ModeDisabled:
		return true
	}
	return false
}

// RoleConfig is the per-role source selection of a camera.
type RoleConfig struct {
	Mode     Mode   `json:"mode"`
	StreamID *int64 `json:"stream_id,omitempty"`
}

const (
	DefaultGridTargetW   = 640
	DefaultGridTargetH   = 360
	DefaultLowCRF        = 26
	DefaultHighCRF       = 20
	DefaultRetentionDays = 7
)

// Camera is the persisted configuration of one camera.
type Camera struct {
	ID            int64      `json:"id"`
	Name          string     `json:"name"`
	RTSPURL       string     `json:"rtsp_url"`
	Enabled       bool       `json:"enabled"`
	RetentionDays int        `json:"retention_days"`
	Grid          RoleConfig `json:"grid"`
	GridTargetW   int        `json:"grid_target_w"`
	GridTargetH   int        `json:"grid_target_h"`
	Medium        RoleConfig `json:"medium"`
	High          RoleConfig `json:"high"`
	Recording     RoleConfig `json:"recording"`
	LowCRF        int        `json:"low_crf"`
	HighCRF       int        `json:"high_crf"`
	CreatedAt     time.Time  `json:"created_at"`
	Streams       []Stream   `json:"streams"`
}

// Stream is one source URL a camera exposes (main, sub, ...).
type Stream struct {
	ID          int64      `json:"id"`
	CameraID    int64      `json:"camera_id"`
	Name        string     `json:"name"`
	RTSPURL     string     `json:"rtsp_url"`
	Enabled     bool       `json:"enabled"`
	IsMaster    bool       `json:"is_master"`
	Width       int        `json:"width"`
	Height      int        `json:"height"`
	FPS         int        `json:"fps"`
	BitrateKbps int        `json:"bitrate_kbps"`
	ProbedAt    *time.Time `json:"probed_at,omitempty"`
}

// Area is width*height, zero when dimensions are unknown.
func (s Stream) Area() int { return s.Width * s.Height }

// HasDims reports whether the stream's resolution is known.
func (s Stream) HasDims() bool { return s.Width > 0 && s.Height > 0 }

// NewCamera returns a camera with the default role configuration.
func NewCamera(name, rtspURL string) Camera {
	return Camera{
		Name:          name,
		RTSPURL:       rtspURL,
		Enabled:       true,
		RetentionDays: DefaultRetentionDays,
		Grid:          RoleConfig{Mode: ModeAuto},
		GridTargetW:   DefaultGridTargetW,
		GridTargetH:   DefaultGridTargetH,
		Medium:        RoleConfig{Mode: ModeAuto},
		High:          RoleConfig{Mode: ModeAuto},
		Recording:     RoleConfig{Mode: ModeAuto},
		LowCRF:        DefaultLowCRF,
		HighCRF:       DefaultHighCRF,
	}
}

// Role returns the source selection for role.
func (c Camera) Role(role worker.Role) RoleConfig {
	switch role {
	case worker.RoleGrid:
		return c.Grid
	case worker.RoleMedium:
		return c.Medium
	case worker.RoleHigh:
		return c.High
	case worker.RoleRecording:
		return c.Recording
	}
	return RoleConfig{Mode: ModeDisabled}
}

// Stream looks up a stream of this camera by id.
func (c Camera) Stream(id int64) (Stream, bool) {
	for _, s := range c.Streams {
		if s.ID == id {
			return s, true
		}
	}
	return Stream{}, false
}

// Ref returns the identity used by the supervisor.
func (c Camera) Ref() worker.Camera { return worker.Camera{ID: c.ID, Name: c.Name} }

// Validate checks the static constraints of a camera configuration.
func (c Camera) Validate() error {
	if !worker.IsSafeName(c.Name) {
		return fmt.Errorf("invalid camera name %q", c.Name)
	}
	if c.RTSPURL == "" {
		return errors.New("rtsp_url is required")
	}
	if c.RetentionDays < 0 {
		return errors.New("retention_days must not be negative")
	}
	if c.GridTargetW <= 0 || c.GridTargetH <= 0 {
		return errors.New("grid target dimensions must be positive")
	}
	if c.Grid.Mode == ModeDisabled {
		return errors.New("grid role cannot be disabled")
	}
	for _, r := range worker.Roles {
		if m := c.Role(r).Mode; !m.Valid() {
			return fmt.Errorf("invalid %s mode %q", r, m)
		}
	}
	for _, crf := range []int{c.LowCRF, c.HighCRF} {
		if crf < 0 || crf > 51 {
			return fmt.Errorf("crf %d out of range 0..51", crf)
		}
	}
	return nil
}
