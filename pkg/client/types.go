package client

import "time"

// RoleConfig selects a role's source stream.
type RoleConfig struct {
	Mode     string `json:"mode,omitempty"`
	StreamID *int64 `json:"stream_id,omitempty"`
}

// Camera is the admin view of a camera.
type Camera struct {
	ID            int64      `json:"id,omitempty"`
	Name          string     `json:"name"`
	RTSPURL       string     `json:"rtsp_url"`
	Enabled       bool       `json:"enabled"`
	RetentionDays int        `json:"retention_days"`
	Grid          RoleConfig `json:"grid"`
	GridTargetW   int        `json:"grid_target_w,omitempty"`
	GridTargetH   int        `json:"grid_target_h,omitempty"`
	Medium        RoleConfig `json:"medium"`
	High          RoleConfig `json:"high"`
	Recording     RoleConfig `json:"recording"`
	LowCRF        int        `json:"low_crf,omitempty"`
	HighCRF       int        `json:"high_crf,omitempty"`
	Streams       []Stream   `json:"streams,omitempty"`
}

type Stream struct {
	ID          int64  `json:"id,omitempty"`
	CameraID    int64  `json:"camera_id,omitempty"`
	Name        string `json:"name"`
	RTSPURL     string `json:"rtsp_url"`
	Enabled     bool   `json:"enabled"`
	IsMaster    bool   `json:"is_master"`
	Width       int    `json:"width,omitempty"`
	Height      int    `json:"height,omitempty"`
	FPS         int    `json:"fps,omitempty"`
	BitrateKbps int    `json:"bitrate_kbps,omitempty"`
}

// StartResult is the outcome of one role start: started, already_running,
// start_in_progress or failed.
type StartResult struct {
	Role    string `json:"role"`
	Outcome string `json:"outcome"`
	PID     int    `json:"pid,omitempty"`
	Error   string `json:"error,omitempty"`
	Lease   string `json:"lease,omitempty"`
}

type RoleStatus struct {
	Alive     bool      `json:"alive"`
	PID       int       `json:"pid,omitempty"`
	StartedAt time.Time `json:"started_at,omitempty"`
	Restarts  int       `json:"restarts"`
	Leases    int       `json:"leases"`
}

type CameraStatus struct {
	CameraID int64                 `json:"camera_id"`
	Camera   string                `json:"camera,omitempty"`
	Roles    map[string]RoleStatus `json:"roles"`
	Leases   map[string]int        `json:"leases"`
}

// Lease is returned by Acquire.
type Lease struct {
	ID  string  `json:"lease"`
	TTL float64 `json:"ttl"`
}

// Watch is returned by Watch: the start result, a lease and the playlist URL
// that renews it.
type Watch struct {
	Start    StartResult `json:"start"`
	Lease    string      `json:"lease"`
	Playlist string      `json:"playlist"`
	TTL      float64     `json:"ttl"`
}

type Recording struct {
	Camera string    `json:"camera"`
	Path   string    `json:"path"`
	Start  time.Time `json:"start"`
	Size   int64     `json:"size"`
	URL    string    `json:"url"`
}

// ErrorResponse represents an API error response
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}
