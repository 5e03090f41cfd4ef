package server

import (
	"errors"
	"net/http"
	"path"

	"github.com/gin-gonic/gin"

	"github.com/loykin/camvisr/internal/manager"
	"github.com/loykin/camvisr/internal/media"
	"github.com/loykin/camvisr/internal/store"
	"github.com/loykin/camvisr/internal/worker"
)

// StartResponse reports one start attempt.
type StartResponse struct {
	Role    worker.Role     `json:"role"`
	Outcome manager.Outcome `json:"outcome"`
	PID     int             `json:"pid,omitempty"`
	Error   string          `json:"error,omitempty"`
	Lease   string          `json:"lease,omitempty"`
}

func startResponse(role worker.Role, r manager.Result) StartResponse {
	out := StartResponse{Role: role, Outcome: r.Outcome, PID: r.PID}
	if r.Outcome == manager.Failed && r.Err != nil {
		out.Error = r.Err.Error()
	}
	return out
}

func parseRole(c *gin.Context) (worker.Role, bool) {
	r, err := worker.ParseRole(c.Param("role"))
	if err != nil {
		respondError(c, http.StatusBadRequest, "invalid_role", err.Error())
		return "", false
	}
	return r, true
}

func parseKey(c *gin.Context) (int64, worker.Role, bool) {
	id, ok := parseID(c, "id")
	if !ok {
		return 0, "", false
	}
	role, ok := parseRole(c)
	return id, role, ok
}

func (s *Server) handleStartCamera(c *gin.Context) {
	id, ok := parseID(c, "id")
	if !ok {
		return
	}
	if _, err := s.store.GetCamera(c.Request.Context(), id); err != nil {
		s.storeError(c, err)
		return
	}
	results := s.mgr.StartConfigured(c.Request.Context(), id)
	out := make([]StartResponse, 0, len(results))
	for _, r := range worker.Roles {
		if res, ok := results[r]; ok {
			out = append(out, startResponse(r, res))
		}
	}
	writeJSON(c, http.StatusOK, out)
}

func (s *Server) handleStopCamera(c *gin.Context) {
	id, ok := parseID(c, "id")
	if !ok {
		return
	}
	if err := s.mgr.StopCamera(id); err != nil {
		respondError(c, http.StatusInternalServerError, "stop_failed", err.Error())
		return
	}
	writeJSON(c, http.StatusOK, okResp{OK: true})
}

func (s *Server) handleStartRole(c *gin.Context) {
	id, role, ok := parseKey(c)
	if !ok {
		return
	}
	ctx := c.Request.Context()
	cam, err := s.store.GetCamera(ctx, id)
	if err != nil {
		s.storeError(c, err)
		return
	}
	res, err := s.mgr.Resolve(ctx, cam.ID, role)
	if err != nil {
		respondError(c, http.StatusInternalServerError, "resolve_failed", err.Error())
		return
	}
	if !res.ShouldRun {
		respondError(c, http.StatusConflict, "role_disabled", "configuration does not allow "+string(role)+" to run")
		return
	}
	r := s.mgr.StartRole(ctx, res.Launch)
	code := http.StatusOK
	if r.Outcome == manager.Failed {
		code = http.StatusInternalServerError
		if errors.Is(r.Err, manager.ErrShuttingDown) || errors.Is(r.Err, manager.ErrStartCancelled) {
			code = http.StatusServiceUnavailable
		}
	}
	writeJSON(c, code, startResponse(role, r))
}

func (s *Server) handleStopRole(c *gin.Context) {
	id, role, ok := parseKey(c)
	if !ok {
		return
	}
	if err := s.mgr.StopRole(id, role); err != nil {
		respondError(c, http.StatusInternalServerError, "stop_failed", err.Error())
		return
	}
	writeJSON(c, http.StatusOK, okResp{OK: true})
}

func (s *Server) handleStatusAll(c *gin.Context) {
	writeJSON(c, http.StatusOK, s.mgr.StatusAll())
}

func (s *Server) handleStatus(c *gin.Context) {
	id, ok := parseID(c, "id")
	if !ok {
		return
	}
	st := s.mgr.Status(id)
	if st.Camera == "" {
		if cam, err := s.store.GetCamera(c.Request.Context(), id); err == nil {
			st.Camera = cam.Name
		} else if errors.Is(err, store.ErrNotFound) {
			s.storeError(c, err)
			return
		}
	}
	writeJSON(c, http.StatusOK, st)
}

// handleWatch starts an on-demand role and returns a lease plus the playlist
// URL carrying it, so the player's media requests keep the role alive.
func (s *Server) handleWatch(c *gin.Context) {
	id, role, ok := parseKey(c)
	if !ok {
		return
	}
	if !role.OnDemand() {
		respondError(c, http.StatusBadRequest, "invalid_role", string(role)+" is not an on-demand role")
		return
	}
	ctx := c.Request.Context()
	cam, err := s.store.GetCamera(ctx, id)
	if err != nil {
		s.storeError(c, err)
		return
	}
	r, leaseID, err := s.mgr.Watch(ctx, id, role)
	if err != nil {
		code := http.StatusInternalServerError
		switch {
		case errors.Is(err, manager.ErrRoleDisabled):
			code = http.StatusConflict
		case errors.Is(err, manager.ErrShuttingDown), errors.Is(err, manager.ErrStartCancelled):
			code = http.StatusServiceUnavailable
		}
		respondError(c, code, "watch_failed", err.Error())
		return
	}
	resp := startResponse(role, r)
	resp.Lease = leaseID
	writeJSON(c, http.StatusOK, gin.H{
		"start":    resp,
		"lease":    leaseID,
		"playlist": playlistURL(cam.Name, role) + "?lease=" + leaseID,
		"ttl":      s.mgr.Leases().TTL().Seconds(),
	})
}

func (s *Server) handleAcquireLease(c *gin.Context) {
	id, role, ok := parseKey(c)
	if !ok {
		return
	}
	leaseID := s.mgr.AcquireLease(id, role)
	writeJSON(c, http.StatusCreated, gin.H{"lease": leaseID, "ttl": s.mgr.Leases().TTL().Seconds()})
}

func (s *Server) handleRenewLease(c *gin.Context) {
	id, role, ok := parseKey(c)
	if !ok {
		return
	}
	if !s.mgr.RenewLease(id, role, c.Param("lease")) {
		respondError(c, http.StatusNotFound, "lease_not_found", "lease expired or unknown, acquire a new one")
		return
	}
	writeJSON(c, http.StatusOK, okResp{OK: true})
}

func (s *Server) handleReleaseLease(c *gin.Context) {
	id, role, ok := parseKey(c)
	if !ok {
		return
	}
	s.mgr.ReleaseLease(id, role, c.Param("lease"))
	writeJSON(c, http.StatusOK, okResp{OK: true})
}

func playlistURL(camera string, role worker.Role) string {
	return path.Join("/media/live", camera, string(role), media.Playlist)
}

func liveURLs(camera string) map[string]string {
	out := make(map[string]string, len(worker.Roles))
	for _, r := range worker.Roles {
		if r.Live() {
			out[string(r)] = playlistURL(camera, r)
		}
	}
	return out
}
