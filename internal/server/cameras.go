package server

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/loykin/camvisr/internal/store"
)

func parseID(c *gin.Context, param string) (int64, bool) {
	id, err := strconv.ParseInt(c.Param(param), 10, 64)
	if err != nil || id <= 0 {
		respondError(c, http.StatusBadRequest, "invalid_id", param+" must be a positive integer")
		return 0, false
	}
	return id, true
}

// storeError maps store sentinels to status codes; anything else is a
// validation failure when it happens before the database is touched.
func (s *Server) storeError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		respondError(c, http.StatusNotFound, "not_found", err.Error())
	case errors.Is(err, store.ErrConflict):
		respondError(c, http.StatusConflict, "conflict", err.Error())
	default:
		respondError(c, http.StatusBadRequest, "invalid_request", err.Error())
	}
}

func (s *Server) handleListCameras(c *gin.Context) {
	cams, err := s.store.ListCameras(c.Request.Context())
	if err != nil {
		s.log.Error("list cameras failed", "error", err)
		respondError(c, http.StatusInternalServerError, "store_error", err.Error())
		return
	}
	writeJSON(c, http.StatusOK, cams)
}

func (s *Server) handleCreateCamera(c *gin.Context) {
	cam := store.NewCamera("", "")
	if err := c.ShouldBindJSON(&cam); err != nil {
		respondError(c, http.StatusBadRequest, "invalid_request", "invalid JSON: "+err.Error())
		return
	}
	cam.ID = 0
	cam.Streams = nil
	if err := s.store.CreateCamera(c.Request.Context(), &cam); err != nil {
		s.storeError(c, err)
		return
	}
	s.log.Info("camera created", "camera", cam.Name, "id", cam.ID)
	writeJSON(c, http.StatusCreated, cam)
}

func (s *Server) handleGetCamera(c *gin.Context) {
	id, ok := parseID(c, "id")
	if !ok {
		return
	}
	cam, err := s.store.GetCamera(c.Request.Context(), id)
	if err != nil {
		s.storeError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, cam)
}

// handleUpdateCamera applies the body on top of the stored camera, so absent
// fields keep their values. Running roles are reconciled afterwards.
func (s *Server) handleUpdateCamera(c *gin.Context) {
	id, ok := parseID(c, "id")
	if !ok {
		return
	}
	ctx := c.Request.Context()
	cam, err := s.store.GetCamera(ctx, id)
	if err != nil {
		s.storeError(c, err)
		return
	}
	oldName := cam.Name
	if err := c.ShouldBindJSON(&cam); err != nil {
		respondError(c, http.StatusBadRequest, "invalid_request", "invalid JSON: "+err.Error())
		return
	}
	cam.ID = id
	if err := s.store.UpdateCamera(ctx, cam); err != nil {
		s.storeError(c, err)
		return
	}
	if cam.Name != oldName {
		// output lives under the name, so a rename restarts from scratch
		if err := s.mgr.ForgetCamera(id); err != nil {
			s.log.Warn("stop after rename failed", "camera", oldName, "error", err)
		}
	} else {
		s.mgr.Reconcile(ctx, id)
	}
	updated, err := s.store.GetCamera(ctx, id)
	if err != nil {
		s.storeError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, updated)
}

func (s *Server) handleDeleteCamera(c *gin.Context) {
	id, ok := parseID(c, "id")
	if !ok {
		return
	}
	if _, err := s.store.GetCamera(c.Request.Context(), id); err != nil {
		s.storeError(c, err)
		return
	}
	if err := s.mgr.ForgetCamera(id); err != nil {
		s.log.Warn("stop before delete failed", "id", id, "error", err)
	}
	if err := s.store.DeleteCamera(c.Request.Context(), id); err != nil {
		respondError(c, http.StatusInternalServerError, "store_error", err.Error())
		return
	}
	writeJSON(c, http.StatusOK, okResp{OK: true})
}

func (s *Server) handleAddStream(c *gin.Context) {
	id, ok := parseID(c, "id")
	if !ok {
		return
	}
	var st store.Stream
	if err := c.ShouldBindJSON(&st); err != nil {
		respondError(c, http.StatusBadRequest, "invalid_request", "invalid JSON: "+err.Error())
		return
	}
	st.ID, st.CameraID = 0, id
	if err := s.store.AddStream(c.Request.Context(), &st); err != nil {
		s.storeError(c, err)
		return
	}
	s.mgr.Reconcile(c.Request.Context(), id)
	writeJSON(c, http.StatusCreated, st)
}

func (s *Server) handleUpdateStream(c *gin.Context) {
	id, ok := parseID(c, "id")
	if !ok {
		return
	}
	sid, ok := parseID(c, "sid")
	if !ok {
		return
	}
	var st store.Stream
	if err := c.ShouldBindJSON(&st); err != nil {
		respondError(c, http.StatusBadRequest, "invalid_request", "invalid JSON: "+err.Error())
		return
	}
	st.ID, st.CameraID = sid, id
	if err := s.store.UpdateStream(c.Request.Context(), st); err != nil {
		s.storeError(c, err)
		return
	}
	s.mgr.Reconcile(c.Request.Context(), id)
	writeJSON(c, http.StatusOK, st)
}

func (s *Server) handleDeleteStream(c *gin.Context) {
	id, ok := parseID(c, "id")
	if !ok {
		return
	}
	sid, ok := parseID(c, "sid")
	if !ok {
		return
	}
	if err := s.store.DeleteStream(c.Request.Context(), id, sid); err != nil {
		s.storeError(c, err)
		return
	}
	s.mgr.Reconcile(c.Request.Context(), id)
	writeJSON(c, http.StatusOK, okResp{OK: true})
}

// ClientCamera is what viewers see: no RTSP credentials, only playlist URLs.
type ClientCamera struct {
	ID      int64             `json:"id"`
	Name    string            `json:"name"`
	Enabled bool              `json:"enabled"`
	Live    map[string]string `json:"live"`
}

func (s *Server) handleClientCameras(c *gin.Context) {
	cams, err := s.store.ListCameras(c.Request.Context())
	if err != nil {
		respondError(c, http.StatusInternalServerError, "store_error", err.Error())
		return
	}
	out := make([]ClientCamera, 0, len(cams))
	for _, cam := range cams {
		out = append(out, ClientCamera{
			ID:      cam.ID,
			Name:    cam.Name,
			Enabled: cam.Enabled,
			Live:    liveURLs(cam.Name),
		})
	}
	writeJSON(c, http.StatusOK, gin.H{"cameras": out})
}
