package server

import (
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os"

	"github.com/gin-gonic/gin"

	"github.com/loykin/camvisr/internal/recordings"
	"github.com/loykin/camvisr/internal/store"
)

func (s *Server) recordingCamera(c *gin.Context) (store.Camera, bool) {
	id, ok := parseID(c, "id")
	if !ok {
		return store.Camera{}, false
	}
	cam, err := s.store.GetCamera(c.Request.Context(), id)
	if err != nil {
		s.storeError(c, err)
		return store.Camera{}, false
	}
	return cam, true
}

func (s *Server) handleRecordingDates(c *gin.Context) {
	cam, ok := s.recordingCamera(c)
	if !ok {
		return
	}
	dates, err := recordings.Dates(s.layout, cam.Name)
	if err != nil {
		respondError(c, http.StatusInternalServerError, "recordings_error", err.Error())
		return
	}
	writeJSON(c, http.StatusOK, dates)
}

// RecordingFile is one listed segment with the URL that serves it.
type RecordingFile struct {
	recordings.Segment
	URL string `json:"url"`
}

func (s *Server) handleRecordings(c *gin.Context) {
	cam, ok := s.recordingCamera(c)
	if !ok {
		return
	}
	segs, err := recordings.List(s.layout, cam.Name, c.Param("date"))
	if errors.Is(err, recordings.ErrInvalidPath) {
		respondError(c, http.StatusBadRequest, "invalid_date", err.Error())
		return
	}
	if err != nil {
		respondError(c, http.StatusInternalServerError, "recordings_error", err.Error())
		return
	}
	out := make([]RecordingFile, 0, len(segs))
	for _, seg := range segs {
		out = append(out, RecordingFile{
			Segment: seg,
			URL:     fmt.Sprintf("%s/cameras/%d/recording?path=%s", s.basePath, cam.ID, url.QueryEscape(seg.Path)),
		})
	}
	writeJSON(c, http.StatusOK, out)
}

func (s *Server) handleRecordingFile(c *gin.Context) {
	cam, ok := s.recordingCamera(c)
	if !ok {
		return
	}
	p, err := recordings.Resolve(s.layout, cam.Name, c.Query("path"))
	if err != nil {
		respondError(c, http.StatusBadRequest, "invalid_path", err.Error())
		return
	}
	if _, err := os.Stat(p); err != nil {
		respondError(c, http.StatusNotFound, "not_found", "recording not found")
		return
	}
	c.Header("Content-Type", "video/mp4")
	c.File(p)
}
