// Package server exposes the supervisor over HTTP with gin.
//
//	GET    {base}/admin/cameras                          list cameras (with RTSP URLs)
//	POST   {base}/admin/cameras                          create
//	GET    {base}/admin/cameras/:id                      get
//	PUT    {base}/admin/cameras/:id                      update, then reconcile running roles
//	DELETE {base}/admin/cameras/:id                      stop, forget and delete
//	POST   {base}/admin/cameras/:id/streams              add a source stream
//	PUT    {base}/admin/cameras/:id/streams/:sid         update a source stream
//	DELETE {base}/admin/cameras/:id/streams/:sid         delete a source stream
//	POST   {base}/admin/cameras/:id/start                start configured roles
//	POST   {base}/admin/cameras/:id/stop                 stop every role
//	POST   {base}/admin/cameras/:id/roles/:role/start    start one role
//	POST   {base}/admin/cameras/:id/roles/:role/stop     stop one role
//	GET    {base}/status                                 every camera with a worker
//	GET    {base}/cameras                                client camera list (no RTSP)
//	GET    {base}/cameras/:id/status                     one camera
//	POST   {base}/cameras/:id/roles/:role/watch          start on-demand role + lease
//	POST   {base}/cameras/:id/roles/:role/leases         acquire
//	PUT    {base}/cameras/:id/roles/:role/leases/:lease  renew (404 when unknown)
//	DELETE {base}/cameras/:id/roles/:role/leases/:lease  release
//	GET    {base}/cameras/:id/recordings                 recorded dates
//	GET    {base}/cameras/:id/recordings/:date           segments of a day
//	GET    {base}/cameras/:id/recording?path=...         one segment file
//	GET    /media/live/*path                             lease-gated HLS output
//	GET    /metrics                                      prometheus
package server

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/loykin/camvisr/internal/manager"
	"github.com/loykin/camvisr/internal/media"
	"github.com/loykin/camvisr/internal/metrics"
	"github.com/loykin/camvisr/internal/store"
)

// Server wires the HTTP surface to the supervisor and the camera store.
type Server struct {
	mgr      *manager.Manager
	store    *store.Store
	layout   media.Layout
	gate     *MediaGate
	log      *slog.Logger
	basePath string
	metrics  http.Handler
}

type Option func(*Server)

func WithLogger(l *slog.Logger) Option {
	return func(s *Server) {
		if l != nil {
			s.log = l
		}
	}
}

// WithMetrics mounts h on /metrics.
func WithMetrics(h http.Handler) Option {
	return func(s *Server) { s.metrics = h }
}

func New(mgr *manager.Manager, st *store.Store, layout media.Layout, basePath string, opts ...Option) *Server {
	s := &Server{
		mgr:      mgr,
		store:    st,
		layout:   layout,
		log:      slog.Default(),
		basePath: sanitizeBase(basePath),
	}
	for _, o := range opts {
		o(s)
	}
	s.gate = NewMediaGate(mgr.Leases(), st, layout, s.log)
	return s
}

// Gate returns the media gate so its remembered leases can be pruned.
func (s *Server) Gate() *MediaGate { return s.gate }

// Handler returns an http.Handler powered by gin that can be mounted in any server/mux.
func (s *Server) Handler() http.Handler {
	g := gin.New()
	g.Use(gin.Recovery(), s.accessLog())

	api := g.Group(s.basePath)
	admin := api.Group("/admin/cameras")
	admin.GET("", s.handleListCameras)
	admin.POST("", s.handleCreateCamera)
	admin.GET("/:id", s.handleGetCamera)
	admin.PUT("/:id", s.handleUpdateCamera)
	admin.DELETE("/:id", s.handleDeleteCamera)
	admin.POST("/:id/streams", s.handleAddStream)
	admin.PUT("/:id/streams/:sid", s.handleUpdateStream)
	admin.DELETE("/:id/streams/:sid", s.handleDeleteStream)
	admin.POST("/:id/start", s.handleStartCamera)
	admin.POST("/:id/stop", s.handleStopCamera)
	admin.POST("/:id/roles/:role/start", s.handleStartRole)
	admin.POST("/:id/roles/:role/stop", s.handleStopRole)

	api.GET("/status", s.handleStatusAll)
	cams := api.Group("/cameras")
	cams.GET("", s.handleClientCameras)
	cams.GET("/:id/status", s.handleStatus)
	cams.POST("/:id/roles/:role/watch", s.handleWatch)
	cams.POST("/:id/roles/:role/leases", s.handleAcquireLease)
	cams.PUT("/:id/roles/:role/leases/:lease", s.handleRenewLease)
	cams.DELETE("/:id/roles/:role/leases/:lease", s.handleReleaseLease)
	cams.GET("/:id/recordings", s.handleRecordingDates)
	cams.GET("/:id/recordings/:date", s.handleRecordings)
	cams.GET("/:id/recording", s.handleRecordingFile)

	g.GET("/media/live/*path", s.gate.Handle)
	if s.metrics != nil {
		g.GET("/metrics", gin.WrapH(s.metrics))
	}
	return g
}

func (s *Server) accessLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		if strings.HasPrefix(c.Request.URL.Path, "/media/") {
			return
		}
		s.log.Debug("http request",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"duration", time.Since(start))
	}
}

// NewHTTPServer builds the listener side with the same timeouts for API and
// media. WriteTimeout stays unset because recordings are streamed.
func NewHTTPServer(addr string, h http.Handler, tlsCfg *tls.Config) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           h,
		TLSConfig:         tlsCfg,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
}

// Serve runs srv until ctx is done, then shuts it down gracefully.
func Serve(ctx context.Context, srv *http.Server) error {
	errCh := make(chan error, 1)
	go func() {
		var err error
		if srv.TLSConfig != nil {
			err = srv.ListenAndServeTLS("", "")
		} else {
			err = srv.ListenAndServe()
		}
		errCh <- err
	}()
	select {
	case err := <-errCh:
		if err == http.ErrServerClosed {
			return nil
		}
		return err
	case <-ctx.Done():
		sctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(sctx)
	}
}

// MetricsHandler is the default /metrics handler.
func MetricsHandler() http.Handler { return metrics.Handler() }

// --- helpers ---

// ErrorResponse is the body of every non-2xx reply.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

type okResp struct {
	OK bool `json:"ok"`
}

func respondError(c *gin.Context, code int, errorCode, message string) {
	c.AbortWithStatusJSON(code, ErrorResponse{Error: errorCode, Message: message})
}

func writeJSON(c *gin.Context, code int, v any) {
	c.Header("Content-Type", "application/json")
	c.Status(code)
	_ = json.NewEncoder(c.Writer).Encode(v)
}

func sanitizeBase(bp string) string {
	bp = strings.TrimSpace(bp)
	if bp == "" || bp == "/" {
		return ""
	}
	if !strings.HasPrefix(bp, "/") {
		bp = "/" + bp
	}
	return strings.TrimRight(bp, "/")
}
