// Package api serves the bridge over HTTP: cache reads, lifecycle control,
// overrides and a server-sent event stream.
package api

import (
	"context"
	"fmt"
	"net/http"
	"slices"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"github.com/zulandar/simbridge/internal/bridge"
	"github.com/zulandar/simbridge/internal/command"
	"github.com/zulandar/simbridge/internal/config"
	"github.com/zulandar/simbridge/internal/models"
	"github.com/zulandar/simbridge/internal/snapshot"
)

// DefaultHeartbeat is the SSE heartbeat interval.
const DefaultHeartbeat = 15 * time.Second

// Backend is the bridge as seen by the API. *bridge.Service implements it.
type Backend interface {
	Config() *config.Config
	Cache() *snapshot.Cache
	Health() bridge.Health
	Status() bridge.Status
	Start(ctx context.Context, opts bridge.StartOpts) error
	Stop(ctx context.Context) error
	Connect(ctx context.Context) error
	Disconnect()
	Pause() error
	Resume() error
	Step(n int) (*snapshot.Snapshot, error)
	Override(ctx context.Context, o command.Override) error
	ClearOverride(ctx context.Context, id string) error
	EngineVersion(ctx context.Context) (string, error)
	RecentRuns(limit int) ([]models.EngineRun, error)
}

// Options configures a Server.
type Options struct {
	Port      int
	Heartbeat time.Duration
	Logger    logrus.FieldLogger
}

// Server is the HTTP gateway.
type Server struct {
	backend Backend
	opts    Options
	geo     Geo
	log     logrus.FieldLogger
	router  *gin.Engine
}

// New builds the gateway and its routes.
func New(b Backend, opts Options) *Server {
	cfg := b.Config()
	if opts.Port <= 0 {
		opts.Port = cfg.API.ListenPort
	}
	if opts.Heartbeat <= 0 {
		opts.Heartbeat = DefaultHeartbeat
	}
	log := opts.Logger
	if log == nil {
		log = logrus.StandardLogger()
	}

	gin.SetMode(gin.ReleaseMode)
	s := &Server{
		backend: b,
		opts:    opts,
		geo:     Geo{OriginLat: cfg.API.Geo.OriginLat, OriginLng: cfg.API.Geo.OriginLng},
		log:     log.WithField("component", "api"),
		router:  gin.New(),
	}
	s.router.Use(gin.Recovery(), s.requestLog(), corsHandler(cfg.API.CORSOrigins))
	s.registerRoutes()
	return s
}

// corsHandler answers browser preflights and tags responses for origins.
// An empty list or "*" allows any origin.
func corsHandler(origins []string) gin.HandlerFunc {
	cc := cors.Config{
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
		AllowHeaders: []string{"Origin", "Content-Type", "Accept", "Cache-Control"},
		MaxAge:       12 * time.Hour,
	}
	if len(origins) == 0 || slices.Contains(origins, "*") {
		cc.AllowAllOrigins = true
	} else {
		cc.AllowOrigins = origins
	}
	return cors.New(cc)
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler { return s.router }

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", s.opts.Port),
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	s.log.WithField("port", s.opts.Port).Info("api listening")
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("api: %w", err)
	}
	return nil
}

// requestLog logs each request at debug level, and failures at warn.
func (s *Server) requestLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		entry := s.log.WithFields(logrus.Fields{
			"method":   c.Request.Method,
			"path":     c.FullPath(),
			"status":   c.Writer.Status(),
			"duration": time.Since(start),
		})
		if len(c.Errors) > 0 {
			entry.WithError(c.Errors.Last().Err).Warn("request failed")
			return
		}
		entry.Debug("request")
	}
}
