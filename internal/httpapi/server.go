// Package httpapi serves the engine over HTTP with gin.
package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"faceattend/internal/auth"
	"faceattend/internal/engine"
	"faceattend/internal/httpmiddleware"
	"faceattend/internal/queue"
)

// maxImageBytes caps uploaded images and frames.
const maxImageBytes = 10 << 20

// HealthCheck reports whether a dependency is reachable.
type HealthCheck func(ctx context.Context) bool

// Options configures the router.
type Options struct {
	RateLimitPerMin int
	CORSOrigins     []string
	// Gatherer backs /metrics. Defaults to the global registry.
	Gatherer prometheus.Gatherer
	Checks   map[string]HealthCheck
}

// Server holds the handler dependencies.
type Server struct {
	engine   *engine.Engine
	devices  *auth.Service
	broker   queue.Broker
	log      *logrus.Logger
	opts     Options
	upgrader websocket.Upgrader
}

// New creates a server.
func New(e *engine.Engine, devices *auth.Service, broker queue.Broker, log *logrus.Logger, opts Options) *Server {
	if opts.Gatherer == nil {
		opts.Gatherer = prometheus.DefaultGatherer
	}
	s := &Server{engine: e, devices: devices, broker: broker, log: log, opts: opts}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  64 << 10,
		WriteBufferSize: 4 << 10,
		CheckOrigin:     s.checkOrigin,
	}
	return s
}

func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" || len(s.opts.CORSOrigins) == 0 {
		return true
	}
	for _, o := range s.opts.CORSOrigins {
		if o == origin {
			return true
		}
	}
	return false
}

// Router builds the gin engine.
func (s *Server) Router() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(gin.LoggerWithConfig(gin.LoggerConfig{
		SkipPaths: []string{"/healthz", "/metrics"},
	}))
	r.Use(httpmiddleware.RequestID())
	r.Use(httpmiddleware.CORS(s.opts.CORSOrigins))
	r.Use(httpmiddleware.SecurityHeaders())
	if s.opts.RateLimitPerMin > 0 {
		r.Use(httpmiddleware.NewRateLimiter(s.opts.RateLimitPerMin, s.opts.RateLimitPerMin).GinMiddleware())
	}

	r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.opts.Gatherer, promhttp.HandlerOpts{})))
	r.GET("/healthz", s.health)

	v1 := r.Group("/v1")
	v1.POST("/devices/register", s.registerDevice)
	v1.POST("/devices/refresh", s.refreshDevice)
	v1.POST("/devices/revoke", s.revokeDevice)

	v1.POST("/sessions", s.createSession)
	v1.GET("/sessions/:id", s.getSession)
	v1.POST("/sessions/:id/end", s.endSession)
	v1.POST("/sessions/:id/cancel", s.cancelSession)
	v1.GET("/sessions/:id/statistics", s.statistics)
	v1.GET("/sessions/:id/present", s.present)
	v1.GET("/sessions/:id/absent", s.absent)
	v1.POST("/sessions/:id/recognize", s.recognize)
	v1.POST("/sessions/:id/runs", s.startRun)
	v1.GET("/sessions/:id/runs", s.sessionRuns)
	v1.GET("/runs/:id", s.runStatus)
	v1.DELETE("/runs/:id", s.stopRun)

	v1.POST("/students", s.enrollStudent)
	v1.GET("/students/:id/enrollments", s.studentEnrollments)
	v1.DELETE("/students/:id", s.deactivateStudent)

	device := v1.Group("/device", auth.DeviceAuth(s.devices.Signer()))
	device.POST("/sessions/:id/frames", s.pushFrame)
	device.POST("/sessions/:id/frames/end", s.endFrames)
	device.GET("/sessions/:id/stream", s.streamFrames)
	device.POST("/checkins", s.checkin)

	return r
}

func (s *Server) health(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()
	body := gin.H{"status": "ok"}
	status := http.StatusOK
	for name, check := range s.opts.Checks {
		ok := check(ctx)
		body[name] = ok
		if !ok {
			status = http.StatusServiceUnavailable
			body["status"] = "degraded"
		}
	}
	c.JSON(status, body)
}
