// Package httpapi exposes the ceremony engine over HTTP.
package httpapi

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"ceremony/internal/ceremony"
	"ceremony/internal/confirm"
	"ceremony/internal/httpmiddleware"
	"ceremony/internal/notify"
)

// Deps are the collaborators served by the router.
type Deps struct {
	Lifecycle *ceremony.Lifecycle
	Admission *ceremony.Admission
	Verifier  *ceremony.Verifier
	Sequencer *ceremony.Sequencer
	Ledger    *ceremony.Ledger
	Confirm   *confirm.Issuer
	Hub       *notify.Hub

	// Limiter guards the capture endpoints. Nil disables limiting.
	Limiter *httpmiddleware.TokenBucket
	// Gatherer backs /metrics, prometheus.DefaultGatherer when nil.
	Gatherer prometheus.Gatherer
	// Checks are probed by /healthz.
	Checks    map[string]func(context.Context) bool
	Heartbeat time.Duration
	Logger    *slog.Logger
}

type server struct {
	Deps
	logger *slog.Logger
}

// NewRouter builds the gin engine.
func NewRouter(d Deps) *gin.Engine {
	s := &server{Deps: d, logger: d.Logger}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	if s.Gatherer == nil {
		s.Gatherer = prometheus.DefaultGatherer
	}
	if s.Heartbeat <= 0 {
		s.Heartbeat = 15 * time.Second
	}

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(gin.LoggerWithConfig(gin.LoggerConfig{
		SkipPaths: []string{"/healthz", "/metrics"},
	}))
	r.Use(corsMiddleware())
	r.Use(securityHeaders())

	capture := func(c *gin.Context) { c.Next() }
	if d.Limiter != nil {
		capture = d.Limiter.GinMiddleware()
	}

	r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.Gatherer, promhttp.HandlerOpts{})))
	r.GET("/healthz", s.health)

	v1 := r.Group("/v1")
	v1.GET("/sessions", s.listSessions)
	v1.GET("/sessions/:sid", s.getSession)

	sess := v1.Group("/sessions/:sid")
	sess.POST("/graduates", s.registerGraduate)
	sess.GET("/graduates", s.listGraduates)
	sess.GET("/graduates/:student_id", s.getGraduate)
	sess.POST("/checkins", capture, s.checkIn)
	sess.POST("/verifications", capture, s.verify)
	sess.POST("/admissions", capture, s.admit)
	sess.POST("/queue", s.queueStudent)
	sess.GET("/queue", s.listQueue)
	sess.GET("/status", s.status)
	sess.POST("/announcements/next", s.announceNext)
	sess.POST("/reset/token", s.resetToken)
	sess.POST("/reset", s.reset)
	sess.POST("/metrics", s.recordMetric)
	sess.GET("/metrics", s.listMetrics)
	sess.POST("/summary/recompute", s.recompute)

	v1.POST("/graduates/:id/announce", s.announce)
	v1.GET("/announcement", s.currentAnnouncement)
	v1.DELETE("/announcement", s.clearAnnouncement)
	v1.GET("/announcement/stream", s.stream)

	r.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, envelope{Code: ceremony.CodeNotFound, Message: "route not found"})
	})
	return r
}

func (s *server) health(c *gin.Context) {
	status := http.StatusOK
	body := gin.H{"status": "ok"}
	for name, check := range s.Checks {
		healthy := check(c.Request.Context())
		body[name] = healthy
		if !healthy {
			status = http.StatusServiceUnavailable
			body["status"] = "degraded"
		}
	}
	c.JSON(status, body)
}

// corsMiddleware answers browser preflights for the display screens.
func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		origin := c.Request.Header.Get("Origin")
		if origin == "" {
			origin = "*"
		}
		c.Header("Access-Control-Allow-Origin", origin)
		c.Header("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Origin, Content-Type, Accept, Authorization, Last-Event-ID")
		c.Header("Access-Control-Max-Age", "86400")

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}

func securityHeaders() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("X-Content-Type-Options", "nosniff")
		c.Header("X-Frame-Options", "DENY")
		c.Header("Referrer-Policy", "strict-origin-when-cross-origin")
		if gin.Mode() == gin.ReleaseMode {
			c.Header("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
		}
		c.Next()
	}
}

func asGateway(err error, target **ceremony.GatewayError) bool {
	return errors.As(err, target)
}
