// Package api serves the health, readiness, metrics and status endpoints.
package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"trading-agent/internal/engine"
	"trading-agent/internal/events"
	"trading-agent/internal/monitor"
)

// Options wires the server to the running agent. Bus may be nil, in which
// case /ws reports that no event stream is available.
type Options struct {
	Engine    engine.Service
	Health    *monitor.Health
	Metrics   *monitor.Metrics
	Bus       *events.Bus
	RateLimit rate.Limit // per client IP, 0 = 20 req/s
	Burst     int
}

// Server wires HTTP endpoints around the engine.
type Server struct {
	Router  *gin.Engine
	engine  engine.Service
	health  *monitor.Health
	metrics *monitor.Metrics
	bus     *events.Bus
	log     zerolog.Logger
	srv     *http.Server
}

func NewServer(opts Options, log zerolog.Logger) *Server {
	if opts.RateLimit == 0 {
		opts.RateLimit = 20
	}
	if opts.Burst == 0 {
		opts.Burst = 50
	}
	log = log.With().Str("component", "api").Logger()

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(RequestIDMiddleware())
	r.Use(RequestLogger(log))
	r.Use(RateLimitMiddleware(newIPLimiter(opts.RateLimit, opts.Burst), log))

	s := &Server{
		Router:  r,
		engine:  opts.Engine,
		health:  opts.Health,
		metrics: opts.Metrics,
		bus:     opts.Bus,
		log:     log,
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.Router.GET("/health", s.liveness)
	s.Router.GET("/ready", s.readiness)
	s.Router.GET("/metrics", gin.WrapH(s.metrics.Handler()))
	s.Router.GET("/ws", s.websocket)

	api := s.Router.Group("/api")
	{
		api.GET("/status", s.status)
	}
}

func (s *Server) liveness(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": s.health.Overall()})
}

func (s *Server) readiness(c *gin.Context) {
	report := s.health.Report()
	code := http.StatusOK
	if !report.Ready {
		code = http.StatusServiceUnavailable
	}
	c.JSON(code, report)
}

func (s *Server) status(c *gin.Context) {
	st, err := s.engine.Status(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, st)
}

// Start listens on addr until Shutdown is called.
func (s *Server) Start(addr string) error {
	s.srv = &http.Server{
		Addr:              addr,
		Handler:           s.Router,
		ReadHeaderTimeout: 5 * time.Second,
	}
	s.log.Info().Str("addr", addr).Msg("http server listening")
	if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops accepting requests and waits for in-flight ones.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.srv == nil {
		return nil
	}
	return s.srv.Shutdown(ctx)
}
