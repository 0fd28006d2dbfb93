// Package api exposes ingestion, verification and trust queries over HTTP.
package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-contrib/pprof"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"fairwatch/internal/alerting"
	"fairwatch/internal/bus"
	"fairwatch/internal/faults"
	"fairwatch/internal/ingest"
	"fairwatch/internal/seedsource"
	"fairwatch/internal/session"
	"fairwatch/internal/storage"
	"fairwatch/internal/trust"
)

// Deps are the components the handlers read from. Nil members disable
// their routes.
type Deps struct {
	Pipeline  *ingest.Pipeline
	Stream    *ingest.StreamHandler
	Admitter  *session.Admitter
	Auditor   *seedsource.Auditor
	Scorer    *trust.Scorer
	Alerts    *alerting.Manager
	Bus       *bus.Bus
	Anomalies storage.AnomalyStore
	Seeds     storage.SeedStore
	Now       func() time.Time
}

// Options toggle optional routes.
type Options struct {
	Pprof bool
	Mode  string
}

// Server holds the HTTP handlers.
type Server struct {
	deps   Deps
	logger zerolog.Logger
}

// New constructs a Server.
func New(deps Deps, logger zerolog.Logger) *Server {
	if deps.Now == nil {
		deps.Now = time.Now
	}
	return &Server{deps: deps, logger: logger.With().Str("component", "api").Logger()}
}

// Router builds the gin engine with every route registered.
func (s *Server) Router(opts Options) *gin.Engine {
	if opts.Mode != "" {
		gin.SetMode(opts.Mode)
	}
	r := gin.New()
	r.Use(gin.Recovery(), s.requestLogger())

	if opts.Pprof {
		pprof.Register(r)
	}

	r.GET("/healthz", s.health)

	v1 := r.Group("/v1")
	if s.deps.Pipeline != nil {
		v1.POST("/ingest", s.ingestBatch)
		v1.POST("/sessions", s.admitSession)
	}
	if s.deps.Stream != nil {
		v1.GET("/ingest/ws", gin.WrapH(s.deps.Stream))
	}
	v1.POST("/verify", s.verify)
	if s.deps.Seeds != nil {
		v1.POST("/seeds", s.submitSeed)
		v1.GET("/seeds/:casino", s.listSeeds)
	}
	if s.deps.Scorer != nil {
		v1.GET("/trust/casinos/:id", s.trustRecord(s.deps.Scorer.Casino))
		v1.GET("/trust/degens/:id", s.trustRecord(s.deps.Scorer.Degen))
		v1.GET("/trust/domains/:id", s.trustRecord(s.deps.Scorer.Domain))
		v1.POST("/trust/domains/:id/override", s.overrideDomain)
	}
	if s.deps.Anomalies != nil {
		v1.GET("/anomalies/:casino", s.anomalies)
	}
	if s.deps.Alerts != nil {
		v1.GET("/alerts/:casino", s.alerts)
	}
	if s.deps.Bus != nil {
		v1.GET("/events", s.events)
	}
	return r
}

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		ev := s.logger.Debug()
		if c.Writer.Status() >= http.StatusInternalServerError {
			ev = s.logger.Warn()
		}
		ev.Str("method", c.Request.Method).Str("path", c.FullPath()).Int("status", c.Writer.Status()).
			Dur("took", time.Since(start)).Msg("request")
	}
}

// statusFor maps fault kinds to HTTP status codes.
func statusFor(err error) int {
	switch {
	case faults.IsAuthentication(err):
		return http.StatusUnauthorized
	case faults.IsValidation(err):
		return http.StatusBadRequest
	case errors.Is(err, faults.ErrPartialFailure):
		return http.StatusMultiStatus
	case errors.Is(err, storage.ErrNotConfigured):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) fail(c *gin.Context, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error().Err(err).Str("path", c.FullPath()).Msg("request failed")
	}
	c.JSON(status, gin.H{"error": err.Error()})
}
