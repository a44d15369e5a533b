// Package adminapi is the per-role HTTP admin/stats surface exposed by
// every binary, following gnode's gin.New + GinLogger/GinRecovery pattern
// (internal/gnode/http_server.go) generalized from a single-node queue API
// to role-agnostic health/stats endpoints.
package adminapi

import (
	"context"
	"net/http"
	"runtime/debug"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/rocketspeed-go/core/internal/lg"
)

// StatsProvider is implemented by whatever owns the interesting runtime
// state for a role (*tower.Tower is the one implementation; roles without
// one pass nil); Snapshot is called on every /stats request and must not
// block.
type StatsProvider interface {
	Snapshot() interface{}
}

// Server is the gin-backed admin listener shared by all three roles.
type Server struct {
	addr  string
	logf  lg.Func
	stats StatsProvider
	http  *http.Server
}

// New builds a Server bound to addr. stats may be nil, in which case
// /stats reports an empty object.
func New(addr string, stats StatsProvider, logf lg.Func) *Server {
	if logf == nil {
		logf = lg.Discard
	}
	s := &Server{addr: addr, logf: logf, stats: stats}

	r := gin.New()
	r.Use(s.requestLogger())
	r.Use(s.recovery())
	r.GET("/health", s.health)
	r.GET("/stats", s.getStats)

	s.http = &http.Server{Addr: addr, Handler: r}
	return s
}

// Run serves until ctx is cancelled, then shuts down gracefully with a
// 3-second drain, mirroring gnode's http_server.go shutdown goroutine.
func (s *Server) Run(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		if err := s.http.Shutdown(shutdownCtx); err != nil {
			s.logf(lg.ERROR, "adminapi: shutdown: %v", err)
		}
		close(done)
	}()

	s.logf(lg.INFO, "adminapi: listening on %s", s.addr)
	err := s.http.ListenAndServe()
	<-done
	if err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) getStats(c *gin.Context) {
	if s.stats == nil {
		c.JSON(http.StatusOK, gin.H{})
		return
	}
	c.JSON(http.StatusOK, s.stats.Snapshot())
}

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		c.Next()
		s.logf(lg.DEBUG, "adminapi: %d %s %s %s", c.Writer.Status(), c.Request.Method, path, time.Since(start))
	}
}

func (s *Server) recovery() gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if err := recover(); err != nil {
				s.logf(lg.ERROR, "adminapi: panic: %v\n%s", err, debug.Stack())
				c.AbortWithStatus(http.StatusInternalServerError)
			}
		}()
		c.Next()
	}
}

