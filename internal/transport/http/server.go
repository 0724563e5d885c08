// Package httpapi exposes the read-only operations surface: health, the
// position book, ledger occupancy and the live exit rule table. Anything
// that changes trading state stays off HTTP.
package httpapi

import (
	"context"
	"errors"
	"net/http"
	"time"

	"talon/internal/engine"
	"talon/internal/exitrule"
	"talon/internal/logger"
	"talon/internal/types"

	"github.com/gin-gonic/gin"
)

// Server wraps the gin router and its listener lifecycle.
type Server struct {
	addr   string
	router *gin.Engine
}

// ServerConfig names the server's collaborators.
type ServerConfig struct {
	Addr  string
	Core  *engine.Core
	Rules *exitrule.Registry
}

func NewServer(cfg ServerConfig) (*Server, error) {
	if cfg.Core == nil {
		return nil, errors.New("http server requires the engine core")
	}
	if cfg.Addr == "" {
		cfg.Addr = ":9985"
	}
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery(), requestLogger())

	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	api := router.Group("/api")
	registerPositionRoutes(api, cfg.Core)
	registerRiskRoutes(api, cfg.Core)
	if cfg.Rules != nil {
		registerRuleRoutes(api, cfg.Rules)
	}

	return &Server{addr: cfg.Addr, router: router}, nil
}

func (s *Server) Addr() string {
	if s == nil {
		return ""
	}
	return s.addr
}

// Start serves until the context is cancelled or the listener fails.
func (s *Server) Start(ctx context.Context) error {
	if s == nil {
		return nil
	}
	srv := &http.Server{Addr: s.addr, Handler: s.router}
	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		shCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shCtx)
		return nil
	case err := <-errCh:
		return err
	}
}

func registerPositionRoutes(g *gin.RouterGroup, core *engine.Core) {
	g.GET("/positions", func(c *gin.Context) {
		var statuses []types.PositionStatus
		if raw := c.Query("status"); raw != "" {
			statuses = append(statuses, types.PositionStatus(raw))
		}
		c.JSON(http.StatusOK, gin.H{"positions": core.Positions(statuses...)})
	})
	g.GET("/positions/:id", func(c *gin.Context) {
		pos, ok := core.PositionSnapshot(c.Param("id"))
		if !ok {
			c.JSON(http.StatusNotFound, gin.H{"error": "unknown position"})
			return
		}
		c.JSON(http.StatusOK, pos)
	})
}

func registerRiskRoutes(g *gin.RouterGroup, core *engine.Core) {
	g.GET("/risk/ledger", func(c *gin.Context) {
		groups, reserved, budget := core.RiskStats()
		c.JSON(http.StatusOK, gin.H{
			"groups":           groups,
			"capital_reserved": reserved,
			"capital_budget":   budget,
		})
	})
}

func registerRuleRoutes(g *gin.RouterGroup, rules *exitrule.Registry) {
	g.GET("/exit/rules", func(c *gin.Context) {
		out, err := rules.DumpYAML()
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		snap := rules.Snapshot()
		c.Header("X-Rules-Version", snap.LoadedAt.Format(time.RFC3339))
		c.Data(http.StatusOK, "application/yaml", out)
	})
}

func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		method := c.Request.Method
		path := c.Request.URL.Path
		c.Next()
		logger.Debugf("HTTP %s %s status=%d ip=%s dur=%s",
			method, path, c.Writer.Status(), c.ClientIP(), time.Since(start))
	}
}
