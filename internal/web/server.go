package web

import (
	"context"
	"log/slog"
	"net/http"
	"runtime/debug"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/lesleslie/crackerjack-mcp/internal/metrics"
	loggingMiddleware "github.com/lesleslie/crackerjack-mcp/internal/middleware"
	"github.com/lesleslie/crackerjack-mcp/internal/server"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Server hosts the progress WebSocket gateway and its HTTP side channel
type Server struct {
	echo      *echo.Echo
	serverCtx *server.Context
	gateway   *Gateway
	version   string
}

// NewServer creates the web server over an initialised server context
func NewServer(serverCtx *server.Context, version string) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	s := &Server{
		echo:      e,
		serverCtx: serverCtx,
		gateway:   NewGateway(serverCtx),
		version:   version,
	}

	s.setupMiddleware()
	s.setupRoutes()

	return s
}

func (s *Server) setupMiddleware() {
	s.echo.Use(middleware.RequestID())
	s.echo.Use(panicRecoveryMiddleware())
	s.echo.Use(metrics.PrometheusMiddleware())
	s.echo.Use(loggingMiddleware.RequestLogger())
	s.echo.Use(securityHeadersMiddleware())
}

func (s *Server) setupRoutes() {
	s.echo.GET("/", s.statusIndex)
	s.echo.GET("/latest", s.latestJob)
	s.echo.GET("/monitor/:job_id", s.monitorPage)
	s.echo.GET("/test", s.testPage)
	s.echo.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	s.echo.GET("/ws/progress/:job_id", s.gateway.Handle)
}

// Start starts the server
func (s *Server) Start(addr string) error {
	return s.echo.Start(addr)
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	return s.echo.Shutdown(ctx)
}

// panicRecoveryMiddleware recovers from panics and records metrics
func panicRecoveryMiddleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			defer func() {
				if r := recover(); r != nil {
					err, ok := r.(error)
					if !ok {
						err = echo.NewHTTPError(http.StatusInternalServerError, r)
					}

					metrics.RecordPanic(c.Path())

					slog.Error("Panic recovered",
						"error", err,
						"path", c.Path(),
						"method", c.Request().Method,
						"request_id", c.Response().Header().Get(echo.HeaderXRequestID),
						"stack", string(debug.Stack()),
					)

					c.Error(err)
				}
			}()
			return next(c)
		}
	}
}

// securityHeadersMiddleware adds security headers
func securityHeadersMiddleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			c.Response().Header().Set("X-Content-Type-Options", "nosniff")
			c.Response().Header().Set("X-Frame-Options", "DENY")
			c.Response().Header().Set("X-XSS-Protection", "1; mode=block")
			c.Response().Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")
			return next(c)
		}
	}
}

// statusIndex returns server status, active connections, and endpoints
func (s *Server) statusIndex(c echo.Context) error {
	jobIDs := s.serverCtx.Store.List()
	latest := s.serverCtx.Store.LatestJobID()

	return c.JSON(http.StatusOK, map[string]interface{}{
		"status":             "running",
		"version":            s.version,
		"timestamp":          time.Now().UTC().Format(time.RFC3339),
		"active_connections": s.gateway.ActiveConnections(),
		"known_jobs":         len(jobIDs),
		"latest_job_id":      latest,
		"endpoints": map[string]string{
			"websocket": "/ws/progress/{job_id}",
			"latest":    "/latest",
			"monitor":   "/monitor/{job_id}",
			"test":      "/test",
			"metrics":   "/metrics",
		},
	})
}

// latestJob returns the most recent job id with its snapshot and URLs
func (s *Server) latestJob(c echo.Context) error {
	latest := s.serverCtx.Store.LatestJobID()
	if latest == "" {
		return c.JSON(http.StatusNotFound, map[string]interface{}{
			"success": false,
			"error":   "No jobs found",
		})
	}

	snapshot, err := s.serverCtx.Store.Read(c.Request().Context(), latest)
	if err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]interface{}{
			"success": false,
			"error":   "Cannot read latest job progress",
		})
	}

	return c.JSON(http.StatusOK, map[string]interface{}{
		"job_id":        latest,
		"progress":      snapshot,
		"websocket_url": "/ws/progress/" + latest,
		"monitor_url":   "/monitor/" + latest,
	})
}

// monitorPage serves the HTML monitor for a validated job id
func (s *Server) monitorPage(c echo.Context) error {
	jobID := c.Param("job_id")
	if result := s.serverCtx.Sanitizer.ValidateJobID(c.Request().Context(), jobID); !result.Valid {
		return c.JSON(http.StatusBadRequest, map[string]interface{}{
			"success": false,
			"error":   "Invalid job_id: " + result.ErrorMessage,
		})
	}
	return c.HTML(http.StatusOK, monitorHTML(jobID))
}

// testPage serves the WebSocket test harness
func (s *Server) testPage(c echo.Context) error {
	return c.HTML(http.StatusOK, testHarnessHTML())
}
