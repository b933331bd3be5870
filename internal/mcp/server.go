package mcp

import (
	"bufio"
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/lesleslie/crackerjack-mcp/internal/server"
	mcplib "github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"
)

// contextKey is a type-safe context key to avoid string allocation
type contextKey int

const (
	ctxKeySessionID contextKey = iota
)

// Pre-allocated byte slices for common SSE messages to reduce allocations
var (
	sseEndpointPrefix = []byte("event: endpoint\ndata: ")
	sseMessagePrefix  = []byte("event: message\ndata: ")
	sseDoubleNewline  = []byte("\n\n")
	ssePingComment    = []byte(": ping\n\n")
)

// Server exposes the crackerjack tool surface over MCP, either as an SSE
// bridge through echo or as line-delimited JSON-RPC on stdio.
type Server struct {
	echo       *echo.Echo
	serverCtx  *server.Context
	mcpServer  mcpserver.MCPServer
	sessions   map[string]*Session
	sessionsMu sync.RWMutex
}

// Session represents an MCP client session
type Session struct {
	ID            string
	CreatedAt     time.Time
	LastActivity  time.Time
	ResponseQueue chan []byte
	Closed        chan struct{}
}

// NewServer creates the MCP server over an initialised server context
func NewServer(serverCtx *server.Context) *Server {
	s := &Server{
		serverCtx: serverCtx,
		sessions:  make(map[string]*Session),
	}

	s.mcpServer = mcpserver.NewDefaultServer("crackerjack-mcp", "1.0.0")
	s.registerTools()

	return s
}

// registerTools registers the tool list and call dispatch
func (s *Server) registerTools() {
	s.mcpServer.HandleListTools(func(ctx context.Context, cursor *string) (*mcplib.ListToolsResult, error) {
		return &mcplib.ListToolsResult{Tools: toolDefinitions()}, nil
	})
	s.mcpServer.HandleCallTool(s.handleToolCall)
}

func argumentsSchema() mcplib.ToolInputSchema {
	return mcplib.ToolInputSchema{
		Type: "object",
		Properties: mcplib.ToolInputSchemaProperties{
			"args": map[string]interface{}{
				"type":        "string",
				"description": "Positional arguments",
			},
			"kwargs": map[string]interface{}{
				"type":        "string",
				"description": "JSON object of keyword arguments",
			},
		},
	}
}

func toolDefinitions() []mcplib.Tool {
	return []mcplib.Tool{
		{
			Name:        "run_crackerjack_stage",
			Description: "Run a single workflow stage (fast, comprehensive, tests, cleaning, init)",
			InputSchema: argumentsSchema(),
		},
		{
			Name:        "execute_crackerjack",
			Description: "Run the complete quality workflow as a tracked job with progress streaming",
			InputSchema: argumentsSchema(),
		},
		{
			Name:        "get_job_progress",
			Description: "Get the current progress snapshot for a job",
			InputSchema: mcplib.ToolInputSchema{
				Type: "object",
				Properties: mcplib.ToolInputSchemaProperties{
					"job_id": map[string]interface{}{
						"type":        "string",
						"description": "Job identifier returned by execute_crackerjack",
					},
				},
			},
		},
		{
			Name:        "session_management",
			Description: "Manage the workflow session (start, checkpoint, complete, reset)",
			InputSchema: mcplib.ToolInputSchema{
				Type: "object",
				Properties: mcplib.ToolInputSchemaProperties{
					"action": map[string]interface{}{
						"type":        "string",
						"description": "One of: start, checkpoint, complete, reset",
						"enum":        []string{"start", "checkpoint", "complete", "reset"},
					},
					"checkpoint_name": map[string]interface{}{
						"type":        "string",
						"description": "Checkpoint name (optional, defaults to a timestamped name)",
					},
				},
			},
		},
		{
			Name:        "analyze_errors",
			Description: "Analyze tool output for known error patterns and suggest fixes",
			InputSchema: mcplib.ToolInputSchema{
				Type: "object",
				Properties: mcplib.ToolInputSchemaProperties{
					"output": map[string]interface{}{
						"type":        "string",
						"description": "Raw tool output to analyze",
					},
					"include_suggestions": map[string]interface{}{
						"type":        "boolean",
						"description": "Include per-category fix suggestions",
					},
				},
			},
		},
		{
			Name:        "get_stage_status",
			Description: "Get the status of all workflow stages in the current session",
			InputSchema: mcplib.ToolInputSchema{Type: "object", Properties: mcplib.ToolInputSchemaProperties{}},
		},
		{
			Name:        "get_next_action",
			Description: "Suggest the next workflow action based on session state",
			InputSchema: mcplib.ToolInputSchema{Type: "object", Properties: mcplib.ToolInputSchemaProperties{}},
		},
		{
			Name:        "get_server_stats",
			Description: "Get server statistics (rate limiter, jobs, cache, session)",
			InputSchema: mcplib.ToolInputSchema{Type: "object", Properties: mcplib.ToolInputSchemaProperties{}},
		},
		{
			Name:        "get_comprehensive_status",
			Description: "Collect status from all components with bounded timeouts",
			InputSchema: mcplib.ToolInputSchema{Type: "object", Properties: mcplib.ToolInputSchemaProperties{}},
		},
		{
			Name:        "get_filtered_status",
			Description: "Collect status for a comma-separated subset of components",
			InputSchema: mcplib.ToolInputSchema{
				Type: "object",
				Properties: mcplib.ToolInputSchemaProperties{
					"components": map[string]interface{}{
						"type":        "string",
						"description": "Comma-separated component names, or 'all'",
					},
				},
			},
		},
		{
			Name:        "clean_crackerjack",
			Description: "Clean temp, progress, or cache files (scope: temp, progress, cache, all)",
			InputSchema: argumentsSchema(),
		},
		{
			Name:        "config_crackerjack",
			Description: "Inspect server configuration (list, get <key>, validate)",
			InputSchema: argumentsSchema(),
		},
		{
			Name:        "analyze_crackerjack",
			Description: "Analyze the project's error-pattern history and session health",
			InputSchema: argumentsSchema(),
		},
		{
			Name:        "init_crackerjack",
			Description: "Copy crackerjack configuration templates into a target project",
			InputSchema: argumentsSchema(),
		},
	}
}

// handleToolCall routes tool calls through the shared preamble to handlers.
// Domain failures serialise into the result payload; the MCP transport only
// sees an error for protocol-level problems.
func (s *Server) handleToolCall(ctx context.Context, name string, arguments map[string]interface{}) (result *mcplib.CallToolResult, err error) {
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			slog.Error("Tool handler panicked", "tool", name, "panic", r)
			result = errorResult("internal error in %s", name)
			err = nil
		}
		outcome := "success"
		if result != nil && result.IsError {
			outcome = "error"
		}
		recordToolCall(name, outcome, time.Since(start))
	}()

	if s.serverCtx == nil || !s.serverCtx.Initialised() {
		return notInitialisedResult(), nil
	}

	clientID := clientIDFromContext(ctx)
	if decision := s.serverCtx.RateLimiter.CheckRequest(clientID); !decision.Allowed {
		if s.serverCtx.Auditor != nil {
			s.serverCtx.Auditor.LogRateLimited(ctx, clientID, decision.Reason)
		}
		recordRateLimited(decision.Reason)
		return admissionDeniedResult(decision), nil
	}

	switch name {
	case "run_crackerjack_stage":
		return s.handleRunStage(ctx, arguments)
	case "execute_crackerjack":
		return s.handleExecute(ctx, arguments)
	case "get_job_progress":
		return s.handleGetJobProgress(ctx, arguments)
	case "session_management":
		return s.handleSessionManagement(ctx, arguments)
	case "analyze_errors":
		return s.handleAnalyzeErrors(ctx, arguments)
	case "get_stage_status":
		return s.handleGetStageStatus(ctx)
	case "get_next_action":
		return s.handleGetNextAction(ctx)
	case "get_server_stats":
		return s.handleGetServerStats(ctx)
	case "get_comprehensive_status":
		return s.handleGetComprehensiveStatus(ctx)
	case "get_filtered_status":
		return s.handleGetFilteredStatus(ctx, arguments)
	case "clean_crackerjack":
		return s.handleClean(ctx, arguments)
	case "config_crackerjack":
		return s.handleConfig(ctx, arguments)
	case "analyze_crackerjack":
		return s.handleAnalyzeProject(ctx, arguments)
	case "init_crackerjack":
		return s.handleInit(ctx, arguments)
	default:
		return errorResult("Unknown tool: %s", name), nil
	}
}

func clientIDFromContext(ctx context.Context) string {
	if id, ok := ctx.Value(ctxKeySessionID).(string); ok && id != "" {
		return id
	}
	return "default"
}

// Start starts the SSE transport on addr
func (s *Server) Start(addr string) error {
	s.echo = echo.New()
	s.echo.HideBanner = true
	s.echo.HidePort = true

	s.echo.Use(middleware.Recover())
	s.echo.Use(s.securityHeadersMiddleware())
	s.echo.Use(middleware.BodyLimit("1M"))

	// SSE endpoint - no timeout, long-lived connection
	s.echo.GET("/mcp/v1/sse", s.handleSSE)

	s.echo.POST("/mcp/v1/message", s.handleMessage, middleware.TimeoutWithConfig(middleware.TimeoutConfig{
		Timeout: s.serverCtx.Config.RequestTimeout,
	}))

	go s.runSessionCleanup()

	slog.Info("Starting MCP SSE server", "addr", addr)
	return s.echo.Start(addr)
}

// ServeStdio runs line-delimited JSON-RPC over stdin/stdout until EOF
func (s *Server) ServeStdio(ctx context.Context) error {
	reader := bufio.NewReader(os.Stdin)
	writer := bufio.NewWriter(os.Stdout)
	encoder := json.NewEncoder(writer)

	slog.Info("Serving MCP over stdio")

	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		line, err := reader.ReadBytes('\n')
		if err != nil {
			if err == io.EOF {
				return nil
			}
			return fmt.Errorf("stdio read failed: %w", err)
		}
		if len(strings.TrimSpace(string(line))) == 0 {
			continue
		}

		var request mcpserver.JSONRPCRequest
		if err := json.Unmarshal(line, &request); err != nil {
			slog.Warn("Discarding malformed JSON-RPC line", "error", err)
			continue
		}

		response := s.mcpServer.Request(ctx, request)
		if request.ID == nil {
			continue
		}
		if err := encoder.Encode(response); err != nil {
			return fmt.Errorf("stdio write failed: %w", err)
		}
		if err := writer.Flush(); err != nil {
			return fmt.Errorf("stdio flush failed: %w", err)
		}
	}
}

// runSessionCleanup runs the session cleanup loop with panic recovery
func (s *Server) runSessionCleanup() {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("Session cleanup goroutine panicked, restarting", "panic", r)
			time.Sleep(5 * time.Second)
			go s.runSessionCleanup()
		}
	}()
	s.sessionCleanup()
}

func (s *Server) securityHeadersMiddleware() echo.MiddlewareFunc {
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

// Shutdown gracefully shuts down the transport
func (s *Server) Shutdown(ctx context.Context) error {
	if s.echo != nil {
		return s.echo.Shutdown(ctx)
	}
	return nil
}

// handleSSE handles SSE connections
func (s *Server) handleSSE(c echo.Context) error {
	origin := c.Request().Header.Get("Origin")
	originAllowed := s.isOriginAllowed(origin)

	c.Response().Header().Set("Content-Type", "text/event-stream")
	c.Response().Header().Set("Cache-Control", "no-cache, no-store, must-revalidate")
	c.Response().Header().Set("Connection", "keep-alive")
	c.Response().Header().Set("X-Accel-Buffering", "no")

	if originAllowed && origin != "" {
		c.Response().Header().Set("Access-Control-Allow-Origin", origin)
		c.Response().Header().Set("Access-Control-Allow-Methods", "GET")
		c.Response().Header().Set("Vary", "Origin")
	}

	c.Response().WriteHeader(http.StatusOK)

	sessionID := generateSessionID()
	now := time.Now()
	session := &Session{
		ID:            sessionID,
		CreatedAt:     now,
		LastActivity:  now,
		ResponseQueue: make(chan []byte, 100),
		Closed:        make(chan struct{}),
	}

	s.sessionsMu.Lock()
	s.sessions[sessionID] = session
	s.sessionsMu.Unlock()

	defer func() {
		s.sessionsMu.Lock()
		if current, ok := s.sessions[sessionID]; ok && current == session {
			delete(s.sessions, sessionID)
			close(session.Closed)
		}
		s.sessionsMu.Unlock()
	}()

	var sb strings.Builder
	sb.Grow(100)
	if c.Request().TLS != nil {
		sb.WriteString("https://")
	} else {
		sb.WriteString("http://")
	}
	sb.WriteString(c.Request().Host)
	sb.WriteString("/mcp/v1/message?session_id=")
	sb.WriteString(sessionID)
	messageEndpoint := sb.String()

	slog.Debug("SSE connection established", "session_id", sessionID)

	if err := writeSSEEvent(c.Response(), sseEndpointPrefix, messageEndpoint); err != nil {
		slog.Warn("SSE endpoint write failed", "session_id", sessionID, "error", err)
		return nil
	}
	c.Response().Flush()

	clientGone := c.Request().Context().Done()

	// SSE comments rather than a custom ping event: some SDKs treat all
	// event data as JSON-RPC and fail on non-message events.
	if err := writeSSEComment(c.Response(), ssePingComment); err != nil {
		return nil
	}
	c.Response().Flush()

	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case payload := <-session.ResponseQueue:
			if err := writeSSEEvent(c.Response(), sseMessagePrefix, string(payload)); err != nil {
				slog.Debug("SSE response write failed, client disconnected", "session_id", sessionID)
				return nil
			}
			c.Response().Flush()
		case <-ticker.C:
			if err := writeSSEComment(c.Response(), ssePingComment); err != nil {
				return nil
			}
			c.Response().Flush()
		case <-clientGone:
			slog.Debug("SSE client disconnected", "session_id", sessionID)
			return nil
		}
	}
}

// isOriginAllowed prefix-matches against the configured allow-list; an
// empty origin means local tooling and is allowed.
func (s *Server) isOriginAllowed(origin string) bool {
	if origin == "" {
		return true
	}
	for _, allowed := range s.serverCtx.Config.WSAllowedOrigins {
		if strings.HasPrefix(origin, allowed) {
			return true
		}
	}
	return false
}

func writeSSEEvent(w http.ResponseWriter, prefix []byte, data string) error {
	if _, err := w.Write(prefix); err != nil {
		return err
	}
	if _, err := w.Write([]byte(data)); err != nil {
		return err
	}
	_, err := w.Write(sseDoubleNewline)
	return err
}

func writeSSEComment(w http.ResponseWriter, comment []byte) error {
	_, err := w.Write(comment)
	return err
}

// handleMessage handles incoming JSON-RPC messages per MCP specification
func (s *Server) handleMessage(c echo.Context) error {
	sessionID := c.QueryParam("session_id")
	if sessionID == "" {
		return c.JSON(http.StatusBadRequest, jsonRPCError(nil, -32000,
			"Missing session_id parameter: session_id query parameter is required"))
	}

	s.sessionsMu.RLock()
	session, sessionExists := s.sessions[sessionID]
	s.sessionsMu.RUnlock()

	if !sessionExists {
		slog.Warn("Message received for invalid/expired session", "session_id", sessionID)
	}

	var request mcpserver.JSONRPCRequest
	if err := c.Bind(&request); err != nil {
		return c.JSON(http.StatusBadRequest, jsonRPCError(nil, -32700, "Parse error: "+err.Error()))
	}

	if request.JSONRPC != "2.0" {
		return c.JSON(http.StatusBadRequest, jsonRPCError(request.ID, -32600,
			"Invalid Request: jsonrpc field must be '2.0'"))
	}

	ctx := context.WithValue(c.Request().Context(), ctxKeySessionID, sessionID)
	response := s.mcpServer.Request(ctx, request)

	if sessionExists {
		s.sessionsMu.Lock()
		if sess, ok := s.sessions[sessionID]; ok {
			sess.LastActivity = time.Now()
			session = sess
		}
		s.sessionsMu.Unlock()
	}

	// For SSE sessions, queue JSON-RPC responses onto the SSE stream.
	if sessionExists && session != nil && session.ResponseQueue != nil {
		if request.ID == nil {
			return c.NoContent(http.StatusAccepted)
		}

		responseJSON, err := json.Marshal(response)
		if err != nil {
			slog.Error("Failed to marshal JSON-RPC response", "session_id", sessionID, "error", err)
			return c.JSON(http.StatusInternalServerError, jsonRPCError(request.ID, -32603,
				"Internal error: failed to encode response"))
		}

		select {
		case session.ResponseQueue <- responseJSON:
			return c.NoContent(http.StatusAccepted)
		case <-session.Closed:
			return c.JSON(http.StatusGone, jsonRPCError(request.ID, -32000, "Session closed"))
		case <-time.After(1 * time.Second):
			slog.Warn("SSE response queue full", "session_id", sessionID)
			return c.JSON(http.StatusServiceUnavailable, jsonRPCError(request.ID, -32000, "Session busy"))
		}
	}

	return c.JSON(http.StatusOK, response)
}

func jsonRPCError(id interface{}, code int, message string) mcpserver.JSONRPCResponse {
	return mcpserver.JSONRPCResponse{
		JSONRPC: "2.0",
		ID:      id,
		Error: &struct {
			Code    int    `json:"code"`
			Message string `json:"message"`
		}{
			Code:    code,
			Message: message,
		},
	}
}

// generateSessionID creates a cryptographically secure session ID
func generateSessionID() string {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		slog.Error("Failed to generate secure random session ID, falling back to timestamp", "error", err)
		return fmt.Sprintf("sess_%d", time.Now().UnixNano())
	}
	return "sess_" + hex.EncodeToString(b)
}

// sessionCleanup periodically removes expired sessions to prevent memory
// leaks. Uses batched deletion to minimize lock contention.
func (s *Server) sessionCleanup() {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()

	for range ticker.C {
		now := time.Now()
		expiredIDs := s.collectExpiredSessions(now)

		if len(expiredIDs) > 0 {
			s.deleteSessionsBatch(expiredIDs)
			slog.Debug("Cleaned up expired sessions", "count", len(expiredIDs))
		}
	}
}

func (s *Server) collectExpiredSessions(now time.Time) []string {
	s.sessionsMu.RLock()
	defer s.sessionsMu.RUnlock()

	var expiredIDs []string
	for id, session := range s.sessions {
		if now.Sub(session.LastActivity) > time.Hour {
			expiredIDs = append(expiredIDs, id)
		}
	}
	return expiredIDs
}

func (s *Server) deleteSessionsBatch(ids []string) {
	s.sessionsMu.Lock()
	defer s.sessionsMu.Unlock()

	for _, id := range ids {
		delete(s.sessions, id)
	}
}
