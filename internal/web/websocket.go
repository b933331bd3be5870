package web

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/lesleslie/crackerjack-mcp/internal/metrics"
	"github.com/lesleslie/crackerjack-mcp/internal/progress"
	"github.com/lesleslie/crackerjack-mcp/internal/server"
)

// echoFrame is sent back for every inbound client frame
type echoFrame struct {
	Type         string `json:"type"`
	Message      string `json:"message"`
	JobID        string `json:"job_id"`
	MessageCount int    `json:"message_count"`
}

// wsConn serialises writes to one gorilla connection so the broadcast path
// and the echo path cannot interleave frames.
type wsConn struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

// SendJSON implements jobs.Subscriber with a context-derived write deadline
func (w *wsConn) SendJSON(ctx context.Context, v interface{}) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	deadline := time.Now().Add(5 * time.Second)
	if d, ok := ctx.Deadline(); ok {
		deadline = d
	}
	if err := w.conn.SetWriteDeadline(deadline); err != nil {
		return err
	}
	return w.conn.WriteJSON(v)
}

func (w *wsConn) close(code int, reason string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	deadline := time.Now().Add(time.Second)
	_ = w.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(code, reason), deadline)
	_ = w.conn.Close()
}

// Gateway runs the per-connection WebSocket state machine:
// validate job id -> check origin -> check cap -> accept -> initial
// snapshot -> message loop -> cleanup.
type Gateway struct {
	serverCtx   *server.Context
	upgrader    websocket.Upgrader
	connections atomic.Int64
}

// NewGateway creates the gateway
func NewGateway(serverCtx *server.Context) *Gateway {
	return &Gateway{
		serverCtx: serverCtx,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Origin is enforced after the upgrade so refusals carry a
			// proper close code instead of a bare HTTP 403.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// ActiveConnections returns the number of open connections
func (g *Gateway) ActiveConnections() int {
	return int(g.connections.Load())
}

// originAllowed permits empty origins (local tooling) and prefix matches
// against the configured allow-list.
func (g *Gateway) originAllowed(origin string) bool {
	if origin == "" {
		return true
	}
	for _, allowed := range g.serverCtx.Config.WSAllowedOrigins {
		if strings.HasPrefix(origin, allowed) {
			return true
		}
	}
	return false
}

// Handle runs one connection's lifecycle
func (g *Gateway) Handle(c echo.Context) error {
	ctx := c.Request().Context()
	cfg := g.serverCtx.Config
	jobID := c.Param("job_id")

	idResult := g.serverCtx.Sanitizer.ValidateJobID(ctx, jobID)
	origin := c.Request().Header.Get("Origin")

	raw, err := g.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		return nil
	}
	conn := &wsConn{conn: raw}

	if !idResult.Valid {
		metrics.WSRejectionsTotal.WithLabelValues("invalid_job_id").Inc()
		conn.close(websocket.ClosePolicyViolation, "Invalid job ID")
		return nil
	}

	if !g.originAllowed(origin) {
		metrics.WSRejectionsTotal.WithLabelValues("origin").Inc()
		if g.serverCtx.Auditor != nil {
			g.serverCtx.Auditor.LogOriginRefused(ctx, origin, jobID)
		}
		conn.close(websocket.ClosePolicyViolation, "Unauthorized origin")
		return nil
	}

	if int(g.connections.Add(1)) > cfg.WSMaxConcurrentConnections {
		g.connections.Add(-1)
		metrics.WSRejectionsTotal.WithLabelValues("connection_cap").Inc()
		conn.close(websocket.ClosePolicyViolation, "Connection limit exceeded")
		return nil
	}
	metrics.WSConnectionsTotal.Inc()
	metrics.WSConnectionsActive.Inc()

	g.serverCtx.JobManager.AddConnection(jobID, conn)

	defer func() {
		g.serverCtx.JobManager.RemoveConnection(jobID, conn)
		g.connections.Add(-1)
		metrics.WSConnectionsActive.Dec()
		_ = raw.Close()
	}()

	g.sendInitialSnapshot(ctx, conn, jobID)
	g.messageLoop(conn, jobID)
	return nil
}

// sendInitialSnapshot sends the current snapshot, or a synthetic waiting
// frame when the job has no progress file yet.
func (g *Gateway) sendInitialSnapshot(ctx context.Context, conn *wsConn, jobID string) {
	snapshot, err := g.serverCtx.Store.Read(ctx, jobID)
	if err != nil {
		snapshot = &progress.Snapshot{
			JobID:   jobID,
			Status:  progress.StatusWaiting,
			Message: "Waiting for job to start",
		}
		snapshot.Stamp()
	}

	sendCtx, cancel := context.WithTimeout(context.Background(), g.serverCtx.Config.WSSendTimeout)
	defer cancel()
	if err := conn.SendJSON(sendCtx, snapshot); err != nil {
		slog.Debug("Initial snapshot send failed", "job_id", jobID, "error", err)
	}
}

// messageLoop echoes client frames until disconnect, timeout, message cap,
// or connection lifetime expiry.
func (g *Gateway) messageLoop(conn *wsConn, jobID string) {
	cfg := g.serverCtx.Config
	raw := conn.conn

	raw.SetReadLimit(cfg.WSMaxMessageSize)
	connectionDeadline := time.Now().Add(cfg.WSConnectionTimeout)

	var rate *rateWindow
	if cfg.WSMessagesPerSecond > 0 {
		rate = newRateWindow(cfg.WSMessagesPerSecond)
	}

	messageCount := 0
	for {
		if messageCount >= cfg.WSMaxMessagesPerConnection {
			conn.close(websocket.CloseGoingAway, "Message limit reached, reconnect")
			return
		}

		readDeadline := time.Now().Add(cfg.WSReceiveTimeout)
		if readDeadline.After(connectionDeadline) {
			readDeadline = connectionDeadline
		}
		_ = raw.SetReadDeadline(readDeadline)

		msgType, payload, err := raw.ReadMessage()
		if err != nil {
			switch {
			case websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway):
				// Peer closed; nothing to send back.
			case isTimeout(err):
				code := websocket.CloseGoingAway
				reason := "Receive timeout"
				if time.Now().After(connectionDeadline) {
					reason = "Connection lifetime exceeded"
				}
				conn.close(code, reason)
			default:
				conn.close(websocket.CloseInternalServerErr, "Internal error")
			}
			return
		}

		if msgType != websocket.TextMessage && msgType != websocket.BinaryMessage {
			continue
		}

		if rate != nil && !rate.allow() {
			conn.close(websocket.ClosePolicyViolation, "Message rate exceeded")
			return
		}

		messageCount++
		sendCtx, cancel := context.WithTimeout(context.Background(), cfg.WSSendTimeout)
		err = conn.SendJSON(sendCtx, echoFrame{
			Type:         "echo",
			Message:      string(payload),
			JobID:        jobID,
			MessageCount: messageCount,
		})
		cancel()
		if err != nil {
			conn.close(websocket.CloseInternalServerErr, "Echo send failed")
			return
		}
	}
}

func isTimeout(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

// rateWindow is a one-second sliding window message counter
type rateWindow struct {
	limit  int
	window []time.Time
}

func newRateWindow(limit int) *rateWindow {
	return &rateWindow{limit: limit}
}

func (r *rateWindow) allow() bool {
	now := time.Now()
	cutoff := now.Add(-time.Second)
	i := 0
	for i < len(r.window) && r.window[i].Before(cutoff) {
		i++
	}
	r.window = r.window[i:]
	if len(r.window) >= r.limit {
		return false
	}
	r.window = append(r.window, now)
	return true
}
