package web

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/lesleslie/crackerjack-mcp/internal/config"
	"github.com/lesleslie/crackerjack-mcp/internal/progress"
	"github.com/lesleslie/crackerjack-mcp/internal/server"
)

func testContext(t *testing.T) *server.Context {
	t.Helper()
	dir := t.TempDir()
	cfg := &config.Config{
		ProjectPath:                dir,
		ProgressDir:                filepath.Join(dir, "progress"),
		StateDir:                   filepath.Join(dir, "state"),
		CacheDir:                   filepath.Join(dir, "cache"),
		LogLevel:                   "info",
		RequestTimeout:             30 * time.Second,
		RequestsPerMinute:          1000,
		RequestsPerHour:            10000,
		MaxConcurrentJobs:          5,
		MaxJobDuration:             time.Minute,
		MaxFileSizeMB:              10,
		MaxProgressFiles:           1000,
		MaxCacheEntries:            1000,
		MaxStringLength:            10000,
		MaxJobIDLength:             128,
		MaxCommandLength:           1000,
		MaxJSONSize:                1024 * 1024,
		MaxJSONDepth:               10,
		BatchDebounceDelay:         100 * time.Millisecond,
		BatchMaxSize:               10,
		ProgressQueueSize:          100,
		ProgressPollPeriod:         time.Hour,
		ProgressDebounce:           50 * time.Millisecond,
		ForcePollingMonitor:        true,
		StatusCollectorTimeout:     5 * time.Second,
		StatusLockTimeout:          time.Second,
		StatusCacheTTL:             time.Second,
		ResourceCleanupPeriod:      time.Minute,
		AuditBufferSize:            1000,
		WSMaxMessageSize:           1024 * 1024,
		WSMaxMessagesPerConnection: 10,
		WSMaxConcurrentConnections: 100,
		WSAllowedOrigins:           []string{"http://localhost", "http://127.0.0.1", "https://localhost", "https://127.0.0.1"},
		WSReceiveTimeout:           2 * time.Second,
		WSSendTimeout:              2 * time.Second,
		WSConnectionTimeout:        time.Hour,
	}

	serverCtx := server.New(cfg)
	if err := serverCtx.Initialise(context.Background()); err != nil {
		t.Fatalf("Initialise() error = %v", err)
	}
	t.Cleanup(func() { serverCtx.Shutdown(context.Background()) })
	return serverCtx
}

func startTestServer(t *testing.T) (*Server, *httptest.Server, *server.Context) {
	t.Helper()
	serverCtx := testContext(t)
	s := NewServer(serverCtx, "test")
	ts := httptest.NewServer(s.echo)
	t.Cleanup(ts.Close)
	return s, ts, serverCtx
}

func wsURL(ts *httptest.Server, jobID string) string {
	return "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws/progress/" + jobID
}

func TestStatusIndex(t *testing.T) {
	_, ts, _ := startTestServer(t)

	resp, err := http.Get(ts.URL + "/")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("GET / status = %d", resp.StatusCode)
	}

	var body map[string]interface{}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatal(err)
	}
	if body["status"] != "running" {
		t.Errorf("status = %v", body["status"])
	}
	if _, ok := body["endpoints"]; !ok {
		t.Error("endpoints missing from index")
	}
}

func TestLatestJob(t *testing.T) {
	_, ts, serverCtx := startTestServer(t)

	resp, err := http.Get(ts.URL + "/latest")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("empty /latest status = %d, want 404", resp.StatusCode)
	}

	if err := serverCtx.Store.Write(context.Background(), &progress.Snapshot{
		JobID: "abc123", Status: progress.StatusRunning,
	}); err != nil {
		t.Fatal(err)
	}

	resp, err = http.Get(ts.URL + "/latest")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var body map[string]interface{}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatal(err)
	}
	if body["job_id"] != "abc123" {
		t.Errorf("job_id = %v", body["job_id"])
	}
	if body["websocket_url"] != "/ws/progress/abc123" {
		t.Errorf("websocket_url = %v", body["websocket_url"])
	}
}

func TestMonitorPageValidation(t *testing.T) {
	_, ts, _ := startTestServer(t)

	resp, err := http.Get(ts.URL + "/monitor/good-job-1")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("valid monitor page status = %d", resp.StatusCode)
	}

	resp, err = http.Get(ts.URL + "/monitor/bad%20id")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("invalid monitor id status = %d, want 400", resp.StatusCode)
	}
}

func TestWebSocketInitialWaitingSnapshot(t *testing.T) {
	_, ts, _ := startTestServer(t)

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(ts, "newjob1"), nil)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var snapshot progress.Snapshot
	if err := conn.ReadJSON(&snapshot); err != nil {
		t.Fatal(err)
	}
	if snapshot.Status != progress.StatusWaiting {
		t.Errorf("initial status = %v, want waiting", snapshot.Status)
	}
	if snapshot.JobID != "newjob1" {
		t.Errorf("initial job_id = %v", snapshot.JobID)
	}
}

func TestWebSocketInitialExistingSnapshot(t *testing.T) {
	_, ts, serverCtx := startTestServer(t)

	if err := serverCtx.Store.Write(context.Background(), &progress.Snapshot{
		JobID: "known1", Status: progress.StatusRunning, OverallProgress: 40,
	}); err != nil {
		t.Fatal(err)
	}

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(ts, "known1"), nil)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var snapshot progress.Snapshot
	if err := conn.ReadJSON(&snapshot); err != nil {
		t.Fatal(err)
	}
	if snapshot.Status != progress.StatusRunning || snapshot.OverallProgress != 40 {
		t.Errorf("initial snapshot = %+v", snapshot)
	}
}

func TestWebSocketEchoFrames(t *testing.T) {
	_, ts, _ := startTestServer(t)

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(ts, "echo1"), nil)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var initial progress.Snapshot
	if err := conn.ReadJSON(&initial); err != nil {
		t.Fatal(err)
	}

	for i := 1; i <= 2; i++ {
		if err := conn.WriteMessage(websocket.TextMessage, []byte("ping")); err != nil {
			t.Fatal(err)
		}
		var frame echoFrame
		conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		if err := conn.ReadJSON(&frame); err != nil {
			t.Fatal(err)
		}
		if frame.Type != "echo" || frame.Message != "ping" {
			t.Errorf("frame = %+v", frame)
		}
		if frame.MessageCount != i {
			t.Errorf("MessageCount = %d, want %d", frame.MessageCount, i)
		}
	}
}

func TestWebSocketRefusesBadOrigin(t *testing.T) {
	_, ts, _ := startTestServer(t)

	header := http.Header{"Origin": []string{"https://evil.example"}}
	conn, _, err := websocket.DefaultDialer.Dial(wsURL(ts, "origin1"), header)
	if err != nil {
		t.Fatalf("dial failed before close handshake: %v", err)
	}
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err = conn.ReadMessage()
	closeErr, ok := err.(*websocket.CloseError)
	if !ok {
		t.Fatalf("expected close error, got %v", err)
	}
	if closeErr.Code != websocket.ClosePolicyViolation {
		t.Errorf("close code = %d, want 1008", closeErr.Code)
	}
	if closeErr.Text != "Unauthorized origin" {
		t.Errorf("close reason = %q", closeErr.Text)
	}
}

func TestWebSocketAllowsLocalhostOrigin(t *testing.T) {
	_, ts, _ := startTestServer(t)

	header := http.Header{"Origin": []string{"http://localhost:3000"}}
	conn, _, err := websocket.DefaultDialer.Dial(wsURL(ts, "origin2"), header)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var snapshot progress.Snapshot
	if err := conn.ReadJSON(&snapshot); err != nil {
		t.Fatalf("localhost origin refused: %v", err)
	}
}

func TestWebSocketRefusesInvalidJobID(t *testing.T) {
	_, ts, _ := startTestServer(t)

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(ts, "bad%20id"), nil)
	if err != nil {
		t.Fatalf("dial failed before close handshake: %v", err)
	}
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err = conn.ReadMessage()
	closeErr, ok := err.(*websocket.CloseError)
	if !ok {
		t.Fatalf("expected close error, got %v", err)
	}
	if closeErr.Code != websocket.ClosePolicyViolation {
		t.Errorf("close code = %d, want 1008", closeErr.Code)
	}
}

func TestWebSocketMessageCapCloses1001(t *testing.T) {
	_, ts, _ := startTestServer(t) // cap configured at 10

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(ts, "capjob1"), nil)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var initial progress.Snapshot
	if err := conn.ReadJSON(&initial); err != nil {
		t.Fatal(err)
	}

	for i := 0; i < 10; i++ {
		if err := conn.WriteMessage(websocket.TextMessage, []byte("m")); err != nil {
			t.Fatal(err)
		}
		var frame echoFrame
		if err := conn.ReadJSON(&frame); err != nil {
			t.Fatal(err)
		}
	}

	// The cap is reached with the 10th echo; the server closes 1001 without
	// echoing the next frame.
	if err := conn.WriteMessage(websocket.TextMessage, []byte("over")); err != nil {
		t.Fatal(err)
	}
	_, _, err = conn.ReadMessage()
	closeErr, ok := err.(*websocket.CloseError)
	if !ok {
		t.Fatalf("expected close error, got %v", err)
	}
	if closeErr.Code != websocket.CloseGoingAway {
		t.Errorf("close code = %d, want 1001", closeErr.Code)
	}
}

func TestWebSocketBroadcastFromStoreWrite(t *testing.T) {
	_, ts, serverCtx := startTestServer(t)
	serverCtx.JobManager.Start(context.Background())

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(ts, "live1"), nil)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var initial progress.Snapshot
	if err := conn.ReadJSON(&initial); err != nil {
		t.Fatal(err)
	}

	if err := serverCtx.Store.Write(context.Background(), &progress.Snapshot{
		JobID: "live1", Status: progress.StatusRunning, OverallProgress: 55,
	}); err != nil {
		t.Fatal(err)
	}

	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	var update progress.Snapshot
	if err := conn.ReadJSON(&update); err != nil {
		t.Fatalf("broadcast never arrived: %v", err)
	}
	if update.OverallProgress != 55 {
		t.Errorf("broadcast snapshot = %+v", update)
	}
}
