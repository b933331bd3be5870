package web

import (
	"fmt"
	"html"
)

// monitorHTML renders the live monitor page for one job. The id has already
// passed job-id validation; it is escaped anyway before interpolation.
func monitorHTML(jobID string) string {
	safe := html.EscapeString(jobID)
	return fmt.Sprintf(`<!DOCTYPE html>
<html>
<head>
<meta charset="utf-8">
<title>Job %s - Crackerjack Progress</title>
<style>
  body { font-family: monospace; background: #1e1e1e; color: #d4d4d4; margin: 2em; }
  .bar { background: #333; border-radius: 4px; height: 22px; width: 60%%; }
  .fill { background: #4ec9b0; border-radius: 4px; height: 100%%; width: 0; transition: width .3s; }
  .failed .fill { background: #f14c4c; }
  #log { margin-top: 1em; white-space: pre-wrap; }
  .meta { color: #808080; }
</style>
</head>
<body>
<h2>Job %s</h2>
<div id="status" class="meta">connecting...</div>
<div class="bar"><div id="fill" class="fill"></div></div>
<div id="log"></div>
<script>
  const jobId = %q;
  const ws = new WebSocket((location.protocol === "https:" ? "wss://" : "ws://") + location.host + "/ws/progress/" + jobId);
  const status = document.getElementById("status");
  const fill = document.getElementById("fill");
  const log = document.getElementById("log");
  ws.onmessage = (event) => {
    const data = JSON.parse(event.data);
    if (data.type === "echo") { return; }
    status.textContent = data.status + " - " + (data.current_stage || "") + " - " + (data.message || "");
    fill.style.width = (data.overall_progress || 0) + "%%";
    document.body.className = data.status === "failed" ? "failed" : "";
    log.textContent = JSON.stringify(data, null, 2);
  };
  ws.onclose = (event) => { status.textContent = "disconnected (" + event.code + ")"; };
  ws.onerror = () => { status.textContent = "connection error"; };
</script>
</body>
</html>`, safe, safe, jobID)
}

// testHarnessHTML renders a manual WebSocket test page
func testHarnessHTML() string {
	return `<!DOCTYPE html>
<html>
<head>
<meta charset="utf-8">
<title>Crackerjack WebSocket Test</title>
<style>
  body { font-family: monospace; margin: 2em; }
  #frames { border: 1px solid #ccc; padding: 1em; height: 20em; overflow-y: scroll; }
  input { width: 20em; }
</style>
</head>
<body>
<h2>WebSocket Test Harness</h2>
<p>
  Job id: <input id="job" value="test-job">
  <button onclick="connect()">Connect</button>
  <button onclick="disconnect()">Disconnect</button>
</p>
<p>
  Message: <input id="msg" value="ping">
  <button onclick="send()">Send</button>
</p>
<div id="frames"></div>
<script>
  let ws = null;
  const frames = document.getElementById("frames");
  function append(text) {
    const line = document.createElement("div");
    line.textContent = text;
    frames.appendChild(line);
    frames.scrollTop = frames.scrollHeight;
  }
  function connect() {
    disconnect();
    const jobId = document.getElementById("job").value;
    ws = new WebSocket((location.protocol === "https:" ? "wss://" : "ws://") + location.host + "/ws/progress/" + jobId);
    ws.onopen = () => append("[open]");
    ws.onmessage = (event) => append("[recv] " + event.data);
    ws.onclose = (event) => append("[close] code=" + event.code + " reason=" + event.reason);
    ws.onerror = () => append("[error]");
  }
  function disconnect() { if (ws) { ws.close(); ws = null; } }
  function send() { if (ws) { ws.send(document.getElementById("msg").value); } }
</script>
</body>
</html>`
}
