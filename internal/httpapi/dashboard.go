package httpapi

import (
	"fmt"
	"net/http"
)

const dashboardHTML = `<!doctype html>
<html lang="en">
<head>
  <meta charset="utf-8" />
  <meta name="viewport" content="width=device-width, initial-scale=1" />
  <title>Account Sync</title>
  <style>
    :root {
      --ink: #102223;
      --paper: #f8f4ea;
      --card: #fffdf9;
      --line: #d7cbb3;
      --accent: #1f9d88;
      --danger: #c2483f;
      --muted: #6f7d7d;
    }
    * { box-sizing: border-box; }
    body {
      margin: 0;
      font-family: "Avenir Next", "Segoe UI", sans-serif;
      color: var(--ink);
      background: var(--paper);
      padding: 20px;
    }
    .shell { max-width: 980px; margin: 0 auto; display: grid; gap: 14px; }
    .bar, .card {
      background: var(--card);
      border: 1px solid var(--line);
      border-radius: 14px;
      padding: 14px;
    }
    h1 { margin: 0; font-size: 1.4rem; }
    .sub { margin-top: 4px; color: var(--muted); font-size: 0.9rem; }
    .controls { display: flex; gap: 8px; margin-top: 10px; flex-wrap: wrap; }
    .controls input { flex: 1; min-width: 240px; padding: 8px 10px; border-radius: 8px; border: 1px solid var(--line); }
    button { border: 0; border-radius: 8px; padding: 8px 12px; font-weight: 700; cursor: pointer; }
    .btn-primary { background: var(--accent); color: #fff; }
    .btn-secondary { background: #efe6d7; color: var(--ink); }
    .stats { display: grid; grid-template-columns: repeat(5, 1fr); gap: 8px; }
    .stat b { display: block; font-size: 1.3rem; }
    .stat span { color: var(--muted); font-size: 0.8rem; }
    pre { margin: 0; max-height: 320px; overflow: auto; font-size: 0.8rem; }
    .error { color: var(--danger); }
  </style>
</head>
<body>
  <div class="shell">
    <div class="bar">
      <h1>Account Sync</h1>
      <div class="sub">Record source to account store reconciliation</div>
      <div class="controls">
        <input id="token" type="password" placeholder="Bearer token" />
        <button class="btn-primary" id="run">Sync next batch</button>
        <button class="btn-primary" id="runAll">Sync all</button>
        <button class="btn-secondary" id="accounts">Account report</button>
      </div>
    </div>
    <div class="card">
      <div class="stats">
        <div class="stat"><b id="batch">-</b><span>batch</span></div>
        <div class="stat"><b id="processed">-</b><span>processed</span></div>
        <div class="stat"><b id="created">-</b><span>created</span></div>
        <div class="stat"><b id="updated">-</b><span>updated</span></div>
        <div class="stat"><b id="cursor">-</b><span>cursor</span></div>
      </div>
      <div class="sub" id="status">not connected</div>
    </div>
    <div class="card"><pre id="output"></pre></div>
  </div>
  <script>
    (() => {
      const $ = (id) => document.getElementById(id);
      const getToken = () => $("token").value.trim();
      const show = (data, failed) => {
        $("output").textContent = JSON.stringify(data, null, 2);
        $("output").className = failed ? "error" : "";
      };
      const call = async (method, path, body) => {
        const res = await fetch(path, {
          method,
          headers: { "Authorization": "Bearer " + getToken(), "Content-Type": "application/json" },
          body: body ? JSON.stringify(body) : undefined,
        });
        show(await res.json(), !res.ok);
      };
      let socket;
      const connect = () => {
        if (socket) socket.close();
        if (!getToken()) return;
        const scheme = location.protocol === "https:" ? "wss" : "ws";
        socket = new WebSocket(scheme + "://" + location.host + "/sync/events?access_token=" + encodeURIComponent(getToken()));
        socket.onopen = () => { $("status").textContent = "live"; };
        socket.onclose = () => { $("status").textContent = "disconnected"; };
        socket.onmessage = (evt) => {
          const p = JSON.parse(evt.data);
          $("batch").textContent = p.batch;
          $("processed").textContent = p.processed;
          $("created").textContent = p.created;
          $("updated").textContent = p.updated;
          $("cursor").textContent = p.cursor;
          $("status").textContent = p.done ? "idle" : (p.hasMore ? "running" : "finishing");
        };
      };
      $("token").value = window.localStorage.getItem("accountsync_dashboard_token") || "";
      $("token").addEventListener("change", () => {
        window.localStorage.setItem("accountsync_dashboard_token", getToken());
        connect();
      });
      $("run").onclick = () => call("POST", "/sync", { resume: true });
      $("runAll").onclick = () => call("POST", "/sync", { processAll: true, resume: true });
      $("accounts").onclick = () => call("GET", "/users/list");
      connect();
    })();
  </script>
</body>
</html>`

func (s *Server) handleDashboard(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = fmt.Fprint(w, dashboardHTML)
}
